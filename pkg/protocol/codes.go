package protocol

import "fmt"

// ErrorCode classifies the failures reported in ERROR messages and in refused
// declarations.
type ErrorCode int

// The error codes shared with the server.
const (
	GenericError ErrorCode = iota
	UnexpectedData
	MalformedMessage
	MissingContentLength
	ExceedingQuota
	PathnameError
	OperationNotPermitted
	InternalServerError
	ProcedureError
	ServiceError
	LinkingInternalError
)

var errorCodeNames = []string{
	"GENERIC_ERROR",
	"UNEXPECTED_DATA",
	"MALFORMED_MESSAGE",
	"MISSING_CONTENT_LENGTH",
	"EXCEEDING_QUOTA",
	"PATHNAME_ERROR",
	"OPERATION_NOT_PERMITTED",
	"INTERNAL_SERVER_ERROR",
	"PROCEDURE_ERROR",
	"SERVICE_ERROR",
	"LINKING_INTERNAL_ERROR",
}

func (code ErrorCode) String() string {
	if code < 0 || int(code) >= len(errorCodeNames) {
		return fmt.Sprintf("ErrorCode(%d)", int(code))
	}
	return errorCodeNames[code]
}

// CodePtr returns a pointer to `code`, for filling optional fields.
func CodePtr(code ErrorCode) *ErrorCode {
	return &code
}
