package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/skiplist"
)

// Verb is the storage operation declared in a replication request.
type Verb string

// The verbs that the client declares to the server.
const (
	Upload     Verb = "UPLOAD"
	Delete     Verb = "DELETE"
	RemoteCopy Verb = "REMOTE_COPY"
)

func (verb Verb) valid() bool {
	switch verb {
	case Upload, Delete, RemoteCopy:
		return true
	}
	return false
}

// RequestDetails describes an operation the client wants the server to
// authorize.
type RequestDetails struct {
	OperationID string `json:"operation_id"`
	Operation   Verb   `json:"operation"`
	Pathname    string `json:"pathname"`

	Etag        string `json:"etag,omitempty"`
	Size        int64  `json:"size,omitempty"`
	OldPathname string `json:"old_pathname,omitempty"`
	PriorEtag   string `json:"prior_etag,omitempty"`
}

// Validate checks the fields that every request must set.
func (details RequestDetails) Validate() error {
	switch {
	case details.OperationID == "":
		return errors.MissingFieldError{Field: "operation_id"}
	case details.Pathname == "":
		return errors.MissingFieldError{Field: "pathname"}
	case !details.Operation.valid():
		return fmt.Errorf("unknown operation %q", details.Operation)
	case details.Operation == RemoteCopy && details.OldPathname == "":
		return errors.MissingFieldError{Field: "old_pathname"}
	}
	return nil
}

// UnmarshalJSON decodes the details and checks their required fields.
func (details *RequestDetails) UnmarshalJSON(b []byte) error {
	type plain RequestDetails
	if err := checkRequired(b, "operation_id", "operation", "pathname"); err != nil {
		return errors.WithContext(err, "request details")
	}
	if err := json.Unmarshal(b, (*plain)(details)); err != nil {
		return err
	}
	return errors.WithContext(details.Validate(), "request details")
}

// ResponseDetails is the server's verdict on a declared operation.
type ResponseDetails struct {
	OperationID string `json:"operation_id"`
	Result      bool   `json:"result"`

	Pathname    string              `json:"pathname,omitempty"`
	Proof       *skiplist.WireProof `json:"proof,omitempty"`
	UploadToken string              `json:"upload_token,omitempty"`
	ErrorCode   *ErrorCode          `json:"error_code,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

// UnmarshalJSON decodes the details and checks their required fields.
func (details *ResponseDetails) UnmarshalJSON(b []byte) error {
	type plain ResponseDetails
	if err := checkRequired(b, "operation_id", "result"); err != nil {
		return errors.WithContext(err, "response details")
	}
	if err := json.Unmarshal(b, (*plain)(details)); err != nil {
		return err
	}

	if details.Result && details.Proof == nil {
		return errors.WithContext(errors.MissingFieldError{Field: "proof"}, "response details")
	}
	return nil
}

// IsQuotaExceeded returns whether the server refused the operation because
// the user is out of space.
func (details ResponseDetails) IsQuotaExceeded() bool {
	return details.ErrorCode != nil && *details.ErrorCode == ExceedingQuota
}

func checkRequired(b []byte, fields ...string) error {
	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	for _, field := range fields {
		if _, ok := raw[field]; !ok {
			return errors.MissingFieldError{Field: field}
		}
	}
	return nil
}
