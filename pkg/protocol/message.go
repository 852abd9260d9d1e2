// Package protocol defines the messages exchanged with the storage server, the
// commands exchanged between session goroutines, and the wire codec.
package protocol

import (
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/sidkik/vaultsync/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageKind identifies the type of a message.
type MessageKind int

// The message kinds understood by both ends of the protocol.
const (
	ProtocolVersion MessageKind = iota
	ProtocolVersionAgreement
	ChallengeRequest
	ChallengeRequestResponse
	ChallengeResponse
	ChallengeVerifyResponse
	SyncStart
	SyncFilesList
	SyncGetEncryptedFilesIVs
	SyncEncryptedFilesIVs
	ReplicationStart
	ReplicationStartResponse
	ReplicationDeclareRequest
	ReplicationDeclareResponse
	CommitStart
	CommitDone
	CommitForce
	KeepAlive
	Quit
	Error

	numMessageKinds
)

type messageSpec struct {
	name     string
	required []string
}

var messageSpecs = [numMessageKinds]messageSpec{
	ProtocolVersion:            {"PROTOCOL_VERSION", []string{"version"}},
	ProtocolVersionAgreement:   {"PROTOCOL_VERSION_AGREEMENT", []string{"response"}},
	ChallengeRequest:           {"CHALLENGE_REQUEST", []string{"username", "client_id"}},
	ChallengeRequestResponse:   {"CHALLENGE_REQUEST_RESPONSE", []string{"challenge"}},
	ChallengeResponse:          {"CHALLENGE_RESPONSE", []string{"client_id", "response"}},
	ChallengeVerifyResponse:    {"CHALLENGE_VERIFY_RESPONSE", []string{"result"}},
	SyncStart:                  {"SYNC_START", nil},
	SyncFilesList:              {"SYNC_FILES_LIST", []string{"basis", "dataset", "used_space", "user_quota"}},
	SyncGetEncryptedFilesIVs:   {"SYNC_GET_ENCRYPTED_FILES_IVS", []string{"requested_files_list"}},
	SyncEncryptedFilesIVs:      {"SYNC_ENCRYPTED_FILES_IVS", []string{"ivs"}},
	ReplicationStart:           {"REPLICATION_START", nil},
	ReplicationStartResponse:   {"REPLICATION_START_RESPONSE", []string{"response"}},
	ReplicationDeclareRequest:  {"REPLICATION_DECLARE_REQUEST", []string{"request"}},
	ReplicationDeclareResponse: {"REPLICATION_DECLARE_RESPONSE", []string{"response"}},
	CommitStart:                {"COMMIT_START", []string{"transaction_id", "achieved_operations"}},
	CommitDone:                 {"COMMIT_DONE", []string{"transaction_id", "new_basis"}},
	CommitForce:                {"COMMIT_FORCE", nil},
	KeepAlive:                  {"KEEP_ALIVE", []string{"id"}},
	Quit:                       {"QUIT", []string{"reason"}},
	Error:                      {"ERROR", []string{"error_code", "error_message"}},
}

var messageKindsByName = map[string]MessageKind{}

func init() {
	for kind, spec := range messageSpecs {
		messageKindsByName[spec.name] = MessageKind(kind)
	}
}

func (kind MessageKind) String() string {
	if kind < 0 || kind >= numMessageKinds {
		return fmt.Sprintf("MessageKind(%d)", int(kind))
	}
	return messageSpecs[kind].name
}

// ParseMessageKind returns the kind with the given wire name.
func ParseMessageKind(name string) (MessageKind, error) {
	kind, ok := messageKindsByName[name]
	if !ok {
		return 0, UndefinedMessage{Name: name}
	}
	return kind, nil
}

// Required returns the parameters that every message of this kind carries.
func (kind MessageKind) Required() []string {
	if kind < 0 || kind >= numMessageKinds {
		return nil
	}
	return messageSpecs[kind].required
}

// Params are the parameters used to construct a message. Values may be any
// type that can be marshalled to JSON.
type Params map[string]interface{}

// Message is a single protocol message.
type Message struct {
	Kind   MessageKind
	Params map[string]jsoniter.RawMessage
}

// NewMessage creates a message of the given kind. It fails if a required
// parameter is missing.
func NewMessage(kind MessageKind, params Params) (Message, error) {
	if kind < 0 || kind >= numMessageKinds {
		return Message{}, fmt.Errorf("unknown message kind %d", int(kind))
	}

	msg := Message{Kind: kind, Params: map[string]jsoniter.RawMessage{}}
	for key, value := range params {
		raw, err := json.Marshal(value)
		if err != nil {
			return Message{}, errors.WithContext(err, fmt.Sprintf("marshal %s.%s", kind, key))
		}
		msg.Params[key] = raw
	}

	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// MustNewMessage is like NewMessage, but panics on error. It's meant for
// messages whose parameters are fixed at compile time.
func MustNewMessage(kind MessageKind, params Params) Message {
	msg, err := NewMessage(kind, params)
	if err != nil {
		panic(err)
	}
	return msg
}

func (msg Message) validate() error {
	for _, key := range msg.Kind.Required() {
		if _, ok := msg.Params[key]; !ok {
			return errors.WithContext(errors.MissingFieldError{Field: key}, msg.Kind.String())
		}
	}
	return nil
}

// Has returns whether the message carries parameter `key`.
func (msg Message) Has(key string) bool {
	_, ok := msg.Params[key]
	return ok
}

// Decode unmarshals parameter `key` into `v`.
func (msg Message) Decode(key string, v interface{}) error {
	raw, ok := msg.Params[key]
	if !ok {
		return errors.WithContext(errors.MissingFieldError{Field: key}, msg.Kind.String())
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return errors.WithContext(err, fmt.Sprintf("decode %s.%s", msg.Kind, key))
	}
	return nil
}

// GetString returns a string parameter.
func (msg Message) GetString(key string) (string, error) {
	var s string
	err := msg.Decode(key, &s)
	return s, err
}

// GetInt returns an integer parameter.
func (msg Message) GetInt(key string) (int64, error) {
	var i int64
	err := msg.Decode(key, &i)
	return i, err
}

// GetBool returns a boolean parameter.
func (msg Message) GetBool(key string) (bool, error) {
	var b bool
	err := msg.Decode(key, &b)
	return b, err
}

// Keys returns the names of the message's parameters, sorted.
func (msg Message) Keys() []string {
	var keys []string
	for key := range msg.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// FileEntry is one element of the dataset sent in SYNC_FILES_LIST.
type FileEntry struct {
	Key    string `json:"key"`
	Etag   string `json:"etag"`
	Size   int64  `json:"size"`
	Lmtime int64  `json:"lmtime"`
}

// IsDir returns whether the entry is a directory.
func (entry FileEntry) IsDir() bool {
	return IsDirKey(entry.Key)
}

// IsDirKey returns whether `key` names a directory.
func IsDirKey(key string) bool {
	return len(key) > 0 && key[len(key)-1] == '/'
}

// Dataset returns the file listing of a SYNC_FILES_LIST message.
func (msg Message) Dataset() ([]FileEntry, error) {
	var dataset []FileEntry
	if err := msg.Decode("dataset", &dataset); err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	for _, entry := range dataset {
		if entry.Key == "" {
			return nil, errors.WithContext(errors.MissingFieldError{Field: "key"}, "dataset entry")
		}
		if _, ok := seen[entry.Key]; ok {
			return nil, fmt.Errorf("dataset lists %q twice", entry.Key)
		}
		seen[entry.Key] = struct{}{}
	}
	return dataset, nil
}

// Request returns the details of a REPLICATION_DECLARE_REQUEST.
func (msg Message) Request() (RequestDetails, error) {
	var details RequestDetails
	err := msg.Decode("request", &details)
	return details, err
}

// Response returns the details of a REPLICATION_DECLARE_RESPONSE.
func (msg Message) Response() (ResponseDetails, error) {
	var details ResponseDetails
	err := msg.Decode("response", &details)
	return details, err
}

// The parameter values of PROTOCOL_VERSION_AGREEMENT and
// REPLICATION_START_RESPONSE.
const (
	ResponseOK = "OK"
	ResponseKO = "KO"
)

// QuitConcurrentClient is the QUIT reason sent when another client logs in
// with the same credentials.
const QuitConcurrentClient = "concurrent_client"
