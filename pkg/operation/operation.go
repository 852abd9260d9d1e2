// Package operation defines the unit of work that flows between the
// filesystem watcher, the session and the workers.
package operation

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sidkik/vaultsync/pkg/protocol"
)

// Verb is the kind of work an operation represents.
type Verb string

const (
	// Upload sends local content to the server.
	Upload Verb = "UPLOAD"

	// Delete removes a key from the server.
	Delete Verb = "DELETE"

	// RemoteCopy asks the server to copy content it already stores.
	RemoteCopy Verb = "REMOTE_COPY"

	// Download fetches remote content into the warebox.
	Download Verb = "DOWNLOAD"
)

// Declared returns the verb used to declare the operation to the server.
// Downloads are never declared.
func (verb Verb) Declared() (protocol.Verb, bool) {
	switch verb {
	case Upload:
		return protocol.Upload, true
	case Delete:
		return protocol.Delete, true
	case RemoteCopy:
		return protocol.RemoteCopy, true
	}
	return "", false
}

// NeedsWorker returns whether the operation moves content, and therefore has
// to be handed to a worker once authorized.
func (verb Verb) NeedsWorker() bool {
	return verb == Upload || verb == Download
}

// State is the lifecycle state of an operation.
type State int

// An operation starts out Working and finishes in exactly one of the other
// states.
const (
	Working State = iota
	Completed
	Aborted
	Rejected
)

func (state State) String() string {
	switch state {
	case Working:
		return "working"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("State(%d)", int(state))
}

// Operation is a single change to a pathname.
type Operation struct {
	ID       string
	Verb     Verb
	Pathname string

	// OldPathname is the source of a remote copy.
	OldPathname string

	// Etag, Size and Lmtime describe the content the operation moves.
	Etag   string
	Size   int64
	Lmtime int64

	// PriorEtag is the etag the server is expected to hold for the pathname
	// before the operation. It's empty if the pathname is new.
	PriorEtag string

	// UploadToken is handed out by the server when it authorizes an upload.
	UploadToken string

	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}
}

// New creates an operation in the Working state.
func New(verb Verb, pathname string) *Operation {
	return &Operation{
		ID:       uuid.New().String(),
		Verb:     verb,
		Pathname: pathname,
		done:     make(chan struct{}),
	}
}

func (op *Operation) String() string {
	return fmt.Sprintf("%s %s", op.Verb, op.Pathname)
}

// State returns the current state of the operation.
func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Err returns why the operation was aborted or rejected.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Done is closed once the operation leaves the Working state.
func (op *Operation) Done() <-chan struct{} {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.doneLocked()
}

func (op *Operation) doneLocked() chan struct{} {
	if op.done == nil {
		op.done = make(chan struct{})
	}
	return op.done
}

// Complete marks the operation as successfully finished.
func (op *Operation) Complete() bool {
	return op.finish(Completed, nil)
}

// Abort marks the operation as failed.
func (op *Operation) Abort(err error) bool {
	return op.finish(Aborted, err)
}

// Reject marks the operation as refused by the server.
func (op *Operation) Reject(err error) bool {
	return op.finish(Rejected, err)
}

// finish moves the operation to `state`. It returns false if the operation
// already finished, in which case nothing changes.
func (op *Operation) finish(state State, err error) bool {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state != Working {
		return false
	}
	op.state = state
	op.err = err
	close(op.doneLocked())
	return true
}

// Retry returns a fresh copy of the operation in the Working state, for
// operations that must be attempted again.
func (op *Operation) Retry() *Operation {
	op.mu.Lock()
	defer op.mu.Unlock()

	return &Operation{
		ID:          op.ID,
		Verb:        op.Verb,
		Pathname:    op.Pathname,
		OldPathname: op.OldPathname,
		Etag:        op.Etag,
		Size:        op.Size,
		Lmtime:      op.Lmtime,
		PriorEtag:   op.PriorEtag,
		done:        make(chan struct{}),
	}
}

// Request returns the declaration of the operation.
func (op *Operation) Request() (protocol.RequestDetails, error) {
	verb, ok := op.Verb.Declared()
	if !ok {
		return protocol.RequestDetails{}, fmt.Errorf("%s operations aren't declared", op.Verb)
	}

	details := protocol.RequestDetails{
		OperationID: op.ID,
		Operation:   verb,
		Pathname:    op.Pathname,
		PriorEtag:   op.PriorEtag,
	}
	if verb != protocol.Delete {
		details.Etag = op.Etag
		details.Size = op.Size
	}
	if verb == protocol.RemoteCopy {
		details.OldPathname = op.OldPathname
	}
	return details, details.Validate()
}
