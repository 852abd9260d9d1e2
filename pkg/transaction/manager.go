// Package transaction tracks the operations that make up one commit unit, and
// decides when they should be committed.
package transaction

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/metadata"
	"github.com/sidkik/vaultsync/pkg/operation"
)

// Thresholds bound the size of a transaction. A zero value disables the
// corresponding bound.
type Thresholds struct {
	MaxOperations int
	MaxBytes      int64
	MaxIdle       time.Duration
}

// Manager holds the open transaction. It isn't safe for concurrent use; the
// session goroutine owns it.
type Manager struct {
	clock      clockwork.Clock
	thresholds Thresholds
	store      *metadata.Store

	// declared holds the operations sent to the server that haven't been
	// answered yet.
	declared map[string]*operation.Operation

	// authorized holds the operations the server accepted, in the order it
	// accepted them.
	authorized []*operation.Operation
	byID       map[string]*operation.Operation

	bytes        int64
	lastAccepted time.Time
	id           string
}

// NewManager creates a manager that persists authorized operations to
// `store`.
func NewManager(clock clockwork.Clock, thresholds Thresholds, store *metadata.Store) *Manager {
	m := &Manager{clock: clock, thresholds: thresholds, store: store}
	m.reset()
	return m
}

func (m *Manager) reset() {
	m.declared = map[string]*operation.Operation{}
	m.authorized = nil
	m.byID = map[string]*operation.Operation{}
	m.bytes = 0
	m.lastAccepted = time.Time{}
	m.id = ""
}

// Reset drops the open transaction, including its recovery cache.
func (m *Manager) Reset() error {
	m.reset()
	return m.store.Update(metadata.ClearTransaction())
}

// Declare records that `op` was sent to the server for authorization.
func (m *Manager) Declare(op *operation.Operation) {
	m.declared[op.ID] = op
}

// Declared returns the operation with the given id if it's awaiting a
// response.
func (m *Manager) Declared(id string) (*operation.Operation, bool) {
	op, ok := m.declared[id]
	return op, ok
}

// NumDeclared returns the number of operations awaiting a response.
func (m *Manager) NumDeclared() int {
	return len(m.declared)
}

// Authorize moves a declared operation into the transaction and persists it
// to the recovery cache.
func (m *Manager) Authorize(id string) (*operation.Operation, error) {
	op, ok := m.declared[id]
	if !ok {
		return nil, fmt.Errorf("operation %s wasn't declared", id)
	}

	record := metadata.TransactionRecord{
		Sequence:    len(m.authorized),
		OperationID: op.ID,
		Verb:        string(op.Verb),
		Pathname:    op.Pathname,
		Etag:        op.Etag,
		Size:        op.Size,
		Lmtime:      op.Lmtime,
	}
	if err := m.store.Update(metadata.PutTransactionRecord(record)); err != nil {
		return nil, errors.WithContext(err, "persist authorized operation")
	}

	delete(m.declared, id)
	m.authorized = append(m.authorized, op)
	m.byID[op.ID] = op
	m.bytes += op.Size
	m.lastAccepted = m.clock.Now()
	return op, nil
}

// Refuse drops a declared operation that the server didn't authorize.
func (m *Manager) Refuse(id string) (*operation.Operation, bool) {
	op, ok := m.declared[id]
	if ok {
		delete(m.declared, id)
	}
	return op, ok
}

// Get returns an authorized operation.
func (m *Manager) Get(id string) (*operation.Operation, bool) {
	op, ok := m.byID[id]
	return op, ok
}

// Operations returns the authorized operations, in authorization order.
func (m *Manager) Operations() []*operation.Operation {
	return append([]*operation.Operation{}, m.authorized...)
}

// IsEmpty returns whether no operation has been authorized.
func (m *Manager) IsEmpty() bool {
	return len(m.authorized) == 0
}

// Size returns the number of bytes moved by the authorized operations.
func (m *Manager) Size() int64 {
	return m.bytes
}

// Finished returns whether every authorized operation has left the Working
// state.
func (m *Manager) Finished() bool {
	for _, op := range m.authorized {
		if op.State() == operation.Working {
			return false
		}
	}
	return true
}

// Failed returns the authorized operations that didn't complete.
func (m *Manager) Failed() (failed []*operation.Operation) {
	for _, op := range m.authorized {
		if state := op.State(); state == operation.Aborted || state == operation.Rejected {
			failed = append(failed, op)
		}
	}
	return failed
}

// NeedsCommit returns whether the transaction has grown large or old enough
// that it should be committed.
func (m *Manager) NeedsCommit() bool {
	if m.IsEmpty() {
		return false
	}

	t := m.thresholds
	switch {
	case t.MaxOperations > 0 && len(m.authorized) >= t.MaxOperations:
		return true
	case t.MaxBytes > 0 && m.bytes >= t.MaxBytes:
		return true
	case t.MaxIdle > 0 && m.clock.Now().Sub(m.lastAccepted) >= t.MaxIdle:
		return true
	}
	return false
}

// Postpone removes every declared operation that hasn't been answered, so
// that a commit doesn't wait on them. The caller is responsible for queueing
// them again.
func (m *Manager) Postpone() []*operation.Operation {
	var postponed []*operation.Operation
	for _, op := range m.declared {
		postponed = append(postponed, op.Retry())
	}
	m.declared = map[string]*operation.Operation{}

	if len(postponed) != 0 {
		log.WithField("operations", len(postponed)).Debug("Postponed unanswered declarations")
	}
	return postponed
}

// Abandon drops the open transaction and returns its operations, ready to be
// declared again.
func (m *Manager) Abandon() ([]*operation.Operation, error) {
	retries := m.Postpone()
	for _, op := range m.authorized {
		retries = append(retries, op.Retry())
	}
	return retries, m.Reset()
}

// BeginCommit assigns the transaction its id and persists the commit marker.
// `candidate` is the basis the transaction is expected to commit to.
func (m *Manager) BeginCommit(candidate string) (string, error) {
	if m.id == "" {
		m.id = uuid.New().String()
	}

	marker := metadata.CommitMarker{TransactionID: m.id, Candidate: candidate}
	if err := m.store.Update(metadata.SetCommitMarker(marker)); err != nil {
		return "", errors.WithContext(err, "persist commit marker")
	}
	return m.id, nil
}

// ID returns the id assigned by BeginCommit, or the empty string if the
// commit hasn't started.
func (m *Manager) ID() string {
	return m.id
}

// Committed returns the metadata operations that apply the completed
// operations to the storage cache and empty the recovery cache. They're meant
// to be combined with the other writes of a successful commit.
func (m *Manager) Committed() []func(*badger.Txn) error {
	var ops []func(*badger.Txn) error
	for _, op := range m.authorized {
		if op.State() != operation.Completed {
			continue
		}

		if op.Verb == operation.Delete {
			ops = append(ops, metadata.RemoveStorageRecord(op.Pathname))
			continue
		}
		ops = append(ops, metadata.SetStorageRecord(op.Pathname, metadata.StorageRecord{
			Etag:   op.Etag,
			Size:   op.Size,
			Lmtime: op.Lmtime,
		}))
	}
	return append(ops, metadata.ClearTransaction())
}

// Finish forgets the committed transaction. It must only be called once the
// operations returned by Committed were persisted.
func (m *Manager) Finish() {
	m.reset()
}

// Recovered is the transaction state left behind by a previous run.
type Recovered struct {
	Records []metadata.TransactionRecord

	// Marker is set if COMMIT_START was sent for the transaction.
	Marker *metadata.CommitMarker
}

// Recover reads the recovery cache from `store`.
func Recover(store *metadata.Store) (Recovered, error) {
	var recovered Recovered
	var marker metadata.CommitMarker
	var found bool
	if err := store.View(metadata.RetrieveTransaction(&recovered.Records, &marker, &found)); err != nil {
		return Recovered{}, errors.WithContext(err, "read recovery cache")
	}
	if found {
		recovered.Marker = &marker
	}
	return recovered, nil
}

// Restore loads a transaction whose commit was interrupted. Its operations
// are considered complete, since COMMIT_START is only sent once they are.
func (m *Manager) Restore(recovered Recovered) error {
	if recovered.Marker == nil {
		return fmt.Errorf("transaction wasn't being committed")
	}

	m.reset()
	m.id = recovered.Marker.TransactionID
	for _, record := range recovered.Records {
		op := &operation.Operation{
			ID:       record.OperationID,
			Verb:     operation.Verb(record.Verb),
			Pathname: record.Pathname,
			Etag:     record.Etag,
			Size:     record.Size,
			Lmtime:   record.Lmtime,
		}
		op.Complete()
		m.authorized = append(m.authorized, op)
		m.byID[op.ID] = op
		m.bytes += op.Size
	}
	return nil
}

// Pending returns the state that the transaction gives `pathname`. `ok` is
// false if none of its operations touch the pathname.
func (m *Manager) Pending(pathname string) (etag string, exists, ok bool) {
	for i := len(m.authorized) - 1; i >= 0; i-- {
		op := m.authorized[i]
		if op.Pathname != pathname {
			continue
		}
		if op.Verb == operation.Delete {
			return "", false, true
		}
		return op.Etag, true, true
	}
	return "", false, false
}
