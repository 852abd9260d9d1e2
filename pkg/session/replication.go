package session

import (
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v2"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/metadata"
	"github.com/sidkik/vaultsync/pkg/operation"
	"github.com/sidkik/vaultsync/pkg/protocol"
	"github.com/sidkik/vaultsync/pkg/ui"
)

func (s *Session) enterReplication() (StateID, error) {
	s.ui.SetGlobalStatus(ui.StatusReady)
	return Replication, nil
}

// replicationChannels only reads operations when a new declaration can be
// sent: declarations are sent one at a time, and only once a worker is free
// to carry out the transfer.
func (s *Session) replicationChannels() []string {
	if s.transactions.NumDeclared() != 0 || !s.workers.ExistFreeWorkers() {
		return noOperations
	}
	return allChannels
}

// priorState returns the state of `pathname` on the server, as the open
// transaction leaves it.
func (s *Session) priorState(pathname string) (etag string, exists bool) {
	if etag, exists, ok := s.transactions.Pending(pathname); ok {
		return etag, exists
	}
	record, ok := s.cache[pathname]
	return record.Etag, ok
}

// copySource returns a file on the server with the same content as `op`,
// which the server can copy instead of receiving an upload.
func (s *Session) copySource(op *operation.Operation) (string, bool) {
	if op.Size == 0 {
		return "", false
	}

	var candidates []string
	for key, record := range s.cache {
		if key == op.Pathname || protocol.IsDirKey(key) {
			continue
		}
		if record.Etag != op.Etag || record.Size != op.Size {
			continue
		}
		if etag, exists := s.priorState(key); !exists || etag != op.Etag {
			continue
		}
		candidates = append(candidates, key)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[0], true
}

// declare asks the server to authorize a local change.
func (s *Session) declare(op *operation.Operation) (StateID, error) {
	if _, ok := op.Verb.Declared(); !ok {
		s.log.WithField("operation", op).Warn("Dropping operation that can't be declared")
		return s.current, nil
	}

	prior, exists := s.priorState(op.Pathname)
	switch {
	case op.Verb == operation.Upload && exists && prior == op.Etag,
		op.Verb == operation.Delete && !exists:
		s.log.WithField("operation", op).Debug("Server already has the change")
		op.Complete()
		return s.current, nil
	}
	op.PriorEtag = prior

	if op.Verb == operation.Upload && !protocol.IsDirKey(op.Pathname) {
		if source, ok := s.copySource(op); ok {
			op.Verb = operation.RemoteCopy
			op.OldPathname = source
		}
	}

	if op.Verb.NeedsWorker() && !protocol.IsDirKey(op.Pathname) {
		if !s.workers.AcquireWorker() {
			s.queue.PutFront(operations, op)
			return s.current, nil
		}
		s.reserved[op.ID] = true
	}

	req, err := op.Request()
	if err != nil {
		s.release(op)
		s.log.WithError(err).WithField("operation", op).Warn("Dropping invalid operation")
		return s.current, nil
	}

	s.transactions.Declare(op)
	s.log.WithField("operation", op).Debug("Declaring operation")
	return s.current, s.send(protocol.ReplicationDeclareRequest, protocol.Params{"request": req})
}

func (s *Session) onDeclareResponse(msg protocol.Message) (StateID, error) {
	resp, err := msg.Response()
	if err != nil {
		return s.current, err
	}

	if s.postponed[resp.OperationID] {
		delete(s.postponed, resp.OperationID)
		s.log.WithField("operation", resp.OperationID).Debug("Ignoring response to postponed declaration")
		return s.current, nil
	}

	op, ok := s.transactions.Declared(resp.OperationID)
	if !ok {
		return s.current, errors.ProtocolViolation{State: s.current.String(),
			Reason: fmt.Sprintf("response to unknown operation %s", resp.OperationID)}
	}
	verb, _ := op.Verb.Declared()

	if !resp.Result {
		return s.onDeclarationRefused(op, resp)
	}

	if resp.Proof == nil {
		s.release(op)
		return s.current, errors.MalformedProof{Pathname: op.Pathname, Reason: "authorization has no proof"}
	}
	newEtag := op.Etag
	if verb == protocol.Delete {
		newEtag = ""
	}
	if err := s.integrity.AddOperation(verb, op.Pathname, *resp.Proof, op.PriorEtag, newEtag); err != nil {
		s.release(op)
		return s.current, err
	}

	if _, err := s.transactions.Authorize(op.ID); err != nil {
		s.release(op)
		return s.current, err
	}
	s.metrics.Declared(string(verb), true)
	s.declareFailures = 0
	s.declareBackoff = s.newBackoff(s.config.DeclareRetryDelay)

	op.UploadToken = resp.UploadToken
	if s.reserved[op.ID] {
		delete(s.reserved, op.ID)
		s.ui.SetGlobalStatus(ui.StatusReplicating)
		s.workers.SendOperation(op)
	} else {
		op.Complete()
	}

	s.log.WithField("operation", op).Info("Operation authorized")
	return s.afterDeclaration(Replication), nil
}

func (s *Session) onDeclarationRefused(op *operation.Operation, resp protocol.ResponseDetails) (StateID, error) {
	s.transactions.Refuse(op.ID)
	s.release(op)
	s.metrics.Declared(string(op.Verb), false)

	entry := s.log.WithFields(log.Fields{
		"operation": op,
		"reason":    resp.Reason,
	})

	if resp.IsQuotaExceeded() {
		entry.Warn("Storage quota exceeded")
		op.Abort(errors.New("quota exceeded"))
		s.ui.NotifyUser(ui.QuotaExceeded, op.Pathname)
		return s.afterDeclaration(QuotaExceeded), nil
	}

	op.Reject(errors.New("declaration refused: %s", resp.Reason))
	s.declareFailures++
	if s.declareFailures > s.config.DeclareRetries {
		return s.current, errors.ProtocolViolation{State: s.current.String(),
			Reason: fmt.Sprintf("%d declarations refused in a row", s.declareFailures)}
	}

	entry.Warn("Declaration refused")
	s.queue.PutFront(operations, op.Retry())
	delay, _ := s.declareBackoff.Next()
	s.after(s.ctx, delay, protocol.Command{Kind: protocol.RetryDeclare})
	return s.afterDeclaration(WaitingOnDeclarationFailure), nil
}

// afterDeclaration returns the state to move to once a declaration was
// answered: Commit if a commit is due, `next` otherwise.
func (s *Session) afterDeclaration(next StateID) StateID {
	if s.transactions.IsEmpty() {
		s.commitRequested = false
		return next
	}
	if s.commitRequested || s.transactions.NeedsCommit() {
		return Commit
	}
	return next
}

func (s *Session) commitIfNeeded() (StateID, error) {
	if s.transactions.NumDeclared() == 0 && s.transactions.NeedsCommit() {
		return Commit, nil
	}
	return s.current, nil
}

func (s *Session) onTick(protocol.Command) (StateID, error) {
	return s.commitIfNeeded()
}

func (s *Session) onOperationDone(cmd protocol.Command) (StateID, error) {
	if op, ok := s.transactions.Get(cmd.OperationID); ok {
		s.log.WithField("operation", op).Debug("Transfer finished")
	}
	return s.commitIfNeeded()
}

func (s *Session) onOperationFailed(cmd protocol.Command) (StateID, error) {
	op, ok := s.transactions.Get(cmd.OperationID)
	if !ok {
		return s.current, nil
	}
	return s.current, errors.WithContext(cmd.Err, fmt.Sprintf("transfer %s", op))
}

// onCommitRequested commits the open transaction. Declarations that are
// still unanswered are postponed: they go back to the head of the operations
// channel, and the server drops them since they aren't in the commit.
func (s *Session) onCommitRequested(protocol.Command) (StateID, error) {
	if s.transactions.IsEmpty() {
		// Nothing would be committed, so an unanswered declaration is
		// waited for rather than dropped.
		if s.transactions.NumDeclared() != 0 {
			s.commitRequested = true
		}
		return s.current, nil
	}

	for _, op := range s.transactions.Postpone() {
		s.release(op)
		s.postponed[op.ID] = true
		s.queue.PutFront(operations, op)
	}
	return Commit, nil
}

func (s *Session) onCommitForce(protocol.Message) (StateID, error) {
	s.log.Info("Server requested a commit")
	return s.onCommitRequested(protocol.Command{Kind: protocol.Commit})
}

func (s *Session) enterQuotaExceeded() (StateID, error) {
	s.ui.SetGlobalStatus(ui.StatusPaused)
	return QuotaExceeded, nil
}

// tryStartCommit sends COMMIT_START once every transfer of the transaction
// finished.
func (s *Session) tryStartCommit() (StateID, error) {
	s.commitRequested = false
	if !s.transactions.Finished() {
		s.ui.SetGlobalStatus(ui.StatusReplicating)
		return Commit, nil
	}
	if failed := s.transactions.Failed(); len(failed) != 0 {
		return s.current, errors.WithContext(failed[0].Err(), fmt.Sprintf("transfer %s", failed[0]))
	}

	candidate := s.integrity.GetCandidateBasis()
	id, err := s.transactions.BeginCommit(candidate)
	if err != nil {
		return s.current, err
	}

	var achieved []string
	for _, op := range s.transactions.Operations() {
		achieved = append(achieved, op.ID)
	}

	s.log.WithFields(log.Fields{
		"transaction": id,
		"operations":  len(achieved),
		"candidate":   candidate,
	}).Info("Committing transaction")
	err = s.send(protocol.CommitStart, protocol.Params{
		"transaction_id":      id,
		"achieved_operations": achieved,
	})
	return CommitStart, err
}

func (s *Session) onCommitDone(msg protocol.Message) (StateID, error) {
	if err := s.finishCommit(msg); err != nil {
		return s.current, err
	}
	return Replication, nil
}

// finishCommit verifies the basis that the server committed to, and
// persists the transaction's effects.
func (s *Session) finishCommit(msg protocol.Message) error {
	transactionID, err := msg.GetString("transaction_id")
	if err != nil {
		return err
	}
	basis, err := msg.GetString("new_basis")
	if err != nil {
		return err
	}

	if transactionID != s.transactions.ID() {
		return errors.ProtocolViolation{State: s.current.String(),
			Reason: fmt.Sprintf("committed transaction %s, expected %s", transactionID, s.transactions.ID())}
	}
	if err := s.integrity.CheckCommitResult(basis); err != nil {
		return err
	}

	now := s.clock.Now()
	ops := []func(*badger.Txn) error{metadata.SetTrustedBasis(basis)}
	ops = append(ops, s.transactions.Committed()...)
	ops = append(ops, metadata.AppendBasisHistory(metadata.HistoryEntry{
		Basis:     basis,
		Origin:    metadata.OriginCommit,
		Timestamp: now,
	}))
	if err := s.store.Update(ops...); err != nil {
		return errors.WithContext(err, "persist commit")
	}

	for _, op := range s.transactions.Operations() {
		if op.Verb == operation.Delete {
			delete(s.cache, op.Pathname)
			continue
		}
		s.cache[op.Pathname] = metadata.StorageRecord{Etag: op.Etag, Size: op.Size, Lmtime: op.Lmtime}
	}
	committed := len(s.transactions.Operations())
	s.transactions.Finish()

	s.metrics.Committed()
	s.ui.UpdateSessionInfo(map[string]interface{}{
		"basis":       basis,
		"last_commit": now,
	})
	s.log.WithFields(log.Fields{
		"transaction": transactionID,
		"operations":  committed,
		"basis":       basis,
	}).Info("Transaction committed")
	return nil
}
