// Package integrity tracks which states of the remote dataset the client has
// verified, and checks every change the server reports against them.
//
// The trusted basis is the root of the last state the client verified. While
// a transaction is open, every authorized operation comes with a proof rooted
// at the candidate basis, which the manager advances by computing the root
// after the operation itself. When the server commits the transaction, the
// basis it reports must match the candidate.
package integrity

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/protocol"
	"github.com/sidkik/vaultsync/pkg/skiplist"
)

// Manager holds the trusted and candidate bases. It isn't safe for concurrent
// use; the session goroutine owns it.
type Manager struct {
	trusted   string
	candidate string
}

// NewManager creates a manager that trusts `basis`.
func NewManager(basis string) *Manager {
	m := &Manager{}
	m.SetCurrentBasis(basis)
	return m
}

// SetCurrentBasis replaces the trusted basis and drops the candidate.
func (m *Manager) SetCurrentBasis(basis string) {
	m.trusted = basis
	m.candidate = basis
}

// GetCurrentBasis returns the trusted basis.
func (m *Manager) GetCurrentBasis() string {
	return m.trusted
}

// GetCandidateBasis returns the basis the dataset will have once the open
// transaction commits.
func (m *Manager) GetCandidateBasis() string {
	return m.candidate
}

// HasPendingChanges returns whether any operation was folded into the
// candidate since the last commit.
func (m *Manager) HasPendingChanges() bool {
	return m.candidate != m.trusted
}

// DiscardCandidate drops every operation folded since the last commit.
func (m *Manager) DiscardCandidate() {
	m.candidate = m.trusted
}

// RestoreCandidate sets the candidate to a basis folded in a previous run,
// whose transaction was interrupted while committing.
func (m *Manager) RestoreCandidate(candidate string) {
	m.candidate = candidate
}

// AddOperation checks the proof that the server sent with an authorization,
// and folds the operation into the candidate basis.
//
// `priorEtag` is the etag the client believes the server holds for
// `pathname`, or empty if it believes the pathname is new. `newEtag` is the
// etag of the uploaded content, and is ignored for deletions.
func (m *Manager) AddOperation(verb protocol.Verb, pathname string, wire skiplist.WireProof,
	priorEtag, newEtag string) error {

	if wire.Pathname != pathname {
		return errors.MalformedProof{Pathname: pathname,
			Reason: fmt.Sprintf("proof is for %q", wire.Pathname)}
	}

	proof, err := skiplist.Parse(wire)
	if err != nil {
		return err
	}

	if verb == protocol.Delete {
		proof.Operation = skiplist.Delete
	} else {
		proof.Operation = skiplist.Insert
		proof.ConsolidateOperation()
	}

	if err := proof.CheckCorrectness(); err != nil {
		return err
	}

	basis, err := proof.Basis()
	if err != nil {
		return err
	}
	if basis != m.candidate {
		return errors.WrongBasisFromProof{Claimed: basis, Expected: m.candidate}
	}

	switch proof.Operation {
	case skiplist.Update, skiplist.Delete:
		current, _ := proof.LeafFilehash(pathname)
		if current != priorEtag {
			return errors.IntegrityViolation{Reason: fmt.Sprintf(
				"server holds etag %q for %q, expected %q", current, pathname, priorEtag)}
		}
	case skiplist.Insert:
		if priorEtag != "" {
			return errors.IntegrityViolation{Reason: fmt.Sprintf(
				"server claims %q doesn't exist", pathname)}
		}
	}

	next, err := proof.Result(newEtag)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"pathname":  pathname,
		"operation": proof.Operation,
		"candidate": next,
	}).Debug("Folded operation into candidate basis")
	m.candidate = next
	return nil
}

// CheckCommitResult checks the basis the server reports after committing the
// open transaction. On success the candidate becomes trusted.
func (m *Manager) CheckCommitResult(claimed string) error {
	if claimed != m.candidate {
		return errors.WrongBasisAfterUpdating{Claimed: claimed, Expected: m.candidate}
	}
	m.trusted = m.candidate
	return nil
}
