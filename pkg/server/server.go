// Package server implements an in-memory storage server that speaks the sync
// protocol. It backs `vaultsync devserver` and the end-to-end tests of the
// session.
//
// The server hosts a single account, which any number of registered clients
// can link to. Only one client may be connected at a time.
package server

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"

	"github.com/sidkik/vaultsync/pkg/protocol"
	"github.com/sidkik/vaultsync/pkg/skiplist"
	"github.com/sidkik/vaultsync/pkg/version"
)

// Config configures a Server.
type Config struct {
	Username string

	// Quota is the number of bytes the account may store. Zero means
	// unlimited.
	Quota int64

	// SupportedProtocols is the go-version constraint that client protocol
	// versions must satisfy.
	SupportedProtocols string

	Clock clockwork.Clock

	// ListingFilter, if set, rewrites the dataset sent in SYNC_FILES_LIST.
	// It's used to simulate a misbehaving server.
	ListingFilter func([]protocol.FileEntry) []protocol.FileEntry

	// Refuse, if set, is consulted for every declaration. If it returns true,
	// the declaration is refused with the returned code.
	Refuse func(protocol.RequestDetails) (protocol.ErrorCode, bool)

	// CommitFilter, if set, rewrites the basis reported in COMMIT_DONE.
	CommitFilter func(basis string) string
}

// Server is an in-memory storage server.
type Server struct {
	config Config

	mu      sync.Mutex
	clients map[string]ed25519.PublicKey

	committed *skiplist.List
	files     map[string]protocol.FileEntry
	blobs     map[string][]byte

	pending    map[string]*transaction
	uploads    map[string]*declared
	lastCommit map[string]commitRecord
	lastClient string
	lastTime   int64

	active *conn
}

// transaction is the set of operations a client declared since its last
// REPLICATION_START. The server keeps it across reconnections so that an
// interrupted commit can be completed.
type transaction struct {
	working *skiplist.List
	files   map[string]protocol.FileEntry
	ops     map[string]*declared

	// order holds the ids of the declared operations, in declaration order.
	order []string
}

type declared struct {
	request  protocol.RequestDetails
	entry    protocol.FileEntry
	uploaded bool
}

type commitRecord struct {
	transactionID string
	basis         string
}

// New creates an empty server.
func New(config Config) *Server {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.SupportedProtocols == "" {
		config.SupportedProtocols = version.SupportedProtocols
	}

	return &Server{
		config:     config,
		clients:    map[string]ed25519.PublicKey{},
		committed:  skiplist.NewList(),
		files:      map[string]protocol.FileEntry{},
		blobs:      map[string][]byte{},
		pending:    map[string]*transaction{},
		uploads:    map[string]*declared{},
		lastCommit: map[string]commitRecord{},
	}
}

// Register links a client to the account.
func (s *Server) Register(clientID string, key ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[clientID] = key
}

// Basis returns the basis of the committed dataset.
func (s *Server) Basis() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.Basis()
}

// Put stores a file as if a client had committed it.
func (s *Server) Put(pathname string, contents []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := protocol.FileEntry{Key: pathname, Lmtime: s.config.Clock.Now().Unix()}
	if !protocol.IsDirKey(pathname) {
		entry.Etag = etagOf(contents)
		entry.Size = int64(len(contents))
		s.blobs[entry.Etag] = contents
	}
	s.files[pathname] = entry
	s.committed.Set(pathname, entry.Etag)
}

// Remove drops a file as if a client had committed its deletion. Restoring
// an earlier dataset this way simulates a server that rolls back commits.
func (s *Server) Remove(pathname string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.files, pathname)
	s.committed.Remove(pathname)
}

// Files returns the committed dataset, sorted by key.
func (s *Server) Files() []protocol.FileEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.datasetLocked()
}

func (s *Server) datasetLocked() []protocol.FileEntry {
	dataset := make([]protocol.FileEntry, 0, len(s.files))
	for _, entry := range s.files {
		dataset = append(dataset, entry)
	}
	sort.Slice(dataset, func(i, j int) bool { return dataset[i].Key < dataset[j].Key })
	return dataset
}

// Contents returns the committed contents of `pathname`.
func (s *Server) Contents(pathname string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.files[pathname]
	if !ok || entry.IsDir() {
		return nil, false
	}
	contents, ok := s.blobs[entry.Etag]
	return contents, ok
}

func usedSpace(files map[string]protocol.FileEntry) (used int64) {
	for _, entry := range files {
		used += entry.Size
	}
	return used
}

// startReplication drops the client's unfinished transaction.
func (s *Server) startReplication(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx, ok := s.pending[clientID]; ok {
		for token, op := range s.uploads {
			if tx.ops[op.request.OperationID] == op {
				delete(s.uploads, token)
			}
		}
	}
	delete(s.pending, clientID)
}

func (s *Server) transactionLocked(clientID string) *transaction {
	tx, ok := s.pending[clientID]
	if !ok {
		files := map[string]protocol.FileEntry{}
		for key, entry := range s.files {
			files[key] = entry
		}
		tx = &transaction{
			working: s.committed.Clone(),
			files:   files,
			ops:     map[string]*declared{},
		}
		s.pending[clientID] = tx
	}
	return tx
}

func refusal(req protocol.RequestDetails, code protocol.ErrorCode, reason string) protocol.ResponseDetails {
	return protocol.ResponseDetails{
		OperationID: req.OperationID,
		Pathname:    req.Pathname,
		ErrorCode:   protocol.CodePtr(code),
		Reason:      reason,
	}
}

// declare authorizes an operation, and applies it to the client's working
// dataset.
func (s *Server) declare(clientID string, req protocol.RequestDetails) protocol.ResponseDetails {
	if s.config.Refuse != nil {
		if code, refuse := s.config.Refuse(req); refuse {
			return refusal(req, code, "refused")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.transactionLocked(clientID)
	if _, ok := tx.ops[req.OperationID]; ok {
		return refusal(req, protocol.OperationNotPermitted, "operation already declared")
	}

	current, exists := tx.files[req.Pathname]
	entry := protocol.FileEntry{Key: req.Pathname, Etag: req.Etag, Size: req.Size}
	op := skiplist.Insert
	if exists {
		op = skiplist.Update
	}

	switch req.Operation {
	case protocol.Delete:
		if !exists {
			return refusal(req, protocol.PathnameError, "pathname doesn't exist")
		}
		op = skiplist.Delete
	case protocol.RemoteCopy:
		source, ok := tx.files[req.OldPathname]
		if !ok || source.IsDir() {
			return refusal(req, protocol.PathnameError, "copy source doesn't exist")
		}
		entry.Etag = source.Etag
		entry.Size = source.Size
	case protocol.Upload:
		if protocol.IsDirKey(req.Pathname) && (req.Etag != "" || req.Size != 0) {
			return refusal(req, protocol.UnexpectedData, "directories have no content")
		}
	}

	if s.config.Quota > 0 && req.Operation != protocol.Delete {
		if usedSpace(tx.files)-current.Size+entry.Size > s.config.Quota {
			return refusal(req, protocol.ExceedingQuota, "quota exceeded")
		}
	}

	proof, err := tx.working.Prove(req.Pathname, op)
	if err != nil {
		return refusal(req, protocol.PathnameError, err.Error())
	}

	record := &declared{
		request:  req,
		entry:    entry,
		uploaded: req.Operation != protocol.Upload || entry.IsDir(),
	}
	tx.ops[req.OperationID] = record
	tx.order = append(tx.order, req.OperationID)

	if op == skiplist.Delete {
		tx.working.Remove(req.Pathname)
		delete(tx.files, req.Pathname)
	} else {
		tx.working.Set(req.Pathname, entry.Etag)
		tx.files[req.Pathname] = entry
	}

	resp := protocol.ResponseDetails{
		OperationID: req.OperationID,
		Result:      true,
		Pathname:    req.Pathname,
		Proof:       &proof,
	}
	if !record.uploaded {
		resp.UploadToken = uuid.New().String()
		s.uploads[resp.UploadToken] = record
	}

	log.WithFields(log.Fields{
		"client":    clientID,
		"operation": req.Operation,
		"pathname":  req.Pathname,
	}).Debug("Authorized operation")
	return resp
}

// replayLocked rebuilds the working dataset of `tx` from the committed one,
// applying only the operations in `keep`.
func (s *Server) replayLocked(tx *transaction, keep map[string]struct{}) {
	tx.working = s.committed.Clone()
	tx.files = map[string]protocol.FileEntry{}
	for key, entry := range s.files {
		tx.files[key] = entry
	}

	for _, id := range tx.order {
		op := tx.ops[id]
		if _, ok := keep[id]; !ok {
			for token, upload := range s.uploads {
				if upload == op {
					delete(s.uploads, token)
				}
			}
			continue
		}

		if op.request.Operation == protocol.Delete {
			tx.working.Remove(op.request.Pathname)
			delete(tx.files, op.request.Pathname)
			continue
		}
		tx.working.Set(op.request.Pathname, op.entry.Etag)
		tx.files[op.request.Pathname] = op.entry
	}
}

// commit makes the client's transaction permanent. Declared operations that
// aren't in `achieved` are dropped. Committing a transaction
// id that was already committed returns the basis it committed to.
func (s *Server) commit(clientID, transactionID string, achieved []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastCommit[clientID]; ok && last.transactionID == transactionID {
		return last.basis, nil
	}

	tx, ok := s.pending[clientID]
	if !ok {
		return "", fmt.Errorf("no open transaction")
	}

	achievedSet := map[string]struct{}{}
	for _, id := range achieved {
		op, ok := tx.ops[id]
		if !ok {
			return "", fmt.Errorf("operation %s wasn't declared", id)
		}
		if !op.uploaded {
			return "", fmt.Errorf("content of %s wasn't uploaded", op.request.Pathname)
		}
		achievedSet[id] = struct{}{}
	}

	// Operations that the client left out of the commit are dropped, so the
	// working dataset is rebuilt from the achieved ones.
	if len(achievedSet) != len(tx.ops) {
		s.replayLocked(tx, achievedSet)
	}

	now := s.config.Clock.Now().Unix()
	for id := range achievedSet {
		pathname := tx.ops[id].request.Pathname
		if entry, ok := tx.files[pathname]; ok {
			entry.Lmtime = now
			tx.files[pathname] = entry
		}
	}

	s.committed = tx.working
	s.files = tx.files
	delete(s.pending, clientID)

	basis := s.committed.Basis()
	s.lastCommit[clientID] = commitRecord{transactionID: transactionID, basis: basis}
	s.lastClient = clientID
	s.lastTime = now

	log.WithFields(log.Fields{
		"client":     clientID,
		"operations": len(achievedSet),
		"dropped":    len(tx.ops) - len(achievedSet),
		"basis":      basis,
	}).Info("Committed transaction")
	return basis, nil
}
