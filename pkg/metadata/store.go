// Package metadata persists the client's view of the remote dataset: the
// trusted basis, the storage cache, the transaction recovery cache and the
// basis history.
//
// All reads and writes are expressed as operations of type
// `func(*badger.Txn) error`. Operations that touch different buckets can be
// combined with Store.Update so that they commit together or not at all.
package metadata

import (
	"github.com/dgraph-io/badger/v2"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vaultsync/pkg/errors"
)

// ErrNotFound is returned when a key doesn't exist.
var ErrNotFound = errors.New("key not found")

// Store is a badger database holding the metadata buckets.
type Store struct {
	db *badger.DB
}

// Open opens the metadata store in `dir`. An empty `dir` creates a store that
// only lives in memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithContext(err, "open metadata store")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// View runs read-only operations against a consistent snapshot.
func (s *Store) View(ops ...func(*badger.Txn) error) error {
	return s.db.View(func(tx *badger.Txn) error {
		for _, op := range ops {
			if err := op(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update runs all of `ops` in a single transaction. If any of them fails,
// none of their writes are persisted.
func (s *Store) Update(ops ...func(*badger.Txn) error) error {
	err := s.db.Update(func(tx *badger.Txn) error {
		for _, op := range ops {
			if err := op(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("operations", len(ops)).Debug("Metadata update rolled back")
	}
	return err
}
