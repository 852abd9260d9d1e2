package metadata

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"
)

const (
	trustedBasisKey  = "trusted_basis"
	acceptedStateKey = "accepted_state"
	commitMarkerKey  = "commit_marker"
)

// AcceptedState is a remote state that the user approved during a sync.
type AcceptedState struct {
	Basis       string
	ListingHash string

	// Trusted is the trusted basis at the time of the approval. The approval
	// only holds while the client still trusts that basis.
	Trusted string
}

// StorageRecord is the last known remote state of one key.
type StorageRecord struct {
	Etag   string
	Size   int64
	Lmtime int64
}

// TransactionRecord is an operation authorized by the server as part of the
// open transaction.
type TransactionRecord struct {
	Sequence    int
	OperationID string
	Verb        string
	Pathname    string
	Etag        string
	Size        int64
	Lmtime      int64
}

// CommitMarker records that COMMIT_START was sent for a transaction.
type CommitMarker struct {
	TransactionID string
	Candidate     string
}

// HistoryEntry is one promotion of the trusted basis.
type HistoryEntry struct {
	Basis     string
	Origin    string
	Timestamp time.Time
}

// The origins of a basis history entry.
const (
	OriginSync   = "sync"
	OriginCommit = "commit"
)

// SetTrustedBasis replaces the trusted basis.
func SetTrustedBasis(basis string) func(*badger.Txn) error {
	return ConfigBucket.Set(trustedBasisKey, basis)
}

// RetrieveTrustedBasis reads the trusted basis. It returns ErrNotFound if no
// basis was ever trusted.
func RetrieveTrustedBasis(basis *string) func(*badger.Txn) error {
	return ConfigBucket.Get(trustedBasisKey, basis)
}

// SetAcceptedState replaces the accepted state.
func SetAcceptedState(state AcceptedState) func(*badger.Txn) error {
	return ConfigBucket.Set(acceptedStateKey, state)
}

// RetrieveAcceptedState reads the accepted state, if there is one.
func RetrieveAcceptedState(state *AcceptedState, found *bool) func(*badger.Txn) error {
	return ConfigBucket.TryGet(acceptedStateKey, state, found)
}

// SetStorageRecord updates the cached remote state of `key`.
func SetStorageRecord(key string, record StorageRecord) func(*badger.Txn) error {
	return StorageCacheBucket.Set(key, record)
}

// RemoveStorageRecord drops `key` from the storage cache.
func RemoveStorageRecord(key string) func(*badger.Txn) error {
	return StorageCacheBucket.Delete(key)
}

// RetrieveStorageCache reads the whole storage cache into `records`.
func RetrieveStorageCache(records map[string]StorageRecord) func(*badger.Txn) error {
	return StorageCacheBucket.Iterate(
		func() interface{} { return &StorageRecord{} },
		func(key string, v interface{}) error {
			records[key] = *v.(*StorageRecord)
			return nil
		})
}

// ReplaceStorageCache replaces the storage cache with `records`.
func ReplaceStorageCache(records map[string]StorageRecord) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		if err := StorageCacheBucket.Clear()(tx); err != nil {
			return err
		}
		for key, record := range records {
			if err := SetStorageRecord(key, record)(tx); err != nil {
				return err
			}
		}
		return nil
	}
}

func sequenceKey(seq int) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seq))
	return string(b[:])
}

// PutTransactionRecord persists an authorized operation.
func PutTransactionRecord(record TransactionRecord) func(*badger.Txn) error {
	return TransactionBucket.Set(sequenceKey(record.Sequence), record)
}

// RetrieveTransaction reads the recovery cache: the authorized operations in
// authorization order, and the commit marker if COMMIT_START was sent.
func RetrieveTransaction(records *[]TransactionRecord, marker *CommitMarker, found *bool) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		*records = nil
		err := TransactionBucket.Iterate(
			func() interface{} { return &TransactionRecord{} },
			func(_ string, v interface{}) error {
				*records = append(*records, *v.(*TransactionRecord))
				return nil
			})(tx)
		if err != nil {
			return err
		}
		return ConfigBucket.TryGet(commitMarkerKey, marker, found)(tx)
	}
}

// SetCommitMarker records that the transaction is being committed.
func SetCommitMarker(marker CommitMarker) func(*badger.Txn) error {
	return ConfigBucket.Set(commitMarkerKey, marker)
}

// ClearTransaction empties the recovery cache.
func ClearTransaction() func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		if err := TransactionBucket.Clear()(tx); err != nil {
			return err
		}
		return ConfigBucket.Delete(commitMarkerKey)(tx)
	}
}

// AppendBasisHistory adds an entry to the end of the basis history.
func AppendBasisHistory(entry HistoryEntry) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		var last HistoryEntry
		var seq int
		if err := lastHistoryEntry(&last, &seq)(tx); err != nil {
			return err
		}
		return BasisHistoryBucket.Set(sequenceKey(seq+1), entry)(tx)
	}
}

// RetrieveBasisHistory reads the basis history, oldest first.
func RetrieveBasisHistory(entries *[]HistoryEntry) func(*badger.Txn) error {
	return BasisHistoryBucket.Iterate(
		func() interface{} { return &HistoryEntry{} },
		func(_ string, v interface{}) error {
			*entries = append(*entries, *v.(*HistoryEntry))
			return nil
		})
}

// RetrieveLastBasis reads the newest entry of the basis history. It returns
// ErrNotFound if the history is empty.
func RetrieveLastBasis(entry *HistoryEntry) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		var seq int
		if err := lastHistoryEntry(entry, &seq)(tx); err != nil {
			return err
		}
		if seq == 0 {
			return ErrNotFound
		}
		return nil
	}
}

func lastHistoryEntry(entry *HistoryEntry, seq *int) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		prefix := []byte{byte(BasisHistoryBucket)}
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true

		it := tx.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the largest key at or below the seek key.
		it.Seek(append(prefix, 0xff))
		if !it.ValidForPrefix(prefix) {
			*seq = 0
			return nil
		}

		item := it.Item()
		key := item.KeyCopy(nil)[1:]
		if len(key) != 8 {
			return fmt.Errorf("malformed basis history key %x", key)
		}
		*seq = int(binary.BigEndian.Uint64(key))
		return item.Value(func(val []byte) error {
			return decode(val, entry)
		})
	}
}
