package metadata

import (
	"bytes"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v4"
)

// Bucket is a namespace of keys within the store.
type Bucket byte

// The buckets of the store.
const (
	ConfigBucket Bucket = iota + 1
	StorageCacheBucket
	TransactionBucket
	BasisHistoryBucket
)

func (b Bucket) key(key []byte) []byte {
	return append([]byte{byte(b)}, key...)
}

func encode(v interface{}) ([]byte, error) {
	val, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not encode entity: %w", err)
	}
	return snappy.Encode(nil, val), nil
}

func decode(val []byte, v interface{}) error {
	raw, err := snappy.Decode(nil, val)
	if err != nil {
		return fmt.Errorf("could not uncompress entity: %w", err)
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("could not decode entity: %w", err)
	}
	return nil
}

// Set stores `v` under `key`, replacing any previous value.
func (b Bucket) Set(key string, v interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		val, err := encode(v)
		if err != nil {
			return err
		}
		if err := tx.Set(b.key([]byte(key)), val); err != nil {
			return fmt.Errorf("could not store %q: %w", key, err)
		}
		return nil
	}
}

// Get decodes the value under `key` into `v`. It returns ErrNotFound if the
// key doesn't exist.
func (b Bucket) Get(key string, v interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		item, err := tx.Get(b.key([]byte(key)))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("could not load %q: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			return decode(val, v)
		})
	}
}

// TryGet is like Get, but reports a missing key through `found` rather than
// an error.
func (b Bucket) TryGet(key string, v interface{}, found *bool) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		err := b.Get(key, v)(tx)
		*found = err == nil
		if err == ErrNotFound {
			return nil
		}
		return err
	}
}

// Delete removes `key`. Deleting a missing key is a no-op.
func (b Bucket) Delete(key string) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		return tx.Delete(b.key([]byte(key)))
	}
}

// Iterate calls `handle` for every key in the bucket, in key order. `create`
// returns the value to decode each entry into.
func (b Bucket) Iterate(create func() interface{}, handle func(key string, v interface{}) error) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		prefix := []byte{byte(b)}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := tx.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(bytes.TrimPrefix(item.KeyCopy(nil), prefix))

			v := create()
			err := item.Value(func(val []byte) error {
				return decode(val, v)
			})
			if err != nil {
				return fmt.Errorf("could not process %q: %w", key, err)
			}

			if err := handle(key, v); err != nil {
				return err
			}
		}
		return nil
	}
}

// Clear removes every key in the bucket.
func (b Bucket) Clear() func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		prefix := []byte{byte(b)}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		var keys [][]byte
		it := tx.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return fmt.Errorf("could not delete key: %w", err)
			}
		}
		return nil
	}
}
