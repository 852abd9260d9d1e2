package metadata

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/vaultsync/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	store, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTrustedBasis(t *testing.T) {
	store := newTestStore(t)

	var basis string
	err := store.View(RetrieveTrustedBasis(&basis))
	assert.Equal(t, ErrNotFound, err)

	require.NoError(t, store.Update(SetTrustedBasis("abc")))
	require.NoError(t, store.View(RetrieveTrustedBasis(&basis)))
	assert.Equal(t, "abc", basis)
}

func TestUpdateIsAtomic(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Update(
		SetTrustedBasis("old"),
		SetStorageRecord("a", StorageRecord{Etag: "1"}),
	))

	failing := func() error { return errors.New("disk full") }
	err := store.Update(
		SetTrustedBasis("new"),
		ReplaceStorageCache(map[string]StorageRecord{"b": {Etag: "2"}}),
		func(_ *badger.Txn) error { return failing() },
	)
	assert.Error(t, err)

	var basis string
	cache := map[string]StorageRecord{}
	require.NoError(t, store.View(RetrieveTrustedBasis(&basis), RetrieveStorageCache(cache)))
	assert.Equal(t, "old", basis)
	assert.Equal(t, map[string]StorageRecord{"a": {Etag: "1"}}, cache)
}

func TestStorageCache(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Update(
		SetStorageRecord("a", StorageRecord{Etag: "1", Size: 1}),
		SetStorageRecord("b/", StorageRecord{}),
		SetStorageRecord("b/c", StorageRecord{Etag: "2", Size: 2, Lmtime: 5}),
	))
	require.NoError(t, store.Update(RemoveStorageRecord("a")))

	cache := map[string]StorageRecord{}
	require.NoError(t, store.View(RetrieveStorageCache(cache)))
	assert.Equal(t, map[string]StorageRecord{
		"b/":  {},
		"b/c": {Etag: "2", Size: 2, Lmtime: 5},
	}, cache)

	require.NoError(t, store.Update(ReplaceStorageCache(map[string]StorageRecord{"d": {Etag: "3"}})))
	cache = map[string]StorageRecord{}
	require.NoError(t, store.View(RetrieveStorageCache(cache)))
	assert.Equal(t, map[string]StorageRecord{"d": {Etag: "3"}}, cache)
}

func TestTransactionRecoveryCache(t *testing.T) {
	store := newTestStore(t)

	for i, pathname := range []string{"z", "a", "m"} {
		require.NoError(t, store.Update(PutTransactionRecord(TransactionRecord{
			Sequence: i, OperationID: pathname, Verb: "UPLOAD", Pathname: pathname,
		})))
	}

	var records []TransactionRecord
	var marker CommitMarker
	var found bool
	require.NoError(t, store.View(RetrieveTransaction(&records, &marker, &found)))
	assert.False(t, found)
	require.Len(t, records, 3)
	assert.Equal(t, "z", records[0].Pathname)
	assert.Equal(t, "m", records[2].Pathname)

	require.NoError(t, store.Update(SetCommitMarker(CommitMarker{TransactionID: "tx", Candidate: "c"})))
	require.NoError(t, store.View(RetrieveTransaction(&records, &marker, &found)))
	assert.True(t, found)
	assert.Equal(t, "tx", marker.TransactionID)

	require.NoError(t, store.Update(ClearTransaction()))
	require.NoError(t, store.View(RetrieveTransaction(&records, &marker, &found)))
	assert.False(t, found)
	assert.Empty(t, records)
}

func TestBasisHistory(t *testing.T) {
	store := newTestStore(t)

	var last HistoryEntry
	assert.Equal(t, ErrNotFound, store.View(RetrieveLastBasis(&last)))

	now := time.Unix(1000, 0)
	for _, basis := range []string{"a", "b", "c"} {
		require.NoError(t, store.Update(AppendBasisHistory(HistoryEntry{
			Basis: basis, Origin: OriginCommit, Timestamp: now,
		})))
	}

	require.NoError(t, store.View(RetrieveLastBasis(&last)))
	assert.Equal(t, "c", last.Basis)
	assert.True(t, now.Equal(last.Timestamp))

	var history []HistoryEntry
	require.NoError(t, store.View(RetrieveBasisHistory(&history)))
	require.Len(t, history, 3)
	assert.Equal(t, "a", history[0].Basis)
	assert.Equal(t, OriginCommit, history[1].Origin)
}

func TestTryGet(t *testing.T) {
	store := newTestStore(t)

	var state AcceptedState
	var found bool
	require.NoError(t, store.View(RetrieveAcceptedState(&state, &found)))
	assert.False(t, found)

	require.NoError(t, store.Update(SetAcceptedState(AcceptedState{Basis: "b", ListingHash: "h", Trusted: "t"})))
	require.NoError(t, store.View(RetrieveAcceptedState(&state, &found)))
	assert.True(t, found)
	assert.Equal(t, AcceptedState{Basis: "b", ListingHash: "h", Trusted: "t"}, state)
}
