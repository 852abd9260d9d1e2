package transaction

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/metadata"
	"github.com/sidkik/vaultsync/pkg/operation"
)

func newTestManager(t *testing.T, thresholds Thresholds) (*Manager, clockwork.FakeClock, *metadata.Store) {
	store, err := metadata.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClock()
	return NewManager(clock, thresholds, store), clock, store
}

func authorize(t *testing.T, m *Manager, verb operation.Verb, pathname string, size int64) *operation.Operation {
	op := operation.New(verb, pathname)
	op.Size = size
	op.Etag = "etag-" + pathname
	m.Declare(op)
	_, err := m.Authorize(op.ID)
	require.NoError(t, err)
	return op
}

func TestNeedsCommit(t *testing.T) {
	tests := []struct {
		name       string
		thresholds Thresholds
		ops        int
		size       int64
		wait       time.Duration
		exp        bool
	}{
		{
			name:       "Empty",
			thresholds: Thresholds{MaxOperations: 1},
			exp:        false,
		},
		{
			name:       "OperationCount",
			thresholds: Thresholds{MaxOperations: 3},
			ops:        3,
			exp:        true,
		},
		{
			name:       "BelowOperationCount",
			thresholds: Thresholds{MaxOperations: 3, MaxIdle: time.Minute},
			ops:        2,
			wait:       time.Second,
			exp:        false,
		},
		{
			name:       "Bytes",
			thresholds: Thresholds{MaxBytes: 100},
			ops:        2,
			size:       50,
			exp:        true,
		},
		{
			name:       "Idle",
			thresholds: Thresholds{MaxIdle: time.Minute},
			ops:        1,
			wait:       time.Minute,
			exp:        true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m, clock, _ := newTestManager(t, test.thresholds)
			for i := 0; i < test.ops; i++ {
				authorize(t, m, operation.Upload, string(rune('a'+i)), test.size)
			}
			clock.Advance(test.wait)
			assert.Equal(t, test.exp, m.NeedsCommit())
		})
	}
}

func TestPostpone(t *testing.T) {
	m, _, _ := newTestManager(t, Thresholds{})
	authorize(t, m, operation.Upload, "a", 1)

	pending := operation.New(operation.Upload, "b")
	m.Declare(pending)

	postponed := m.Postpone()
	require.Len(t, postponed, 1)
	assert.Equal(t, pending.ID, postponed[0].ID)
	assert.Equal(t, operation.Working, postponed[0].State())
	assert.Equal(t, 0, m.NumDeclared())
	assert.Len(t, m.Operations(), 1)

	_, err := m.Authorize(pending.ID)
	assert.Error(t, err)
}

func TestFinished(t *testing.T) {
	m, _, _ := newTestManager(t, Thresholds{})
	a := authorize(t, m, operation.Upload, "a", 1)
	b := authorize(t, m, operation.Delete, "b", 0)

	assert.False(t, m.Finished())
	a.Complete()
	assert.False(t, m.Finished())
	b.Abort(errors.New("gone"))
	assert.True(t, m.Finished())
	assert.Equal(t, []*operation.Operation{b}, m.Failed())
}

func TestCommitAndRecover(t *testing.T) {
	m, _, store := newTestManager(t, Thresholds{})
	a := authorize(t, m, operation.Upload, "a", 1)
	b := authorize(t, m, operation.Delete, "b", 0)

	recovered, err := Recover(store)
	require.NoError(t, err)
	assert.Len(t, recovered.Records, 2)
	assert.Nil(t, recovered.Marker)

	a.Complete()
	b.Complete()
	id, err := m.BeginCommit("candidate")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	recovered, err = Recover(store)
	require.NoError(t, err)
	require.NotNil(t, recovered.Marker)
	assert.Equal(t, id, recovered.Marker.TransactionID)
	assert.Equal(t, "candidate", recovered.Marker.Candidate)

	// A new run picks the interrupted commit back up.
	restored := NewManager(clockwork.NewFakeClock(), Thresholds{}, store)
	require.NoError(t, restored.Restore(recovered))
	assert.Equal(t, id, restored.ID())
	assert.True(t, restored.Finished())

	require.NoError(t, store.Update(metadata.SetStorageRecord("b", metadata.StorageRecord{Etag: "old"})))
	require.NoError(t, store.Update(restored.Committed()...))
	restored.Finish()
	assert.True(t, restored.IsEmpty())

	cache := map[string]metadata.StorageRecord{}
	require.NoError(t, store.View(metadata.RetrieveStorageCache(cache)))
	assert.Equal(t, map[string]metadata.StorageRecord{"a": {Etag: "etag-a", Size: 1}}, cache)

	recovered, err = Recover(store)
	require.NoError(t, err)
	assert.Empty(t, recovered.Records)
	assert.Nil(t, recovered.Marker)
}

func TestAbandon(t *testing.T) {
	m, _, store := newTestManager(t, Thresholds{})
	a := authorize(t, m, operation.Upload, "a", 1)
	a.Complete()
	m.Declare(operation.New(operation.Upload, "b"))

	retries, err := m.Abandon()
	require.NoError(t, err)
	assert.Len(t, retries, 2)
	for _, op := range retries {
		assert.Equal(t, operation.Working, op.State())
	}
	assert.True(t, m.IsEmpty())

	recovered, err := Recover(store)
	require.NoError(t, err)
	assert.Empty(t, recovered.Records)
}

func TestPending(t *testing.T) {
	m, _, _ := newTestManager(t, Thresholds{})
	authorize(t, m, operation.Upload, "a", 1)

	etag, exists, ok := m.Pending("a")
	assert.True(t, ok)
	assert.True(t, exists)
	assert.Equal(t, "etag-a", etag)

	authorize(t, m, operation.Delete, "a", 0)
	_, exists, ok = m.Pending("a")
	assert.True(t, ok)
	assert.False(t, exists)

	_, _, ok = m.Pending("z")
	assert.False(t, ok)
}
