package session

import (
	"context"
	"encoding/hex"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
	"golang.org/x/crypto/ed25519"

	"github.com/sidkik/vaultsync/pkg/diff"
	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/metadata"
	"github.com/sidkik/vaultsync/pkg/metrics"
	"github.com/sidkik/vaultsync/pkg/operation"
	"github.com/sidkik/vaultsync/pkg/protocol"
	"github.com/sidkik/vaultsync/pkg/server"
	"github.com/sidkik/vaultsync/pkg/transaction"
	"github.com/sidkik/vaultsync/pkg/ui"
	"github.com/sidkik/vaultsync/pkg/version"
	"github.com/sidkik/vaultsync/pkg/warebox"
	"github.com/sidkik/vaultsync/pkg/workers"
)

const (
	testUser   = "user"
	testClient = "client"

	waitFor = 5 * time.Second
	poll    = 10 * time.Millisecond
)

type fakeUI struct {
	sync.Mutex
	accept        bool
	relinkPath    string
	relinks       int
	prompts       [][]diff.Change
	notifications []ui.Topic
	statuses      []ui.Status
}

func (f *fakeUI) AskForUserInput(topic ui.Topic, args ...interface{}) (interface{}, error) {
	f.Lock()
	defer f.Unlock()

	switch topic {
	case ui.SyncChanges:
		f.prompts = append(f.prompts, args[0].([]diff.Change))
		return f.accept, nil
	case ui.Relink:
		f.relinks++
		return f.relinkPath, nil
	}
	return nil, errors.New("unexpected question %s", topic)
}

func (f *fakeUI) NotifyUser(topic ui.Topic, _ ...interface{}) {
	f.Lock()
	defer f.Unlock()
	f.notifications = append(f.notifications, topic)
}

func (f *fakeUI) SetGlobalStatus(status ui.Status) {
	f.Lock()
	defer f.Unlock()
	f.statuses = append(f.statuses, status)
}

func (f *fakeUI) UpdateSessionInfo(map[string]interface{}) {}

func (f *fakeUI) getPrompts() [][]diff.Change {
	f.Lock()
	defer f.Unlock()
	return append([][]diff.Change{}, f.prompts...)
}

func (f *fakeUI) setAccept(accept bool) {
	f.Lock()
	defer f.Unlock()
	f.accept = accept
}

func (f *fakeUI) getRelinks() int {
	f.Lock()
	defer f.Unlock()
	return f.relinks
}

func (f *fakeUI) getNotifications() []ui.Topic {
	f.Lock()
	defer f.Unlock()
	return append([]ui.Topic{}, f.notifications...)
}

// recordingWorkers records the operations sent to the pool.
type recordingWorkers struct {
	*workers.Pool

	mu   sync.Mutex
	sent []string
}

func (w *recordingWorkers) SendOperation(op *operation.Operation) {
	w.mu.Lock()
	w.sent = append(w.sent, op.String())
	w.mu.Unlock()
	w.Pool.SendOperation(op)
}

func (w *recordingWorkers) getSent() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string{}, w.sent...)
}

// flakyTransport transfers through the server, but fails the uploads that
// `fail` returns an error for.
type flakyTransport struct {
	*server.Server
	fail func(*operation.Operation) error
}

func (t *flakyTransport) Upload(ctx context.Context, op *operation.Operation, r io.Reader) error {
	if t.fail != nil {
		if err := t.fail(op); err != nil {
			return err
		}
	}
	return t.Server.Upload(ctx, op, r)
}

type harness struct {
	t         *testing.T
	server    *server.Server
	transport *flakyTransport
	key       ed25519.PrivateKey
	store     *metadata.Store
	root      string
	ui        *fakeUI
	workers   *recordingWorkers
	session   *Session
	dials     *atomic.Int32

	done chan struct{}
	err  error
}

// newHarness creates a session that talks to an in-memory server over
// net.Pipe. `configure` may modify the session's config.
func newHarness(t *testing.T, serverConfig server.Config, configure func(*Config)) *harness {
	serverConfig.Username = testUser
	srv := server.New(serverConfig)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	srv.Register(testClient, pub)

	store, err := metadata.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	root := t.TempDir()
	wb := warebox.New(root)

	h := &harness{
		t:         t,
		server:    srv,
		transport: &flakyTransport{Server: srv},
		key:       priv,
		store:     store,
		root:      root,
		ui:        &fakeUI{accept: true},
		dials:     atomic.NewInt32(0),
	}

	serveCtx, stopServing := context.WithCancel(context.Background())
	var serving sync.WaitGroup
	t.Cleanup(func() {
		stopServing()
		serving.Wait()
	})

	collector := metrics.NewCollector(prometheus.NewRegistry())
	pool := workers.New(2, wb, h.transport, func(cmd protocol.Command) { h.session.Notify(cmd) }, collector)
	t.Cleanup(pool.Stop)
	h.workers = &recordingWorkers{Pool: pool}

	config := Config{
		Username:   testUser,
		ClientID:   testClient,
		PrivateKey: priv,
		Dial: func(context.Context) (net.Conn, error) {
			h.dials.Inc()
			client, serverSide := net.Pipe()
			serving.Add(1)
			go func() {
				defer serving.Done()
				srv.ServeConn(serveCtx, serverSide)
			}()
			return client, nil
		},
		KeepAliveInterval: time.Minute,
		Thresholds:        transaction.Thresholds{MaxOperations: 1},
		DeclareRetries:    3,
		TickInterval:      poll,
		ReconnectDelay:    poll,
		DeclareRetryDelay: poll,
	}
	if configure != nil {
		configure(&config)
	}

	h.session, err = New(config, store, wb, h.workers, h.ui, collector)
	require.NoError(t, err)
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.done = make(chan struct{})
	go func() {
		h.err = h.session.Run(ctx)
		close(h.done)
	}()
	h.t.Cleanup(func() {
		cancel()
		<-h.done
	})
}

// wait waits for Run to return.
func (h *harness) wait() error {
	select {
	case <-h.done:
		return h.err
	case <-time.After(waitFor):
		h.t.Fatal("session didn't stop")
		return nil
	}
}

func (h *harness) waitForState(state StateID) {
	require.Eventually(h.t, func() bool {
		return h.session.State() == state
	}, waitFor, poll, "never reached %s", state)
}

func (h *harness) writeLocal(key, contents string) {
	path := filepath.Join(h.root, key)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(h.t, ioutil.WriteFile(path, []byte(contents), 0644))
}

func (h *harness) trustedBasis() string {
	var basis string
	err := h.store.View(metadata.RetrieveTrustedBasis(&basis))
	if err != nil {
		return ""
	}
	return basis
}

func TestStateTable(t *testing.T) {
	states := buildStates()
	for id := StateID(0); id < numStates; id++ {
		def := states[id]
		require.NotNil(t, def, "state %d has no definition", id)
		assert.Equal(t, id, def.id)
		assert.NotNil(t, def.listen, id.String())
		assert.NotEmpty(t, stateNames[id])

		if id != Replication {
			assert.Nil(t, def.onOperation, id.String())
		}
	}
	assert.Equal(t, "StateID(99)", StateID(99).String())
}

func TestSyncEmptyAccount(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	h.start()
	h.waitForState(Replication)

	assert.Empty(t, h.ui.getPrompts())
	assert.Empty(t, h.workers.getSent())
	assert.Equal(t, h.server.Basis(), h.trustedBasis())

	cache := map[string]metadata.StorageRecord{}
	require.NoError(t, h.store.View(metadata.RetrieveStorageCache(cache)))
	assert.Empty(t, cache)

	h.session.Terminate()
	assert.NoError(t, h.wait())
	assert.Equal(t, Terminated, h.session.State())
}

func TestSyncDownloadsRemoteFile(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	h.server.Put("a", []byte("abc"))

	h.start()
	h.waitForState(Replication)

	assert.Equal(t, [][]diff.Change{{
		{Kind: diff.DownloadNeeded, Pathname: "a", Size: 3},
	}}, h.ui.getPrompts())
	assert.Equal(t, []string{"DOWNLOAD a"}, h.workers.getSent())

	contents, err := ioutil.ReadFile(filepath.Join(h.root, "a"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(contents))

	var accepted metadata.AcceptedState
	var found bool
	require.NoError(t, h.store.View(metadata.RetrieveAcceptedState(&accepted, &found)))
	assert.True(t, found)
	assert.Equal(t, h.server.Basis(), accepted.Basis)
	assert.Empty(t, accepted.Trusted)
	assert.Equal(t, h.server.Basis(), h.trustedBasis())

	var history []metadata.HistoryEntry
	require.NoError(t, h.store.View(metadata.RetrieveBasisHistory(&history)))
	require.Len(t, history, 1)
	assert.Equal(t, metadata.OriginSync, history[0].Origin)
}

func TestSyncRefused(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	h.server.Put("a", []byte("abc"))
	h.ui.accept = false

	h.start()
	require.Eventually(t, func() bool {
		return len(h.ui.getPrompts()) == 1
	}, waitFor, poll)
	h.waitForState(Disconnected)

	// The session doesn't reconnect on its own.
	time.Sleep(10 * poll)
	assert.Equal(t, int32(1), h.dials.Load())
	assert.Equal(t, Disconnected, h.session.State())
	assert.Empty(t, h.workers.getSent())
	_, err := os.Stat(filepath.Join(h.root, "a"))
	assert.True(t, os.IsNotExist(err))
}

func TestTamperedListing(t *testing.T) {
	h := newHarness(t, server.Config{
		ListingFilter: func(dataset []protocol.FileEntry) []protocol.FileEntry {
			for i := range dataset {
				dataset[i].Etag = "tampered"
			}
			return dataset
		},
	}, nil)
	h.server.Put("a", []byte("abc"))

	h.start()
	err := h.wait()
	require.Error(t, err)
	assert.True(t, errors.IsIntegrityViolation(err))
	assert.Equal(t, BasisMismatch, h.session.State())
	assert.Contains(t, h.ui.getNotifications(), ui.BasisMismatch)

	assert.Empty(t, h.ui.getPrompts())
	assert.Empty(t, h.workers.getSent())
	assert.Empty(t, h.trustedBasis())
}

func TestUploadAndCommit(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	h.writeLocal("dir/file", "hello")

	h.start()
	require.Eventually(t, func() bool {
		contents, ok := h.server.Contents("dir/file")
		return ok && string(contents) == "hello" && h.trustedBasis() == h.server.Basis()
	}, waitFor, poll)

	assert.Contains(t, h.workers.getSent(), "UPLOAD dir/file")

	require.Eventually(t, func() bool {
		cache := map[string]metadata.StorageRecord{}
		if err := h.store.View(metadata.RetrieveStorageCache(cache)); err != nil {
			return false
		}
		_, hasDir := cache["dir/"]
		_, hasFile := cache["dir/file"]
		return hasDir && hasFile
	}, waitFor, poll)

	recovered, err := transaction.Recover(h.store)
	require.NoError(t, err)
	assert.Nil(t, recovered.Marker)
	assert.Empty(t, recovered.Records)
}

func TestCopyInsteadOfUpload(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	h.server.Put("original", []byte("shared"))

	h.start()
	h.waitForState(Replication)

	h.writeLocal("copy", "shared")
	snapshot, err := warebox.New(h.root).Snapshot()
	require.NoError(t, err)
	op := operation.New(operation.Upload, "copy")
	op.Etag = snapshot["copy"].Etag
	op.Size = snapshot["copy"].Size
	h.session.AddOperation(op)

	require.Eventually(t, func() bool {
		contents, ok := h.server.Contents("copy")
		return ok && string(contents) == "shared"
	}, waitFor, poll)

	// Only the download of the original was transferred.
	assert.Equal(t, []string{"DOWNLOAD original"}, h.workers.getSent())
}

func TestQuotaExceeded(t *testing.T) {
	h := newHarness(t, server.Config{Quota: 3}, nil)
	h.writeLocal("big", "too large")

	h.start()
	h.waitForState(QuotaExceeded)
	assert.Equal(t, []ui.Topic{ui.QuotaExceeded}, h.ui.getNotifications())
	_, ok := h.server.Contents("big")
	assert.False(t, ok)

	h.session.Resume()
	h.waitForState(Replication)
}

func TestCompletesInterruptedCommit(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	require.NoError(t, h.store.Update(
		metadata.PutTransactionRecord(metadata.TransactionRecord{
			OperationID: "stale",
			Verb:        string(operation.Upload),
			Pathname:    "lost",
			Etag:        "etag",
			Size:        1,
		}),
		metadata.SetCommitMarker(metadata.CommitMarker{TransactionID: "unknown", Candidate: "candidate"}),
	))

	// The server has no record of the transaction, so it refuses the commit
	// and the transaction is dropped.
	h.start()
	h.waitForState(Replication)

	recovered, err := transaction.Recover(h.store)
	require.NoError(t, err)
	assert.Nil(t, recovered.Marker)
	assert.Empty(t, recovered.Records)
	assert.Equal(t, h.server.Basis(), h.trustedBasis())
}

func TestDisconnectAndReconnect(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	h.start()
	h.waitForState(Replication)

	h.session.Disconnect()
	h.waitForState(Disconnected)
	time.Sleep(10 * poll)
	assert.Equal(t, int32(1), h.dials.Load())

	h.session.Connect()
	h.waitForState(Replication)
	assert.Equal(t, int32(2), h.dials.Load())
}

// login authenticates a second client of the account.
func login(t *testing.T, srv *server.Server, key ed25519.PrivateKey) {
	client, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.ServeConn(context.Background(), serverSide)
		close(done)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})

	exchange := func(kind protocol.MessageKind, params protocol.Params) protocol.Message {
		require.NoError(t, protocol.WriteMessage(client, protocol.MustNewMessage(kind, params)))
		msg, err := protocol.ReadMessage(client)
		require.NoError(t, err)
		return msg
	}

	exchange(protocol.ProtocolVersion, protocol.Params{"version": version.ProtocolVersion})
	msg := exchange(protocol.ChallengeRequest, protocol.Params{"username": testUser, "client_id": testClient})
	challenge, err := msg.GetString("challenge")
	require.NoError(t, err)

	msg = exchange(protocol.ChallengeResponse, protocol.Params{
		"client_id": testClient,
		"response":  hex.EncodeToString(ed25519.Sign(key, []byte(challenge))),
	})
	result, err := msg.GetBool("result")
	require.NoError(t, err)
	require.True(t, result)
}

func TestConcurrentClient(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	h.start()
	h.waitForState(Replication)

	login(t, h.server, h.key)
	h.waitForState(Disconnected)
	assert.Contains(t, h.ui.getNotifications(), ui.ConcurrentClient)

	time.Sleep(10 * poll)
	assert.Equal(t, int32(1), h.dials.Load())
}

func TestKeepAliveTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var silent sync.WaitGroup
	t.Cleanup(silent.Wait)

	var h *harness
	h = newHarness(t, server.Config{}, func(config *Config) {
		config.Clock = clock
		config.KeepAliveInterval = time.Second
		config.KeepAliveTimeout = 2 * time.Second
		config.TickInterval = time.Hour

		// The server never answers.
		config.Dial = func(context.Context) (net.Conn, error) {
			h.dials.Inc()
			client, serverSide := net.Pipe()
			silent.Add(1)
			go func() {
				defer silent.Done()
				io.Copy(ioutil.Discard, serverSide)
			}()
			return client, nil
		}
	})
	h.start()
	h.waitForState(ProtocolVersion)

	// The first keep-alive is sent, but never answered.
	clock.BlockUntil(2)
	clock.Advance(time.Second)
	clock.BlockUntil(2)
	clock.Advance(time.Second)

	// The session gives up on the connection and reconnects after a delay.
	clock.BlockUntil(2)
	assert.Equal(t, int32(1), h.dials.Load())
	clock.Advance(poll)
	require.Eventually(t, func() bool {
		return h.dials.Load() == 2
	}, waitFor, poll)
}

func TestRunStopsCleanly(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h.start()
	h.waitForState(Replication)
	h.session.Terminate()
	require.NoError(t, h.wait())
}

func TestCommitPostponesUnansweredDeclaration(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	s := h.session
	s.current = Replication

	authorized := operation.New(operation.Upload, "a/")
	s.transactions.Declare(authorized)
	_, err := s.transactions.Authorize(authorized.ID)
	require.NoError(t, err)

	pending := operation.New(operation.Upload, "b")
	require.True(t, s.workers.AcquireWorker())
	s.reserved[pending.ID] = true
	s.transactions.Declare(pending)

	next, err := s.onCommitRequested(protocol.Command{Kind: protocol.Commit})
	require.NoError(t, err)
	assert.Equal(t, Commit, next)
	assert.Equal(t, 0, s.transactions.NumDeclared())
	assert.Empty(t, s.reserved)
	assert.True(t, s.postponed[pending.ID])

	item, err := s.queue.TryGet(operations)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, item.Value.(*operation.Operation).ID)

	// The server's answer to the postponed declaration is ignored.
	s.current = Commit
	stale, err := protocol.NewMessage(protocol.ReplicationDeclareResponse, protocol.Params{
		"response": protocol.ResponseDetails{OperationID: pending.ID, Reason: "late"},
	})
	require.NoError(t, err)
	next, err = s.onDeclareResponse(stale)
	require.NoError(t, err)
	assert.Equal(t, Commit, next)
	assert.Empty(t, s.postponed)

	// Any other answer is unexpected.
	_, err = s.onDeclareResponse(stale)
	assert.IsType(t, errors.ProtocolViolation{}, err)
}

func TestCommitWaitsWhenNothingIsAuthorized(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	s := h.session
	s.current = Replication

	pending := operation.New(operation.Delete, "a")
	s.transactions.Declare(pending)

	next, err := s.onCommitRequested(protocol.Command{Kind: protocol.Commit})
	require.NoError(t, err)
	assert.Equal(t, Replication, next)
	assert.True(t, s.commitRequested)
	assert.Equal(t, 1, s.transactions.NumDeclared())
	assert.Empty(t, s.postponed)
}

func TestRollbackAfterCommitNeedsApproval(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	h.server.Put("a", []byte("abc"))
	h.writeLocal("b", "local")

	h.start()
	require.Eventually(t, func() bool {
		_, ok := h.server.Contents("b")
		return ok && h.trustedBasis() == h.server.Basis()
	}, waitFor, poll)
	require.Len(t, h.ui.getPrompts(), 1)

	// The server goes back to the state approved at the first sync.
	h.server.Remove("b")
	h.ui.setAccept(false)
	h.session.Disconnect()
	h.waitForState(Disconnected)
	h.session.Connect()

	require.Eventually(t, func() bool {
		return len(h.ui.getPrompts()) == 2
	}, waitFor, poll)
	h.waitForState(Disconnected)
	assert.Equal(t, []diff.Change{
		{Kind: diff.DeleteNeeded, Pathname: "b", Size: 5},
	}, h.ui.getPrompts()[1])

	contents, err := ioutil.ReadFile(filepath.Join(h.root, "b"))
	require.NoError(t, err)
	assert.Equal(t, "local", string(contents))
}

func TestListingHashMismatchOnTrustedBasis(t *testing.T) {
	tamper := atomic.NewBool(false)
	h := newHarness(t, server.Config{
		// Sizes don't contribute to the basis, only to the listing hash.
		ListingFilter: func(dataset []protocol.FileEntry) []protocol.FileEntry {
			if tamper.Load() {
				for i := range dataset {
					dataset[i].Size++
				}
			}
			return dataset
		},
	}, nil)
	h.server.Put("a", []byte("abc"))

	h.start()
	h.waitForState(Replication)
	trusted := h.trustedBasis()
	require.Equal(t, h.server.Basis(), trusted)

	tamper.Store(true)
	h.session.Disconnect()
	h.waitForState(Disconnected)
	h.session.Connect()

	err := h.wait()
	require.Error(t, err)
	assert.True(t, errors.IsIntegrityViolation(err))
	assert.Equal(t, BasisMismatch, h.session.State())
	assert.Contains(t, h.ui.getNotifications(), ui.BasisMismatch)

	assert.Len(t, h.ui.getPrompts(), 1)
	assert.Equal(t, []string{"DOWNLOAD a"}, h.workers.getSent())
	assert.Equal(t, trusted, h.trustedBasis())
}

func TestRetriesRefusedDeclaration(t *testing.T) {
	declarations := atomic.NewInt32(0)
	h := newHarness(t, server.Config{
		Refuse: func(protocol.RequestDetails) (protocol.ErrorCode, bool) {
			return protocol.GenericError, declarations.Inc() <= 2
		},
	}, nil)
	h.writeLocal("file", "hello")

	h.start()
	require.Eventually(t, func() bool {
		contents, ok := h.server.Contents("file")
		return ok && string(contents) == "hello" && h.trustedBasis() == h.server.Basis()
	}, waitFor, poll)

	assert.Equal(t, int32(3), declarations.Load())
	assert.Equal(t, int32(1), h.dials.Load())
	assert.Equal(t, []string{"UPLOAD file"}, h.workers.getSent())
}

func TestRefusedDeclarationsReconnect(t *testing.T) {
	declarations := atomic.NewInt32(0)
	h := newHarness(t, server.Config{
		Refuse: func(protocol.RequestDetails) (protocol.ErrorCode, bool) {
			declarations.Inc()
			return protocol.GenericError, true
		},
	}, nil)
	h.writeLocal("file", "hello")

	h.start()
	require.Eventually(t, func() bool {
		return h.dials.Load() >= 2
	}, waitFor, poll)

	// The first connection gave up after DeclareRetries retries.
	assert.GreaterOrEqual(t, declarations.Load(), int32(4))
	assert.Empty(t, h.workers.getSent())
	_, ok := h.server.Contents("file")
	assert.False(t, ok)

	h.session.Terminate()
	assert.NoError(t, h.wait())
}

func TestRelinkWithNewKey(t *testing.T) {
	_, stale, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	loaded := make(chan string, 1)
	var h *harness
	h = newHarness(t, server.Config{}, func(config *Config) {
		config.PrivateKey = stale
		config.LoadKey = func(path string) (ed25519.PrivateKey, error) {
			loaded <- path
			return h.key, nil
		}
	})
	h.ui.relinkPath = "/keys/new.key"

	h.start()
	h.waitForState(Replication)
	assert.Equal(t, "/keys/new.key", <-loaded)
	assert.Equal(t, 1, h.ui.getRelinks())
	assert.Equal(t, int32(2), h.dials.Load())
}

func TestRelinkDeclined(t *testing.T) {
	_, stale, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	h := newHarness(t, server.Config{}, func(config *Config) {
		config.PrivateKey = stale
	})

	h.start()
	require.NoError(t, h.wait())
	assert.Equal(t, Terminated, h.session.State())
	assert.Equal(t, 1, h.ui.getRelinks())
	assert.Equal(t, int32(1), h.dials.Load())
}

func TestCommitResultMismatch(t *testing.T) {
	h := newHarness(t, server.Config{
		CommitFilter: func(string) string { return "forged" },
	}, nil)
	h.writeLocal("file", "hello")

	h.start()
	err := h.wait()
	require.Error(t, err)

	var mismatch errors.WrongBasisAfterUpdating
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "forged", mismatch.Claimed)
	assert.Equal(t, BasisMismatch, h.session.State())
	assert.Contains(t, h.ui.getNotifications(), ui.BasisMismatch)

	// The client never trusted the basis that the server committed to.
	assert.NotEmpty(t, h.trustedBasis())
	assert.NotEqual(t, h.server.Basis(), h.trustedBasis())
}

func TestFailedTransferRequeues(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	uploads := atomic.NewInt32(0)
	h.transport.fail = func(*operation.Operation) error {
		if uploads.Inc() == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	h.writeLocal("file", "hello")

	h.start()
	require.Eventually(t, func() bool {
		contents, ok := h.server.Contents("file")
		return ok && string(contents) == "hello" && h.trustedBasis() == h.server.Basis()
	}, waitFor, poll)

	// The failure tore the connection down, and the upload was declared
	// again on the next one.
	assert.Equal(t, int32(2), h.dials.Load())
	assert.Equal(t, int32(2), uploads.Load())
}

func TestBrokenConnectionCompletesCommit(t *testing.T) {
	h := newHarness(t, server.Config{}, nil)
	s := h.session
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	t.Cleanup(func() {
		cancel()
		s.background.Wait()
	})

	op := operation.New(operation.Upload, "a/")
	s.transactions.Declare(op)
	_, err := s.transactions.Authorize(op.ID)
	require.NoError(t, err)
	op.Complete()

	s.integrity.RestoreCandidate("next")
	id, err := s.transactions.BeginCommit("next")
	require.NoError(t, err)
	s.current = CommitStart

	// COMMIT_DONE arrived just before the connection broke.
	done, err := protocol.NewMessage(protocol.CommitDone, protocol.Params{
		"transaction_id": id,
		"new_basis":      "next",
	})
	require.NoError(t, err)
	require.NoError(t, s.queue.Put(serverMessages, done))

	next, err := s.onBrokenConnection(protocol.Command{Kind: protocol.BrokenConnection})
	require.NoError(t, err)
	assert.Equal(t, Disconnected, next)
	assert.Equal(t, "next", h.trustedBasis())
	assert.Equal(t, "next", s.integrity.GetCurrentBasis())
	assert.Contains(t, s.cache, "a/")

	recovered, err := transaction.Recover(h.store)
	require.NoError(t, err)
	assert.Nil(t, recovered.Marker)
	assert.Empty(t, recovered.Records)
}
