// Package session implements the client side of the sync protocol. A Session
// authenticates with the storage server, reconciles the warebox with the
// remote dataset, and then replicates local changes in transactions whose
// results it verifies against the server's proofs.
package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/crypto/ed25519"

	"github.com/sidkik/vaultsync/pkg/diff"
	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/fswatch"
	"github.com/sidkik/vaultsync/pkg/integrity"
	"github.com/sidkik/vaultsync/pkg/metadata"
	"github.com/sidkik/vaultsync/pkg/metrics"
	"github.com/sidkik/vaultsync/pkg/operation"
	"github.com/sidkik/vaultsync/pkg/protocol"
	"github.com/sidkik/vaultsync/pkg/queue"
	"github.com/sidkik/vaultsync/pkg/transaction"
	"github.com/sidkik/vaultsync/pkg/ui"
	"github.com/sidkik/vaultsync/pkg/warebox"
)

// Workers runs transfers on behalf of the session. It's implemented by
// workers.Pool.
type Workers interface {
	AcquireWorker() bool
	ReleaseWorker()
	ExistFreeWorkers() bool
	SendOperation(op *operation.Operation)
	CleanDownloadDir() error
}

// Config configures a Session.
type Config struct {
	Username   string
	ClientID   string
	PrivateKey ed25519.PrivateKey

	// Dial opens a connection to the storage server.
	Dial func(ctx context.Context) (net.Conn, error)

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	Thresholds transaction.Thresholds

	// DeclareRetries is how many refused declarations in a row are tolerated
	// before the session gives up on the connection.
	DeclareRetries int

	// TickInterval is how often the commit thresholds are evaluated.
	TickInterval time.Duration

	// ReconnectDelay is the delay before the first reconnection attempt. It
	// doubles on every failed attempt, up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// DeclareRetryDelay is the delay before a refused declaration is retried.
	DeclareRetryDelay time.Duration

	// WatchWarebox enables the filesystem watcher. Without it, local changes
	// are only detected by the scan that follows every sync.
	WatchWarebox bool

	// LoadKey loads the private key that the user picks when relinking.
	LoadKey func(path string) (ed25519.PrivateKey, error)

	// Oracle resolves conflicts on encrypted files. It's optional.
	Oracle diff.EncryptionOracle

	Clock clockwork.Clock
}

func (config Config) withDefaults() Config {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.KeepAliveInterval == 0 {
		config.KeepAliveInterval = 30 * time.Second
	}
	if config.KeepAliveTimeout == 0 {
		config.KeepAliveTimeout = 3 * config.KeepAliveInterval
	}
	if config.TickInterval == 0 {
		config.TickInterval = time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = time.Second
	}
	if config.MaxReconnectDelay == 0 {
		config.MaxReconnectDelay = time.Minute
	}
	if config.DeclareRetryDelay == 0 {
		config.DeclareRetryDelay = time.Second
	}
	return config
}

// Session is the client's sync state machine. All of its state is owned by
// the goroutine that calls Run; other goroutines talk to it through the
// queue.
type Session struct {
	config Config
	clock  clockwork.Clock
	id     string
	log    *log.Entry

	queue   *queue.Queue
	store   *metadata.Store
	warebox *warebox.Warebox
	workers Workers
	watcher *fswatch.Watcher
	ui      ui.Controller
	metrics *metrics.Collector

	integrity    *integrity.Manager
	transactions *transaction.Manager

	states  [numStates]*stateDef
	current StateID
	state   *atomic.Int32

	ctx        context.Context
	background sync.WaitGroup

	conn   *connection
	dialed chan net.Conn

	cancelReconnect context.CancelFunc
	reconnect       retry.Backoff

	// cache mirrors the storage cache in the metadata store.
	cache map[string]metadata.StorageRecord

	syncing   *syncState
	recovered transaction.Recovered

	// reserved holds the ids of declared operations that hold a worker.
	reserved map[string]bool

	// postponed holds the ids of declarations that were taken out of the
	// transaction before the server answered them.
	postponed map[string]bool

	declareFailures int
	declareBackoff  retry.Backoff
	commitRequested bool

	// fatal is the integrity violation that stopped the session.
	fatal error
}

// New creates a session. It reads the trusted basis and the storage cache
// from `store`.
func New(config Config, store *metadata.Store, wb *warebox.Warebox, workers Workers,
	controller ui.Controller, collector *metrics.Collector) (*Session, error) {

	config = config.withDefaults()
	if config.Dial == nil {
		return nil, errors.MissingFieldError{Field: "Dial"}
	}

	var trusted string
	err := store.View(metadata.RetrieveTrustedBasis(&trusted))
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		trusted = ""
	case err != nil:
		return nil, errors.WithContext(err, "read trusted basis")
	}

	cache := map[string]metadata.StorageRecord{}
	if err := store.View(metadata.RetrieveStorageCache(cache)); err != nil {
		return nil, errors.WithContext(err, "read storage cache")
	}

	id := uuid.New().String()
	s := &Session{
		config:  config,
		clock:   config.Clock,
		id:      id,
		log:     log.WithFields(log.Fields{"session": id, "client": config.ClientID}),
		queue:   queue.New(userCommands, sessionCommands, systemCommands, serverMessages, operations),
		store:   store,
		warebox: wb,
		workers: workers,
		ui:      controller,
		metrics: collector,

		integrity:    integrity.NewManager(trusted),
		transactions: transaction.NewManager(config.Clock, config.Thresholds, store),

		states: buildStates(),
		state:  atomic.NewInt32(int32(Disconnected)),
		dialed: make(chan net.Conn, 1),
		cache:  cache,

		reserved:  map[string]bool{},
		postponed: map[string]bool{},
	}
	s.watcher = fswatch.New(wb, config.Clock, s.AddOperation)
	s.reconnect = s.newBackoff(config.ReconnectDelay)
	s.declareBackoff = s.newBackoff(config.DeclareRetryDelay)
	return s, nil
}

func (s *Session) newBackoff(base time.Duration) retry.Backoff {
	return retry.WithCappedDuration(s.config.MaxReconnectDelay, retry.NewExponential(base))
}

// ID returns the id of the session, which tags its log entries.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state. It's safe to call from any goroutine.
func (s *Session) State() StateID {
	return StateID(s.state.Load())
}

// Connect asks a disconnected session to connect.
func (s *Session) Connect() {
	s.post(userCommands, protocol.Command{Kind: protocol.Connect})
}

// Disconnect closes the connection. The session stays disconnected until
// Connect is called.
func (s *Session) Disconnect() {
	s.post(userCommands, protocol.Command{Kind: protocol.Disconnect})
}

// Terminate stops the session. Run returns once the session has shut down.
func (s *Session) Terminate() {
	s.post(userCommands, protocol.Command{Kind: protocol.Terminate})
}

// Commit commits the open transaction without waiting for the thresholds.
func (s *Session) Commit() {
	s.post(userCommands, protocol.Command{Kind: protocol.Commit})
}

// Resume resumes replication after the quota was exceeded.
func (s *Session) Resume() {
	s.post(userCommands, protocol.Command{Kind: protocol.Resume})
}

// Notify passes a command from a background component, such as the worker
// pool, to the session.
func (s *Session) Notify(cmd protocol.Command) {
	s.post(systemCommands, cmd)
}

// AddOperation queues a local change for replication.
func (s *Session) AddOperation(op *operation.Operation) {
	s.post(operations, op)
}

func (s *Session) post(channel string, v interface{}) {
	if err := s.queue.Put(channel, v); err != nil {
		s.log.WithError(err).Error("Failed to queue item")
	}
}

// changeStateLater moves to `next` once the items already queued on the
// session channel are handled. Returning the current state keeps the session
// where it is until then.
func (s *Session) changeStateLater(next StateID) (StateID, error) {
	s.post(sessionCommands, protocol.Command{Kind: protocol.ChangeState, State: int(next)})
	return s.current, nil
}

// goBackground runs `f` in a goroutine that Run waits for before returning.
func (s *Session) goBackground(f func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		f()
	}()
}

// after posts `cmd` on the session channel once `d` has elapsed, unless
// `ctx` is cancelled first.
func (s *Session) after(ctx context.Context, d time.Duration, cmd protocol.Command) {
	s.goBackground(func() {
		select {
		case <-ctx.Done():
		case <-s.clock.After(d):
			s.post(sessionCommands, cmd)
		}
	})
}

// Run drives the state machine until the session is terminated, an
// integrity violation is detected, or `ctx` is cancelled. It returns the
// integrity violation, if any.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx

	watching := false
	if s.config.WatchWarebox {
		if err := s.watcher.Start(ctx); err != nil {
			cancel()
			return errors.WithContext(err, "watch warebox")
		}
		watching = true
	}

	defer func() {
		if closeErr := s.shutdown(cancel, watching); closeErr != nil {
			s.log.WithError(closeErr).Warn("Failed to shut down cleanly")
		}
	}()

	s.goBackground(func() { s.tick(ctx) })

	s.log.Info("Session started")
	s.transition(Disconnected, true)
	s.post(sessionCommands, protocol.Command{Kind: protocol.Connect})
	return s.loop(ctx)
}

func (s *Session) loop(ctx context.Context) error {
	for {
		if s.current.terminal() {
			return s.fatal
		}

		def := s.states[s.current]
		item, err := s.queue.Get(ctx, def.listen(s)...)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		next, err := s.dispatch(def, item)
		if err != nil {
			next = s.handleError(err)
		}
		s.transition(next, false)
	}
}

func (s *Session) shutdown(cancel context.CancelFunc, watching bool) error {
	var result *multierror.Error
	if s.conn != nil {
		if err := s.conn.close(); err != nil {
			result = multierror.Append(result, errors.WithContext(err, "close connection"))
		}
		s.conn = nil
	}
	if err := s.releaseDialed(); err != nil {
		result = multierror.Append(result, errors.WithContext(err, "close dialed connection"))
	}

	cancel()
	s.background.Wait()
	if watching {
		<-s.watcher.Done()
	}
	s.log.WithField("state", s.current).Info("Session stopped")
	return result.ErrorOrNil()
}

func (s *Session) tick(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.config.TickInterval):
			s.post(sessionCommands, protocol.Command{Kind: protocol.Tick})
		}
	}
}

// transition enters `next`, and any state that its enter handler chains to.
func (s *Session) transition(next StateID, force bool) {
	for force || next != s.current {
		force = false
		prev := s.current
		s.current = next
		s.state.Store(int32(next))
		s.metrics.StateEntered(next.String(), int(next))
		s.log.WithFields(log.Fields{"from": prev, "to": next}).Info("State changed")

		def := s.states[next]
		if def.onEnter == nil {
			return
		}

		var err error
		next, err = def.onEnter(s)
		if err != nil {
			next = s.handleError(err)
		}
	}
}

func (s *Session) dispatch(def *stateDef, item queue.Item) (StateID, error) {
	switch v := item.Value.(type) {
	case protocol.Command:
		s.log.WithField("command", v).Debug("Handling command")
		if handler, ok := def.commands[v.Kind]; ok {
			return handler(s, v)
		}
		return s.defaultCommand(v)

	case protocol.Message:
		s.log.WithField("message", v.Kind).Debug("Received message")
		if handler, ok := def.messages[v.Kind]; ok {
			return handler(s, v)
		}
		return s.defaultMessage(v)

	case *operation.Operation:
		if def.onOperation != nil {
			return def.onOperation(s, v)
		}
		s.queue.PutFront(operations, v)
		return s.current, nil
	}
	return s.current, errors.New("unexpected %T in the queue", item.Value)
}

func (s *Session) defaultCommand(cmd protocol.Command) (StateID, error) {
	switch cmd.Kind {
	case protocol.Terminate:
		return Terminated, nil

	case protocol.Disconnect:
		s.log.Info("Disconnecting")
		s.teardown(false)
		s.ui.SetGlobalStatus(ui.StatusPaused)
		return Disconnected, nil

	case protocol.BrokenConnection, protocol.KeepAliveTimeout:
		if s.conn == nil && s.current != Connecting {
			return s.current, nil
		}
		return s.onBrokenConnection(cmd)

	case protocol.ChangeState:
		return StateID(cmd.State), nil

	case protocol.Connected:
		// The dial finished after the session gave up on it.
		if err := s.releaseDialed(); err != nil {
			s.log.WithError(err).Debug("Failed to close stale connection")
		}
	}

	s.log.WithFields(log.Fields{
		"command": cmd,
		"state":   s.current,
	}).Debug("Ignoring command")
	return s.current, nil
}

// onBrokenConnection handles the messages that arrived before the connection
// dropped: a QUIT explains why the server hung up, and a COMMIT_DONE still
// completes the commit. The rest are moot once the connection is gone.
func (s *Session) onBrokenConnection(cmd protocol.Command) (StateID, error) {
	for _, item := range s.queue.Drain(serverMessages) {
		msg, ok := item.(protocol.Message)
		if !ok {
			continue
		}

		switch {
		case msg.Kind == protocol.Quit:
			return s.defaultMessage(msg)
		case msg.Kind == protocol.CommitDone && (s.current == CommitStart || s.current == PendingCommit):
			if err := s.finishCommit(msg); err != nil {
				return s.current, err
			}
		default:
			s.log.WithField("message", msg.Kind).Debug("Dropping message received before the connection broke")
		}
	}

	entry := s.log.WithField("state", s.current)
	if cmd.Err != nil {
		entry = entry.WithError(cmd.Err)
	}
	if cmd.Kind == protocol.KeepAliveTimeout {
		entry.Warn("Server stopped answering keep-alives")
	} else {
		entry.Warn("Connection lost")
	}
	s.teardown(true)
	return Disconnected, nil
}

func (s *Session) defaultMessage(msg protocol.Message) (StateID, error) {
	switch msg.Kind {
	case protocol.Quit:
		reason, _ := msg.GetString("reason")
		if reason == protocol.QuitConcurrentClient {
			s.log.Warn("Another client of the account connected")
			s.teardown(false)
			s.ui.NotifyUser(ui.ConcurrentClient)
			s.ui.SetGlobalStatus(ui.StatusPaused)
			return Disconnected, nil
		}
		s.log.WithField("reason", reason).Info("Server closed the session")
		s.teardown(true)
		return Disconnected, nil

	case protocol.Error:
		code, _ := msg.GetInt("error_code")
		message, _ := msg.GetString("error_message")
		return s.current, errors.ProtocolViolation{
			State:  s.current.String(),
			Reason: errors.New("server error %s: %s", protocol.ErrorCode(code), message).Error(),
		}
	}

	return s.current, errors.ProtocolViolation{
		State:  s.current.String(),
		Reason: "unexpected " + msg.Kind.String(),
	}
}

// handleError decides where the session goes after a handler failed.
// Integrity violations stop the session. Anything else drops the connection
// and reconnects.
func (s *Session) handleError(err error) StateID {
	if errors.IsIntegrityViolation(err) {
		s.fatal = err
		return BasisMismatch
	}

	s.log.WithError(err).WithField("state", s.current).Error("Session failed")
	s.teardown(true)
	return Disconnected
}

// teardown closes the connection and drops all state tied to it. If
// `reconnect` is set, a new connection is attempted after a backoff.
func (s *Session) teardown(reconnect bool) {
	s.closeConnection()
	if s.cancelReconnect != nil {
		s.cancelReconnect()
		s.cancelReconnect = nil
	}

	s.queue.Clear(sessionCommands, systemCommands, serverMessages, operations)
	s.abandonTransaction()
	s.releaseWorkers()
	s.watcher.Suspend()
	s.syncing = nil
	s.declareFailures = 0
	s.commitRequested = false
	s.postponed = map[string]bool{}
	s.ui.SetGlobalStatus(ui.StatusDisconnected)

	if reconnect {
		s.scheduleReconnect()
	}
}

func (s *Session) closeConnection() {
	if s.conn != nil {
		if err := s.conn.close(); err != nil {
			s.log.WithError(err).Debug("Connection closed with error")
		}
		s.conn = nil
	}
	if err := s.releaseDialed(); err != nil {
		s.log.WithError(err).Debug("Failed to close dialed connection")
	}
}

func (s *Session) releaseDialed() error {
	select {
	case nc := <-s.dialed:
		return nc.Close()
	default:
		return nil
	}
}

func (s *Session) abandonTransaction() {
	defer s.integrity.DiscardCandidate()

	if s.transactions.ID() != "" {
		// COMMIT_START was sent, so the recovery cache is kept for the next
		// connection to complete the commit.
		s.transactions.Finish()
		return
	}

	retries, err := s.transactions.Abandon()
	if err != nil {
		s.log.WithError(err).Warn("Failed to clear recovery cache")
	}
	for _, op := range retries {
		s.post(operations, op)
	}
}

func (s *Session) releaseWorkers() {
	for id := range s.reserved {
		s.workers.ReleaseWorker()
		delete(s.reserved, id)
	}
}

func (s *Session) release(op *operation.Operation) {
	if s.reserved[op.ID] {
		s.workers.ReleaseWorker()
		delete(s.reserved, op.ID)
	}
}

func (s *Session) scheduleReconnect() {
	delay, _ := s.reconnect.Next()
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelReconnect = cancel

	s.log.WithField("delay", delay).Info("Reconnecting")
	s.after(ctx, delay, protocol.Command{Kind: protocol.Connect})
}

// send sends a message to the server.
func (s *Session) send(kind protocol.MessageKind, params protocol.Params) error {
	if s.conn == nil {
		return errors.New("send %s: not connected", kind)
	}

	msg, err := protocol.NewMessage(kind, params)
	if err != nil {
		return errors.WithContext(err, "build "+kind.String())
	}
	return s.conn.send(msg)
}
