package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/ed25519"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/protocol"
	"github.com/sidkik/vaultsync/pkg/version"
)

// conn is a client connection.
type conn struct {
	server *Server
	nc     net.Conn
	log    *log.Entry

	writeMu sync.Mutex

	// The fields below are only accessed by the connection's goroutine.
	versionAgreed bool
	clientID      string
	challenge     string
	authenticated bool
}

// ListenAndServe accepts connections on `addr` until `ctx` is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithContext(err, "listen")
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on `l` until `ctx` is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	log.WithField("address", l.Addr()).Info("Serving sync protocol")
	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		go func() {
			if err := s.ServeConn(ctx, nc); err != nil {
				log.WithError(err).Debug("Connection closed")
			}
		}()
	}
}

// ServeConn speaks the protocol over `nc` until the client disconnects or
// `ctx` is cancelled. It closes `nc` before returning.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) error {
	c := &conn{
		server: s,
		nc:     nc,
		log:    log.WithField("remote", nc.RemoteAddr().String()),
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		nc.Close()
	}()
	defer s.disconnected(c)

	for {
		msg, err := protocol.ReadMessage(nc)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		c.log.WithField("message", msg.Kind).Debug("Received message")
		if err := c.handle(msg); err != nil {
			c.sendError(protocol.ProcedureError, err.Error())
			return err
		}
	}
}

func (s *Server) disconnected(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == c {
		s.active = nil
	}
}

func (c *conn) send(kind protocol.MessageKind, params protocol.Params) error {
	msg, err := protocol.NewMessage(kind, params)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.nc, msg)
}

func (c *conn) sendError(code protocol.ErrorCode, message string) {
	err := c.send(protocol.Error, protocol.Params{
		"error_code":    code,
		"error_message": message,
	})
	if err != nil {
		c.log.WithError(err).Debug("Failed to send error")
	}
}

func (c *conn) handle(msg protocol.Message) error {
	switch msg.Kind {
	case protocol.ProtocolVersion:
		return c.handleProtocolVersion(msg)
	case protocol.ChallengeRequest:
		return c.handleChallengeRequest(msg)
	case protocol.ChallengeResponse:
		return c.handleChallengeResponse(msg)
	case protocol.KeepAlive:
		id, err := msg.GetInt("id")
		if err != nil {
			return err
		}
		return c.send(protocol.KeepAlive, protocol.Params{"id": id})
	}

	if !c.authenticated {
		return fmt.Errorf("%s before authentication", msg.Kind)
	}

	switch msg.Kind {
	case protocol.SyncStart:
		return c.handleSyncStart()
	case protocol.SyncGetEncryptedFilesIVs:
		return c.handleGetIVs(msg)
	case protocol.ReplicationStart:
		c.server.startReplication(c.clientID)
		return c.send(protocol.ReplicationStartResponse, protocol.Params{"response": protocol.ResponseOK})
	case protocol.ReplicationDeclareRequest:
		req, err := msg.Request()
		if err != nil {
			return err
		}
		resp := c.server.declare(c.clientID, req)
		return c.send(protocol.ReplicationDeclareResponse, protocol.Params{"response": resp})
	case protocol.CommitStart:
		return c.handleCommitStart(msg)
	}
	return fmt.Errorf("unexpected message %s", msg.Kind)
}

func (c *conn) handleProtocolVersion(msg protocol.Message) error {
	v, err := msg.GetString("version")
	if err != nil {
		return err
	}

	ok, err := version.Compatible(v, c.server.config.SupportedProtocols)
	if err != nil {
		c.log.WithError(err).WithField("version", v).Info("Unparseable protocol version")
	}
	c.versionAgreed = ok

	response := protocol.ResponseKO
	if ok {
		response = protocol.ResponseOK
	}
	return c.send(protocol.ProtocolVersionAgreement, protocol.Params{"response": response})
}

func (c *conn) handleChallengeRequest(msg protocol.Message) error {
	if !c.versionAgreed {
		return fmt.Errorf("challenge requested before protocol agreement")
	}

	username, err := msg.GetString("username")
	if err != nil {
		return err
	}
	clientID, err := msg.GetString("client_id")
	if err != nil {
		return err
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	challenge := hex.EncodeToString(b)

	c.clientID = clientID
	c.challenge = challenge
	if username != c.server.config.Username {
		c.log.WithField("username", username).Info("Unknown username")
		// A challenge that was never stored can't be answered.
		c.challenge = ""
	}
	return c.send(protocol.ChallengeRequestResponse, protocol.Params{"challenge": challenge})
}

func (c *conn) handleChallengeResponse(msg protocol.Message) error {
	clientID, err := msg.GetString("client_id")
	if err != nil {
		return err
	}
	response, err := msg.GetString("response")
	if err != nil {
		return err
	}

	reason := c.verify(clientID, response)
	if reason != "" {
		c.log.WithField("client", clientID).WithField("reason", reason).Info("Authentication failed")
		return c.send(protocol.ChallengeVerifyResponse, protocol.Params{"result": false, "reason": reason})
	}

	c.authenticated = true
	c.log = c.log.WithField("client", clientID)

	s := c.server
	s.mu.Lock()
	previous := s.active
	s.active = c
	s.mu.Unlock()

	if previous != nil && previous != c {
		previous.send(protocol.Quit, protocol.Params{"reason": protocol.QuitConcurrentClient})
		previous.nc.Close()
	}

	c.log.Info("Client authenticated")
	return c.send(protocol.ChallengeVerifyResponse, protocol.Params{
		"result":     true,
		"session_id": uuid.New().String(),
	})
}

// verify returns why the challenge response is invalid, or the empty string
// if it's valid.
func (c *conn) verify(clientID, response string) string {
	if c.challenge == "" || clientID != c.clientID {
		return "unknown client"
	}

	c.server.mu.Lock()
	key, ok := c.server.clients[clientID]
	c.server.mu.Unlock()
	if !ok {
		return "unknown client"
	}

	sig, err := hex.DecodeString(response)
	if err != nil || !ed25519.Verify(key, []byte(c.challenge), sig) {
		return "bad signature"
	}
	return ""
}

func (c *conn) handleSyncStart() error {
	s := c.server
	s.mu.Lock()
	basis := s.committed.Basis()
	dataset := s.datasetLocked()
	used := usedSpace(s.files)
	lastClient, lastTime := s.lastClient, s.lastTime
	s.mu.Unlock()

	if s.config.ListingFilter != nil {
		dataset = s.config.ListingFilter(dataset)
	}

	params := protocol.Params{
		"basis":      basis,
		"dataset":    dataset,
		"used_space": used,
		"user_quota": s.config.Quota,
	}
	if lastClient != "" {
		params["last_commit_client_id"] = lastClient
		params["last_commit_timestamp"] = lastTime
	}
	return c.send(protocol.SyncFilesList, params)
}

func (c *conn) handleGetIVs(msg protocol.Message) error {
	var requested []string
	if err := msg.Decode("requested_files_list", &requested); err != nil {
		return err
	}

	s := c.server
	s.mu.Lock()
	ivs := map[string]string{}
	for _, key := range requested {
		if entry, ok := s.files[key]; ok && !entry.IsDir() {
			sum := blake3.Sum256([]byte(entry.Etag))
			ivs[key] = hex.EncodeToString(sum[:16])
		}
	}
	s.mu.Unlock()

	return c.send(protocol.SyncEncryptedFilesIVs, protocol.Params{"ivs": ivs})
}

func (c *conn) handleCommitStart(msg protocol.Message) error {
	transactionID, err := msg.GetString("transaction_id")
	if err != nil {
		return err
	}
	var achieved []string
	if err := msg.Decode("achieved_operations", &achieved); err != nil {
		return err
	}

	basis, err := c.server.commit(c.clientID, transactionID, achieved)
	if err != nil {
		c.log.WithError(err).Info("Refused commit")
		c.sendError(protocol.ProcedureError, err.Error())
		return nil
	}
	if filter := c.server.config.CommitFilter; filter != nil {
		basis = filter(basis)
	}
	return c.send(protocol.CommitDone, protocol.Params{
		"transaction_id": transactionID,
		"new_basis":      basis,
	})
}

// ForceCommit asks the connected client to commit its transaction now.
func (s *Server) ForceCommit() error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == nil {
		return fmt.Errorf("no client is connected")
	}
	return active.send(protocol.CommitForce, nil)
}
