package session

import (
	"encoding/hex"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/protocol"
	"github.com/sidkik/vaultsync/pkg/transaction"
	"github.com/sidkik/vaultsync/pkg/ui"
	"github.com/sidkik/vaultsync/pkg/version"
)

func (s *Session) enterConnecting() (StateID, error) {
	if s.cancelReconnect != nil {
		s.cancelReconnect()
		s.cancelReconnect = nil
	}
	s.ui.SetGlobalStatus(ui.StatusConnecting)

	ctx := s.ctx
	s.goBackground(func() {
		nc, err := s.config.Dial(ctx)
		if err != nil {
			s.post(systemCommands, protocol.Command{Kind: protocol.BrokenConnection,
				Err: errors.WithContext(err, "dial")})
			return
		}

		select {
		case s.dialed <- nc:
			s.post(systemCommands, protocol.Command{Kind: protocol.Connected})
		default:
			nc.Close()
		}
	})
	return Connecting, nil
}

func (s *Session) onConnected(protocol.Command) (StateID, error) {
	select {
	case nc := <-s.dialed:
		s.conn = s.openConnection(nc)
		return Connected, nil
	default:
		return s.current, nil
	}
}

func (s *Session) enterConnected() (StateID, error) {
	err := s.send(protocol.ProtocolVersion, protocol.Params{"version": version.ProtocolVersion})
	return ProtocolVersion, err
}

func (s *Session) onProtocolVersionAgreement(msg protocol.Message) (StateID, error) {
	response, err := msg.GetString("response")
	if err != nil {
		return s.current, err
	}

	if response != protocol.ResponseOK {
		s.log.WithField("version", version.ProtocolVersion).Error(
			"The server doesn't support this client's protocol version")
		return Relinking, nil
	}

	err = s.send(protocol.ChallengeRequest, protocol.Params{
		"username":  s.config.Username,
		"client_id": s.config.ClientID,
	})
	return ChallengeRequest, err
}

func (s *Session) onChallenge(msg protocol.Message) (StateID, error) {
	challenge, err := msg.GetString("challenge")
	if err != nil {
		return s.current, err
	}

	if len(s.config.PrivateKey) != ed25519.PrivateKeySize {
		return Relinking, nil
	}
	sig := ed25519.Sign(s.config.PrivateKey, []byte(challenge))
	err = s.send(protocol.ChallengeResponse, protocol.Params{
		"client_id": s.config.ClientID,
		"response":  hex.EncodeToString(sig),
	})
	return ChallengeResponse, err
}

func (s *Session) onChallengeVerified(msg protocol.Message) (StateID, error) {
	result, err := msg.GetBool("result")
	if err != nil {
		return s.current, err
	}

	if !result {
		reason, _ := msg.GetString("reason")
		s.log.WithField("reason", reason).Error("Authentication failed")
		return Relinking, nil
	}

	sessionID, _ := msg.GetString("session_id")
	s.log.WithField("serverSession", sessionID).Info("Authenticated")
	s.ui.UpdateSessionInfo(map[string]interface{}{"server_session": sessionID})
	return ReadyForService, nil
}

func (s *Session) enterReadyForService() (StateID, error) {
	s.reconnect = s.newBackoff(s.config.ReconnectDelay)

	recovered, err := transaction.Recover(s.store)
	if err != nil {
		return s.current, err
	}

	if recovered.Marker != nil {
		s.recovered = recovered
		return PendingCommit, nil
	}

	if len(recovered.Records) != 0 {
		s.log.WithField("operations", len(recovered.Records)).Info(
			"Discarding transaction that was never committed")
		if err := s.transactions.Reset(); err != nil {
			return s.current, err
		}
	}
	return SyncStart, nil
}

// enterPendingCommit completes a commit that was interrupted after
// COMMIT_START was sent.
func (s *Session) enterPendingCommit() (StateID, error) {
	recovered := s.recovered
	s.recovered = transaction.Recovered{}

	if err := s.transactions.Restore(recovered); err != nil {
		return s.current, err
	}
	s.integrity.RestoreCandidate(recovered.Marker.Candidate)

	var achieved []string
	for _, op := range s.transactions.Operations() {
		achieved = append(achieved, op.ID)
	}

	s.log.WithFields(log.Fields{
		"transaction": recovered.Marker.TransactionID,
		"operations":  len(achieved),
	}).Info("Completing interrupted commit")
	err := s.send(protocol.CommitStart, protocol.Params{
		"transaction_id":      recovered.Marker.TransactionID,
		"achieved_operations": achieved,
	})
	return PendingCommit, err
}

func (s *Session) onPendingCommitDone(msg protocol.Message) (StateID, error) {
	if err := s.finishCommit(msg); err != nil {
		return s.current, err
	}
	return SyncStart, nil
}

// onPendingCommitError handles the server refusing to complete the commit,
// in which case the transaction never happened.
func (s *Session) onPendingCommitError(msg protocol.Message) (StateID, error) {
	message, _ := msg.GetString("error_message")
	s.log.WithField("reason", message).Warn("Server refused to complete the interrupted commit")

	if err := s.transactions.Reset(); err != nil {
		return s.current, err
	}
	s.integrity.DiscardCandidate()
	return SyncStart, nil
}

// enterRelinking asks the user for a key that the server accepts.
func (s *Session) enterRelinking() (StateID, error) {
	s.teardown(false)
	s.ui.SetGlobalStatus(ui.StatusAlarm)

	answer, err := s.ui.AskForUserInput(ui.Relink, s.config.ClientID)
	if err != nil {
		s.log.WithError(err).Warn("Failed to ask for a new key")
		return Terminated, nil
	}
	path, _ := answer.(string)
	if path == "" || s.config.LoadKey == nil {
		s.log.Info("Client wasn't relinked")
		return Terminated, nil
	}

	key, err := s.config.LoadKey(path)
	if err != nil {
		s.log.WithError(err).Error("Failed to load key")
		return Terminated, nil
	}
	s.config.PrivateKey = key
	s.post(sessionCommands, protocol.Command{Kind: protocol.Connect})
	return Disconnected, nil
}

func (s *Session) enterBasisMismatch() (StateID, error) {
	s.metrics.IntegrityFailure()
	s.log.WithError(s.fatal).Error("The server's data failed the integrity check")

	s.teardown(false)
	s.ui.NotifyUser(ui.BasisMismatch, errors.GetPrintableMessage(s.fatal))
	s.ui.SetGlobalStatus(ui.StatusAlarm)
	return BasisMismatch, nil
}

func (s *Session) enterTerminated() (StateID, error) {
	s.teardown(false)
	return Terminated, nil
}
