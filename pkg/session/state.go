package session

import (
	"fmt"

	"github.com/sidkik/vaultsync/pkg/operation"
	"github.com/sidkik/vaultsync/pkg/protocol"
)

// StateID identifies a state of the session.
type StateID int

// The states of the session. Every run starts in Disconnected.
const (
	Disconnected StateID = iota
	Connecting
	Connected
	ProtocolVersion
	ChallengeRequest
	ChallengeResponse
	ReadyForService
	PendingCommit

	SyncStart
	SyncGetEncryptedIVs
	ResolvingDeletionConflicts
	LocalDeletion
	DownloadingDirectories
	DownloadingFiles
	SyncDone

	Replication
	WaitingOnDeclarationFailure
	QuotaExceeded
	Commit
	CommitStart

	Relinking
	BasisMismatch
	Terminated

	numStates
)

var stateNames = [numStates]string{
	Disconnected:                "Disconnected",
	Connecting:                  "Connecting",
	Connected:                   "Connected",
	ProtocolVersion:             "ProtocolVersion",
	ChallengeRequest:            "ChallengeRequest",
	ChallengeResponse:           "ChallengeResponse",
	ReadyForService:             "ReadyForService",
	PendingCommit:               "PendingCommit",
	SyncStart:                   "SyncStart",
	SyncGetEncryptedIVs:         "SyncGetEncryptedIVs",
	ResolvingDeletionConflicts:  "ResolvingDeletionConflicts",
	LocalDeletion:               "LocalDeletion",
	DownloadingDirectories:      "DownloadingDirectories",
	DownloadingFiles:            "DownloadingFiles",
	SyncDone:                    "SyncDone",
	Replication:                 "Replication",
	WaitingOnDeclarationFailure: "WaitingOnDeclarationFailure",
	QuotaExceeded:               "QuotaExceeded",
	Commit:                      "Commit",
	CommitStart:                 "CommitStart",
	Relinking:                   "Relinking",
	BasisMismatch:               "BasisMismatch",
	Terminated:                  "Terminated",
}

func (id StateID) String() string {
	if id < 0 || id >= numStates {
		return fmt.Sprintf("StateID(%d)", int(id))
	}
	return stateNames[id]
}

// terminal returns whether the session stops once it enters the state.
func (id StateID) terminal() bool {
	return id == BasisMismatch || id == Terminated
}

// Queue channels, in their default priority order.
const (
	userCommands    = "usercommand"
	sessionCommands = "sessioncommand"
	systemCommands  = "systemcommand"
	serverMessages  = "servermessage"
	operations      = "operation"
)

var (
	allChannels     = []string{userCommands, sessionCommands, systemCommands, serverMessages, operations}
	commandChannels = []string{userCommands, sessionCommands, systemCommands}
	noOperations    = []string{userCommands, sessionCommands, systemCommands, serverMessages}
)

type (
	enterHandler     func(s *Session) (StateID, error)
	commandHandler   func(s *Session, cmd protocol.Command) (StateID, error)
	messageHandler   func(s *Session, msg protocol.Message) (StateID, error)
	operationHandler func(s *Session, op *operation.Operation) (StateID, error)
)

// stateDef describes how a state reacts to events. Handlers return the state
// to move to, which is the current state to stay put.
type stateDef struct {
	id StateID

	// listen returns the queue channels the state reads from, in priority
	// order.
	listen func(s *Session) []string

	onEnter  enterHandler
	commands map[protocol.CommandKind]commandHandler

	// messages lists every message the state accepts. Any other message is a
	// protocol violation.
	messages map[protocol.MessageKind]messageHandler

	onOperation operationHandler
}

func listenTo(channels []string) func(*Session) []string {
	return func(*Session) []string { return channels }
}

// buildStates constructs the definition of every state.
func buildStates() [numStates]*stateDef {
	var states [numStates]*stateDef
	for _, def := range []*stateDef{
		{
			id:     Disconnected,
			listen: listenTo(commandChannels),
			commands: map[protocol.CommandKind]commandHandler{
				protocol.Connect: func(*Session, protocol.Command) (StateID, error) {
					return Connecting, nil
				},
			},
		},
		{
			id:      Connecting,
			listen:  listenTo(commandChannels),
			onEnter: (*Session).enterConnecting,
			commands: map[protocol.CommandKind]commandHandler{
				protocol.Connected: (*Session).onConnected,
			},
		},
		{
			id:      Connected,
			listen:  listenTo(noOperations),
			onEnter: (*Session).enterConnected,
		},
		{
			id:     ProtocolVersion,
			listen: listenTo(noOperations),
			messages: map[protocol.MessageKind]messageHandler{
				protocol.ProtocolVersionAgreement: (*Session).onProtocolVersionAgreement,
			},
		},
		{
			id:     ChallengeRequest,
			listen: listenTo(noOperations),
			messages: map[protocol.MessageKind]messageHandler{
				protocol.ChallengeRequestResponse: (*Session).onChallenge,
			},
		},
		{
			id:     ChallengeResponse,
			listen: listenTo(noOperations),
			messages: map[protocol.MessageKind]messageHandler{
				protocol.ChallengeVerifyResponse: (*Session).onChallengeVerified,
			},
		},
		{
			id:      ReadyForService,
			listen:  listenTo(noOperations),
			onEnter: (*Session).enterReadyForService,
		},
		{
			id:      PendingCommit,
			listen:  listenTo(noOperations),
			onEnter: (*Session).enterPendingCommit,
			messages: map[protocol.MessageKind]messageHandler{
				protocol.CommitDone: (*Session).onPendingCommitDone,
				protocol.Error:      (*Session).onPendingCommitError,
			},
		},
		{
			id:      SyncStart,
			listen:  listenTo(noOperations),
			onEnter: (*Session).enterSyncStart,
			messages: map[protocol.MessageKind]messageHandler{
				protocol.SyncFilesList: (*Session).onFilesList,
			},
		},
		{
			id:     SyncGetEncryptedIVs,
			listen: listenTo(noOperations),
			messages: map[protocol.MessageKind]messageHandler{
				protocol.SyncEncryptedFilesIVs: (*Session).onEncryptedIVs,
			},
		},
		{
			id:      ResolvingDeletionConflicts,
			listen:  listenTo(noOperations),
			onEnter: (*Session).enterResolvingConflicts,
		},
		{
			id:      LocalDeletion,
			listen:  listenTo(noOperations),
			onEnter: (*Session).enterLocalDeletion,
		},
		{
			id:      DownloadingDirectories,
			listen:  listenTo(noOperations),
			onEnter: (*Session).enterDownloadingDirectories,
		},
		{
			id:      DownloadingFiles,
			listen:  listenTo(noOperations),
			onEnter: (*Session).enterDownloadingFiles,
			commands: map[protocol.CommandKind]commandHandler{
				protocol.WorkerFree:      (*Session).onDownloadWorkerFree,
				protocol.OperationDone:   (*Session).onDownloadDone,
				protocol.OperationFailed: (*Session).onDownloadFailed,
			},
		},
		{
			id:      SyncDone,
			listen:  listenTo(noOperations),
			onEnter: (*Session).enterSyncDone,
			messages: map[protocol.MessageKind]messageHandler{
				protocol.ReplicationStartResponse: (*Session).onReplicationStarted,
			},
		},
		{
			id:      Replication,
			listen:  (*Session).replicationChannels,
			onEnter: (*Session).enterReplication,
			commands: map[protocol.CommandKind]commandHandler{
				protocol.Commit:          (*Session).onCommitRequested,
				protocol.Tick:            (*Session).onTick,
				protocol.OperationDone:   (*Session).onOperationDone,
				protocol.OperationFailed: (*Session).onOperationFailed,
			},
			messages: map[protocol.MessageKind]messageHandler{
				protocol.ReplicationDeclareResponse: (*Session).onDeclareResponse,
				protocol.CommitForce:                (*Session).onCommitForce,
			},
			onOperation: (*Session).declare,
		},
		{
			id:     WaitingOnDeclarationFailure,
			listen: listenTo(noOperations),
			commands: map[protocol.CommandKind]commandHandler{
				protocol.RetryDeclare: func(*Session, protocol.Command) (StateID, error) {
					return Replication, nil
				},
				protocol.OperationDone:   (*Session).onOperationDone,
				protocol.OperationFailed: (*Session).onOperationFailed,
			},
			messages: map[protocol.MessageKind]messageHandler{
				protocol.CommitForce: (*Session).onCommitForce,
			},
		},
		{
			id:      QuotaExceeded,
			listen:  listenTo(noOperations),
			onEnter: (*Session).enterQuotaExceeded,
			commands: map[protocol.CommandKind]commandHandler{
				protocol.Resume: func(*Session, protocol.Command) (StateID, error) {
					return Replication, nil
				},
				protocol.Commit:          (*Session).onCommitRequested,
				protocol.OperationDone:   (*Session).onOperationDone,
				protocol.OperationFailed: (*Session).onOperationFailed,
			},
			messages: map[protocol.MessageKind]messageHandler{
				protocol.CommitForce: (*Session).onCommitForce,
			},
		},
		{
			id:      Commit,
			listen:  listenTo(noOperations),
			onEnter: (*Session).tryStartCommit,
			commands: map[protocol.CommandKind]commandHandler{
				protocol.OperationDone: func(s *Session, _ protocol.Command) (StateID, error) {
					return s.tryStartCommit()
				},
				protocol.OperationFailed: (*Session).onOperationFailed,
			},
			messages: map[protocol.MessageKind]messageHandler{
				protocol.ReplicationDeclareResponse: (*Session).onDeclareResponse,
				protocol.CommitForce: func(s *Session, _ protocol.Message) (StateID, error) {
					return Commit, nil
				},
			},
		},
		{
			id:     CommitStart,
			listen: listenTo(noOperations),
			messages: map[protocol.MessageKind]messageHandler{
				protocol.CommitDone:                 (*Session).onCommitDone,
				protocol.ReplicationDeclareResponse: (*Session).onDeclareResponse,
				protocol.CommitForce:                func(*Session, protocol.Message) (StateID, error) { return CommitStart, nil },
			},
		},
		{
			id:      Relinking,
			listen:  listenTo(commandChannels),
			onEnter: (*Session).enterRelinking,
		},
		{
			id:      BasisMismatch,
			listen:  listenTo([]string{userCommands}),
			onEnter: (*Session).enterBasisMismatch,
		},
		{
			id:      Terminated,
			listen:  listenTo([]string{userCommands}),
			onEnter: (*Session).enterTerminated,
		},
	} {
		states[def.id] = def
	}
	return states
}
