package protocol

import "fmt"

// CommandKind identifies a command passed between the goroutines of a
// session.
type CommandKind int

// The commands understood by the session.
const (
	Connect CommandKind = iota
	Connected
	Disconnect
	BrokenConnection
	KeepAliveTimeout
	Terminate
	Commit
	Tick
	WorkerFree
	OperationDone
	OperationFailed
	ChangeState
	Resume
	RetryDeclare

	numCommandKinds
)

var commandNames = [numCommandKinds]string{
	Connect:          "CONNECT",
	Connected:        "CONNECTED",
	Disconnect:       "DISCONNECT",
	BrokenConnection: "BROKENCONNECTION",
	KeepAliveTimeout: "KEEPALIVETIMEOUT",
	Terminate:        "TERMINATE",
	Commit:           "COMMIT",
	Tick:             "TICK",
	WorkerFree:       "WORKERFREE",
	OperationDone:    "OPERATIONDONE",
	OperationFailed:  "OPERATIONFAILED",
	ChangeState:      "CHANGESTATE",
	Resume:           "RESUME",
	RetryDeclare:     "RETRYDECLARE",
}

func (kind CommandKind) String() string {
	if kind < 0 || kind >= numCommandKinds {
		return fmt.Sprintf("CommandKind(%d)", int(kind))
	}
	return commandNames[kind]
}

// ParseCommandKind returns the command with the given name.
func ParseCommandKind(name string) (CommandKind, error) {
	for kind, kindName := range commandNames {
		if kindName == name {
			return CommandKind(kind), nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", name)
}

// Command is a local event delivered to the session goroutine.
type Command struct {
	Kind CommandKind

	// State is the target of a CHANGESTATE command. Its values are defined by
	// the session.
	State int

	// OperationID identifies the operation that an OPERATIONDONE or
	// OPERATIONFAILED command refers to.
	OperationID string

	// Err is the cause of failure commands.
	Err error
}

// NewCommand creates a command by name.
func NewCommand(name string) (Command, error) {
	kind, err := ParseCommandKind(name)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: kind}, nil
}

func (cmd Command) String() string {
	switch {
	case cmd.Kind == ChangeState:
		return fmt.Sprintf("%s(%d)", cmd.Kind, cmd.State)
	case cmd.OperationID != "":
		return fmt.Sprintf("%s(%s)", cmd.Kind, cmd.OperationID)
	}
	return cmd.Kind.String()
}
