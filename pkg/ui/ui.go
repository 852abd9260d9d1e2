// Package ui defines how the session interacts with the user, and implements
// a console front end.
package ui

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/buger/goterm"

	"github.com/sidkik/vaultsync/pkg/diff"
)

// Topic identifies a question or notification.
type Topic string

const (
	// SyncChanges asks whether to apply the changes made by a sync. Its
	// argument is a []diff.Change and the answer is a bool.
	SyncChanges Topic = "sync_changes"

	// Relink asks for a new private key after the server refused the
	// client's credentials. The answer is the path of the key, or the empty
	// string to give up.
	Relink Topic = "relink"

	// QuotaExceeded notifies that the server refused an upload because the
	// account is full. Its argument is the pathname.
	QuotaExceeded Topic = "quota_exceeded"

	// BasisMismatch notifies that the server failed an integrity check. Its
	// argument is the error.
	BasisMismatch Topic = "basis_mismatch"

	// ConcurrentClient notifies that another client logged in with the same
	// account, and that syncing is paused.
	ConcurrentClient Topic = "concurrent_client"
)

// Status is the overall state of the client.
type Status string

// The statuses reported by the session.
const (
	StatusDisconnected Status = "Disconnected"
	StatusConnecting   Status = "Connecting"
	StatusSyncing      Status = "Syncing"
	StatusReady        Status = "Synced"
	StatusReplicating  Status = "Replicating"
	StatusPaused       Status = "Paused"
	StatusAlarm        Status = "Alarm"
)

// Controller is the user interface the session reports to.
type Controller interface {
	AskForUserInput(topic Topic, args ...interface{}) (interface{}, error)
	NotifyUser(topic Topic, args ...interface{})
	SetGlobalStatus(status Status)
	UpdateSessionInfo(info map[string]interface{})
}

// Console is a Controller that talks to the user through a terminal.
type Console struct {
	// AutoAccept answers yes to every sync prompt.
	AutoAccept bool

	mu     sync.Mutex
	in     *bufio.Reader
	out    io.Writer
	status Status
	info   map[string]interface{}
}

// NewConsole creates a console that reads answers from `in` and prints to
// `out`.
func NewConsole(in io.Reader, out io.Writer, autoAccept bool) *Console {
	return &Console{
		AutoAccept: autoAccept,
		in:         bufio.NewReader(in),
		out:        out,
		info:       map[string]interface{}{},
	}
}

// AskForUserInput prints a question and waits for the answer.
func (c *Console) AskForUserInput(topic Topic, args ...interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch topic {
	case SyncChanges:
		var changes []diff.Change
		if len(args) != 0 {
			changes, _ = args[0].([]diff.Change)
		}

		fmt.Fprintln(c.out, goterm.Bold("The server reports the following changes:"))
		for _, change := range changes {
			fmt.Fprintf(c.out, "  %s %s (%d bytes)\n", changeColor(change.Kind), change.Pathname, change.Size)
		}
		if c.AutoAccept {
			fmt.Fprintln(c.out, "Applying them automatically.")
			return true, nil
		}
		return c.confirm("Apply them?")
	case Relink:
		fmt.Fprintln(c.out, goterm.Color("The server refused this client's credentials.", goterm.RED))
		fmt.Fprint(c.out, "Path of a new private key (leave empty to quit): ")
		line, err := c.in.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	return nil, fmt.Errorf("unknown question %q", topic)
}

func (c *Console) confirm(question string) (bool, error) {
	fmt.Fprintf(c.out, "%s [y/N] ", question)
	line, err := c.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}

	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func changeColor(kind diff.ChangeKind) string {
	color := goterm.BLACK
	switch kind {
	case diff.DownloadNeeded:
		color = goterm.GREEN
	case diff.DeleteNeeded:
		color = goterm.YELLOW
	case diff.Conflicted:
		color = goterm.RED
	}
	return goterm.Color(string(kind), color)
}

// NotifyUser prints a notification.
func (c *Console) NotifyUser(topic Topic, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch topic {
	case QuotaExceeded:
		fmt.Fprintf(c.out, "%s: the account is full, so %v wasn't uploaded. "+
			"Free up space and resume syncing.\n", goterm.Color("Quota exceeded", goterm.RED), arg(args))
	case BasisMismatch:
		fmt.Fprintf(c.out, "%s: the server's data failed an integrity check (%v). "+
			"Syncing has stopped.\n", goterm.Color("Integrity alarm", goterm.RED), arg(args))
	case ConcurrentClient:
		fmt.Fprintf(c.out, "%s: another client is syncing this account.\n",
			goterm.Color("Paused", goterm.YELLOW))
	default:
		fmt.Fprintf(c.out, "%s %v\n", topic, args)
	}
}

func arg(args []interface{}) interface{} {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// SetGlobalStatus prints the status if it changed.
func (c *Console) SetGlobalStatus(status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status == c.status {
		return
	}
	c.status = status

	color := goterm.YELLOW
	switch status {
	case StatusReady:
		color = goterm.GREEN
	case StatusAlarm, StatusDisconnected:
		color = goterm.RED
	}
	fmt.Fprintf(c.out, "Status: %s\n", goterm.Color(string(status), color))
}

// UpdateSessionInfo records information about the session, such as the
// last committed basis.
func (c *Console) UpdateSessionInfo(info map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range info {
		c.info[k] = v
	}
}

// SessionInfo returns the information recorded by UpdateSessionInfo, sorted
// by key.
func (c *Console) SessionInfo() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lines []string
	for k, v := range c.info {
		lines = append(lines, fmt.Sprintf("%s: %v", k, v))
	}
	sort.Strings(lines)
	return lines
}
