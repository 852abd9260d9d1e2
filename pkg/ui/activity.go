package ui

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sidkik/vaultsync/pkg/version"
)

// activityFormatter formats entries of the activity log.
var activityFormatter = &logrus.JSONFormatter{
	FieldMap: logrus.FieldMap{
		logrus.FieldKeyTime:  "timestamp",
		logrus.FieldKeyLevel: "status",
		logrus.FieldKeyMsg:   "message",
	},
}

// NewActivityHook creates a hook that appends warnings and errors to `w` as
// JSON lines, so that they can be reviewed after the fact.
func NewActivityHook(w io.Writer, clientID string) logrus.Hook {
	return &activityHook{
		levels:   []logrus.Level{logrus.WarnLevel, logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel},
		out:      w,
		clientID: clientID,
	}
}

type activityHook struct {
	levels   []logrus.Level
	clientID string

	mu  sync.Mutex
	out io.Writer
}

func (h *activityHook) Levels() []logrus.Level {
	return h.levels
}

func (h *activityHook) Fire(entry *logrus.Entry) error {
	dataCopy := map[string]interface{}{
		"client":  h.clientID,
		"version": version.Version,
	}
	for k, v := range entry.Data {
		dataCopy[k] = v
	}

	// Copy the entry so that the fields added here don't leak into the
	// other hooks and the formatter.
	entryCopy := *entry
	entryCopy.Data = dataCopy

	// Panics are recorded as fatal errors.
	if entry.Level == logrus.PanicLevel {
		entryCopy.Level = logrus.FatalLevel
	}

	jsonBytes, err := activityFormatter.Format(&entryCopy)
	if err != nil {
		logrus.WithError(err).Debug("Failed to marshal log entry for the activity log")
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.out.Write(jsonBytes); err != nil {
		logrus.WithError(err).Debug("Failed to write activity log")
	}

	// Never return an error because doing so causes the error to be printed
	// directly to `stderr`.
	return nil
}
