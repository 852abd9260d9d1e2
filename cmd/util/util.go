package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vaultsync/pkg/errors"
)

// Mocked out for unit testing.
var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

// HandleFatalError prints the error to the user, and exits. The full error,
// with its context, is only logged at Debug level when the error has a
// friendly message.
func HandleFatalError(err error) {
	msg := errors.GetPrintableMessage(err)
	if msg != err.Error() {
		log.WithError(err).Debug("Fatal error")
	}
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	exit(1)
}

// HandlePanic logs the panic along with its stack trace, and exits. It must
// be deferred.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		exit(2)
	}
}
