package util

import (
	"bytes"
	"testing"

	log "github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/sidkik/vaultsync/pkg/errors"
)

func mockExit(t *testing.T) (*bytes.Buffer, *int) {
	out := &bytes.Buffer{}
	code := -1
	oldExit, oldStderr := exit, stderr
	exit = func(c int) { code = c }
	stderr = out
	t.Cleanup(func() {
		exit, stderr = oldExit, oldStderr
	})
	return out, &code
}

func TestHandleFatalError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expOut   string
		expDebug bool
	}{
		{
			name:   "Plain error",
			err:    errors.New("dial failed"),
			expOut: "Error: dial failed\n",
		},
		{
			name: "Friendly error with context",
			err: errors.WithContext(
				errors.NewFriendlyError("Please run `vaultsync config`."), "parse"),
			expOut:   "Error: Please run `vaultsync config`.\n",
			expDebug: true,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			out, code := mockExit(t)
			hook := logrusTest.NewGlobal()
			log.SetLevel(log.DebugLevel)
			defer log.SetLevel(log.InfoLevel)

			HandleFatalError(test.err)
			assert.Equal(t, test.expOut, out.String())
			assert.Equal(t, 1, *code)
			assert.Equal(t, test.expDebug, len(hook.Entries) == 1)
		})
	}
}

func TestHandlePanic(t *testing.T) {
	_, code := mockExit(t)
	hook := logrusTest.NewGlobal()

	func() {
		defer HandlePanic()
		panic("boom")
	}()
	assert.Equal(t, 2, *code)
	if assert.Len(t, hook.Entries, 1) {
		assert.Equal(t, "Panic: boom", hook.LastEntry().Message)
	}
}
