// Package fswatch turns changes in the warebox into operations.
package fswatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/atomic"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/operation"
	"github.com/sidkik/vaultsync/pkg/warebox"
)

var fs = afero.NewOsFs()

// DefaultSettle is how long the watcher waits for the filesystem to quiet
// down before it rescans the warebox.
const DefaultSettle = 500 * time.Millisecond

// Watcher watches the warebox and emits an operation for every entry that
// changed since the previous scan.
type Watcher struct {
	warebox *warebox.Warebox
	clock   clockwork.Clock
	emit    func(*operation.Operation)

	// Settle is the delay between the first event of a burst and the rescan.
	Settle time.Duration

	mu       sync.Mutex
	previous warebox.Snapshot

	suspended *atomic.Bool
	wake      chan struct{}
	done      chan struct{}
}

// New creates a watcher that passes the operations it finds to `emit`. The
// watcher starts out suspended.
func New(wb *warebox.Warebox, clock clockwork.Clock, emit func(*operation.Operation)) *Watcher {
	return &Watcher{
		warebox:   wb,
		clock:     clock,
		emit:      emit,
		Settle:    DefaultSettle,
		previous:  warebox.Snapshot{},
		suspended: atomic.NewBool(true),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// SetBaseline sets the snapshot that the next scan is compared with.
func (w *Watcher) SetBaseline(snapshot warebox.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.previous = snapshot
}

// Suspend stops the watcher from emitting operations. Changes made while
// suspended are picked up on Resume.
func (w *Watcher) Suspend() {
	w.suspended.Store(true)
	w.poke()
}

// Resume undoes Suspend.
func (w *Watcher) Resume() {
	w.suspended.Store(false)
	w.poke()
}

// Suspended returns whether the watcher is suspended.
func (w *Watcher) Suspended() bool {
	return w.suspended.Load()
}

func (w *Watcher) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Rescan snapshots the warebox and emits the operations that transform the
// previous snapshot into the current one.
func (w *Watcher) Rescan() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	current, err := w.warebox.Snapshot()
	if err != nil {
		return 0, errors.WithContext(err, "snapshot")
	}

	ops := Operations(current.Diff(w.previous.Records()))
	w.previous = current
	for _, op := range ops {
		w.emit(op)
	}
	if len(ops) != 0 {
		log.WithField("operations", len(ops)).Debug("Detected local changes")
	}
	return len(ops), nil
}

// Operations converts the result of warebox.Snapshot.Diff into operations.
func Operations(toUpload []warebox.Entry, toRemove []string) []*operation.Operation {
	var ops []*operation.Operation
	for _, entry := range toUpload {
		op := operation.New(operation.Upload, entry.Key)
		op.Etag = entry.Etag
		op.Size = entry.Size
		op.Lmtime = entry.ModTime.Unix()
		ops = append(ops, op)
	}
	for _, key := range toRemove {
		ops = append(ops, operation.New(operation.Delete, key))
	}
	return ops
}

// Start begins watching the warebox. The watches are in place when Start
// returns, and are released once `ctx` is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WithContext(err, "create watcher")
	}

	paths, err := w.pathsToWatch()
	if err != nil {
		watcher.Close()
		return errors.WithContext(err, "get paths")
	}

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			// Release the handles of the paths that were already added.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}
			return errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	go func() {
		defer close(w.done)
		defer watcher.Close()
		w.run(ctx, watcher)
	}()
	return nil
}

// Done is closed once the watcher stopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	// Events are coalesced: the first event of a burst starts the settle
	// timer, and the rescan happens when it fires.
	var pending bool
	var settled <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				w.watchNewDir(watcher, event.Name)
			}

			pending = true
			if settled == nil {
				settled = w.clock.After(w.Settle)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("File watcher error")

		case <-w.wake:
			if pending && settled == nil && !w.suspended.Load() {
				settled = w.clock.After(w.Settle)
			}

		case <-settled:
			settled = nil
			if w.suspended.Load() {
				continue
			}

			pending = false
			if _, err := w.Rescan(); err != nil {
				log.WithError(err).Warn("Failed to scan warebox")
			}
		}
	}
}

func (w *Watcher) relevant(path string) bool {
	rel, err := filepath.Rel(w.warebox.Root(), path)
	if err != nil {
		return false
	}
	return !warebox.Ignored(filepath.ToSlash(rel))
}

// watchNewDir adds a watch for directories created after Start, since
// fsnotify doesn't watch recursively.
func (w *Watcher) watchNewDir(watcher *fsnotify.Watcher, path string) {
	fi, err := fs.Stat(path)
	if err != nil || !fi.IsDir() {
		return
	}

	if err := watcher.Add(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("Failed to watch directory")
	}
}

// pathsToWatch returns the warebox root and every directory beneath it.
func (w *Watcher) pathsToWatch() (paths []string, err error) {
	root := w.warebox.Root()
	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, errors.WithContext(err, "create warebox")
	}

	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}
		if !fi.IsDir() {
			return nil
		}
		if path != root && !w.relevant(path) {
			return filepath.SkipDir
		}
		paths = append(paths, path)
		return nil
	})
	return paths, err
}
