// Package diff computes what a sync has to do, by comparing the remote
// listing with the storage cache and the contents of the warebox.
package diff

import (
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/metadata"
	"github.com/sidkik/vaultsync/pkg/protocol"
	"github.com/sidkik/vaultsync/pkg/warebox"
)

// EncryptedPrefix is the top level directory whose files are encrypted before
// they're uploaded.
const EncryptedPrefix = "encrypted/"

// IsEncrypted returns whether `key` is stored encrypted.
func IsEncrypted(key string) bool {
	return strings.HasPrefix(key, EncryptedPrefix) && key != EncryptedPrefix
}

// EncryptionOracle computes the etag that a local file would have on the
// server once encrypted.
type EncryptionOracle interface {
	EncryptedEtag(entry warebox.Entry, iv string) (string, error)
}

// ChangeKind is the kind of change that a sync makes to the warebox.
type ChangeKind string

const (
	// DownloadNeeded means a remote file is downloaded.
	DownloadNeeded ChangeKind = "DOWNLOADNEEDED"

	// DeleteNeeded means a local file is deleted because it was deleted
	// remotely.
	DeleteNeeded ChangeKind = "DELETENEEDED"

	// Conflicted means a local file is renamed to make room for the remote
	// version.
	Conflicted ChangeKind = "CONFLICTED"
)

// Change is one entry of the change set shown to the user.
type Change struct {
	Kind     ChangeKind
	Pathname string
	Size     int64
}

// Result is the outcome of comparing the three sides. Every key appears in at
// most one of the sets.
type Result struct {
	// ContentToDownload holds remote changes that don't conflict with the
	// warebox.
	ContentToDownload []string

	// ContentToDeleteLocally holds remote deletions of files that weren't
	// modified locally.
	ContentToDeleteLocally []string

	// EditConflicts holds files modified both locally and remotely.
	EditConflicts []string

	// DeletionConflicts holds files deleted remotely but modified locally.
	DeletionConflicts []string

	// RemoteDeletions holds every key in the storage cache that's missing
	// from the remote listing.
	RemoteDeletions []string

	// IgnoredConflicts holds keys that changed on both sides in the same way.
	IgnoredConflicts []string

	Remote map[string]protocol.FileEntry
	Local  warebox.Snapshot
	Cache  map[string]metadata.StorageRecord
}

// Engine compares remote listings against a warebox.
type Engine struct {
	warebox *warebox.Warebox
	cache   map[string]metadata.StorageRecord
}

// NewEngine creates an engine for `wb`, whose last known remote state is
// `cache`.
func NewEngine(wb *warebox.Warebox, cache map[string]metadata.StorageRecord) *Engine {
	return &Engine{warebox: wb, cache: cache}
}

// Prepare snapshots the warebox and compares it with `remote`.
func (e *Engine) Prepare(remote []protocol.FileEntry) (*Result, error) {
	local, err := e.warebox.Snapshot()
	if err != nil {
		return nil, errors.WithContext(err, "snapshot warebox")
	}
	return Compare(remote, e.cache, local), nil
}

// Compare classifies every key known to any of the three sides.
func Compare(remote []protocol.FileEntry, cache map[string]metadata.StorageRecord,
	local warebox.Snapshot) *Result {

	res := &Result{
		Remote: map[string]protocol.FileEntry{},
		Local:  local,
		Cache:  cache,
	}
	for _, entry := range remote {
		res.Remote[entry.Key] = entry
	}

	for key, r := range res.Remote {
		c, cached := cache[key]
		l, exists := local[key]

		switch {
		case cached && c.Etag == r.Etag:
			// Unchanged remotely. Local changes are replicated later.
		case !exists:
			res.ContentToDownload = append(res.ContentToDownload, key)
		case l.Etag == r.Etag:
			res.IgnoredConflicts = append(res.IgnoredConflicts, key)
		case cached && l.Etag == c.Etag:
			res.ContentToDownload = append(res.ContentToDownload, key)
		default:
			res.EditConflicts = append(res.EditConflicts, key)
		}
	}

	for key, c := range cache {
		if _, ok := res.Remote[key]; ok {
			continue
		}
		res.RemoteDeletions = append(res.RemoteDeletions, key)

		l, exists := local[key]
		switch {
		case !exists:
		case l.Etag == c.Etag:
			res.ContentToDeleteLocally = append(res.ContentToDeleteLocally, key)
		default:
			res.DeletionConflicts = append(res.DeletionConflicts, key)
		}
	}

	for _, keys := range [][]string{res.ContentToDownload, res.EditConflicts,
		res.DeletionConflicts, res.RemoteDeletions, res.IgnoredConflicts} {
		sort.Strings(keys)
	}

	// Children are deleted before their parents.
	sort.Sort(sort.Reverse(sort.StringSlice(res.ContentToDeleteLocally)))
	return res
}

// IsTrivial returns whether the sync doesn't touch the warebox.
func (res *Result) IsTrivial() bool {
	return len(res.ContentToDownload) == 0 &&
		len(res.ContentToDeleteLocally) == 0 &&
		len(res.EditConflicts) == 0 &&
		len(res.DeletionConflicts) == 0
}

// Changes returns the change set to show the user.
func (res *Result) Changes() []Change {
	var changes []Change
	for _, key := range res.ContentToDownload {
		changes = append(changes, Change{Kind: DownloadNeeded, Pathname: key, Size: res.Remote[key].Size})
	}
	for _, key := range res.ContentToDeleteLocally {
		changes = append(changes, Change{Kind: DeleteNeeded, Pathname: key, Size: res.Local[key].Size})
	}
	for _, key := range append(append([]string{}, res.EditConflicts...), res.DeletionConflicts...) {
		changes = append(changes, Change{Kind: Conflicted, Pathname: key, Size: res.Local[key].Size})
	}
	return changes
}

// Downloads returns the directories and files to download, including the
// remote versions of edit conflicts. Directories are sorted parents first.
func (res *Result) Downloads() (dirs, files []string) {
	for _, keys := range [][]string{res.ContentToDownload, res.EditConflicts} {
		for _, key := range keys {
			if protocol.IsDirKey(key) {
				dirs = append(dirs, key)
			} else {
				files = append(files, key)
			}
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)
	return dirs, files
}

// EncryptedConflicts returns the edit conflicts that might be identical once
// the local file is encrypted.
func (res *Result) EncryptedConflicts() (keys []string) {
	for _, key := range res.EditConflicts {
		if IsEncrypted(key) && !protocol.IsDirKey(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// ResolveEncrypted uses the initialization vectors sent by the server to check
// whether encrypted conflicts are real. Those that aren't become ignored
// conflicts. With a nil oracle, every conflict is kept.
func (res *Result) ResolveEncrypted(ivs map[string]string, oracle EncryptionOracle) error {
	if oracle == nil {
		return nil
	}

	var conflicts []string
	for _, key := range res.EditConflicts {
		iv, ok := ivs[key]
		if !ok || !IsEncrypted(key) {
			conflicts = append(conflicts, key)
			continue
		}

		etag, err := oracle.EncryptedEtag(res.Local[key], iv)
		if err != nil {
			return errors.WithContext(err, "compute encrypted etag")
		}

		if etag != res.Remote[key].Etag {
			conflicts = append(conflicts, key)
			continue
		}

		log.WithField("pathname", key).Debug("Encrypted conflict has identical contents")
		res.IgnoredConflicts = append(res.IgnoredConflicts, key)
	}

	res.EditConflicts = conflicts
	sort.Strings(res.IgnoredConflicts)
	return nil
}

// StorageCache returns the storage cache that describes the remote listing.
func (res *Result) StorageCache() map[string]metadata.StorageRecord {
	cache := map[string]metadata.StorageRecord{}
	for key, entry := range res.Remote {
		cache[key] = metadata.StorageRecord{
			Etag:   entry.Etag,
			Size:   entry.Size,
			Lmtime: entry.Lmtime,
		}
	}
	return cache
}
