// Package warebox manages the local folder that is kept in sync with the
// storage server.
//
// Keys are slash separated paths relative to the warebox root. Directory keys
// end with a slash.
package warebox

import (
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/metadata"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// DownloadDir is the directory, relative to the warebox root, where downloads
// are staged before they're moved into place.
const DownloadDir = ".vaultsync-downloads"

// FileAttributes contains the metadata used to compare a local file with its
// remote version.
type FileAttributes struct {
	// Etag is the sha512 hash of the contents of the file. It's empty for
	// directories.
	Etag string

	Size    int64
	ModTime time.Time
}

// Entry is a file or directory in the warebox.
type Entry struct {
	Key string

	// ContentsPath is the path of the entry on the local filesystem.
	ContentsPath string

	FileAttributes
}

// IsDir returns whether the entry is a directory.
func (e Entry) IsDir() bool {
	return strings.HasSuffix(e.Key, "/")
}

// Snapshot is the state of every entry in the warebox.
type Snapshot map[string]Entry

// Diff returns the entries that are new or changed compared to `cache`, and
// the keys in `cache` that no longer exist locally.
func (local Snapshot) Diff(cache map[string]metadata.StorageRecord) (toUpload []Entry, toRemove []string) {
	for key, entry := range local {
		record, ok := cache[key]
		if !ok || record.Etag != entry.Etag {
			toUpload = append(toUpload, entry)
		}
	}

	for key := range cache {
		if _, ok := local[key]; !ok {
			toRemove = append(toRemove, key)
		}
	}

	// Parents are uploaded before their children, and removed after them.
	sort.Slice(toUpload, func(i, j int) bool { return toUpload[i].Key < toUpload[j].Key })
	sort.Sort(sort.Reverse(sort.StringSlice(toRemove)))
	return toUpload, toRemove
}

// Records converts the snapshot into storage records, so that it can be
// compared with a later snapshot.
func (local Snapshot) Records() map[string]metadata.StorageRecord {
	records := make(map[string]metadata.StorageRecord, len(local))
	for key, entry := range local {
		records[key] = metadata.StorageRecord{
			Etag:   entry.Etag,
			Size:   entry.Size,
			Lmtime: entry.ModTime.Unix(),
		}
	}
	return records
}

// HashFile returns the etag of the file at the given path.
func HashFile(path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	return HashReader(f)
}

// HashReader returns the etag of the contents of `r`.
func HashReader(r io.Reader) (string, error) {
	hasher := NewHasher()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return hasher.Etag(), nil
}

// Hasher computes an etag from the content written to it.
type Hasher struct {
	hash.Hash
}

// NewHasher returns an empty Hasher.
func NewHasher() Hasher {
	return Hasher{sha512.New()}
}

// Etag returns the etag of the content written so far.
func (h Hasher) Etag() string {
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Warebox is a local synchronized folder.
type Warebox struct {
	root string
}

// New returns the warebox rooted at `root`.
func New(root string) *Warebox {
	return &Warebox{root: root}
}

// Root returns the path of the warebox on the local filesystem.
func (w *Warebox) Root() string {
	return w.root
}

// Path returns the local path of `key`.
func (w *Warebox) Path(key string) string {
	return filepath.Join(w.root, filepath.FromSlash(strings.TrimSuffix(key, "/")))
}

func (w *Warebox) downloadDir() string {
	return filepath.Join(w.root, DownloadDir)
}

// Key returns the key of the local path `p`.
func (w *Warebox) Key(p string, isDir bool) (string, error) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%q isn't in the warebox", p)
	}

	key := filepath.ToSlash(rel)
	if isDir {
		key += "/"
	}
	return key, nil
}

// Ignored returns whether `key` is private to the client and never synced.
func Ignored(key string) bool {
	first := strings.SplitN(key, "/", 2)[0]
	return first == DownloadDir
}

// Snapshot walks the warebox and hashes every file.
func (w *Warebox) Snapshot() (Snapshot, error) {
	files := Snapshot{}
	if _, err := fs.Stat(w.root); err != nil {
		if os.IsNotExist(err) {
			return files, nil
		}
		return nil, errors.WithContext(err, "stat warebox")
	}

	err := afero.Walk(fs, w.root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == w.root {
			return nil
		}

		key, err := w.Key(p, fi.IsDir())
		if err != nil {
			return err
		}
		if Ignored(key) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		entry := Entry{
			Key:          key,
			ContentsPath: p,
			FileAttributes: FileAttributes{
				ModTime: fi.ModTime(),
			},
		}
		if !fi.IsDir() {
			etag, err := HashFile(p)
			if err != nil {
				return errors.WithContext(err, fmt.Sprintf("hash %q", key))
			}
			entry.Etag = etag
			entry.Size = fi.Size()
		}
		files[key] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Stat returns the current state of `key`.
func (w *Warebox) Stat(key string) (Entry, bool, error) {
	p := w.Path(key)
	fi, err := fs.Stat(p)
	if os.IsNotExist(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.WithContext(err, "stat")
	}

	if fi.IsDir() != strings.HasSuffix(key, "/") {
		return Entry{}, false, nil
	}

	entry := Entry{Key: key, ContentsPath: p, FileAttributes: FileAttributes{ModTime: fi.ModTime()}}
	if !fi.IsDir() {
		etag, err := HashFile(p)
		if err != nil {
			return Entry{}, false, err
		}
		entry.Etag = etag
		entry.Size = fi.Size()
	}
	return entry, true, nil
}

// Open opens the file at `key` for reading.
func (w *Warebox) Open(key string) (afero.File, error) {
	return fs.Open(w.Path(key))
}

// MakeDir creates the directory `key` and its parents.
func (w *Warebox) MakeDir(key string) error {
	return fs.MkdirAll(w.Path(key), 0755)
}

// Remove deletes `key`. Directories are only removed if they're empty.
// Removing a missing key is a no-op.
func (w *Warebox) Remove(key string) error {
	err := fs.Remove(w.Path(key))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return errors.WithContext(err, fmt.Sprintf("remove %q", key))
}

// ConflictedName returns the key that a conflicting local copy of `key` is
// renamed to.
func ConflictedName(key string, now time.Time) string {
	dir, base := path.Split(strings.TrimSuffix(key, "/"))
	ext := path.Ext(base)
	if ext == base {
		ext = ""
	}

	name := fmt.Sprintf("%s (Conflicted copy %s)%s",
		strings.TrimSuffix(base, ext), now.Format("2006-01-02 150405"), ext)
	if strings.HasSuffix(key, "/") {
		name += "/"
	}
	return dir + name
}

// RenameConflicted moves `key` out of the way of its remote version, and
// returns the key it was moved to.
func (w *Warebox) RenameConflicted(key string, now time.Time) (string, error) {
	renamed := ConflictedName(key, now)
	if err := fs.Rename(w.Path(key), w.Path(renamed)); err != nil {
		return "", errors.WithContext(err, fmt.Sprintf("rename conflicted %q", key))
	}

	log.WithFields(log.Fields{
		"pathname": key,
		"renamed":  renamed,
	}).Info("Renamed conflicting local copy")
	return renamed, nil
}

// StagedFile is a download that hasn't been moved into the warebox yet.
type StagedFile struct {
	afero.File
	key string
}

// StageDownload creates a temporary file for downloading `key`.
func (w *Warebox) StageDownload(key string) (*StagedFile, error) {
	if err := fs.MkdirAll(w.downloadDir(), 0700); err != nil {
		return nil, errors.WithContext(err, "create download dir")
	}

	f, err := fs.Create(filepath.Join(w.downloadDir(), uuid.New().String()))
	if err != nil {
		return nil, errors.WithContext(err, "create staged file")
	}
	return &StagedFile{File: f, key: key}, nil
}

// CommitDownload checks that the staged file has the expected etag, and moves
// it into place.
func (w *Warebox) CommitDownload(staged *StagedFile, etag string) error {
	name := staged.Name()
	if err := staged.Close(); err != nil {
		return errors.WithContext(err, "close staged file")
	}

	actual, err := HashFile(name)
	if err != nil {
		return err
	}
	if actual != etag {
		fs.Remove(name)
		return errors.ErrFileChanged
	}

	dst := w.Path(staged.key)
	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}
	return fs.Rename(name, dst)
}

// DiscardDownload deletes a staged file.
func (w *Warebox) DiscardDownload(staged *StagedFile) {
	staged.Close()
	if err := fs.Remove(staged.Name()); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("pathname", staged.key).Warn(
			"Failed to clean up staged download. This won't affect future syncs.")
	}
}

// CleanDownloadDir removes every staged download.
func (w *Warebox) CleanDownloadDir() error {
	return fs.RemoveAll(w.downloadDir())
}
