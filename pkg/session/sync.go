package session

import (
	"fmt"

	"github.com/dgraph-io/badger/v2"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vaultsync/pkg/diff"
	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/fswatch"
	"github.com/sidkik/vaultsync/pkg/integrity"
	"github.com/sidkik/vaultsync/pkg/metadata"
	"github.com/sidkik/vaultsync/pkg/operation"
	"github.com/sidkik/vaultsync/pkg/protocol"
	"github.com/sidkik/vaultsync/pkg/ui"
)

// syncState is the progress of the sync that runs at the start of every
// connection.
type syncState struct {
	basis   string
	hash    string
	verdict integrity.Verdict
	result  *diff.Result

	// downloads holds the downloads that haven't finished, by operation id.
	downloads map[string]*operation.Operation
	queued    []*operation.Operation
}

func (s *Session) enterSyncStart() (StateID, error) {
	s.watcher.Suspend()
	s.ui.SetGlobalStatus(ui.StatusSyncing)
	return SyncStart, s.send(protocol.SyncStart, nil)
}

func (s *Session) onFilesList(msg protocol.Message) (StateID, error) {
	basis, err := msg.GetString("basis")
	if err != nil {
		return s.current, err
	}
	dataset, err := msg.Dataset()
	if err != nil {
		return s.current, err
	}

	var accepted metadata.AcceptedState
	var found bool
	if err := s.store.View(metadata.RetrieveAcceptedState(&accepted, &found)); err != nil {
		return s.current, errors.WithContext(err, "read accepted state")
	}

	listing := integrity.Listing{ServerBasis: basis, Dataset: dataset, StorageCache: s.cache}
	if found {
		listing.Accepted = &accepted
	}
	verdict, hash, err := s.integrity.Reconcile(listing)
	if err != nil {
		return s.current, err
	}

	result, err := diff.NewEngine(s.warebox, s.cache).Prepare(dataset)
	if err != nil {
		return s.current, errors.WithContext(err, "compare with warebox")
	}

	s.syncing = &syncState{
		basis:   basis,
		hash:    hash,
		verdict: verdict,
		result:  result,
	}
	s.log.WithFields(log.Fields{
		"basis":   basis,
		"verdict": verdict,
		"files":   len(dataset),
	}).Info("Received remote listing")

	info := map[string]interface{}{"used_space": 0, "user_quota": 0}
	for key := range info {
		if n, err := msg.GetInt(key); err == nil {
			info[key] = n
		}
	}
	if client, err := msg.GetString("last_commit_client_id"); err == nil {
		info["last_commit_client_id"] = client
	}
	s.ui.UpdateSessionInfo(info)

	if keys := result.EncryptedConflicts(); len(keys) != 0 && s.config.Oracle != nil {
		err := s.send(protocol.SyncGetEncryptedFilesIVs, protocol.Params{"requested_files_list": keys})
		return SyncGetEncryptedIVs, err
	}
	return s.approveSync()
}

func (s *Session) onEncryptedIVs(msg protocol.Message) (StateID, error) {
	var ivs map[string]string
	if err := msg.Decode("ivs", &ivs); err != nil {
		return s.current, err
	}

	if err := s.syncing.result.ResolveEncrypted(ivs, s.config.Oracle); err != nil {
		return s.current, err
	}
	return s.approveSync()
}

// approveSync asks the user to accept the changes that the sync would make,
// unless the remote state is already trusted or was accepted before.
func (s *Session) approveSync() (StateID, error) {
	syncing := s.syncing
	if syncing.verdict == integrity.NeedsApproval {
		if !syncing.result.IsTrivial() {
			answer, err := s.ui.AskForUserInput(ui.SyncChanges, syncing.result.Changes())
			if err != nil {
				return s.current, errors.WithContext(err, "ask for approval")
			}

			if ok, _ := answer.(bool); !ok {
				s.log.Info("Remote changes weren't accepted")
				s.teardown(false)
				s.ui.SetGlobalStatus(ui.StatusPaused)
				return Disconnected, nil
			}
		}
		// Persisted right away, so that a sync interrupted before SyncDone
		// doesn't prompt again.
		accepted := metadata.AcceptedState{
			Basis:       syncing.basis,
			ListingHash: syncing.hash,
			Trusted:     s.integrity.GetCurrentBasis(),
		}
		if err := s.store.Update(metadata.SetAcceptedState(accepted)); err != nil {
			return s.current, errors.WithContext(err, "persist accepted state")
		}
	}
	return ResolvingDeletionConflicts, nil
}

// enterResolvingConflicts moves the local version of every conflicted file
// aside, so that the remote version can take its place.
func (s *Session) enterResolvingConflicts() (StateID, error) {
	res := s.syncing.result
	now := s.clock.Now()
	for _, keys := range [][]string{res.EditConflicts, res.DeletionConflicts} {
		for _, key := range keys {
			if protocol.IsDirKey(key) {
				continue
			}

			renamed, err := s.warebox.RenameConflicted(key, now)
			if err != nil {
				return s.current, errors.WithContext(err, fmt.Sprintf("rename conflicted %s", key))
			}
			s.log.WithFields(log.Fields{
				"pathname": key,
				"renamed":  renamed,
			}).Info("Kept local version of conflicted file")
		}
	}
	return s.changeStateLater(LocalDeletion)
}

func (s *Session) enterLocalDeletion() (StateID, error) {
	for _, key := range s.syncing.result.ContentToDeleteLocally {
		if err := s.warebox.Remove(key); err != nil {
			return s.current, errors.WithContext(err, fmt.Sprintf("delete %s", key))
		}
		s.log.WithField("pathname", key).Debug("Deleted local copy")
	}
	return s.changeStateLater(DownloadingDirectories)
}

func (s *Session) enterDownloadingDirectories() (StateID, error) {
	dirs, _ := s.syncing.result.Downloads()
	for _, key := range dirs {
		if err := s.warebox.MakeDir(key); err != nil {
			return s.current, errors.WithContext(err, fmt.Sprintf("create %s", key))
		}
	}
	return s.changeStateLater(DownloadingFiles)
}

func (s *Session) enterDownloadingFiles() (StateID, error) {
	res := s.syncing.result
	_, files := res.Downloads()

	s.syncing.downloads = map[string]*operation.Operation{}
	s.syncing.queued = nil
	for _, key := range files {
		remote := res.Remote[key]
		op := operation.New(operation.Download, key)
		op.Etag = remote.Etag
		op.Size = remote.Size
		op.Lmtime = remote.Lmtime

		s.syncing.downloads[op.ID] = op
		s.syncing.queued = append(s.syncing.queued, op)
	}

	if len(files) != 0 {
		s.log.WithField("files", len(files)).Info("Downloading remote changes")
	}
	return s.dispatchDownloads()
}

// dispatchDownloads sends queued downloads to the free workers, and moves on
// once every download finished.
func (s *Session) dispatchDownloads() (StateID, error) {
	for len(s.syncing.queued) != 0 && s.workers.AcquireWorker() {
		op := s.syncing.queued[0]
		s.syncing.queued = s.syncing.queued[1:]
		s.workers.SendOperation(op)
	}

	if len(s.syncing.downloads) == 0 {
		return SyncDone, nil
	}
	return DownloadingFiles, nil
}

func (s *Session) onDownloadWorkerFree(protocol.Command) (StateID, error) {
	return s.dispatchDownloads()
}

func (s *Session) onDownloadDone(cmd protocol.Command) (StateID, error) {
	delete(s.syncing.downloads, cmd.OperationID)
	return s.dispatchDownloads()
}

func (s *Session) onDownloadFailed(cmd protocol.Command) (StateID, error) {
	op, ok := s.syncing.downloads[cmd.OperationID]
	if !ok {
		return s.current, nil
	}

	if errors.Is(cmd.Err, errors.ErrFileChanged) {
		return s.current, errors.IntegrityViolation{
			Reason: fmt.Sprintf("downloaded content of %s doesn't match the listing", op.Pathname),
		}
	}
	return s.current, errors.WithContext(cmd.Err, fmt.Sprintf("download %s", op.Pathname))
}

// enterSyncDone records the synced state, queues the local changes that
// the sync didn't cover, and starts replication.
func (s *Session) enterSyncDone() (StateID, error) {
	syncing := s.syncing
	cache := syncing.result.StorageCache()

	ops := []func(*badger.Txn) error{
		metadata.SetTrustedBasis(syncing.basis),
		metadata.ReplaceStorageCache(cache),
	}
	if syncing.basis != s.integrity.GetCurrentBasis() {
		ops = append(ops, metadata.AppendBasisHistory(metadata.HistoryEntry{
			Basis:     syncing.basis,
			Origin:    metadata.OriginSync,
			Timestamp: s.clock.Now(),
		}))
	}
	if err := s.store.Update(ops...); err != nil {
		return s.current, errors.WithContext(err, "persist sync")
	}

	s.integrity.SetCurrentBasis(syncing.basis)
	s.cache = cache
	s.ui.UpdateSessionInfo(map[string]interface{}{"basis": syncing.basis})

	snapshot, err := s.warebox.Snapshot()
	if err != nil {
		return s.current, errors.WithContext(err, "scan warebox")
	}
	local := fswatch.Operations(snapshot.Diff(cache))
	for _, op := range local {
		s.post(operations, op)
	}
	s.watcher.SetBaseline(snapshot)
	s.watcher.Resume()

	if err := s.workers.CleanDownloadDir(); err != nil {
		s.log.WithError(err).Warn("Failed to clean download directory")
	}

	s.log.WithFields(log.Fields{
		"basis":         syncing.basis,
		"local changes": len(local),
	}).Info("Sync finished")
	return SyncDone, s.send(protocol.ReplicationStart, nil)
}

func (s *Session) onReplicationStarted(msg protocol.Message) (StateID, error) {
	response, err := msg.GetString("response")
	if err != nil {
		return s.current, err
	}
	if response != protocol.ResponseOK {
		return s.current, errors.ProtocolViolation{State: s.current.String(),
			Reason: "server refused to start replication"}
	}

	s.syncing = nil
	return Replication, nil
}
