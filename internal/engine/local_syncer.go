package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/driveback/driveback/internal/metadata"
	"github.com/driveback/driveback/internal/remotefs"
	"github.com/driveback/driveback/internal/status"
	"github.com/driveback/driveback/internal/syncfs"
	"github.com/driveback/driveback/internal/taskman"
	"github.com/driveback/driveback/internal/utils"
)

// LocalToRemoteSyncer reconciles one local file change against the remote
// tree. Each pass issues at most one forward remote mutation and reports a
// terminal status; multi-step reconciliations (missing ancestors, occupied
// slots) terminate with Retry so the engine reruns the pass against the
// updated metadata.
type LocalToRemoteSyncer struct {
	store  *metadata.Store
	remote remotefs.Service

	change    syncfs.FileChange
	localPath string
	localMeta syncfs.FileMetadata
	target    syncfs.Target

	action       syncfs.SyncAction
	needsListing bool
}

var _ taskman.Task = (*LocalToRemoteSyncer)(nil)

func NewLocalToRemoteSyncer(store *metadata.Store, remote remotefs.Service,
	change syncfs.FileChange, localPath string, localMeta syncfs.FileMetadata,
	target syncfs.Target) *LocalToRemoteSyncer {
	return &LocalToRemoteSyncer{
		store:     store,
		remote:    remote,
		change:    change,
		localPath: localPath,
		localMeta: localMeta,
		target:    target,
		action:    syncfs.ActionNone,
	}
}

func (s *LocalToRemoteSyncer) Name() string {
	return fmt.Sprintf("local-to-remote[%s]", s.target)
}

// Action reports what the last run did to the remote tree, for per-file
// status notifications.
func (s *LocalToRemoteSyncer) Action() syncfs.SyncAction { return s.action }

// Target returns the virtual path this syncer reconciles.
func (s *LocalToRemoteSyncer) Target() syncfs.Target { return s.target }

func (s *LocalToRemoteSyncer) Run(ctx context.Context, done func(status.Code)) {
	code := s.complete(s.resolve(ctx))
	slog.Debug("local-to-remote sync",
		"target", s.target, "change", s.change, "status", code, "action", s.action)
	done(code)
}

// localMissing reports whether there is no local file backing the change.
func (s *LocalToRemoteSyncer) localMissing() bool {
	return s.change.IsDelete() || s.localMeta.Type == syncfs.TypeUnknown
}

func (s *LocalToRemoteSyncer) resolve(ctx context.Context) status.Code {
	// A non-delete change whose local file vanished is stray; nothing to push.
	if !s.change.IsDelete() && s.localMeta.Type == syncfs.TypeUnknown {
		return status.OK
	}

	ancestor, coveredPath, err := s.store.FindNearestActiveAncestor(s.target.Origin, s.target.Path)
	if errors.Is(err, metadata.ErrNotFound) {
		return status.UnknownOrigin
	}
	if err != nil {
		return databaseStatus(err)
	}

	missing := missingComponents(s.target, coveredPath)

	if len(missing) > 0 {
		// Neither side has the target; a delete of something never synced
		// reconciles to nothing.
		if s.localMissing() {
			return status.OK
		}

		// A file sitting where a folder must go blocks the whole path.
		if !ancestor.IsFolder() {
			code := s.deleteRemoteFile(ctx, ancestor)
			if code == status.OK {
				return status.Retry
			}
			return code
		}

		if len(missing) > 1 {
			// Create the next missing level only; the pass has not reached
			// the target, so a successful creation still reports Retry.
			code := s.createRemoteFolder(ctx, ancestor, missing[0])
			if code == status.OK {
				return status.Retry
			}
			return code
		}

		// The ancestor is the true parent and the slot is empty.
		if s.change.IsFile() {
			return s.uploadNewFile(ctx, ancestor, missing[0])
		}
		return s.createRemoteFolder(ctx, ancestor, missing[0])
	}

	// The target itself has an active tracker.
	if ancestor.Dirty {
		return s.handleConflict(ctx, ancestor)
	}
	return s.handleExistingRemoteFile(ctx, ancestor)
}

// handleConflict reconciles a dirty tracker: the remote object changed since
// the last sync while the local side also changed. Policy is last write wins
// toward the side that still exists.
func (s *LocalToRemoteSyncer) handleConflict(ctx context.Context, tracker *metadata.Tracker) status.Code {
	if s.localMissing() {
		// Remote wins; the remote change listing will bring it down.
		return status.OK
	}

	parent, err := s.store.FindTrackerByID(tracker.ParentID)
	if err != nil {
		return databaseStatus(err)
	}

	if s.change.IsFile() {
		// Local file content always wins over whatever the slot holds.
		return s.uploadNewFile(ctx, parent, s.target.Base())
	}

	// Local directory: reuse the remote folder when it already sits in the
	// right slot; only its tracker state needs refreshing.
	file, err := s.store.FindFileByID(tracker.FileID)
	if err == nil && file.IsFolder() &&
		file.Title == s.target.Base() && file.HasParent(parent.FileID) {
		if err := s.store.UpdateTracker(tracker.ID, file.Details()); err != nil {
			return databaseStatus(err)
		}
		return status.OK
	}
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return databaseStatus(err)
	}

	return s.createRemoteFolder(ctx, parent, s.target.Base())
}

// handleExistingRemoteFile reconciles a clean tracker against the local
// change.
func (s *LocalToRemoteSyncer) handleExistingRemoteFile(ctx context.Context, tracker *metadata.Tracker) status.Code {
	if s.localMissing() {
		code := s.deleteRemoteFile(ctx, tracker)
		if code == status.OK {
			s.action = syncfs.ActionDeleted
		}
		return code
	}

	remoteIsFolder := tracker.IsFolder()

	switch {
	case s.change.IsFile() && !remoteIsFolder:
		return s.uploadExistingFile(ctx, tracker)
	case s.change.IsDirectory() && remoteIsFolder:
		return status.OK
	default:
		// Kind mismatch: clear the slot now, the next pass recreates it.
		code := s.deleteRemoteFile(ctx, tracker)
		if code == status.OK {
			return status.Retry
		}
		return code
	}
}

func (s *LocalToRemoteSyncer) uploadExistingFile(ctx context.Context, tracker *metadata.Tracker) status.Code {
	md5, err := utils.FileMD5(s.localPath)
	if err != nil {
		slog.Warn("local file unreadable", "path", s.localPath, "error", err)
		return status.Failed
	}

	// Identical content means there is nothing to upload.
	if tracker.HasSyncedDetails() && tracker.Synced.MD5 == md5 {
		return status.OK
	}

	var etag string
	if tracker.HasSyncedDetails() {
		etag = tracker.Synced.ETag
	}

	res, err := s.remote.UploadExistingFile(ctx, tracker.FileID, s.localPath, etag)
	switch {
	case err == nil:
		if err := s.store.UpdateTracker(tracker.ID, remoteDetails(res)); err != nil {
			return databaseStatus(err)
		}
		s.action = syncfs.ActionUpdated
		return status.OK

	case remotefs.IsPreconditionFailed(err):
		// The remote object changed underfoot. Refresh its snapshot so the
		// next pass sees the conflict, and have the engine list changes.
		s.needsListing = true
		if code := s.refreshRemoteMetadata(ctx, tracker.FileID); code != status.OK {
			return code
		}
		return status.Retry

	case remotefs.IsNotFound(err):
		s.needsListing = true
		if err := s.store.UpdateByDeletedRemoteFile(tracker.FileID); err != nil {
			return databaseStatus(err)
		}
		return status.Retry

	default:
		return statusFromRemoteError(err)
	}
}

func (s *LocalToRemoteSyncer) refreshRemoteMetadata(ctx context.Context, fileID string) status.Code {
	res, err := s.remote.GetFileMetadata(ctx, fileID)
	switch {
	case err == nil:
		if err := s.store.UpdateByFileResource(res); err != nil {
			return databaseStatus(err)
		}
	case remotefs.IsNotFound(err):
		if err := s.store.UpdateByDeletedRemoteFile(fileID); err != nil {
			return databaseStatus(err)
		}
	default:
		return statusFromRemoteError(err)
	}
	return status.OK
}

func (s *LocalToRemoteSyncer) uploadNewFile(ctx context.Context, parent *metadata.Tracker, title string) status.Code {
	res, err := s.remote.UploadNewFile(ctx, parent.FileID, s.localPath, title,
		utils.DetectContentType(title))
	if err != nil {
		return statusFromRemoteError(err)
	}

	if err := s.store.ReplaceActiveTrackerWithNewResource(parent.ID, res); err != nil {
		return databaseStatus(err)
	}
	s.action = syncfs.ActionAdded
	return status.OK
}

func (s *LocalToRemoteSyncer) createRemoteFolder(ctx context.Context, parent *metadata.Tracker, title string) status.Code {
	res, err := s.remote.CreateFolder(ctx, parent.FileID, title)
	if err != nil {
		return statusFromRemoteError(err)
	}

	if err := s.store.RecordFileResource(res); err != nil {
		return databaseStatus(err)
	}

	activation, err := s.store.TryActivateTracker(parent.ID, res.ID)
	if err != nil {
		return databaseStatus(err)
	}
	if activation == metadata.ActivationFailedAnotherActiveTracker {
		// An independent change listing claimed the slot first. Detach the
		// folder we just created so the slot has one live candidate, then
		// retry against whatever won.
		slog.Info("folder activation raced, detaching",
			"target", s.target, "folderId", res.ID)
		if derr := s.remote.RemoveFromParent(ctx, parent.FileID, res.ID); derr != nil {
			return statusFromRemoteError(derr)
		}
		if err := s.store.UpdateByDeletedRemoteFile(res.ID); err != nil {
			return databaseStatus(err)
		}
		return status.Retry
	}

	s.action = syncfs.ActionAdded
	return status.OK
}

func (s *LocalToRemoteSyncer) deleteRemoteFile(ctx context.Context, tracker *metadata.Tracker) status.Code {
	var etag string
	if tracker.HasSyncedDetails() {
		etag = tracker.Synced.ETag
	}

	err := s.remote.DeleteResource(ctx, tracker.FileID, etag)
	switch {
	case err == nil, remotefs.IsNotFound(err):
		// Already gone counts as deleted; either way the tracker is cleared.
		if err := s.store.UpdateByDeletedRemoteFile(tracker.FileID); err != nil {
			return databaseStatus(err)
		}
		return status.OK

	case remotefs.IsPreconditionFailed(err):
		// The object changed since we last saw it. Leave it alone; the
		// change listing will reconcile it.
		return status.OK

	default:
		return statusFromRemoteError(err)
	}
}

// complete maps the resolved status to the terminal status reported upward.
func (s *LocalToRemoteSyncer) complete(code status.Code) status.Code {
	if s.needsListing && (code == status.OK || code == status.Retry) {
		return status.FileBusy
	}
	return code
}

// missingComponents returns the target path components below coveredPath.
func missingComponents(target syncfs.Target, coveredPath string) []string {
	components := target.Components()
	if coveredPath == "" {
		return components
	}
	covered := len(strings.Split(coveredPath, "/"))
	if covered >= len(components) {
		return nil
	}
	return components[covered:]
}

func remoteDetails(res *remotefs.FileResource) *metadata.FileDetails {
	return &metadata.FileDetails{
		Kind:  res.Kind,
		Title: res.Title,
		ETag:  res.ETag,
		MD5:   res.MD5,
	}
}

// databaseStatus classifies a metadata store failure.
func databaseStatus(err error) status.Code {
	slog.Error("metadata store failure", "error", err)
	return status.DatabaseIOError
}
