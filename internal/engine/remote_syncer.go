package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/driveback/driveback/internal/metadata"
	"github.com/driveback/driveback/internal/remotefs"
	"github.com/driveback/driveback/internal/status"
	"github.com/driveback/driveback/internal/syncfs"
	"github.com/driveback/driveback/internal/taskman"
)

// RemoteToLocalSyncer applies one observed remote change to this client's
// view: it takes the oldest dirty tracker, folds the remote snapshot into
// the synced baseline, and emits a per-file notification. The full
// remote-to-local materialization (writing file content to disk) lives with
// the caller that consumes the notifications.
type RemoteToLocalSyncer struct {
	store  *metadata.Store
	remote remotefs.Service
	notify FileStatusObserver
}

var _ taskman.Task = (*RemoteToLocalSyncer)(nil)

func NewRemoteToLocalSyncer(store *metadata.Store, remote remotefs.Service, notify FileStatusObserver) *RemoteToLocalSyncer {
	return &RemoteToLocalSyncer{store: store, remote: remote, notify: notify}
}

func (s *RemoteToLocalSyncer) Name() string { return "remote-to-local" }

func (s *RemoteToLocalSyncer) Run(ctx context.Context, done func(status.Code)) {
	done(s.run(ctx))
}

func (s *RemoteToLocalSyncer) run(ctx context.Context) status.Code {
	tracker, err := s.store.NextDirtyTracker()
	if errors.Is(err, metadata.ErrNotFound) {
		return status.NoChangeToSync
	}
	if err != nil {
		return databaseStatus(err)
	}

	file, err := s.store.FindFileByID(tracker.FileID)
	if errors.Is(err, metadata.ErrNotFound) {
		res, rerr := s.remote.GetFileMetadata(ctx, tracker.FileID)
		if remotefs.IsNotFound(rerr) {
			return s.applyDeletion(tracker)
		}
		if rerr != nil {
			return statusFromRemoteError(rerr)
		}
		if uerr := s.store.UpdateByFileResource(res); uerr != nil {
			return databaseStatus(uerr)
		}
		return status.Retry
	}
	if err != nil {
		return databaseStatus(err)
	}

	if file.Missing {
		return s.applyDeletion(tracker)
	}

	action := syncfs.ActionUpdated
	if !tracker.HasSyncedDetails() {
		action = syncfs.ActionAdded
	}
	if err := s.store.UpdateTracker(tracker.ID, file.Details()); err != nil {
		return databaseStatus(err)
	}
	s.emit(tracker, action)
	return status.OK
}

func (s *RemoteToLocalSyncer) applyDeletion(tracker *metadata.Tracker) status.Code {
	if err := s.store.UpdateByDeletedRemoteFile(tracker.FileID); err != nil {
		return databaseStatus(err)
	}
	s.emit(tracker, syncfs.ActionDeleted)
	return status.OK
}

func (s *RemoteToLocalSyncer) emit(tracker *metadata.Tracker, action syncfs.SyncAction) {
	slog.Debug("remote-to-local sync", "origin", tracker.Origin,
		"title", tracker.Title, "action", action)
	if s.notify != nil {
		s.notify(syncfs.NewTarget(tracker.Origin, tracker.Title), action,
			syncfs.DirectionRemoteToLocal)
	}
}
