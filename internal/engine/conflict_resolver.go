package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/driveback/driveback/internal/metadata"
	"github.com/driveback/driveback/internal/remotefs"
	"github.com/driveback/driveback/internal/status"
	"github.com/driveback/driveback/internal/taskman"
)

// maxConflictsPerPass bounds how long one resolver pass holds the exclusive
// slot; remaining dirty trackers wait for the next idle cycle.
const maxConflictsPerPass = 32

// ConflictResolver settles dirty trackers during idle time. The default
// policy is last write wins: the stored remote snapshot becomes the
// tracker's synced state, and trackers of vanished remote objects are
// removed. Local edits that still matter resurface through the local change
// path and win there.
type ConflictResolver struct {
	store  *metadata.Store
	remote remotefs.Service
	policy ConflictPolicy
}

var _ taskman.Task = (*ConflictResolver)(nil)

func NewConflictResolver(store *metadata.Store, remote remotefs.Service, policy ConflictPolicy) *ConflictResolver {
	return &ConflictResolver{store: store, remote: remote, policy: policy}
}

func (r *ConflictResolver) Name() string { return "conflict-resolver" }

func (r *ConflictResolver) Run(ctx context.Context, done func(status.Code)) {
	done(r.run(ctx))
}

func (r *ConflictResolver) run(ctx context.Context) status.Code {
	resolved := 0
	for resolved < maxConflictsPerPass {
		if err := ctx.Err(); err != nil {
			return status.Aborted
		}

		tracker, err := r.store.NextDirtyTracker()
		if errors.Is(err, metadata.ErrNotFound) {
			break
		}
		if err != nil {
			return databaseStatus(err)
		}

		if code := r.resolveTracker(ctx, tracker); code != status.OK {
			return code
		}
		resolved++
	}

	if resolved == 0 {
		return status.NoChangeToSync
	}
	slog.Debug("conflict pass complete", "resolved", resolved)
	if resolved == maxConflictsPerPass {
		return status.Retry
	}
	return status.OK
}

func (r *ConflictResolver) resolveTracker(ctx context.Context, tracker *metadata.Tracker) status.Code {
	file, err := r.store.FindFileByID(tracker.FileID)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		// No snapshot at all: fetch one so the next branch can decide.
		res, rerr := r.remote.GetFileMetadata(ctx, tracker.FileID)
		if remotefs.IsNotFound(rerr) {
			return r.dropTracker(tracker)
		}
		if rerr != nil {
			return statusFromRemoteError(rerr)
		}
		if err := r.store.UpdateByFileResource(res); err != nil {
			return databaseStatus(err)
		}
		return status.OK
	case err != nil:
		return databaseStatus(err)
	}

	if file.Missing {
		return r.dropTracker(tracker)
	}

	// Last write wins toward remote: accept the observed remote state as
	// the synced baseline.
	if err := r.store.UpdateTracker(tracker.ID, file.Details()); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return status.OK
		}
		return databaseStatus(err)
	}
	return status.OK
}

func (r *ConflictResolver) dropTracker(tracker *metadata.Tracker) status.Code {
	if err := r.store.UpdateByDeletedRemoteFile(tracker.FileID); err != nil {
		return databaseStatus(err)
	}
	return status.OK
}
