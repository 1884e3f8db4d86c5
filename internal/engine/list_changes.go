package engine

import (
	"context"
	"log/slog"

	"github.com/driveback/driveback/internal/metadata"
	"github.com/driveback/driveback/internal/remotefs"
	"github.com/driveback/driveback/internal/status"
	"github.com/driveback/driveback/internal/taskman"
)

// ListChangesTask pages the remote change feed from the stored cursor and
// folds every entry into the metadata store. Trackers whose remote state
// moved come out dirty, queued for the next conflict pass.
type ListChangesTask struct {
	store  *metadata.Store
	remote remotefs.Service
}

var _ taskman.Task = (*ListChangesTask)(nil)

func NewListChangesTask(store *metadata.Store, remote remotefs.Service) *ListChangesTask {
	return &ListChangesTask{store: store, remote: remote}
}

func (t *ListChangesTask) Name() string { return "list-remote-changes" }

func (t *ListChangesTask) Run(ctx context.Context, done func(status.Code)) {
	done(t.run(ctx))
}

func (t *ListChangesTask) run(ctx context.Context) status.Code {
	cursor, err := t.store.ChangeCursor()
	if err != nil {
		return databaseStatus(err)
	}

	applied := 0
	for {
		list, err := t.remote.ListChanges(ctx, cursor)
		if err != nil {
			return statusFromRemoteError(err)
		}

		for _, change := range list.Changes {
			if err := t.applyChange(&change); err != nil {
				return databaseStatus(err)
			}
			applied++
		}

		if list.NextCursor == "" || list.NextCursor == cursor {
			if list.LargestCursor != "" {
				if err := t.store.SetChangeCursor(list.LargestCursor); err != nil {
					return databaseStatus(err)
				}
			}
			break
		}
		cursor = list.NextCursor
		if err := t.store.SetChangeCursor(cursor); err != nil {
			return databaseStatus(err)
		}
	}

	slog.Debug("remote change listing complete", "applied", applied)
	return status.OK
}

func (t *ListChangesTask) applyChange(change *remotefs.Change) error {
	if change.Deleted || (change.Resource != nil && change.Resource.Missing) {
		return t.store.UpdateByDeletedRemoteFile(change.FileID)
	}
	if change.Resource == nil {
		return nil
	}
	return t.store.UpdateByFileResource(change.Resource)
}
