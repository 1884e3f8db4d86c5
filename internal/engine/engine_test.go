package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveback/driveback/internal/metadata"
	"github.com/driveback/driveback/internal/remotefs"
	"github.com/driveback/driveback/internal/status"
	"github.com/driveback/driveback/internal/syncfs"
)

func newTestEngine(t *testing.T, store *metadata.Store, remote remotefs.Service) *SyncEngine {
	t.Helper()
	e := New(store, remote, Options{
		RootFolderID: "drive-root",
		// Long intervals keep time-based maintenance out of the way.
		ListInterval:     time.Hour,
		ConflictInterval: time.Hour,
	})
	return e
}

func startEngine(t *testing.T, e *SyncEngine) {
	t.Helper()
	e.Start(context.Background())
	t.Cleanup(e.Stop)
}

func await(t *testing.T, ch <-chan status.Code) status.Code {
	t.Helper()
	select {
	case code := <-ch:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return status.Failed
	}
}

func TestSyncEngine_ApplyLocalChange(t *testing.T) {
	store := newSyncedStore(t)
	remote := &fakeRemote{}
	e := newTestEngine(t, store, remote)

	var mu sync.Mutex
	var actions []syncfs.SyncAction
	e.AddFileStatusObserver(func(target syncfs.Target, action syncfs.SyncAction, dir syncfs.SyncDirection) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, syncfs.DirectionLocalToRemote, dir)
		actions = append(actions, action)
	})
	startEngine(t, e)

	local, meta := writeLocalFile(t, "n.txt", "payload")
	done := make(chan status.Code, 1)
	e.ApplyLocalChange(addFileChange(), local, meta,
		syncfs.NewTarget(testOrigin, "n.txt"),
		func(code status.Code) { done <- code })

	assert.Equal(t, status.OK, await(t, done))
	assert.Equal(t, []string{"UploadNewFile"}, remote.callNames())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []syncfs.SyncAction{syncfs.ActionAdded}, actions)
}

func TestSyncEngine_AutoRegistersUnknownOrigin(t *testing.T) {
	store, err := metadata.NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Open())
	t.Cleanup(func() { store.Close() })

	remote := &fakeRemote{}
	e := newTestEngine(t, store, remote)
	startEngine(t, e)

	local, meta := writeLocalFile(t, "a.txt", "data")
	done := make(chan status.Code, 1)
	e.ApplyLocalChange(addFileChange(), local, meta,
		syncfs.NewTarget("fresh-app", "a.txt"),
		func(code status.Code) { done <- code })

	// The caller sees the original failure; registration runs behind it.
	assert.Equal(t, status.UnknownOrigin, await(t, done))

	require.Eventually(t, func() bool {
		registered, err := store.IsOriginRegistered("fresh-app")
		return err == nil && registered
	}, 5*time.Second, 10*time.Millisecond)

	// Retrying the change now succeeds against the registered root.
	done2 := make(chan status.Code, 1)
	e.ApplyLocalChange(addFileChange(), local, meta,
		syncfs.NewTarget("fresh-app", "a.txt"),
		func(code status.Code) { done2 <- code })
	assert.Equal(t, status.OK, await(t, done2))
}

func TestSyncEngine_FileBusySchedulesListing(t *testing.T) {
	store := newSyncedStore(t)
	remote := &fakeRemote{
		uploadExisting: func(fileID, localPath, etag string) (*remotefs.FileResource, error) {
			return nil, &remotefs.APIError{Code: remotefs.CodePreconditionFailed}
		},
		getMetadata: func(fileID string) (*remotefs.FileResource, error) {
			return &remotefs.FileResource{
				ID: fileID, Kind: remotefs.KindFile, Title: "m.txt",
				ETag: "etag-m-v2", MD5: "other", ParentIDs: []string{"root"},
			}, nil
		},
	}
	trackRemote(t, store, "", &remotefs.FileResource{
		ID: "f-m", Kind: remotefs.KindFile, Title: "m.txt", ETag: "etag-m", MD5: "old",
		ParentIDs: []string{"root"},
	})

	e := newTestEngine(t, store, remote)
	startEngine(t, e)

	local, meta := writeLocalFile(t, "m.txt", "changed locally")
	done := make(chan status.Code, 1)
	e.ApplyLocalChange(addFileChange(), local, meta,
		syncfs.NewTarget(testOrigin, "m.txt"),
		func(code status.Code) { done <- code })

	assert.Equal(t, status.FileBusy, await(t, done))

	require.Eventually(t, func() bool {
		for _, c := range remote.callNames() {
			if c == "ListChanges" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSyncEngine_PushNotificationTriggersListing(t *testing.T) {
	store := newSyncedStore(t)
	remote := &fakeRemote{}
	e := newTestEngine(t, store, remote)
	startEngine(t, e)

	e.OnNotificationReceived()

	require.Eventually(t, func() bool {
		for _, c := range remote.callNames() {
			if c == "ListChanges" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSyncEngine_ServiceStateTransitions(t *testing.T) {
	store := newSyncedStore(t)
	e := newTestEngine(t, store, &fakeRemote{})

	var mu sync.Mutex
	var states []ServiceState
	e.AddServiceObserver(func(state ServiceState, desc string) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
	})

	e.NotifyLastOperationStatus(status.NetworkError)
	state, _ := e.GetCurrentState()
	assert.Equal(t, ServiceTemporarilyUnavailable, state)

	e.NotifyLastOperationStatus(status.OK)
	state, _ = e.GetCurrentState()
	assert.Equal(t, ServiceOK, state)

	e.NotifyLastOperationStatus(status.AuthenticationFailed)
	state, _ = e.GetCurrentState()
	assert.Equal(t, ServiceAuthenticationRequired, state)

	// Recovery from auth requires an explicit auth signal, not a lucky task.
	e.NotifyLastOperationStatus(status.OK)
	state, _ = e.GetCurrentState()
	assert.Equal(t, ServiceAuthenticationRequired, state)

	e.OnAuthStateChanged(true)
	state, _ = e.GetCurrentState()
	assert.Equal(t, ServiceOK, state)

	e.NotifyLastOperationStatus(status.DatabaseIOError)
	state, _ = e.GetCurrentState()
	assert.Equal(t, ServiceDisabled, state)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ServiceState{
		ServiceTemporarilyUnavailable,
		ServiceOK,
		ServiceAuthenticationRequired,
		ServiceOK,
		ServiceDisabled,
	}, states)
}

func TestSyncEngine_AuthGateBlocksMutations(t *testing.T) {
	store := newSyncedStore(t)
	remote := &fakeRemote{}
	e := newTestEngine(t, store, remote)
	startEngine(t, e)

	e.OnAuthStateChanged(false)

	local, meta := writeLocalFile(t, "b.txt", "data")
	done := make(chan status.Code, 1)
	e.ApplyLocalChange(addFileChange(), local, meta,
		syncfs.NewTarget(testOrigin, "b.txt"),
		func(code status.Code) { done <- code })

	assert.Equal(t, status.AuthenticationFailed, await(t, done))
	assert.Empty(t, remote.callNames())
}

func TestSyncEngine_NetworkTransitions(t *testing.T) {
	store := newSyncedStore(t)
	remote := &fakeRemote{}
	e := newTestEngine(t, store, remote)
	startEngine(t, e)

	e.OnNetworkChanged(false)
	state, _ := e.GetCurrentState()
	assert.Equal(t, ServiceTemporarilyUnavailable, state)

	done := make(chan status.Code, 1)
	e.ApplyLocalChange(addFileChange(), "", syncfs.FileMetadata{},
		syncfs.NewTarget(testOrigin, "c.txt"),
		func(code status.Code) { done <- code })
	assert.Equal(t, status.ServiceUnavailable, await(t, done))

	// Restored connectivity eagerly lists remote changes.
	e.OnNetworkChanged(true)
	state, _ = e.GetCurrentState()
	assert.Equal(t, ServiceOK, state)

	require.Eventually(t, func() bool {
		for _, c := range remote.callNames() {
			if c == "ListChanges" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSyncEngine_UninstallOriginPurges(t *testing.T) {
	store := newSyncedStore(t)
	remote := &fakeRemote{}
	e := newTestEngine(t, store, remote)
	startEngine(t, e)

	done := make(chan status.Code, 1)
	e.UninstallOrigin(testOrigin, true, func(code status.Code) { done <- code })
	assert.Equal(t, status.OK, await(t, done))

	assert.Contains(t, remote.callNames(), "DeleteResource")
	origins, err := store.Origins()
	require.NoError(t, err)
	assert.Empty(t, origins)
}

func TestSyncEngine_DisableEnableOrigin(t *testing.T) {
	store := newSyncedStore(t)
	remote := &fakeRemote{}
	e := newTestEngine(t, store, remote)
	startEngine(t, e)

	done := make(chan status.Code, 1)
	e.DisableOrigin(testOrigin, func(code status.Code) { done <- code })
	assert.Equal(t, status.OK, await(t, done))

	// Changes for a disabled origin report UnknownOrigin.
	local, meta := writeLocalFile(t, "d.txt", "data")
	cdone := make(chan status.Code, 1)
	e.ApplyLocalChange(addFileChange(), local, meta,
		syncfs.NewTarget(testOrigin, "d.txt"),
		func(code status.Code) { cdone <- code })
	assert.Equal(t, status.UnknownOrigin, await(t, cdone))

	edone := make(chan status.Code, 1)
	e.EnableOrigin(testOrigin, func(code status.Code) { edone <- code })
	assert.Equal(t, status.OK, await(t, edone))

	cdone2 := make(chan status.Code, 1)
	e.ApplyLocalChange(addFileChange(), local, meta,
		syncfs.NewTarget(testOrigin, "d.txt"),
		func(code status.Code) { cdone2 <- code })
	assert.Equal(t, status.OK, await(t, cdone2))
}

func TestListChangesTask_FoldsChanges(t *testing.T) {
	store := newSyncedStore(t)
	trackRemote(t, store, "", &remotefs.FileResource{
		ID: "f-old", Kind: remotefs.KindFile, Title: "old.txt", ETag: "e1", MD5: "m",
		ParentIDs: []string{"root"},
	})

	remote := &fakeRemote{}
	listCalls := 0
	remoteList := func(ctx context.Context, cursor string) (*remotefs.ChangeList, error) {
		listCalls++
		if listCalls == 1 {
			return &remotefs.ChangeList{
				Changes: []remotefs.Change{
					{FileID: "f-old", Resource: &remotefs.FileResource{
						ID: "f-old", Kind: remotefs.KindFile, Title: "old.txt",
						ETag: "e2", MD5: "m2", ParentIDs: []string{"root"},
					}},
					{FileID: "f-gone", Deleted: true},
				},
				NextCursor: "page2",
			}, nil
		}
		return &remotefs.ChangeList{LargestCursor: "cursor-99"}, nil
	}
	task := NewListChangesTask(store, listChangesFunc(remoteList, remote))

	var code status.Code
	task.Run(context.Background(), func(c status.Code) { code = c })
	assert.Equal(t, status.OK, code)

	// The moved file's tracker went dirty.
	tracker, _, err := store.FindNearestActiveAncestor(testOrigin, "old.txt")
	require.NoError(t, err)
	assert.True(t, tracker.Dirty)

	cursor, err := store.ChangeCursor()
	require.NoError(t, err)
	assert.Equal(t, "cursor-99", cursor)
}

// listChangesFunc overrides ListChanges on a fakeRemote.
type listChangesOverride struct {
	*fakeRemote
	fn func(ctx context.Context, cursor string) (*remotefs.ChangeList, error)
}

func (o *listChangesOverride) ListChanges(ctx context.Context, cursor string) (*remotefs.ChangeList, error) {
	return o.fn(ctx, cursor)
}

func listChangesFunc(fn func(ctx context.Context, cursor string) (*remotefs.ChangeList, error), base *fakeRemote) remotefs.Service {
	return &listChangesOverride{fakeRemote: base, fn: fn}
}

func TestConflictResolver_LastWriteWins(t *testing.T) {
	store := newSyncedStore(t)

	res := &remotefs.FileResource{
		ID: "f-c", Kind: remotefs.KindFile, Title: "c.txt", ETag: "e1", MD5: "m",
		ParentIDs: []string{"root"},
	}
	trackRemote(t, store, "", res)
	markDirty(t, store, res)

	resolver := NewConflictResolver(store, &fakeRemote{}, PolicyLastWriteWins)
	var code status.Code
	resolver.Run(context.Background(), func(c status.Code) { code = c })
	assert.Equal(t, status.OK, code)

	tracker, _, err := store.FindNearestActiveAncestor(testOrigin, "c.txt")
	require.NoError(t, err)
	assert.False(t, tracker.Dirty)
	require.NotNil(t, tracker.Synced)
	assert.Equal(t, "e1-remote-change", tracker.Synced.ETag)
}

func TestConflictResolver_DropsMissingRemote(t *testing.T) {
	store := newSyncedStore(t)

	res := &remotefs.FileResource{
		ID: "f-d", Kind: remotefs.KindFile, Title: "d.txt", ETag: "e1", MD5: "m",
		ParentIDs: []string{"root"},
	}
	trackRemote(t, store, "", res)

	gone := *res
	gone.Missing = true
	gone.ETag = "e2"
	require.NoError(t, store.UpdateByFileResource(&gone))

	resolver := NewConflictResolver(store, &fakeRemote{}, PolicyLastWriteWins)
	var code status.Code
	resolver.Run(context.Background(), func(c status.Code) { code = c })
	assert.Equal(t, status.OK, code)

	_, covered, err := store.FindNearestActiveAncestor(testOrigin, "d.txt")
	require.NoError(t, err)
	assert.Empty(t, covered, "the tracker for the vanished remote file is gone")
}

func TestConflictResolver_NothingToDo(t *testing.T) {
	store := newSyncedStore(t)
	resolver := NewConflictResolver(store, &fakeRemote{}, PolicyLastWriteWins)

	var code status.Code
	resolver.Run(context.Background(), func(c status.Code) { code = c })
	assert.Equal(t, status.NoChangeToSync, code)
}

func TestRemoteToLocalSyncer_EmitsNotifications(t *testing.T) {
	store := newSyncedStore(t)

	res := &remotefs.FileResource{
		ID: "f-r", Kind: remotefs.KindFile, Title: "r.txt", ETag: "e1", MD5: "m",
		ParentIDs: []string{"root"},
	}
	trackRemote(t, store, "", res)
	markDirty(t, store, res)

	var mu sync.Mutex
	var got []syncfs.SyncAction
	syncer := NewRemoteToLocalSyncer(store, &fakeRemote{},
		func(target syncfs.Target, action syncfs.SyncAction, dir syncfs.SyncDirection) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, syncfs.DirectionRemoteToLocal, dir)
			got = append(got, action)
		})

	var code status.Code
	syncer.Run(context.Background(), func(c status.Code) { code = c })
	assert.Equal(t, status.OK, code)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []syncfs.SyncAction{syncfs.ActionUpdated}, got)

	// Nothing left to process.
	syncer2 := NewRemoteToLocalSyncer(store, &fakeRemote{}, nil)
	syncer2.Run(context.Background(), func(c status.Code) { code = c })
	assert.Equal(t, status.NoChangeToSync, code)
}
