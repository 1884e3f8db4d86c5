package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveback/driveback/internal/remotefs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Open())
	t.Cleanup(func() { store.Close() })
	return store
}

func folderResource(id, title string, parents ...string) *remotefs.FileResource {
	return &remotefs.FileResource{
		ID:        id,
		Kind:      remotefs.KindFolder,
		Title:     title,
		ETag:      "etag-" + id,
		ParentIDs: parents,
	}
}

func fileResource(id, title, md5 string, parents ...string) *remotefs.FileResource {
	return &remotefs.FileResource{
		ID:        id,
		Kind:      remotefs.KindFile,
		Title:     title,
		ETag:      "etag-" + id,
		MD5:       md5,
		Size:      42,
		ParentIDs: parents,
	}
}

func TestStore_RegisterOrigin(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RegisterOrigin("app1", folderResource("root1", "app1")))

	registered, err := store.IsOriginRegistered("app1")
	require.NoError(t, err)
	assert.True(t, registered)

	registered, err = store.IsOriginRegistered("app2")
	require.NoError(t, err)
	assert.False(t, registered)

	// Re-registering the same origin must not create a second root.
	require.NoError(t, store.RegisterOrigin("app1", folderResource("root1", "app1")))
	origins, err := store.Origins()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"app1": true}, origins)
}

func TestStore_DisableEnableOrigin(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterOrigin("app1", folderResource("root1", "app1")))

	require.NoError(t, store.DisableOrigin("app1"))
	registered, err := store.IsOriginRegistered("app1")
	require.NoError(t, err)
	assert.False(t, registered)

	_, _, err = store.FindNearestActiveAncestor("app1", "a/b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.EnableOrigin("app1"))
	registered, err = store.IsOriginRegistered("app1")
	require.NoError(t, err)
	assert.True(t, registered)
}

func TestStore_UninstallOrigin(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterOrigin("app1", folderResource("root1", "app1")))

	status, err := store.TryActivateTracker(mustRoot(t, store, "app1").ID, mustUpsert(t, store, folderResource("docs", "docs", "root1")))
	require.NoError(t, err)
	require.Equal(t, ActivationOK, status)

	rootFileID, err := store.UninstallOrigin("app1")
	require.NoError(t, err)
	assert.Equal(t, "root1", rootFileID)

	origins, err := store.Origins()
	require.NoError(t, err)
	assert.Empty(t, origins)
}

func TestStore_FindNearestActiveAncestor(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterOrigin("app1", folderResource("root1", "app1")))
	root := mustRoot(t, store, "app1")

	// Build root/docs/reports as active folder trackers.
	activate(t, store, root.ID, folderResource("docs", "docs", "root1"))
	docs := mustActiveChild(t, store, root.ID, "docs")
	activate(t, store, docs.ID, folderResource("reports", "reports", "docs"))

	tests := []struct {
		name        string
		path        string
		wantFileID  string
		wantCovered string
	}{
		{"origin root", "", "root1", ""},
		{"untracked child of root", "new.txt", "root1", ""},
		{"exact folder", "docs", "docs", "docs"},
		{"deep untracked", "docs/reports/q3/a.txt", "reports", "docs/reports"},
		{"sibling branch untracked", "media/pic.png", "root1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, covered, err := store.FindNearestActiveAncestor("app1", tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFileID, tracker.FileID)
			assert.Equal(t, tt.wantCovered, covered)
		})
	}
}

func TestStore_FindNearestActiveAncestor_StopsAtFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterOrigin("app1", folderResource("root1", "app1")))
	root := mustRoot(t, store, "app1")

	activate(t, store, root.ID, fileResource("f1", "notes", "aa", "root1"))

	// "notes" is tracked as a file; descending below it must stop there.
	tracker, covered, err := store.FindNearestActiveAncestor("app1", "notes/child.txt")
	require.NoError(t, err)
	assert.Equal(t, "f1", tracker.FileID)
	assert.Equal(t, "notes", covered)
	assert.False(t, tracker.IsFolder())
}

func TestStore_UpdateByFileResource(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterOrigin("app1", folderResource("root1", "app1")))
	root := mustRoot(t, store, "app1")

	activate(t, store, root.ID, fileResource("f1", "a.txt", "aa", "root1"))
	child := mustActiveChild(t, store, root.ID, "a.txt")
	require.False(t, child.Dirty)

	// Same etag: no dirty mark.
	res := fileResource("f1", "a.txt", "aa", "root1")
	res.ETag = "etag-f1"
	require.NoError(t, store.UpdateByFileResource(res))
	child = mustActiveChild(t, store, root.ID, "a.txt")
	assert.False(t, child.Dirty)

	// Changed etag: the tracker goes dirty.
	res.ETag = "etag-f1-v2"
	require.NoError(t, store.UpdateByFileResource(res))
	child = mustActiveChild(t, store, root.ID, "a.txt")
	assert.True(t, child.Dirty)

	// A new remote file under a tracked parent gets a dirty candidate tracker.
	require.NoError(t, store.UpdateByFileResource(fileResource("f2", "b.txt", "bb", "root1")))
	count, err := store.CountDirtyTrackers()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	next, err := store.NextDirtyTracker()
	require.NoError(t, err)
	assert.Equal(t, "f1", next.FileID)
}

func TestStore_UpdateByDeletedRemoteFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterOrigin("app1", folderResource("root1", "app1")))
	root := mustRoot(t, store, "app1")

	activate(t, store, root.ID, fileResource("f1", "a.txt", "aa", "root1"))

	require.NoError(t, store.UpdateByDeletedRemoteFile("f1"))

	_, err := store.findActiveChild(root.ID, "a.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	file, err := store.FindFileByID("f1")
	require.NoError(t, err)
	assert.True(t, file.Missing)

	// Second delete of the same file is a no-op, not an error.
	require.NoError(t, store.UpdateByDeletedRemoteFile("f1"))
}

func TestStore_ReplaceActiveTrackerWithNewResource(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterOrigin("app1", folderResource("root1", "app1")))
	root := mustRoot(t, store, "app1")

	activate(t, store, root.ID, fileResource("f1", "a.txt", "aa", "root1"))

	require.NoError(t, store.ReplaceActiveTrackerWithNewResource(
		root.ID, fileResource("f2", "a.txt", "bb", "root1")))

	child := mustActiveChild(t, store, root.ID, "a.txt")
	assert.Equal(t, "f2", child.FileID)
	require.NotNil(t, child.Synced)
	assert.Equal(t, "bb", child.Synced.MD5)
	assert.False(t, child.Dirty)
}

func TestStore_TryActivateTracker(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterOrigin("app1", folderResource("root1", "app1")))
	root := mustRoot(t, store, "app1")

	status, err := store.TryActivateTracker(root.ID, mustUpsert(t, store, folderResource("docs", "docs", "root1")))
	require.NoError(t, err)
	assert.Equal(t, ActivationOK, status)

	// Re-activating the same file for the slot is idempotent.
	status, err = store.TryActivateTracker(root.ID, "docs")
	require.NoError(t, err)
	assert.Equal(t, ActivationOK, status)

	// A different file cannot take an occupied slot.
	status, err = store.TryActivateTracker(root.ID, mustUpsert(t, store, folderResource("docs2", "docs", "root1")))
	require.NoError(t, err)
	assert.Equal(t, ActivationFailedAnotherActiveTracker, status)

	// The losing candidate never becomes active.
	child := mustActiveChild(t, store, root.ID, "docs")
	assert.Equal(t, "docs", child.FileID)
}

func TestStore_TryActivateTracker_PromotesCandidate(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterOrigin("app1", folderResource("root1", "app1")))
	root := mustRoot(t, store, "app1")

	// A change listing created an inactive candidate first.
	require.NoError(t, store.UpdateByFileResource(folderResource("docs", "docs", "root1")))

	status, err := store.TryActivateTracker(root.ID, "docs")
	require.NoError(t, err)
	assert.Equal(t, ActivationOK, status)

	child := mustActiveChild(t, store, root.ID, "docs")
	assert.False(t, child.Dirty)

	// No duplicate tracker rows for the slot.
	count, err := store.CountDirtyTrackers()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStore_UpdateTracker(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterOrigin("app1", folderResource("root1", "app1")))
	root := mustRoot(t, store, "app1")

	activate(t, store, root.ID, fileResource("f1", "a.txt", "aa", "root1"))
	child := mustActiveChild(t, store, root.ID, "a.txt")

	require.NoError(t, store.UpdateTracker(child.ID, &FileDetails{
		Kind:  remotefs.KindFile,
		Title: "a.txt",
		ETag:  "etag-f1-v2",
		MD5:   "cc",
	}))

	child = mustActiveChild(t, store, root.ID, "a.txt")
	require.NotNil(t, child.Synced)
	assert.Equal(t, "etag-f1-v2", child.Synced.ETag)
	assert.Equal(t, "cc", child.Synced.MD5)

	assert.ErrorIs(t, store.UpdateTracker(99999, &FileDetails{Title: "x"}), ErrNotFound)
}

func TestStore_ChangeCursor(t *testing.T) {
	store := newTestStore(t)

	cursor, err := store.ChangeCursor()
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, store.SetChangeCursor("12345"))
	cursor, err = store.ChangeCursor()
	require.NoError(t, err)
	assert.Equal(t, "12345", cursor)
}

func mustRoot(t *testing.T, store *Store, origin string) *Tracker {
	t.Helper()
	root, err := store.originRootTracker(origin)
	require.NoError(t, err)
	return root
}

func mustActiveChild(t *testing.T, store *Store, parentID int64, title string) *Tracker {
	t.Helper()
	child, err := store.findActiveChild(parentID, title)
	require.NoError(t, err)
	return child
}

// mustUpsert stores the remote snapshot and returns its file ID.
func mustUpsert(t *testing.T, store *Store, res *remotefs.FileResource) string {
	t.Helper()
	require.NoError(t, store.RecordFileResource(res))
	return res.ID
}

// activate stores the snapshot and makes it the active tracker under parent.
func activate(t *testing.T, store *Store, parentID int64, res *remotefs.FileResource) {
	t.Helper()
	status, err := store.TryActivateTracker(parentID, mustUpsert(t, store, res))
	require.NoError(t, err)
	require.Equal(t, ActivationOK, status)
}
