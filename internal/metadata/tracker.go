package metadata

import (
	"encoding/json"
	"time"

	"github.com/driveback/driveback/internal/remotefs"
)

// TrackerKind distinguishes origin roots from regular path trackers.
type TrackerKind string

const (
	KindRegular            TrackerKind = "regular"
	KindOriginRoot         TrackerKind = "origin_root"
	KindOriginRootDisabled TrackerKind = "origin_root_disabled"
)

// FileDetails is the remote state a tracker last synced against.
type FileDetails struct {
	Kind  remotefs.FileKind
	Title string
	ETag  string
	MD5   string
}

// Tracker binds a path position under an origin to a believed remote object
// identity. An active tracker is the authoritative record for its
// parent+title slot; a dirty tracker has known remote changes that were not
// synced yet.
type Tracker struct {
	ID       int64
	Origin   string
	ParentID int64
	FileID   string
	Title    string
	Kind     TrackerKind
	Active   bool
	Dirty    bool

	// Synced is nil until the tracker has observed a successful sync.
	Synced *FileDetails
}

// HasSyncedDetails reports whether the tracker recorded a successful sync.
func (t *Tracker) HasSyncedDetails() bool {
	return t.Synced != nil
}

// IsFolder reports whether the last synced remote state was a folder.
func (t *Tracker) IsFolder() bool {
	return t.Synced != nil && t.Synced.Kind == remotefs.KindFolder
}

// dbTracker is the flattened row shape for sqlx scanning.
type dbTracker struct {
	ID          int64  `db:"tracker_id"`
	Origin      string `db:"origin"`
	ParentID    int64  `db:"parent_tracker_id"`
	FileID      string `db:"file_id"`
	Title       string `db:"title"`
	Kind        string `db:"kind"`
	Active      bool   `db:"active"`
	Dirty       bool   `db:"dirty"`
	HasSynced   bool   `db:"has_synced"`
	SyncedKind  string `db:"synced_kind"`
	SyncedTitle string `db:"synced_title"`
	SyncedETag  string `db:"synced_etag"`
	SyncedMD5   string `db:"synced_md5"`
}

func (r *dbTracker) toTracker() *Tracker {
	t := &Tracker{
		ID:       r.ID,
		Origin:   r.Origin,
		ParentID: r.ParentID,
		FileID:   r.FileID,
		Title:    r.Title,
		Kind:     TrackerKind(r.Kind),
		Active:   r.Active,
		Dirty:    r.Dirty,
	}
	if r.HasSynced {
		t.Synced = &FileDetails{
			Kind:  remotefs.FileKind(r.SyncedKind),
			Title: r.SyncedTitle,
			ETag:  r.SyncedETag,
			MD5:   r.SyncedMD5,
		}
	}
	return t
}

// dbRemoteFile is the flattened row shape for the remote_files table.
type dbRemoteFile struct {
	FileID       string `db:"file_id"`
	Kind         string `db:"kind"`
	Title        string `db:"title"`
	ETag         string `db:"etag"`
	MD5          string `db:"md5"`
	Size         int64  `db:"size"`
	ParentIDs    string `db:"parent_ids"`
	Missing      bool   `db:"missing"`
	ModifiedTime string `db:"modified_time"`
}

func (r *dbRemoteFile) toResource() (*FileResourceRecord, error) {
	var parents []string
	if r.ParentIDs != "" {
		if err := json.Unmarshal([]byte(r.ParentIDs), &parents); err != nil {
			return nil, err
		}
	}

	var modified time.Time
	if r.ModifiedTime != "" {
		modified, _ = time.Parse(time.RFC3339, r.ModifiedTime)
	}

	return &FileResourceRecord{
		FileResource: remotefs.FileResource{
			ID:           r.FileID,
			Kind:         remotefs.FileKind(r.Kind),
			Title:        r.Title,
			ETag:         r.ETag,
			MD5:          r.MD5,
			Size:         r.Size,
			ParentIDs:    parents,
			Missing:      r.Missing,
			ModifiedTime: modified,
		},
	}, nil
}

// FileResourceRecord is the store's snapshot of a remote object.
type FileResourceRecord struct {
	remotefs.FileResource
}

// Details projects the snapshot into tracker sync details.
func (f *FileResourceRecord) Details() *FileDetails {
	return &FileDetails{
		Kind:  f.Kind,
		Title: f.Title,
		ETag:  f.ETag,
		MD5:   f.MD5,
	}
}
