// Package metadata is the authoritative mapping between remote object
// identities and the trackers representing the believed remote tree shape.
// The sync engine is its only writer; all mutations run inside SQLite
// transactions.
package metadata

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"github.com/driveback/driveback/internal/db"
	"github.com/driveback/driveback/internal/remotefs"
)

const schema = `
CREATE TABLE IF NOT EXISTS remote_files (
    file_id       TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    title         TEXT NOT NULL,
    etag          TEXT NOT NULL,
    md5           TEXT NOT NULL DEFAULT '',
    size          INTEGER NOT NULL DEFAULT 0,
    parent_ids    TEXT NOT NULL DEFAULT '[]',
    missing       INTEGER NOT NULL DEFAULT 0,
    modified_time TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS trackers (
    tracker_id        INTEGER PRIMARY KEY AUTOINCREMENT,
    origin            TEXT NOT NULL,
    parent_tracker_id INTEGER NOT NULL DEFAULT 0,
    file_id           TEXT NOT NULL DEFAULT '',
    title             TEXT NOT NULL,
    kind              TEXT NOT NULL DEFAULT 'regular',
    active            INTEGER NOT NULL DEFAULT 0,
    dirty             INTEGER NOT NULL DEFAULT 0,
    has_synced        INTEGER NOT NULL DEFAULT 0,
    synced_kind       TEXT NOT NULL DEFAULT '',
    synced_title      TEXT NOT NULL DEFAULT '',
    synced_etag       TEXT NOT NULL DEFAULT '',
    synced_md5        TEXT NOT NULL DEFAULT ''
);

-- At most one active tracker per parent+title slot.
CREATE UNIQUE INDEX IF NOT EXISTS idx_trackers_active_slot
    ON trackers(parent_tracker_id, title) WHERE active = 1 AND parent_tracker_id != 0;
CREATE UNIQUE INDEX IF NOT EXISTS idx_trackers_origin_root
    ON trackers(origin) WHERE kind != 'regular';
CREATE INDEX IF NOT EXISTS idx_trackers_file_id ON trackers(file_id);
CREATE INDEX IF NOT EXISTS idx_trackers_dirty ON trackers(dirty) WHERE dirty = 1;

CREATE TABLE IF NOT EXISTS sync_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const (
	trackerColumns = `tracker_id, origin, parent_tracker_id, file_id, title, kind,
	active, dirty, has_synced, synced_kind, synced_title, synced_etag, synced_md5`

	fileColumns = `file_id, kind, title, etag, md5, size, parent_ids, missing, modified_time`

	changeCursorKey     = "change_cursor"
	originCacheCapacity = 64
)

var (
	// ErrNotFound is returned by point lookups that matched nothing.
	ErrNotFound = errors.New("metadata: not found")
)

// ActivationStatus is the outcome of TryActivateTracker.
type ActivationStatus int

const (
	// ActivationOK - the tracker is now the active record for its slot.
	ActivationOK ActivationStatus = iota
	// ActivationFailedAnotherActiveTracker - a different remote object
	// already holds the slot; the caller must back out its candidate.
	ActivationFailedAnotherActiveTracker
)

// Store is the SQLite-backed metadata store.
type Store struct {
	db         *sqlx.DB
	dbPath     string
	originRoot *lru.Cache[string, int64]
}

// NewStore creates a store backed by the database at dbPath. Use ":memory:"
// for tests.
func NewStore(dbPath string) (*Store, error) {
	cache, err := lru.New[string, int64](originCacheCapacity)
	if err != nil {
		return nil, err
	}
	return &Store{
		dbPath:     dbPath,
		originRoot: cache,
	}, nil
}

// Open opens the database and applies the schema.
func (s *Store) Open() error {
	if s.db != nil {
		return fmt.Errorf("metadata store already open")
	}

	conn, err := db.NewSqliteDB(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return fmt.Errorf("initialize metadata schema: %w", err)
	}

	s.db = conn
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return fmt.Errorf("metadata store not open")
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// RegisterOrigin creates (or re-enables) the origin-root tracker bound to
// the remote folder root.
func (s *Store) RegisterOrigin(origin string, root *remotefs.FileResource) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertFile(tx, root); err != nil {
		return err
	}

	var existing dbTracker
	err = tx.Get(&existing,
		`SELECT `+trackerColumns+` FROM trackers WHERE origin = ? AND kind != 'regular'`, origin)
	switch {
	case err == nil:
		_, err = tx.Exec(
			`UPDATE trackers SET kind = ?, active = 1, file_id = ?, dirty = 0,
			 has_synced = 1, synced_kind = ?, synced_title = ?, synced_etag = ?, synced_md5 = ?
			 WHERE tracker_id = ?`,
			string(KindOriginRoot), root.ID,
			string(root.Kind), root.Title, root.ETag, root.MD5, existing.ID)
		if err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.Exec(
			`INSERT INTO trackers (origin, parent_tracker_id, file_id, title, kind, active, dirty,
			 has_synced, synced_kind, synced_title, synced_etag, synced_md5)
			 VALUES (?, 0, ?, ?, ?, 1, 0, 1, ?, ?, ?, ?)`,
			origin, root.ID, root.Title, string(KindOriginRoot),
			string(root.Kind), root.Title, root.ETag, root.MD5)
		if err != nil {
			return err
		}
	default:
		return err
	}

	s.originRoot.Remove(origin)
	slog.Debug("metadata register origin", "origin", origin, "fileId", root.ID)
	return tx.Commit()
}

// IsOriginRegistered reports whether an enabled origin-root tracker exists.
func (s *Store) IsOriginRegistered(origin string) (bool, error) {
	var count int
	err := s.db.Get(&count,
		`SELECT COUNT(*) FROM trackers WHERE origin = ? AND kind = ?`,
		origin, string(KindOriginRoot))
	return count > 0, err
}

// EnableOrigin re-enables a disabled origin root.
func (s *Store) EnableOrigin(origin string) error {
	s.originRoot.Remove(origin)
	_, err := s.db.Exec(
		`UPDATE trackers SET kind = ?, active = 1 WHERE origin = ? AND kind = ?`,
		string(KindOriginRoot), origin, string(KindOriginRootDisabled))
	return err
}

// DisableOrigin marks the origin root disabled. Its trackers survive for a
// later re-enable; the syncer reports UnknownOrigin while disabled.
func (s *Store) DisableOrigin(origin string) error {
	s.originRoot.Remove(origin)
	_, err := s.db.Exec(
		`UPDATE trackers SET kind = ?, active = 0 WHERE origin = ? AND kind = ?`,
		string(KindOriginRootDisabled), origin, string(KindOriginRoot))
	return err
}

// UninstallOrigin removes every tracker of the origin. Returns the file ID
// of the origin root, so the caller may purge the remote subtree.
func (s *Store) UninstallOrigin(origin string) (rootFileID string, err error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var fileID string
	err = tx.Get(&fileID,
		`SELECT file_id FROM trackers WHERE origin = ? AND kind != 'regular'`, origin)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	if _, err := tx.Exec(`DELETE FROM trackers WHERE origin = ?`, origin); err != nil {
		return "", err
	}

	s.originRoot.Remove(origin)
	return fileID, tx.Commit()
}

// Origins returns every known origin and whether it is enabled.
func (s *Store) Origins() (map[string]bool, error) {
	rows := []struct {
		Origin string `db:"origin"`
		Kind   string `db:"kind"`
	}{}
	err := s.db.Select(&rows,
		`SELECT origin, kind FROM trackers WHERE kind != 'regular' ORDER BY origin`)
	if err != nil {
		return nil, err
	}

	origins := make(map[string]bool, len(rows))
	for _, r := range rows {
		origins[r.Origin] = r.Kind == string(KindOriginRoot)
	}
	return origins, nil
}

// FindNearestActiveAncestor walks the active tracker tree from the origin
// root toward relPath and returns the deepest active tracker whose path is a
// prefix of relPath, with the path it covers ("" means the origin root).
// Returns ErrNotFound when the origin is not registered or disabled.
func (s *Store) FindNearestActiveAncestor(origin, relPath string) (*Tracker, string, error) {
	current, err := s.originRootTracker(origin)
	if err != nil {
		return nil, "", err
	}

	covered := make([]string, 0, 8)
	if relPath != "" {
		for _, component := range strings.Split(relPath, "/") {
			child, err := s.findActiveChild(current.ID, component)
			if errors.Is(err, ErrNotFound) {
				break
			}
			if err != nil {
				return nil, "", err
			}
			current = child
			covered = append(covered, component)

			// A file cannot have children; it is the deepest ancestor.
			if !current.IsFolder() {
				break
			}
		}
	}

	return current, strings.Join(covered, "/"), nil
}

func (s *Store) originRootTracker(origin string) (*Tracker, error) {
	if id, ok := s.originRoot.Get(origin); ok {
		t, err := s.FindTrackerByID(id)
		if err == nil && t.Kind == KindOriginRoot {
			return t, nil
		}
		s.originRoot.Remove(origin)
	}

	var row dbTracker
	err := s.db.Get(&row,
		`SELECT `+trackerColumns+` FROM trackers WHERE origin = ? AND kind = ?`,
		origin, string(KindOriginRoot))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.originRoot.Add(origin, row.ID)
	return row.toTracker(), nil
}

func (s *Store) findActiveChild(parentID int64, title string) (*Tracker, error) {
	var row dbTracker
	err := s.db.Get(&row,
		`SELECT `+trackerColumns+` FROM trackers
		 WHERE parent_tracker_id = ? AND title = ? AND active = 1`,
		parentID, title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toTracker(), nil
}

// FindTrackerByID returns the tracker with the given ID.
func (s *Store) FindTrackerByID(id int64) (*Tracker, error) {
	var row dbTracker
	err := s.db.Get(&row,
		`SELECT `+trackerColumns+` FROM trackers WHERE tracker_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toTracker(), nil
}

// FindFileByID returns the stored remote snapshot for fileID.
func (s *Store) FindFileByID(fileID string) (*FileResourceRecord, error) {
	var row dbRemoteFile
	err := s.db.Get(&row,
		`SELECT `+fileColumns+` FROM remote_files WHERE file_id = ?`, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toResource()
}

// UpdateTracker records a successful sync: the tracker's synced details are
// replaced and the dirty mark cleared.
func (s *Store) UpdateTracker(trackerID int64, details *FileDetails) error {
	res, err := s.db.Exec(
		`UPDATE trackers SET title = ?, dirty = 0, has_synced = 1,
		 synced_kind = ?, synced_title = ?, synced_etag = ?, synced_md5 = ?
		 WHERE tracker_id = ?`,
		details.Title, string(details.Kind), details.Title, details.ETag, details.MD5, trackerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateByFileResource refreshes the stored remote snapshot from a remote
// response or change listing. Trackers whose synced state diverges from the
// new snapshot are marked dirty; candidate (inactive) trackers are created
// under tracked parents that do not yet reference the file.
func (s *Store) UpdateByFileResource(resource *remotefs.FileResource) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertFile(tx, resource); err != nil {
		return err
	}

	_, err = tx.Exec(
		`UPDATE trackers SET dirty = 1
		 WHERE file_id = ? AND (has_synced = 0 OR synced_etag != ?)`,
		resource.ID, resource.ETag)
	if err != nil {
		return err
	}

	// Create candidate trackers under each tracked parent folder.
	for _, parentFileID := range resource.ParentIDs {
		parents := []dbTracker{}
		err := tx.Select(&parents,
			`SELECT `+trackerColumns+` FROM trackers WHERE file_id = ? AND active = 1`,
			parentFileID)
		if err != nil {
			return err
		}

		for _, parent := range parents {
			var count int
			err := tx.Get(&count,
				`SELECT COUNT(*) FROM trackers WHERE parent_tracker_id = ? AND file_id = ?`,
				parent.ID, resource.ID)
			if err != nil {
				return err
			}
			if count > 0 {
				continue
			}

			_, err = tx.Exec(
				`INSERT INTO trackers (origin, parent_tracker_id, file_id, title, kind, active, dirty)
				 VALUES (?, ?, ?, ?, 'regular', 0, 1)`,
				parent.Origin, parent.ID, resource.ID, resource.Title)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// RecordFileResource stores the remote snapshot without touching trackers.
// Used for freshly created resources that have not been activated yet.
func (s *Store) RecordFileResource(resource *remotefs.FileResource) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertFile(tx, resource); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateByDeletedRemoteFile records a remote deletion: the snapshot is
// marked missing and every tracker referencing the file is removed. The
// operation is idempotent.
func (s *Store) UpdateByDeletedRemoteFile(fileID string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE remote_files SET missing = 1 WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`DELETE FROM trackers WHERE file_id = ? AND kind = 'regular'`, fileID); err != nil {
		return err
	}

	return tx.Commit()
}

// ReplaceActiveTrackerWithNewResource makes resource the active record for
// its parent+title slot, superseding whatever tracker held the slot before.
func (s *Store) ReplaceActiveTrackerWithNewResource(parentTrackerID int64, resource *remotefs.FileResource) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertFile(tx, resource); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`DELETE FROM trackers WHERE parent_tracker_id = ? AND title = ? AND active = 1`,
		parentTrackerID, resource.Title); err != nil {
		return err
	}

	var origin string
	if err := tx.Get(&origin,
		`SELECT origin FROM trackers WHERE tracker_id = ?`, parentTrackerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	_, err = tx.Exec(
		`INSERT INTO trackers (origin, parent_tracker_id, file_id, title, kind, active, dirty,
		 has_synced, synced_kind, synced_title, synced_etag, synced_md5)
		 VALUES (?, ?, ?, ?, 'regular', 1, 0, 1, ?, ?, ?, ?)`,
		origin, parentTrackerID, resource.ID, resource.Title,
		string(resource.Kind), resource.Title, resource.ETag, resource.MD5)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// TryActivateTracker attempts to make fileID the active tracker for its
// title slot under parentTrackerID. Activation fails when a different remote
// object already holds the slot (a race with an independent change listing);
// the caller must then detach its freshly created resource and retry the
// whole pass.
func (s *Store) TryActivateTracker(parentTrackerID int64, fileID string) (ActivationStatus, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return ActivationFailedAnotherActiveTracker, err
	}
	defer tx.Rollback()

	var file dbRemoteFile
	err = tx.Get(&file,
		`SELECT `+fileColumns+` FROM remote_files WHERE file_id = ?`, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return ActivationFailedAnotherActiveTracker, ErrNotFound
	}
	if err != nil {
		return ActivationFailedAnotherActiveTracker, err
	}

	var slot dbTracker
	err = tx.Get(&slot,
		`SELECT `+trackerColumns+` FROM trackers
		 WHERE parent_tracker_id = ? AND title = ? AND active = 1`,
		parentTrackerID, file.Title)
	switch {
	case err == nil && slot.FileID != fileID:
		return ActivationFailedAnotherActiveTracker, nil
	case err == nil:
		// Already the active tracker for the slot; refresh synced state.
		_, err = tx.Exec(
			`UPDATE trackers SET dirty = 0, has_synced = 1,
			 synced_kind = ?, synced_title = ?, synced_etag = ?, synced_md5 = ?
			 WHERE tracker_id = ?`,
			file.Kind, file.Title, file.ETag, file.MD5, slot.ID)
		if err != nil {
			return ActivationFailedAnotherActiveTracker, err
		}
		return ActivationOK, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return ActivationFailedAnotherActiveTracker, err
	}

	var origin string
	if err := tx.Get(&origin,
		`SELECT origin FROM trackers WHERE tracker_id = ?`, parentTrackerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ActivationFailedAnotherActiveTracker, ErrNotFound
		}
		return ActivationFailedAnotherActiveTracker, err
	}

	// Promote an existing candidate tracker, or create the active tracker.
	res, err := s.activateCandidate(tx, parentTrackerID, fileID, &file)
	if err != nil {
		return ActivationFailedAnotherActiveTracker, err
	}
	if !res {
		_, err = tx.Exec(
			`INSERT INTO trackers (origin, parent_tracker_id, file_id, title, kind, active, dirty,
			 has_synced, synced_kind, synced_title, synced_etag, synced_md5)
			 VALUES (?, ?, ?, ?, 'regular', 1, 0, 1, ?, ?, ?, ?)`,
			origin, parentTrackerID, fileID, file.Title,
			file.Kind, file.Title, file.ETag, file.MD5)
		if err != nil {
			return ActivationFailedAnotherActiveTracker, err
		}
	}

	return ActivationOK, tx.Commit()
}

func (s *Store) activateCandidate(tx *sqlx.Tx, parentTrackerID int64, fileID string, file *dbRemoteFile) (bool, error) {
	res, err := tx.Exec(
		`UPDATE trackers SET active = 1, dirty = 0, title = ?, has_synced = 1,
		 synced_kind = ?, synced_title = ?, synced_etag = ?, synced_md5 = ?
		 WHERE parent_tracker_id = ? AND file_id = ? AND active = 0`,
		file.Title, file.Kind, file.Title, file.ETag, file.MD5,
		parentTrackerID, fileID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// HasDirtyTracker reports whether any tracker awaits conflict handling.
func (s *Store) HasDirtyTracker() (bool, error) {
	n, err := s.CountDirtyTrackers()
	return n > 0, err
}

// CountDirtyTrackers returns the number of dirty trackers.
func (s *Store) CountDirtyTrackers() (int, error) {
	var count int
	err := s.db.Get(&count, `SELECT COUNT(*) FROM trackers WHERE dirty = 1`)
	return count, err
}

// NextDirtyTracker returns the oldest dirty tracker, or ErrNotFound.
func (s *Store) NextDirtyTracker() (*Tracker, error) {
	var row dbTracker
	err := s.db.Get(&row,
		`SELECT `+trackerColumns+` FROM trackers WHERE dirty = 1 ORDER BY tracker_id LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toTracker(), nil
}

// ChangeCursor returns the last stored remote change-feed cursor.
func (s *Store) ChangeCursor() (string, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM sync_meta WHERE key = ?`, changeCursorKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetChangeCursor persists the remote change-feed cursor.
func (s *Store) SetChangeCursor(cursor string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)`,
		changeCursorKey, cursor)
	return err
}

func upsertFile(tx *sqlx.Tx, resource *remotefs.FileResource) error {
	parents, err := json.Marshal(resource.ParentIDs)
	if err != nil {
		return err
	}

	var modified string
	if !resource.ModifiedTime.IsZero() {
		modified = resource.ModifiedTime.Format(time.RFC3339)
	}

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO remote_files
		 (file_id, kind, title, etag, md5, size, parent_ids, missing, modified_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resource.ID, string(resource.Kind), resource.Title, resource.ETag,
		resource.MD5, resource.Size, string(parents), resource.Missing, modified)
	return err
}
