// Package syncfs holds the value types shared between the local change
// sources and the sync engine.
package syncfs

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// FileType classifies the local file behind a change.
type FileType string

const (
	TypeUnknown   FileType = "unknown"
	TypeFile      FileType = "file"
	TypeDirectory FileType = "directory"
)

// ChangeKind is the kind of local mutation observed.
type ChangeKind string

const (
	ChangeAddOrUpdate ChangeKind = "add_or_update"
	ChangeDelete      ChangeKind = "delete"
)

// FileChange describes one local file-system mutation. Immutable.
type FileChange struct {
	Kind ChangeKind
	Type FileType
}

func (c FileChange) IsDelete() bool      { return c.Kind == ChangeDelete }
func (c FileChange) IsAddOrUpdate() bool { return c.Kind == ChangeAddOrUpdate }
func (c FileChange) IsFile() bool        { return c.Type == TypeFile }
func (c FileChange) IsDirectory() bool   { return c.Type == TypeDirectory }

func (c FileChange) String() string {
	return fmt.Sprintf("%s:%s", c.Kind, c.Type)
}

// FileMetadata is a snapshot of the local file at change time. A Type of
// TypeUnknown combined with a non-delete change signals a stray or missing
// local file.
type FileMetadata struct {
	Type         FileType
	Size         int64
	LastModified time.Time
}

// Target is the virtual path a sync must reconcile: an origin (app identity)
// plus a slash-separated path relative to the origin root.
type Target struct {
	Origin string
	Path   string
}

func NewTarget(origin, relPath string) Target {
	return Target{Origin: origin, Path: normalizePath(relPath)}
}

func (t Target) IsValid() bool {
	return t.Origin != "" && t.Path != ""
}

// Base returns the final path component.
func (t Target) Base() string {
	return path.Base(t.Path)
}

// Components splits the path into its components.
func (t Target) Components() []string {
	if t.Path == "" {
		return nil
	}
	return strings.Split(t.Path, "/")
}

// WithPath returns a copy of the target pointing at a different path under
// the same origin.
func (t Target) WithPath(relPath string) Target {
	return Target{Origin: t.Origin, Path: normalizePath(relPath)}
}

func (t Target) String() string {
	return t.Origin + ":" + t.Path
}

func normalizePath(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "." {
		return ""
	}
	return p
}

// SyncAction is the audit/notification payload describing what a completed
// sync pass did. Not persisted.
type SyncAction string

const (
	ActionNone    SyncAction = "none"
	ActionAdded   SyncAction = "added"
	ActionUpdated SyncAction = "updated"
	ActionDeleted SyncAction = "deleted"
)

// SyncDirection tags file status notifications.
type SyncDirection string

const (
	DirectionLocalToRemote SyncDirection = "local_to_remote"
	DirectionRemoteToLocal SyncDirection = "remote_to_local"
)
