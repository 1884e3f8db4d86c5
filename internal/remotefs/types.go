package remotefs

import "time"

// FileKind classifies a remote object.
type FileKind string

const (
	KindFile   FileKind = "file"
	KindFolder FileKind = "folder"
)

// FileResource is the remote store's view of one object.
type FileResource struct {
	ID           string    `json:"id"`
	Kind         FileKind  `json:"kind"`
	Title        string    `json:"title"`
	ETag         string    `json:"etag"`
	MD5          string    `json:"md5,omitempty"`
	Size         int64     `json:"size"`
	ParentIDs    []string  `json:"parent_ids"`
	Missing      bool      `json:"missing,omitempty"`
	ModifiedTime time.Time `json:"modified_time"`
}

// IsFolder reports whether the resource is a folder.
func (r *FileResource) IsFolder() bool {
	return r.Kind == KindFolder
}

// HasParent reports whether parentID is one of the resource's parents.
func (r *FileResource) HasParent(parentID string) bool {
	for _, id := range r.ParentIDs {
		if id == parentID {
			return true
		}
	}
	return false
}

// ChangeList is one page of the remote change feed.
type ChangeList struct {
	Changes       []Change `json:"changes"`
	NextCursor    string   `json:"next_cursor,omitempty"`
	LargestCursor string   `json:"largest_cursor"`
}

// Change is one entry in the remote change feed. Deleted entries carry only
// the file ID.
type Change struct {
	FileID   string        `json:"file_id"`
	Deleted  bool          `json:"deleted"`
	Resource *FileResource `json:"resource,omitempty"`
}

type createFolderRequest struct {
	ParentID string `json:"parent_id"`
	Title    string `json:"title"`
}
