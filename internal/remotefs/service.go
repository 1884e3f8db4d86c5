package remotefs

import "context"

// Service is the remote file store consumed by the sync engine. Every call
// maps to at most one remote mutation; errors carry typed API codes that the
// engine translates into sync status codes.
type Service interface {
	// CreateFolder creates a folder titled title under parentID.
	CreateFolder(ctx context.Context, parentID, title string) (*FileResource, error)

	// DeleteResource deletes a resource by identity, conditional on etag.
	// Pass an empty etag to delete unconditionally.
	DeleteResource(ctx context.Context, fileID, etag string) error

	// UploadNewFile uploads localPath as a new file titled title under
	// parentID.
	UploadNewFile(ctx context.Context, parentID, localPath, title, mimeType string) (*FileResource, error)

	// UploadExistingFile replaces the content of fileID with localPath,
	// conditional on etag.
	UploadExistingFile(ctx context.Context, fileID, localPath, etag string) (*FileResource, error)

	// GetFileMetadata fetches the current remote snapshot of fileID.
	GetFileMetadata(ctx context.Context, fileID string) (*FileResource, error)

	// RemoveFromParent detaches fileID from parentID without deleting it.
	RemoveFromParent(ctx context.Context, parentID, fileID string) error

	// ListChanges pages the remote change feed starting at cursor.
	ListChanges(ctx context.Context, cursor string) (*ChangeList, error)
}
