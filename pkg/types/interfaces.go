package types

import (
	"context"
	"io"
)

// Gateway defines the interface to the remote file store. Implementations
// translate the provider's wire format into Entry and Change values and
// report errors with driveftp error codes: NOT_FOUND when the object is gone,
// a retryable code for transient failures.
type Gateway interface {
	// Change feed
	StartRevision(ctx context.Context) (Revision, error)
	GetAllChanges(ctx context.Context, since Revision) ([]*Change, error)

	// Metadata
	GetFile(ctx context.Context, id string) (*RemoteEntry, error)
	List(ctx context.Context, folderID string) ([]*RemoteEntry, error)

	// Mutations
	UploadFile(ctx context.Context, entry *Entry, content io.Reader) (*RemoteEntry, error)
	PatchFile(ctx context.Context, id string, patch Patch) (*RemoteEntry, error)
	TrashFile(ctx context.Context, id string) (*RemoteEntry, error)
	Mkdir(ctx context.Context, parentID, name string) (*RemoteEntry, error)

	// Content
	DownloadFile(ctx context.Context, entry *Entry, offset int64) (io.ReadCloser, error)
}
