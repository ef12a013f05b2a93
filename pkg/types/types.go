package types

import (
	"time"
)

// RootID is the reserved id of the top-level directory. It always exists.
const RootID = "root"

// FolderMimeType marks directories in the remote store.
const FolderMimeType = "application/vnd.google-apps.folder"

// Revision is a remote change token. The zero value means "not set".
type Revision int64

// IsSet reports whether r carries a real change token.
func (r Revision) IsSet() bool {
	return r > 0
}

// Entry is the cached metadata of a single file or directory.
type Entry struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	IsDir    bool      `json:"is_dir"`
	Size     int64     `json:"size"`
	MimeType string    `json:"mime_type"`
	MD5      string    `json:"md5,omitempty"`
	Modified time.Time `json:"modified"`

	// Revision is unset for a directory whose children have not been
	// listed yet, and for a file not yet confirmed by a processed change.
	Revision Revision `json:"revision,omitempty"`

	// Parents holds the ids of the directories containing this entry.
	Parents []string `json:"parents,omitempty"`
}

// Exists reports whether the entry refers to a real remote object. Path
// resolution hands out id-less placeholders for names that do not exist yet.
func (e *Entry) Exists() bool {
	return e != nil && e.ID != ""
}

// HasParent reports whether id is one of the entry's parents.
func (e *Entry) HasParent(id string) bool {
	for _, p := range e.Parents {
		if p == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Parents != nil {
		c.Parents = append([]string(nil), e.Parents...)
	}
	return &c
}

// RemoteEntry is an entry as reported by the remote gateway.
type RemoteEntry struct {
	Entry

	Trashed bool `json:"trashed"`

	// Version changes whenever the remote object changes. It is only used
	// to detect races while listing a folder and is never persisted.
	Version int64 `json:"version,omitempty"`
}

// Change is one item of the remote change feed.
type Change struct {
	Revision Revision     `json:"revision"`
	FileID   string       `json:"file_id"`
	Deleted  bool         `json:"deleted"`
	Snapshot *RemoteEntry `json:"snapshot,omitempty"`
}

// Removes reports whether applying the change removes the entry locally.
func (c *Change) Removes() bool {
	return c.Deleted || c.Snapshot == nil || c.Snapshot.Trashed
}

// Patch is a metadata update. At least one field must be set.
type Patch struct {
	Name     *string    `json:"name,omitempty"`
	Modified *time.Time `json:"modified,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Modified == nil
}

// CacheStats summarizes the contents of the metadata cache.
type CacheStats struct {
	Entries        int64    `json:"entries"`
	Edges          int64    `json:"edges"`
	PendingFolders int64    `json:"pending_folders"`
	Cursor         Revision `json:"cursor"`
}
