// Package memory implements an in-process remote store with a change feed.
// It backs the "memory" provider and serves as the remote double in tests.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

type object struct {
	entry   types.RemoteEntry
	content []byte
}

// Gateway is a thread-safe in-memory implementation of types.Gateway.
type Gateway struct {
	mu       sync.Mutex
	objects  map[string]*object
	changes  []types.Change
	revision types.Revision
	nextID   int
	pageSize int
	now      func() time.Time

	failures map[string][]error
	calls    map[string]int

	// OnList runs after a folder listing was computed and before it is
	// returned, without the lock held. Tests use it to race the listing.
	OnList func(folderID string)
}

var _ types.Gateway = (*Gateway)(nil)

// Option configures a Gateway.
type Option func(*Gateway)

// WithPageSize limits the number of changes returned per GetAllChanges call.
func WithPageSize(n int) Option {
	return func(g *Gateway) { g.pageSize = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithStartRevision makes the feed start after rev.
func WithStartRevision(rev types.Revision) Option {
	return func(g *Gateway) { g.revision = rev }
}

// New returns a store that contains only the root directory. The feed
// starts at revision 1; the first mutation is recorded as revision 2.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		revision: 1,
		objects:  make(map[string]*object),
		pageSize: 1000,
		now:      time.Now,
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.objects[types.RootID] = &object{entry: types.RemoteEntry{
		Entry: types.Entry{
			ID:       types.RootID,
			IsDir:    true,
			MimeType: types.FolderMimeType,
			Modified: g.now().UTC().Truncate(time.Millisecond),
		},
	}}
	return g
}

// StartRevision returns the newest change token.
func (g *Gateway) StartRevision(ctx context.Context) (types.Revision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("start_revision"); err != nil {
		return 0, err
	}
	return g.revision, nil
}

// GetAllChanges returns up to one page of changes with Revision >= since.
func (g *Gateway) GetAllChanges(ctx context.Context, since types.Revision) ([]*types.Change, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("get_changes"); err != nil {
		return nil, err
	}

	var out []*types.Change
	for i := range g.changes {
		if g.changes[i].Revision < since {
			continue
		}
		change := g.changes[i]
		if change.Snapshot != nil {
			snapshot := *change.Snapshot
			snapshot.Entry = *change.Snapshot.Entry.Clone()
			change.Snapshot = &snapshot
		}
		out = append(out, &change)
		if len(out) == g.pageSize {
			break
		}
	}
	return out, nil
}

// GetFile returns the object; trashed objects are still returned.
func (g *Gateway) GetFile(ctx context.Context, id string) (*types.RemoteEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("get_file"); err != nil {
		return nil, err
	}
	obj, ok := g.objects[id]
	if !ok {
		return nil, errors.NotFound(id)
	}
	return snapshot(obj), nil
}

// List returns the non-trashed children of folderID sorted by name.
func (g *Gateway) List(ctx context.Context, folderID string) ([]*types.RemoteEntry, error) {
	g.mu.Lock()
	if err := g.enter("list"); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	if _, ok := g.objects[folderID]; !ok {
		g.mu.Unlock()
		return nil, errors.NotFound(folderID)
	}

	var children []*types.RemoteEntry
	for _, obj := range g.objects {
		if !obj.entry.Trashed && obj.entry.HasParent(folderID) {
			children = append(children, snapshot(obj))
		}
	}
	hook := g.OnList
	g.mu.Unlock()

	sort.Slice(children, func(i, j int) bool {
		if children[i].Name != children[j].Name {
			return children[i].Name < children[j].Name
		}
		return children[i].ID < children[j].ID
	})

	if hook != nil {
		hook(folderID)
	}
	return children, nil
}

// UploadFile replaces the content of entry.ID, or creates a new file under
// entry.Parents when the entry does not exist yet.
func (g *Gateway) UploadFile(ctx context.Context, entry *types.Entry, content io.Reader) (*types.RemoteEntry, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeUploadFailed, "reading upload stream").WithCause(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("upload"); err != nil {
		return nil, err
	}

	obj, ok := g.objects[entry.ID]
	if entry.ID != "" && !ok {
		return nil, errors.NotFound(entry.ID)
	}
	if ok && obj.entry.IsDir {
		return nil, errors.NewError(errors.ErrCodeIsDirectory, "cannot upload over a directory").WithContext("id", entry.ID)
	}
	if !ok {
		if len(entry.Parents) == 0 {
			return nil, errors.NewError(errors.ErrCodeInvalidPatch, "new file needs a parent")
		}
		for _, p := range entry.Parents {
			if parent, exists := g.objects[p]; !exists || !parent.entry.IsDir {
				return nil, errors.NotFound(p)
			}
		}
		g.nextID++
		obj = &object{entry: types.RemoteEntry{Entry: types.Entry{
			ID:       fmt.Sprintf("file-%d", g.nextID),
			Name:     entry.Name,
			MimeType: mimeTypeOr(entry.MimeType),
			Parents:  append([]string(nil), entry.Parents...),
		}}}
		g.objects[obj.entry.ID] = obj
	}

	sum := md5.Sum(data)
	obj.content = data
	obj.entry.Size = int64(len(data))
	obj.entry.MD5 = hex.EncodeToString(sum[:])
	obj.entry.Modified = g.now().UTC().Truncate(time.Millisecond)
	g.record(obj)
	return snapshot(obj), nil
}

// PatchFile renames and/or sets the modification time of id.
func (g *Gateway) PatchFile(ctx context.Context, id string, patch types.Patch) (*types.RemoteEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("patch"); err != nil {
		return nil, err
	}
	obj, ok := g.objects[id]
	if !ok || obj.entry.Trashed {
		return nil, errors.NotFound(id)
	}
	if patch.Name != nil {
		obj.entry.Name = *patch.Name
	}
	if patch.Modified != nil {
		obj.entry.Modified = patch.Modified.UTC().Truncate(time.Millisecond)
	}
	g.record(obj)
	return snapshot(obj), nil
}

// TrashFile marks id as trashed.
func (g *Gateway) TrashFile(ctx context.Context, id string) (*types.RemoteEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("trash"); err != nil {
		return nil, err
	}
	obj, ok := g.objects[id]
	if !ok {
		return nil, errors.NotFound(id)
	}
	if id == types.RootID {
		return nil, errors.NewError(errors.ErrCodeUnsupported, "cannot trash the root directory")
	}
	obj.entry.Trashed = true
	g.record(obj)
	return snapshot(obj), nil
}

// Mkdir creates a directory.
func (g *Gateway) Mkdir(ctx context.Context, parentID, name string) (*types.RemoteEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("mkdir"); err != nil {
		return nil, err
	}
	parent, ok := g.objects[parentID]
	if !ok || parent.entry.Trashed {
		return nil, errors.NotFound(parentID)
	}
	if !parent.entry.IsDir {
		return nil, errors.NewError(errors.ErrCodeNotDirectory, "parent is not a directory").WithContext("id", parentID)
	}
	g.nextID++
	obj := &object{entry: types.RemoteEntry{Entry: types.Entry{
		ID:       fmt.Sprintf("dir-%d", g.nextID),
		Name:     name,
		IsDir:    true,
		MimeType: types.FolderMimeType,
		Modified: g.now().UTC().Truncate(time.Millisecond),
		Parents:  []string{parentID},
	}}}
	g.objects[obj.entry.ID] = obj
	g.record(obj)
	return snapshot(obj), nil
}

// DownloadFile returns the content of entry from offset.
func (g *Gateway) DownloadFile(ctx context.Context, entry *types.Entry, offset int64) (io.ReadCloser, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("download"); err != nil {
		return nil, err
	}
	obj, ok := g.objects[entry.ID]
	if !ok || obj.entry.Trashed {
		return nil, errors.NotFound(entry.ID)
	}
	if obj.entry.IsDir {
		return nil, errors.NewError(errors.ErrCodeIsDirectory, "cannot download a directory").WithContext("id", entry.ID)
	}
	if offset > int64(len(obj.content)) {
		offset = int64(len(obj.content))
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.content[offset:]...))), nil
}

// Seed operations. They bypass failure injection and are meant for test setup.

// AddFolder creates a directory with a fixed id and records a change.
func (g *Gateway) AddFolder(id, name string, parents ...string) *types.RemoteEntry {
	return g.add(&object{entry: types.RemoteEntry{Entry: types.Entry{
		ID: id, Name: name, IsDir: true, MimeType: types.FolderMimeType, Parents: parents,
	}}})
}

// AddFile creates a file with a fixed id and records a change.
func (g *Gateway) AddFile(id, name string, content []byte, parents ...string) *types.RemoteEntry {
	sum := md5.Sum(content)
	return g.add(&object{
		entry: types.RemoteEntry{Entry: types.Entry{
			ID: id, Name: name, Size: int64(len(content)), MimeType: "application/octet-stream",
			MD5: hex.EncodeToString(sum[:]), Parents: parents,
		}},
		content: append([]byte(nil), content...),
	})
}

func (g *Gateway) add(obj *object) *types.RemoteEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	obj.entry.Modified = g.now().UTC().Truncate(time.Millisecond)
	g.objects[obj.entry.ID] = obj
	g.record(obj)
	return snapshot(obj)
}

// Remove deletes id permanently and records a deletion change.
func (g *Gateway) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.objects[id]; !ok {
		return
	}
	delete(g.objects, id)
	g.revision++
	g.changes = append(g.changes, types.Change{Revision: g.revision, FileID: id, Deleted: true})
}

// Trash marks id as trashed and records the change.
func (g *Gateway) Trash(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if obj, ok := g.objects[id]; ok {
		obj.entry.Trashed = true
		g.record(obj)
	}
}

// Touch bumps the version of id and records the change.
func (g *Gateway) Touch(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if obj, ok := g.objects[id]; ok {
		g.record(obj)
	}
}

// Content returns a copy of the stored bytes of id.
func (g *Gateway) Content(id string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	obj, ok := g.objects[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.content...), true
}

// Revision returns the newest change token.
func (g *Gateway) Revision() types.Revision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.revision
}

// FailNext makes the next len(errs) calls of op return errs in order.
func (g *Gateway) FailNext(op string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], errs...)
}

// Calls returns how many times op was invoked.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// enter counts the call and pops an injected failure. Callers hold g.mu.
func (g *Gateway) enter(op string) error {
	g.calls[op]++
	if queue := g.failures[op]; len(queue) > 0 {
		g.failures[op] = queue[1:]
		return queue[0]
	}
	return nil
}

// record bumps the revision and the object version and appends a change.
// Callers hold g.mu.
func (g *Gateway) record(obj *object) {
	g.revision++
	obj.entry.Version++
	g.changes = append(g.changes, types.Change{
		Revision: g.revision,
		FileID:   obj.entry.ID,
		Snapshot: snapshot(obj),
	})
}

func snapshot(obj *object) *types.RemoteEntry {
	e := obj.entry
	e.Entry = *obj.entry.Entry.Clone()
	return &e
}

func mimeTypeOr(mimeType string) string {
	if mimeType == "" {
		return "application/octet-stream"
	}
	return mimeType
}
