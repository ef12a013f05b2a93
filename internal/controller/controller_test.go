package controller

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/driveftp/internal/cache"
	"github.com/objectfs/driveftp/internal/remote/memory"
	"github.com/objectfs/driveftp/internal/syncer"
	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

type countingRefresher struct {
	next  Refresher
	err   error
	calls atomic.Int32
}

func (r *countingRefresher) SynchronizeFolder(ctx context.Context, id string) error {
	r.calls.Add(1)
	if r.err != nil {
		return r.err
	}
	return r.next.SynchronizeFolder(ctx, id)
}

type fixture struct {
	ctx       context.Context
	store     *cache.Store
	remote    *memory.Gateway
	engine    *syncer.Engine
	refresher *countingRefresher
	ctrl      *Controller
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := cache.Open(ctx, cache.Config{Path: filepath.Join(t.TempDir(), "cache.db"), PoolSize: 4}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	remote := memory.New()
	remote.AddFolder("docs", "docs", types.RootID)
	remote.AddFile("a", "a.txt", []byte("alpha"), types.RootID)
	remote.AddFile("b", "b.txt", []byte("bravo"), "docs")

	engine := syncer.New(store, remote, syncer.Config{Workers: 2}, nil, nil)
	require.NoError(t, engine.Cycle(ctx))

	refresher := &countingRefresher{next: engine}
	return &fixture{
		ctx:       ctx,
		store:     store,
		remote:    remote,
		engine:    engine,
		refresher: refresher,
		ctrl:      New(store, remote, refresher, cfg, nil, nil),
	}
}

func (f *fixture) entry(t *testing.T, id string) *types.Entry {
	t.Helper()
	e, err := f.store.GetEntry(f.ctx, id)
	require.NoError(t, err)
	return e
}

func names(entries []*types.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestGetFilesServesCache(t *testing.T) {
	f := newFixture(t, Config{})
	lists := f.remote.Calls("list")

	children, err := f.ctrl.GetFiles(f.ctx, types.RootID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"docs", "a.txt"}, names(children))
	assert.Equal(t, lists, f.remote.Calls("list"))
	assert.Zero(t, f.refresher.calls.Load())
}

func TestGetFilesForcesRefreshWhenPolled(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.AddFile("c", "c.txt", []byte("charlie"), types.RootID)

	for i := 0; i < 2; i++ {
		children, err := f.ctrl.GetFiles(f.ctx, types.RootID)
		require.NoError(t, err)
		assert.NotContains(t, names(children), "c.txt")
	}

	children, err := f.ctrl.GetFiles(f.ctx, types.RootID)
	require.NoError(t, err)
	assert.Contains(t, names(children), "c.txt")
	assert.EqualValues(t, 1, f.refresher.calls.Load())
}

func TestGetChildrenNeverForcesRefresh(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.AddFile("c", "c.txt", []byte("charlie"), types.RootID)

	for i := 0; i < 5; i++ {
		children, err := f.ctrl.GetChildren(f.ctx, types.RootID)
		require.NoError(t, err)
		assert.NotContains(t, names(children), "c.txt")
	}
	assert.Zero(t, f.refresher.calls.Load())

	children, err := f.ctrl.GetFiles(f.ctx, types.RootID)
	require.NoError(t, err)
	assert.NotContains(t, names(children), "c.txt")
	assert.Zero(t, f.refresher.calls.Load())
}

func TestGetFilesServesCacheWhenRefreshFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.refresher.err = errors.Transient("remote down", nil)

	for i := 0; i < 3; i++ {
		children, err := f.ctrl.GetFiles(f.ctx, types.RootID)
		require.NoError(t, err)
		assert.Len(t, children, 2)
	}
	assert.EqualValues(t, 1, f.refresher.calls.Load())
}

func TestGetFileByName(t *testing.T) {
	f := newFixture(t, Config{})

	e, err := f.ctrl.GetFileByName(f.ctx, "docs", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "b", e.ID)

	_, err = f.ctrl.GetFileByName(f.ctx, "docs", "missing.txt")
	assert.True(t, errors.IsEntryNotFound(err))
}

func TestPatchRejectsEmptyPatch(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.ctrl.Patch(f.ctx, f.entry(t, "a"), types.Patch{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidPatch))
	assert.Zero(t, f.remote.Calls("patch"))
}

func TestRenameUpdatesCache(t *testing.T) {
	f := newFixture(t, Config{})
	original := f.entry(t, "a")

	renamed, err := f.ctrl.Rename(f.ctx, original, "z.txt")
	require.NoError(t, err)
	assert.Equal(t, "z.txt", renamed.Name)

	cursor, _, err := f.store.GetRevisionCursor(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, cursor, renamed.Revision)

	cached := f.entry(t, "a")
	assert.Equal(t, "z.txt", cached.Name)
	assert.Equal(t, []string{types.RootID}, cached.Parents)
}

func TestRenameDirectoryKeepsListingRevision(t *testing.T) {
	f := newFixture(t, Config{})
	docs := f.entry(t, "docs")
	require.True(t, docs.Revision.IsSet())

	renamed, err := f.ctrl.Rename(f.ctx, docs, "papers")
	require.NoError(t, err)
	assert.Equal(t, docs.Revision, renamed.Revision)

	children, err := f.store.GetChildren(f.ctx, "docs")
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestPatchFailureLeavesCache(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.FailNext("patch", errors.NewError(errors.ErrCodeAccessDenied, "read only"))

	_, err := f.ctrl.Rename(f.ctx, f.entry(t, "a"), "z.txt")
	assert.True(t, errors.HasCode(err, errors.ErrCodeAccessDenied))
	assert.Equal(t, "a.txt", f.entry(t, "a").Name)
}

func TestTouch(t *testing.T) {
	f := newFixture(t, Config{})
	when := time.Date(2020, 5, 17, 8, 30, 0, 0, time.UTC)

	touched, err := f.ctrl.Touch(f.ctx, f.entry(t, "a"), when)
	require.NoError(t, err)
	assert.True(t, when.Equal(touched.Modified))
	assert.True(t, when.Equal(f.entry(t, "a").Modified))
}

func TestTrash(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.ctrl.Trash(f.ctx, f.entry(t, "a")))
	_, err := f.store.GetEntry(f.ctx, "a")
	assert.True(t, errors.IsEntryNotFound(err))
}

func TestTrashAlreadyRemovedEntry(t *testing.T) {
	f := newFixture(t, Config{})
	b := f.entry(t, "b")
	f.remote.Remove("b")

	require.NoError(t, f.ctrl.Trash(f.ctx, b))
	_, err := f.store.GetEntry(f.ctx, "b")
	assert.True(t, errors.IsEntryNotFound(err))
}

func TestTrashRootIsRejected(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.ctrl.Trash(f.ctx, f.entry(t, types.RootID))
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnsupported))
	assert.Zero(t, f.remote.Calls("trash"))
}

func TestMkdir(t *testing.T) {
	f := newFixture(t, Config{})

	dir, err := f.ctrl.Mkdir(f.ctx, "docs", "drafts")
	require.NoError(t, err)
	assert.True(t, dir.IsDir)
	assert.True(t, dir.Revision.IsSet())
	assert.Equal(t, []string{"docs"}, dir.Parents)

	cached, err := f.store.GetEntryByName(f.ctx, "docs", "drafts")
	require.NoError(t, err)
	assert.Equal(t, dir.ID, cached.ID)

	pending, err := f.store.ListFoldersPendingBootstrap(f.ctx)
	require.NoError(t, err)
	assert.NotContains(t, pending, dir.ID)
}

func TestOpenRead(t *testing.T) {
	f := newFixture(t, Config{})

	rc, err := f.ctrl.OpenRead(f.ctx, f.entry(t, "a"), 2)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "pha", string(data))

	_, err = f.ctrl.OpenRead(f.ctx, f.entry(t, "docs"), 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeIsDirectory))
}

func TestOpenWriteCreatesFile(t *testing.T) {
	f := newFixture(t, Config{})

	w, err := f.ctrl.OpenWrite(f.ctx, &types.Entry{Name: "new.txt", Parents: []string{"docs"}})
	require.NoError(t, err)
	_, err = io.WriteString(w, "hello ")
	require.NoError(t, err)
	_, err = io.WriteString(w, "world")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	created, err := f.store.GetEntryByName(f.ctx, "docs", "new.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 11, created.Size)
	assert.True(t, created.Revision.IsSet())

	content, ok := f.remote.Content(created.ID)
	require.True(t, ok)
	assert.Equal(t, "hello world", string(content))
}

func TestOpenWriteReplacesExistingFile(t *testing.T) {
	f := newFixture(t, Config{})
	existing := f.entry(t, "b")
	existing.Parents = nil

	w, err := f.ctrl.OpenWrite(f.ctx, existing)
	require.NoError(t, err)
	_, err = io.WriteString(w, "replaced")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	cached := f.entry(t, "b")
	assert.EqualValues(t, 8, cached.Size)
	assert.Equal(t, []string{"docs"}, cached.Parents)
}

func TestOpenWriteFailureSurfacesOnClose(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.FailNext("upload", errors.Transient("503", nil))

	w, err := f.ctrl.OpenWrite(f.ctx, &types.Entry{Name: "lost.txt", Parents: []string{types.RootID}})
	require.NoError(t, err)
	_, _ = io.WriteString(w, "data")

	err = w.Close()
	assert.True(t, errors.HasCode(err, errors.ErrCodeUploadFailed))
	assert.Equal(t, err, w.Close())

	_, err = f.store.GetEntryByName(f.ctx, types.RootID, "lost.txt")
	assert.True(t, errors.IsEntryNotFound(err))
}

func TestOpenWriteWithoutParent(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.ctrl.OpenWrite(f.ctx, &types.Entry{Name: "orphan.txt"})
	assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid))
}

type stalledGateway struct {
	*memory.Gateway
}

func (g stalledGateway) UploadFile(ctx context.Context, entry *types.Entry, content io.Reader) (*types.RemoteEntry, error) {
	if _, err := io.Copy(io.Discard, content); err != nil {
		return nil, err
	}
	<-ctx.Done()
	return nil, fmt.Errorf("upload abandoned: %w", ctx.Err())
}

func TestOpenWriteCloseTimesOut(t *testing.T) {
	f := newFixture(t, Config{})
	ctrl := New(f.store, stalledGateway{f.remote}, f.refresher, Config{UploadTimeout: 50 * time.Millisecond}, nil, nil)

	w, err := ctrl.OpenWrite(f.ctx, &types.Entry{Name: "slow.txt", Parents: []string{types.RootID}})
	require.NoError(t, err)
	_, err = io.WriteString(w, "data")
	require.NoError(t, err)

	err = w.Close()
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationTimeout))
}
