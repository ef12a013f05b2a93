package vfs

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/driveftp/internal/cache"
	"github.com/objectfs/driveftp/internal/controller"
	"github.com/objectfs/driveftp/internal/remote/memory"
	"github.com/objectfs/driveftp/internal/syncer"
	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

type fixture struct {
	ctx    context.Context
	remote *memory.Gateway
	ctrl   *controller.Controller
}

// newFixture builds a synchronized tree:
//
//	/a.txt (x)  /a.txt (y)  /q:r  /q_r
//	/docs/b:c.txt  /docs/sub/
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := cache.Open(ctx, cache.Config{Path: filepath.Join(t.TempDir(), "cache.db"), PoolSize: 4}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	remote := memory.New()
	remote.AddFile("x", "a.txt", []byte("first"), types.RootID)
	remote.AddFile("y", "a.txt", []byte("second"), types.RootID)
	remote.AddFile("q1", "q:r", []byte("colon"), types.RootID)
	remote.AddFile("q2", "q_r", []byte("underscore"), types.RootID)
	remote.AddFolder("docs", "docs", types.RootID)
	remote.AddFile("bc", "b:c.txt", []byte("illegal"), "docs")
	remote.AddFolder("sub", "sub", "docs")

	engine := syncer.New(store, remote, syncer.Config{Workers: 2}, nil, nil)
	require.NoError(t, engine.Cycle(ctx))

	return &fixture{
		ctx:    ctx,
		remote: remote,
		ctrl:   controller.New(store, remote, engine, controller.Config{}, nil, nil),
	}
}

func (f *fixture) view(cfg Config) *View {
	return NewView(f.ctrl, cfg, nil)
}

func (f *fixture) resolve(t *testing.T, v *View, path string) *Handle {
	t.Helper()
	h, err := v.Resolve(f.ctx, path)
	require.NoError(t, err)
	return h
}

func listNames(t *testing.T, ctx context.Context, h *Handle) []string {
	t.Helper()
	children, err := h.List(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(children))
	for _, c := range children {
		names = append(names, c.Name())
	}
	return names
}

func TestHomeDirectory(t *testing.T) {
	f := newFixture(t)
	v := f.view(Config{})

	home, err := v.HomeDirectory(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "/", home.Name())
	assert.Equal(t, "/", home.Path())
	assert.Equal(t, types.RootID, home.ID())
	assert.True(t, home.IsDirectory())

	cwd, err := v.WorkingDirectory(f.ctx)
	require.NoError(t, err)
	assert.Same(t, home, cwd)
}

func TestListEncodesDuplicateSiblings(t *testing.T) {
	f := newFixture(t)
	v := f.view(Config{})
	home, err := v.HomeDirectory(f.ctx)
	require.NoError(t, err)

	names := listNames(t, f.ctx, home)
	assert.ElementsMatch(t, []string{
		"a__ID__x__ID__.txt",
		"a__ID__y__ID__.txt",
		"q_r__ID__q1__ID__",
		"q_r__ID__q2__ID__",
		"docs",
	}, names)
}

func TestResolveDuplicateSiblings(t *testing.T) {
	f := newFixture(t)
	v := f.view(Config{})

	x := f.resolve(t, v, "/a__ID__x__ID__.txt")
	assert.True(t, x.Exists())
	assert.Equal(t, "x", x.ID())
	assert.Equal(t, "a__ID__x__ID__.txt", x.Name())

	y := f.resolve(t, v, "a__ID__y__ID__.txt")
	assert.Equal(t, "y", y.ID())

	// The bare name is ambiguous and is not shown by any listing.
	plain := f.resolve(t, v, "/a.txt")
	assert.False(t, plain.Exists())

	// An id that lives elsewhere does not resolve here.
	elsewhere := f.resolve(t, v, "/a__ID__bc__ID__.txt")
	assert.False(t, elsewhere.Exists())
}

func TestResolveSanitizedNames(t *testing.T) {
	f := newFixture(t)
	v := f.view(Config{})

	bc := f.resolve(t, v, "/docs/b_c.txt")
	assert.True(t, bc.Exists())
	assert.Equal(t, "bc", bc.ID())

	exact := f.resolve(t, v, "/docs/b:c.txt")
	assert.Equal(t, "bc", exact.ID())

	q := f.resolve(t, v, "/q_r__ID__q1__ID__")
	assert.Equal(t, "q1", q.ID())
}

func TestResolveMissingNamesDoesNotRefresh(t *testing.T) {
	f := newFixture(t)
	v := f.view(Config{})
	lists := f.remote.Calls("list")

	for _, path := range []string{"/new1", "/new2", "/new3", "/new4"} {
		h := f.resolve(t, v, path)
		assert.False(t, h.Exists(), path)
	}
	assert.Equal(t, lists, f.remote.Calls("list"))
}

func TestChangeWorkingDirectory(t *testing.T) {
	f := newFixture(t)
	v := f.view(Config{})

	require.True(t, v.ChangeWorkingDirectory(f.ctx, "docs"))
	cwd, err := v.WorkingDirectory(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "/docs", cwd.Path())

	assert.Equal(t, "bc", f.resolve(t, v, "b_c.txt").ID())
	assert.Equal(t, "bc", f.resolve(t, v, "/docs/b_c.txt").ID())
	assert.Equal(t, "sub", f.resolve(t, v, "/docs/sub").ID())
	assert.Equal(t, types.RootID, f.resolve(t, v, "..").ID())
	assert.Equal(t, "docs", f.resolve(t, v, "/docs").ID())
	assert.Equal(t, "x", f.resolve(t, v, "/a__ID__x__ID__.txt").ID())

	assert.False(t, v.ChangeWorkingDirectory(f.ctx, "b_c.txt"))
	assert.False(t, v.ChangeWorkingDirectory(f.ctx, "missing"))
	cwd, err = v.WorkingDirectory(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "/docs", cwd.Path())

	require.True(t, v.ChangeWorkingDirectory(f.ctx, "sub"))
	require.True(t, v.ChangeWorkingDirectory(f.ctx, "../.."))
	cwd, err = v.WorkingDirectory(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "/", cwd.Path())
}

func TestParentNeverLeavesHome(t *testing.T) {
	f := newFixture(t)
	v := f.view(Config{Home: "/docs"})

	home, err := v.HomeDirectory(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "docs", home.ID())
	assert.Equal(t, "/", home.Path())

	assert.Equal(t, "docs", f.resolve(t, v, "/../..").ID())
	assert.Equal(t, "bc", f.resolve(t, v, "/b_c.txt").ID())
	assert.Equal(t, "bc", f.resolve(t, v, "../b_c.txt").ID())
	assert.False(t, f.resolve(t, v, "/docs").Exists())
}

func TestInvalidHome(t *testing.T) {
	f := newFixture(t)

	_, err := f.view(Config{Home: "/missing"}).HomeDirectory(f.ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))

	_, err = f.view(Config{Home: "/docs/b_c.txt"}).HomeDirectory(f.ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func TestResolveThroughNonDirectories(t *testing.T) {
	f := newFixture(t)
	v := f.view(Config{})

	_, err := v.Resolve(f.ctx, "/docs/b_c.txt/z")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotDirectory))

	_, err = v.Resolve(f.ctx, "/missing/z")
	assert.True(t, errors.IsEntryNotFound(err))
}

func TestMkdir(t *testing.T) {
	f := newFixture(t)
	v := f.view(Config{})

	h := f.resolve(t, v, "/docs/new")
	require.False(t, h.Exists())
	require.NoError(t, h.Mkdir(f.ctx))
	assert.True(t, h.Exists())
	assert.True(t, h.IsDirectory())

	again := f.resolve(t, v, "/docs/new")
	assert.Equal(t, h.ID(), again.ID())
	err := again.Mkdir(f.ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyExists))

	children, err := again.List(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestWriteReadMoveDelete(t *testing.T) {
	f := newFixture(t)
	v := f.view(Config{})

	h := f.resolve(t, v, "/docs/up.txt")
	w, err := h.OpenWrite(f.ctx)
	require.NoError(t, err)
	_, err = io.WriteString(w, "uploaded")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.True(t, h.Exists())
	assert.EqualValues(t, 8, h.Size())

	r, err := f.resolve(t, v, "/docs/up.txt").OpenRead(f.ctx, 2)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "loaded", string(data))

	require.NoError(t, h.Move(f.ctx, "moved.txt"))
	assert.Equal(t, "moved.txt", h.Name())
	assert.Equal(t, "/docs/moved.txt", h.Path())
	assert.Equal(t, h.ID(), f.resolve(t, v, "/docs/moved.txt").ID())
	assert.False(t, f.resolve(t, v, "/docs/up.txt").Exists())

	when := time.Date(2021, 2, 3, 4, 5, 6, 0, time.UTC)
	require.NoError(t, h.SetModifiedTime(f.ctx, when))
	assert.True(t, when.Equal(h.ModTime()))

	require.NoError(t, h.Delete(f.ctx))
	assert.False(t, h.Exists())
	assert.False(t, f.resolve(t, v, "/docs/moved.txt").Exists())
}

func TestMutatorsRejectInvalidTargets(t *testing.T) {
	f := newFixture(t)
	v := f.view(Config{})
	home, err := v.HomeDirectory(f.ctx)
	require.NoError(t, err)

	assert.True(t, errors.HasCode(home.Delete(f.ctx), errors.ErrCodeUnsupported))
	assert.True(t, errors.HasCode(home.Move(f.ctx, "x"), errors.ErrCodeUnsupported))

	missing := f.resolve(t, v, "/nope.txt")
	assert.True(t, errors.IsEntryNotFound(missing.Delete(f.ctx)))
	_, err = missing.OpenRead(f.ctx, 0)
	assert.True(t, errors.IsEntryNotFound(err))

	docs := f.resolve(t, v, "/docs")
	assert.True(t, errors.HasCode(docs.Move(f.ctx, "a/b"), errors.ErrCodePathInvalid))
	_, err = docs.OpenWrite(f.ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeIsDirectory))

	_, err = f.resolve(t, v, "/docs/b_c.txt").List(f.ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotDirectory))
}

func TestLookup(t *testing.T) {
	f := newFixture(t)
	v := f.view(Config{})
	docs := f.resolve(t, v, "/docs")

	h, err := docs.Lookup(f.ctx, "b_c.txt")
	require.NoError(t, err)
	assert.Equal(t, "bc", h.ID())
	assert.Same(t, docs, h.Parent())

	_, err = docs.Lookup(f.ctx, "..")
	assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid))
}
