// Package vfs turns cached entries into the path namespace a protocol
// session navigates. Each session owns a View; all views share one
// Controller.
package vfs

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/driveftp/internal/logging"
	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

// Controller is the part of the controller a View needs.
type Controller interface {
	GetFile(ctx context.Context, id string) (*types.Entry, error)
	GetFileByName(ctx context.Context, parentID, name string) (*types.Entry, error)
	GetFiles(ctx context.Context, folderID string) ([]*types.Entry, error)
	GetChildren(ctx context.Context, folderID string) ([]*types.Entry, error)

	Rename(ctx context.Context, entry *types.Entry, name string) (*types.Entry, error)
	Touch(ctx context.Context, entry *types.Entry, modified time.Time) (*types.Entry, error)
	Trash(ctx context.Context, entry *types.Entry) error
	Mkdir(ctx context.Context, parentID, name string) (*types.Entry, error)

	OpenRead(ctx context.Context, entry *types.Entry, offset int64) (io.ReadCloser, error)
	OpenWrite(ctx context.Context, entry *types.Entry) (io.WriteCloser, error)
}

// Config configures path resolution.
type Config struct {
	// Home is the path, below the remote root, sessions start in and
	// cannot leave.
	Home string `yaml:"home"`

	// IllegalChars are replaced by Replacement in displayed names.
	IllegalChars string `yaml:"illegal_chars"`
	Replacement  string `yaml:"replacement"`
}

// DefaultIllegalChars is the substitution set used when none is configured.
const DefaultIllegalChars = `\/:*?"<>|`

// View is the filesystem of one protocol session.
type View struct {
	ctrl   Controller
	config Config
	namer  *Namer
	logger *zap.Logger

	mu   sync.Mutex
	home *Handle
	cwd  *Handle
}

// NewView creates a view. The home directory is resolved on first use.
func NewView(ctrl Controller, cfg Config, logger *zap.Logger) *View {
	if cfg.IllegalChars == "" {
		cfg.IllegalChars = DefaultIllegalChars
	}
	if cfg.Replacement == "" {
		cfg.Replacement = "_"
	}
	return &View{
		ctrl:   ctrl,
		config: cfg,
		namer:  NewNamer(cfg.IllegalChars, cfg.Replacement),
		logger: logging.OrNop(logger).With(zap.String("component", "vfs")),
	}
}

// HomeDirectory returns the session's top directory.
func (v *View) HomeDirectory(ctx context.Context) (*Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initHome(ctx)
}

// WorkingDirectory returns the current directory.
func (v *View) WorkingDirectory(ctx context.Context) (*Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := v.initHome(ctx); err != nil {
		return nil, err
	}
	return v.cwd, nil
}

// ChangeWorkingDirectory moves the session to path. It reports false, and
// leaves the working directory alone, unless path is an existing directory.
func (v *View) ChangeWorkingDirectory(ctx context.Context, path string) bool {
	h, err := v.Resolve(ctx, path)
	if err != nil {
		v.logger.Debug("cannot change directory", zap.String("path", path), zap.Error(err))
		return false
	}
	if !h.Exists() || !h.IsDirectory() {
		return false
	}

	v.mu.Lock()
	v.cwd = h
	v.mu.Unlock()
	return true
}

// Resolve maps path to a handle. The last component may name an entry that
// does not exist; the result is then a placeholder that can be created.
func (v *View) Resolve(ctx context.Context, path string) (*Handle, error) {
	v.mu.Lock()
	home, err := v.initHome(ctx)
	cwd := v.cwd
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}

	cur, rest := cwd, path
	if strings.HasPrefix(path, "/") {
		cur, rest = rebase(home, cwd, path)
	}
	return v.walk(ctx, cur, rest)
}

// rebase picks the start of an absolute path: the working directory when
// the path lies below it, home otherwise.
func rebase(home, cwd *Handle, path string) (*Handle, string) {
	if cwd != home {
		prefix := cwd.Path()
		if path == prefix {
			return cwd, ""
		}
		if strings.HasPrefix(path, prefix+"/") {
			return cwd, path[len(prefix)+1:]
		}
	}
	return home, path
}

func (v *View) walk(ctx context.Context, cur *Handle, path string) (*Handle, error) {
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if cur.parent != nil {
				cur = cur.parent
			}
			continue
		}

		if !cur.Exists() {
			return nil, errors.NewError(errors.ErrCodeEntryNotFound, "no such directory").
				WithComponent("vfs").
				WithContext("path", cur.Path())
		}
		if !cur.IsDirectory() {
			return nil, errors.NewError(errors.ErrCodeNotDirectory, "not a directory").
				WithComponent("vfs").
				WithContext("path", cur.Path())
		}

		next, err := v.lookup(ctx, cur, part)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// lookup finds name in dir: by stored name, then as a collision-encoded
// name, then against the displayed listing. A miss yields a placeholder.
func (v *View) lookup(ctx context.Context, dir *Handle, name string) (*Handle, error) {
	entry, err := v.ctrl.GetFileByName(ctx, dir.entry.ID, name)
	switch {
	case err == nil:
		return dir.child(entry, name), nil
	case errors.HasCode(err, errors.ErrCodeAmbiguousName), errors.IsEntryNotFound(err):
	default:
		return nil, err
	}

	if id, display, ok := decodeCollision(name); ok {
		entry, err := v.ctrl.GetFile(ctx, id)
		switch {
		case err == nil:
			if entry.HasParent(dir.entry.ID) && v.namer.Matches(entry.Name, display) {
				return dir.child(entry, name), nil
			}
		case !errors.IsEntryNotFound(err):
			return nil, err
		}
	}

	children, err := v.ctrl.GetChildren(ctx, dir.entry.ID)
	if err != nil {
		return nil, err
	}
	for i, display := range v.namer.DisplayNames(children) {
		if display == name {
			return dir.child(children[i], name), nil
		}
	}

	return dir.child(&types.Entry{Name: name, Parents: []string{dir.entry.ID}}, name), nil
}

func (v *View) initHome(ctx context.Context) (*Handle, error) {
	if v.home != nil {
		return v.home, nil
	}

	root, err := v.ctrl.GetFile(ctx, types.RootID)
	if err != nil {
		return nil, err
	}
	home := &Handle{view: v, entry: root, name: "/"}

	if strings.Trim(v.config.Home, "/") != "" {
		h, err := v.walk(ctx, home, v.config.Home)
		if err != nil {
			return nil, err
		}
		if !h.Exists() || !h.IsDirectory() {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "home is not an existing directory").
				WithComponent("vfs").
				WithContext("home", v.config.Home)
		}
		home = &Handle{view: v, entry: h.entry, name: "/"}
	}

	v.home = home
	v.cwd = home
	return home, nil
}
