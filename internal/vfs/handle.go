package vfs

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

// Handle pairs an entry with the name it is shown under. Mutators go
// through the controller and only update the handle itself; the handles of
// other sessions see the change once they resolve the path again.
type Handle struct {
	view   *View
	entry  *types.Entry
	name   string
	parent *Handle
}

func (h *Handle) child(entry *types.Entry, name string) *Handle {
	return &Handle{view: h.view, entry: entry, name: name, parent: h}
}

// Name returns the displayed name; the home directory is "/".
func (h *Handle) Name() string { return h.name }

// ID returns the remote id, or "" for a placeholder.
func (h *Handle) ID() string { return h.entry.ID }

// IsDirectory reports whether the handle is a directory.
func (h *Handle) IsDirectory() bool { return h.entry.IsDir }

// Size returns the file size in bytes.
func (h *Handle) Size() int64 { return h.entry.Size }

// ModTime returns the last modification time.
func (h *Handle) ModTime() time.Time { return h.entry.Modified }

// Exists reports whether the handle refers to an existing entry.
func (h *Handle) Exists() bool { return h.entry.Exists() }

// Parent returns the containing directory, or nil for home.
func (h *Handle) Parent() *Handle { return h.parent }

// Path returns the absolute path of the handle below home.
func (h *Handle) Path() string {
	if h.parent == nil {
		return "/"
	}
	var parts []string
	for cur := h; cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// List returns the children of a directory under their displayed names.
func (h *Handle) List(ctx context.Context) ([]*Handle, error) {
	if err := h.requireDir(); err != nil {
		return nil, err
	}
	children, err := h.view.ctrl.GetFiles(ctx, h.entry.ID)
	if err != nil {
		return nil, err
	}

	names := h.view.namer.DisplayNames(children)
	handles := make([]*Handle, len(children))
	for i, c := range children {
		handles[i] = h.child(c, names[i])
	}
	return handles, nil
}

// Lookup resolves a single name inside the directory.
func (h *Handle) Lookup(ctx context.Context, name string) (*Handle, error) {
	if err := h.requireDir(); err != nil {
		return nil, err
	}
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return nil, h.pathError("invalid name", name)
	}
	return h.view.lookup(ctx, h, name)
}

// Delete moves the entry to the remote trash. The handle becomes a
// placeholder.
func (h *Handle) Delete(ctx context.Context) error {
	if err := h.requireMutable(); err != nil {
		return err
	}
	if err := h.view.ctrl.Trash(ctx, h.entry); err != nil {
		return err
	}
	h.entry = h.placeholder()
	return nil
}

// Mkdir creates the directory the placeholder stands for.
func (h *Handle) Mkdir(ctx context.Context) error {
	if h.Exists() {
		return errors.NewError(errors.ErrCodeAlreadyExists, "entry already exists").
			WithComponent("vfs").
			WithContext("path", h.Path())
	}
	if err := h.requireParent(); err != nil {
		return err
	}

	dir, err := h.view.ctrl.Mkdir(ctx, h.parent.entry.ID, h.name)
	if err != nil {
		return err
	}
	h.entry = dir
	return nil
}

// Move renames the entry within its directory.
func (h *Handle) Move(ctx context.Context, newName string) error {
	if err := h.requireMutable(); err != nil {
		return err
	}
	if newName == "" || newName == "." || newName == ".." || strings.Contains(newName, "/") {
		return h.pathError("invalid name", newName)
	}

	updated, err := h.view.ctrl.Rename(ctx, h.entry, newName)
	if err != nil {
		return err
	}
	h.entry = updated
	h.name = newName
	return nil
}

// SetModifiedTime updates the modification time.
func (h *Handle) SetModifiedTime(ctx context.Context, modified time.Time) error {
	if !h.Exists() {
		return h.missing()
	}
	updated, err := h.view.ctrl.Touch(ctx, h.entry, modified)
	if err != nil {
		return err
	}
	h.entry = updated
	return nil
}

// OpenRead streams the file content starting at offset.
func (h *Handle) OpenRead(ctx context.Context, offset int64) (io.ReadCloser, error) {
	if !h.Exists() {
		return nil, h.missing()
	}
	return h.view.ctrl.OpenRead(ctx, h.entry, offset)
}

// OpenWrite replaces the file content, creating the file when the handle is
// a placeholder. The upload is committed when the writer is closed.
func (h *Handle) OpenWrite(ctx context.Context) (io.WriteCloser, error) {
	if !h.Exists() {
		if err := h.requireParent(); err != nil {
			return nil, err
		}
	}
	target := h.entry
	if !h.Exists() {
		target = h.placeholder()
	}

	w, err := h.view.ctrl.OpenWrite(ctx, target)
	if err != nil {
		return nil, err
	}
	return &handleWriter{WriteCloser: w, handle: h}, nil
}

// handleWriter points the handle at the committed entry once the upload
// closes successfully.
type handleWriter struct {
	io.WriteCloser
	handle *Handle
}

func (w *handleWriter) Close() error {
	if err := w.WriteCloser.Close(); err != nil {
		return err
	}
	if c, ok := w.WriteCloser.(interface{ Committed() *types.Entry }); ok && c.Committed() != nil {
		w.handle.entry = c.Committed()
	}
	return nil
}

func (h *Handle) placeholder() *types.Entry {
	e := &types.Entry{Name: h.name}
	if h.parent != nil {
		e.Parents = []string{h.parent.entry.ID}
	}
	return e
}

func (h *Handle) requireDir() error {
	if !h.Exists() {
		return h.missing()
	}
	if !h.IsDirectory() {
		return errors.NewError(errors.ErrCodeNotDirectory, "not a directory").
			WithComponent("vfs").
			WithContext("path", h.Path())
	}
	return nil
}

func (h *Handle) requireMutable() error {
	if !h.Exists() {
		return h.missing()
	}
	if h.parent == nil {
		return errors.NewError(errors.ErrCodeUnsupported, "cannot modify the home directory").
			WithComponent("vfs")
	}
	return nil
}

func (h *Handle) requireParent() error {
	if h.parent == nil || !h.parent.Exists() {
		return errors.NewError(errors.ErrCodeEntryNotFound, "parent directory does not exist").
			WithComponent("vfs").
			WithContext("path", h.Path())
	}
	return nil
}

func (h *Handle) missing() error {
	return errors.NewError(errors.ErrCodeEntryNotFound, "no such file or directory").
		WithComponent("vfs").
		WithContext("path", h.Path())
}

func (h *Handle) pathError(msg, name string) error {
	return errors.NewError(errors.ErrCodePathInvalid, msg).
		WithComponent("vfs").
		WithContext("path", h.Path()).
		WithContext("name", name)
}
