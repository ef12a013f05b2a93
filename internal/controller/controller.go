// Package controller mediates between filesystem views, the metadata cache,
// the remote gateway and the synchronization engine. Reads are served from
// the cache; writes go to the remote store first and are reflected in the
// cache once confirmed.
package controller

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/driveftp/internal/cache"
	"github.com/objectfs/driveftp/internal/logging"
	"github.com/objectfs/driveftp/internal/metrics"
	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

// Refresher re-lists a folder into the cache.
type Refresher interface {
	SynchronizeFolder(ctx context.Context, id string) error
}

// Config configures the controller.
type Config struct {
	// RefreshWindow, RefreshThreshold and RefreshHistory drive the forced
	// refresh: a folder listed more than RefreshThreshold times within
	// RefreshWindow is re-synchronized before the listing is served.
	RefreshWindow    time.Duration `yaml:"refresh_window"`
	RefreshThreshold int           `yaml:"refresh_threshold"`
	RefreshHistory   int           `yaml:"refresh_history"`
	RefreshTimeout   time.Duration `yaml:"refresh_timeout"`

	// UploadTimeout bounds how long closing a write stream waits for the upload.
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

// Controller is shared by every session.
type Controller struct {
	cache     *cache.Store
	gateway   types.Gateway
	refresher Refresher
	config    Config
	tracker   *refreshTracker
	refreshes singleflight.Group
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// New creates a controller.
func New(store *cache.Store, gateway types.Gateway, refresher Refresher, cfg Config, logger *zap.Logger, collector *metrics.Collector) *Controller {
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 10 * time.Second
	}
	return &Controller{
		cache:     store,
		gateway:   gateway,
		refresher: refresher,
		config:    cfg,
		tracker:   newRefreshTracker(cfg.RefreshHistory, cfg.RefreshWindow, cfg.RefreshThreshold),
		logger:    logging.OrNop(logger).With(zap.String("component", "controller")),
		metrics:   collector,
	}
}

// GetFiles returns the cached children of folderID, forcing a synchronous
// refresh first when the folder is being polled repeatedly. A failed refresh
// is logged and the cached children are served anyway.
func (c *Controller) GetFiles(ctx context.Context, folderID string) ([]*types.Entry, error) {
	if c.tracker.Record("list", folderID) {
		c.forceRefresh(ctx, folderID)
	}
	return c.cache.GetChildren(ctx, folderID)
}

// GetChildren returns the cached children of folderID without counting as a
// listing for forced refreshes.
func (c *Controller) GetChildren(ctx context.Context, folderID string) ([]*types.Entry, error) {
	return c.cache.GetChildren(ctx, folderID)
}

func (c *Controller) forceRefresh(ctx context.Context, folderID string) {
	start := time.Now()
	_, err, shared := c.refreshes.Do(folderID, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.RefreshTimeout)
		defer cancel()
		return nil, c.refresher.SynchronizeFolder(refreshCtx, folderID)
	})
	if shared {
		return
	}
	c.metrics.RecordForcedRefresh(err)

	if err != nil {
		c.logger.Warn("forced refresh failed", zap.String("folder", folderID), zap.Error(err))
		return
	}
	c.logger.Debug("forced refresh", zap.String("folder", folderID), zap.Duration("duration", time.Since(start)))
}

// GetFile returns the cached entry with id.
func (c *Controller) GetFile(ctx context.Context, id string) (*types.Entry, error) {
	return c.cache.GetEntry(ctx, id)
}

// GetFileByName returns the child of parentID called name. It fails with
// AMBIGUOUS_NAME when several children share the name.
func (c *Controller) GetFileByName(ctx context.Context, parentID, name string) (*types.Entry, error) {
	return c.cache.GetEntryByName(ctx, parentID, name)
}

// Rename changes the name of entry.
func (c *Controller) Rename(ctx context.Context, entry *types.Entry, name string) (*types.Entry, error) {
	return c.Patch(ctx, entry, types.Patch{Name: &name})
}

// Touch sets the modification time of entry.
func (c *Controller) Touch(ctx context.Context, entry *types.Entry, modified time.Time) (*types.Entry, error) {
	return c.Patch(ctx, entry, types.Patch{Modified: &modified})
}

// Patch applies patch remotely and caches the confirmed snapshot. The cache
// is left untouched when the remote call fails.
func (c *Controller) Patch(ctx context.Context, entry *types.Entry, patch types.Patch) (*types.Entry, error) {
	if patch.IsEmpty() {
		return nil, errors.NewError(errors.ErrCodeInvalidPatch, "patch sets neither name nor modification time").
			WithComponent("controller").
			WithContext("id", entry.ID)
	}
	if !entry.Exists() {
		return nil, errors.NewError(errors.ErrCodeEntryNotFound, "cannot patch a missing entry").
			WithComponent("controller").
			WithContext("name", entry.Name)
	}

	remote, err := c.gateway.PatchFile(ctx, entry.ID, patch)
	if err != nil {
		return nil, err
	}

	updated, err := c.confirmed(ctx, remote, entry)
	if err != nil {
		return nil, err
	}
	if updated.ID != entry.ID {
		if _, err := c.cache.DeleteEntry(ctx, entry.ID); err != nil {
			return nil, err
		}
	}
	if err := c.cache.UpsertEntry(ctx, updated); err != nil {
		return nil, err
	}

	c.logger.Debug("entry patched", zap.String("id", updated.ID), zap.String("name", updated.Name))
	return updated, nil
}

// Trash moves entry to the remote trash and drops it from the cache.
func (c *Controller) Trash(ctx context.Context, entry *types.Entry) error {
	if entry.ID == types.RootID {
		return errors.NewError(errors.ErrCodeUnsupported, "cannot delete the root directory").WithComponent("controller")
	}

	remote, err := c.gateway.TrashFile(ctx, entry.ID)
	switch {
	case errors.IsNotFound(err):
		c.logger.Debug("trashed entry was already gone", zap.String("id", entry.ID))
	case err != nil:
		return err
	case !remote.Trashed:
		return errors.NewError(errors.ErrCodeRemoteProtocol, "remote store did not confirm the trash").
			WithComponent("controller").
			WithContext("id", entry.ID)
	}

	_, err = c.cache.DeleteEntry(ctx, entry.ID)
	return err
}

// Mkdir creates a directory called name in parentID.
func (c *Controller) Mkdir(ctx context.Context, parentID, name string) (*types.Entry, error) {
	remote, err := c.gateway.Mkdir(ctx, parentID, name)
	if err != nil {
		return nil, err
	}

	// A new directory has no children, so its listing is already current.
	dir := remote.Entry.Clone()
	if dir.Revision, err = c.cursor(ctx); err != nil {
		return nil, err
	}
	if len(dir.Parents) == 0 {
		dir.Parents = []string{parentID}
	}
	if err := c.cache.UpsertEntry(ctx, dir); err != nil {
		return nil, err
	}
	return dir, nil
}

// OpenRead opens the content of entry at offset.
func (c *Controller) OpenRead(ctx context.Context, entry *types.Entry, offset int64) (io.ReadCloser, error) {
	if entry.IsDir {
		return nil, errors.NewError(errors.ErrCodeIsDirectory, "cannot read a directory").
			WithComponent("controller").
			WithContext("id", entry.ID)
	}
	body, err := c.gateway.DownloadFile(ctx, entry, offset)
	if err != nil {
		return nil, err
	}
	return newDownloadStream(c, entry, body), nil
}

// OpenWrite starts an upload of entry and returns its sink. Closing the
// sink waits for the upload to finish and caches the committed snapshot; an
// upload failure is returned from Close.
func (c *Controller) OpenWrite(ctx context.Context, entry *types.Entry) (io.WriteCloser, error) {
	if entry.IsDir {
		return nil, errors.NewError(errors.ErrCodeIsDirectory, "cannot write a directory").
			WithComponent("controller").
			WithContext("id", entry.ID)
	}

	target := entry.Clone()
	if target.Exists() && len(target.Parents) == 0 {
		cached, err := c.cache.GetEntry(ctx, target.ID)
		if err != nil && !errors.IsEntryNotFound(err) {
			return nil, err
		}
		if cached != nil {
			target.Parents = cached.Parents
		}
	}
	if !target.Exists() && len(target.Parents) == 0 {
		return nil, errors.NewError(errors.ErrCodePathInvalid, "new file has no parent directory").
			WithComponent("controller").
			WithContext("name", target.Name)
	}

	return newUploadStream(ctx, c, target), nil
}

// confirmed turns a remote snapshot into a cache entry. Files carry the
// current cursor; directories keep the revision they had in the cache.
func (c *Controller) confirmed(ctx context.Context, remote *types.RemoteEntry, previous *types.Entry) (*types.Entry, error) {
	e := remote.Entry.Clone()
	if len(e.Parents) == 0 && previous != nil {
		e.Parents = append([]string(nil), previous.Parents...)
	}
	if e.IsDir {
		e.Revision = 0
		if previous != nil && previous.IsDir {
			e.Revision = previous.Revision
		}
		return e, nil
	}

	cursor, err := c.cursor(ctx)
	if err != nil {
		return nil, err
	}
	e.Revision = cursor
	return e, nil
}

func (c *Controller) cursor(ctx context.Context) (types.Revision, error) {
	cursor, _, err := c.cache.GetRevisionCursor(ctx)
	return cursor, err
}
