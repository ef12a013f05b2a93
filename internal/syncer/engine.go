// Package syncer reconciles the metadata cache with the remote store.
//
// A cycle drains the remote change feed into the cache and then bootstraps
// every directory whose children have not been listed yet, using a bounded
// pool of workers, until no such directory remains.
package syncer

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/driveftp/internal/cache"
	"github.com/objectfs/driveftp/internal/logging"
	"github.com/objectfs/driveftp/internal/metrics"
	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

// Folder synchronization outcomes, used as metric labels.
const (
	ResultSynced    = "synced"
	ResultGone      = "gone"
	ResultDiscarded = "discarded"
	ResultError     = "error"
)

// Config configures the synchronization engine.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
}

// Engine runs synchronization cycles. Cycles never overlap.
type Engine struct {
	cache   *cache.Store
	gateway types.Gateway
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector

	cycleMu sync.Mutex
}

// New creates an engine. gateway is expected to carry its own retry policy.
func New(store *cache.Store, gateway types.Gateway, cfg Config, logger *zap.Logger, collector *metrics.Collector) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Engine{
		cache:   store,
		gateway: gateway,
		config:  cfg,
		logger:  logging.OrNop(logger).With(zap.String("component", "syncer")),
		metrics: collector,
	}
}

// Run performs one cycle per interval until ctx is done. The first cycle
// runs after one interval; callers that need a seeded cache call Cycle first.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.logger.Info("synchronization loop started",
		zap.Duration("interval", e.config.Interval),
		zap.Int("workers", e.config.Workers))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("synchronization loop stopped")
			return nil
		case <-ticker.C:
		}

		if err := e.Cycle(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("synchronization cycle failed", zap.Error(err))
		}
	}
}

// Cycle drains the change feed and then bootstraps pending folders. It
// returns immediately if another cycle is in progress.
func (e *Engine) Cycle(ctx context.Context) error {
	if !e.cycleMu.TryLock() {
		e.logger.Debug("cycle already running, skipping")
		return nil
	}
	defer e.cycleMu.Unlock()

	start := time.Now()
	err := e.cycle(ctx)
	e.metrics.RecordSyncCycle(time.Since(start), err)

	if stats, statsErr := e.cache.Stats(ctx); statsErr == nil {
		e.metrics.UpdateCacheStats(stats)
	}
	return err
}

func (e *Engine) cycle(ctx context.Context) error {
	if _, err := e.EnsureRoot(ctx); err != nil {
		return err
	}

	applied, drainErr := e.DrainChanges(ctx)
	if drainErr != nil {
		e.logger.Warn("draining change feed failed", zap.Int("applied", applied), zap.Error(drainErr))
	} else if applied > 0 {
		e.logger.Debug("change feed drained", zap.Int("applied", applied))
	}
	if ctx.Err() != nil {
		return drainErr
	}

	return stderrors.Join(drainErr, e.Bootstrap(ctx))
}

// EnsureRoot returns the cached root, seeding it as a directory whose
// children are not yet known when the cache is empty.
func (e *Engine) EnsureRoot(ctx context.Context) (*types.Entry, error) {
	root, err := e.cache.GetEntry(ctx, types.RootID)
	if err == nil {
		return root, nil
	}
	if !errors.IsEntryNotFound(err) {
		return nil, err
	}

	root = &types.Entry{
		ID:       types.RootID,
		IsDir:    true,
		MimeType: types.FolderMimeType,
		Modified: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := e.cache.UpsertEntry(ctx, root); err != nil {
		return nil, err
	}
	e.logger.Info("seeded root directory")
	return root, nil
}

// DrainChanges applies feed batches until the feed reports nothing new. Each
// batch and the cursor it reaches are written in one transaction. It returns
// the number of changes applied.
func (e *Engine) DrainChanges(ctx context.Context) (int, error) {
	cursor, err := e.ensureCursor(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for {
		changes, err := e.gateway.GetAllChanges(ctx, cursor+1)
		if err != nil {
			return applied, err
		}
		if len(changes) == 0 {
			return applied, nil
		}

		next := cursor
		for _, change := range changes {
			stampChange(change)
			if change.Revision > next {
				next = change.Revision
			}
		}
		if next <= cursor {
			return applied, errors.NewError(errors.ErrCodeRemoteProtocol, "change feed did not advance").
				WithComponent("syncer").
				WithDetail("cursor", int64(cursor))
		}

		if err := e.cache.ApplyChanges(ctx, changes, next); err != nil {
			return applied, err
		}
		applied += len(changes)
		e.metrics.RecordChangesApplied(len(changes))
		e.logger.Debug("applied change batch",
			zap.Int("changes", len(changes)),
			zap.Int64("from", int64(cursor)),
			zap.Int64("to", int64(next)))
		cursor = next
	}
}

// stampChange gives a file snapshot the change's revision. Directories are
// left without one so the next bootstrap relists their children.
func stampChange(change *types.Change) {
	if change.Removes() {
		return
	}
	if change.Snapshot.IsDir {
		change.Snapshot.Revision = 0
	} else {
		change.Snapshot.Revision = change.Revision
	}
}

// Bootstrap synchronizes pending folders with at most Workers in flight,
// repeating until none are left. A folder is attempted at most once per call;
// failures are logged and left for the next cycle.
func (e *Engine) Bootstrap(ctx context.Context) error {
	attempted := make(map[string]bool)

	for {
		pending, err := e.cache.ListFoldersPendingBootstrap(ctx)
		if err != nil {
			return err
		}

		batch := pending[:0]
		for _, id := range pending {
			if !attempted[id] {
				attempted[id] = true
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			return nil
		}

		var g errgroup.Group
		g.SetLimit(e.config.Workers)
		for _, id := range batch {
			id := id
			g.Go(func() error {
				if err := e.SynchronizeFolder(ctx, id); err != nil {
					e.logger.Warn("folder synchronization failed", zap.String("folder", id), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return errors.NewError(errors.ErrCodeOperationCanceled, "bootstrap canceled").WithCause(err)
		}
	}
}

// SynchronizeFolder replaces the cached children of id with a fresh listing.
// A folder that turns out to be missing or trashed is deleted locally. If the
// folder changes while it is being listed the listing is discarded.
func (e *Engine) SynchronizeFolder(ctx context.Context, id string) error {
	result, err := e.synchronizeFolder(ctx, id)
	e.metrics.RecordFolderSync(result)
	if err == nil && result != ResultSynced {
		e.logger.Debug("folder not synchronized", zap.String("folder", id), zap.String("result", result))
	}
	return err
}

func (e *Engine) synchronizeFolder(ctx context.Context, id string) (string, error) {
	var (
		folder  *types.Entry
		version int64
	)

	if id == types.RootID {
		root, err := e.EnsureRoot(ctx)
		if err != nil {
			return ResultError, err
		}
		folder = root
	} else {
		remote, err := e.gateway.GetFile(ctx, id)
		if errors.IsNotFound(err) || (err == nil && remote.Trashed) {
			return e.forget(ctx, id, ResultGone)
		}
		if err != nil {
			return ResultError, err
		}
		folder = &remote.Entry
		version = remote.Version
	}

	if !folder.IsDir {
		return ResultError, errors.NewError(errors.ErrCodeNotDirectory, "cannot synchronize a file").
			WithComponent("syncer").
			WithContext("id", id)
	}

	cursor, err := e.ensureCursor(ctx)
	if err != nil {
		return ResultError, err
	}

	listing, err := e.gateway.List(ctx, id)
	if errors.IsNotFound(err) && id != types.RootID {
		return e.forget(ctx, id, ResultGone)
	}
	if err != nil {
		return ResultError, err
	}

	if id != types.RootID {
		again, err := e.gateway.GetFile(ctx, id)
		if errors.IsNotFound(err) || (err == nil && again.Trashed) {
			return e.forget(ctx, id, ResultDiscarded)
		}
		if err != nil {
			return ResultError, err
		}
		if again.Version != version {
			return ResultDiscarded, nil
		}
	}

	children := make([]*types.Entry, 0, len(listing))
	for _, remote := range listing {
		if remote.Trashed {
			continue
		}
		child := remote.Entry.Clone()
		if child.IsDir {
			child.Revision = 0
		} else {
			child.Revision = cursor
		}
		children = append(children, child)
	}

	folder = folder.Clone()
	folder.Revision = cursor
	if err := e.cache.ReplaceChildren(ctx, folder, children); err != nil {
		return ResultError, err
	}

	e.logger.Debug("folder synchronized",
		zap.String("folder", id),
		zap.Int("children", len(children)),
		zap.Int64("revision", int64(cursor)))
	return ResultSynced, nil
}

func (e *Engine) forget(ctx context.Context, id, result string) (string, error) {
	if _, err := e.cache.DeleteEntry(ctx, id); err != nil {
		return ResultError, err
	}
	return result, nil
}

// ensureCursor returns the cached cursor, initializing it from the gateway
// on a cold start.
func (e *Engine) ensureCursor(ctx context.Context) (types.Revision, error) {
	cursor, found, err := e.cache.GetRevisionCursor(ctx)
	if err != nil {
		return 0, err
	}
	if found && cursor.IsSet() {
		return cursor, nil
	}

	start, err := e.gateway.StartRevision(ctx)
	if err != nil {
		return 0, err
	}
	if !start.IsSet() {
		return 0, errors.NewError(errors.ErrCodeRemoteProtocol, "remote returned an unset start revision").
			WithComponent("syncer")
	}
	if err := e.cache.SetRevisionCursor(ctx, start); err != nil {
		return 0, err
	}
	e.logger.Info("initialized revision cursor", zap.Int64("revision", int64(start)))
	return start, nil
}
