package adapter

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/driveftp/internal/cache"
	"github.com/objectfs/driveftp/internal/config"
	"github.com/objectfs/driveftp/internal/controller"
	"github.com/objectfs/driveftp/internal/fuse"
	"github.com/objectfs/driveftp/internal/logging"
	"github.com/objectfs/driveftp/internal/metrics"
	"github.com/objectfs/driveftp/internal/remote"
	"github.com/objectfs/driveftp/internal/remote/gdrive"
	"github.com/objectfs/driveftp/internal/remote/memory"
	"github.com/objectfs/driveftp/internal/remote/s3"
	"github.com/objectfs/driveftp/internal/syncer"
	"github.com/objectfs/driveftp/internal/vfs"
	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/health"
	"github.com/objectfs/driveftp/pkg/retry"
	"github.com/objectfs/driveftp/pkg/types"
)

// Adapter owns every long-lived driveftp component.
type Adapter struct {
	config  *config.Configuration
	logger  *zap.Logger
	metrics *metrics.Collector

	cache      *cache.Store
	gateway    types.Gateway
	engine     *syncer.Engine
	controller *controller.Controller
	mount      *fuse.MountManager
	health     *health.Tracker

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates an adapter from a validated configuration. A nil logger is
// replaced by one built from cfg.Global.
func New(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		built, _, err := logging.New(logging.Config{
			Level:      cfg.Global.LogLevel,
			Format:     cfg.Global.LogFormat,
			OutputPath: cfg.Global.LogFile,
		})
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to build logger").
				WithComponent("adapter").
				WithCause(err)
		}
		logger = built
	}

	a := &Adapter{
		config: cfg,
		logger: logger,
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Monitoring.Metrics.Port,
		Path:      cfg.Monitoring.Metrics.Path,
		Namespace: "driveftp",
	}, logger)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "failed to create metrics collector").
			WithComponent("adapter").
			WithCause(err)
	}
	a.metrics = collector

	a.cache, err = cache.Open(ctx, cache.Config{
		Path:     cfg.Cache.Path,
		PoolSize: cfg.Cache.PoolSize,
	}, logger, collector)
	if err != nil {
		return nil, err
	}

	gateway, err := newGateway(ctx, cfg.Remote, logger)
	if err != nil {
		_ = a.cache.Close()
		return nil, err
	}
	a.gateway = remote.NewClient(gateway, remoteConfig(cfg.Remote), logger, collector)

	a.engine = syncer.New(a.cache, a.gateway, syncer.Config{
		Interval: cfg.Sync.Interval,
		Workers:  cfg.Sync.Workers,
	}, logger, collector)

	a.controller = controller.New(a.cache, a.gateway, a.engine, controller.Config{
		RefreshWindow:    cfg.Controller.RefreshWindow,
		RefreshThreshold: cfg.Controller.RefreshThreshold,
		RefreshHistory:   cfg.Controller.RefreshHistory,
		RefreshTimeout:   cfg.Controller.RefreshTimeout,
		UploadTimeout:    cfg.Controller.UploadTimeout,
	}, logger, collector)

	a.health = health.NewTracker(health.DefaultConfig())
	a.health.Register("cache", func(ctx context.Context) error {
		_, err := a.cache.Stats(ctx)
		return err
	})
	a.health.Register("remote", func(ctx context.Context) error {
		_, err := a.gateway.StartRevision(ctx)
		return err
	})
	a.health.OnStateChange(func(component string, oldState, newState health.HealthState, err error) {
		logger.Warn("component health changed",
			zap.String("health_component", component),
			zap.Stringer("from", oldState),
			zap.Stringer("to", newState),
			zap.Error(err))
	})
	collector.SetHealth(func() (bool, interface{}) {
		report := a.health.Report()
		return report.Status != health.StateUnavailable, report
	})

	if cfg.FUSE.Enabled {
		fsys := fuse.NewFileSystem(a.NewSession(), &fuse.Config{
			ReadOnly: cfg.FUSE.ReadOnly,
			UID:      uint32(os.Getuid()),
			GID:      uint32(os.Getgid()),
		}, logger)
		a.mount = fuse.NewMountManager(fsys, &fuse.MountConfig{
			MountPoint: cfg.FUSE.MountPoint,
			AllowOther: cfg.FUSE.AllowOther,
			Debug:      cfg.FUSE.Debug,
		})
	}

	logger.Info("adapter created",
		zap.String("provider", cfg.Remote.Provider),
		zap.String("cache", cfg.Cache.Path),
		zap.Bool("fuse", cfg.FUSE.Enabled))
	return a, nil
}

func newGateway(ctx context.Context, cfg config.RemoteConfig, logger *zap.Logger) (types.Gateway, error) {
	switch cfg.Provider {
	case config.ProviderGDrive:
		return gdrive.NewGateway(ctx, gdrive.Config{
			CredentialsFile: cfg.GDrive.CredentialsFile,
			PageSize:        cfg.GDrive.PageSize,
			Endpoint:        cfg.GDrive.Endpoint,
		}, logger)
	case config.ProviderS3:
		return s3.NewGateway(ctx, &s3.Config{
			Bucket:            cfg.S3.Bucket,
			Region:            cfg.S3.Region,
			Endpoint:          cfg.S3.Endpoint,
			Prefix:            cfg.S3.Prefix,
			ForcePathStyle:    cfg.S3.ForcePathStyle,
			AccessKeyID:       cfg.S3.AccessKeyID,
			SecretAccessKey:   cfg.S3.SecretAccessKey,
			PartSize:          cfg.S3.PartSize,
			UploadConcurrency: cfg.S3.UploadConcurrency,
		}, logger)
	case config.ProviderMemory:
		return memory.New(), nil
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unsupported remote provider").
			WithComponent("adapter").
			WithContext("provider", cfg.Provider)
	}
}

func remoteConfig(cfg config.RemoteConfig) remote.Config {
	threshold := cfg.CircuitBreaker.FailureThreshold
	if threshold < 0 {
		threshold = 0
	}
	return remote.Config{
		MaxRequestsPerSecond: cfg.MaxRequestsPerSecond,
		Burst:                cfg.Burst,
		Retry: retry.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Delay:       cfg.Retry.Delay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Multiplier:  1,
			Jitter:      false,
		},
		CircuitBreaker: remote.BreakerConfig{
			Enabled:          cfg.CircuitBreaker.Enabled,
			FailureThreshold: uint32(threshold),
			Timeout:          cfg.CircuitBreaker.Timeout,
		},
	}
}

// Start runs the synchronization loop, the metrics server and, when
// configured, the FUSE mount. The first cycle runs before Start returns so
// sessions opened afterwards see a seeded cache.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.NewError(errors.ErrCodeUnsupported, "adapter already started").WithComponent("adapter")
	}

	if err := a.engine.Cycle(ctx); err != nil {
		a.logger.Warn("initial synchronization failed", zap.Error(err))
	}

	if err := a.metrics.Start(ctx); err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to start metrics server").
			WithComponent("adapter").
			WithCause(err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return a.engine.Run(groupCtx)
	})
	group.Go(func() error {
		a.health.Run(groupCtx)
		return nil
	})

	if a.mount != nil {
		if err := a.mount.Mount(ctx); err != nil {
			cancel()
			_ = group.Wait()
			_ = a.metrics.Stop(ctx)
			return err
		}
	}

	a.cancel = cancel
	a.group = group
	a.started = true
	a.logger.Info("adapter started")
	return nil
}

// Stop unmounts the filesystem, stops the background loops and closes the
// cache. It is safe to call on an adapter that was never started.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.started {
		if a.mount != nil && a.mount.IsMounted() {
			if err := a.mount.Unmount(); err != nil {
				errs = append(errs, err)
			}
		}

		a.cancel()
		if err := a.group.Wait(); err != nil {
			errs = append(errs, err)
		}
		if err := a.metrics.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		a.started = false
	}

	if !a.closed {
		a.closed = true
		if err := a.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()

	if len(errs) > 0 {
		a.logger.Warn("adapter stopped with errors", zap.Errors("errors", errs))
		return errs[0]
	}
	a.logger.Info("adapter stopped")
	return nil
}

// NewSession returns a fresh view with its own working directory.
func (a *Adapter) NewSession() *vfs.View {
	return vfs.NewView(a.controller, vfs.Config{
		Home:         a.config.View.Home,
		IllegalChars: a.config.View.IllegalChars,
		Replacement:  a.config.View.Replacement,
	}, a.logger)
}

// Controller exposes the shared controller.
func (a *Adapter) Controller() *controller.Controller {
	return a.controller
}

// Health reports the state of the cache and the remote store.
func (a *Adapter) Health() health.Report {
	return a.health.Report()
}

// Stats reports the cache state.
func (a *Adapter) Stats(ctx context.Context) (types.CacheStats, error) {
	return a.cache.Stats(ctx)
}
