// Package remote wraps a remote store gateway with throttling, retries and a
// circuit breaker.
package remote

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/objectfs/driveftp/internal/circuit"
	"github.com/objectfs/driveftp/internal/logging"
	"github.com/objectfs/driveftp/internal/metrics"
	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/retry"
	"github.com/objectfs/driveftp/pkg/types"
)

// Config configures the gateway wrapper.
type Config struct {
	// MaxRequestsPerSecond throttles gateway calls; zero disables throttling.
	MaxRequestsPerSecond float64       `yaml:"max_requests_per_second"`
	Burst                int           `yaml:"burst"`
	Retry                retry.Config  `yaml:"retry"`
	CircuitBreaker       BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig configures fail-fast behavior while the remote store is down.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Client implements types.Gateway on top of another gateway. Every call is
// throttled, passes through the circuit breaker and is retried on transient
// errors. NOT_FOUND is returned immediately.
type Client struct {
	gateway types.Gateway
	limiter *rate.Limiter
	retryer *retry.Retryer
	breaker *circuit.CircuitBreaker
	logger  *zap.Logger
	metrics *metrics.Collector
}

var _ types.Gateway = (*Client)(nil)

// NewClient wraps gateway.
func NewClient(gateway types.Gateway, cfg Config, logger *zap.Logger, collector *metrics.Collector) *Client {
	logger = logging.OrNop(logger).With(zap.String("component", "remote"))

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(cfg.MaxRequestsPerSecond)
		if burst <= 0 {
			burst = int(cfg.MaxRequestsPerSecond)
		}
	}
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		gateway: gateway,
		limiter: rate.NewLimiter(limit, burst),
		retryer: retry.New(cfg.Retry),
		logger:  logger,
		metrics: collector,
	}

	if cfg.CircuitBreaker.Enabled {
		c.breaker = circuit.NewCircuitBreaker("remote", circuit.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			Timeout:          cfg.CircuitBreaker.Timeout,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		})
	}
	return c
}

// StartRevision returns the token to start draining the change feed from.
func (c *Client) StartRevision(ctx context.Context) (types.Revision, error) {
	return callRetrying(ctx, c, "start_revision", c.gateway.StartRevision)
}

// GetAllChanges returns the next batch of changes at or after since.
func (c *Client) GetAllChanges(ctx context.Context, since types.Revision) ([]*types.Change, error) {
	return callRetrying(ctx, c, "get_changes", func(ctx context.Context) ([]*types.Change, error) {
		return c.gateway.GetAllChanges(ctx, since)
	})
}

// GetFile returns the remote snapshot of id.
func (c *Client) GetFile(ctx context.Context, id string) (*types.RemoteEntry, error) {
	return callRetrying(ctx, c, "get_file", func(ctx context.Context) (*types.RemoteEntry, error) {
		return c.gateway.GetFile(ctx, id)
	})
}

// List returns every child of folderID.
func (c *Client) List(ctx context.Context, folderID string) ([]*types.RemoteEntry, error) {
	return callRetrying(ctx, c, "list", func(ctx context.Context) ([]*types.RemoteEntry, error) {
		return c.gateway.List(ctx, folderID)
	})
}

// UploadFile streams content once; a consumed stream cannot be retried.
func (c *Client) UploadFile(ctx context.Context, entry *types.Entry, content io.Reader) (*types.RemoteEntry, error) {
	return callOnce(ctx, c, "upload", func(ctx context.Context) (*types.RemoteEntry, error) {
		return c.gateway.UploadFile(ctx, entry, content)
	})
}

// PatchFile renames and/or touches id.
func (c *Client) PatchFile(ctx context.Context, id string, patch types.Patch) (*types.RemoteEntry, error) {
	return callRetrying(ctx, c, "patch", func(ctx context.Context) (*types.RemoteEntry, error) {
		return c.gateway.PatchFile(ctx, id, patch)
	})
}

// TrashFile moves id to the trash.
func (c *Client) TrashFile(ctx context.Context, id string) (*types.RemoteEntry, error) {
	return callRetrying(ctx, c, "trash", func(ctx context.Context) (*types.RemoteEntry, error) {
		return c.gateway.TrashFile(ctx, id)
	})
}

// Mkdir creates a directory called name under parentID.
func (c *Client) Mkdir(ctx context.Context, parentID, name string) (*types.RemoteEntry, error) {
	return callRetrying(ctx, c, "mkdir", func(ctx context.Context) (*types.RemoteEntry, error) {
		return c.gateway.Mkdir(ctx, parentID, name)
	})
}

// DownloadFile opens the content of entry at offset. Only opening the stream is retried.
func (c *Client) DownloadFile(ctx context.Context, entry *types.Entry, offset int64) (io.ReadCloser, error) {
	return callRetrying(ctx, c, "download", func(ctx context.Context) (io.ReadCloser, error) {
		return c.gateway.DownloadFile(ctx, entry, offset)
	})
}

// attempt runs fn once under the rate limiter and the circuit breaker.
func (c *Client) attempt(ctx context.Context, fn func(context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.NewError(errors.ErrCodeOperationCanceled, "waiting for the request throttle").WithCause(err)
	}
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.ExecuteWithContext(ctx, fn)
}

func callRetrying[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	attempts := 0

	result, err := retry.DoWithResult(ctx, c.retryer, func(ctx context.Context) (T, error) {
		attempts++
		if attempts > 1 {
			c.metrics.RecordRemoteRetry(op)
		}
		var out T
		err := c.attempt(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx)
			return err
		})
		if err != nil && errors.IsRetryable(err) {
			c.logger.Debug("remote call failed, may retry",
				zap.String("operation", op),
				zap.Int("attempt", attempts),
				zap.Error(err))
		}
		return out, err
	})

	c.finish(op, start, attempts, err)
	return result, err
}

func callOnce[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	var result T
	err := c.attempt(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	c.finish(op, start, 1, err)
	return result, err
}

func (c *Client) finish(op string, start time.Time, attempts int, err error) {
	duration := time.Since(start)
	c.metrics.RecordRemoteCall(op, duration, err)

	switch {
	case err == nil:
		c.logger.Debug("remote call", zap.String("operation", op), zap.Duration("duration", duration))
	case errors.IsNotFound(err):
		c.logger.Debug("remote entry not found", zap.String("operation", op), zap.Error(err))
	default:
		c.logger.Warn("remote call failed",
			zap.String("operation", op),
			zap.Int("attempts", attempts),
			zap.Duration("duration", duration),
			zap.Error(err))
	}
}
