package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

// Collector records driveftp metrics in a private Prometheus registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	syncCycles      *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	changesApplied  prometheus.Counter
	folderSyncs     *prometheus.CounterVec
	remoteCalls     *prometheus.CounterVec
	remoteDuration  *prometheus.HistogramVec
	remoteRetries   *prometheus.CounterVec
	cacheOperations *prometheus.CounterVec
	cacheDuration   *prometheus.HistogramVec
	forcedRefreshes *prometheus.CounterVec
	transfers       *prometheus.CounterVec
	transferBytes   *prometheus.CounterVec
	revisionCursor  prometheus.Gauge
	pendingFolders  prometheus.Gauge
	cachedEntries   prometheus.Gauge

	server *http.Server
	health HealthFunc
}

// HealthFunc reports overall health and a JSON-encodable body for /health.
type HealthFunc func() (healthy bool, body interface{})

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *zap.Logger) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "driveftp",
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
		logger:   logger.With(zap.String("component", "metrics")),
	}
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetHealth makes /health report fn instead of a static status.
func (c *Collector) SetHealth(fn HealthFunc) {
	if c == nil {
		return
	}
	c.health = fn
}

// Start serves the metrics and health endpoints when enabled.
func (c *Collector) Start(ctx context.Context) error {
	if c == nil || !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	c.logger.Info("metrics server started",
		zap.Int("port", c.config.Port),
		zap.String("path", c.config.Path))
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordSyncCycle records one drain+bootstrap cycle.
func (c *Collector) RecordSyncCycle(duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.syncCycles.WithLabelValues(status(err)).Inc()
	c.syncDuration.Observe(duration.Seconds())
}

// RecordChangesApplied counts feed changes written to the cache.
func (c *Collector) RecordChangesApplied(n int) {
	if c == nil {
		return
	}
	c.changesApplied.Add(float64(n))
}

// RecordFolderSync records the outcome of synchronizing one folder:
// synced, gone, discarded or error.
func (c *Collector) RecordFolderSync(result string) {
	if c == nil {
		return
	}
	c.folderSyncs.WithLabelValues(result).Inc()
}

// RecordRemoteCall records one logical gateway call, retries included.
func (c *Collector) RecordRemoteCall(operation string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.remoteCalls.WithLabelValues(operation, classify(err)).Inc()
	c.remoteDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRemoteRetry counts a retried gateway attempt.
func (c *Collector) RecordRemoteRetry(operation string) {
	if c == nil {
		return
	}
	c.remoteRetries.WithLabelValues(operation).Inc()
}

// RecordCacheOperation records one cache transaction.
func (c *Collector) RecordCacheOperation(operation string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.cacheOperations.WithLabelValues(operation, classify(err)).Inc()
	c.cacheDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordForcedRefresh counts a synchronous folder refresh triggered by the controller.
func (c *Collector) RecordForcedRefresh(err error) {
	if c == nil {
		return
	}
	c.forcedRefreshes.WithLabelValues(status(err)).Inc()
}

// RecordTransfer records a finished upload or download stream.
func (c *Collector) RecordTransfer(direction string, bytes int64, err error) {
	if c == nil {
		return
	}
	c.transfers.WithLabelValues(direction, status(err)).Inc()
	c.transferBytes.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCacheStats publishes cache gauges.
func (c *Collector) UpdateCacheStats(stats types.CacheStats) {
	if c == nil {
		return
	}
	c.revisionCursor.Set(float64(stats.Cursor))
	c.pendingFolders.Set(float64(stats.PendingFolders))
	c.cachedEntries.Set(float64(stats.Entries))
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.syncCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "sync", Name: "cycles_total",
		Help: "Synchronization cycles by outcome",
	}, []string{"status"})
	c.syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "sync", Name: "cycle_duration_seconds",
		Help:    "Duration of synchronization cycles",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~5min
	})
	c.changesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "sync", Name: "changes_applied_total",
		Help: "Remote changes applied to the cache",
	})
	c.folderSyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "sync", Name: "folders_total",
		Help: "Folder synchronizations by result",
	}, []string{"result"})

	c.remoteCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "remote", Name: "calls_total",
		Help: "Remote gateway calls by operation and result",
	}, []string{"operation", "result"})
	c.remoteDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "remote", Name: "call_duration_seconds",
		Help:    "Remote gateway call duration including retries",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"operation"})
	c.remoteRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "remote", Name: "retries_total",
		Help: "Retried remote gateway attempts",
	}, []string{"operation"})

	c.cacheOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cache", Name: "operations_total",
		Help: "Metadata cache operations by result",
	}, []string{"operation", "result"})
	c.cacheDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "cache", Name: "operation_duration_seconds",
		Help:    "Metadata cache operation duration",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 100µs to ~3s
	}, []string{"operation"})

	c.forcedRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "controller", Name: "forced_refreshes_total",
		Help: "Folder refreshes forced by repeated listings",
	}, []string{"status"})
	c.transfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "controller", Name: "transfers_total",
		Help: "Finished content streams",
	}, []string{"direction", "status"})
	c.transferBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "controller", Name: "transfer_bytes_total",
		Help: "Bytes moved through content streams",
	}, []string{"direction"})

	c.revisionCursor = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "revision_cursor",
		Help: "Last remote change applied to the cache",
	})
	c.pendingFolders = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "pending_folders",
		Help: "Directories whose children have not been listed",
	})
	c.cachedEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "entries",
		Help: "Entries in the metadata cache",
	})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.syncCycles,
		c.syncDuration,
		c.changesApplied,
		c.folderSyncs,
		c.remoteCalls,
		c.remoteDuration,
		c.remoteRetries,
		c.cacheOperations,
		c.cacheDuration,
		c.forcedRefreshes,
		c.transfers,
		c.transferBytes,
		c.revisionCursor,
		c.pendingFolders,
		c.cachedEntries,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if c.health == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"driveftp"}`))
		return
	}

	healthy, body := c.health()
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		c.logger.Debug("failed to encode health report", zap.Error(err))
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// classify maps an error to a low-cardinality label.
func classify(err error) string {
	if err == nil {
		return "success"
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound, errors.ErrCodeEntryNotFound:
		return "not_found"
	case errors.ErrCodeTransient, errors.ErrCodeRetryExhausted:
		return "transient"
	case errors.ErrCodeRateLimited:
		return "throttled"
	case errors.ErrCodeCircuitOpen:
		return "circuit_open"
	case errors.ErrCodeOperationTimeout, errors.ErrCodeOperationCanceled:
		return "timeout"
	case errors.ErrCodeAmbiguousName:
		return "ambiguous"
	default:
		return "other"
	}
}
