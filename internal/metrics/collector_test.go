package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	collector, err := NewCollector(&Config{Enabled: true, Port: 0, Path: "/metrics", Namespace: "driveftp"}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return collector
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil, nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Port != 9090 {
			t.Errorf("default port = %d, want 9090", collector.config.Port)
		}
		if collector.config.Namespace != "driveftp" {
			t.Errorf("default namespace = %q, want driveftp", collector.config.Namespace)
		}
		if collector.Registry() == nil {
			t.Error("registry is nil")
		}
	})

	t.Run("two collectors do not share a registry", func(t *testing.T) {
		a := newTestCollector(t)
		b := newTestCollector(t)
		if a.Registry() == b.Registry() {
			t.Error("collectors share a registry")
		}
	})
}

func TestNilCollectorIsNoop(t *testing.T) {
	t.Parallel()

	var c *Collector
	c.RecordSyncCycle(time.Second, nil)
	c.RecordChangesApplied(3)
	c.RecordFolderSync("synced")
	c.RecordRemoteCall("list", time.Millisecond, nil)
	c.RecordRemoteRetry("list")
	c.RecordCacheOperation("get_entry", time.Millisecond, nil)
	c.RecordForcedRefresh(nil)
	c.RecordTransfer("upload", 10, nil)
	c.UpdateCacheStats(types.CacheStats{})

	if err := c.Start(context.Background()); err != nil {
		t.Errorf("Start() on nil collector = %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on nil collector = %v", err)
	}
}

func TestRecordRemoteCall(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordRemoteCall("list", 10*time.Millisecond, nil)
	c.RecordRemoteCall("list", 10*time.Millisecond, errors.NotFound("x"))
	c.RecordRemoteCall("list", 10*time.Millisecond, errors.Transient("503", nil))
	c.RecordRemoteCall("list", 10*time.Millisecond, fmt.Errorf("plain"))

	tests := []struct {
		result string
		want   float64
	}{
		{"success", 1},
		{"not_found", 1},
		{"transient", 1},
		{"other", 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(c.remoteCalls.WithLabelValues("list", tt.result))
		if got != tt.want {
			t.Errorf("remote calls[%s] = %v, want %v", tt.result, got, tt.want)
		}
	}
}

func TestSyncAndCacheMetrics(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordSyncCycle(time.Second, nil)
	c.RecordSyncCycle(time.Second, fmt.Errorf("boom"))
	c.RecordChangesApplied(4)
	c.RecordChangesApplied(2)
	c.RecordFolderSync("discarded")
	c.UpdateCacheStats(types.CacheStats{Entries: 12, PendingFolders: 3, Cursor: 77})

	if got := testutil.ToFloat64(c.syncCycles.WithLabelValues("error")); got != 1 {
		t.Errorf("error cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.changesApplied); got != 6 {
		t.Errorf("changes applied = %v, want 6", got)
	}
	if got := testutil.ToFloat64(c.folderSyncs.WithLabelValues("discarded")); got != 1 {
		t.Errorf("discarded folders = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.revisionCursor); got != 77 {
		t.Errorf("cursor gauge = %v, want 77", got)
	}
	if got := testutil.ToFloat64(c.pendingFolders); got != 3 {
		t.Errorf("pending gauge = %v, want 3", got)
	}
}

func TestTransfers(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordTransfer("upload", 100, nil)
	c.RecordTransfer("upload", 50, fmt.Errorf("failed"))

	if got := testutil.ToFloat64(c.transferBytes.WithLabelValues("upload")); got != 150 {
		t.Errorf("upload bytes = %v, want 150", got)
	}
	if got := testutil.ToFloat64(c.transfers.WithLabelValues("upload", "error")); got != 1 {
		t.Errorf("failed uploads = %v, want 1", got)
	}
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	rec := httptest.NewRecorder()
	c.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestHealthHandler_Reporter(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)
	c.SetHealth(func() (bool, interface{}) {
		return false, map[string]string{"status": "degraded"}
	})

	rec := httptest.NewRecorder()
	c.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if got := rec.Body.String(); got != "{\"status\":\"degraded\"}\n" {
		t.Errorf("body = %q", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{errors.NewError(errors.ErrCodeRateLimited, "slow down"), "throttled"},
		{errors.NewError(errors.ErrCodeCircuitOpen, "open"), "circuit_open"},
		{errors.NewError(errors.ErrCodeOperationTimeout, "late"), "timeout"},
		{errors.NewError(errors.ErrCodeAmbiguousName, "dup"), "ambiguous"},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
