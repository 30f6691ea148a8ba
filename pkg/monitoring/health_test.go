package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type pinger struct{ err error }

func (p *pinger) Ping(context.Context) error { return p.err }

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	if status := hc.CheckHealth(); status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", status.Status)
	}

	hc.AddCheck("sync", SyncHealthCheck(func() (string, int, error) { return "retrying", 2, nil }))
	if status := hc.CheckHealth(); status.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", status.Status)
	}

	hc.AddCheck("store", PingHealthCheck("store", &pinger{err: errors.New("closed")}))
	if status := hc.CheckHealth(); status.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", status.Status)
	}
}

func TestPingHealthCheck_Nil(t *testing.T) {
	res := PingHealthCheck("store", nil)()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for nil pinger, got %q", res.Status)
	}
}

func TestHealthHandler_StatusCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("sync", SyncHealthCheck(func() (string, int, error) { return "idle", 5, errors.New("gave up") }))

	router := gin.New()
	router.GET("/health", hc.Handler())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestEngineMetrics(t *testing.T) {
	mc := NewMetricsCollector("stream-sync-test", "v1", "abc")
	m := mc.CreateEngineMetrics()

	m.SetSyncState("active", []string{"idle", "active"})
	m.SyncUpdate("update")
	m.SyncUpdate("update")
	if got := testutil.ToFloat64(m.SyncUpdates.WithLabelValues("update")); got != 2 {
		t.Fatalf("expected 2 updates, got %v", got)
	}
	if got := testutil.ToFloat64(m.SyncState.WithLabelValues("idle")); got != 0 {
		t.Fatalf("expected idle gauge 0, got %v", got)
	}

	var nilMetrics *EngineMetrics
	nilMetrics.SyncFailure("eof")

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", mc.Handler())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "stream_sync_test_sync_updates_total") {
		t.Fatal("expected engine metrics in exposition")
	}
}
