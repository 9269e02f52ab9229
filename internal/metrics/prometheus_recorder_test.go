package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder_Counters(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.IncBuildTrigger("ios")
	pr.IncBuildTrigger("ios")
	pr.IncBuildTrigger("android")
	pr.IncBuildOutcome("ios", BuildSuccess)
	pr.IncBuildOutcome("ios", BuildFailed)
	pr.IncAssetRequest("ios", AssetStale)
	pr.SetHMRSubscribers("ios", 3)

	assert.InDelta(t, 2, testutil.ToFloat64(pr.triggers.WithLabelValues("ios")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(pr.triggers.WithLabelValues("android")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(pr.buildOutcome.WithLabelValues("ios", "failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(pr.assetRequests.WithLabelValues("ios", "stale")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(pr.hmrSubscribers.WithLabelValues("ios")), 0)
}

func TestPrometheusRecorder_Histograms(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.ObserveBuildDuration("ios", 250*time.Millisecond)
	pr.ObserveCoalescedWaiters("ios", 10)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["packd_build_duration_seconds"])
	assert.True(t, names["packd_build_coalesced_waiters"])
}

func TestPrometheusRecorder_NilReceiver(t *testing.T) {
	var pr *PrometheusRecorder
	assert.NotPanics(t, func() {
		pr.IncBuildTrigger("ios")
		pr.ObserveBuildDuration("ios", time.Second)
		pr.IncBuildOutcome("ios", BuildSuccess)
		pr.ObserveCoalescedWaiters("ios", 1)
		pr.IncAssetRequest("ios", AssetHit)
		pr.SetHMRSubscribers("ios", 0)
	})
}

func TestNoopRecorder_SatisfiesInterface(t *testing.T) {
	var r Recorder = NoopRecorder{}
	assert.NotPanics(t, func() { r.IncBuildTrigger("ios") })
}

func TestHTTPHandler_ServesRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	NewPrometheusRecorder(reg).IncBuildTrigger("ios")

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `packd_build_triggers_total{platform="ios"} 1`)
}
