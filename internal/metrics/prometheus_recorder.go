package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "packd"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	triggers       *prom.CounterVec
	buildDuration  *prom.HistogramVec
	buildOutcome   *prom.CounterVec
	waiters        *prom.HistogramVec
	assetRequests  *prom.CounterVec
	hmrSubscribers *prom.GaugeVec
}

// NewPrometheusRecorder constructs the collectors and registers them on reg.
// A nil reg gets a fresh private registry.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		triggers: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_triggers_total",
			Help:      "Builds scheduled by the orchestrator",
		}, []string{"platform"}),
		buildDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Time from build start to completion",
			Buckets:   prom.DefBuckets,
		}, []string{"platform"}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"platform", "outcome"}),
		waiters: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_coalesced_waiters",
			Help:      "Requests settled by a single build",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}, []string{"platform"}),
		assetRequests: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "asset_requests_total",
			Help:      "Asset lookups by result",
		}, []string{"platform", "result"}),
		hmrSubscribers: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "hmr_subscribers",
			Help:      "Connected HMR subscribers",
		}, []string{"platform"}),
	}
	reg.MustRegister(pr.triggers, pr.buildDuration, pr.buildOutcome, pr.waiters, pr.assetRequests, pr.hmrSubscribers)
	return pr
}

func (p *PrometheusRecorder) IncBuildTrigger(platform string) {
	if p == nil {
		return
	}
	p.triggers.WithLabelValues(platform).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(platform string, d time.Duration) {
	if p == nil {
		return
	}
	p.buildDuration.WithLabelValues(platform).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(platform string, outcome BuildOutcome) {
	if p == nil {
		return
	}
	p.buildOutcome.WithLabelValues(platform, string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveCoalescedWaiters(platform string, waiters int) {
	if p == nil {
		return
	}
	p.waiters.WithLabelValues(platform).Observe(float64(waiters))
}

func (p *PrometheusRecorder) IncAssetRequest(platform string, result AssetResult) {
	if p == nil {
		return
	}
	p.assetRequests.WithLabelValues(platform, string(result)).Inc()
}

func (p *PrometheusRecorder) SetHMRSubscribers(platform string, n int) {
	if p == nil {
		return
	}
	p.hmrSubscribers.WithLabelValues(platform).Set(float64(n))
}

// HTTPHandler returns an http.Handler that serves the metrics of g.
func HTTPHandler(g prom.Gatherer) http.Handler {
	if g == nil {
		g = prom.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
