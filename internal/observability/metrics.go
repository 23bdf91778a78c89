// Package observability — metrics.go
//
// Prometheus metrics for otto-bgp.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable). Loopback only.
// Metric naming convention: otto_bgp_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (never the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for otto-bgp.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Pipeline ─────────────────────────────────────────────────────────

	PipelineRunsTotal    *prometheus.CounterVec // labels: outcome
	PipelineRunDuration  prometheus.Histogram

	// ─── Guardrails ───────────────────────────────────────────────────────

	GuardrailChecksTotal *prometheus.CounterVec // labels: name, passed
	GuardrailRiskLevel   *prometheus.GaugeVec   // labels: name (0..3)

	// ─── RPKI ─────────────────────────────────────────────────────────────

	RPKIValidationsTotal *prometheus.CounterVec // labels: state
	VRPEntriesLoaded     prometheus.Gauge
	VRPDatasetStale      prometheus.Gauge

	// ─── NETCONF ──────────────────────────────────────────────────────────

	CommitAttemptsTotal  *prometheus.CounterVec // labels: outcome
	CommitLatency        prometheus.Histogram
	HealthChecksTotal    *prometheus.CounterVec // labels: outcome

	// ─── Rollout ──────────────────────────────────────────────────────────

	TargetsInFlight   prometheus.Gauge
	TargetStateTotal  *prometheus.CounterVec // labels: from_state, to_state
	RunsActive        prometheus.Gauge

	// ─── bgpq4 ────────────────────────────────────────────────────────────

	BGPQ4InvocationsTotal *prometheus.CounterVec // labels: cache
	BGPQ4Latency          prometheus.Histogram

	// ─── Process ──────────────────────────────────────────────────────────

	ProcessUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates a dedicated registry and registers all otto-bgp
// Prometheus metrics against it.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otto_bgp",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total pipeline runs, by outcome.",
		}, []string{"outcome"}),

		PipelineRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "otto_bgp",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Pipeline run wall-clock duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		GuardrailChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otto_bgp",
			Subsystem: "guardrail",
			Name:      "checks_total",
			Help:      "Total guardrail checks, by guardrail name and pass/fail.",
		}, []string{"name", "passed"}),

		GuardrailRiskLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "otto_bgp",
			Subsystem: "guardrail",
			Name:      "risk_level",
			Help:      "Last observed risk level per guardrail (0=low .. 3=critical).",
		}, []string{"name"}),

		RPKIValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otto_bgp",
			Subsystem: "rpki",
			Name:      "validations_total",
			Help:      "Total RPKI origin validations, by result state.",
		}, []string{"state"}),

		VRPEntriesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "otto_bgp",
			Subsystem: "rpki",
			Name:      "vrp_entries_loaded",
			Help:      "Number of VRP entries in the currently loaded dataset.",
		}),

		VRPDatasetStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "otto_bgp",
			Subsystem: "rpki",
			Name:      "vrp_dataset_stale",
			Help:      "1 if the loaded VRP dataset is stale, 0 otherwise.",
		}),

		CommitAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otto_bgp",
			Subsystem: "netconf",
			Name:      "commit_attempts_total",
			Help:      "Total NETCONF commit attempts, by outcome.",
		}, []string{"outcome"}),

		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "otto_bgp",
			Subsystem: "netconf",
			Name:      "commit_latency_seconds",
			Help:      "NETCONF commit RPC latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		HealthChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otto_bgp",
			Subsystem: "netconf",
			Name:      "health_checks_total",
			Help:      "Total post-commit health checks, by outcome.",
		}, []string{"outcome"}),

		TargetsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "otto_bgp",
			Subsystem: "rollout",
			Name:      "targets_in_flight",
			Help:      "Number of rollout targets currently being applied.",
		}),

		TargetStateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otto_bgp",
			Subsystem: "rollout",
			Name:      "target_state_transitions_total",
			Help:      "Total rollout target state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "otto_bgp",
			Subsystem: "rollout",
			Name:      "runs_active",
			Help:      "Number of rollout runs currently in the running state.",
		}),

		BGPQ4InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otto_bgp",
			Subsystem: "bgpq4",
			Name:      "invocations_total",
			Help:      "Total bgpq4 generation requests, by cache hit/miss.",
		}, []string{"cache"}),

		BGPQ4Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "otto_bgp",
			Subsystem: "bgpq4",
			Name:      "latency_seconds",
			Help:      "bgpq4 subprocess latency in seconds (cache misses only).",
			Buckets:   prometheus.DefBuckets,
		}),

		ProcessUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "otto_bgp",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the process started.",
		}),
	}

	reg.MustRegister(
		m.PipelineRunsTotal,
		m.PipelineRunDuration,
		m.GuardrailChecksTotal,
		m.GuardrailRiskLevel,
		m.RPKIValidationsTotal,
		m.VRPEntriesLoaded,
		m.VRPDatasetStale,
		m.CommitAttemptsTotal,
		m.CommitLatency,
		m.HealthChecksTotal,
		m.TargetsInFlight,
		m.TargetStateTotal,
		m.RunsActive,
		m.BGPQ4InvocationsTotal,
		m.BGPQ4Latency,
		m.ProcessUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the dedicated registry backing these metrics, for tests
// that want to scrape it directly.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.ProcessUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
