// Package metrics exposes Prometheus collectors for the auction mirror and
// a standalone metrics HTTP server.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups the service counters. A nil *Collectors is valid and
// records nothing, so components can be constructed without metrics.
type Collectors struct {
	reconciled  *prometheus.CounterVec
	submissions *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	proofs      *prometheus.CounterVec
	failovers   *prometheus.CounterVec
	backlog     prometheus.Gauge
}

func NewCollectors(namespace string, reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_reconciled_total",
			Help:      "Ledger events processed by type and outcome.",
		}, []string{"type", "outcome"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bid_submissions_total",
			Help:      "Bid submission attempts by result code.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"kind"}),
		proofs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proof_verifications_total",
			Help:      "Proof verdicts returned by the verifier gateway.",
		}, []string{"verdict"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_switches_total",
			Help:      "Ledger endpoint switches by direction.",
		}, []string{"direction"}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_backlog_size",
			Help:      "Deferred events waiting for replay.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.reconciled, c.submissions, c.rateLimited, c.proofs, c.failovers, c.backlog)
	}
	return c
}

func (c *Collectors) EventReconciled(eventType, outcome string) {
	if c == nil {
		return
	}
	c.reconciled.WithLabelValues(eventType, outcome).Inc()
}

func (c *Collectors) BidSubmission(result string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(result).Inc()
}

func (c *Collectors) RateLimited(kind string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(kind).Inc()
}

func (c *Collectors) ProofVerified(verdict string) {
	if c == nil {
		return
	}
	c.proofs.WithLabelValues(verdict).Inc()
}

func (c *Collectors) EndpointSwitched(direction string) {
	if c == nil {
		return
	}
	c.failovers.WithLabelValues(direction).Inc()
}

func (c *Collectors) BacklogSize(n int) {
	if c == nil {
		return
	}
	c.backlog.Set(float64(n))
}

// MetricsServer serves /metrics from its own registry on a separate address.
type MetricsServer struct {
	Registry   *prometheus.Registry
	Collectors *Collectors
	srv        *http.Server
}

// New creates the registry and collectors. An empty addr yields a server
// whose ListenAndServe is a no-op, but the collectors still work.
func New(namespace, addr string) (*MetricsServer, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := &MetricsServer{
		Registry:   reg,
		Collectors: NewCollectors(namespace, reg),
	}
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		m.srv = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return m, nil
}

func (m *MetricsServer) ListenAndServe() error {
	if m.srv == nil {
		return nil
	}
	if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
