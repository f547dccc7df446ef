package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/flashbots/sealbid/metrics"
)

const (
	DefaultHealthInterval   = 30 * time.Second
	DefaultFailureThreshold = 3
	DefaultMaxRetries       = 3

	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second

	primaryIdx  = 0
	fallbackIdx = 1
)

type PoolConfig struct {
	Primary  RPC
	Fallback RPC

	// HealthInterval is the period of the background probe run by Run.
	HealthInterval time.Duration
	// FailureThreshold consecutive primary failures trigger failover.
	FailureThreshold int
	// MaxRetries bounds the attempts made by ExecuteWithRetry.
	MaxRetries int

	// Sleep replaces the backoff wait between attempts when set.
	Sleep func(ctx context.Context, d time.Duration) error

	Log     *slog.Logger
	Metrics *metrics.Collectors
}

// Pool holds a primary and a fallback endpoint. Failure counts are process
// local; concurrent processes each keep their own view.
type Pool struct {
	endpoints [2]RPC
	interval  time.Duration
	threshold int32
	retries   int
	log       *slog.Logger
	metrics   *metrics.Collectors

	active   atomic.Int32
	failures atomic.Int32
	inflight atomic.Int32

	sleep func(ctx context.Context, d time.Duration) error
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Primary == nil || cfg.Fallback == nil {
		return nil, fmt.Errorf("pool needs both a primary and a fallback endpoint")
	}
	p := &Pool{
		endpoints: [2]RPC{cfg.Primary, cfg.Fallback},
		interval:  cfg.HealthInterval,
		threshold: int32(cfg.FailureThreshold),
		retries:   cfg.MaxRetries,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		sleep:     sleepContext,
	}
	if p.interval <= 0 {
		p.interval = DefaultHealthInterval
	}
	if p.threshold <= 0 {
		p.threshold = DefaultFailureThreshold
	}
	if p.retries <= 0 {
		p.retries = DefaultMaxRetries
	}
	if cfg.Sleep != nil {
		p.sleep = cfg.Sleep
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "endpoint-pool")
	return p, nil
}

// Current returns the endpoint in use.
func (p *Pool) Current() RPC {
	return p.endpoints[p.active.Load()]
}

func (p *Pool) OnFallback() bool {
	return p.active.Load() == fallbackIdx
}

// HealthCheck probes the current endpoint and records the outcome.
func (p *Pool) HealthCheck(ctx context.Context) error {
	err := p.Current().Health(ctx)
	if err != nil {
		p.recordFailure(err)
		return err
	}
	p.failures.Store(0)
	return nil
}

// Probe runs one round of the periodic health probe: the current endpoint
// is checked and, while on fallback, the primary is tried concurrently.
// The pool returns to primary only when no operation is mid-retry.
func (p *Pool) Probe(ctx context.Context) {
	var primaryHealthy atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_ = p.HealthCheck(gctx)
		return nil
	})
	if p.OnFallback() {
		g.Go(func() error {
			if err := p.endpoints[primaryIdx].Health(gctx); err != nil {
				p.log.Debug("primary still unhealthy", "err", err)
				return nil
			}
			primaryHealthy.Store(true)
			return nil
		})
	}
	_ = g.Wait()

	if !primaryHealthy.Load() {
		return
	}
	if p.inflight.Load() > 0 {
		p.log.Debug("deferring switch back to primary, operation in flight")
		return
	}
	if p.active.CompareAndSwap(fallbackIdx, primaryIdx) {
		p.failures.Store(0)
		p.metrics.EndpointSwitched("primary")
		p.log.Info("switched back to primary endpoint", "endpoint", p.endpoints[primaryIdx].Endpoint())
	}
}

// Run probes every HealthInterval until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

func (p *Pool) recordFailure(err error) {
	n := p.failures.Inc()
	p.log.Warn("ledger endpoint failure", "endpoint", p.Current().Endpoint(), "consecutive", n, "err", err)
	if n >= p.threshold && !p.OnFallback() {
		p.failover("consecutive failures")
	}
}

func (p *Pool) failover(reason string) {
	if p.active.CompareAndSwap(primaryIdx, fallbackIdx) {
		p.failures.Store(0)
		p.metrics.EndpointSwitched("fallback")
		p.log.Warn("failed over to fallback endpoint", "endpoint", p.endpoints[fallbackIdx].Endpoint(), "reason", reason)
	}
}

// Backoff returns the delay before retry attempt+1.
func Backoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := baseBackoff << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// ExecuteWithRetry runs op against the current endpoint, retrying with
// exponential backoff. A second consecutive failure while on primary forces
// failover before the next attempt. When every attempt fails the last error
// is returned as is.
func ExecuteWithRetry[T any](ctx context.Context, p *Pool, op func(context.Context, RPC) (T, error)) (T, error) {
	p.inflight.Inc()
	defer p.inflight.Dec()

	var zero T
	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		v, err := op(ctx, p.Current())
		if err == nil {
			p.failures.Store(0)
			return v, nil
		}
		lastErr = err
		p.recordFailure(err)
		if attempt == 1 && !p.OnFallback() {
			p.failover("retry exhausted on primary")
		}
		if attempt == p.retries-1 {
			break
		}
		if err := p.sleep(ctx, Backoff(attempt)); err != nil {
			return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
