// Package ratelimit implements sliding-window admission control keyed by
// actor and operation kind. Counters live behind the Counter interface so
// every service instance can share one store.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flashbots/sealbid/metrics"
)

type Kind string

const (
	KindBidSubmission     Kind = "bid_submission"
	KindAuctionCreation   Kind = "auction_creation"
	KindProofVerification Kind = "proof_verification"
	KindAPI               Kind = "api"
)

// Policy allows Limit hits per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicies are the production limits.
var DefaultPolicies = map[Kind]Policy{
	KindBidSubmission:     {Limit: 10, Window: time.Minute},
	KindAuctionCreation:   {Limit: 5, Window: time.Hour},
	KindProofVerification: {Limit: 100, Window: time.Minute},
	KindAPI:               {Limit: 100, Window: time.Minute},
}

// Result is the admission decision. Callers must treat Allowed == false as
// a hard rejection.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Counter records hits in a sliding window. A denied hit is not recorded.
type Counter interface {
	Hit(ctx context.Context, key string, now time.Time, p Policy) (Result, error)
}

type Config struct {
	Counter  Counter
	Policies map[Kind]Policy
	Metrics  *metrics.Collectors
	Now      func() time.Time
}

type Limiter struct {
	counter  Counter
	policies map[Kind]Policy
	metrics  *metrics.Collectors
	now      func() time.Time
}

func New(cfg Config) *Limiter {
	l := &Limiter{
		counter:  cfg.Counter,
		policies: make(map[Kind]Policy, len(DefaultPolicies)),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	for k, p := range DefaultPolicies {
		l.policies[k] = p
	}
	for k, p := range cfg.Policies {
		l.policies[k] = p
	}
	if l.counter == nil {
		l.counter = NewMemoryCounter()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Key builds the counter key for kind scoped by the given identities.
func Key(kind Kind, scope ...string) string {
	if len(scope) == 0 {
		return string(kind) + ":global"
	}
	return string(kind) + ":" + strings.Join(scope, ":")
}

// Check records a hit for (kind, scope) and reports whether it is admitted.
//
//   - bid submissions are scoped by (user, auction)
//   - auction creation by user
//   - proof verification is global (no scope)
//   - API calls by network origin
func (l *Limiter) Check(ctx context.Context, kind Kind, scope ...string) (Result, error) {
	p, ok := l.policies[kind]
	if !ok {
		return Result{}, fmt.Errorf("no rate limit policy for %q", kind)
	}
	res, err := l.counter.Hit(ctx, Key(kind, scope...), l.now(), p)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", kind, err)
	}
	if !res.Allowed {
		l.metrics.RateLimited(string(kind))
	}
	return res, nil
}
