package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestLimiter_BidSubmissionWindow(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := New(Config{Now: c.now})

	for i := 0; i < 10; i++ {
		res, err := l.Check(ctx, KindBidSubmission, "alice", "auction-1")
		require.NoError(t, err)
		require.True(t, res.Allowed, "hit %d", i+1)
		require.Equal(t, 10-(i+1), res.Remaining)
	}

	c.t = c.t.Add(30 * time.Second)
	res, err := l.Check(ctx, KindBidSubmission, "alice", "auction-1")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
	require.Equal(t, time.Unix(1_700_000_060, 0), res.ResetAt)

	// Other scopes are unaffected.
	res, err = l.Check(ctx, KindBidSubmission, "alice", "auction-2")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	c.t = time.Unix(1_700_000_060, 0)
	res, err = l.Check(ctx, KindBidSubmission, "alice", "auction-1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestLimiter_DeniedHitsNotRecorded(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Unix(0, 0)}
	l := New(Config{Now: c.now, Policies: map[Kind]Policy{KindAPI: {Limit: 2, Window: 10 * time.Second}}})

	for i := 0; i < 2; i++ {
		c.t = c.t.Add(time.Second)
		res, err := l.Check(ctx, KindAPI, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, KindAPI, "10.0.0.1")
		require.NoError(t, err)
		require.False(t, res.Allowed)
	}
	// The first hit leaves the window; only one slot opens.
	c.t = time.Unix(11, 0)
	res, err := l.Check(ctx, KindAPI, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.Check(ctx, KindAPI, "10.0.0.1")
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestLimiter_ProofVerificationIsGlobal(t *testing.T) {
	l := New(Config{Policies: map[Kind]Policy{KindProofVerification: {Limit: 1, Window: time.Minute}}})
	res, err := l.Check(context.Background(), KindProofVerification)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.Check(context.Background(), KindProofVerification)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, "proof_verification:global", Key(KindProofVerification))
}

func TestLimiter_UnknownKind(t *testing.T) {
	_, err := New(Config{}).Check(context.Background(), Kind("mystery"), "x")
	require.Error(t, err)
}
