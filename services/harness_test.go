package services

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/sealbid/auction"
	"github.com/flashbots/sealbid/content"
	"github.com/flashbots/sealbid/crypto"
	"github.com/flashbots/sealbid/events"
	"github.com/flashbots/sealbid/ledger"
	"github.com/flashbots/sealbid/proof"
	"github.com/flashbots/sealbid/ratelimit"
	"github.com/flashbots/sealbid/store"
	"github.com/flashbots/sealbid/testutil"
	"github.com/flashbots/sealbid/txbuilder"
)

var testSecret = []byte("webhook-secret")

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *testClock
	store    *store.InMemoryStore
	primary  *testutil.FakeRPC
	fallback *testutil.FakeRPC
	verifier *testutil.FakeVerifier
	content  *content.MemoryStore
	builder  *txbuilder.Builder
	orch     *Orchestrator
	rec      *Reconciler
}

type harnessOption func(*ReconcilerConfig)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:    store.NewInMemoryStore(),
		primary:  testutil.NewFakeRPC("primary"),
		fallback: testutil.NewFakeRPC("fallback"),
		verifier: &testutil.FakeVerifier{},
		content:  content.NewMemoryStore(),
		builder:  txbuilder.New(txbuilder.Config{}),
	}

	pool, err := ledger.NewPool(ledger.PoolConfig{
		Primary:  h.primary,
		Fallback: h.fallback,
		Sleep:    func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	require.NoError(t, err)
	gateway, err := proof.NewGateway(proof.GatewayConfig{Verifier: h.verifier})
	require.NoError(t, err)
	lifecycle := NewLifecycle(h.store, nil)

	h.orch, err = NewOrchestrator(OrchestratorConfig{
		Store:          h.store,
		Pool:           pool,
		Builder:        h.builder,
		Proofs:         gateway,
		Limiter:        ratelimit.New(ratelimit.Config{Now: h.clock.Now}),
		Content:        h.content,
		Lifecycle:      lifecycle,
		ConfirmTimeout: time.Second,
		Now:            h.clock.Now,
	})
	require.NoError(t, err)

	rcfg := ReconcilerConfig{Store: h.store, Secret: testSecret, Lifecycle: lifecycle, Now: h.clock.Now}
	for _, opt := range opts {
		opt(&rcfg)
	}
	h.rec, err = NewReconciler(rcfg)
	require.NoError(t, err)
	return h
}

// seedAuction stores a and returns it.
func (h *harness) seedAuction(a *auction.Auction, bids ...auction.Bid) *auction.Auction {
	h.t.Helper()
	require.NoError(h.t, h.store.WithTx(h.ctx, func(tx store.Tx) error {
		if err := tx.InsertAuction(a); err != nil {
			return err
		}
		for i := range bids {
			if err := tx.InsertBid(&bids[i]); err != nil {
				return err
			}
		}
		return nil
	}))
	return a
}

func (h *harness) auction(id string) *auction.Auction {
	h.t.Helper()
	var a *auction.Auction
	require.NoError(h.t, h.store.WithTx(h.ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.GetAuction(id)
		return err
	}))
	return a
}

func (h *harness) bids(auctionID string) []auction.Bid {
	h.t.Helper()
	var bids []auction.Bid
	require.NoError(h.t, h.store.WithTx(h.ctx, func(tx store.Tx) error {
		var err error
		bids, err = tx.ListBids(auctionID)
		return err
	}))
	return bids
}

func (h *harness) fulfillment(auctionID string) (*auction.Fulfillment, error) {
	var f *auction.Fulfillment
	err := h.store.WithTx(h.ctx, func(tx store.Tx) error {
		var err error
		f, err = tx.GetFulfillment(auctionID)
		return err
	})
	return f, err
}

// bidRequest builds a well-formed submission with a fresh commitment.
func bidRequest(auctionID string, bidder crypto.PublicKey, amount uint64, collateral int64) (SubmitBidRequest, [auction.SaltSize]byte) {
	salt := testutil.RandomSalt()
	commitment := auction.ComputeCommitment(amount, salt, bidder.String())
	proofBytes := testutil.RandomBytes(128)
	proofHash := crypto.Hash(sha256.Sum256(proofBytes))
	return SubmitBidRequest{
		AuctionID:        auctionID,
		Bidder:           bidder.String(),
		CommitmentHash:   commitment.String(),
		Proof:            base64.StdEncoding.EncodeToString(proofBytes),
		ProofHash:        proofHash.String(),
		CollateralAmount: decimalOf(collateral),
	}, salt
}

func decimalOf(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// derivedBid is a confirmed bid stored at the address the program derives
// for bidder, as the reconciler would record it.
func (h *harness) derivedBid(a *auction.Auction, bidder crypto.PublicKey, amount uint64, opts ...testutil.BidOption) (auction.Bid, [auction.SaltSize]byte) {
	h.t.Helper()
	b, salt := testutil.NewTestBid(a, bidder.String(), amount, opts...)
	addr, err := h.builder.Deriver().Bid(a.Address, bidder)
	require.NoError(h.t, err)
	b.Address = addr.Key
	return b, salt
}

// batch encodes events as a signed ingestion body.
func batch(t *testing.T, evs ...events.Event) ([]byte, string) {
	t.Helper()
	envs := make([]events.Envelope, 0, len(evs))
	for _, ev := range evs {
		env, err := events.Encode(ev)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	body, err := json.Marshal(envs)
	require.NoError(t, err)
	return body, crypto.SignPayload(testSecret, body)
}

func (h *harness) deliver(evs ...events.Event) *BatchResult {
	h.t.Helper()
	body, sig := batch(h.t, evs...)
	res, err := h.rec.HandleBatch(h.ctx, body, sig)
	require.NoError(h.t, err)
	return res
}

func meta(typ events.Type, slot uint64, ts time.Time) events.Meta {
	return events.Meta{
		Type:      typ,
		Signature: testutil.RandomKey().String() + testutil.RandomKey().String(),
		Slot:      slot,
		Timestamp: ts.Truncate(time.Second),
	}
}

func outcomes(res *BatchResult) []Outcome {
	out := make([]Outcome, len(res.Results))
	for i, r := range res.Results {
		out[i] = r.Outcome
	}
	return out
}
