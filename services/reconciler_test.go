package services

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/sealbid/addressing"
	"github.com/flashbots/sealbid/apperr"
	"github.com/flashbots/sealbid/auction"
	"github.com/flashbots/sealbid/crypto"
	"github.com/flashbots/sealbid/events"
	"github.com/flashbots/sealbid/ledger"
	"github.com/flashbots/sealbid/store"
	"github.com/flashbots/sealbid/testutil"
)

func (h *harness) auctionAt(addr crypto.PublicKey) *auction.Auction {
	h.t.Helper()
	var a *auction.Auction
	require.NoError(h.t, h.store.WithTx(h.ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.GetAuctionByAddress(addr)
		return err
	}))
	return a
}

func (h *harness) backlog(status store.BacklogStatus) []store.BacklogEntry {
	h.t.Helper()
	var out []store.BacklogEntry
	require.NoError(h.t, h.store.WithTx(h.ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListBacklog(status, 100)
		return err
	}))
	return out
}

// sealed is a bidder's commitment and its opening.
type sealed struct {
	bidder crypto.PublicKey
	bid    crypto.PublicKey
	amount uint64
	salt   [auction.SaltSize]byte
}

func newSealed(amount uint64) sealed {
	return sealed{bidder: testutil.RandomKey(), bid: testutil.RandomKey(), amount: amount, salt: testutil.RandomSalt()}
}

func (s sealed) submitted(auctionAddr crypto.PublicKey, slot uint64, ts time.Time) *events.BidSubmitted {
	return &events.BidSubmitted{
		Meta:           meta(events.TypeBidSubmitted, slot, ts),
		Auction:        auctionAddr,
		Bid:            s.bid,
		Bidder:         s.bidder,
		CommitmentHash: auction.ComputeCommitment(s.amount, s.salt, s.bidder.String()),
		ProofHash:      testutil.RandomHash(),
		Collateral:     auction.MinBidCollateral,
	}
}

func (s sealed) revealed(auctionAddr crypto.PublicKey, slot uint64, ts time.Time) *events.BidRevealed {
	return &events.BidRevealed{
		Meta:    meta(events.TypeBidRevealed, slot, ts),
		Auction: auctionAddr,
		Bid:     s.bid,
		Bidder:  s.bidder,
		Amount:  s.amount,
		Salt:    crypto.Hash(s.salt),
	}
}

func created(addr, seller crypto.PublicKey, slot uint64, now time.Time) *events.AuctionCreated {
	return &events.AuctionCreated{
		Meta:                   meta(events.TypeAuctionCreated, slot, now),
		Auction:                addr,
		Seller:                 seller,
		ProductType:            string(auction.ProductPhysical),
		Category:               "art",
		ReservePriceCommitment: testutil.RandomHash(),
		StartTime:              now.Add(-time.Hour).Unix(),
		EndTime:                now.Add(time.Hour).Unix(),
		RevealDuration:         3600,
		PaymentMint:            testutil.RandomKey(),
		MinBidIncrement:        1_000,
		BidCollateral:          auction.MinBidCollateral,
	}
}

func TestHandleBatch_Authentication(t *testing.T) {
	h := newHarness(t)
	addr := testutil.RandomKey()
	body, _ := batch(t, created(addr, testutil.RandomKey(), 1, h.clock.Now()))

	_, err := h.rec.HandleBatch(h.ctx, body, crypto.SignPayload([]byte("other-secret"), body))
	e := requireKind(t, err, apperr.KindReconciliation)
	require.Equal(t, http.StatusUnauthorized, e.HTTPStatus())
	require.ErrorIs(t, e, crypto.ErrSignatureMismatch)

	_, err = h.rec.HandleBatch(h.ctx, body, "")
	requireKind(t, err, apperr.KindReconciliation)

	notArray := []byte(`{"type":"auction-created"}`)
	_, err = h.rec.HandleBatch(h.ctx, notArray, crypto.SignPayload(testSecret, notArray))
	e = requireKind(t, err, apperr.KindReconciliation)
	require.Equal(t, http.StatusUnprocessableEntity, e.HTTPStatus())

	err = h.store.WithTx(h.ctx, func(tx store.Tx) error {
		_, err := tx.GetAuctionByAddress(addr)
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconciler_FullLifecycleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	addr, seller := testutil.RandomKey(), testutil.RandomKey()
	low, high, silent := newSealed(5_000), newSealed(8_000), newSealed(6_000)

	reveal := now.Add(90 * time.Minute)
	evs := []events.Event{
		created(addr, seller, 10, now),
		low.submitted(addr, 11, now),
		high.submitted(addr, 12, now),
		silent.submitted(addr, 13, now),
		low.revealed(addr, 20, reveal),
		high.revealed(addr, 21, reveal),
		&events.AuctionSettled{
			Meta:          meta(events.TypeAuctionSettled, 30, now.Add(3*time.Hour)),
			Auction:       addr,
			Winner:        high.bidder,
			WinningAmount: 8_000,
			SecondPrice:   5_000,
		},
	}
	// Delivered newest first; slots decide the order.
	reversed := make([]events.Event, len(evs))
	for i, ev := range evs {
		reversed[len(evs)-1-i] = ev
	}

	res := h.deliver(reversed...)
	for i, o := range outcomes(res) {
		require.Equal(t, OutcomeApplied, o, "entry %d: %s", i, res.Results[i].Reason)
	}

	a := h.auctionAt(addr)
	require.Equal(t, auction.StatusSettled, a.Status)
	require.Equal(t, seller.String(), a.SellerID)
	require.Equal(t, 3, a.BidCount)
	require.Equal(t, 2, a.RevealedCount)
	require.Equal(t, high.bidder.String(), a.Winner)
	require.Equal(t, uint64(8_000), a.WinningAmount)
	require.Equal(t, uint64(5_000), a.SecondPrice)

	bids := h.bids(a.ID)
	require.Len(t, bids, 3)
	for _, b := range bids {
		require.NotEqual(t, auction.BidPending, b.Status)
	}

	f, err := h.fulfillment(a.ID)
	require.NoError(t, err)
	require.Equal(t, high.bidder.String(), f.BuyerID)
	require.Equal(t, uint64(5_000), f.Amount)
	require.Equal(t, uint64(125), f.PlatformFee)
	require.Equal(t, auction.FulfillmentPending, f.Status)
	require.True(t, f.NeedsConfirm)

	for round := 0; round < 2; round++ {
		res := h.deliver(evs...)
		for i, o := range outcomes(res) {
			require.Equal(t, OutcomeDuplicate, o, "round %d entry %d", round, i)
		}
		require.Equal(t, a, h.auctionAt(addr))
		require.Equal(t, bids, h.bids(a.ID))
		again, err := h.fulfillment(a.ID)
		require.NoError(t, err)
		require.Equal(t, f, again)
	}
}

func TestReconciler_PostSettlementEvents(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	addr := testutil.RandomKey()
	winner, loser := newSealed(9_000), newSealed(4_000)
	reveal := now.Add(90 * time.Minute)
	h.deliver(
		created(addr, testutil.RandomKey(), 1, now),
		winner.submitted(addr, 2, now),
		loser.submitted(addr, 3, now),
		winner.revealed(addr, 4, reveal),
		loser.revealed(addr, 5, reveal),
		&events.AuctionSettled{Meta: meta(events.TypeAuctionSettled, 6, reveal), Auction: addr, Winner: winner.bidder, WinningAmount: 9_000, SecondPrice: 4_000},
	)
	a := h.auctionAt(addr)
	require.Equal(t, auction.StatusSettled, a.Status, "all bids revealed allows early settlement")

	refund := &events.RefundClaimed{Meta: meta(events.TypeRefundClaimed, 7, reveal), Auction: addr, Bid: loser.bid, Bidder: loser.bidder, Amount: auction.MinBidCollateral}
	delivered := &events.DeliveryConfirmed{Meta: meta(events.TypeDeliveryConfirmed, 8, reveal), Auction: addr, Buyer: winner.bidder}
	require.Equal(t, []Outcome{OutcomeApplied, OutcomeApplied}, outcomes(h.deliver(refund, delivered)))
	require.Equal(t, []Outcome{OutcomeDuplicate, OutcomeDuplicate}, outcomes(h.deliver(refund, delivered)))

	for _, b := range h.bids(a.ID) {
		require.Equal(t, b.BidderID == loser.bidder.String(), b.CollateralReturned)
	}
	f, err := h.fulfillment(a.ID)
	require.NoError(t, err)
	require.Equal(t, auction.FulfillmentDelivered, f.Status)
}

func TestReconciler_DisputedDeliveryIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	a := testutil.NewTestAuction(now, testutil.WithStatus(auction.StatusSettled))
	a.Winner = testutil.RandomKey().String()
	h.seedAuction(a)
	require.NoError(t, h.store.WithTx(h.ctx, func(tx store.Tx) error {
		f := auction.NewFulfillment(a, auction.Settlement{Winner: a.Winner, Payment: 1_000}, now)
		f.Status = auction.FulfillmentDisputed
		_, err := tx.InsertFulfillment(&f)
		return err
	}))

	res := h.deliver(&events.DeliveryConfirmed{Meta: meta(events.TypeDeliveryConfirmed, 1, now), Auction: a.Address})
	require.Equal(t, []Outcome{OutcomeDeadLetter}, outcomes(res))
	require.Contains(t, res.Results[0].Reason, "disputed")
	dead := h.backlog(store.BacklogDead)
	require.Len(t, dead, 1)
	require.Equal(t, string(events.TypeDeliveryConfirmed), dead[0].EventType)

	f, err := h.fulfillment(a.ID)
	require.NoError(t, err)
	require.Equal(t, auction.FulfillmentDisputed, f.Status)
}

func TestReconciler_ConfirmsRequestSideState(t *testing.T) {
	h := newHarness(t)
	mint := testutil.RandomKey()
	h.primary.SetAccount(mint, ledger.AccountInfo{Owner: addressing.TokenProgramID})
	seller := testutil.RandomKey()

	resp, err := h.orch.CreateAuction(h.ctx, createRequest(seller.String(), mint.String()))
	require.NoError(t, err)
	addr := crypto.MustPublicKey(resp.AuctionAddress)

	now := h.clock.Now()
	ev := created(addr, seller, 100, now)
	ev.PaymentMint = mint
	ev.StartTime = now.Unix()
	ev.EndTime = now.Add(24 * time.Hour).Unix()
	require.Equal(t, []Outcome{OutcomeApplied}, outcomes(h.deliver(ev)))

	a := h.auction(resp.AuctionID)
	require.Equal(t, auction.StatusActive, a.Status)
	require.Equal(t, resp.ContentPointer, a.MetadataPointer)
	require.Equal(t, "art", a.Category, "ledger terms win over the request")

	bidder := testutil.RandomKey()
	req, _ := bidRequest(a.ID, bidder, 7_000, auction.MinBidCollateral)
	bid, err := h.orch.SubmitBid(h.ctx, req)
	require.NoError(t, err)

	commitment, err := crypto.ParseHash(req.CommitmentHash)
	require.NoError(t, err)
	res := h.deliver(&events.BidSubmitted{
		Meta:           meta(events.TypeBidSubmitted, 101, now),
		Auction:        addr,
		Bid:            crypto.MustPublicKey(bid.BidAddress),
		Bidder:         bidder,
		CommitmentHash: commitment,
		ProofHash:      testutil.RandomHash(),
		Collateral:     auction.MinBidCollateral,
	})
	require.Equal(t, []Outcome{OutcomeApplied}, outcomes(res))

	bids := h.bids(a.ID)
	require.Len(t, bids, 1)
	require.Equal(t, bid.BidID, bids[0].ID)
	require.Equal(t, auction.BidConfirmed, bids[0].Status)
	require.Equal(t, int64(101), bids[0].Seq)
	require.Equal(t, 1, h.auction(a.ID).BidCount)
}

func TestReconciler_PendingBidReplacedByLedgerBid(t *testing.T) {
	h := newHarness(t)
	a := h.seedAuction(testutil.NewTestAuction(h.clock.Now()))
	bidder := testutil.RandomKey()

	req, _ := bidRequest(a.ID, bidder, 7_000, auction.MinBidCollateral)
	_, err := h.orch.SubmitBid(h.ctx, req)
	require.NoError(t, err)

	// The bidder signed a different commitment than the one built here.
	other := newSealed(3_000)
	other.bidder = bidder
	res := h.deliver(other.submitted(a.Address, 5, h.clock.Now()))
	require.Equal(t, []Outcome{OutcomeApplied}, outcomes(res))

	bids := h.bids(a.ID)
	require.Len(t, bids, 1)
	require.Equal(t, auction.BidConfirmed, bids[0].Status)
	require.Equal(t, other.bid, bids[0].Address)
}

func TestReconciler_CancellationEvents(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	seller := testutil.RandomKey()

	t.Run("afterCancelRequest", func(t *testing.T) {
		a := h.seedAuction(testutil.NewTestAuction(now, testutil.WithSeller(seller.String())))
		_, err := h.orch.CancelAuction(h.ctx, CancelRequest{AuctionID: a.ID, Seller: seller.String()})
		require.NoError(t, err)
		require.Equal(t, auction.StatusActive, h.auction(a.ID).Status)

		ev := &events.AuctionCancelled{Meta: meta(events.TypeAuctionCancelled, 1, now), Auction: a.Address, Seller: seller}
		require.Equal(t, []Outcome{OutcomeApplied}, outcomes(h.deliver(ev)))
		require.Equal(t, auction.StatusCancelled, h.auction(a.ID).Status)
		require.Equal(t, []Outcome{OutcomeDuplicate}, outcomes(h.deliver(ev)))
	})
	t.Run("withoutRequest", func(t *testing.T) {
		a := h.seedAuction(testutil.NewTestAuction(now))
		res := h.deliver(&events.AuctionCancelled{Meta: meta(events.TypeAuctionCancelled, 2, now), Auction: a.Address})
		require.Equal(t, []Outcome{OutcomeApplied}, outcomes(res))
		require.Equal(t, auction.StatusCancelled, h.auction(a.ID).Status)
	})
	t.Run("auctionHasBids", func(t *testing.T) {
		a := testutil.NewTestAuction(now)
		a.BidCount = 1
		bid, _ := testutil.NewTestBid(a, testutil.RandomKey().String(), 1_000)
		h.seedAuction(a, bid)
		res := h.deliver(&events.AuctionCancelled{Meta: meta(events.TypeAuctionCancelled, 3, now), Auction: a.Address})
		require.Equal(t, []Outcome{OutcomeDeadLetter}, outcomes(res))
		require.Equal(t, auction.StatusActive, h.auction(a.ID).Status)
	})
	t.Run("bidOnCancelledAuction", func(t *testing.T) {
		a := h.seedAuction(testutil.NewTestAuction(now, testutil.WithStatus(auction.StatusCancelled)))
		res := h.deliver(newSealed(1_000).submitted(a.Address, 4, now))
		require.Equal(t, []Outcome{OutcomeDeadLetter}, outcomes(res))
		require.Empty(t, h.bids(a.ID))
	})
}

func TestReconciler_CancelRequestThenLateBid(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	seller := testutil.RandomKey()
	a := h.seedAuction(testutil.NewTestAuction(now, testutil.WithSeller(seller.String())))

	// The bid is already confirmed on the ledger but its event is in flight,
	// so the mirror still shows no bids when the seller asks to cancel.
	late := newSealed(2_500)
	_, err := h.orch.CancelAuction(h.ctx, CancelRequest{AuctionID: a.ID, Seller: seller.String()})
	require.NoError(t, err)

	res := h.deliver(late.submitted(a.Address, 11, now))
	require.Equal(t, []Outcome{OutcomeApplied}, outcomes(res))

	got := h.auction(a.ID)
	require.Equal(t, auction.StatusActive, got.Status)
	require.Equal(t, 1, got.BidCount)
	require.Len(t, h.bids(a.ID), 1)
	require.Empty(t, h.backlog(store.BacklogDead))

	// The ledger refuses the cancel now, and a retry is refused here too.
	_, err = h.orch.CancelAuction(h.ctx, CancelRequest{AuctionID: a.ID, Seller: seller.String()})
	requireKind(t, err, apperr.KindConflict)
}

func TestReconciler_RevealMismatchIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	a := testutil.NewTestAuction(now, testutil.WithWindow(now.Add(-2*time.Hour), now.Add(-time.Hour), 24*time.Hour))
	a.BidCount = 1
	bidder := testutil.RandomKey()
	bid, salt := testutil.NewTestBid(a, bidder.String(), 5_000)
	h.seedAuction(a, bid)

	res := h.deliver(&events.BidRevealed{
		Meta:    meta(events.TypeBidRevealed, 9, now),
		Auction: a.Address,
		Bid:     bid.Address,
		Bidder:  bidder,
		Amount:  5_001,
		Salt:    crypto.Hash(salt),
	})
	require.Equal(t, []Outcome{OutcomeDeadLetter}, outcomes(res))
	require.Contains(t, res.Results[0].Reason, auction.ErrCommitmentMismatch.Error())

	bids := h.bids(a.ID)
	require.Equal(t, auction.BidConfirmed, bids[0].Status)
	_, ok := bids[0].Revealed()
	require.False(t, ok)
	require.Zero(t, h.auction(a.ID).RevealedCount)
	require.Empty(t, h.backlog(store.BacklogPending))
	require.Len(t, h.backlog(store.BacklogDead), 1)
}

func TestReconciler_RevealBeforeSubmissionIsReplayed(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	a := h.seedAuction(testutil.NewTestAuction(now, testutil.WithWindow(now.Add(-2*time.Hour), now.Add(-time.Hour), 24*time.Hour)))
	s := newSealed(4_200)

	res := h.deliver(s.revealed(a.Address, 50, now))
	require.Equal(t, []Outcome{OutcomeDeferred}, outcomes(res))
	require.Len(t, h.backlog(store.BacklogPending), 1)
	require.Equal(t, auction.StatusRevealing, h.auction(a.ID).Status)

	res = h.deliver(s.submitted(a.Address, 40, now))
	require.Equal(t, []Outcome{OutcomeApplied}, outcomes(res))
	require.Equal(t, 1, res.Replayed, "the waiting reveal resolves in the same batch")
	require.Empty(t, h.backlog(store.BacklogPending))
	require.Empty(t, h.backlog(store.BacklogDead))

	got := h.auction(a.ID)
	require.Equal(t, 1, got.RevealedCount)
	require.Equal(t, s.bidder.String(), got.Winner)
	require.Equal(t, uint64(4_200), got.WinningAmount)
}

func TestReconciler_DeadLetterAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, func(c *ReconcilerConfig) { c.MaxAttempts = 3 })
	a := h.seedAuction(testutil.NewTestAuction(h.clock.Now()))

	res := h.deliver(newSealed(1).revealed(a.Address, 1, h.clock.Now()))
	require.Equal(t, []Outcome{OutcomeDeferred}, outcomes(res))

	h.deliver()
	pending := h.backlog(store.BacklogPending)
	require.Len(t, pending, 1)
	require.Equal(t, 2, pending[0].Attempts)

	h.deliver()
	require.Empty(t, h.backlog(store.BacklogPending))
	dead := h.backlog(store.BacklogDead)
	require.Len(t, dead, 1)
	require.Equal(t, 3, dead[0].Attempts)
	require.Contains(t, dead[0].LastError, "not mirrored")
	require.Equal(t, string(events.TypeBidRevealed), dead[0].EventType)
}

func TestReconciler_FullBacklogDeadLetters(t *testing.T) {
	h := newHarness(t, func(c *ReconcilerConfig) { c.BacklogLimit = 1 })
	orphan := testutil.RandomKey()
	now := h.clock.Now()

	first := newSealed(1).revealed(orphan, 1, now)
	res := h.deliver(first, newSealed(2).revealed(orphan, 2, now))
	require.Equal(t, []Outcome{OutcomeDeferred, OutcomeDeadLetter}, outcomes(res))
	require.Len(t, h.backlog(store.BacklogPending), 1)
	require.Len(t, h.backlog(store.BacklogDead), 1)

	// Redelivering the waiting event does not add a second entry.
	res = h.deliver(first)
	require.Equal(t, []Outcome{OutcomeDeferred}, outcomes(res))
	require.Len(t, h.backlog(store.BacklogPending), 1)
	require.Len(t, h.backlog(store.BacklogDead), 1)
}

func TestReconciler_SettlementWaitsForReveals(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	a := testutil.NewTestAuction(now, testutil.WithWindow(now.Add(-2*time.Hour), now.Add(-time.Hour), 24*time.Hour))
	a.BidCount = 2
	h.seedAuction(a)

	res := h.deliver(&events.AuctionSettled{Meta: meta(events.TypeAuctionSettled, 1, now), Auction: a.Address})
	require.Equal(t, []Outcome{OutcomeDeferred}, outcomes(res))
	require.Equal(t, auction.StatusRevealing, h.auction(a.ID).Status)
}

func TestReconciler_RejectsAndDeadLettersEntries(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	noBidder := newSealed(1).submitted(testutil.RandomKey(), 1, now)
	noBidder.Bidder = crypto.PublicKey{}
	unknown := &events.Unknown{Meta: meta("listing-boosted", 2, now), Raw: json.RawMessage(`{"boost":3}`)}
	good := created(testutil.RandomKey(), testutil.RandomKey(), 3, now)

	envs := make([]events.Envelope, 0, 4)
	for _, ev := range []events.Event{noBidder, unknown, good} {
		env, err := events.Encode(ev)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	extra := envs[2]
	extra.Signature = "extra-field"
	extra.AccountData = json.RawMessage(`{"auction":"` + testutil.RandomKey().String() + `","surprise":true}`)
	envs = append(envs, extra)

	body, err := json.Marshal(envs)
	require.NoError(t, err)
	res, err := h.rec.HandleBatch(h.ctx, body, crypto.SignPayload(testSecret, body))
	require.NoError(t, err)

	require.Equal(t, []Outcome{OutcomeRejected, OutcomeDeadLetter, OutcomeApplied, OutcomeRejected}, outcomes(res))
	require.Contains(t, res.Results[0].Reason, "bidder")
	require.Contains(t, res.Results[1].Reason, "listing-boosted")
	h.auctionAt(good.Auction)
}
