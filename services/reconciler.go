package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flashbots/sealbid/apperr"
	"github.com/flashbots/sealbid/auction"
	"github.com/flashbots/sealbid/crypto"
	"github.com/flashbots/sealbid/events"
	"github.com/flashbots/sealbid/metrics"
	"github.com/flashbots/sealbid/store"
)

const (
	DefaultMaxAttempts  = 5
	DefaultBacklogLimit = 10_000
)

// Outcome is what happened to one event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"

	// OutcomeDeferred events wait in the backlog for the state they depend on.
	OutcomeDeferred Outcome = "deferred"

	// OutcomeSkipped is returned by Apply for events that cannot be applied
	// to the mirror as it stands.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeDeadLetter events could not be applied, exhausted their retries
	// or found the backlog full. They stay in the backlog for inspection.
	OutcomeDeadLetter Outcome = "dead_letter"
)

var (
	errDeferred = errors.New("dependency not mirrored yet")
	errSkipped  = errors.New("event not applicable")
)

func deferf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errDeferred, fmt.Sprintf(format, args...))
}

func skipf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errSkipped, fmt.Sprintf(format, args...))
}

type ReconcilerConfig struct {
	Store     store.Store
	Lifecycle *Lifecycle

	// Secret is the shared HMAC key of the event source.
	Secret []byte

	MaxAttempts  int
	BacklogLimit int

	Log     *slog.Logger
	Metrics *metrics.Collectors
	Now     func() time.Time
}

// Reconciler applies authenticated ledger events to the mirror.
type Reconciler struct {
	store        store.Store
	secret       []byte
	lifecycle    *Lifecycle
	maxAttempts  int
	backlogLimit int

	log     *slog.Logger
	metrics *metrics.Collectors
	now     func() time.Time
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("reconciler: store is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("reconciler: webhook secret is required")
	}
	r := &Reconciler{
		store:        cfg.Store,
		secret:       cfg.Secret,
		lifecycle:    cfg.Lifecycle,
		maxAttempts:  cfg.MaxAttempts,
		backlogLimit: cfg.BacklogLimit,
		log:          cfg.Log,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	if r.backlogLimit <= 0 {
		r.backlogLimit = DefaultBacklogLimit
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With("component", "reconciler")
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.lifecycle == nil {
		r.lifecycle = NewLifecycle(cfg.Store, r.log)
	}
	return r, nil
}

// EntryResult reports the outcome of one batch entry.
type EntryResult struct {
	Index   int     `json:"index"`
	Type    string  `json:"type,omitempty"`
	Key     string  `json:"key,omitempty"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

type BatchResult struct {
	Results []EntryResult `json:"results"`

	// Replayed counts backlog entries resolved while handling the batch.
	Replayed int `json:"replayed"`
}

// HandleBatch authenticates and applies a batch of events. A bad signature
// rejects the whole batch before anything is read. Individual entries that
// fail their schema are rejected; the rest are applied in slot order.
func (r *Reconciler) HandleBatch(ctx context.Context, body []byte, signature string) (*BatchResult, error) {
	if err := crypto.VerifyPayload(r.secret, body, signature); err != nil {
		r.log.Warn("event batch rejected", "err", err)
		return nil, apperr.SignatureMismatch(err)
	}
	decoded, err := events.DecodeBatch(body)
	if err != nil {
		return nil, apperr.Reconciliation("malformed event batch", err)
	}

	if _, err := r.lifecycle.AdvanceExpired(ctx, r.now()); err != nil {
		return nil, r.internal("advance expired auctions", err)
	}
	replayed, err := r.ReplayBacklog(ctx)
	if err != nil {
		return nil, r.internal("replay backlog", err)
	}

	res := &BatchResult{Results: make([]EntryResult, len(decoded)), Replayed: replayed}
	var valid []events.Decoded
	for _, d := range decoded {
		if d.Err != nil {
			res.Results[d.Index] = EntryResult{Index: d.Index, Outcome: OutcomeRejected, Reason: d.Err.Error()}
			r.metrics.EventReconciled("invalid", string(OutcomeRejected))
			r.log.Warn("event rejected", "index", d.Index, "err", apperr.Reconciliation("schema validation failed", d.Err))
			continue
		}
		valid = append(valid, d)
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return events.MetaOf(valid[i].Event).Slot < events.MetaOf(valid[j].Event).Slot
	})

	progressed := false
	for _, d := range valid {
		outcome, reason, err := r.process(ctx, d.Event)
		if err != nil {
			return nil, r.internal("apply event", err)
		}
		if outcome == OutcomeApplied {
			progressed = true
		}
		m := events.MetaOf(d.Event)
		res.Results[d.Index] = EntryResult{
			Index:   d.Index,
			Type:    string(m.Type),
			Key:     d.Event.Key(),
			Outcome: outcome,
			Reason:  reason,
		}
	}

	// Events deferred on something this batch supplied resolve now.
	if progressed {
		n, err := r.replayBacklog(ctx, false)
		if err != nil {
			return nil, r.internal("replay backlog", err)
		}
		res.Replayed += n
	}

	if n, err := r.countBacklog(ctx); err == nil {
		r.metrics.BacklogSize(n)
	}
	return res, nil
}

// process applies one fresh event, deferring it to the backlog when its
// dependencies are missing and dead-lettering it when it cannot apply.
func (r *Reconciler) process(ctx context.Context, ev events.Event) (Outcome, string, error) {
	outcome, err := r.Apply(ctx, ev)
	if err != nil {
		return "", "", err
	}
	reason := ""
	if outcome.err != nil {
		reason = outcome.err.Error()
	}
	var parked Outcome
	switch outcome.Outcome {
	case OutcomeDeferred:
		parked, err = r.deferEvent(ctx, ev, reason)
	case OutcomeSkipped:
		// Confirmed on the ledger; kept for an operator.
		parked, err = r.deadLetter(ctx, ev, reason)
	default:
		return outcome.Outcome, reason, nil
	}
	if err != nil {
		return "", "", err
	}
	return parked, reason, nil
}

// Applied is the outcome of applying a single event.
type Applied struct {
	Outcome Outcome
	err     error
}

// Apply runs the handler for ev in its own transaction. Deferred and
// skipped events roll back whatever the handler touched. The returned error
// is non-nil only for storage failures.
func (r *Reconciler) Apply(ctx context.Context, ev events.Event) (Applied, error) {
	var outcome Outcome
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		outcome, err = r.dispatch(tx, ev)
		return err
	})

	m := events.MetaOf(ev)
	log := r.log.With("type", m.Type, "key", ev.Key(), "signature", m.Signature, "slot", m.Slot)
	var res Applied
	switch {
	case err == nil:
		res = Applied{Outcome: outcome}
		log.Debug("event reconciled", "outcome", outcome)
	case errors.Is(err, errDeferred), errors.Is(err, store.ErrStale):
		res = Applied{Outcome: OutcomeDeferred, err: err}
		log.Info("event deferred", "reason", err)
	case errors.Is(err, errSkipped), errors.Is(err, store.ErrDuplicate):
		res = Applied{Outcome: OutcomeSkipped, err: err}
		log.Warn("event skipped", "err", apperr.Reconciliation("event not applied", err))
	default:
		return Applied{}, err
	}
	r.metrics.EventReconciled(string(m.Type), string(res.Outcome))
	return res, nil
}

// dispatch is the single switch over the closed set of event variants.
func (r *Reconciler) dispatch(tx store.Tx, ev events.Event) (Outcome, error) {
	switch e := ev.(type) {
	case *events.AuctionCreated:
		return r.auctionCreated(tx, e)
	case *events.BidSubmitted:
		return r.bidSubmitted(tx, e)
	case *events.BidRevealed:
		return r.bidRevealed(tx, e)
	case *events.AuctionSettled:
		return r.auctionSettled(tx, e)
	case *events.RevealPhaseStarted:
		return r.revealPhaseStarted(tx, e)
	case *events.AuctionCancelled:
		return r.auctionCancelled(tx, e)
	case *events.RefundClaimed:
		return r.refundClaimed(tx, e)
	case *events.DeliveryConfirmed:
		return r.deliveryConfirmed(tx, e)
	case *events.Unknown:
		return "", skipf("unknown event type %q", e.Type)
	}
	return "", skipf("unhandled event %T", ev)
}

// clock is the time used for guards: the later of the wall clock and the
// event's own timestamp, since the ledger already enforced its windows.
func (r *Reconciler) clock(ev events.Event) time.Time {
	now := r.now()
	if ts := events.MetaOf(ev).Timestamp; ts.After(now) {
		return ts
	}
	return now
}

// auctionFor loads the mirrored auction at addr. A missing or still-pending
// auction defers the event.
func auctionFor(tx store.Tx, addr crypto.PublicKey) (*auction.Auction, error) {
	a, err := tx.GetAuctionByAddress(addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, deferf("auction %s not mirrored", addr)
	}
	if err != nil {
		return nil, err
	}
	if a.Status == auction.StatusPending {
		return nil, deferf("auction %s creation not confirmed", addr)
	}
	return a, nil
}

func (r *Reconciler) auctionCreated(tx store.Tx, e *events.AuctionCreated) (Outcome, error) {
	now := r.clock(e)
	a, err := tx.GetAuctionByAddress(e.Auction)
	switch {
	case err == nil:
		if a.Status != auction.StatusPending {
			return OutcomeDuplicate, nil
		}
	case errors.Is(err, store.ErrNotFound):
		a, err = tx.LatestPendingAuction(e.Seller.String())
		if errors.Is(err, store.ErrNotFound) {
			a = &auction.Auction{
				ID:        uuid.NewString(),
				SellerID:  e.Seller.String(),
				Status:    auction.StatusActive,
				CreatedAt: now,
			}
			applyCreation(a, e, now)
			if err := tx.InsertAuction(a); err != nil {
				return "", err
			}
			return OutcomeApplied, nil
		}
		if err != nil {
			return "", err
		}
	default:
		return "", err
	}

	applyCreation(a, e, now)
	if err := a.Transition(auction.StatusActive, now); err != nil {
		return "", err
	}
	if err := tx.UpdateAuction(a, auction.StatusPending); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// applyCreation copies the ledger's view of the auction terms onto a.
func applyCreation(a *auction.Auction, e *events.AuctionCreated, now time.Time) {
	a.Address = e.Auction
	a.ProductType = auction.ProductType(e.ProductType)
	a.Category = e.Category
	a.ReservePriceCommitment = e.ReservePriceCommitment
	a.StartsAt = time.Unix(e.StartTime, 0).UTC()
	a.EndsAt = time.Unix(e.EndTime, 0).UTC()
	a.RevealDeadline = a.EndsAt.Add(time.Duration(e.RevealDuration) * time.Second)
	a.PaymentMint = e.PaymentMint
	a.MinBidIncrement = e.MinBidIncrement
	a.BidCollateral = e.BidCollateral
	if e.MetadataPointer != "" {
		a.MetadataPointer = e.MetadataPointer
	}
	a.UpdatedAt = now
}

func (r *Reconciler) bidSubmitted(tx store.Tx, e *events.BidSubmitted) (Outcome, error) {
	a, err := auctionFor(tx, e.Auction)
	if err != nil {
		return "", err
	}
	if a.Status == auction.StatusCancelled {
		return "", skipf("bid %s on cancelled auction %s", e.Bid, a.ID)
	}

	b, err := tx.GetBidByCommitment(a.ID, e.CommitmentHash)
	switch {
	case err == nil:
		if b.Status != auction.BidPending {
			return OutcomeDuplicate, nil
		}
		if b.BidderID != e.Bidder.String() {
			return "", skipf("commitment %s belongs to another bidder", e.CommitmentHash)
		}
		b.Status = auction.BidConfirmed
		b.Address = e.Bid
		b.ProofHash = e.ProofHash
		b.Collateral = e.Collateral
		b.Seq = int64(e.Slot)
		if err := tx.UpdateBid(b); err != nil {
			return "", err
		}
	case errors.Is(err, store.ErrNotFound):
		// A pending bid from this bidder with another commitment never
		// reached the ledger; the ledger allows one bid per bidder.
		if stale, err := tx.GetOpenBid(a.ID, e.Bidder.String()); err == nil {
			if stale.Status != auction.BidPending {
				return "", skipf("bidder %s already has a confirmed bid", e.Bidder)
			}
			if err := tx.DeletePendingBid(stale.ID); err != nil {
				return "", err
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		b = &auction.Bid{
			ID:             uuid.NewString(),
			AuctionID:      a.ID,
			AuctionAddress: a.Address,
			BidderID:       e.Bidder.String(),
			Address:        e.Bid,
			CommitmentHash: e.CommitmentHash,
			ProofHash:      e.ProofHash,
			Collateral:     e.Collateral,
			Status:         auction.BidConfirmed,
			Seq:            int64(e.Slot),
			SubmittedAt:    e.Timestamp,
		}
		if err := tx.InsertBid(b); err != nil {
			return "", err
		}
	default:
		return "", err
	}

	if err := recount(tx, a, r.clock(e)); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// recount derives bidCount from confirmed bids, so replays cannot inflate it.
func recount(tx store.Tx, a *auction.Auction, now time.Time) error {
	bids, err := tx.ListBids(a.ID)
	if err != nil {
		return err
	}
	n := 0
	for _, b := range bids {
		if b.Status != auction.BidPending {
			n++
		}
	}
	if n == a.BidCount {
		return nil
	}
	a.BidCount = n
	a.UpdatedAt = now
	return tx.UpdateAuction(a, a.Status)
}

func (r *Reconciler) bidRevealed(tx store.Tx, e *events.BidRevealed) (Outcome, error) {
	now := r.clock(e)
	a, err := auctionFor(tx, e.Auction)
	if err != nil {
		return "", err
	}
	b, err := tx.GetBidByAddress(e.Bid)
	if errors.Is(err, store.ErrNotFound) {
		return "", deferf("bid %s not mirrored", e.Bid)
	}
	if err != nil {
		return "", err
	}
	switch {
	case b.Status == auction.BidRevealed:
		return OutcomeDuplicate, nil
	case b.Status == auction.BidPending:
		return "", deferf("bid %s submission not confirmed", e.Bid)
	case b.BidderID != e.Bidder.String():
		return "", skipf("bid %s belongs to another bidder", e.Bid)
	case a.Status == auction.StatusCancelled:
		return "", skipf("reveal on cancelled auction %s", a.ID)
	}

	opened, err := b.WithReveal(e.Amount, [auction.SaltSize]byte(e.Salt))
	if err != nil {
		return "", skipf("bid %s: %v", e.Bid, err)
	}

	if _, err := r.lifecycle.advance(tx, a, now); err != nil {
		return "", err
	}
	if a.Status == auction.StatusActive {
		return "", deferf("auction %s still in bidding window", a.ID)
	}
	if err := tx.UpdateBid(&opened); err != nil {
		return "", err
	}

	// A settled auction keeps the outcome the ledger reported.
	if a.Status != auction.StatusRevealing {
		return OutcomeApplied, nil
	}
	bids, err := tx.ListBids(a.ID)
	if err != nil {
		return "", err
	}
	a.ApplyRanking(auction.RankReveals(bids))
	a.UpdatedAt = now
	if err := tx.UpdateAuction(a, auction.StatusRevealing); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) auctionSettled(tx store.Tx, e *events.AuctionSettled) (Outcome, error) {
	now := r.clock(e)
	a, err := auctionFor(tx, e.Auction)
	if err != nil {
		return "", err
	}
	switch a.Status {
	case auction.StatusSettled:
		return OutcomeDuplicate, nil
	case auction.StatusCancelled:
		return "", skipf("settlement of cancelled auction %s", a.ID)
	}
	if _, err := r.lifecycle.advance(tx, a, now); err != nil {
		return "", err
	}
	if a.Status == auction.StatusActive {
		return "", deferf("auction %s still in bidding window", a.ID)
	}

	if !e.Winner.IsZero() && a.Winner != "" && a.Winner != e.Winner.String() {
		r.log.Warn("ledger winner differs from mirrored ranking", "auctionId", a.ID, "ledger", e.Winner, "mirror", a.Winner)
	}
	if err := a.CheckTransition(auction.StatusSettled, now); err != nil {
		if errors.Is(err, auction.ErrTransitionGuard) {
			return "", deferf("auction %s: %v", a.ID, err)
		}
		return "", skipf("auction %s: %v", a.ID, err)
	}
	if !e.Winner.IsZero() {
		a.Winner = e.Winner.String()
	}
	a.WinningAmount = e.WinningAmount
	a.SecondPrice = e.SecondPrice
	if err := a.Transition(auction.StatusSettled, now); err != nil {
		return "", err
	}
	if err := tx.UpdateAuction(a, auction.StatusRevealing); err != nil {
		return "", err
	}

	if a.Winner == "" {
		return OutcomeApplied, nil
	}
	payment := e.SecondPrice
	if payment == 0 {
		payment = e.WinningAmount
	}
	fee := auction.FeeFor(payment)
	f := auction.NewFulfillment(a, auction.Settlement{
		Winner:         a.Winner,
		WinningAmount:  e.WinningAmount,
		Payment:        payment,
		PlatformFee:    fee,
		SellerReceives: payment - fee,
	}, now)
	if _, err := tx.InsertFulfillment(&f); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) revealPhaseStarted(tx store.Tx, e *events.RevealPhaseStarted) (Outcome, error) {
	a, err := auctionFor(tx, e.Auction)
	if err != nil {
		return "", err
	}
	switch a.Status {
	case auction.StatusRevealing, auction.StatusSettled:
		return OutcomeDuplicate, nil
	case auction.StatusCancelled:
		return "", skipf("reveal phase on cancelled auction %s", a.ID)
	}
	moved, err := r.lifecycle.advance(tx, a, r.clock(e))
	if err != nil {
		return "", err
	}
	if !moved {
		return "", deferf("auction %s bidding window still open", a.ID)
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) auctionCancelled(tx store.Tx, e *events.AuctionCancelled) (Outcome, error) {
	a, err := auctionFor(tx, e.Auction)
	if err != nil {
		return "", err
	}
	if a.Status == auction.StatusCancelled {
		return OutcomeDuplicate, nil
	}
	if err := a.Transition(auction.StatusCancelled, r.clock(e)); err != nil {
		return "", skipf("auction %s: %v", a.ID, err)
	}
	if err := tx.UpdateAuction(a, auction.StatusActive); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) refundClaimed(tx store.Tx, e *events.RefundClaimed) (Outcome, error) {
	b, err := tx.GetBidByAddress(e.Bid)
	if errors.Is(err, store.ErrNotFound) {
		return "", deferf("bid %s not mirrored", e.Bid)
	}
	if err != nil {
		return "", err
	}
	if b.CollateralReturned {
		return OutcomeDuplicate, nil
	}
	b.CollateralReturned = true
	if err := tx.UpdateBid(b); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) deliveryConfirmed(tx store.Tx, e *events.DeliveryConfirmed) (Outcome, error) {
	a, err := auctionFor(tx, e.Auction)
	if err != nil {
		return "", err
	}
	f, err := tx.GetFulfillment(a.ID)
	if errors.Is(err, store.ErrNotFound) {
		return "", deferf("auction %s has no fulfillment yet", a.ID)
	}
	if err != nil {
		return "", err
	}
	switch {
	case f.Status == auction.FulfillmentDelivered:
		return OutcomeDuplicate, nil
	case !f.CanMarkDelivered():
		return "", skipf("fulfillment of auction %s is %s", a.ID, f.Status)
	}
	expected := f.Status
	f.Status = auction.FulfillmentDelivered
	f.UpdatedAt = r.clock(e)
	if err := tx.UpdateFulfillment(f, expected); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) internal(op string, err error) error {
	r.log.Error("reconciliation failed", "op", op, "err", err)
	return apperr.Internal(err)
}
