package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flashbots/sealbid/apperr"
	"github.com/flashbots/sealbid/auction"
	"github.com/flashbots/sealbid/content"
	"github.com/flashbots/sealbid/crypto"
	"github.com/flashbots/sealbid/ledger"
	"github.com/flashbots/sealbid/metrics"
	"github.com/flashbots/sealbid/proof"
	"github.com/flashbots/sealbid/ratelimit"
	"github.com/flashbots/sealbid/store"
	"github.com/flashbots/sealbid/txbuilder"
)

// DefaultConfirmTimeout bounds how long a confirmation call may block.
const DefaultConfirmTimeout = 60 * time.Second

// OrchestratorConfig wires the orchestrator to its collaborators.
type OrchestratorConfig struct {
	Store     store.Store
	Pool      *ledger.Pool
	Builder   *txbuilder.Builder
	Proofs    *proof.Gateway
	Limiter   *ratelimit.Limiter
	Content   content.Store
	Lifecycle *Lifecycle

	ConfirmTimeout time.Duration

	Log     *slog.Logger
	Metrics *metrics.Collectors
	Now     func() time.Time
}

// Orchestrator serves the request side of the mirror: it checks policy and
// returns unsigned transactions for the caller to sign and broadcast.
type Orchestrator struct {
	store     store.Store
	pool      *ledger.Pool
	builder   *txbuilder.Builder
	proofs    *proof.Gateway
	limiter   *ratelimit.Limiter
	content   content.Store
	lifecycle *Lifecycle

	confirmTimeout time.Duration

	log     *slog.Logger
	metrics *metrics.Collectors
	now     func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case cfg.Pool == nil:
		return nil, errors.New("orchestrator: ledger pool is required")
	case cfg.Builder == nil:
		return nil, errors.New("orchestrator: transaction builder is required")
	case cfg.Proofs == nil:
		return nil, errors.New("orchestrator: proof gateway is required")
	case cfg.Limiter == nil:
		return nil, errors.New("orchestrator: rate limiter is required")
	case cfg.Content == nil:
		return nil, errors.New("orchestrator: content store is required")
	}
	o := &Orchestrator{
		store:          cfg.Store,
		pool:           cfg.Pool,
		builder:        cfg.Builder,
		proofs:         cfg.Proofs,
		limiter:        cfg.Limiter,
		content:        cfg.Content,
		lifecycle:      cfg.Lifecycle,
		confirmTimeout: cfg.ConfirmTimeout,
		log:            cfg.Log,
		metrics:        cfg.Metrics,
		now:            cfg.Now,
	}
	if o.confirmTimeout <= 0 {
		o.confirmTimeout = DefaultConfirmTimeout
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("component", "orchestrator")
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.lifecycle == nil {
		o.lifecycle = NewLifecycle(cfg.Store, o.log)
	}
	return o, nil
}

// TxResponse carries an unsigned transaction ready for the caller's wallet.
type TxResponse struct {
	UnsignedTransaction string `json:"unsignedTransaction"`
	Blockhash           string `json:"blockhash"`

	// LastValidBlockHeight is needed to confirm the signed transaction.
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

func txResponse(tx *txbuilder.Transaction, ref ledger.Reference) TxResponse {
	return TxResponse{
		UnsignedTransaction:  tx.Base64(),
		Blockhash:            ref.Blockhash,
		LastValidBlockHeight: ref.LastValidBlockHeight,
	}
}

// limit applies a rate limit policy. Limiter failures are internal; a
// denial is a RateLimitExceeded error.
func (o *Orchestrator) limit(ctx context.Context, kind ratelimit.Kind, scope ...string) error {
	res, err := o.limiter.Check(ctx, kind, scope...)
	if err != nil {
		o.log.Error("rate limiter unavailable", "kind", kind, "err", err)
		return apperr.Internal(err)
	}
	if !res.Allowed {
		e := apperr.RateLimited(fmt.Sprintf("%s limit of %d reached, retry after %s", kind, res.Limit, res.ResetAt.Format(time.RFC3339)))
		e.Fields = map[string]string{"resetAt": res.ResetAt.Format(time.RFC3339)}
		return e
	}
	return nil
}

// reference fetches a recent blockhash through the endpoint pool.
func (o *Orchestrator) reference(ctx context.Context) (ledger.Reference, error) {
	ref, err := ledger.ExecuteWithRetry(ctx, o.pool, func(ctx context.Context, rpc ledger.RPC) (ledger.Reference, error) {
		return rpc.GetLatestReference(ctx)
	})
	if err != nil {
		o.log.Error("ledger unavailable", "op", "getLatestReference", "err", err)
		return ledger.Reference{}, apperr.Upstream("ledger RPC unavailable", err)
	}
	return ref, nil
}

// loadAuction reads an auction by ID, advancing it to revealing first when
// its bidding window has closed.
func (o *Orchestrator) loadAuction(ctx context.Context, id string) (*auction.Auction, error) {
	if id == "" {
		return nil, apperr.Validation("auction id is required", map[string]string{"auctionId": "required"})
	}
	var a *auction.Auction
	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.GetAuction(id)
		if err != nil {
			return err
		}
		_, err = o.lifecycle.advance(tx, a, o.now())
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("auction not found")
	}
	if err != nil {
		return nil, o.internal("load auction", err)
	}
	return a, nil
}

func (o *Orchestrator) internal(op string, err error) error {
	o.log.Error("operation failed", "op", op, "err", err)
	return apperr.Internal(err)
}

// parseActor validates the session actor, which is the caller's wallet key.
func parseActor(actor string) (crypto.PublicKey, error) {
	if actor == "" {
		return crypto.PublicKey{}, apperr.Auth("missing session")
	}
	k, err := crypto.NewPublicKeyFromString(actor)
	if err != nil {
		return crypto.PublicKey{}, apperr.Auth("session actor is not a wallet key")
	}
	return k, nil
}

func parsePriority(s string, fields map[string]string) txbuilder.PriorityTier {
	tier, err := txbuilder.ParsePriorityTier(s)
	if err != nil {
		fields["priority"] = "must be low, medium or high"
	}
	return tier
}

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// baseUnits converts a JSON number into integer base units without going
// through float64.
func baseUnits(d decimal.Decimal) (uint64, error) {
	if d.Sign() < 0 {
		return 0, errors.New("must not be negative")
	}
	if !d.IsInteger() {
		return 0, errors.New("must be a whole number of base units")
	}
	bi := d.BigInt()
	if bi.Cmp(maxUint64) > 0 {
		return 0, errors.New("out of range")
	}
	return bi.Uint64(), nil
}

// mapTransition classifies a rejected state change as a conflict.
func mapTransition(err error) error {
	var te *auction.TransitionError
	if errors.As(err, &te) {
		return apperr.Conflict(te.Error(), err)
	}
	return err
}
