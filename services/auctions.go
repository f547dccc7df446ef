package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/flashbots/sealbid/addressing"
	"github.com/flashbots/sealbid/apperr"
	"github.com/flashbots/sealbid/auction"
	"github.com/flashbots/sealbid/content"
	"github.com/flashbots/sealbid/crypto"
	"github.com/flashbots/sealbid/ledger"
	"github.com/flashbots/sealbid/ratelimit"
	"github.com/flashbots/sealbid/store"
	"github.com/flashbots/sealbid/txbuilder"
)

type CreateAuctionRequest struct {
	Seller string `json:"-"`

	Title                  string          `json:"title"`
	Description            string          `json:"description"`
	Images                 []string        `json:"images"`
	ProductType            string          `json:"productType"`
	Category               string          `json:"category"`
	ReservePriceCommitment string          `json:"reservePriceCommitment"`
	Duration               int64           `json:"duration"`
	RevealDuration         int64           `json:"revealDuration"`
	PaymentMint            string          `json:"paymentMint"`
	MinBidIncrement        decimal.Decimal `json:"minBidIncrement"`
	BidCollateral          decimal.Decimal `json:"bidCollateral"`
	Priority               string          `json:"priority"`
}

type CreateAuctionResponse struct {
	AuctionID      string `json:"auctionId"`
	AuctionAddress string `json:"auctionAddress"`
	ContentPointer string `json:"contentPointer"`
	TxResponse
}

type createParams struct {
	seller         crypto.PublicKey
	productType    auction.ProductType
	reserve        crypto.Hash
	duration       time.Duration
	revealDuration time.Duration
	mint           crypto.PublicKey
	minIncrement   uint64
	collateral     uint64
	priority       txbuilder.PriorityTier
}

func (r *CreateAuctionRequest) validate() (createParams, error) {
	var p createParams
	seller, err := parseActor(r.Seller)
	if err != nil {
		return p, err
	}
	p.seller = seller

	fields := map[string]string{}
	switch {
	case r.Title == "":
		fields["title"] = "required"
	case len(r.Title) > auction.MaxTitleLength:
		fields["title"] = fmt.Sprintf("at most %d bytes", auction.MaxTitleLength)
	}
	if len(r.Description) > auction.MaxDescriptionLength {
		fields["description"] = fmt.Sprintf("at most %d bytes", auction.MaxDescriptionLength)
	}
	if n := len(r.Images); n < auction.MinImages || n > auction.MaxImages {
		fields["images"] = fmt.Sprintf("between %d and %d images", auction.MinImages, auction.MaxImages)
	}
	p.productType = auction.ProductType(r.ProductType)
	if !p.productType.Valid() {
		fields["productType"] = "must be nft, physical, digital or service"
	}
	if !auction.ValidCategory(r.Category) {
		fields["category"] = "unknown category"
	}
	if p.reserve, err = crypto.ParseHash(r.ReservePriceCommitment); err != nil || p.reserve.IsZero() {
		fields["reservePriceCommitment"] = "must be 32 bytes of hex"
	}

	p.duration = time.Duration(r.Duration) * time.Second
	if p.duration < auction.MinAuctionDuration || p.duration > auction.MaxAuctionDuration {
		fields["duration"] = fmt.Sprintf("between %d and %d seconds",
			int64(auction.MinAuctionDuration/time.Second), int64(auction.MaxAuctionDuration/time.Second))
	}
	p.revealDuration = time.Duration(r.RevealDuration) * time.Second
	if p.revealDuration == 0 {
		p.revealDuration = auction.DefaultRevealPeriod
	}
	if p.revealDuration < auction.MinRevealDuration || p.revealDuration > auction.MaxRevealDuration {
		fields["revealDuration"] = fmt.Sprintf("between %d and %d seconds",
			int64(auction.MinRevealDuration/time.Second), int64(auction.MaxRevealDuration/time.Second))
	}

	if p.mint, err = crypto.NewPublicKeyFromString(r.PaymentMint); err != nil {
		fields["paymentMint"] = "must be a base58 account address"
	}
	if p.minIncrement, err = baseUnits(r.MinBidIncrement); err != nil {
		fields["minBidIncrement"] = err.Error()
	}
	if p.collateral, err = baseUnits(r.BidCollateral); err != nil {
		fields["bidCollateral"] = err.Error()
	} else if p.collateral != 0 && (p.collateral < auction.MinBidCollateral || p.collateral > auction.MaxBidCollateral) {
		fields["bidCollateral"] = fmt.Sprintf("0 or between %d and %d", auction.MinBidCollateral, auction.MaxBidCollateral)
	}
	p.priority = parsePriority(r.Priority, fields)

	if len(fields) > 0 {
		return p, apperr.Validation("invalid auction", fields)
	}
	return p, nil
}

// mintAccount is a lookup result where a missing account is an answer, not
// a transient failure worth retrying.
type mintAccount struct {
	info  ledger.AccountInfo
	found bool
}

// CreateAuction stores the listing metadata, records a pending auction and
// returns the creation transaction. The auction becomes active when the
// ledger confirms creation.
func (o *Orchestrator) CreateAuction(ctx context.Context, req CreateAuctionRequest) (*CreateAuctionResponse, error) {
	p, err := req.validate()
	if err != nil {
		return nil, err
	}
	if err := o.limit(ctx, ratelimit.KindAuctionCreation, p.seller.String()); err != nil {
		return nil, err
	}

	var (
		pointer string
		ref     ledger.Reference
		mint    mintAccount
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pointer, err = content.PutListing(gctx, o.content, content.ListingMetadata{
			Title:       req.Title,
			Description: req.Description,
			Images:      req.Images,
			Category:    req.Category,
			ProductType: req.ProductType,
			Seller:      p.seller.String(),
		})
		if err != nil {
			o.log.Error("content store unavailable", "err", err)
			return apperr.Upstream("content store unavailable", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		ref, err = o.reference(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		mint, err = ledger.ExecuteWithRetry(gctx, o.pool, func(ctx context.Context, rpc ledger.RPC) (mintAccount, error) {
			info, err := rpc.GetAccountInfo(ctx, p.mint)
			if errors.Is(err, ledger.ErrAccountNotFound) {
				return mintAccount{}, nil
			}
			return mintAccount{info: info, found: err == nil}, err
		})
		if err != nil {
			o.log.Error("ledger unavailable", "op", "getAccountInfo", "err", err)
			return apperr.Upstream("ledger RPC unavailable", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if !mint.found || !mint.info.Owner.Equal(addressing.TokenProgramID) {
		return nil, apperr.Validation("invalid auction", map[string]string{"paymentMint": "not a token mint"})
	}

	now := o.now()
	nonce := now.UnixMilli()
	addr, err := o.builder.Deriver().Auction(p.seller, nonce)
	if err != nil {
		return nil, o.internal("derive auction address", err)
	}
	tx, err := o.builder.CreateAuction(txbuilder.CreateAuctionParams{
		Seller:                 p.seller,
		Nonce:                  nonce,
		ProductType:            p.productType,
		Category:               req.Category,
		ReservePriceCommitment: p.reserve,
		DurationSeconds:        int64(p.duration / time.Second),
		RevealDurationSeconds:  int64(p.revealDuration / time.Second),
		PaymentMint:            p.mint,
		MinBidIncrement:        p.minIncrement,
		BidCollateral:          p.collateral,
		MetadataPointer:        pointer,
		Title:                  req.Title,
		Priority:               p.priority,
	}, ref.Blockhash)
	if err != nil {
		return nil, buildError(err)
	}

	a := &auction.Auction{
		ID:                     uuid.NewString(),
		Address:                addr.Key,
		SellerID:               p.seller.String(),
		Nonce:                  nonce,
		ProductType:            p.productType,
		Category:               req.Category,
		ReservePriceCommitment: p.reserve,
		Status:                 auction.StatusPending,
		StartsAt:               now,
		EndsAt:                 now.Add(p.duration),
		RevealDeadline:         now.Add(p.duration + p.revealDuration),
		PaymentMint:            p.mint,
		MinBidIncrement:        p.minIncrement,
		BidCollateral:          p.collateral,
		MetadataPointer:        pointer,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	err = o.store.WithTx(ctx, func(tx store.Tx) error { return tx.InsertAuction(a) })
	if errors.Is(err, store.ErrDuplicate) {
		return nil, apperr.Conflict("auction already exists", err)
	}
	if err != nil {
		return nil, o.internal("insert auction", err)
	}
	o.log.Info("auction pending", "auctionId", a.ID, "address", a.Address, "seller", a.SellerID)

	return &CreateAuctionResponse{
		AuctionID:      a.ID,
		AuctionAddress: a.Address.String(),
		ContentPointer: pointer,
		TxResponse:     txResponse(tx, ref),
	}, nil
}

type CancelRequest struct {
	AuctionID string `json:"-"`
	Seller    string `json:"-"`
	Priority  string `json:"priority"`
}

// CancelAuction returns the cancellation transaction for an auction that
// has received no bids. The mirror moves to cancelled only when the ledger's
// cancellation event is reconciled.
func (o *Orchestrator) CancelAuction(ctx context.Context, req CancelRequest) (*TxResponse, error) {
	seller, err := parseActor(req.Seller)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{}
	tier := parsePriority(req.Priority, fields)
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid cancel request", fields)
	}

	a, err := o.loadAuction(ctx, req.AuctionID)
	if err != nil {
		return nil, err
	}
	if a.SellerID != seller.String() {
		return nil, apperr.Forbidden("only the seller can cancel an auction")
	}
	if err := a.CheckTransition(auction.StatusCancelled, o.now()); err != nil {
		return nil, mapTransition(err)
	}

	ref, err := o.reference(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := o.builder.CancelAuction(txbuilder.CancelAuctionParams{Auction: a.Address, Seller: seller, Priority: tier}, ref.Blockhash)
	if err != nil {
		return nil, buildError(err)
	}
	o.log.Info("auction cancel built", "auctionId", a.ID)

	resp := txResponse(tx, ref)
	return &resp, nil
}

type SettleRequest struct {
	AuctionID string `json:"-"`
	Payer     string `json:"-"`
	Priority  string `json:"priority"`
}

// BuildSettle returns the settlement transaction once the reveal window has
// closed or every bid has been revealed.
func (o *Orchestrator) BuildSettle(ctx context.Context, req SettleRequest) (*TxResponse, error) {
	payer, err := parseActor(req.Payer)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{}
	tier := parsePriority(req.Priority, fields)
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid settle request", fields)
	}

	a, err := o.loadAuction(ctx, req.AuctionID)
	if err != nil {
		return nil, err
	}
	if err := a.CheckTransition(auction.StatusSettled, o.now()); err != nil {
		return nil, mapTransition(err)
	}
	if a.Winner == "" {
		return nil, apperr.Conflict("auction has no revealed bids", auction.ErrNoReveals)
	}
	seller, err := crypto.NewPublicKeyFromString(a.SellerID)
	if err != nil {
		return nil, o.internal("parse seller", err)
	}
	winner, err := crypto.NewPublicKeyFromString(a.Winner)
	if err != nil {
		return nil, o.internal("parse winner", err)
	}

	ref, err := o.reference(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := o.builder.SettleAuction(txbuilder.SettleAuctionParams{
		Auction:     a.Address,
		Payer:       payer,
		Seller:      seller,
		Winner:      winner,
		PaymentMint: a.PaymentMint,
		Priority:    tier,
	}, ref.Blockhash)
	if err != nil {
		return nil, buildError(err)
	}
	resp := txResponse(tx, ref)
	return &resp, nil
}

// AuctionView is the public mirrored state of an auction.
type AuctionView struct {
	ID              string    `json:"auctionId"`
	Address         string    `json:"address"`
	Seller          string    `json:"seller"`
	ProductType     string    `json:"productType"`
	Category        string    `json:"category"`
	Status          string    `json:"status"`
	StartsAt        time.Time `json:"startsAt"`
	EndsAt          time.Time `json:"endsAt"`
	RevealDeadline  time.Time `json:"revealDeadline"`
	BidCount        int       `json:"bidCount"`
	RevealedCount   int       `json:"revealedCount"`
	PaymentMint     string    `json:"paymentMint"`
	MinBidIncrement uint64    `json:"minBidIncrement"`
	BidCollateral   uint64    `json:"bidCollateral"`
	MetadataPointer string    `json:"metadataPointer"`
	Winner          string    `json:"winner,omitempty"`
	WinningAmount   uint64    `json:"winningAmount,omitempty"`
	SecondPrice     uint64    `json:"secondPrice,omitempty"`

	// Listing is the stored metadata, when the content store has it.
	Listing *content.ListingMetadata `json:"listing,omitempty"`
}

func viewOf(a *auction.Auction) *AuctionView {
	return &AuctionView{
		ID:              a.ID,
		Address:         a.Address.String(),
		Seller:          a.SellerID,
		ProductType:     string(a.ProductType),
		Category:        a.Category,
		Status:          string(a.Status),
		StartsAt:        a.StartsAt,
		EndsAt:          a.EndsAt,
		RevealDeadline:  a.RevealDeadline,
		BidCount:        a.BidCount,
		RevealedCount:   a.RevealedCount,
		PaymentMint:     a.PaymentMint.String(),
		MinBidIncrement: a.MinBidIncrement,
		BidCollateral:   a.BidCollateral,
		MetadataPointer: a.MetadataPointer,
		Winner:          a.Winner,
		WinningAmount:   a.WinningAmount,
		SecondPrice:     a.SecondPrice,
	}
}

// GetAuction returns the mirrored auction. Metadata lookup failures are
// logged and leave Listing empty.
func (o *Orchestrator) GetAuction(ctx context.Context, id string) (*AuctionView, error) {
	a, err := o.loadAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	v := viewOf(a)
	if a.MetadataPointer != "" {
		listing, err := content.GetListing(ctx, o.content, a.MetadataPointer)
		if err != nil {
			o.log.Warn("listing metadata unavailable", "auctionId", a.ID, "pointer", a.MetadataPointer, "err", err)
		} else {
			v.Listing = &listing
		}
	}
	return v, nil
}

type RankedBidView struct {
	BidID  string `json:"bidId"`
	Bidder string `json:"bidder"`
	Amount uint64 `json:"amount"`
	Seq    int64  `json:"seq"`
}

type SettlementView struct {
	Winner         string `json:"winner"`
	WinningAmount  uint64 `json:"winningAmount"`
	Payment        uint64 `json:"payment"`
	PlatformFee    uint64 `json:"platformFee"`
	SellerReceives uint64 `json:"sellerReceives"`
}

type RankingView struct {
	AuctionID  string          `json:"auctionId"`
	Status     string          `json:"status"`
	Bids       []RankedBidView `json:"bids"`
	Settlement *SettlementView `json:"settlement,omitempty"`
}

// Ranking returns the verified reveals in settlement order and the
// second-price outcome they imply.
func (o *Orchestrator) Ranking(ctx context.Context, id string) (*RankingView, error) {
	a, err := o.loadAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	var bids []auction.Bid
	err = o.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		bids, err = tx.ListBids(a.ID)
		return err
	})
	if err != nil {
		return nil, o.internal("list bids", err)
	}

	ranked := auction.RankReveals(bids)
	v := &RankingView{AuctionID: a.ID, Status: string(a.Status), Bids: make([]RankedBidView, 0, len(ranked))}
	for _, r := range ranked {
		v.Bids = append(v.Bids, RankedBidView{BidID: r.BidID, Bidder: r.BidderID, Amount: r.Amount, Seq: r.Seq})
	}
	if s, err := auction.Settle(ranked); err == nil {
		v.Settlement = &SettlementView{
			Winner:         s.Winner,
			WinningAmount:  s.WinningAmount,
			Payment:        s.Payment,
			PlatformFee:    s.PlatformFee,
			SellerReceives: s.SellerReceives,
		}
	}
	return v, nil
}

type ConfirmationView struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Status    string `json:"status"`
}

// confirmOutcome separates terminal ledger answers from transport errors so
// only the latter are retried.
type confirmOutcome struct {
	confirmation ledger.Confirmation
	terminal     error
}

// ConfirmTransaction waits up to the confirm timeout for a signed
// transaction to reach confirmed commitment. lastValidBlockHeight may be
// zero, in which case the current reference is used.
func (o *Orchestrator) ConfirmTransaction(ctx context.Context, signature string, lastValidBlockHeight uint64) (*ConfirmationView, error) {
	if raw, err := base58.Decode(signature); err != nil || len(raw) != 64 {
		return nil, apperr.Validation("invalid signature", map[string]string{"signature": "must be a base58 transaction signature"})
	}
	ctx, cancel := context.WithTimeout(ctx, o.confirmTimeout)
	defer cancel()

	ref := ledger.Reference{LastValidBlockHeight: lastValidBlockHeight}
	if lastValidBlockHeight == 0 {
		var err error
		if ref, err = o.reference(ctx); err != nil {
			return nil, err
		}
	}

	out, err := ledger.ExecuteWithRetry(ctx, o.pool, func(ctx context.Context, rpc ledger.RPC) (confirmOutcome, error) {
		c, err := rpc.ConfirmTransaction(ctx, signature, ref)
		if errors.Is(err, ledger.ErrTransactionFailed) || errors.Is(err, ledger.ErrBlockhashExpired) {
			return confirmOutcome{terminal: err}, nil
		}
		return confirmOutcome{confirmation: c}, err
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, apperr.Upstream("transaction not confirmed in time", err)
	case err != nil:
		o.log.Error("ledger unavailable", "op", "confirmTransaction", "err", err)
		return nil, apperr.Upstream("ledger RPC unavailable", err)
	case errors.Is(out.terminal, ledger.ErrTransactionFailed):
		return nil, apperr.Conflict("transaction failed on ledger", out.terminal)
	case out.terminal != nil:
		return nil, apperr.Conflict("transaction expired, rebuild and sign again", out.terminal)
	}
	return &ConfirmationView{
		Signature: signature,
		Slot:      out.confirmation.Slot,
		Status:    out.confirmation.ConfirmationStatus,
	}, nil
}

// buildError classifies transaction assembly failures. Oversized or
// overflowing fields are caller errors; anything else is internal.
func buildError(err error) error {
	if errors.Is(err, txbuilder.ErrTransactionTooLarge) || errors.Is(err, txbuilder.ErrFieldOverflow) {
		return apperr.Validation(err.Error(), nil)
	}
	return apperr.Internal(err)
}
