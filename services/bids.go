package services

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flashbots/sealbid/apperr"
	"github.com/flashbots/sealbid/auction"
	"github.com/flashbots/sealbid/crypto"
	"github.com/flashbots/sealbid/proof"
	"github.com/flashbots/sealbid/ratelimit"
	"github.com/flashbots/sealbid/store"
	"github.com/flashbots/sealbid/txbuilder"
)

type SubmitBidRequest struct {
	AuctionID string `json:"-"`
	Bidder    string `json:"-"`

	CommitmentHash   string          `json:"commitmentHash"`
	Proof            string          `json:"proof"`
	ProofHash        string          `json:"proofHash"`
	CollateralAmount decimal.Decimal `json:"collateralAmount"`
	Priority         string          `json:"priority"`
}

type SubmitBidResponse struct {
	BidID      string `json:"bidId"`
	BidAddress string `json:"bidAddress"`
	TxResponse
}

type bidParams struct {
	bidder     crypto.PublicKey
	commitment crypto.Hash
	proof      []byte
	proofHash  crypto.Hash
	collateral uint64
	priority   txbuilder.PriorityTier
}

func (r *SubmitBidRequest) validate() (bidParams, error) {
	var p bidParams
	bidder, err := parseActor(r.Bidder)
	if err != nil {
		return p, err
	}
	p.bidder = bidder

	fields := map[string]string{}
	if p.commitment, err = crypto.ParseHash(r.CommitmentHash); err != nil || p.commitment.IsZero() {
		fields["commitmentHash"] = "must be 32 bytes of hex"
	}
	p.proof, err = base64.StdEncoding.DecodeString(r.Proof)
	switch {
	case err != nil || len(p.proof) == 0:
		fields["proof"] = "must be non-empty base64"
	case len(p.proof) > txbuilder.MaxProofSize:
		fields["proof"] = fmt.Sprintf("at most %d bytes", txbuilder.MaxProofSize)
	}
	if p.proofHash, err = crypto.ParseHash(r.ProofHash); err != nil {
		fields["proofHash"] = "must be 32 bytes of hex"
	} else if _, bad := fields["proof"]; !bad && p.proofHash != sha256.Sum256(p.proof) {
		fields["proofHash"] = "does not match proof"
	}
	if p.collateral, err = baseUnits(r.CollateralAmount); err != nil {
		fields["collateralAmount"] = err.Error()
	} else if p.collateral == 0 {
		fields["collateralAmount"] = "must be positive"
	}
	p.priority = parsePriority(r.Priority, fields)

	if len(fields) > 0 {
		return p, apperr.Validation("invalid bid", fields)
	}
	return p, nil
}

// bidRangeInputs are the public inputs the bid range circuit is verified
// against: the commitment and the auction terms it must satisfy.
func bidRangeInputs(a *auction.Auction, commitment crypto.Hash) []string {
	return []string{
		commitment.String(),
		a.Address.String(),
		a.ReservePriceCommitment.String(),
		strconv.FormatUint(a.MinBidIncrement, 10),
	}
}

// SubmitBid admits a sealed bid: rate limit, auction state, duplicate check
// and proof verification all pass before a pending bid is stored and the
// submission transaction returned. Any failure leaves nothing stored.
func (o *Orchestrator) SubmitBid(ctx context.Context, req SubmitBidRequest) (resp *SubmitBidResponse, err error) {
	defer func() { o.metrics.BidSubmission(submissionResult(err)) }()

	p, err := req.validate()
	if err != nil {
		return nil, err
	}
	if err := o.limit(ctx, ratelimit.KindBidSubmission, p.bidder.String(), req.AuctionID); err != nil {
		return nil, err
	}

	a, err := o.loadAuction(ctx, req.AuctionID)
	if err != nil {
		return nil, err
	}
	if !a.CanAcceptBids(o.now()) {
		return nil, apperr.Conflict(fmt.Sprintf("auction is %s and not accepting bids", a.Status), nil)
	}
	if a.SellerID == p.bidder.String() {
		return nil, apperr.Forbidden("sellers cannot bid on their own auction")
	}
	if p.collateral < a.BidCollateral {
		return nil, apperr.Validation("invalid bid", map[string]string{
			"collateralAmount": fmt.Sprintf("must be at least %d", a.BidCollateral),
		})
	}

	// A pending bid with the same commitment never reached the ledger, or
	// is still in flight; the bidder gets a fresh transaction for it.
	var resubmit *auction.Bid
	err = o.store.WithTx(ctx, func(tx store.Tx) error {
		open, err := tx.GetOpenBid(a.ID, p.bidder.String())
		switch {
		case err == nil:
			if open.Status == auction.BidPending && open.CommitmentHash == p.commitment {
				resubmit = open
				return nil
			}
			return apperr.Conflict("bidder already has an unrevealed bid on this auction", store.ErrDuplicate)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if _, err := tx.GetBidByCommitment(a.ID, p.commitment); err == nil {
			return apperr.Conflict("commitment already used on this auction", store.ErrDuplicate)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			return nil, err
		}
		return nil, o.internal("check existing bid", err)
	}

	if err := o.limit(ctx, ratelimit.KindProofVerification); err != nil {
		return nil, err
	}
	if err := o.proofs.Verify(ctx, p.proof, bidRangeInputs(a, p.commitment), proof.CircuitBidRange); err != nil {
		return nil, apperr.ProofRejected("bid proof rejected", err)
	}

	ref, err := o.reference(ctx)
	if err != nil {
		return nil, err
	}
	bidAddr, err := o.builder.Deriver().Bid(a.Address, p.bidder)
	if err != nil {
		return nil, o.internal("derive bid address", err)
	}
	tx, err := o.builder.SubmitBid(txbuilder.SubmitBidParams{
		Auction:        a.Address,
		Bidder:         p.bidder,
		PaymentMint:    a.PaymentMint,
		CommitmentHash: p.commitment,
		ProofHash:      p.proofHash,
		Proof:          p.proof,
		Priority:       p.priority,
	}, ref.Blockhash)
	if err != nil {
		return nil, buildError(err)
	}

	if resubmit != nil {
		o.log.Info("pending bid resubmitted", "auctionId", a.ID, "bidId", resubmit.ID, "bidder", resubmit.BidderID)
		return &SubmitBidResponse{
			BidID:      resubmit.ID,
			BidAddress: resubmit.Address.String(),
			TxResponse: txResponse(tx, ref),
		}, nil
	}

	now := o.now()
	bid := &auction.Bid{
		ID:             uuid.NewString(),
		AuctionID:      a.ID,
		AuctionAddress: a.Address,
		BidderID:       p.bidder.String(),
		Address:        bidAddr.Key,
		CommitmentHash: p.commitment,
		ProofHash:      p.proofHash,
		Collateral:     a.BidCollateral,
		Status:         auction.BidPending,
		SubmittedAt:    now,
	}
	err = o.store.WithTx(ctx, func(tx store.Tx) error { return tx.InsertBid(bid) })
	if errors.Is(err, store.ErrDuplicate) {
		return nil, apperr.Conflict("bidder already has a bid on this auction", err)
	}
	if err != nil {
		return nil, o.internal("insert bid", err)
	}
	o.log.Info("bid pending", "auctionId", a.ID, "bidId", bid.ID, "bidder", bid.BidderID)

	return &SubmitBidResponse{
		BidID:      bid.ID,
		BidAddress: bid.Address.String(),
		TxResponse: txResponse(tx, ref),
	}, nil
}

func submissionResult(err error) string {
	if err == nil {
		return "accepted"
	}
	switch apperr.As(err).Kind {
	case apperr.KindValidation, apperr.KindAuth, apperr.KindForbidden, apperr.KindNotFound:
		return "invalid"
	case apperr.KindConflict:
		return "conflict"
	case apperr.KindRateLimit:
		return "rate_limited"
	case apperr.KindProofRejected:
		return "proof_rejected"
	case apperr.KindUpstream:
		return "upstream"
	}
	return "error"
}

type RevealRequest struct {
	AuctionID string `json:"-"`
	Bidder    string `json:"-"`

	Amount   decimal.Decimal `json:"amount"`
	Salt     string          `json:"salt"`
	Proof    string          `json:"proof,omitempty"`
	Priority string          `json:"priority"`
}

// BuildReveal checks the opening against the stored commitment before
// returning the reveal transaction, so a bidder never pays for a reveal the
// ledger would reject. The mirror itself changes only on the reveal event.
func (o *Orchestrator) BuildReveal(ctx context.Context, req RevealRequest) (*TxResponse, error) {
	bidder, err := parseActor(req.Bidder)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{}
	amount, err := baseUnits(req.Amount)
	if err != nil {
		fields["amount"] = err.Error()
	}
	var salt [auction.SaltSize]byte
	if raw, err := hex.DecodeString(req.Salt); err != nil || len(raw) != auction.SaltSize {
		fields["salt"] = "must be 32 bytes of hex"
	} else {
		copy(salt[:], raw)
	}
	var proofBytes []byte
	if req.Proof != "" {
		if proofBytes, err = base64.StdEncoding.DecodeString(req.Proof); err != nil {
			fields["proof"] = "must be base64"
		} else if len(proofBytes) > txbuilder.MaxProofSize {
			fields["proof"] = fmt.Sprintf("at most %d bytes", txbuilder.MaxProofSize)
		}
	}
	tier := parsePriority(req.Priority, fields)
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid reveal", fields)
	}

	a, err := o.loadAuction(ctx, req.AuctionID)
	if err != nil {
		return nil, err
	}
	if !a.CanReveal(o.now()) {
		return nil, apperr.Conflict(fmt.Sprintf("auction is %s and not accepting reveals", a.Status), nil)
	}
	bid, err := o.bidOf(ctx, a, bidder)
	if err != nil {
		return nil, err
	}
	switch bid.Status {
	case auction.BidPending:
		return nil, apperr.Conflict("bid is not confirmed on the ledger", nil)
	case auction.BidRevealed:
		return nil, apperr.Conflict("bid already revealed", nil)
	}
	if _, err := bid.WithReveal(amount, salt); err != nil {
		return nil, apperr.Validation("reveal does not open the commitment", map[string]string{
			"salt": "amount and salt do not match the committed hash",
		})
	}

	if len(proofBytes) > 0 {
		if err := o.limit(ctx, ratelimit.KindProofVerification); err != nil {
			return nil, err
		}
		inputs := []string{bid.CommitmentHash.String(), strconv.FormatUint(amount, 10)}
		if err := o.proofs.Verify(ctx, proofBytes, inputs, proof.CircuitReveal); err != nil {
			return nil, apperr.ProofRejected("reveal proof rejected", err)
		}
	}

	ref, err := o.reference(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := o.builder.RevealBid(txbuilder.RevealBidParams{
		Auction:  a.Address,
		Bidder:   bidder,
		Amount:   amount,
		Salt:     salt,
		Proof:    proofBytes,
		Priority: tier,
	}, ref.Blockhash)
	if err != nil {
		return nil, buildError(err)
	}
	resp := txResponse(tx, ref)
	return &resp, nil
}

type RefundRequest struct {
	AuctionID string `json:"-"`
	Bidder    string `json:"-"`
	Priority  string `json:"priority"`
}

type RefundResponse struct {
	Amount uint64 `json:"amount"`
	TxResponse
}

// ClaimRefund returns the transaction releasing a bidder's collateral after
// the auction closed, along with the amount it will return.
func (o *Orchestrator) ClaimRefund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	bidder, err := parseActor(req.Bidder)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{}
	tier := parsePriority(req.Priority, fields)
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid refund request", fields)
	}

	a, err := o.loadAuction(ctx, req.AuctionID)
	if err != nil {
		return nil, err
	}
	bid, err := o.bidOf(ctx, a, bidder)
	if err != nil {
		return nil, err
	}
	if bid.Status == auction.BidPending {
		return nil, apperr.Conflict("bid is not confirmed on the ledger", nil)
	}
	amount, err := auction.RefundFor(*bid, a)
	if err != nil {
		return nil, apperr.Conflict(err.Error(), err)
	}

	ref, err := o.reference(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := o.builder.ClaimRefund(txbuilder.ClaimRefundParams{
		Auction:     a.Address,
		Bidder:      bidder,
		PaymentMint: a.PaymentMint,
		Priority:    tier,
	}, ref.Blockhash)
	if err != nil {
		return nil, buildError(err)
	}
	return &RefundResponse{Amount: amount, TxResponse: txResponse(tx, ref)}, nil
}

// bidOf finds the bidder's bid on a by its derived ledger address.
func (o *Orchestrator) bidOf(ctx context.Context, a *auction.Auction, bidder crypto.PublicKey) (*auction.Bid, error) {
	addr, err := o.builder.Deriver().Bid(a.Address, bidder)
	if err != nil {
		return nil, o.internal("derive bid address", err)
	}
	var bid *auction.Bid
	err = o.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		bid, err = tx.GetBidByAddress(addr.Key)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("no bid from this bidder on the auction")
	}
	if err != nil {
		return nil, o.internal("load bid", err)
	}
	return bid, nil
}
