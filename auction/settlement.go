package auction

import (
	"bytes"
	"errors"
	"sort"
	"time"

	"github.com/flashbots/sealbid/crypto"
)

// RankedBid is a verified reveal in settlement order.
type RankedBid struct {
	BidID    string
	BidderID string
	Address  crypto.PublicKey
	Amount   uint64
	Seq      int64
}

// RankReveals orders the revealed bids by amount descending, breaking ties
// by confirmation order and then ledger address, so a rebuilt mirror ranks
// the same way. Bids without a verified reveal are left out.
func RankReveals(bids []Bid) []RankedBid {
	ranked := make([]RankedBid, 0, len(bids))
	for _, b := range bids {
		r, ok := b.Revealed()
		if !ok {
			continue
		}
		ranked = append(ranked, RankedBid{BidID: b.ID, BidderID: b.BidderID, Address: b.Address, Amount: r.Amount, Seq: b.Seq})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Amount != ranked[j].Amount {
			return ranked[i].Amount > ranked[j].Amount
		}
		if ranked[i].Seq != ranked[j].Seq {
			return ranked[i].Seq < ranked[j].Seq
		}
		return bytes.Compare(ranked[i].Address[:], ranked[j].Address[:]) < 0
	})
	return ranked
}

// Settlement is the second-price outcome of an auction.
type Settlement struct {
	Winner         string
	WinningBidID   string
	WinningAmount  uint64
	Payment        uint64
	PlatformFee    uint64
	SellerReceives uint64
}

// ErrNoReveals is returned when there is nothing to settle against.
var ErrNoReveals = errors.New("no revealed bids")

// Settle computes the second-price outcome from a ranking. With a single
// reveal the winner pays their own amount.
func Settle(ranked []RankedBid) (Settlement, error) {
	if len(ranked) == 0 {
		return Settlement{}, ErrNoReveals
	}
	s := Settlement{
		Winner:        ranked[0].BidderID,
		WinningBidID:  ranked[0].BidID,
		WinningAmount: ranked[0].Amount,
		Payment:       ranked[0].Amount,
	}
	if len(ranked) > 1 {
		s.Payment = ranked[1].Amount
	}
	s.PlatformFee = FeeFor(s.Payment)
	s.SellerReceives = s.Payment - s.PlatformFee
	return s, nil
}

// FeeFor returns the platform fee on amount, rounded down.
func FeeFor(amount uint64) uint64 {
	return amount/10_000*PlatformFeeBps + amount%10_000*PlatformFeeBps/10_000
}

// ApplyRanking copies the current leader and price onto the auction.
func (a *Auction) ApplyRanking(ranked []RankedBid) {
	a.RevealedCount = len(ranked)
	s, err := Settle(ranked)
	if err != nil {
		a.Winner, a.WinningAmount, a.SecondPrice = "", 0, 0
		return
	}
	a.Winner = s.Winner
	a.WinningAmount = s.WinningAmount
	a.SecondPrice = s.Payment
}

// SecurityLevel grades the escrow by the amount it holds.
type SecurityLevel string

const (
	SecurityStandard SecurityLevel = "standard"
	SecurityEnhanced SecurityLevel = "enhanced"
	SecurityMaximum  SecurityLevel = "maximum"
)

func SecurityLevelFor(amount uint64) SecurityLevel {
	switch {
	case amount <= 100_000:
		return SecurityStandard
	case amount <= 1_000_000:
		return SecurityEnhanced
	default:
		return SecurityMaximum
	}
}

// ReleasePolicy says when escrowed payment may reach the seller.
type ReleasePolicy struct {
	Delay        time.Duration
	NeedsConfirm bool
}

func ReleasePolicyFor(p ProductType) ReleasePolicy {
	switch p {
	case ProductPhysical:
		return ReleasePolicy{Delay: 30 * 24 * time.Hour, NeedsConfirm: true}
	case ProductDigital:
		return ReleasePolicy{Delay: 24 * time.Hour}
	case ProductService:
		return ReleasePolicy{Delay: 14 * 24 * time.Hour, NeedsConfirm: true}
	default:
		return ReleasePolicy{}
	}
}

// NewFulfillment records the delivery obligation created by a settlement.
func NewFulfillment(a *Auction, s Settlement, now time.Time) Fulfillment {
	policy := ReleasePolicyFor(a.ProductType)
	return Fulfillment{
		AuctionID:     a.ID,
		BuyerID:       s.Winner,
		SellerID:      a.SellerID,
		Status:        FulfillmentPending,
		Amount:        s.Payment,
		PlatformFee:   s.PlatformFee,
		SecurityLevel: SecurityLevelFor(s.Payment),
		ReleaseAfter:  now.Add(policy.Delay),
		NeedsConfirm:  policy.NeedsConfirm,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

var (
	ErrRefundNotAvailable = errors.New("auction not closed for refunds")
	ErrRefundClaimed      = errors.New("collateral already returned")
	ErrWinnerNoRefund     = errors.New("winning bidder cannot claim a refund")
)

// RefundFor returns the collateral owed to the bidder of b once a has
// closed. An unrevealed bid on a settled auction forfeits half.
func RefundFor(b Bid, a *Auction) (uint64, error) {
	if b.CollateralReturned {
		return 0, ErrRefundClaimed
	}
	switch a.Status {
	case StatusCancelled:
		return b.Collateral, nil
	case StatusSettled:
		if a.Winner != "" && a.Winner == b.BidderID {
			return 0, ErrWinnerNoRefund
		}
		if _, ok := b.Revealed(); !ok {
			return b.Collateral / 2, nil
		}
		return b.Collateral, nil
	}
	return 0, ErrRefundNotAvailable
}
