package auction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func revealedBid(t *testing.T, id, bidder string, amount uint64, seq int64) Bid {
	t.Helper()
	var salt [SaltSize]byte
	salt[0] = byte(seq)
	b := Bid{ID: id, BidderID: bidder, Seq: seq, Collateral: 1_000_000, CommitmentHash: ComputeCommitment(amount, salt, bidder)}
	out, err := b.WithReveal(amount, salt)
	require.NoError(t, err)
	return out
}

func TestRankReveals_TieBreakBySubmissionOrder(t *testing.T) {
	bids := []Bid{
		revealedBid(t, "late", "carol", 500, 3),
		revealedBid(t, "early", "alice", 500, 1),
		revealedBid(t, "low", "bob", 100, 2),
		{ID: "sealed", BidderID: "dave", Seq: 0},
	}
	ranked := RankReveals(bids)
	require.Len(t, ranked, 3)
	require.Equal(t, "early", ranked[0].BidID)
	require.Equal(t, "late", ranked[1].BidID)
	require.Equal(t, "low", ranked[2].BidID)

	s, err := Settle(ranked)
	require.NoError(t, err)
	require.Equal(t, "alice", s.Winner)
	require.Equal(t, uint64(500), s.Payment)
}

func TestRankReveals_TieInSameSlotUsesAddress(t *testing.T) {
	low := revealedBid(t, "zz-random", "erin", 700, 5)
	low.Address[0] = 0x01
	high := revealedBid(t, "aa-random", "frank", 700, 5)
	high.Address[0] = 0x02

	for _, bids := range [][]Bid{{low, high}, {high, low}} {
		ranked := RankReveals(bids)
		require.Len(t, ranked, 2)
		require.Equal(t, "erin", ranked[0].BidderID)
		require.Equal(t, low.Address, ranked[0].Address)
		require.Equal(t, "frank", ranked[1].BidderID)
	}
}

func TestSettle_SecondPrice(t *testing.T) {
	ranked := RankReveals([]Bid{
		revealedBid(t, "a", "alice", 10_000, 1),
		revealedBid(t, "b", "bob", 8_000, 2),
	})
	s, err := Settle(ranked)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), s.WinningAmount)
	require.Equal(t, uint64(8_000), s.Payment)
	require.Equal(t, uint64(200), s.PlatformFee)
	require.Equal(t, uint64(7_800), s.SellerReceives)

	single, err := Settle(ranked[:1])
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), single.Payment)

	_, err = Settle(nil)
	require.ErrorIs(t, err, ErrNoReveals)
}

func TestFeeFor_NoOverflow(t *testing.T) {
	require.Equal(t, uint64(0), FeeFor(39))
	require.Equal(t, uint64(1), FeeFor(40))
	max := ^uint64(0)
	fee := FeeFor(max)
	require.Less(t, fee, max)
	require.Equal(t, max/40, fee)
}

func TestRefundFor(t *testing.T) {
	sealed := Bid{ID: "s", BidderID: "bob", Collateral: 1_000_000}
	open := revealedBid(t, "o", "carol", 5, 1)

	settled := &Auction{Status: StatusSettled, Winner: "alice"}
	amt, err := RefundFor(sealed, settled)
	require.NoError(t, err)
	require.Equal(t, uint64(500_000), amt)

	amt, err = RefundFor(open, settled)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), amt)

	_, err = RefundFor(Bid{BidderID: "alice"}, settled)
	require.ErrorIs(t, err, ErrWinnerNoRefund)

	amt, err = RefundFor(sealed, &Auction{Status: StatusCancelled})
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), amt)

	_, err = RefundFor(sealed, &Auction{Status: StatusRevealing})
	require.ErrorIs(t, err, ErrRefundNotAvailable)

	sealed.CollateralReturned = true
	_, err = RefundFor(sealed, &Auction{Status: StatusCancelled})
	require.ErrorIs(t, err, ErrRefundClaimed)
}

func TestNewFulfillment_EscrowPolicy(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := &Auction{ID: "a1", SellerID: "seller", ProductType: ProductPhysical}
	f := NewFulfillment(a, Settlement{Winner: "alice", Payment: 2_000_000}, now)
	require.Equal(t, FulfillmentPending, f.Status)
	require.Equal(t, SecurityMaximum, f.SecurityLevel)
	require.True(t, f.NeedsConfirm)
	require.Equal(t, now.Add(30*24*time.Hour), f.ReleaseAfter)

	require.Equal(t, SecurityStandard, SecurityLevelFor(100_000))
	require.Equal(t, SecurityEnhanced, SecurityLevelFor(100_001))
	require.Equal(t, time.Duration(0), ReleasePolicyFor(ProductNFT).Delay)
}
