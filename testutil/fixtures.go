package testutil

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"

	"github.com/flashbots/sealbid/auction"
	"github.com/flashbots/sealbid/crypto"
)

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// RandomKey returns a random 32-byte key. It is not guaranteed to be on
// the curve, which is fine for account addresses in tests.
func RandomKey() crypto.PublicKey {
	var k crypto.PublicKey
	copy(k[:], RandomBytes(len(k)))
	return k
}

func RandomHash() crypto.Hash {
	var h crypto.Hash
	copy(h[:], RandomBytes(len(h)))
	return h
}

func RandomSalt() [auction.SaltSize]byte {
	var s [auction.SaltSize]byte
	copy(s[:], RandomBytes(len(s)))
	return s
}

// AuctionOption modifies a test auction.
type AuctionOption func(*auction.Auction)

func WithStatus(s auction.Status) AuctionOption {
	return func(a *auction.Auction) { a.Status = s }
}

func WithSeller(seller string) AuctionOption {
	return func(a *auction.Auction) { a.SellerID = seller }
}

func WithAddress(addr crypto.PublicKey) AuctionOption {
	return func(a *auction.Auction) { a.Address = addr }
}

func WithCollateral(c uint64) AuctionOption {
	return func(a *auction.Auction) { a.BidCollateral = c }
}

func WithProductType(p auction.ProductType) AuctionOption {
	return func(a *auction.Auction) { a.ProductType = p }
}

// WithWindow sets the bidding window and a reveal window of the given length.
func WithWindow(starts, ends time.Time, reveal time.Duration) AuctionOption {
	return func(a *auction.Auction) {
		a.StartsAt = starts
		a.EndsAt = ends
		a.RevealDeadline = ends.Add(reveal)
	}
}

// NewTestAuction returns an active physical-goods auction whose bidding
// window opened an hour before now and closes a day after.
func NewTestAuction(now time.Time, options ...AuctionOption) *auction.Auction {
	a := &auction.Auction{
		ID:                     uuid.NewString(),
		Address:                RandomKey(),
		SellerID:               RandomKey().String(),
		Nonce:                  now.UnixNano(),
		ProductType:            auction.ProductPhysical,
		Category:               "collectibles",
		ReservePriceCommitment: RandomHash(),
		Status:                 auction.StatusActive,
		StartsAt:               now.Add(-time.Hour),
		EndsAt:                 now.Add(24 * time.Hour),
		RevealDeadline:         now.Add(48 * time.Hour),
		PaymentMint:            RandomKey(),
		MinBidIncrement:        1_000,
		BidCollateral:          auction.MinBidCollateral,
		MetadataPointer:        "sha256-" + RandomHash().String(),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// BidOption modifies a test bid.
type BidOption func(*auction.Bid)

func WithBidStatus(s auction.BidStatus) BidOption {
	return func(b *auction.Bid) { b.Status = s }
}

func WithSeq(seq int64) BidOption {
	return func(b *auction.Bid) { b.Seq = seq }
}

// NewTestBid returns a confirmed bid on a committing to amount, along with
// the salt that opens the commitment.
func NewTestBid(a *auction.Auction, bidder string, amount uint64, options ...BidOption) (auction.Bid, [auction.SaltSize]byte) {
	salt := RandomSalt()
	b := auction.Bid{
		ID:             uuid.NewString(),
		AuctionID:      a.ID,
		AuctionAddress: a.Address,
		BidderID:       bidder,
		Address:        RandomKey(),
		CommitmentHash: auction.ComputeCommitment(amount, salt, bidder),
		ProofHash:      RandomHash(),
		Collateral:     a.BidCollateral,
		Status:         auction.BidConfirmed,
		SubmittedAt:    a.StartsAt.Add(time.Minute),
	}
	for _, opt := range options {
		opt(&b)
	}
	return b, salt
}
