package auction

import (
	"fmt"
	"time"

	"github.com/flashbots/sealbid/crypto"
)

// Protocol limits enforced by the ledger program and mirrored here so that
// invalid requests are rejected before a transaction is built.
const (
	MinAuctionDuration   = time.Hour
	MaxAuctionDuration   = 30 * 24 * time.Hour
	MinRevealDuration    = time.Hour
	MaxRevealDuration    = 24 * time.Hour
	DefaultRevealPeriod  = 24 * time.Hour
	PlatformFeeBps       = 250
	MinBidCollateral     = 1_000_000
	MaxBidCollateral     = 1_000_000_000
	MaxTitleLength       = 100
	MaxDescriptionLength = 500
	MinImages            = 1
	MaxImages            = 10
)

// ProductType decides how the escrow is released after settlement.
type ProductType string

const (
	ProductNFT      ProductType = "nft"
	ProductPhysical ProductType = "physical"
	ProductDigital  ProductType = "digital"
	ProductService  ProductType = "service"
)

// Discriminator is the byte the ledger program uses for the product type.
func (p ProductType) Discriminator() (uint8, error) {
	switch p {
	case ProductNFT:
		return 0, nil
	case ProductPhysical:
		return 1, nil
	case ProductDigital:
		return 2, nil
	case ProductService:
		return 3, nil
	}
	return 0, fmt.Errorf("unknown product type %q", string(p))
}

func (p ProductType) Valid() bool {
	_, err := p.Discriminator()
	return err == nil
}

var categories = []string{
	"art", "collectibles", "gaming", "music", "photography",
	"sports", "electronics", "fashion", "home_garden", "jewelry",
	"vehicles", "antiques", "software", "ebooks", "courses",
	"templates", "domains", "consulting", "design", "development",
	"marketing", "writing", "other",
}

// CategoryIndex returns the ledger discriminator of a listing category.
func CategoryIndex(c string) (uint8, bool) {
	for i, known := range categories {
		if known == c {
			return uint8(i), true
		}
	}
	return 0, false
}

// ValidCategory reports whether c is a listing category known to the marketplace.
func ValidCategory(c string) bool {
	_, ok := CategoryIndex(c)
	return ok
}

// Auction is the mirrored state of a ledger auction account.
//
// BidCount and RevealedCount are only ever derived from confirmed ledger
// events; request handlers never write them.
type Auction struct {
	ID                     string
	Address                crypto.PublicKey
	SellerID               string
	Nonce                  int64
	ProductType            ProductType
	Category               string
	ReservePriceCommitment crypto.Hash
	Status                 Status
	StartsAt               time.Time
	EndsAt                 time.Time
	RevealDeadline         time.Time
	BidCount               int
	RevealedCount          int
	PaymentMint            crypto.PublicKey
	MinBidIncrement        uint64
	BidCollateral          uint64
	MetadataPointer        string
	Winner                 string
	WinningAmount          uint64
	SecondPrice            uint64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// CanAcceptBids reports whether a bid submitted at now can be committed.
func (a *Auction) CanAcceptBids(now time.Time) bool {
	return a.Status == StatusActive && !now.Before(a.StartsAt) && now.Before(a.EndsAt)
}

// CanReveal reports whether the reveal window is open at now.
func (a *Auction) CanReveal(now time.Time) bool {
	return a.Status == StatusRevealing && !now.Before(a.EndsAt) && now.Before(a.RevealDeadline)
}

// CanSettle reports whether the reveal window has closed.
func (a *Auction) CanSettle(now time.Time) bool {
	return a.Status == StatusRevealing && !now.Before(a.RevealDeadline)
}

// BidStatus tracks a bid through the mirror. A pending bid exists only
// locally: the submission transaction has been built but not yet observed
// on the ledger.
type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidConfirmed BidStatus = "confirmed"
	BidRevealed  BidStatus = "revealed"
)

// Bid is a sealed bid. The disclosed amount and salt are only reachable
// through Reveal, and a Bid carrying them can only be produced by WithReveal,
// which checks them against the commitment.
type Bid struct {
	ID                 string
	AuctionID          string
	AuctionAddress     crypto.PublicKey
	BidderID           string
	Address            crypto.PublicKey
	CommitmentHash     crypto.Hash
	ProofHash          crypto.Hash
	Collateral         uint64
	Status             BidStatus
	Seq                int64
	SubmittedAt        time.Time
	CollateralReturned bool

	reveal *Reveal
}

// Reveal is the disclosed opening of a commitment.
type Reveal struct {
	Amount uint64
	Salt   [SaltSize]byte
}

// Revealed returns the verified opening, if the bid has been revealed.
func (b Bid) Revealed() (Reveal, bool) {
	if b.reveal == nil {
		return Reveal{}, false
	}
	return *b.reveal, true
}

// WithReveal returns a copy of the bid in revealed state. It fails with
// ErrCommitmentMismatch, leaving b untouched, unless the opening hashes to
// the stored commitment.
func (b Bid) WithReveal(amount uint64, salt [SaltSize]byte) (Bid, error) {
	if err := VerifyCommitment(b.CommitmentHash, amount, salt, b.BidderID); err != nil {
		return b, err
	}
	b.reveal = &Reveal{Amount: amount, Salt: salt}
	b.Status = BidRevealed
	return b, nil
}

// FulfillmentStatus is the delivery state of a settled auction.
type FulfillmentStatus string

const (
	FulfillmentPending   FulfillmentStatus = "pending"
	FulfillmentShipped   FulfillmentStatus = "shipped"
	FulfillmentDelivered FulfillmentStatus = "delivered"
	FulfillmentDisputed  FulfillmentStatus = "disputed"
)

// Fulfillment is created exactly once per settled auction.
type Fulfillment struct {
	AuctionID     string
	BuyerID       string
	SellerID      string
	Status        FulfillmentStatus
	Amount        uint64
	PlatformFee   uint64
	SecurityLevel SecurityLevel
	ReleaseAfter  time.Time
	NeedsConfirm  bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CanMarkDelivered reports whether a delivery confirmation may move the
// fulfillment forward. Disputes are resolved outside the mirror.
func (f *Fulfillment) CanMarkDelivered() bool {
	return f.Status == FulfillmentPending || f.Status == FulfillmentShipped
}
