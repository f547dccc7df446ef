// Package store persists the auction mirror.
//
// All writes go through Store.WithTx. Status changes are compare-and-swap:
// UpdateAuction only succeeds when the stored status still equals the
// status the caller read, so concurrent event deliveries cannot lose
// updates or move an auction backward. A failed transaction leaves no
// partial writes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flashbots/sealbid/auction"
	"github.com/flashbots/sealbid/crypto"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
	// ErrStale is returned when a conditional update finds a different
	// status than expected.
	ErrStale = errors.New("stale state")
)

type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	InsertAuction(a *auction.Auction) error
	GetAuction(id string) (*auction.Auction, error)
	GetAuctionByAddress(addr crypto.PublicKey) (*auction.Auction, error)
	// LatestPendingAuction returns the seller's most recently created
	// auction still awaiting its on-ledger creation event.
	LatestPendingAuction(sellerID string) (*auction.Auction, error)
	// UpdateAuction writes a when the stored status equals expected.
	UpdateAuction(a *auction.Auction, expected auction.Status) error
	ListExpiredActive(now time.Time) ([]*auction.Auction, error)

	InsertBid(b *auction.Bid) error
	GetBid(id string) (*auction.Bid, error)
	GetBidByAddress(addr crypto.PublicKey) (*auction.Bid, error)
	GetBidByCommitment(auctionID string, commitment crypto.Hash) (*auction.Bid, error)
	// GetOpenBid returns the bidder's unrevealed bid on an auction.
	GetOpenBid(auctionID, bidderID string) (*auction.Bid, error)
	UpdateBid(b *auction.Bid) error
	// DeletePendingBid removes a bid that never reached the ledger.
	DeletePendingBid(id string) error
	ListBids(auctionID string) ([]auction.Bid, error)

	// InsertFulfillment inserts once per auction and reports whether a row
	// was written.
	InsertFulfillment(f *auction.Fulfillment) (bool, error)
	GetFulfillment(auctionID string) (*auction.Fulfillment, error)
	UpdateFulfillment(f *auction.Fulfillment, expected auction.FulfillmentStatus) error

	InsertBacklog(e *BacklogEntry) error
	ListBacklog(status BacklogStatus, limit int) ([]BacklogEntry, error)
	UpdateBacklog(e *BacklogEntry) error
	DeleteBacklog(id string) error
	CountBacklog(status BacklogStatus) (int, error)
}

type BacklogStatus string

const (
	BacklogPending BacklogStatus = "pending"
	BacklogDead    BacklogStatus = "dead"
)

// BacklogEntry is a deferred event waiting for the state it depends on.
type BacklogEntry struct {
	ID          string
	EventType   string
	BusinessKey string
	Signature   string
	Slot        uint64
	Payload     []byte
	Attempts    int
	LastError   string
	Status      BacklogStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
