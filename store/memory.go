package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flashbots/sealbid/auction"
	"github.com/flashbots/sealbid/crypto"
)

type memState struct {
	auctions     map[string]auction.Auction
	bids         map[string]auction.Bid
	fulfillments map[string]auction.Fulfillment
	backlog      map[string]BacklogEntry
}

func (s *memState) clone() *memState {
	c := &memState{
		auctions:     make(map[string]auction.Auction, len(s.auctions)),
		bids:         make(map[string]auction.Bid, len(s.bids)),
		fulfillments: make(map[string]auction.Fulfillment, len(s.fulfillments)),
		backlog:      make(map[string]BacklogEntry, len(s.backlog)),
	}
	for k, v := range s.auctions {
		c.auctions[k] = v
	}
	for k, v := range s.bids {
		c.bids[k] = v
	}
	for k, v := range s.fulfillments {
		c.fulfillments[k] = v
	}
	for k, v := range s.backlog {
		v.Payload = append([]byte(nil), v.Payload...)
		c.backlog[k] = v
	}
	return c
}

// InMemoryStore implements Store in process memory. Transactions are
// serialized and run against a copy that replaces the live state only when
// the callback succeeds.
type InMemoryStore struct {
	mu    sync.Mutex
	state *memState
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{state: &memState{
		auctions:     make(map[string]auction.Auction),
		bids:         make(map[string]auction.Bid),
		fulfillments: make(map[string]auction.Fulfillment),
		backlog:      make(map[string]BacklogEntry),
	}}
}

func (s *InMemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

type memTx struct {
	s *memState
}

func (t *memTx) InsertAuction(a *auction.Auction) error {
	if _, ok := t.s.auctions[a.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range t.s.auctions {
		if existing.Address == a.Address {
			return ErrDuplicate
		}
	}
	t.s.auctions[a.ID] = *a
	return nil
}

func (t *memTx) GetAuction(id string) (*auction.Auction, error) {
	a, ok := t.s.auctions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (t *memTx) GetAuctionByAddress(addr crypto.PublicKey) (*auction.Auction, error) {
	for _, a := range t.s.auctions {
		if a.Address == addr {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) LatestPendingAuction(sellerID string) (*auction.Auction, error) {
	var latest *auction.Auction
	for _, a := range t.s.auctions {
		if a.SellerID != sellerID || a.Status != auction.StatusPending {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) || (a.CreatedAt.Equal(latest.CreatedAt) && a.Nonce > latest.Nonce) {
			a := a
			latest = &a
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (t *memTx) UpdateAuction(a *auction.Auction, expected auction.Status) error {
	cur, ok := t.s.auctions[a.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrStale
	}
	if cur.Address != a.Address {
		for id, other := range t.s.auctions {
			if id != a.ID && other.Address == a.Address {
				return ErrDuplicate
			}
		}
	}
	t.s.auctions[a.ID] = *a
	return nil
}

func (t *memTx) ListExpiredActive(now time.Time) ([]*auction.Auction, error) {
	var out []*auction.Auction
	for _, a := range t.s.auctions {
		if a.Status == auction.StatusActive && !now.Before(a.EndsAt) {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndsAt.Before(out[j].EndsAt) })
	return out, nil
}

func (t *memTx) InsertBid(b *auction.Bid) error {
	if _, ok := t.s.bids[b.ID]; ok {
		return ErrDuplicate
	}
	for _, other := range t.s.bids {
		if !b.Address.IsZero() && other.Address == b.Address {
			return ErrDuplicate
		}
		if other.AuctionID != b.AuctionID {
			continue
		}
		if other.CommitmentHash == b.CommitmentHash {
			return ErrDuplicate
		}
		if other.BidderID == b.BidderID && other.Status != auction.BidRevealed && b.Status != auction.BidRevealed {
			return ErrDuplicate
		}
	}
	t.s.bids[b.ID] = *b
	return nil
}

func (t *memTx) GetBid(id string) (*auction.Bid, error) {
	b, ok := t.s.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (t *memTx) findBid(match func(auction.Bid) bool) (*auction.Bid, error) {
	for _, b := range t.s.bids {
		if match(b) {
			return &b, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) GetBidByAddress(addr crypto.PublicKey) (*auction.Bid, error) {
	return t.findBid(func(b auction.Bid) bool { return b.Address == addr })
}

func (t *memTx) GetBidByCommitment(auctionID string, commitment crypto.Hash) (*auction.Bid, error) {
	return t.findBid(func(b auction.Bid) bool { return b.AuctionID == auctionID && b.CommitmentHash == commitment })
}

func (t *memTx) GetOpenBid(auctionID, bidderID string) (*auction.Bid, error) {
	return t.findBid(func(b auction.Bid) bool {
		return b.AuctionID == auctionID && b.BidderID == bidderID && b.Status != auction.BidRevealed
	})
}

func (t *memTx) UpdateBid(b *auction.Bid) error {
	if _, ok := t.s.bids[b.ID]; !ok {
		return ErrNotFound
	}
	t.s.bids[b.ID] = *b
	return nil
}

func (t *memTx) DeletePendingBid(id string) error {
	b, ok := t.s.bids[id]
	if !ok || b.Status != auction.BidPending {
		return ErrNotFound
	}
	delete(t.s.bids, id)
	return nil
}

func (t *memTx) ListBids(auctionID string) ([]auction.Bid, error) {
	var out []auction.Bid
	for _, b := range t.s.bids {
		if b.AuctionID == auctionID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) InsertFulfillment(f *auction.Fulfillment) (bool, error) {
	if _, ok := t.s.fulfillments[f.AuctionID]; ok {
		return false, nil
	}
	t.s.fulfillments[f.AuctionID] = *f
	return true, nil
}

func (t *memTx) GetFulfillment(auctionID string) (*auction.Fulfillment, error) {
	f, ok := t.s.fulfillments[auctionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (t *memTx) UpdateFulfillment(f *auction.Fulfillment, expected auction.FulfillmentStatus) error {
	cur, ok := t.s.fulfillments[f.AuctionID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrStale
	}
	t.s.fulfillments[f.AuctionID] = *f
	return nil
}

func (t *memTx) InsertBacklog(e *BacklogEntry) error {
	for _, other := range t.s.backlog {
		if other.EventType == e.EventType && other.BusinessKey == e.BusinessKey && other.Signature == e.Signature {
			return ErrDuplicate
		}
	}
	t.s.backlog[e.ID] = *e
	return nil
}

func (t *memTx) ListBacklog(status BacklogStatus, limit int) ([]BacklogEntry, error) {
	var out []BacklogEntry
	for _, e := range t.s.backlog {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) UpdateBacklog(e *BacklogEntry) error {
	if _, ok := t.s.backlog[e.ID]; !ok {
		return ErrNotFound
	}
	t.s.backlog[e.ID] = *e
	return nil
}

func (t *memTx) DeleteBacklog(id string) error {
	if _, ok := t.s.backlog[id]; !ok {
		return ErrNotFound
	}
	delete(t.s.backlog, id)
	return nil
}

func (t *memTx) CountBacklog(status BacklogStatus) (int, error) {
	n := 0
	for _, e := range t.s.backlog {
		if e.Status == status {
			n++
		}
	}
	return n, nil
}
