package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flashbots/sealbid/auction"
	"github.com/flashbots/sealbid/store"
)

// Lifecycle applies the time-triggered transition from active to revealing.
type Lifecycle struct {
	store store.Store
	log   *slog.Logger
}

func NewLifecycle(s store.Store, log *slog.Logger) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{store: s, log: log.With("component", "lifecycle")}
}

// AdvanceExpired moves every active auction whose bidding window closed at
// or before now into the reveal phase and returns how many moved.
func (l *Lifecycle) AdvanceExpired(ctx context.Context, now time.Time) (int, error) {
	moved := 0
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		moved = 0
		expired, err := tx.ListExpiredActive(now)
		if err != nil {
			return err
		}
		for _, a := range expired {
			ok, err := l.advance(tx, a, now)
			if err != nil {
				return err
			}
			if ok {
				moved++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		l.log.Info("reveal phase started", "auctions", moved)
	}
	return moved, nil
}

// advance transitions a to revealing inside tx when its window has closed.
// A concurrent writer that already moved the auction is not an error; a is
// left as read in that case.
func (l *Lifecycle) advance(tx store.Tx, a *auction.Auction, now time.Time) (bool, error) {
	if a.Status != auction.StatusActive || now.Before(a.EndsAt) {
		return false, nil
	}
	next := *a
	if err := next.Transition(auction.StatusRevealing, now); err != nil {
		return false, err
	}
	err := tx.UpdateAuction(&next, auction.StatusActive)
	if errors.Is(err, store.ErrStale) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	*a = next
	return true, nil
}
