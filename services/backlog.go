package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/flashbots/sealbid/apperr"
	"github.com/flashbots/sealbid/events"
	"github.com/flashbots/sealbid/store"
)

// replayBatch bounds the backlog entries retried per call.
const replayBatch = 500

// deferEvent parks ev in the backlog. When the backlog is full the event is
// dead-lettered straight away so it is still kept for inspection.
func (r *Reconciler) deferEvent(ctx context.Context, ev events.Event, reason string) (Outcome, error) {
	return r.park(ctx, ev, reason, store.BacklogPending)
}

// deadLetter keeps a confirmed event the mirror cannot apply.
func (r *Reconciler) deadLetter(ctx context.Context, ev events.Event, reason string) (Outcome, error) {
	return r.park(ctx, ev, reason, store.BacklogDead)
}

func (r *Reconciler) park(ctx context.Context, ev events.Event, reason string, status store.BacklogStatus) (Outcome, error) {
	env, err := events.Encode(ev)
	if err != nil {
		return "", fmt.Errorf("encode backlog event: %w", err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode backlog event: %w", err)
	}

	m := events.MetaOf(ev)
	now := r.now()
	entry := store.BacklogEntry{
		ID:          uuid.NewString(),
		EventType:   string(m.Type),
		BusinessKey: ev.Key(),
		Signature:   m.Signature,
		Slot:        m.Slot,
		Payload:     payload,
		Attempts:    1,
		LastError:   reason,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = r.store.WithTx(ctx, func(tx store.Tx) error {
		if entry.Status == store.BacklogPending {
			n, err := tx.CountBacklog(store.BacklogPending)
			if err != nil {
				return err
			}
			if n >= r.backlogLimit {
				entry.Status = store.BacklogDead
				entry.LastError = "backlog full: " + reason
			}
		}
		return tx.InsertBacklog(&entry)
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Redelivery of an event that is already parked.
		if status == store.BacklogDead {
			return OutcomeDeadLetter, nil
		}
		return OutcomeDeferred, nil
	}
	if err != nil {
		return "", err
	}
	outcome := OutcomeDeferred
	if entry.Status == store.BacklogDead {
		outcome = OutcomeDeadLetter
		r.log.Error("event dead-lettered",
			"type", m.Type, "key", entry.BusinessKey, "slot", m.Slot,
			"err", apperr.Reconciliation("event not applied", errors.New(entry.LastError)))
		r.metrics.EventReconciled(string(m.Type), string(OutcomeDeadLetter))
	}
	return outcome, nil
}

// ReplayBacklog retries pending backlog entries oldest first and returns
// how many were resolved. Entries that stay deferred past the attempt
// budget are dead-lettered; entries that are now inapplicable are
// dead-lettered with the reason.
func (r *Reconciler) ReplayBacklog(ctx context.Context) (int, error) {
	return r.replayBacklog(ctx, true)
}

// replayBacklog walks the pending entries. An uncharged pass leaves entries
// that are still waiting untouched, so it does not use up their attempts.
func (r *Reconciler) replayBacklog(ctx context.Context, charge bool) (int, error) {
	var pending []store.BacklogEntry
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		pending, err = tx.ListBacklog(store.BacklogPending, replayBatch)
		return err
	})
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range pending {
		e := &pending[i]
		done, err := r.replay(ctx, e, charge)
		if err != nil {
			return resolved, err
		}
		if done {
			resolved++
		}
	}
	return resolved, nil
}

func (r *Reconciler) replay(ctx context.Context, e *store.BacklogEntry, charge bool) (bool, error) {
	log := r.log.With("backlogId", e.ID, "type", e.EventType, "key", e.BusinessKey)

	var env events.Envelope
	ev, err := func() (events.Event, error) {
		if err := json.Unmarshal(e.Payload, &env); err != nil {
			return nil, err
		}
		return events.Decode(env)
	}()
	if err != nil {
		log.Error("backlog entry unreadable", "err", err)
		return false, r.updateEntry(ctx, e, store.BacklogDead, err.Error())
	}

	applied, err := r.Apply(ctx, ev)
	if err != nil {
		return false, err
	}
	switch applied.Outcome {
	case OutcomeApplied, OutcomeDuplicate:
		err := r.store.WithTx(ctx, func(tx store.Tx) error { return tx.DeleteBacklog(e.ID) })
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		log.Info("backlog entry resolved", "outcome", applied.Outcome, "attempts", e.Attempts+1)
		return true, nil
	case OutcomeSkipped:
		r.metrics.EventReconciled(e.EventType, string(OutcomeDeadLetter))
		return false, r.updateEntry(ctx, e, store.BacklogDead, applied.err.Error())
	}
	if !charge {
		return false, nil
	}

	e.Attempts++
	reason := ""
	if applied.err != nil {
		reason = applied.err.Error()
	}
	if e.Attempts >= r.maxAttempts {
		log.Error("backlog entry dead-lettered", "attempts", e.Attempts,
			"err", apperr.Reconciliation("retry budget exhausted", applied.err))
		r.metrics.EventReconciled(e.EventType, string(OutcomeDeadLetter))
		return false, r.updateEntry(ctx, e, store.BacklogDead, reason)
	}
	return false, r.updateEntry(ctx, e, store.BacklogPending, reason)
}

func (r *Reconciler) updateEntry(ctx context.Context, e *store.BacklogEntry, status store.BacklogStatus, reason string) error {
	e.Status = status
	e.LastError = reason
	e.UpdatedAt = r.now()
	return r.store.WithTx(ctx, func(tx store.Tx) error { return tx.UpdateBacklog(e) })
}

func (r *Reconciler) countBacklog(ctx context.Context) (int, error) {
	var n int
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.CountBacklog(store.BacklogPending)
		return err
	})
	return n, err
}
