package auction

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an auction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusRevealing Status = "revealing"
	StatusSettled   Status = "settled"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrInvalidStateTransition is returned for any transition outside the
	// lifecycle table, including guard failures.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrTransitionGuard marks a transition that is in the table but whose
	// guard does not hold yet.
	ErrTransitionGuard = errors.New("transition guard not satisfied")
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusActive},
	StatusActive:    {StatusCancelled, StatusRevealing},
	StatusRevealing: {StatusSettled},
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusRevealing, StatusSettled, StatusCancelled:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle. Both terminal states share a rank.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	case StatusRevealing:
		return 2
	case StatusSettled, StatusCancelled:
		return 3
	}
	return -1
}

// CanTransition reports whether to is reachable from s in one step,
// ignoring guards.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected transition.
type TransitionError struct {
	From  Status
	To    Status
	Guard string
}

func (e *TransitionError) Error() string {
	if e.Guard != "" {
		return fmt.Sprintf("%s: %s -> %s (%s)", ErrInvalidStateTransition, e.From, e.To, e.Guard)
	}
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidStateTransition, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	if target == ErrInvalidStateTransition {
		return true
	}
	return target == ErrTransitionGuard && e.Guard != ""
}

// CheckTransition validates moving a to status to at time now without
// modifying it.
func (a *Auction) CheckTransition(to Status, now time.Time) error {
	if !a.Status.CanTransition(to) {
		return &TransitionError{From: a.Status, To: to}
	}
	var guard string
	switch {
	case a.Status == StatusActive && to == StatusCancelled:
		if a.BidCount != 0 {
			guard = fmt.Sprintf("auction has %d bids", a.BidCount)
		}
	case a.Status == StatusActive && to == StatusRevealing:
		if now.Before(a.EndsAt) {
			guard = "bidding window still open"
		}
	case a.Status == StatusRevealing && to == StatusSettled:
		if now.Before(a.RevealDeadline) && a.RevealedCount < a.BidCount {
			guard = "reveals outstanding"
		}
	}
	if guard != "" {
		return &TransitionError{From: a.Status, To: to, Guard: guard}
	}
	return nil
}

// Transition moves a to status to if the lifecycle table and its guard
// allow it. On error a is unchanged.
func (a *Auction) Transition(to Status, now time.Time) error {
	if err := a.CheckTransition(to, now); err != nil {
		return err
	}
	a.Status = to
	a.UpdatedAt = now
	return nil
}
