package auction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatus_TransitionTable(t *testing.T) {
	all := []Status{StatusPending, StatusActive, StatusRevealing, StatusSettled, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusActive}:    true,
		{StatusActive, StatusCancelled}:  true,
		{StatusActive, StatusRevealing}:  true,
		{StatusRevealing, StatusSettled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, allowed[[2]Status{from, to}], from.CanTransition(to), "%s -> %s", from, to)
			if from.CanTransition(to) {
				require.Less(t, from.Rank(), to.Rank())
			}
		}
	}
	require.True(t, StatusSettled.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.False(t, StatusRevealing.Terminal())
}

func TestAuction_TransitionGuards(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	t.Run("cancel with bids", func(t *testing.T) {
		a := &Auction{Status: StatusActive, BidCount: 2, EndsAt: now.Add(time.Hour)}
		err := a.Transition(StatusCancelled, now)
		require.ErrorIs(t, err, ErrInvalidStateTransition)
		require.ErrorIs(t, err, ErrTransitionGuard)
		require.Equal(t, StatusActive, a.Status)

		a.BidCount = 0
		require.NoError(t, a.Transition(StatusCancelled, now))
		require.Equal(t, StatusCancelled, a.Status)
	})

	t.Run("reveal before end", func(t *testing.T) {
		a := &Auction{Status: StatusActive, EndsAt: now.Add(time.Minute)}
		require.ErrorIs(t, a.Transition(StatusRevealing, now), ErrTransitionGuard)
		require.NoError(t, a.Transition(StatusRevealing, now.Add(time.Minute)))
	})

	t.Run("settle waits for reveals or deadline", func(t *testing.T) {
		a := &Auction{Status: StatusRevealing, BidCount: 2, RevealedCount: 1, RevealDeadline: now.Add(time.Hour)}
		require.ErrorIs(t, a.CheckTransition(StatusSettled, now), ErrTransitionGuard)
		require.NoError(t, a.CheckTransition(StatusSettled, now.Add(time.Hour)))
		a.RevealedCount = 2
		require.NoError(t, a.Transition(StatusSettled, now))
	})

	t.Run("no backward move", func(t *testing.T) {
		a := &Auction{Status: StatusSettled}
		err := a.Transition(StatusActive, now)
		require.ErrorIs(t, err, ErrInvalidStateTransition)
		require.NotErrorIs(t, err, ErrTransitionGuard)
		require.Equal(t, StatusSettled, a.Status)
	})

	t.Run("skip ahead rejected", func(t *testing.T) {
		a := &Auction{Status: StatusPending}
		require.ErrorIs(t, a.Transition(StatusSettled, now), ErrInvalidStateTransition)
	})
}

func TestAuction_Windows(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	a := &Auction{
		Status:         StatusActive,
		StartsAt:       start,
		EndsAt:         start.Add(time.Hour),
		RevealDeadline: start.Add(2 * time.Hour),
	}
	require.True(t, a.CanAcceptBids(start))
	require.False(t, a.CanAcceptBids(start.Add(time.Hour)))
	require.False(t, a.CanReveal(start.Add(90*time.Minute)))

	a.Status = StatusRevealing
	require.True(t, a.CanReveal(start.Add(90*time.Minute)))
	require.False(t, a.CanSettle(start.Add(90*time.Minute)))
	require.True(t, a.CanSettle(start.Add(2*time.Hour)))
}
