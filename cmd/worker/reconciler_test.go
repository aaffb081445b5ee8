package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/learnhub-api/internal/lock"
	"github.com/noah-isme/learnhub-api/internal/payment"
)

func newTestReconciler(t *testing.T, fn reconcileFunc) (reconciler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return reconciler{
		Reconcile:  fn,
		Locker:     lock.Locker{R: client},
		LockTTL:    time.Minute,
		StaleAfter: 10 * time.Minute,
		Batch:      25,
		Logger:     zerolog.Nop(),
	}, mr
}

func TestTickRunsPassAndReleasesLock(t *testing.T) {
	var gotStale time.Duration
	var gotLimit int
	r, mr := newTestReconciler(t, func(_ context.Context, staleAfter time.Duration, limit int) (payment.ReconcileReport, error) {
		gotStale, gotLimit = staleAfter, limit
		return payment.ReconcileReport{Checked: 2, Completed: 1, Unknown: 1}, nil
	})

	require.True(t, r.tick(context.Background()))
	require.Equal(t, 10*time.Minute, gotStale)
	require.Equal(t, 25, gotLimit)
	require.False(t, mr.Exists(reconcileLockKey))
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	calls := 0
	r, mr := newTestReconciler(t, func(context.Context, time.Duration, int) (payment.ReconcileReport, error) {
		calls++
		return payment.ReconcileReport{}, nil
	})
	require.NoError(t, mr.Set(reconcileLockKey, "other-instance"))

	require.False(t, r.tick(context.Background()))
	require.Zero(t, calls)
}

func TestTickSurvivesReconcileError(t *testing.T) {
	r, mr := newTestReconciler(t, func(context.Context, time.Duration, int) (payment.ReconcileReport, error) {
		return payment.ReconcileReport{}, errors.New("db down")
	})

	require.True(t, r.tick(context.Background()))
	require.False(t, mr.Exists(reconcileLockKey))
}

func TestRunStopsOnCancel(t *testing.T) {
	ticks := make(chan struct{}, 8)
	r, _ := newTestReconciler(t, func(context.Context, time.Duration, int) (payment.ReconcileReport, error) {
		ticks <- struct{}{}
		return payment.ReconcileReport{}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()

	<-ticks
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
