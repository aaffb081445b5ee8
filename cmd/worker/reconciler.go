package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/learnhub-api/internal/lock"
	"github.com/noah-isme/learnhub-api/internal/payment"
)

const reconcileLockKey = "lock:payments:reconcile"

type reconcileFunc func(ctx context.Context, staleAfter time.Duration, limit int) (payment.ReconcileReport, error)

// reconciler runs one reconcile pass per tick. Only the instance holding the
// redis lock does any work.
type reconciler struct {
	Reconcile  reconcileFunc
	Locker     lock.Locker
	LockTTL    time.Duration
	StaleAfter time.Duration
	Batch      int
	Logger     zerolog.Logger
}

func (r reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick reports whether this instance ran the pass.
func (r reconciler) tick(ctx context.Context) bool {
	ran := false
	err := r.Locker.TryWithLock(ctx, reconcileLockKey, r.LockTTL, func(ctx context.Context) error {
		ran = true
		start := time.Now()
		report, err := r.Reconcile(ctx, r.StaleAfter, r.Batch)
		if err != nil {
			return err
		}
		if report.Checked > 0 {
			r.Logger.Info().
				Int("checked", report.Checked).
				Int("completed", report.Completed).
				Int("failed", report.Failed).
				Int("pending", report.Pending).
				Int("unknown", report.Unknown).
				Int("errors", report.Errors).
				Dur("took", time.Since(start)).
				Msg("reconcile pass")
		}
		return nil
	})
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		r.Logger.Debug().Msg("reconcile skipped, lock held elsewhere")
	case errors.Is(err, context.Canceled):
	case err != nil:
		r.Logger.Error().Err(err).Msg("reconcile pass failed")
	}
	return ran
}
