package main

import (
	"context"
	"errors"
	"time"
)

type maintainer interface {
	SweepPastDue(ctx context.Context) (int, error)
	ReconcileSettlements(ctx context.Context) (int, error)
}

// runMaintenance runs one past-due sweep and one settlement reconciliation.
// Both run even when the first fails.
func runMaintenance(ctx context.Context, m maintainer) (swept, settled int, err error) {
	swept, sweepErr := m.SweepPastDue(ctx)
	if sweepErr != nil {
		log.Warnw("past-due sweep incomplete", "marked", swept, "error", sweepErr)
	}
	settled, settleErr := m.ReconcileSettlements(ctx)
	if settleErr != nil {
		log.Warnw("settlement reconciliation incomplete", "settled", settled, "error", settleErr)
	}
	if swept > 0 || settled > 0 {
		log.Infow("maintenance pass", "past_due", swept, "settled", settled)
	}
	return swept, settled, errors.Join(sweepErr, settleErr)
}

func runMaintenanceLoop(ctx context.Context, m maintainer, interval time.Duration) {
	if interval <= 0 {
		log.Infow("maintenance loop disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, _ = runMaintenance(ctx, m)
		}
	}
}
