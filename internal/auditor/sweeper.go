// Package auditor runs the scheduled consistency sweep. It walks every
// account, compares the balance views through the read-only audit
// interface, and asks the engine to freeze any account that drifted.
package auditor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atelierworks/credits/pkg/credits"
	"go.uber.org/zap"
)

// Sweeper periodically checks every account for balance drift.
type Sweeper struct {
	auditor  *credits.Auditor
	service  *credits.Service
	logger   *zap.Logger
	interval time.Duration
}

// NewSweeper wires a Sweeper. The interval must be positive.
func NewSweeper(auditor *credits.Auditor, service *credits.Service, logger *zap.Logger, interval time.Duration) (*Sweeper, error) {
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	if service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	return &Sweeper{auditor: auditor, service: service, logger: logger, interval: interval}, nil
}

// Run sweeps on a ticker until ctx is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweeper.Sweep(ctx)
		}
	}
}

// Sweep checks all accounts once. Errors on individual accounts are logged
// and do not stop the sweep.
func (sweeper *Sweeper) Sweep(ctx context.Context) {
	accountIDs, err := sweeper.auditor.ListAccountIDs(ctx)
	if err != nil {
		sweeper.logger.Error("consistency sweep could not list accounts", zap.Error(err))
		return
	}
	for _, accountID := range accountIDs {
		report, err := sweeper.auditor.CheckConsistency(ctx, accountID)
		if err == nil {
			continue
		}
		if !errors.Is(err, credits.ErrDesyncDetected) {
			sweeper.logger.Error("consistency check failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err))
			continue
		}
		sweeper.logger.Error("balance desync detected",
			zap.String("account_id", accountID.String()),
			zap.Int64("primary", report.Primary.Int64()),
			zap.Int64("mirror", report.Mirror.Int64()),
			zap.Int64("replayed", report.Replayed))
		if report.Frozen {
			continue
		}
		if err := sweeper.service.Freeze(ctx, accountID); err != nil {
			sweeper.logger.Error("freeze after desync failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err))
		}
	}
}
