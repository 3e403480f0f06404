package credits

import (
	"context"
	"fmt"
)

// Auditor is the read-only reporting interface over the transaction log.
// It never mutates ledger state; acting on a detected desync (freezing the
// account) is the engine's job.
type Auditor struct {
	store Store
	nowFn func() int64
}

// NewAuditor wires an Auditor.
func NewAuditor(store Store, now func() int64) (*Auditor, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Auditor{store: store, nowFn: now}, nil
}

// ConsistencyReport compares the three balance views for one account.
type ConsistencyReport struct {
	AccountID AccountID
	Primary   Credits
	Mirror    Credits
	Replayed  int64
	Frozen    bool
}

// Consistent reports whether the mirror matches the primary balance and
// the replayed log agrees with both.
func (report ConsistencyReport) Consistent() bool {
	return report.Primary == report.Mirror && report.Primary.Int64() == report.Replayed
}

// ListTransactions returns an account's transactions, newest first.
// A zero beforeUnixUTC means "now"; the limit is clamped to the service
// maximum and defaults when non-positive.
func (auditor *Auditor) ListTransactions(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	normalizedLimit, err := normalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = auditor.nowFn() + 1
	}
	return auditor.store.ListTransactions(ctx, accountID, beforeUnixUTC, normalizedLimit)
}

// BalanceAsOf reconstructs the balance at a point in time by replaying the
// signed transaction log from genesis.
func (auditor *Auditor) BalanceAsOf(ctx context.Context, accountID AccountID, atUnixUTC int64) (int64, error) {
	if atUnixUTC <= 0 {
		atUnixUTC = auditor.nowFn()
	}
	return auditor.store.SumSignedAmounts(ctx, accountID, atUnixUTC)
}

// CheckConsistency compares primary balance, mirror balance, and the replay
// sum under the account's row lock so no charge commits mid-comparison.
// A mismatch is reported as ErrDesyncDetected alongside the report; the
// account rows themselves are left untouched.
func (auditor *Auditor) CheckConsistency(ctx context.Context, accountID AccountID) (ConsistencyReport, error) {
	var report ConsistencyReport
	operationError := auditor.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		mirror, err := transactionStore.GetMirrorBalance(ctx, accountID)
		if err != nil {
			return err
		}
		replayed, err := transactionStore.SumSignedAmounts(ctx, accountID, auditor.nowFn())
		if err != nil {
			return err
		}
		report = ConsistencyReport{
			AccountID: accountID,
			Primary:   account.Balance,
			Mirror:    mirror,
			Replayed:  replayed,
			Frozen:    account.Frozen,
		}
		return nil
	})
	if operationError != nil {
		return ConsistencyReport{}, operationError
	}
	if !report.Consistent() {
		return report, WrapError("audit", "account", "desync", ErrDesyncDetected)
	}
	return report, nil
}

// ListAccountIDs enumerates accounts for consistency sweeps.
func (auditor *Auditor) ListAccountIDs(ctx context.Context) ([]AccountID, error) {
	return auditor.store.ListAccountIDs(ctx)
}

func normalizeListLimit(limit int) (int, error) {
	if limit == 0 {
		return defaultListLimit, nil
	}
	if limit < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidListLimit)
	}
	if limit > maxListLimit {
		return maxListLimit, nil
	}
	return limit, nil
}
