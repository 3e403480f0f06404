package credits

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsChargeOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, defaultCatalog(test), WithOperationLogger(logger))
	accountID := mustAccountID(test, "log-user")
	store.seedAccount(test, accountID, 100)

	receipt, err := service.Charge(context.Background(), accountID, mustOperationKey(test, "music_generate"), NewTier(""), mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("charge: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationCharge || entry.AccountID != accountID || entry.Amount != defaultCatalogCostMusic {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.TransactionID != receipt.TransactionID {
		test.Fatalf("log entry missing transaction id: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected ok status, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.getAccountError = errors.New("boom")
	logger := &recorderLogger{}
	service := mustNewService(test, store, defaultCatalog(test), WithOperationLogger(logger))
	accountID := mustAccountID(test, "log-error-user")

	if _, err := service.Charge(context.Background(), accountID, mustOperationKey(test, "music_generate"), NewTier(""), mustMetadata(test, "{}")); err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Status != operationStatusError || entry.Error == nil {
		test.Fatalf("expected error status, got %+v", entry)
	}
}

func TestServiceLogsPricingFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, defaultCatalog(test), WithOperationLogger(logger))
	accountID := mustAccountID(test, "log-pricing-user")
	store.seedAccount(test, accountID, 100)

	if _, err := service.Charge(context.Background(), accountID, mustOperationKey(test, "unpriced"), NewTier(""), mustMetadata(test, "{}")); err == nil {
		test.Fatalf("expected pricing failure")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if !errors.Is(logger.entries[0].Error, ErrPricingNotFound) {
		test.Fatalf("expected pricing error in log, got %v", logger.entries[0].Error)
	}
}
