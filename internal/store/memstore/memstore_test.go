package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/atelierworks/credits/pkg/credits"
)

func mustAccountID(test *testing.T, raw string) credits.AccountID {
	test.Helper()
	accountID, err := credits.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustOperationKey(test *testing.T, raw string) credits.OperationKey {
	test.Helper()
	operation, err := credits.NewOperationKey(raw)
	if err != nil {
		test.Fatalf("operation key: %v", err)
	}
	return operation
}

func mustMetadata(test *testing.T, raw string) credits.MetadataJSON {
	test.Helper()
	metadata, err := credits.NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustPositiveCredits(test *testing.T, raw int64) credits.PositiveCredits {
	test.Helper()
	amount, err := credits.NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("positive credits: %v", err)
	}
	return amount
}

func mustResolver(test *testing.T, costs map[string]int64) *credits.StaticResolver {
	test.Helper()
	resolver, err := credits.NewStaticResolver(costs)
	if err != nil {
		test.Fatalf("resolver: %v", err)
	}
	return resolver
}

func newService(test *testing.T, store *Store, costs map[string]int64) *credits.Service {
	test.Helper()
	service, err := credits.NewService(store, mustResolver(test, costs), func() int64 { return 1_700_000_000 }, credits.WithWelcomeGrant(mustPositiveCredits(test, 100)))
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func TestConcurrentChargesNeverOverspend(test *testing.T) {
	store := New()
	service := newService(test, store, map[string]int64{"render": 20})
	accountID := mustAccountID(test, "contended-user")
	if _, err := service.OpenAccount(context.Background(), accountID); err != nil {
		test.Fatalf("open account: %v", err)
	}

	const attempts = 10
	operation := mustOperationKey(test, "render")
	metadata := mustMetadata(test, "{}")
	var group sync.WaitGroup
	results := make(chan error, attempts)
	for index := 0; index < attempts; index++ {
		group.Add(1)
		go func() {
			defer group.Done()
			_, err := service.Charge(context.Background(), accountID, operation, credits.NewTier(""), metadata)
			results <- err
		}()
	}
	group.Wait()
	close(results)

	succeeded, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, credits.ErrInsufficientCredits):
			rejected++
		default:
			test.Fatalf("unexpected charge error: %v", err)
		}
	}
	if succeeded != 5 || rejected != 5 {
		test.Fatalf("expected 5 successes and 5 rejections, got %d and %d", succeeded, rejected)
	}
	balance, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected drained balance, got %d", balance)
	}
	mirror, err := store.GetMirrorBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("mirror: %v", err)
	}
	if mirror != 0 {
		test.Fatalf("mirror %d did not follow primary to zero", mirror)
	}
}

func TestFailedTransactionLeavesStateUntouched(test *testing.T) {
	store := New()
	accountID := mustAccountID(test, "atomic-user")
	if _, err := store.CreateAccount(context.Background(), accountID); err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := store.CreditBalance(context.Background(), accountID, mustPositiveCredits(test, 70)); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if err := store.SetMirrorBalance(context.Background(), accountID, 70); err != nil {
		test.Fatalf("mirror: %v", err)
	}

	interrupted := errors.New("interrupted after debit")
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore credits.Store) error {
		if _, err := txStore.DebitBalance(ctx, accountID, mustPositiveCredits(test, 30)); err != nil {
			return err
		}
		if err := txStore.SetMirrorBalance(ctx, accountID, 40); err != nil {
			return err
		}
		return interrupted
	})
	if !errors.Is(err, interrupted) {
		test.Fatalf("expected interruption error, got %v", err)
	}

	balance, err := store.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 70 {
		test.Fatalf("rollback left balance %d, expected 70", balance)
	}
	mirror, err := store.GetMirrorBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("mirror: %v", err)
	}
	if mirror != 70 {
		test.Fatalf("rollback left mirror %d, expected 70", mirror)
	}
	transactions, err := store.ListTransactions(context.Background(), accountID, 1_800_000_000, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 0 {
		test.Fatalf("rollback left %d transaction rows", len(transactions))
	}
}

func TestDebitBalanceIsConditional(test *testing.T) {
	store := New()
	accountID := mustAccountID(test, "conditional-user")
	if _, err := store.CreateAccount(context.Background(), accountID); err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := store.CreditBalance(context.Background(), accountID, mustPositiveCredits(test, 10)); err != nil {
		test.Fatalf("credit: %v", err)
	}

	if _, err := store.DebitBalance(context.Background(), accountID, mustPositiveCredits(test, 11)); !errors.Is(err, credits.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	remaining, err := store.DebitBalance(context.Background(), accountID, mustPositiveCredits(test, 10))
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if remaining != 0 {
		test.Fatalf("expected 0 remaining, got %d", remaining)
	}
}

func TestMarkTransactionRefundedFlipsOnce(test *testing.T) {
	store := New()
	service := newService(test, store, map[string]int64{"render": 20})
	accountID := mustAccountID(test, "refund-user")
	if _, err := service.OpenAccount(context.Background(), accountID); err != nil {
		test.Fatalf("open account: %v", err)
	}
	receipt, err := service.Charge(context.Background(), accountID, mustOperationKey(test, "render"), credits.NewTier(""), mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("charge: %v", err)
	}

	if err := store.MarkTransactionRefunded(context.Background(), receipt.TransactionID); err != nil {
		test.Fatalf("first flip: %v", err)
	}
	if err := store.MarkTransactionRefunded(context.Background(), receipt.TransactionID); !errors.Is(err, credits.ErrAlreadyRefunded) {
		test.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
}

func TestCreateAccountIsIdempotent(test *testing.T) {
	store := New()
	accountID := mustAccountID(test, "created-twice")
	created, err := store.CreateAccount(context.Background(), accountID)
	if err != nil || !created {
		test.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = store.CreateAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("second create: %v", err)
	}
	if created {
		test.Fatalf("second create reported a new account")
	}
}

func TestListAccountIDsIsSorted(test *testing.T) {
	store := New()
	for _, raw := range []string{"charlie", "alice", "bob"} {
		if _, err := store.CreateAccount(context.Background(), mustAccountID(test, raw)); err != nil {
			test.Fatalf("create %s: %v", raw, err)
		}
	}
	accountIDs, err := store.ListAccountIDs(context.Background())
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(accountIDs) != 3 || accountIDs[0].String() != "alice" || accountIDs[1].String() != "bob" || accountIDs[2].String() != "charlie" {
		test.Fatalf("unexpected order: %v", accountIDs)
	}
}

func TestSetMirrorDriftFeedsConsistencyCheck(test *testing.T) {
	store := New()
	service := newService(test, store, map[string]int64{"render": 20})
	accountID := mustAccountID(test, "drifting-user")
	if _, err := service.OpenAccount(context.Background(), accountID); err != nil {
		test.Fatalf("open account: %v", err)
	}
	store.SetMirrorDrift(accountID, 999)

	auditor, err := credits.NewAuditor(store, func() int64 { return 1_700_000_100 })
	if err != nil {
		test.Fatalf("auditor: %v", err)
	}
	report, err := auditor.CheckConsistency(context.Background(), accountID)
	if !errors.Is(err, credits.ErrDesyncDetected) {
		test.Fatalf("expected ErrDesyncDetected, got %v", err)
	}
	if report.Consistent() {
		test.Fatalf("report claims consistency despite drift")
	}
}
