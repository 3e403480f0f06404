package credits

import (
	"context"
	"testing"
)

// stubStore is an in-package Store fake with per-method error injection.
// WithTx is a pass-through; rollback semantics are covered by the memstore
// package tests.
type stubStore struct {
	balances     map[string]int64
	frozen       map[string]bool
	mirrors      map[string]int64
	transactions []Transaction

	createAccountError  error
	getAccountError     error
	getBalanceError     error
	debitError          error
	creditError         error
	getMirrorError      error
	setMirrorError      error
	setFrozenError      error
	insertError         error
	getTransactionError error
	markRefundedError   error
	listError           error
	sumError            error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances: map[string]int64{},
		frozen:   map[string]bool{},
		mirrors:  map[string]int64{},
	}
}

func (store *stubStore) seedAccount(test *testing.T, accountID AccountID, balance int64) {
	test.Helper()
	store.balances[accountID.String()] = balance
	store.mirrors[accountID.String()] = balance
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) CreateAccount(_ context.Context, accountID AccountID) (bool, error) {
	if store.createAccountError != nil {
		return false, store.createAccountError
	}
	if _, exists := store.balances[accountID.String()]; exists {
		return false, nil
	}
	store.balances[accountID.String()] = 0
	store.mirrors[accountID.String()] = 0
	return true, nil
}

func (store *stubStore) GetAccountForUpdate(_ context.Context, accountID AccountID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	balance, exists := store.balances[accountID.String()]
	if !exists {
		return Account{}, ErrAccountNotFound
	}
	credits, err := NewCredits(balance)
	if err != nil {
		return Account{}, err
	}
	return Account{AccountID: accountID, Balance: credits, Frozen: store.frozen[accountID.String()]}, nil
}

func (store *stubStore) GetBalance(_ context.Context, accountID AccountID) (Credits, error) {
	if store.getBalanceError != nil {
		return 0, store.getBalanceError
	}
	balance, exists := store.balances[accountID.String()]
	if !exists {
		return 0, ErrAccountNotFound
	}
	return NewCredits(balance)
}

func (store *stubStore) DebitBalance(_ context.Context, accountID AccountID, amount PositiveCredits) (Credits, error) {
	if store.debitError != nil {
		return 0, store.debitError
	}
	balance, exists := store.balances[accountID.String()]
	if !exists {
		return 0, ErrAccountNotFound
	}
	if balance < amount.Int64() {
		return 0, ErrInsufficientCredits
	}
	store.balances[accountID.String()] = balance - amount.Int64()
	return NewCredits(store.balances[accountID.String()])
}

func (store *stubStore) CreditBalance(_ context.Context, accountID AccountID, amount PositiveCredits) (Credits, error) {
	if store.creditError != nil {
		return 0, store.creditError
	}
	balance, exists := store.balances[accountID.String()]
	if !exists {
		return 0, ErrAccountNotFound
	}
	store.balances[accountID.String()] = balance + amount.Int64()
	return NewCredits(store.balances[accountID.String()])
}

func (store *stubStore) GetMirrorBalance(_ context.Context, accountID AccountID) (Credits, error) {
	if store.getMirrorError != nil {
		return 0, store.getMirrorError
	}
	mirror, exists := store.mirrors[accountID.String()]
	if !exists {
		return 0, ErrAccountNotFound
	}
	return NewCredits(mirror)
}

func (store *stubStore) SetMirrorBalance(_ context.Context, accountID AccountID, balance Credits) error {
	if store.setMirrorError != nil {
		return store.setMirrorError
	}
	store.mirrors[accountID.String()] = balance.Int64()
	return nil
}

func (store *stubStore) SetFrozen(_ context.Context, accountID AccountID, frozen bool) error {
	if store.setFrozenError != nil {
		return store.setFrozenError
	}
	store.frozen[accountID.String()] = frozen
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, input TransactionInput) error {
	if store.insertError != nil {
		return store.insertError
	}
	refundOf := ""
	if original, hasOriginal := input.RefundOf(); hasOriginal {
		refundOf = original.String()
	}
	store.transactions = append(store.transactions, Transaction{
		TransactionID:  input.TransactionID(),
		AccountID:      input.AccountID(),
		Kind:           input.Kind(),
		Amount:         input.Amount(),
		Operation:      input.Operation(),
		Note:           input.Note(),
		MetadataJSON:   input.MetadataJSON().String(),
		RefundOf:       refundOf,
		CreatedUnixUTC: input.CreatedUnixUTC(),
	})
	return nil
}

func (store *stubStore) GetTransactionForUpdate(_ context.Context, transactionID TransactionID) (Transaction, error) {
	if store.getTransactionError != nil {
		return Transaction{}, store.getTransactionError
	}
	for _, transaction := range store.transactions {
		if transaction.TransactionID == transactionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *stubStore) MarkTransactionRefunded(_ context.Context, transactionID TransactionID) error {
	if store.markRefundedError != nil {
		return store.markRefundedError
	}
	for index := range store.transactions {
		if store.transactions[index].TransactionID == transactionID {
			if store.transactions[index].Refunded {
				return ErrAlreadyRefunded
			}
			store.transactions[index].Refunded = true
			return nil
		}
	}
	return ErrTransactionNotFound
}

func (store *stubStore) ListTransactions(_ context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	var listed []Transaction
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if transaction.AccountID != accountID || transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		listed = append(listed, transaction)
		if len(listed) == limit {
			break
		}
	}
	return listed, nil
}

func (store *stubStore) SumSignedAmounts(_ context.Context, accountID AccountID, atUnixUTC int64) (int64, error) {
	if store.sumError != nil {
		return 0, store.sumError
	}
	var sum int64
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && transaction.CreatedUnixUTC <= atUnixUTC {
			sum += transaction.SignedAmount()
		}
	}
	return sum, nil
}

func (store *stubStore) ListAccountIDs(_ context.Context) ([]AccountID, error) {
	var accountIDs []AccountID
	for raw := range store.balances {
		accountID, err := NewAccountID(raw)
		if err != nil {
			return nil, err
		}
		accountIDs = append(accountIDs, accountID)
	}
	return accountIDs, nil
}

func (store *stubStore) mustTransaction(test *testing.T, transactionID TransactionID) Transaction {
	test.Helper()
	for _, transaction := range store.transactions {
		if transaction.TransactionID == transactionID {
			return transaction
		}
	}
	test.Fatalf("transaction %s not found", transactionID.String())
	return Transaction{}
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustOperationKey(test *testing.T, raw string) OperationKey {
	test.Helper()
	operation, err := NewOperationKey(raw)
	if err != nil {
		test.Fatalf("operation key: %v", err)
	}
	return operation
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("positive credits: %v", err)
	}
	return amount
}

func mustResolver(test *testing.T, rawCosts map[string]int64) *StaticResolver {
	test.Helper()
	resolver, err := NewStaticResolver(rawCosts)
	if err != nil {
		test.Fatalf("resolver: %v", err)
	}
	return resolver
}

func mustNewService(test *testing.T, store Store, resolver PricingResolver, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, resolver, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustNewAuditor(test *testing.T, store Store) *Auditor {
	test.Helper()
	auditor, err := NewAuditor(store, func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("auditor init: %v", err)
	}
	return auditor
}
