// Package memstore is an in-memory credits.Store for tests and local runs.
// It keeps the same semantics as the database stores: conditional debits,
// one-shot refund flags, and all-or-nothing transactions.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/atelierworks/credits/pkg/credits"
)

const (
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectMirror      = "mirror"
	errorSubjectTransaction = "transaction"
	errorSubjectBalance     = "balance"
	errorCodeGet            = "get"
	errorCodeDebit          = "debit"
	errorCodeFreeze         = "freeze"
	errorCodeRefundFlag     = "refund_flag"
	errorCodeInvalid        = "invalid"
)

type accountRow struct {
	balance int64
	frozen  bool
}

type state struct {
	accounts     map[string]accountRow
	mirrors      map[string]int64
	transactions []credits.Transaction
}

func newState() *state {
	return &state{
		accounts: make(map[string]accountRow),
		mirrors:  make(map[string]int64),
	}
}

func (current *state) clone() *state {
	next := &state{
		accounts:     make(map[string]accountRow, len(current.accounts)),
		mirrors:      make(map[string]int64, len(current.mirrors)),
		transactions: make([]credits.Transaction, len(current.transactions)),
	}
	for accountID, row := range current.accounts {
		next.accounts[accountID] = row
	}
	for accountID, balance := range current.mirrors {
		next.mirrors[accountID] = balance
	}
	copy(next.transactions, current.transactions)
	return next
}

// Store holds all rows in memory behind one mutex. WithTx works on a copy
// of the state and swaps it in only when the callback succeeds, so a failed
// transaction leaves every row untouched.
type Store struct {
	mu    sync.Mutex
	state *state
	inTx  bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{state: newState()}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.state.clone()
	txStore := &Store{state: snapshot, inTx: true}
	if err := fn(ctx, txStore); err != nil {
		return err
	}
	store.state = snapshot
	return nil
}

func (store *Store) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

func (store *Store) CreateAccount(ctx context.Context, accountID credits.AccountID) (bool, error) {
	defer store.lock()()
	key := accountID.String()
	if _, exists := store.state.accounts[key]; exists {
		return false, nil
	}
	store.state.accounts[key] = accountRow{}
	store.state.mirrors[key] = 0
	return true, nil
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID credits.AccountID) (credits.Account, error) {
	defer store.lock()()
	row, exists := store.state.accounts[accountID.String()]
	if !exists {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
	}
	balance, err := credits.NewCredits(row.balance)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return credits.Account{AccountID: accountID, Balance: balance, Frozen: row.frozen}, nil
}

func (store *Store) GetBalance(ctx context.Context, accountID credits.AccountID) (credits.Credits, error) {
	defer store.lock()()
	row, exists := store.state.accounts[accountID.String()]
	if !exists {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
	}
	balance, err := credits.NewCredits(row.balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) DebitBalance(ctx context.Context, accountID credits.AccountID, amount credits.PositiveCredits) (credits.Credits, error) {
	defer store.lock()()
	key := accountID.String()
	row, exists := store.state.accounts[key]
	if !exists {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
	}
	if row.balance < amount.Int64() {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, credits.ErrInsufficientCredits)
	}
	row.balance -= amount.Int64()
	store.state.accounts[key] = row
	remaining, err := credits.NewCredits(row.balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return remaining, nil
}

func (store *Store) CreditBalance(ctx context.Context, accountID credits.AccountID, amount credits.PositiveCredits) (credits.Credits, error) {
	defer store.lock()()
	key := accountID.String()
	row, exists := store.state.accounts[key]
	if !exists {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
	}
	row.balance += amount.Int64()
	store.state.accounts[key] = row
	balance, err := credits.NewCredits(row.balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) GetMirrorBalance(ctx context.Context, accountID credits.AccountID) (credits.Credits, error) {
	defer store.lock()()
	rawBalance, exists := store.state.mirrors[accountID.String()]
	if !exists {
		return 0, wrapStoreError(errorSubjectMirror, errorCodeGet, credits.ErrAccountNotFound)
	}
	balance, err := credits.NewCredits(rawBalance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectMirror, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) SetMirrorBalance(ctx context.Context, accountID credits.AccountID, balance credits.Credits) error {
	defer store.lock()()
	store.state.mirrors[accountID.String()] = balance.Int64()
	return nil
}

// SetMirrorDrift overwrites the mirror without validation. Test hook for
// exercising desync detection.
func (store *Store) SetMirrorDrift(accountID credits.AccountID, rawBalance int64) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.state.mirrors[accountID.String()] = rawBalance
}

func (store *Store) SetFrozen(ctx context.Context, accountID credits.AccountID, frozen bool) error {
	defer store.lock()()
	key := accountID.String()
	row, exists := store.state.accounts[key]
	if !exists {
		return wrapStoreError(errorSubjectAccount, errorCodeFreeze, credits.ErrAccountNotFound)
	}
	row.frozen = frozen
	store.state.accounts[key] = row
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input credits.TransactionInput) error {
	defer store.lock()()
	refundOf := ""
	if original, hasOriginal := input.RefundOf(); hasOriginal {
		refundOf = original.String()
	}
	store.state.transactions = append(store.state.transactions, credits.Transaction{
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

func (store *Store) GetTransactionForUpdate(ctx context.Context, transactionID credits.TransactionID) (credits.Transaction, error) {
	defer store.lock()()
	for _, transaction := range store.state.transactions {
		if transaction.TransactionID == transactionID {
			return transaction, nil
		}
	}
	return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrTransactionNotFound)
}

func (store *Store) MarkTransactionRefunded(ctx context.Context, transactionID credits.TransactionID) error {
	defer store.lock()()
	for index, transaction := range store.state.transactions {
		if transaction.TransactionID != transactionID {
			continue
		}
		if transaction.Refunded {
			return wrapStoreError(errorSubjectTransaction, errorCodeRefundFlag, credits.ErrAlreadyRefunded)
		}
		store.state.transactions[index].Refunded = true
		return nil
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeRefundFlag, credits.ErrTransactionNotFound)
}

func (store *Store) ListTransactions(ctx context.Context, accountID credits.AccountID, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	defer store.lock()()
	matched := make([]credits.Transaction, 0, limit)
	for _, transaction := range store.state.transactions {
		if transaction.AccountID != accountID || transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		matched = append(matched, transaction)
	}
	sort.SliceStable(matched, func(left, right int) bool {
		if matched[left].CreatedUnixUTC != matched[right].CreatedUnixUTC {
			return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
		}
		return matched[left].TransactionID.String() > matched[right].TransactionID.String()
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *Store) SumSignedAmounts(ctx context.Context, accountID credits.AccountID, atUnixUTC int64) (int64, error) {
	defer store.lock()()
	var sum int64
	for _, transaction := range store.state.transactions {
		if transaction.AccountID != accountID || transaction.CreatedUnixUTC > atUnixUTC {
			continue
		}
		sum += transaction.SignedAmount()
	}
	return sum, nil
}

func (store *Store) ListAccountIDs(ctx context.Context) ([]credits.AccountID, error) {
	defer store.lock()()
	rawIDs := make([]string, 0, len(store.state.accounts))
	for raw := range store.state.accounts {
		rawIDs = append(rawIDs, raw)
	}
	sort.Strings(rawIDs)
	accountIDs := make([]credits.AccountID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		accountID, err := credits.NewAccountID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	return accountIDs, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}
