package pgstore

import (
	"context"
	"errors"

	"github.com/atelierworks/credits/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectMirror      = "mirror"
	errorSubjectTransaction = "transaction"
	errorSubjectBalance     = "balance"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeGet            = "get"
	errorCodeList           = "list"
	errorCodeDebit          = "debit"
	errorCodeCredit         = "credit"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeSync           = "sync"
	errorCodeFreeze         = "freeze"
	errorCodeRefundFlag     = "refund_flag"
	errorCodeSumSigned      = "sum_signed"

	sqlInsertAccount = `
		insert into accounts(account_id, balance, frozen, created_at)
		values($1, 0, false, now())
		on conflict (account_id) do nothing
	`

	sqlInsertMirror = `
		insert into balance_mirrors(account_id, balance, updated_at)
		values($1, 0, now())
		on conflict (account_id) do nothing
	`

	sqlSelectAccountForUpdate = `
		select account_id, balance, frozen from accounts
		where account_id = $1 and deleted_at is null
		for update
	`

	sqlSelectBalance = `
		select balance from accounts
		where account_id = $1 and deleted_at is null
	`

	sqlDebitBalance = `
		update accounts
		set balance = balance - $2
		where account_id = $1 and balance >= $2 and deleted_at is null
		returning balance
	`

	sqlCreditBalance = `
		update accounts
		set balance = balance + $2
		where account_id = $1 and deleted_at is null
		returning balance
	`

	sqlSelectMirrorBalance = `
		select balance from balance_mirrors where account_id = $1
	`

	sqlUpsertMirrorBalance = `
		insert into balance_mirrors(account_id, balance, updated_at)
		values($1, $2, now())
		on conflict (account_id) do update set balance = excluded.balance, updated_at = now()
	`

	sqlSetFrozen = `
		update accounts set frozen = $2
		where account_id = $1 and deleted_at is null
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, account_id, kind, amount, operation, note, metadata, refunded, refund_of, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6,
			coalesce(nullif($7,''),'{}')::jsonb,
			false,
			nullif($8,'')::uuid,
			to_timestamp($9)
		)
	`

	sqlSelectTransactionForUpdate = `
		select
			transaction_id::text,
			account_id,
			kind,
			amount,
			operation,
			note,
			coalesce(metadata::text,'{}'),
			refunded,
			coalesce(refund_of::text,''),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where transaction_id = $1
		for update
	`

	sqlMarkRefunded = `
		update credit_transactions
		set refunded = true
		where transaction_id = $1 and refunded = false
	`

	sqlTransactionExists = `
		select exists(select 1 from credit_transactions where transaction_id = $1)
	`

	sqlListTransactionsBefore = `
		select
			transaction_id::text,
			account_id,
			kind,
			amount,
			operation,
			note,
			coalesce(metadata::text,'{}'),
			refunded,
			coalesce(refund_of::text,''),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc, transaction_id desc
		limit $3
	`

	sqlSumSignedAmounts = `
		select coalesce(sum(case when kind = 'debit' then -amount else amount end),0)
		from credit_transactions
		where account_id = $1 and created_at <= to_timestamp($2)
	`

	sqlListAccountIDs = `
		select account_id from accounts
		where deleted_at is null
		order by account_id
	`
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// same statement code serves both autocommit and in-transaction calls.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store over a pgx connection pool. A Store
// returned to a WithTx callback runs on the open transaction instead.
type Store struct {
	pool   *pgxpool.Pool
	runner querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, runner: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{runner: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, accountID credits.AccountID) (bool, error) {
	tag, err := store.runner.Exec(ctx, sqlInsertAccount, accountID.String())
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := store.runner.Exec(ctx, sqlInsertMirror, accountID.String()); err != nil {
		return false, wrapStoreError(errorSubjectMirror, errorCodeCreate, err)
	}
	return true, nil
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID credits.AccountID) (credits.Account, error) {
	var (
		accountIDValue string
		balanceValue   int64
		frozenValue    bool
	)
	err := store.runner.QueryRow(ctx, sqlSelectAccountForUpdate, accountID.String()).Scan(&accountIDValue, &balanceValue, &frozenValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	parsedAccountID, err := credits.NewAccountID(accountIDValue)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := credits.NewCredits(balanceValue)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return credits.Account{AccountID: parsedAccountID, Balance: balance, Frozen: frozenValue}, nil
}

func (store *Store) GetBalance(ctx context.Context, accountID credits.AccountID) (credits.Credits, error) {
	var balanceValue int64
	err := store.runner.QueryRow(ctx, sqlSelectBalance, accountID.String()).Scan(&balanceValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	balance, err := credits.NewCredits(balanceValue)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

// DebitBalance decrements the balance only when it covers the amount. The
// condition lives in the statement itself, so two racing debits can never
// spend the same credits twice.
func (store *Store) DebitBalance(ctx context.Context, accountID credits.AccountID, amount credits.PositiveCredits) (credits.Credits, error) {
	var remainingValue int64
	err := store.runner.QueryRow(ctx, sqlDebitBalance, accountID.String(), amount.Int64()).Scan(&remainingValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := store.GetBalance(ctx, accountID); getErr != nil {
				return 0, getErr
			}
			return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, credits.ErrInsufficientCredits)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
	}
	remaining, err := credits.NewCredits(remainingValue)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return remaining, nil
}

func (store *Store) CreditBalance(ctx context.Context, accountID credits.AccountID, amount credits.PositiveCredits) (credits.Credits, error) {
	var balanceValue int64
	err := store.runner.QueryRow(ctx, sqlCreditBalance, accountID.String(), amount.Int64()).Scan(&balanceValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCredit, err)
	}
	balance, err := credits.NewCredits(balanceValue)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) GetMirrorBalance(ctx context.Context, accountID credits.AccountID) (credits.Credits, error) {
	var balanceValue int64
	err := store.runner.QueryRow(ctx, sqlSelectMirrorBalance, accountID.String()).Scan(&balanceValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectMirror, errorCodeGet, credits.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectMirror, errorCodeGet, err)
	}
	balance, err := credits.NewCredits(balanceValue)
	if err != nil {
		return 0, wrapStoreError(errorSubjectMirror, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) SetMirrorBalance(ctx context.Context, accountID credits.AccountID, balance credits.Credits) error {
	if _, err := store.runner.Exec(ctx, sqlUpsertMirrorBalance, accountID.String(), balance.Int64()); err != nil {
		return wrapStoreError(errorSubjectMirror, errorCodeSync, err)
	}
	return nil
}

func (store *Store) SetFrozen(ctx context.Context, accountID credits.AccountID, frozen bool) error {
	tag, err := store.runner.Exec(ctx, sqlSetFrozen, accountID.String(), frozen)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeFreeze, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeFreeze, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input credits.TransactionInput) error {
	refundOf := ""
	if original, hasOriginal := input.RefundOf(); hasOriginal {
		refundOf = original.String()
	}
	_, err := store.runner.Exec(ctx, sqlInsertTransaction,
		input.TransactionID().String(),
		input.AccountID().String(),
		input.Kind().String(),
		input.Amount().Int64(),
		input.Operation(),
		input.Note(),
		input.MetadataJSON().String(),
		refundOf,
		input.CreatedUnixUTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransactionForUpdate(ctx context.Context, transactionID credits.TransactionID) (credits.Transaction, error) {
	row := store.runner.QueryRow(ctx, sqlSelectTransactionForUpdate, transactionID.String())
	transaction, err := scanTransaction(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrTransactionNotFound)
		}
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) MarkTransactionRefunded(ctx context.Context, transactionID credits.TransactionID) error {
	tag, err := store.runner.Exec(ctx, sqlMarkRefunded, transactionID.String())
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeRefundFlag, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := store.runner.QueryRow(ctx, sqlTransactionExists, transactionID.String()).Scan(&exists); err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeRefundFlag, err)
		}
		if !exists {
			return wrapStoreError(errorSubjectTransaction, errorCodeRefundFlag, credits.ErrTransactionNotFound)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeRefundFlag, credits.ErrAlreadyRefunded)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID credits.AccountID, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	rows, err := store.runner.Query(ctx, sqlListTransactionsBefore, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]credits.Transaction, 0, limit)
	for rows.Next() {
		transaction, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) SumSignedAmounts(ctx context.Context, accountID credits.AccountID, atUnixUTC int64) (int64, error) {
	var sum int64
	err := store.runner.QueryRow(ctx, sqlSumSignedAmounts, accountID.String(), atUnixUTC).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumSigned, err)
	}
	return sum, nil
}

func (store *Store) ListAccountIDs(ctx context.Context) ([]credits.AccountID, error) {
	rows, err := store.runner.Query(ctx, sqlListAccountIDs)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	accountIDs := make([]credits.AccountID, 0, 32)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
		}
		accountID, err := credits.NewAccountID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accountIDs, nil
}

func scanTransaction(scan func(dest ...any) error) (credits.Transaction, error) {
	var (
		transactionIDValue string
		accountIDValue     string
		kindValue          string
		amountValue        int64
		operationValue     string
		noteValue          string
		metadataValue      string
		refundedValue      bool
		refundOfValue      string
		createdUnixUTC     int64
	)
	if err := scan(
		&transactionIDValue,
		&accountIDValue,
		&kindValue,
		&amountValue,
		&operationValue,
		&noteValue,
		&metadataValue,
		&refundedValue,
		&refundOfValue,
		&createdUnixUTC,
	); err != nil {
		return credits.Transaction{}, err
	}
	transactionID, err := credits.NewTransactionID(transactionIDValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	accountID, err := credits.NewAccountID(accountIDValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	kind, err := credits.ParseTransactionKind(kindValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	amount, err := credits.NewPositiveCredits(amountValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.Transaction{
		TransactionID:  transactionID,
		AccountID:      accountID,
		Kind:           kind,
		Amount:         amount,
		Operation:      operationValue,
		Note:           noteValue,
		MetadataJSON:   metadataValue,
		Refunded:       refundedValue,
		RefundOf:       refundOfValue,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}
