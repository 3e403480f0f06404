package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/atelierworks/credits/pkg/credits"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON = "{}"

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectMirror      = "mirror"
	errorSubjectTransaction = "transaction"
	errorSubjectBalance     = "balance"
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
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Used for sqlite; postgres deployments run the
// versioned SQL migrations instead.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &BalanceMirror{}, &CreditTransaction{}, &PricingRule{})
}

// WithTx executes fn within a database transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// CreateAccount inserts the account and its mirror row at balance zero.
// Returns false when the account already exists.
func (store *Store) CreateAccount(ctx context.Context, accountID credits.AccountID) (bool, error) {
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Account{AccountID: accountID.String(), Balance: 0})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCreate, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	mirror := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&BalanceMirror{AccountID: accountID.String(), Balance: 0})
	if mirror.Error != nil {
		return false, wrapStoreError(errorSubjectMirror, errorCodeCreate, mirror.Error)
	}
	return true, nil
}

// GetAccountForUpdate loads the account row under a row lock.
func (store *Store) GetAccountForUpdate(ctx context.Context, accountID credits.AccountID) (credits.Account, error) {
	var model Account
	err := store.lockedQuery(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

// GetBalance reads the primary balance without locking.
func (store *Store) GetBalance(ctx context.Context, accountID credits.AccountID) (credits.Credits, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Select("balance").
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	balance, err := credits.NewCredits(model.Balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

// DebitBalance decrements the balance only if it covers the amount, closing
// the double-spend race at the store level.
func (store *Store) DebitBalance(ctx context.Context, accountID credits.AccountID, amount credits.PositiveCredits) (credits.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance >= ?", accountID.String(), amount.Int64()).
		Update("balance", gorm.Expr("balance - ?", amount.Int64()))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetBalance(ctx, accountID); err != nil {
			return 0, err
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, credits.ErrInsufficientCredits)
	}
	return store.GetBalance(ctx, accountID)
}

// CreditBalance increments the balance.
func (store *Store) CreditBalance(ctx context.Context, accountID credits.AccountID, amount credits.PositiveCredits) (credits.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("balance", gorm.Expr("balance + ?", amount.Int64()))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
	}
	return store.GetBalance(ctx, accountID)
}

// GetMirrorBalance reads the mirror row.
func (store *Store) GetMirrorBalance(ctx context.Context, accountID credits.AccountID) (credits.Credits, error) {
	var model BalanceMirror
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectMirror, errorCodeGet, credits.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectMirror, errorCodeGet, err)
	}
	balance, err := credits.NewCredits(model.Balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectMirror, errorCodeInvalid, err)
	}
	return balance, nil
}

// SetMirrorBalance upserts the mirror row to the given balance. Always runs
// inside the engine transaction that changed the primary balance.
func (store *Store) SetMirrorBalance(ctx context.Context, accountID credits.AccountID, balance credits.Credits) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
		}).
		Create(&BalanceMirror{AccountID: accountID.String(), Balance: balance.Int64(), UpdatedAt: time.Now().UTC()}).Error
	if err != nil {
		return wrapStoreError(errorSubjectMirror, errorCodeSync, err)
	}
	return nil
}

// SetFrozen flips the account's frozen flag.
func (store *Store) SetFrozen(ctx context.Context, accountID credits.AccountID, frozen bool) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("frozen", frozen)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeFreeze, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeFreeze, credits.ErrAccountNotFound)
	}
	return nil
}

// InsertTransaction appends one immutable row to the transaction log.
func (store *Store) InsertTransaction(ctx context.Context, input credits.TransactionInput) error {
	var refundOf *string
	if original, hasOriginal := input.RefundOf(); hasOriginal {
		value := original.String()
		refundOf = &value
	}
	model := CreditTransaction{
		TransactionID: input.TransactionID().String(),
		AccountID:     input.AccountID().String(),
		Kind:          input.Kind().String(),
		Amount:        input.Amount().Int64(),
		Operation:     input.Operation(),
		Note:          input.Note(),
		Metadata:      datatypesJSON(input.MetadataJSON().String()),
		RefundOf:      refundOf,
		CreatedAt:     time.Unix(input.CreatedUnixUTC(), 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

// GetTransactionForUpdate loads a transaction row under a row lock so the
// refunded check and the flag flip are race-free.
func (store *Store) GetTransactionForUpdate(ctx context.Context, transactionID credits.TransactionID) (credits.Transaction, error) {
	var model CreditTransaction
	err := store.lockedQuery(ctx).
		Where("transaction_id = ?", transactionID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrTransactionNotFound)
		}
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return mapTransaction(model)
}

// MarkTransactionRefunded flips refunded false -> true exactly once.
func (store *Store) MarkTransactionRefunded(ctx context.Context, transactionID credits.TransactionID) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("transaction_id = ? AND refunded = ?", transactionID.String(), false).
		Update("refunded", true)
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeRefundFlag, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&CreditTransaction{}).Where("transaction_id = ?", transactionID.String()).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeRefundFlag, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectTransaction, errorCodeRefundFlag, credits.ErrTransactionNotFound)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeRefundFlag, credits.ErrAlreadyRefunded)
	}
	return nil
}

// ListTransactions returns an account's rows strictly before the cutoff,
// newest first.
func (store *Store) ListTransactions(ctx context.Context, accountID credits.AccountID, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC, transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// SumSignedAmounts replays the log up to the cutoff: debits negative,
// everything else positive.
func (store *Store) SumSignedAmounts(ctx context.Context, accountID credits.AccountID, atUnixUTC int64) (int64, error) {
	at := time.Unix(atUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(case when kind = 'debit' then -amount else amount end),0) as total").
		Where("account_id = ? AND created_at <= ?", accountID.String(), at).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumSigned, err)
	}
	return sum.Total, nil
}

// ListAccountIDs enumerates live accounts for consistency sweeps.
func (store *Store) ListAccountIDs(ctx context.Context) ([]credits.AccountID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Order("account_id").
		Pluck("account_id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
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

// lockedQuery adds FOR UPDATE on postgres. sqlite has a single writer and
// rejects the clause, so it is skipped there.
func (store *Store) lockedQuery(ctx context.Context) *gorm.DB {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return query
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) (credits.Account, error) {
	accountID, err := credits.NewAccountID(model.AccountID)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := credits.NewCredits(model.Balance)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return credits.Account{AccountID: accountID, Balance: balance, Frozen: model.Frozen}, nil
}

func mapTransaction(model CreditTransaction) (credits.Transaction, error) {
	transactionID, err := credits.NewTransactionID(model.TransactionID)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	accountID, err := credits.NewAccountID(model.AccountID)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	kind, err := credits.ParseTransactionKind(model.Kind)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	amount, err := credits.NewPositiveCredits(model.Amount)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	refundOf := ""
	if model.RefundOf != nil {
		refundOf = *model.RefundOf
	}
	metadata := string(model.Metadata)
	if metadata == "" {
		metadata = defaultMetadataJSON
	}
	return credits.Transaction{
		TransactionID:  transactionID,
		AccountID:      accountID,
		Kind:           kind,
		Amount:         amount,
		Operation:      model.Operation,
		Note:           model.Note,
		MetadataJSON:   metadata,
		Refunded:       model.Refunded,
		RefundOf:       refundOf,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}
