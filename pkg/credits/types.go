package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a non-negative service-credit balance.
type Credits int64

// PositiveCredits is a strictly positive credit amount.
type PositiveCredits int64

// AccountID identifies an account owner.
type AccountID struct {
	value string
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// OperationKey names a billable operation (e.g. "image_generate").
type OperationKey struct {
	value string
}

// Tier qualifies an operation with a quality tier or model (may be empty).
type Tier struct {
	value string
}

// MetadataJSON stores arbitrary request metadata; the engine never interprets it.
type MetadataJSON struct {
	value string
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindDebit           TransactionKind = "debit"
	KindCredit          TransactionKind = "credit"
	KindRefund          TransactionKind = "refund"
	KindSignupBonus     TransactionKind = "signup_bonus"
	KindPurchase        TransactionKind = "purchase"
	KindAdminAdjustment TransactionKind = "admin_adjustment"
)

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewOperationKey validates and normalizes an operation key.
func NewOperationKey(raw string) (OperationKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OperationKey{}, fmt.Errorf("%w: empty value", ErrInvalidOperationKey)
	}
	return OperationKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key OperationKey) String() string {
	return key.value
}

// NewTier normalizes a tier qualifier. Empty means the base tier.
func NewTier(raw string) Tier {
	return Tier{value: strings.TrimSpace(raw)}
}

// String returns the normalized tier ("" for base).
func (tier Tier) String() string {
	return tier.value
}

// IsBase reports whether the tier is the unqualified base tier.
func (tier Tier) IsBase() bool {
	return tier.value == ""
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCredits validates a non-negative balance amount.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewPositiveCredits validates a strictly positive amount.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw amount.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// ToCredits widens a positive amount into a balance amount.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

// ParseTransactionKind validates a stored kind value.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	kind := TransactionKind(raw)
	switch kind {
	case KindDebit, KindCredit, KindRefund, KindSignupBonus, KindPurchase, KindAdminAdjustment:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// String returns the stored enum value.
func (kind TransactionKind) String() string {
	return string(kind)
}

// Sign returns the replay sign of the kind: -1 for debits, +1 otherwise.
func (kind TransactionKind) Sign() int64 {
	if kind == KindDebit {
		return -1
	}
	return 1
}

// IsGrant reports whether the kind may be written through Grant.
func (kind TransactionKind) IsGrant() bool {
	switch kind {
	case KindCredit, KindSignupBonus, KindPurchase, KindAdminAdjustment:
		return true
	}
	return false
}

// Account is the balance-bearing row for one user.
type Account struct {
	AccountID AccountID
	Balance   Credits
	Frozen    bool
}

// A single immutable line in the transaction log.
type Transaction struct {
	TransactionID  TransactionID
	AccountID      AccountID
	Kind           TransactionKind
	Amount         PositiveCredits
	Operation      string
	Note           string
	MetadataJSON   string
	Refunded       bool
	RefundOf       string
	CreatedUnixUTC int64
}

// SignedAmount returns the amount with the kind's replay sign applied.
func (transaction Transaction) SignedAmount() int64 {
	return transaction.Kind.Sign() * transaction.Amount.Int64()
}

// TransactionInput is a validated, not-yet-persisted transaction row.
type TransactionInput struct {
	transactionID  TransactionID
	accountID      AccountID
	kind           TransactionKind
	amount         PositiveCredits
	operation      string
	note           string
	metadata       MetadataJSON
	refundOf       *TransactionID
	createdUnixUTC int64
}

// NewTransactionInput validates a transaction row before it is written.
func NewTransactionInput(
	transactionID TransactionID,
	accountID AccountID,
	kind TransactionKind,
	amount PositiveCredits,
	operation string,
	note string,
	metadata MetadataJSON,
	refundOf *TransactionID,
	createdUnixUTC int64,
) (TransactionInput, error) {
	if _, err := ParseTransactionKind(kind.String()); err != nil {
		return TransactionInput{}, err
	}
	if kind == KindRefund && refundOf == nil {
		return TransactionInput{}, fmt.Errorf("%w: refund requires the original transaction", ErrInvalidTransactionKind)
	}
	if kind != KindRefund && refundOf != nil {
		return TransactionInput{}, fmt.Errorf("%w: only refunds reference another transaction", ErrInvalidTransactionKind)
	}
	return TransactionInput{
		transactionID:  transactionID,
		accountID:      accountID,
		kind:           kind,
		amount:         amount,
		operation:      operation,
		note:           note,
		metadata:       metadata,
		refundOf:       refundOf,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// TransactionID returns the pre-assigned identifier.
func (input TransactionInput) TransactionID() TransactionID {
	return input.transactionID
}

// AccountID returns the owning account.
func (input TransactionInput) AccountID() AccountID {
	return input.accountID
}

// Kind returns the transaction kind.
func (input TransactionInput) Kind() TransactionKind {
	return input.kind
}

// Amount returns the positive magnitude.
func (input TransactionInput) Amount() PositiveCredits {
	return input.amount
}

// Operation returns the billable-operation label.
func (input TransactionInput) Operation() string {
	return input.operation
}

// Note returns the human-readable description or refund reason.
func (input TransactionInput) Note() string {
	return input.note
}

// MetadataJSON returns the opaque metadata payload.
func (input TransactionInput) MetadataJSON() MetadataJSON {
	return input.metadata
}

// RefundOf returns the referenced debit, if any.
func (input TransactionInput) RefundOf() (TransactionID, bool) {
	if input.refundOf == nil {
		return TransactionID{}, false
	}
	return *input.refundOf, true
}

// CreatedUnixUTC returns the creation timestamp.
func (input TransactionInput) CreatedUnixUTC() int64 {
	return input.createdUnixUTC
}

// Receipt is the successful result of a balance-mutating operation.
type Receipt struct {
	TransactionID    TransactionID
	RemainingBalance Credits
}

// Store is the persistence contract used by Service and Auditor.
// Implementations must make WithTx all-or-nothing: an error from fn leaves
// every row untouched.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, accountID AccountID) (bool, error)
	GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error)
	GetBalance(ctx context.Context, accountID AccountID) (Credits, error)
	DebitBalance(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error)
	CreditBalance(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error)
	GetMirrorBalance(ctx context.Context, accountID AccountID) (Credits, error)
	SetMirrorBalance(ctx context.Context, accountID AccountID, balance Credits) error
	SetFrozen(ctx context.Context, accountID AccountID, frozen bool) error
	InsertTransaction(ctx context.Context, input TransactionInput) error
	GetTransactionForUpdate(ctx context.Context, transactionID TransactionID) (Transaction, error)
	MarkTransactionRefunded(ctx context.Context, transactionID TransactionID) error
	ListTransactions(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error)
	SumSignedAmounts(ctx context.Context, accountID AccountID, atUnixUTC int64) (int64, error)
	ListAccountIDs(ctx context.Context) ([]AccountID, error)
}
