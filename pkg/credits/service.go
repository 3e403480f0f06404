package credits

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service is the credit transaction engine. It is the sole writer to the
// ledger store: every balance mutation goes through Charge, Refund, Grant,
// or OpenAccount, and each of those updates the primary balance, the
// transaction log, and the balance mirror inside one Store transaction.
type Service struct {
	store        Store
	pricing      PricingResolver
	nowFn        func() int64
	logger       OperationLogger
	welcomeGrant PositiveCredits
}

// NewService wires a Service.
func NewService(store Store, pricing PricingResolver, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if pricing == nil {
		return nil, fmt.Errorf("%w: pricing dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, pricing: pricing, nowFn: now, welcomeGrant: DefaultWelcomeGrant}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the account's primary balance.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Credits, error) {
	return service.store.GetBalance(ctx, accountID)
}

// OpenAccount creates the account, its balance mirror, and the welcome
// signup bonus in one transaction. Reopening an existing account is a no-op
// returning the current balance.
func (service *Service) OpenAccount(ctx context.Context, accountID AccountID) (Credits, error) {
	var balance Credits
	var transactionID TransactionID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		created, err := transactionStore.CreateAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if !created {
			existing, err := transactionStore.GetBalance(ctx, accountID)
			if err != nil {
				return err
			}
			balance = existing
			return nil
		}
		credited, err := transactionStore.CreditBalance(ctx, accountID, service.welcomeGrant)
		if err != nil {
			return err
		}
		transactionID, err = newTransactionID()
		if err != nil {
			return err
		}
		metadata, err := NewMetadataJSON("")
		if err != nil {
			return err
		}
		input, err := NewTransactionInput(
			transactionID,
			accountID,
			KindSignupBonus,
			service.welcomeGrant,
			"",
			welcomeGrantNote,
			metadata,
			nil,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, input); err != nil {
			return err
		}
		if err := transactionStore.SetMirrorBalance(ctx, accountID, credited); err != nil {
			return err
		}
		balance = credited
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationOpenAccount,
		AccountID:     accountID,
		TransactionID: transactionID,
		Amount:        service.welcomeGrant.Int64(),
		Error:         operationError,
	})
	return balance, operationError
}

// Charge resolves the operation's cost server-side and debits it atomically.
//
// The debit sequence (lock account, verify sufficiency, decrement, write the
// debit row, sync the mirror) runs in a single store transaction; two
// concurrent charges against the same account serialize on the row lock and
// the conditional decrement, so a balance that covers only one of them fails
// the other with InsufficientCreditsError.
func (service *Service) Charge(ctx context.Context, accountID AccountID, operation OperationKey, tier Tier, metadata MetadataJSON) (Receipt, error) {
	label := OperationLabel(operation, tier)
	cost, pricingError := service.pricing.ResolveCost(ctx, operation, tier)
	if pricingError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationCharge,
			AccountID: accountID,
			Label:     label,
			Error:     pricingError,
		})
		return Receipt{}, pricingError
	}
	var receipt Receipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Frozen {
			return WrapError(operationCharge, "account", "frozen", ErrAccountFrozen)
		}
		if account.Balance.Int64() < cost.Int64() {
			return &InsufficientCreditsError{Balance: account.Balance, Cost: cost}
		}
		remaining, err := transactionStore.DebitBalance(ctx, accountID, cost)
		if err != nil {
			return err
		}
		transactionID, err := newTransactionID()
		if err != nil {
			return err
		}
		input, err := NewTransactionInput(
			transactionID,
			accountID,
			KindDebit,
			cost,
			label,
			"",
			metadata,
			nil,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, input); err != nil {
			return err
		}
		if err := transactionStore.SetMirrorBalance(ctx, accountID, remaining); err != nil {
			return err
		}
		receipt = Receipt{TransactionID: transactionID, RemainingBalance: remaining}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCharge,
		AccountID:     accountID,
		TransactionID: receipt.TransactionID,
		Label:         label,
		Amount:        cost.Int64(),
		Error:         operationError,
	})
	return receipt, operationError
}

// Refund reverses a committed debit after the paid external work failed.
// The transaction must belong to accountID; a debit owned by another
// account is reported as not found so transaction ids stay unguessable.
// Refunding the same transaction twice is rejected with ErrAlreadyRefunded;
// the refunded flag on the original row makes the rejection race-free.
func (service *Service) Refund(ctx context.Context, accountID AccountID, transactionID TransactionID, reason string) (Receipt, error) {
	var receipt Receipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		original, err := transactionStore.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if original.AccountID != accountID {
			return WrapError(operationRefund, "transaction", "owner", ErrTransactionNotFound)
		}
		if original.Kind != KindDebit {
			return WrapError(operationRefund, "transaction", "kind", ErrNotRefundable)
		}
		if original.Refunded {
			return WrapError(operationRefund, "transaction", "refunded", ErrAlreadyRefunded)
		}
		if err := transactionStore.MarkTransactionRefunded(ctx, transactionID); err != nil {
			return err
		}
		remaining, err := transactionStore.CreditBalance(ctx, original.AccountID, original.Amount)
		if err != nil {
			return err
		}
		refundID, err := newTransactionID()
		if err != nil {
			return err
		}
		metadata, err := NewMetadataJSON("")
		if err != nil {
			return err
		}
		originalID := original.TransactionID
		input, err := NewTransactionInput(
			refundID,
			original.AccountID,
			KindRefund,
			original.Amount,
			original.Operation,
			reason,
			metadata,
			&originalID,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, input); err != nil {
			return err
		}
		if err := transactionStore.SetMirrorBalance(ctx, original.AccountID, remaining); err != nil {
			return err
		}
		receipt = Receipt{TransactionID: refundID, RemainingBalance: remaining}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		AccountID:     accountID,
		TransactionID: transactionID,
		Error:         operationError,
	})
	return receipt, operationError
}

// Grant credits an account for signup bonuses, purchases, and admin
// adjustments. The amount is strictly positive by construction.
func (service *Service) Grant(ctx context.Context, accountID AccountID, amount PositiveCredits, kind TransactionKind, description string, metadata MetadataJSON) (Receipt, error) {
	if !kind.IsGrant() {
		err := WrapError(operationGrant, "transaction", "kind", ErrInvalidTransactionKind)
		service.logOperation(ctx, OperationLog{Operation: operationGrant, AccountID: accountID, Error: err})
		return Receipt{}, err
	}
	var receipt Receipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		remaining, err := transactionStore.CreditBalance(ctx, accountID, amount)
		if err != nil {
			return err
		}
		transactionID, err := newTransactionID()
		if err != nil {
			return err
		}
		input, err := NewTransactionInput(
			transactionID,
			accountID,
			kind,
			amount,
			"",
			description,
			metadata,
			nil,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, input); err != nil {
			return err
		}
		if err := transactionStore.SetMirrorBalance(ctx, accountID, remaining); err != nil {
			return err
		}
		receipt = Receipt{TransactionID: transactionID, RemainingBalance: remaining}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationGrant,
		AccountID:     accountID,
		TransactionID: receipt.TransactionID,
		Label:         kind.String(),
		Amount:        amount.Int64(),
		Error:         operationError,
	})
	return receipt, operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func newTransactionID() (TransactionID, error) {
	return NewTransactionID(uuid.NewString())
}
