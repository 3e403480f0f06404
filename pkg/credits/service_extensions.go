package credits

import "context"

// Freeze halts further charges against the account until an operator has
// repaired it. Grants stay allowed so a repair adjustment can be applied.
func (service *Service) Freeze(ctx context.Context, accountID AccountID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetAccountForUpdate(ctx, accountID); err != nil {
			return err
		}
		return transactionStore.SetFrozen(ctx, accountID, true)
	})
	service.logOperation(ctx, OperationLog{
		Operation: "freeze",
		AccountID: accountID,
		Error:     operationError,
	})
	return operationError
}

// Unfreeze re-enables charging after manual repair. It refuses to unfreeze
// while the mirror still disagrees with the primary balance: the desync must
// be corrected first, never guessed away.
func (service *Service) Unfreeze(ctx context.Context, accountID AccountID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		mirror, err := transactionStore.GetMirrorBalance(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Balance != mirror {
			return WrapError("unfreeze", "account", "desync", ErrDesyncDetected)
		}
		return transactionStore.SetFrozen(ctx, accountID, false)
	})
	service.logOperation(ctx, OperationLog{
		Operation: "unfreeze",
		AccountID: accountID,
		Error:     operationError,
	})
	return operationError
}
