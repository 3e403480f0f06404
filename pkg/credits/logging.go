package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing engine operation.
type OperationLog struct {
	Operation     string
	AccountID     AccountID
	TransactionID TransactionID
	Label         string
	Amount        int64
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithWelcomeGrant overrides the signup bonus credited by OpenAccount.
func WithWelcomeGrant(amount PositiveCredits) ServiceOption {
	return func(service *Service) {
		service.welcomeGrant = amount
	}
}
