package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	AccountID AccountID
	Amount    int64
	Category  UsageCategory
	Tier      Tier
	Balance   int64
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithStartingBalance overrides the balance granted by OpenAccount.
func WithStartingBalance(amount int64) ServiceOption {
	return func(service *Service) {
		if amount >= 0 {
			service.startingBalance = amount
		}
	}
}
