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
	Operation   string
	UserID      UserID
	Amount      CoinAmount
	ExternalRef string
	ResourceID  string
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithStartingGrant overrides the coins credited on account creation.
// Zero disables the grant.
func WithStartingGrant(coins int64) ServiceOption {
	return func(service *Service) {
		service.startingGrant = coins
	}
}

// WithConflictRetries overrides the bounded internal retry count for
// transient store conflicts.
func WithConflictRetries(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.conflictRetries = attempts
		}
	}
}
