package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
//
// Every mutation runs as a single check-mutate-append unit inside Store.WithTx,
// so two requests against the same account can never interleave a stale read
// with a write. Transient store conflicts are retried a bounded number of
// times before surfacing.
type Service struct {
	store           Store
	nowFn           func() int64
	logger          OperationLogger
	startingGrant   int64
	conflictRetries int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		nowFn:           now,
		startingGrant:   DefaultStartingGrantCoins,
		conflictRetries: defaultConflictRetries,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current coin balance, creating the account (with its
// starting grant) on first touch.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	var account Account
	operationError := service.withConflictRetry(ctx, func() error {
		ensured, err := service.ensureAccountTx(ctx, userID)
		if err != nil {
			return err
		}
		account = ensured
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationBalance,
		UserID:    userID,
		Error:     operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return Balance{Coins: account.BalanceCoins}, nil
}

// Credit atomically increases the balance and appends a completed transaction.
// When externalRef already has a completed transaction on this account the
// prior record is returned unchanged with Replayed set and no mutation occurs.
func (service *Service) Credit(ctx context.Context, userID UserID, amount CoinAmount, kind TransactionKind, reason Reason, externalRef *ExternalRef, metadata MetadataJSON) (CreditResult, error) {
	return service.credit(ctx, operationCredit, userID, amount, kind, reason, externalRef, metadata)
}

// Debit atomically checks the balance, decrements it, and appends a completed
// spend in one unit. When resource already has a completed spend on this
// account the prior record is returned with AlreadyPaid set and no charge
// occurs. A balance below the requested amount fails with
// InsufficientFundsError and changes nothing. Account creation commits in its
// own unit first, so a rejected debit cannot roll back the signup grant.
func (service *Service) Debit(ctx context.Context, userID UserID, amount CoinAmount, reason Reason, resource *ResourceID, metadata MetadataJSON) (DebitResult, error) {
	var result DebitResult
	operationError := service.withConflictRetry(ctx, func() error {
		result = DebitResult{}
		if _, err := service.ensureAccountTx(ctx, userID); err != nil {
			return err
		}
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			account, err := txStore.GetAccount(ctx, userID.String())
			if err != nil {
				return err
			}
			if resource != nil {
				prior, found, err := txStore.FindCompletedSpend(ctx, account.AccountID, resource.String())
				if err != nil {
					return err
				}
				if found {
					result = DebitResult{Transaction: prior, NewBalanceCoins: account.BalanceCoins, AlreadyPaid: true}
					return nil
				}
			}
			balanceAfter, matched, err := txStore.SubtractIfSufficient(ctx, account.AccountID, amount)
			if err != nil {
				return err
			}
			if !matched {
				return &InsufficientFundsError{RequiredCoins: amount.Int64(), AvailableCoins: balanceAfter}
			}
			if balanceAfter < 0 {
				return WrapError(operationDebit, "balance", "negative", ErrInvariantViolation)
			}
			input := TransactionInput{
				AccountID:      account.AccountID,
				Kind:           KindSpend,
				AmountCoins:    amount,
				Status:         StatusCompleted,
				Reason:         reason.String(),
				MetadataJSON:   metadata.String(),
				CreatedUnixUTC: service.nowFn(),
			}
			if resource != nil {
				input.ResourceID = resource.String()
			}
			transaction, err := txStore.InsertTransaction(ctx, input)
			if err != nil {
				return err
			}
			result = DebitResult{Transaction: transaction, NewBalanceCoins: balanceAfter}
			return nil
		})
	})
	if errors.Is(operationError, ErrDuplicateOperation) && resource != nil {
		if replay, ok := service.replaySpend(ctx, userID, *resource); ok {
			result = replay
			operationError = nil
		}
	}
	resourceValue := ""
	if resource != nil {
		resourceValue = resource.String()
	}
	service.logOperation(ctx, OperationLog{
		Operation:  operationDebit,
		UserID:     userID,
		Amount:     amount,
		ResourceID: resourceValue,
		Error:      operationError,
	})
	if operationError != nil {
		return DebitResult{}, operationError
	}
	return result, nil
}

func (service *Service) credit(ctx context.Context, operation string, userID UserID, amount CoinAmount, kind TransactionKind, reason Reason, externalRef *ExternalRef, metadata MetadataJSON) (CreditResult, error) {
	var result CreditResult
	operationError := service.validateCreditKind(kind)
	if operationError == nil {
		operationError = service.withConflictRetry(ctx, func() error {
			result = CreditResult{}
			return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
				account, err := service.ensureAccount(ctx, txStore, userID)
				if err != nil {
					return err
				}
				if externalRef != nil {
					prior, found, err := txStore.FindByExternalRef(ctx, account.AccountID, externalRef.String())
					if err != nil {
						return err
					}
					if found {
						result = CreditResult{Transaction: prior, NewBalanceCoins: account.BalanceCoins, Replayed: true}
						return nil
					}
				}
				newBalance, err := txStore.AddToBalance(ctx, account.AccountID, amount)
				if err != nil {
					return err
				}
				input := TransactionInput{
					AccountID:      account.AccountID,
					Kind:           kind,
					AmountCoins:    amount,
					Status:         StatusCompleted,
					Reason:         reason.String(),
					MetadataJSON:   metadata.String(),
					CreatedUnixUTC: service.nowFn(),
				}
				if externalRef != nil {
					input.ExternalRef = externalRef.String()
				}
				transaction, err := txStore.InsertTransaction(ctx, input)
				if err != nil {
					return err
				}
				result = CreditResult{Transaction: transaction, NewBalanceCoins: newBalance}
				return nil
			})
		})
	}
	// A concurrent request can win the unique external-ref race after our
	// lookup; the losing transaction rolls back and resolves to the winner.
	if errors.Is(operationError, ErrDuplicateOperation) && externalRef != nil {
		if replay, ok := service.replayCredit(ctx, userID, *externalRef); ok {
			result = replay
			operationError = nil
		}
	}
	refValue := ""
	if externalRef != nil {
		refValue = externalRef.String()
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operation,
		UserID:      userID,
		Amount:      amount,
		ExternalRef: refValue,
		Error:       operationError,
	})
	if operationError != nil {
		return CreditResult{}, operationError
	}
	return result, nil
}

// ensureAccountTx runs ensureAccount in its own committed unit so the account
// and its starting grant survive a later rejected mutation.
func (service *Service) ensureAccountTx(ctx context.Context, userID UserID) (Account, error) {
	var account Account
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		ensured, err := service.ensureAccount(ctx, txStore, userID)
		if err != nil {
			return err
		}
		account = ensured
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// ensureAccount resolves the account, creating it with the starting grant
// recorded as its first transaction. The signup external ref makes the grant
// idempotent under concurrent first touches.
func (service *Service) ensureAccount(ctx context.Context, txStore Store, userID UserID) (Account, error) {
	account, created, err := txStore.GetOrCreateAccount(ctx, userID.String())
	if err != nil {
		return Account{}, err
	}
	if !created || service.startingGrant <= 0 {
		return account, nil
	}
	grant, err := NewCoinAmount(service.startingGrant)
	if err != nil {
		return Account{}, err
	}
	newBalance, err := txStore.AddToBalance(ctx, account.AccountID, grant)
	if err != nil {
		return Account{}, err
	}
	if _, err := txStore.InsertTransaction(ctx, TransactionInput{
		AccountID:      account.AccountID,
		Kind:           KindGift,
		AmountCoins:    grant,
		ExternalRef:    signupRefPrefix + userID.String(),
		Status:         StatusCompleted,
		Reason:         reasonSignup,
		MetadataJSON:   "{}",
		CreatedUnixUTC: service.nowFn(),
	}); err != nil {
		return Account{}, err
	}
	account.BalanceCoins = newBalance
	return account, nil
}

func (service *Service) replayCredit(ctx context.Context, userID UserID, externalRef ExternalRef) (CreditResult, bool) {
	account, err := service.store.GetAccount(ctx, userID.String())
	if err != nil {
		return CreditResult{}, false
	}
	prior, found, err := service.store.FindByExternalRef(ctx, account.AccountID, externalRef.String())
	if err != nil || !found {
		return CreditResult{}, false
	}
	return CreditResult{Transaction: prior, NewBalanceCoins: account.BalanceCoins, Replayed: true}, true
}

func (service *Service) replaySpend(ctx context.Context, userID UserID, resource ResourceID) (DebitResult, bool) {
	account, err := service.store.GetAccount(ctx, userID.String())
	if err != nil {
		return DebitResult{}, false
	}
	prior, found, err := service.store.FindCompletedSpend(ctx, account.AccountID, resource.String())
	if err != nil || !found {
		return DebitResult{}, false
	}
	return DebitResult{Transaction: prior, NewBalanceCoins: account.BalanceCoins, AlreadyPaid: true}, true
}

func (service *Service) validateCreditKind(kind TransactionKind) error {
	if _, err := ParseTransactionKind(kind.String()); err != nil {
		return err
	}
	if !kind.IsCredit() {
		return fmt.Errorf("%w: %s cannot credit", ErrInvalidTransactionKind, kind)
	}
	return nil
}

func (service *Service) withConflictRetry(ctx context.Context, attempt func() error) error {
	var lastError error
	for tryCount := 0; tryCount < service.conflictRetries; tryCount++ {
		lastError = attempt()
		if !errors.Is(lastError, ErrPersistenceConflict) {
			return lastError
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return lastError
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
