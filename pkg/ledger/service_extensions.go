package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Award credits a privileged, intentionally repeatable gift. Each call mints
// a fresh external ref so two identical awards produce two grants. The target
// account must already exist.
func (service *Service) Award(ctx context.Context, userID UserID, amount CoinAmount, reason Reason, metadata MetadataJSON) (CreditResult, error) {
	if _, err := service.store.GetAccount(ctx, userID.String()); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationAward,
			UserID:    userID,
			Amount:    amount,
			Error:     err,
		})
		return CreditResult{}, err
	}
	externalRef, err := NewExternalRef(awardRefPrefix + uuid.NewString())
	if err != nil {
		return CreditResult{}, err
	}
	return service.credit(ctx, operationAward, userID, amount, KindGift, reason, &externalRef, metadata)
}

// Refund reverses a completed spend by appending a refund credit. The
// reversing record's external ref is derived from the original transaction id,
// so a transaction refunds at most once; the original record is never edited.
func (service *Service) Refund(ctx context.Context, userID UserID, transactionID string, reason Reason, metadata MetadataJSON) (CreditResult, error) {
	account, err := service.store.GetAccount(ctx, userID.String())
	if err != nil {
		return CreditResult{}, err
	}
	original, err := service.store.GetTransaction(ctx, account.AccountID, transactionID)
	if err != nil {
		return CreditResult{}, err
	}
	if original.Kind != KindSpend || original.Status != StatusCompleted {
		return CreditResult{}, fmt.Errorf("%w: %s %s", ErrNotRefundable, original.Kind, original.Status)
	}
	externalRef, err := NewExternalRef(refundRefPrefix + transactionID)
	if err != nil {
		return CreditResult{}, err
	}
	return service.credit(ctx, operationRefund, userID, original.AmountCoins, KindRefund, reason, &externalRef, metadata)
}

// SpendFor looks up the completed spend for a gated resource, if any.
// An absent account simply means nothing was spent yet.
func (service *Service) SpendFor(ctx context.Context, userID UserID, resourceID ResourceID) (Transaction, bool, error) {
	account, err := service.store.GetAccount(ctx, userID.String())
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, err
	}
	return service.store.FindCompletedSpend(ctx, account.AccountID, resourceID.String())
}

// ListTransactions lists the user's transactions before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	var transactions []Transaction
	operationError := service.withConflictRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			account, err := service.ensureAccount(ctx, txStore, userID)
			if err != nil {
				return err
			}
			listed, err := txStore.ListTransactions(ctx, account.AccountID, beforeUnixUTC, limit)
			if err != nil {
				return err
			}
			transactions = listed
			return nil
		})
	})
	if operationError != nil {
		return nil, operationError
	}
	return transactions, nil
}

// ListAllTransactions is the admin projection over the whole log.
func (service *Service) ListAllTransactions(ctx context.Context, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return service.store.ListAllTransactions(ctx, beforeUnixUTC, limit)
}
