// Package access gates paid content behind exactly one deduplicated debit
// per (account, resource) pair.
package access

import (
	"context"
	"errors"

	"github.com/marketmesh/coinledger/pkg/ledger"
)

const unlockReason = "unlock gated resource"

// CostFunc is the injected pricing policy: the coin cost of viewing a
// resource. It must be pure and deterministic.
type CostFunc func(resourceID ledger.ResourceID) (ledger.CoinAmount, error)

// Grant reports the outcome of an unlock.
type Grant struct {
	Granted         bool
	AlreadyPaid     bool
	CostCoins       int64
	NewBalanceCoins int64
	TransactionID   string
}

// Controller resolves unlock requests against the ledger.
type Controller struct {
	ledgerService *ledger.Service
	costOf        CostFunc
}

// NewController wires the controller with its pricing policy.
func NewController(ledgerService *ledger.Service, costOf CostFunc) (*Controller, error) {
	if ledgerService == nil {
		return nil, errors.New("access: ledger service is nil")
	}
	if costOf == nil {
		return nil, errors.New("access: cost function is nil")
	}
	return &Controller{ledgerService: ledgerService, costOf: costOf}, nil
}

// Unlock grants access to a gated resource, charging at most once per
// (account, resource). A prior completed spend grants for free; an
// insufficient balance propagates untouched with no ledger change.
func (controller *Controller) Unlock(ctx context.Context, userID ledger.UserID, resourceID ledger.ResourceID) (Grant, error) {
	prior, found, err := controller.ledgerService.SpendFor(ctx, userID, resourceID)
	if err != nil {
		return Grant{}, err
	}
	if found {
		return Grant{
			Granted:       true,
			AlreadyPaid:   true,
			CostCoins:     prior.AmountCoins.Int64(),
			TransactionID: prior.TransactionID,
		}, nil
	}
	cost, err := controller.costOf(resourceID)
	if err != nil {
		return Grant{}, err
	}
	reason, err := ledger.NewReason(unlockReason)
	if err != nil {
		return Grant{}, err
	}
	metadata, err := ledger.NewMetadataJSON(`{"resource":"` + resourceID.String() + `"}`)
	if err != nil {
		return Grant{}, err
	}
	result, err := controller.ledgerService.Debit(ctx, userID, cost, reason, &resourceID, metadata)
	if err != nil {
		return Grant{}, err
	}
	return Grant{
		Granted:         true,
		AlreadyPaid:     result.AlreadyPaid,
		CostCoins:       result.Transaction.AmountCoins.Int64(),
		NewBalanceCoins: result.NewBalanceCoins,
		TransactionID:   result.Transaction.TransactionID,
	}, nil
}
