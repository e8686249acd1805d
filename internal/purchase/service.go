// Package purchase turns a confirmed external payment into exactly one
// ledger credit. The gateway charge id doubles as the credit's idempotency
// scope, so a retried confirmation credits at most once.
package purchase

import (
	"context"
	"errors"
	"fmt"

	"github.com/marketmesh/coinledger/pkg/ledger"
)

// ChargeStatus reports a gateway outcome.
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeDeclined  ChargeStatus = "declined"
)

// Charge is the gateway's view of a payment attempt.
type Charge struct {
	ChargeID string
	Status   ChargeStatus
}

// Gateway is the external payment collaborator. It must complete (or
// definitively fail) before any ledger mutation is attempted.
type Gateway interface {
	Charge(ctx context.Context, amountCents int64, paymentMethodRef string) (Charge, error)
}

// GatewayFunc adapts a plain function to Gateway.
type GatewayFunc func(ctx context.Context, amountCents int64, paymentMethodRef string) (Charge, error)

// Charge implements Gateway.
func (fn GatewayFunc) Charge(ctx context.Context, amountCents int64, paymentMethodRef string) (Charge, error) {
	return fn(ctx, amountCents, paymentMethodRef)
}

// Sentinel errors surfaced by the orchestrator.
var (
	ErrUnknownPackage  = errors.New("unknown coin package")
	ErrPaymentDeclined = errors.New("payment declined")
)

// Receipt reports a completed purchase.
type Receipt struct {
	TransactionID   string
	Coins           int64
	NewBalanceCoins int64
	ChargeID        string
	Replayed        bool
}

// Service orchestrates package resolution, payment, and the single credit.
type Service struct {
	ledgerService *ledger.Service
	gateway       Gateway
	catalog       Catalog
}

// NewService wires the orchestrator.
func NewService(ledgerService *ledger.Service, gateway Gateway, catalog Catalog) (*Service, error) {
	if ledgerService == nil {
		return nil, errors.New("purchase: ledger service is nil")
	}
	if gateway == nil {
		return nil, errors.New("purchase: gateway is nil")
	}
	if len(catalog) == 0 {
		catalog = DefaultCatalog()
	}
	return &Service{ledgerService: ledgerService, gateway: gateway, catalog: catalog}, nil
}

// Packages exposes the catalog for API listings.
func (service *Service) Packages() []Package {
	return service.catalog.List()
}

// Purchase charges the payment method and credits the package's coins once.
// A declined or failed charge leaves the ledger untouched; a duplicate
// confirmation of the same charge id returns the original receipt.
func (service *Service) Purchase(ctx context.Context, userID ledger.UserID, packageID PackageID, paymentMethodRef string) (Receipt, error) {
	pkg, err := service.catalog.Resolve(packageID)
	if err != nil {
		return Receipt{}, err
	}
	charge, err := service.gateway.Charge(ctx, pkg.PriceCents(), paymentMethodRef)
	if err != nil {
		return Receipt{}, fmt.Errorf("gateway charge: %w", err)
	}
	if charge.Status != ChargeSucceeded {
		return Receipt{}, fmt.Errorf("%w: charge %s", ErrPaymentDeclined, charge.ChargeID)
	}
	return service.creditCharge(ctx, userID, pkg, charge)
}

func (service *Service) creditCharge(ctx context.Context, userID ledger.UserID, pkg Package, charge Charge) (Receipt, error) {
	amount, err := ledger.NewCoinAmount(pkg.Coins)
	if err != nil {
		return Receipt{}, err
	}
	reason, err := ledger.NewReason(string(pkg.ID) + " coin package")
	if err != nil {
		return Receipt{}, err
	}
	externalRef, err := ledger.NewExternalRef(charge.ChargeID)
	if err != nil {
		return Receipt{}, err
	}
	metadata, err := ledger.NewMetadataJSON(fmt.Sprintf(`{"package":%q,"price_cents":%d,"charge_id":%q}`, pkg.ID, pkg.PriceCents(), charge.ChargeID))
	if err != nil {
		return Receipt{}, err
	}
	result, err := service.ledgerService.Credit(ctx, userID, amount, ledger.KindPurchase, reason, &externalRef, metadata)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		TransactionID:   result.Transaction.TransactionID,
		Coins:           pkg.Coins,
		NewBalanceCoins: result.NewBalanceCoins,
		ChargeID:        charge.ChargeID,
		Replayed:        result.Replayed,
	}, nil
}
