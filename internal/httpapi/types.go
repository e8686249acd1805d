package httpapi

import (
	"encoding/json"

	"github.com/marketmesh/coinledger/pkg/ledger"
)

// BalanceEnvelope wraps the balance returned by the API.
type BalanceEnvelope struct {
	Coins int64 `json:"coins"`
}

// PackagePayload describes one purchasable coin package.
type PackagePayload struct {
	ID       string `json:"id"`
	Coins    int64  `json:"coins"`
	PriceUSD string `json:"price_usd"`
}

// PurchaseRequest selects a package and payment method.
type PurchaseRequest struct {
	Package         string `json:"package" binding:"required"`
	PaymentMethodID string `json:"payment_method_id" binding:"required"`
}

// PurchaseEnvelope reports a completed purchase.
type PurchaseEnvelope struct {
	TransactionID string `json:"transaction_id"`
	Coins         int64  `json:"coins"`
	NewBalance    int64  `json:"new_balance"`
	Replayed      bool   `json:"replayed"`
}

// UnlockEnvelope reports an unlock outcome.
type UnlockEnvelope struct {
	Granted       bool   `json:"granted"`
	AlreadyPaid   bool   `json:"already_paid"`
	CostCoins     int64  `json:"cost_coins"`
	NewBalance    int64  `json:"new_balance,omitempty"`
	TransactionID string `json:"transaction_id"`
}

// AwardRequest grants bonus coins to a user.
type AwardRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// AwardEnvelope reports an applied award.
type AwardEnvelope struct {
	TransactionID string `json:"transaction_id"`
	NewBalance    int64  `json:"new_balance"`
}

// RefundRequest reverses a completed spend.
type RefundRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	Reason        string `json:"reason" binding:"required"`
}

// TransactionPayload mirrors one ledger transaction for the UI.
type TransactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Kind           string          `json:"kind"`
	AmountCoins    int64           `json:"amount_coins"`
	ExternalRef    string          `json:"external_ref,omitempty"`
	ResourceID     string          `json:"resource_id,omitempty"`
	Status         string          `json:"status"`
	Reason         string          `json:"reason"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

// TransactionsEnvelope wraps a transaction listing.
type TransactionsEnvelope struct {
	Transactions []TransactionPayload `json:"transactions"`
}

// ErrorEnvelope encodes API errors.
type ErrorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload contains the code and message for user-visible errors.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Required  int64  `json:"required,omitempty"`
	Available int64  `json:"available,omitempty"`
}

func mapTransactionPayload(transaction ledger.Transaction) TransactionPayload {
	metadata := transaction.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	return TransactionPayload{
		TransactionID:  transaction.TransactionID,
		Kind:           transaction.Kind.String(),
		AmountCoins:    transaction.AmountCoins.Int64(),
		ExternalRef:    transaction.ExternalRef,
		ResourceID:     transaction.ResourceID,
		Status:         transaction.Status.String(),
		Reason:         transaction.Reason,
		Metadata:       json.RawMessage(metadata),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

func mapTransactionPayloads(transactions []ledger.Transaction) []TransactionPayload {
	payloads := make([]TransactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, mapTransactionPayload(transaction))
	}
	return payloads
}
