package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CoinAmount is a strictly positive coin magnitude.
type CoinAmount int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// ExternalRef scopes duplicate detection for credits (e.g. a gateway charge id).
type ExternalRef struct {
	value string
}

// ResourceID identifies a gated resource for spend deduplication.
type ResourceID struct {
	value string
}

// Reason is a short human-readable tag on a transaction.
type Reason struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// TransactionKind enumerates balance-affecting event kinds.
type TransactionKind string

const (
	KindPurchase TransactionKind = "purchase"
	KindSpend    TransactionKind = "spend"
	KindRefund   TransactionKind = "refund"
	KindGift     TransactionKind = "gift"
	KindOther    TransactionKind = "other"
)

// TransactionStatus defines the transaction lifecycle.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusRefunded  TransactionStatus = "refunded"
)

// Account is the single per-user coin balance.
type Account struct {
	AccountID      string
	UserID         string
	BalanceCoins   int64
	CreatedUnixUTC int64
}

// Balance view for an account.
type Balance struct {
	Coins int64
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID  string
	AccountID      string
	Kind           TransactionKind
	AmountCoins    CoinAmount
	ExternalRef    string
	ResourceID     string
	Status         TransactionStatus
	Reason         string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// TransactionInput carries the fields of a transaction to append.
// The store assigns the transaction id.
type TransactionInput struct {
	AccountID      string
	Kind           TransactionKind
	AmountCoins    CoinAmount
	ExternalRef    string
	ResourceID     string
	Status         TransactionStatus
	Reason         string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// CreditResult reports the outcome of a credit.
type CreditResult struct {
	Transaction     Transaction
	NewBalanceCoins int64
	Replayed        bool
}

// DebitResult reports the outcome of a debit.
type DebitResult struct {
	Transaction     Transaction
	NewBalanceCoins int64
	AlreadyPaid     bool
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewExternalRef validates and normalizes an external reference.
func NewExternalRef(raw string) (ExternalRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalRef{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	return ExternalRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref ExternalRef) String() string {
	return ref.value
}

// NewResourceID validates and normalizes a resource id.
func NewResourceID(raw string) (ResourceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ResourceID{}, fmt.Errorf("%w: empty value", ErrInvalidResourceID)
	}
	return ResourceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ResourceID) String() string {
	return id.value
}

// NewReason validates and normalizes a reason tag.
func NewReason(raw string) (Reason, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reason{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	return Reason{value: trimmed}, nil
}

// String returns the normalized reason.
func (reason Reason) String() string {
	return reason.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCoinAmount validates an amount and ensures it is strictly positive.
func NewCoinAmount(raw int64) (CoinAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCoinAmount)
	}
	return CoinAmount(raw), nil
}

// Int64 returns the raw magnitude.
func (amount CoinAmount) Int64() int64 {
	return int64(amount)
}

// ParseTransactionKind validates a stored kind value.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case KindPurchase, KindSpend, KindRefund, KindGift, KindOther:
		return TransactionKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// String returns the stored kind value.
func (kind TransactionKind) String() string {
	return string(kind)
}

// IsCredit reports whether the kind increases the balance.
func (kind TransactionKind) IsCredit() bool {
	return kind != KindSpend
}

// ParseTransactionStatus validates a stored status value.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(raw) {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded:
		return TransactionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
}

// String returns the stored status value.
func (status TransactionStatus) String() string {
	return string(status)
}

// Store is the persistence contract used by Service. Mutations issued through
// a Store handed to the WithTx callback commit or roll back as one unit.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID string) (Account, bool, error)
	GetAccount(ctx context.Context, userID string) (Account, error)
	AddToBalance(ctx context.Context, accountID string, amount CoinAmount) (int64, error)
	SubtractIfSufficient(ctx context.Context, accountID string, amount CoinAmount) (int64, bool, error)
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	FindByExternalRef(ctx context.Context, accountID string, externalRef string) (Transaction, bool, error)
	FindCompletedSpend(ctx context.Context, accountID string, resourceID string) (Transaction, bool, error)
	GetTransaction(ctx context.Context, accountID string, transactionID string) (Transaction, error)
	ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error)
	ListAllTransactions(ctx context.Context, beforeUnixUTC int64, limit int) ([]Transaction, error)
}
