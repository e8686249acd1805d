package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID    string    `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"not null;uniqueIndex:uniq_accounts_user"`
	BalanceCoins int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// CoinTransaction mirrors the coin_transactions table. Rows are append-only;
// the partial unique indexes enforce external-ref idempotency and one
// completed spend per gated resource.
type CoinTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	AccountID     string         `gorm:"type:uuid;not null;index:idx_txn_account_created,priority:1;index:uniq_txn_account_external_ref,unique,priority:1;index:uniq_txn_account_resource_spend,unique,priority:1"`
	Kind          string         `gorm:"not null"`
	AmountCoins   int64          `gorm:"not null"`
	ExternalRef   *string        `gorm:"index:uniq_txn_account_external_ref,unique,priority:2,where:external_ref IS NOT NULL"`
	ResourceID    *string        `gorm:"index:uniq_txn_account_resource_spend,unique,priority:2,where:resource_id IS NOT NULL AND kind = 'spend'"`
	Status        string         `gorm:"not null"`
	Reason        string         `gorm:""`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_txn_account_created,priority:2"`
}

func (CoinTransaction) TableName() string { return "coin_transactions" }

func (transaction *CoinTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
