package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/marketmesh/coinledger/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON       = "{}"
	pgUniqueViolationCode     = "23505"
	pgSerializationFailure    = "40001"
	pgDeadlockDetected        = "40P01"
	sqliteConstraintCode      = 19
	sqliteBusyCode            = 5
	sqliteLockedCode          = 6
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectBalance       = "balance"
	errorSubjectTransaction   = "transaction"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLookup           = "lookup"
	errorCodeUpdateBalance    = "update_balance"
	errorCodeConflict         = "conflict"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema. Intended for SQLite deployments and
// tests; Postgres schemas are migrated out of band.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &CoinTransaction{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeConflict, ledger.ErrPersistenceConflict)
	}
	return err
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID string) (ledger.Account, bool, error) {
	account := Account{UserID: userID}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&account)
	if result.Error != nil {
		if isConflict(result.Error) {
			return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeConflict, ledger.ErrPersistenceConflict)
		}
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeCreate, result.Error)
	}
	created := result.RowsAffected == 1
	if !created {
		// The skipped insert already assigned a fresh primary key in
		// BeforeCreate; querying through the same struct would add it to the
		// WHERE clause and miss the existing row.
		var existing Account
		if err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&existing).Error; err != nil {
			return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
		}
		account = existing
	}
	return mapAccount(account), created, nil
}

func (store *Store) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account), nil
}

func (store *Store) AddToBalance(ctx context.Context, accountID string, amount ledger.CoinAmount) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("balance_coins", gorm.Expr("balance_coins + ?", amount.Int64()))
	if result.Error != nil {
		if isConflict(result.Error) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeConflict, ledger.ErrPersistenceConflict)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdateBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdateBalance, ledger.ErrAccountNotFound)
	}
	return store.currentBalance(ctx, accountID)
}

// SubtractIfSufficient is the atomic decrement-if-sufficient primitive: a
// single conditional UPDATE, so two debits against one account can never both
// observe the same pre-charge balance.
func (store *Store) SubtractIfSufficient(ctx context.Context, accountID string, amount ledger.CoinAmount) (int64, bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance_coins >= ?", accountID, amount.Int64()).
		Update("balance_coins", gorm.Expr("balance_coins - ?", amount.Int64()))
	if result.Error != nil {
		if isConflict(result.Error) {
			return 0, false, wrapStoreError(errorSubjectBalance, errorCodeConflict, ledger.ErrPersistenceConflict)
		}
		return 0, false, wrapStoreError(errorSubjectBalance, errorCodeUpdateBalance, result.Error)
	}
	balance, err := store.currentBalance(ctx, accountID)
	if err != nil {
		return 0, false, err
	}
	return balance, result.RowsAffected == 1, nil
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	row := CoinTransaction{
		AccountID:   input.AccountID,
		Kind:        input.Kind.String(),
		AmountCoins: input.AmountCoins.Int64(),
		ExternalRef: optionalString(input.ExternalRef),
		ResourceID:  optionalString(input.ResourceID),
		Status:      input.Status.String(),
		Reason:      input.Reason,
		Metadata:    datatypesJSON(input.MetadataJSON),
		CreatedAt:   time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateOperation)
	}
	if err != nil {
		if isConflict(err) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeConflict, ledger.ErrPersistenceConflict)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) FindByExternalRef(ctx context.Context, accountID string, externalRef string) (ledger.Transaction, bool, error) {
	var row CoinTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND external_ref = ? AND status = ?", accountID, externalRef, ledger.StatusCompleted.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, false, nil
		}
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

func (store *Store) FindCompletedSpend(ctx context.Context, accountID string, resourceID string) (ledger.Transaction, bool, error) {
	var row CoinTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND resource_id = ? AND kind = ? AND status = ?",
			accountID, resourceID, ledger.KindSpend.String(), ledger.StatusCompleted.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, false, nil
		}
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

func (store *Store) GetTransaction(ctx context.Context, accountID string, transactionID string) (ledger.Transaction, error) {
	var row CoinTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND transaction_id = ?", accountID, transactionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	var rows []CoinTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, beforeOrNow(beforeUnixUTC)).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) ListAllTransactions(ctx context.Context, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	var rows []CoinTransaction
	err := store.db.WithContext(ctx).
		Where("created_at < ?", beforeOrNow(beforeUnixUTC)).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) currentBalance(ctx context.Context, accountID string) (int64, error) {
	var account Account
	if err := store.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&account).Error; err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return account.BalanceCoins, nil
}

func beforeOrNow(beforeUnixUTC int64) time.Time {
	if beforeUnixUTC == 0 {
		return time.Now().UTC().Add(time.Second)
	}
	return time.Unix(beforeUnixUTC, 0).UTC()
}

func mapAccount(row Account) ledger.Account {
	return ledger.Account{
		AccountID:      row.AccountID,
		UserID:         row.UserID,
		BalanceCoins:   row.BalanceCoins,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func mapTransactions(rows []CoinTransaction) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapTransaction(row CoinTransaction) (ledger.Transaction, error) {
	kind, err := ledger.ParseTransactionKind(row.Kind)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(row.Status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewCoinAmount(row.AmountCoins)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID:  row.TransactionID,
		AccountID:      row.AccountID,
		Kind:           kind,
		AmountCoins:    amount,
		ExternalRef:    stringOrEmpty(row.ExternalRef),
		ResourceID:     stringOrEmpty(row.ResourceID),
		Status:         status,
		Reason:         row.Reason,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
