package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marketmesh/coinledger/pkg/ledger"
)

const (
	pgUniqueViolationCode  = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeConflict       = "conflict"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdateBalance  = "update_balance"

	sqlInsertAccount = `
		insert into accounts(account_id, user_id, balance_coins, created_at)
		values (gen_random_uuid(), $1, 0, now())
		on conflict (user_id) do nothing
		returning account_id::text, user_id, balance_coins, extract(epoch from created_at)::bigint
	`

	sqlSelectAccount = `
		select account_id::text, user_id, balance_coins, extract(epoch from created_at)::bigint
		from accounts
		where user_id = $1
	`

	sqlAddToBalance = `
		update accounts
		set balance_coins = balance_coins + $2
		where account_id = $1
		returning balance_coins
	`

	sqlSubtractIfSufficient = `
		update accounts
		set balance_coins = balance_coins - $2
		where account_id = $1 and balance_coins >= $2
		returning balance_coins
	`

	sqlSelectBalance = `
		select balance_coins from accounts where account_id = $1
	`

	sqlInsertTransaction = `
		insert into coin_transactions(
			transaction_id, account_id, kind, amount_coins, external_ref, resource_id, status, reason, metadata, created_at
		)
		values (
			gen_random_uuid(), $1, $2, $3,
			nullif($4,''), nullif($5,''),
			$6, $7,
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
		returning ` + transactionColumns

	transactionColumns = `
			transaction_id::text,
			account_id::text,
			kind,
			amount_coins,
			coalesce(external_ref,''),
			coalesce(resource_id,''),
			status,
			reason,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
	`

	sqlSelectByExternalRef = `
		select ` + transactionColumns + `
		from coin_transactions
		where account_id = $1 and external_ref = $2 and status = 'completed'
	`

	sqlSelectCompletedSpend = `
		select ` + transactionColumns + `
		from coin_transactions
		where account_id = $1 and resource_id = $2 and kind = 'spend' and status = 'completed'
	`

	sqlSelectTransaction = `
		select ` + transactionColumns + `
		from coin_transactions
		where account_id = $1 and transaction_id = $2
	`

	sqlListTransactions = `
		select ` + transactionColumns + `
		from coin_transactions
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlListAllTransactions = `
		select ` + transactionColumns + `
		from coin_transactions
		where created_at < to_timestamp($1)
		order by created_at desc
		limit $2
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool. The zero-pool
// form runs autocommit; WithTx hands callbacks a transaction-bound Store.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction; reuse it.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isConflict(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeConflict, ledger.ErrPersistenceConflict)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID string) (ledger.Account, bool, error) {
	account, err := scanAccount(store.q.QueryRow(ctx, sqlInsertAccount, userID))
	if err == nil {
		return account, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isConflict(err) {
			return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeConflict, ledger.ErrPersistenceConflict)
		}
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	account, err = scanAccount(store.q.QueryRow(ctx, sqlSelectAccount, userID))
	if err != nil {
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, false, nil
}

func (store *Store) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	account, err := scanAccount(store.q.QueryRow(ctx, sqlSelectAccount, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) AddToBalance(ctx context.Context, accountID string, amount ledger.CoinAmount) (int64, error) {
	var balance int64
	err := store.q.QueryRow(ctx, sqlAddToBalance, accountID, amount.Int64()).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdateBalance, ledger.ErrAccountNotFound)
		}
		if isConflict(err) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeConflict, ledger.ErrPersistenceConflict)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdateBalance, err)
	}
	return balance, nil
}

func (store *Store) SubtractIfSufficient(ctx context.Context, accountID string, amount ledger.CoinAmount) (int64, bool, error) {
	var balance int64
	err := store.q.QueryRow(ctx, sqlSubtractIfSufficient, accountID, amount.Int64()).Scan(&balance)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isConflict(err) {
			return 0, false, wrapStoreError(errorSubjectBalance, errorCodeConflict, ledger.ErrPersistenceConflict)
		}
		return 0, false, wrapStoreError(errorSubjectBalance, errorCodeUpdateBalance, err)
	}
	if err := store.q.QueryRow(ctx, sqlSelectBalance, accountID).Scan(&balance); err != nil {
		return 0, false, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, false, nil
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	transaction, err := scanTransaction(store.q.QueryRow(ctx, sqlInsertTransaction,
		input.AccountID,
		input.Kind.String(),
		input.AmountCoins.Int64(),
		input.ExternalRef,
		input.ResourceID,
		input.Status.String(),
		input.Reason,
		input.MetadataJSON,
		input.CreatedUnixUTC,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateOperation)
		}
		if isConflict(err) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeConflict, ledger.ErrPersistenceConflict)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return transaction, nil
}

func (store *Store) FindByExternalRef(ctx context.Context, accountID string, externalRef string) (ledger.Transaction, bool, error) {
	transaction, err := scanTransaction(store.q.QueryRow(ctx, sqlSelectByExternalRef, accountID, externalRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transaction{}, false, nil
		}
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, true, nil
}

func (store *Store) FindCompletedSpend(ctx context.Context, accountID string, resourceID string) (ledger.Transaction, bool, error) {
	transaction, err := scanTransaction(store.q.QueryRow(ctx, sqlSelectCompletedSpend, accountID, resourceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transaction{}, false, nil
		}
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, true, nil
}

func (store *Store) GetTransaction(ctx context.Context, accountID string, transactionID string) (ledger.Transaction, error) {
	transaction, err := scanTransaction(store.q.QueryRow(ctx, sqlSelectTransaction, accountID, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	rows, err := store.q.Query(ctx, sqlListTransactions, accountID, beforeOrNow(beforeUnixUTC), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (store *Store) ListAllTransactions(ctx context.Context, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	rows, err := store.q.Query(ctx, sqlListAllTransactions, beforeOrNow(beforeUnixUTC), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func beforeOrNow(beforeUnixUTC int64) int64 {
	if beforeUnixUTC == 0 {
		return time.Now().UTC().Unix() + 1
	}
	return beforeUnixUTC
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var account ledger.Account
	if err := row.Scan(&account.AccountID, &account.UserID, &account.BalanceCoins, &account.CreatedUnixUTC); err != nil {
		return ledger.Account{}, err
	}
	return account, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		kindValue   string
		statusValue string
		amountValue int64
		transaction ledger.Transaction
	)
	if err := row.Scan(
		&transaction.TransactionID,
		&transaction.AccountID,
		&kindValue,
		&amountValue,
		&transaction.ExternalRef,
		&transaction.ResourceID,
		&statusValue,
		&transaction.Reason,
		&transaction.MetadataJSON,
		&transaction.CreatedUnixUTC,
	); err != nil {
		return ledger.Transaction{}, err
	}
	kind, err := ledger.ParseTransactionKind(kindValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(statusValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewCoinAmount(amountValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction.Kind = kind
	transaction.Status = status
	transaction.AmountCoins = amount
	return transaction, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}
