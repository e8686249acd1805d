package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestBalanceCreatesAccountWithStartingGrant(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "grant-user")

	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Coins != DefaultStartingGrantCoins {
		test.Fatalf("expected starting balance %d, got %d", DefaultStartingGrantCoins, balance.Coins)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected 1 grant transaction, got %d", len(store.transactions))
	}
	grant := store.transactions[0]
	if grant.Kind != KindGift || grant.ExternalRef != "signup:grant-user" || grant.Status != StatusCompleted {
		test.Fatalf("unexpected grant transaction: %+v", grant)
	}
}

func TestBalanceIsStableAcrossCalls(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "repeat-user")

	if _, err := service.Balance(context.Background(), userID); err != nil {
		test.Fatalf("first balance: %v", err)
	}
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("second balance: %v", err)
	}
	if balance.Coins != DefaultStartingGrantCoins {
		test.Fatalf("expected stable balance %d, got %d", DefaultStartingGrantCoins, balance.Coins)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected the grant to happen once, got %d transactions", len(store.transactions))
	}
}

func TestCreditAppendsCompletedTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "credit-user")
	ref := mustRef(test, "ch_100")

	result, err := service.Credit(context.Background(), userID, mustAmount(test, 100), KindPurchase, mustReason(test, "medium coin package"), &ref, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if result.NewBalanceCoins != DefaultStartingGrantCoins+100 {
		test.Fatalf("expected balance %d, got %d", DefaultStartingGrantCoins+100, result.NewBalanceCoins)
	}
	if result.Replayed {
		test.Fatalf("fresh credit must not be a replay")
	}
	if result.Transaction.Kind != KindPurchase || result.Transaction.Status != StatusCompleted {
		test.Fatalf("unexpected transaction: %+v", result.Transaction)
	}
}

func TestCreditReplaysDuplicateExternalRef(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "replay-user")
	ref := mustRef(test, "ch_dup")
	amount := mustAmount(test, 100)
	reason := mustReason(test, "coin package")
	metadata := mustMetadata(test, "{}")

	first, err := service.Credit(context.Background(), userID, amount, KindPurchase, reason, &ref, metadata)
	if err != nil {
		test.Fatalf("first credit: %v", err)
	}
	second, err := service.Credit(context.Background(), userID, amount, KindPurchase, reason, &ref, metadata)
	if err != nil {
		test.Fatalf("second credit: %v", err)
	}
	if !second.Replayed {
		test.Fatalf("expected replayed result")
	}
	if second.Transaction.TransactionID != first.Transaction.TransactionID {
		test.Fatalf("replay must return the original transaction")
	}
	if second.NewBalanceCoins != first.NewBalanceCoins {
		test.Fatalf("replay must not change the balance: %d vs %d", second.NewBalanceCoins, first.NewBalanceCoins)
	}
	if got := len(store.transactions); got != 2 {
		test.Fatalf("expected grant + one purchase, got %d transactions", got)
	}
}

func TestCreditRejectsSpendKind(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "bad-kind-user")

	_, err := service.Credit(context.Background(), userID, mustAmount(test, 10), KindSpend, mustReason(test, "nope"), nil, mustMetadata(test, "{}"))
	if !errors.Is(err, ErrInvalidTransactionKind) {
		test.Fatalf("expected ErrInvalidTransactionKind, got %v", err)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("rejected credit must not touch the ledger")
	}
}

func TestDebitScenario(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "scenario-user")
	metadata := mustMetadata(test, "{}")

	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Coins != 50 {
		test.Fatalf("expected signup balance 50, got %d", balance.Coins)
	}

	firstResource := mustResource(test, "listing-1")
	debit, err := service.Debit(context.Background(), userID, mustAmount(test, 10), mustReason(test, "unlock"), &firstResource, metadata)
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if debit.NewBalanceCoins != 40 {
		test.Fatalf("expected balance 40 after debit, got %d", debit.NewBalanceCoins)
	}

	secondResource := mustResource(test, "listing-2")
	_, err = service.Debit(context.Background(), userID, mustAmount(test, 100), mustReason(test, "unlock"), &secondResource, metadata)
	var insufficient *InsufficientFundsError
	if !errors.As(err, &insufficient) {
		test.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if insufficient.RequiredCoins != 100 || insufficient.AvailableCoins != 40 {
		test.Fatalf("unexpected shortfall report: %+v", insufficient)
	}
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("shortfall must match ErrInsufficientFunds")
	}

	ref := mustRef(test, "ch_1")
	credit, err := service.Credit(context.Background(), userID, mustAmount(test, 100), KindPurchase, mustReason(test, "package"), &ref, metadata)
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if credit.NewBalanceCoins != 140 {
		test.Fatalf("expected balance 140 after credit, got %d", credit.NewBalanceCoins)
	}

	replay, err := service.Credit(context.Background(), userID, mustAmount(test, 100), KindPurchase, mustReason(test, "package"), &ref, metadata)
	if err != nil {
		test.Fatalf("replayed credit: %v", err)
	}
	if !replay.Replayed || replay.NewBalanceCoins != 140 {
		test.Fatalf("expected replay at balance 140, got %+v", replay)
	}
}

func TestDebitDeduplicatesResource(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "dedup-user")
	resource := mustResource(test, "video-7")
	metadata := mustMetadata(test, "{}")

	first, err := service.Debit(context.Background(), userID, mustAmount(test, 10), mustReason(test, "unlock"), &resource, metadata)
	if err != nil {
		test.Fatalf("first debit: %v", err)
	}
	second, err := service.Debit(context.Background(), userID, mustAmount(test, 10), mustReason(test, "unlock"), &resource, metadata)
	if err != nil {
		test.Fatalf("second debit: %v", err)
	}
	if !second.AlreadyPaid {
		test.Fatalf("expected AlreadyPaid on repeat unlock")
	}
	if second.Transaction.TransactionID != first.Transaction.TransactionID {
		test.Fatalf("repeat unlock must return the original spend")
	}
	if second.NewBalanceCoins != first.NewBalanceCoins {
		test.Fatalf("repeat unlock must not charge again")
	}
}

func TestDebitWithoutResourceChargesEveryTime(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "plain-debit-user")
	metadata := mustMetadata(test, "{}")

	if _, err := service.Debit(context.Background(), userID, mustAmount(test, 5), mustReason(test, "fee"), nil, metadata); err != nil {
		test.Fatalf("first debit: %v", err)
	}
	result, err := service.Debit(context.Background(), userID, mustAmount(test, 5), mustReason(test, "fee"), nil, metadata)
	if err != nil {
		test.Fatalf("second debit: %v", err)
	}
	if result.AlreadyPaid {
		test.Fatalf("undeduplicated debit must charge")
	}
	if result.NewBalanceCoins != DefaultStartingGrantCoins-10 {
		test.Fatalf("expected balance %d, got %d", DefaultStartingGrantCoins-10, result.NewBalanceCoins)
	}
}

func TestDebitInsufficientFundsLeavesLedgerUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "poor-user")
	resource := mustResource(test, "expensive")

	_, err := service.Debit(context.Background(), userID, mustAmount(test, 500), mustReason(test, "unlock"), &resource, mustMetadata(test, "{}"))
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	account := store.mustAccount(test, "poor-user")
	if account.BalanceCoins != DefaultStartingGrantCoins {
		test.Fatalf("failed debit must leave the balance at %d, got %d", DefaultStartingGrantCoins, account.BalanceCoins)
	}
	if got := len(store.transactions); got != 1 {
		test.Fatalf("expected only the signup grant, got %d transactions", got)
	}
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance after rejected debit: %v", err)
	}
	if balance.Coins != DefaultStartingGrantCoins {
		test.Fatalf("rejected debit must keep the grant, got balance %d", balance.Coins)
	}
}

func TestConcurrentDebitsOnlyOneWins(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store, WithStartingGrant(40))
	userID := mustUser(test, "race-user")
	metadata := mustMetadata(test, "{}")

	if _, err := service.Balance(context.Background(), userID); err != nil {
		test.Fatalf("prime account: %v", err)
	}

	amount := mustAmount(test, 30)
	reason := mustReason(test, "unlock")
	results := make(chan error, 2)
	for index := 0; index < 2; index++ {
		resource := mustResource(test, fmt.Sprintf("race-resource-%d", index))
		go func(resource ResourceID) {
			_, err := service.Debit(context.Background(), userID, amount, reason, &resource, metadata)
			results <- err
		}(resource)
	}

	var failures int
	for index := 0; index < 2; index++ {
		if err := <-results; err != nil {
			if !errors.Is(err, ErrInsufficientFunds) {
				test.Fatalf("unexpected debit error: %v", err)
			}
			failures++
		}
	}
	if failures != 1 {
		test.Fatalf("expected exactly one losing debit, got %d failures", failures)
	}
	account := store.mustAccount(test, "race-user")
	if account.BalanceCoins != 10 {
		test.Fatalf("expected final balance 10, got %d", account.BalanceCoins)
	}
}

func TestCreditResolvesLostDuplicateRace(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "lost-race-user")
	ref := mustRef(test, "ch_race")
	metadata := mustMetadata(test, "{}")

	first, err := service.Credit(context.Background(), userID, mustAmount(test, 100), KindPurchase, mustReason(test, "package"), &ref, metadata)
	if err != nil {
		test.Fatalf("seed credit: %v", err)
	}

	// Simulate losing the insert race: the pre-insert lookup misses the
	// winner's row, the insert collides, and the service resolves to it.
	blind := &blindStore{stubStore: store, hideRefOnce: true}
	racing := mustService(test, blind)
	result, err := racing.Credit(context.Background(), userID, mustAmount(test, 100), KindPurchase, mustReason(test, "package"), &ref, metadata)
	if err != nil {
		test.Fatalf("racing credit: %v", err)
	}
	if !result.Replayed {
		test.Fatalf("losing writer must resolve to the prior transaction")
	}
	if result.Transaction.TransactionID != first.Transaction.TransactionID {
		test.Fatalf("expected the winner's transaction, got %+v", result.Transaction)
	}
	account := store.mustAccount(test, "lost-race-user")
	if account.BalanceCoins != first.NewBalanceCoins {
		test.Fatalf("lost race must not double credit: %d", account.BalanceCoins)
	}
}

func TestDebitResolvesLostDuplicateRace(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "lost-spend-user")
	resource := mustResource(test, "gated-1")
	metadata := mustMetadata(test, "{}")

	first, err := service.Debit(context.Background(), userID, mustAmount(test, 10), mustReason(test, "unlock"), &resource, metadata)
	if err != nil {
		test.Fatalf("seed debit: %v", err)
	}

	blind := &blindStore{stubStore: store, hideSpendOnce: true}
	racing := mustService(test, blind)
	result, err := racing.Debit(context.Background(), userID, mustAmount(test, 10), mustReason(test, "unlock"), &resource, metadata)
	if err != nil {
		test.Fatalf("racing debit: %v", err)
	}
	if !result.AlreadyPaid {
		test.Fatalf("losing writer must resolve to the prior spend")
	}
	if result.Transaction.TransactionID != first.Transaction.TransactionID {
		test.Fatalf("expected the winner's spend, got %+v", result.Transaction)
	}
	account := store.mustAccount(test, "lost-spend-user")
	if account.BalanceCoins != first.NewBalanceCoins {
		test.Fatalf("lost race must not double charge: %d", account.BalanceCoins)
	}
}

func TestConflictRetryEventuallySucceeds(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.conflicts = 2
	service := mustService(test, store)
	userID := mustUser(test, "retry-user")

	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance after retries: %v", err)
	}
	if balance.Coins != DefaultStartingGrantCoins {
		test.Fatalf("expected balance %d, got %d", DefaultStartingGrantCoins, balance.Coins)
	}
}

func TestConflictRetryGivesUp(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.conflicts = 10
	service := mustService(test, store)
	userID := mustUser(test, "doomed-user")

	_, err := service.Balance(context.Background(), userID)
	if !errors.Is(err, ErrPersistenceConflict) {
		test.Fatalf("expected ErrPersistenceConflict, got %v", err)
	}
}

func TestAwardRequiresExistingAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "ghost-user")

	_, err := service.Award(context.Background(), userID, mustAmount(test, 25), mustReason(test, "welcome back"), mustMetadata(test, "{}"))
	if !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAwardIsIntentionallyRepeatable(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "vip-user")
	amount := mustAmount(test, 20)
	reason := mustReason(test, "loyalty bonus")
	metadata := mustMetadata(test, "{}")

	if _, err := service.Balance(context.Background(), userID); err != nil {
		test.Fatalf("prime account: %v", err)
	}
	first, err := service.Award(context.Background(), userID, amount, reason, metadata)
	if err != nil {
		test.Fatalf("first award: %v", err)
	}
	second, err := service.Award(context.Background(), userID, amount, reason, metadata)
	if err != nil {
		test.Fatalf("second award: %v", err)
	}
	if second.Replayed || first.Replayed {
		test.Fatalf("awards must mint fresh credits")
	}
	if second.NewBalanceCoins != DefaultStartingGrantCoins+40 {
		test.Fatalf("expected balance %d, got %d", DefaultStartingGrantCoins+40, second.NewBalanceCoins)
	}
}

func TestRefundReversesCompletedSpendOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "refund-user")
	resource := mustResource(test, "broken-download")
	metadata := mustMetadata(test, "{}")

	spend, err := service.Debit(context.Background(), userID, mustAmount(test, 15), mustReason(test, "unlock"), &resource, metadata)
	if err != nil {
		test.Fatalf("debit: %v", err)
	}

	refund, err := service.Refund(context.Background(), userID, spend.Transaction.TransactionID, mustReason(test, "support refund"), metadata)
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if refund.Transaction.Kind != KindRefund || refund.Transaction.AmountCoins != spend.Transaction.AmountCoins {
		test.Fatalf("unexpected refund transaction: %+v", refund.Transaction)
	}
	if refund.NewBalanceCoins != DefaultStartingGrantCoins {
		test.Fatalf("refund must restore the balance to %d, got %d", DefaultStartingGrantCoins, refund.NewBalanceCoins)
	}

	again, err := service.Refund(context.Background(), userID, spend.Transaction.TransactionID, mustReason(test, "support refund"), metadata)
	if err != nil {
		test.Fatalf("repeated refund: %v", err)
	}
	if !again.Replayed {
		test.Fatalf("a spend refunds at most once")
	}
	if again.NewBalanceCoins != DefaultStartingGrantCoins {
		test.Fatalf("repeated refund must not credit again, balance %d", again.NewBalanceCoins)
	}
}

func TestRefundRejectsNonSpendTransactions(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "greedy-user")
	ref := mustRef(test, "ch_gift")

	credit, err := service.Credit(context.Background(), userID, mustAmount(test, 100), KindPurchase, mustReason(test, "package"), &ref, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	_, err = service.Refund(context.Background(), userID, credit.Transaction.TransactionID, mustReason(test, "oops"), mustMetadata(test, "{}"))
	if !errors.Is(err, ErrNotRefundable) {
		test.Fatalf("expected ErrNotRefundable, got %v", err)
	}
}

func TestSpendForUnknownAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "nobody")
	resource := mustResource(test, "anything")

	_, found, err := service.SpendFor(context.Background(), userID, resource)
	if err != nil {
		test.Fatalf("spend lookup: %v", err)
	}
	if found {
		test.Fatalf("unknown account cannot have spends")
	}
}

func TestListTransactionsIncludesSignupGrant(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustService(test, store)
	userID := mustUser(test, "history-user")

	transactions, err := service.ListTransactions(context.Background(), userID, 0, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 1 || transactions[0].Kind != KindGift {
		test.Fatalf("expected the signup grant in the listing, got %+v", transactions)
	}
}

func TestOperationLoggerObservesOutcomes(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	recorder := &recordingLogger{}
	service := mustService(test, store, WithOperationLogger(recorder))
	userID := mustUser(test, "logged-user")
	resource := mustResource(test, "too-pricey")

	_, err := service.Debit(context.Background(), userID, mustAmount(test, 500), mustReason(test, "unlock"), &resource, mustMetadata(test, "{}"))
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(recorder.entries) != 1 {
		test.Fatalf("expected one logged operation, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Status != operationStatusError || entry.Error == nil {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
}

func TestBalanceLogsOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	recorder := &recordingLogger{}
	service := mustService(test, store, WithOperationLogger(recorder))
	userID := mustUser(test, "balance-logged-user")

	if _, err := service.Balance(context.Background(), userID); err != nil {
		test.Fatalf("balance: %v", err)
	}
	if len(recorder.entries) != 1 {
		test.Fatalf("expected one logged operation, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Operation != operationBalance || entry.Status != operationStatusOK {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	_, err := NewService(nil, func() int64 { return 0 })
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	_, err = NewService(newStubStore(), nil)
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
}

// --- helpers ---

type stubStore struct {
	mu           sync.Mutex
	accounts     map[string]Account
	transactions []Transaction
	conflicts    int
	nextID       int
}

func newStubStore() *stubStore {
	return &stubStore{accounts: make(map[string]Account)}
}

func (s *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts > 0 {
		s.conflicts--
		return ErrPersistenceConflict
	}
	return s.runInTx(ctx, fn, s)
}

// runInTx snapshots the stub's state and rolls it back when fn fails, so the
// stub honors the all-or-nothing contract of a real transaction.
func (s *stubStore) runInTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error, txStore Store) error {
	accountsBefore := make(map[string]Account, len(s.accounts))
	for key, value := range s.accounts {
		accountsBefore[key] = value
	}
	transactionsBefore := append([]Transaction(nil), s.transactions...)
	nextBefore := s.nextID

	if err := fn(ctx, txStore); err != nil {
		s.accounts = accountsBefore
		s.transactions = transactionsBefore
		s.nextID = nextBefore
		return err
	}
	return nil
}

func (s *stubStore) GetOrCreateAccount(ctx context.Context, userID string) (Account, bool, error) {
	if account, ok := s.accounts[userID]; ok {
		return account, false, nil
	}
	s.nextID++
	account := Account{
		AccountID:    fmt.Sprintf("acct-%d", s.nextID),
		UserID:       userID,
		BalanceCoins: 0,
	}
	s.accounts[userID] = account
	return account, true, nil
}

func (s *stubStore) GetAccount(ctx context.Context, userID string) (Account, error) {
	account, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (s *stubStore) AddToBalance(ctx context.Context, accountID string, amount CoinAmount) (int64, error) {
	for userID, account := range s.accounts {
		if account.AccountID == accountID {
			account.BalanceCoins += amount.Int64()
			s.accounts[userID] = account
			return account.BalanceCoins, nil
		}
	}
	return 0, ErrAccountNotFound
}

func (s *stubStore) SubtractIfSufficient(ctx context.Context, accountID string, amount CoinAmount) (int64, bool, error) {
	for userID, account := range s.accounts {
		if account.AccountID == accountID {
			if account.BalanceCoins < amount.Int64() {
				return account.BalanceCoins, false, nil
			}
			account.BalanceCoins -= amount.Int64()
			s.accounts[userID] = account
			return account.BalanceCoins, true, nil
		}
	}
	return 0, false, ErrAccountNotFound
}

func (s *stubStore) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	for _, existing := range s.transactions {
		if existing.AccountID != input.AccountID {
			continue
		}
		if input.ExternalRef != "" && existing.ExternalRef == input.ExternalRef {
			return Transaction{}, ErrDuplicateOperation
		}
		if input.Kind == KindSpend && input.ResourceID != "" &&
			existing.Kind == KindSpend && existing.Status == StatusCompleted && existing.ResourceID == input.ResourceID {
			return Transaction{}, ErrDuplicateOperation
		}
	}
	s.nextID++
	transaction := Transaction{
		TransactionID:  fmt.Sprintf("txn-%d", s.nextID),
		AccountID:      input.AccountID,
		Kind:           input.Kind,
		AmountCoins:    input.AmountCoins,
		ExternalRef:    input.ExternalRef,
		ResourceID:     input.ResourceID,
		Status:         input.Status,
		Reason:         input.Reason,
		MetadataJSON:   input.MetadataJSON,
		CreatedUnixUTC: input.CreatedUnixUTC,
	}
	s.transactions = append(s.transactions, transaction)
	return transaction, nil
}

func (s *stubStore) FindByExternalRef(ctx context.Context, accountID string, externalRef string) (Transaction, bool, error) {
	for _, transaction := range s.transactions {
		if transaction.AccountID == accountID && transaction.ExternalRef == externalRef && transaction.Status == StatusCompleted {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (s *stubStore) FindCompletedSpend(ctx context.Context, accountID string, resourceID string) (Transaction, bool, error) {
	for _, transaction := range s.transactions {
		if transaction.AccountID == accountID && transaction.Kind == KindSpend &&
			transaction.Status == StatusCompleted && transaction.ResourceID == resourceID {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (s *stubStore) GetTransaction(ctx context.Context, accountID string, transactionID string) (Transaction, error) {
	for _, transaction := range s.transactions {
		if transaction.AccountID == accountID && transaction.TransactionID == transactionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (s *stubStore) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	var out []Transaction
	for _, transaction := range s.transactions {
		if transaction.AccountID != accountID {
			continue
		}
		if beforeUnixUTC > 0 && transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		out = append(out, transaction)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubStore) ListAllTransactions(ctx context.Context, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	out := append([]Transaction(nil), s.transactions...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubStore) mustAccount(test *testing.T, userID string) Account {
	test.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[userID]
	if !ok {
		test.Fatalf("account for %s not found", userID)
	}
	return account
}

// blindStore hides an existing row from the pre-insert lookup once, forcing
// the unique-violation path a lost concurrent race takes.
type blindStore struct {
	*stubStore
	hideRefOnce   bool
	hideSpendOnce bool
}

func (s *blindStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	s.stubStore.mu.Lock()
	defer s.stubStore.mu.Unlock()
	return s.stubStore.runInTx(ctx, fn, s)
}

func (s *blindStore) FindByExternalRef(ctx context.Context, accountID string, externalRef string) (Transaction, bool, error) {
	if s.hideRefOnce {
		s.hideRefOnce = false
		return Transaction{}, false, nil
	}
	return s.stubStore.FindByExternalRef(ctx, accountID, externalRef)
}

func (s *blindStore) FindCompletedSpend(ctx context.Context, accountID string, resourceID string) (Transaction, bool, error) {
	if s.hideSpendOnce {
		s.hideSpendOnce = false
		return Transaction{}, false, nil
	}
	return s.stubStore.FindCompletedSpend(ctx, accountID, resourceID)
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(ctx context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func mustService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUser(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustRef(test *testing.T, raw string) ExternalRef {
	test.Helper()
	value, err := NewExternalRef(raw)
	if err != nil {
		test.Fatalf("external ref: %v", err)
	}
	return value
}

func mustResource(test *testing.T, raw string) ResourceID {
	test.Helper()
	value, err := NewResourceID(raw)
	if err != nil {
		test.Fatalf("resource id: %v", err)
	}
	return value
}

func mustReason(test *testing.T, raw string) Reason {
	test.Helper()
	value, err := NewReason(raw)
	if err != nil {
		test.Fatalf("reason: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustAmount(test *testing.T, raw int64) CoinAmount {
	test.Helper()
	value, err := NewCoinAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}
