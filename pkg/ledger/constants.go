package ledger

const (
	operationBalance = "balance"
	operationCredit  = "credit"
	operationDebit   = "debit"
	operationAward   = "award"
	operationRefund  = "refund"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultStartingGrantCoins is credited when an account is first created.
	DefaultStartingGrantCoins int64 = 50

	defaultConflictRetries = 3

	signupRefPrefix = "signup:"
	awardRefPrefix  = "award:"
	refundRefPrefix = "refund:"

	reasonSignup = "signup"
)
