package ledger

const (
	operationOpenAccount = "open_account"
	operationDebit       = "debit"
	operationCredit      = "credit"
	operationRecordUsage = "record_usage"
	operationSetTier     = "set_tier"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultConflictAttempts = 5
	defaultPageSize         = 20
	maxPageSize             = 100
)
