package audithook

// Action constants for audit events.
const (
	// Account actions
	ActionAccountOpened    = "account.opened"
	ActionAccountOverLimit = "account.over_limit"
	ActionCreditsAdded     = "credits.added"
	ActionCreditsAdjusted  = "credits.adjusted"

	// VM actions
	ActionVMCreated         = "vm.created"
	ActionVMProvisionFailed = "vm.provision_failed"
	ActionVMStarted         = "vm.started"
	ActionVMStopped         = "vm.stopped"
	ActionVMRestarted       = "vm.restarted"
	ActionVMDeleted         = "vm.deleted"

	// Usage actions
	ActionUsageAccrued = "usage.accrued"

	// Engine actions
	ActionCommitFailed = "commit.failed"
)

// Resource constants for audit events.
const (
	ResourceVM      = "vm"
	ResourceAccount = "account"
	ResourceLedger  = "ledger"
)

// Category constants for audit events.
const (
	CategoryLifecycle   = "lifecycle"
	CategoryBilling     = "billing"
	CategoryUsage       = "usage"
	CategoryReliability = "reliability"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
