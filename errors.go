package vmledger

import (
	"errors"
	"fmt"

	"github.com/xraph/vmledger/cost"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/types"
	"github.com/xraph/vmledger/vm"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("vmledger: not found")
	ErrAlreadyExists = errors.New("vmledger: already exists")
	ErrInvalidInput  = errors.New("vmledger: invalid input")

	// Account errors
	ErrAccountNotFound     = errors.New("vmledger: account not found")
	ErrInsufficientCredits = errors.New("vmledger: insufficient credits")
	ErrInvalidAmount       = errors.New("vmledger: invalid amount")
	ErrCurrencyMismatch    = errors.New("vmledger: currency mismatch")

	// VM errors
	ErrVMNotFound           = errors.New("vmledger: vm not found")
	ErrVMNameTaken          = errors.New("vmledger: vm name already in use")
	ErrProvisionFailed      = errors.New("vmledger: provisioning failed")
	ErrInvalidTransition    = vm.ErrInvalidTransition
	ErrInvalidInstanceClass = cost.ErrInvalidInstanceClass
	ErrInvalidName          = vm.ErrInvalidName
	ErrInvalidImage         = vm.ErrInvalidImage

	// Ledger errors
	ErrEntryNotFound = errors.New("vmledger: ledger entry not found")

	// Store errors
	ErrConcurrencyConflict = errors.New("vmledger: concurrency conflict")
	ErrPersistenceFailure  = errors.New("vmledger: persistence failure")
	ErrStoreClosed         = errors.New("vmledger: store is closed")
	ErrMigrationFailed     = errors.New("vmledger: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("vmledger: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// CreditError explains an InsufficientCredits rejection.
type CreditError struct {
	AccountID id.AccountID
	Balance   types.Money
	// Available is the balance left after reserve holds for running VMs.
	Available types.Money
	Required  types.Money
	Reason    string
}

func (e *CreditError) Error() string {
	return fmt.Sprintf("vmledger: insufficient credits for account %s: %s (balance %s, available %s, required %s)",
		e.AccountID, e.Reason, e.Balance, e.Available, e.Required)
}

// Unwrap lets errors.Is match ErrInsufficientCredits.
func (e *CreditError) Unwrap() error { return ErrInsufficientCredits }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrVMNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}

// IsValidation returns true if the error rejects caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInstanceClass) ||
		errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidImage) ||
		errors.Is(err, ErrCurrencyMismatch)
}

// IsRetryable returns true if the whole operation may be retried as is.
// Every operation applies atomically, so a retry never double-applies.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrPersistenceFailure)
}
