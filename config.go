package vmledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/vmledger/types"
)

// Config holds the engine's billing and concurrency settings.
type Config struct {
	// Currency is the single currency every account and rate is held in.
	Currency string `json:"currency" mapstructure:"currency" yaml:"currency"`

	// MinimumReserve is the balance, in minor units, each running VM holds
	// back. Creating or starting a VM needs this much available credit.
	MinimumReserve int64 `json:"minimum_reserve" mapstructure:"minimum_reserve" yaml:"minimum_reserve"`

	// CreationFee is charged by the vm_create entry, in minor units.
	CreationFee int64 `json:"creation_fee" mapstructure:"creation_fee" yaml:"creation_fee"`

	// MaxRetries bounds how often a commit is retried after a version conflict.
	MaxRetries   int           `json:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff" mapstructure:"retry_backoff" yaml:"retry_backoff"`

	// OperationTimeout bounds lock wait plus the whole check-then-commit step.
	OperationTimeout time.Duration `json:"operation_timeout" mapstructure:"operation_timeout" yaml:"operation_timeout"`

	// AccrualInterval enables the periodic billing sweep of running VMs.
	// Zero disables it, so sessions are billed only when they end.
	AccrualInterval  time.Duration `json:"accrual_interval" mapstructure:"accrual_interval" yaml:"accrual_interval"`
	AccrualBatchSize int           `json:"accrual_batch_size" mapstructure:"accrual_batch_size" yaml:"accrual_batch_size"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Currency:         types.DefaultCurrency,
		MinimumReserve:   5,
		CreationFee:      0,
		MaxRetries:       3,
		RetryBackoff:     10 * time.Millisecond,
		OperationTimeout: 10 * time.Second,
		AccrualInterval:  0,
		AccrualBatchSize: 500,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Currency) == "" {
		errs = append(errs, ValidationError{Field: "currency", Message: "must not be empty"})
	}
	if c.MinimumReserve < 0 {
		errs = append(errs, ValidationError{Field: "minimum_reserve", Message: "must not be negative"})
	}
	if c.CreationFee < 0 {
		errs = append(errs, ValidationError{Field: "creation_fee", Message: "must not be negative"})
	}
	if c.MaxRetries < 0 {
		errs = append(errs, ValidationError{Field: "max_retries", Message: "must not be negative"})
	}
	if c.OperationTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "operation_timeout", Message: "must be positive"})
	}
	if c.AccrualInterval < 0 {
		errs = append(errs, ValidationError{Field: "accrual_interval", Message: "must not be negative"})
	}
	if len(errs) > 0 {
		return fmt.Errorf("vmledger: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// withDefaults fills zero values a caller left unset.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Currency == "" {
		c.Currency = d.Currency
	}
	c.Currency = strings.ToLower(c.Currency)
	if c.OperationTimeout == 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.AccrualBatchSize <= 0 {
		c.AccrualBatchSize = d.AccrualBatchSize
	}
	return c
}
