package jobs

import "time"

// Default JobConfig values.
const (
	DefaultKind           = KindPriceUpdate
	DefaultMaxPages       = 100
	DefaultRateLimitDelay = time.Second
	DefaultBatchSize      = 100
	DefaultPriority       = PriorityNormal
	DefaultRetryBudget    = 3
	DefaultTimeout        = 2 * time.Hour
	MaxRetryBudget        = 10
)

// WithDefaults fills unset fields from d and the package defaults.
func (c JobConfig) WithDefaults(d Defaults) JobConfig {
	if c.Kind == "" {
		c.Kind = DefaultKind
	}
	if c.MaxPages == 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.RateLimitDelay == 0 {
		c.RateLimitDelay = DefaultRateLimitDelay
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Priority == 0 {
		c.Priority = DefaultPriority
	}
	if !c.RetryBudgetProvided && c.RetryBudget == 0 {
		c.RetryBudget = d.RetryBudget
		if d.RetryBudget == 0 {
			c.RetryBudget = DefaultRetryBudget
		}
	}
	c.RetryBudgetProvided = true
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
		if d.Timeout == 0 {
			c.Timeout = DefaultTimeout
		}
	}
	return c
}

// Validate checks field ranges. It does not check that the source exists.
func (c JobConfig) Validate() error {
	switch {
	case c.SourceID == "":
		return &ValidationError{Field: "source_id", Reason: "is required"}
	case !c.Kind.Valid():
		return &ValidationError{Field: "kind", Reason: "unknown kind " + string(c.Kind)}
	case !c.Priority.Valid():
		return &ValidationError{Field: "priority", Reason: "must be between 1 and 4"}
	case c.MaxPages < 1:
		return &ValidationError{Field: "max_pages", Reason: "must be >= 1"}
	case c.BatchSize < 1:
		return &ValidationError{Field: "batch_size", Reason: "must be >= 1"}
	case c.RateLimitDelay < 0:
		return &ValidationError{Field: "rate_limit_delay", Reason: "must be >= 0"}
	case c.RetryBudget < 0 || c.RetryBudget > MaxRetryBudget:
		return &ValidationError{Field: "retry_budget", Reason: "must be between 0 and 10"}
	case c.Timeout < 0:
		return &ValidationError{Field: "timeout", Reason: "must be >= 0"}
	}
	return nil
}
