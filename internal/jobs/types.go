package jobs

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Priority selects the lane a job is queued on. Higher values drain first.
type Priority int

// Supported priorities.
const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// DrainOrder lists lanes in the order workers poll them.
var DrainOrder = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts a lane name ("high") or its numeric value ("3").
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return PriorityLow, nil
	case "normal", "2", "":
		return PriorityNormal, nil
	case "high", "3":
		return PriorityHigh, nil
	case "urgent", "4":
		return PriorityUrgent, nil
	}
	return 0, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
}

// Kind names the type of scrape a job performs.
type Kind string

// Supported job kinds.
const (
	KindFullScrape     Kind = "full_scrape"
	KindPriceUpdate    Kind = "price_update"
	KindCategoryUpdate Kind = "category_update"
	KindValidation     Kind = "validation"
	KindCleanup        Kind = "cleanup"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFullScrape, KindPriceUpdate, KindCategoryUpdate, KindValidation, KindCleanup:
		return true
	default:
		return false
	}
}

// JobConfig is the immutable request a job was created from.
type JobConfig struct {
	SourceID       string        `json:"source_id" mapstructure:"source_id"`
	Kind           Kind          `json:"kind" mapstructure:"kind"`
	MaxPages       int           `json:"max_pages" mapstructure:"max_pages"`
	RateLimitDelay time.Duration `json:"rate_limit_delay" mapstructure:"rate_limit_delay"`
	BatchSize      int           `json:"batch_size" mapstructure:"batch_size"`
	CategoryFilter string        `json:"category_filter,omitempty" mapstructure:"category_filter"`
	Priority       Priority      `json:"priority" mapstructure:"priority"`
	RetryBudget    int           `json:"retry_budget" mapstructure:"retry_budget"`
	// RetryBudgetProvided distinguishes an explicit budget of zero from an unset one.
	RetryBudgetProvided bool          `json:"-" mapstructure:"retry_budget_provided"`
	Timeout             time.Duration `json:"timeout" mapstructure:"timeout"`
	ScheduledTime       *time.Time    `json:"scheduled_time,omitempty" mapstructure:"scheduled_time"`
}

// Defaults holds the values applied to unset JobConfig fields.
type Defaults struct {
	RetryBudget int
	Timeout     time.Duration
}

// Record is the persisted, mutable state of one job.
type Record struct {
	ID           string         `json:"id"`
	Config       JobConfig      `json:"config"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Progress     map[string]any `json:"progress,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
}

// RetryEligible reports whether a FAILED record still has retry budget left.
// Backoff timing is decided by the recovery orchestrator.
func (r Record) RetryEligible() bool {
	return r.Status == StatusFailed && r.RetryCount < r.Config.RetryBudget
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (r Record) Clone() Record {
	out := r
	out.StartedAt = cloneTime(r.StartedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.Config.ScheduledTime = cloneTime(r.Config.ScheduledTime)
	out.Progress = maps.Clone(r.Progress)
	out.Result = maps.Clone(r.Result)
	return out
}

// Patch describes a partial, conditional update to a Record. Nil fields are
// left unchanged. When From is non-empty the update only applies if the
// current status is one of them.
type Patch struct {
	From []Status
	// Attempt, when set, additionally requires retry_count to equal it. Each
	// run of a job has a distinct retry_count.
	Attempt          *int
	Status           Status
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ClearCompletedAt bool
	Result           map[string]any
	Progress         map[string]any
	ErrorMessage     *string
	RetryCount       *int
}

// Apply mutates rec according to the patch. Callers check From first.
func (p Patch) Apply(rec *Record) {
	if p.Status != "" {
		rec.Status = p.Status
	}
	if p.StartedAt != nil {
		rec.StartedAt = cloneTime(p.StartedAt)
	}
	if p.ClearCompletedAt {
		rec.CompletedAt = nil
	}
	if p.CompletedAt != nil {
		rec.CompletedAt = cloneTime(p.CompletedAt)
	}
	if p.Result != nil {
		rec.Result = maps.Clone(p.Result)
	}
	if p.Progress != nil {
		if rec.Progress == nil {
			rec.Progress = make(map[string]any, len(p.Progress))
		}
		maps.Copy(rec.Progress, p.Progress)
	}
	if p.ErrorMessage != nil {
		rec.ErrorMessage = *p.ErrorMessage
	}
	if p.RetryCount != nil {
		rec.RetryCount = *p.RetryCount
	}
}

// Allows reports whether the patch precondition accepts status s.
func (p Patch) Allows(s Status) bool {
	if len(p.From) == 0 {
		return true
	}
	for _, from := range p.From {
		if from == s {
			return true
		}
	}
	return false
}

// Matches reports whether rec satisfies both the status and attempt
// preconditions.
func (p Patch) Matches(rec Record) bool {
	if p.Attempt != nil && rec.RetryCount != *p.Attempt {
		return false
	}
	return p.Allows(rec.Status)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses       []Status
	SourceID       string
	CompletedAfter *time.Time
	Limit          int
}

// Stats summarizes queue depth and job counts.
type Stats struct {
	Lanes     map[string]int `json:"lanes"`
	Pending   int            `json:"pending"`
	Queued    int            `json:"queued"`
	Running   int            `json:"running"`
	Active    int            `json:"active"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Cancelled int            `json:"cancelled"`
	Degraded  bool           `json:"degraded"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
