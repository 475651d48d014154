package jobs

// Status is the lifecycle state of a job.
type Status string

// Job statuses persisted in the record store.
const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusQueued,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusQueued},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether s records a finished attempt. FAILED is terminal
// for the attempt even though the orchestrator may re-queue it.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from→to is an edge of the job state machine.
// FAILED→QUEUED is structurally allowed here; retry budget is checked by the
// manager.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sources returns every status that may transition to target.
func Sources(target Status) []Status {
	var out []Status
	for _, from := range AllStatuses {
		if CanTransition(from, target) {
			out = append(out, from)
		}
	}
	return out
}
