package model

import "time"

// Execution status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Script type constants. Function-style types run the default export as a
// function; ServerEvent and EndpointRequest dispatch to a method named by the
// trigger.
const (
	ScriptScheduledTask   = "ScheduledTask"
	ScriptQueuedTask      = "QueuedTask"
	ScriptServerEvent     = "ServerEvent"
	ScriptEndpointRequest = "EndpointRequest"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status ends an execution.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// LogLine is one script log line persisted for an execution.
type LogLine struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Level       string    `json:"level"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}

// Execution is one run of an Action Script.
type Execution struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	ScriptType string     `json:"script_type"`
	Trigger    string     `json:"trigger,omitempty"`
	Isolation  string     `json:"isolation"`
	Code       string     `json:"-"`
	InputJSON  string     `json:"-"`
	TimeoutMS  int64      `json:"timeout_ms"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	WorkerID   string     `json:"worker_id,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
