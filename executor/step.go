package executor

import "fmt"

// Capability is a step's declared read/write intent, gating admission under
// degraded operating mode.
type Capability string

const (
	CapabilityRead  Capability = "read"
	CapabilityWrite Capability = "write"
)

// Mode is the operating mode computed once at boot and held for the
// process lifetime.
type Mode string

const (
	ModeAutonomous Mode = "autonomous"
	ModeDegraded   Mode = "degraded"
	ModeDev        Mode = "dev"
)

// Step is one workflow step descriptor, the input to Executor.Run.
type Step struct {
	ID         string
	Skill      string
	Scope      string
	Resource   string
	Capability Capability
	Action     string
	Parameters map[string]any
}

// Fingerprint composes the deterministic dedup fingerprint for a step,
// action:scope/resource:stepID. It identifies "the same action" across
// retries, so it deliberately excludes the workflow run.
func Fingerprint(workflowID string, s Step) string {
	return fmt.Sprintf("%s:%s/%s:%s", s.Action, s.Scope, s.Resource, s.ID)
}

// Status is a step result's terminal state.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Result is the terminal outcome of one step execution.
type Result struct {
	Status       Status
	Outputs      any
	Deduped      bool
	Error        string
	ErrorClass   string
	RetryAfterMs int64
}
