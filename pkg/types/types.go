package types

import (
	"encoding/json"
	"time"
)

// Job represents a single validation run from submission to terminal state
type Job struct {
	ID     string    `json:"job_id"`
	TaskID string    `json:"task_id"`
	Seq    uint64    `json:"seq"`
	Status JobStatus `json:"status"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Spec *TaskSpec `json:"task_spec"`

	TimeoutS    int  `json:"timeout_s"`
	NetChecks   bool `json:"net_checks"`
	StreamLog   bool `json:"stream_log"`
	QuietKernel bool `json:"quiet_kernel"`

	SubmissionPath string `json:"submission_path"`
	WorkspacePath  string `json:"workspace_path,omitempty"`
	LogPath        string `json:"log_path"`

	// TAPDevice is set only while the job is running
	TAPDevice string `json:"tap_device,omitempty"`

	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`

	// LogTail holds the last bytes of the job log for lookup responses.
	// It is populated on read, never persisted.
	LogTail string `json:"log_tail,omitempty"`
}

// Terminal reports whether the job has reached a final state
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// TaskSpec is the immutable document bundled with a job. Everything except
// the invariants array is opaque to the sandbox plumbing.
type TaskSpec struct {
	Invariants []Invariant                `json:"invariants"`
	Extra      map[string]json.RawMessage `json:"-"`
}

// specAlias avoids recursion in the custom (un)marshal below
type specAlias struct {
	Invariants []Invariant `json:"invariants"`
}

// UnmarshalJSON keeps unknown task-spec fields intact so the document can be
// written back to the guest byte-compatible in meaning.
func (s *TaskSpec) UnmarshalJSON(data []byte) error {
	var a specAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "invariants")
	s.Invariants = a.Invariants
	s.Extra = raw
	return nil
}

// MarshalJSON re-assembles the spec including opaque fields
func (s *TaskSpec) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.Extra)+1)
	for k, v := range s.Extra {
		out[k] = v
	}
	inv, err := json.Marshal(s.Invariants)
	if err != nil {
		return nil, err
	}
	out["invariants"] = inv
	return json.Marshal(out)
}

// Invariant is one machine-checkable predicate in a task spec. Params are
// decoded per Kind by the evaluator; the plumbing never looks inside.
type Invariant struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// ResultStatus is the aggregate pass/fail of a validation run
type ResultStatus string

const (
	ResultPass ResultStatus = "pass"
	ResultFail ResultStatus = "fail"
)

// Result is the outcome document produced by the guest and surfaced by the
// service. Status is pass iff every invariant passed and total > 0.
type Result struct {
	Status           ResultStatus      `json:"status"`
	Score            float64           `json:"score"`
	PassedInvariants int               `json:"passed_invariants"`
	TotalInvariants  int               `json:"total_invariants"`
	Detail           []InvariantResult `json:"detail"`
	LogsRef          string            `json:"logs_ref,omitempty"`
	Message          string            `json:"message,omitempty"`
}

// InvariantResult is the per-invariant record inside a Result
type InvariantResult struct {
	ID     string       `json:"id"`
	Kind   string       `json:"kind"`
	Status ResultStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

// FailResult builds a fail-closed result with the given message
func FailResult(message string) *Result {
	return &Result{
		Status:  ResultFail,
		Score:   0,
		Detail:  []InvariantResult{},
		Message: message,
	}
}

// HealthStatus is the response body of GET /health
type HealthStatus struct {
	SandboxReady bool `json:"sandbox_ready"`
	TokenReady   bool `json:"token_ready"`
	QueueDepth   int  `json:"queue_depth"`
	WorkersTotal int  `json:"workers_total"`
	WorkersIdle  int  `json:"workers_idle"`
}
