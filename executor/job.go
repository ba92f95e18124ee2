// Package executor runs jobs: it bridges contract inputs to graph inputs,
// submits to the engine, and resolves contract outputs from the artifacts
// annotated output nodes write. Job records live in the SQLite state
// database next to the file index.
package executor

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job states.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

// Job is one invocation record. Terminal states are sticky: once the state
// is completed, failed or canceled it never transitions again.
type Job struct {
	JobID           string `json:"job_id"`
	State           string `json:"state"`
	InputPayload    string `json:"-"`
	OutputPayload   string `json:"-"`
	Error           string `json:"error,omitempty"`
	CancelRequested bool   `json:"cancel_requested"`
	PromptID        string `json:"prompt_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"-"`
}

// Output is the structured terminal payload of a completed job. Result maps
// contract output names to scalar values or file ids.
type Output struct {
	PromptID string                 `json:"prompt_id"`
	Status   string                 `json:"status"`
	Result   map[string]interface{} `json:"result"`
}

// NewJobID returns a fresh opaque job id (32 hex characters).
func NewJobID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewJob builds a queued job holding the verbatim request body.
func NewJob(inputPayload string) *Job {
	now := time.Now().UTC().Format(time.RFC3339)
	return &Job{
		JobID:        NewJobID(),
		State:        StateQueued,
		InputPayload: inputPayload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsTerminal reports whether the job has reached a sticky terminal state.
func (j *Job) IsTerminal() bool {
	switch j.State {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// ParsedOutput decodes the terminal output payload, or nil when absent.
func (j *Job) ParsedOutput() *Output {
	if j.OutputPayload == "" {
		return nil
	}
	var out Output
	if err := json.Unmarshal([]byte(j.OutputPayload), &out); err != nil {
		return nil
	}
	return &out
}

// MarshalJSON includes the parsed output under "output" so gateway
// responses carry structure, not a JSON string.
func (j *Job) MarshalJSON() ([]byte, error) {
	type alias Job
	return json.Marshal(struct {
		*alias
		Output *Output `json:"output,omitempty"`
	}{
		alias:  (*alias)(j),
		Output: j.ParsedOutput(),
	})
}
