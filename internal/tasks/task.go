// Package tasks owns the lifecycle of question-answering tasks: the
// task state document clients poll, the in-memory result store, and
// the supervisor that drives each task through the pipeline stages.
package tasks

import (
	"time"

	"github.com/corpusqa/corpusqa/internal/paperfinder"
	"github.com/corpusqa/corpusqa/internal/pipeline"
	"github.com/corpusqa/corpusqa/internal/providers"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal status change.
// Queued tasks may fail or be cancelled without ever running.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusInProgress || to == StatusFailed || to == StatusCancelled
	case StatusInProgress:
		return to == StatusComplete || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Step is one progress entry in a task's append-only step list.
type Step struct {
	Description        string     `json:"description"`
	StartTimestamp     time.Time  `json:"start_timestamp"`
	EstimatedTimestamp time.Time  `json:"estimated_timestamp"`
	EndTimestamp       *time.Time `json:"end_timestamp,omitempty"`
	Error              string     `json:"error,omitempty"`
}

// Open reports whether the step has not been closed yet.
func (s Step) Open() bool {
	return s.EndTimestamp == nil
}

// Result is the final answer attached to a complete task.
type Result struct {
	Sections []pipeline.GeneratedSection     `json:"sections"`
	Papers   []paperfinder.PaperAggregate    `json:"papers,omitempty"`
	Cost     map[string]providers.ModelUsage `json:"cost,omitempty"`
	TimingMs map[string]int64                `json:"timing_ms,omitempty"`
}

// TaskConfig is the runtime configuration snapshot a task was admitted
// under. A config reload never changes a task already submitted.
type TaskConfig struct {
	TimeoutSeconds int  `json:"timeout_seconds"`
	MaxConcurrent  int  `json:"max_concurrent"`
	Validate       bool `json:"validate"`
}

// Task is the state document for one question-answering job. It is
// serialized as-is to clients polling task status.
type Task struct {
	ID            string      `json:"task_id"`
	UserID        string      `json:"user_id,omitempty"`
	Query         string      `json:"query"`
	Status        Status      `json:"task_status"`
	EstimatedTime string      `json:"estimated_time,omitempty"`
	Steps         []Step      `json:"steps"`
	Result        *Result     `json:"task_result"`
	Detail        string      `json:"detail,omitempty"`
	Config        *TaskConfig `json:"config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	DoneAt    time.Time `json:"-"`
}

// clone copies the task deeply enough that callers can hold the
// snapshot while the store keeps mutating the original.
func (t *Task) clone() *Task {
	cp := *t
	cp.Steps = append([]Step(nil), t.Steps...)
	if t.Result != nil {
		res := *t.Result
		cp.Result = &res
	}
	if t.Config != nil {
		cfg := *t.Config
		cp.Config = &cfg
	}
	return &cp
}
