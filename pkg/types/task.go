// Package types provides shared types for the forge build engine.
package types

import (
	"time"
)

// TaskState represents the current state of a task within a build.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateReady     TaskState = "ready"
	TaskStateRunning   TaskState = "running"
	TaskStateUpToDate  TaskState = "up_to_date"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
	TaskStateSkipped   TaskState = "skipped"
)

// IsTerminal reports whether the state is final for a build.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateUpToDate, TaskStateSucceeded, TaskStateFailed, TaskStateSkipped:
		return true
	default:
		return false
	}
}

// Satisfies reports whether a predecessor in this state lets its successors run.
func (s TaskState) Satisfies() bool {
	return s == TaskStateSucceeded || s == TaskStateUpToDate
}

// String returns the state label used in reports.
func (s TaskState) String() string { return string(s) }

// ExecutionResult is the outcome record of a single task. It is created when the
// task reaches a terminal state and never modified afterwards.
type ExecutionResult struct {
	Task       string        `json:"task"`
	State      TaskState     `json:"state"`
	Duration   time.Duration `json:"duration"`
	Cause      string        `json:"cause,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`

	// Err is the failure cause as an error value. Not serialized.
	Err error `json:"-"`
}
