package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reasons a task is skipped.
var (
	ErrPredecessorFailed  = errors.New("predecessor failed")
	ErrPredecessorSkipped = errors.New("predecessor skipped")
	ErrFailFast           = errors.New("build stopped after failure")
	ErrCancelled          = errors.New("build cancelled")
)

// ErrResourceContentionTimeout is matched by every *ResourceContentionError.
var ErrResourceContentionTimeout = errors.New("resource contention timeout")

// TaskExecutionError is the failure of one task's action.
type TaskExecutionError struct {
	Task     string
	Attempts int
	Err      error
}

func (e *TaskExecutionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("task %s failed after %d attempts: %v", e.Task, e.Attempts, e.Err)
	}
	return fmt.Sprintf("task %s failed: %v", e.Task, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// ResourceContentionError reports a task that waited too long for its
// resource tags.
type ResourceContentionError struct {
	Task     string
	Tags     []string
	Waited   time.Duration
	Attempts int
}

func (e *ResourceContentionError) Error() string {
	return fmt.Sprintf("task %s: %v waiting %s for [%s] (attempt %d)",
		e.Task, ErrResourceContentionTimeout, e.Waited.Round(time.Millisecond), strings.Join(e.Tags, ", "), e.Attempts)
}

func (e *ResourceContentionError) Unwrap() error { return ErrResourceContentionTimeout }

// PanicError is a recovered panic from a task action.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
