package types

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// BuildStatus represents the current state of a build invocation.
type BuildStatus string

const (
	BuildStatusQueued    BuildStatus = "queued"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// IsFinished reports whether the build has reached a final status.
func (s BuildStatus) IsFinished() bool {
	switch s {
	case BuildStatusSucceeded, BuildStatusFailed, BuildStatusCancelled:
		return true
	default:
		return false
	}
}

// Build is the stored record of one build invocation.
type Build struct {
	ID         string            `json:"id"`
	Targets    []string          `json:"targets,omitempty"`
	Tasks      []string          `json:"tasks"`
	Status     BuildStatus       `json:"status"`
	FailFast   bool              `json:"fail_fast"`
	Results    []ExecutionResult `json:"results,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// BuildResult aggregates the per-task outcomes of a build.
type BuildResult struct {
	ID         string            `json:"id"`
	Status     BuildStatus       `json:"status"`
	Targets    []string          `json:"targets,omitempty"`
	Results    []ExecutionResult `json:"results"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// NewBuildResult sorts results by task id and derives the build status.
func NewBuildResult(id string, targets []string, results []ExecutionResult, started, finished time.Time, cancelled bool) *BuildResult {
	sorted := make([]ExecutionResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Task < sorted[j].Task })

	r := &BuildResult{
		ID:         id,
		Targets:    targets,
		Results:    sorted,
		StartedAt:  started,
		FinishedAt: finished,
	}
	switch {
	case len(r.Failed()) > 0:
		r.Status = BuildStatusFailed
	case cancelled:
		r.Status = BuildStatusCancelled
	default:
		r.Status = BuildStatusSucceeded
	}
	return r
}

// Duration returns the wall-clock time of the build.
func (r *BuildResult) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Result returns the outcome for a task id.
func (r *BuildResult) Result(task string) (ExecutionResult, bool) {
	for _, res := range r.Results {
		if res.Task == task {
			return res, true
		}
	}
	return ExecutionResult{}, false
}

// Failed returns every Failed task result.
func (r *BuildResult) Failed() []ExecutionResult { return r.inState(TaskStateFailed) }

// Skipped returns every Skipped task result.
func (r *BuildResult) Skipped() []ExecutionResult { return r.inState(TaskStateSkipped) }

// Count returns how many tasks ended in the given state.
func (r *BuildResult) Count(state TaskState) int { return len(r.inState(state)) }

func (r *BuildResult) inState(state TaskState) []ExecutionResult {
	var out []ExecutionResult
	for _, res := range r.Results {
		if res.State == state {
			out = append(out, res)
		}
	}
	return out
}

// OK reports whether the build is not fatal to the caller. Skipped tasks alone
// do not make a build fatal.
func (r *BuildResult) OK() bool { return len(r.Failed()) == 0 }

// Err joins the failure causes of all Failed tasks, or returns nil.
func (r *BuildResult) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		cause := res.Err
		if cause == nil {
			cause = errors.New(res.Cause)
		}
		errs = append(errs, fmt.Errorf("task %s: %w", res.Task, cause))
	}
	return errors.Join(errs...)
}

// Process exit codes reported by the CLI.
const (
	ExitOK        = 0
	ExitFailed    = 1
	ExitUsage     = 2
	ExitCancelled = 130
)

// ExitCode maps the build status to a process exit code.
func (r *BuildResult) ExitCode() int {
	switch r.Status {
	case BuildStatusSucceeded:
		return ExitOK
	case BuildStatusCancelled:
		return ExitCancelled
	default:
		return ExitFailed
	}
}
