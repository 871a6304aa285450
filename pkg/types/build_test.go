package types

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewBuildResult(t *testing.T) {
	start := time.Now()
	boom := errors.New("boom")

	tests := []struct {
		name      string
		results   []ExecutionResult
		cancelled bool
		status    BuildStatus
		exit      int
	}{
		{
			name: "all succeeded or up to date",
			results: []ExecutionResult{
				{Task: ":b", State: TaskStateUpToDate},
				{Task: ":a", State: TaskStateSucceeded},
			},
			status: BuildStatusSucceeded,
			exit:   ExitOK,
		},
		{
			name: "skipped alone is not fatal",
			results: []ExecutionResult{
				{Task: ":a", State: TaskStateSkipped, Cause: "not run"},
			},
			status: BuildStatusSucceeded,
			exit:   ExitOK,
		},
		{
			name: "failure wins over cancellation",
			results: []ExecutionResult{
				{Task: ":a", State: TaskStateFailed, Err: boom},
				{Task: ":b", State: TaskStateSkipped},
			},
			cancelled: true,
			status:    BuildStatusFailed,
			exit:      ExitFailed,
		},
		{
			name:      "cancelled",
			results:   []ExecutionResult{{Task: ":a", State: TaskStateSkipped}},
			cancelled: true,
			status:    BuildStatusCancelled,
			exit:      ExitCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewBuildResult("b1", nil, tt.results, start, start.Add(time.Second), tt.cancelled)
			if r.Status != tt.status {
				t.Errorf("status = %s, want %s", r.Status, tt.status)
			}
			if r.ExitCode() != tt.exit {
				t.Errorf("exit code = %d, want %d", r.ExitCode(), tt.exit)
			}
			if r.OK() != (r.Status != BuildStatusFailed) {
				t.Errorf("OK() = %v for status %s", r.OK(), r.Status)
			}
			for i := 1; i < len(r.Results); i++ {
				if r.Results[i-1].Task > r.Results[i].Task {
					t.Errorf("results not sorted: %v", r.Results)
				}
			}
		})
	}
}

func TestBuildResult_Err(t *testing.T) {
	boom := errors.New("boom")
	r := NewBuildResult("b1", nil, []ExecutionResult{
		{Task: ":a", State: TaskStateFailed, Err: boom},
		{Task: ":b", State: TaskStateFailed, Cause: "exit code 2"},
		{Task: ":c", State: TaskStateSkipped},
	}, time.Now(), time.Now(), false)

	err := r.Err()
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to wrap boom, got %v", err)
	}
	if !strings.Contains(err.Error(), "task :b: exit code 2") {
		t.Errorf("missing cause for :b in %q", err)
	}
	if len(r.Failed()) != 2 || len(r.Skipped()) != 1 || r.Count(TaskStateSkipped) != 1 {
		t.Errorf("unexpected counts: failed=%d skipped=%d", len(r.Failed()), len(r.Skipped()))
	}
	if _, ok := r.Result(":c"); !ok {
		t.Error("Result(:c) not found")
	}

	ok := NewBuildResult("b2", nil, nil, time.Now(), time.Now(), false)
	if ok.Err() != nil {
		t.Errorf("expected nil error, got %v", ok.Err())
	}
}

func TestTaskElement(t *testing.T) {
	var e Element = TaskElement{ID: ":app:compile", DisplayName: "compile", Detail: "Compiles the app"}
	if e.Name() != "compile" || e.Description() != "Compiles the app" {
		t.Errorf("unexpected element %+v", e)
	}
	if (TaskElement{DisplayName: "x"}).Description() != "" {
		t.Error("description may be empty")
	}
}

func TestTaskState(t *testing.T) {
	for _, s := range []TaskState{TaskStateSucceeded, TaskStateUpToDate} {
		if !s.Satisfies() || !s.IsTerminal() {
			t.Errorf("%s should satisfy successors and be terminal", s)
		}
	}
	for _, s := range []TaskState{TaskStateFailed, TaskStateSkipped} {
		if s.Satisfies() || !s.IsTerminal() {
			t.Errorf("%s should be terminal but not satisfy successors", s)
		}
	}
	for _, s := range []TaskState{TaskStatePending, TaskStateReady, TaskStateRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestBuildStatusIsFinished(t *testing.T) {
	for _, s := range []BuildStatus{BuildStatusSucceeded, BuildStatusFailed, BuildStatusCancelled} {
		if !s.IsFinished() {
			t.Errorf("%s should be finished", s)
		}
	}
	for _, s := range []BuildStatus{BuildStatusQueued, BuildStatusRunning, ""} {
		if s.IsFinished() {
			t.Errorf("%q should not be finished", s)
		}
	}
}
