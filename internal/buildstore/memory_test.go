package buildstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flexinfer/forge/pkg/types"
)

func TestMemoryStore_CreateBuild(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	t.Run("generates id", func(t *testing.T) {
		id, err := store.CreateBuild(ctx, &types.Build{Tasks: []string{":a"}})
		if err != nil {
			t.Fatalf("CreateBuild failed: %v", err)
		}
		if id == "" {
			t.Error("expected ID to be generated")
		}
		b, err := store.GetBuild(ctx, id)
		if err != nil {
			t.Fatalf("GetBuild failed: %v", err)
		}
		if b.Status != types.BuildStatusQueued {
			t.Errorf("expected queued, got %s", b.Status)
		}
		if b.CreatedAt.IsZero() {
			t.Error("CreatedAt should be set")
		}
	})

	t.Run("custom id and duplicate", func(t *testing.T) {
		id, err := store.CreateBuild(ctx, &types.Build{ID: "custom"})
		if err != nil || id != "custom" {
			t.Fatalf("expected custom id, got %q, %v", id, err)
		}
		if _, err := store.CreateBuild(ctx, &types.Build{ID: "custom"}); err == nil {
			t.Error("expected error for duplicate id")
		}
	})

	t.Run("missing build", func(t *testing.T) {
		if _, err := store.GetBuild(ctx, "nope"); err != ErrBuildNotFound {
			t.Errorf("expected ErrBuildNotFound, got %v", err)
		}
	})
}

func TestMemoryStore_StatusAndResults(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	id, _ := store.CreateBuild(ctx, &types.Build{Tasks: []string{":a", ":b"}})

	now := time.Now().UTC()
	if err := store.UpdateBuildStatus(ctx, id, types.BuildStatusRunning, &now, nil); err != nil {
		t.Fatalf("UpdateBuildStatus failed: %v", err)
	}
	store.RecordResult(ctx, id, types.ExecutionResult{Task: ":a", State: types.TaskStateSucceeded})
	store.RecordResult(ctx, id, types.ExecutionResult{Task: ":b", State: types.TaskStateFailed, Cause: "exit code 1"})
	store.RecordResult(ctx, id, types.ExecutionResult{Task: ":a", State: types.TaskStateUpToDate})

	b, _ := store.GetBuild(ctx, id)
	if b.Status != types.BuildStatusRunning || b.StartedAt == nil {
		t.Errorf("unexpected build %+v", b)
	}
	if len(b.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(b.Results))
	}
	if b.Results[0].State != types.TaskStateUpToDate {
		t.Errorf("result for :a should be replaced, got %s", b.Results[0].State)
	}

	if err := store.UpdateBuildStatus(ctx, "nope", types.BuildStatusFailed, nil, nil); err != ErrBuildNotFound {
		t.Errorf("expected ErrBuildNotFound, got %v", err)
	}
}

func TestMemoryStore_ListBuildsNewestFirst(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	first, _ := store.CreateBuild(ctx, &types.Build{})
	time.Sleep(2 * time.Millisecond)
	second, _ := store.CreateBuild(ctx, &types.Build{})

	builds, err := store.ListBuilds(ctx)
	if err != nil {
		t.Fatalf("ListBuilds failed: %v", err)
	}
	if len(builds) != 2 || builds[0].ID != second || builds[1].ID != first {
		t.Errorf("unexpected order: %v", builds)
	}
}

func TestMemoryStore_EvictsFinishedBuilds(t *testing.T) {
	store := NewMemoryStore(&Config{EventMaxLen: 10, MaxBuilds: 2})
	ctx := context.Background()

	old, _ := store.CreateBuild(ctx, &types.Build{})
	store.UpdateBuildStatus(ctx, old, types.BuildStatusSucceeded, nil, nil)
	time.Sleep(2 * time.Millisecond)
	store.CreateBuild(ctx, &types.Build{})
	store.CreateBuild(ctx, &types.Build{})

	if _, err := store.GetBuild(ctx, old); err != ErrBuildNotFound {
		t.Errorf("oldest finished build should be evicted, got %v", err)
	}
}

func TestMemoryStore_Events(t *testing.T) {
	store := NewMemoryStore(&Config{EventMaxLen: 3})
	ctx := context.Background()
	id, _ := store.CreateBuild(ctx, &types.Build{})

	for i := 0; i < 5; i++ {
		_, err := store.AppendEvent(ctx, id, &types.EventInput{
			Type: types.EventTypeLog,
			Data: map[string]interface{}{"i": i},
		})
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, _ := store.GetEventsSince(ctx, id, "")
	if len(events) != 3 {
		t.Fatalf("ring buffer should keep 3 events, got %d", len(events))
	}
	if events[0].ID != "3" {
		t.Errorf("expected oldest kept event 3, got %s", events[0].ID)
	}

	since, _ := store.GetEventsSince(ctx, id, "4")
	if len(since) != 1 || since[0].ID != "5" {
		t.Errorf("expected only event 5, got %v", since)
	}

	var data map[string]int
	json.Unmarshal(since[0].Data, &data)
	if data["i"] != 4 {
		t.Errorf("unexpected data %s", since[0].Data)
	}
}

func TestMemoryStore_Subscribe(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	id, _ := store.CreateBuild(ctx, &types.Build{})

	ch, cleanup, err := store.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cleanup()

	store.AppendEvent(ctx, id, &types.EventInput{Type: types.EventTypeTaskStatus, TaskID: ":a"})

	select {
	case evt := <-ch:
		if evt.TaskID != ":a" {
			t.Errorf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	store.UpdateBuildStatus(ctx, id, types.BuildStatusSucceeded, nil, nil)
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("channel should be closed once the build finishes")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}

	// Subscribing to a finished build yields a closed channel.
	late, lateCleanup, err := store.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer lateCleanup()
	if _, ok := <-late; ok {
		t.Error("expected closed channel for finished build")
	}
}

func TestEmitter(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	id, _ := store.CreateBuild(ctx, &types.Build{})

	em := NewEmitter(store)
	if err := em.EmitEvent(ctx, id, "log", map[string]interface{}{"message": "hi"}, ":a", "info"); err != nil {
		t.Fatalf("EmitEvent failed: %v", err)
	}
	if err := em.EmitEvent(ctx, id, "log", nil, ":a", "error"); err != nil {
		t.Fatalf("EmitEvent with nil data failed: %v", err)
	}

	events, _ := store.GetEventsSince(ctx, id, "")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	var data map[string]string
	json.Unmarshal(events[0].Data, &data)
	if data["level"] != "info" || data["message"] != "hi" {
		t.Errorf("unexpected data %s", events[0].Data)
	}

	if err := em.EmitEvent(ctx, "missing", "log", nil, "", ""); err != ErrBuildNotFound {
		t.Errorf("expected ErrBuildNotFound, got %v", err)
	}
}
