package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/flexinfer/forge/internal/fingerprint"
	"github.com/flexinfer/forge/internal/graph"
	"github.com/flexinfer/forge/internal/metrics"
	"github.com/flexinfer/forge/internal/scheduler"
	"github.com/flexinfer/forge/internal/statestore"
	"github.com/flexinfer/forge/pkg/types"
)

// observer turns scheduler notifications into events, history, metrics and
// persisted records for one build.
type observer struct {
	e       *Engine
	buildID string
	total   int

	finished atomic.Int64
}

func (o *observer) TaskStarted(ctx context.Context, node *graph.Node, attempt int) {
	o.e.emit(ctx, o.buildID, types.EventTypeTaskStatus, node.ID, types.TaskStatusEvent{
		Status:   types.TaskStateRunning,
		Attempts: attempt,
	})
}

func (o *observer) TaskFinished(ctx context.Context, node *graph.Node, result types.ExecutionResult, snapshot *fingerprint.Snapshot) {
	if err := o.e.builds.RecordResult(ctx, o.buildID, result); err != nil {
		o.e.logger.Error("failed to record task result",
			slog.String("build_id", o.buildID),
			slog.String("task", node.ID),
			slog.Any("error", err),
		)
	}
	o.e.emit(ctx, o.buildID, types.EventTypeTaskStatus, node.ID, types.TaskStatusEvent{
		Status:   result.State,
		Cause:    result.Cause,
		Attempts: result.Attempts,
		Duration: result.Duration.String(),
	})
	o.e.emit(ctx, o.buildID, types.EventTypeProgress, "", types.ProgressEvent{
		Current: int(o.finished.Add(1)),
		Total:   o.total,
		Task:    node.ID,
	})

	state := string(result.State)
	metrics.TasksTotal.WithLabelValues(state).Inc()
	if result.State == types.TaskStateSucceeded || result.State == types.TaskStateFailed {
		metrics.TaskDuration.WithLabelValues(state).Observe(result.Duration.Seconds())
		metrics.TaskAttempts.WithLabelValues(state).Observe(float64(result.Attempts))
	}

	if o.e.states == nil {
		return
	}
	switch result.State {
	case types.TaskStateSucceeded:
		if snapshot == nil {
			return
		}
		err := o.e.states.Put(ctx, &statestore.Record{
			Task:       node.ID,
			Snapshot:   *snapshot,
			RecordedAt: time.Now().UTC(),
		})
		storeOp("put", err)
		if err != nil {
			o.e.logger.Warn("failed to persist task record",
				slog.String("task", node.ID),
				slog.Any("error", err),
			)
		}
	case types.TaskStateFailed:
		// A failed task may have left partial outputs behind.
		err := o.e.states.Delete(ctx, node.ID)
		storeOp("delete", err)
		if err != nil {
			o.e.logger.Warn("failed to forget task record",
				slog.String("task", node.ID),
				slog.Any("error", err),
			)
		}
	}
}

var _ scheduler.Observer = (*observer)(nil)
