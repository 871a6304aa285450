// Package engine drives builds: it resolves the task graph for the requested
// targets, runs it through the scheduler, persists fingerprints of tasks that
// succeeded and aggregates the outcome into a BuildResult.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flexinfer/forge/internal/buildstore"
	"github.com/flexinfer/forge/internal/fingerprint"
	"github.com/flexinfer/forge/internal/graph"
	"github.com/flexinfer/forge/internal/metrics"
	"github.com/flexinfer/forge/internal/scheduler"
	"github.com/flexinfer/forge/internal/statestore"
	"github.com/flexinfer/forge/internal/tracing"
	"github.com/flexinfer/forge/internal/uptodate"
	"github.com/flexinfer/forge/pkg/types"
)

// ErrBuildNotActive is returned by Cancel for builds that are not running.
var ErrBuildNotActive = errors.New("build not active")

// Options selects what a build runs and how.
type Options struct {
	// Targets are the requested task ids. Empty selects every task.
	Targets []string

	FailFast bool

	// Parallelism overrides the configured worker count when > 0.
	Parallelism int

	// BuildID is generated when empty.
	BuildID string

	// Env holds extra environment variables for every task.
	Env map[string]string
}

// Config holds engine configuration.
type Config struct {
	// WorkDir is the project root task paths are relative to.
	WorkDir string

	// Strategy fingerprints declared file-sets. Nil selects content hashing.
	Strategy fingerprint.Strategy

	// Scheduler holds scheduler defaults; FailFast and Parallelism are
	// overridden per build from Options.
	Scheduler scheduler.Config
}

// Engine runs builds against a state store and a build store.
type Engine struct {
	cfg     Config
	states  statestore.Store
	builds  buildstore.BuildStore
	checker *uptodate.Checker
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates an engine. A nil state store disables incremental builds; a nil
// build store keeps history in memory.
func New(states statestore.Store, builds buildstore.BuildStore, cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = &Config{Scheduler: *scheduler.DefaultConfig()}
	}
	if builds == nil {
		builds = buildstore.NewMemoryStore(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     *cfg,
		states:  states,
		builds:  builds,
		checker: uptodate.NewChecker(fingerprint.NewHasher(cfg.WorkDir, cfg.Strategy)),
		logger:  logger,
		active:  make(map[string]context.CancelFunc),
	}
}

// Builds returns the build store.
func (e *Engine) Builds() buildstore.BuildStore { return e.builds }

// Handle is a build started with Start.
type Handle struct {
	BuildID string

	done   chan struct{}
	result *types.BuildResult
	err    error
}

// Wait blocks until the build finishes.
func (h *Handle) Wait() (*types.BuildResult, error) {
	<-h.done
	return h.result, h.err
}

// Done is closed when the build finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Run executes a build and waits for it. Configuration errors, such as a
// cycle or an unknown target, are returned before any task runs. A build
// whose tasks fail is not an error: inspect the BuildResult.
func (e *Engine) Run(ctx context.Context, g *graph.Graph, opts Options) (*types.BuildResult, error) {
	h, err := e.Start(ctx, g, opts)
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

// Start validates the graph, registers the build and executes it in the
// background.
func (e *Engine) Start(ctx context.Context, g *graph.Graph, opts Options) (*Handle, error) {
	p, err := e.prepare(ctx, g, opts)
	if err != nil {
		return nil, err
	}
	h := &Handle{BuildID: p.id, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.result, h.err = e.execute(p)
	}()
	return h, nil
}

// Cancel stops dispatch for a running build. Tasks already running finish.
func (e *Engine) Cancel(buildID string) error {
	e.mu.Lock()
	cancel, ok := e.active[buildID]
	e.mu.Unlock()
	if !ok {
		return ErrBuildNotActive
	}
	cancel()
	return nil
}

// CancelAll cancels every running build and returns how many there were.
func (e *Engine) CancelAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.active {
		cancel()
	}
	return len(e.active)
}

// Clean forgets recorded fingerprints so the tasks run again in the next
// build. With no ids every record is forgotten.
func (e *Engine) Clean(ctx context.Context, ids ...string) error {
	if e.states == nil {
		return nil
	}
	err := e.states.Delete(ctx, ids...)
	storeOp("delete", err)
	if err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// prepared is a validated build waiting to execute.
type prepared struct {
	id     string
	graph  *graph.Graph
	opts   Options
	prior  map[string]*fingerprint.Snapshot
	ctx    context.Context
	cancel context.CancelFunc
}

func (e *Engine) prepare(ctx context.Context, g *graph.Graph, opts Options) (*prepared, error) {
	if g == nil {
		return nil, errors.New("no build graph")
	}
	if !g.Sealed() {
		if err := g.Seal(); err != nil {
			return nil, fmt.Errorf("invalid build graph: %w", err)
		}
	}
	selected, err := g.Select(opts.Targets...)
	if err != nil {
		return nil, fmt.Errorf("select targets: %w", err)
	}

	tasks := make([]string, 0, selected.Len())
	for _, n := range selected.Nodes() {
		tasks = append(tasks, n.ID)
	}

	id, err := e.builds.CreateBuild(ctx, &types.Build{
		ID:       opts.BuildID,
		Targets:  opts.Targets,
		Tasks:    tasks,
		Status:   types.BuildStatusQueued,
		FailFast: opts.FailFast,
	})
	if err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.active[id] = cancel
	e.mu.Unlock()

	return &prepared{
		id:     id,
		graph:  selected,
		opts:   opts,
		prior:  e.loadRecords(ctx, tasks),
		ctx:    runCtx,
		cancel: cancel,
	}, nil
}

// loadRecords reads prior snapshots. A failing store means no records, so
// everything runs.
func (e *Engine) loadRecords(ctx context.Context, tasks []string) map[string]*fingerprint.Snapshot {
	prior := make(map[string]*fingerprint.Snapshot, len(tasks))
	if e.states == nil {
		return prior
	}
	records, err := e.states.Load(ctx)
	storeOp("load", err)
	if err != nil {
		e.logger.Warn("failed to load task records, running everything",
			slog.String("store", e.states.Kind()),
			slog.Any("error", err),
		)
		return prior
	}
	for _, id := range tasks {
		if rec, ok := records[id]; ok {
			snap := rec.Snapshot
			prior[id] = &snap
		}
	}
	return prior
}

func (e *Engine) execute(p *prepared) (*types.BuildResult, error) {
	defer func() {
		p.cancel()
		e.mu.Lock()
		delete(e.active, p.id)
		e.mu.Unlock()
	}()

	// Bookkeeping must survive cancellation of the build.
	bg := context.WithoutCancel(p.ctx)

	ctx, span := tracing.StartBuild(p.ctx, p.id, p.opts.Targets, p.graph.Len())
	defer span.End()

	started := time.Now().UTC()
	if err := e.builds.UpdateBuildStatus(bg, p.id, types.BuildStatusRunning, &started, nil); err != nil {
		e.logger.Error("failed to update build status", slog.String("build_id", p.id), slog.Any("error", err))
	}
	e.emit(bg, p.id, types.EventTypeBuildStart, "", map[string]interface{}{
		"targets": p.opts.Targets,
		"tasks":   p.graph.Len(),
	})
	metrics.BuildsActive.Inc()
	defer metrics.BuildsActive.Dec()

	e.logger.Info("build started",
		slog.String("build_id", p.id),
		slog.Int("tasks", p.graph.Len()),
		slog.Bool("fail_fast", p.opts.FailFast),
	)

	cfg := e.cfg.Scheduler
	cfg.FailFast = p.opts.FailFast
	cfg.WorkDir = e.cfg.WorkDir
	if p.opts.Parallelism > 0 {
		cfg.Parallelism = p.opts.Parallelism
	}
	sched := scheduler.New(e.checker, &cfg, e.logger)

	outcome, err := sched.Run(ctx, &scheduler.Request{
		BuildID:  p.id,
		Graph:    p.graph,
		Prior:    p.prior,
		Env:      p.opts.Env,
		Emitter:  buildstore.NewEmitter(e.builds),
		Observer: &observer{e: e, buildID: p.id, total: p.graph.Len()},
	})
	if err != nil {
		finished := time.Now().UTC()
		e.builds.UpdateBuildStatus(bg, p.id, types.BuildStatusFailed, nil, &finished)
		tracing.Fail(span, err)
		return nil, err
	}

	finished := time.Now().UTC()
	result := types.NewBuildResult(p.id, p.opts.Targets, outcome.Results, started, finished, outcome.Cancelled)

	end := types.BuildStatusEvent{Status: result.Status}
	if err := result.Err(); err != nil {
		end.Error = err.Error()
		tracing.Fail(span, err)
	}
	// build_end goes out before the status update closes event streams.
	e.emit(bg, p.id, types.EventTypeBuildEnd, "", end)
	if err := e.builds.UpdateBuildStatus(bg, p.id, result.Status, nil, &finished); err != nil {
		e.logger.Error("failed to update build status", slog.String("build_id", p.id), slog.Any("error", err))
	}

	metrics.BuildsTotal.WithLabelValues(string(result.Status)).Inc()
	metrics.BuildDuration.WithLabelValues(string(result.Status)).Observe(result.Duration().Seconds())

	e.logger.Info("build finished",
		slog.String("build_id", p.id),
		slog.String("status", string(result.Status)),
		slog.Int("succeeded", result.Count(types.TaskStateSucceeded)),
		slog.Int("up_to_date", result.Count(types.TaskStateUpToDate)),
		slog.Int("failed", result.Count(types.TaskStateFailed)),
		slog.Int("skipped", result.Count(types.TaskStateSkipped)),
		slog.Duration("duration", result.Duration()),
	)
	return result, nil
}

func (e *Engine) emit(ctx context.Context, buildID string, eventType types.EventType, taskID string, data interface{}) {
	if _, err := e.builds.AppendEvent(ctx, buildID, &types.EventInput{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
	}); err != nil {
		e.logger.Error("failed to append event",
			slog.String("build_id", buildID),
			slog.String("event_type", string(eventType)),
			slog.Any("error", err),
		)
		return
	}
	metrics.EventsTotal.WithLabelValues(string(eventType)).Inc()
}

func storeOp(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.StateStoreOperations.WithLabelValues(op, result).Inc()
}
