// Package scheduler walks a sealed task graph and executes ready tasks on a
// bounded worker pool.
//
// One coordinating loop owns every task state. Workers run actions and report
// back over a channel; they never touch the state maps. A task becomes Ready
// once all its predecessors are terminal and it runs only if each of them
// Succeeded or was UpToDate. Otherwise it is Skipped and so are its
// descendants.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"

	"github.com/flexinfer/forge/internal/action"
	"github.com/flexinfer/forge/internal/fingerprint"
	"github.com/flexinfer/forge/internal/graph"
	"github.com/flexinfer/forge/internal/metrics"
	"github.com/flexinfer/forge/internal/tracing"
	"github.com/flexinfer/forge/internal/uptodate"
	"github.com/flexinfer/forge/pkg/types"
)

// ResourcePolicy decides what happens when a task times out waiting for its
// resource tags.
type ResourcePolicy string

const (
	// ResourcePolicyRetry re-arms the wait with exponential backoff.
	ResourcePolicyRetry ResourcePolicy = "retry"
	// ResourcePolicyFail fails the task on the first timeout.
	ResourcePolicyFail ResourcePolicy = "fail"
)

// ParseResourcePolicy parses a policy name. The empty string selects retry.
func ParseResourcePolicy(s string) (ResourcePolicy, error) {
	switch ResourcePolicy(strings.ToLower(s)) {
	case "", ResourcePolicyRetry:
		return ResourcePolicyRetry, nil
	case ResourcePolicyFail:
		return ResourcePolicyFail, nil
	default:
		return "", fmt.Errorf("unknown resource policy %q", s)
	}
}

// Config holds scheduler configuration.
type Config struct {
	// Parallelism bounds concurrently executing tasks (<= 0 = number of CPUs).
	Parallelism int

	// FailFast stops new dispatch after the first failed task.
	FailFast bool

	// ResourceTimeout bounds how long a ready task waits for busy resource
	// tags before a contention timeout (0 = wait indefinitely).
	ResourceTimeout time.Duration
	ResourceRetries int
	ResourcePolicy  ResourcePolicy

	// RetryBackoff is the initial delay between task retries.
	RetryBackoff time.Duration

	// WorkDir is the directory task paths are relative to.
	WorkDir string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Parallelism:     runtime.NumCPU(),
		ResourceTimeout: 5 * time.Minute,
		ResourceRetries: 3,
		ResourcePolicy:  ResourcePolicyRetry,
		RetryBackoff:    time.Second,
	}
}

// Observer receives task lifecycle notifications. Methods may be called from
// several goroutines at once.
type Observer interface {
	// TaskStarted is called before every execution attempt.
	TaskStarted(ctx context.Context, node *graph.Node, attempt int)

	// TaskFinished is called once per task with its final result. snapshot is
	// non-nil only for Succeeded tasks whose fingerprints could be taken.
	TaskFinished(ctx context.Context, node *graph.Node, result types.ExecutionResult, snapshot *fingerprint.Snapshot)
}

// Request describes one scheduling pass.
type Request struct {
	BuildID string
	Graph   *graph.Graph

	// Prior holds the last recorded snapshot per task id.
	Prior map[string]*fingerprint.Snapshot

	Env      map[string]string
	Emitter  action.EventEmitter
	Observer Observer
}

// Outcome is the result of a scheduling pass.
type Outcome struct {
	// Results holds one result per task, sorted by task id.
	Results   []types.ExecutionResult
	Cancelled bool
}

// Scheduler executes task graphs.
type Scheduler struct {
	cfg     Config
	checker *uptodate.Checker
	logger  *slog.Logger
}

// New creates a scheduler. A nil checker disables up-to-date checking.
func New(checker *uptodate.Checker, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := *cfg
	if c.Parallelism <= 0 {
		c.Parallelism = runtime.NumCPU()
	}
	if c.ResourcePolicy == "" {
		c.ResourcePolicy = ResourcePolicyRetry
	}
	return &Scheduler{
		cfg:     c,
		checker: checker,
		logger:  logger,
	}
}

// Run executes every task of the sealed graph and returns once no task is
// running. Cancelling ctx stops new dispatch; tasks already running finish.
func (s *Scheduler) Run(ctx context.Context, req *Request) (*Outcome, error) {
	if req == nil || req.Graph == nil {
		return nil, errors.New("scheduler: no graph")
	}
	frontier, err := req.Graph.Frontier()
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	r := &run{
		s:           s,
		req:         req,
		g:           req.Graph,
		frontier:    frontier,
		states:      make(map[string]types.TaskState, req.Graph.Len()),
		results:     make(map[string]types.ExecutionResult, req.Graph.Len()),
		waits:       make(map[string]*contention),
		holders:     make(map[string]string),
		completions: make(chan completion, req.Graph.Len()),
	}
	r.loop(ctx)
	return r.outcome(), nil
}

// completion is what a worker reports back to the coordinating loop.
type completion struct {
	node     *graph.Node
	result   types.ExecutionResult
	snapshot *fingerprint.Snapshot
}

// contention tracks a ready task waiting for busy resource tags.
type contention struct {
	since     time.Time
	notBefore time.Time
	timeouts  int
	backoff   *backoff.ExponentialBackOff
}

// run is the state of one scheduling pass. Everything except cancelled is
// owned by the coordinating loop.
type run struct {
	s        *Scheduler
	req      *Request
	g        *graph.Graph
	frontier *graph.Frontier
	ctx      context.Context

	states  map[string]types.TaskState
	results map[string]types.ExecutionResult
	queue   []string
	waits   map[string]*contention
	holders map[string]string // resource tag -> task id
	running int

	// stop is the reason dispatch stopped, nil while dispatching.
	stop      error
	cancelled atomic.Bool

	// halt is done once the build is cancelled. Retry backoffs wait on it;
	// running attempts do not.
	halt   context.Context
	halted context.CancelFunc

	completions chan completion
}

func (r *run) loop(ctx context.Context) {
	// Running tasks outlive cancellation of the build.
	r.ctx = context.WithoutCancel(ctx)
	r.halt, r.halted = context.WithCancel(context.Background())
	defer r.halted()

	workers := pool.New().WithMaxGoroutines(r.s.cfg.Parallelism)
	defer workers.Wait()

	if ctx.Err() != nil {
		r.cancel()
	}
	for _, id := range r.frontier.Ready() {
		r.ready(id)
	}

	done := ctx.Done()
	for {
		now := time.Now()
		r.dispatch(workers, now)
		metrics.SchedulerQueueDepth.Set(float64(len(r.queue)))

		if r.running == 0 && len(r.queue) == 0 {
			return
		}

		var timer *time.Timer
		var wake <-chan time.Time
		if d, ok := r.nextWake(now); ok {
			timer = time.NewTimer(d)
			wake = timer.C
		}

		select {
		case c := <-r.completions:
			r.complete(c)
		case <-done:
			done = nil
			r.cancel()
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (r *run) cancel() {
	if r.cancelled.Swap(true) {
		return
	}
	r.halted()
	if r.stop == nil {
		r.stop = ErrCancelled
	}
	r.s.logger.Warn("build cancelled, waiting for running tasks",
		slog.String("build_id", r.req.BuildID),
		slog.Int("running", r.running),
	)
}

// ready handles a task whose predecessors are all terminal.
func (r *run) ready(id string) {
	for _, p := range r.g.Predecessors(id) {
		st := r.states[p]
		switch {
		case st == types.TaskStateFailed:
			r.finish(skipped(id, fmt.Errorf("%w: %s", ErrPredecessorFailed, p)), nil)
			return
		case !st.Satisfies():
			r.finish(skipped(id, fmt.Errorf("%w: %s", ErrPredecessorSkipped, p)), nil)
			return
		}
	}
	r.states[id] = types.TaskStateReady
	r.queue = append(r.queue, id)
}

// dispatch starts every queued task that has a free worker and free
// resource tags. Once dispatch has stopped, queued tasks are skipped.
func (r *run) dispatch(workers *pool.Pool, now time.Time) {
	queue := r.queue
	r.queue = nil
	for _, id := range queue {
		if r.stop != nil {
			r.finish(skipped(id, r.stop), nil)
			continue
		}
		if r.running >= r.s.cfg.Parallelism {
			r.queue = append(r.queue, id)
			continue
		}
		node, _ := r.g.Node(id)
		ok, err := r.acquire(node, now)
		switch {
		case err != nil:
			r.finish(failed(id, err), nil)
		case ok:
			r.start(workers, node)
		default:
			r.queue = append(r.queue, id)
		}
	}
	if r.stop != nil && len(r.queue) > 0 {
		r.dispatch(workers, now)
	}
}

func (r *run) start(workers *pool.Pool, node *graph.Node) {
	r.running++
	r.states[node.ID] = types.TaskStateRunning
	metrics.TasksRunning.Inc()
	workers.Go(func() {
		r.completions <- r.s.safeExecute(r.ctx, r, node)
	})
}

func (r *run) complete(c completion) {
	r.running--
	metrics.TasksRunning.Dec()
	r.release(c.node)
	r.finish(c.result, c.snapshot)
}

// finish records a terminal result and advances the frontier.
func (r *run) finish(res types.ExecutionResult, snapshot *fingerprint.Snapshot) {
	id := res.Task
	r.states[id] = res.State
	r.results[id] = res
	delete(r.waits, id)

	attrs := []any{
		slog.String("build_id", r.req.BuildID),
		slog.String("task", id),
		slog.String("state", string(res.State)),
		slog.Duration("duration", res.Duration),
	}
	if res.Cause != "" {
		attrs = append(attrs, slog.String("cause", res.Cause))
	}
	if res.State == types.TaskStateFailed {
		r.s.logger.Error("task finished", attrs...)
	} else {
		r.s.logger.Info("task finished", attrs...)
	}

	if r.req.Observer != nil {
		node, _ := r.g.Node(id)
		r.req.Observer.TaskFinished(r.ctx, node, res, snapshot)
	}

	if res.State == types.TaskStateFailed && r.s.cfg.FailFast && r.stop == nil {
		r.stop = fmt.Errorf("%w: %s", ErrFailFast, id)
	}

	r.frontier.Done(id)
	for _, next := range r.frontier.Ready() {
		r.ready(next)
	}
}

// acquire takes every resource tag of node, or reports that the node must
// keep waiting. A non-nil error is a contention timeout the policy does not
// retry.
func (r *run) acquire(node *graph.Node, now time.Time) (bool, error) {
	if len(node.Resources) == 0 {
		return true, nil
	}
	w := r.waits[node.ID]
	if w != nil && now.Before(w.notBefore) {
		return false, nil
	}
	if r.tagsFree(node) {
		for _, tag := range node.Resources {
			r.holders[tag] = node.ID
		}
		delete(r.waits, node.ID)
		return true, nil
	}
	if w == nil {
		r.waits[node.ID] = &contention{since: now}
		return false, nil
	}

	timeout := r.s.cfg.ResourceTimeout
	if timeout <= 0 || now.Sub(w.since) < timeout {
		return false, nil
	}

	w.timeouts++
	err := &ResourceContentionError{
		Task:     node.ID,
		Tags:     node.Resources,
		Waited:   now.Sub(w.since),
		Attempts: w.timeouts,
	}
	if r.s.cfg.ResourcePolicy == ResourcePolicyFail || w.timeouts > r.s.cfg.ResourceRetries {
		metrics.ResourceContentionTotal.WithLabelValues("failed").Inc()
		return false, err
	}

	if w.backoff == nil {
		w.backoff = backoff.NewExponentialBackOff()
		w.backoff.InitialInterval = timeout
		w.backoff.MaxElapsedTime = 0
	}
	delay := w.backoff.NextBackOff()
	w.notBefore = now.Add(delay)
	w.since = w.notBefore
	metrics.ResourceContentionTotal.WithLabelValues("retried").Inc()
	r.s.logger.Warn("resource contention, retrying",
		slog.String("task", node.ID),
		slog.Any("error", err),
		slog.Duration("backoff", delay),
	)
	return false, nil
}

func (r *run) tagsFree(node *graph.Node) bool {
	for _, tag := range node.Resources {
		if holder, ok := r.holders[tag]; ok && holder != node.ID {
			return false
		}
	}
	return true
}

func (r *run) release(node *graph.Node) {
	for _, tag := range node.Resources {
		if r.holders[tag] == node.ID {
			delete(r.holders, tag)
		}
	}
}

// nextWake returns how long the loop may block before a waiting task needs
// attention without any completion arriving.
func (r *run) nextWake(now time.Time) (time.Duration, bool) {
	var next time.Time
	for _, id := range r.queue {
		w := r.waits[id]
		if w == nil {
			continue
		}
		var at time.Time
		switch {
		case now.Before(w.notBefore):
			at = w.notBefore
		case r.s.cfg.ResourceTimeout > 0:
			at = w.since.Add(r.s.cfg.ResourceTimeout)
		default:
			continue
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	if next.IsZero() {
		return 0, false
	}
	d := next.Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d, true
}

func (r *run) outcome() *Outcome {
	reason := r.stop
	if reason == nil {
		reason = ErrCancelled
	}
	for _, id := range r.frontier.Pending() {
		if _, ok := r.results[id]; !ok {
			r.results[id] = skipped(id, reason)
		}
	}

	out := &Outcome{
		Results:   make([]types.ExecutionResult, 0, len(r.results)),
		Cancelled: r.cancelled.Load(),
	}
	for _, res := range r.results {
		out.Results = append(out.Results, res)
	}
	sort.Slice(out.Results, func(i, j int) bool { return out.Results[i].Task < out.Results[j].Task })
	return out
}

// safeExecute runs on a worker. Panics outside the action itself are also
// turned into a failed result so the loop always hears back.
func (s *Scheduler) safeExecute(ctx context.Context, r *run, node *graph.Node) (c completion) {
	defer func() {
		if p := recover(); p != nil {
			err := &TaskExecutionError{Task: node.ID, Err: &PanicError{Value: p, Stack: debug.Stack()}}
			c = completion{node: node, result: failed(node.ID, err)}
		}
	}()
	return s.execute(ctx, r, node)
}

func (s *Scheduler) execute(ctx context.Context, r *run, node *graph.Node) (c completion) {
	started := time.Now().UTC()
	c.node = node
	c.result = types.ExecutionResult{Task: node.ID, StartedAt: &started}
	defer func() {
		finished := time.Now().UTC()
		c.result.FinishedAt = &finished
		c.result.Duration = finished.Sub(started)
	}()

	snapshot, upToDate := s.check(ctx, r, node)
	if upToDate {
		c.result.State = types.TaskStateUpToDate
		return c
	}

	ctx, span := tracing.StartTask(ctx, r.req.BuildID, node.ID)
	defer span.End()

	attempts, err := s.runWithRetries(ctx, r, node)
	c.result.Attempts = attempts
	span.SetAttributes(tracing.TaskAttemptsKey.Int(attempts))
	if err != nil {
		err = &TaskExecutionError{Task: node.ID, Attempts: attempts, Err: err}
		tracing.Fail(span, err)
		c.result.State = types.TaskStateFailed
		c.result.Err = err
		c.result.Cause = err.Error()
		return c
	}

	c.result.State = types.TaskStateSucceeded
	if snapshot != nil {
		if err := s.checker.Outputs(ctx, node, snapshot); err != nil {
			s.logger.Warn("failed to fingerprint outputs, not recording",
				slog.String("task", node.ID),
				slog.Any("error", err),
			)
			snapshot = nil
		}
	}
	c.snapshot = snapshot
	return c
}

// check asks the checker whether node can be skipped. Fingerprint errors
// mean the task runs and nothing is recorded for it.
func (s *Scheduler) check(ctx context.Context, r *run, node *graph.Node) (*fingerprint.Snapshot, bool) {
	if s.checker == nil {
		return nil, false
	}
	decision, snapshot, err := s.checker.WithEnv(r.req.Env).Check(ctx, node, r.req.Prior[node.ID])
	if err != nil {
		s.logger.Warn("up-to-date check failed, executing",
			slog.String("task", node.ID),
			slog.Any("error", err),
		)
		return nil, false
	}
	s.logger.Debug("up-to-date check",
		slog.String("task", node.ID),
		slog.String("decision", decision.String()),
	)
	return snapshot, decision.UpToDate
}

func (s *Scheduler) runWithRetries(ctx context.Context, r *run, node *graph.Node) (int, error) {
	retries := node.Retries
	if retries < 0 {
		retries = 0
	}
	b := backoff.NewExponentialBackOff()
	if s.cfg.RetryBackoff > 0 {
		b.InitialInterval = s.cfg.RetryBackoff
	}
	b.MaxElapsedTime = 0

	attempts := 0
	var last error
	op := func() error {
		if attempts > 0 && r.cancelled.Load() {
			return backoff.Permanent(last)
		}
		attempts++
		last = s.runOnce(ctx, r, node, attempts)
		return last
	}
	notify := func(err error, d time.Duration) {
		s.logger.Warn("task failed, retrying",
			slog.String("task", node.ID),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", d),
			slog.Any("error", err),
		)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), r.halt)
	err := backoff.RetryNotify(op, policy, notify)
	if err != nil && r.halt.Err() != nil && errors.Is(err, context.Canceled) && last != nil {
		// Cancellation ends the retries; the task failed with its own error.
		err = last
	}
	return attempts, err
}

func (s *Scheduler) runOnce(ctx context.Context, r *run, node *graph.Node, attempt int) (err error) {
	if r.req.Observer != nil {
		r.req.Observer.TaskStarted(ctx, node, attempt)
	}
	if node.Action == nil {
		return nil
	}
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = backoff.Permanent(&PanicError{Value: p, Stack: debug.Stack()})
		}
	}()

	bc := &action.BuildContext{
		BuildID: r.req.BuildID,
		TaskID:  node.ID,
		Attempt: attempt,
		WorkDir: s.cfg.WorkDir,
		Env:     r.req.Env,
		Logger:  s.logger,
		Emitter: r.req.Emitter,
	}
	return node.Action.Execute(ctx, bc)
}

func skipped(id string, cause error) types.ExecutionResult {
	now := time.Now().UTC()
	return types.ExecutionResult{
		Task:       id,
		State:      types.TaskStateSkipped,
		Cause:      cause.Error(),
		Err:        cause,
		FinishedAt: &now,
	}
}

func failed(id string, cause error) types.ExecutionResult {
	now := time.Now().UTC()
	return types.ExecutionResult{
		Task:       id,
		State:      types.TaskStateFailed,
		Cause:      cause.Error(),
		Err:        cause,
		FinishedAt: &now,
	}
}
