package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexinfer/forge/internal/buildfile"
	"github.com/flexinfer/forge/internal/buildstore"
	"github.com/flexinfer/forge/internal/engine"
	"github.com/flexinfer/forge/pkg/types"
)

// followGrace bounds how long the printer may lag behind a finished build.
const followGrace = 2 * time.Second

func newRunCmd(a *app) *cobra.Command {
	var (
		parallelism int
		failFast    bool
		keepGoing   bool
		strategy    string
		env         map[string]string
	)

	cmd := &cobra.Command{
		Use:   "run [targets...]",
		Short: "Run tasks and everything they depend on",
		Long: `Run the given tasks, or every task when none are given, together with
their transitive dependencies. Exits 1 when a task fails and 130 when
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.loadProject()
			if err != nil {
				return usageError(err)
			}

			flags := cmd.Flags()
			if flags.Changed("parallelism") {
				if parallelism < 0 {
					return usageError(errors.New("--parallelism must not be negative"))
				}
				a.cfg.Parallelism = parallelism
			}
			if flags.Changed("fail-fast") {
				a.cfg.FailFast = failFast
			}
			if flags.Changed("continue") {
				a.cfg.FailFast = !keepGoing
			}
			if strategy != "" {
				a.cfg.Fingerprint = strategy
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stopTracing := a.startTracing(ctx, cmd.Root().Version)
			defer stopTracing()

			eng, closeStores, err := a.openEngine(ctx)
			if err != nil {
				return usageError(err)
			}
			defer closeStores()

			res, err := a.runBuild(ctx, eng, p, engine.Options{
				Targets:     normalizeTargets(args),
				FailFast:    a.cfg.FailFast,
				Parallelism: a.cfg.Parallelism,
				Env:         env,
			})
			if err != nil {
				return err
			}
			if code := res.ExitCode(); code != types.ExitOK {
				return &ExitError{Code: code}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&parallelism, "parallelism", "j", 0, "maximum tasks running at once (default: number of CPUs)")
	cmd.Flags().BoolVar(&failFast, "fail-fast", true, "stop dispatching new tasks after the first failure")
	cmd.Flags().BoolVar(&keepGoing, "continue", false, "keep running tasks that do not depend on a failed task")
	cmd.Flags().StringVar(&strategy, "strategy", "", "fingerprint strategy: content, xxhash or timestamp")
	cmd.Flags().StringToStringVarP(&env, "env", "e", nil, "extra environment for every task (KEY=VALUE)")
	cmd.MarkFlagsMutuallyExclusive("fail-fast", "continue")
	return cmd
}

// runBuild starts the build, streams its events to the output and prints the
// summary.
func (a *app) runBuild(ctx context.Context, eng *engine.Engine, p *project, opts engine.Options) (*types.BuildResult, error) {
	h, err := eng.Start(ctx, p.graph, opts)
	if err != nil {
		return nil, usageError(err)
	}

	followed := make(chan struct{})
	go func() {
		defer close(followed)
		follow(context.WithoutCancel(ctx), eng.Builds(), h.BuildID, &eventPrinter{out: a.out})
	}()

	res, err := h.Wait()
	select {
	case <-followed:
	case <-time.After(followGrace):
		a.logger.Warn("event stream did not close", slog.String("build_id", h.BuildID))
	}
	if err != nil {
		return nil, &ExitError{Code: types.ExitFailed, Err: fmt.Errorf("build %s: %w", h.BuildID, err)}
	}

	printSummary(a.out, res)
	return res, nil
}

// follow prints the history of a build and then its live events until the
// build finishes.
func follow(ctx context.Context, store buildstore.BuildStore, buildID string, p *eventPrinter) {
	ch, cleanup, err := store.Subscribe(ctx, buildID)
	if err != nil {
		return
	}
	defer cleanup()

	history, err := store.GetEventsSince(ctx, buildID, "")
	if err == nil {
		for _, evt := range history {
			p.print(evt)
		}
	}
	for evt := range ch {
		p.print(evt)
	}
}

func normalizeTargets(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, t := range args {
		out[i] = buildfile.NormalizeID(t)
	}
	return out
}
