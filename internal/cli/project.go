package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/flexinfer/forge/internal/buildfile"
	"github.com/flexinfer/forge/internal/buildstore"
	"github.com/flexinfer/forge/internal/config"
	"github.com/flexinfer/forge/internal/engine"
	"github.com/flexinfer/forge/internal/fingerprint"
	"github.com/flexinfer/forge/internal/graph"
	"github.com/flexinfer/forge/internal/scheduler"
	"github.com/flexinfer/forge/internal/statestore"
	"github.com/flexinfer/forge/internal/tracing"
)

// project is a loaded build file and its graph.
type project struct {
	path  string
	file  *buildfile.File
	graph *graph.Graph
}

// buildFilePath returns the configured build file or the default one in the
// working directory.
func (a *app) buildFilePath() (string, error) {
	if a.cfg.BuildFile != "" {
		return a.cfg.BuildFile, nil
	}
	dir := a.cfg.WorkDir
	if dir == "" {
		dir = "."
	}
	return buildfile.Find(dir)
}

// loadProject reads the build file, applies its settings under the global
// flags and builds the graph.
func (a *app) loadProject() (*project, error) {
	path, err := a.buildFilePath()
	if err != nil {
		return nil, err
	}
	f, err := buildfile.Load(path)
	if err != nil {
		return nil, err
	}
	if a.cfg.WorkDir == "" {
		a.cfg.WorkDir = filepath.Dir(path)
	}
	if err := applySettings(a.cfg, f.Settings); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if a.stateStore != "" {
		a.cfg.StateStore = a.stateStore
	}

	g, err := f.Graph()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	a.logger.Debug("build file loaded",
		slog.String("path", path),
		slog.Int("tasks", g.Len()),
		slog.String("workdir", a.cfg.WorkDir),
	)
	return &project{path: path, file: f, graph: g}, nil
}

// applySettings overlays build file settings on cfg.
func applySettings(cfg *config.Config, s buildfile.Settings) error {
	if s.Parallelism != nil {
		cfg.Parallelism = *s.Parallelism
	}
	if s.FailFast != nil {
		cfg.FailFast = *s.FailFast
	}
	if s.Fingerprint != "" {
		cfg.Fingerprint = s.Fingerprint
	}
	if s.StateStore != "" {
		cfg.StateStore = s.StateStore
	}
	if s.ResourceRetries != nil {
		cfg.ResourceRetries = *s.ResourceRetries
	}
	if s.ResourcePolicy != "" {
		cfg.ResourcePolicy = s.ResourcePolicy
	}
	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"resource_timeout", s.ResourceTimeout, &cfg.ResourceTimeout},
		{"retry_backoff", s.RetryBackoff, &cfg.RetryBackoff},
	} {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("settings.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// openStates opens the configured state store. Relative sqlite paths are
// resolved against the working directory.
func (a *app) openStates(ctx context.Context) (statestore.Store, error) {
	sqlitePath := a.cfg.SQLitePath
	if sqlitePath != "" && !filepath.IsAbs(sqlitePath) {
		sqlitePath = filepath.Join(a.cfg.WorkDir, sqlitePath)
	}
	return statestore.Open(ctx, &statestore.Config{
		Kind:        a.cfg.StateStore,
		SQLitePath:  sqlitePath,
		RedisURL:    a.cfg.RedisURL,
		RedisPrefix: a.cfg.RedisPrefix,
		PostgresURL: a.cfg.PostgresURL,
		S3: &statestore.S3Config{
			Endpoint:        a.cfg.S3Endpoint,
			Bucket:          a.cfg.S3Bucket,
			Region:          a.cfg.S3Region,
			AccessKeyID:     a.cfg.S3AccessKeyID,
			SecretAccessKey: a.cfg.S3SecretAccessKey,
			UseSSL:          a.cfg.S3UseSSL,
			PathPrefix:      a.cfg.S3Prefix,
		},
	})
}

// openBuilds opens the configured build store.
func (a *app) openBuilds() (buildstore.BuildStore, error) {
	switch a.cfg.BuildStore {
	case "", "memory":
		return buildstore.NewMemoryStore(&buildstore.Config{
			EventMaxLen: a.cfg.EventMaxLen,
			MaxBuilds:   a.cfg.MaxBuilds,
		}), nil
	case "redis":
		redisCfg := buildstore.DefaultRedisConfig()
		redisCfg.URL = a.cfg.RedisURL
		redisCfg.Prefix = a.cfg.RedisPrefix + ":builds"
		redisCfg.TTL = a.cfg.BuildStoreTTL
		redisCfg.EventMaxLen = a.cfg.EventMaxLen
		store, err := buildstore.NewRedisStore(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("open redis build store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown build store %q", a.cfg.BuildStore)
	}
}

// openEngine wires the stores into an engine. The returned func closes them.
func (a *app) openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	strategy, err := fingerprint.ParseStrategy(a.cfg.Fingerprint)
	if err != nil {
		return nil, nil, err
	}
	policy, err := scheduler.ParseResourcePolicy(a.cfg.ResourcePolicy)
	if err != nil {
		return nil, nil, err
	}

	states, err := a.openStates(ctx)
	if err != nil {
		return nil, nil, err
	}
	builds, err := a.openBuilds()
	if err != nil {
		states.Close()
		return nil, nil, err
	}

	eng := engine.New(states, builds, &engine.Config{
		WorkDir:  a.cfg.WorkDir,
		Strategy: strategy,
		Scheduler: scheduler.Config{
			Parallelism:     a.cfg.Parallelism,
			FailFast:        a.cfg.FailFast,
			ResourceTimeout: a.cfg.ResourceTimeout,
			ResourceRetries: a.cfg.ResourceRetries,
			ResourcePolicy:  policy,
			RetryBackoff:    a.cfg.RetryBackoff,
		},
	}, a.logger)

	closeFn := func() {
		if err := errors.Join(builds.Close(), states.Close()); err != nil {
			a.logger.Warn("failed to close stores", slog.Any("error", err))
		}
	}
	return eng, closeFn, nil
}

// startTracing installs the tracer provider when tracing is enabled. The
// returned func flushes and stops it.
func (a *app) startTracing(ctx context.Context, version string) func() {
	provider, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "forge",
		ServiceVersion: version,
		OTLPEndpoint:   a.cfg.OTLPEndpoint,
		Enabled:        a.cfg.TracingEnabled,
		SampleRate:     a.cfg.TraceSampleRate,
	}, a.logger)
	if err != nil {
		a.logger.Warn("tracing disabled", slog.Any("error", err))
		return func() {}
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("failed to flush traces", slog.Any("error", err))
		}
	}
}
