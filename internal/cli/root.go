// Package cli implements the forge command-line interface using Cobra.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flexinfer/forge/internal/config"
	"github.com/flexinfer/forge/pkg/types"
)

// ExitError carries a process exit code out of a command. Err may be nil
// when the command already reported the problem.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func usageError(err error) error {
	return &ExitError{Code: types.ExitUsage, Err: err}
}

// app is the state shared by every command of one invocation.
type app struct {
	out    io.Writer
	errOut io.Writer

	// Global flags
	file       string
	logLevel   string
	logFormat  string
	stateStore string

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCommand builds the forge command tree writing to out and errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "forge",
		Short: "forge runs tasks in dependency order and skips what is up to date",
		Long: `forge reads tasks from forge.toml (or forge.yaml), resolves their
dependency graph and runs them in parallel. Tasks whose declared inputs and
outputs are unchanged since their last successful run are reported UP-TO-DATE
and not executed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	flags := root.PersistentFlags()
	flags.StringVarP(&a.file, "file", "f", "", "build file (default: forge.toml, forge.yaml or forge.yml)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&a.stateStore, "state-store", "", "state store: sqlite, memory, redis, postgres or s3")

	root.AddCommand(
		newRunCmd(a),
		newGraphCmd(a),
		newTasksCmd(a),
		newCleanCmd(a),
		newServeCmd(a),
	)
	return root
}

// setup loads configuration and installs the logger. Build file settings are
// applied later, when a command loads the project.
func (a *app) setup(cmd *cobra.Command) error {
	a.cfg = config.Load()
	if a.file != "" {
		a.cfg.BuildFile = a.file
	}

	switch {
	case a.logLevel != "":
		a.cfg.LogLevel = a.logLevel
	case os.Getenv("FORGE_LOG_LEVEL") == "" && cmd.Name() != "serve":
		// Build output goes to stdout; keep the log quiet unless asked.
		a.cfg.LogLevel = "warn"
	}
	if a.logFormat != "" {
		a.cfg.LogFormat = a.logFormat
	}

	logger, err := NewLogger(a.errOut, a.cfg.LogLevel, a.cfg.LogFormat)
	if err != nil {
		return usageError(err)
	}
	a.logger = logger
	slog.SetDefault(logger)
	return nil
}

// NewLogger builds the process logger.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "", "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Execute runs the command line and returns the process exit code.
func Execute(version string, args []string) int {
	root := NewRootCommand(os.Stdout, os.Stderr)
	root.Version = version
	root.SetArgs(args)
	return exitCode(root.Execute(), os.Stderr)
}

func exitCode(err error, errOut io.Writer) int {
	if err == nil {
		return types.ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintln(errOut, "Error:", exitErr.Err)
		}
		return exitErr.Code
	}
	// Cobra reports unknown commands and bad arguments as plain errors.
	fmt.Fprintln(errOut, "Error:", err)
	return types.ExitUsage
}
