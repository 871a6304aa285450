package action

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Exit codes reported for commands that did not exit on their own.
const (
	ExitCodeTimeout   = 124
	ExitCodeCancelled = 130
)

// ExitError reports a command that finished with a non-zero exit code.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("exit code %d (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExecAction runs a command as a local subprocess.
// Stdout lines that parse as JSON objects are emitted as structured events;
// other lines and all of stderr are emitted as log events.
type ExecAction struct {
	Command []string
	Env     map[string]string

	// Dir is relative to the build working directory (empty = WorkDir).
	Dir string

	Inputs  []string
	Outputs []string
}

// Shell returns an ExecAction that runs script with "sh -c".
func Shell(script string) *ExecAction {
	return &ExecAction{Command: []string{"sh", "-c", script}}
}

func (a *ExecAction) DescribeInputs() []string  { return a.Inputs }
func (a *ExecAction) DescribeOutputs() []string { return a.Outputs }

// Signature covers the command line, environment and directory.
func (a *ExecAction) Signature() string {
	fields := append([]string{a.Dir, fmt.Sprint(len(a.Command))}, a.Command...)
	return signature("exec", append(fields, envFields(a.Env)...)...)
}

// Execute runs the command and waits for it to exit.
func (a *ExecAction) Execute(ctx context.Context, bc *BuildContext) error {
	if len(a.Command) == 0 {
		return errors.New("empty command")
	}

	env := os.Environ()
	for k, v := range bc.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range a.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		fmt.Sprintf("FORGE_BUILD_ID=%s", bc.BuildID),
		fmt.Sprintf("FORGE_TASK=%s", bc.TaskID),
		fmt.Sprintf("FORGE_ATTEMPT=%d", bc.Attempt),
	)

	c := exec.CommandContext(ctx, a.Command[0], a.Command[1:]...)
	c.Env = env
	c.Dir = bc.Path(a.Dir)

	stdout, err := c.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	bc.Log().Debug("starting command", slog.String("command", strings.Join(a.Command, " ")), slog.String("dir", c.Dir))
	if err := c.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) { a.processStdoutLine(ctx, bc, line) })
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			bc.Log().Debug("stderr", slog.String("line", line))
			bc.Emit(ctx, "log", map[string]interface{}{"message": line, "stream": "stderr"}, "error")
		})
	}()
	wg.Wait()

	err = c.Wait()
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &ExitError{Code: ExitCodeTimeout, Reason: "timeout"}
	case errors.Is(ctx.Err(), context.Canceled):
		return &ExitError{Code: ExitCodeCancelled, Reason: "cancelled"}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("wait: %w", err)
}

// processStdoutLine emits JSON object lines as structured events and anything
// else as an info log event.
func (a *ExecAction) processStdoutLine(ctx context.Context, bc *BuildContext, line string) {
	bc.Log().Debug("stdout", slog.String("line", line))

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		bc.Emit(ctx, "log", map[string]interface{}{"message": line, "stream": "stdout"}, "info")
		return
	}

	eventType := "log"
	if t, ok := obj["type"].(string); ok && t != "" {
		eventType = t
	}
	level := ""
	if l, ok := obj["level"].(string); ok {
		level = l
	}
	bc.Emit(ctx, eventType, obj, level)
}

func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			fn(line)
		}
	}
}

var (
	_ Action = (*ExecAction)(nil)
	_ Signer = (*ExecAction)(nil)
)
