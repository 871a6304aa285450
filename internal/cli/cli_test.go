package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/flexinfer/forge/internal/buildfile"
	"github.com/flexinfer/forge/internal/config"
	"github.com/flexinfer/forge/pkg/types"
)

const pipelineFile = `
[tasks.compile]
copy = { from = "src", to = "out/classes" }

[tasks.package]
copy = { from = "out/classes", to = "dist" }
depends_on = ["compile"]
`

// forge runs the command line in-process and returns the exit code and the
// captured output.
func forge(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	color.NoColor = true

	var out, errOut bytes.Buffer
	root := NewRootCommand(&out, &errOut)
	root.SetArgs(args)
	code := exitCode(root.Execute(), &errOut)
	return code, out.String(), errOut.String()
}

// writeProject creates a project directory with the given build file and a
// single source file. It returns the build file path.
func writeProject(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "Main.java"), []byte("class Main {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "forge.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_SecondRunIsUpToDate(t *testing.T) {
	path := writeProject(t, pipelineFile)

	code, out, errOut := forge(t, "run", "-f", path)
	if code != types.ExitOK {
		t.Fatalf("first run exited %d: %s%s", code, out, errOut)
	}
	if !strings.Contains(out, "BUILD SUCCESSFUL") || !strings.Contains(out, "2 tasks: 2 executed") {
		t.Errorf("unexpected first run output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "dist", "Main.java")); err != nil {
		t.Errorf("expected packaged output: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), ".forge", "state.db")); err != nil {
		t.Errorf("expected state next to the build file: %v", err)
	}

	code, out, _ = forge(t, "run", "-f", path)
	if code != types.ExitOK {
		t.Fatalf("second run exited %d", code)
	}
	if !strings.Contains(out, "2 tasks: 0 executed, 2 up-to-date") {
		t.Errorf("expected everything up to date:\n%s", out)
	}
	if !strings.Contains(out, "> Task :compile UP-TO-DATE") {
		t.Errorf("expected task line for :compile:\n%s", out)
	}
}

func TestRun_Targets(t *testing.T) {
	path := writeProject(t, pipelineFile+`
[tasks.docs]
description = "Generates docs"
`)
	code, out, _ := forge(t, "run", "-f", path, "compile")
	if code != types.ExitOK {
		t.Fatalf("run exited %d", code)
	}
	if !strings.Contains(out, "1 tasks: 1 executed") {
		t.Errorf("only :compile should run:\n%s", out)
	}
}

func TestRun_FailingTask(t *testing.T) {
	path := writeProject(t, `
[tasks.broken]
run = "echo oops >&2; exit 3"

[tasks.after]
depends_on = ["broken"]
`)
	code, out, _ := forge(t, "run", "-f", path)
	if code != types.ExitFailed {
		t.Fatalf("expected exit %d, got %d:\n%s", types.ExitFailed, code, out)
	}
	for _, want := range []string{
		"FAILURE: Build failed with 1 failure.",
		"  - :broken:",
		"Skipped 1 task(s):",
		"  - :after:",
		"BUILD FAILED",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_Env(t *testing.T) {
	path := writeProject(t, `
[tasks.greet]
run = 'echo "$GREETING"'
`)
	code, out, _ := forge(t, "run", "-f", path, "-e", "GREETING=hello")
	if code != types.ExitOK {
		t.Fatalf("run exited %d:\n%s", code, out)
	}
	if !strings.Contains(out, "[:greet] hello") {
		t.Errorf("expected task output in build log:\n%s", out)
	}
}

func TestRun_UsageErrors(t *testing.T) {
	valid := writeProject(t, pipelineFile)
	cyclic := writeProject(t, `
[tasks.a]
depends_on = ["b"]

[tasks.b]
depends_on = ["a"]
`)

	tests := []struct {
		name string
		args []string
	}{
		{"missing build file", []string{"run", "-f", filepath.Join(t.TempDir(), "forge.toml")}},
		{"cycle", []string{"run", "-f", cyclic}},
		{"unknown target", []string{"run", "-f", valid, "deploy"}},
		{"unknown flag", []string{"run", "-f", valid, "--bogus"}},
		{"negative parallelism", []string{"run", "-f", valid, "-j", "-1"}},
		{"conflicting flags", []string{"run", "-f", valid, "--fail-fast", "--continue"}},
		{"unknown strategy", []string{"run", "-f", valid, "--strategy", "md5"}},
		{"unknown command", []string{"deploy"}},
		{"bad log level", []string{"tasks", "-f", valid, "--log-level", "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := forge(t, tt.args...)
			if code != types.ExitUsage {
				t.Errorf("expected exit %d, got %d (%s)", types.ExitUsage, code, errOut)
			}
			if !strings.Contains(errOut, "Error:") {
				t.Errorf("expected an error message, got %q", errOut)
			}
		})
	}
}

func TestSettingsPrecedence(t *testing.T) {
	path := writeProject(t, `
[settings]
state_store = "memory"

[tasks.compile]
copy = { from = "src", to = "out/classes" }
`)

	// Memory state does not survive the process.
	for i := 0; i < 2; i++ {
		code, out, _ := forge(t, "run", "-f", path)
		if code != types.ExitOK || !strings.Contains(out, "1 tasks: 1 executed") {
			t.Fatalf("run %d with memory state: exit %d\n%s", i, code, out)
		}
	}

	// The flag wins over the build file.
	forge(t, "run", "-f", path, "--state-store", "sqlite")
	code, out, _ := forge(t, "run", "-f", path, "--state-store", "sqlite")
	if code != types.ExitOK || !strings.Contains(out, "0 executed, 1 up-to-date") {
		t.Errorf("expected sqlite state to be used: exit %d\n%s", code, out)
	}
}

func TestGraphCommand(t *testing.T) {
	path := writeProject(t, pipelineFile+`
[tasks.docs]
`)

	code, out, _ := forge(t, "graph", "-f", path)
	if code != types.ExitOK {
		t.Fatalf("graph exited %d", code)
	}
	if want := "1: :compile :docs\n2: :package\n"; out != want {
		t.Errorf("expected %q, got %q", want, out)
	}

	_, out, _ = forge(t, "graph", "-f", path, ":package")
	if want := "1: :compile\n2: :package\n"; out != want {
		t.Errorf("expected %q, got %q", want, out)
	}

	if code, _, _ := forge(t, "graph", "-f", path, "deploy"); code != types.ExitUsage {
		t.Errorf("unknown target should be a usage error, got %d", code)
	}
}

func TestTasksCommand(t *testing.T) {
	path := writeProject(t, pipelineFile+`
[tasks.docs]
name = "Docs"
description = "Generates docs"
`)
	code, out, _ := forge(t, "tasks", "-f", path)
	if code != types.ExitOK {
		t.Fatalf("tasks exited %d", code)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header and 3 tasks, got:\n%s", out)
	}
	if fields := strings.Fields(lines[0]); fields[0] != "TASK" {
		t.Errorf("unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[1], ":compile") {
		t.Errorf("expected :compile first, got %q", lines[1])
	}
	if !strings.Contains(lines[2], "Docs") || !strings.Contains(lines[2], "Generates docs") {
		t.Errorf("unexpected docs row %q", lines[2])
	}
	if !strings.HasSuffix(lines[3], ":compile") {
		t.Errorf(":package should list its dependency, got %q", lines[3])
	}
}

func TestCleanCommand(t *testing.T) {
	path := writeProject(t, pipelineFile)
	if code, out, _ := forge(t, "run", "-f", path); code != types.ExitOK {
		t.Fatalf("run exited %d:\n%s", code, out)
	}

	code, out, _ := forge(t, "clean", "-f", path, "compile")
	if code != types.ExitOK {
		t.Fatalf("clean exited %d", code)
	}
	if !strings.Contains(out, "Forgot recorded state of :compile.") {
		t.Errorf("unexpected clean output %q", out)
	}

	_, out, _ = forge(t, "run", "-f", path)
	if !strings.Contains(out, "2 tasks: 1 executed, 1 up-to-date") {
		t.Errorf("only :compile should run again:\n%s", out)
	}

	if code, _, _ := forge(t, "clean", "-f", path, "deploy"); code != types.ExitUsage {
		t.Errorf("cleaning an unknown task should be a usage error, got %d", code)
	}

	_, out, _ = forge(t, "clean", "-f", path)
	if !strings.Contains(out, "all tasks") {
		t.Errorf("unexpected clean output %q", out)
	}
	_, out, _ = forge(t, "run", "-f", path)
	if !strings.Contains(out, "2 tasks: 2 executed") {
		t.Errorf("everything should run after a full clean:\n%s", out)
	}
}

func TestApplySettings(t *testing.T) {
	cfg := config.Load()
	parallelism, failFast, retries := 3, false, 7
	err := applySettings(cfg, buildfile.Settings{
		Parallelism:     &parallelism,
		FailFast:        &failFast,
		ResourceRetries: &retries,
		Fingerprint:     "timestamp",
		StateStore:      "memory",
		ResourceTimeout: "90s",
		RetryBackoff:    "250ms",
	})
	if err != nil {
		t.Fatalf("applySettings failed: %v", err)
	}
	if cfg.Parallelism != 3 || cfg.FailFast || cfg.ResourceRetries != 7 {
		t.Errorf("unexpected scheduling settings %+v", cfg)
	}
	if cfg.Fingerprint != "timestamp" || cfg.StateStore != "memory" {
		t.Errorf("unexpected store settings %+v", cfg)
	}
	if cfg.ResourceTimeout != 90*time.Second || cfg.RetryBackoff != 250*time.Millisecond {
		t.Errorf("unexpected durations %v %v", cfg.ResourceTimeout, cfg.RetryBackoff)
	}

	err = applySettings(cfg, buildfile.Settings{RetryBackoff: "soon"})
	if err == nil || !strings.Contains(err.Error(), "settings.retry_backoff") {
		t.Errorf("expected a settings error, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("unexpected log output %q", buf.String())
	}

	if _, err := NewLogger(&buf, "loud", "text"); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    int
		message string
	}{
		{"success", nil, types.ExitOK, ""},
		{"silent failure", &ExitError{Code: types.ExitCancelled}, types.ExitCancelled, ""},
		{"usage", usageError(errors.New("no build file")), types.ExitUsage, "Error: no build file\n"},
		{"plain", errors.New(`unknown command "deploy"`), types.ExitUsage, "Error: unknown command \"deploy\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if code := exitCode(tt.err, &buf); code != tt.code {
				t.Errorf("expected code %d, got %d", tt.code, code)
			}
			if buf.String() != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, buf.String())
			}
		})
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{1234567 * time.Nanosecond, "1ms"},
		{1234 * time.Millisecond, "1.23s"},
		{90*time.Second + 400*time.Millisecond, "1m30s"},
	}
	for _, tt := range tests {
		if got := formatElapsed(tt.in); got != tt.want {
			t.Errorf("formatElapsed(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
