// Package action provides the task behaviours a build node can carry.
package action

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
)

// Action defines the behaviour of a task.
// Implementations may run subprocesses, copy files, or call Go code.
type Action interface {
	// DescribeInputs returns the declared input file-set patterns, in order.
	DescribeInputs() []string

	// DescribeOutputs returns the declared output file-set patterns, in order.
	DescribeOutputs() []string

	// Execute performs the work. A non-nil error marks the task Failed.
	Execute(ctx context.Context, bc *BuildContext) error
}

// Signer is implemented by actions whose definition can change between builds
// without any declared input changing (a command line, an environment).
type Signer interface {
	Signature() string
}

// EventEmitter is called by actions to publish events for a build.
type EventEmitter interface {
	// EmitEvent sends an event for a build.
	EmitEvent(ctx context.Context, buildID, eventType string, data map[string]interface{}, taskID, level string) error
}

// BuildContext is passed explicitly to every execution.
type BuildContext struct {
	BuildID string
	TaskID  string
	Attempt int

	// WorkDir is the directory declared paths are relative to.
	WorkDir string

	// Env holds extra environment variables for the task.
	Env map[string]string

	Logger  *slog.Logger
	Emitter EventEmitter
}

// Path resolves a declared path against the working directory.
func (bc *BuildContext) Path(rel string) string {
	if filepath.IsAbs(rel) || bc.WorkDir == "" {
		return filepath.FromSlash(rel)
	}
	return filepath.Join(bc.WorkDir, filepath.FromSlash(rel))
}

// Log returns the context logger, falling back to the default logger.
func (bc *BuildContext) Log() *slog.Logger {
	l := bc.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("build_id", bc.BuildID), slog.String("task", bc.TaskID))
}

// Emit sends an event through the emitter, if one is configured.
func (bc *BuildContext) Emit(ctx context.Context, eventType string, data map[string]interface{}, level string) {
	if bc.Emitter == nil {
		return
	}
	if err := bc.Emitter.EmitEvent(ctx, bc.BuildID, eventType, data, bc.TaskID, level); err != nil {
		bc.Log().Error("failed to emit event", slog.String("event_type", eventType), slog.Any("error", err))
	}
}

// Signature returns the definition signature of an action. Actions that do not
// implement Signer are identified by their concrete type only.
func Signature(a Action) string {
	if a == nil {
		return ""
	}
	if s, ok := a.(Signer); ok {
		return s.Signature()
	}
	return fmt.Sprintf("%T", a)
}

// SignatureWithEnv is Signature with the build environment folded in. An
// empty environment leaves the signature unchanged.
func SignatureWithEnv(a Action, env map[string]string) string {
	sig := Signature(a)
	if a == nil || len(env) == 0 {
		return sig
	}
	return signature("env", append([]string{sig}, envFields(env)...)...)
}

// signature hashes fields with length prefixes so that adjacent fields can
// never run together.
func signature(kind string, fields ...string) string {
	h := sha256.New()
	writeField := func(data string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(data)))
		h.Write(n[:])
		h.Write([]byte(data))
	}
	writeField(kind)
	for _, f := range fields {
		writeField(f)
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil))
}

func envFields(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, env[k])
	}
	return out
}

// NoopAction does nothing. It groups predecessors under one name, or
// declares files that are produced outside the build.
type NoopAction struct {
	Inputs  []string
	Outputs []string
}

func (a *NoopAction) DescribeInputs() []string  { return a.Inputs }
func (a *NoopAction) DescribeOutputs() []string { return a.Outputs }

func (a *NoopAction) Execute(context.Context, *BuildContext) error { return nil }

// FuncAction runs a Go function.
type FuncAction struct {
	Inputs  []string
	Outputs []string
	Fn      func(ctx context.Context, bc *BuildContext) error

	// Sig is reported as the action signature when set.
	Sig string
}

func (a *FuncAction) DescribeInputs() []string  { return a.Inputs }
func (a *FuncAction) DescribeOutputs() []string { return a.Outputs }

func (a *FuncAction) Execute(ctx context.Context, bc *BuildContext) error {
	if a.Fn == nil {
		return nil
	}
	return a.Fn(ctx, bc)
}

func (a *FuncAction) Signature() string {
	if a.Sig != "" {
		return a.Sig
	}
	return "func"
}

var (
	_ Action = (*NoopAction)(nil)
	_ Action = (*FuncAction)(nil)
	_ Signer = (*FuncAction)(nil)
)
