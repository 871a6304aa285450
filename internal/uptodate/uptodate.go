// Package uptodate decides whether a task can be skipped because nothing it
// depends on or produces has changed since it last succeeded.
package uptodate

import (
	"context"
	"errors"
	"fmt"

	"github.com/flexinfer/forge/internal/action"
	"github.com/flexinfer/forge/internal/fingerprint"
	"github.com/flexinfer/forge/internal/graph"
)

// Reasons a task is not up-to-date.
var (
	ErrFingerprintMissing = errors.New("no recorded fingerprints")
	ErrInputChanged       = errors.New("input changed")
	ErrOutputChanged      = errors.New("output changed")
	ErrOutputMissing      = errors.New("output missing")
	ErrSignatureChanged   = errors.New("task definition changed")
	ErrAlwaysRun          = errors.New("task always runs")
)

// Decision is the outcome of an up-to-date check. Reason is nil when
// UpToDate is true.
type Decision struct {
	UpToDate bool
	Reason   error
}

func (d Decision) String() string {
	if d.UpToDate {
		return "up-to-date"
	}
	return d.Reason.Error()
}

func stale(reason error) Decision { return Decision{Reason: reason} }

// Checker fingerprints a node's declared file-sets and compares them with the
// last recorded snapshot. It has no side effects on the file system.
type Checker struct {
	hasher *fingerprint.Hasher
	env    map[string]string
}

// NewChecker creates a Checker.
func NewChecker(hasher *fingerprint.Hasher) *Checker {
	return &Checker{hasher: hasher}
}

// WithEnv returns a Checker whose signatures also cover the build
// environment env, so a task reruns when the environment it sees changes.
func (c *Checker) WithEnv(env map[string]string) *Checker {
	return &Checker{hasher: c.hasher, env: env}
}

// Hasher returns the hasher used for fingerprints.
func (c *Checker) Hasher() *fingerprint.Hasher { return c.hasher }

// IsUpToDate reports whether node may be skipped given the prior snapshot.
// Any error computing fingerprints is treated as not up-to-date.
func (c *Checker) IsUpToDate(ctx context.Context, node *graph.Node, prior *fingerprint.Snapshot) bool {
	d, _, err := c.Check(ctx, node, prior)
	return err == nil && d.UpToDate
}

// Check computes the current snapshot of node and compares it with prior.
// The returned snapshot carries input fingerprints only; output fingerprints
// are taken after execution with Outputs.
func (c *Checker) Check(ctx context.Context, node *graph.Node, prior *fingerprint.Snapshot) (Decision, *fingerprint.Snapshot, error) {
	current, err := c.Inputs(ctx, node)
	if err != nil {
		return stale(err), nil, err
	}
	if node.AlwaysRun {
		return stale(ErrAlwaysRun), current, nil
	}
	if prior == nil {
		return stale(ErrFingerprintMissing), current, nil
	}

	outputs, err := c.hasher.Fingerprints(ctx, node.Outputs())
	if err != nil {
		return stale(err), current, fmt.Errorf("fingerprint outputs of %s: %w", node.ID, err)
	}
	withOutputs := *current
	withOutputs.Outputs = outputs

	return Compare(&withOutputs, prior), current, nil
}

// Inputs returns the signature and input fingerprints of node.
func (c *Checker) Inputs(ctx context.Context, node *graph.Node) (*fingerprint.Snapshot, error) {
	inputs, err := c.hasher.Fingerprints(ctx, node.Inputs())
	if err != nil {
		return nil, fmt.Errorf("fingerprint inputs of %s: %w", node.ID, err)
	}
	return &fingerprint.Snapshot{
		Signature: action.SignatureWithEnv(node.Action, c.env),
		Inputs:    inputs,
	}, nil
}

// Outputs completes snapshot with the current output fingerprints of node.
func (c *Checker) Outputs(ctx context.Context, node *graph.Node, snapshot *fingerprint.Snapshot) error {
	outputs, err := c.hasher.Fingerprints(ctx, node.Outputs())
	if err != nil {
		return fmt.Errorf("fingerprint outputs of %s: %w", node.ID, err)
	}
	snapshot.Outputs = outputs
	return nil
}

// Compare is the pure up-to-date rule. A node is up-to-date iff its
// signature is unchanged, every input fingerprint matches the recorded value,
// and every declared output still exists with its recorded fingerprint.
func Compare(current, prior *fingerprint.Snapshot) Decision {
	if prior == nil {
		return stale(ErrFingerprintMissing)
	}
	if current.Signature != prior.Signature {
		return stale(ErrSignatureChanged)
	}
	if len(current.Inputs) != len(prior.Inputs) {
		return stale(ErrInputChanged)
	}
	for i := range current.Inputs {
		if current.Inputs[i] != prior.Inputs[i] {
			return stale(fmt.Errorf("%w: input %d", ErrInputChanged, i))
		}
	}
	if len(current.Outputs) != len(prior.Outputs) {
		return stale(ErrOutputChanged)
	}
	for i := range current.Outputs {
		if current.Outputs[i] == fingerprint.Absent {
			return stale(fmt.Errorf("%w: output %d", ErrOutputMissing, i))
		}
		if current.Outputs[i] != prior.Outputs[i] {
			return stale(fmt.Errorf("%w: output %d", ErrOutputChanged, i))
		}
	}
	return Decision{UpToDate: true}
}
