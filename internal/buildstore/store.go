// Package buildstore provides build history persistence and event streaming.
package buildstore

import (
	"context"
	"errors"
	"time"

	"github.com/flexinfer/forge/pkg/types"
)

// Common errors returned by BuildStore implementations.
var (
	ErrBuildNotFound = errors.New("build not found")
)

// BuildStore defines the interface for build history and event streaming.
// Implementations must be safe for concurrent use.
type BuildStore interface {
	// Build lifecycle
	CreateBuild(ctx context.Context, build *types.Build) (string, error)
	GetBuild(ctx context.Context, buildID string) (*types.Build, error)
	// ListBuilds returns builds, newest first.
	ListBuilds(ctx context.Context) ([]*types.Build, error)
	UpdateBuildStatus(ctx context.Context, buildID string, status types.BuildStatus, startedAt, finishedAt *time.Time) error

	// RecordResult stores the final outcome of one task.
	RecordResult(ctx context.Context, buildID string, result types.ExecutionResult) error

	// Event streaming
	// AppendEvent adds an event to the build's event stream and returns the created event.
	AppendEvent(ctx context.Context, buildID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// If lastEventID is empty, returns all events from the beginning.
	GetEventsSince(ctx context.Context, buildID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel that receives new events for the build.
	// The cleanup function must be called when done to release resources.
	// The channel is closed when the build finishes.
	Subscribe(ctx context.Context, buildID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	Close() error
}

// Config holds configuration for BuildStore implementations.
type Config struct {
	// Maximum number of events to keep per build (ring buffer)
	EventMaxLen int64

	// Maximum number of builds to keep (0 = unlimited)
	MaxBuilds int
}

// DefaultConfig returns sensible defaults for BuildStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		MaxBuilds:   100,
	}
}
