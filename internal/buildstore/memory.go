package buildstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/forge/pkg/types"
)

// memoryBuild holds all state for a single build in memory.
type memoryBuild struct {
	mu          sync.RWMutex
	build       types.Build
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of BuildStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	builds map[string]*memoryBuild
	config *Config
}

// NewMemoryStore creates a new in-memory BuildStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		builds: make(map[string]*memoryBuild),
		config: cfg,
	}
}

func (s *MemoryStore) get(buildID string) (*memoryBuild, error) {
	s.mu.RLock()
	b, ok := s.builds[buildID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBuildNotFound
	}
	return b, nil
}

func (s *MemoryStore) CreateBuild(ctx context.Context, build *types.Build) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := *build
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if _, exists := s.builds[b.ID]; exists {
		return "", fmt.Errorf("build %s already exists", b.ID)
	}
	now := time.Now().UTC()
	if b.Status == "" {
		b.Status = types.BuildStatusQueued
	}
	b.CreatedAt = now
	b.UpdatedAt = now
	b.Results = nil

	s.builds[b.ID] = &memoryBuild{
		build:       b,
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	s.evict()
	return b.ID, nil
}

// evict drops the oldest finished builds beyond MaxBuilds. Caller holds s.mu.
func (s *MemoryStore) evict() {
	if s.config.MaxBuilds <= 0 || len(s.builds) <= s.config.MaxBuilds {
		return
	}
	type entry struct {
		id      string
		created time.Time
	}
	var finished []entry
	for id, b := range s.builds {
		b.mu.RLock()
		if b.build.Status.IsFinished() {
			finished = append(finished, entry{id, b.build.CreatedAt})
		}
		b.mu.RUnlock()
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].created.Before(finished[j].created) })
	for _, e := range finished {
		if len(s.builds) <= s.config.MaxBuilds {
			return
		}
		delete(s.builds, e.id)
	}
}

func (s *MemoryStore) GetBuild(ctx context.Context, buildID string) (*types.Build, error) {
	b, err := s.get(buildID)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copyBuild(&b.build), nil
}

func (s *MemoryStore) ListBuilds(ctx context.Context) ([]*types.Build, error) {
	s.mu.RLock()
	out := make([]*types.Build, 0, len(s.builds))
	for _, b := range s.builds {
		b.mu.RLock()
		out = append(out, copyBuild(&b.build))
		b.mu.RUnlock()
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateBuildStatus(ctx context.Context, buildID string, status types.BuildStatus, startedAt, finishedAt *time.Time) error {
	b, err := s.get(buildID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.build.Status = status
	b.build.UpdatedAt = time.Now().UTC()
	if startedAt != nil {
		t := *startedAt
		b.build.StartedAt = &t
	}
	if finishedAt != nil {
		t := *finishedAt
		b.build.FinishedAt = &t
	}

	// Finished builds close their event streams.
	if status.IsFinished() {
		for ch := range b.subscribers {
			close(ch)
		}
		b.subscribers = make(map[chan *types.Event]struct{})
	}
	return nil
}

func (s *MemoryStore) RecordResult(ctx context.Context, buildID string, result types.ExecutionResult) error {
	b, err := s.get(buildID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.build.Results {
		if b.build.Results[i].Task == result.Task {
			b.build.Results[i] = result
			return nil
		}
	}
	b.build.Results = append(b.build.Results, result)
	b.build.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, buildID string, input *types.EventInput) (*types.Event, error) {
	b, err := s.get(buildID)
	if err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	b.mu.Lock()
	event := &types.Event{
		ID:        fmt.Sprintf("%d", b.nextSeq),
		BuildID:   buildID,
		Type:      input.Type,
		TaskID:    input.TaskID,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	b.nextSeq++

	if b.maxEvents > 0 && int64(len(b.events)) >= b.maxEvents {
		b.events = b.events[1:]
	}
	b.events = append(b.events, event)

	// Notify subscribers (non-blocking)
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}
	b.mu.Unlock()

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, buildID string, lastEventID string) ([]*types.Event, error) {
	b, err := s.get(buildID)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if lastEventID == "" {
		result := make([]*types.Event, len(b.events))
		copy(result, b.events)
		return result, nil
	}

	var result []*types.Event
	found := false
	for _, evt := range b.events {
		if found {
			result = append(result, evt)
		}
		if evt.ID == lastEventID {
			found = true
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, buildID string) (<-chan *types.Event, func(), error) {
	b, err := s.get(buildID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)

	b.mu.Lock()
	if b.build.Status.IsFinished() {
		close(ch)
	} else {
		b.subscribers[ch] = struct{}{}
	}
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		delete(b.subscribers, ch)
		b.mu.Unlock()
		// Don't close the channel here - the build owns it
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	count := len(s.builds)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":     "memory",
		"build_count": count,
		"max_events":  s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.builds {
		b.mu.Lock()
		for ch := range b.subscribers {
			close(ch)
		}
		b.subscribers = make(map[chan *types.Event]struct{})
		b.mu.Unlock()
	}
	return nil
}

func copyBuild(b *types.Build) *types.Build {
	out := *b
	out.Targets = append([]string(nil), b.Targets...)
	out.Tasks = append([]string(nil), b.Tasks...)
	out.Results = append([]types.ExecutionResult(nil), b.Results...)
	return &out
}

// Verify interface compliance
var _ BuildStore = (*MemoryStore)(nil)
