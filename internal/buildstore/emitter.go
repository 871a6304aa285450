package buildstore

import (
	"context"

	"github.com/flexinfer/forge/internal/action"
	"github.com/flexinfer/forge/pkg/types"
)

// Emitter adapts a BuildStore to the action.EventEmitter interface.
type Emitter struct {
	store BuildStore
}

// NewEmitter creates a new emitter backed by a BuildStore.
func NewEmitter(store BuildStore) *Emitter {
	return &Emitter{store: store}
}

// EmitEvent appends an event to the build's stream.
func (e *Emitter) EmitEvent(ctx context.Context, buildID, eventType string, data map[string]interface{}, taskID, level string) error {
	if level != "" {
		if data == nil {
			data = make(map[string]interface{})
		}
		data["level"] = level
	}

	_, err := e.store.AppendEvent(ctx, buildID, &types.EventInput{
		Type:   types.EventType(eventType),
		TaskID: taskID,
		Data:   data,
	})
	return err
}

// Ensure Emitter implements action.EventEmitter
var _ action.EventEmitter = (*Emitter)(nil)
