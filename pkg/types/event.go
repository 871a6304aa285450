package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeBuildStart EventType = "build_start"
	EventTypeBuildEnd   EventType = "build_end"
	EventTypeTaskStatus EventType = "task_status"
	EventTypeLog        EventType = "log"
	EventTypeProgress   EventType = "progress"

	// EventTypeStreamEnd is sent by the API when an event stream closes.
	EventTypeStreamEnd EventType = "stream_end"
)

// Event represents a single event in a build's event stream.
type Event struct {
	ID        string          `json:"id"`
	BuildID   string          `json:"build_id"`
	Type      EventType       `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type   EventType   `json:"type"`
	TaskID string      `json:"task_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// TaskStatusEvent is the payload for task state changes.
type TaskStatusEvent struct {
	Status   TaskState `json:"status"`
	Cause    string    `json:"cause,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Duration string    `json:"duration,omitempty"`
}

// BuildStatusEvent is the payload for build state changes.
type BuildStatusEvent struct {
	Status BuildStatus `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// ProgressEvent reports how many tasks of a build are terminal. Task is the
// one that just finished.
type ProgressEvent struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Task    string `json:"task"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
