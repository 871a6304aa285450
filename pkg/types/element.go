package types

// Element is the described-model view of a build node handed to reporting
// clients. The name is not a unique identifier; the description may be empty.
type Element interface {
	Name() string
	Description() string
}

// TaskElement is the read-only projection of one task of a build.
type TaskElement struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"name"`
	Detail       string    `json:"description,omitempty"`
	Predecessors []string  `json:"predecessors,omitempty"`
	State        TaskState `json:"state,omitempty"`
}

// Name returns the display name of the task.
func (e TaskElement) Name() string { return e.DisplayName }

// Description returns the task description, possibly empty.
func (e TaskElement) Description() string { return e.Detail }

var _ Element = TaskElement{}
