package planfix

import "github.com/basket/planbot/internal/shared"

// Person is a Planfix user reference. Ids come over the wire in the
// "user:123" form, hence the string type and the NumericID helper.
type Person struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NumericID extracts the numeric part of a prefixed person id.
func (p Person) NumericID() (int64, bool) {
	return shared.ParseEntityID(p.ID)
}

// Status is one entry of a process status directory.
type Status struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	SystemName string `json:"systemName"`
	IsActive   bool   `json:"isActive"`
}

// TaskStatusRef is the status field embedded in a task.
type TaskStatusRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Assignees struct {
	Users []Person `json:"users"`
}

type Task struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Status      TaskStatusRef `json:"status"`
	Assignees   Assignees     `json:"assignees"`
}

type Comment struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	Owner       Person `json:"owner"`
	DateTime    string `json:"dateTime"`
}

// CreateTaskRequest is the payload for creating a remote task.
type CreateTaskRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ProcessID   int64  `json:"processId,omitempty"`
	SourceID    int    `json:"sourceId,omitempty"`
}
