package domain

import "fmt"

// Status is the lifecycle state of a scheduled task. The store persists
// whatever value it is handed; transition legality is the caller's problem.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusScheduled, StatusActive, StatusComplete, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// ScheduledTask is a durable record of one unit of asynchronous work.
//
// Params and Result are opaque JSON mappings; nil means the column is NULL
// at rest, which is distinct from an empty map (stored as "{}").
type ScheduledTask struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Status     Status         `json:"status"`
	Timestamp  int64          `json:"timestamp"` // epoch millis
	ResourceID *string        `json:"resource_id,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      *string        `json:"error,omitempty"`
}

// TaskFilter narrows a task listing. Each field has three states:
//
//   - nil pointer: no constraint on the column
//   - pointer to an empty slice: the column must be NULL
//   - pointer to a non-empty slice: the column must be one of the values
//
// Conflating the first two is the classic bug here; keep them apart.
type TaskFilter struct {
	Actions     *[]string
	ResourceIDs *[]string
	Statuses    *[]Status
}

// SetOf builds a filter set in place: SetOf("a", "b") constrains to those
// values, SetOf[string]() selects NULL-only rows.
func SetOf[T any](vals ...T) *[]T {
	return &vals
}

// TaskUpdate names the fields a partial update touches; nil fields keep
// their stored value. Params is deliberately absent: parameters are fixed
// at creation and only upsert rewrites them. Result and Error cannot be
// cleared back to NULL through this path either.
type TaskUpdate struct {
	Timestamp *int64
	Status    *Status
	Result    map[string]any
	Error     *string
}

// IsZero reports whether the update names no fields at all.
func (u TaskUpdate) IsZero() bool {
	return u.Timestamp == nil && u.Status == nil && u.Result == nil && u.Error == nil
}
