package domain

import (
	"strings"
	"time"
)

type Priority int

const (
	PriorityNone Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "none"
	}
}

// RepeatAfterCompletion marks a recurrence that restarts from the completion
// date instead of the due date. It lives inside the recurrence string as a
// local-only suffix so it survives round trips through the server untouched.
const RepeatAfterCompletionSuffix = ";FROM=COMPLETION"

// Task is one local task. Remote correlation lives in CaldavTask.
type Task struct {
	ID          int64
	Title       string
	Notes       string
	DueDate     *time.Time
	HasDueTime  bool
	CompletedAt *time.Time
	Priority    Priority
	Recurrence  string
	CreatedAt   time.Time
	ModifiedAt  time.Time
	DeletedAt   *time.Time
}

func (t *Task) IsCompleted() bool {
	return t.CompletedAt != nil
}

func (t *Task) IsDeleted() bool {
	return t.DeletedAt != nil
}

func (t *Task) IsRecurring() bool {
	return t.Recurrence != ""
}

func (t *Task) RepeatAfterCompletion() bool {
	return strings.Contains(t.Recurrence, RepeatAfterCompletionSuffix)
}

// RecurrenceRule returns the RRULE value without the "RRULE:" prefix and
// without the local FROM=COMPLETION suffix.
func (t *Task) RecurrenceRule() string {
	rule := strings.TrimPrefix(t.Recurrence, "RRULE:")
	return strings.Replace(rule, RepeatAfterCompletionSuffix, "", 1)
}
