// Package workflow holds the closed vocabulary of the approval engine: request
// statuses, decision actions, history actions and the transition table that
// ties them together.
package workflow

import "fmt"

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending            Status = "pending"
	StatusApproved           Status = "approved"
	StatusRejected           Status = "rejected"
	StatusRequiresAdjustment Status = "requires_adjustment"
	StatusCancelled          Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusPending:            true,
	StatusApproved:           true,
	StatusRejected:           true,
	StatusRequiresAdjustment: true,
	StatusCancelled:          true,
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal reports whether no further decisions are accepted in s.
// requires_adjustment counts as terminal; resubmission is handled outside the engine.
func (s Status) IsTerminal() bool {
	return s.IsValid() && s != StatusPending
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus converts a stored value into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown request status %q", v)
	}
	return s, nil
}

// Priority ranks a request for display and paging.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority accepts a known priority; the empty string means normal.
func ParsePriority(v string) (Priority, error) {
	switch p := Priority(v); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", v)
	}
}
