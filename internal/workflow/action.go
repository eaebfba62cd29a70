package workflow

import "fmt"

// Action is a decision an approver can take on the current step.
type Action string

const (
	ActionApprove           Action = "approve"
	ActionReject            Action = "reject"
	ActionRequestAdjustment Action = "request_adjustment"
)

// ParseAction converts caller input into an Action.
func ParseAction(v string) (Action, error) {
	switch a := Action(v); a {
	case ActionApprove, ActionReject, ActionRequestAdjustment:
		return a, nil
	default:
		return "", fmt.Errorf("unknown decision action %q", v)
	}
}

// RequiresComment reports whether a decision must carry a non-empty comment.
func (a Action) RequiresComment() bool {
	return a == ActionReject || a == ActionRequestAdjustment
}

func (a Action) String() string {
	return string(a)
}

// HistoryAction is what the history ledger records.
type HistoryAction string

const (
	HistoryCreated            HistoryAction = "created"
	HistoryApproved           HistoryAction = "approved"
	HistoryRejected           HistoryAction = "rejected"
	HistoryRequiresAdjustment HistoryAction = "requires_adjustment"
	HistoryCancelled          HistoryAction = "cancelled"
)

// ParseHistoryAction converts a stored value into a HistoryAction.
func ParseHistoryAction(v string) (HistoryAction, error) {
	switch a := HistoryAction(v); a {
	case HistoryCreated, HistoryApproved, HistoryRejected, HistoryRequiresAdjustment, HistoryCancelled:
		return a, nil
	default:
		return "", fmt.Errorf("unknown history action %q", v)
	}
}

func (a HistoryAction) String() string {
	return string(a)
}
