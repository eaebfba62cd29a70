package workflow

import "fmt"

// Position is the (status, current_step) pair a decision is applied against.
// It is also the compare-and-swap key when the result is persisted.
type Position struct {
	Status      Status
	CurrentStep int
	TotalSteps  int
}

// Transition is the outcome of applying an Action to a Position.
type Transition struct {
	From    Position
	To      Position
	Action  Action
	Record  HistoryAction
	AtStep  int  // pre-transition step, written to the ledger
	Advance bool // request stays pending on the next step
}

// rule describes how an action resolves; approve is the only action whose
// outcome depends on the position.
type rule struct {
	record   HistoryAction
	terminal Status
}

var transitions = map[Action]rule{
	ActionApprove:           {record: HistoryApproved, terminal: StatusApproved},
	ActionReject:            {record: HistoryRejected, terminal: StatusRejected},
	ActionRequestAdjustment: {record: HistoryRequiresAdjustment, terminal: StatusRequiresAdjustment},
}

// ErrNotPending is returned by Apply when the position is terminal.
type ErrNotPending struct {
	Status Status
}

func (e ErrNotPending) Error() string {
	return fmt.Sprintf("request is %s, not pending", e.Status)
}

// Apply computes the transition for action at pos. It never mutates pos.
func Apply(pos Position, action Action) (Transition, error) {
	r, ok := transitions[action]
	if !ok {
		return Transition{}, fmt.Errorf("unknown decision action %q", action)
	}
	if pos.Status != StatusPending {
		return Transition{}, ErrNotPending{Status: pos.Status}
	}
	if pos.CurrentStep < 1 || pos.CurrentStep > pos.TotalSteps {
		return Transition{}, fmt.Errorf("step %d out of range 1..%d", pos.CurrentStep, pos.TotalSteps)
	}

	t := Transition{
		From:   pos,
		To:     pos,
		Action: action,
		Record: r.record,
		AtStep: pos.CurrentStep,
	}

	if action == ActionApprove && pos.CurrentStep < pos.TotalSteps {
		t.To.CurrentStep = pos.CurrentStep + 1
		t.Advance = true
		return t, nil
	}

	t.To.Status = r.terminal
	return t, nil
}

// Cancel computes the requester-initiated cancellation of a pending request.
func Cancel(pos Position) (Transition, error) {
	if pos.Status != StatusPending {
		return Transition{}, ErrNotPending{Status: pos.Status}
	}
	to := pos
	to.Status = StatusCancelled
	return Transition{
		From:   pos,
		To:     to,
		Record: HistoryCancelled,
		AtStep: pos.CurrentStep,
	}, nil
}
