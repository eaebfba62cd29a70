package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	testCases := []struct {
		description string
		pos         Position
		action      Action
		expectTo    Position
		expectRec   HistoryAction
		advance     bool
	}{
		{
			description: "approve on intermediate step advances",
			pos:         Position{Status: StatusPending, CurrentStep: 1, TotalSteps: 3},
			action:      ActionApprove,
			expectTo:    Position{Status: StatusPending, CurrentStep: 2, TotalSteps: 3},
			expectRec:   HistoryApproved,
			advance:     true,
		},
		{
			description: "approve on last step finalizes",
			pos:         Position{Status: StatusPending, CurrentStep: 3, TotalSteps: 3},
			action:      ActionApprove,
			expectTo:    Position{Status: StatusApproved, CurrentStep: 3, TotalSteps: 3},
			expectRec:   HistoryApproved,
		},
		{
			description: "single step approve",
			pos:         Position{Status: StatusPending, CurrentStep: 1, TotalSteps: 1},
			action:      ActionApprove,
			expectTo:    Position{Status: StatusApproved, CurrentStep: 1, TotalSteps: 1},
			expectRec:   HistoryApproved,
		},
		{
			description: "reject is terminal at any step",
			pos:         Position{Status: StatusPending, CurrentStep: 1, TotalSteps: 2},
			action:      ActionReject,
			expectTo:    Position{Status: StatusRejected, CurrentStep: 1, TotalSteps: 2},
			expectRec:   HistoryRejected,
		},
		{
			description: "request adjustment is terminal",
			pos:         Position{Status: StatusPending, CurrentStep: 2, TotalSteps: 2},
			action:      ActionRequestAdjustment,
			expectTo:    Position{Status: StatusRequiresAdjustment, CurrentStep: 2, TotalSteps: 2},
			expectRec:   HistoryRequiresAdjustment,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			tr, err := Apply(tc.pos, tc.action)
			require.NoError(t, err)
			assert.Equal(t, tc.pos, tr.From)
			assert.Equal(t, tc.expectTo, tr.To)
			assert.Equal(t, tc.expectRec, tr.Record)
			assert.Equal(t, tc.pos.CurrentStep, tr.AtStep)
			assert.Equal(t, tc.advance, tr.Advance)
		})
	}
}

func TestApplyRejectsTerminal(t *testing.T) {
	for _, s := range []Status{StatusApproved, StatusRejected, StatusRequiresAdjustment, StatusCancelled} {
		_, err := Apply(Position{Status: s, CurrentStep: 1, TotalSteps: 1}, ActionApprove)
		var notPending ErrNotPending
		require.ErrorAs(t, err, &notPending, s)
		assert.Equal(t, s, notPending.Status)
		assert.True(t, s.IsTerminal())
	}
	assert.False(t, StatusPending.IsTerminal())
}

func TestApplyInvalidInput(t *testing.T) {
	_, err := Apply(Position{Status: StatusPending, CurrentStep: 1, TotalSteps: 1}, Action("escalate"))
	assert.Error(t, err)

	_, err = Apply(Position{Status: StatusPending, CurrentStep: 3, TotalSteps: 2}, ActionApprove)
	assert.Error(t, err)
}

func TestCancel(t *testing.T) {
	tr, err := Cancel(Position{Status: StatusPending, CurrentStep: 2, TotalSteps: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, tr.To.Status)
	assert.Equal(t, HistoryCancelled, tr.Record)
	assert.Equal(t, 2, tr.AtStep)

	_, err = Cancel(Position{Status: StatusApproved, CurrentStep: 1, TotalSteps: 1})
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	a, err := ParseAction("request_adjustment")
	require.NoError(t, err)
	assert.True(t, a.RequiresComment())
	assert.False(t, ActionApprove.RequiresComment())

	_, err = ParseAction("approved")
	assert.Error(t, err)

	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)
	_, err = ParsePriority("critical")
	assert.Error(t, err)

	_, err = ParseStatus("in_progress")
	assert.Error(t, err)
}
