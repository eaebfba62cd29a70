package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/workflow"
)

func seedFlow(t *testing.T, s *Store, name string, approvers ...string) *repository.FlowType {
	t.Helper()
	ctx := context.Background()
	ft := &repository.FlowType{Name: name, Active: true}
	require.NoError(t, s.CreateFlowType(ctx, ft))

	steps := make([]*repository.Step, 0, len(approvers))
	for i, a := range approvers {
		steps = append(steps, &repository.Step{Order: i + 1, ApproverRef: a, Required: true})
	}
	require.NoError(t, s.ReplaceSteps(ctx, ft.ID, steps))
	return ft
}

func seedRequest(t *testing.T, s *Store, ft *repository.FlowType, total int) *repository.ApprovalRequest {
	t.Helper()
	req := &repository.ApprovalRequest{
		FlowTypeID:   ft.ID,
		Title:        "t",
		RequesterRef: "user-u",
		Status:       workflow.StatusPending,
		CurrentStep:  1,
		TotalSteps:   total,
	}
	require.NoError(t, s.Create(context.Background(), req, &repository.HistoryEntry{
		ActorRef: "user-u", Action: workflow.HistoryCreated, StepOrder: 1,
	}))
	return req
}

func TestStoreFlowTypes(t *testing.T) {
	ctx := context.Background()
	s := New()
	ft := seedFlow(t, s, "Budget", "user-a")

	err := s.CreateFlowType(ctx, &repository.FlowType{Name: "budget"})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	seedRequest(t, s, ft, 1)
	err = s.ReplaceSteps(ctx, ft.ID, []*repository.Step{{Order: 1, ApproverRef: "user-b"}})
	assert.True(t, errors.Is(err, errors.ErrInvalidState))

	_, err = s.GetFlowType(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestStoreCreateChecksStepCount(t *testing.T) {
	s := New()
	ft := seedFlow(t, s, "Budget", "user-a", "user-b")

	req := &repository.ApprovalRequest{FlowTypeID: ft.ID, Status: workflow.StatusPending, CurrentStep: 1, TotalSteps: 3}
	err := s.Create(context.Background(), req, &repository.HistoryEntry{Action: workflow.HistoryCreated})
	assert.True(t, errors.Is(err, errors.ErrConflict))

	hist, err := s.ListByRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestStoreApplyTransitionCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()
	ft := seedFlow(t, s, "Budget", "user-a", "user-b")
	req := seedRequest(t, s, ft, 2)
	expected := req.Position()

	next := req.Clone()
	next.CurrentStep = 2
	require.NoError(t, s.ApplyTransition(ctx, next, expected, &repository.HistoryEntry{
		ActorRef: "user-a", Action: workflow.HistoryApproved, StepOrder: 1,
	}))
	assert.EqualValues(t, 2, next.Version)

	stale := req.Clone()
	stale.Status = workflow.StatusRejected
	err := s.ApplyTransition(ctx, stale, expected, &repository.HistoryEntry{
		ActorRef: "user-a", Action: workflow.HistoryRejected, StepOrder: 1,
	})
	assert.True(t, errors.Is(err, errors.ErrConflict))

	got, err := s.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, got.Status)
	assert.Equal(t, 2, got.CurrentStep)

	hist, err := s.ListByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[1].CreatedAt.After(hist[0].CreatedAt))
}

func TestStorePendingIndex(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return fixed }))

	budget := seedFlow(t, s, "Budget", "user-a", "role:finance")
	travel := seedFlow(t, s, "Travel", "role:finance")
	r1 := seedRequest(t, s, budget, 2)
	r2 := seedRequest(t, s, travel, 1)

	inbox, err := s.ListPendingForApprover(ctx, []string{"user-a"})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, r1.ID, inbox[0].ID)

	inbox, err = s.ListPendingForApprover(ctx, []string{"role:finance"})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, r2.ID, inbox[0].ID)

	next := r1.Clone()
	next.CurrentStep = 2
	require.NoError(t, s.ApplyTransition(ctx, next, r1.Position(), &repository.HistoryEntry{
		ActorRef: "user-a", Action: workflow.HistoryApproved, StepOrder: 1,
	}))

	inbox, err = s.ListPendingForApprover(ctx, []string{"user-a"})
	require.NoError(t, err)
	assert.Empty(t, inbox)

	inbox, err = s.ListPendingForApprover(ctx, []string{"user-a", "role:finance"})
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, r1.ID, inbox[0].ID, "oldest first")
	assert.True(t, inbox[0].CreatedAt.Before(inbox[1].CreatedAt))

	_, err = s.SetFlowTypeActive(ctx, travel.ID, false)
	require.NoError(t, err)
	inbox, err = s.ListPendingForApprover(ctx, []string{"role:finance"})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, r1.ID, inbox[0].ID)
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	ft := seedFlow(t, s, "Budget", "user-a")
	req := seedRequest(t, s, ft, 1)

	got, err := s.GetByID(ctx, req.ID)
	require.NoError(t, err)
	got.Status = workflow.StatusApproved

	again, err := s.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, again.Status)
}
