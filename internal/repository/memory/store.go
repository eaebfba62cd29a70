// Package memory is an in-process store with the same semantics as the
// Postgres repositories: atomic request+history writes, compare-and-swap
// transitions and an append-only ledger. It backs tests and the "memory"
// database driver.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/workflow"
)

type stepKey struct {
	flowTypeID string
	order      int
}

// Store holds all approval data behind a single mutex.
type Store struct {
	mu sync.RWMutex

	now  func() time.Time
	last time.Time

	flowTypes map[string]*repository.FlowType
	steps     map[string][]*repository.Step // flow type id -> ordered steps
	requests  map[string]*repository.ApprovalRequest
	history   map[string][]*repository.HistoryEntry // request id -> entries

	// pending indexes pending requests by (flow type, current step) so the
	// approver inbox query never scans every request.
	pending map[stepKey]map[string]struct{}
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:       time.Now,
		flowTypes: make(map[string]*repository.FlowType),
		steps:     make(map[string][]*repository.Step),
		requests:  make(map[string]*repository.ApprovalRequest),
		history:   make(map[string][]*repository.HistoryEntry),
		pending:   make(map[stepKey]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// tick returns a timestamp strictly after every timestamp handed out before.
// Callers must hold the write lock.
func (s *Store) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// ── flow types ───────────────────────────────────────────────────────────────

// CreateFlowType inserts a new flow type.
func (s *Store) CreateFlowType(ctx context.Context, ft *repository.FlowType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.flowTypes {
		if strings.EqualFold(existing.Name, ft.Name) {
			return errors.InvalidInput("name", "flow type name already exists")
		}
	}

	now := s.tick()
	ft.ID = uuid.NewString()
	ft.CreatedAt = now
	ft.UpdatedAt = now

	stored := *ft
	s.flowTypes[ft.ID] = &stored
	return nil
}

// GetFlowType retrieves a flow type by id.
func (s *Store) GetFlowType(ctx context.Context, id string) (*repository.FlowType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ft, ok := s.flowTypes[id]
	if !ok {
		return nil, errors.NotFound("flow_type", id)
	}
	out := *ft
	return &out, nil
}

// ListFlowTypes returns flow types ordered by name.
func (s *Store) ListFlowTypes(ctx context.Context, activeOnly bool) ([]*repository.FlowType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.FlowType
	for _, ft := range s.flowTypes {
		if activeOnly && !ft.Active {
			continue
		}
		c := *ft
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetFlowTypeActive toggles the active flag.
func (s *Store) SetFlowTypeActive(ctx context.Context, id string, active bool) (*repository.FlowType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ft, ok := s.flowTypes[id]
	if !ok {
		return nil, errors.NotFound("flow_type", id)
	}
	ft.Active = active
	ft.UpdatedAt = s.tick()
	out := *ft
	return &out, nil
}

// ReplaceSteps swaps the step list of a flow type no request references yet.
func (s *Store) ReplaceSteps(ctx context.Context, flowTypeID string, steps []*repository.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ft, ok := s.flowTypes[flowTypeID]
	if !ok {
		return errors.NotFound("flow_type", flowTypeID)
	}
	for _, req := range s.requests {
		if req.FlowTypeID == flowTypeID {
			return errors.InvalidState("steps cannot be redefined once requests reference the flow type")
		}
	}

	now := s.tick()
	stored := make([]*repository.Step, 0, len(steps))
	for _, step := range steps {
		step.ID = uuid.NewString()
		step.FlowTypeID = flowTypeID
		step.CreatedAt = now
		c := *step
		stored = append(stored, &c)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Order < stored[j].Order })
	s.steps[flowTypeID] = stored
	ft.UpdatedAt = now
	return nil
}

// ListSteps returns the steps of a flow type ordered by order.
func (s *Store) ListSteps(ctx context.Context, flowTypeID string) ([]*repository.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := s.steps[flowTypeID]
	out := make([]*repository.Step, 0, len(steps))
	for _, step := range steps {
		c := *step
		out = append(out, &c)
	}
	return out, nil
}

// ── requests ─────────────────────────────────────────────────────────────────

// Create inserts a request and its "created" history entry atomically.
func (s *Store) Create(ctx context.Context, req *repository.ApprovalRequest, created *repository.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ft, ok := s.flowTypes[req.FlowTypeID]
	if !ok || !ft.Active {
		return errors.NotFound("flow_type", req.FlowTypeID)
	}
	if len(s.steps[req.FlowTypeID]) != req.TotalSteps {
		return errors.Conflict("flow type steps changed while creating the request")
	}

	now := s.tick()
	req.ID = uuid.NewString()
	req.Version = 1
	req.CreatedAt = now
	req.UpdatedAt = now
	s.requests[req.ID] = req.Clone()
	if req.Status == workflow.StatusPending {
		s.index(req.FlowTypeID, req.CurrentStep, req.ID)
	}

	created.RequestID = req.ID
	s.appendLocked(created)
	return nil
}

// GetByID retrieves a request by id.
func (s *Store) GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return req.Clone(), nil
}

// ListByRequester returns requests submitted by requesterRef, newest first.
func (s *Store) ListByRequester(ctx context.Context, requesterRef string) ([]*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.ApprovalRequest
	for _, req := range s.requests {
		if req.RequesterRef == requesterRef {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListPendingForApprover walks principal refs -> bound steps of active flow
// types -> pending requests sitting on those steps, oldest first.
func (s *Store) ListPendingForApprover(ctx context.Context, principalRefs []string) ([]*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make(map[string]struct{}, len(principalRefs))
	for _, ref := range principalRefs {
		refs[ref] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []*repository.ApprovalRequest
	for flowTypeID, steps := range s.steps {
		if ft := s.flowTypes[flowTypeID]; ft == nil || !ft.Active {
			continue
		}
		for _, step := range steps {
			if _, ok := refs[step.ApproverRef]; !ok {
				continue
			}
			for id := range s.pending[stepKey{flowTypeID: flowTypeID, order: step.Order}] {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				out = append(out, s.requests[id].Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ApplyTransition compares (status, current_step) with expected and, when
// they still match, stores req and appends entry in one critical section.
func (s *Store) ApplyTransition(
	ctx context.Context,
	req *repository.ApprovalRequest,
	expected workflow.Position,
	entry *repository.HistoryEntry,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.requests[req.ID]
	if !ok {
		return errors.NotFound("approval_request", req.ID)
	}
	if current.Status != expected.Status || current.CurrentStep != expected.CurrentStep {
		return errors.Conflict("request was modified concurrently")
	}

	if current.Status == workflow.StatusPending {
		s.unindex(current.FlowTypeID, current.CurrentStep, current.ID)
	}

	req.Version = current.Version + 1
	req.UpdatedAt = s.tick()
	current.Status = req.Status
	current.CurrentStep = req.CurrentStep
	current.Version = req.Version
	current.UpdatedAt = req.UpdatedAt

	if current.Status == workflow.StatusPending {
		s.index(current.FlowTypeID, current.CurrentStep, current.ID)
	}

	entry.RequestID = req.ID
	s.appendLocked(entry)
	return nil
}

// ── history ──────────────────────────────────────────────────────────────────

// ListByRequest returns the ledger of a request, oldest first.
func (s *Store) ListByRequest(ctx context.Context, requestID string) ([]*repository.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[requestID]
	out := make([]*repository.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		c := *e
		if e.Comments != nil {
			comments := *e.Comments
			c.Comments = &comments
		}
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) appendLocked(entry *repository.HistoryEntry) {
	entry.ID = uuid.NewString()
	entry.CreatedAt = s.tick()
	c := *entry
	s.history[entry.RequestID] = append(s.history[entry.RequestID], &c)
}

func (s *Store) index(flowTypeID string, order int, id string) {
	key := stepKey{flowTypeID: flowTypeID, order: order}
	set, ok := s.pending[key]
	if !ok {
		set = make(map[string]struct{})
		s.pending[key] = set
	}
	set[id] = struct{}{}
}

func (s *Store) unindex(flowTypeID string, order int, id string) {
	key := stepKey{flowTypeID: flowTypeID, order: order}
	if set, ok := s.pending[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.pending, key)
		}
	}
}
