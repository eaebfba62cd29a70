package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/tracing"
)

// StepDefinition is the administrator's input for one step; order is implied
// by position.
type StepDefinition struct {
	ApproverRef string `json:"approver_ref"`
	Required    *bool  `json:"required,omitempty"`
}

// FlowRegistryService defines flow types and exposes their ordered steps.
// Listing reads are cached; approver resolution is not.
type FlowRegistryService struct {
	repo  FlowRepository
	cache *gocache.Cache
	log   *logger.Logger

	genMu       sync.Mutex
	generations map[string]uint64 // flow type id -> bumped on every invalidate
}

// NewFlowRegistryService creates a new FlowRegistryService. cacheTTL <= 0
// disables caching.
func NewFlowRegistryService(repo FlowRepository, cacheTTL time.Duration, log *logger.Logger) *FlowRegistryService {
	var cache *gocache.Cache
	if cacheTTL > 0 {
		cache = gocache.New(cacheTTL, 2*cacheTTL)
	}
	return &FlowRegistryService{
		repo:        repo,
		cache:       cache,
		log:         log,
		generations: make(map[string]uint64),
	}
}

// ── Administration ────────────────────────────────────────────────────────────

// CreateFlowType registers a new, active flow type.
func (s *FlowRegistryService) CreateFlowType(ctx context.Context, name, description string) (*repository.FlowType, error) {
	ctx, span := tracing.StartSpan(ctx, "registry.CreateFlowType")
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		err := errors.InvalidInput("name", "flow type name is required")
		span.SetStatus(err)
		return nil, err
	}

	ft := &repository.FlowType{
		Name:        name,
		Description: strings.TrimSpace(description),
		Active:      true,
	}
	if err := s.repo.CreateFlowType(ctx, ft); err != nil {
		span.SetStatus(err)
		return nil, err
	}

	s.log.Info().
		Str("flow_type_id", ft.ID).
		Str("name", ft.Name).
		Msg("Flow type created")
	span.SetStatus(nil)
	return ft, nil
}

// DefineSteps replaces the step list of a flow type. Orders are assigned
// 1..N contiguously from the slice position.
func (s *FlowRegistryService) DefineSteps(ctx context.Context, flowTypeID string, defs []StepDefinition) ([]*repository.Step, error) {
	ctx, span := tracing.StartSpan(ctx, "registry.DefineSteps")
	defer span.End()

	steps, err := s.defineSteps(ctx, flowTypeID, defs)
	span.SetStatus(err)
	return steps, err
}

func (s *FlowRegistryService) defineSteps(ctx context.Context, flowTypeID string, defs []StepDefinition) ([]*repository.Step, error) {
	if err := validateID("flow_type", flowTypeID); err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, errors.InvalidInput("steps", "a flow type needs at least one step")
	}

	steps := make([]*repository.Step, 0, len(defs))
	for i, def := range defs {
		ref := strings.TrimSpace(def.ApproverRef)
		if ref == "" {
			return nil, errors.InvalidInput("approver_ref", "every step needs an approver")
		}
		if strings.Contains(ref, "@") {
			ref = strings.ToLower(ref)
		}
		required := true
		if def.Required != nil {
			required = *def.Required
		}
		steps = append(steps, &repository.Step{
			Order:       i + 1,
			ApproverRef: ref,
			Required:    required,
		})
	}

	if err := s.repo.ReplaceSteps(ctx, flowTypeID, steps); err != nil {
		return nil, err
	}
	s.invalidate(flowTypeID)

	s.log.Info().
		Str("flow_type_id", flowTypeID).
		Int("steps", len(steps)).
		Msg("Flow steps defined")
	return steps, nil
}

// SetFlowTypeActive toggles whether new requests may be created for the flow type.
func (s *FlowRegistryService) SetFlowTypeActive(ctx context.Context, flowTypeID string, active bool) (*repository.FlowType, error) {
	if err := validateID("flow_type", flowTypeID); err != nil {
		return nil, err
	}
	ft, err := s.repo.SetFlowTypeActive(ctx, flowTypeID, active)
	if err != nil {
		return nil, err
	}
	s.invalidate(flowTypeID)

	s.log.Info().
		Str("flow_type_id", flowTypeID).
		Bool("active", active).
		Msg("Flow type activation changed")
	return ft, nil
}

// GetFlowType returns a flow type regardless of its active flag.
func (s *FlowRegistryService) GetFlowType(ctx context.Context, flowTypeID string) (*repository.FlowType, error) {
	if err := validateID("flow_type", flowTypeID); err != nil {
		return nil, err
	}
	return s.repo.GetFlowType(ctx, flowTypeID)
}

// ListFlowTypes returns flow types ordered by name.
func (s *FlowRegistryService) ListFlowTypes(ctx context.Context, activeOnly bool) ([]*repository.FlowType, error) {
	return s.repo.ListFlowTypes(ctx, activeOnly)
}

// ── Step resolution ───────────────────────────────────────────────────────────

// ListSteps returns the ordered steps of an active flow type.
func (s *FlowRegistryService) ListSteps(ctx context.Context, flowTypeID string) ([]*repository.Step, error) {
	if err := validateID("flow_type", flowTypeID); err != nil {
		return nil, err
	}
	ft, err := s.repo.GetFlowType(ctx, flowTypeID)
	if err != nil {
		return nil, err
	}
	if !ft.Active {
		return nil, errors.NotFound("flow_type", flowTypeID)
	}
	return s.steps(ctx, flowTypeID)
}

// StepCount returns the number of steps of an active flow type.
func (s *FlowRegistryService) StepCount(ctx context.Context, flowTypeID string) (int, error) {
	steps, err := s.ListSteps(ctx, flowTypeID)
	if err != nil {
		return 0, err
	}
	return len(steps), nil
}

// ResolveApprover returns the approver reference bound to stepOrder. It does
// not look at the active flag so in-flight requests can still be decided
// after a flow type is deactivated. It always reads the store; decisions are
// never authorized from the cache.
func (s *FlowRegistryService) ResolveApprover(ctx context.Context, flowTypeID string, stepOrder int) (string, error) {
	steps, err := s.repo.ListSteps(ctx, flowTypeID)
	if err != nil {
		return "", err
	}
	for _, step := range steps {
		if step.Order == stepOrder {
			return step.ApproverRef, nil
		}
	}
	return "", errors.NotFound("flow_step", fmt.Sprintf("%s#%d", flowTypeID, stepOrder))
}

// steps serves read paths from the cache. A fill is dropped when the flow
// type's generation moved while the store was being read, so a list replaced
// by DefineSteps is never cached after the fact.
func (s *FlowRegistryService) steps(ctx context.Context, flowTypeID string) ([]*repository.Step, error) {
	if s.cache == nil {
		return s.repo.ListSteps(ctx, flowTypeID)
	}
	if cached, ok := s.cache.Get(flowTypeID); ok {
		return cached.([]*repository.Step), nil
	}

	gen := s.generation(flowTypeID)
	steps, err := s.repo.ListSteps(ctx, flowTypeID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return steps, nil
	}

	s.genMu.Lock()
	if s.generations[flowTypeID] == gen {
		s.cache.SetDefault(flowTypeID, steps)
	}
	s.genMu.Unlock()
	return steps, nil
}

func (s *FlowRegistryService) generation(flowTypeID string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[flowTypeID]
}

func (s *FlowRegistryService) invalidate(flowTypeID string) {
	if s.cache == nil {
		return
	}
	s.genMu.Lock()
	s.generations[flowTypeID]++
	s.cache.Delete(flowTypeID)
	s.genMu.Unlock()
}

// validateID maps malformed ids onto NOT_FOUND so they never reach the store.
func validateID(resource, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.NotFound(resource, id)
	}
	return nil
}
