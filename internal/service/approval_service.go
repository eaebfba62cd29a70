package service

import (
	"sync"
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/logger"
)

// defaultNotifyTimeout bounds a single notification dispatch.
const defaultNotifyTimeout = 5 * time.Second

// ApprovalService owns the request lifecycle and the decision state machine.
type ApprovalService struct {
	registry      *FlowRegistryService
	requests      RequestRepository
	history       HistoryRepository
	dispatcher    Dispatcher
	attachments   AttachmentStore
	notifyTimeout time.Duration
	now           func() time.Time
	log           *logger.Logger

	inflight sync.WaitGroup
}

// Option customises an ApprovalService.
type Option func(*ApprovalService)

// WithNotifyTimeout bounds every notification dispatch.
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *ApprovalService) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

// WithClock overrides the clock used to stamp notification events.
func WithClock(now func() time.Time) Option {
	return func(s *ApprovalService) {
		s.now = now
	}
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	registry *FlowRegistryService,
	requests RequestRepository,
	history HistoryRepository,
	dispatcher Dispatcher,
	log *logger.Logger,
	opts ...Option,
) *ApprovalService {
	s := &ApprovalService{
		registry:      registry,
		requests:      requests,
		history:       history,
		dispatcher:    dispatcher,
		notifyTimeout: defaultNotifyTimeout,
		now:           time.Now,
		log:           log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until every in-flight notification dispatch has returned.
// Called on shutdown and by tests.
func (s *ApprovalService) Wait() {
	s.inflight.Wait()
}
