package client

import (
	"context"

	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

// LogDispatcher writes notifications to the log. Used when NATS is disabled.
type LogDispatcher struct {
	log *logger.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(log *logger.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

// Send logs the event and never fails.
func (d *LogDispatcher) Send(ctx context.Context, event service.NotificationEvent) error {
	d.log.Info().
		Str("request_id", event.RequestID).
		Str("action", string(event.Action)).
		Str("recipient", event.RecipientRef).
		Str("message", event.Message).
		Msg("notification")
	return nil
}
