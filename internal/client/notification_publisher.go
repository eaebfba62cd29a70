package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

// streamName is the JetStream stream capturing approval notifications.
const streamName = "APPROVAL_NOTIFICATIONS"

// jetStreamPublisher is the subset of jetstream.JetStream the publisher needs.
type jetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher publishes approval events to NATS JetStream for the
// notifications service.
//
// Subject convention: <prefix>.<action>, e.g. notifications.approvals.approved
//
// Send returns publish errors; the approval engine logs them and moves on, so
// a notification failure never interrupts a decision.
type NotificationPublisher struct {
	conn   *nats.Conn
	js     jetStreamPublisher
	prefix string
	log    *logger.Logger
}

// ConnectNotificationPublisher dials NATS, makes sure the notification stream
// exists and returns a publisher.
func ConnectNotificationPublisher(ctx context.Context, url, prefix string, timeout time.Duration, log *logger.Logger) (*NotificationPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("be-approval-workflows"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("notification: NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("notification: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{prefix + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure notification stream: %w", err)
	}

	return &NotificationPublisher{conn: conn, js: js, prefix: prefix, log: log}, nil
}

// NewNotificationPublisher wraps an existing JetStream handle.
func NewNotificationPublisher(js jetStreamPublisher, prefix string, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{js: js, prefix: prefix, log: log}
}

// Send publishes one event. The message id is the event id, so only a
// redelivery of the same event is deduplicated by the stream.
func (p *NotificationPublisher) Send(ctx context.Context, event service.NotificationEvent) error {
	data, err := EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, event.Action)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(messageID(event))); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", event.RequestID).
		Str("recipient", event.RecipientRef).
		Msg("notification: event published")
	return nil
}

// Close drains the NATS connection if the publisher owns one.
func (p *NotificationPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// messageID returns the JetStream dedup id of an event. Events built outside
// the approval service may lack an id and get a fresh one.
func messageID(event service.NotificationEvent) string {
	if event.ID != "" {
		return event.ID
	}
	return uuid.NewString()
}

// EncodeEvent renders an event as canonical protobuf JSON.
func EncodeEvent(event service.NotificationEvent) ([]byte, error) {
	payload, err := structpb.NewStruct(map[string]any{
		"event_id":      event.ID,
		"event_type":    "approval_" + string(event.Action),
		"resource_type": "approval_request",
		"resource_id":   event.RequestID,
		"flow_type_id":  event.FlowTypeID,
		"action":        string(event.Action),
		"status":        string(event.Status),
		"step":          event.Step,
		"actor_id":      event.ActorRef,
		"recipients":    []any{event.RecipientRef},
		"message":       event.Message,
		"is_actionable": event.Status == "pending",
		"occurred_at":   event.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(payload)
}
