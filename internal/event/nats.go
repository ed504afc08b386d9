// internal/event/nats.go
// Package event publishes image status changes to NATS JetStream so other
// services can react without polling the listing endpoint.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/toonify/toonify-api/internal/model"
)

const (
	streamName    = "TOONIFY_IMAGES"
	subjectPrefix = "toonify.images."
)

// Publisher emits one event per persisted status transition.
type Publisher interface {
	PublishImageStatus(ctx context.Context, img model.Image) error
	Close() error
}

// noop is used when NATS is not configured or unreachable.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return noop{} }

func (noop) PublishImageStatus(ctx context.Context, img model.Image) error { return nil }
func (noop) Close() error { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to url and ensures the image stream exists.
// An empty url or any connection failure yields a no-op publisher so the
// service keeps working without event streaming.
func NewPublisher(url string, logger *slog.Logger) Publisher {
	if url == "" {
		return noop{}
	}

	nc, err := nats.Connect(url, nats.Name("toonify-api"), nats.Timeout(5*time.Second))
	if err != nil {
		logger.Warn("NATS connect failed, using noop publisher", "error", err)
		return noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	if err := initStream(js); err != nil {
		logger.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	return &natsPub{nc: nc, js: js}
}

func initStream(js nats.JetStreamContext) error {
	cfg := &nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + "*"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	}
	if _, err := js.StreamInfo(streamName); err == nil {
		_, err = js.UpdateStream(cfg)
		return err
	}
	if _, err := js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create %s stream: %w", streamName, err)
	}
	return nil
}

// Envelope is the standard wrapper of every published event.
type Envelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       StatusEvent `json:"payload"`
}

// StatusEvent is the payload of an image status event.
type StatusEvent struct {
	ImageID       int64             `json:"imageId"`
	Subject       string            `json:"subject"`
	Status        model.ImageStatus `json:"status"`
	OriginalKey   string            `json:"originalKey"`
	ProcessedKey  *string           `json:"processedKey,omitempty"`
	FailureReason *string           `json:"failureReason,omitempty"`
}

// Subject is the NATS subject a status is published on.
func Subject(status model.ImageStatus) string {
	return subjectPrefix + strings.ToLower(string(status))
}

// NewEnvelope wraps img for publishing.
func NewEnvelope(img model.Image) Envelope {
	return Envelope{
		Type:          Subject(img.Status),
		Version:       "1.0.0",
		OccurredAt:    img.UpdatedAt.UTC(),
		CorrelationID: uuid.New().String(),
		Payload: StatusEvent{
			ImageID:       img.ID,
			Subject:       img.Subject,
			Status:        img.Status,
			OriginalKey:   img.OriginalKey,
			ProcessedKey:  img.ProcessedKey,
			FailureReason: img.FailureReason,
		},
	}
}

// PublishImageStatus publishes the record's current status. The JetStream
// message id makes redelivery of the same transition idempotent.
func (p *natsPub) PublishImageStatus(ctx context.Context, img model.Image) error {
	b, err := json.Marshal(NewEnvelope(img))
	if err != nil {
		return err
	}
	msgID := fmt.Sprintf("%d-%s", img.ID, img.Status)
	if _, err := p.js.Publish(Subject(img.Status), b, nats.Context(ctx), nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", Subject(img.Status), err)
	}
	return nil
}

// Close drains the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}
