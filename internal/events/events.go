// Package events publishes execution lifecycle events for downstream
// consumers (dashboards, notification services). Publishing is best effort:
// the execution ledger in the database stays the source of truth.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeExecutionFinalized = "execution.finalized.v1"
)

// Meta is the envelope header shared by all events.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	Producer      string    `json:"producer,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Envelope wraps an event payload.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// ExecutionFinalized is emitted once per execution record when it reaches
// a terminal status.
type ExecutionFinalized struct {
	ExecutionID     string `json:"execution_id"`
	TaskID          string `json:"task_id"`
	SourceAccountID string `json:"source_account_id"`
	TargetAccountID string `json:"target_account_id"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	PostID          string `json:"post_id,omitempty"`
	URL             string `json:"url,omitempty"`
	DroppedMedia    int    `json:"dropped_media,omitempty"`
	FallbackReason  string `json:"fallback_reason,omitempty"`
}

// Publisher sends envelopes under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// NewEnvelope stamps data with a fresh id and the current UTC time.
// correlationID ties the event to the logical message that caused it.
func NewEnvelope(eventType, producer, correlationID string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			Type:          eventType,
			Time:          time.Now().UTC(),
			Producer:      producer,
			CorrelationID: correlationID,
		},
		Data: data,
	}
}
