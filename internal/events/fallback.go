package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher stands in when no broker is configured. It logs the event
// at debug level and drops it.
type LogPublisher struct {
	log zerolog.Logger
}

var _ Publisher = (*LogPublisher)(nil)

// NewLogPublisher returns a publisher that only logs.
func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log.With().Str("component", "events").Logger()}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, key string, env Envelope) error {
	p.log.Debug().Str("key", key).Str("type", env.Meta.Type).Str("event_id", env.Meta.ID).Msg("event skipped: no broker")
	return nil
}

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }
