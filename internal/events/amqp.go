package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const maxDialDelay = 30 * time.Second

// AMQPPublisher publishes JSON envelopes to a durable topic exchange with
// publisher confirms.
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string
	log      zerolog.Logger
}

var _ Publisher = (*AMQPPublisher)(nil)

// DialAMQP connects with exponential backoff, declares the exchange, and
// returns a publisher. It gives up after attempts tries or when ctx ends.
func DialAMQP(ctx context.Context, url, exchange string, attempts int, log zerolog.Logger) (*AMQPPublisher, error) {
	if attempts <= 0 {
		attempts = 1
	}
	delay := 500 * time.Millisecond

	var (
		conn    *amqp.Connection
		lastErr error
	)
	for i := 1; i <= attempts; i++ {
		conn, lastErr = amqp.Dial(url)
		if lastErr == nil {
			break
		}
		log.Warn().Err(lastErr).Int("attempt", i).Dur("sleep", delay).Msg("amqp dial failed")
		if i == attempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("amqp dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		if delay *= 2; delay > maxDialDelay {
			delay = maxDialDelay
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("amqp dial after %d attempts: %w", attempts, lastErr)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		log:      log.With().Str("component", "events").Str("exchange", exchange).Logger(),
	}, nil
}

// Publish implements Publisher. It waits for the broker confirm.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return errors.New("publish: broker nacked message")
	}
	p.log.Debug().Str("key", key).Str("event_id", env.Meta.ID).Msg("event published")
	return nil
}

// Close closes the connection.
func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}
