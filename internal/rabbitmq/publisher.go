package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes on one channel, optionally waiting for publisher
// confirms. Publishes are serialized and each waits for the confirm carrying
// its own delivery tag, so a late confirm for an abandoned publish is skipped.
type Publisher struct {
	ch             Channel
	confirm        bool
	confirmTimeout time.Duration
	confirms       chan amqp.Confirmation
	seq            uint64
	mu             sync.Mutex
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmMode puts the channel in confirm mode
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// NewPublisher creates a publisher on ch
func NewPublisher(ch Channel, options ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		ch:             ch,
		confirmTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	if p.confirm {
		if err := ch.Confirm(false); err != nil {
			return nil, &ChannelError{Op: "enable confirms", Err: err, Timestamp: time.Now()}
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	return p, nil
}

// Confirming reports whether publishes wait for broker confirms
func (p *Publisher) Confirming() bool {
	return p.confirm
}

// Publish publishes msg and, in confirm mode, waits for the broker ack
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.confirm {
		p.drainStale()
	}

	if err := p.ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return p.publishError(exchange, routingKey, fmt.Errorf("failed to publish: %w", err))
	}

	if !p.confirm {
		return nil
	}

	// Delivery tags count publishes on the channel starting at 1
	p.seq++
	tag := p.seq

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-p.confirms:
			if !ok {
				return p.publishError(exchange, routingKey, ErrChannelClosed)
			}
			if confirm.DeliveryTag < tag {
				continue
			}
			if !confirm.Ack {
				return p.publishError(exchange, routingKey, ErrPublishNotConfirmed)
			}
			return nil

		case <-timer.C:
			return p.publishError(exchange, routingKey, ErrPublishTimeout)

		case <-ctx.Done():
			return p.publishError(exchange, routingKey, ctx.Err())
		}
	}
}

// drainStale discards confirms left over from publishes that stopped waiting
func (p *Publisher) drainStale() {
	for {
		select {
		case _, ok := <-p.confirms:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (p *Publisher) publishError(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
