package rabbitmq

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery
type DeliveryHandler func(delivery amqp.Delivery)

// ConsumerOptions configures a subscription
type ConsumerOptions struct {
	ConsumerTag   string
	PrefetchCount int
	AutoAck       bool
	// AfterAck runs after a delivery is acknowledged, e.g. to commit a
	// transacted channel
	AfterAck func() error
	// Gate holds back deliveries until it is closed; nil delivers at once
	Gate   <-chan struct{}
	Logger *slog.Logger
}

// Subscription is an active consumer on one queue
type Subscription struct {
	ch      Channel
	queue   string
	tag     string
	opts    ConsumerOptions
	logger  *slog.Logger
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Subscribe starts consuming queue on ch and hands each delivery to handler
// on a dedicated goroutine
func Subscribe(ch Channel, queue string, opts ConsumerOptions, handler DeliveryHandler) (*Subscription, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.PrefetchCount > 0 {
		if err := ch.Qos(opts.PrefetchCount, 0, false); err != nil {
			return nil, &ConsumerError{
				Queue:       queue,
				ConsumerTag: opts.ConsumerTag,
				Op:          "set QoS",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}
	}

	deliveries, err := ch.Consume(
		queue,
		opts.ConsumerTag,
		opts.AutoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: opts.ConsumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	s := &Subscription{
		ch:     ch,
		queue:  queue,
		tag:    opts.ConsumerTag,
		opts:   opts,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go s.processMessages(deliveries, handler)

	logger.Debug("subscribed to queue",
		"queue", queue,
		"consumerTag", opts.ConsumerTag,
		"prefetchCount", opts.PrefetchCount,
	)

	return s, nil
}

// Queue returns the consumed queue
func (s *Subscription) Queue() string {
	return s.queue
}

// Done is closed once the delivery goroutine has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// processMessages handles incoming deliveries until the subscription stops or
// the broker closes the delivery channel
func (s *Subscription) processMessages(deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer close(s.done)

	if s.opts.Gate != nil {
		select {
		case <-s.opts.Gate:
		case <-s.stop:
			return
		}
	}

	for {
		select {
		case <-s.stop:
			return

		case delivery, ok := <-deliveries:
			if !ok {
				s.logger.Debug("delivery channel closed", "queue", s.queue)
				return
			}
			s.handleDelivery(delivery, handler)
		}
	}
}

func (s *Subscription) handleDelivery(delivery amqp.Delivery, handler DeliveryHandler) {
	handler(delivery)

	if s.opts.AutoAck {
		return
	}

	if err := delivery.Ack(false); err != nil {
		s.logger.Error("failed to ack message",
			"queue", s.queue,
			"messageId", delivery.MessageId,
			"error", err,
		)
		return
	}

	if s.opts.AfterAck != nil {
		if err := s.opts.AfterAck(); err != nil {
			s.logger.Error("failed to commit acknowledgement",
				"queue", s.queue,
				"error", err,
			)
		}
	}
}

// Cancel stops the consumer and waits for the delivery goroutine. It must not
// be called from the handler. Cancelling twice is a no-op.
func (s *Subscription) Cancel() error {
	var cancelErr error
	s.once.Do(func() {
		if !s.ch.IsClosed() {
			if err := s.ch.Cancel(s.tag, false); err != nil {
				cancelErr = fmt.Errorf("cancel consumer %s: %w", s.tag, err)
			}
		}
		close(s.stop)
		<-s.done
	})
	return cancelErr
}
