// Package memory provides an in-process broker implementing the messaging
// transport interfaces. It counts every open resource so that tests can verify
// that nothing leaks, and it can inject faults into any broker operation.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rr/messaging"
)

// Broker operations passed to a fault function
const (
	OpConnect        = "connect"
	OpStart          = "start"
	OpCreateSession  = "session"
	OpCreateProducer = "producer"
	OpCreateConsumer = "consumer"
	OpCreateTemp     = "temporary-queue"
	OpDeleteTemp     = "delete-temporary-queue"
	OpSend           = "send"
	OpCommit         = "commit"
	OpClose          = "close"
)

// ErrInjected is wrapped by errors produced through WithFailingOps
var ErrInjected = errors.New("memory: injected fault")

// FaultFunc is consulted before each broker operation; a non-nil error fails
// the operation
type FaultFunc func(op string) error

// Stats is a snapshot of broker counters
type Stats struct {
	Connections     int
	Sessions        int
	Producers       int
	Consumers       int
	TemporaryQueues int
	Sent            int
	Delivered       int
	Expired         int
	Dropped         int
}

// Open returns the number of resources currently open
func (s Stats) Open() int {
	return s.Connections + s.Sessions + s.Producers + s.Consumers + s.TemporaryQueues
}

// Broker is an in-process message broker
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	stats  Stats
	fault  FaultFunc
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the Broker
type Option func(*Broker)

// WithFault installs a fault function
func WithFault(fn FaultFunc) Option {
	return func(b *Broker) {
		b.fault = fn
	}
}

// WithFailingOps fails every listed operation with ErrInjected
func WithFailingOps(ops ...string) Option {
	failing := make(map[string]bool, len(ops))
	for _, op := range ops {
		failing[op] = true
	}
	return WithFault(func(op string) error {
		if failing[op] {
			return fmt.Errorf("%w: %s", ErrInjected, op)
		}
		return nil
	})
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithClock sets the clock used for expiration
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// NewBroker creates an empty broker
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		queues: make(map[string]*queue),
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// SetFault replaces the fault function
func (b *Broker) SetFault(fn FaultFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = fn
}

// Stats returns a snapshot of the broker counters
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// QueueDepth returns the number of messages waiting in a queue without a
// consumer
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.pending)
}

// HasQueue reports whether a queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// ConnectionFactory returns a factory creating connections to this broker
func (b *Broker) ConnectionFactory() messaging.ConnectionFactory {
	return factory{broker: b}
}

// Constructor returns a transport constructor for memory:// bindings that
// always connects to this broker
func (b *Broker) Constructor() messaging.FactoryConstructor {
	return func(string) (messaging.ConnectionFactory, error) {
		return b.ConnectionFactory(), nil
	}
}

func (b *Broker) check(op string) error {
	b.mu.Lock()
	fault := b.fault
	b.mu.Unlock()
	if fault == nil {
		return nil
	}
	return fault(op)
}

type factory struct {
	broker *Broker
}

func (f factory) CreateConnection(ctx context.Context) (messaging.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.broker.check(OpConnect); err != nil {
		return nil, err
	}

	f.broker.mu.Lock()
	f.broker.stats.Connections++
	f.broker.mu.Unlock()

	return newConnection(f.broker), nil
}

// queue holds messages for its consumers; the broker lock guards it
type queue struct {
	name      string
	temporary bool
	owner     *connection
	consumers []*consumer
	next      int
	pending   []*messaging.Message
}

// queueLocked returns the named queue, creating a durable one on first use
func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name}
		b.queues[name] = q
	}
	return q
}

// deliverLocked routes msg to the next consumer of its queue, round robin, or
// keeps it pending when the queue has none
func (b *Broker) deliverLocked(name string, msg *messaging.Message) {
	b.stats.Sent++

	q, ok := b.queues[name]
	if !ok {
		if messaging.IsTemporaryQueueName(name) {
			b.stats.Dropped++
			b.logger.Debug("dropping message for unknown temporary queue", "queue", name)
			return
		}
		q = b.queueLocked(name)
	}

	if msg.Expired(b.now()) {
		b.stats.Expired++
		return
	}

	if len(q.consumers) == 0 {
		q.pending = append(q.pending, msg)
		return
	}

	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	c.push(msg)
}

// attachLocked adds a consumer and hands it the queue backlog
func (b *Broker) attachLocked(q *queue, c *consumer) {
	q.consumers = append(q.consumers, c)
	pending := q.pending
	q.pending = nil
	for _, msg := range pending {
		c.push(msg)
	}
}

// detachLocked removes a consumer, returning undelivered messages to the queue
func (b *Broker) detachLocked(c *consumer) {
	q, ok := b.queues[c.queue]
	if !ok {
		return
	}
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if leftover := c.drain(); len(leftover) > 0 {
		if len(q.consumers) == 0 {
			q.pending = append(leftover, q.pending...)
		} else {
			for _, msg := range leftover {
				b.deliverLocked(q.name, msg)
				b.stats.Sent--
			}
		}
	}
}

// deleteQueueLocked removes a queue and returns the consumers it had
func (b *Broker) deleteQueueLocked(name string) []*consumer {
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	delete(b.queues, name)
	if q.temporary {
		b.stats.TemporaryQueues--
	}
	b.stats.Dropped += len(q.pending)
	return q.consumers
}
