package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rr/internal/rabbitmq"
	"github.com/glimte/mmate-rr/messaging"
)

type connection struct {
	factory   *Factory
	conn      rabbitmq.Connection
	started   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func newConnection(f *Factory, conn rabbitmq.Connection) *connection {
	return &connection{
		factory: f,
		conn:    conn,
		started: make(chan struct{}),
	}
}

func (c *connection) Start() error {
	if c.conn.IsClosed() {
		return rabbitmq.ErrConnectionClosed
	}
	c.startOnce.Do(func() { close(c.started) })
	return nil
}

func (c *connection) CreateSession(transacted bool, mode messaging.AckMode) (messaging.Session, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, &rabbitmq.ChannelError{Op: "open channel", Err: err}
	}

	if transacted {
		if err := ch.Tx(); err != nil {
			_ = ch.Close()
			return nil, &rabbitmq.ChannelError{Op: "select tx", Err: err}
		}
	}

	publisher, err := rabbitmq.NewPublisher(ch,
		rabbitmq.WithConfirmMode(!transacted && c.factory.confirms),
		rabbitmq.WithConfirmTimeout(c.factory.confirmTimeout),
	)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	return &session{
		conn:       c,
		ch:         ch,
		publisher:  publisher,
		transacted: transacted,
		mode:       mode,
	}, nil
}

func (c *connection) Metadata() messaging.ConnectionMetadata {
	props := c.conn.ServerProperties()
	md := messaging.ConnectionMetadata{Provider: "RabbitMQ"}
	if product, ok := props["product"].(string); ok {
		md.Provider = product
	}
	if version, ok := props["version"].(string); ok {
		md.Version = version
	}
	return md
}

// Close reports a failure only from the call that closed the connection
func (c *connection) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			closeErr = &rabbitmq.ConnectionError{Op: "close", URL: c.factory.URL(), Err: err}
		}
	})
	return closeErr
}

// session is one AMQP channel. rpc serializes synchronous channel methods
// issued from the caller and from consumer goroutines.
type session struct {
	conn       *connection
	ch         rabbitmq.Channel
	publisher  *rabbitmq.Publisher
	transacted bool
	mode       messaging.AckMode

	rpc       sync.Mutex
	mu        sync.Mutex
	closed    bool
	consumers []*consumer
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.ch.IsClosed()
}

func (s *session) CreateBytesMessage(payload []byte) (*messaging.Message, error) {
	if s.isClosed() {
		return nil, messaging.ErrClosed
	}
	return messaging.NewBytesMessage(payload), nil
}

func (s *session) CreateProducer(dest messaging.Destination) (messaging.Producer, error) {
	if s.isClosed() {
		return nil, messaging.ErrClosed
	}
	return &producer{sess: s, dest: dest}, nil
}

func (s *session) CreateConsumer(ctx context.Context, dest messaging.Destination, listener messaging.MessageListener) (messaging.Consumer, error) {
	if dest == nil {
		return nil, messaging.ErrNoDestination
	}
	if listener == nil {
		return nil, errors.New("rabbitmq: listener cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, messaging.ErrClosed
	}

	name := dest.DestinationName()
	if !messaging.IsTemporaryQueueName(name) {
		s.rpc.Lock()
		_, err := rabbitmq.DeclareQueue(s.ch, rabbitmq.DurableQueue(name))
		s.rpc.Unlock()
		if err != nil {
			return nil, err
		}
	}

	opts := rabbitmq.ConsumerOptions{
		ConsumerTag:   "ctag-" + uuid.New().String(),
		PrefetchCount: s.conn.factory.prefetch,
		AutoAck:       !s.transacted,
		Gate:          s.conn.started,
		Logger:        s.conn.factory.logger,
	}
	if s.transacted {
		opts.AfterAck = s.commit
	}

	sub, err := rabbitmq.Subscribe(s.ch, name, opts, func(d amqp.Delivery) {
		listener(fromDelivery(d))
	})
	if err != nil {
		return nil, err
	}

	c := &consumer{dest: dest, sub: sub}
	s.mu.Lock()
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()
	return c, nil
}

func (s *session) CreateTemporaryQueue(ctx context.Context) (messaging.TemporaryDestination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, messaging.ErrClosed
	}

	name := messaging.NewTemporaryQueueName()
	s.rpc.Lock()
	_, err := rabbitmq.DeclareQueue(s.ch, rabbitmq.TemporaryQueue(name))
	s.rpc.Unlock()
	if err != nil {
		return nil, err
	}
	return &tempQueue{sess: s, name: name}, nil
}

func (s *session) Commit() error {
	if !s.transacted {
		return errors.New("rabbitmq: session is not transacted")
	}
	return s.commit()
}

func (s *session) commit() error {
	s.rpc.Lock()
	defer s.rpc.Unlock()
	if err := s.ch.TxCommit(); err != nil {
		return &rabbitmq.ChannelError{Op: "commit", Err: err}
	}
	return nil
}

func (s *session) Rollback() error {
	if !s.transacted {
		return errors.New("rabbitmq: session is not transacted")
	}
	s.rpc.Lock()
	defer s.rpc.Unlock()
	if err := s.ch.TxRollback(); err != nil {
		return &rabbitmq.ChannelError{Op: "rollback", Err: err}
	}
	return nil
}

func (s *session) Transacted() bool {
	return s.transacted
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := s.consumers
	s.consumers = nil
	s.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	return errors.Join(errs...)
}

type producer struct {
	sess *session
	dest messaging.Destination

	mu     sync.Mutex
	closed bool
}

func (p *producer) Send(ctx context.Context, msg *messaging.Message) error {
	if p.dest == nil {
		return messaging.ErrNoDestination
	}
	return p.SendTo(ctx, p.dest, msg)
}

func (p *producer) SendTo(ctx context.Context, dest messaging.Destination, msg *messaging.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || p.sess.isClosed() {
		return messaging.ErrClosed
	}
	if dest == nil {
		return messaging.ErrNoDestination
	}
	if msg == nil {
		return errors.New("rabbitmq: message cannot be nil")
	}

	stamped := msg.Stamp(now())
	if stamped.MessageID == "" {
		stamped.MessageID = "ID:" + uuid.New().String()
	}
	return p.sess.publisher.Publish(ctx, "", dest.DestinationName(), toPublishing(stamped))
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type consumer struct {
	dest messaging.Destination
	sub  *rabbitmq.Subscription
}

func (c *consumer) Destination() messaging.Destination {
	return c.dest
}

func (c *consumer) Close() error {
	return c.sub.Cancel()
}

type tempQueue struct {
	sess *session
	name string

	mu      sync.Mutex
	deleted bool
}

func (t *tempQueue) DestinationName() string {
	return t.name
}

func (t *tempQueue) String() string {
	return t.name
}

// Delete removes the queue; once its channel is gone the broker removes it
// with the connection
func (t *tempQueue) Delete(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deleted {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.sess.ch.IsClosed() {
		t.deleted = true
		return nil
	}

	t.sess.rpc.Lock()
	err := rabbitmq.DeleteQueue(t.sess.ch, t.name)
	t.sess.rpc.Unlock()
	if err != nil {
		return err
	}
	t.deleted = true
	return nil
}
