package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/mmate-rr/messaging"
)

type connection struct {
	broker    *Broker
	started   chan struct{}
	startOnce sync.Once

	mu       sync.Mutex
	closed   bool
	sessions []*session
	temps    []*tempQueue
}

func newConnection(b *Broker) *connection {
	return &connection{
		broker:  b,
		started: make(chan struct{}),
	}
}

func (c *connection) Start() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return messaging.ErrClosed
	}
	if err := c.broker.check(OpStart); err != nil {
		return err
	}
	c.startOnce.Do(func() { close(c.started) })
	return nil
}

func (c *connection) CreateSession(transacted bool, mode messaging.AckMode) (messaging.Session, error) {
	if err := c.broker.check(OpCreateSession); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, messaging.ErrClosed
	}

	s := &session{conn: c, transacted: transacted, mode: mode}
	c.sessions = append(c.sessions, s)

	c.broker.mu.Lock()
	c.broker.stats.Sessions++
	c.broker.mu.Unlock()

	return s, nil
}

func (c *connection) Metadata() messaging.ConnectionMetadata {
	return messaging.ConnectionMetadata{Provider: "memory", Version: "1.0"}
}

// Close closes every session and deletes the temporary queues created on the
// connection
func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessions
	temps := c.temps
	c.sessions = nil
	c.temps = nil
	c.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	for _, t := range temps {
		t.remove()
	}

	c.broker.mu.Lock()
	c.broker.stats.Connections--
	c.broker.mu.Unlock()

	return c.broker.check(OpClose)
}

type outbound struct {
	queue string
	msg   *messaging.Message
}

type session struct {
	conn       *connection
	transacted bool
	mode       messaging.AckMode

	mu        sync.Mutex
	closed    bool
	producers []*producer
	consumers []*consumer
	buffered  []outbound
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) CreateBytesMessage(payload []byte) (*messaging.Message, error) {
	if s.isClosed() {
		return nil, messaging.ErrClosed
	}
	return messaging.NewBytesMessage(payload), nil
}

func (s *session) CreateProducer(dest messaging.Destination) (messaging.Producer, error) {
	if err := s.conn.broker.check(OpCreateProducer); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, messaging.ErrClosed
	}

	p := &producer{sess: s, dest: dest}
	s.producers = append(s.producers, p)

	s.conn.broker.mu.Lock()
	s.conn.broker.stats.Producers++
	s.conn.broker.mu.Unlock()

	return p, nil
}

func (s *session) CreateConsumer(ctx context.Context, dest messaging.Destination, listener messaging.MessageListener) (messaging.Consumer, error) {
	if dest == nil {
		return nil, messaging.ErrNoDestination
	}
	if listener == nil {
		return nil, errors.New("memory: listener cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.conn.broker.check(OpCreateConsumer); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, messaging.ErrClosed
	}

	b := s.conn.broker
	name := dest.DestinationName()
	c := &consumer{
		broker:   b,
		sess:     s,
		queue:    name,
		dest:     dest,
		listener: listener,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok && messaging.IsTemporaryQueueName(name) {
		b.mu.Unlock()
		return nil, fmt.Errorf("memory: temporary queue %s does not exist", name)
	}
	if !ok {
		q = b.queueLocked(name)
	}
	b.attachLocked(q, c)
	b.stats.Consumers++
	b.mu.Unlock()

	s.consumers = append(s.consumers, c)
	go c.run(s.conn.started)

	return c, nil
}

func (s *session) CreateTemporaryQueue(ctx context.Context) (messaging.TemporaryDestination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.conn.broker.check(OpCreateTemp); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, messaging.ErrClosed
	}

	t := &tempQueue{conn: s.conn, name: messaging.NewTemporaryQueueName()}

	s.conn.mu.Lock()
	if s.conn.closed {
		s.conn.mu.Unlock()
		return nil, messaging.ErrClosed
	}
	s.conn.temps = append(s.conn.temps, t)
	s.conn.mu.Unlock()

	b := s.conn.broker
	b.mu.Lock()
	b.queues[t.name] = &queue{name: t.name, temporary: true, owner: s.conn}
	b.stats.TemporaryQueues++
	b.mu.Unlock()

	return t, nil
}

func (s *session) Commit() error {
	if !s.transacted {
		return errors.New("memory: session is not transacted")
	}
	if err := s.conn.broker.check(OpCommit); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return messaging.ErrClosed
	}
	buffered := s.buffered
	s.buffered = nil
	s.mu.Unlock()

	b := s.conn.broker
	b.mu.Lock()
	for _, out := range buffered {
		b.deliverLocked(out.queue, out.msg)
	}
	b.mu.Unlock()
	return nil
}

func (s *session) Rollback() error {
	if !s.transacted {
		return errors.New("memory: session is not transacted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return messaging.ErrClosed
	}
	s.buffered = nil
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
	producers := s.producers
	consumers := s.consumers
	s.producers = nil
	s.consumers = nil
	s.buffered = nil
	s.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}

	b := s.conn.broker
	b.mu.Lock()
	b.stats.Sessions--
	b.mu.Unlock()
	return nil
}

// send delivers msg now, or on Commit for a transacted session
func (s *session) send(queue string, msg *messaging.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return messaging.ErrClosed
	}
	if s.transacted {
		s.buffered = append(s.buffered, outbound{queue: queue, msg: msg})
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	b := s.conn.broker
	b.mu.Lock()
	b.deliverLocked(queue, msg)
	b.mu.Unlock()
	return nil
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
	if closed {
		return messaging.ErrClosed
	}
	if dest == nil {
		return messaging.ErrNoDestination
	}
	if msg == nil {
		return errors.New("memory: message cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.sess.conn.broker.check(OpSend); err != nil {
		return err
	}

	stamped := msg.Stamp(p.sess.conn.broker.now())
	if stamped.MessageID == "" {
		stamped.MessageID = "ID:" + uuid.New().String()
	}
	return p.sess.send(dest.DestinationName(), stamped)
}

func (p *producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	b := p.sess.conn.broker
	b.mu.Lock()
	b.stats.Producers--
	b.mu.Unlock()
	return nil
}

// consumer delivers its mailbox to the listener on its own goroutine once the
// connection is started. Close must not be called from the listener.
type consumer struct {
	broker   *Broker
	sess     *session
	queue    string
	dest     messaging.Destination
	listener messaging.MessageListener

	mu      sync.Mutex
	mailbox []*messaging.Message
	notify  chan struct{}

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

func (c *consumer) Destination() messaging.Destination {
	return c.dest
}

func (c *consumer) push(msg *messaging.Message) {
	c.mu.Lock()
	c.mailbox = append(c.mailbox, msg)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *consumer) pop() (*messaging.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.mailbox) == 0 {
		return nil, false
	}
	msg := c.mailbox[0]
	c.mailbox = c.mailbox[1:]
	return msg, true
}

func (c *consumer) drain() []*messaging.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.mailbox
	c.mailbox = nil
	return out
}

func (c *consumer) run(started <-chan struct{}) {
	defer close(c.exited)

	select {
	case <-started:
	case <-c.done:
		return
	}

	for {
		select {
		case <-c.done:
			return
		default:
		}

		msg, ok := c.pop()
		if !ok {
			select {
			case <-c.notify:
				continue
			case <-c.done:
				return
			}
		}

		if msg.Expired(c.broker.now()) {
			c.broker.mu.Lock()
			c.broker.stats.Expired++
			c.broker.mu.Unlock()
			continue
		}

		c.listener(msg.Clone())

		c.broker.mu.Lock()
		c.broker.stats.Delivered++
		c.broker.mu.Unlock()
	}
}

func (c *consumer) Close() error {
	c.closeOnce.Do(func() {
		c.broker.mu.Lock()
		c.broker.detachLocked(c)
		c.broker.stats.Consumers--
		c.broker.mu.Unlock()

		close(c.done)
		<-c.exited
	})
	return nil
}

type tempQueue struct {
	conn *connection
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

// Delete removes the queue and closes its consumers
func (t *tempQueue) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.conn.broker.check(OpDeleteTemp); err != nil {
		return err
	}
	t.remove()
	return nil
}

func (t *tempQueue) remove() {
	t.mu.Lock()
	if t.deleted {
		t.mu.Unlock()
		return
	}
	t.deleted = true
	t.mu.Unlock()

	b := t.conn.broker
	b.mu.Lock()
	consumers := b.deleteQueueLocked(t.name)
	b.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
}
