// Package rabbitmqtest provides fake AMQP connections and channels that
// record what they are asked to do.
package rabbitmqtest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rr/internal/rabbitmq"
)

// Published is one recorded publish
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Connection is a fake rabbitmq.Connection
type Connection struct {
	mu         sync.Mutex
	Properties amqp.Table
	Channels   []*Channel
	ChannelErr error
	CloseErr   error
	CloseCalls int
	closed     bool
}

// NewConnection creates a fake connection advertising a RabbitMQ server
func NewConnection() *Connection {
	return &Connection{
		Properties: amqp.Table{"product": "RabbitMQ", "version": "3.13.0"},
	}
}

func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	ch := NewChannel()
	c.Channels = append(c.Channels, ch)
	return ch, nil
}

func (c *Connection) ServerProperties() amqp.Table {
	return c.Properties
}

func (c *Connection) Close() error {
	c.mu.Lock()
	c.CloseCalls++
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := append([]*Channel(nil), c.Channels...)
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	return c.CloseErr
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastChannel returns the most recently opened channel
func (c *Connection) LastChannel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Channels) == 0 {
		return nil
	}
	return c.Channels[len(c.Channels)-1]
}

// Channel is a fake rabbitmq.Channel. Errors keyed by method name fail the
// corresponding call.
type Channel struct {
	mu        sync.Mutex
	Errors    map[string]error
	Published []Published
	Declared  []rabbitmq.QueueDeclaration
	Deleted   []string
	Cancelled []string
	Prefetch  int

	Transacted   bool
	Commits      int
	Rollbacks    int
	ConfirmMode  bool
	NackPublish  bool
	HoldConfirms bool

	consumers map[string]chan amqp.Delivery
	confirms  []chan amqp.Confirmation
	held      []amqp.Confirmation
	tag       uint64
	closed    bool
}

// NewChannel creates an open fake channel
func NewChannel() *Channel {
	return &Channel{
		Errors:    make(map[string]error),
		consumers: make(map[string]chan amqp.Delivery),
	}
}

// Fail makes method return err
func (c *Channel) Fail(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Errors[method] = err
}

func (c *Channel) failure(method string) error {
	if c.closed {
		return amqp.ErrClosed
	}
	return c.Errors[method]
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("PublishWithContext"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Published = append(c.Published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	if c.ConfirmMode {
		c.tag++
		confirm := amqp.Confirmation{DeliveryTag: c.tag, Ack: !c.NackPublish}
		if c.HoldConfirms {
			c.held = append(c.held, confirm)
			return nil
		}
		for _, ch := range c.confirms {
			ch <- confirm
		}
	}
	return nil
}

// ReleaseConfirms delivers the confirms held back by HoldConfirms and stops
// holding new ones
func (c *Channel) ReleaseConfirms() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HoldConfirms = false
	for _, confirm := range c.held {
		for _, ch := range c.confirms {
			ch <- confirm
		}
	}
	c.held = nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("Consume"); err != nil {
		return nil, err
	}
	if _, exists := c.consumers[consumer]; exists {
		return nil, errors.New("rabbitmqtest: duplicate consumer tag")
	}
	ch := make(chan amqp.Delivery, 16)
	c.consumers[consumer] = ch
	return ch, nil
}

// Deliver pushes a delivery to the consumer with the given tag
func (c *Channel) Deliver(tag string, d amqp.Delivery) bool {
	c.mu.Lock()
	ch, ok := c.consumers[tag]
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- d
	return true
}

// ConsumerTags returns the tags of active consumers
func (c *Channel) ConsumerTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]string, 0, len(c.consumers))
	for tag := range c.consumers {
		tags = append(tags, tag)
	}
	return tags
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("QueueDeclare"); err != nil {
		return amqp.Queue{}, err
	}
	c.Declared = append(c.Declared, rabbitmq.QueueDeclaration{
		Name:       name,
		Durable:    durable,
		AutoDelete: autoDelete,
		Exclusive:  exclusive,
		Arguments:  args,
	})
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("QueueDelete"); err != nil {
		return 0, err
	}
	c.Deleted = append(c.Deleted, name)
	return 0, nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("Qos"); err != nil {
		return err
	}
	c.Prefetch = prefetchCount
	return nil
}

func (c *Channel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("Cancel"); err != nil {
		return err
	}
	if ch, ok := c.consumers[consumer]; ok {
		close(ch)
		delete(c.consumers, consumer)
	}
	c.Cancelled = append(c.Cancelled, consumer)
	return nil
}

func (c *Channel) Tx() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("Tx"); err != nil {
		return err
	}
	c.Transacted = true
	return nil
}

func (c *Channel) TxCommit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("TxCommit"); err != nil {
		return err
	}
	c.Commits++
	return nil
}

func (c *Channel) TxRollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("TxRollback"); err != nil {
		return err
	}
	c.Rollbacks++
	return nil
}

func (c *Channel) Confirm(noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("Confirm"); err != nil {
		return err
	}
	c.ConfirmMode = true
	return nil
}

func (c *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = append(c.confirms, confirm)
	return confirm
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for tag, ch := range c.consumers {
		close(ch)
		delete(c.consumers, tag)
	}
	for _, ch := range c.confirms {
		close(ch)
	}
	c.confirms = nil
	return nil
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Snapshot returns copies of the recorded publishes, declarations and
// deletions
func (c *Channel) Snapshot() (published []Published, declared []rabbitmq.QueueDeclaration, deleted []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.Published...),
		append([]rabbitmq.QueueDeclaration(nil), c.Declared...),
		append([]string(nil), c.Deleted...)
}

// Acknowledger records acks on deliveries
type Acknowledger struct {
	mu    sync.Mutex
	Acks  []uint64
	Nacks []uint64
	Err   error
}

func (a *Acknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	a.Acks = append(a.Acks, tag)
	return nil
}

func (a *Acknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Nacks = append(a.Nacks, tag)
	return nil
}

func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// AckCount returns the number of acks seen
func (a *Acknowledger) AckCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Acks)
}
