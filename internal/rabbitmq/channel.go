package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by this package
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Cancel(consumer string, noWait bool) error
	Tx() error
	TxCommit() error
	TxRollback() error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Close() error
	IsClosed() bool
}

// Connection is the subset of *amqp.Connection used by this package
type Connection interface {
	Channel() (Channel, error)
	ServerProperties() amqp.Table
	Close() error
	IsClosed() bool
}

// amqpConnection adapts *amqp.Connection to Connection
type amqpConnection struct {
	conn *amqp.Connection
}

// WrapConnection adapts an amqp connection
func WrapConnection(conn *amqp.Connection) Connection {
	return amqpConnection{conn: conn}
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConnection) ServerProperties() amqp.Table {
	return c.conn.Properties
}

func (c amqpConnection) Close() error {
	return c.conn.Close()
}

func (c amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}
