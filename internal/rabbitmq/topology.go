package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// DurableQueue declares a shared queue that survives broker restarts
func DurableQueue(name string) QueueDeclaration {
	return QueueDeclaration{Name: name, Durable: true}
}

// TemporaryQueue declares a queue owned by the declaring connection and
// removed by the broker once that connection goes away
func TemporaryQueue(name string) QueueDeclaration {
	return QueueDeclaration{Name: name, AutoDelete: true, Exclusive: true}
}

// DeclareQueue declares a queue on ch
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

// DeleteQueue deletes a queue on ch
func DeleteQueue(ch Channel, name string) error {
	if _, err := ch.QueueDelete(name, false, false, false); err != nil {
		return &TopologyError{
			Component: "queue",
			Name:      name,
			Op:        "delete",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
