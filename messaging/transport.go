package messaging

import (
	"context"
)

// AckMode defines how a session acknowledges consumed messages
type AckMode int

const (
	// AckAuto acknowledges each message once its listener returns
	AckAuto AckMode = iota
	// AckTransacted acknowledges consumed messages and releases buffered
	// sends on Commit
	AckTransacted
)

func (m AckMode) String() string {
	switch m {
	case AckAuto:
		return "auto"
	case AckTransacted:
		return "transacted"
	default:
		return "unknown"
	}
}

// MessageListener is invoked by the transport on a goroutine it owns, once per
// delivered message
type MessageListener func(msg *Message)

// ConnectionFactory opens connections to a broker
type ConnectionFactory interface {
	// CreateConnection opens a new, not yet started connection
	CreateConnection(ctx context.Context) (Connection, error)
}

// ConnectionMetadata describes the broker behind a connection
type ConnectionMetadata struct {
	Provider string
	Version  string
}

// Connection is a live link to the broker
type Connection interface {
	// Start enables delivery to the connection's consumers
	Start() error

	// CreateSession creates a session bound to this connection
	CreateSession(transacted bool, mode AckMode) (Session, error)

	// Metadata returns provider information
	Metadata() ConnectionMetadata

	// Close closes the connection and everything created from it.
	// Closing twice is a no-op.
	Close() error
}

// Session is a unit of work on a connection
type Session interface {
	// CreateBytesMessage creates a bytes message holding a copy of payload
	CreateBytesMessage(payload []byte) (*Message, error)

	// CreateProducer creates a producer; a nil destination means the
	// destination is supplied per send
	CreateProducer(dest Destination) (Producer, error)

	// CreateConsumer starts consuming dest, handing each message to listener
	CreateConsumer(ctx context.Context, dest Destination, listener MessageListener) (Consumer, error)

	// CreateTemporaryQueue creates a uniquely named, auto-deleted queue
	CreateTemporaryQueue(ctx context.Context) (TemporaryDestination, error)

	// Commit commits a transacted session
	Commit() error

	// Rollback discards the pending work of a transacted session
	Rollback() error

	// Transacted reports whether the session is transacted
	Transacted() bool

	// Close closes the session. Closing twice is a no-op.
	Close() error
}

// Producer sends messages
type Producer interface {
	// Send sends to the producer's destination
	Send(ctx context.Context, msg *Message) error

	// SendTo sends to dest
	SendTo(ctx context.Context, dest Destination, msg *Message) error

	// Close closes the producer. Closing twice is a no-op.
	Close() error
}

// Consumer receives messages for a listener
type Consumer interface {
	// Destination returns the consumed destination
	Destination() Destination

	// Close stops delivery. Closing twice is a no-op.
	Close() error
}

// TemporaryDestination is a broker-managed queue living for one exchange
type TemporaryDestination interface {
	Destination

	// Delete removes the queue from the broker. Deleting twice is a no-op.
	Delete(ctx context.Context) error
}

// Directory resolves logical names to broker bindings
type Directory interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// FactoryConstructor turns a directory binding into a connection factory
type FactoryConstructor func(binding string) (ConnectionFactory, error)
