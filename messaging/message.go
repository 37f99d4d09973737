package messaging

import (
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// MessageKind identifies the body type of a message
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindBytes
	KindText
)

func (k MessageKind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// DeliveryMode tells the broker whether a message must survive a restart
type DeliveryMode int

const (
	NonPersistent DeliveryMode = 1
	Persistent    DeliveryMode = 2
)

func (m DeliveryMode) String() string {
	if m == Persistent {
		return "persistent"
	}
	return "non-persistent"
}

// Destination is anything a message can be sent to or consumed from
type Destination interface {
	DestinationName() string
}

// TemporaryQueuePrefix starts the name of every temporary queue
const TemporaryQueuePrefix = "jms-temp-queue-"

// IsTemporaryQueueName reports whether name was generated for a temporary queue
func IsTemporaryQueueName(name string) bool {
	return strings.HasPrefix(name, TemporaryQueuePrefix)
}

// NewTemporaryQueueName returns a fresh temporary queue name
func NewTemporaryQueueName() string {
	return TemporaryQueuePrefix + shortuuid.New()
}

// Queue is a well-known, durable queue destination
type Queue string

// DestinationName implements Destination
func (q Queue) DestinationName() string {
	return string(q)
}

func (q Queue) String() string {
	return string(q)
}

// Message is a broker message. Producers stamp a copy on send, so a sent
// message is never mutated afterwards.
type Message struct {
	Kind          MessageKind
	MessageID     string
	CorrelationID string
	ReplyTo       Destination
	DeliveryMode  DeliveryMode
	TimeToLive    time.Duration
	Expiration    time.Time
	Timestamp     time.Time
	Headers       map[string]interface{}
	Payload       []byte
}

// NewBytesMessage creates a bytes message holding a copy of payload
func NewBytesMessage(payload []byte) *Message {
	return &Message{
		Kind:         KindBytes,
		DeliveryMode: Persistent,
		Payload:      copyBytes(payload),
	}
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Payload = copyBytes(m.Payload)
	if m.Headers != nil {
		c.Headers = make(map[string]interface{}, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// Expired reports whether the message expiration has passed at now
func (m *Message) Expired(now time.Time) bool {
	return !m.Expiration.IsZero() && !now.Before(m.Expiration)
}

// Stamp returns the copy of m that a producer puts on the wire at sentAt
func (m *Message) Stamp(sentAt time.Time) *Message {
	c := m.Clone()
	c.Timestamp = sentAt
	if c.TimeToLive > 0 {
		c.Expiration = sentAt.Add(c.TimeToLive)
	} else {
		c.Expiration = time.Time{}
	}
	return c
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
