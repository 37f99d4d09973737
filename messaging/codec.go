package messaging

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeToLive is how long the broker keeps an unconsumed message
const DefaultTimeToLive = 60 * time.Second

// Codec builds outbound messages and decodes inbound ones. Payloads are opaque
// bytes; framing is the caller's concern.
type Codec struct {
	timeToLive   time.Duration
	deliveryMode DeliveryMode
	newID        func() string
}

// CodecOption configures the Codec
type CodecOption func(*Codec)

// WithTimeToLive sets the message time-to-live; zero disables expiry
func WithTimeToLive(ttl time.Duration) CodecOption {
	return func(c *Codec) {
		c.timeToLive = ttl
	}
}

// WithDeliveryMode sets the delivery mode
func WithDeliveryMode(mode DeliveryMode) CodecOption {
	return func(c *Codec) {
		c.deliveryMode = mode
	}
}

// WithIDGenerator sets the correlation id generator
func WithIDGenerator(gen func() string) CodecOption {
	return func(c *Codec) {
		c.newID = gen
	}
}

// NewCodec creates a codec producing persistent messages with a 60s TTL
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{
		timeToLive:   DefaultTimeToLive,
		deliveryMode: Persistent,
		newID:        func() string { return uuid.New().String() },
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// TimeToLive returns the configured time-to-live
func (c *Codec) TimeToLive() time.Duration {
	return c.timeToLive
}

// EncodeRequest builds a request carrying a fresh correlation id and replyTo
func (c *Codec) EncodeRequest(sess Session, payload []byte, replyTo Destination) (*Message, error) {
	msg, err := c.encode(sess, payload, "")
	if err != nil {
		return nil, err
	}
	msg.ReplyTo = replyTo
	return msg, nil
}

// EncodeReply builds a reply carrying correlationID, or a fresh id when it is
// empty
func (c *Codec) EncodeReply(sess Session, payload []byte, correlationID string) (*Message, error) {
	return c.encode(sess, payload, correlationID)
}

func (c *Codec) encode(sess Session, payload []byte, correlationID string) (*Message, error) {
	msg, err := sess.CreateBytesMessage(payload)
	if err != nil {
		return nil, newBrokerError(ErrResourceCreationFailed, "create message", "", err)
	}

	if correlationID == "" {
		correlationID = c.newID()
	}
	msg.CorrelationID = correlationID
	msg.DeliveryMode = c.deliveryMode
	msg.TimeToLive = c.timeToLive

	return msg, nil
}

// Decoded is the content of an inbound message
type Decoded struct {
	Payload       []byte
	CorrelationID string
	ReplyTo       Destination
}

// Decode extracts payload, correlation id and reply-to from msg
func (c *Codec) Decode(msg *Message) (Decoded, error) {
	if msg == nil {
		return Decoded{}, fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	if msg.Kind != KindBytes {
		return Decoded{}, fmt.Errorf("%w: expected bytes message, got %s", ErrMalformedMessage, msg.Kind)
	}

	return Decoded{
		Payload:       copyBytes(msg.Payload),
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
	}, nil
}
