package rabbitmq

import (
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rr/messaging"
)

const (
	// ContentTypeBytes marks a bytes message
	ContentTypeBytes = "application/octet-stream"
	// ContentTypeText marks a text message
	ContentTypeText = "text/plain"
	// HeaderExpiresAt carries the absolute expiration in epoch milliseconds
	HeaderExpiresAt = "x-expires-at"
)

var now = time.Now

// toPublishing maps a stamped message onto AMQP properties
func toPublishing(msg *messaging.Message) amqp.Publishing {
	pub := amqp.Publishing{
		ContentType:   ContentTypeBytes,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.MessageID,
		Timestamp:     msg.Timestamp,
		Body:          msg.Payload,
	}

	if msg.Kind == messaging.KindText {
		pub.ContentType = ContentTypeText
	}
	if msg.DeliveryMode == messaging.NonPersistent {
		pub.DeliveryMode = amqp.Transient
	}
	if msg.ReplyTo != nil {
		pub.ReplyTo = msg.ReplyTo.DestinationName()
	}
	if msg.TimeToLive > 0 {
		pub.Expiration = strconv.FormatInt(msg.TimeToLive.Milliseconds(), 10)
	}

	if len(msg.Headers) > 0 || !msg.Expiration.IsZero() {
		pub.Headers = make(amqp.Table, len(msg.Headers)+1)
		for k, v := range msg.Headers {
			pub.Headers[k] = v
		}
		if !msg.Expiration.IsZero() {
			pub.Headers[HeaderExpiresAt] = msg.Expiration.UnixMilli()
		}
	}

	return pub
}

// fromDelivery maps an AMQP delivery back to a message. Text content types
// become text messages; everything else is bytes.
func fromDelivery(d amqp.Delivery) *messaging.Message {
	msg := &messaging.Message{
		Kind:          messaging.KindBytes,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		DeliveryMode:  messaging.Persistent,
		Timestamp:     d.Timestamp,
		Payload:       d.Body,
	}

	if strings.HasPrefix(d.ContentType, "text/") {
		msg.Kind = messaging.KindText
	}
	if d.DeliveryMode == amqp.Transient {
		msg.DeliveryMode = messaging.NonPersistent
	}
	if d.ReplyTo != "" {
		msg.ReplyTo = messaging.Queue(d.ReplyTo)
	}
	if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil && ms > 0 {
		msg.TimeToLive = time.Duration(ms) * time.Millisecond
	}

	for k, v := range d.Headers {
		if k == HeaderExpiresAt {
			if ms, ok := epochMillis(v); ok {
				msg.Expiration = time.UnixMilli(ms)
			}
			continue
		}
		if msg.Headers == nil {
			msg.Headers = make(map[string]interface{}, len(d.Headers))
		}
		msg.Headers[k] = v
	}

	return msg
}

func epochMillis(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
