package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// DefaultRequestQueueName is the directory name of the request queue
	DefaultRequestQueueName = "jms/ExampleQueue"

	// DefaultCallTimeout bounds the wait for a reply
	DefaultCallTimeout = 2 * time.Second
)

// Outcome is the terminal state of a call
type Outcome string

const (
	// OutcomeReplied means a reply arrived within the timeout
	OutcomeReplied Outcome = "replied"
	// OutcomeNoReply means the timeout expired first. It is not an error.
	OutcomeNoReply Outcome = "no-reply"
)

// Result is the outcome of one request/reply call
type Result struct {
	Outcome       Outcome
	Payload       []byte
	Elapsed       time.Duration
	CorrelationID string
	ReplyQueue    string
}

// Received reports whether a reply arrived
func (r *Result) Received() bool {
	return r != nil && r.Outcome == OutcomeReplied
}

// replySlot hands the first delivered message to the waiting caller. It
// accepts exactly one message over its lifetime; later offers are dropped
// without blocking.
type replySlot struct {
	accepted atomic.Bool
	ch       chan slotEntry
}

type slotEntry struct {
	msg        *Message
	receivedAt time.Time
}

func newReplySlot() *replySlot {
	return &replySlot{ch: make(chan slotEntry, 1)}
}

func (s *replySlot) offer(msg *Message, receivedAt time.Time) bool {
	if !s.accepted.CompareAndSwap(false, true) {
		return false
	}
	s.ch <- slotEntry{msg: msg, receivedAt: receivedAt}
	return true
}

// Client performs synchronous calls over the broker. Each call owns its
// connection, session and temporary reply queue.
type Client struct {
	resources    *ResourceManager
	codec        *Codec
	requestQueue string
	timeout      time.Duration
	transacted   bool
	ackMode      AckMode
	tracker      RequestTracker
	logger       *slog.Logger
	now          func() time.Time
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithRequestQueue sets the directory name of the request queue
func WithRequestQueue(name string) ClientOption {
	return func(c *Client) {
		c.requestQueue = name
	}
}

// WithDefaultTimeout sets the timeout used when Call gets a non-positive one
func WithDefaultTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithTransactedSession makes calls run on transacted sessions
func WithTransactedSession(transacted bool) ClientOption {
	return func(c *Client) {
		c.transacted = transacted
		if transacted {
			c.ackMode = AckTransacted
		} else {
			c.ackMode = AckAuto
		}
	}
}

// WithCodec sets the message codec
func WithCodec(codec *Codec) ClientOption {
	return func(c *Client) {
		c.codec = codec
	}
}

// WithRequestTracker sets the request tracker
func WithRequestTracker(tracker RequestTracker) ClientOption {
	return func(c *Client) {
		c.tracker = tracker
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a request/reply client
func NewClient(resources *ResourceManager, opts ...ClientOption) (*Client, error) {
	if resources == nil {
		return nil, fmt.Errorf("resource manager cannot be nil")
	}

	c := &Client{
		resources:    resources,
		codec:        NewCodec(),
		requestQueue: DefaultRequestQueueName,
		timeout:      DefaultCallTimeout,
		ackMode:      AckAuto,
		tracker:      NewInMemoryRequestTracker(0),
		logger:       resources.Logger(),
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.timeout <= 0 {
		c.timeout = DefaultCallTimeout
	}

	return c, nil
}

// Tracker returns the request tracker
func (c *Client) Tracker() RequestTracker {
	return c.tracker
}

// Call sends payload to the request queue and waits up to timeout for the
// reply. The timeout starts with the send, so a send still waiting for a
// publisher confirm counts against it. A missing reply yields OutcomeNoReply
// with a nil error; errors are *BrokerError or wrap ErrCallCancelled.
func (c *Client) Call(ctx context.Context, payload []byte, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	scope := NewScope(c.logger)
	defer scope.Close()

	var correlationID string
	fail := func(err error) (*Result, error) {
		err = withCorrelation(err, correlationID)
		c.logger.Error("request/reply call failed",
			"correlationId", correlationID,
			"requestQueue", c.requestQueue,
			"error", err,
		)
		if correlationID != "" {
			_ = c.tracker.FailRequest(correlationID, err)
		}
		return nil, err
	}

	conn, err := c.resources.OpenConnection(ctx, scope)
	if err != nil {
		return fail(err)
	}

	sess, err := c.resources.OpenSession(scope, conn, c.transacted, c.ackMode)
	if err != nil {
		return fail(err)
	}

	replyQueue, err := c.resources.CreateTemporaryQueue(ctx, scope, sess)
	if err != nil {
		return fail(err)
	}

	slot := newReplySlot()
	listener := func(msg *Message) {
		receivedAt := c.now()
		if msg == nil || msg.Kind != KindBytes {
			c.logger.Warn("dropping malformed reply",
				"replyQueue", replyQueue.DestinationName(),
			)
			return
		}
		if !slot.offer(msg, receivedAt) {
			c.logger.Debug("ignoring additional reply",
				"replyQueue", replyQueue.DestinationName(),
				"correlationId", msg.CorrelationID,
			)
		}
	}

	if _, err := c.resources.OpenConsumer(ctx, scope, sess, replyQueue, listener); err != nil {
		return fail(err)
	}

	request, err := c.codec.EncodeRequest(sess, payload, replyQueue)
	if err != nil {
		return fail(err)
	}
	correlationID = request.CorrelationID

	dest, err := c.resources.ResolveDestination(ctx, c.requestQueue)
	if err != nil {
		return fail(err)
	}

	producer, err := c.resources.OpenProducer(scope, sess, dest)
	if err != nil {
		return fail(err)
	}

	sentAt := c.now()
	_ = c.tracker.TrackRequest(&TrackedRequest{
		CorrelationID: correlationID,
		Status:        RequestStatusPending,
		RequestQueue:  dest.DestinationName(),
		ReplyQueue:    replyQueue.DestinationName(),
		SentAt:        sentAt,
	})

	// The timeout covers the send, including any publisher confirm wait
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	sendCtx, cancelSend := context.WithTimeout(ctx, timeout)
	err = producer.Send(sendCtx, request)
	cancelSend()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return c.noReply(correlationID, replyQueue, timeout), nil
		}
		return fail(newBrokerError(ErrSendFailed, "send request", dest.DestinationName(), err))
	}
	if sess.Transacted() {
		if err := sess.Commit(); err != nil {
			return fail(newBrokerError(ErrSendFailed, "commit request", dest.DestinationName(), err))
		}
	}
	_ = c.tracker.UpdateStatus(correlationID, RequestStatusSent)

	c.logger.Debug("sent request",
		"correlationId", correlationID,
		"requestQueue", dest.DestinationName(),
		"replyQueue", replyQueue.DestinationName(),
	)

	select {
	case entry := <-slot.ch:
		decoded, err := c.codec.Decode(entry.msg)
		if err != nil {
			return fail(err)
		}
		if decoded.CorrelationID != "" && decoded.CorrelationID != correlationID {
			c.logger.Warn("reply correlation id does not match request",
				"correlationId", correlationID,
				"replyCorrelationId", decoded.CorrelationID,
			)
		}

		elapsed := entry.receivedAt.Sub(sentAt)
		if elapsed < 0 {
			elapsed = 0
		}
		_ = c.tracker.CompleteRequest(correlationID, elapsed)

		return &Result{
			Outcome:       OutcomeReplied,
			Payload:       decoded.Payload,
			Elapsed:       elapsed,
			CorrelationID: correlationID,
			ReplyQueue:    replyQueue.DestinationName(),
		}, nil

	case <-timer.C:
		return c.noReply(correlationID, replyQueue, timeout), nil

	case <-ctx.Done():
		return fail(fmt.Errorf("%w: %w", ErrCallCancelled, ctx.Err()))
	}
}

func (c *Client) noReply(correlationID string, replyQueue Destination, timeout time.Duration) *Result {
	_ = c.tracker.UpdateStatus(correlationID, RequestStatusTimeout)
	c.logger.Warn("no reply received",
		"correlationId", correlationID,
		"timeout", timeout,
	)
	return &Result{
		Outcome:       OutcomeNoReply,
		CorrelationID: correlationID,
		ReplyQueue:    replyQueue.DestinationName(),
	}
}
