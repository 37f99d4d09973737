package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
)

// ServerState is the lifecycle state of a ReplyServer
type ServerState int32

const (
	StateStopped ServerState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s ServerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Request is an inbound request handed to a Responder
type Request struct {
	Payload       []byte
	CorrelationID string
	RequestQueue  string
	ReplyTo       Destination
}

// Responder computes the reply payload for a request. An error means no reply
// is sent.
type Responder func(ctx context.Context, req Request) ([]byte, error)

// DefaultResponder answers every request with a greeting naming the queue the
// request came through and the queue the reply goes to
func DefaultResponder(_ context.Context, req Request) ([]byte, error) {
	text := fmt.Sprintf("Hello to you, too!\nYour message was received through %s and it is answered through %s.",
		req.RequestQueue, destinationName(req.ReplyTo))
	return []byte(text), nil
}

// ReplyServer consumes requests from a well-known queue and answers each on
// its reply-to destination
type ReplyServer struct {
	resources    *ResourceManager
	codec        *Codec
	requestQueue string
	transacted   bool
	responder    Responder
	concurrency  int
	drainTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	state  atomic.Int32
	scope  *Scope
	pool   *ants.Pool
	cancel context.CancelFunc
}

// ReplyServerOption configures the ReplyServer
type ReplyServerOption func(*ReplyServer)

// WithServerRequestQueue sets the directory name of the queue to consume
func WithServerRequestQueue(name string) ReplyServerOption {
	return func(s *ReplyServer) {
		s.requestQueue = name
	}
}

// WithServerTransacted makes the server consume and reply on transacted
// sessions
func WithServerTransacted(transacted bool) ReplyServerOption {
	return func(s *ReplyServer) {
		s.transacted = transacted
	}
}

// WithResponder sets the function computing replies
func WithResponder(responder Responder) ReplyServerOption {
	return func(s *ReplyServer) {
		s.responder = responder
	}
}

// WithConcurrency handles requests on a worker pool of size n; n <= 1 handles
// them on the delivery goroutine
func WithConcurrency(n int) ReplyServerOption {
	return func(s *ReplyServer) {
		s.concurrency = n
	}
}

// WithDrainTimeout bounds how long Stop waits for in-flight requests
func WithDrainTimeout(timeout time.Duration) ReplyServerOption {
	return func(s *ReplyServer) {
		s.drainTimeout = timeout
	}
}

// WithServerCodec sets the message codec
func WithServerCodec(codec *Codec) ReplyServerOption {
	return func(s *ReplyServer) {
		s.codec = codec
	}
}

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ReplyServerOption {
	return func(s *ReplyServer) {
		s.logger = logger
	}
}

// NewReplyServer creates a stopped reply server
func NewReplyServer(resources *ResourceManager, opts ...ReplyServerOption) (*ReplyServer, error) {
	if resources == nil {
		return nil, fmt.Errorf("resource manager cannot be nil")
	}

	s := &ReplyServer{
		resources:    resources,
		codec:        NewCodec(),
		requestQueue: DefaultRequestQueueName,
		responder:    DefaultResponder,
		concurrency:  1,
		drainTimeout: 5 * time.Second,
		logger:       resources.Logger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.responder == nil {
		s.responder = DefaultResponder
	}

	return s, nil
}

// State returns the current lifecycle state
func (s *ReplyServer) State() ServerState {
	return ServerState(s.state.Load())
}

// Start opens the listening connection and begins consuming requests. On
// failure everything opened so far is released and the server stays stopped.
func (s *ReplyServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStopped {
		return ErrServerNotStopped
	}
	s.state.Store(int32(StateStarting))

	scope := NewScope(s.logger)
	var pool *ants.Pool
	fail := func(err error) error {
		_ = scope.Close()
		if pool != nil {
			pool.Release()
		}
		s.state.Store(int32(StateStopped))
		s.logger.Error("failed to start reply server",
			"requestQueue", s.requestQueue,
			"error", err,
		)
		return err
	}

	conn, err := s.resources.OpenConnection(ctx, scope)
	if err != nil {
		return fail(err)
	}

	mode := AckAuto
	if s.transacted {
		mode = AckTransacted
	}
	sess, err := s.resources.OpenSession(scope, conn, s.transacted, mode)
	if err != nil {
		return fail(err)
	}

	dest, err := s.resources.ResolveDestination(ctx, s.requestQueue)
	if err != nil {
		return fail(err)
	}

	if s.concurrency > 1 {
		pool, err = ants.NewPool(s.concurrency, ants.WithPanicHandler(func(r interface{}) {
			s.logger.Error("panic while handling request", "panic", r)
		}))
		if err != nil {
			return fail(fmt.Errorf("create worker pool: %w", err))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	listener := s.listener(runCtx, dest, pool)

	if _, err := s.resources.OpenConsumer(ctx, scope, sess, dest, listener); err != nil {
		cancel()
		return fail(err)
	}

	s.scope = scope
	s.pool = pool
	s.cancel = cancel
	s.state.Store(int32(StateRunning))

	s.logger.Info("reply server started",
		"requestQueue", dest.DestinationName(),
		"transacted", s.transacted,
		"concurrency", s.concurrency,
	)
	return nil
}

// Stop closes the listening consumer, session and connection and waits for
// in-flight requests. Stopping a server that is not running is a no-op.
func (s *ReplyServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRunning {
		return nil
	}
	s.state.Store(int32(StateStopping))

	var err error
	if s.scope != nil {
		err = s.scope.Close()
		s.scope = nil
	}

	if s.pool != nil {
		if perr := s.pool.ReleaseTimeout(s.drainTimeout); perr != nil {
			s.logger.Warn("in-flight requests did not finish before stop", "error", perr)
		}
		s.pool = nil
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	s.state.Store(int32(StateStopped))
	s.logger.Info("reply server stopped", "requestQueue", s.requestQueue)
	return err
}

func (s *ReplyServer) listener(ctx context.Context, dest Destination, pool *ants.Pool) MessageListener {
	if pool == nil {
		return func(msg *Message) {
			s.handle(ctx, dest, msg)
		}
	}

	return func(msg *Message) {
		if err := pool.Submit(func() {
			s.handle(ctx, dest, msg)
		}); err != nil {
			s.logger.Error("failed to schedule request",
				"requestQueue", dest.DestinationName(),
				"error", err,
			)
		}
	}
}

func (s *ReplyServer) handle(ctx context.Context, dest Destination, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while handling request",
				"requestQueue", dest.DestinationName(),
				"panic", r,
			)
		}
	}()

	decoded, err := s.codec.Decode(msg)
	if err != nil {
		s.logger.Warn("dropping malformed request",
			"requestQueue", dest.DestinationName(),
			"error", err,
		)
		return
	}

	if decoded.ReplyTo == nil {
		s.logger.Warn("discarding request without reply destination",
			"requestQueue", dest.DestinationName(),
			"correlationId", decoded.CorrelationID,
		)
		return
	}

	payload, err := s.responder(ctx, Request{
		Payload:       decoded.Payload,
		CorrelationID: decoded.CorrelationID,
		RequestQueue:  dest.DestinationName(),
		ReplyTo:       decoded.ReplyTo,
	})
	if err != nil {
		s.logger.Error("responder failed",
			"requestQueue", dest.DestinationName(),
			"correlationId", decoded.CorrelationID,
			"error", err,
		)
		return
	}

	if err := s.reply(ctx, decoded.ReplyTo, decoded.CorrelationID, payload); err != nil {
		s.logger.Error("failed to send reply",
			"correlationId", decoded.CorrelationID,
			"replyTo", decoded.ReplyTo.DestinationName(),
			"error", withCorrelation(err, decoded.CorrelationID),
		)
		return
	}

	s.logger.Debug("sent reply",
		"correlationId", decoded.CorrelationID,
		"replyTo", decoded.ReplyTo.DestinationName(),
	)
}

// reply sends payload to replyTo on resources owned by this reply alone
func (s *ReplyServer) reply(ctx context.Context, replyTo Destination, correlationID string, payload []byte) error {
	scope := NewScope(s.logger)
	defer scope.Close()

	conn, err := s.resources.OpenConnection(ctx, scope)
	if err != nil {
		return err
	}

	mode := AckAuto
	if s.transacted {
		mode = AckTransacted
	}
	sess, err := s.resources.OpenSession(scope, conn, s.transacted, mode)
	if err != nil {
		return err
	}

	producer, err := s.resources.OpenProducer(scope, sess, nil)
	if err != nil {
		return err
	}

	msg, err := s.codec.EncodeReply(sess, payload, correlationID)
	if err != nil {
		return err
	}

	if err := producer.SendTo(ctx, replyTo, msg); err != nil {
		return newBrokerError(ErrSendFailed, "send reply", replyTo.DestinationName(), err)
	}
	if sess.Transacted() {
		if err := sess.Commit(); err != nil {
			return newBrokerError(ErrSendFailed, "commit reply", replyTo.DestinationName(), err)
		}
	}
	return nil
}
