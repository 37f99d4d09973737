package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/glimte/mmate-rr/internal/reliability"
)

// DefaultConnectionFactoryName is the directory name of the connection factory
const DefaultConnectionFactoryName = "jms/ConnectionFactory"

// ResourceManager creates broker resources and registers each of them with a
// Scope so that they are released on every exit path
type ResourceManager struct {
	directory   Directory
	factory     ConnectionFactory
	factoryName string
	transports  map[string]FactoryConstructor
	breaker     *reliability.CircuitBreaker
	logger      *slog.Logger
}

// ResourceManagerOption configures the ResourceManager
type ResourceManagerOption func(*ResourceManager)

// WithTransport registers a factory constructor for bindings with the given
// URL scheme
func WithTransport(scheme string, ctor FactoryConstructor) ResourceManagerOption {
	return func(m *ResourceManager) {
		m.transports[scheme] = ctor
	}
}

// WithConnectionFactory uses factory directly instead of looking it up
func WithConnectionFactory(factory ConnectionFactory) ResourceManagerOption {
	return func(m *ResourceManager) {
		m.factory = factory
	}
}

// WithConnectionFactoryName sets the directory name of the connection factory
func WithConnectionFactoryName(name string) ResourceManagerOption {
	return func(m *ResourceManager) {
		m.factoryName = name
	}
}

// WithConnectionBreaker guards connection opening with a circuit breaker
func WithConnectionBreaker(cb *reliability.CircuitBreaker) ResourceManagerOption {
	return func(m *ResourceManager) {
		m.breaker = cb
	}
}

// WithResourceLogger sets the logger
func WithResourceLogger(logger *slog.Logger) ResourceManagerOption {
	return func(m *ResourceManager) {
		m.logger = logger
	}
}

// NewResourceManager creates a resource manager resolving names through dir
func NewResourceManager(dir Directory, opts ...ResourceManagerOption) (*ResourceManager, error) {
	m := &ResourceManager{
		directory:   dir,
		factoryName: DefaultConnectionFactoryName,
		transports:  make(map[string]FactoryConstructor),
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.directory == nil && m.factory == nil {
		return nil, fmt.Errorf("directory cannot be nil without a connection factory")
	}

	return m, nil
}

// Logger returns the logger shared with components built on this manager
func (m *ResourceManager) Logger() *slog.Logger {
	return m.logger
}

// OpenConnection opens and starts a connection tracked by scope
func (m *ResourceManager) OpenConnection(ctx context.Context, scope *Scope) (Connection, error) {
	var conn Connection
	open := func() error {
		factory, err := m.connectionFactory(ctx)
		if err != nil {
			return err
		}
		c, err := factory.CreateConnection(ctx)
		if err != nil {
			return err
		}
		if err := c.Start(); err != nil {
			_ = c.Close()
			return fmt.Errorf("start connection: %w", err)
		}
		conn = c
		return nil
	}

	var err error
	if m.breaker != nil {
		err = m.breaker.Execute(ctx, open)
	} else {
		err = open()
	}
	if err != nil {
		m.logger.Error("could not open broker connection",
			"factory", m.factoryName,
			"error", err,
		)
		return nil, newBrokerError(ErrBrokerUnavailable, "open connection", m.factoryName, err)
	}

	scope.trackConnection(conn)

	md := conn.Metadata()
	m.logger.Debug("obtained broker connection",
		"provider", md.Provider,
		"version", md.Version,
	)

	return conn, nil
}

// OpenSession creates a session on conn tracked by scope
func (m *ResourceManager) OpenSession(scope *Scope, conn Connection, transacted bool, mode AckMode) (Session, error) {
	sess, err := conn.CreateSession(transacted, mode)
	if err != nil {
		m.logger.Error("could not create session",
			"transacted", transacted,
			"ackMode", mode.String(),
			"error", err,
		)
		return nil, newBrokerError(ErrSessionCreationFailed, "create session", "", err)
	}
	scope.trackSession(sess)
	return sess, nil
}

// OpenProducer creates a producer tracked by scope; a nil dest means the
// destination is given per send
func (m *ResourceManager) OpenProducer(scope *Scope, sess Session, dest Destination) (Producer, error) {
	p, err := sess.CreateProducer(dest)
	if err != nil {
		m.logger.Error("could not create message producer",
			"destination", destinationName(dest),
			"error", err,
		)
		return nil, newBrokerError(ErrResourceCreationFailed, "create producer", destinationName(dest), err)
	}
	scope.trackProducer(p)
	return p, nil
}

// OpenConsumer creates a consumer delivering dest to listener, tracked by scope
func (m *ResourceManager) OpenConsumer(ctx context.Context, scope *Scope, sess Session, dest Destination, listener MessageListener) (Consumer, error) {
	c, err := sess.CreateConsumer(ctx, dest, listener)
	if err != nil {
		m.logger.Error("could not create message consumer",
			"destination", destinationName(dest),
			"error", err,
		)
		return nil, newBrokerError(ErrResourceCreationFailed, "create consumer", destinationName(dest), err)
	}
	scope.trackConsumer(c)
	return c, nil
}

// CreateTemporaryQueue creates a temporary queue deleted when scope closes
func (m *ResourceManager) CreateTemporaryQueue(ctx context.Context, scope *Scope, sess Session) (TemporaryDestination, error) {
	dest, err := sess.CreateTemporaryQueue(ctx)
	if err != nil {
		m.logger.Error("could not create temporary queue", "error", err)
		return nil, newBrokerError(ErrResourceCreationFailed, "create temporary queue", "", err)
	}
	scope.trackTemporary(dest)
	return dest, nil
}

// ResolveDestination looks up a well-known queue by its directory name
func (m *ResourceManager) ResolveDestination(ctx context.Context, name string) (Destination, error) {
	if m.directory == nil {
		return Queue(name), nil
	}

	binding, err := m.directory.Lookup(ctx, name)
	if err == nil && binding == "" {
		err = errors.New("empty binding")
	}
	if err != nil {
		m.logger.Error("could not look up queue",
			"name", name,
			"error", err,
		)
		return nil, newBrokerError(ErrDestinationNotFound, "resolve destination", name, err)
	}

	m.logger.Debug("obtained reference to queue", "name", name, "queue", binding)
	return Queue(binding), nil
}

// connectionFactory resolves the configured factory name to a factory
func (m *ResourceManager) connectionFactory(ctx context.Context) (ConnectionFactory, error) {
	if m.factory != nil {
		return m.factory, nil
	}

	binding, err := m.directory.Lookup(ctx, m.factoryName)
	if err != nil {
		return nil, fmt.Errorf("look up %s: %w", m.factoryName, err)
	}

	u, err := url.Parse(binding)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("invalid connection factory binding for %s", m.factoryName)
	}

	ctor, ok := m.transports[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("no transport registered for scheme %q", u.Scheme)
	}

	return ctor(binding)
}
