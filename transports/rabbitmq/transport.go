// Package rabbitmq implements the messaging transport interfaces on RabbitMQ.
//
// Each messaging.Session is one AMQP channel. Destinations are queues on the
// default exchange; temporary queues are exclusive and auto-deleted, so the
// broker also removes them when their connection goes away.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/glimte/mmate-rr/internal/rabbitmq"
	"github.com/glimte/mmate-rr/messaging"
)

// Factory creates AMQP connections for one broker URL
type Factory struct {
	connector      *rabbitmq.Connector
	prefetch       int
	confirms       bool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// FactoryConfig holds configuration for the factory
type FactoryConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PrefetchCount     int
	PublisherConfirms bool
	ConfirmTimeout    time.Duration
	Logger            *slog.Logger
}

// FactoryOption configures the factory
type FactoryOption func(*FactoryConfig)

// WithClientName sets the connection name shown in the broker UI
func WithClientName(name string) FactoryOption {
	return func(cfg *FactoryConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, rabbitmq.WithClientName(name))
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) FactoryOption {
	return func(cfg *FactoryConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPrefetchCount sets the consumer prefetch
func WithPrefetchCount(count int) FactoryOption {
	return func(cfg *FactoryConfig) {
		cfg.PrefetchCount = count
	}
}

// WithPublisherConfirms makes sends on non-transacted sessions wait for
// broker confirms
func WithPublisherConfirms(enabled bool) FactoryOption {
	return func(cfg *FactoryConfig) {
		cfg.PublisherConfirms = enabled
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm
func WithConfirmTimeout(timeout time.Duration) FactoryOption {
	return func(cfg *FactoryConfig) {
		cfg.ConfirmTimeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(cfg *FactoryConfig) {
		cfg.Logger = logger
	}
}

// NewFactory creates a connection factory for an amqp:// or amqps:// URL
func NewFactory(brokerURL string, options ...FactoryOption) (*Factory, error) {
	u, err := url.Parse(brokerURL)
	if err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
		return nil, fmt.Errorf("%w: broker URL %q", rabbitmq.ErrInvalidConfiguration, rabbitmq.SanitizeURL(brokerURL))
	}

	cfg := &FactoryConfig{
		PrefetchCount:     10,
		PublisherConfirms: true,
		ConfirmTimeout:    5 * time.Second,
		Logger:            slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)

	return &Factory{
		connector:      rabbitmq.NewConnector(brokerURL, connOpts...),
		prefetch:       cfg.PrefetchCount,
		confirms:       cfg.PublisherConfirms,
		confirmTimeout: cfg.ConfirmTimeout,
		logger:         cfg.Logger,
	}, nil
}

// Constructor returns a transport constructor for amqp bindings
func Constructor(options ...FactoryOption) messaging.FactoryConstructor {
	return func(binding string) (messaging.ConnectionFactory, error) {
		return NewFactory(binding, options...)
	}
}

// URL returns the sanitized broker URL
func (f *Factory) URL() string {
	return f.connector.URL()
}

// CreateConnection dials the broker
func (f *Factory) CreateConnection(ctx context.Context) (messaging.Connection, error) {
	conn, err := f.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return newConnection(f, conn), nil
}
