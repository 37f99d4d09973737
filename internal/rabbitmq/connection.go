package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens an AMQP connection
type Dialer func(url string, config amqp.Config) (Connection, error)

// DefaultDialer dials with amqp.DialConfig
func DefaultDialer(url string, config amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return WrapConnection(conn), nil
}

// Connector opens connections to one broker URL
type Connector struct {
	url            string
	clientName     string
	connectTimeout time.Duration
	heartbeat      time.Duration
	dialer         Dialer
	logger         *slog.Logger
}

// ConnectionOption configures the Connector
type ConnectionOption func(*Connector)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connector) {
		c.logger = logger
	}
}

// WithClientName sets the connection_name client property shown by the broker
func WithClientName(name string) ConnectionOption {
	return func(c *Connector) {
		c.clientName = name
	}
}

// WithConnectTimeout bounds a dial attempt
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connector) {
		c.connectTimeout = timeout
	}
}

// WithHeartbeat sets the heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(c *Connector) {
		c.heartbeat = interval
	}
}

// WithDialer replaces the dialer
func WithDialer(dialer Dialer) ConnectionOption {
	return func(c *Connector) {
		c.dialer = dialer
	}
}

// NewConnector creates a connector for url
func NewConnector(url string, options ...ConnectionOption) *Connector {
	c := &Connector{
		url:            url,
		connectTimeout: 30 * time.Second,
		heartbeat:      10 * time.Second,
		dialer:         DefaultDialer,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// URL returns the sanitized broker URL
func (c *Connector) URL() string {
	return SanitizeURL(c.url)
}

// Config returns the amqp configuration used to dial
func (c *Connector) Config() amqp.Config {
	props := amqp.NewConnectionProperties()
	if c.clientName != "" {
		props.SetClientConnectionName(c.clientName)
	}
	return amqp.Config{
		Heartbeat:  c.heartbeat,
		Locale:     "en_US",
		Properties: props,
	}
}

// Connect dials the broker, giving up when ctx ends or the connect timeout
// passes
func (c *Connector) Connect(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	connChan := make(chan Connection)
	errChan := make(chan error, 1)

	go func() {
		conn, err := c.dialer(c.url, c.Config())
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- conn:
		case <-connCtx.Done():
			_ = conn.Close()
		}
	}()

	select {
	case conn := <-connChan:
		c.logger.Debug("connected to RabbitMQ",
			"url", c.URL(),
			"clientName", c.clientName)
		return conn, nil

	case err := <-errChan:
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       c.URL(),
			Err:       err,
			Timestamp: time.Now(),
		}

	case <-connCtx.Done():
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       c.URL(),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}
