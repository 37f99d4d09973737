// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/mmate-rr/directory"
	"github.com/glimte/mmate-rr/health"
	"github.com/glimte/mmate-rr/interceptors"
	"github.com/glimte/mmate-rr/internal/config"
	"github.com/glimte/mmate-rr/internal/httpapi"
	"github.com/glimte/mmate-rr/internal/rabbitmq"
	"github.com/glimte/mmate-rr/internal/reliability"
	"github.com/glimte/mmate-rr/messaging"
	"github.com/glimte/mmate-rr/transports/memory"
	rabbitmqTransport "github.com/glimte/mmate-rr/transports/rabbitmq"
)

// Client wires the request/reply client, the optional reply server, health
// checks and the HTTP entry point from one configuration
type Client struct {
	cfg       *config.Config
	resources *messaging.ResourceManager
	client    *messaging.Client
	server    *messaging.ReplyServer
	tracker   *messaging.InMemoryRequestTracker
	breaker   *reliability.CircuitBreaker
	health    *health.Registry
	closers   []func() error
	logger    *slog.Logger
}

// NewClient creates a client from cfg. A nil cfg uses the defaults; zero
// fields of a given cfg are filled in on a copy, which is then validated.
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	} else {
		copied := *cfg
		cfg = &copied
		cfg.ApplyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(opts)
	}
	logger := opts.logger

	c := &Client{
		cfg:     cfg,
		tracker: messaging.NewInMemoryRequestTracker(cfg.Client.TrackerRetention),
		health:  health.NewRegistry(),
		logger:  logger,
	}

	dir := opts.directory
	if dir == nil {
		var err error
		dir, err = c.newDirectory()
		if err != nil {
			return nil, err
		}
	}

	broker := opts.memoryBroker
	if broker == nil {
		broker = memory.NewBroker(memory.WithLogger(logger))
	}

	amqp := rabbitmqTransport.Constructor(
		rabbitmqTransport.WithLogger(logger),
		rabbitmqTransport.WithClientName(cfg.Broker.ClientName),
		rabbitmqTransport.WithPrefetchCount(cfg.Broker.PrefetchCount),
		rabbitmqTransport.WithPublisherConfirms(*cfg.Broker.PublisherConfirms),
		rabbitmqTransport.WithConfirmTimeout(cfg.Broker.ConfirmTimeout),
		rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithConnectTimeout(cfg.Broker.ConnectTimeout),
			rabbitmq.WithHeartbeat(cfg.Broker.Heartbeat),
		),
	)

	rmOpts := []messaging.ResourceManagerOption{
		messaging.WithTransport("amqp", amqp),
		messaging.WithTransport("amqps", amqp),
		messaging.WithTransport("memory", broker.Constructor()),
		messaging.WithConnectionFactoryName(cfg.Client.ConnectionFactory),
		messaging.WithResourceLogger(logger),
	}
	if cfg.Breaker.Enabled {
		c.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("broker"),
			reliability.WithFailureThreshold(cfg.Breaker.FailureThreshold),
			reliability.WithTimeout(cfg.Breaker.Timeout),
			reliability.WithLogger(logger),
		)
		rmOpts = append(rmOpts, messaging.WithConnectionBreaker(c.breaker))
		c.health.Register(health.NewBreakerChecker(c.breaker))
	}

	resources, err := messaging.NewResourceManager(dir, rmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager: %w", err)
	}
	c.resources = resources

	c.client, err = messaging.NewClient(resources,
		messaging.WithRequestQueue(cfg.Client.RequestQueue),
		messaging.WithDefaultTimeout(cfg.Client.Timeout),
		messaging.WithTransactedSession(cfg.Client.Transacted),
		messaging.WithCodec(messaging.NewCodec(messaging.WithTimeToLive(cfg.Client.TimeToLive))),
		messaging.WithRequestTracker(c.tracker),
		messaging.WithClientLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request/reply client: %w", err)
	}

	if cfg.Server.Enabled {
		serverOpts := []messaging.ReplyServerOption{
			messaging.WithServerRequestQueue(cfg.Server.RequestQueue),
			messaging.WithServerTransacted(cfg.Server.Transacted),
			messaging.WithConcurrency(cfg.Server.Concurrency),
			messaging.WithDrainTimeout(cfg.Server.DrainTimeout),
			messaging.WithServerCodec(messaging.NewCodec(messaging.WithTimeToLive(cfg.Client.TimeToLive))),
			messaging.WithServerLogger(logger),
		}
		serverOpts = append(serverOpts, messaging.WithResponder(c.responderChain(opts).Then(opts.responder)))
		c.server, err = messaging.NewReplyServer(resources, serverOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create reply server: %w", err)
		}
		c.health.Register(health.NewServerChecker(c.server))
	}

	c.health.Register(health.NewBrokerChecker(resources, logger))
	c.health.SetMetadata("connectionFactory", cfg.Client.ConnectionFactory)
	c.health.SetMetadata("requestQueue", cfg.Client.RequestQueue)

	return c, nil
}

// responderChain applies the configured interceptors, then the caller's
func (c *Client) responderChain(opts *clientConfig) *interceptors.Chain {
	chain := interceptors.NewChain(c.logger).Add(interceptors.NewRecoveryInterceptor(c.logger))
	if c.cfg.Server.LogRequests {
		chain.Add(interceptors.NewLoggingInterceptor(c.logger))
	}
	if c.cfg.Server.MaxPayloadBytes > 0 {
		chain.Add(interceptors.NewPayloadLimitInterceptor(c.cfg.Server.MaxPayloadBytes))
	}
	if c.cfg.Server.HandlerTimeout > 0 {
		chain.Add(interceptors.NewTimeoutInterceptor(c.cfg.Server.HandlerTimeout))
	}
	return chain.Add(opts.interceptors...)
}

func (c *Client) newDirectory() (messaging.Directory, error) {
	switch c.cfg.Directory.Type {
	case config.DirectoryRedis:
		rdb, err := directory.NewRedisClient(c.cfg.Directory.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		c.closers = append(c.closers, rdb.Close)
		return directory.NewRedis(rdb,
			directory.WithKey(c.cfg.Directory.RedisKey),
			directory.WithLogger(c.logger),
		), nil
	default:
		return directory.NewStatic(c.cfg.StaticBindings()), nil
	}
}

// Call sends payload and waits for the reply; a zero timeout uses the
// configured one
func (c *Client) Call(ctx context.Context, payload []byte, timeout time.Duration) (*messaging.Result, error) {
	return c.client.Call(ctx, payload, timeout)
}

// RequestReply returns the request/reply client
func (c *Client) RequestReply() *messaging.Client {
	return c.client
}

// Server returns the reply server, or nil when it is disabled
func (c *Client) Server() *messaging.ReplyServer {
	return c.server
}

// Resources returns the resource manager shared by client and server
func (c *Client) Resources() *messaging.ResourceManager {
	return c.resources
}

// Tracker returns the request tracker
func (c *Client) Tracker() *messaging.InMemoryRequestTracker {
	return c.tracker
}

// Health returns the health registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// StartServer starts the reply server if it is enabled
func (c *Client) StartServer(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Start(ctx)
}

// HTTPHandler returns the HTTP entry point
func (c *Client) HTTPHandler() http.Handler {
	return httpapi.NewServer(c.client,
		httpapi.WithTracker(c.tracker),
		httpapi.WithHealth(health.NewHandler(c.health, 5*time.Second)),
		httpapi.WithMaxBodyBytes(c.cfg.HTTP.MaxBodyBytes),
		httpapi.WithLogger(c.logger),
	)
}

// Close stops the reply server and releases the directory client
func (c *Client) Close() error {
	var errs []error
	if c.server != nil {
		if err := c.server.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop reply server: %w", err))
		}
	}
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger       *slog.Logger
	directory    messaging.Directory
	memoryBroker *memory.Broker
	responder    messaging.Responder
	interceptors []interceptors.Interceptor
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDirectory replaces the configured directory
func WithDirectory(dir messaging.Directory) ClientOption {
	return func(cfg *clientConfig) {
		cfg.directory = dir
	}
}

// WithMemoryBroker serves memory:// bindings from broker
func WithMemoryBroker(broker *memory.Broker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.memoryBroker = broker
	}
}

// WithResponder sets the reply server responder
func WithResponder(responder messaging.Responder) ClientOption {
	return func(cfg *clientConfig) {
		cfg.responder = responder
	}
}

// WithInterceptors runs interceptors in front of the reply server responder
func WithInterceptors(list ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, list...)
	}
}
