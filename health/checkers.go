package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rr/internal/reliability"
	"github.com/glimte/mmate-rr/messaging"
)

// BrokerChecker opens a connection, a session and a temporary queue, then
// releases them. This is the same resource path a call takes.
type BrokerChecker struct {
	resources *messaging.ResourceManager
	logger    *slog.Logger
}

// NewBrokerChecker creates a broker round-trip checker
func NewBrokerChecker(resources *messaging.ResourceManager, logger *slog.Logger) *BrokerChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerChecker{
		resources: resources,
		logger:    logger,
	}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	scope := messaging.NewScope(c.logger)
	fail := func(msg string, err error) CheckResult {
		_ = scope.Close()
		result.Status = StatusUnhealthy
		result.Message = msg
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	conn, err := c.resources.OpenConnection(ctx, scope)
	if err != nil {
		return fail("Failed to open connection", err)
	}
	md := conn.Metadata()
	result.Details["provider"] = md.Provider
	result.Details["version"] = md.Version

	sess, err := c.resources.OpenSession(scope, conn, false, messaging.AckAuto)
	if err != nil {
		return fail("Failed to create session", err)
	}

	if _, err := c.resources.CreateTemporaryQueue(ctx, scope, sess); err != nil {
		return fail("Failed to create temporary queue", err)
	}

	if err := scope.Close(); err != nil {
		result.Status = StatusDegraded
		result.Message = "Broker reachable but cleanup failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Broker is reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// StateReporter is satisfied by *messaging.ReplyServer
type StateReporter interface {
	State() messaging.ServerState
}

// ServerChecker reports the reply server lifecycle state
type ServerChecker struct {
	server StateReporter
}

// NewServerChecker creates a reply server state checker
func NewServerChecker(server StateReporter) *ServerChecker {
	return &ServerChecker{server: server}
}

func (c *ServerChecker) Name() string {
	return "reply_server"
}

func (c *ServerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.server.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"state": state.String()},
	}

	switch state {
	case messaging.StateRunning:
		result.Status = StatusHealthy
		result.Message = "Reply server is running"
	case messaging.StateStarting, messaging.StateStopping:
		result.Status = StatusDegraded
		result.Message = "Reply server is " + state.String()
	default:
		result.Status = StatusUnhealthy
		result.Message = "Reply server is stopped"
	}

	result.Duration = time.Since(start)
	return result
}

// BreakerChecker reports an open connection circuit as unhealthy
type BreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

// NewBreakerChecker creates a circuit breaker checker
func NewBreakerChecker(breaker *reliability.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{breaker: breaker}
}

func (c *BreakerChecker) Name() string {
	return "circuit_" + c.breaker.Name()
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	m := c.breaker.Metrics()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":          m.State,
			"total_failures": m.TotalFailures,
			"total_rejected": m.TotalRejected,
		},
	}

	switch c.breaker.State() {
	case reliability.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = "Circuit is open"
	case reliability.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "Circuit is half-open"
	default:
		result.Status = StatusHealthy
		result.Message = "Circuit is closed"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a function to a Checker
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checker(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
