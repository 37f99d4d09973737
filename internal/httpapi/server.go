// Package httpapi exposes request/reply calls over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/glimte/mmate-rr/messaging"
)

// DefaultPayload is sent by GET /
const DefaultPayload = "Hello, world"

// Caller performs one request/reply exchange; *messaging.Client satisfies it
type Caller interface {
	Call(ctx context.Context, payload []byte, timeout time.Duration) (*messaging.Result, error)
}

// Server routes HTTP requests to a Caller
type Server struct {
	router       *mux.Router
	caller       Caller
	tracker      messaging.RequestTracker
	health       http.Handler
	timeout      time.Duration
	maxBodyBytes int64
	logger       *slog.Logger
}

// Option configures the Server
type Option func(*Server)

// WithTracker serves tracked requests on GET /requests
func WithTracker(tracker messaging.RequestTracker) Option {
	return func(s *Server) {
		s.tracker = tracker
	}
}

// WithHealth serves h on GET /healthz
func WithHealth(h http.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithCallTimeout sets the reply timeout; zero uses the caller default
func WithCallTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.timeout = timeout
	}
}

// WithMaxBodyBytes limits POST bodies
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBodyBytes = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates the router
func NewServer(caller Caller, opts ...Option) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		caller:       caller,
		maxBodyBytes: 1 << 20,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(s.accessLog)
	s.router.HandleFunc("/", s.handleGet).Methods(http.MethodGet)
	s.router.HandleFunc("/", s.handlePost).Methods(http.MethodPost)
	s.router.HandleFunc("/requests", s.handleRequests).Methods(http.MethodGet)
	if s.health != nil {
		s.router.Handle("/healthz", s.health).Methods(http.MethodGet)
	}

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.call(w, r, []byte(DefaultPayload))
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "could not read request body", http.StatusBadRequest)
		return
	}
	s.call(w, r, payload)
}

func (s *Server) call(w http.ResponseWriter, r *http.Request, payload []byte) {
	result, err := s.caller.Call(r.Context(), payload, s.timeout)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	switch {
	case err != nil:
		s.logger.Error("request/reply failed", "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, messaging.ErrCallCancelled) {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, RenderError(err))

	case !result.Received():
		w.Header().Set("X-Correlation-Id", result.CorrelationID)
		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = io.WriteString(w, RenderNoReply())

	default:
		w.Header().Set("X-Correlation-Id", result.CorrelationID)
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, RenderReply(result))
	}
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		http.Error(w, "request tracking is disabled", http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(s.tracker.RecentRequests(limit))
}

// RenderReply renders a received reply
func RenderReply(result *messaging.Result) string {
	return fmt.Sprintf("Well, that seemed to work!\n\n%s\n\n(received in %dms)",
		result.Payload, result.Elapsed.Milliseconds())
}

// RenderNoReply renders a call that timed out
func RenderNoReply() string {
	return "Well, that didn't seem to work!\n\nNo reply was received"
}

// RenderError renders a broker failure
func RenderError(err error) string {
	return "Ouch, no such luck! \nAn error was returned. This is what went wrong: \n\n" + err.Error() + "\n"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", time.Since(start),
			"remoteAddr", r.RemoteAddr,
		)
	})
}
