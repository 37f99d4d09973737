package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ResourceKind orders resource release within a Scope
type ResourceKind int

const (
	KindTemporaryDestination ResourceKind = iota
	KindConsumer
	KindProducer
	KindSession
	KindConnection
)

func (k ResourceKind) String() string {
	switch k {
	case KindTemporaryDestination:
		return "temporary destination"
	case KindConsumer:
		return "consumer"
	case KindProducer:
		return "producer"
	case KindSession:
		return "session"
	case KindConnection:
		return "connection"
	default:
		return "resource"
	}
}

type scopedResource struct {
	kind    ResourceKind
	name    string
	seq     int
	release func() error
}

// Scope owns the broker resources acquired for one unit of work. Close
// releases them once, temporary destinations first and connections last,
// most recently acquired first within a kind, and joins release errors.
//
//	scope := messaging.NewScope(logger)
//	defer scope.Close()
type Scope struct {
	mu        sync.Mutex
	resources []scopedResource
	seq       int
	closed    bool
	logger    *slog.Logger
	timeout   time.Duration
}

// NewScope creates an empty scope; a nil logger means slog.Default()
func NewScope(logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Track registers a release function. Tracking on a closed scope releases the
// resource immediately.
func (s *Scope) Track(kind ResourceKind, name string, release func() error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err := release(); err != nil {
			s.logger.Warn("failed to release resource acquired after scope close",
				"kind", kind.String(),
				"name", name,
				"error", err,
			)
		}
		return
	}
	s.seq++
	s.resources = append(s.resources, scopedResource{kind: kind, name: name, seq: s.seq, release: release})
	s.mu.Unlock()
}

func (s *Scope) trackConnection(conn Connection) {
	s.Track(KindConnection, "connection", conn.Close)
}

func (s *Scope) trackSession(sess Session) {
	s.Track(KindSession, "session", sess.Close)
}

func (s *Scope) trackProducer(p Producer) {
	s.Track(KindProducer, "producer", p.Close)
}

func (s *Scope) trackConsumer(c Consumer) {
	s.Track(KindConsumer, destinationName(c.Destination()), c.Close)
}

func (s *Scope) trackTemporary(dest TemporaryDestination) {
	s.Track(KindTemporaryDestination, dest.DestinationName(), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		return dest.Delete(ctx)
	})
}

// Len returns the number of resources still held
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources)
}

// Close releases every tracked resource. Calling Close again is a no-op.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	resources := s.resources
	s.resources = nil
	s.mu.Unlock()

	sort.SliceStable(resources, func(i, j int) bool {
		if resources[i].kind != resources[j].kind {
			return resources[i].kind < resources[j].kind
		}
		return resources[i].seq > resources[j].seq
	})

	var errs []error
	for _, r := range resources {
		if err := safeRelease(r.release); err != nil {
			s.logger.Error("failed to release resource",
				"kind", r.kind.String(),
				"name", r.name,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("release %s %s: %w", r.kind, r.name, err))
		}
	}
	return errors.Join(errs...)
}

func safeRelease(release func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during release: %v", r)
		}
	}()
	return release()
}

func destinationName(dest Destination) string {
	if dest == nil {
		return ""
	}
	return dest.DestinationName()
}
