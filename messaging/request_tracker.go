package messaging

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// RequestStatus represents the status of a request
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusSent     RequestStatus = "sent"
	RequestStatusReceived RequestStatus = "received"
	RequestStatusTimeout  RequestStatus = "timeout"
	RequestStatusFailed   RequestStatus = "failed"
)

// Finished reports whether the status is terminal
func (s RequestStatus) Finished() bool {
	return s == RequestStatusReceived || s == RequestStatusTimeout || s == RequestStatusFailed
}

// TrackedRequest is a snapshot of one request/reply call
type TrackedRequest struct {
	CorrelationID string        `json:"correlationId"`
	Status        RequestStatus `json:"status"`
	RequestQueue  string        `json:"requestQueue"`
	ReplyQueue    string        `json:"replyQueue"`
	SentAt        time.Time     `json:"sentAt"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
	Error         string        `json:"error,omitempty"`
}

// RequestTracker records the progress of request/reply calls
type RequestTracker interface {
	TrackRequest(request *TrackedRequest) error
	UpdateStatus(correlationID string, status RequestStatus) error
	CompleteRequest(correlationID string, elapsed time.Duration) error
	FailRequest(correlationID string, err error) error
	GetRequest(correlationID string) (TrackedRequest, error)
	RecentRequests(limit int) []TrackedRequest
	CleanupExpired() int
}

// InMemoryRequestTracker keeps tracked requests in memory; finished entries
// older than the retention window are pruned
type InMemoryRequestTracker struct {
	requests  map[string]*TrackedRequest
	retention time.Duration
	mu        sync.RWMutex
}

// NewInMemoryRequestTracker creates a tracker retaining finished requests for
// retention, five minutes when zero
func NewInMemoryRequestTracker(retention time.Duration) *InMemoryRequestTracker {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &InMemoryRequestTracker{
		requests:  make(map[string]*TrackedRequest),
		retention: retention,
	}
}

// TrackRequest adds a request to tracking
func (t *InMemoryRequestTracker) TrackRequest(request *TrackedRequest) error {
	if request == nil {
		return fmt.Errorf("request cannot be nil")
	}
	if request.CorrelationID == "" {
		return fmt.Errorf("correlation ID is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(time.Now())
	copied := *request
	t.requests[request.CorrelationID] = &copied
	return nil
}

// UpdateStatus updates the status of a tracked request
func (t *InMemoryRequestTracker) UpdateStatus(correlationID string, status RequestStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	request, exists := t.requests[correlationID]
	if !exists {
		return fmt.Errorf("request not found: %s", correlationID)
	}

	request.Status = status
	if status.Finished() {
		now := time.Now()
		request.FinishedAt = &now
	}
	return nil
}

// CompleteRequest marks a request as answered
func (t *InMemoryRequestTracker) CompleteRequest(correlationID string, elapsed time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	request, exists := t.requests[correlationID]
	if !exists {
		return fmt.Errorf("request not found: %s", correlationID)
	}

	now := time.Now()
	request.Status = RequestStatusReceived
	request.Elapsed = elapsed
	request.FinishedAt = &now
	return nil
}

// FailRequest marks a request as failed
func (t *InMemoryRequestTracker) FailRequest(correlationID string, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	request, exists := t.requests[correlationID]
	if !exists {
		return fmt.Errorf("request not found: %s", correlationID)
	}

	now := time.Now()
	request.Status = RequestStatusFailed
	request.FinishedAt = &now
	if err != nil {
		request.Error = err.Error()
	}
	return nil
}

// GetRequest returns a snapshot of a tracked request
func (t *InMemoryRequestTracker) GetRequest(correlationID string) (TrackedRequest, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	request, exists := t.requests[correlationID]
	if !exists {
		return TrackedRequest{}, fmt.Errorf("request not found: %s", correlationID)
	}
	return *request, nil
}

// RecentRequests returns up to limit requests, newest first; limit <= 0
// returns all of them
func (t *InMemoryRequestTracker) RecentRequests(limit int) []TrackedRequest {
	t.mu.RLock()
	out := make([]TrackedRequest, 0, len(t.requests))
	for _, req := range t.requests {
		out = append(out, *req)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].SentAt.After(out[j].SentAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CleanupExpired removes finished requests older than the retention window
func (t *InMemoryRequestTracker) CleanupExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked(time.Now())
}

func (t *InMemoryRequestTracker) pruneLocked(now time.Time) int {
	removed := 0
	for id, req := range t.requests {
		if req.Status.Finished() && req.FinishedAt != nil && now.Sub(*req.FinishedAt) > t.retention {
			delete(t.requests, id)
			removed++
		}
	}
	return removed
}
