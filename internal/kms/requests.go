package kms

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Response is what a pending request settles with.
type Response struct {
	Result json.RawMessage
	Error  *RPCError
}

type pendingRequest struct {
	done chan Response
}

// Requests is the correlation table for in-flight KMS requests. Every entry is
// removed exactly once, by whichever of response, timeout or cancellation
// settles it first.
type Requests struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func NewRequests(timeout time.Duration) *Requests {
	return &Requests{
		timeout: timeout,
		pending: make(map[string]*pendingRequest),
	}
}

// Start registers a fresh id, calls send with it and waits for the matching
// response.
func (r *Requests) Start(ctx context.Context, send func(id string) error) (Response, error) {
	id := uuid.NewString()
	p := &pendingRequest{done: make(chan Response, 1)}

	r.mu.Lock()
	r.pending[id] = p
	r.mu.Unlock()

	if err := send(id); err != nil {
		r.remove(id)
		return Response{}, err
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case resp := <-p.done:
		return resp, nil
	case <-timer.C:
		if r.remove(id) {
			return Response{}, NewTimeoutError(id, r.timeout)
		}
	case <-ctx.Done():
		if r.remove(id) {
			return Response{}, ctx.Err()
		}
	}

	// Completed concurrently with the timeout; the response is already buffered.
	return <-p.done, nil
}

func (r *Requests) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// Complete settles the pending request id with resp.
func (r *Requests) Complete(id string, resp Response) error {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return NewRequestNotFoundError(id)
	}

	p.done <- resp
	return nil
}

func (r *Requests) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Requests) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return false
	}
	delete(r.pending, id)
	return true
}
