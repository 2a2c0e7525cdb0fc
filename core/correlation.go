package core

import (
	"context"
	"sync"
	"time"
)

// CorrelationResult is what an awaiter receives: either a response payload
// or a terminal error (ErrTimeout, ErrCancelled).
type CorrelationResult struct {
	Payload interface{}
	Err     error
}

// pendingRequest is the tracker's internal bookkeeping for one correlation
// id: spec §3 "Pending request" (correlationId, completion handle,
// deadline, originating session).
type pendingRequest struct {
	id        string
	sessionID string
	deadline  time.Time
	resultCh  chan CorrelationResult
	once      sync.Once
	timer     *time.Timer
}

func (p *pendingRequest) complete(result CorrelationResult) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.resultCh <- result
		close(p.resultCh)
	})
}

// CorrelationTracker maps correlationId -> pendingRequest. At most one
// entry per id; an id is completed exactly once, by response, timeout, or
// explicit cancel.
type CorrelationTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	logger  Logger
}

// NewCorrelationTracker creates an empty tracker.
func NewCorrelationTracker(logger Logger) *CorrelationTracker {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &CorrelationTracker{
		pending: make(map[string]*pendingRequest),
		logger:  logger,
	}
}

// CreateCorrelation registers a new pending request with the given
// deadline, returning a channel that resolves when the request completes,
// times out, or is cancelled. Fails with InvalidParameters if id is empty
// or already pending.
func (t *CorrelationTracker) CreateCorrelation(id, sessionID string, deadline time.Time) (<-chan CorrelationResult, error) {
	if id == "" {
		return nil, NewMeshError("CorrelationTracker.CreateCorrelation", "InvalidParameters", ErrInvalidParameters)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[id]; exists {
		return nil, NewMeshError("CorrelationTracker.CreateCorrelation", "InvalidParameters", ErrCorrelationExists)
	}

	pr := &pendingRequest{
		id:        id,
		sessionID: sessionID,
		deadline:  deadline,
		resultCh:  make(chan CorrelationResult, 1),
	}

	wait := time.Until(deadline)
	if wait < 0 {
		wait = 0
	}
	pr.timer = time.AfterFunc(wait, func() {
		t.timeout(id)
	})

	t.pending[id] = pr
	return pr.resultCh, nil
}

// AwaitResponse looks up the pending entry for id and blocks on its channel
// until it resolves or ctx is done. An id that has already been completed,
// timed out or cancelled is no longer tracked and yields
// ErrCorrelationNotFound. At most one awaiter per id is meaningful — the
// channel is single-value buffered.
func (t *CorrelationTracker) AwaitResponse(ctx context.Context, id string) (interface{}, error) {
	t.mu.Lock()
	pr, exists := t.pending[id]
	t.mu.Unlock()
	if !exists {
		return nil, NewMeshError("CorrelationTracker.AwaitResponse", "InvalidParameters", ErrCorrelationNotFound)
	}

	select {
	case res := <-pr.resultCh:
		return res.Payload, res.Err
	case <-ctx.Done():
		t.Cancel(id, ctx.Err())
		return nil, NewMeshError("CorrelationTracker.AwaitResponse", "Cancelled", ErrCancelled)
	}
}

// Complete resolves the awaiter for id with payload and removes the entry.
// Called by the dispatch path when a response event with a registered
// correlation id arrives. A duplicate response for an id no longer present
// (already completed) is a silent no-op — spec §4.9 "duplicate response
// events ... dropped".
func (t *CorrelationTracker) Complete(id string, payload interface{}) {
	pr := t.remove(id)
	if pr == nil {
		return
	}
	pr.complete(CorrelationResult{Payload: payload})
}

// Cancel removes the entry and rejects any awaiter with the given reason
// wrapped as ErrCancelled.
func (t *CorrelationTracker) Cancel(id string, reason error) {
	pr := t.remove(id)
	if pr == nil {
		return
	}
	pr.complete(CorrelationResult{Err: NewMeshError("CorrelationTracker.Cancel", "Cancelled", ErrCancelled)})
	_ = reason
}

// timeout removes the entry and rejects its awaiter with ErrTimeout. Called
// internally by the per-entry deadline timer.
func (t *CorrelationTracker) timeout(id string) {
	pr := t.remove(id)
	if pr == nil {
		return
	}
	pr.complete(CorrelationResult{Err: NewMeshError("CorrelationTracker", "Timeout", ErrTimeout)})
}

// remove atomically deletes and returns the entry for id, or nil if absent
// — used by Complete/Cancel/timeout so exactly one of them wins the race.
func (t *CorrelationTracker) remove(id string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return pr
}

// Pending returns the correlation ids currently outstanding for a session,
// used by the orchestrator to assert "no pending future outlives its
// session" before a session terminates.
func (t *CorrelationTracker) Pending(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, pr := range t.pending {
		if pr.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	return ids
}

// CancelSession cancels every correlation id belonging to sessionID. Used
// on session completion/failure/cancellation to guarantee the "no future
// leaks" invariant.
func (t *CorrelationTracker) CancelSession(sessionID string, reason error) {
	for _, id := range t.Pending(sessionID) {
		t.Cancel(id, reason)
	}
}
