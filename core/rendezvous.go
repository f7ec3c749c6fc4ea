package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// slot is a one-shot mailbox correlating a worker's reply with the
// dispatcher goroutine waiting on it. Grounded on the pending_requests /
// request_responses dict pair in the original websocket_manager, folded
// into a single struct guarded by the Rendezvous table's own lock.
type slot struct {
	workerID string
	deadline time.Time
	done     chan struct{}
	result   CompletionPayload
	closed   bool
}

// CompletionPayload is what a producer deposits into a slot: either a raw
// reply string (to be run through the Response Parser by the waiter) or a
// terminal ErrorKind.
type CompletionPayload struct {
	Raw  string
	Kind ErrorKind // empty when Raw holds a real payload
}

// Rendezvous maps a request id to its slot. Guarded by its own mutex,
// distinct from the Registry's, so dispatching a request never stalls
// behind worker registration or eviction.
type Rendezvous struct {
	mu     sync.Mutex
	slots  map[string]*slot
	logger *slog.Logger
}

// NewRendezvous creates an empty Rendezvous table.
func NewRendezvous(logger *slog.Logger) *Rendezvous {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rendezvous{
		slots:  make(map[string]*slot),
		logger: logger.With("component", "rendezvous"),
	}
}

// Open inserts a new empty slot for requestID. Fails with ErrDuplicateID if
// one already exists — this should never happen since ids are broker-minted.
func (t *Rendezvous) Open(requestID, workerID string, deadline time.Time) (*slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.slots[requestID]; exists {
		return nil, WrapErr(ErrDuplicateID, nil)
	}
	s := &slot{
		workerID: workerID,
		deadline: deadline,
		done:     make(chan struct{}),
	}
	t.slots[requestID] = s
	return s, nil
}

// Deposit stores payload in the slot for requestID and wakes its waiter. If
// no slot exists (already timed out, already closed, or never opened) the
// reply is a stray: logged, discarded, not fatal.
func (t *Rendezvous) Deposit(requestID string, payload CompletionPayload) {
	t.mu.Lock()
	s, ok := t.slots[requestID]
	if !ok || s.closed {
		t.mu.Unlock()
		t.logger.Warn("stray reply for unknown or closed request", "request_id", requestID)
		return
	}
	s.result = payload
	s.closed = true
	delete(t.slots, requestID)
	t.mu.Unlock()

	close(s.done)
}

// Await blocks until either a deposit occurs or the slot's deadline
// elapses. On timeout it returns ErrTimeout and removes the slot itself
// (the deposit race is resolved by whichever side reaches the map entry
// first). ctx.Done() also wakes the waiter early, for HTTP-caller
// cancellation, but does not itself free the worker — the caller must
// still release it once the context-cancelled branch is taken.
func (t *Rendezvous) Await(ctx context.Context, requestID string, s *slot) CompletionPayload {
	timer := time.NewTimer(time.Until(s.deadline))
	defer timer.Stop()

	select {
	case <-s.done:
		return s.result
	case <-ctx.Done():
		return t.expire(requestID, s, ErrTimeout)
	case <-timer.C:
		return t.expire(requestID, s, ErrTimeout)
	}
}

// expire removes the slot on a timeout/cancellation path, resolving the
// race against a concurrent Deposit by checking whether the map entry is
// still ours to remove.
func (t *Rendezvous) expire(requestID string, s *slot, kind ErrorKind) CompletionPayload {
	t.mu.Lock()
	if cur, ok := t.slots[requestID]; ok && cur == s {
		delete(t.slots, requestID)
		t.mu.Unlock()
		return CompletionPayload{Kind: kind}
	}
	t.mu.Unlock()
	// A deposit raced us and already removed the slot; take its result.
	select {
	case <-s.done:
		return s.result
	default:
		return CompletionPayload{Kind: kind}
	}
}

// CancelForWorker deposits worker_gone into every slot currently assigned
// to workerID. Called synchronously from session teardown and from the
// registry when it evicts a stale worker.
func (t *Rendezvous) CancelForWorker(workerID string) {
	t.mu.Lock()
	var toCancel []struct {
		id string
		s  *slot
	}
	for id, s := range t.slots {
		if s.workerID == workerID && !s.closed {
			toCancel = append(toCancel, struct {
				id string
				s  *slot
			}{id, s})
		}
	}
	for _, c := range toCancel {
		delete(t.slots, c.id)
	}
	t.mu.Unlock()

	for _, c := range toCancel {
		c.s.result = CompletionPayload{Kind: ErrWorkerGone}
		c.s.closed = true
		close(c.s.done)
	}
}

// Close removes a slot unconditionally after a terminal outcome has already
// been consumed. Safe to call more than once.
func (t *Rendezvous) Close(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, requestID)
}

// Pending returns the number of open slots, for GET /stats.
func (t *Rendezvous) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
