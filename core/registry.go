package core

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry tracks connected workers, their scheduling status, heartbeat
// timestamps, and per-worker prompt/tool caches. All reads and writes go
// through a single mutex, distinct from the Rendezvous table's lock so
// dispatching never stalls behind registration or eviction.
type Registry struct {
	mu         sync.Mutex
	workers    map[string]*WorkerRecord
	maxWorkers int
	liveness   time.Duration
	logger     *slog.Logger
	rendezvous *Rendezvous
}

// NewRegistry creates a Registry and starts its eviction ticker, which runs
// until ctx is cancelled.
func NewRegistry(ctx context.Context, maxWorkers int, liveness time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		workers:    make(map[string]*WorkerRecord),
		maxWorkers: maxWorkers,
		liveness:   liveness,
		logger:     logger.With("component", "registry"),
	}
	go r.evictionLoop(ctx)
	return r
}

// AttachRendezvous wires the rendezvous table the registry notifies when
// it evicts a worker, so any slot still assigned to that worker fails
// with worker_gone instead of stalling its caller out on the full
// response-wait timeout.
func (r *Registry) AttachRendezvous(rendezvous *Rendezvous) {
	r.mu.Lock()
	r.rendezvous = rendezvous
	r.mu.Unlock()
}

func (r *Registry) evictionLoop(ctx context.Context) {
	interval := r.liveness / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictStaleAndNotify(time.Now())
		}
	}
}

// evictStaleAndNotify runs EvictStale and, for every id it removed, fails
// any rendezvous slot still assigned to that worker with worker_gone. The
// rendezvous call happens after the registry lock is released, so the two
// tables' locks are never held at once.
func (r *Registry) evictStaleAndNotify(now time.Time) []string {
	evicted := r.EvictStale(now)
	if len(evicted) == 0 {
		return evicted
	}

	r.mu.Lock()
	rendezvous := r.rendezvous
	r.mu.Unlock()

	if rendezvous == nil {
		return evicted
	}
	for _, id := range evicted {
		rendezvous.CancelForWorker(id)
	}
	return evicted
}

// Register creates a new worker in state READY and returns its record.
// Fails with ErrCapacityExhausted if maxWorkers is already reached.
func (r *Registry) Register(id string, handle WorkerHandle, meta WorkerMetadata) (*WorkerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxWorkers > 0 && len(r.workers) >= r.maxWorkers {
		return nil, WrapErr(ErrCapacityExhausted, nil)
	}

	now := time.Now()
	rec := &WorkerRecord{
		ID:              id,
		Handle:          handle,
		Status:          StatusReady,
		Metadata:        meta,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
		LastActivityAt:  now,
	}
	r.workers[id] = rec
	r.logger.Info("worker registered", "worker_id", id)
	return rec, nil
}

// MarkReady transitions READY->IDLE or BUSY->IDLE. No-op when already IDLE.
func (r *Registry) MarkReady(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[id]
	if !ok || rec.Status == StatusIdle {
		return
	}
	rec.Status = StatusIdle
	rec.LastActivityAt = time.Now()
}

// ClaimIdle selects one IDLE worker using the most-recently-heartbeat-first
// tie-break, transitions it to BUSY atomically with selection, and returns
// its record. Returns nil when no worker is IDLE.
func (r *Registry) ClaimIdle() *WorkerRecord {
	return r.claimIdleExcept("")
}

// ClaimIdleExcept behaves like ClaimIdle but never returns the worker
// named by exceptID, so a dispatcher retry after a failed send is
// guaranteed a genuinely different worker.
func (r *Registry) ClaimIdleExcept(exceptID string) *WorkerRecord {
	return r.claimIdleExcept(exceptID)
}

func (r *Registry) claimIdleExcept(exceptID string) *WorkerRecord {
	// Evict opportunistically before selecting, so a worker whose
	// heartbeat has already fallen outside the liveness window is never
	// handed to a dispatcher between eviction ticks.
	r.evictStaleAndNotify(time.Now())

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *WorkerRecord
	for id, rec := range r.workers {
		if rec.Status != StatusIdle || id == exceptID {
			continue
		}
		if best == nil || rec.LastHeartbeatAt.After(best.LastHeartbeatAt) {
			best = rec
		}
	}
	if best == nil {
		return nil
	}
	best.Status = StatusBusy
	best.LastActivityAt = time.Now()
	return best
}

// Release transitions BUSY->IDLE. Must be called exactly once per
// successful claim. No-op if the worker no longer exists.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[id]
	if !ok {
		return
	}
	rec.Status = StatusIdle
	rec.LastActivityAt = time.Now()
}

// Touch updates a worker's last-heartbeat-at timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.workers[id]; ok {
		rec.LastHeartbeatAt = time.Now()
	}
}

// Get returns a worker's record, or nil if it is not (or no longer)
// connected.
func (r *Registry) Get(id string) *WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[id]
}

// Remove unconditionally removes a worker, regardless of status. Used by
// session teardown on disconnect.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// UpdateDigests records the fingerprints actually carried inline on the
// last successful transmit to this worker. Only call from a dispatch's
// commit callback, after the send has succeeded — see the "cache
// monotonicity" invariant.
func (r *Registry) UpdateDigests(id string, systemDigest, toolsDigest *string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[id]
	if !ok {
		return
	}
	if systemDigest != nil {
		rec.SystemPromptDigest = *systemDigest
	}
	if toolsDigest != nil {
		rec.ToolsDigest = *toolsDigest
	}
}

// EvictStale removes every worker whose last-heartbeat-at precedes
// now-liveness, returning the removed ids. Callers that only want the
// removal, without also failing those workers' in-flight rendezvous
// slots, can call this directly; both the eviction ticker and
// claimIdleExcept instead go through evictStaleAndNotify.
func (r *Registry) EvictStale(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.liveness)
	var evicted []string
	for id, rec := range r.workers {
		if rec.LastHeartbeatAt.Before(cutoff) {
			evicted = append(evicted, id)
			delete(r.workers, id)
		}
	}
	if len(evicted) > 0 {
		sort.Strings(evicted) // deterministic log output only
		r.logger.Warn("evicted stale workers", "worker_ids", evicted)
	}
	return evicted
}

// Snapshot returns (total, idle, busy) counts for health reporting.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Snapshot
	s.Total = len(r.workers)
	for _, rec := range r.workers {
		switch rec.Status {
		case StatusIdle:
			s.Idle++
		case StatusBusy:
			s.Busy++
		}
	}
	return s
}
