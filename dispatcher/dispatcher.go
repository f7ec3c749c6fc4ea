// Package dispatcher implements the single operation the HTTP layer
// drives: dispatching one inbound completion request to an idle worker
// and waiting for its reply.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"relaybridge/core"
	"relaybridge/normalizer"
	"relaybridge/parser"
)

// Dispatcher owns the registry and rendezvous table it dispatches
// against, plus the configurable timing knobs that default when unset.
type Dispatcher struct {
	registry   *core.Registry
	rendezvous *core.Rendezvous
	logger     *slog.Logger

	acquireWait  time.Duration
	responseWait time.Duration
}

// New builds a Dispatcher. acquireWait and responseWait fall back to
// 10s and 120s respectively when zero.
func New(registry *core.Registry, rendezvous *core.Rendezvous, acquireWait, responseWait time.Duration, logger *slog.Logger) *Dispatcher {
	if acquireWait <= 0 {
		acquireWait = 10 * time.Second
	}
	if responseWait <= 0 {
		responseWait = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:     registry,
		rendezvous:   rendezvous,
		acquireWait:  acquireWait,
		responseWait: responseWait,
		logger:       logger.With("component", "dispatcher"),
	}
}

// Dispatch normalizes req, claims an idle worker, sends the forwarded
// request, and blocks for the reply. It always leaves the claimed
// worker's slot closed and the worker released back to idle (or gone).
func (d *Dispatcher) Dispatch(ctx context.Context, requestID string, req *core.InboundRequest) (*core.CompletionResult, error) {
	worker, err := d.claimIdleWithRetry(ctx)
	if err != nil {
		return nil, err
	}

	result, sendErr := d.attempt(ctx, requestID, worker, req)
	if sendErr == nil || sendErr.kind != core.ErrTransport {
		if sendErr != nil {
			return nil, sendErr.err
		}
		return result, nil
	}

	// Send itself failed (as opposed to a timeout/worker_gone/parse
	// outcome after a successful send): retry once on a different worker.
	d.logger.Warn("transport send failed, retrying on a different worker", "worker_id", worker.ID, "request_id", requestID)
	retryWorker := d.registry.ClaimIdleExcept(worker.ID)
	if retryWorker == nil {
		return nil, core.WrapErr(core.ErrTransport, sendErr.err)
	}
	result, retryErr := d.attempt(ctx, requestID, retryWorker, req)
	if retryErr != nil {
		return nil, retryErr.err
	}
	return result, nil
}

// claimIdleWithRetry polls claim-idle until one succeeds or the
// acquisition deadline elapses. No fairness guarantee is required.
func (d *Dispatcher) claimIdleWithRetry(ctx context.Context) (*core.WorkerRecord, error) {
	deadline := time.Now().Add(d.acquireWait)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if worker := d.registry.ClaimIdle(); worker != nil {
			return worker, nil
		}
		if time.Now().After(deadline) {
			return nil, core.WrapErr(core.ErrNoWorker, nil)
		}
		select {
		case <-ctx.Done():
			return nil, core.WrapErr(core.ErrNoWorker, ctx.Err())
		case <-ticker.C:
		}
	}
}

// dispatchErr distinguishes a failed transmit (retryable, on a different
// worker) from every other exit path, all of which are terminal.
type dispatchErr struct {
	kind core.ErrorKind
	err  error
}

// attempt normalizes req for worker, opens a rendezvous slot, sends the
// forwarded request, commits the cache on success, and waits for the
// reply. The claimed worker is always released and the slot always
// closed before attempt returns, on every exit path.
func (d *Dispatcher) attempt(ctx context.Context, requestID string, worker *core.WorkerRecord, req *core.InboundRequest) (*core.CompletionResult, *dispatchErr) {
	fwd, commit, err := normalizer.Normalize(req, worker)
	if err != nil {
		d.registry.Release(worker.ID)
		return nil, &dispatchErr{err: err}
	}
	fwd.RequestID = requestID

	deadline := time.Now().Add(d.responseWait)
	slot, err := d.rendezvous.Open(requestID, worker.ID, deadline)
	if err != nil {
		d.registry.Release(worker.ID)
		return nil, &dispatchErr{err: err}
	}

	if err := worker.Handle.Send(ctx, fwd); err != nil {
		d.rendezvous.Close(requestID)
		d.registry.Release(worker.ID)
		return nil, &dispatchErr{kind: core.ErrTransport, err: core.WrapErr(core.ErrTransport, err)}
	}

	commit(d.registry, worker.ID)

	payload := d.rendezvous.Await(ctx, requestID, slot)

	// Worker teardown (worker_gone) already removed the worker from the
	// registry; releasing an already-gone worker is a safe no-op, but
	// skip it explicitly so the intent reads clearly at the call site.
	if d.registry.Get(worker.ID) != nil {
		d.registry.Release(worker.ID)
	}

	if payload.Kind != "" {
		return nil, &dispatchErr{kind: payload.Kind, err: core.WrapErr(payload.Kind, nil)}
	}

	return parser.Parse(payload.Raw), nil
}
