package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/trace"

	"relaycore/internal/domain"
	"relaycore/internal/infra/metrics"
	"relaycore/internal/infra/tracer"
	"relaycore/internal/usecase/cache"
	"relaycore/internal/usecase/pool"
)

// ProcessRequest admits req, serves it from cache when possible, and
// otherwise runs it on a leased agent with breaker protection and retries.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req domain.Request) (*domain.Response, error) {
	start := time.Now()
	ctx, span := tracer.StartSpan(ctx, "orchestrator.process_request",
		trace.WithAttributes(tracer.RequestAttrs(req)...),
	)
	defer span.End()

	resp, err := o.process(ctx, req)
	o.finish(ctx, req, start, resp, err)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		tracer.StringAttr("relaycore.agent_id", resp.AssignedAgent),
		tracer.IntAttr("relaycore.retry_count", resp.RetryCount),
	)
	tracer.SetOK(span)
	return resp, nil
}

func (o *Orchestrator) process(ctx context.Context, req domain.Request) (*domain.Response, error) {
	start := time.Now()
	if o.closed.Load() {
		return nil, domain.ErrShutdown
	}
	if err := o.gate.Admit(req, o.now()); err != nil {
		return nil, err
	}
	if !req.Metadata.Cacheable {
		resp, err := o.dispatch(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.ProcessingTimeMs = time.Since(start).Milliseconds()
		return resp, nil
	}

	key := cache.Key(req)
	if v, ok := o.cache.Get(key); ok {
		o.stats.cacheLookup(true)
		o.metrics.IncCache(true)
		return &domain.Response{
			RequestID:        req.ID,
			Response:         v,
			FromCache:        true,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}
	o.stats.cacheLookup(false)
	o.metrics.IncCache(false)

	// Identical cacheable requests in flight share one agent call. The
	// shared call outlives any single caller's cancellation.
	leader := false
	ch := o.flight.DoChan(key, func() (any, error) {
		leader = true
		return o.lead(context.WithoutCancel(ctx), key, req)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp := *res.Val.(*domain.Response)
		if !leader {
			resp.RequestID = req.ID
			resp.FromCache = true
		}
		resp.ProcessingTimeMs = time.Since(start).Milliseconds()
		return &resp, nil
	}
}

// lead runs the shared call for key. A previous flight may have filled the
// cache between the caller's lookup and this flight starting.
func (o *Orchestrator) lead(ctx context.Context, key string, req domain.Request) (*domain.Response, error) {
	if v, ok := o.cache.Get(key); ok {
		return &domain.Response{RequestID: req.ID, Response: v, FromCache: true}, nil
	}
	resp, err := o.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.FallbackUsed {
		o.cache.Set(key, resp.Response)
	}
	return resp, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, req domain.Request) (*domain.Response, error) {
	lease, err := o.acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, req, lease)
}

// acquire leases an agent now, or queues req until the dispatcher hands it
// one. Requests only bypass the queue while it is empty so queued work
// keeps its order.
func (o *Orchestrator) acquire(ctx context.Context, req domain.Request) (*pool.Lease, error) {
	if o.queue.Len() == 0 {
		if lease, ok := o.pool.Acquire(); ok {
			return lease, nil
		}
	}

	queuedAt := o.now()
	item, err := o.queue.Push(req, queuedAt)
	if err != nil {
		return nil, err
	}
	if o.closed.Load() && item.Reject(domain.ErrShutdown) {
		o.queue.Remove(item)
		return nil, domain.ErrShutdown
	}
	depth := o.queue.Len()
	o.stats.queued()
	o.logger.Debug("request queued", "request_id", req.ID, "queue_depth", depth)
	domain.PublishEvent(ctx, o.bus, domain.EventRequestQueued, domain.RequestEventPayload{
		RequestID:  req.ID,
		UserID:     req.UserID,
		QueueDepth: depth,
	})
	o.wake()

	waitStart := time.Now()
	select {
	case out := <-item.Done():
		o.metrics.ObserveQueueWait(time.Since(waitStart))
		return out.Value, out.Err
	case <-ctx.Done():
		if item.Reject(ctx.Err()) {
			o.queue.Remove(item)
			return nil, ctx.Err()
		}
		// Settled concurrently; give back a lease we can no longer use.
		if out := <-item.Done(); out.Err == nil {
			out.Value.Return()
		}
		return nil, ctx.Err()
	}
}

// execute runs the attempt loop on lease and releases it.
func (o *Orchestrator) execute(ctx context.Context, req domain.Request, lease *pool.Lease) (*domain.Response, error) {
	agentID := lease.AgentID()
	var (
		lastErr     error
		lastLatency time.Duration
		calls       int
		retries     int
	)
	for attempt := 0; ; attempt++ {
		out, latency, called, err := o.attempt(ctx, req, lease)
		if called {
			calls++
			lastLatency = latency
		}
		if err == nil {
			lease.Release(true, latency)
			return &domain.Response{
				RequestID:     req.ID,
				Response:      out,
				AssignedAgent: agentID,
				RetryCount:    retries,
			}, nil
		}
		lastErr = err
		if errors.Is(err, domain.ErrCircuitOpen) {
			o.stats.circuitRejected()
			break
		}
		if ctx.Err() != nil || !domain.IsRetryableError(err) || attempt >= o.cfg.MaxRetries {
			break
		}

		retries++
		o.stats.retried()
		o.metrics.IncRetry()
		delay := o.backoff(attempt)
		o.logger.Debug("retrying request",
			"request_id", req.ID,
			"agent_id", agentID,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			break
		}
	}

	if calls == 0 {
		lease.Return()
	} else {
		lease.Release(false, lastLatency)
	}
	return o.fallback(ctx, req, agentID, retries, lastErr)
}

// attempt makes one breaker-guarded call. called is false when the
// breaker refused the call.
func (o *Orchestrator) attempt(ctx context.Context, req domain.Request, lease *pool.Lease) (out any, latency time.Duration, called bool, err error) {
	done, err := o.breakers.Allow(req.Capability())
	if err != nil {
		return nil, 0, false, err
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if o.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.CallTimeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	out, err = call(callCtx, lease.Capability(), req)
	latency = time.Since(start)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("%w: agent %s exceeded %s", domain.ErrCallTimeout, lease.AgentID(), o.cfg.CallTimeout)
		case !errors.Is(err, domain.ErrAgentExecution):
			err = fmt.Errorf("%w: agent %s: %w", domain.ErrAgentExecution, lease.AgentID(), err)
		}
	}
	done(err == nil)
	return out, latency, true, err
}

// call runs the capability and stops waiting when ctx ends, even if the
// capability ignores its context.
func call(ctx context.Context, c domain.Capability, req domain.Request) (any, error) {
	type result struct {
		out any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: capability panic: %v", domain.ErrAgentExecution, r)}
			}
		}()
		out, err := c.Execute(ctx, req)
		ch <- result{out: out, err: err}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fallback gives the optional fallback hook a chance after every attempt
// failed. Caller cancellation skips it.
func (o *Orchestrator) fallback(ctx context.Context, req domain.Request, agentID string, retries int, cause error) (*domain.Response, error) {
	if o.deps.Fallback == nil || ctx.Err() != nil {
		return nil, cause
	}
	out, err := o.deps.Fallback(ctx, req, cause)
	if err != nil {
		o.logger.Warn("fallback failed", "request_id", req.ID, "cause", cause, "error", err)
		return nil, &domain.FallbackError{Err: cause}
	}
	o.stats.fellBack()
	return &domain.Response{
		RequestID:     req.ID,
		Response:      out,
		AssignedAgent: agentID,
		RetryCount:    retries,
		FallbackUsed:  true,
	}, nil
}

// backoff is exponential from RetryBaseDelay with 0-25% jitter, capped at
// RetryMaxDelay.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	base := o.cfg.RetryBaseDelay
	if base <= 0 {
		return 0
	}
	delay := base << min(attempt, 30)
	if delay <= 0 || (o.cfg.RetryMaxDelay > 0 && delay > o.cfg.RetryMaxDelay) {
		delay = o.cfg.RetryMaxDelay
	}
	delay += time.Duration(rand.Int63n(int64(delay/4) + 1))
	if o.cfg.RetryMaxDelay > 0 && delay > o.cfg.RetryMaxDelay {
		delay = o.cfg.RetryMaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// finish records the outcome of one ProcessRequest call.
func (o *Orchestrator) finish(ctx context.Context, req domain.Request, start time.Time, resp *domain.Response, err error) {
	d := time.Since(start)
	if err == nil {
		outcome := metrics.OutcomeSuccess
		if resp.FallbackUsed {
			outcome = metrics.OutcomeFallback
		}
		o.stats.succeeded(d)
		o.metrics.ObserveRequest(outcome, "", resp.FromCache, d)
		domain.PublishEvent(ctx, o.bus, domain.EventRequestCompleted, domain.RequestEventPayload{
			RequestID:  req.ID,
			UserID:     req.UserID,
			AgentID:    resp.AssignedAgent,
			FromCache:  resp.FromCache,
			RetryCount: resp.RetryCount,
			DurationMs: d.Milliseconds(),
		})
		o.logger.Debug("request completed",
			"request_id", req.ID,
			"agent_id", resp.AssignedAgent,
			"from_cache", resp.FromCache,
			"retries", resp.RetryCount,
			"duration", d,
		)
		return
	}

	code := domain.ErrorCodeOf(err)
	rejected := isRejection(err)
	o.stats.failed(d, code, rejected)
	outcome := metrics.OutcomeFailure
	if rejected {
		outcome = metrics.OutcomeRejected
	}
	o.metrics.ObserveRequest(outcome, code, false, d)
	domain.PublishEvent(ctx, o.bus, domain.EventRequestFailed, domain.RequestEventPayload{
		RequestID:  req.ID,
		UserID:     req.UserID,
		DurationMs: d.Milliseconds(),
		Code:       code,
	})
	level := o.logger.Warn
	if rejected {
		level = o.logger.Debug
	}
	level("request failed", "request_id", req.ID, "code", string(code), "error", err)
}

// isRejection reports errors raised before any agent work was attempted.
func isRejection(err error) bool {
	if errors.Is(err, domain.ErrAgentExecution) {
		return false
	}
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrRateLimit) ||
		errors.Is(err, domain.ErrQueueFull) ||
		errors.Is(err, domain.ErrShutdown) ||
		errors.Is(err, domain.ErrBatchTooLarge)
}
