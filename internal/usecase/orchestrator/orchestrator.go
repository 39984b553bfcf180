// Package orchestrator routes requests onto the agent pool: admission,
// caching, queueing, breaker-guarded calls with retry, and the maintenance
// loops that keep the pool healthy and sized.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"relaycore/internal/domain"
	"relaycore/internal/infra/config"
	"relaycore/internal/infra/logger"
	"relaycore/internal/infra/metrics"
	"relaycore/internal/usecase/admission"
	"relaycore/internal/usecase/balancer"
	"relaycore/internal/usecase/breaker"
	"relaycore/internal/usecase/cache"
	"relaycore/internal/usecase/eventbus"
	"relaycore/internal/usecase/health"
	"relaycore/internal/usecase/pool"
	"relaycore/internal/usecase/scaler"
	"relaycore/internal/usecase/scheduling"
)

// FallbackFunc produces a degraded response after every attempt failed.
// cause is the final error.
type FallbackFunc func(ctx context.Context, req domain.Request, cause error) (any, error)

// Deps holds injected dependencies.
type Deps struct {
	Factory   domain.CapabilityFactory
	Fallback  FallbackFunc         // optional, nil = failures surface as-is
	Bus       domain.EventBus      // optional, nil = private bus
	Metrics   metrics.Recorder     // optional, nil = no metrics
	Validator *admission.Validator // optional, nil = built from RequestSchemas
	Logger    *slog.Logger         // optional, nil = discard
	Clock     func() time.Time     // optional, nil = time.Now
}

// Orchestrator is the request router. Create with New, then Start.
type Orchestrator struct {
	cfg     config.OrchestratorConfig
	deps    Deps
	bus     domain.EventBus
	metrics metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
	started time.Time

	pool     *pool.Manager
	breakers *breaker.Registry
	monitor  *health.Monitor
	scaler   *scaler.Scaler
	gate     *admission.Gate
	queue    *admission.Queue[*pool.Lease]
	cache    *cache.Cache
	sched    *scheduling.Scheduler
	flight   singleflight.Group
	stats    *counters

	drainMu sync.Mutex
	kick    chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	closed  atomic.Bool
}

// New wires every component from cfg. Nothing runs until Start.
func New(cfg config.OrchestratorConfig, deps Deps) (*Orchestrator, error) {
	if deps.Factory == nil {
		return nil, fmt.Errorf("orchestrator: %w: capability factory is required", domain.ErrInvalidInput)
	}
	strategy, err := balancer.ParseStrategy(cfg.LoadBalancingStrategy)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	validator := deps.Validator
	if validator == nil {
		if validator, err = admission.LoadValidator(cfg.RequestSchemas); err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
	}

	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		logger:  logger.Component(deps.Logger, "orchestrator"),
		now:     deps.Clock,
		stats:   newCounters(),
		kick:    make(chan struct{}, 1),
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop()
	}
	if o.bus == nil {
		o.bus = eventbus.New(logger.Component(deps.Logger, "eventbus"))
	}
	o.started = o.now()

	o.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		OnTransition: func(capability string, _, to domain.BreakerState) {
			o.metrics.IncBreakerTransition(capability, to)
		},
	}, o.bus, logger.Component(deps.Logger, "breaker"))

	o.pool = pool.NewManager(pool.Config{
		InitialSize:   cfg.AgentPoolSize,
		MinAgents:     cfg.MinAgents,
		MaxAgents:     cfg.MaxAgents,
		MaxConcurrent: cfg.MaxConcurrentAgents,
	}, deps.Factory, balancer.New(strategy), o.bus, logger.Component(deps.Logger, "pool"))

	o.monitor = health.NewMonitor(health.Config{
		ProbeTimeout:       cfg.ProbeTimeout,
		UnhealthyThreshold: cfg.UnhealthyThreshold,
		RecoveryThreshold:  cfg.RecoveryThreshold,
		Clock:              o.now,
	}, o.pool, o.breakers, o.bus, logger.Component(deps.Logger, "health"))

	o.queue = admission.NewQueue[*pool.Lease](admission.QueueConfig{
		MaxSize:  cfg.MaxQueueSize,
		MaxAge:   cfg.MaxQueueAge,
		Priority: cfg.PriorityQueue,
	})

	o.scaler = scaler.New(scaler.Config{
		ScaleUpThreshold:   cfg.ScaleUpThreshold,
		ScaleDownThreshold: cfg.ScaleDownThreshold,
		QueueDepthTrigger:  cfg.QueueDepthTrigger,
		ScaleUpCooldown:    cfg.ScaleUpCooldown,
		ScaleDownCooldown:  cfg.ScaleDownCooldown,
	}, o.pool, o.queue.Len, o.bus, logger.Component(deps.Logger, "scaler"),
		scaler.WithClock(o.now),
		scaler.WithDecisionHook(func(d domain.ScalingDecision) {
			if d.ShouldScale {
				o.metrics.IncScaling(d.Direction, d.Applied)
			}
		}),
	)

	o.gate = admission.NewGate(validator, admission.NewRateLimiter(cfg.RateLimit))
	o.cache = cache.New(cfg.CacheMaxSize, cfg.CacheTTL, o.now)
	o.sched = scheduling.NewScheduler(logger.Component(deps.Logger, "scheduler"))
	return o, nil
}

// Bus returns the event bus the orchestrator publishes on.
func (o *Orchestrator) Bus() domain.EventBus { return o.bus }

// Metrics returns the metrics recorder.
func (o *Orchestrator) Metrics() metrics.Recorder { return o.metrics }

// Start creates the initial agents, schedules the maintenance loops and
// starts the queue dispatcher.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator: already started")
	}
	if o.closed.Load() {
		return domain.ErrShutdown
	}
	if err := o.pool.Init(ctx); err != nil {
		return fmt.Errorf("orchestrator: init pool: %w", err)
	}
	if err := o.schedule(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := o.sched.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("orchestrator: start scheduler: %w", err)
	}
	o.cancel = cancel
	o.running = true
	o.loops.Add(1)
	go o.dispatchLoop(runCtx)

	o.metrics.SetPool(o.pool.Snapshot(0))
	o.logger.Info("orchestrator started",
		"agents", o.pool.Size(),
		"strategy", o.cfg.LoadBalancingStrategy,
		"max_concurrent", o.cfg.MaxConcurrentAgents,
	)
	return nil
}

func (o *Orchestrator) schedule() error {
	o.sched.RegisterAction(scheduling.ActionHealthCheck, func(ctx context.Context) error {
		o.RunHealthCheck(ctx)
		return nil
	})
	o.sched.RegisterAction(scheduling.ActionAutoScale, func(ctx context.Context) error {
		_, err := o.RunScaling(ctx)
		return err
	})
	o.sched.RegisterAction(scheduling.ActionQueueDrain, func(context.Context) error {
		o.DrainQueue()
		return nil
	})
	o.sched.RegisterAction(scheduling.ActionQueueCleanup, func(context.Context) error {
		o.CleanupQueue()
		return nil
	})
	o.sched.RegisterAction(scheduling.ActionCacheSweep, func(context.Context) error {
		if n := o.cache.Sweep(); n > 0 {
			o.logger.Debug("cache swept", "expired", n)
		}
		return nil
	})
	o.sched.RegisterAction(scheduling.ActionRateLimitGC, func(context.Context) error {
		o.gate.Limiter().GC(o.now())
		return nil
	})

	cleanupEvery := o.cfg.MaxQueueAge / 2
	if cleanupEvery <= 0 {
		cleanupEvery = time.Second
	}
	tasks := []scheduling.ScheduledTask{
		{Name: "health", Action: scheduling.ActionHealthCheck, Schedule: scheduling.Every(o.cfg.HealthCheckInterval)},
		{Name: "scaling", Action: scheduling.ActionAutoScale, Schedule: scheduling.Every(o.cfg.ScalingInterval)},
		{Name: "drain", Action: scheduling.ActionQueueDrain, Schedule: scheduling.Every(o.cfg.DrainInterval), Quiet: true},
		{Name: "queue-cleanup", Action: scheduling.ActionQueueCleanup, Schedule: scheduling.Every(cleanupEvery), Quiet: true},
		{Name: "cache-sweep", Action: scheduling.ActionCacheSweep, Schedule: scheduling.Every(o.cfg.CacheSweepInterval), Quiet: true},
		{Name: "ratelimit-gc", Action: scheduling.ActionRateLimitGC, Schedule: scheduling.Every(admission.Window), Quiet: true},
	}
	for _, t := range tasks {
		if err := o.sched.AddTask(t); err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
	}
	return nil
}

// dispatchLoop hands freed capacity to queued requests.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.pool.Freed():
		case <-o.kick:
		}
		o.DrainQueue()
	}
}

func (o *Orchestrator) wake() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// RunHealthCheck probes every agent once.
func (o *Orchestrator) RunHealthCheck(ctx context.Context) health.Report {
	report := o.monitor.Check(ctx)
	o.metrics.SetPool(o.pool.Snapshot(o.queue.Len()))
	o.wake()
	return report
}

// RunScaling evaluates the scaling rules and applies at most one step.
func (o *Orchestrator) RunScaling(ctx context.Context) (domain.ScalingDecision, error) {
	d, err := o.scaler.Run(ctx)
	o.metrics.SetPool(o.pool.Snapshot(o.queue.Len()))
	if d.Applied && d.Direction == domain.ScaleUp {
		o.wake()
	}
	return d, err
}

// DrainQueue leases agents to queued requests until either runs out and
// returns how many requests it dispatched.
func (o *Orchestrator) DrainQueue() int {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	n := 0
	for o.queue.Len() > 0 {
		lease, ok := o.pool.Acquire()
		if !ok {
			break
		}
		item, expired := o.queue.Pop(o.now())
		o.expire(expired)
		if item == nil {
			lease.Return()
			break
		}
		if !item.Resolve(lease) {
			// The waiter gave up between Pop and Resolve.
			lease.Return()
			continue
		}
		n++
	}
	return n
}

// CleanupQueue fails every request that waited longer than MaxQueueAge and
// returns how many it removed.
func (o *Orchestrator) CleanupQueue() int {
	expired := o.queue.Expired(o.now())
	o.expire(expired)
	return len(expired)
}

func (o *Orchestrator) expire(items []*admission.Item[*pool.Lease]) {
	for _, it := range items {
		waited := o.now().Sub(it.QueuedAt)
		if !it.Reject(fmt.Errorf("%w after %s", domain.ErrQueueTimeout, waited.Round(time.Millisecond))) {
			continue
		}
		o.stats.queueTimeout()
		o.logger.Warn("queued request expired", "request_id", it.Request.ID, "waited", waited)
		domain.PublishEvent(context.Background(), o.bus, domain.EventQueueTimeout, domain.RequestEventPayload{
			RequestID:  it.Request.ID,
			UserID:     it.Request.UserID,
			DurationMs: waited.Milliseconds(),
			Code:       domain.CodeQueueTimeout,
		})
	}
}

// Shutdown stops the maintenance loops, refuses new work, fails every
// queued request with ErrShutdown, waits up to ShutdownGrace for active
// calls and then closes the pool and the event bus.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.closed.Swap(true) {
		return nil
	}
	o.mu.Lock()
	running := o.running
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	var errs []error
	if running {
		if err := o.sched.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
		cancel()
		o.loops.Wait()
	}

	rejected := 0
	for _, it := range o.queue.DrainAll() {
		if it.Reject(domain.ErrShutdown) {
			rejected++
		}
	}

	grace := o.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	waitCtx, stop := context.WithTimeout(ctx, grace)
	if err := o.pool.WaitIdle(waitCtx); err != nil {
		o.logger.Warn("shutdown grace expired with active calls", "active", o.pool.Busy(), "error", err)
	}
	stop()

	if err := o.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close pool: %w", err))
	}
	o.bus.Close()
	o.logger.Info("orchestrator stopped", "rejected_queued", rejected)
	return errors.Join(errs...)
}
