package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/domain"
	"relaycore/internal/infra/config"
	"relaycore/internal/usecase/cache"
)

type testCapability struct {
	id string
	f  *testFactory
}

func (c *testCapability) Execute(ctx context.Context, req domain.Request) (any, error) {
	c.f.calls.Add(1)
	c.f.mu.Lock()
	c.f.order = append(c.f.order, req.ID)
	exec := c.f.exec
	c.f.mu.Unlock()
	if exec != nil {
		return exec(ctx, c.id, req)
	}
	return map[string]any{"agent": c.id, "echo": req.Payload}, nil
}

func (c *testCapability) Probe(context.Context) bool {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	return !c.f.down[c.id]
}

type testFactory struct {
	calls atomic.Int32

	mu    sync.Mutex
	exec  func(ctx context.Context, agentID string, req domain.Request) (any, error)
	down  map[string]bool
	order []string
}

func (f *testFactory) create(_ context.Context, id string) (domain.Capability, error) {
	return &testCapability{id: id, f: f}, nil
}

func (f *testFactory) setDown(id string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down == nil {
		f.down = make(map[string]bool)
	}
	f.down[id] = down
}

func (f *testFactory) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// blockUntil makes every call wait for release or its context.
func blockUntil(release <-chan struct{}) func(context.Context, string, domain.Request) (any, error) {
	return func(ctx context.Context, agentID string, req domain.Request) (any, error) {
		select {
		case <-release:
			return "done:" + req.ID, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() config.OrchestratorConfig {
	cfg := config.Defaults().Orchestrator
	cfg.AgentPoolSize = 2
	cfg.MinAgents = 1
	cfg.MaxAgents = 4
	cfg.MaxConcurrentAgents = 4
	cfg.RateLimit = 0
	cfg.LoadBalancingStrategy = "round-robin"
	cfg.CallTimeout = time.Second
	cfg.MaxRetries = 0
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.UnhealthyThreshold = 2
	cfg.RecoveryThreshold = 1
	cfg.ShutdownGrace = 200 * time.Millisecond
	// Keep scheduled maintenance out of the way; tests drive it directly.
	cfg.HealthCheckInterval = time.Hour
	cfg.ScalingInterval = time.Hour
	cfg.DrainInterval = time.Hour
	cfg.CacheSweepInterval = time.Hour
	cfg.MaxQueueAge = 30 * time.Second
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg config.OrchestratorConfig, f *testFactory, mutate ...func(*Deps)) *Orchestrator {
	t.Helper()
	deps := Deps{Factory: f.create}
	for _, m := range mutate {
		m(&deps)
	}
	o, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func request(id string) domain.Request {
	return domain.Request{ID: id, Type: "chat", UserID: "u1", Payload: map[string]any{"message": "hello " + id}}
}

func waitQueueDepth(t *testing.T, o *Orchestrator, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return o.GetAgentPoolStatus().Snapshot.QueueDepth == n },
		time.Second, 5*time.Millisecond)
}

func TestNewRequiresFactory(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	cfg := testConfig()
	cfg.LoadBalancingStrategy = "random"
	_, err = New(cfg, Deps{Factory: (&testFactory{}).create})
	assert.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), &testFactory{})
	assert.Error(t, o.Start(context.Background()))
	assert.Equal(t, 2, o.GetAgentPoolStatus().Snapshot.TotalAgents)
}

func TestProcessRequestSuccess(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), &testFactory{})

	completed := make(chan domain.Event, 1)
	o.Bus().Subscribe(domain.EventRequestCompleted, func(_ context.Context, e domain.Event) {
		completed <- e
	})

	resp, err := o.ProcessRequest(context.Background(), request("r1"))
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.RequestID)
	assert.False(t, resp.FromCache)
	assert.NotEmpty(t, resp.AssignedAgent)
	assert.Zero(t, resp.RetryCount)

	select {
	case e := <-completed:
		assert.Contains(t, string(e.Payload), `"requestId":"r1"`)
	case <-time.After(time.Second):
		t.Fatal("request.completed not published")
	}

	stats := o.GetStatistics()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.SuccessfulRequests)
	assert.Zero(t, stats.ErrorRate)
}

func TestValidationAndRateLimitAreRejected(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 2
	f := &testFactory{}
	o := newTestOrchestrator(t, cfg, f)
	ctx := context.Background()

	_, err := o.ProcessRequest(ctx, domain.Request{ID: "bad", UserID: "u1"})
	require.ErrorIs(t, err, domain.ErrValidation)

	for i := range 2 {
		_, err := o.ProcessRequest(ctx, request(fmt.Sprintf("r%d", i)))
		require.NoError(t, err)
	}
	_, err = o.ProcessRequest(ctx, request("r3"))
	require.ErrorIs(t, err, domain.ErrRateLimit)

	stats := o.GetStatistics()
	assert.Equal(t, int64(2), stats.RejectedRequests)
	assert.Equal(t, int64(1), stats.ErrorsByCode[domain.CodeRateLimit])
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestConcurrentCacheableRequestsShareOneCall(t *testing.T) {
	cfg := testConfig()
	cfg.AgentPoolSize = 3
	release := make(chan struct{})
	f := &testFactory{exec: blockUntil(release)}
	o := newTestOrchestrator(t, cfg, f)

	var (
		wg    sync.WaitGroup
		resps [5]*domain.Response
		errs  [5]error
	)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := domain.Request{
				ID:       fmt.Sprintf("r%d", i),
				Type:     "chat",
				UserID:   "u1",
				Payload:  map[string]any{"message": "Same question"},
				Metadata: domain.Metadata{Cacheable: true},
			}
			resps[i], errs[i] = o.ProcessRequest(context.Background(), req)
		}()
	}
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	fromCache := 0
	for i := range 5 {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("r%d", i), resps[i].RequestID)
		assert.Equal(t, resps[0].Response, resps[i].Response)
		if resps[i].FromCache {
			fromCache++
		}
	}
	assert.Equal(t, 4, fromCache)

	// Later identical requests are served from the cache.
	resp, err := o.ProcessRequest(context.Background(), domain.Request{
		ID: "r9", Type: "chat", UserID: "u1",
		Payload:  map[string]any{"message": "  same QUESTION "},
		Metadata: domain.Metadata{Cacheable: true},
	})
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, int64(1), o.GetStatistics().CacheHits)
}

func TestFlightLeaderRechecksCache(t *testing.T) {
	f := &testFactory{}
	o := newTestOrchestrator(t, testConfig(), f)

	req := request("r1")
	req.Metadata.Cacheable = true
	key := cache.Key(req)
	// Simulates an earlier flight storing its result after this caller's lookup missed.
	o.cache.Set(key, "stored")

	resp, err := o.lead(context.Background(), key, req)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, "stored", resp.Response)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Zero(t, f.calls.Load(), "no agent call when the cache already holds the key")
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 5
	cfg.RecoveryTimeout = time.Hour
	f := &testFactory{exec: func(context.Context, string, domain.Request) (any, error) {
		return nil, errors.New("boom")
	}}
	o := newTestOrchestrator(t, cfg, f)
	ctx := context.Background()

	for i := range 5 {
		_, err := o.ProcessRequest(ctx, request(fmt.Sprintf("r%d", i)))
		require.ErrorIs(t, err, domain.ErrAgentExecution)
		assert.Equal(t, domain.CodeAgentExecution, domain.ErrorCodeOf(err))
	}

	_, err := o.ProcessRequest(ctx, request("r5"))
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.True(t, domain.NewFailure("r5", err).CircuitBreakerOpen)
	assert.Equal(t, int32(5), f.calls.Load())

	stats := o.GetStatistics()
	assert.Equal(t, int64(6), stats.FailedRequests)
	assert.Equal(t, int64(1), stats.CircuitRejections)
	require.Len(t, stats.Breakers, 1)
	assert.Equal(t, domain.BreakerOpen, stats.Breakers[0].State)

	h := o.GetHealthStatus()
	assert.Equal(t, domain.HealthDegraded, h.Components["breakers"])
	assert.NotEqual(t, domain.HealthHealthy, h.Status)

	// The refused call did not count against any agent.
	var total int64
	for _, a := range o.GetAgentPoolStatus().Agents {
		total += a.TotalRequests
		assert.True(t, a.IsAvailable)
	}
	assert.Equal(t, int64(5), total)
}

func TestRetriesTransientFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	var n atomic.Int32
	f := &testFactory{exec: func(_ context.Context, _ string, req domain.Request) (any, error) {
		if n.Add(1) <= 2 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	}}
	o := newTestOrchestrator(t, cfg, f)

	resp, err := o.ProcessRequest(context.Background(), request("r1"))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.RetryCount)
	assert.Equal(t, "ok", resp.Response)
	assert.Equal(t, int64(2), o.GetStatistics().Retries)
}

func TestRetriesStopAtMaxRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	f := &testFactory{exec: func(context.Context, string, domain.Request) (any, error) {
		return nil, errors.New("down")
	}}
	o := newTestOrchestrator(t, cfg, f)

	_, err := o.ProcessRequest(context.Background(), request("r1"))
	require.ErrorIs(t, err, domain.ErrAgentExecution)
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestNonRetryableCapabilityError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	f := &testFactory{exec: func(context.Context, string, domain.Request) (any, error) {
		return nil, fmt.Errorf("malformed prompt: %w", domain.ErrValidation)
	}}
	o := newTestOrchestrator(t, cfg, f)

	_, err := o.ProcessRequest(context.Background(), request("r1"))
	require.ErrorIs(t, err, domain.ErrAgentExecution)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, int64(1), o.GetStatistics().FailedRequests)
}

func TestCallTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	f := &testFactory{exec: func(context.Context, string, domain.Request) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	}}
	o := newTestOrchestrator(t, cfg, f)

	start := time.Now()
	_, err := o.ProcessRequest(context.Background(), request("r1"))
	require.ErrorIs(t, err, domain.ErrCallTimeout)
	assert.Equal(t, domain.CodeCallTimeout, domain.ErrorCodeOf(err))
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestCapabilityPanicIsAnExecutionFailure(t *testing.T) {
	f := &testFactory{exec: func(context.Context, string, domain.Request) (any, error) {
		panic("kaboom")
	}}
	o := newTestOrchestrator(t, testConfig(), f)

	_, err := o.ProcessRequest(context.Background(), request("r1"))
	require.ErrorIs(t, err, domain.ErrAgentExecution)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestFallback(t *testing.T) {
	failing := func(context.Context, string, domain.Request) (any, error) { return nil, errors.New("boom") }

	t.Run("succeeds", func(t *testing.T) {
		o := newTestOrchestrator(t, testConfig(), &testFactory{exec: failing}, func(d *Deps) {
			d.Fallback = func(_ context.Context, req domain.Request, cause error) (any, error) {
				assert.ErrorIs(t, cause, domain.ErrAgentExecution)
				return "degraded:" + req.ID, nil
			}
		})
		resp, err := o.ProcessRequest(context.Background(), request("r1"))
		require.NoError(t, err)
		assert.True(t, resp.FallbackUsed)
		assert.Equal(t, "degraded:r1", resp.Response)
		assert.Equal(t, int64(1), o.GetStatistics().FallbacksUsed)
	})

	t.Run("fails", func(t *testing.T) {
		o := newTestOrchestrator(t, testConfig(), &testFactory{exec: failing}, func(d *Deps) {
			d.Fallback = func(context.Context, domain.Request, error) (any, error) {
				return nil, errors.New("no fallback data")
			}
		})
		_, err := o.ProcessRequest(context.Background(), request("r1"))
		var fe *domain.FallbackError
		require.ErrorAs(t, err, &fe)
		failure := domain.NewFailure("r1", err)
		assert.True(t, failure.FallbackUsed)
		assert.Equal(t, domain.CodeAgentExecution, failure.Code)
	})
}

func singleAgentConfig() config.OrchestratorConfig {
	cfg := testConfig()
	cfg.AgentPoolSize = 1
	cfg.MinAgents = 1
	cfg.MaxAgents = 1
	cfg.MaxConcurrentAgents = 1
	return cfg
}

func TestQueueFull(t *testing.T) {
	cfg := singleAgentConfig()
	cfg.MaxQueueSize = 1
	release := make(chan struct{})
	f := &testFactory{exec: blockUntil(release)}
	o := newTestOrchestrator(t, cfg, f)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = o.ProcessRequest(context.Background(), request(fmt.Sprintf("r%d", i)))
		}()
		if i == 0 {
			require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		}
	}
	waitQueueDepth(t, o, 1)

	_, err := o.ProcessRequest(context.Background(), request("r2"))
	require.ErrorIs(t, err, domain.ErrQueueFull)

	close(release)
	wg.Wait()
	assert.NoError(t, results[0])
	assert.NoError(t, results[1])

	stats := o.GetStatistics()
	assert.Equal(t, int64(1), stats.QueuedRequests)
	assert.Equal(t, int64(1), stats.RejectedRequests)
	assert.Equal(t, int64(2), stats.SuccessfulRequests)
}

func TestQueuedRequestsDispatchByPriority(t *testing.T) {
	cfg := singleAgentConfig()
	release := make(chan struct{})
	f := &testFactory{exec: blockUntil(release)}
	o := newTestOrchestrator(t, cfg, f)

	var wg sync.WaitGroup
	submit := func(id string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := request(id)
			req.Metadata.Priority = priority
			_, err := o.ProcessRequest(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	submit("first", 0)
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	submit("low", 0)
	waitQueueDepth(t, o, 1)
	submit("high", 5)
	waitQueueDepth(t, o, 2)
	submit("mid", 1)
	waitQueueDepth(t, o, 3)

	close(release)
	wg.Wait()
	assert.Equal(t, []string{"first", "high", "mid", "low"}, f.executed())
}

func TestQueueTimeout(t *testing.T) {
	cfg := singleAgentConfig()
	clk := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	release := make(chan struct{})
	f := &testFactory{exec: blockUntil(release)}
	o := newTestOrchestrator(t, cfg, f, func(d *Deps) { d.Clock = clk.Now })

	go func() { _, _ = o.ProcessRequest(context.Background(), request("busy")) }()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := o.ProcessRequest(context.Background(), request("waiting"))
		errCh <- err
	}()
	waitQueueDepth(t, o, 1)

	assert.Zero(t, o.CleanupQueue())
	clk.Advance(cfg.MaxQueueAge + time.Second)
	assert.Equal(t, 1, o.CleanupQueue())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, domain.ErrQueueTimeout)
		assert.Equal(t, domain.CodeQueueTimeout, domain.ErrorCodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("queued request was not expired")
	}
	close(release)
	assert.Equal(t, int64(1), o.GetStatistics().QueueTimeouts)
}

func TestCancelWhileQueued(t *testing.T) {
	cfg := singleAgentConfig()
	release := make(chan struct{})
	defer close(release)
	f := &testFactory{exec: blockUntil(release)}
	o := newTestOrchestrator(t, cfg, f)

	go func() { _, _ = o.ProcessRequest(context.Background(), request("busy")) }()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := o.ProcessRequest(ctx, request("waiting"))
		errCh <- err
	}()
	waitQueueDepth(t, o, 1)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled request did not return")
	}
	assert.Zero(t, o.GetAgentPoolStatus().Snapshot.QueueDepth)
}

func TestScalesOnceWithinCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.AgentPoolSize = 2
	cfg.MinAgents = 2
	cfg.MaxAgents = 5
	cfg.MaxConcurrentAgents = 5
	cfg.QueueDepthTrigger = 1
	cfg.ScaleUpCooldown = time.Hour
	clk := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	release := make(chan struct{})
	f := &testFactory{exec: blockUntil(release)}
	o := newTestOrchestrator(t, cfg, f, func(d *Deps) { d.Clock = clk.Now })

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.ProcessRequest(context.Background(), request(fmt.Sprintf("r%d", i)))
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	waitQueueDepth(t, o, 2)

	first, err := o.RunScaling(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Equal(t, domain.ScaleUp, first.Direction)

	second, err := o.RunScaling(context.Background())
	require.NoError(t, err)
	assert.True(t, second.ShouldScale)
	assert.True(t, second.Blocked)
	assert.False(t, second.Applied)
	assert.Contains(t, second.BlockReason, "cooldown")
	assert.Equal(t, 3, o.GetAgentPoolStatus().Snapshot.TotalAgents)

	close(release)
	wg.Wait()
	last := o.GetStatistics().LastScaling
	require.NotNil(t, last)
	assert.True(t, last.Blocked)
}

func TestUnhealthyAgentExcludedThenReadmitted(t *testing.T) {
	f := &testFactory{}
	o := newTestOrchestrator(t, testConfig(), f)
	ctx := context.Background()

	agents := o.GetAgentPoolStatus().Agents
	require.Len(t, agents, 2)
	sick, well := agents[0].ID, agents[1].ID

	f.setDown(sick, true)
	o.RunHealthCheck(ctx)
	o.RunHealthCheck(ctx)
	status, ok := o.pool.Agent(sick)
	require.True(t, ok)
	require.False(t, status.IsHealthy)
	assert.Equal(t, domain.HealthDegraded, o.GetHealthStatus().Components["pool"])

	for i := range 4 {
		resp, err := o.ProcessRequest(ctx, request(fmt.Sprintf("a%d", i)))
		require.NoError(t, err)
		assert.Equal(t, well, resp.AssignedAgent)
	}

	f.setDown(sick, false)
	report := o.RunHealthCheck(ctx)
	assert.Len(t, report.Agents, 2)

	seen := map[string]bool{}
	for i := range 4 {
		resp, err := o.ProcessRequest(ctx, request(fmt.Sprintf("b%d", i)))
		require.NoError(t, err)
		seen[resp.AssignedAgent] = true
	}
	assert.True(t, seen[sick], "recovered agent receives work again")
	assert.True(t, seen[well])
}

func TestHealthStatus(t *testing.T) {
	f := &testFactory{}
	o := newTestOrchestrator(t, testConfig(), f)

	h := o.GetHealthStatus()
	assert.Equal(t, domain.HealthHealthy, h.Status)
	assert.InDelta(t, 1.0, h.Score, 1e-9)
	assert.InDelta(t, 1.0, h.AgentAvailability, 1e-9)

	for _, a := range o.GetAgentPoolStatus().Agents {
		f.setDown(a.ID, true)
	}
	o.RunHealthCheck(context.Background())
	o.RunHealthCheck(context.Background())

	h = o.GetHealthStatus()
	assert.Equal(t, domain.HealthUnhealthy, h.Status)
	assert.Equal(t, domain.HealthUnhealthy, h.Components["pool"])
	assert.Zero(t, h.AgentAvailability)
}

func TestHealthLabels(t *testing.T) {
	assert.Equal(t, domain.HealthHealthy, labelFor(0.8))
	assert.Equal(t, domain.HealthDegraded, labelFor(0.79))
	assert.Equal(t, domain.HealthDegraded, labelFor(0.5))
	assert.Equal(t, domain.HealthUnhealthy, labelFor(0.49))

	assert.Equal(t, domain.HealthHealthy, queueLabel(0, 0))
	assert.Equal(t, domain.HealthHealthy, queueLabel(7, 10))
	assert.Equal(t, domain.HealthDegraded, queueLabel(8, 10))
	assert.Equal(t, domain.HealthUnhealthy, queueLabel(10, 10))
}

func TestProcessBatch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 3
	o := newTestOrchestrator(t, cfg, &testFactory{})
	ctx := context.Background()

	_, err := o.ProcessBatch(ctx, nil)
	require.ErrorIs(t, err, domain.ErrBatchTooLarge)
	_, err = o.ProcessBatch(ctx, []domain.Request{request("a"), request("b"), request("c"), request("d")})
	require.ErrorIs(t, err, domain.ErrBatchTooLarge)

	res, err := o.ProcessBatch(ctx, []domain.Request{
		request("a"),
		{ID: "bad", Type: "chat", UserID: "u1"},
		request("c"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Items, 3)
	assert.Equal(t, "a", res.Items[0].RequestID)
	require.NotNil(t, res.Items[0].Response)
	require.NotNil(t, res.Items[1].Failure)
	assert.Equal(t, domain.CodeValidation, res.Items[1].Failure.Code)
	assert.Equal(t, "c", res.Items[2].Response.RequestID)
}

func TestShutdown(t *testing.T) {
	cfg := singleAgentConfig()
	cfg.ShutdownGrace = 50 * time.Millisecond
	release := make(chan struct{})
	f := &testFactory{exec: blockUntil(release)}
	o, err := New(cfg, Deps{Factory: f.create})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	go func() { _, _ = o.ProcessRequest(context.Background(), request("busy")) }()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := o.ProcessRequest(context.Background(), request("queued"))
		errCh <- err
	}()
	waitQueueDepth(t, o, 1)

	require.NoError(t, o.Shutdown(context.Background()))
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("queued request not rejected")
	}

	_, err = o.ProcessRequest(context.Background(), request("late"))
	assert.ErrorIs(t, err, domain.ErrShutdown)
	assert.NoError(t, o.Shutdown(context.Background()))
	assert.Error(t, o.Start(context.Background()))
}

func TestBackoffBounds(t *testing.T) {
	o := &Orchestrator{cfg: config.OrchestratorConfig{RetryBaseDelay: 100 * time.Millisecond, RetryMaxDelay: time.Second}}
	for attempt := range 10 {
		d := o.backoff(attempt)
		assert.GreaterOrEqual(t, d, min(100*time.Millisecond<<attempt, time.Second))
		assert.LessOrEqual(t, d, time.Second)
	}
	o.cfg.RetryBaseDelay = 0
	assert.Zero(t, o.backoff(3))
}
