package scaler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/domain"
)

type fakeTarget struct {
	total, busy int
	min, max    int
	grows       int
	shrinks     int
	growErr     error
}

func (f *fakeTarget) Snapshot(queueDepth int) domain.PoolSnapshot {
	s := domain.PoolSnapshot{TotalAgents: f.total, BusyAgents: f.busy, QueueDepth: queueDepth, MinAgents: f.min, MaxAgents: f.max}
	if f.total > 0 {
		s.Utilization = float64(f.busy) / float64(f.total)
	}
	return s
}

func (f *fakeTarget) Grow(context.Context) (domain.AgentStatus, error) {
	if f.growErr != nil {
		return domain.AgentStatus{}, f.growErr
	}
	f.grows++
	f.total++
	return domain.AgentStatus{ID: "new"}, nil
}

func (f *fakeTarget) Shrink(context.Context) (string, error) {
	f.shrinks++
	f.total--
	return "old", nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var testCfg = Config{
	ScaleUpThreshold:   0.8,
	ScaleDownThreshold: 0.3,
	QueueDepthTrigger:  5,
	ScaleUpCooldown:    60 * time.Second,
	ScaleDownCooldown:  300 * time.Second,
}

func newTestScaler(target *fakeTarget, depth *int, c *clock) *Scaler {
	return New(testCfg, target, func() int { return *depth }, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(c.now))
}

func TestScaleUpOnceWithinCooldown(t *testing.T) {
	target := &fakeTarget{total: 20, busy: 19, min: 1, max: 30} // 0.95
	depth := 0
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestScaler(target, &depth, c)

	d, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Applied)
	assert.Equal(t, domain.ScaleUp, d.Direction)
	assert.Equal(t, 1, target.grows)

	target.busy = 21 // still above threshold
	c.advance(10 * time.Second)
	d, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, d.ShouldScale)
	assert.True(t, d.Blocked)
	assert.Contains(t, d.BlockReason, "cooldown")
	assert.Equal(t, 1, target.grows)

	c.advance(60 * time.Second)
	d, _ = s.Run(context.Background())
	assert.True(t, d.Applied)
	assert.Equal(t, 2, target.grows)
}

func TestScaleUpBlockedAtMax(t *testing.T) {
	target := &fakeTarget{total: 3, busy: 3, min: 1, max: 3}
	depth := 0
	s := newTestScaler(target, &depth, &clock{t: time.Now()})

	d, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	assert.Contains(t, d.BlockReason, "max_agents")
	assert.Zero(t, target.grows)
}

func TestScaleUpOnQueueDepth(t *testing.T) {
	target := &fakeTarget{total: 4, busy: 2, min: 1, max: 10} // 0.5
	depth := 6
	s := newTestScaler(target, &depth, &clock{t: time.Now()})

	d := s.Evaluate()
	assert.Equal(t, domain.ScaleUp, d.Direction)
	assert.Contains(t, d.Reason, "queue depth")
	assert.Zero(t, target.grows, "Evaluate never acts")
}

func TestScaleDownNeedsEmptyQueue(t *testing.T) {
	target := &fakeTarget{total: 4, busy: 0, min: 1, max: 10}
	depth := 1
	c := &clock{t: time.Now()}
	s := newTestScaler(target, &depth, c)

	d, _ := s.Run(context.Background())
	assert.False(t, d.ShouldScale)
	assert.Zero(t, target.shrinks)

	depth = 0
	d, _ = s.Run(context.Background())
	assert.True(t, d.Applied)
	assert.Equal(t, domain.ScaleDown, d.Direction)
	assert.Equal(t, 1, target.shrinks)

	c.advance(time.Minute)
	d, _ = s.Run(context.Background())
	assert.True(t, d.Blocked, "scale-down cooldown is separate and longer")
	assert.Equal(t, 1, target.shrinks)
}

func TestScaleDownBlockedAtMin(t *testing.T) {
	target := &fakeTarget{total: 1, busy: 0, min: 1, max: 10}
	depth := 0
	s := newTestScaler(target, &depth, &clock{t: time.Now()})

	d, _ := s.Run(context.Background())
	assert.True(t, d.Blocked)
	assert.Contains(t, d.BlockReason, "min_agents")
}

func TestCooldownsAreIndependent(t *testing.T) {
	target := &fakeTarget{total: 4, busy: 4, min: 1, max: 10}
	depth := 0
	c := &clock{t: time.Now()}
	s := newTestScaler(target, &depth, c)

	d, _ := s.Run(context.Background())
	require.True(t, d.Applied)

	target.busy = 0
	c.advance(time.Second)
	d, _ = s.Run(context.Background())
	assert.True(t, d.Applied, "a recent scale-up does not block scale-down")
	assert.Equal(t, domain.ScaleDown, d.Direction)
}

func TestGrowErrorIsReported(t *testing.T) {
	target := &fakeTarget{total: 2, busy: 2, min: 1, max: 10, growErr: errors.New("factory down")}
	depth := 0
	s := newTestScaler(target, &depth, &clock{t: time.Now()})

	d, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, d.Blocked)
	assert.False(t, d.Applied)
	assert.Contains(t, d.BlockReason, "factory down")

	// A failed attempt does not start the cooldown.
	target.growErr = nil
	d, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Applied)
}

func TestHistoryIsBounded(t *testing.T) {
	target := &fakeTarget{total: 4, busy: 2, min: 1, max: 10}
	depth := 0
	var hooked int
	s := New(testCfg, target, func() int { return depth }, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)), WithDecisionHook(func(domain.ScalingDecision) { hooked++ }))

	_, ok := s.Last()
	assert.False(t, ok)
	for i := 0; i < historySize+10; i++ {
		_, _ = s.Run(context.Background())
	}
	assert.Len(t, s.History(), historySize)
	assert.Equal(t, historySize+10, hooked)
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, "within thresholds", last.Reason)
}
