package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IshaanNene/seocrawl/internal/config"
)

// fakeClock drives a RateLimiter without real sleeping. Sleeping advances
// the clock.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) install(rl *RateLimiter) {
	rl.now = func() time.Time { return c.now }
	rl.sleep = func(_ context.Context, d time.Duration) error {
		c.sleeps = append(c.sleeps, d)
		c.now = c.now.Add(d)
		return nil
	}
}

func TestRateLimiterFloor(t *testing.T) {
	rl := NewRateLimiter(200*time.Millisecond, config.RateLimitConfig{MaxBackoff: time.Minute, BackoffFactor: 2})
	assert.Equal(t, config.MinRequestDelay, rl.Delay())

	rl = NewRateLimiter(1500*time.Millisecond, config.RateLimitConfig{MaxBackoff: time.Minute, BackoffFactor: 2})
	assert.Equal(t, 1500*time.Millisecond, rl.Delay())
}

func TestRateLimiterSpacesRequests(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(time.Second, config.RateLimitConfig{MaxBackoff: time.Minute, BackoffFactor: 2})
	clock.install(rl)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, rl.Wait(ctx))
	}
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, clock.sleeps)

	// Time spent elsewhere counts toward the interval.
	clock.sleeps = nil
	clock.now = clock.now.Add(1500 * time.Millisecond)
	require.NoError(t, rl.Wait(ctx))
	assert.Empty(t, clock.sleeps)
}

func TestRateLimiterBackoffAndDecay(t *testing.T) {
	rl := NewRateLimiter(time.Second, config.RateLimitConfig{MaxBackoff: 8 * time.Second, BackoffFactor: 2})

	rl.ReportFailure()
	assert.Equal(t, 2*time.Second, rl.Delay())
	rl.ReportFailure()
	assert.Equal(t, 4*time.Second, rl.Delay())
	rl.ReportFailure()
	assert.Equal(t, 8*time.Second, rl.Delay())
	rl.ReportFailure()
	rl.ReportFailure()
	assert.Equal(t, 8*time.Second, rl.Delay(), "capped at max backoff")

	rl.ReportSuccess()
	assert.Equal(t, 4*time.Second, rl.Delay(), "failures past the cap do not accumulate")
	rl.ReportSuccess()
	rl.ReportSuccess()
	assert.Equal(t, time.Second, rl.Delay())
	rl.ReportSuccess()
	assert.Equal(t, time.Second, rl.Delay(), "never decays below the floor")
}

func TestRateLimiterBackoffStretchesSpacing(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(time.Second, config.RateLimitConfig{MaxBackoff: 8 * time.Second, BackoffFactor: 2})
	clock.install(rl)
	ctx := context.Background()

	require.NoError(t, rl.Wait(ctx))
	rl.ReportFailure()
	require.NoError(t, rl.Wait(ctx))
	rl.ReportSuccess()
	require.NoError(t, rl.Wait(ctx))

	assert.Equal(t, []time.Duration{2 * time.Second, time.Second}, clock.sleeps)
}

func TestRateLimiterRobotsFloor(t *testing.T) {
	rl := NewRateLimiter(time.Second, config.RateLimitConfig{MaxBackoff: 8 * time.Second, BackoffFactor: 2})

	rl.SetMinDelayFromRobots(500 * time.Millisecond)
	assert.Equal(t, time.Second, rl.Delay(), "smaller robots delay is ignored")

	rl.SetMinDelayFromRobots(3 * time.Second)
	assert.Equal(t, 3*time.Second, rl.Delay())

	rl.ReportFailure()
	rl.ReportFailure()
	assert.Equal(t, 8*time.Second, rl.Delay())

	rl.SetMinDelayFromRobots(20 * time.Second)
	assert.Equal(t, 20*time.Second, rl.Delay(), "cap is raised with the floor")
}

func TestRateLimiterWaitHonorsContext(t *testing.T) {
	rl := NewRateLimiter(time.Second, config.RateLimitConfig{MaxBackoff: time.Minute, BackoffFactor: 2})
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, rl.Wait(ctx), context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
