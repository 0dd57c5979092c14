package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/IshaanNene/seocrawl/internal/config"
)

// RateLimiter paces requests to a single host with a token bucket of burst
// one, so requests are spaced by the current delay even when callers share
// the limiter. Failures stretch the delay and successes shrink it back.
type RateLimiter struct {
	limiter *rate.Limiter

	mu         sync.Mutex
	floor      time.Duration
	maxBackoff time.Duration
	factor     float64
	penalty    int

	// now and sleep replace the wall clock in tests. When sleep is nil Wait
	// blocks in the limiter itself.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter whose delay never drops below delay or
// config.MinRequestDelay.
func NewRateLimiter(delay time.Duration, cfg config.RateLimitConfig) *RateLimiter {
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	maxBackoff := cfg.MaxBackoff
	floor := max(delay, config.MinRequestDelay)
	if maxBackoff < floor {
		maxBackoff = floor
	}
	return &RateLimiter{
		limiter:    rate.NewLimiter(rate.Every(floor), 1),
		floor:      floor,
		maxBackoff: maxBackoff,
		factor:     factor,
		now:        time.Now,
	}
}

// Wait blocks until the next request may be sent, or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.sleep == nil {
		return rl.limiter.Wait(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := rl.now()
	r := rl.limiter.ReserveN(now, 1)
	d := r.DelayFrom(now)
	if d <= 0 {
		return nil
	}
	if err := rl.sleep(ctx, d); err != nil {
		r.CancelAt(rl.now())
		return err
	}
	return nil
}

// ReportSuccess decays the failure penalty by one step.
func (rl *RateLimiter) ReportSuccess() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.penalty > 0 {
		rl.penalty--
		rl.applyLocked()
	}
}

// ReportFailure increases the delay exponentially up to the configured cap.
func (rl *RateLimiter) ReportFailure() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.delayLocked() < rl.maxBackoff {
		rl.penalty++
		rl.applyLocked()
	}
}

// SetMinDelayFromRobots raises the floor to a site-declared crawl delay. A
// smaller value is ignored.
func (rl *RateLimiter) SetMinDelayFromRobots(d time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if d > rl.floor {
		rl.floor = d
		if rl.maxBackoff < d {
			rl.maxBackoff = d
		}
		rl.applyLocked()
	}
}

// Delay returns the current effective interval between requests.
func (rl *RateLimiter) Delay() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.delayLocked()
}

func (rl *RateLimiter) applyLocked() {
	rl.limiter.SetLimitAt(rl.now(), rate.Every(rl.delayLocked()))
}

func (rl *RateLimiter) delayLocked() time.Duration {
	if rl.penalty == 0 {
		return rl.floor
	}
	d := float64(rl.floor) * math.Pow(rl.factor, float64(rl.penalty))
	if d > float64(rl.maxBackoff) {
		return rl.maxBackoff
	}
	return time.Duration(d)
}
