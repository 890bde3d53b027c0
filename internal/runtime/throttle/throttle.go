// Package throttle adapts the number of concurrent receive loops to broker
// throttling feedback.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultMax               = 16
	DefaultDecreaseThreshold = 3
	DefaultIncreaseThreshold = 10
	DefaultCooldown          = time.Second
)

// Config tunes a Controller. Zero values fall back to the defaults above.
type Config struct {
	Max               int
	Initial           int
	DecreaseThreshold int
	IncreaseThreshold int
	// Cooldown pauses Acquire after a decrease. Negative disables it.
	Cooldown time.Duration

	// ReceiveRate caps receives per second at full degree. The limit scales
	// linearly with the current degree. Zero disables the limiter.
	ReceiveRate float64

	// Capacity bounds increases, e.g. by the number of sessions with pending
	// messages. Nil or non-positive results mean Max.
	Capacity func() int

	// OnChange is called with the new state after every degree change.
	OnChange func(State)
}

func (c Config) withDefaults() Config {
	if c.Max <= 0 {
		c.Max = DefaultMax
	}
	if c.Initial <= 0 || c.Initial > c.Max {
		c.Initial = c.Max
	}
	if c.DecreaseThreshold <= 0 {
		c.DecreaseThreshold = DefaultDecreaseThreshold
	}
	if c.IncreaseThreshold <= 0 {
		c.IncreaseThreshold = DefaultIncreaseThreshold
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	} else if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// State is a snapshot of the controller counters.
type State struct {
	Degree               int
	ConsecutiveSuccesses int
	ConsecutiveThrottles int
}

// Controller owns the concurrency degree. It is safe for concurrent use.
type Controller struct {
	cfg Config

	mu            sync.Mutex
	state         State
	inFlight      int
	cooldownUntil time.Time
	changed       chan struct{}

	limiter *rate.Limiter
	now     func() time.Time
}

// New returns a controller starting at cfg.Initial.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:     cfg,
		state:   State{Degree: cfg.Initial},
		changed: make(chan struct{}),
		now:     time.Now,
	}
	if cfg.ReceiveRate > 0 {
		c.limiter = rate.NewLimiter(c.limitFor(cfg.Initial), cfg.Initial)
	}
	return c
}

// Acquire blocks until a slot below the current degree is free and no cooldown
// is active. The returned release func must be called exactly once.
func (c *Controller) Acquire(ctx context.Context) (func(), error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.mu.Lock()
		wait := c.cooldownUntil.Sub(c.now())
		if wait <= 0 && c.inFlight < c.state.Degree {
			c.inFlight++
			c.mu.Unlock()
			if err := c.waitRate(ctx); err != nil {
				c.release()
				return nil, err
			}
			var once sync.Once
			return func() { once.Do(c.release) }, nil
		}
		changed := c.changed
		c.mu.Unlock()

		var timer *time.Timer
		var fired <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fired = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-changed:
		case <-fired:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *Controller) waitRate(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Controller) release() {
	c.mu.Lock()
	c.inFlight--
	c.signalLocked()
	c.mu.Unlock()
}

// Record feeds the outcome of one broker operation into the controller.
// Capacity is consulted outside the lock, only when a success may raise the
// degree.
func (c *Controller) Record(throttled bool) {
	capacity, known := 0, c.cfg.Capacity == nil
	if !throttled && !known && c.increaseDue() {
		capacity, known = c.cfg.Capacity(), true
	}

	c.mu.Lock()
	before := c.state.Degree
	if throttled {
		c.recordThrottleLocked()
	} else {
		c.recordSuccessLocked(capacity, known)
	}
	snapshot := c.state
	changed := snapshot.Degree != before
	if changed {
		if c.limiter != nil {
			c.limiter.SetLimit(c.limitFor(snapshot.Degree))
			c.limiter.SetBurst(snapshot.Degree)
		}
		c.signalLocked()
	}
	c.mu.Unlock()

	if changed && c.cfg.OnChange != nil {
		c.cfg.OnChange(snapshot)
	}
}

func (c *Controller) recordThrottleLocked() {
	c.state.ConsecutiveSuccesses = 0
	c.state.ConsecutiveThrottles++
	if c.state.ConsecutiveThrottles < c.cfg.DecreaseThreshold {
		return
	}
	c.state.ConsecutiveThrottles = 0
	c.state.Degree = max(1, c.state.Degree/2)
	c.cooldownUntil = c.now().Add(c.cfg.Cooldown)
}

// increaseDue reports whether the next success reaches the increase threshold.
func (c *Controller) increaseDue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ConsecutiveSuccesses+1 >= c.cfg.IncreaseThreshold
}

// recordSuccessLocked counts a success. Without a known capacity the counter
// stays at the threshold so the next success fetches one and increases.
func (c *Controller) recordSuccessLocked(capacity int, known bool) {
	c.state.ConsecutiveThrottles = 0
	c.state.ConsecutiveSuccesses++
	if c.state.ConsecutiveSuccesses < c.cfg.IncreaseThreshold {
		return
	}
	if !known {
		c.state.ConsecutiveSuccesses = c.cfg.IncreaseThreshold - 1
		return
	}
	c.state.ConsecutiveSuccesses = 0
	if c.state.Degree < c.ceiling(capacity) {
		c.state.Degree++
	}
}

// ceiling is min(Max, capacity) and never below 1. A non-positive capacity
// means Max.
func (c *Controller) ceiling(capacity int) int {
	limit := c.cfg.Max
	if capacity > 0 && capacity < limit {
		limit = capacity
	}
	return max(1, limit)
}

func (c *Controller) limitFor(degree int) rate.Limit {
	return rate.Limit(c.cfg.ReceiveRate * float64(degree) / float64(c.cfg.Max))
}

func (c *Controller) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// State returns a snapshot of the counters.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Degree returns the current concurrency degree.
func (c *Controller) Degree() int {
	return c.State().Degree
}

// InFlight returns the number of acquired slots.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Max returns the configured upper bound.
func (c *Controller) Max() int {
	return c.cfg.Max
}
