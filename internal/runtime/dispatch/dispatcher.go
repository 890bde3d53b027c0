// Package dispatch receives envelopes from a subscription and routes them to the
// handlers registered for their type tag.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	codecpkg "github.com/drblury/eventflow/internal/runtime/codec"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	"github.com/drblury/eventflow/internal/runtime/telemetry"
	"github.com/drblury/eventflow/internal/runtime/throttle"
	"github.com/drblury/eventflow/transport"
)

const (
	DefaultSessionIdleTimeout = 5 * time.Second
	DefaultSettleTimeout      = 10 * time.Second
	defaultMaxDelivery        = 10
	defaultLockDuration       = 30 * time.Second
)

// Config controls one dispatcher.
type Config struct {
	Subscription transport.Subscription
	// Throttle configures the controller when Dependencies.Throttle is nil.
	Throttle throttle.Config
	// SessionIdleTimeout ends a session drain when no message arrives in time.
	SessionIdleTimeout time.Duration
	// LockRenewInterval renews the delivery lock while a handler runs. Zero
	// disables renewal.
	LockRenewInterval time.Duration
	// SettleTimeout bounds Complete, Abandon and DeadLetter calls, which run on a
	// context detached from shutdown.
	SettleTimeout time.Duration
	// HandleTimeout bounds one handler invocation. Handlers run on a context
	// detached from shutdown, so zero lets an in-flight handler run to the end.
	HandleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.Subscription = c.Subscription.WithDefaults(defaultMaxDelivery, defaultLockDuration)
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = DefaultSettleTimeout
	}
	if c.LockRenewInterval < 0 {
		c.LockRenewInterval = 0
	}
	if c.HandleTimeout < 0 {
		c.HandleTimeout = 0
	}
	return c
}

// Dependencies holds the optional collaborators of a dispatcher.
type Dependencies struct {
	Serializer *codecpkg.Serializer
	Logger     loggingpkg.ServiceLogger
	Metrics    *telemetry.Metrics
	Throttle   *throttle.Controller
	// Middlewares are appended after the default chain.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
}

// Dispatcher runs receive loops against one subscription.
type Dispatcher struct {
	bus        transport.Bus
	registry   *Registry
	serializer *codecpkg.Serializer
	logger     loggingpkg.ServiceLogger
	metrics    *telemetry.Metrics
	throttle   *throttle.Controller
	cfg        Config

	middlewares []Middleware

	statesMu sync.RWMutex
	states   map[int]LoopState

	running sync.Mutex
}

// New validates the configuration and builds the middleware chain.
func New(bus transport.Bus, registry *Registry, cfg Config, deps Dependencies) (*Dispatcher, error) {
	if bus == nil {
		return nil, errspkg.ErrBusRequired
	}
	if registry == nil {
		return nil, fmt.Errorf("dispatch: registry is required: %w", errspkg.ErrHandlerRequired)
	}
	if err := cfg.Subscription.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}

	d := &Dispatcher{
		bus:        bus,
		registry:   registry,
		serializer: deps.Serializer,
		logger:     loggingpkg.Component(logger, "dispatcher").With(loggingpkg.LogFields{"subscription": cfg.Subscription.Key()}),
		metrics:    deps.Metrics,
		cfg:        cfg,
		states:     make(map[int]LoopState),
	}

	d.throttle = deps.Throttle
	if d.throttle == nil {
		tc := cfg.Throttle
		if tc.Capacity == nil {
			tc.Capacity = d.capacity
		}
		d.throttle = throttle.New(tc)
	}
	d.metrics.SetThrottleDegree(cfg.Subscription.Key(), d.throttle.Degree())

	var registrations []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		registrations = append(registrations, DefaultMiddlewares()...)
	}
	registrations = append(registrations, deps.Middlewares...)
	for _, reg := range registrations {
		mw, err := reg.build(d)
		if err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return nil, fmt.Errorf("dispatch: middleware %s: %w", name, err)
		}
		if mw != nil {
			d.middlewares = append(d.middlewares, mw)
		}
	}

	return d, nil
}

// capacity bounds the degree of session subscriptions by the number of sessions
// with pending messages.
func (d *Dispatcher) capacity() int {
	if !d.cfg.Subscription.SessionEnabled {
		return 0
	}
	counter, ok := d.bus.(transport.SessionCounter)
	if !ok {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := counter.ActiveSessions(ctx, d.cfg.Subscription)
	if err != nil {
		return 0
	}
	return max(1, n)
}

// Subscription returns the effective subscription.
func (d *Dispatcher) Subscription() transport.Subscription {
	return d.cfg.Subscription
}

// Throttle returns the controller driving the loops.
func (d *Dispatcher) Throttle() *throttle.Controller {
	return d.throttle
}

// Run subscribes and runs Max loops until ctx is cancelled. The throttle degree
// bounds how many of them hold a delivery or session at once. Run returns nil on
// cancellation and an error when the bus closes underneath it.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.TryLock() {
		return errors.New("dispatch: dispatcher is already running")
	}
	defer d.running.Unlock()

	sub := d.cfg.Subscription
	if err := d.bus.Subscribe(ctx, sub); err != nil {
		return fmt.Errorf("dispatch: subscribe %s: %w", sub.Key(), err)
	}

	d.logger.Info("Starting dispatcher", loggingpkg.LogFields{
		"loops":    d.throttle.Max(),
		"degree":   d.throttle.Degree(),
		"sessions": sub.SessionEnabled,
	})

	g, gctx := errgroup.WithContext(ctx)
	for i := range d.throttle.Max() {
		l := &loop{id: i, d: d}
		g.Go(func() error {
			defer d.setState(l.id, StateStopped)
			if sub.SessionEnabled {
				return l.runSessions(gctx)
			}
			return l.run(gctx)
		})
	}

	err := g.Wait()
	d.logger.Info("Dispatcher stopped", nil)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// States reports the state of every loop, indexed by loop id.
func (d *Dispatcher) States() []LoopState {
	d.statesMu.RLock()
	defer d.statesMu.RUnlock()

	out := make([]LoopState, len(d.states))
	for id, s := range d.states {
		if id < len(out) {
			out[id] = s
		}
	}
	return out
}

func (d *Dispatcher) setState(id int, s LoopState) {
	d.statesMu.Lock()
	d.states[id] = s
	d.statesMu.Unlock()
}

func (d *Dispatcher) record(throttled bool) {
	d.throttle.Record(throttled)
	key := d.cfg.Subscription.Key()
	if throttled {
		d.metrics.RecordThrottled(key)
	}
	d.metrics.SetThrottleDegree(key, d.throttle.Degree())
}
