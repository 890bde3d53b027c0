// Package memory provides an in-process broker with durable subscriptions,
// sessions, delivery counting and dead-lettering. It backs tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	"github.com/drblury/eventflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

const (
	// DefaultMaxDeliveryCount applies to subscriptions that leave it unset.
	DefaultMaxDeliveryCount = 10
	// DefaultLockDuration applies to subscriptions that leave it unset.
	DefaultLockDuration = 30 * time.Second

	reasonMaxDelivery    = "max delivery count exceeded"
	reasonSessionMissing = "session key required by session-enabled subscription"
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates a new in-memory bus.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bus, error) {
	c := Config{Retry: transport.RetryPolicyFromConfig(cfg)}
	if cfg != nil {
		c.MaxDeliveryCount = cfg.GetMaxDeliveryCount()
		c.LockDuration = cfg.GetLockDuration()
	}
	return New(c, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Config holds memory broker settings.
type Config struct {
	MaxDeliveryCount int
	LockDuration     time.Duration
	Retry            transport.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxDeliveryCount <= 0 {
		c.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	return c
}

type entry struct {
	env           *envelopepkg.Envelope
	deliveryCount int
	lockToken     string
	lockedUntil   time.Time
}

func (e *entry) locked(now time.Time) bool {
	return e.lockToken != "" && now.Before(e.lockedUntil)
}

type sessionLock struct {
	token       string
	lockedUntil time.Time
}

type subscription struct {
	cfg         transport.Subscription
	queue       []*entry
	sessions    map[string]*sessionLock
	deadLetters []transport.DeadLetter
}

// Bus is an in-memory implementation of transport.Bus.
type Bus struct {
	config Config
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	topics  map[string]map[string]*subscription
	changed chan struct{}
	closed  bool

	faults faults
}

// New creates an in-memory bus.
func New(cfg Config, logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Bus{
		config:  cfg.withDefaults(),
		logger:  logger,
		topics:  make(map[string]map[string]*subscription),
		changed: make(chan struct{}),
	}
}

// Capabilities returns the capabilities of this bus.
func (b *Bus) Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// signal wakes every waiter. Callers hold b.mu.
func (b *Bus) signal() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Bus) Send(ctx context.Context, topic string, env *envelopepkg.Envelope) error {
	return transport.SendWithRetry(ctx, b.config.Retry, topic, env, func(context.Context) error {
		return b.enqueue(topic, env)
	})
}

func (b *Bus) enqueue(topic string, env *envelopepkg.Envelope) error {
	if err := b.faults.takeSend(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errspkg.Permanent(errspkg.ErrClosed)
	}

	now := time.Now()
	for _, sub := range b.topics[topic] {
		if sub.cfg.SessionEnabled && !env.HasSession() {
			sub.deadLetters = append(sub.deadLetters, transport.DeadLetter{
				Envelope:     env,
				Reason:       reasonSessionMissing,
				DeadAt:       now,
				Subscription: sub.cfg.Name,
			})
			continue
		}
		sub.queue = append(sub.queue, &entry{env: env})
	}
	b.signal()
	return nil
}

func (b *Bus) Subscribe(_ context.Context, sub transport.Subscription) error {
	_, err := b.subscription(sub)
	return err
}

func (b *Bus) subscription(cfg transport.Subscription) (*subscription, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errspkg.ErrClosed
	}

	subs, ok := b.topics[cfg.Topic]
	if !ok {
		subs = make(map[string]*subscription)
		b.topics[cfg.Topic] = subs
	}
	sub, ok := subs[cfg.Name]
	if !ok {
		sub = &subscription{
			cfg:      cfg.WithDefaults(b.config.MaxDeliveryCount, b.config.LockDuration),
			sessions: make(map[string]*sessionLock),
		}
		subs[cfg.Name] = sub
		b.logger.Debug("Subscription created", watermill.LogFields{
			"topic":        cfg.Topic,
			"subscription": cfg.Name,
			"sessions":     cfg.SessionEnabled,
		})
	}
	return sub, nil
}

func (b *Bus) Receiver(_ context.Context, cfg transport.Subscription) (transport.Receiver, error) {
	sub, err := b.subscription(cfg)
	if err != nil {
		return nil, err
	}
	if sub.cfg.SessionEnabled {
		return nil, fmt.Errorf("memory: subscription %s requires AcceptSession", sub.cfg.Key())
	}
	return &receiver{bus: b, sub: sub}, nil
}

func (b *Bus) AcceptSession(ctx context.Context, cfg transport.Subscription) (transport.SessionReceiver, error) {
	sub, err := b.subscription(cfg)
	if err != nil {
		return nil, err
	}
	if !sub.cfg.SessionEnabled {
		return nil, errspkg.ErrSessionsNotEnabled
	}

	for {
		if err := b.faults.takeReceive(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, errspkg.ErrClosed
		}
		now := time.Now()
		if key, ok := sub.freeSession(now); ok {
			lock := &sessionLock{token: idspkg.NewMessageID().String(), lockedUntil: now.Add(sub.cfg.LockDuration)}
			sub.sessions[key] = lock
			b.mu.Unlock()
			return &sessionReceiver{receiver: receiver{bus: b, sub: sub, session: key, sessionToken: lock.token}}, nil
		}
		wake, timer := b.waitChannel(sub, now)
		b.mu.Unlock()

		if err := wait(ctx, wake, timer); err != nil {
			return nil, err
		}
	}
}

// freeSession returns the session of the oldest pending message whose
// session is not locked. Callers hold b.mu.
func (s *subscription) freeSession(now time.Time) (string, bool) {
	for _, e := range s.queue {
		key := e.env.SessionKey()
		if lock, ok := s.sessions[key]; ok && now.Before(lock.lockedUntil) {
			continue
		}
		return key, true
	}
	return "", false
}

// ActiveSessions counts distinct sessions with pending messages.
func (b *Bus) ActiveSessions(_ context.Context, cfg transport.Subscription) (int, error) {
	sub, err := b.subscription(cfg)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]struct{})
	for _, e := range sub.queue {
		seen[e.env.SessionKey()] = struct{}{}
	}
	return len(seen), nil
}

// DeadLetters returns the dead-letter sink of the subscription.
func (b *Bus) DeadLetters(_ context.Context, cfg transport.Subscription) ([]transport.DeadLetter, error) {
	sub, err := b.subscription(cfg)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.DeadLetter(nil), sub.deadLetters...), nil
}

// Pending returns the number of unsettled messages of the subscription.
func (b *Bus) Pending(cfg transport.Subscription) int {
	sub, err := b.subscription(cfg)
	if err != nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(sub.queue)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.signal()
	return nil
}

// waitChannel returns the change channel and a timer firing at the next lock
// expiry of sub, if any. Callers hold b.mu.
func (b *Bus) waitChannel(sub *subscription, now time.Time) (<-chan struct{}, *time.Timer) {
	var next time.Time
	consider := func(t time.Time) {
		if t.After(now) && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	for _, e := range sub.queue {
		if e.lockToken != "" {
			consider(e.lockedUntil)
		}
	}
	for _, lock := range sub.sessions {
		consider(lock.lockedUntil)
	}
	if next.IsZero() {
		return b.changed, nil
	}
	return b.changed, time.NewTimer(next.Sub(now) + time.Millisecond)
}

func wait(ctx context.Context, wake <-chan struct{}, timer *time.Timer) error {
	var expired <-chan time.Time
	if timer != nil {
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-expired:
	}
	// A wake-up racing with cancellation must not hand out another delivery.
	return ctx.Err()
}

// deadLetterLocked moves e to the dead-letter sink. Callers hold b.mu.
func (s *subscription) deadLetterLocked(e *entry, reason string, now time.Time) {
	s.remove(e)
	s.deadLetters = append(s.deadLetters, transport.DeadLetter{
		Envelope:      e.env,
		Reason:        reason,
		DeliveryCount: e.deliveryCount,
		DeadAt:        now,
		Subscription:  s.cfg.Name,
	})
}

func (s *subscription) remove(target *entry) {
	for i, e := range s.queue {
		if e == target {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *subscription) find(token string) *entry {
	if token == "" {
		return nil
	}
	for _, e := range s.queue {
		if e.lockToken == token {
			return e
		}
	}
	return nil
}
