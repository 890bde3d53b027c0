package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

// Default send retry policy.
const (
	DefaultSendMaxRetries      = 5
	DefaultSendInitialInterval = 100 * time.Millisecond
	DefaultSendMaxInterval     = 5 * time.Second
)

// RetryPolicy bounds the retries Send performs on transient failures.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RetryPolicyFromConfig reads the send retry keys of cfg.
func RetryPolicyFromConfig(cfg Config) RetryPolicy {
	if cfg == nil {
		return RetryPolicy{}.withDefaults()
	}
	return RetryPolicy{
		MaxRetries:      cfg.GetSendMaxRetries(),
		InitialInterval: cfg.GetSendInitialInterval(),
		MaxInterval:     cfg.GetSendMaxInterval(),
	}.withDefaults()
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	} else if p.MaxRetries == 0 {
		p.MaxRetries = DefaultSendMaxRetries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultSendInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultSendMaxInterval
	}
	if p.InitialInterval > p.MaxInterval {
		p.InitialInterval = p.MaxInterval
	}
	return p
}

// SendWithRetry calls publish until it succeeds, fails with a non-transient
// error or the policy runs out of retries. Failures are reported as
// *errors.SendFailureError.
func SendWithRetry(ctx context.Context, policy RetryPolicy, topic string, env *envelopepkg.Envelope, publish func(ctx context.Context) error) error {
	if env == nil {
		return errspkg.ErrEnvelopeRequired
	}
	if topic == "" {
		return &errspkg.SendFailureError{Topic: topic, MessageID: env.MessageID(), Err: errspkg.ErrTopicRequired}
	}
	policy = policy.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := publish(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		switch errspkg.Classify(err) {
		case errspkg.ClassTransient, errspkg.ClassThrottled:
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(policy.MaxRetries+1)))
	if err != nil {
		return &errspkg.SendFailureError{Topic: topic, MessageID: env.MessageID(), Err: err}
	}
	return nil
}
