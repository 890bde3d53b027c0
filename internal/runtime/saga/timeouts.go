package saga

import (
	"context"
	sterrors "errors"
	"sync"
	"time"

	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/transport"
)

const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 100
	DefaultResendAfter  = 30 * time.Second
)

// PollerConfig tunes a TimeoutPoller.
type PollerConfig struct {
	// Topics maps a process type to the topic its router consumes.
	Topics map[string]string
	// DefaultTopic is used for process types missing from Topics.
	DefaultTopic string
	PollInterval time.Duration
	BatchSize    int
	// ResendAfter suppresses sending the same token again while the router has
	// not yet removed it.
	ResendAfter time.Duration
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ResendAfter <= 0 {
		c.ResendAfter = DefaultResendAfter
	}
	return c
}

// TimeoutPoller delivers due timeouts as TimeoutTag messages. The message id is
// derived from the timeout token, so a resend is absorbed by the instance.
type TimeoutPoller struct {
	store  Store
	sender transport.Sender
	cfg    PollerConfig
	logger loggingpkg.ServiceLogger
	now    func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewTimeoutPoller returns a poller scanning store.
func NewTimeoutPoller(store Store, sender transport.Sender, cfg PollerConfig, logger loggingpkg.ServiceLogger) (*TimeoutPoller, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if sender == nil {
		return nil, errspkg.ErrBusRequired
	}
	return &TimeoutPoller{
		store:  store,
		sender: sender,
		cfg:    cfg.withDefaults(),
		logger: loggingpkg.Component(logger, "saga_timeouts"),
		now:    time.Now,
		sent:   make(map[string]time.Time),
	}, nil
}

// Run polls until ctx is cancelled and returns nil.
func (p *TimeoutPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("Timeout poll failed", err, nil)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce sends every due timeout not sent within ResendAfter and returns the
// number sent. A failed entry is logged and skipped so it does not hold back
// the others; the failures are returned joined.
func (p *TimeoutPoller) PollOnce(ctx context.Context) (int, error) {
	now := p.now()
	due, err := p.store.DueTimeouts(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[string]struct{}, len(due))
	sent := 0
	var failures []error
	for _, d := range due {
		live[d.Token] = struct{}{}
		if at, ok := p.sent[d.Token]; ok && now.Sub(at) < p.cfg.ResendAfter {
			continue
		}
		topic := p.topicFor(d.ProcessType)
		if topic == "" {
			p.logger.Error("No topic for timeouts", errspkg.ErrTopicRequired, loggingpkg.LogFields{"process_type": d.ProcessType})
			continue
		}
		env, err := TimeoutEnvelope(d)
		if err == nil {
			err = p.sender.Send(ctx, topic, env)
		}
		if err != nil {
			p.logger.Error("Failed to fire timeout", err, loggingpkg.LogFields{
				"process_type": d.ProcessType,
				"process_id":   d.ProcessID.String(),
				"topic":        topic,
			})
			failures = append(failures, err)
			if ctx.Err() != nil {
				return sent, sterrors.Join(failures...)
			}
			continue
		}
		p.sent[d.Token] = now
		sent++
		p.logger.Debug("Timeout fired", loggingpkg.LogFields{
			"process_type": d.ProcessType,
			"process_id":   d.ProcessID.String(),
			"timeout_name": d.Name,
		})
	}

	// Tokens that are no longer due were handled or cancelled.
	for token := range p.sent {
		if _, ok := live[token]; !ok {
			delete(p.sent, token)
		}
	}
	return sent, sterrors.Join(failures...)
}

func (p *TimeoutPoller) topicFor(processType string) string {
	if topic, ok := p.cfg.Topics[processType]; ok {
		return topic
	}
	return p.cfg.DefaultTopic
}

// TimeoutEnvelope builds the message delivering d to its process.
func TimeoutEnvelope(d DueTimeout) (*envelopepkg.Envelope, error) {
	return envelopepkg.New(TimeoutTag, nil,
		envelopepkg.WithMessageID(idspkg.TimeoutID(d.Token)),
		envelopepkg.WithCorrelationID(d.ProcessID),
		envelopepkg.WithSessionKey(d.ProcessID.String()),
		envelopepkg.WithMetadata(metadatapkg.Metadata{
			metadatapkg.KeyProcessType:  d.ProcessType,
			metadatapkg.KeyTimeoutName:  d.Name,
			metadatapkg.KeyTimeoutToken: d.Token,
		}),
	)
}
