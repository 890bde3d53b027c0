// Package relay moves committed events from the event store to the bus.
// Delivery is at least once: a crash between the broker accepting an event and
// MarkPublished republishes it with the same message id.
package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	"github.com/drblury/eventflow/internal/runtime/eventstore"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/internal/runtime/telemetry"
	"github.com/drblury/eventflow/transport"
)

const (
	DefaultTopic          = "events"
	DefaultBatchSize      = 100
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second

	tracerName = "eventflow/relay"
)

// TopicFunc picks the topic an event is published to.
type TopicFunc func(eventstore.StoredEvent) string

// FixedTopic publishes every event to topic.
func FixedTopic(topic string) TopicFunc {
	return func(eventstore.StoredEvent) string { return topic }
}

// Config tunes the relay loop.
type Config struct {
	// Topic is used when no TopicFunc is given.
	Topic          string
	BatchSize      int
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Dependencies holds the optional collaborators of a relay.
type Dependencies struct {
	Logger    loggingpkg.ServiceLogger
	Metrics   *telemetry.Metrics
	TopicFunc TopicFunc
}

// Result summarises one cycle.
type Result struct {
	Read      int
	Published int
	Failed    int
	// Skipped counts events held back because an earlier event of the same
	// stream failed in this cycle.
	Skipped int
}

// Clean reports a cycle without failures.
func (r Result) Clean() bool { return r.Failed == 0 }

// Relay publishes unpublished events in commit order.
type Relay struct {
	store   eventstore.Unpublished
	sender  transport.Sender
	cfg     Config
	topicFn TopicFunc
	logger  loggingpkg.ServiceLogger
	metrics *telemetry.Metrics
}

// New returns a relay reading from store and publishing through sender.
func New(store eventstore.Unpublished, sender transport.Sender, cfg Config, deps Dependencies) (*Relay, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if sender == nil {
		return nil, errspkg.ErrBusRequired
	}
	cfg = cfg.withDefaults()

	topicFn := deps.TopicFunc
	if topicFn == nil {
		topicFn = FixedTopic(cfg.Topic)
	}

	return &Relay{
		store:   store,
		sender:  sender,
		cfg:     cfg,
		topicFn: topicFn,
		logger:  loggingpkg.Component(deps.Logger, "relay"),
		metrics: deps.Metrics,
	}, nil
}

func (r *Relay) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	return b
}

// Run publishes until ctx is cancelled. Cycles with failures are followed by an
// exponential backoff that resets after a clean cycle. An empty cycle waits
// PollInterval. Run returns nil on cancellation.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("Starting relay", loggingpkg.LogFields{
		"batch_size":    r.cfg.BatchSize,
		"poll_interval": r.cfg.PollInterval.String(),
	})
	defer r.logger.Info("Relay stopped", nil)

	b := r.newBackOff()
	for ctx.Err() == nil {
		res, err := r.RunOnce(ctx)
		var wait time.Duration
		switch {
		case err != nil || !res.Clean():
			wait = b.NextBackOff()
			if err != nil && ctx.Err() == nil {
				r.logger.Error("Relay cycle failed", err, loggingpkg.LogFields{"retry_in": wait.String()})
			}
		case res.Read < r.cfg.BatchSize:
			b.Reset()
			wait = r.cfg.PollInterval
		default:
			b.Reset()
			continue
		}
		if !sleep(ctx, wait) {
			break
		}
	}
	return nil
}

// Drain runs cycles until nothing is left to publish. Failed cycles back off
// and retry until ctx ends.
func (r *Relay) Drain(ctx context.Context) error {
	b := r.newBackOff()
	for {
		res, err := r.RunOnce(ctx)
		if err == nil && res.Clean() {
			if res.Read < r.cfg.BatchSize {
				return nil
			}
			b.Reset()
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !sleep(ctx, b.NextBackOff()) {
			return ctx.Err()
		}
	}
}

// RunOnce reads one batch and publishes it. Once an event of a stream fails,
// later events of that stream are skipped so no stream advances past an
// unconfirmed version. When a full batch blocked a stream, the cycle reads
// again without the blocked streams so a failing stream cannot hold back the
// others.
func (r *Relay) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	blocked := make(map[uuid.UUID]struct{})
	var skip []uuid.UUID
	for {
		events, err := r.store.ReadUnpublished(ctx, r.cfg.BatchSize, skip...)
		if err != nil {
			return res, err
		}
		res.Read += len(events)

		newlyBlocked := false
		for _, ev := range events {
			if _, ok := blocked[ev.StreamID]; ok {
				res.Skipped++
				continue
			}
			if err := r.publish(ctx, ev); err != nil {
				blocked[ev.StreamID] = struct{}{}
				skip = append(skip, ev.StreamID)
				newlyBlocked = true
				res.Failed++
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				continue
			}
			res.Published++
		}
		if len(events) < r.cfg.BatchSize || !newlyBlocked {
			break
		}
	}

	if res.Read > 0 {
		r.logger.Debug("Relay cycle", loggingpkg.LogFields{
			"read":      res.Read,
			"published": res.Published,
			"failed":    res.Failed,
			"skipped":   res.Skipped,
		})
	}
	return res, nil
}

func (r *Relay) publish(ctx context.Context, ev eventstore.StoredEvent) error {
	topic := r.topicFn(ev)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish "+ev.EventType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("eventflow.stream_id", ev.StreamID.String()),
			attribute.Int("eventflow.stream_version", ev.Version),
		),
	)
	defer span.End()

	fields := loggingpkg.LogFields{
		"stream_id":      ev.StreamID.String(),
		"stream_version": ev.Version,
		"event_type":     ev.EventType,
		"topic":          topic,
	}

	fail := func(msg string, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RecordPublishFailure(topic)
		r.logger.Error(msg, err, fields)
		return err
	}

	env, err := Envelope(ctx, ev)
	if err != nil {
		return fail("Failed to build envelope", err)
	}
	if err := r.sender.Send(ctx, topic, env); err != nil {
		return fail("Failed to publish event", err)
	}
	if err := r.store.MarkPublished(ctx, ev.StreamID, ev.Version); err != nil {
		return fail("Failed to mark event published", err)
	}
	r.metrics.RecordPublished(topic)
	return nil
}

// Envelope builds the bus envelope of a stored event. The message id is derived
// from the stream id and version so a republished event carries the same id.
func Envelope(ctx context.Context, ev eventstore.StoredEvent) (*envelopepkg.Envelope, error) {
	md := ev.Metadata.WithAll(metadatapkg.Metadata{
		metadatapkg.KeyStreamID:      ev.StreamID.String(),
		metadatapkg.KeyStreamType:    ev.StreamType,
		metadatapkg.KeyStreamVersion: strconv.Itoa(ev.Version),
	})
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		md = md.WithAll(metadatapkg.Metadata{
			metadatapkg.KeyTraceID: sc.TraceID().String(),
			metadatapkg.KeySpanID:  sc.SpanID().String(),
		})
	}

	return envelopepkg.New(ev.EventType, ev.Payload,
		envelopepkg.WithMessageID(idspkg.EventID(ev.StreamID, ev.Version)),
		envelopepkg.WithCorrelationID(ev.StreamID),
		envelopepkg.WithSessionKey(ev.StreamID.String()),
		envelopepkg.WithMetadata(md),
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
