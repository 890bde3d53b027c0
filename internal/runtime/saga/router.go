package saga

import (
	"context"
	sterrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	codecpkg "github.com/drblury/eventflow/internal/runtime/codec"
	"github.com/drblury/eventflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/internal/runtime/telemetry"
	"github.com/drblury/eventflow/transport"
)

// Transition outcomes reported to metrics.
const (
	OutcomeStarted   = "started"
	OutcomeApplied   = "applied"
	OutcomeCompleted = "completed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeNotFound  = "not_found"
	OutcomeConflict  = "conflict"
	OutcomeFailed    = "failed"
)

const maxFlushAttempts = 5

// RouterConfig tunes a Router.
type RouterConfig struct {
	// EmitTopic receives emitted messages without a topic of their own.
	EmitTopic string
	// AppliedLimit bounds the applied message ids kept per instance.
	AppliedLimit int
}

// RouterDependencies holds the optional collaborators of a Router.
type RouterDependencies struct {
	Logger     loggingpkg.ServiceLogger
	Metrics    *telemetry.Metrics
	Serializer *codecpkg.Serializer
	Now        func() time.Time
}

// Router feeds correlated messages to instances of one process type. It is a
// dispatch.Handler: the correlation id of a message is the process id.
type Router struct {
	process    Process
	store      Store
	sender     transport.Sender
	cfg        RouterConfig
	logger     loggingpkg.ServiceLogger
	metrics    *telemetry.Metrics
	serializer *codecpkg.Serializer
	now        func() time.Time
}

// NewRouter returns a router for process backed by store. Emitted messages go
// out through sender.
func NewRouter(process Process, store Store, sender transport.Sender, cfg RouterConfig, deps RouterDependencies) (*Router, error) {
	if process == nil || process.Type() == "" {
		return nil, errspkg.ErrProcessRequired
	}
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if sender == nil {
		return nil, errspkg.ErrBusRequired
	}
	if cfg.AppliedLimit <= 0 {
		cfg.AppliedLimit = DefaultAppliedLimit
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Router{
		process:    process,
		store:      store,
		sender:     sender,
		cfg:        cfg,
		logger:     loggingpkg.Component(deps.Logger, "saga").With(loggingpkg.LogFields{"process_type": process.Type()}),
		metrics:    deps.Metrics,
		serializer: deps.Serializer,
		now:        now,
	}, nil
}

// ProcessType returns the type of the routed process.
func (r *Router) ProcessType() string { return r.process.Type() }

func (r *Router) HandlerName() string { return "saga:" + r.process.Type() }

// Register binds the router to tags and to TimeoutTag as an event handler.
func (r *Router) Register(registry *dispatch.Registry, tags ...string) error {
	for _, tag := range append(tags, TimeoutTag) {
		if err := registry.RegisterEvent(tag, r); err != nil {
			return fmt.Errorf("saga: register %s for %s: %w", r.process.Type(), tag, err)
		}
	}
	return nil
}

// Handle loads or starts the instance, applies msg, persists the result and
// then sends what the transition emitted. A conflicting save is returned so the
// delivery is abandoned and retried against the fresh version.
func (r *Router) Handle(ctx context.Context, msg *dispatch.Message) error {
	processID := msg.CorrelationID()
	fields := loggingpkg.LogFields{
		"process_id": processID.String(),
		"message_id": msg.MessageID().String(),
		"type_tag":   msg.TypeTag(),
	}

	in, err := r.inbound(msg)
	if err != nil {
		return errspkg.Permanent(err)
	}
	if in.Timeout != nil && msg.Envelope.Metadata().Get(metadatapkg.KeyProcessType) != r.process.Type() {
		return nil
	}

	inst, err := r.store.Load(ctx, r.process.Type(), processID)
	switch {
	case sterrors.Is(err, errspkg.ErrInstanceNotFound):
		if in.Timeout != nil || !r.process.Starts(in.TypeTag) {
			notFound := &errspkg.ProcessNotFoundError{
				ProcessType: r.process.Type(),
				ProcessID:   processID,
				TypeTag:     in.TypeTag,
			}
			r.logger.Info("Dropping message without process instance", fields.Merge(loggingpkg.LogFields{"error": notFound.Error()}))
			r.metrics.RecordTransition(r.process.Type(), OutcomeNotFound)
			return nil
		}
		inst = &Instance{ProcessType: r.process.Type(), ProcessID: processID}
	case err != nil:
		return fmt.Errorf("saga: load %s %s: %w", r.process.Type(), processID, err)
	}

	if len(inst.Outbox) > 0 {
		if inst, err = r.flush(ctx, inst); err != nil {
			return err
		}
	}
	if inst.Completed || inst.HasApplied(in.MessageID) {
		r.logger.Debug("Skipping message", fields.Merge(loggingpkg.LogFields{"completed": inst.Completed}))
		r.metrics.RecordTransition(r.process.Type(), OutcomeDuplicate)
		return nil
	}
	if in.Timeout != nil {
		pending, ok := inst.PendingTimeout(in.Timeout.Token)
		if !ok {
			r.logger.Debug("Ignoring timeout that is no longer pending", fields.Merge(loggingpkg.LogFields{"timeout_name": in.Timeout.Name}))
			r.metrics.RecordTransition(r.process.Type(), OutcomeIgnored)
			return nil
		}
		in.Timeout = &pending
	}

	next, err := r.apply(ctx, inst, in)
	if err != nil {
		r.metrics.RecordTransition(r.process.Type(), OutcomeFailed)
		return err
	}

	if err := r.store.Save(ctx, next, inst.Version); err != nil {
		if sterrors.Is(err, errspkg.ErrConcurrencyConflict) {
			r.metrics.RecordTransition(r.process.Type(), OutcomeConflict)
			r.logger.Info("Process instance changed concurrently, retrying", fields)
		}
		return fmt.Errorf("saga: save %s %s: %w", r.process.Type(), processID, err)
	}

	outcome := OutcomeApplied
	switch {
	case inst.Version == 0:
		outcome = OutcomeStarted
	case next.Completed:
		outcome = OutcomeCompleted
	}
	r.metrics.RecordTransition(r.process.Type(), outcome)
	r.logger.Debug("Process transitioned", fields.Merge(loggingpkg.LogFields{
		"version":  next.Version,
		"emitted":  len(next.Outbox),
		"outcome":  outcome,
		"timeouts": len(next.PendingTimeouts),
	}))

	if len(next.Outbox) > 0 {
		if _, err := r.flush(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) inbound(msg *dispatch.Message) (Inbound, error) {
	md := msg.Envelope.Metadata()
	in := Inbound{
		MessageID:     msg.MessageID(),
		CorrelationID: msg.CorrelationID(),
		TypeTag:       msg.TypeTag(),
		Payload:       msg.Payload,
		Body:          msg.Envelope.Body(),
		Metadata:      md,
	}
	if in.TypeTag != TimeoutTag {
		return in, nil
	}

	token := md.Get(metadatapkg.KeyTimeoutToken)
	if token == "" {
		return in, fmt.Errorf("saga: timeout message %s without %s", in.MessageID, metadatapkg.KeyTimeoutToken)
	}
	in.Timeout = &Timeout{Token: token, Name: md.Get(metadatapkg.KeyTimeoutName)}
	return in, nil
}

// apply runs the transition and builds the next version of inst.
func (r *Router) apply(ctx context.Context, inst *Instance, in Inbound) (*Instance, error) {
	state := r.process.New()
	if len(inst.State) > 0 {
		if err := codecpkg.Unmarshal(inst.State, state); err != nil {
			return nil, errspkg.Permanent(fmt.Errorf("saga: decode %s state: %w", r.process.Type(), err))
		}
	}

	out, err := r.process.Transition(ctx, state, in)
	if err != nil {
		return nil, err
	}

	next := inst.Clone()
	now := r.now().UTC()

	if out.State != nil {
		state = out.State
	}
	if next.State, err = codecpkg.Marshal(state); err != nil {
		return nil, errspkg.Permanent(fmt.Errorf("saga: encode %s state: %w", r.process.Type(), err))
	}

	if in.Timeout != nil {
		token := in.Timeout.Token
		next.removeTimeouts(func(t Timeout) bool { return t.Token == token })
	}
	for _, name := range out.Cancel {
		next.removeTimeouts(func(t Timeout) bool { return t.Name == name })
	}
	for _, req := range out.Schedule {
		if req.Name == "" || strings.ContainsAny(req.Name, "\r\n") {
			return nil, errspkg.Permanent(fmt.Errorf("%w: %q", errspkg.ErrTimeoutNameInvalid, req.Name))
		}
		fireAt := req.At
		if fireAt.IsZero() {
			fireAt = now.Add(req.After)
		}
		next.addTimeout(Timeout{FireAt: fireAt.UTC(), Token: idspkg.CreateULID(), Name: req.Name})
	}

	outbox := make([]OutboxMessage, 0, len(out.Emit))
	for i, o := range out.Emit {
		m, err := r.outboxMessage(next.ProcessID, in.MessageID, i, o)
		if err != nil {
			return nil, errspkg.Permanent(err)
		}
		outbox = append(outbox, m)
	}

	if out.Complete {
		next.Completed = true
		next.PendingTimeouts = nil
	}
	next.Outbox = append(next.Outbox, outbox...)
	next.MarkApplied(in.MessageID, r.cfg.AppliedLimit)
	next.Version = inst.Version + 1
	next.UpdatedAt = now
	return next, nil
}

func (r *Router) outboxMessage(processID, cause uuid.UUID, index int, o Outbound) (OutboxMessage, error) {
	tag, body := o.TypeTag, o.Body
	if body == nil && o.Payload != nil {
		var err error
		if tag, body, err = r.encode(tag, o.Payload); err != nil {
			return OutboxMessage{}, err
		}
	}
	if tag == "" {
		return OutboxMessage{}, fmt.Errorf("saga: emitted message %d of %s: %w", index, r.process.Type(), errspkg.ErrTypeTagRequired)
	}

	topic := o.Topic
	if topic == "" {
		topic = r.cfg.EmitTopic
	}
	if topic == "" {
		return OutboxMessage{}, fmt.Errorf("saga: emitted %s of %s: %w", tag, r.process.Type(), errspkg.ErrTopicRequired)
	}

	return OutboxMessage{
		Topic:         topic,
		MessageID:     idspkg.EmittedID(r.process.Type(), cause, index),
		CorrelationID: processID,
		TypeTag:       tag,
		SessionKey:    o.SessionKey,
		Body:          body,
		Metadata: o.Metadata.WithAll(metadatapkg.Metadata{
			metadatapkg.KeyProcessType: r.process.Type(),
		}),
	}, nil
}

func (r *Router) encode(tag string, payload any) (string, []byte, error) {
	if r.serializer != nil {
		if known, err := r.serializer.TagOf(payload); err == nil && (tag == "" || tag == known) {
			return r.serializer.Encode(payload)
		}
	}
	body, err := codecpkg.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("saga: encode emitted %s: %w", tag, err)
	}
	return tag, body, nil
}

// flush sends the outbox of inst and persists it cleared. A conflict on the
// clearing save means another router moved the instance on; the reloaded
// instance may carry that router's unsent outbox, so it is flushed in turn.
// The sends carry deterministic ids so duplicates are harmless.
func (r *Router) flush(ctx context.Context, inst *Instance) (*Instance, error) {
	for attempt := 1; ; attempt++ {
		for _, m := range inst.Outbox {
			env, err := m.Envelope()
			if err != nil {
				return nil, errspkg.Permanent(err)
			}
			if err := r.sender.Send(ctx, m.Topic, env); err != nil {
				return nil, fmt.Errorf("saga: send %s to %s: %w", m.TypeTag, m.Topic, err)
			}
		}

		cleared := inst.Clone()
		cleared.Outbox = nil
		cleared.Version = inst.Version + 1
		cleared.UpdatedAt = r.now().UTC()
		err := r.store.Save(ctx, cleared, inst.Version)
		if err == nil {
			return cleared, nil
		}
		if !sterrors.Is(err, errspkg.ErrConcurrencyConflict) || attempt >= maxFlushAttempts {
			return nil, fmt.Errorf("saga: clear outbox of %s %s: %w", r.process.Type(), inst.ProcessID, err)
		}

		if inst, err = r.store.Load(ctx, r.process.Type(), inst.ProcessID); err != nil {
			return nil, fmt.Errorf("saga: reload %s %s: %w", r.process.Type(), cleared.ProcessID, err)
		}
		if len(inst.Outbox) == 0 {
			return inst, nil
		}
	}
}
