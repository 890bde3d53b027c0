package dispatch

import (
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

// Kind tells events from commands.
type Kind int

const (
	// KindEvent tags fan out to every registered handler.
	KindEvent Kind = iota + 1
	// KindCommand tags have exactly one handler.
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindCommand:
		return "command"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Named is implemented by handlers that want a stable name in logs, hooks and
// metrics.
type Named interface {
	HandlerName() string
}

type namedHandler struct {
	name string
	Handler
}

func (n namedHandler) HandlerName() string { return n.name }

// WithName attaches a name to h.
func WithName(name string, h Handler) Handler {
	return namedHandler{name: name, Handler: h}
}

// Registration is one handler bound to a type tag.
type Registration struct {
	TypeTag string
	Kind    Kind
	Name    string
	Handler Handler
}

type binding struct {
	kind     Kind
	handlers []Registration
}

// Registry maps type tags to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]*binding)}
}

// RegisterEvent adds h to the handlers of an event tag.
func (r *Registry) RegisterEvent(tag string, h Handler) error {
	return r.register(tag, KindEvent, h)
}

// RegisterCommand binds the single handler of a command tag.
func (r *Registry) RegisterCommand(tag string, h Handler) error {
	return r.register(tag, KindCommand, h)
}

func (r *Registry) register(tag string, kind Kind, h Handler) error {
	if tag == "" {
		return errspkg.ErrTypeTagRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[tag]
	if !ok {
		b = &binding{kind: kind}
		r.bindings[tag] = b
	}
	if b.kind != kind {
		return fmt.Errorf("%w: %s is a %s", errspkg.ErrHandlerKindMismatch, tag, b.kind)
	}
	if kind == KindCommand && len(b.handlers) > 0 {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateCommandHandler, tag)
	}

	name := fmt.Sprintf("%s#%d", tag, len(b.handlers))
	if n, ok := h.(Named); ok && n.HandlerName() != "" {
		name = n.HandlerName()
	}
	b.handlers = append(b.handlers, Registration{TypeTag: tag, Kind: kind, Name: name, Handler: h})
	return nil
}

// Lookup returns the handlers registered for tag in registration order.
func (r *Registry) Lookup(tag string) ([]Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[tag]
	if !ok || len(b.handlers) == 0 {
		return nil, false
	}
	out := make([]Registration, len(b.handlers))
	copy(out, b.handlers)
	return out, true
}

// KindOf reports how tag is registered.
func (r *Registry) KindOf(tag string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[tag]
	if !ok {
		return 0, false
	}
	return b.kind, true
}

// Tags lists the registered type tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.bindings))
	for tag := range r.bindings {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
