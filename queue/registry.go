package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Handler processes one message. A nil error acknowledges it, any error
// negatively acknowledges it.
type Handler interface {
	Handle(ctx context.Context, m *Envelope) error
}

type HandlerFunc func(ctx context.Context, m *Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, m *Envelope) error {
	return f(ctx, m)
}

// RequireFields wraps h so that messages with an empty body, or a body missing
// any of fields (absent or null), fail with ErrInvalidBody before h runs.
// The body is decoded with the engine's decoder into a JSON object.
func RequireFields(h Handler, fields ...string) Handler {
	return HandlerFunc(func(ctx context.Context, m *Envelope) error {
		if m.Size() == 0 {
			return fmt.Errorf("%w: message body cannot be empty", ErrInvalidBody)
		}
		var body map[string]any
		if err := m.Decode(ctx, &body); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidBody, err)
		}
		if len(body) == 0 {
			return fmt.Errorf("%w: message body cannot be empty", ErrInvalidBody)
		}
		for _, f := range fields {
			if v, ok := body[f]; !ok || v == nil {
				return fmt.Errorf("%w: required field %q is missing", ErrInvalidBody, f)
			}
		}
		return h.Handle(ctx, m)
	})
}

// Registry maps a routing key (event type or topic) to a handler. Resolve
// must return false, not panic, for unknown keys.
type Registry interface {
	Resolve(key string) (Handler, bool)
}

// StrategyRegistry is a static Registry assembled at startup. Lazily
// registered handlers are built on first resolve and reused afterwards.
type StrategyRegistry struct {
	mu       sync.Mutex
	handlers map[string]Handler
	builders map[string]func() Handler
}

func NewStrategyRegistry() *StrategyRegistry {
	return &StrategyRegistry{
		handlers: map[string]Handler{},
		builders: map[string]func() Handler{},
	}
}

func (r *StrategyRegistry) Register(key string, h Handler) *StrategyRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.builders, key)
	r.handlers[key] = h
	return r
}

func (r *StrategyRegistry) RegisterFunc(key string, fn HandlerFunc) *StrategyRegistry {
	return r.Register(key, fn)
}

func (r *StrategyRegistry) RegisterLazy(key string, build func() Handler) *StrategyRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, key)
	r.builders[key] = build
	return r
}

func (r *StrategyRegistry) Resolve(key string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handlers[key]; ok {
		return h, true
	}
	build, ok := r.builders[key]
	if !ok || build == nil {
		return nil, false
	}
	h := build()
	if h == nil {
		return nil, false
	}
	delete(r.builders, key)
	r.handlers[key] = h
	return h, true
}

func (r *StrategyRegistry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, h := r.handlers[key]
	_, b := r.builders[key]
	return h || b
}

// Keys lists every registered key in sorted order.
func (r *StrategyRegistry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := lo.Uniq(append(lo.Keys(r.handlers), lo.Keys(r.builders)...))
	slices.Sort(keys)
	return keys
}
