package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownAction   = errors.New("unknown action")
	ErrDuplicateAction = errors.New("action already registered")
)

// Args are the arguments the classifier extracted for an action.
type Args map[string]any

// Handler performs one action. The returned value is reported back to the
// model, so it should be small and JSON friendly.
type Handler func(ctx context.Context, args Args) (any, error)

// Registry maps action names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, handler Handler) error {
	if name == "" {
		return errors.New("action name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("action %s: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, name)
	}
	r.handlers[name] = handler
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
