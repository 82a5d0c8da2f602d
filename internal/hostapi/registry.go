// Package hostapi resolves host API method calls issued by running scripts.
// Handlers are registered per method of the closed set in package actions and
// invoked with the raw JSON payload of an ActionRequest.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/anvil/internal/actions"
)

// ErrUnknownMethod matches every UnknownMethodError.
var ErrUnknownMethod = errors.New("unknown API method")

// UnknownMethodError is returned by Invoke for a method with no handler.
// Its message is what the calling script observes.
type UnknownMethodError struct {
	Method string
}

func (e *UnknownMethodError) Error() string {
	return "Unknown API method: " + e.Method
}

// Is reports whether target is ErrUnknownMethod.
func (e *UnknownMethodError) Is(target error) bool {
	return target == ErrUnknownMethod
}

// Handler implements one host API method.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Registry maps methods to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[actions.Method]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[actions.Method]Handler),
	}
}

// Handle registers h for m. Methods outside the closed set are rejected.
func (r *Registry) Handle(m actions.Method, h Handler) error {
	if !actions.Known(m) {
		return fmt.Errorf("register %q: not a host API method", m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[m] = h
	return nil
}

// Register adapts a typed function into a Handler for m. An empty payload
// decodes to the zero P.
func Register[P, R any](r *Registry, m actions.Method, fn func(context.Context, P) (R, error)) error {
	return r.Handle(m, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p P
		if len(payload) > 0 && string(payload) != "null" {
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("invalid payload for %s: %w", m, err)
			}
		}

		res, err := fn(ctx, p)
		if err != nil {
			return nil, err
		}

		out, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encode result of %s: %w", m, err)
		}
		return out, nil
	})
}

// Invoke runs the handler for method.
func (r *Registry) Invoke(ctx context.Context, method string, payload json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	h, ok := r.handlers[actions.Method(method)]
	r.mu.RUnlock()

	if !ok {
		return nil, &UnknownMethodError{Method: method}
	}
	return h(ctx, payload)
}

// Methods returns the registered methods sorted by name.
func (r *Registry) Methods() []actions.Method {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]actions.Method, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
