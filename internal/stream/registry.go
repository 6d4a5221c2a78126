package stream

import (
	"sync"

	"github.com/echopi/echopi-go/internal/errors"
)

// Registry records which session holds each physical device pair.
type Registry struct {
	mu   sync.Mutex
	held map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{held: make(map[string]string)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry is shared by sessions that are not given their own.
func DefaultRegistry() *Registry { return defaultRegistry }

// acquire claims pair for owner or fails with ErrSessionAlreadyOpen.
func (r *Registry) acquire(pair, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.held[pair]; ok {
		return errors.New(ErrSessionAlreadyOpen).
			Component(componentStream).
			Category(errors.CategoryStreamSession).
			Context("device_pair", pair).
			Context("held_by", holder).
			Build()
	}
	r.held[pair] = owner
	return nil
}

func (r *Registry) release(pair, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held[pair] == owner {
		delete(r.held, pair)
	}
}

// Holder returns the session ID holding pair, if any.
func (r *Registry) Holder(pair string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.held[pair]
	return id, ok
}
