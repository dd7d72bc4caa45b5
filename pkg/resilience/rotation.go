package resilience

import (
	"fmt"
	"sync"

	"github.com/meridian-labs/contactd/internal/observability"
)

// ModelRotation tracks which model a session is bound to and which
// fallbacks remain when the provider rejects one. Rotation is one-way: once
// a model has been rejected for this session it is never retried, because
// the rejection ("model_not_found", missing access) is an account property,
// not a transient fault.
type ModelRotation struct {
	mu        sync.Mutex
	current   string
	fallbacks []string
	tried     map[string]bool
}

// NewModelRotation starts on the primary model with the ordered fallback
// list behind it.
func NewModelRotation(primary string, fallbacks []string) *ModelRotation {
	observability.EnsureRegistered()

	return &ModelRotation{
		current:   primary,
		fallbacks: append([]string(nil), fallbacks...),
		tried:     map[string]bool{},
	}
}

// Current returns the model the session is bound to.
func (r *ModelRotation) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Advance marks the current model as rejected and moves to the first
// fallback not yet tried. It returns the new model, or an error when every
// fallback has been exhausted.
func (r *ModelRotation) Advance() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tried[r.current] = true
	for _, candidate := range r.fallbacks {
		if r.tried[candidate] {
			continue
		}
		r.current = candidate
		observability.RecordModelRotation()
		return candidate, nil
	}
	return "", fmt.Errorf("resilience: all fallback models exhausted (tried %d)", len(r.tried))
}

// Exhausted reports whether no untried fallback remains.
func (r *ModelRotation) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.tried[r.current] {
		return false
	}
	for _, candidate := range r.fallbacks {
		if !r.tried[candidate] {
			return false
		}
	}
	return true
}
