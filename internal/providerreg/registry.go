// Package providerreg implements the Provider Registry of spec.md §4.1: a
// process-wide map from providerID to Plugin, adapted from the teacher's
// DefaultProviderRegistry (internal/provider/registry.go) which performed
// the analogous venue -> ExchangeProvider mapping for exchange adapters.
package providerreg

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Commute-Live/Server-sub001/internal/key"
)

// Plugin is the provider adapter contract of spec.md §4.1. Concrete
// upstream transit API adapters implement this; the core never imports a
// concrete adapter.
type Plugin interface {
	// ProviderID identifies this plugin in the registry.
	ProviderID() string

	// Supports reports whether this plugin handles the given subscription type.
	Supports(typ string) bool

	// ToKey builds the canonical Key for (typ, config), typically by
	// delegating to key.Build.
	ToKey(typ string, config map[string]string) (key.Key, error)

	// ParseKey is the inverse of ToKey for this plugin's Keys.
	ParseKey(k key.Key) (typ string, params map[string]string, err error)

	// Fetch retrieves the current payload for k. ttlSeconds is the caller's
	// advice for how long the result may be cached. Implementations should
	// wrap configuration-shaped failures (bad stop id, missing credential)
	// in ErrProviderConfig; any other failure is classified as
	// ErrProviderFetch by the caller.
	Fetch(ctx context.Context, k key.Key, now time.Time) (payload json.RawMessage, ttlSeconds int, err error)
}

// Registry maps providerID to Plugin. Safe for concurrent use. Both a
// process-wide singleton (Default) and injected instances (for isolated
// tests, per Design Notes §9) are supported.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]Plugin
	onChange func(event string, n int)
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

var defaultOnce sync.Once
var defaultRegistry *Registry

// Default returns the process-wide Registry singleton.
func Default() *Registry {
	defaultOnce.Do(func() { defaultRegistry = New() })
	return defaultRegistry
}

// OnChange sets an optional callback invoked after Register, for metrics
// wiring (mirrors the teacher's metricsCallback field). internal/engine
// wires this to a provider-count gauge at construction time.
func (r *Registry) OnChange(cb func(event string, n int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = cb
}

// Register adds or overwrites a plugin by providerID (idempotent overwrite,
// per spec.md §4.1).
func (r *Registry) Register(p Plugin) error {
	id := p.ProviderID()
	if id == "" {
		return fmt.Errorf("providerreg: plugin must have a non-empty providerID")
	}

	r.mu.Lock()
	r.plugins[id] = p
	n := len(r.plugins)
	cb := r.onChange
	r.mu.Unlock()

	if cb != nil {
		cb("provider_registered", n)
	}
	return nil
}

// Get retrieves a plugin by providerID. ok is false if unregistered.
func (r *Registry) Get(providerID string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[providerID]
	return p, ok
}

// All returns every registered plugin, in no particular order.
func (r *Registry) All() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	return out
}
