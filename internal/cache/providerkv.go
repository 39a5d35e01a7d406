package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Commute-Live/Server-sub001/internal/store"
)

// providerKVPrefix namespaces the opaque provider-scoped KV side map
// described in spec.md §2.2 ("plus two side maps used by providers").
const providerKVPrefix = "provider:"

// ProviderKV is the opaque, provider-scoped TTL key-value store that
// provider plugins may use to stash auxiliary state (auth tokens, ETags,
// pagination cursors) between fetch calls. It namespaces every key under
// the owning providerID so plugins cannot collide with each other or with
// the arrival cache.
type ProviderKV struct {
	store      store.Store
	providerID string
}

// NewProviderKV scopes a provider-specific KV view over the shared store.
func NewProviderKV(s store.Store, providerID string) *ProviderKV {
	return &ProviderKV{store: s, providerID: providerID}
}

// GetJSON decodes a JSON-encoded value previously written with SetJSON.
func (p *ProviderKV) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, ok, err := p.store.GetBytes(ctx, p.ns(key))
	if err != nil {
		return false, fmt.Errorf("providerkv: get %s/%s: %w", p.providerID, key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("providerkv: decode %s/%s: %w", p.providerID, key, err)
	}
	return true, nil
}

// SetJSON marshals v as JSON and stores it with ttl.
func (p *ProviderKV) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("providerkv: encode %s/%s: %w", p.providerID, key, err)
	}
	return p.store.Set(ctx, p.ns(key), b, ttl)
}

// GetBinary returns the raw bytes stored under key, the binary variant of
// the provider KV contract from spec.md §6.
func (p *ProviderKV) GetBinary(ctx context.Context, key string) ([]byte, bool, error) {
	return p.store.GetBytes(ctx, p.ns(key))
}

// SetBinary stores raw bytes under key with ttl.
func (p *ProviderKV) SetBinary(ctx context.Context, key string, v []byte, ttl time.Duration) error {
	return p.store.Set(ctx, p.ns(key), v, ttl)
}

func (p *ProviderKV) ns(key string) string {
	return providerKVPrefix + p.providerID + ":" + key
}
