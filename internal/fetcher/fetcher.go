// Package fetcher implements the Single-Flight Fetcher of spec.md §4.4: at
// most one concurrent fetch per Key, writing results to the arrival cache
// and triggering downstream publishes for active subscribed devices. It
// coalesces concurrent callers with golang.org/x/sync/singleflight, the
// same ecosystem library the freyja provider registry reference
// (_examples/other_examples/.../freyja__internal-provider-registry.go.go)
// wires for its analogous "one loader per cache key" problem. Each fetch is
// tagged with a google/uuid correlation id for log tracing, the way the
// teacher's go.mod carries uuid for per-request identifiers. Outbound
// fetches are throttled per providerID with golang.org/x/time/rate, the
// same library the teacher uses in internal/net/ratelimit/limiter.go and
// internal/infrastructure/providers/ratelimit.go to keep a burst of
// coalesced keys from hammering one upstream in a single scheduler tick.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Commute-Live/Server-sub001/internal/cache"
	"github.com/Commute-Live/Server-sub001/internal/key"
	"github.com/Commute-Live/Server-sub001/internal/metrics"
	"github.com/Commute-Live/Server-sub001/internal/providerreg"
)

// defaultProviderRate and defaultProviderBurst bound how often a single
// provider's upstream is called when many Keys resolve to it in one
// scheduler tick. They are generous defaults, not per-provider tuning: a
// provider plugin with tighter upstream limits should throttle itself
// inside Fetch as well.
const (
	defaultProviderRate  = 10 // requests/sec
	defaultProviderBurst = 20
)

// OnFetched is invoked after a successful fetch so the caller (the engine
// facade) can compose and publish to the devices subscribed to k. It
// receives the currently-active device IDs for k, computed by the caller
// under the fanout/activity snapshot in effect at call time.
type OnFetched func(ctx context.Context, k key.Key, activeDeviceIDs []string)

// Fetcher is the Single-Flight Fetcher.
type Fetcher struct {
	group    singleflight.Group
	registry *providerreg.Registry
	cache    *cache.Cache
	metrics  *metrics.Registry
	log      zerolog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New wires a Fetcher from its dependencies.
func New(registry *providerreg.Registry, c *cache.Cache, m *metrics.Registry, log zerolog.Logger) *Fetcher {
	return &Fetcher{registry: registry, cache: c, metrics: m, log: log, limiters: make(map[string]*rate.Limiter)}
}

// limiterFor returns the shared per-provider limiter, creating it on first use.
func (f *Fetcher) limiterFor(providerID string) *rate.Limiter {
	f.limiterMu.Lock()
	defer f.limiterMu.Unlock()
	l, ok := f.limiters[providerID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(defaultProviderRate), defaultProviderBurst)
		f.limiters[providerID] = l
	}
	return l
}

// FetchKey ensures at most one fetch is in flight for k (spec.md §4.4
// algorithm steps 1-7). activeDeviceIDs are the devices currently
// subscribed and active for k, used to trigger onFetched only on success.
// Errors are logged and counted, never returned to callers that merely
// wanted the refresh to happen — the next scheduler tick retries.
func (f *Fetcher) FetchKey(ctx context.Context, k key.Key, activeDeviceIDs []string, onFetched OnFetched) {
	result, _, _ := f.group.Do(string(k), func() (interface{}, error) {
		f.metrics.Inflight.Inc()
		defer f.metrics.Inflight.Dec()
		return f.fetchOne(ctx, k), nil
	})

	if onFetched != nil && result != nil && result.(bool) {
		onFetched(ctx, k, activeDeviceIDs)
	}
}

// fetchOne performs steps 2-7 of spec.md §4.4 for a single Key, returning
// true only on a successful fetch+cache-write (spec.md step 5's "trigger
// downstream publishes" gate). It never returns an error to FetchKey:
// failures are logged, metered, and left for the next scheduler tick
// (spec.md §7 ProviderFetchError/ProviderConfigError propagation policy).
func (f *Fetcher) fetchOne(ctx context.Context, k key.Key) bool {
	correlationID := uuid.NewString()
	log := f.log.With().Str("correlation_id", correlationID).Logger()

	providerID, _, _, err := key.Parse(k)
	if err != nil {
		log.Warn().Err(fmt.Errorf("%w: %v", providerreg.ErrProviderFetch, err)).Str("key", string(k)).Msg("fetcher: malformed key, skipping")
		return false
	}

	plugin, ok := f.registry.Get(providerID)
	if !ok {
		log.Warn().Err(fmt.Errorf("%w: %q", providerreg.ErrUnknownProvider, providerID)).Str("key", string(k)).Msg("fetcher: no provider registered")
		return false
	}

	if err := f.limiterFor(providerID).Wait(ctx); err != nil {
		log.Warn().Err(err).Str("provider", providerID).Str("key", string(k)).Msg("fetcher: rate limiter wait canceled")
		return false
	}

	now := time.Now()
	start := now
	payload, ttlSeconds, err := plugin.Fetch(ctx, k, now)
	elapsed := time.Since(start)
	f.metrics.FetchDuration.WithLabelValues(providerID).Observe(elapsed.Seconds())

	if err != nil {
		classified := classifyFetchError(providerID, err)
		f.metrics.FetchErrors.WithLabelValues(providerID).Inc()
		log.Error().Err(classified).Str("provider", providerID).Str("key", string(k)).Msg("fetcher: provider fetch failed")
		return false
	}

	if err := f.cache.Set(ctx, k, payload, ttlSeconds, now); err != nil {
		log.Error().Err(err).Str("key", string(k)).Msg("fetcher: cache write failed")
		return false
	}

	log.Debug().Str("provider", providerID).Str("key", string(k)).Dur("elapsed", elapsed).Msg("fetcher: fetch succeeded")
	return true
}

// classifyFetchError wraps a raw Plugin.Fetch error with the sentinel it
// corresponds to (spec.md §7): a plugin-classified ErrProviderConfig passes
// through unwrapped-but-identified, everything else defaults to
// ErrProviderFetch.
func classifyFetchError(providerID string, err error) error {
	if errors.Is(err, providerreg.ErrProviderConfig) {
		return fmt.Errorf("%w: provider %q: %v", providerreg.ErrProviderConfig, providerID, err)
	}
	return fmt.Errorf("%w: provider %q: %v", providerreg.ErrProviderFetch, providerID, err)
}
