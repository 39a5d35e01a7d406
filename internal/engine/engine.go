// Package engine implements the Engine Facade of spec.md §4.8: it wires the
// provider registry, arrival cache, device activity store, fanout builder,
// single-flight fetcher, scheduler, and composer into the public surface
// `refreshKey`/`refreshDevice`/`reloadSubscriptions`/`markDeviceActive`/
// `markDeviceInactive`/`stop`/`ready`. Ownership follows the teacher's
// internal/scheduler/scheduler.go convention of a single struct holding
// every collaborator as a constructor-injected field, with fanout state
// swapped lock-free via atomic.Pointer per spec.md §5.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Commute-Live/Server-sub001/internal/activity"
	"github.com/Commute-Live/Server-sub001/internal/bus"
	"github.com/Commute-Live/Server-sub001/internal/cache"
	"github.com/Commute-Live/Server-sub001/internal/compose"
	"github.com/Commute-Live/Server-sub001/internal/config"
	"github.com/Commute-Live/Server-sub001/internal/fanout"
	"github.com/Commute-Live/Server-sub001/internal/fetcher"
	"github.com/Commute-Live/Server-sub001/internal/key"
	"github.com/Commute-Live/Server-sub001/internal/metrics"
	"github.com/Commute-Live/Server-sub001/internal/providerreg"
	"github.com/Commute-Live/Server-sub001/internal/scheduler"
	"github.com/Commute-Live/Server-sub001/internal/store"
	"github.com/Commute-Live/Server-sub001/internal/sub"
)

// LoadSubscriptions is the external "load subscriptions" callback of
// spec.md §6, injected at construction time. The concrete relational
// subscription store is out of this core's scope per spec.md §1.
type LoadSubscriptions func(ctx context.Context) ([]sub.Subscription, error)

// fanoutState is the atomically-swapped snapshot of spec.md §5
// (fanout/reverseFanout/options), rebuilt by the facade on every
// subscription or presence change.
type fanoutState struct {
	result fanout.Result
}

// Engine is the Engine Facade.
type Engine struct {
	registry *providerreg.Registry
	cache    *cache.Cache
	activity *activity.Store
	fetcher  *fetcher.Fetcher
	sched    *scheduler.Scheduler
	pub      bus.Publisher
	metrics  *metrics.Registry
	log      zerolog.Logger
	cfg      config.Config

	loadSubs LoadSubscriptions

	state atomic.Pointer[fanoutState]

	readyOnce sync.Once
	readyCh   chan struct{}
}

// New wires an Engine from its dependencies. s backs both the arrival cache
// and the device activity store, matching spec.md §6's shared side-store
// contract.
func New(cfg config.Config, reg *providerreg.Registry, s store.Store, pub bus.Publisher, log zerolog.Logger, loadSubs LoadSubscriptions) *Engine {
	return NewWithRegisterer(cfg, reg, s, pub, log, loadSubs, prometheus.NewRegistry())
}

// NewWithRegisterer is New with an explicit prometheus.Registerer, used by
// cmd/transitd to share the process-wide default registry and by tests to
// use an isolated one.
func NewWithRegisterer(cfg config.Config, reg *providerreg.Registry, s store.Store, pub bus.Publisher, log zerolog.Logger, loadSubs LoadSubscriptions, registerer prometheus.Registerer) *Engine {
	c := cache.New(s)
	act := activity.New(s, int64(cfg.HeartbeatTimeoutMs), log)
	m := metrics.NewRegistry(registerer)
	f := fetcher.New(reg, c, m, log)

	reg.OnChange(func(event string, n int) {
		m.ProviderCount.Set(float64(n))
	})

	e := &Engine{
		registry: reg,
		cache:    c,
		activity: act,
		fetcher:  f,
		pub:      pub,
		metrics:  m,
		log:      log,
		cfg:      cfg,
		loadSubs: loadSubs,
		readyCh:  make(chan struct{}),
	}
	e.state.Store(&fanoutState{result: fanout.Result{
		Fanout:  make(fanout.Map),
		Reverse: make(fanout.Reverse),
		Options: make(map[string]sub.DeviceOptions),
	}})
	e.sched = scheduler.New(e, m, log, cfg.RefreshInterval(), cfg.PushInterval())
	return e
}

// Start performs the initial subscription load + fanout build + one
// synchronous refresh pass, then launches the scheduler loops, closing
// Ready() once this initial pass completes (Go idiom for spec.md §4.8's
// "ready" future).
func (e *Engine) Start(ctx context.Context) error {
	if err := e.rebuildFanout(ctx); err != nil {
		return err
	}
	e.sched.RunRefreshOnce(ctx)
	e.readyOnce.Do(func() { close(e.readyCh) })
	e.sched.Start(ctx)
	return nil
}

// Stop cancels the scheduler's future ticks (spec.md §5 "stop() cancels
// future timer ticks but does not cancel in-flight provider calls").
func (e *Engine) Stop() {
	e.sched.Stop()
}

// Ready returns a channel closed once the first fanout build and refresh
// pass have completed.
func (e *Engine) Ready() <-chan struct{} {
	return e.readyCh
}

// RefreshKey implements spec.md §4.8 refreshKey: validate the key resolves
// to a registered, type-supporting provider, mark its cache entry expired,
// await readiness, and if the key is still present in the current fanout,
// fetch it immediately. Provider resolution failures are synchronous and
// surfaced to the caller per spec.md:244.
func (e *Engine) RefreshKey(ctx context.Context, k key.Key) error {
	providerID, typ, _, err := key.Parse(k)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	plugin, ok := e.registry.Get(providerID)
	if !ok {
		return fmt.Errorf("%w: provider %q", ErrUnknownProvider, providerID)
	}
	if !plugin.Supports(typ) {
		return fmt.Errorf("%w: provider %q type %q", ErrUnsupportedType, providerID, typ)
	}

	now := time.Now()
	if err := e.cache.MarkExpired(ctx, k, now); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheStore, err)
	}

	<-e.readyCh

	snap := e.snapshot()
	devices, ok := snap.Fanout[k]
	if !ok {
		return nil
	}

	activeDevices, err := e.activeDeviceIDsFor(ctx, devices, now)
	if err != nil {
		return err
	}
	e.FetchKey(ctx, k, activeDevices)
	return nil
}

// RefreshDevice implements spec.md §4.8 refreshDevice: await readiness,
// mark the device active, then markExpired+fetchKey for each of its Keys
// concurrently, awaited together, per spec.md §4.8/§5.
func (e *Engine) RefreshDevice(ctx context.Context, deviceID string) error {
	<-e.readyCh

	now := time.Now()
	if err := e.activity.MarkActive(ctx, deviceID, now); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheStore, err)
	}
	if err := e.rebuildFanout(ctx); err != nil {
		return err
	}

	snap := e.snapshot()
	keys := snap.Reverse[deviceID]
	if len(keys) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for k := range keys {
		k := k
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.cache.MarkExpired(ctx, k, now); err != nil {
				e.log.Error().Err(err).Str("key", string(k)).Msg("engine: refreshDevice markExpired failed")
				return
			}
			devices := snap.Fanout[k]
			activeDevices, err := e.activeDeviceIDsFor(ctx, devices, now)
			if err != nil {
				e.log.Error().Err(err).Str("key", string(k)).Msg("engine: refreshDevice activity lookup failed")
				return
			}
			e.FetchKey(ctx, k, activeDevices)
		}()
	}
	wg.Wait()

	return e.publishDevice(ctx, deviceID, time.Now())
}

// ReloadSubscriptions implements spec.md §4.8 reloadSubscriptions: call the
// external load-subscriptions callback, rebuild fanout, then run the
// refresh loop once.
func (e *Engine) ReloadSubscriptions(ctx context.Context) error {
	if err := e.rebuildFanout(ctx); err != nil {
		return err
	}
	e.sched.RunRefreshOnce(ctx)
	return nil
}

// MarkDeviceActive implements spec.md §4.8 markDeviceActive: set presence
// online, then rebuild fanout so the active-device filter is current.
func (e *Engine) MarkDeviceActive(ctx context.Context, deviceID string) error {
	if err := e.activity.MarkActive(ctx, deviceID, time.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheStore, err)
	}
	return e.rebuildFanout(ctx)
}

// MarkDeviceInactive implements spec.md §4.8 markDeviceInactive.
func (e *Engine) MarkDeviceInactive(ctx context.Context, deviceID string) error {
	if err := e.activity.MarkInactive(ctx, deviceID); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheStore, err)
	}
	return e.rebuildFanout(ctx)
}

// rebuildFanout reloads subscriptions and swaps in a fresh fanout snapshot,
// the single-writer mutation point of spec.md §5.
func (e *Engine) rebuildFanout(ctx context.Context) error {
	subs, err := e.loadSubs(ctx)
	if err != nil {
		return fmt.Errorf("engine: load subscriptions: %w", err)
	}
	res := fanout.Build(subs, e.registry, e.log)
	e.state.Store(&fanoutState{result: res})
	return nil
}

func (e *Engine) snapshot() fanout.Result {
	return e.state.Load().result
}

func (e *Engine) activeDeviceIDsFor(ctx context.Context, devices map[string]struct{}, now time.Time) ([]string, error) {
	ids := make([]string, 0, len(devices))
	for d := range devices {
		ids = append(ids, d)
	}
	active, err := e.activity.ActiveIDs(ctx, ids, now)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(active))
	for d := range active {
		out = append(out, d)
	}
	return out, nil
}

// --- scheduler.Deps ---

// FanoutSnapshot implements scheduler.Deps.
func (e *Engine) FanoutSnapshot() fanout.Result {
	return e.snapshot()
}

// ActiveDeviceIDs implements scheduler.Deps.
func (e *Engine) ActiveDeviceIDs(ctx context.Context, ids []string, now time.Time) (map[string]struct{}, error) {
	return e.activity.ActiveIDs(ctx, ids, now)
}

// HasFreshEntry implements scheduler.Deps.
func (e *Engine) HasFreshEntry(ctx context.Context, k key.Key, now time.Time) (bool, error) {
	entry, ok, err := e.cache.Get(ctx, k)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return !entry.Expired(now), nil
}

// FetchKey implements scheduler.Deps: fetch k and, on success, compose and
// publish to every device in activeDeviceIDs (spec.md §4.4 step 5, §4.6
// refresh loop step 4).
func (e *Engine) FetchKey(ctx context.Context, k key.Key, activeDeviceIDs []string) {
	e.fetcher.FetchKey(ctx, k, activeDeviceIDs, func(ctx context.Context, k key.Key, ids []string) {
		now := time.Now()
		for _, deviceID := range ids {
			if err := e.publishDevice(ctx, deviceID, now); err != nil {
				e.log.Error().Err(err).Str("device_id", deviceID).Msg("engine: publish after fetch failed")
			}
		}
	})
}

// PushDevice implements scheduler.Deps: compose and publish the current
// device command for deviceID (spec.md §4.6 push loop step 2). Publish
// failures are logged, not returned: the push loop never propagates a
// single device's failure to other devices in the same tick (spec.md §7).
func (e *Engine) PushDevice(ctx context.Context, deviceID string, now time.Time) {
	if err := e.publishDevice(ctx, deviceID, now); err != nil {
		e.log.Error().Err(err).Str("device_id", deviceID).Msg("engine: scheduled push failed")
	}
}

// publishDevice composes and publishes deviceID's current render command.
// Compose/marshal failures are classified as ErrPublish so direct callers
// (RefreshDevice) can test with errors.Is; async callers (FetchKey,
// PushDevice) only log it.
func (e *Engine) publishDevice(ctx context.Context, deviceID string, now time.Time) error {
	snap := e.snapshot()
	keySet := snap.Reverse[deviceID]
	if len(keySet) == 0 {
		return nil
	}
	keys := make([]key.Key, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	opts := snap.Options[deviceID]

	cmd, err := compose.Compose(ctx, deviceID, keys, opts, e.cache, now)
	if err != nil {
		return fmt.Errorf("%w: compose device %s: %v", ErrPublish, deviceID, err)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: marshal device %s: %v", ErrPublish, deviceID, err)
	}
	e.pub.Publish(bus.DeviceTopic(deviceID), payload)
	return nil
}
