// Package scheduler implements the two periodic loops of spec.md §4.6: the
// refresh loop (fetch expired Keys with >=1 active subscriber) and the push
// loop (publish a fresh device command to every active device). Both loops
// follow the teacher's ticker/select idiom
// (sawpanic-cryptorun/internal/scheduler/scheduler.go Start) with a
// re-entrancy guard adapted from the stop-channel discipline of
// _examples/other_examples/eeb10783_Resinat-Resin__internal-topology-subscription_scheduler.go.go.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Commute-Live/Server-sub001/internal/fanout"
	"github.com/Commute-Live/Server-sub001/internal/key"
	"github.com/Commute-Live/Server-sub001/internal/metrics"
)

// Deps is the narrow surface the Scheduler needs from the Engine Facade. It
// exists so scheduler never imports engine (engine imports scheduler),
// keeping fanout/inflight ownership entirely on the engine side per
// spec.md §5.
type Deps interface {
	// FanoutSnapshot returns the current fanout state. Must be safe to call
	// concurrently with rebuilds (spec.md §3 "readers observe either old or
	// new snapshot atomically").
	FanoutSnapshot() fanout.Result

	// ActiveDeviceIDs filters ids down to those with derived status=active.
	ActiveDeviceIDs(ctx context.Context, ids []string, now time.Time) (map[string]struct{}, error)

	// HasFreshEntry reports whether k has a cache entry that is not
	// expired as of now. Used by the refresh loop to decide whether to
	// fetch (spec.md §4.6 refresh loop step 3).
	HasFreshEntry(ctx context.Context, k key.Key, now time.Time) (bool, error)

	// FetchKey triggers a single-flight fetch of k and, on success,
	// publishes to activeDeviceIDs (spec.md §4.4/§4.6).
	FetchKey(ctx context.Context, k key.Key, activeDeviceIDs []string)

	// PushDevice composes and publishes the current device command for
	// deviceID (spec.md §4.6 push loop step 2).
	PushDevice(ctx context.Context, deviceID string, now time.Time)
}

// Scheduler runs the refresh and push loops.
type Scheduler struct {
	deps    Deps
	metrics *metrics.Registry
	log     zerolog.Logger

	refreshInterval time.Duration
	pushInterval    time.Duration

	refreshRunning atomic.Bool
	pushRunning    atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Scheduler. refreshInterval/pushInterval are the periods of
// spec.md §4.6 (defaults 1000ms / 30000ms, applied by internal/config).
func New(deps Deps, m *metrics.Registry, log zerolog.Logger, refreshInterval, pushInterval time.Duration) *Scheduler {
	return &Scheduler{
		deps:            deps,
		metrics:         m,
		log:             log,
		refreshInterval: refreshInterval,
		pushInterval:    pushInterval,
	}
}

// Start launches both loops as background goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.runLoop(ctx, "refresh", s.refreshInterval, &s.refreshRunning, s.refreshTick)
	go s.runLoop(ctx, "push", s.pushInterval, &s.pushRunning, s.pushTick)
}

// Stop cancels future ticks. In-flight fetches are not canceled (spec.md §5
// "stop() cancels future timer ticks but does not cancel in-flight
// provider calls").
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RunRefreshOnce executes a single refresh tick synchronously, used by
// ReloadSubscriptions (spec.md §4.8: "rebuild fanout; then run the refresh
// loop once") and by Ready's initial pass.
func (s *Scheduler) RunRefreshOnce(ctx context.Context) {
	s.refreshTick(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, guard *atomic.Bool, tick func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !guard.CompareAndSwap(false, true) {
				s.log.Debug().Str("loop", name).Msg("scheduler: tick skipped, previous tick still running")
				continue
			}
			tick(ctx)
			guard.Store(false)
		}
	}
}

// refreshTick implements spec.md §4.6 refresh loop.
func (s *Scheduler) refreshTick(ctx context.Context) {
	now := time.Now()
	snapshot := s.deps.FanoutSnapshot()

	deviceSet := make(map[string]struct{})
	for k := range snapshot.Fanout {
		for d := range snapshot.Fanout[k] {
			deviceSet[d] = struct{}{}
		}
	}
	allDevices := make([]string, 0, len(deviceSet))
	for d := range deviceSet {
		allDevices = append(allDevices, d)
	}

	active, err := s.deps.ActiveDeviceIDs(ctx, allDevices, now)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: failed to snapshot active devices")
		return
	}

	for k, devices := range snapshot.Fanout {
		activeForKey := intersect(devices, active)
		if len(activeForKey) == 0 {
			continue
		}

		fresh, err := s.deps.HasFreshEntry(ctx, k, now)
		if err != nil {
			s.log.Error().Err(err).Str("key", string(k)).Msg("scheduler: cache read failed")
			continue
		}
		if fresh {
			s.metrics.CacheHits.Inc()
			continue
		}

		s.metrics.CacheMisses.Inc()
		s.deps.FetchKey(ctx, k, activeForKey)
	}
}

// pushTick implements spec.md §4.6 push loop.
func (s *Scheduler) pushTick(ctx context.Context) {
	now := time.Now()
	snapshot := s.deps.FanoutSnapshot()

	allDevices := make([]string, 0, len(snapshot.Reverse))
	for d := range snapshot.Reverse {
		allDevices = append(allDevices, d)
	}

	active, err := s.deps.ActiveDeviceIDs(ctx, allDevices, now)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: failed to snapshot active devices")
		return
	}

	for d := range active {
		s.deps.PushDevice(ctx, d, now)
	}
}

func intersect(devices map[string]struct{}, active map[string]struct{}) []string {
	out := make([]string, 0, len(devices))
	for d := range devices {
		if _, ok := active[d]; ok {
			out = append(out, d)
		}
	}
	return out
}
