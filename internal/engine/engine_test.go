package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Commute-Live/Server-sub001/internal/bus"
	"github.com/Commute-Live/Server-sub001/internal/compose"
	"github.com/Commute-Live/Server-sub001/internal/config"
	"github.com/Commute-Live/Server-sub001/internal/key"
	"github.com/Commute-Live/Server-sub001/internal/providerreg"
	"github.com/Commute-Live/Server-sub001/internal/store"
	"github.com/Commute-Live/Server-sub001/internal/sub"
)

// fakePlugin is a providerreg.Plugin stub whose Fetch behavior is supplied
// per-test via fetchFn, with a call counter for the single-flight/dedup
// scenarios of spec.md §8. supportsFn defaults to "supports everything"
// when nil.
type fakePlugin struct {
	id         string
	calls      int32
	fetchFn    func(now time.Time) (json.RawMessage, int, error)
	supportsFn func(typ string) bool
}

func (p *fakePlugin) ProviderID() string { return p.id }
func (p *fakePlugin) Supports(typ string) bool {
	if p.supportsFn != nil {
		return p.supportsFn(typ)
	}
	return true
}
func (p *fakePlugin) ToKey(typ string, cfg map[string]string) (key.Key, error) {
	return key.Build(p.id, typ, cfg), nil
}
func (p *fakePlugin) ParseKey(k key.Key) (string, map[string]string, error) {
	_, typ, params, err := key.Parse(k)
	return typ, params, err
}
func (p *fakePlugin) Fetch(_ context.Context, _ key.Key, now time.Time) (json.RawMessage, int, error) {
	atomic.AddInt32(&p.calls, 1)
	return p.fetchFn(now)
}

// arrivalsPayload builds a provider payload of the shape internal/compose
// expects: a line, and arrivals at the given offsets from now.
func arrivalsPayload(line string, now time.Time, offsets ...time.Duration) json.RawMessage {
	type arrival struct {
		ArrivalTime string `json:"arrivalTime"`
	}
	arrivals := make([]arrival, 0, len(offsets))
	for _, off := range offsets {
		arrivals = append(arrivals, arrival{ArrivalTime: now.Add(off).Format(time.RFC3339Nano)})
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"line":     line,
		"arrivals": arrivals,
	})
	return payload
}

func newTestEngine(t *testing.T, plugin *fakePlugin, subs []sub.Subscription) (*Engine, *bus.Recorder) {
	t.Helper()
	reg := providerreg.New()
	require.NoError(t, reg.Register(plugin))

	rec := bus.NewRecorder()
	cfg := config.Config{RefreshIntervalMs: 3_600_000, PushIntervalMs: 3_600_000}

	loadSubs := func(context.Context) ([]sub.Subscription, error) { return subs, nil }

	e := NewWithRegisterer(cfg, reg, store.NewMemory(), rec, zerolog.Nop(), loadSubs, prometheus.NewRegistry())
	return e, rec
}

func sub1(deviceID, providerID string) sub.Subscription {
	return sub.Subscription{
		DeviceID:   deviceID,
		ProviderID: providerID,
		Type:       "arrivals",
		Config:     map[string]string{"line": "L", "stop": "S"},
	}
}

// Scenario 1: cold start, one device, one key.
func TestScenarioColdStartOneDeviceOneKey(t *testing.T) {
	plugin := &fakePlugin{id: "P", fetchFn: func(now time.Time) (json.RawMessage, int, error) {
		return arrivalsPayload("L", now, 120*time.Second), 15, nil
	}}
	e, rec := newTestEngine(t, plugin, []sub.Subscription{sub1("D1", "P")})

	require.NoError(t, e.MarkDeviceActive(context.Background(), "D1"))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	k := key.Build("P", "arrivals", map[string]string{"line": "L", "stop": "S"})
	entry, ok, err := e.cache.Get(context.Background(), k)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, entry.Payload)

	msgs := rec.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, bus.DeviceTopic("D1"), msgs[0].Topic)

	var cmd compose.DeviceCommand
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &cmd))
	require.Len(t, cmd.Lines, 1)
	require.Equal(t, "L", cmd.Lines[0].Line)
	require.Equal(t, "2m", cmd.Lines[0].NextArrivals[0].ETA)
	require.Len(t, cmd.Lines[0].NextArrivals, 3)
}

// Scenario 2: dedup across devices.
func TestScenarioDedupAcrossDevices(t *testing.T) {
	plugin := &fakePlugin{id: "P", fetchFn: func(now time.Time) (json.RawMessage, int, error) {
		return arrivalsPayload("L", now, 120*time.Second), 15, nil
	}}
	e, rec := newTestEngine(t, plugin, []sub.Subscription{sub1("D1", "P"), sub1("D2", "P")})

	require.NoError(t, e.MarkDeviceActive(context.Background(), "D1"))
	require.NoError(t, e.MarkDeviceActive(context.Background(), "D2"))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Equal(t, int32(1), atomic.LoadInt32(&plugin.calls))
	require.Len(t, rec.Messages(), 2)
}

// Scenario 3: inactive device gate.
func TestScenarioInactiveDeviceGate(t *testing.T) {
	plugin := &fakePlugin{id: "P", fetchFn: func(now time.Time) (json.RawMessage, int, error) {
		return arrivalsPayload("L", now, 120*time.Second), 15, nil
	}}
	e, rec := newTestEngine(t, plugin, []sub.Subscription{sub1("D1", "P"), sub1("D2", "P")})

	require.NoError(t, e.MarkDeviceInactive(context.Background(), "D1"))
	require.NoError(t, e.MarkDeviceActive(context.Background(), "D2"))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Equal(t, int32(1), atomic.LoadInt32(&plugin.calls))
	msgs := rec.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, bus.DeviceTopic("D2"), msgs[0].Topic)
}

// Scenario 4: failure then recovery.
func TestScenarioFailureThenRecovery(t *testing.T) {
	fail := true
	plugin := &fakePlugin{id: "P", fetchFn: func(now time.Time) (json.RawMessage, int, error) {
		if fail {
			return nil, 0, fmt.Errorf("upstream unavailable")
		}
		return arrivalsPayload("L", now, 120*time.Second), 15, nil
	}}
	e, rec := newTestEngine(t, plugin, []sub.Subscription{sub1("D1", "P")})

	require.NoError(t, e.MarkDeviceActive(context.Background(), "D1"))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	k := key.Build("P", "arrivals", map[string]string{"line": "L", "stop": "S"})
	_, ok, err := e.cache.Get(context.Background(), k)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, rec.Messages())

	fail = false
	require.NoError(t, e.ReloadSubscriptions(context.Background()))

	_, ok, err = e.cache.Get(context.Background(), k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rec.Messages(), 1)
}

// Scenario 5: expire and refresh.
func TestScenarioExpireAndRefresh(t *testing.T) {
	plugin := &fakePlugin{id: "P", fetchFn: func(now time.Time) (json.RawMessage, int, error) {
		return arrivalsPayload("L", now, 120*time.Second), 15, nil
	}}
	e, _ := newTestEngine(t, plugin, []sub.Subscription{sub1("D1", "P")})

	require.NoError(t, e.MarkDeviceActive(context.Background(), "D1"))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	k := key.Build("P", "arrivals", map[string]string{"line": "L", "stop": "S"})
	first, ok, err := e.cache.Get(context.Background(), k)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, e.RefreshKey(context.Background(), k))

	second, ok, err := e.cache.Get(context.Background(), k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, second.FetchedAt, first.FetchedAt)
	require.GreaterOrEqual(t, atomic.LoadInt32(&plugin.calls), int32(2))
}

// Scenario 6: ETA rendering.
func TestScenarioETARendering(t *testing.T) {
	plugin := &fakePlugin{id: "P", fetchFn: func(now time.Time) (json.RawMessage, int, error) {
		return arrivalsPayload("L", now, 30*time.Second, 90*time.Second, 600*time.Second), 15, nil
	}}
	e, rec := newTestEngine(t, plugin, []sub.Subscription{sub1("D1", "P")})

	require.NoError(t, e.MarkDeviceActive(context.Background(), "D1"))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	msgs := rec.Messages()
	require.Len(t, msgs, 1)

	var cmd compose.DeviceCommand
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &cmd))
	require.Len(t, cmd.Lines, 1)

	etas := make([]string, len(cmd.Lines[0].NextArrivals))
	for i, a := range cmd.Lines[0].NextArrivals {
		etas[i] = a.ETA
	}
	require.Equal(t, []string{"DUE", "2m", "10m"}, etas)
	require.Equal(t, "2m", cmd.ETA)
}

// RefreshKey error-kind tests (spec.md §7, §4.8): provider resolution
// failures are synchronous and must surface to the direct caller.

func TestRefreshKeyRejectsMalformedKey(t *testing.T) {
	plugin := &fakePlugin{id: "P", fetchFn: func(time.Time) (json.RawMessage, int, error) {
		return json.RawMessage(`{}`), 15, nil
	}}
	e, _ := newTestEngine(t, plugin, nil)

	err := e.RefreshKey(context.Background(), key.Key("not-a-valid-key"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformedKey))
}

func TestRefreshKeyRejectsUnknownProvider(t *testing.T) {
	plugin := &fakePlugin{id: "P", fetchFn: func(time.Time) (json.RawMessage, int, error) {
		return json.RawMessage(`{}`), 15, nil
	}}
	e, _ := newTestEngine(t, plugin, nil)

	k := key.Build("OTHER", "arrivals", map[string]string{"line": "L"})
	err := e.RefreshKey(context.Background(), k)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestRefreshKeyRejectsUnsupportedType(t *testing.T) {
	plugin := &fakePlugin{
		id:         "P",
		fetchFn:    func(time.Time) (json.RawMessage, int, error) { return json.RawMessage(`{}`), 15, nil },
		supportsFn: func(typ string) bool { return typ == "arrivals" },
	}
	e, _ := newTestEngine(t, plugin, nil)

	k := key.Build("P", "alerts", map[string]string{"line": "L"})
	err := e.RefreshKey(context.Background(), k)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnsupportedType))
}

func TestPublishDeviceWrapsComposeFailureAsErrPublish(t *testing.T) {
	plugin := &fakePlugin{id: "P", fetchFn: func(now time.Time) (json.RawMessage, int, error) {
		return arrivalsPayload("L", now, 120*time.Second), 15, nil
	}}
	reg := providerreg.New()
	require.NoError(t, reg.Register(plugin))

	s := store.NewMemory()
	rec := bus.NewRecorder()
	cfg := config.Config{RefreshIntervalMs: 3_600_000, PushIntervalMs: 3_600_000}
	subs := []sub.Subscription{sub1("D1", "P")}
	loadSubs := func(context.Context) ([]sub.Subscription, error) { return subs, nil }
	e := NewWithRegisterer(cfg, reg, s, rec, zerolog.Nop(), loadSubs, prometheus.NewRegistry())

	require.NoError(t, e.MarkDeviceActive(context.Background(), "D1"))

	k := key.Build("P", "arrivals", map[string]string{"line": "L", "stop": "S"})
	require.NoError(t, s.Set(context.Background(), "arrivals-cache:"+string(k), []byte("not-json"), time.Minute))

	err := e.publishDevice(context.Background(), "D1", time.Now())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrPublish))
}

// failingStore is a store.Store whose every method errors, used to exercise
// ErrCacheStore propagation from the facade's activity-store writes.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("failingStore: get")
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("failingStore: set")
}
func (failingStore) Del(context.Context, string) error { return fmt.Errorf("failingStore: del") }
func (failingStore) MGet(context.Context, []string) ([][]byte, error) {
	return nil, fmt.Errorf("failingStore: mget")
}
func (failingStore) MSet(context.Context, map[string][]byte, time.Duration) error {
	return fmt.Errorf("failingStore: mset")
}
func (failingStore) Exists(context.Context, string) (bool, error) {
	return false, fmt.Errorf("failingStore: exists")
}
func (failingStore) Scan(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("failingStore: scan")
}
func (failingStore) GetBytes(context.Context, string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("failingStore: getbytes")
}

func TestMarkDeviceActiveSurfacesErrCacheStore(t *testing.T) {
	reg := providerreg.New()
	require.NoError(t, reg.Register(&fakePlugin{id: "P"}))
	cfg := config.Config{RefreshIntervalMs: 3_600_000, PushIntervalMs: 3_600_000}
	loadSubs := func(context.Context) ([]sub.Subscription, error) { return nil, nil }

	e := NewWithRegisterer(cfg, reg, failingStore{}, bus.NewRecorder(), zerolog.Nop(), loadSubs, prometheus.NewRegistry())

	err := e.MarkDeviceActive(context.Background(), "D1")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCacheStore))
}
