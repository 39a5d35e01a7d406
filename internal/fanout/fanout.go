// Package fanout implements the Fanout Builder of spec.md §4.5: it rebuilds
// the Key -> deviceIDs map, deviceID -> Keys map, and per-device render
// options from the current subscription set and provider registry. Build is
// a pure function — no I/O, deterministic given its inputs (spec.md §8
// "Fanout determinism").
package fanout

import (
	"github.com/rs/zerolog"

	"github.com/Commute-Live/Server-sub001/internal/key"
	"github.com/Commute-Live/Server-sub001/internal/providerreg"
	"github.com/Commute-Live/Server-sub001/internal/sub"
)

// Map is Key -> set of deviceIDs (spec.md §3 FanoutMap).
type Map map[key.Key]map[string]struct{}

// Reverse is deviceID -> set of Keys (spec.md §3 ReverseFanout).
type Reverse map[string]map[key.Key]struct{}

// Result bundles the three maps Build produces, per spec.md §4.5.
type Result struct {
	Fanout  Map
	Reverse Reverse
	Options map[string]sub.DeviceOptions
}

// Build rebuilds FanoutMap, ReverseFanout, and per-device DeviceOptions from
// subs and the registry. Unknown providers or unsupported types are skipped
// with a warning log (spec.md §3 invariant, §4.5 rule, §7 UnknownProvider /
// UnsupportedType handling). Per-device options keep the first subscription
// occurrence (stable ordering), per spec.md §4.5.
func Build(subs []sub.Subscription, reg *providerreg.Registry, log zerolog.Logger) Result {
	res := Result{
		Fanout:  make(Map),
		Reverse: make(Reverse),
		Options: make(map[string]sub.DeviceOptions),
	}

	seenOptions := make(map[string]bool)

	for _, s := range subs {
		plugin, ok := reg.Get(s.ProviderID)
		if !ok {
			log.Warn().Str("provider", s.ProviderID).Str("device_id", s.DeviceID).
				Msg("fanout: unknown provider, dropping subscription")
			continue
		}
		if !plugin.Supports(s.Type) {
			log.Warn().Str("provider", s.ProviderID).Str("type", s.Type).Str("device_id", s.DeviceID).
				Msg("fanout: unsupported type, dropping subscription")
			continue
		}

		k, err := plugin.ToKey(s.Type, s.Config)
		if err != nil {
			log.Warn().Err(err).Str("provider", s.ProviderID).Str("device_id", s.DeviceID).
				Msg("fanout: failed to build key, dropping subscription")
			continue
		}

		if res.Fanout[k] == nil {
			res.Fanout[k] = make(map[string]struct{})
		}
		res.Fanout[k][s.DeviceID] = struct{}{}

		if res.Reverse[s.DeviceID] == nil {
			res.Reverse[s.DeviceID] = make(map[key.Key]struct{})
		}
		res.Reverse[s.DeviceID][k] = struct{}{}

		if !seenOptions[s.DeviceID] {
			res.Options[s.DeviceID] = sub.OptionsFrom(s)
			seenOptions[s.DeviceID] = true
		}
	}

	return res
}
