// Package sub holds the Subscription and DeviceOptions types shared by the
// fanout builder, scheduler, and engine facade (spec.md §3). It has no
// dependency on providerreg/cache/engine so every other package can import
// it without creating cycles.
package sub

// Subscription is a device's request for updates on a (providerID, type,
// config) fingerprint, per spec.md §3. Immutable per reload cycle.
type Subscription struct {
	DeviceID          string
	ProviderID        string
	Type              string
	Config            map[string]string
	DisplayType       *int
	Scrolling         *bool
	ArrivalsToDisplay *int
}

// DeviceOptions is the per-device rendering configuration derived from the
// first subscription occurrence for that device, per spec.md §4.5.
type DeviceOptions struct {
	DisplayType       int
	Scrolling         bool
	ArrivalsToDisplay int
}

const (
	defaultDisplayType       = 1
	defaultScrolling         = false
	defaultArrivalsToDisplay = 1

	minArrivalsToDisplay = 1
	maxArrivalsToDisplay = 3
)

// OptionsFrom derives DeviceOptions from a Subscription, applying the
// defaults and clamp of spec.md §4.5.
func OptionsFrom(s Subscription) DeviceOptions {
	opts := DeviceOptions{
		DisplayType:       defaultDisplayType,
		Scrolling:         defaultScrolling,
		ArrivalsToDisplay: defaultArrivalsToDisplay,
	}
	if s.DisplayType != nil {
		opts.DisplayType = *s.DisplayType
	}
	if s.Scrolling != nil {
		opts.Scrolling = *s.Scrolling
	}
	if s.ArrivalsToDisplay != nil {
		opts.ArrivalsToDisplay = clamp(*s.ArrivalsToDisplay, minArrivalsToDisplay, maxArrivalsToDisplay)
	}
	return opts
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
