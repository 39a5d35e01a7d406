// Package gtfs provides the static GTFS display-label lookup helpers
// spec.md §1/§4.7 describe as out-of-scope pure functions the composer
// calls as a fallback when the provider payload itself does not carry a
// human-readable stop name or direction label. It intentionally does not
// parse GTFS feeds; it is a tiny static fallback table, not a GTFS loader.
package gtfs

import "strings"

// stopNames is a placeholder static table; a real deployment would load
// this from a GTFS stops.txt snapshot. An empty lookup leaves the composer's
// stop name empty; the stopId is not used as a fallback name.
var stopNames = map[string]string{}

// directionLabels maps "line|direction" to a rider-facing label such as
// "Uptown & The Bronx".
var directionLabels = map[string]string{}

// StopName resolves a display name for stopID, or "" if unknown.
func StopName(stopID string) string {
	return stopNames[strings.ToUpper(stopID)]
}

// DirectionLabel resolves a rider-facing label for (line, direction, stop),
// or "" if unknown. stop is accepted for future per-stop overrides even
// though the current static table only keys on line+direction.
func DirectionLabel(line, direction, stop string) string {
	return directionLabels[strings.ToUpper(line)+"|"+strings.ToUpper(direction)]
}
