// Package compose implements the Device-Command Composer of spec.md §4.7:
// for a device's set of cached Keys, it normalizes arrivals, derives
// display labels and ETAs, and emits the render command object published
// to the device's topic.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Commute-Live/Server-sub001/internal/cache"
	"github.com/Commute-Live/Server-sub001/internal/gtfs"
	"github.com/Commute-Live/Server-sub001/internal/key"
	"github.com/Commute-Live/Server-sub001/internal/sub"
)

// MaxArrivalsPerLine is the compile-time constant of spec.md §6.
const MaxArrivalsPerLine = 3

// ArrivalEntry is one padded/truncated entry in a line's nextArrivals list.
type ArrivalEntry struct {
	DelaySeconds *int    `json:"delaySeconds,omitempty"`
	Destination  *string `json:"destination,omitempty"`
	Status       *string `json:"status,omitempty"`
	Direction    *string `json:"direction,omitempty"`
	Line         *string `json:"line,omitempty"`
	ETA          string  `json:"eta"`
}

// LineCommand is one line's render block within a DeviceCommand.
type LineCommand struct {
	Line           string         `json:"line"`
	Direction      string         `json:"direction,omitempty"`
	DirectionLabel string         `json:"directionLabel,omitempty"`
	Destination    string         `json:"destination,omitempty"`
	Status         string         `json:"status,omitempty"`
	NextArrivals   []ArrivalEntry `json:"nextArrivals"`
}

// DeviceCommand is the full render command published to a device, per the
// wire shape of spec.md §6.
type DeviceCommand struct {
	DisplayType       int           `json:"displayType"`
	Scrolling         bool          `json:"scrolling"`
	ArrivalsToDisplay int           `json:"arrivalsToDisplay"`
	Provider          string        `json:"provider,omitempty"`
	Stop              string        `json:"stop,omitempty"`
	StopID            string        `json:"stopId,omitempty"`
	Direction         string        `json:"direction,omitempty"`
	DirectionLabel    string        `json:"directionLabel,omitempty"`
	Destination       string        `json:"destination,omitempty"`
	ETA               string        `json:"eta,omitempty"`
	Lines             []LineCommand `json:"lines"`
}

// composedLine carries the stop/stopId/providerID fields that only the
// top-level DeviceCommand exposes (copied from the first line after sort,
// per spec.md §4.7 step 8), alongside the public LineCommand fields.
type composedLine struct {
	providerID string
	stop       string
	stopID     string
	eta        string
	LineCommand
}

// Compose builds the DeviceCommand for deviceID from its subscribed Keys,
// reading the latest cached entry for each. Keys with no cached entry are
// skipped (spec.md §4.7 step 1); lines with no resolvable line value are
// dropped (step 6); the remaining lines are sorted ascending by line name
// (step 7) and the top-level fields are copied from the first line (step 8).
func Compose(ctx context.Context, deviceID string, keys []key.Key, opts sub.DeviceOptions, c *cache.Cache, now time.Time) (DeviceCommand, error) {
	var lines []composedLine

	for _, k := range keys {
		entry, ok, err := c.Get(ctx, k)
		if err != nil {
			return DeviceCommand{}, fmt.Errorf("compose: get %s: %w", k, err)
		}
		if !ok {
			continue
		}

		line, built := buildLine(k, entry, now)
		if !built {
			continue
		}
		lines = append(lines, line)
	}

	sort.SliceStable(lines, func(i, j int) bool {
		return strings.ToLower(lines[i].Line) < strings.ToLower(lines[j].Line)
	})

	cmd := DeviceCommand{
		DisplayType:       opts.DisplayType,
		Scrolling:         opts.Scrolling,
		ArrivalsToDisplay: opts.ArrivalsToDisplay,
	}
	if len(lines) > 0 {
		first := lines[0]
		cmd.Provider = first.providerID
		cmd.Stop = first.stop
		cmd.StopID = first.stopID
		cmd.Direction = first.Direction
		cmd.DirectionLabel = first.DirectionLabel
		cmd.Destination = first.Destination
		cmd.ETA = first.eta
	}
	cmd.Lines = make([]LineCommand, 0, len(lines))
	for _, l := range lines {
		cmd.Lines = append(cmd.Lines, l.LineCommand)
	}
	return cmd, nil
}

// buildLine implements steps 2-6 of spec.md §4.7 for a single Key.
func buildLine(k key.Key, entry cache.Entry, now time.Time) (composedLine, bool) {
	providerID, _, params, err := key.Parse(k)
	if err != nil {
		return composedLine{}, false
	}

	payload := decodePayload(entry.Payload)

	line := firstNonEmpty(stringField(payload, "line"), params["line"])
	if line == "" {
		return composedLine{}, false // step 6: drop lines with no resolvable line value
	}

	stopID := firstNonEmpty(stringField(payload, "stopId"), params["stop"])
	stopName := firstNonEmpty(stringField(payload, "stopName"), stringField(payload, "stop"), gtfs.StopName(stopID))
	direction := firstNonEmpty(stringField(payload, "direction"), params["direction"])
	directionLabel := firstNonEmpty(stringField(payload, "directionLabel"), gtfs.DirectionLabel(line, direction, stopID))
	destination := stringField(payload, "destination")
	status := stringField(payload, "status")

	baseline := time.UnixMilli(entry.FetchedAt)
	if entry.FetchedAt == 0 {
		baseline = now
	}

	rawArrivals := arrayField(payload, "arrivals")
	entries := make([]ArrivalEntry, 0, MaxArrivalsPerLine)
	parsedMins := make([]*int, 0, len(rawArrivals))

	for i, raw := range rawArrivals {
		if i >= MaxArrivalsPerLine {
			break
		}
		am, _ := raw.(map[string]interface{})
		entry, mins := buildArrivalEntry(am, baseline)
		entries = append(entries, entry)
		parsedMins = append(parsedMins, mins)
	}

	for len(entries) < MaxArrivalsPerLine {
		entries = append(entries, ArrivalEntry{ETA: "--"})
	}
	if len(entries) > MaxArrivalsPerLine {
		entries = entries[:MaxArrivalsPerLine]
	}

	return composedLine{
		providerID: providerID,
		stop:       stopName,
		stopID:     stopID,
		eta:        lineETA(parsedMins),
		LineCommand: LineCommand{
			Line:           line,
			Direction:      direction,
			DirectionLabel: directionLabel,
			Destination:    destination,
			Status:         status,
			NextArrivals:   entries,
		},
	}, true
}

// buildArrivalEntry implements step 4 of spec.md §4.7 for one raw arrival
// object. mins is nil when the arrival time was missing/unparseable.
func buildArrivalEntry(am map[string]interface{}, baseline time.Time) (ArrivalEntry, *int) {
	entry := ArrivalEntry{ETA: "--"}
	if am == nil {
		return entry, nil
	}

	if v := stringField(am, "destination"); v != "" {
		entry.Destination = &v
	}
	if v := stringField(am, "status"); v != "" {
		entry.Status = &v
	}
	if v := stringField(am, "direction"); v != "" {
		entry.Direction = &v
	}
	if v := stringField(am, "line"); v != "" {
		entry.Line = &v
	}
	if v, ok := intField(am, "delaySeconds"); ok {
		entry.DelaySeconds = &v
	}

	arrivalTimeStr := stringField(am, "arrivalTime")
	if arrivalTimeStr == "" {
		return entry, nil
	}
	arrivalTime, err := time.Parse(time.RFC3339, arrivalTimeStr)
	if err != nil {
		arrivalTime, err = time.Parse(time.RFC3339Nano, arrivalTimeStr)
		if err != nil {
			return entry, nil
		}
	}

	diffSec := int(math.Floor(float64(arrivalTime.UnixMilli()-baseline.UnixMilli()) / 1000))
	if diffSec < 0 {
		diffSec = 0
	}
	mins := (diffSec + 59) / 60

	if mins <= 1 {
		entry.ETA = "DUE"
	} else {
		entry.ETA = fmt.Sprintf("%dm", mins)
	}
	return entry, &mins
}

// lineETA implements step 5 of spec.md §4.7: the first parseable arrival
// whose minute count is > 1 wins; "DUE" is only used when no later arrival
// yields a concrete minute string.
func lineETA(mins []*int) string {
	due := false
	for _, m := range mins {
		if m == nil {
			continue
		}
		if *m > 1 {
			return fmt.Sprintf("%dm", *m)
		}
		due = true
	}
	if due {
		return "DUE"
	}
	return "--"
}

func decodePayload(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func stringField(m map[string]interface{}, field string) string {
	if m == nil {
		return ""
	}
	v, ok := m[field]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

func intField(m map[string]interface{}, field string) (int, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m[field]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func arrayField(m map[string]interface{}, field string) []interface{} {
	if m == nil {
		return nil
	}
	v, ok := m[field]
	if !ok {
		return nil
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	return arr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
