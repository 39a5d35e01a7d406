// Package activity implements the Device Activity Store of spec.md §4.3:
// presence + heartbeat tracking with the derived active|inactive|stale|unknown
// status table of spec.md §3. It is built on store.Store so presence state
// shares the same side-store contract as the arrival cache.
package activity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Commute-Live/Server-sub001/internal/store"
)

// Presence is a device's self-reported liveness marker.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceUnknown Presence = "unknown"
)

// Status is the derived activity status of spec.md §3.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusStale    Status = "stale"
	StatusUnknown  Status = "unknown"
)

// Reason explains why a Status was derived, for logging.
type Reason string

const (
	ReasonHeartbeatRecent             Reason = "heartbeat_recent"
	ReasonHeartbeatTimeoutOnline      Reason = "heartbeat_timeout_presence_online"
	ReasonPresenceOffline             Reason = "presence_offline"
	ReasonHeartbeatTimeout            Reason = "heartbeat_timeout"
	ReasonPresenceOfflineNoHeartbeat  Reason = "presence_offline_no_heartbeat"
	ReasonPresenceOnlineNoHeartbeat   Reason = "presence_online_no_heartbeat"
	ReasonNoSignal                    Reason = "no_signal"
)

// DeviceActivity is the derived view of spec.md §3.
type DeviceActivity struct {
	DeviceID          string
	Presence          Presence
	LastSeenMs        *int64 // nil means "absent"
	HeartbeatTimeoutMs int64
	Status            Status
	Reason            Reason
}

const (
	defaultHeartbeatTimeoutMs = 60_000
	minHeartbeatTimeoutMs     = 15_000
	maxHeartbeatTimeoutMs     = 300_000

	presenceKeyFmt  = "device:activity:%s:presence"
	lastSeenKeyFmt  = "device:activity:%s:last_seen_ms"
	activeFlagKeyFmt = "device:active:%s"
)

// ClampHeartbeatTimeout clamps ms to [15s, 300s], per spec.md §4.3.
func ClampHeartbeatTimeout(ms int64) int64 {
	if ms <= 0 {
		return defaultHeartbeatTimeoutMs
	}
	if ms < minHeartbeatTimeoutMs {
		return minHeartbeatTimeoutMs
	}
	if ms > maxHeartbeatTimeoutMs {
		return maxHeartbeatTimeoutMs
	}
	return ms
}

// Store is the Device Activity Store.
type Store struct {
	store              store.Store
	log                zerolog.Logger
	heartbeatTimeoutMs int64
}

// New creates a Store with the given heartbeat timeout (clamped per
// spec.md §4.3; 0 selects the default of 60s).
func New(s store.Store, heartbeatTimeoutMs int64, log zerolog.Logger) *Store {
	return &Store{
		store:              s,
		log:                log,
		heartbeatTimeoutMs: ClampHeartbeatTimeout(heartbeatTimeoutMs),
	}
}

// MarkActive sets presence=online and records a heartbeat at the current
// instant, per spec.md §4.3.
func (s *Store) MarkActive(ctx context.Context, deviceID string, now time.Time) error {
	if err := s.setPresence(ctx, deviceID, PresenceOnline); err != nil {
		return err
	}
	if err := s.RecordHeartbeat(ctx, deviceID, now); err != nil {
		return err
	}
	return s.store.Set(ctx, fmt.Sprintf(activeFlagKeyFmt, deviceID), []byte("1"), 0)
}

// MarkInactive sets presence=offline and clears the active flag.
func (s *Store) MarkInactive(ctx context.Context, deviceID string) error {
	if err := s.setPresence(ctx, deviceID, PresenceOffline); err != nil {
		return err
	}
	return s.store.Del(ctx, fmt.Sprintf(activeFlagKeyFmt, deviceID))
}

// RecordHeartbeat sets presence=online and lastSeenMs=now.
func (s *Store) RecordHeartbeat(ctx context.Context, deviceID string, now time.Time) error {
	if err := s.setPresence(ctx, deviceID, PresenceOnline); err != nil {
		return err
	}
	return s.store.Set(ctx, fmt.Sprintf(lastSeenKeyFmt, deviceID), []byte(strconv.FormatInt(now.UnixMilli(), 10)), 0)
}

func (s *Store) setPresence(ctx context.Context, deviceID string, p Presence) error {
	return s.store.Set(ctx, fmt.Sprintf(presenceKeyFmt, deviceID), []byte(p), 0)
}

// Snapshot derives the current DeviceActivity for deviceID per the table in
// spec.md §3.
func (s *Store) Snapshot(ctx context.Context, deviceID string, now time.Time) (DeviceActivity, error) {
	presence, err := s.readPresence(ctx, deviceID)
	if err != nil {
		return DeviceActivity{}, err
	}
	lastSeen, err := s.readLastSeen(ctx, deviceID)
	if err != nil {
		return DeviceActivity{}, err
	}

	da := DeviceActivity{
		DeviceID:           deviceID,
		Presence:           presence,
		LastSeenMs:         lastSeen,
		HeartbeatTimeoutMs: s.heartbeatTimeoutMs,
	}
	da.Status, da.Reason = derive(presence, lastSeen, s.heartbeatTimeoutMs, now)
	return da, nil
}

// SnapshotMany batch-derives activity for multiple devices.
func (s *Store) SnapshotMany(ctx context.Context, deviceIDs []string, now time.Time) (map[string]DeviceActivity, error) {
	out := make(map[string]DeviceActivity, len(deviceIDs))
	for _, id := range deviceIDs {
		da, err := s.Snapshot(ctx, id, now)
		if err != nil {
			return nil, err
		}
		out[id] = da
	}
	return out, nil
}

// ActiveIDs returns the subset of deviceIDs whose derived status is
// StatusActive. Per DESIGN.md Open Question #3, "stale" devices are never
// eligible.
func (s *Store) ActiveIDs(ctx context.Context, deviceIDs []string, now time.Time) (map[string]struct{}, error) {
	snaps, err := s.SnapshotMany(ctx, deviceIDs, now)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	for id, da := range snaps {
		if da.Status == StatusActive {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *Store) readPresence(ctx context.Context, deviceID string) (Presence, error) {
	raw, ok, err := s.store.GetBytes(ctx, fmt.Sprintf(presenceKeyFmt, deviceID))
	if err != nil {
		return PresenceUnknown, fmt.Errorf("activity: read presence %s: %w", deviceID, err)
	}
	if !ok {
		return PresenceUnknown, nil
	}
	return Presence(raw), nil
}

func (s *Store) readLastSeen(ctx context.Context, deviceID string) (*int64, error) {
	raw, ok, err := s.store.GetBytes(ctx, fmt.Sprintf(lastSeenKeyFmt, deviceID))
	if err != nil {
		return nil, fmt.Errorf("activity: read last_seen %s: %w", deviceID, err)
	}
	if !ok {
		return nil, nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return nil, nil
	}
	return &ms, nil
}

// derive implements the status/reason table of spec.md §3 exactly.
func derive(presence Presence, lastSeenMs *int64, heartbeatTimeoutMs int64, now time.Time) (Status, Reason) {
	if lastSeenMs == nil {
		switch presence {
		case PresenceOffline:
			return StatusInactive, ReasonPresenceOfflineNoHeartbeat
		case PresenceOnline:
			return StatusStale, ReasonPresenceOnlineNoHeartbeat
		default:
			return StatusUnknown, ReasonNoSignal
		}
	}

	age := now.UnixMilli() - *lastSeenMs
	withinTimeout := age <= heartbeatTimeoutMs

	if withinTimeout {
		return StatusActive, ReasonHeartbeatRecent
	}

	switch presence {
	case PresenceOnline:
		return StatusStale, ReasonHeartbeatTimeoutOnline
	case PresenceOffline:
		return StatusInactive, ReasonPresenceOffline
	default:
		return StatusInactive, ReasonHeartbeatTimeout
	}
}
