package activity

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Commute-Live/Server-sub001/internal/store"
)

func newTestStore() *Store {
	return New(store.NewMemory(), 60_000, zerolog.Nop())
}

func TestDeriveTable(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	recent := now.UnixMilli() - 1000
	old := now.UnixMilli() - 120_000

	cases := []struct {
		name       string
		presence   Presence
		lastSeen   *int64
		wantStatus Status
		wantReason Reason
	}{
		{"online recent", PresenceOnline, &recent, StatusActive, ReasonHeartbeatRecent},
		{"offline recent", PresenceOffline, &recent, StatusActive, ReasonHeartbeatRecent},
		{"unknown recent", PresenceUnknown, &recent, StatusActive, ReasonHeartbeatRecent},
		{"online stale", PresenceOnline, &old, StatusStale, ReasonHeartbeatTimeoutOnline},
		{"offline stale", PresenceOffline, &old, StatusInactive, ReasonPresenceOffline},
		{"unknown stale", PresenceUnknown, &old, StatusInactive, ReasonHeartbeatTimeout},
		{"offline absent", PresenceOffline, nil, StatusInactive, ReasonPresenceOfflineNoHeartbeat},
		{"online absent", PresenceOnline, nil, StatusStale, ReasonPresenceOnlineNoHeartbeat},
		{"unknown absent", PresenceUnknown, nil, StatusUnknown, ReasonNoSignal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, reason := derive(tc.presence, tc.lastSeen, 60_000, now)
			require.Equal(t, tc.wantStatus, status)
			require.Equal(t, tc.wantReason, reason)
		})
	}
}

func TestMarkActiveThenSnapshot(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	now := time.UnixMilli(10_000)

	require.NoError(t, s.MarkActive(ctx, "D1", now))

	snap, err := s.Snapshot(ctx, "D1", now)
	require.NoError(t, err)
	require.Equal(t, StatusActive, snap.Status)
}

func TestMarkInactiveExcludesFromActiveIDs(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	now := time.UnixMilli(10_000)

	// A heartbeat within the timeout derives "active" whatever the presence
	// (see the "offline recent" case above), so D2's last heartbeat is older
	// than the 60s timeout before it is marked inactive.
	require.NoError(t, s.MarkActive(ctx, "D1", now))
	require.NoError(t, s.MarkActive(ctx, "D2", now.Add(-2*time.Minute)))
	require.NoError(t, s.MarkInactive(ctx, "D2"))

	active, err := s.ActiveIDs(ctx, []string{"D1", "D2"}, now)
	require.NoError(t, err)
	require.Contains(t, active, "D1")
	require.NotContains(t, active, "D2")

	snap, err := s.Snapshot(ctx, "D2", now)
	require.NoError(t, err)
	require.Equal(t, StatusInactive, snap.Status)
}

func TestClampHeartbeatTimeout(t *testing.T) {
	require.Equal(t, int64(defaultHeartbeatTimeoutMs), ClampHeartbeatTimeout(0))
	require.Equal(t, int64(minHeartbeatTimeoutMs), ClampHeartbeatTimeout(1000))
	require.Equal(t, int64(maxHeartbeatTimeoutMs), ClampHeartbeatTimeout(1_000_000))
	require.Equal(t, int64(45_000), ClampHeartbeatTimeout(45_000))
}
