package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGetPresence(t *testing.T) {
	ts := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, ts.presence.Register(ctx, "builder", "sess-42"))

	instances, err := ts.presence.GetPresence(ctx)
	require.NoError(t, err)
	require.Contains(t, instances, "builder")

	inst := instances["builder"]
	assert.True(t, inst.Active)
	assert.Equal(t, "sess-42", inst.SessionID)
	assert.WithinDuration(t, time.Now(), inst.LastHeartbeat, 5*time.Second)
}

func TestRegisterWithoutSession(t *testing.T) {
	ts := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, ts.presence.Register(ctx, "builder", ""))

	instances, err := ts.presence.GetPresence(ctx)
	require.NoError(t, err)
	require.Contains(t, instances, "builder")
	assert.Empty(t, instances["builder"].SessionID)
}

func TestStaleHeartbeatReadsInactive(t *testing.T) {
	ts := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, ts.presence.Register(ctx, "builder", ""))

	// Age the heartbeat past the staleness window; the stored active flag
	// stays "1" but the instance must read as inactive.
	stale := FormatTimestamp(time.Now().Add(-10 * time.Minute))
	ts.mr.HSet(ts.keys.Presence(), PresenceField("builder", presenceFieldHeartbeat), stale)

	live, err := ts.presence.IsLive(ctx, "builder")
	require.NoError(t, err)
	assert.False(t, live)

	instances, err := ts.presence.GetPresence(ctx)
	require.NoError(t, err)
	assert.False(t, instances["builder"].Active)
}

func TestHeartbeatRevivesStaleInstance(t *testing.T) {
	ts := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, ts.presence.Register(ctx, "builder", ""))
	stale := FormatTimestamp(time.Now().Add(-10 * time.Minute))
	ts.mr.HSet(ts.keys.Presence(), PresenceField("builder", presenceFieldHeartbeat), stale)

	require.NoError(t, ts.presence.Heartbeat(ctx, "builder"))

	live, err := ts.presence.IsLive(ctx, "builder")
	require.NoError(t, err)
	assert.True(t, live)
}

func TestUnregister(t *testing.T) {
	ts := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, ts.presence.Register(ctx, "builder", "sess-1"))
	require.NoError(t, ts.presence.Unregister(ctx, "builder"))

	instances, err := ts.presence.GetPresence(ctx)
	require.NoError(t, err)
	assert.NotContains(t, instances, "builder")

	live, err := ts.presence.IsLive(ctx, "builder")
	require.NoError(t, err)
	assert.False(t, live)
}

func TestPresenceWithDottedInstanceID(t *testing.T) {
	ts := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, ts.presence.Register(ctx, "builder.us-east.1", "sess-1"))

	instances, err := ts.presence.GetPresence(ctx)
	require.NoError(t, err)
	require.Contains(t, instances, "builder.us-east.1")
	assert.True(t, instances["builder.us-east.1"].Active)
}

func TestGetPresenceSkipsMalformedHeartbeat(t *testing.T) {
	ts := newTestSubstrate(t)
	ctx := context.Background()

	ts.mr.HSet(ts.keys.Presence(),
		PresenceField("broken", presenceFieldActive), "1",
		PresenceField("broken", presenceFieldHeartbeat), "not-a-timestamp",
	)

	instances, err := ts.presence.GetPresence(ctx)
	require.NoError(t, err)
	require.Contains(t, instances, "broken")
	// No parseable heartbeat means never live.
	assert.False(t, instances["broken"].Active)
}
