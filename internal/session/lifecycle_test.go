package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepFlagsStaleAgents(t *testing.T) {
	lc := NewLifecycle(time.Minute, time.Hour, 3)
	lc.Track("a1")
	lc.Start("a1")

	actions, pruned := lc.Sweep(time.Now())
	assert.Empty(t, actions)
	assert.Empty(t, pruned)

	actions, _ = lc.Sweep(time.Now().Add(2 * time.Minute))
	require.Len(t, actions, 1)
	assert.Equal(t, "a1", actions[0].ID)
	assert.Equal(t, StatusTimeout, actions[0].Status)
	assert.Contains(t, actions[0].Reason, "no heartbeat")
}

func TestBeatKeepsAgentFresh(t *testing.T) {
	lc := NewLifecycle(200*time.Millisecond, time.Hour, 3)
	lc.Track("a1")
	lc.Start("a1")

	time.Sleep(150 * time.Millisecond)
	lc.Beat("a1")
	time.Sleep(150 * time.Millisecond)

	// 300ms since Track but only 150ms since the beat.
	actions, _ := lc.Sweep(time.Now())
	assert.Empty(t, actions)

	time.Sleep(250 * time.Millisecond)
	actions, _ = lc.Sweep(time.Now())
	require.Len(t, actions, 1)
	assert.Equal(t, StatusTimeout, actions[0].Status)
}

func TestUnstartedAgentsAreNeverStale(t *testing.T) {
	lc := NewLifecycle(time.Minute, time.Hour, 3)
	lc.Track("a1")

	// Tracked but not launched: no amount of queue time makes it stale.
	actions, _ := lc.Sweep(time.Now().Add(10 * time.Minute))
	assert.Empty(t, actions)

	// Once started the heartbeat clock begins from the launch, not from
	// Track.
	lc.Start("a1")
	actions, _ = lc.Sweep(time.Now().Add(30 * time.Second))
	assert.Empty(t, actions)

	actions, _ = lc.Sweep(time.Now().Add(2 * time.Minute))
	require.Len(t, actions, 1)
	assert.Equal(t, StatusTimeout, actions[0].Status)
}

func TestSweepFlagsUnhealthyAgents(t *testing.T) {
	lc := NewLifecycle(time.Hour, time.Hour, 2)
	lc.Track("a1")
	for i := 0; i < 3; i++ {
		lc.RaiseAlert("a1", "tool overrun")
	}

	actions, _ := lc.Sweep(time.Now())
	require.Len(t, actions, 1)
	assert.Equal(t, StatusFailed, actions[0].Status)
	assert.Contains(t, actions[0].Reason, "force-terminated")
	assert.Len(t, lc.Alerts("a1"), 3)
}

func TestAlertsBelowLimitAreTolerated(t *testing.T) {
	lc := NewLifecycle(time.Hour, time.Hour, 3)
	lc.Track("a1")
	lc.RaiseAlert("a1", "slow response")
	lc.RaiseAlert("a1", "slow response")

	actions, _ := lc.Sweep(time.Now())
	assert.Empty(t, actions)
}

func TestSweepPrunesFinishedRecords(t *testing.T) {
	lc := NewLifecycle(time.Minute, time.Hour, 3)
	lc.Track("a1")
	lc.Finish("a1", StatusCompleted)

	actions, pruned := lc.Sweep(time.Now().Add(5 * time.Minute))
	assert.Empty(t, actions, "finished records are never stale")
	assert.Empty(t, pruned)
	assert.Equal(t, 1, lc.Tracked())

	_, pruned = lc.Sweep(time.Now().Add(2 * time.Hour))
	assert.Equal(t, []string{"a1"}, pruned)
	assert.Zero(t, lc.Tracked())
}

func TestFinishedAgentsIgnoreBeatsAndAlerts(t *testing.T) {
	lc := NewLifecycle(time.Minute, time.Hour, 3)
	lc.Track("a1")
	lc.Finish("a1", StatusCompleted)

	lc.RaiseAlert("a1", "late alert")
	assert.Empty(t, lc.Alerts("a1"))
}
