package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-monitor/argus/pkg/clock"
)

func testStates() []ObjectState {
	hostState, _ := json.Marshal(map[string]any{"state": 2, "attempt": 3})
	svcState, _ := json.Marshal(map[string]any{"state": 0, "attempt": 1})
	return []ObjectState{
		{Type: "Host", Name: "web1", State: hostState},
		{Type: "Service", Name: "web1!http", State: svcState},
	}
}

func newSnapshotter(t *testing.T, collect func() []ObjectState) (*Snapshotter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "argus.state")
	tc := clock.NewTestClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	s := NewSnapshotter(Config{Clock: tc, Path: path, Collect: collect})
	return s, path
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, path := newSnapshotter(t, testStates)
	s.RecordModifiedAttribute("Host", "web1", "enable_notifications", false)

	require.NoError(t, s.Snapshot())

	objects, journal, err := Load(path)
	require.NoError(t, err)
	require.Len(t, objects, 2)

	// bbolt iterates keys in byte order.
	assert.Equal(t, "Host", objects[0].Type)
	assert.Equal(t, "web1", objects[0].Name)
	var state map[string]any
	require.NoError(t, json.Unmarshal(objects[0].State, &state))
	assert.Equal(t, float64(2), state["state"])

	require.Len(t, journal, 1)
	assert.Equal(t, "enable_notifications", journal[0].Attribute)
	assert.Equal(t, false, journal[0].Value)
	assert.NotZero(t, journal[0].Ts)
}

func TestSnapshotOverwritesAtomically(t *testing.T) {
	states := testStates()
	s, path := newSnapshotter(t, func() []ObjectState { return states })

	require.NoError(t, s.Snapshot())

	states = states[:1]
	require.NoError(t, s.Snapshot())

	objects, _, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, objects, 1)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a snapshot")
}

func TestLoadMissingFileIsCleanColdStart(t *testing.T) {
	objects, journal, err := Load(filepath.Join(t.TempDir(), "nope.state"))
	require.NoError(t, err)
	assert.Nil(t, objects)
	assert.Nil(t, journal)
}

func TestCloseTakesFinalSnapshot(t *testing.T) {
	s, path := newSnapshotter(t, testStates)
	require.NoError(t, s.Close())

	objects, _, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, objects, 2)

	// Second close is a no-op.
	require.NoError(t, s.Close())
}

func TestPeriodicSnapshotFiresOnVirtualClock(t *testing.T) {
	tc := clock.NewTestClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	timers := clock.NewTimerService(tc, 2)
	defer timers.Stop()

	path := filepath.Join(t.TempDir(), "argus.state")
	s := NewSnapshotter(Config{
		Clock:    tc,
		Timers:   timers,
		Path:     path,
		Collect:  testStates,
		Interval: time.Minute,
	})
	s.Start()

	tc.IncrementTime(61 * time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("periodic snapshot never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	objects, _, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, objects, 2)
}
