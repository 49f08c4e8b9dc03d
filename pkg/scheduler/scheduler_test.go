package scheduler

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-monitor/argus/pkg/checkable"
	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/dependency"
	"github.com/argus-monitor/argus/pkg/timeperiod"
	"github.com/argus-monitor/argus/pkg/types"
)

func newPeriod(name, window string) (*timeperiod.TimePeriod, error) {
	return timeperiod.New(name, [7]string{
		"", window, window, window, window, window, "",
	})
}

type fakeExecutor struct {
	mu      sync.Mutex
	counts  map[string]int
	blockCh chan struct{}
	clock   clock.Clock
}

func newFakeExecutor(c clock.Clock) *fakeExecutor {
	return &fakeExecutor{counts: make(map[string]int), clock: c}
}

func (f *fakeExecutor) ExecuteCheck(c *checkable.Checkable) (*types.CheckResult, error) {
	f.mu.Lock()
	f.counts[c.ObjectName()]++
	block := f.blockCh
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	now := clock.ToUnix(f.clock.Now())
	return &types.CheckResult{
		State:          types.ServiceOK,
		Output:         "OK",
		ScheduleStart:  now,
		ScheduleEnd:    now,
		ExecutionStart: now,
		ExecutionEnd:   now,
		Active:         true,
	}, nil
}

func (f *fakeExecutor) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

type fakeProbe struct {
	connected map[string]bool
	syncing   map[string]bool
}

func (f *fakeProbe) IsConnected(name string) bool { return f.connected[name] }
func (f *fakeProbe) IsSyncing(name string) bool   { return f.syncing[name] }

type fixture struct {
	clock *clock.TestClock
	env   *checkable.Env
	exec  *fakeExecutor
	sched *Scheduler
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	tc := clock.NewTestClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	deps := dependency.NewRegistry(tc)
	env := checkable.NewEnv(tc, nil, deps)
	exec := newFakeExecutor(tc)

	cfg := Config{
		Clock:               tc,
		MaxConcurrentChecks: 16,
		NodeName:            "local-node",
		ProgramStart:        clock.ToUnix(tc.Now()),
		Deps:                deps,
		Executor:            exec,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg)
	s.Start()
	t.Cleanup(s.Stop)
	return &fixture{clock: tc, env: env, exec: exec, sched: s}
}

func (f *fixture) newHost(name string, interval float64) *checkable.Host {
	h := checkable.NewHost(f.env, name)
	h.CheckInterval = interval
	h.RetryInterval = interval
	h.MaxCheckAttempts = 1
	return h
}

func TestDueCheckExecutes(t *testing.T) {
	f := newFixture(t, nil)
	h := f.newHost("web1", 60)

	f.sched.Add(&h.Checkable)

	require.Eventually(t, func() bool { return f.exec.count("web1") >= 1 },
		2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return h.LastCheck() > 0 },
		2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.NextCheck(), h.LastCheck())
}

func TestPeriodicExecutionUnderVirtualTime(t *testing.T) {
	f := newFixture(t, nil)
	h := f.newHost("web1", 10)

	f.sched.Add(&h.Checkable)
	require.Eventually(t, func() bool { return f.exec.count("web1") == 1 },
		2*time.Second, 5*time.Millisecond)

	// Each 11s advance crosses one interval boundary (10s + up to 1s splay).
	for i := 0; i < 3; i++ {
		f.clock.IncrementTime(11 * time.Second)
		want := i + 2
		require.Eventually(t, func() bool { return f.exec.count("web1") >= want },
			2*time.Second, 5*time.Millisecond, "execution %d", want)
	}
	assert.LessOrEqual(t, f.exec.count("web1"), 5)
}

func TestUnreachableChildSkipped(t *testing.T) {
	f := newFixture(t, nil)
	p := f.newHost("p", 60)
	c := f.newHost("c", 60)

	f.env.Deps.Register(&dependency.Dependency{
		Parent:           &p.Checkable,
		Child:            &c.Checkable,
		StateFilter:      types.StateFilterUp,
		IgnoreSoftStates: true,
	})

	// Hard Down parent.
	now := clock.ToUnix(f.clock.Now())
	require.NoError(t, p.ProcessCheckResult(&types.CheckResult{
		State: types.ServiceCritical, Output: "down",
		ExecutionStart: now, ExecutionEnd: now, Active: true,
	}))
	require.False(t, f.env.Deps.Reachable("c"))

	start := clock.ToUnix(f.clock.Now())
	f.sched.Add(&c.Checkable)

	// The child is rescheduled, never executed.
	require.Eventually(t, func() bool { return c.NextCheck() >= start+60 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.exec.count("c"))
	assert.Nil(t, c.LastCheckResult())
}

func TestChecksDisabledSkipped(t *testing.T) {
	f := newFixture(t, nil)
	h := f.newHost("web1", 60)
	h.EnableActiveChecks.Store(false)

	start := clock.ToUnix(f.clock.Now())
	f.sched.Add(&h.Checkable)

	require.Eventually(t, func() bool { return h.NextCheck() >= start+60 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.exec.count("web1"))
}

func TestForceBypassesDisabledAndPeriod(t *testing.T) {
	f := newFixture(t, nil)
	h := f.newHost("web1", 60)
	h.EnableActiveChecks.Store(false)
	h.SetForceNextCheck(true)

	f.sched.Add(&h.Checkable)
	require.Eventually(t, func() bool { return f.exec.count("web1") == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.False(t, h.ForceNextCheck())
}

func TestOutsideCheckPeriodReschedulesToBoundary(t *testing.T) {
	f := newFixture(t, nil)
	h := f.newHost("web1", 60)

	// 2026-08-24 12:00 UTC is a Monday; window opens at 15:00.
	tp, err := newPeriod("afternoon", "15:00-17:00")
	require.NoError(t, err)
	h.CheckPeriod = tp

	f.sched.Add(&h.Checkable)

	boundary := clock.ToUnix(time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC))
	require.Eventually(t, func() bool { return h.NextCheck() == boundary },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.exec.count("web1"))
}

func TestRemoteColdStartupSilentlySkips(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Endpoints = &fakeProbe{connected: map[string]bool{}}
	})
	h := f.newHost("web1", 60)
	h.CommandEndpoint = "remote"

	start := clock.ToUnix(f.clock.Now())
	f.sched.Add(&h.Checkable)

	require.Eventually(t, func() bool { return h.NextCheck() >= start+60 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.exec.count("web1"))
	assert.Nil(t, h.LastCheckResult())
}

func TestRemoteDisconnectedAfterWindowSynthesizesUnknown(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Endpoints = &fakeProbe{connected: map[string]bool{}}
		cfg.ProgramStart -= 500
	})
	h := f.newHost("web1", 60)
	h.CommandEndpoint = "remote"

	f.sched.Add(&h.Checkable)

	require.Eventually(t, func() bool { return h.LastCheckResult() != nil },
		2*time.Second, 5*time.Millisecond)
	cr := h.LastCheckResult()
	assert.Equal(t, types.ServiceUnknown, cr.State)
	assert.True(t, strings.Contains(cr.Output, "Remote Argus instance 'remote' is not connected to 'local-node'"), cr.Output)
	assert.Equal(t, 0, f.exec.count("web1"))
}

func TestConcurrencyCap(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.MaxConcurrentChecks = 4
	})
	release := make(chan struct{})
	f.exec.blockCh = release

	for i := 0; i < 16; i++ {
		h := f.newHost("host-"+string(rune('a'+i)), 60)
		f.sched.Add(&h.Checkable)
	}

	require.Eventually(t, func() bool { return f.sched.PendingChecks() == 4 },
		2*time.Second, 5*time.Millisecond)

	// The cap holds while workers are blocked.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(4), f.sched.PendingChecks())

	close(release)
	require.Eventually(t, func() bool { return f.sched.PendingChecks() == 0 },
		2*time.Second, 5*time.Millisecond)

	total := 0
	f.exec.mu.Lock()
	for _, n := range f.exec.counts {
		total += n
	}
	f.exec.mu.Unlock()
	assert.Equal(t, 16, total)
}

func TestRemoveDropsQueuedEntry(t *testing.T) {
	f := newFixture(t, nil)
	h := f.newHost("web1", 60)
	h.SetNextCheck(clock.ToUnix(f.clock.Now()) + 3600)

	f.sched.Add(&h.Checkable)
	require.Equal(t, 1, f.sched.QueueLen())

	f.sched.Remove("web1")
	assert.Equal(t, 0, f.sched.QueueLen())
}
