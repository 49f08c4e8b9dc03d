package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-monitor/argus/pkg/checkable"
	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/dependency"
	"github.com/argus-monitor/argus/pkg/macros"
	"github.com/argus-monitor/argus/pkg/timeperiod"
	"github.com/argus-monitor/argus/pkg/types"
)

type invocation struct {
	command string
	user    string
	typ     string
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []invocation
	fail  map[string]error
}

func (f *fakeInvoker) ExecuteNotification(commandName string, resolvers []macros.Resolver) error {
	user, _ := macros.Resolve("$user.name$", resolvers, nil)
	typ, _ := macros.Resolve("$notification.type$", resolvers, nil)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[user]; ok {
		return err
	}
	f.calls = append(f.calls, invocation{command: commandName, user: user, typ: typ})
	return nil
}

func (f *fakeInvoker) users() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.user
	}
	return out
}

type fixture struct {
	clock   *clock.TestClock
	engine  *Engine
	invoker *fakeInvoker
	env     *checkable.Env
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tc := clock.NewTestClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	inv := &fakeInvoker{}
	eng := NewEngine(tc, nil, inv)
	env := checkable.NewEnv(tc, nil, dependency.NewRegistry(tc))
	env.Notifier = eng
	return &fixture{clock: tc, engine: eng, invoker: inv, env: env}
}

// problemHost returns a host already in a hard Down state.
func (f *fixture) problemHost(t *testing.T, name string) *checkable.Host {
	t.Helper()
	h := checkable.NewHost(f.env, name)
	h.MaxCheckAttempts = 1
	f.applyState(t, h, types.ServiceCritical)
	return h
}

func (f *fixture) applyState(t *testing.T, h *checkable.Host, state int) {
	t.Helper()
	now := clock.ToUnix(f.clock.Now())
	require.NoError(t, h.ProcessCheckResult(&types.CheckResult{
		State:          state,
		ExitStatus:     state,
		Output:         "output",
		ScheduleStart:  now - 0.1,
		ScheduleEnd:    now,
		ExecutionStart: now - 0.1,
		ExecutionEnd:   now,
		Active:         true,
	}))
	f.clock.IncrementTime(time.Second)
}

func (f *fixture) attach(users ...string) *Notification {
	n := NewNotification("mail-"+users[0], "web1", "notify-mail")
	n.Users = users
	f.engine.Attach(n)
	return n
}

func TestFanOutDeduplicatesUsersAndGroups(t *testing.T) {
	f := newFixture(t)
	alice := NewUser("alice")
	bob := NewUser("bob")
	f.engine.AddUser(alice)
	f.engine.AddUser(bob)

	g := NewUserGroup("oncall")
	g.AddUser(alice)
	g.AddUser(bob)
	f.engine.AddUserGroup(g)

	n := NewNotification("mail", "web1", "notify-mail")
	n.Users = []string{"alice"}
	n.UserGroups = []string{"oncall"}
	f.engine.Attach(n)

	f.problemHost(t, "web1")

	users := f.invoker.users()
	assert.Len(t, users, 2)
	assert.Contains(t, users, "alice")
	assert.Contains(t, users, "bob")
	assert.Equal(t, 1, n.NotificationNumber())
}

func TestTypeFilterBlocks(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	n := f.attach("alice")
	n.TypeFilter = types.NotificationRecovery

	f.problemHost(t, "web1")
	assert.Empty(t, f.invoker.users())
}

func TestStateFilterBlocks(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	n := f.attach("alice")
	n.StateFilter = types.StateFilterUp

	f.problemHost(t, "web1")
	assert.Empty(t, f.invoker.users())
}

func TestNotificationPeriodBlocks(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	n := f.attach("alice")
	// Monday noon is outside a weekend-only period.
	weekend, err := timeperiod.New("weekend", [7]string{"00:00-24:00", "", "", "", "", "", "00:00-24:00"})
	require.NoError(t, err)
	n.Period = weekend

	f.problemHost(t, "web1")
	assert.Empty(t, f.invoker.users())
}

func TestZeroIntervalSendsOnce(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	f.attach("alice")

	h := f.problemHost(t, "web1")
	require.Len(t, f.invoker.users(), 1)

	// Still down: repeated problem requests must not re-notify.
	f.engine.RequestNotifications(&h.Checkable, types.NotificationProblem, h.LastCheckResult(), "", "", false)
	assert.Len(t, f.invoker.users(), 1)
}

func TestIntervalAllowsReminderAfterElapse(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	n := f.attach("alice")
	n.Interval = 300

	h := f.problemHost(t, "web1")
	require.Len(t, f.invoker.users(), 1)

	f.engine.RequestNotifications(&h.Checkable, types.NotificationProblem, h.LastCheckResult(), "", "", false)
	assert.Len(t, f.invoker.users(), 1, "reminder inside the interval must be suppressed")

	f.clock.IncrementTime(301 * time.Second)
	f.engine.RequestNotifications(&h.Checkable, types.NotificationProblem, h.LastCheckResult(), "", "", false)
	assert.Len(t, f.invoker.users(), 2)
	assert.Equal(t, 2, n.NotificationNumber())
}

func TestLateRecipientGetsInitialNotification(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	n := f.attach("alice")

	h := f.problemHost(t, "web1")
	require.Equal(t, []string{"alice"}, f.invoker.users())

	f.engine.AddUser(NewUser("bob"))
	n.Users = append(n.Users, "bob")

	f.engine.RequestNotifications(&h.Checkable, types.NotificationProblem, h.LastCheckResult(), "", "", false)
	assert.Equal(t, []string{"alice", "bob"}, f.invoker.users(),
		"bob never saw the initial notification and must not be suppressed")
}

func TestRecoveryResetsCounterAndSentSet(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	n := f.attach("alice")

	h := f.problemHost(t, "web1")
	require.Equal(t, 1, n.NotificationNumber())
	require.True(t, n.WasSentToUser("alice"))

	f.applyState(t, h, types.ServiceOK)
	assert.Equal(t, 0, n.NotificationNumber())
	assert.False(t, n.WasSentToUser("alice"))

	users := f.invoker.users()
	require.Len(t, users, 2)
	f.invoker.mu.Lock()
	assert.Equal(t, "Recovery", f.invoker.calls[1].typ)
	f.invoker.mu.Unlock()
}

func TestGloballyDisabledSkipsUnlessForced(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	f.attach("alice")
	f.engine.SetEnabled(false)

	h := f.problemHost(t, "web1")
	assert.Empty(t, f.invoker.users())

	f.engine.RequestNotifications(&h.Checkable, types.NotificationProblem, h.LastCheckResult(), "", "", true)
	assert.Equal(t, []string{"alice"}, f.invoker.users())
}

func TestPerCheckableDisabledSkips(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	f.attach("alice")

	h := checkable.NewHost(f.env, "web1")
	h.MaxCheckAttempts = 1
	h.EnableNotifications.Store(false)
	f.applyState(t, h, types.ServiceCritical)
	assert.Empty(t, f.invoker.users())
}

func TestUserGatingApplies(t *testing.T) {
	f := newFixture(t)

	disabled := NewUser("disabled")
	disabled.Enable = false
	f.engine.AddUser(disabled)

	offShift := NewUser("offshift")
	weekend, err := timeperiod.New("weekend", [7]string{"00:00-24:00", "", "", "", "", "", "00:00-24:00"})
	require.NoError(t, err)
	offShift.Period = weekend
	f.engine.AddUser(offShift)

	recoveriesOnly := NewUser("recoveries")
	recoveriesOnly.TypeFilter = types.NotificationRecovery
	f.engine.AddUser(recoveriesOnly)

	f.engine.AddUser(NewUser("alice"))

	f.attach("disabled", "offshift", "recoveries", "alice")
	f.problemHost(t, "web1")
	assert.Equal(t, []string{"alice"}, f.invoker.users())
}

func TestCommandFailureDoesNotRecordUser(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	n := f.attach("alice")
	f.invoker.fail = map[string]error{"alice": errors.New("mailer down")}

	f.problemHost(t, "web1")
	assert.Empty(t, f.invoker.users())
	assert.False(t, n.WasSentToUser("alice"))
	assert.Equal(t, 0, n.NotificationNumber())
}

func TestDelayNotifications(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	n := f.attach("alice")
	n.Interval = 60

	h := f.problemHost(t, "web1")
	require.Len(t, f.invoker.users(), 1)

	delayUntil := clock.ToUnix(f.clock.Now()) + 600
	f.engine.DelayNotifications("web1", delayUntil)

	f.clock.IncrementTime(120 * time.Second)
	f.engine.RequestNotifications(&h.Checkable, types.NotificationProblem, h.LastCheckResult(), "", "", false)
	assert.Len(t, f.invoker.users(), 1, "delayed reminder must stay suppressed")

	f.clock.IncrementTime(600 * time.Second)
	f.engine.RequestNotifications(&h.Checkable, types.NotificationProblem, h.LastCheckResult(), "", "", false)
	assert.Len(t, f.invoker.users(), 2)
}

func TestPausedNotificationNeverFires(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	n := f.attach("alice")
	n.SetPaused(true)

	f.problemHost(t, "web1")
	assert.Empty(t, f.invoker.users())
}

func TestCustomNotificationCarriesAuthor(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	f.attach("alice")

	h := f.problemHost(t, "web1")
	require.Len(t, f.invoker.users(), 1)

	f.engine.SendCustomNotification(&h.Checkable, "admin", "maintenance window", false)
	users := f.invoker.users()
	require.Len(t, users, 2)
	f.invoker.mu.Lock()
	assert.Equal(t, "Custom", f.invoker.calls[1].typ)
	f.invoker.mu.Unlock()
}

func TestEscalationWindowDelaysFirstNotification(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	h := f.problemHost(t, "web1")

	n := f.attach("alice")
	n.TimesBegin = 600

	cr := h.LastCheckResult()
	f.engine.RequestNotifications(&h.Checkable, types.NotificationProblem, cr, "", "", false)
	assert.Empty(t, f.invoker.users(), "problem younger than times_begin must not notify")

	f.clock.IncrementTime(10 * time.Minute)
	f.engine.RequestNotifications(&h.Checkable, types.NotificationProblem, cr, "", "", false)
	assert.Equal(t, []string{"alice"}, f.invoker.users())
}

func TestEscalationWindowEndStopsProblems(t *testing.T) {
	f := newFixture(t)
	f.engine.AddUser(NewUser("alice"))
	h := f.problemHost(t, "web1")

	n := f.attach("alice")
	n.TimesEnd = 300

	f.clock.IncrementTime(10 * time.Minute)
	cr := h.LastCheckResult()
	f.engine.RequestNotifications(&h.Checkable, types.NotificationProblem, cr, "", "", false)
	assert.Empty(t, f.invoker.users())

	// Forced notifications ignore the window.
	f.engine.RequestNotifications(&h.Checkable, types.NotificationProblem, cr, "", "", true)
	assert.Equal(t, []string{"alice"}, f.invoker.users())
}

func TestFailedDependencyMutesChildNotifications(t *testing.T) {
	f := newFixture(t)
	f.engine.SetDependencies(f.env.Deps)
	f.engine.AddUser(NewUser("alice"))
	f.attach("alice")

	parent := f.problemHost(t, "core-router")
	child := checkable.NewHost(f.env, "web1")
	child.MaxCheckAttempts = 1
	f.env.Deps.Register(&dependency.Dependency{
		Name:                 "web1-needs-router",
		Parent:               &parent.Checkable,
		Child:                &child.Checkable,
		StateFilter:          types.StateFilterUp,
		IgnoreSoftStates:     true,
		DisableNotifications: true,
	})

	f.applyState(t, child, types.ServiceCritical)
	assert.Empty(t, f.invoker.users())

	// Forced notifications bypass the dependency gate.
	f.engine.RequestNotifications(&child.Checkable, types.NotificationProblem, child.LastCheckResult(), "", "", true)
	assert.Equal(t, []string{"alice"}, f.invoker.users())
}
