package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-monitor/argus/pkg/checkable"
	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/cluster"
	"github.com/argus-monitor/argus/pkg/command"
	"github.com/argus-monitor/argus/pkg/config"
	"github.com/argus-monitor/argus/pkg/events"
	"github.com/argus-monitor/argus/pkg/types"
)

const sampleRuntimeConfig = `
node_name: master1
enable_notifications: false
timeperiods:
  - name: 24x7
    ranges:
      sunday: "00:00-24:00"
      monday: "00:00-24:00"
      tuesday: "00:00-24:00"
      wednesday: "00:00-24:00"
      thursday: "00:00-24:00"
      friday: "00:00-24:00"
      saturday: "00:00-24:00"
commands:
  - name: check_ping
    command: ["/usr/lib/nagios/plugins/check_ping"]
  - name: notify-mail
    command: ["/usr/local/bin/notify-mail"]
hosts:
  - name: web1
    address: 192.0.2.10
    check_command: check_ping
    check_period: 24x7
    vars:
      os: linux
    services:
      - name: http
        check_command: check_ping
users:
  - name: alice
    email: alice@example.com
usergroups:
  - name: oncall
    members: [alice]
notifications:
  - name: mail-web1
    host: web1
    command: notify-mail
    users: [alice]
dependencies:
  - name: http-needs-host
    parent_host: web1
    child_host: web1
    child_service: http
endpoints:
  - name: agent1
    zone: agents
zones:
  - name: agents
    endpoints: [agent1]
`

func newTestRuntime(t *testing.T) (*Runtime, *clock.TestClock) {
	t.Helper()
	doc, err := config.Parse([]byte(sampleRuntimeConfig))
	require.NoError(t, err)

	clk := clock.NewTestClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	r, err := New(doc, clk)
	require.NoError(t, err)
	return r, clk
}

func TestNewBuildsObjectGraph(t *testing.T) {
	r, _ := newTestRuntime(t)

	h, ok := r.GetHost("web1")
	require.True(t, ok)
	assert.Equal(t, "192.0.2.10", h.Address)
	assert.Equal(t, "24x7", h.CheckPeriod.Name)
	assert.Equal(t, "linux", h.Vars["os"])

	s, ok := r.GetService("web1", "http")
	require.True(t, ok)
	assert.Equal(t, "web1!http", s.ObjectName())

	_, ok = r.Runner().GetCommand("check_ping")
	assert.True(t, ok)

	notifications := r.NotifyEngine().NotificationsFor("web1")
	require.Len(t, notifications, 1)
	assert.Equal(t, "mail-web1", notifications[0].Name)

	require.Len(t, r.Hosts(), 1)
	assert.NotNil(t, r.lookupCheckable("web1!http"))
	assert.Nil(t, r.lookupCheckable("db1"))
}

func TestLinkErrorsNameObjectAndField(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown check command",
			yaml: `
node_name: n1
hosts:
  - name: web1
    check_command: nope
`,
			want: "field 'check_command'",
		},
		{
			name: "unknown check period",
			yaml: `
node_name: n1
commands:
  - name: check_ping
    command: ["/bin/check_ping"]
hosts:
  - name: web1
    check_command: check_ping
    check_period: weekends
`,
			want: "field 'check_period'",
		},
		{
			name: "unknown command endpoint",
			yaml: `
node_name: n1
commands:
  - name: check_ping
    command: ["/bin/check_ping"]
hosts:
  - name: web1
    check_command: check_ping
    command_endpoint: agent9
`,
			want: "field 'command_endpoint'",
		},
		{
			name: "notification user missing",
			yaml: `
node_name: n1
commands:
  - name: check_ping
    command: ["/bin/check_ping"]
hosts:
  - name: web1
    check_command: check_ping
notifications:
  - name: mail-web1
    host: web1
    command: check_ping
    users: [ghost]
`,
			want: "unknown user 'ghost'",
		},
		{
			name: "usergroup member missing",
			yaml: `
node_name: n1
commands:
  - name: check_ping
    command: ["/bin/check_ping"]
hosts:
  - name: web1
    check_command: check_ping
usergroups:
  - name: oncall
    members: [ghost]
`,
			want: "unknown user 'ghost'",
		},
		{
			name: "dependency parent missing",
			yaml: `
node_name: n1
commands:
  - name: check_ping
    command: ["/bin/check_ping"]
hosts:
  - name: web1
    check_command: check_ping
dependencies:
  - name: broken
    parent_host: gw1
    child_host: web1
`,
			want: "field 'parent_host'",
		},
	}

	clk := clock.NewTestClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := config.Parse([]byte(tc.yaml))
			require.NoError(t, err)
			_, err = New(doc, clk)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCheckResultHandlerAppliesState(t *testing.T) {
	r, clk := newTestRuntime(t)
	now := clock.ToUnix(clk.Now())

	env, err := cluster.NewEnvelope(cluster.MethodCheckResult, &cluster.CheckResultParams{
		Host: "web1",
		CheckResult: &types.CheckResult{
			State:          types.ServiceCritical,
			Output:         "CRITICAL - host unreachable",
			ScheduleStart:  now,
			ScheduleEnd:    now,
			ExecutionStart: now,
			ExecutionEnd:   now,
			Active:         true,
		},
	}, now, "agent1")
	require.NoError(t, err)

	r.onCheckResult("agent1", env)

	h, _ := r.GetHost("web1")
	assert.Equal(t, types.ServiceCritical, h.State())
	assert.Equal(t, types.StateTypeSoft, h.StateType())
}

func TestCheckResultHandlerIgnoresUnknownCheckable(t *testing.T) {
	r, clk := newTestRuntime(t)
	now := clock.ToUnix(clk.Now())

	env, err := cluster.NewEnvelope(cluster.MethodCheckResult, &cluster.CheckResultParams{
		Host:        "db9",
		CheckResult: &types.CheckResult{State: types.ServiceOK, ExecutionEnd: now},
	}, now, "agent1")
	require.NoError(t, err)

	// Must not panic or create objects.
	r.onCheckResult("agent1", env)
	_, ok := r.GetHost("db9")
	assert.False(t, ok)
}

func TestExecuteForPeerUnknownCheckableReturnsUnknown(t *testing.T) {
	r, _ := newTestRuntime(t)

	cr := r.executeForPeer(&command.ExecuteCommandParams{Host: "db9"})
	require.NotNil(t, cr)
	assert.Equal(t, types.ServiceUnknown, cr.State)
	assert.Equal(t, "master1", cr.CheckSource)
	assert.Contains(t, cr.Output, "Unknown checkable")
}

func TestSetNextCheckHandlerReschedules(t *testing.T) {
	r, clk := newTestRuntime(t)
	now := clock.ToUnix(clk.Now())

	env, err := cluster.NewEnvelope(cluster.MethodSetNextCheck, &cluster.SetNextCheckParams{
		Host:      "web1",
		Service:   "http",
		NextCheck: now + 42,
	}, now, "agent1")
	require.NoError(t, err)

	r.onSetNextCheck("agent1", env)

	s, _ := r.GetService("web1", "http")
	assert.Equal(t, now+42, s.NextCheck())
}

func TestAcknowledgementHandlersRoundTrip(t *testing.T) {
	r, clk := newTestRuntime(t)
	now := clock.ToUnix(clk.Now())
	h, _ := r.GetHost("web1")

	// Acknowledgements only stick to problems.
	require.NoError(t, h.ProcessCheckResult(&types.CheckResult{
		State:        types.ServiceCritical,
		Output:       "down",
		ExecutionEnd: now,
	}))

	set, err := cluster.NewEnvelope(cluster.MethodSetAcknowledgement, &cluster.SetAcknowledgementParams{
		Host:    "web1",
		Author:  "alice",
		Comment: "known outage",
		AckType: types.AckNormal,
	}, now, "master2")
	require.NoError(t, err)
	r.onSetAcknowledgement("master2", set)
	assert.Equal(t, types.AckNormal, h.Acknowledgement())

	clr, err := cluster.NewEnvelope(cluster.MethodClearAcknowledgement, &cluster.SetAcknowledgementParams{
		Host: "web1",
	}, now, "master2")
	require.NoError(t, err)
	r.onClearAcknowledgement("master2", clr)
	assert.Equal(t, types.AckNone, h.Acknowledgement())
}

func TestNotificationSentHandlersSuppressLocalRepeat(t *testing.T) {
	r, clk := newTestRuntime(t)
	now := clock.ToUnix(clk.Now())

	n, ok := r.NotifyEngine().NotificationByName("mail-web1")
	require.True(t, ok)
	require.False(t, n.WasSentToUser("alice"))

	toUser, err := cluster.NewEnvelope(cluster.MethodNotificationSentToUser, &cluster.NotificationSentParams{
		Notification: "mail-web1",
		User:         "alice",
		Type:         types.NotificationProblem,
	}, now, "master2")
	require.NoError(t, err)
	r.onNotificationSentToUser("master2", toUser)
	assert.True(t, n.WasSentToUser("alice"))

	toAll, err := cluster.NewEnvelope(cluster.MethodNotificationSentToAllUsers, &cluster.NotificationSentParams{
		Notification: "mail-web1",
		Type:         types.NotificationProblem,
	}, now, "master2")
	require.NoError(t, err)
	r.onNotificationSentToAllUsers("master2", toAll)
	assert.Equal(t, 1, n.NotificationNumber())
	assert.Equal(t, now, n.LastNotification())
}

func TestCollectAndRestoreState(t *testing.T) {
	r, clk := newTestRuntime(t)
	now := clock.ToUnix(clk.Now())

	h, _ := r.GetHost("web1")
	h.SetNextCheck(now + 777)

	states := r.collectState()
	require.Len(t, states, 2)

	r2, _ := newTestRuntime(t)
	r2.RestoreState(states)
	h2, _ := r2.GetHost("web1")
	assert.Equal(t, now+777, h2.NextCheck())
}

func TestMalformedSnapshotRecordIsSkipped(t *testing.T) {
	r, _ := newTestRuntime(t)

	states := r.collectState()
	require.NotEmpty(t, states)
	states[0].State = []byte("{not json")
	r.RestoreState(states)
}

func TestShutdownSignalViaCommandBus(t *testing.T) {
	r, clk := newTestRuntime(t)
	now := clock.ToUnix(clk.Now())

	require.NoError(t, r.Bus().Execute(now, "RESTART_PROCESS"))
	select {
	case restart := <-r.ShutdownSignal():
		assert.True(t, restart)
	default:
		t.Fatal("expected a shutdown signal")
	}

	require.NoError(t, r.Bus().Execute(now, "SHUTDOWN_PROCESS"))
	select {
	case restart := <-r.ShutdownSignal():
		assert.False(t, restart)
	default:
		t.Fatal("expected a shutdown signal")
	}
}

func TestReplicationBroadcastsLocalCheckResults(t *testing.T) {
	r, _ := newTestRuntime(t)

	cr := &types.CheckResult{
		State:       types.ServiceCritical,
		ExitStatus:  2,
		Output:      "CRITICAL",
		CheckSource: "master1",
		Active:      true,
	}
	method, params, ok := r.replicationMessage(&events.Event{
		Type:   events.EventNewCheckResult,
		Object: "web1!http",
		Data:   cr,
	})
	require.True(t, ok)
	assert.Equal(t, cluster.MethodCheckResult, method)
	crp := params.(*cluster.CheckResultParams)
	assert.Equal(t, "web1", crp.Host)
	assert.Equal(t, "http", crp.Service)
	assert.Same(t, cr, crp.CheckResult)

	// Passive submissions carry no check source and are still ours.
	_, _, ok = r.replicationMessage(&events.Event{
		Type:   events.EventNewCheckResult,
		Object: "web1",
		Data:   &types.CheckResult{State: types.ServiceOK, Output: "ok"},
	})
	assert.True(t, ok)
}

func TestReplicationSkipsResultsFromPeers(t *testing.T) {
	r, _ := newTestRuntime(t)

	_, _, ok := r.replicationMessage(&events.Event{
		Type:   events.EventNewCheckResult,
		Object: "web1",
		Data:   &types.CheckResult{State: types.ServiceOK, Output: "ok", CheckSource: "master2"},
	})
	assert.False(t, ok)
}

func TestReplicationBroadcastsNextCheckMoves(t *testing.T) {
	r, _ := newTestRuntime(t)

	method, params, ok := r.replicationMessage(&events.Event{
		Type:   events.EventNextCheckChanged,
		Object: "web1",
		Data:   &checkable.NextCheckChange{Old: 100, New: 400},
	})
	require.True(t, ok)
	assert.Equal(t, cluster.MethodSetNextCheck, method)
	assert.Equal(t, 400.0, params.(*cluster.SetNextCheckParams).NextCheck)

	// A replicated next_check lands on the value the checkable already
	// has; that application must not be broadcast again.
	_, _, ok = r.replicationMessage(&events.Event{
		Type:   events.EventNextCheckChanged,
		Object: "web1",
		Data:   &checkable.NextCheckChange{Old: 400, New: 400},
	})
	assert.False(t, ok)
}

func TestReplicationBroadcastsAcknowledgements(t *testing.T) {
	r, _ := newTestRuntime(t)

	method, params, ok := r.replicationMessage(&events.Event{
		Type:   events.EventAcknowledgementSet,
		Object: "web1!http",
		Data: &checkable.AckEvent{
			Author:  "alice",
			Comment: "on it",
			Type:    types.AckSticky,
			Expiry:  900,
		},
	})
	require.True(t, ok)
	assert.Equal(t, cluster.MethodSetAcknowledgement, method)
	ap := params.(*cluster.SetAcknowledgementParams)
	assert.Equal(t, "web1", ap.Host)
	assert.Equal(t, "http", ap.Service)
	assert.Equal(t, "alice", ap.Author)
	assert.Equal(t, types.AckSticky, ap.AckType)
	assert.Equal(t, 900.0, ap.Expiry)

	method, _, ok = r.replicationMessage(&events.Event{
		Type:   events.EventAcknowledgementCleared,
		Object: "web1",
	})
	require.True(t, ok)
	assert.Equal(t, cluster.MethodClearAcknowledgement, method)
}

func TestInboundResultsAreStampedWithOrigin(t *testing.T) {
	r, clk := newTestRuntime(t)

	params := &cluster.CheckResultParams{
		Host:    "web1",
		Service: "http",
		CheckResult: &types.CheckResult{
			State:          types.ServiceWarning,
			ExitStatus:     1,
			Output:         "WARNING",
			ScheduleStart:  clock.ToUnix(clk.Now()),
			ScheduleEnd:    clock.ToUnix(clk.Now()),
			ExecutionStart: clock.ToUnix(clk.Now()),
			ExecutionEnd:   clock.ToUnix(clk.Now()),
		},
	}
	env, err := cluster.NewEnvelope(cluster.MethodCheckResult, params, clock.ToUnix(clk.Now()), "master2")
	require.NoError(t, err)
	r.onCheckResult("master2", env)

	s, _ := r.GetService("web1", "http")
	require.NotNil(t, s.LastCheckResult())
	assert.Equal(t, "master2", s.LastCheckResult().CheckSource)

	// Stamped results are recognized as foreign and not broadcast again.
	_, _, ok := r.replicationMessage(&events.Event{
		Type:   events.EventNewCheckResult,
		Object: "web1!http",
		Data:   s.LastCheckResult(),
	})
	assert.False(t, ok)
}
