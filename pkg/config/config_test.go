package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-monitor/argus/pkg/types"
)

const sampleConfig = `
node_name: master
listen: ":5665"
state_file: /var/lib/argus/argus.state
max_concurrent_checks: 128

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
  - name: workhours
    ranges:
      monday: "09:00-17:00"
      friday: "09:00-12:00,13:00-17:00"

commands:
  - name: check_http
    type: plugin
    command: ["/usr/lib/nagios/plugins/check_http"]
    timeout: 30
    arguments:
      "-H":
        value: "$host.name$"
        required: true
      "-S":
        set_if: "$use_tls$"
  - name: notify-mail
    command: ["/usr/local/bin/mail-wrapper", "$user.email$"]

hosts:
  - name: web1
    address: 192.0.2.10
    check_command: check_http
    check_interval: 60
    retry_interval: 10
    max_check_attempts: 3
    check_period: 24x7
    vars:
      use_tls: "1"
    services:
      - name: http
        check_command: check_http
        check_interval: 30

users:
  - name: alice
    email: alice@example.org
    types: [Problem, Recovery]
    states: [Critical, Down]

usergroups:
  - name: oncall
    members: [alice]

notifications:
  - name: mail-web1
    host: web1
    command: notify-mail
    user_groups: [oncall]
    period: workhours
    interval: 300

dependencies:
  - name: web-needs-gw
    parent_host: gw1
    child_host: web1
    states: [Up]
    ignore_soft_states: true

endpoints:
  - name: agent1
    address: "192.0.2.20:5665"
    zone: agents

zones:
  - name: agents
    parent: master
    endpoints: [agent1]
`

func TestParseSampleConfig(t *testing.T) {
	doc, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "master", doc.NodeName)
	assert.Equal(t, 128, doc.MaxConcurrentChecks)
	require.Len(t, doc.Hosts, 1)

	h := doc.Hosts[0]
	assert.Equal(t, "web1", h.Name)
	assert.Equal(t, "check_http", h.CheckCommand)
	assert.Equal(t, 60.0, h.CheckInterval)
	require.Len(t, h.Services, 1)
	assert.Equal(t, "http", h.Services[0].Name)
	assert.Equal(t, 30.0, h.Services[0].CheckInterval)

	require.Len(t, doc.Commands, 2)
	cmd, err := doc.Commands[0].ToCheckCommand()
	require.NoError(t, err)
	assert.Equal(t, types.CommandPlugin, cmd.Type)
	assert.True(t, cmd.Arguments["-H"].Required)
	assert.Equal(t, "$use_tls$", cmd.Arguments["-S"].SetIf)

	require.Len(t, doc.Dependencies, 1)
	assert.Equal(t, "gw1", doc.Dependencies[0].ParentHost)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "master", doc.NodeName)
}

func TestWeekdayRanges(t *testing.T) {
	doc, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	ranges := doc.TimePeriods[1].WeekdayRanges()
	assert.Equal(t, "09:00-17:00", ranges[1])
	assert.Equal(t, "09:00-12:00,13:00-17:00", ranges[5])
	assert.Empty(t, ranges[0])
}

func TestValidationErrorsNameObjectAndField(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing node name",
			yaml: "listen: ':5665'",
			want: "field 'node_name'",
		},
		{
			name: "duplicate host",
			yaml: "node_name: n\nhosts:\n  - name: a\n  - name: a",
			want: "host 'a' field 'name'",
		},
		{
			name: "bang in host name",
			yaml: "node_name: n\nhosts:\n  - name: 'a!b'",
			want: "must not contain '!'",
		},
		{
			name: "negative interval",
			yaml: "node_name: n\nhosts:\n  - name: a\n    check_interval: -1",
			want: "field 'check_interval'",
		},
		{
			name: "unknown command type",
			yaml: "node_name: n\ncommands:\n  - name: c\n    type: warp",
			want: "command 'c' field 'type'",
		},
		{
			name: "unknown weekday",
			yaml: "node_name: n\ntimeperiods:\n  - name: p\n    ranges:\n      froday: '00:00-01:00'",
			want: "unknown weekday 'froday'",
		},
		{
			name: "unknown notification type",
			yaml: "node_name: n\nnotifications:\n  - name: x\n    host: h\n    command: c\n    users: [u]\n    types: [Explosion]",
			want: "unknown notification type 'Explosion'",
		},
		{
			name: "notification without recipients",
			yaml: "node_name: n\nnotifications:\n  - name: x\n    host: h\n    command: c",
			want: "needs at least one user",
		},
		{
			name: "dependency without parent",
			yaml: "node_name: n\ndependencies:\n  - name: d\n    child_host: a",
			want: "field 'parent_host'",
		},
		{
			name: "unknown state",
			yaml: "node_name: n\nusers:\n  - name: u\n    states: [Sideways]",
			want: "unknown state 'Sideways'",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseStateFilter(t *testing.T) {
	f, err := ParseStateFilter([]string{"Critical", "down"})
	require.NoError(t, err)
	assert.Equal(t, types.StateFilterCritical|types.StateFilterDown, f)

	all, err := ParseStateFilter(nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateFilterAll, all)
}

func TestParseNotificationTypes(t *testing.T) {
	m, err := ParseNotificationTypes([]string{"Problem", "FlappingStart"})
	require.NoError(t, err)
	assert.Equal(t, types.NotificationProblem|types.NotificationFlappingStart, m)

	all, err := ParseNotificationTypes(nil)
	require.NoError(t, err)
	assert.Equal(t, types.NotificationFilterAll, all)
}

func TestParseCommandTypeDefaultsToPlugin(t *testing.T) {
	ct, err := ParseCommandType("")
	require.NoError(t, err)
	assert.Equal(t, types.CommandPlugin, ct)

	ct, err = ParseCommandType("ifw-api")
	require.NoError(t, err)
	assert.Equal(t, types.CommandIfwAPI, ct)
}
