package macros

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-monitor/argus/pkg/types"
)

type fakeHost struct {
	Name    string
	Address string
	Vars    map[string]any
	Groups  []string
}

func hostResolvers() []Resolver {
	h := &fakeHost{
		Name:    "web1",
		Address: "10.0.0.5",
		Vars:    map[string]any{"os": "linux", "disks": []string{"/", "/var"}},
		Groups:  []string{"linux-servers", "web"},
	}
	return []Resolver{{Prefix: "host", Object: h}}
}

func TestResolveSimple(t *testing.T) {
	out, err := Resolve("ping $host.address$ from $host.name$", hostResolvers(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ping 10.0.0.5 from web1", out)
}

func TestResolveDottedVars(t *testing.T) {
	out, err := Resolve("$host.vars.os$", hostResolvers(), nil)
	require.NoError(t, err)
	assert.Equal(t, "linux", out)
}

func TestResolveArrayJoin(t *testing.T) {
	out, err := Resolve("$host.groups$", hostResolvers(), nil)
	require.NoError(t, err)
	assert.Equal(t, "linux-servers;web", out)

	out, err = Resolve("$host.vars.disks$", hostResolvers(), nil)
	require.NoError(t, err)
	assert.Equal(t, "/;/var", out)
}

func TestResolveEscapedDollar(t *testing.T) {
	out, err := Resolve("cost is $$5 on $host.name$", hostResolvers(), nil)
	require.NoError(t, err)
	assert.Equal(t, "cost is $5 on web1", out)
}

func TestResolveUnmatchedDollar(t *testing.T) {
	_, err := Resolve("broken $host.name", hostResolvers(), nil)
	assert.ErrorIs(t, err, ErrMacroSyntax)
}

func TestResolveMissingCollected(t *testing.T) {
	var missing []string
	out, err := Resolve("$host.nope$/$also.missing$", hostResolvers(), &Options{Missing: &missing})
	require.NoError(t, err)
	assert.Equal(t, "/", out)
	assert.Equal(t, []string{"host.nope", "also.missing"}, missing)
}

func TestResolveCallable(t *testing.T) {
	resolvers := []Resolver{{Prefix: "", Object: map[string]any{
		"state": Func(func(_ []Resolver, cr *types.CheckResult) (string, error) {
			if cr != nil && cr.State == types.ServiceCritical {
				return "CRITICAL", nil
			}
			return "OK", nil
		}),
	}}}

	out, err := Resolve("$state$", resolvers, &Options{
		CheckResult: &types.CheckResult{State: types.ServiceCritical, ExitStatus: 2, Output: "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "CRITICAL", out)
}

func TestResolveOrderedResolvers(t *testing.T) {
	resolvers := []Resolver{
		{Prefix: "", Object: map[string]string{"name": "first"}},
		{Prefix: "", Object: map[string]string{"name": "second"}},
	}
	out, err := Resolve("$name$", resolvers, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", out)
}

func TestResolveEscapeFn(t *testing.T) {
	resolvers := []Resolver{{Prefix: "", Object: map[string]string{"arg": `a"b`}}}
	out, err := Resolve("$arg$", resolvers, &Options{
		EscapeFn: func(s string) string { return strings.ReplaceAll(s, `"`, `\"`) },
	})
	require.NoError(t, err)
	assert.Equal(t, `a\"b`, out)
}

func TestResolveCache(t *testing.T) {
	calls := 0
	resolvers := []Resolver{{Prefix: "", Object: map[string]any{
		"counted": Func(func(_ []Resolver, _ *types.CheckResult) (string, error) {
			calls++
			return "v", nil
		}),
	}}}
	opts := &Options{Cache: map[string]string{}, UseCache: true}

	for i := 0; i < 3; i++ {
		out, err := Resolve("$counted$", resolvers, opts)
		require.NoError(t, err)
		assert.Equal(t, "v", out)
	}
	assert.Equal(t, 1, calls)
}

func TestResolveArguments(t *testing.T) {
	resolvers := hostResolvers()
	cmd := []string{"/usr/lib/nagios/plugins/check_ping"}
	args := map[string]types.ArgumentSpec{
		"-H": {Value: "$host.address$", Required: true, Order: -1},
		"-w": {Value: "100,5%"},
		"-c": {Value: "200,10%"},
	}

	argv, err := ResolveArguments(cmd, args, resolvers, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/usr/lib/nagios/plugins/check_ping",
		"-H", "10.0.0.5",
		"-c", "200,10%",
		"-w", "100,5%",
	}, argv)
}

func TestResolveArgumentsSetIf(t *testing.T) {
	resolvers := []Resolver{{Prefix: "host", Object: &fakeHost{
		Name: "web1", Vars: map[string]any{"ipv6": false, "verbose": true},
	}}}
	args := map[string]types.ArgumentSpec{
		"-6": {SetIf: "$host.vars.ipv6$"},
		"-v": {SetIf: "$host.vars.verbose$"},
	}

	argv, err := ResolveArguments([]string{"check_ping"}, args, resolvers, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"check_ping", "-v"}, argv)
}

func TestResolveArgumentsRepeatAndSkipKey(t *testing.T) {
	resolvers := hostResolvers()
	args := map[string]types.ArgumentSpec{
		"-p": {Value: "$host.vars.disks$", RepeatKey: true, Order: 1},
		"pos": {Value: "$host.name$", SkipKey: true, Order: 2},
	}

	argv, err := ResolveArguments([]string{"check_disk"}, args, resolvers, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"check_disk", "-p", "/", "-p", "/var", "web1"}, argv)
}

func TestResolveArgumentsRequiredMissing(t *testing.T) {
	args := map[string]types.ArgumentSpec{
		"-H": {Value: "$host.address$", Required: true},
	}
	_, err := ResolveArguments([]string{"check_ping"}, args, nil, nil)
	assert.Error(t, err)
}

func TestResolveArgumentsOptionalMissingSkipped(t *testing.T) {
	args := map[string]types.ArgumentSpec{
		"-x": {Value: "$host.vars.nope$"},
	}
	argv, err := ResolveArguments([]string{"check_x"}, args, hostResolvers(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"check_x"}, argv)
}
