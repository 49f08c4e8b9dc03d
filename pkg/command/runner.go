package command

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/argus-monitor/argus/pkg/checkable"
	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/log"
	"github.com/argus-monitor/argus/pkg/macros"
	"github.com/argus-monitor/argus/pkg/types"
)

// ErrUnknownCommand is returned when a checkable references a command that
// was never registered.
var ErrUnknownCommand = errors.New("unknown check command")

// DefaultTimeout bounds plugin execution when neither the checkable nor the
// command sets one, in seconds.
const DefaultTimeout = 60

// Arguments longer than this are truncated to 90% of the limit so the argv
// stays under the OS page-sized cap.
const maxArgumentLen = 4096

// RemoteSender hands a check to a cluster peer for execution. The result
// arrives asynchronously as a cluster message, so remote dispatch yields no
// local CheckResult.
type RemoteSender interface {
	SendExecuteCommand(endpoint string, params *ExecuteCommandParams) error
	HasCapability(endpoint string, cap types.Capability) bool
}

// ExecuteCommandParams is the payload of an event::ExecuteCommand message.
type ExecuteCommandParams struct {
	Host        string            `json:"host"`
	Service     string            `json:"service,omitempty"`
	CommandType types.CommandType `json:"command_type"`
	Command     []string          `json:"command"`
	Macros      map[string]string `json:"macros,omitempty"`
	Deadline    float64           `json:"deadline"`
}

// Runner executes check commands. Plugin processes run under a bounded
// worker pool; the other command types are cheap enough to run inline.
type Runner struct {
	clock    clock.Clock
	nodeName string
	remote   RemoteSender
	ifw      *IfwClient

	mu       sync.RWMutex
	commands map[string]*types.CheckCommand

	sem chan struct{}
}

// NewRunner creates a runner with the given plugin worker pool size.
func NewRunner(c clock.Clock, nodeName string, workers int) *Runner {
	if workers <= 0 {
		workers = 64
	}
	return &Runner{
		clock:    c,
		nodeName: nodeName,
		commands: make(map[string]*types.CheckCommand),
		sem:      make(chan struct{}, workers),
	}
}

// SetRemoteSender wires the cluster messenger for command_endpoint checks.
func (r *Runner) SetRemoteSender(s RemoteSender) { r.remote = s }

// SetIfwClient wires the IFW API client.
func (r *Runner) SetIfwClient(c *IfwClient) { r.ifw = c }

// RegisterCommand adds or replaces a check command definition.
func (r *Runner) RegisterCommand(cmd *types.CheckCommand) {
	r.mu.Lock()
	r.commands[cmd.Name] = cmd
	r.mu.Unlock()
}

// GetCommand looks a command up by name.
func (r *Runner) GetCommand(name string) (*types.CheckCommand, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// ExecuteCheck implements scheduler.Executor. Remote dispatch returns a nil
// result; completion arrives through the cluster messenger.
func (r *Runner) ExecuteCheck(c *checkable.Checkable) (*types.CheckResult, error) {
	cmd, ok := r.GetCommand(c.CheckCommandName)
	if !ok {
		return nil, fmt.Errorf("%w: '%s' for '%s'", ErrUnknownCommand, c.CheckCommandName, c.ObjectName())
	}

	resolvers := r.resolversFor(c, cmd)

	if ep := c.CommandEndpoint; ep != "" {
		if cmd.Type == types.CommandIfwAPI && r.remote != nil && !r.remote.HasCapability(ep, types.CapabilityIfwApiCheck) {
			// Peer cannot run IFW checks; fall back to plugin execution
			// when the command carries a process command line.
			if len(cmd.Command) > 0 {
				return r.executePlugin(c, cmd, resolvers), nil
			}
			return r.executeIfw(c, cmd, resolvers), nil
		}
		return nil, r.sendRemote(c, cmd, resolvers)
	}

	switch cmd.Type {
	case types.CommandPlugin:
		return r.executePlugin(c, cmd, resolvers), nil
	case types.CommandDummy:
		return r.executeDummy(c, resolvers), nil
	case types.CommandSleep:
		return r.executeSleep(c, resolvers), nil
	case types.CommandNull:
		return r.executeNull(c), nil
	case types.CommandIfwAPI:
		return r.executeIfw(c, cmd, resolvers), nil
	default:
		return nil, fmt.Errorf("unsupported command type '%s' for '%s'", cmd.Type, c.ObjectName())
	}
}

// ExecuteNotification runs a notification command's process under the same
// worker pool as plugin checks. Output is discarded; a spawn failure,
// timeout, or non-zero exit comes back as an error.
func (r *Runner) ExecuteNotification(commandName string, resolvers []macros.Resolver) error {
	cmd, ok := r.GetCommand(commandName)
	if !ok {
		return fmt.Errorf("%w: '%s'", ErrUnknownCommand, commandName)
	}

	argv, err := macros.ResolveArguments(cmd.Command, cmd.Arguments, resolvers, nil)
	if err != nil {
		return fmt.Errorf("notification command '%s': %w", commandName, err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("notification command '%s': command line is empty", commandName)
	}
	argv = truncateOversized(commandName, argv)

	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout*float64(time.Second)))
	defer cancel()

	out, runErr := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("notification command '%s' timed out after %.0fs", commandName, timeout)
	}
	if runErr != nil {
		return fmt.Errorf("notification command '%s': %w (output: %s)",
			commandName, runErr, strings.TrimRight(string(out), "\n"))
	}
	return nil
}

// resolversFor builds the macro lookup chain: command vars first, then the
// checkable's own vars under both the bare and the host/service prefix.
func (r *Runner) resolversFor(c *checkable.Checkable, cmd *types.CheckCommand) []macros.Resolver {
	prefix := "host"
	if !c.IsHost() {
		prefix = "service"
	}
	objDict := map[string]any{
		"name":  c.ObjectName(),
		"state": c.State(),
		"vars":  c.Vars,
	}
	return []macros.Resolver{
		{Prefix: "command", Object: cmd.Vars},
		{Prefix: prefix, Object: objDict},
		{Prefix: "", Object: cmd.Vars},
		{Prefix: "", Object: c.Vars},
	}
}

func (r *Runner) timeoutFor(c *checkable.Checkable, cmd *types.CheckCommand) time.Duration {
	timeout := c.CheckTimeout
	if timeout <= 0 {
		timeout = cmd.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return time.Duration(timeout * float64(time.Second))
}

func (r *Runner) newResult(c *checkable.Checkable, scheduleStart float64) *types.CheckResult {
	return &types.CheckResult{
		ScheduleStart: scheduleStart,
		CheckSource:   r.nodeName,
		Active:        true,
	}
}

func (r *Runner) executePlugin(c *checkable.Checkable, cmd *types.CheckCommand, resolvers []macros.Resolver) *types.CheckResult {
	start := clock.ToUnix(r.clock.Now())
	cr := r.newResult(c, start)

	argv, err := macros.ResolveArguments(cmd.Command, cmd.Arguments, resolvers, nil)
	if err != nil {
		return failResult(cr, c, start, "Macro resolution failed: "+err.Error())
	}
	if len(argv) == 0 {
		return failResult(cr, c, start, "Command line is empty")
	}
	argv = truncateOversized(c.ObjectName(), argv)
	cr.Command = strings.Join(argv, " ")

	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	timeout := r.timeoutFor(c, cmd)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cr.ExecutionStart = clock.ToUnix(r.clock.Now())
	proc := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, runErr := proc.CombinedOutput()
	cr.ExecutionEnd = clock.ToUnix(r.clock.Now())
	cr.ScheduleEnd = cr.ExecutionEnd

	if ctx.Err() == context.DeadlineExceeded {
		log.WithComponent("command").Warn().
			Str("checkable", c.ObjectName()).
			Float64("timeout", timeout.Seconds()).
			Msg("Check command timed out")
		cr.State = types.ServiceUnknown
		cr.ExitStatus = 3
		cr.Output = fmt.Sprintf("<Timeout exceeded after %.0fs>", timeout.Seconds())
		return cr
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return failResult(cr, c, start, "Command execution failed: "+runErr.Error())
		}
	}

	cr.ExitStatus = exitCode
	if exitCode < 0 || exitCode > 3 {
		log.WithComponent("command").Warn().
			Str("checkable", c.ObjectName()).
			Int("exit_code", exitCode).
			Msg("Check command returned an out-of-range exit code")
		cr.State = types.ServiceUnknown
	} else {
		cr.State = exitCode
	}

	parsed := strings.TrimRight(string(out), "\n")
	cr.Output = parsed
	return cr
}

func (r *Runner) executeDummy(c *checkable.Checkable, resolvers []macros.Resolver) *types.CheckResult {
	start := clock.ToUnix(r.clock.Now())
	cr := r.newResult(c, start)
	cr.ExecutionStart = start

	stateStr, _ := macros.Resolve("$dummy_state$", resolvers, nil)
	text, _ := macros.Resolve("$dummy_text$", resolvers, nil)

	state, err := strconv.Atoi(strings.TrimSpace(stateStr))
	if err != nil || state < types.ServiceOK || state > types.ServiceUnknown {
		state = types.ServiceUnknown
		text = "Invalid dummy_state '" + stateStr + "'"
	}
	if text == "" {
		text = "Dummy check"
	}

	cr.State = state
	cr.ExitStatus = state
	cr.Output = text
	cr.ExecutionEnd = clock.ToUnix(r.clock.Now())
	cr.ScheduleEnd = cr.ExecutionEnd
	return cr
}

func (r *Runner) executeSleep(c *checkable.Checkable, resolvers []macros.Resolver) *types.CheckResult {
	start := clock.ToUnix(r.clock.Now())
	cr := r.newResult(c, start)
	cr.ExecutionStart = start

	sleepStr, _ := macros.Resolve("$sleep_time$", resolvers, nil)
	seconds, err := strconv.ParseFloat(strings.TrimSpace(sleepStr), 64)
	if err != nil || seconds < 0 {
		seconds = 1
	}
	r.clock.Sleep(time.Duration(seconds * float64(time.Second)))

	cr.State = types.ServiceOK
	cr.ExitStatus = 0
	cr.Output = fmt.Sprintf("Slept for %.2f seconds.", seconds)
	cr.ExecutionEnd = clock.ToUnix(r.clock.Now())
	cr.ScheduleEnd = cr.ExecutionEnd
	return cr
}

func (r *Runner) executeNull(c *checkable.Checkable) *types.CheckResult {
	start := clock.ToUnix(r.clock.Now())
	cr := r.newResult(c, start)
	cr.ExecutionStart = start
	cr.State = types.ServiceOK
	cr.ExitStatus = 0
	cr.Output = "Hello from " + r.nodeName
	cr.ExecutionEnd = start
	cr.ScheduleEnd = start
	return cr
}

func (r *Runner) sendRemote(c *checkable.Checkable, cmd *types.CheckCommand, resolvers []macros.Resolver) error {
	if r.remote == nil {
		return fmt.Errorf("no cluster messenger configured for '%s'", c.ObjectName())
	}

	resolved := make(map[string]string, len(cmd.Vars))
	for name, tmpl := range cmd.Vars {
		if v, err := macros.Resolve(tmpl, resolvers, nil); err == nil {
			resolved[name] = v
		}
	}

	host := c.ObjectName()
	service := ""
	if i := strings.IndexByte(host, '!'); i >= 0 {
		host, service = host[:i], host[i+1:]
	}

	deadline := clock.ToUnix(r.clock.Now()) + r.timeoutFor(c, cmd).Seconds()
	params := &ExecuteCommandParams{
		Host:        host,
		Service:     service,
		CommandType: cmd.Type,
		Command:     cmd.Command,
		Macros:      resolved,
		Deadline:    deadline,
	}

	log.WithComponent("command").Debug().
		Str("checkable", c.ObjectName()).
		Str("endpoint", c.CommandEndpoint).
		Msg("Forwarding check to remote endpoint")
	return r.remote.SendExecuteCommand(c.CommandEndpoint, params)
}

// failResult fills a CR for a local execution failure so the UI and
// notification path convey it like any other check outcome.
func failResult(cr *types.CheckResult, c *checkable.Checkable, start float64, output string) *types.CheckResult {
	log.WithComponent("command").Warn().
		Str("checkable", c.ObjectName()).
		Msg(output)
	cr.State = types.ServiceUnknown
	cr.ExitStatus = 3
	cr.Output = output
	cr.ExecutionStart = start
	cr.ExecutionEnd = start
	cr.ScheduleEnd = start
	return cr
}

// truncateOversized shortens any argument beyond the page-sized cap to 90%
// of the limit, keeping the argv executable.
func truncateOversized(name string, argv []string) []string {
	limit := maxArgumentLen * 9 / 10
	for i, arg := range argv {
		if len(arg) > maxArgumentLen {
			log.WithComponent("command").Warn().
				Str("checkable", name).
				Int("length", len(arg)).
				Msg("Truncating oversized command argument")
			argv[i] = arg[:limit]
		}
	}
	return argv
}
