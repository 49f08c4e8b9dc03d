package extcmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/argus-monitor/argus/pkg/checkable"
	"github.com/argus-monitor/argus/pkg/log"
	"github.com/argus-monitor/argus/pkg/types"
)

// ErrBadRequest covers unknown commands and malformed arguments. Callers
// relay it to the submitter; the bus already logged it at Warning.
var ErrBadRequest = errors.New("bad request")

// Objects resolves checkables by name pair.
type Objects interface {
	GetHost(name string) (*checkable.Host, bool)
	GetService(host, service string) (*checkable.Service, bool)
}

// Notifier is the slice of the notification engine the bus needs.
type Notifier interface {
	SendCustomNotification(c *checkable.Checkable, author, text string, force bool)
	DelayNotifications(name string, until float64)
}

// Rescheduler re-queues a checkable after its next_check moved.
type Rescheduler interface {
	Reschedule(c *checkable.Checkable)
}

// Recorder journals runtime attribute changes so they survive restarts.
type Recorder interface {
	RecordModifiedAttribute(objType, name, attr string, value any)
}

// GlobalSwitch flips the process-wide notification toggle.
type GlobalSwitch interface {
	SetEnabled(enabled bool)
}

// Handler executes one parsed command. ts is the submission timestamp in
// unix seconds; args are the semicolon-separated fields after the name.
type Handler func(ts float64, args []string) error

// Config wires the bus into the rest of the process.
type Config struct {
	Objects       Objects
	Notifier      Notifier
	Sched         Rescheduler
	Recorder      Recorder
	Notifications GlobalSwitch

	// Shutdown is invoked for SHUTDOWN_PROCESS and RESTART_PROCESS.
	Shutdown func(restart bool)
}

// Bus dispatches structured admin operations by command name.
type Bus struct {
	cfg Config

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewBus creates a bus with the built-in command set registered.
func NewBus(cfg Config) *Bus {
	b := &Bus{cfg: cfg, handlers: make(map[string]Handler)}
	b.registerBuiltins()
	return b
}

// Register adds or replaces a handler.
func (b *Bus) Register(name string, h Handler) {
	b.mu.Lock()
	b.handlers[name] = h
	b.mu.Unlock()
}

// Execute runs one command. Unknown names and argument errors come back
// as ErrBadRequest.
func (b *Bus) Execute(ts float64, name string, args ...string) error {
	b.mu.RLock()
	h, ok := b.handlers[name]
	b.mu.RUnlock()
	if !ok {
		log.WithComponent("extcmd").Warn().
			Str("command", name).
			Msg("Unknown external command")
		return fmt.Errorf("%w: unknown command '%s'", ErrBadRequest, name)
	}
	if err := h(ts, args); err != nil {
		log.WithComponent("extcmd").Warn().
			Err(err).
			Str("command", name).
			Msg("External command failed")
		return err
	}
	log.WithComponent("extcmd").Info().
		Str("command", name).
		Msg("Executed external command")
	return nil
}

// ParseLine parses the classic "[<ts>] NAME;arg;arg" format and executes
// the command.
func (b *Bus) ParseLine(line string) error {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[") {
		return fmt.Errorf("%w: missing timestamp prefix", ErrBadRequest)
	}
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return fmt.Errorf("%w: missing timestamp prefix", ErrBadRequest)
	}
	ts, err := strconv.ParseFloat(strings.TrimSpace(line[1:end]), 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp '%s'", ErrBadRequest, line[1:end])
	}

	rest := strings.TrimSpace(line[end+1:])
	if rest == "" {
		return fmt.Errorf("%w: missing command name", ErrBadRequest)
	}
	fields := strings.Split(rest, ";")
	return b.Execute(ts, fields[0], fields[1:]...)
}

func (b *Bus) registerBuiltins() {
	b.Register("PROCESS_HOST_CHECK_RESULT", b.processHostCheckResult)
	b.Register("PROCESS_SERVICE_CHECK_RESULT", b.processServiceCheckResult)
	b.Register("ACKNOWLEDGE_HOST_PROBLEM", b.ackHost)
	b.Register("ACKNOWLEDGE_SVC_PROBLEM", b.ackService)
	b.Register("REMOVE_HOST_ACKNOWLEDGEMENT", b.removeHostAck)
	b.Register("REMOVE_SVC_ACKNOWLEDGEMENT", b.removeServiceAck)
	b.Register("SCHEDULE_HOST_DOWNTIME", b.scheduleHostDowntime)
	b.Register("SCHEDULE_SVC_DOWNTIME", b.scheduleServiceDowntime)
	b.Register("DEL_HOST_DOWNTIME", b.removeHostDowntime)
	b.Register("DEL_SVC_DOWNTIME", b.removeServiceDowntime)
	b.Register("ADD_HOST_COMMENT", b.addHostComment)
	b.Register("ADD_SVC_COMMENT", b.addServiceComment)
	b.Register("DEL_HOST_COMMENT", b.removeHostComment)
	b.Register("DEL_SVC_COMMENT", b.removeServiceComment)
	b.Register("SEND_CUSTOM_HOST_NOTIFICATION", b.customHostNotification)
	b.Register("SEND_CUSTOM_SVC_NOTIFICATION", b.customServiceNotification)
	b.Register("DELAY_HOST_NOTIFICATION", b.delayHostNotification)
	b.Register("DELAY_SVC_NOTIFICATION", b.delayServiceNotification)
	b.Register("SCHEDULE_HOST_CHECK", b.scheduleHostCheck(false))
	b.Register("SCHEDULE_FORCED_HOST_CHECK", b.scheduleHostCheck(true))
	b.Register("SCHEDULE_SVC_CHECK", b.scheduleServiceCheck(false))
	b.Register("SCHEDULE_FORCED_SVC_CHECK", b.scheduleServiceCheck(true))
	b.Register("ENABLE_HOST_CHECK", b.hostFlag("enable_active_checks", true))
	b.Register("DISABLE_HOST_CHECK", b.hostFlag("enable_active_checks", false))
	b.Register("ENABLE_SVC_CHECK", b.serviceFlag("enable_active_checks", true))
	b.Register("DISABLE_SVC_CHECK", b.serviceFlag("enable_active_checks", false))
	b.Register("ENABLE_PASSIVE_HOST_CHECKS", b.hostFlag("enable_passive_checks", true))
	b.Register("DISABLE_PASSIVE_HOST_CHECKS", b.hostFlag("enable_passive_checks", false))
	b.Register("ENABLE_PASSIVE_SVC_CHECKS", b.serviceFlag("enable_passive_checks", true))
	b.Register("DISABLE_PASSIVE_SVC_CHECKS", b.serviceFlag("enable_passive_checks", false))
	b.Register("ENABLE_HOST_NOTIFICATIONS", b.hostFlag("enable_notifications", true))
	b.Register("DISABLE_HOST_NOTIFICATIONS", b.hostFlag("enable_notifications", false))
	b.Register("ENABLE_SVC_NOTIFICATIONS", b.serviceFlag("enable_notifications", true))
	b.Register("DISABLE_SVC_NOTIFICATIONS", b.serviceFlag("enable_notifications", false))
	b.Register("ENABLE_HOST_FLAP_DETECTION", b.hostFlag("enable_flapping", true))
	b.Register("DISABLE_HOST_FLAP_DETECTION", b.hostFlag("enable_flapping", false))
	b.Register("ENABLE_SVC_FLAP_DETECTION", b.serviceFlag("enable_flapping", true))
	b.Register("DISABLE_SVC_FLAP_DETECTION", b.serviceFlag("enable_flapping", false))
	b.Register("ENABLE_NOTIFICATIONS", b.globalNotifications(true))
	b.Register("DISABLE_NOTIFICATIONS", b.globalNotifications(false))
	b.Register("SHUTDOWN_PROCESS", func(float64, []string) error {
		if b.cfg.Shutdown != nil {
			b.cfg.Shutdown(false)
		}
		return nil
	})
	b.Register("RESTART_PROCESS", func(float64, []string) error {
		if b.cfg.Shutdown != nil {
			b.cfg.Shutdown(true)
		}
		return nil
	})
}

func (b *Bus) hostByName(name string) (*checkable.Host, error) {
	h, ok := b.cfg.Objects.GetHost(name)
	if !ok {
		return nil, fmt.Errorf("%w: no such host '%s'", ErrBadRequest, name)
	}
	return h, nil
}

func (b *Bus) serviceByPair(host, service string) (*checkable.Service, error) {
	s, ok := b.cfg.Objects.GetService(host, service)
	if !ok {
		return nil, fmt.Errorf("%w: no such service '%s!%s'", ErrBadRequest, host, service)
	}
	return s, nil
}

func needArgs(args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("%w: expected at least %d arguments, got %d", ErrBadRequest, n, len(args))
	}
	return nil
}

func parseInt(s, what string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s '%s'", ErrBadRequest, what, s)
	}
	return v, nil
}

func parseFloat(s, what string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s '%s'", ErrBadRequest, what, s)
	}
	return v, nil
}

// passiveResult builds a CR for an externally submitted result. Output may
// itself contain semicolons, so the caller rejoins trailing fields.
func passiveResult(ts float64, state int, output string) (*types.CheckResult, error) {
	if state < types.ServiceOK || state > types.ServiceUnknown {
		return nil, fmt.Errorf("%w: invalid state %d", ErrBadRequest, state)
	}
	return &types.CheckResult{
		State:          state,
		ExitStatus:     state,
		Output:         output,
		ScheduleStart:  ts,
		ScheduleEnd:    ts,
		ExecutionStart: ts,
		ExecutionEnd:   ts,
		Active:         false,
	}, nil
}

func (b *Bus) processHostCheckResult(ts float64, args []string) error {
	if err := needArgs(args, 3); err != nil {
		return err
	}
	h, err := b.hostByName(args[0])
	if err != nil {
		return err
	}
	if !h.EnablePassiveChecks.Load() {
		return fmt.Errorf("%w: passive checks are disabled for '%s'", ErrBadRequest, h.ObjectName())
	}
	state, err := parseInt(args[1], "state")
	if err != nil {
		return err
	}
	cr, err := passiveResult(ts, state, strings.Join(args[2:], ";"))
	if err != nil {
		return err
	}
	if err := h.ProcessCheckResult(cr); err != nil {
		return fmt.Errorf("%w: %s", ErrBadRequest, err)
	}
	return nil
}

func (b *Bus) processServiceCheckResult(ts float64, args []string) error {
	if err := needArgs(args, 4); err != nil {
		return err
	}
	s, err := b.serviceByPair(args[0], args[1])
	if err != nil {
		return err
	}
	if !s.EnablePassiveChecks.Load() {
		return fmt.Errorf("%w: passive checks are disabled for '%s'", ErrBadRequest, s.ObjectName())
	}
	state, err := parseInt(args[2], "state")
	if err != nil {
		return err
	}
	cr, err := passiveResult(ts, state, strings.Join(args[3:], ";"))
	if err != nil {
		return err
	}
	if err := s.ProcessCheckResult(cr); err != nil {
		return fmt.Errorf("%w: %s", ErrBadRequest, err)
	}
	return nil
}

// acknowledge parses the classic sticky;notify;persistent;author;comment
// tail shared by the host and service forms.
func (b *Bus) acknowledge(c *checkable.Checkable, args []string) error {
	if err := needArgs(args, 5); err != nil {
		return err
	}
	sticky, err := parseInt(args[0], "sticky flag")
	if err != nil {
		return err
	}
	notify, err := parseInt(args[1], "notify flag")
	if err != nil {
		return err
	}
	// args[2] is the persistent flag, accepted for compatibility.
	author, comment := args[3], strings.Join(args[4:], ";")

	ackType := types.AckNormal
	if sticky == 2 {
		ackType = types.AckSticky
	}
	if err := c.AcknowledgeProblem(author, comment, ackType, notify != 0, 0); err != nil {
		return fmt.Errorf("%w: %s", ErrBadRequest, err)
	}
	return nil
}

func (b *Bus) ackHost(ts float64, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	h, err := b.hostByName(args[0])
	if err != nil {
		return err
	}
	return b.acknowledge(&h.Checkable, args[1:])
}

func (b *Bus) ackService(ts float64, args []string) error {
	if err := needArgs(args, 2); err != nil {
		return err
	}
	s, err := b.serviceByPair(args[0], args[1])
	if err != nil {
		return err
	}
	return b.acknowledge(&s.Checkable, args[2:])
}

func (b *Bus) removeHostAck(ts float64, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	h, err := b.hostByName(args[0])
	if err != nil {
		return err
	}
	h.ClearAcknowledgement()
	return nil
}

func (b *Bus) removeServiceAck(ts float64, args []string) error {
	if err := needArgs(args, 2); err != nil {
		return err
	}
	s, err := b.serviceByPair(args[0], args[1])
	if err != nil {
		return err
	}
	s.ClearAcknowledgement()
	return nil
}

// scheduleDowntime parses start;end;fixed;trigger_id;duration;author;comment.
func (b *Bus) scheduleDowntime(c *checkable.Checkable, args []string) error {
	if err := needArgs(args, 7); err != nil {
		return err
	}
	start, err := parseFloat(args[0], "start time")
	if err != nil {
		return err
	}
	end, err := parseFloat(args[1], "end time")
	if err != nil {
		return err
	}
	fixed, err := parseInt(args[2], "fixed flag")
	if err != nil {
		return err
	}
	duration, err := parseFloat(args[4], "duration")
	if err != nil {
		return err
	}
	if end <= start {
		return fmt.Errorf("%w: downtime ends before it starts", ErrBadRequest)
	}
	author, comment := args[5], strings.Join(args[6:], ";")
	c.ScheduleDowntime(author, comment, start, end, fixed != 0, duration, strings.TrimSpace(args[3]))
	return nil
}

func (b *Bus) scheduleHostDowntime(ts float64, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	h, err := b.hostByName(args[0])
	if err != nil {
		return err
	}
	return b.scheduleDowntime(&h.Checkable, args[1:])
}

func (b *Bus) scheduleServiceDowntime(ts float64, args []string) error {
	if err := needArgs(args, 2); err != nil {
		return err
	}
	s, err := b.serviceByPair(args[0], args[1])
	if err != nil {
		return err
	}
	return b.scheduleDowntime(&s.Checkable, args[2:])
}

func (b *Bus) removeHostDowntime(ts float64, args []string) error {
	if err := needArgs(args, 2); err != nil {
		return err
	}
	h, err := b.hostByName(args[0])
	if err != nil {
		return err
	}
	if !h.RemoveDowntime(args[1]) {
		return fmt.Errorf("%w: no downtime '%s' on '%s'", ErrBadRequest, args[1], h.ObjectName())
	}
	return nil
}

func (b *Bus) removeServiceDowntime(ts float64, args []string) error {
	if err := needArgs(args, 3); err != nil {
		return err
	}
	s, err := b.serviceByPair(args[0], args[1])
	if err != nil {
		return err
	}
	if !s.RemoveDowntime(args[2]) {
		return fmt.Errorf("%w: no downtime '%s' on '%s'", ErrBadRequest, args[2], s.ObjectName())
	}
	return nil
}

func (b *Bus) addHostComment(ts float64, args []string) error {
	if err := needArgs(args, 4); err != nil {
		return err
	}
	h, err := b.hostByName(args[0])
	if err != nil {
		return err
	}
	// args[1] is the persistent flag, accepted for compatibility.
	h.AddComment(args[2], strings.Join(args[3:], ";"))
	return nil
}

func (b *Bus) addServiceComment(ts float64, args []string) error {
	if err := needArgs(args, 5); err != nil {
		return err
	}
	s, err := b.serviceByPair(args[0], args[1])
	if err != nil {
		return err
	}
	s.AddComment(args[3], strings.Join(args[4:], ";"))
	return nil
}

func (b *Bus) removeHostComment(ts float64, args []string) error {
	if err := needArgs(args, 2); err != nil {
		return err
	}
	h, err := b.hostByName(args[0])
	if err != nil {
		return err
	}
	if !h.RemoveComment(args[1]) {
		return fmt.Errorf("%w: no comment '%s' on '%s'", ErrBadRequest, args[1], h.ObjectName())
	}
	return nil
}

func (b *Bus) removeServiceComment(ts float64, args []string) error {
	if err := needArgs(args, 3); err != nil {
		return err
	}
	s, err := b.serviceByPair(args[0], args[1])
	if err != nil {
		return err
	}
	if !s.RemoveComment(args[2]) {
		return fmt.Errorf("%w: no comment '%s' on '%s'", ErrBadRequest, args[2], s.ObjectName())
	}
	return nil
}

func (b *Bus) customHostNotification(ts float64, args []string) error {
	if err := needArgs(args, 4); err != nil {
		return err
	}
	h, err := b.hostByName(args[0])
	if err != nil {
		return err
	}
	if b.cfg.Notifier == nil {
		return nil
	}
	options, err := parseInt(args[1], "options")
	if err != nil {
		return err
	}
	// Bit 1 of options forces the notification past filters.
	b.cfg.Notifier.SendCustomNotification(&h.Checkable, args[2], strings.Join(args[3:], ";"), options&2 != 0)
	return nil
}

func (b *Bus) customServiceNotification(ts float64, args []string) error {
	if err := needArgs(args, 5); err != nil {
		return err
	}
	s, err := b.serviceByPair(args[0], args[1])
	if err != nil {
		return err
	}
	if b.cfg.Notifier == nil {
		return nil
	}
	options, err := parseInt(args[2], "options")
	if err != nil {
		return err
	}
	b.cfg.Notifier.SendCustomNotification(&s.Checkable, args[3], strings.Join(args[4:], ";"), options&2 != 0)
	return nil
}

func (b *Bus) delayHostNotification(ts float64, args []string) error {
	if err := needArgs(args, 2); err != nil {
		return err
	}
	h, err := b.hostByName(args[0])
	if err != nil {
		return err
	}
	until, err := parseFloat(args[1], "delay time")
	if err != nil {
		return err
	}
	if b.cfg.Notifier != nil {
		b.cfg.Notifier.DelayNotifications(h.ObjectName(), until)
	}
	return nil
}

func (b *Bus) delayServiceNotification(ts float64, args []string) error {
	if err := needArgs(args, 3); err != nil {
		return err
	}
	s, err := b.serviceByPair(args[0], args[1])
	if err != nil {
		return err
	}
	until, err := parseFloat(args[2], "delay time")
	if err != nil {
		return err
	}
	if b.cfg.Notifier != nil {
		b.cfg.Notifier.DelayNotifications(s.ObjectName(), until)
	}
	return nil
}

func applyFlag(c *checkable.Checkable, attr string, on bool) {
	switch attr {
	case "enable_active_checks":
		c.EnableActiveChecks.Store(on)
	case "enable_passive_checks":
		c.EnablePassiveChecks.Store(on)
	case "enable_notifications":
		c.EnableNotifications.Store(on)
	case "enable_flapping":
		c.EnableFlapping.Store(on)
	}
}

func (b *Bus) record(objType, name, attr string, value any) {
	if b.cfg.Recorder != nil {
		b.cfg.Recorder.RecordModifiedAttribute(objType, name, attr, value)
	}
}

func (b *Bus) hostFlag(attr string, on bool) Handler {
	return func(ts float64, args []string) error {
		if err := needArgs(args, 1); err != nil {
			return err
		}
		h, err := b.hostByName(args[0])
		if err != nil {
			return err
		}
		applyFlag(&h.Checkable, attr, on)
		b.record("Host", h.ObjectName(), attr, on)
		return nil
	}
}

func (b *Bus) serviceFlag(attr string, on bool) Handler {
	return func(ts float64, args []string) error {
		if err := needArgs(args, 2); err != nil {
			return err
		}
		s, err := b.serviceByPair(args[0], args[1])
		if err != nil {
			return err
		}
		applyFlag(&s.Checkable, attr, on)
		b.record("Service", s.ObjectName(), attr, on)
		return nil
	}
}

func (b *Bus) globalNotifications(on bool) Handler {
	return func(float64, []string) error {
		if b.cfg.Notifications != nil {
			b.cfg.Notifications.SetEnabled(on)
		}
		b.record("Core", "", "enable_notifications", on)
		return nil
	}
}

func (b *Bus) rescheduleCheck(c *checkable.Checkable, at float64, force bool) {
	if force {
		c.SetForceNextCheck(true)
	}
	c.SetNextCheck(at)
	if b.cfg.Sched != nil {
		b.cfg.Sched.Reschedule(c)
	}
}

func (b *Bus) scheduleHostCheck(force bool) Handler {
	return func(ts float64, args []string) error {
		if err := needArgs(args, 2); err != nil {
			return err
		}
		h, err := b.hostByName(args[0])
		if err != nil {
			return err
		}
		at, err := parseFloat(args[1], "check time")
		if err != nil {
			return err
		}
		b.rescheduleCheck(&h.Checkable, at, force)
		return nil
	}
}

func (b *Bus) scheduleServiceCheck(force bool) Handler {
	return func(ts float64, args []string) error {
		if err := needArgs(args, 3); err != nil {
			return err
		}
		s, err := b.serviceByPair(args[0], args[1])
		if err != nil {
			return err
		}
		at, err := parseFloat(args[2], "check time")
		if err != nil {
			return err
		}
		b.rescheduleCheck(&s.Checkable, at, force)
		return nil
	}
}
