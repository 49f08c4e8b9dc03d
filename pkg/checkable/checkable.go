package checkable

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/dependency"
	"github.com/argus-monitor/argus/pkg/events"
	"github.com/argus-monitor/argus/pkg/registry"
	"github.com/argus-monitor/argus/pkg/timeperiod"
	"github.com/argus-monitor/argus/pkg/types"
)

// ErrBadCheckResult rejects malformed check results; the checkable's
// schedule is left untouched.
var ErrBadCheckResult = errors.New("bad check result")

// Default thresholds for flap detection, in percent of recorded
// state changes.
const (
	DefaultFlapHighThreshold = 30.0
	DefaultFlapLowThreshold  = 25.0
)

// NotificationSink receives notification requests from the state machine.
// The notification engine implements it; tests substitute a recorder.
type NotificationSink interface {
	RequestNotifications(c *Checkable, typ types.NotificationType, cr *types.CheckResult, author, text string, force bool)
}

// Env bundles the services a checkable needs. One Env is shared by every
// checkable in the process.
type Env struct {
	Clock  clock.Clock
	Broker *events.Broker
	Deps   *dependency.Registry

	// Lookup resolves a checkable name so dependents can be re-evaluated
	// after a state change. Nil is allowed in tests.
	Lookup func(name string) *Checkable

	// Notifier is invoked synchronously after a state transition commits.
	// Nil disables notification requests.
	Notifier NotificationSink

	FlapHighThreshold float64
	FlapLowThreshold  float64
}

// NewEnv fills in default flap thresholds.
func NewEnv(c clock.Clock, broker *events.Broker, deps *dependency.Registry) *Env {
	return &Env{
		Clock:             c,
		Broker:            broker,
		Deps:              deps,
		FlapHighThreshold: DefaultFlapHighThreshold,
		FlapLowThreshold:  DefaultFlapLowThreshold,
	}
}

func (e *Env) emit(typ events.Type, object string, data any) {
	if e.Broker != nil {
		e.Broker.Emit(typ, object, e.Clock.Now(), data)
	}
}

// Checkable is the common record of hosts and services. Static attributes
// are set before Start and not mutated afterwards; runtime state is guarded
// by mu. procMu serializes check-result processing so two results for the
// same checkable apply in submission order.
type Checkable struct {
	env *Env

	name   string
	isHost bool

	// Static configuration.
	CheckCommandName string
	CheckInterval    float64
	RetryInterval    float64
	MaxCheckAttempts int
	CheckPeriod      *timeperiod.TimePeriod
	CheckTimeout     float64
	CommandEndpoint  string

	// Enable flags are flipped at runtime by external commands while the
	// scheduler and the notification engine read them, hence atomics.
	EnableActiveChecks  atomic.Bool
	EnablePassiveChecks atomic.Bool
	EnableNotifications atomic.Bool
	EnableFlapping      atomic.Bool

	EnableEventHandler bool
	EnablePerfdata     bool

	Vars map[string]any

	procMu sync.Mutex
	mu     sync.RWMutex

	state               int
	stateType           types.StateType
	attempt             int
	lastStateChange     float64
	lastHardStateChange float64
	lastCheck           float64
	nextCheck           float64
	lastHardState       int
	lastStateTimes      map[int]float64
	downtimeDepth       int
	ack                 types.AckType
	ackExpiry           float64
	forceNextCheck      bool
	flap                flapBuffer
	isFlapping          bool
	lastResult          *types.CheckResult
	reachable           bool

	comments  map[string]*Comment
	downtimes map[string]*Downtime
}

func initCheckable(c *Checkable, env *Env, name string, isHost bool) {
	c.env = env
	c.name = name
	c.isHost = isHost
	c.CheckInterval = 300
	c.RetryInterval = 60
	c.MaxCheckAttempts = 3
	c.EnableActiveChecks.Store(true)
	c.EnablePassiveChecks.Store(true)
	c.EnableNotifications.Store(true)
	c.EnableFlapping.Store(true)
	c.EnablePerfdata = true
	c.state = types.ServiceOK
	c.stateType = types.StateTypeHard
	c.attempt = 1
	c.lastStateTimes = make(map[int]float64)
	c.reachable = true
	c.comments = make(map[string]*Comment)
	c.downtimes = make(map[string]*Downtime)
}

// ObjectName implements registry.Object.
func (c *Checkable) ObjectName() string { return c.name }

// IsHost reports whether the checkable is a host.
func (c *Checkable) IsHost() bool { return c.isHost }

// Validate implements registry.Validator for the common fields.
func (c *Checkable) Validate() error {
	objType := "Service"
	if c.isHost {
		objType = "Host"
	}
	if c.CheckInterval <= 0 {
		return &registry.ValidationError{Type: objType, Name: c.name, Field: "check_interval", Err: errors.New("must be positive")}
	}
	if c.RetryInterval <= 0 {
		return &registry.ValidationError{Type: objType, Name: c.name, Field: "retry_interval", Err: errors.New("must be positive")}
	}
	if c.MaxCheckAttempts < 1 {
		return &registry.ValidationError{Type: objType, Name: c.name, Field: "max_check_attempts", Err: errors.New("must be at least 1")}
	}
	return nil
}

// State returns the current raw state.
func (c *Checkable) State() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// StateType returns Soft or Hard.
func (c *Checkable) StateType() types.StateType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateType
}

// CheckAttempt returns the current attempt counter.
func (c *Checkable) CheckAttempt() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempt
}

// LastHardState returns the previous hard state.
func (c *Checkable) LastHardState() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHardState
}

// LastCheck returns the unix timestamp of the last applied result, 0 when
// the checkable has never been checked.
func (c *Checkable) LastCheck() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCheck
}

// LastCheckResult returns the most recent result, nil before first check.
func (c *Checkable) LastCheckResult() *types.CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastResult
}

// LastStateChange returns the timestamp of the last raw state change.
func (c *Checkable) LastStateChange() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastStateChange
}

// LastHardStateChange returns the timestamp of the last hard state change.
func (c *Checkable) LastHardStateChange() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHardStateChange
}

// NextCheck returns the scheduled time of the next check.
func (c *Checkable) NextCheck() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nextCheck
}

// SetNextCheck reschedules the next check and announces the change.
func (c *Checkable) SetNextCheck(next float64) {
	c.mu.Lock()
	old := c.nextCheck
	c.nextCheck = next
	c.mu.Unlock()
	c.env.emit(events.EventNextCheckChanged, c.name, &NextCheckChange{Old: old, New: next})
}

// ForceNextCheck reports the force flag.
func (c *Checkable) ForceNextCheck() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.forceNextCheck
}

// SetForceNextCheck sets the force flag; the next admission bypasses the
// check period and enable flags.
func (c *Checkable) SetForceNextCheck(force bool) {
	c.mu.Lock()
	c.forceNextCheck = force
	c.mu.Unlock()
}

// IsFlapping reports the flap detector's current verdict.
func (c *Checkable) IsFlapping() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isFlapping
}

// FlappingCurrent returns the flap percentage over the transition window.
func (c *Checkable) FlappingCurrent() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flap.percent()
}

// IsReachable reports the last computed reachability.
func (c *Checkable) IsReachable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reachable
}

// DowntimeDepth returns the number of active downtimes covering the
// checkable.
func (c *Checkable) DowntimeDepth() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.downtimeDepth
}

// InDowntime reports whether at least one downtime is active.
func (c *Checkable) InDowntime() bool { return c.DowntimeDepth() > 0 }

// CurrentStateFilter implements dependency.Checkable. With hardOnly the
// last hard state is consulted, matching ignore_soft_states semantics.
func (c *Checkable) CurrentStateFilter(hardOnly bool) types.StateFilter {
	c.mu.RLock()
	st := c.state
	if hardOnly && c.stateType != types.StateTypeHard {
		st = c.lastHardState
	}
	isHost := c.isHost
	c.mu.RUnlock()

	if isHost {
		return types.HostStateFilter(types.EffectiveHostState(st, true))
	}
	return types.ServiceStateFilter(st)
}

// RefreshReachability re-evaluates the dependency graph for this checkable
// and emits a reachability event when the verdict flips.
func (c *Checkable) RefreshReachability() {
	if c.env.Deps == nil {
		return
	}
	now := c.env.Deps.Reachable(c.name)

	c.mu.Lock()
	changed := c.reachable != now
	c.reachable = now
	c.mu.Unlock()

	if changed {
		c.env.emit(events.EventReachabilityChanged, c.name, now)
	}
}

// UpdateNextCheck computes the next check time from the last check, using
// the retry interval while in a soft problem state and a deterministic
// per-name splay so restarts do not stampede.
func (c *Checkable) UpdateNextCheck() {
	c.mu.Lock()
	interval := c.CheckInterval
	if c.stateType == types.StateTypeSoft && c.state != types.ServiceOK {
		interval = c.RetryInterval
	}
	base := c.lastCheck
	if base == 0 {
		base = clock.ToUnix(c.env.Clock.Now())
	}
	old := c.nextCheck
	c.nextCheck = base + interval + splay(c.name, interval)
	next := c.nextCheck
	c.mu.Unlock()

	c.env.emit(events.EventNextCheckChanged, c.name, &NextCheckChange{Old: old, New: next})
}

// splay spreads checks with the same interval across the interval window.
// At most 10% of the interval, stable per name.
func splay(name string, interval float64) float64 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return interval * 0.1 * float64(h.Sum32()%1000) / 1000.0
}

// NextCheckChange is the payload of a NextCheckChanged event.
type NextCheckChange struct {
	Old float64
	New float64
}

// StateChange is the payload of a StateChanged event.
type StateChange struct {
	OldState     int
	NewState     int
	OldStateType types.StateType
	NewStateType types.StateType
	CheckResult  *types.CheckResult
}
