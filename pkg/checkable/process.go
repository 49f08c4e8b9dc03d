package checkable

import (
	"fmt"

	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/events"
	"github.com/argus-monitor/argus/pkg/log"
	"github.com/argus-monitor/argus/pkg/types"
)

// ProcessCheckResult applies one check result to the state machine.
// Processing for the same checkable is serialized; results apply in
// submission order. Handlers and notifications fire after the transition
// has committed.
func (c *Checkable) ProcessCheckResult(cr *types.CheckResult) error {
	if cr == nil || !cr.Valid() {
		log.WithComponent("checkable").Warn().
			Str("checkable", c.name).
			Msg("Rejecting malformed check result")
		return fmt.Errorf("%w for '%s'", ErrBadCheckResult, c.name)
	}
	// Hosts carry service-style states internally, so 0..3 for both kinds.
	if cr.State < 0 || cr.State > types.ServiceUnknown {
		return fmt.Errorf("%w for '%s': state %d out of range", ErrBadCheckResult, c.name, cr.State)
	}

	c.procMu.Lock()
	defer c.procMu.Unlock()

	now := clock.ToUnix(c.env.Clock.Now())

	c.mu.Lock()

	oldState := c.state
	oldStateType := c.stateType
	oldHardState := c.lastHardState
	if c.stateType == types.StateTypeHard {
		oldHardState = c.state
	}

	c.lastCheck = cr.ExecutionEnd
	c.lastResult = cr

	if cr.State == types.ServiceOK {
		if oldState != types.ServiceOK {
			c.forceNextCheck = false
		}
		c.state = types.ServiceOK
		c.stateType = types.StateTypeHard
		c.attempt = 1
	} else {
		c.state = cr.State
		if oldState == types.ServiceOK {
			c.attempt = 1
		} else {
			c.attempt++
		}
		if c.attempt >= c.MaxCheckAttempts {
			c.stateType = types.StateTypeHard
			c.attempt = c.MaxCheckAttempts
		} else {
			c.stateType = types.StateTypeSoft
		}
	}

	rawChanged := c.state != oldState
	hardChanged := c.stateType == types.StateTypeHard &&
		(oldStateType == types.StateTypeSoft || rawChanged)

	c.lastStateTimes[c.state] = now
	if rawChanged {
		c.lastStateChange = now
	}
	if hardChanged {
		c.lastHardStateChange = now
		c.lastHardState = oldState
	}

	var flapStarted, flapEnded bool
	if c.EnableFlapping.Load() {
		c.flap.record(rawChanged)
		current := c.flap.percent()
		if !c.isFlapping && current >= c.env.FlapHighThreshold {
			c.isFlapping = true
			flapStarted = true
		} else if c.isFlapping && current < c.env.FlapLowThreshold {
			c.isFlapping = false
			flapEnded = true
		}
	}

	ackCleared := c.expireAcknowledgementLocked(now, rawChanged)
	startedDowntimes, endedDowntimes := c.updateDowntimesLocked(now)

	// Advance the schedule while still holding the lock so readers never
	// observe a stale next_check after the result landed.
	interval := c.CheckInterval
	if c.stateType == types.StateTypeSoft && c.state != types.ServiceOK {
		interval = c.RetryInterval
	}
	oldNext := c.nextCheck
	c.nextCheck = c.lastCheck + interval + splay(c.name, interval)
	newNext := c.nextCheck

	newState := c.state
	newStateType := c.stateType
	inDowntime := c.downtimeDepth > 0
	acked := c.ack != types.AckNone

	c.mu.Unlock()

	c.env.emit(events.EventNextCheckChanged, c.name, &NextCheckChange{Old: oldNext, New: newNext})
	c.env.emit(events.EventNewCheckResult, c.name, cr)

	if ackCleared {
		c.env.emit(events.EventAcknowledgementCleared, c.name, nil)
	}

	if rawChanged || newStateType != oldStateType {
		c.env.emit(events.EventStateChange, c.name, &StateChange{
			OldState:     oldState,
			NewState:     newState,
			OldStateType: oldStateType,
			NewStateType: newStateType,
			CheckResult:  cr,
		})
	}

	if flapStarted {
		c.env.emit(events.EventFlappingStart, c.name, c.FlappingCurrent())
		c.requestNotifications(types.NotificationFlappingStart, cr, "", "", false)
	}
	if flapEnded {
		c.env.emit(events.EventFlappingEnd, c.name, c.FlappingCurrent())
		c.requestNotifications(types.NotificationFlappingEnd, cr, "", "", false)
	}

	c.emitDowntimeTransitions(startedDowntimes, endedDowntimes, cr)

	if hardChanged && !c.isFlappingNow() {
		switch {
		case newState == types.ServiceOK && oldHardState != types.ServiceOK:
			c.requestNotifications(types.NotificationRecovery, cr, "", "", false)
		case newState != types.ServiceOK && !inDowntime && !acked:
			c.requestNotifications(types.NotificationProblem, cr, "", "", false)
		}
	}

	if hardChanged {
		c.refreshDependents()
	}

	return nil
}

func (c *Checkable) isFlappingNow() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isFlapping
}

// refreshDependents re-evaluates reachability of every checkable with an
// edge from this one, plus this checkable itself.
func (c *Checkable) refreshDependents() {
	c.RefreshReachability()
	if c.env.Deps == nil || c.env.Lookup == nil {
		return
	}
	for _, name := range c.env.Deps.DependentsOf(c.name) {
		if child := c.env.Lookup(name); child != nil {
			child.RefreshReachability()
		}
	}
}

func (c *Checkable) requestNotifications(typ types.NotificationType, cr *types.CheckResult, author, text string, force bool) {
	c.env.emit(events.EventNotificationsRequested, c.name, typ)
	if c.env.Notifier != nil {
		c.env.Notifier.RequestNotifications(c, typ, cr, author, text, force)
	}
}
