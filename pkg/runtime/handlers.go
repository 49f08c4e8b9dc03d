package runtime

import (
	"encoding/json"

	"github.com/argus-monitor/argus/pkg/checkable"
	"github.com/argus-monitor/argus/pkg/cluster"
	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/command"
	"github.com/argus-monitor/argus/pkg/log"
	"github.com/argus-monitor/argus/pkg/types"
)

// registerClusterHandlers wires inbound cluster messages into the engine.
// Handlers run on the messenger's reader goroutine, so they only hand work
// off to the owning components.
func (r *Runtime) registerClusterHandlers() {
	r.messenger.OnMessage(cluster.MethodCheckResult, r.onCheckResult)
	r.messenger.OnMessage(cluster.MethodExecutedCommand, r.onExecutedCommand)
	r.messenger.OnMessage(cluster.MethodExecuteCommand, r.onExecuteCommand)
	r.messenger.OnMessage(cluster.MethodSetNextCheck, r.onSetNextCheck)
	r.messenger.OnMessage(cluster.MethodSetForceNextCheck, r.onSetForceNextCheck)
	r.messenger.OnMessage(cluster.MethodSetAcknowledgement, r.onSetAcknowledgement)
	r.messenger.OnMessage(cluster.MethodClearAcknowledgement, r.onClearAcknowledgement)
	r.messenger.OnMessage(cluster.MethodSendNotifications, r.onSendNotifications)
	r.messenger.OnMessage(cluster.MethodNotificationSentToUser, r.onNotificationSentToUser)
	r.messenger.OnMessage(cluster.MethodNotificationSentToAllUsers, r.onNotificationSentToAllUsers)
}

func decode[T any](env *cluster.Envelope) (*T, bool) {
	var params T
	if err := json.Unmarshal(env.Params, &params); err != nil {
		log.WithComponent("cluster").Warn().
			Err(err).
			Str("method", env.Method).
			Msg("Dropping malformed cluster message")
		return nil, false
	}
	return &params, true
}

func (r *Runtime) checkableFor(host, service string) *checkable.Checkable {
	return r.lookupCheckable(checkableName(host, service))
}

func (r *Runtime) onCheckResult(origin string, env *cluster.Envelope) {
	params, ok := decode[cluster.CheckResultParams](env)
	if !ok || params.CheckResult == nil {
		return
	}
	c := r.checkableFor(params.Host, params.Service)
	if c == nil {
		log.WithComponent("cluster").Debug().
			Str("host", params.Host).
			Str("service", params.Service).
			Msg("Check result for unknown checkable, dropping")
		return
	}
	// Keep the producing node on the result so it is not replicated again
	// from here.
	if params.CheckResult.CheckSource == "" {
		params.CheckResult.CheckSource = origin
	}
	if err := c.ProcessCheckResult(params.CheckResult); err != nil {
		log.WithComponent("cluster").Warn().
			Err(err).
			Str("checkable", c.ObjectName()).
			Msg("Rejected replicated check result")
		return
	}
	r.sched.Reschedule(c)
}

func (r *Runtime) onExecutedCommand(origin string, env *cluster.Envelope) {
	params, ok := decode[cluster.ExecutedCommandParams](env)
	if !ok || params.CheckResult == nil {
		return
	}
	c := r.checkableFor(params.Host, params.Service)
	if c == nil {
		return
	}
	if params.CheckResult.CheckSource == "" {
		params.CheckResult.CheckSource = origin
	}
	if err := c.ProcessCheckResult(params.CheckResult); err != nil {
		log.WithComponent("cluster").Warn().
			Err(err).
			Str("checkable", c.ObjectName()).
			Msg("Rejected remote execution result")
		return
	}
	r.sched.Reschedule(c)
}

// onExecuteCommand runs a check on behalf of a peer and replies with the
// outcome. The peer owns the checkable's state; this node only executes.
func (r *Runtime) onExecuteCommand(origin string, env *cluster.Envelope) {
	params, ok := decode[command.ExecuteCommandParams](env)
	if !ok {
		return
	}

	go func() {
		cr := r.executeForPeer(params)
		if cr == nil {
			return
		}
		reply := &cluster.ExecutedCommandParams{
			Host:        params.Host,
			Service:     params.Service,
			CheckResult: cr,
		}
		if err := r.messenger.Send(origin, cluster.MethodExecutedCommand, reply); err != nil {
			log.WithComponent("cluster").Debug().
				Err(err).
				Str("endpoint", origin).
				Msg("Could not return execution result")
		}
	}()
}

// executeForPeer executes a remotely requested check. A matching local
// checkable supplies vars and timeout; otherwise the command runs with
// the macros the peer resolved.
func (r *Runtime) executeForPeer(params *command.ExecuteCommandParams) *types.CheckResult {
	if c := r.checkableFor(params.Host, params.Service); c != nil {
		cr, err := r.runner.ExecuteCheck(c)
		if err != nil {
			log.WithComponent("cluster").Warn().
				Err(err).
				Str("checkable", c.ObjectName()).
				Msg("Remote check execution failed")
			return nil
		}
		return cr
	}

	log.WithComponent("cluster").Debug().
		Str("host", params.Host).
		Str("service", params.Service).
		Msg("Remote check for unknown checkable, refusing")
	return &types.CheckResult{
		State:          types.ServiceUnknown,
		ExitStatus:     3,
		Output:         "Unknown checkable on endpoint '" + r.doc.NodeName + "'",
		ScheduleStart:  clock.ToUnix(r.clk.Now()),
		ScheduleEnd:    clock.ToUnix(r.clk.Now()),
		ExecutionStart: clock.ToUnix(r.clk.Now()),
		ExecutionEnd:   clock.ToUnix(r.clk.Now()),
		CheckSource:    r.doc.NodeName,
		Active:         true,
	}
}

func (r *Runtime) onSetNextCheck(origin string, env *cluster.Envelope) {
	params, ok := decode[cluster.SetNextCheckParams](env)
	if !ok {
		return
	}
	c := r.checkableFor(params.Host, params.Service)
	if c == nil {
		return
	}
	c.SetNextCheck(params.NextCheck)
	r.sched.Reschedule(c)
}

func (r *Runtime) onSetForceNextCheck(origin string, env *cluster.Envelope) {
	params, ok := decode[cluster.SetNextCheckParams](env)
	if !ok {
		return
	}
	c := r.checkableFor(params.Host, params.Service)
	if c == nil {
		return
	}
	c.SetForceNextCheck(true)
	if params.NextCheck > 0 {
		c.SetNextCheck(params.NextCheck)
	}
	r.sched.Reschedule(c)
}

func (r *Runtime) onSetAcknowledgement(origin string, env *cluster.Envelope) {
	params, ok := decode[cluster.SetAcknowledgementParams](env)
	if !ok {
		return
	}
	c := r.checkableFor(params.Host, params.Service)
	if c == nil {
		return
	}
	if err := c.AcknowledgeProblem(params.Author, params.Comment, params.AckType, params.Notify, params.Expiry); err != nil {
		log.WithComponent("cluster").Debug().
			Err(err).
			Str("checkable", c.ObjectName()).
			Msg("Replicated acknowledgement not applicable")
	}
}

func (r *Runtime) onClearAcknowledgement(origin string, env *cluster.Envelope) {
	params, ok := decode[cluster.SetAcknowledgementParams](env)
	if !ok {
		return
	}
	if c := r.checkableFor(params.Host, params.Service); c != nil {
		c.ClearAcknowledgement()
	}
}

func (r *Runtime) onSendNotifications(origin string, env *cluster.Envelope) {
	params, ok := decode[cluster.CheckResultParams](env)
	if !ok {
		return
	}
	c := r.checkableFor(params.Host, params.Service)
	if c == nil {
		return
	}
	cr := params.CheckResult
	if cr == nil {
		cr = c.LastCheckResult()
	}
	r.engine.RequestNotifications(c, types.NotificationCustom, cr, "", "", false)
}

func (r *Runtime) onNotificationSentToUser(origin string, env *cluster.Envelope) {
	params, ok := decode[cluster.NotificationSentParams](env)
	if !ok {
		return
	}
	if n, ok := r.engine.NotificationByName(params.Notification); ok {
		n.MarkSentToUser(params.User)
	}
}

func (r *Runtime) onNotificationSentToAllUsers(origin string, env *cluster.Envelope) {
	params, ok := decode[cluster.NotificationSentParams](env)
	if !ok {
		return
	}
	if n, ok := r.engine.NotificationByName(params.Notification); ok {
		n.RecordRemoteSend(params.Type, clock.ToUnix(r.clk.Now()))
	}
}
