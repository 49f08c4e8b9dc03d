package runtime

import (
	"strings"

	"github.com/argus-monitor/argus/pkg/checkable"
	"github.com/argus-monitor/argus/pkg/cluster"
	"github.com/argus-monitor/argus/pkg/events"
	"github.com/argus-monitor/argus/pkg/types"
)

// startReplication subscribes to the engine events that carry locally
// produced state changes and fans them out to cluster peers. Changes that
// arrived from the cluster are recognized by their check source or by a
// no-op application, so a replicated change never bounces back and forth.
func (r *Runtime) startReplication() {
	r.repSub = r.broker.Subscribe(
		events.EventNewCheckResult,
		events.EventNextCheckChanged,
		events.EventAcknowledgementSet,
		events.EventAcknowledgementCleared,
	)
	r.repDone = make(chan struct{})
	go r.replicate()
}

func (r *Runtime) replicate() {
	defer close(r.repDone)
	for ev := range r.repSub.C {
		if method, params, ok := r.replicationMessage(ev); ok {
			r.broadcastToPeers(method, params)
		}
	}
}

// replicationMessage maps one engine event to the cluster message peers
// need to mirror it, or reports false for events that must stay local.
func (r *Runtime) replicationMessage(ev *events.Event) (string, any, bool) {
	host, service := splitObjectName(ev.Object)

	switch ev.Type {
	case events.EventNewCheckResult:
		cr, ok := ev.Data.(*types.CheckResult)
		// Results produced elsewhere carry the producing node's name and
		// were replicated to us, not by us.
		if !ok || (cr.CheckSource != "" && cr.CheckSource != r.doc.NodeName) {
			return "", nil, false
		}
		return cluster.MethodCheckResult, &cluster.CheckResultParams{
			Host:        host,
			Service:     service,
			CheckResult: cr,
		}, true

	case events.EventNextCheckChanged:
		change, ok := ev.Data.(*checkable.NextCheckChange)
		// Applying a replicated next_check reports Old == New and stops
		// the flood.
		if !ok || change.Old == change.New {
			return "", nil, false
		}
		return cluster.MethodSetNextCheck, &cluster.SetNextCheckParams{
			Host:      host,
			Service:   service,
			NextCheck: change.New,
		}, true

	case events.EventAcknowledgementSet:
		ack, ok := ev.Data.(*checkable.AckEvent)
		if !ok {
			return "", nil, false
		}
		return cluster.MethodSetAcknowledgement, &cluster.SetAcknowledgementParams{
			Host:    host,
			Service: service,
			Author:  ack.Author,
			Comment: ack.Comment,
			AckType: ack.Type,
			Notify:  ack.Notify,
			Expiry:  ack.Expiry,
		}, true

	case events.EventAcknowledgementCleared:
		return cluster.MethodClearAcknowledgement, &cluster.SetAcknowledgementParams{
			Host:    host,
			Service: service,
		}, true
	}
	return "", nil, false
}

func splitObjectName(name string) (host, service string) {
	host, service, _ = strings.Cut(name, "!")
	return host, service
}
