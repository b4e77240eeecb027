package agent

import (
	"strings"

	"github.com/bluechi-go/bluechi/internal/agent/systemd"
	"github.com/bluechi-go/bluechi/internal/wire"
)

// handleUnitLifecycleEvent is systemd's UnitNew/UnitRemoved signal,
// translated per spec §4.3: UnitNew marks the cache entry loaded with
// initial state inactive/dead; UnitRemoved marks it not-loaded with no
// state, then triggers the GC sweep.
func (a *AgentCore) handleUnitLifecycleEvent(e systemd.UnitLifecycleEvent) {
	u := a.ensureUnitInfo(e.UnitName)
	if e.Removed {
		u.Loaded = false
		u.Active, u.Sub = "", ""
		a.emitUnitRemoved(e.UnitName, wire.ReasonReal)
		a.gcUnitInfos()
		return
	}
	u.Loaded = true
	u.ObjectPath = e.ObjectPath
	u.Active, u.Sub = "inactive", "dead"
	a.emitUnitNew(e.UnitName, e.ObjectPath, wire.ReasonReal)
}

// handlePropertiesChanged is systemd's PropertiesChanged signal,
// fanned out to either JobStateChanged (job object paths tracked in
// the JobTracker) or UnitStateChanged/UnitPropertiesChanged
// (everything else, spec §4.3).
func (a *AgentCore) handlePropertiesChanged(e systemd.PropertiesChangedEvent) {
	if job, ok := a.jobs.peek(e.ObjectPath); ok {
		if state, ok := e.Changed["State"].(string); ok {
			a.peerSignal(wire.NewSignal(wire.KindJobState, wire.JobStateChangedArgs{ID: job.ControllerJobID, State: state}))
		}
		return
	}

	name := unitNameFromPath(e.ObjectPath)
	if name == "" {
		return
	}
	u, ok := a.units[name]
	if !ok {
		return
	}
	active, hasActive := e.Changed["ActiveState"].(string)
	sub, hasSub := e.Changed["SubState"].(string)
	if hasActive || hasSub {
		if hasActive {
			u.Active = active
		}
		if hasSub {
			u.Sub = sub
		}
		a.emitUnitStateChanged(name, u.Active, u.Sub, wire.ReasonReal)
		return
	}
	a.emitUnitPropertiesChanged(name, e.Interface, e.Changed)
}

// handleJobEvent is systemd's JobRemoved(path, result): look up and
// remove the JobTracker row, emit JobDone, and (if metrics enabled)
// record the elapsed time (spec §4.3 "Job correlation table").
func (a *AgentCore) handleJobEvent(e systemd.JobEvent) {
	job, ok := a.jobs.take(e.JobPath)
	if !ok {
		return
	}
	a.peerSignal(wire.NewSignal(wire.KindJobDone, wire.JobDoneArgs{ID: job.ControllerJobID, Result: e.Result}))
	if a.mx.Enabled() {
		elapsed := a.clock.Now().Sub(job.StartedAt).Seconds()
		a.mx.ObserveJobDone(e.Result, elapsed)
	}
}

func unitNameFromPath(path string) string {
	const prefix = "/org/freedesktop/systemd1/unit/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.TrimPrefix(path, prefix)
}

// peerSignal writes a fire-and-forget envelope to the Controller, a
// no-op when disconnected (the signal is simply dropped, matching the
// wire's at-most-once delivery for unit events -- the Controller's
// own late-subscribe virtual-event machinery is what lets a client
// catch up on anything missed).
func (a *AgentCore) peerSignal(env *wire.Envelope) {
	if a.peer == nil || a.connState != stateConnected {
		return
	}
	if err := a.peer.Send(nil, env); err != nil {
		a.log.Printf("signal %s dropped: %v", env.Kind, err)
	}
}

func (a *AgentCore) emitUnitNew(unit, objectPath string, reason wire.UnitEventReason) {
	env := wire.NewSignal(wire.KindUnitNew, wire.UnitNewArgs{Unit: unit, ObjectPath: objectPath, Reason: reason})
	a.localAPI.broadcast(env)
	if a.shouldEmit(unit) {
		a.peerSignal(env)
	}
}

func (a *AgentCore) emitUnitRemoved(unit string, reason wire.UnitEventReason) {
	env := wire.NewSignal(wire.KindUnitGone, wire.UnitRemovedArgs{Unit: unit, Reason: reason})
	a.localAPI.broadcast(env)
	if a.shouldEmit(unit) {
		a.peerSignal(env)
	}
}

func (a *AgentCore) emitUnitStateChanged(unit, active, sub string, reason wire.UnitEventReason) {
	env := wire.NewSignal(wire.KindUnitState, wire.UnitStateChangedArgs{Unit: unit, Active: active, Sub: sub, Reason: reason})
	a.localAPI.broadcast(env)
	if a.shouldEmit(unit) {
		a.peerSignal(env)
	}
}

func (a *AgentCore) emitUnitPropertiesChanged(unit, iface string, props map[string]interface{}) {
	env := wire.NewSignal(wire.KindUnitProps, wire.UnitPropertiesChangedArgs{Unit: unit, Interface: iface, Properties: props})
	a.localAPI.broadcast(env)
	if a.shouldEmit(unit) {
		a.peerSignal(env)
	}
}

// shouldEmit implements spec §4.3 "Wildcard subscription": forward
// regardless of per-unit subscribed status when the wildcard flag is
// set, otherwise only for units marked subscribed.
func (a *AgentCore) shouldEmit(unit string) bool {
	if a.wildcardSubscriptionActive {
		return true
	}
	u, ok := a.units[unit]
	return ok && u.Subscribed
}
