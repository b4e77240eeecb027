package controller

import (
	"encoding/json"

	"github.com/bluechi-go/bluechi/internal/wire"
)

// handleProxyNew implements spec §4.6's Controller side: on ProxyNew
// from an origin agent, find the target node, install a Subscription
// that relays target events back to the origin's proxy object path,
// and bump the (target, unit) dependency refcount.
func (c *ControllerCore) handleProxyNew(origin *NodeHandle, env *wire.Envelope) {
	var args wire.ProxyNewArgs
	env.Decode(&args)

	target, ok := c.nodesByName[args.Node]
	if !ok {
		origin.signal(&wire.Envelope{Kind: wire.KindProxyError, Path: args.Path,
			Payload: mustJSON(wire.ProxyErrorArgs{Message: "No such node"})})
		return
	}

	// An earlier ProxyMonitor for the same (origin, target, unit) is
	// torn down first (spec §4.6 "Controller side").
	for _, pm := range origin.ProxyMonitors {
		if pm.TargetNode == args.Node && pm.Unit == args.Unit {
			c.tearDownProxyMonitorLocked(pm, "superseded by new CreateProxy")
		}
	}

	subID := c.ids.allocSub()
	pm := &ProxyMonitor{ID: subID, OriginNode: origin.Name, TargetNode: args.Node, Unit: args.Unit, OriginProxyPath: args.Path}

	sub := newSubscription(subID, 0, args.Node, []string{args.Unit})
	sub.Callbacks = SubscriptionCallbacks{
		OnStateChanged: func(_, _, active, subState string, reason wire.UnitEventReason) {
			c.relayToProxy(pm, wire.KindTargetStateChanged, wire.TargetStateChangedArgs{Active: active, Sub: subState, Reason: reason})
		},
		OnRemoved: func(_, _ string, reason wire.UnitEventReason) {
			c.relayToProxy(pm, wire.KindTargetRemoved, wire.TargetRemovedArgs{Reason: reason})
			if reason == wire.ReasonReal {
				c.decrDep(pm)
			}
		},
	}
	c.subscriptions[subID] = sub
	pm.sub = sub
	c.indexSubscriptionOnNode(target, sub)
	c.proxyMonitors[subID] = pm
	origin.ProxyMonitors = append(origin.ProxyMonitors, pm)

	if c.proxyDeps.incr(args.Node, args.Unit) == 1 {
		if target.Online() {
			target.signal(wire.NewSignal(wire.KindStartDep, wire.DepArgs{Unit: args.Unit}))
		}
	}

	origin.signal(&wire.Envelope{Kind: wire.KindTargetNew, Path: pm.OriginProxyPath})

	if state, ok := target.Units[args.Unit]; ok && state.Loaded {
		c.relayToProxy(pm, wire.KindTargetStateChanged, wire.TargetStateChangedArgs{Active: state.Active, Sub: state.Sub, Reason: wire.ReasonVirtual})
	}
}

// handleProxyRemoved implements explicit RemoveProxy from the origin
// agent: tear down the ProxyMonitor and decrement the dependency
// refcount (spec §4.6, §9 Open Question on refcount asymmetry).
func (c *ControllerCore) handleProxyRemoved(origin *NodeHandle, env *wire.Envelope) {
	var args wire.ProxyRemovedArgs
	env.Decode(&args)
	for i, pm := range origin.ProxyMonitors {
		if pm.TargetNode == args.Node && pm.Unit == args.Unit {
			origin.ProxyMonitors = append(origin.ProxyMonitors[:i], origin.ProxyMonitors[i+1:]...)
			c.removeSubscriptionLocked(pm.sub.ID, pm.sub)
			delete(c.proxyMonitors, pm.ID)
			c.decrDep(pm)
			return
		}
	}
}

// tearDownProxyMonitor is the exported-from-package-internal entry
// used by the disconnect sweep (origin disconnects: torn down without
// stopping the target, per spec §4.6 "Failure semantics").
func (c *ControllerCore) tearDownProxyMonitor(pm *ProxyMonitor, reason string) {
	c.tearDownProxyMonitorLocked(pm, reason)
}

func (c *ControllerCore) tearDownProxyMonitorLocked(pm *ProxyMonitor, reason string) {
	delete(c.proxyMonitors, pm.ID)
	if pm.sub != nil {
		c.removeSubscriptionLocked(pm.sub.ID, pm.sub)
	}
	c.log.Printf("proxy monitor %s/%s -> %s/%s torn down: %s", pm.OriginNode, "", pm.TargetNode, pm.Unit, reason)
}

// decrDep decrements the (target, unit) refcount and, if it reaches
// zero, sends StopDep -- the "last -1" from spec §4.6.
func (c *ControllerCore) decrDep(pm *ProxyMonitor) {
	if c.proxyDeps.decr(pm.TargetNode, pm.Unit) {
		if target, ok := c.nodesByName[pm.TargetNode]; ok && target.Online() {
			target.signal(wire.NewSignal(wire.KindStopDep, wire.DepArgs{Unit: pm.Unit}))
		}
	}
}

func (c *ControllerCore) relayToProxy(pm *ProxyMonitor, kind wire.Kind, args interface{}) {
	origin, ok := c.nodesByName[pm.OriginNode]
	if !ok || !origin.Online() {
		return
	}
	origin.signal(&wire.Envelope{Kind: kind, Path: pm.OriginProxyPath, Payload: mustJSON(args)})
}

func mustJSON(v interface{}) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
