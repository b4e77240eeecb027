package controller

// ProxyMonitor mirrors a ProxyService on the Controller side: one per
// node-pair dependency (spec §3 "ProxyMonitor", §4.6 "Controller
// side"). No teacher analogue; grounded directly on
// original_source/src/controller/proxy_monitor.c, translated into the
// arena+index ownership style of spec §9 (OriginNode/TargetNode are
// names, looked up through ControllerCore's node registry, never
// pointers held across suspension points).
type ProxyMonitor struct {
	ID SubscriptionID // shares the Subscription's id; one Subscription per ProxyMonitor

	OriginNode string
	TargetNode string
	Unit       string

	// OriginProxyPath is the ProxyService object path on the origin
	// agent that Target* messages must be addressed to.
	OriginProxyPath string

	// sub is the Subscription this ProxyMonitor installed on
	// (TargetNode, Unit) to receive target events.
	sub *Subscription
}

// proxyDepKey identifies a (target node, unit) pair for refcounting
// dependency starts/stops (spec §4.6 "dependency refcount").
type proxyDepKey struct {
	node string
	unit string
}

// proxyDepRefcounts lives on ControllerCore. Preserved exactly per
// spec §9's Open Question: incremented on every CreateProxy,
// decremented only on explicit RemoveProxy or target-unit stop --
// never on target-agent disconnect or target-service failure. This is
// documented as intentionally asymmetric, not a bug to "fix".
type proxyDepRefcounts map[proxyDepKey]int

func (r proxyDepRefcounts) incr(node, unit string) int {
	k := proxyDepKey{node, unit}
	r[k]++
	return r[k]
}

// decr decrements and reports whether the refcount reached zero (the
// caller should then send StopDep).
func (r proxyDepRefcounts) decr(node, unit string) bool {
	k := proxyDepKey{node, unit}
	if r[k] <= 0 {
		return true
	}
	r[k]--
	if r[k] == 0 {
		delete(r, k)
		return true
	}
	return false
}
