package controller

import "github.com/bluechi-go/bluechi/internal/wire"

// WildcardUnit and WildcardNode are the "*" sentinels (spec glossary
// "Wildcard").
const (
	WildcardUnit = "*"
	WildcardNode = "*"
)

// SubscriptionCallbacks is the callback vtable a Subscription carries
// (spec §3 "Subscription"). Each field may be nil; a nil callback is
// simply not invoked.
type SubscriptionCallbacks struct {
	OnNew            func(node, unit string, reason wire.UnitEventReason)
	OnRemoved        func(node, unit string, reason wire.UnitEventReason)
	OnStateChanged   func(node, unit, active, sub string, reason wire.UnitEventReason)
	OnPropertyChanged func(node, unit, iface string, props map[string]interface{})
}

// Subscription is a client's durable interest in events from one node
// (or wildcard) for a set of units. It is an index *input*: Subscription
// itself holds no bus state, only a spec of what it wants (spec §3).
// Per spec §9's arena+index redesign, a Subscription never holds a
// pointer back to its NodeHandle -- it is looked up by (node name,
// unit name) through the registry, so node teardown cannot leave a
// dangling reference.
type Subscription struct {
	ID        SubscriptionID
	Node      string // node name, or WildcardNode
	Units     map[string]bool
	Callbacks SubscriptionCallbacks
	// Monitor is the owning Monitor's id -- used only for dedup-by-owner
	// hashing during dispatch (spec §4.5 "hash subscriptions by owning
	// monitor pointer"), never dereferenced to walk back up.
	Monitor MonitorID
}

func newSubscription(id SubscriptionID, owner MonitorID, node string, units []string) *Subscription {
	set := make(map[string]bool, len(units))
	for _, u := range units {
		set[u] = true
	}
	return &Subscription{ID: id, Node: node, Units: set, Monitor: owner}
}

func (s *Subscription) matchesUnit(unit string) bool {
	return s.Units[unit] || s.Units[WildcardUnit]
}

// UnitSubscriptionState is the per-(node,unit) cache the Controller
// keeps once at least one Subscription references it (spec §3
// "UnitSubscriptionState"). It exists iff Subs is non-empty -- see
// unindexFromNode in core.go, which deletes it once Subs is empty, the
// Go analogue of the source freeing the
// entry when its subs list empties.
type UnitSubscriptionState struct {
	Loaded bool
	Active string
	Sub    string
	// Subs is every Subscription id (direct or via wildcard unit) that
	// is currently interested in this (node, unit) pair.
	Subs map[SubscriptionID]bool
}

func newUnitSubscriptionState() *UnitSubscriptionState {
	return &UnitSubscriptionState{Subs: make(map[SubscriptionID]bool)}
}
