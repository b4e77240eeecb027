package controller

import (
	"time"

	"github.com/bluechi-go/bluechi/internal/transport"
	"github.com/bluechi-go/bluechi/internal/wire"
)

// NodeState is a NodeHandle's registration state (spec §3 "Node
// (Controller-side record)"): provisioned/anonymous/online/offline.
type NodeState int

const (
	// NodeProvisioned: listed in config, never connected.
	NodeProvisioned NodeState = iota
	// NodeAnonymous: connection accepted, Register not yet called.
	NodeAnonymous
	// NodeOnline: registered and the connection is live.
	NodeOnline
	// NodeOffline: named but the connection has dropped.
	NodeOffline
)

func (s NodeState) String() string {
	switch s {
	case NodeAnonymous:
		return "anonymous"
	case NodeOnline:
		return "online"
	case NodeOffline:
		return "offline"
	default:
		return "provisioned"
	}
}

// AgentRequest is an outstanding Controller->Agent call awaiting a
// reply, the Go equivalent of the source's hand-rolled future (spec
// §5 "Suspension points", §9 "Coroutine / callback control flow"): a
// channel the issuing goroutine blocks on, paired with a tombstone
// instead of a shared refcount for cancellation.
type AgentRequest struct {
	ID        uint64
	Kind      wire.Kind
	reply     chan *wire.Envelope
	cancelled bool
}

func newAgentRequest(id uint64, kind wire.Kind) *AgentRequest {
	return &AgentRequest{ID: id, Kind: kind, reply: make(chan *wire.Envelope, 1)}
}

// resolve delivers env to the waiter, unless the request was already
// cancelled -- a racing late reply after cancellation is silently
// dropped (spec §5 "a cancelled callback must be safe against a
// racing late reply").
func (r *AgentRequest) resolve(env *wire.Envelope) {
	if r.cancelled {
		return
	}
	select {
	case r.reply <- env:
	default:
	}
}

// cancel tombstones the request and delivers a synthesized Cancelled error.
func (r *AgentRequest) cancel() {
	if r.cancelled {
		return
	}
	r.cancelled = true
	env := &wire.Envelope{ReplyTo: r.ID, Err: wire.Cancelled()}
	select {
	case r.reply <- env:
	default:
	}
}

// NodeHandle is the Controller's per-connected-Agent record: one per
// accepted connection, promoted from anonymous to named on Register.
// It is the merge of the teacher's Session (per-connection transport
// state, outstanding-request bookkeeping) and Topic (named identity,
// subscriber bookkeeping), since BlueChi has no separate "topic"
// concept -- a NodeHandle plays both roles at once.
type NodeHandle struct {
	Name string
	State NodeState

	peer     *transport.Peer
	PeerIP   string
	LastSeen time.Time

	SecurityContext string

	// Units maps unit name -> subscription state, populated lazily the
	// first time a Subscription references (this node, unit).
	Units map[string]*UnitSubscriptionState

	// Outstanding holds every AgentRequest awaiting reply, keyed by
	// envelope id, cleared on disconnect via cancelAllOutstanding.
	Outstanding map[uint64]*AgentRequest

	// ProxyMonitors is the list of ProxyMonitors whose origin is this
	// node (the agent hosting the ProxyService); its disconnect sweep
	// tears them down without stopping their target. A target node's
	// disconnect reaches the origin as TargetRemoved through each
	// ProxyMonitor's subscription instead.
	ProxyMonitors []*ProxyMonitor

	// Jobs is every Job whose weak Node reference is this node, so a
	// disconnect can cancel them all without a global scan.
	Jobs map[JobID]*Job

	nextRequestID uint64
}

func newProvisionedNode(name string) *NodeHandle {
	return &NodeHandle{
		Name:        name,
		State:       NodeProvisioned,
		Units:       make(map[string]*UnitSubscriptionState),
		Outstanding: make(map[uint64]*AgentRequest),
		Jobs:        make(map[JobID]*Job),
	}
}

func newAnonymousNode(peer *transport.Peer, peerIP string) *NodeHandle {
	return &NodeHandle{
		State:       NodeAnonymous,
		peer:        peer,
		PeerIP:      peerIP,
		Units:       make(map[string]*UnitSubscriptionState),
		Outstanding: make(map[uint64]*AgentRequest),
		Jobs:        make(map[JobID]*Job),
	}
}

// Online reports whether the node currently has a live connection,
// the predicate behind the Status property's "online" value (spec §8
// round-trip law: Status == "online" iff an active peer connection).
func (n *NodeHandle) Online() bool {
	return n.State == NodeOnline && n.peer != nil && n.peer.State() == transport.StateConnected
}

// send assigns a request id, registers an AgentRequest, and writes env
// to the peer. Returns the request so the caller can await its reply
// channel.
func (n *NodeHandle) send(env *wire.Envelope) (*AgentRequest, error) {
	n.nextRequestID++
	id := n.nextRequestID
	env.ID = id
	req := newAgentRequest(id, env.Kind)
	n.Outstanding[id] = req
	if err := n.peer.Send(nil, env); err != nil {
		delete(n.Outstanding, id)
		return nil, err
	}
	return req, nil
}

// signal writes a fire-and-forget envelope to the node, ignoring the
// reply path entirely.
func (n *NodeHandle) signal(env *wire.Envelope) error {
	return n.peer.Send(nil, env)
}

// resolveReply routes an inbound reply envelope to its waiting AgentRequest.
func (n *NodeHandle) resolveReply(env *wire.Envelope) {
	req, ok := n.Outstanding[env.ReplyTo]
	if !ok {
		return
	}
	delete(n.Outstanding, env.ReplyTo)
	req.resolve(env)
}

// cancelAllOutstanding tombstones every AgentRequest on disconnect
// (spec §4.2 "Outstanding requests").
func (n *NodeHandle) cancelAllOutstanding() {
	for id, req := range n.Outstanding {
		req.cancel()
		delete(n.Outstanding, id)
	}
}
