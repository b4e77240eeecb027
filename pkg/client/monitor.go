package client

import (
	"context"
	"sync"

	"github.com/bluechi-go/bluechi/internal/wire"
)

// SubscriptionHandler receives every MonitorEventArgs matching a
// Subscription -- the client-side rendering of
// internal/controller.SubscriptionCallbacks' four-callback vtable
// collapsed onto one wire event type, distinguished by EventKind.
type SubscriptionHandler func(wire.MonitorEventArgs)

// Monitor is a client-held handle on a Controller-side Monitor object
// (spec §3 "Monitor", §6 "Monitor API"): it owns zero or more
// Subscriptions and fans their MonitorEvent pushes out to the handler
// each was registered with.
type Monitor struct {
	client *Client
	id     uint64

	mu   sync.Mutex
	subs map[uint64]SubscriptionHandler
}

// CreateMonitor asks the Controller for a new Monitor object, owned by
// this connection.
func (c *Client) CreateMonitor(ctx context.Context) (*Monitor, error) {
	var reply wire.CreateMonitorReply
	if err := c.call(ctx, wire.KindCCreateMonitor, nil, &reply); err != nil {
		return nil, err
	}
	mon := &Monitor{client: c, id: reply.ID, subs: make(map[uint64]SubscriptionHandler)}
	c.mu.Lock()
	c.monitors[mon.id] = mon
	c.mu.Unlock()
	return mon, nil
}

// ID returns the Monitor's bus-visible id.
func (m *Monitor) ID() uint64 { return m.id }

// Subscribe registers interest in one (node, unit) pair (spec §6
// "Subscribe(node, unit) -> id"). Pass "*" for node and/or unit for a
// fleet- or node-wide subscription.
func (m *Monitor) Subscribe(ctx context.Context, node, unit string, h SubscriptionHandler) (uint64, error) {
	return m.subscribe(ctx, wire.KindCSubscribe, node, []string{unit}, h)
}

// SubscribeList registers interest in several units on one node in a
// single call (spec §6 "SubscribeList(node, [unit…]) -> id").
func (m *Monitor) SubscribeList(ctx context.Context, node string, units []string, h SubscriptionHandler) (uint64, error) {
	return m.subscribe(ctx, wire.KindCSubscribeList, node, units, h)
}

func (m *Monitor) subscribe(ctx context.Context, kind wire.Kind, node string, units []string, h SubscriptionHandler) (uint64, error) {
	var reply wire.MonitorSubscribeReply
	args := wire.MonitorSubscribeArgs{Monitor: m.id, Node: node, Units: units}
	if err := m.client.call(ctx, kind, args, &reply); err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.subs[reply.ID] = h
	m.mu.Unlock()
	return reply.ID, nil
}

// Unsubscribe cancels a previously registered Subscription.
func (m *Monitor) Unsubscribe(ctx context.Context, id uint64) error {
	err := m.client.call(ctx, wire.KindCUnsubscribe, wire.MonitorUnsubscribeArgs{ID: id}, nil)
	if err == nil {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
	return err
}

// AddPeer registers this connection as a peer recipient of another
// Monitor's events (spec §6 "AddPeer(bus-name) -> id"); events still
// arrive through this Client's own connection, tagged with the owning
// Monitor's id, so route by Monitor.ID() in a shared handler if
// AddPeer is used against more than one Monitor.
func (m *Monitor) AddPeer(ctx context.Context) (uint64, error) {
	var reply wire.MonitorAddPeerReply
	err := m.client.call(ctx, wire.KindCAddPeer, wire.MonitorAddPeerArgs{Monitor: m.id}, &reply)
	return reply.ID, err
}

// RemovePeer drops a peer previously added with AddPeer.
func (m *Monitor) RemovePeer(ctx context.Context, peerID uint64, reason string) error {
	return m.client.call(ctx, wire.KindCRemovePeer, wire.MonitorRemovePeerArgs{Monitor: m.id, PeerID: peerID, Reason: reason}, nil)
}

// Close tears down the Monitor and every Subscription it owns (spec
// §6 "Close").
func (m *Monitor) Close(ctx context.Context) error {
	err := m.client.call(ctx, wire.KindCCloseMonitor, wire.CloseMonitorArgs{Monitor: m.id}, nil)
	m.client.mu.Lock()
	delete(m.client.monitors, m.id)
	m.client.mu.Unlock()
	return err
}

func (m *Monitor) dispatch(args wire.MonitorEventArgs) {
	m.mu.Lock()
	h, ok := m.subs[args.Subscription]
	m.mu.Unlock()
	if ok {
		h(args)
	}
}
