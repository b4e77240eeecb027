package controller

import "github.com/bluechi-go/bluechi/internal/clientbus"

// MonitorPeer is an extra bus peer that should additionally receive a
// Monitor's events (spec §3 "Monitor", §4.5 "Monitor peers").
type MonitorPeer struct {
	ID   uint64
	Conn *clientbus.Conn
}

// Monitor is a client-visible aggregator of Subscriptions, bound to
// one owning bus peer (spec §3 "Monitor"). Grounded on pres.go's
// contact-list fan-out, generalized from "one user's set of
// subscribed topics" to "one client's set of subscribed (node,unit)
// interests plus extra delivery peers".
type Monitor struct {
	ID    MonitorID
	Owner *clientbus.Conn

	// Subscriptions this Monitor owns, strong references per spec §3
	// "Ownership" -- closing the Monitor removes each of these from
	// the global index.
	Subscriptions map[SubscriptionID]*Subscription

	peers    map[uint64]*MonitorPeer
	nextPeer uint64

	closed bool
}

func newMonitor(id MonitorID, owner *clientbus.Conn) *Monitor {
	return &Monitor{
		ID:            id,
		Owner:         owner,
		Subscriptions: make(map[SubscriptionID]*Subscription),
		peers:         make(map[uint64]*MonitorPeer),
	}
}

// addPeer registers an additional delivery peer. Returns an error if
// conn is the owner itself or already registered (spec §4.5 "Adding
// the owner itself or a duplicate peer is an error").
func (m *Monitor) addPeer(conn *clientbus.Conn) (uint64, error) {
	if conn == m.Owner {
		return 0, errAlreadyPeer("cannot add monitor owner as a peer")
	}
	for _, p := range m.peers {
		if p.Conn == conn {
			return 0, errAlreadyPeer("peer already added")
		}
	}
	m.nextPeer++
	id := m.nextPeer
	m.peers[id] = &MonitorPeer{ID: id, Conn: conn}
	return id, nil
}

// removePeer drops a peer by id; tolerant of an absent id the same
// way Unsubscribe is (spec §9 "tolerant semantics").
func (m *Monitor) removePeer(id uint64, reason string) {
	p, ok := m.peers[id]
	if !ok {
		return
	}
	delete(m.peers, id)
	p.Conn.Send(peerRemovedMessage{Reason: reason})
}

// broadcast delivers v to the owner and every peer.
func (m *Monitor) broadcast(v interface{}) {
	m.Owner.Send(v)
	for _, p := range m.peers {
		p.Conn.Send(v)
	}
}

type peerRemovedMessage struct {
	Reason string `json:"reason"`
}

type monitorError string

func (e monitorError) Error() string { return string(e) }

func errAlreadyPeer(msg string) error { return monitorError(msg) }
