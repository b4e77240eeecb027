package agent

import (
	"context"

	"github.com/bluechi-go/bluechi/internal/transport"
	"github.com/bluechi-go/bluechi/internal/wire"
)

// connState is the Agent's peer-connection state machine (spec §4.3
// "Connection state machine"): DISCONNECTED -> CONNECTED on a
// successful Register, CONNECTED -> RETRY on peer disconnect, RETRY
// -> CONNECTED on the next successful reconnect.
type connState int

const (
	stateDisconnected connState = iota
	stateConnected
	stateRetrying
)

func (s connState) String() string {
	switch s {
	case stateConnected:
		return "CONNECTED"
	case stateRetrying:
		return "RETRY"
	default:
		return "DISCONNECTED"
	}
}

// runConnectionLoop owns the Agent's half of the Controller link: it
// dials (or accepts a single successful dial), performs the Register
// handshake, then runs a read loop until the connection drops, at
// which point it loops back to redialing. It is started once from
// Run and exits when ctx is cancelled.
//
// Redial uses transport.Peer's bounded-exponential-backoff dialer
// rather than the heartbeat-paced single-attempt-per-tick cadence the
// original agent.c uses (see internal/config's ReconnectMinBackoff doc
// comment) -- the heartbeat ticker still distinguishes CONNECTED
// (emit Heartbeat) from RETRY (log the retry counter, which
// onDisconnected increments; the tick itself makes no reconnect
// attempt), but the actual redial attempts run on their own timer
// independent of the heartbeat interval. This is a deliberate
// divergence, recorded in DESIGN.md.
func (a *AgentCore) runConnectionLoop(ctx context.Context) {
	network, addr := a.controllerAddr()
	for {
		if ctx.Err() != nil {
			return
		}

		peer, connectedCh := transport.NewDialingPeer(network, addr, a.cfg.ReconnectMinBackoff, a.cfg.ReconnectMaxBackoff, a.clock, a.log)

		var codec *wire.Codec
		select {
		case codec = <-connectedCh:
		case <-ctx.Done():
			peer.Close()
			return
		}
		if codec == nil {
			continue
		}

		if !a.registerWith(ctx, peer) {
			peer.Close()
			continue
		}

		a.readLoop(ctx, peer)

		a.post(func() { a.onDisconnected() })
	}
}

func (a *AgentCore) controllerAddr() (network, addr string) {
	if a.cfg.ControllerUDS != "" {
		return "unix", a.cfg.ControllerUDS
	}
	return "tcp", a.cfg.ControllerTCP
}

// registerWith performs the Register handshake synchronously on the
// dialing goroutine (not the event loop, since it must block on a
// reply before the loop can consider the Agent connected) and, on
// success, installs peer as the Agent's active connection.
func (a *AgentCore) registerWith(ctx context.Context, peer *transport.Peer) bool {
	env := wire.NewRequest(wire.KindRegister, 1, wire.RegisterArgs{Name: a.cfg.Name, SecurityContext: a.cfg.SecurityContext})
	if err := peer.Codec().WriteEnvelope(env); err != nil {
		a.log.Printf("register write failed: %v", err)
		return false
	}
	reply, err := peer.Codec().ReadEnvelope()
	if err != nil {
		a.log.Printf("register read failed: %v", err)
		return false
	}
	if reply.Err != nil {
		a.log.Printf("register rejected: %s", reply.Err.Message)
		return false
	}

	ok := make(chan struct{})
	a.post(func() { a.onConnected(peer); close(ok) })
	select {
	case <-ok:
	case <-ctx.Done():
		return false
	}
	return true
}

// onConnected and onDisconnected run on the event loop.
func (a *AgentCore) onConnected(peer *transport.Peer) {
	a.peer = peer
	a.connState = stateConnected
	a.retryCount = 0
	a.log.Printf("connected to controller as %q", a.cfg.Name)
}

func (a *AgentCore) onDisconnected() {
	if a.connState == stateConnected {
		a.disconnectTimestamp = a.clock.Now()
	}
	a.connState = stateRetrying
	a.retryCount++
	a.peer = nil
	a.log.Printf("disconnected from controller (retry %d)", a.retryCount)
}

// readLoop reads envelopes from peer's codec until error, dispatching
// each to the event loop via post. It runs on its own goroutine,
// outside the single-threaded core, the same pattern ControllerCore
// uses for per-NodeHandle readLoop goroutines.
func (a *AgentCore) readLoop(ctx context.Context, peer *transport.Peer) {
	for {
		env, err := peer.Codec().ReadEnvelope()
		if err != nil {
			peer.MarkDisconnected()
			return
		}
		e := env
		a.post(func() { a.handleControllerEnvelope(e) })
	}
}
