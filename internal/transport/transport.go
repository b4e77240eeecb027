// Package transport carries wire.Envelopes between Agent and
// Controller over TCP or a unix domain socket. Peer's reconnect loop
// is server/cluster.go's ClusterNode.reconnect() generalized from an
// RPC client dialer to a framed wire.Codec dialer; the keepalive
// tuning on accepted connections is server/shutdown.go's
// tcpGracefulListener, parameterized instead of hardcoded.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bluechi-go/bluechi/internal/clock"
	"github.com/bluechi-go/bluechi/internal/logging"
	"github.com/bluechi-go/bluechi/internal/wire"
)

// State is the Agent-side connection-state machine (spec §4.1
// "Connection lifecycle": DISCONNECTED -> CONNECTED -> RETRY -> ...).
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateRetrying
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateRetrying:
		return "RETRYING"
	default:
		return "DISCONNECTED"
	}
}

// Peer is one side of a long-lived Agent<->Controller link: it owns a
// reconnect loop (dial side, used by the Agent) or wraps an accepted
// conn (accept side, used by the Controller), and exposes a single
// Codec plus a state machine and done channel the way ClusterNode
// exposes its endpoint, connected flag and done channel.
type Peer struct {
	log   *logging.Logger
	clock clock.Clock

	mu       sync.Mutex
	codec    *wire.Codec
	state    State
	fails    int
	done     chan struct{}
	shutdown bool
}

// NewDialingPeer starts a Peer that dials addr (network is "tcp" or
// "unix") repeatedly until one attempt succeeds or Close is called, and
// delivers that connection's Codec on the returned channel. The Peer
// does not redial after that; a new connection needs a new Peer.
// Mirrors ClusterNode's
// "reconnect right away, then wait on a ticker" loop, but with
// bounded exponential backoff between minBackoff and maxBackoff
// instead of a fixed ticker period -- the fixed period is what the
// real agent.c does (see internal/config's ReconnectMinBackoff doc
// comment), this is a deliberate departure to avoid reconnect storms.
func NewDialingPeer(network, addr string, minBackoff, maxBackoff time.Duration, c clock.Clock, log *logging.Logger) (*Peer, <-chan *wire.Codec) {
	p := &Peer{log: log, clock: c, done: make(chan struct{})}
	connected := make(chan *wire.Codec)

	go p.dialLoop(network, addr, minBackoff, maxBackoff, connected)
	return p, connected
}

func (p *Peer) dialLoop(network, addr string, minBackoff, maxBackoff time.Duration, connected chan<- *wire.Codec) {
	backoff := minBackoff
	attempt := 0
	for {
		attempt++
		conn, err := net.DialTimeout(network, addr, 5*time.Second)
		if err == nil {
			p.mu.Lock()
			p.codec = wire.NewCodec(conn)
			p.state = StateConnected
			p.fails = 0
			p.mu.Unlock()
			p.log.Printf("connected to %s after %d attempt(s)", addr, attempt)
			select {
			case connected <- p.codec:
			case <-p.done:
				conn.Close()
				return
			}
			return
		}

		p.mu.Lock()
		p.fails++
		p.state = StateRetrying
		p.mu.Unlock()
		p.log.Printf("connect to %s failed (try %d): %v", addr, attempt, err)

		select {
		case <-p.clock.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case <-p.done:
			return
		}
	}
}

// NewAcceptedPeer wraps an already-accepted connection, used by the
// Controller side which never dials.
func NewAcceptedPeer(conn net.Conn, log *logging.Logger) *Peer {
	return &Peer{
		log:   log,
		codec: wire.NewCodec(conn),
		state: StateConnected,
		done:  make(chan struct{}),
	}
}

// Codec returns the peer's current framing codec, or nil if not yet connected.
func (p *Peer) Codec() *wire.Codec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.codec
}

// State returns the peer's current connection state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// MarkDisconnected transitions the peer to DISCONNECTED after a read
// or write failure, the way ClusterNode.call marks connected=false and
// kicks off go n.reconnect().
func (p *Peer) MarkDisconnected() {
	p.mu.Lock()
	p.state = StateDisconnected
	if p.codec != nil {
		p.codec.Close()
	}
	p.mu.Unlock()
}

// Close tears down the peer and stops any in-flight reconnect loop.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	close(p.done)
	var err error
	if p.codec != nil {
		err = p.codec.Close()
	}
	p.mu.Unlock()
	return err
}

// Send writes env via the peer's codec, marking the peer disconnected
// on failure so the caller's reconnect logic can take over.
func (p *Peer) Send(ctx context.Context, env *wire.Envelope) error {
	codec := p.Codec()
	if codec == nil {
		return fmt.Errorf("transport: peer not connected")
	}
	if err := codec.WriteEnvelope(env); err != nil {
		p.MarkDisconnected()
		return err
	}
	return nil
}
