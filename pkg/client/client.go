// Package client is the Go client library for the Controller's public
// fleet API (spec §6): bluechictl and bluechi-proxy both dial it over
// internal/clientbus rather than speaking wire.Envelope directly.
// Grounded on internal/controller/node.go's AgentRequest/send/
// resolveReply trio -- the same request/reply correlation the
// Controller itself uses against an Agent, mirrored here for a
// process on the other end of a clientbus.Conn instead of a
// transport.Peer.
package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bluechi-go/bluechi/internal/clientbus"
	"github.com/bluechi-go/bluechi/internal/logging"
	"github.com/bluechi-go/bluechi/internal/wire"
)

// Client is one websocket connection to a Controller's (or, for the
// per-node-only subset, an Agent's) client bus.
type Client struct {
	conn *clientbus.Conn
	log  *logging.Logger

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan *wire.Envelope
	monitors map[uint64]*Monitor
	jobs     map[uint32]chan wire.JobEventArgs

	// OnStatus, if set, is called on every FleetStatus push (spec §4.1
	// "status derivation"). Never called concurrently with itself.
	OnStatus func(wire.StatusArgs)
}

// Dial connects to a bus server at url (e.g. "ws://host:port/bluechi/client").
func Dial(url string, log *logging.Logger) (*Client, error) {
	conn, err := clientbus.DialClient(url, log)
	if err != nil {
		return nil, err
	}
	return newClient(conn, log), nil
}

// DialUnix connects to an Agent's host-local client bus over a
// unix-domain socket (spec §4.3 connection (b)), used by bluechi-proxy.
func DialUnix(socketPath string, log *logging.Logger) (*Client, error) {
	conn, err := clientbus.DialUnixClient(socketPath, "/bluechi/agent", log)
	if err != nil {
		return nil, err
	}
	return newClient(conn, log), nil
}

func newClient(conn *clientbus.Conn, log *logging.Logger) *Client {
	c := &Client{
		conn:     conn,
		log:      log,
		pending:  make(map[uint64]chan *wire.Envelope),
		monitors: make(map[uint64]*Monitor),
		jobs:     make(map[uint32]chan wire.JobEventArgs),
	}
	conn.Handle = c.handle
	return c
}

// Close closes the underlying connection, cancelling every pending call.
func (c *Client) Close() error {
	c.conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	return nil
}

// call issues a request and decodes the reply into out (which may be
// nil if the caller doesn't need the payload), the client-side
// counterpart of ControllerCore.callNode.
func (c *Client) call(ctx context.Context, kind wire.Kind, args interface{}, out interface{}) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *wire.Envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if !c.conn.Send(wire.NewRequest(kind, id, args)) {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return wire.NewError(wire.ErrFailed, "send failed: connection closed or send queue full")
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return wire.Cancelled()
		}
		if env.Err != nil {
			return env.Err
		}
		if out != nil {
			return env.Decode(out)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// handle is the connection's read-pump callback: replies resolve a
// pending call, signals route to a Monitor, a Job watcher, or OnStatus.
func (c *Client) handle(raw []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Printf("client bus: malformed frame: %v", err)
		return
	}

	if env.IsReply() {
		c.mu.Lock()
		ch, ok := c.pending[env.ReplyTo]
		if ok {
			delete(c.pending, env.ReplyTo)
		}
		c.mu.Unlock()
		if ok {
			ch <- &env
		}
		return
	}

	switch env.Kind {
	case wire.KindMonitorEvent:
		var args wire.MonitorEventArgs
		if env.Decode(&args) != nil {
			return
		}
		c.mu.Lock()
		mon := c.monitors[args.Monitor]
		c.mu.Unlock()
		if mon != nil {
			mon.dispatch(args)
		}

	case wire.KindJobEvent:
		var args wire.JobEventArgs
		if env.Decode(&args) != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.jobs[args.ID]
		if ok && args.Done {
			delete(c.jobs, args.ID)
		}
		c.mu.Unlock()
		if ok {
			select {
			case ch <- args:
			default:
			}
			if args.Done {
				close(ch)
			}
		}

	case wire.KindFleetStatus:
		var args wire.StatusArgs
		if env.Decode(&args) == nil && c.OnStatus != nil {
			c.OnStatus(args)
		}
	}
}

// WatchJob returns a channel delivering every JobEventArgs for id
// (mid-lifecycle JobStateChanged pushes and the terminal JobDone push
// alike, per spec §4.4); the channel is closed once the Done event is
// delivered. Only meaningful for a Job this Client itself created
// through StartUnit/StopUnit/RestartUnit/ReloadUnit, since the
// Controller only pushes JobEvent to a Job's owning connection.
func (c *Client) WatchJob(id uint32) <-chan wire.JobEventArgs {
	ch := make(chan wire.JobEventArgs, 4)
	c.mu.Lock()
	c.jobs[id] = ch
	c.mu.Unlock()
	return ch
}

// StopWatchingJob discards interest in id without waiting for Done,
// e.g. after a caller gives up on a job it started.
func (c *Client) StopWatchingJob(id uint32) {
	c.mu.Lock()
	ch, ok := c.jobs[id]
	if ok {
		delete(c.jobs, id)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}
