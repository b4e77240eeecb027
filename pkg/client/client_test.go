package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluechi-go/bluechi/internal/clientbus"
	"github.com/bluechi-go/bluechi/internal/logging"
	"github.com/bluechi-go/bluechi/internal/wire"
)

// fakeServer stands in for ClientAPI: a handler function decides how
// to answer each inbound envelope, letting each test script exactly
// the replies/pushes it needs without spinning up a whole
// ControllerCore.
type fakeServer struct {
	srv  *clientbus.Server
	conn chan *clientbus.Conn
}

func newFakeServer(t *testing.T, onEnvelope func(conn *clientbus.Conn, env *wire.Envelope)) *fakeServer {
	t.Helper()
	log := logging.New("test")
	fs := &fakeServer{conn: make(chan *clientbus.Conn, 1)}
	fs.srv = clientbus.NewServer("", "/bus", log)
	fs.srv.OnConnect = func(c *clientbus.Conn) {
		fs.conn <- c
		c.Handle = func(raw []byte) {
			var env wire.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return
			}
			onEnvelope(c, &env)
		}
	}
	return fs
}

func dialFakeServer(t *testing.T, fs *fakeServer) *Client {
	t.Helper()
	mux := httptest.NewServer(fs.srv.Handler())
	t.Cleanup(mux.Close)
	wsURL := "ws" + strings.TrimPrefix(mux.URL, "http") + "/bus"
	c, err := Dial(wsURL, logging.New("test"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallRoundTrip(t *testing.T) {
	fs := newFakeServer(t, func(conn *clientbus.Conn, env *wire.Envelope) {
		var args wire.NodeArgs
		require.NoError(t, env.Decode(&args))
		conn.Send(wire.NewReply(env.ID, "/org/bluechi/Node/"+args.Node, nil))
	})
	c := dialFakeServer(t, fs)

	path, err := c.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "/org/bluechi/Node/n1", path)
}

func TestCallSurfacesWireError(t *testing.T) {
	fs := newFakeServer(t, func(conn *clientbus.Conn, env *wire.Envelope) {
		conn.Send(wire.NewReply(env.ID, nil, wire.NewError(wire.ErrNotFound, "no such node")))
	})
	c := dialFakeServer(t, fs)

	_, err := c.GetNode(context.Background(), "ghost")
	require.Error(t, err)
	wireErr, ok := err.(*wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.ErrNotFound, wireErr.Code)
}

func TestCallContextCancellationCleansUpPending(t *testing.T) {
	fs := newFakeServer(t, func(conn *clientbus.Conn, env *wire.Envelope) {
		// never reply
	})
	c := dialFakeServer(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GetNode(ctx, "n1")
	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, err)

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, pending)
}

func TestMonitorDispatchRoutesEventToSubscriptionHandler(t *testing.T) {
	fs := newFakeServer(t, func(conn *clientbus.Conn, env *wire.Envelope) {
		switch env.Kind {
		case wire.KindCCreateMonitor:
			conn.Send(wire.NewReply(env.ID, wire.CreateMonitorReply{ID: 1}, nil))
		case wire.KindCSubscribeList:
			conn.Send(wire.NewReply(env.ID, wire.MonitorSubscribeReply{ID: 7}, nil))
		}
	})
	c := dialFakeServer(t, fs)

	mon, err := c.CreateMonitor(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, mon.ID())

	received := make(chan wire.MonitorEventArgs, 1)
	_, err = mon.SubscribeList(context.Background(), "n1", []string{"hello.service"}, func(ev wire.MonitorEventArgs) {
		received <- ev
	})
	require.NoError(t, err)

	serverConn := <-fs.conn
	serverConn.Send(wire.NewSignal(wire.KindMonitorEvent, wire.MonitorEventArgs{
		Monitor: 1, Subscription: 7, EventKind: "new", Node: "n1", Unit: "hello.service",
	}))

	select {
	case ev := <-received:
		assert.Equal(t, "new", ev.EventKind)
		assert.Equal(t, "hello.service", ev.Unit)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription handler never invoked")
	}
}

func TestWatchJobReceivesEventsAndClosesOnDone(t *testing.T) {
	fs := newFakeServer(t, func(conn *clientbus.Conn, env *wire.Envelope) {})
	c := dialFakeServer(t, fs)

	events := c.WatchJob(42)
	serverConn := <-fs.conn

	serverConn.Send(wire.NewSignal(wire.KindJobEvent, wire.JobEventArgs{ID: 42, State: "running"}))
	select {
	case ev := <-events:
		assert.Equal(t, "running", ev.State)
		assert.False(t, ev.Done)
	case <-time.After(2 * time.Second):
		t.Fatal("job event never delivered")
	}

	serverConn.Send(wire.NewSignal(wire.KindJobEvent, wire.JobEventArgs{ID: 42, Result: "done", Done: true}))
	select {
	case ev, ok := <-events:
		require.True(t, ok)
		assert.True(t, ev.Done)
	case <-time.After(2 * time.Second):
		t.Fatal("job done event never delivered")
	}

	_, ok := <-events
	assert.False(t, ok, "channel should be closed after Done")
}

func TestJobIDFromPath(t *testing.T) {
	id, ok := JobIDFromPath("/org/bluechi/Job/17")
	require.True(t, ok)
	assert.EqualValues(t, 17, id)

	_, ok = JobIDFromPath("garbage")
	assert.False(t, ok)
}
