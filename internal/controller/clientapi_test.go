package controller

import (
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

// testClient wraps a real *clientbus.Conn dialed against an
// httptest.Server wrapping ClientAPI's handler, mirroring
// clientbus_test.go's own TestServerEchoesToClient setup -- there is
// no private-field shortcut for building a Conn the way core_test.go's
// fakeAgent bypasses HTTP for the Agent-facing bus.
type testClient struct {
	conn  *clientbus.Conn
	inbox chan *wire.Envelope
	nextID uint64
}

func dialTestClient(t *testing.T, api *ClientAPI) *testClient {
	t.Helper()
	mux := httptest.NewServer(api.srv.Handler())
	t.Cleanup(mux.Close)

	wsURL := "ws" + strings.TrimPrefix(mux.URL, "http") + "/bluechi/client"
	conn, err := clientbus.DialClient(wsURL, logging.New("test"))
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	tc := &testClient{conn: conn, inbox: make(chan *wire.Envelope, 16)}
	conn.Handle = func(raw []byte) {
		var env wire.Envelope
		if json.Unmarshal(raw, &env) == nil {
			tc.inbox <- &env
		}
	}
	return tc
}

func (tc *testClient) call(t *testing.T, kind wire.Kind, args interface{}) *wire.Envelope {
	t.Helper()
	tc.nextID++
	require.True(t, tc.conn.Send(wire.NewRequest(kind, tc.nextID, args)))
	return tc.recv(t)
}

func (tc *testClient) recv(t *testing.T) *wire.Envelope {
	t.Helper()
	select {
	case env := <-tc.inbox:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no message received from client bus")
		return nil
	}
}

func TestClientListNodesAndGetNode(t *testing.T) {
	core, _ := newTestCore(t, "n1")
	agent := attachFakeAgent(t, core)
	require.Nil(t, agent.register(t, "n1").Err)

	tc := dialTestClient(t, core.clientAPI)

	reply := tc.call(t, wire.KindCListNodes, nil)
	require.Nil(t, reply.Err)
	var nodes []wire.NodeSummaryInfo
	require.NoError(t, reply.Decode(&nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].Name)
	assert.Equal(t, "online", nodes[0].Status)

	reply = tc.call(t, wire.KindCGetNode, wire.NodeArgs{Node: "n1"})
	require.Nil(t, reply.Err)
	var path string
	require.NoError(t, reply.Decode(&path))
	assert.NotEmpty(t, path)

	reply = tc.call(t, wire.KindCGetNode, wire.NodeArgs{Node: "ghost"})
	require.NotNil(t, reply.Err)
}

func TestClientStartUnitRoundTripDeliversJobEvent(t *testing.T) {
	core, _ := newTestCore(t, "n1")
	agent := attachFakeAgent(t, core)
	require.Nil(t, agent.register(t, "n1").Err)

	tc := dialTestClient(t, core.clientAPI)

	tc.nextID++
	require.True(t, tc.conn.Send(wire.NewRequest(wire.KindStartUnit, tc.nextID, wire.ClientUnitLifecycleArgs{
		Node: "n1", Unit: "hello.service", Mode: "replace",
	})))

	env, err := agent.codec.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, wire.KindStartUnit, env.Kind)
	var args wire.UnitLifecycleArgs
	require.NoError(t, env.Decode(&args))
	require.NoError(t, agent.codec.WriteEnvelope(wire.NewReply(env.ID, nil, nil)))

	reply := tc.recv(t)
	require.Nil(t, reply.Err)
	var path string
	require.NoError(t, reply.Decode(&path))
	assert.NotEmpty(t, path)

	require.NoError(t, agent.codec.WriteEnvelope(wire.NewSignal(wire.KindJobDone, wire.JobDoneArgs{ID: uint32(args.JobID), Result: "done"})))

	signal := tc.recv(t)
	assert.Equal(t, wire.KindJobEvent, signal.Kind)
	var jobEvent wire.JobEventArgs
	require.NoError(t, signal.Decode(&jobEvent))
	assert.True(t, jobEvent.Done)
	assert.Equal(t, "done", jobEvent.Result)
}

func TestClientMonitorSubscribeDeliversEvent(t *testing.T) {
	core, _ := newTestCore(t, "n1")
	agent := attachFakeAgent(t, core)
	require.Nil(t, agent.register(t, "n1").Err)

	tc := dialTestClient(t, core.clientAPI)

	reply := tc.call(t, wire.KindCCreateMonitor, nil)
	require.Nil(t, reply.Err)
	var createReply wire.CreateMonitorReply
	require.NoError(t, reply.Decode(&createReply))

	reply = tc.call(t, wire.KindCSubscribeList, wire.MonitorSubscribeArgs{
		Monitor: createReply.ID,
		Node:    "n1",
		Units:   []string{"hello.service"},
	})
	require.Nil(t, reply.Err)
	var subReply wire.MonitorSubscribeReply
	require.NoError(t, reply.Decode(&subReply))

	core.do(func() {
		core.dispatchUnitNew("n1", "hello.service", wire.ReasonReal)
	})

	signal := tc.recv(t)
	assert.Equal(t, wire.KindMonitorEvent, signal.Kind)
	var ev wire.MonitorEventArgs
	require.NoError(t, signal.Decode(&ev))
	assert.Equal(t, "new", ev.EventKind)
	assert.Equal(t, "n1", ev.Node)
	assert.Equal(t, "hello.service", ev.Unit)
	assert.Equal(t, createReply.ID, ev.Monitor)
	assert.Equal(t, subReply.ID, ev.Subscription)
}

// TestClientMonitorWildcardSubscribeDeliversUnseenUnit guards against a
// wildcard subscriber (Units: []string{"*"}) being dropped for a unit
// the node has never reported before -- indexSubscriptionOnNode only
// ever populates n.Units[WildcardUnit], so a dispatch path that
// required n.Units[unit] to already exist would discard the event.
func TestClientMonitorWildcardSubscribeDeliversUnseenUnit(t *testing.T) {
	core, _ := newTestCore(t, "n1")
	agent := attachFakeAgent(t, core)
	require.Nil(t, agent.register(t, "n1").Err)

	tc := dialTestClient(t, core.clientAPI)

	reply := tc.call(t, wire.KindCCreateMonitor, nil)
	require.Nil(t, reply.Err)
	var createReply wire.CreateMonitorReply
	require.NoError(t, reply.Decode(&createReply))

	reply = tc.call(t, wire.KindCSubscribeList, wire.MonitorSubscribeArgs{
		Monitor: createReply.ID,
		Node:    "n1",
		Units:   []string{"*"},
	})
	require.Nil(t, reply.Err)
	var subReply wire.MonitorSubscribeReply
	require.NoError(t, reply.Decode(&subReply))

	core.do(func() {
		core.dispatchUnitNew("n1", "never-seen-before.service", wire.ReasonReal)
	})

	signal := tc.recv(t)
	assert.Equal(t, wire.KindMonitorEvent, signal.Kind)
	var ev wire.MonitorEventArgs
	require.NoError(t, signal.Decode(&ev))
	assert.Equal(t, "new", ev.EventKind)
	assert.Equal(t, "never-seen-before.service", ev.Unit)
	assert.Equal(t, createReply.ID, ev.Monitor)
}

// TestClientMonitorWildcardAndSpecificSubscriptionDeliversOnce covers
// the dedup half of the same fix: a single Monitor holding both a
// wildcard subscription and a specific-unit subscription on the same
// node must see exactly one event per unit change, not two.
func TestClientMonitorWildcardAndSpecificSubscriptionDeliversOnce(t *testing.T) {
	core, _ := newTestCore(t, "n1")
	agent := attachFakeAgent(t, core)
	require.Nil(t, agent.register(t, "n1").Err)

	tc := dialTestClient(t, core.clientAPI)

	reply := tc.call(t, wire.KindCCreateMonitor, nil)
	require.Nil(t, reply.Err)
	var createReply wire.CreateMonitorReply
	require.NoError(t, reply.Decode(&createReply))

	reply = tc.call(t, wire.KindCSubscribeList, wire.MonitorSubscribeArgs{
		Monitor: createReply.ID,
		Node:    "n1",
		Units:   []string{"*"},
	})
	require.Nil(t, reply.Err)

	reply = tc.call(t, wire.KindCSubscribeList, wire.MonitorSubscribeArgs{
		Monitor: createReply.ID,
		Node:    "n1",
		Units:   []string{"hello.service"},
	})
	require.Nil(t, reply.Err)

	core.do(func() {
		core.dispatchUnitNew("n1", "hello.service", wire.ReasonReal)
	})

	signal := tc.recv(t)
	assert.Equal(t, wire.KindMonitorEvent, signal.Kind)

	select {
	case extra := <-tc.inbox:
		t.Fatalf("expected exactly one delivery, got a second: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}
