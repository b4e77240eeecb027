package agent

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

// testLocalClient mirrors controller/clientapi_test.go's testClient,
// dialed against LocalAPI's handler instead of ClientAPI's.
type testLocalClient struct {
	conn   *clientbus.Conn
	inbox  chan *wire.Envelope
	nextID uint64
}

func dialTestLocalClient(t *testing.T, l *LocalAPI) *testLocalClient {
	t.Helper()
	mux := httptest.NewServer(l.srv.Handler())
	t.Cleanup(mux.Close)

	wsURL := "ws" + strings.TrimPrefix(mux.URL, "http") + "/bluechi/agent"
	conn, err := clientbus.DialClient(wsURL, logging.New("test"))
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	tc := &testLocalClient{conn: conn, inbox: make(chan *wire.Envelope, 16)}
	conn.Handle = func(raw []byte) {
		var env wire.Envelope
		if json.Unmarshal(raw, &env) == nil {
			tc.inbox <- &env
		}
	}
	return tc
}

func (tc *testLocalClient) call(t *testing.T, kind wire.Kind, args interface{}) *wire.Envelope {
	t.Helper()
	tc.nextID++
	require.True(t, tc.conn.Send(wire.NewRequest(kind, tc.nextID, args)))
	select {
	case env := <-tc.inbox:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no reply received from local bus")
		return nil
	}
}

func TestLocalAPICreateAndRemoveProxyRoundTrip(t *testing.T) {
	core, _ := newTestAgent(t)
	tc := dialTestLocalClient(t, core.localAPI)

	done := make(chan *wire.Envelope, 1)
	go func() {
		done <- tc.call(t, wire.KindCreateProxy, wire.CreateProxyArgs{
			LocalService: "myapp.service",
			Node:         "node2",
			Unit:         "backend.service",
		})
	}()

	var proxyPath string
	waitUntil(t, func() bool {
		core.do(func() {
			for p := range core.proxies {
				proxyPath = p
			}
		})
		return proxyPath != ""
	})

	core.do(func() {
		env := &wire.Envelope{Kind: wire.KindTargetStateChanged, Path: proxyPath}
		env.Payload = mustJSONPayload(wire.TargetStateChangedArgs{Active: "active", Sub: "running", Reason: wire.ReasonReal})
		core.handleProxyEnvelope(env)
	})

	reply := <-done
	require.Nil(t, reply.Err)
	var path string
	require.NoError(t, reply.Decode(&path))
	assert.Equal(t, proxyPath, path)

	removeReply := tc.call(t, wire.KindRemoveProxy, wire.RemoveProxyArgs{Path: path})
	require.Nil(t, removeReply.Err)

	core.do(func() {
		assert.Empty(t, core.proxies)
	})
}

func TestLocalAPIRemoveUnknownProxyIsNotAnError(t *testing.T) {
	core, _ := newTestAgent(t)
	tc := dialTestLocalClient(t, core.localAPI)

	reply := tc.call(t, wire.KindRemoveProxy, wire.RemoveProxyArgs{Path: "/org/bluechi/proxy/999"})
	require.Nil(t, reply.Err)
	var info string
	require.NoError(t, reply.Decode(&info))
	assert.Equal(t, "no such proxy", info)
}
