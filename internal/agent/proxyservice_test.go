package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluechi-go/bluechi/internal/wire"
)

func TestCreateProxySucceedsOnActiveTargetStateChanged(t *testing.T) {
	core, _ := newTestAgent(t)

	done := make(chan struct{})
	var path string
	var err error
	go func() {
		path, err = core.CreateProxy(context.Background(), "myapp.service", "node2", "backend.service")
		close(done)
	}()

	waitUntil(t, func() bool {
		var n int
		core.do(func() { n = len(core.proxies) })
		return n == 1
	})

	var proxyPath string
	core.do(func() {
		for p := range core.proxies {
			proxyPath = p
		}
	})
	require.NotEmpty(t, proxyPath)

	core.do(func() {
		env := &wire.Envelope{Kind: wire.KindTargetStateChanged, Path: proxyPath}
		env.Payload = mustJSONPayload(wire.TargetStateChangedArgs{Active: "active", Sub: "running", Reason: wire.ReasonReal})
		core.handleProxyEnvelope(env)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CreateProxy never returned")
	}
	require.NoError(t, err)
	assert.Equal(t, proxyPath, path)
}

func TestCreateProxyFailsOnInactiveTargetStateChanged(t *testing.T) {
	core, _ := newTestAgent(t)

	done := make(chan struct{})
	var err error
	go func() {
		_, err = core.CreateProxy(context.Background(), "myapp.service", "node2", "backend.service")
		close(done)
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
		env.Payload = mustJSONPayload(wire.TargetStateChangedArgs{Active: "failed", Sub: "failed", Reason: wire.ReasonReal})
		core.handleProxyEnvelope(env)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CreateProxy never returned")
	}
	assert.Error(t, err)
}

func mustJSONPayload(v interface{}) []byte {
	env := wire.NewSignal("unused", v)
	return env.Payload
}
