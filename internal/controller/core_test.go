package controller

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluechi-go/bluechi/internal/clock"
	"github.com/bluechi-go/bluechi/internal/config"
	"github.com/bluechi-go/bluechi/internal/logging"
	"github.com/bluechi-go/bluechi/internal/metrics"
	"github.com/bluechi-go/bluechi/internal/transport"
	"github.com/bluechi-go/bluechi/internal/wire"
)

func newTestCore(t *testing.T, nodes ...string) (*ControllerCore, clock.Clock) {
	t.Helper()
	cfg := &config.Controller{
		ListenTCP:                "unused",
		ClientListenTCP:          "unused",
		HeartbeatInterval:        time.Hour,
		HeartbeatMissedThreshold: 3,
	}
	for _, n := range nodes {
		cfg.Nodes = append(cfg.Nodes, config.NodeConfig{Name: n})
	}
	fc := clock.NewFake()
	core := New(cfg, fc, logging.New("test"), metrics.NewController())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go core.Run(ctx)

	return core, fc
}

// fakeAgent wraps the controller-facing half of an in-memory pipe,
// standing in for an Agent process during tests.
type fakeAgent struct {
	codec *wire.Codec
}

func attachFakeAgent(t *testing.T, core *ControllerCore) *fakeAgent {
	t.Helper()
	agentSide, controllerSide := net.Pipe()
	t.Cleanup(func() { agentSide.Close() })

	peer := transport.NewAcceptedPeer(controllerSide, logging.New("test"))
	core.AcceptConn(peer, "127.0.0.1")

	return &fakeAgent{codec: wire.NewCodec(agentSide)}
}

func (a *fakeAgent) register(t *testing.T, name string) *wire.Envelope {
	t.Helper()
	require.NoError(t, a.codec.WriteEnvelope(wire.NewRequest(wire.KindRegister, 1, wire.RegisterArgs{Name: name})))
	env, err := a.codec.ReadEnvelope()
	require.NoError(t, err)
	return env
}

func TestRegisterUnknownNameRejected(t *testing.T) {
	core, _ := newTestCore(t, "n1")
	agent := attachFakeAgent(t, core)

	reply := agent.register(t, "ghost")
	require.NotNil(t, reply.Err)
	assert.Equal(t, wire.ErrServiceUnknown, reply.Err.Code)
}

func TestRegisterSuccessAppearsInListNodes(t *testing.T) {
	core, _ := newTestCore(t, "n1")
	agent := attachFakeAgent(t, core)

	reply := agent.register(t, "n1")
	assert.Nil(t, reply.Err)

	deadline := time.After(2 * time.Second)
	for {
		nodes := core.ListNodes()
		if len(nodes) == 1 && nodes[0].Status == NodeOnline {
			assert.Equal(t, "n1", nodes[0].Name)
			return
		}
		select {
		case <-deadline:
			t.Fatalf("node never went online: %+v", nodes)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRegisterDuplicateNameRejected(t *testing.T) {
	core, _ := newTestCore(t, "n1")

	first := attachFakeAgent(t, core)
	reply := first.register(t, "n1")
	require.Nil(t, reply.Err)

	second := attachFakeAgent(t, core)
	reply2 := second.register(t, "n1")
	require.NotNil(t, reply2.Err)
	assert.Equal(t, wire.ErrAddressInUse, reply2.Err.Code)
}

func TestStartUnitReturnsJobPathAndCompletes(t *testing.T) {
	core, _ := newTestCore(t, "n1")
	agent := attachFakeAgent(t, core)
	require.Nil(t, agent.register(t, "n1").Err)

	// Drain the EnableMetrics signal the controller might not send
	// (metrics disabled by default) -- nothing to drain here.

	done := make(chan struct{})
	var jobPath string
	var startErr error
	go func() {
		jobPath, startErr = core.StartUnit(context.Background(), "n1", "hello.service", "replace")
		close(done)
	}()

	env, err := agent.codec.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, wire.KindStartUnit, env.Kind)
	var args wire.UnitLifecycleArgs
	require.NoError(t, env.Decode(&args))
	assert.Equal(t, "hello.service", args.Unit)

	require.NoError(t, agent.codec.WriteEnvelope(wire.NewReply(env.ID, nil, nil)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StartUnit never returned")
	}
	require.NoError(t, startErr)
	assert.NotEmpty(t, jobPath)

	require.NoError(t, agent.codec.WriteEnvelope(wire.NewSignal(wire.KindJobDone, wire.JobDoneArgs{ID: uint32(args.JobID), Result: "done"})))

	deadline := time.After(2 * time.Second)
	for {
		var stillActive bool
		core.do(func() { _, stillActive = core.jobs[JobID(args.JobID)] })
		if !stillActive {
			return
		}
		select {
		case <-deadline:
			t.Fatal("job was never removed after JobDone")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSetLogLevelAllCollectsPerNodeResults(t *testing.T) {
	core, _ := newTestCore(t, "n1", "n2")
	a1 := attachFakeAgent(t, core)
	require.Nil(t, a1.register(t, "n1").Err)
	a2 := attachFakeAgent(t, core)
	require.Nil(t, a2.register(t, "n2").Err)

	results := make(chan map[string]error, 1)
	go func() {
		results <- core.SetLogLevelAll(context.Background(), "debug")
	}()

	envs := make(map[*fakeAgent]*wire.Envelope, 2)
	for _, a := range []*fakeAgent{a1, a2} {
		env, err := a.codec.ReadEnvelope()
		require.NoError(t, err)
		assert.Equal(t, wire.KindSetLogLevel, env.Kind)
		var args wire.SetLogLevelArgs
		require.NoError(t, env.Decode(&args))
		assert.Equal(t, "debug", args.Level)
		envs[a] = env
	}

	// n1 succeeds, n2 reports a failure -- SetLogLevelAll must not let
	// one node's error short-circuit the other's result.
	require.NoError(t, a1.codec.WriteEnvelope(wire.NewReply(envs[a1].ID, nil, nil)))
	require.NoError(t, a2.codec.WriteEnvelope(wire.NewReply(envs[a2].ID, nil, wire.NewError(wire.ErrFailed, "boom"))))

	select {
	case out := <-results:
		require.Len(t, out, 2)
		assert.NoError(t, out["n1"])
		require.Error(t, out["n2"])
	case <-time.After(2 * time.Second):
		t.Fatal("SetLogLevelAll never returned")
	}
}

func TestDisconnectSweepCancelsOutstandingJobs(t *testing.T) {
	core, _ := newTestCore(t, "n1")
	agent := attachFakeAgent(t, core)
	require.Nil(t, agent.register(t, "n1").Err)

	done := make(chan struct{})
	var startErr error
	go func() {
		_, startErr = core.StartUnit(context.Background(), "n1", "x.service", "replace")
		close(done)
	}()

	_, err := agent.codec.ReadEnvelope()
	require.NoError(t, err)

	// Close the agent side without replying; the controller observes
	// the disconnect, and its sweep cancels the outstanding StartUnit
	// request, so StartUnit returns a Cancelled error.
	agent.codec.Close()

	select {
	case <-done:
		require.Error(t, startErr)
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding StartUnit was not cancelled by the disconnect sweep")
	}

	deadline := time.After(2 * time.Second)
	for {
		nodes := core.ListNodes()
		if len(nodes) == 1 && nodes[0].Status == NodeOffline {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("node never went offline: %+v", nodes)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
