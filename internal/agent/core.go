// Package agent implements the per-node Agent process: a systemd
// proxy that registers with a Controller, forwards unit lifecycle
// commands to the local systemd instance, and streams unit events
// back. It is the Agent-side counterpart of package controller, and
// its event loop is built the same way: a single goroutine draining a
// command queue, modeled on hub.go's Hub.run() select loop.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/bluechi-go/bluechi/internal/agent/systemd"
	"github.com/bluechi-go/bluechi/internal/clock"
	"github.com/bluechi-go/bluechi/internal/config"
	"github.com/bluechi-go/bluechi/internal/logging"
	"github.com/bluechi-go/bluechi/internal/metrics"
	"github.com/bluechi-go/bluechi/internal/transport"
	"github.com/bluechi-go/bluechi/internal/wire"
)

// AgentCore is the Agent's single-threaded event-loop singleton (spec
// §5 "Shared-resource policy": the unit_infos map and proxy list live
// here, mutated only on this loop).
type AgentCore struct {
	cfg   *config.Agent
	clock clock.Clock
	log   *logging.Logger
	mx    *metrics.Registry
	sysd  systemd.Adapter

	commands chan func()
	done     chan struct{}

	peer                *transport.Peer
	connState           connState
	retryCount          int
	disconnectTimestamp time.Time

	units                      map[string]*unitInfo
	wildcardSubscriptionActive bool

	jobs *jobTracker

	proxies     map[string]*proxyService
	nextProxyID uint64

	logLevel string

	localAPI *LocalAPI
}

// New builds an AgentCore; call Run to start its event loop, having
// arranged for the systemd Adapter to already be dialed (so startup
// failures there are visible to the caller before the loop starts).
func New(cfg *config.Agent, clk clock.Clock, log *logging.Logger, mx *metrics.Registry, sysd systemd.Adapter) *AgentCore {
	a := &AgentCore{
		cfg:       cfg,
		clock:     clk,
		log:       log,
		mx:        mx,
		sysd:      sysd,
		commands:  make(chan func(), 64),
		done:      make(chan struct{}),
		units:     make(map[string]*unitInfo),
		jobs:      newJobTracker(),
		proxies:   make(map[string]*proxyService),
		logLevel:  cfg.LogLevel,
		connState: stateDisconnected,
	}
	a.localAPI = newLocalAPI(a, log.With("api"))
	return a
}

// do runs fn on the event loop and blocks until it completes.
func (a *AgentCore) do(fn func()) {
	result := make(chan struct{})
	select {
	case a.commands <- func() { fn(); close(result) }:
	case <-a.done:
		return
	}
	<-result
}

// post submits fn to the event loop without waiting for completion.
func (a *AgentCore) post(fn func()) {
	select {
	case a.commands <- fn:
	case <-a.done:
	}
}

// Run subscribes to the signals of the systemd Adapter (already dialed
// by the caller before New), starts the Controller connection loop and
// the systemd event pump, then
// services the command queue and heartbeat ticker until ctx is
// cancelled (spec §4.3 "The Agent opens (c) at startup, subscribes...,
// then attempts (a)").
func (a *AgentCore) Run(ctx context.Context) error {
	if err := a.sysd.Subscribe(ctx); err != nil {
		return fmt.Errorf("agent: systemd subscribe: %w", err)
	}

	go a.runConnectionLoop(ctx)
	go a.pumpSystemdEvents(ctx)

	ticker := a.clock.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-a.commands:
			cmd()
		case <-ticker.Chan():
			a.heartbeatTick()
		case <-ctx.Done():
			close(a.done)
			return ctx.Err()
		}
	}
}

// heartbeatTick emits a Heartbeat signal when CONNECTED, or simply
// logs the retry count when RETRY (spec §5 "Heartbeat").
func (a *AgentCore) heartbeatTick() {
	switch a.connState {
	case stateConnected:
		if a.peer != nil {
			_ = a.peer.Send(nil, wire.NewSignal(wire.KindHeartbeat, nil))
		}
	case stateRetrying:
		a.log.Printf("still retrying controller connection (attempt %d since %s)", a.retryCount, a.disconnectTimestamp.Format(time.RFC3339))
	}
}

// pumpSystemdEvents forwards the Adapter's three event channels onto
// the command queue, one closure per event, so every mutation of
// a.units/a.jobs happens on the single event-loop goroutine.
func (a *AgentCore) pumpSystemdEvents(ctx context.Context) {
	unitEvt := a.sysd.UnitEvents()
	propEvt := a.sysd.PropertiesChanged()
	jobEvt := a.sysd.JobEvents()
	for {
		select {
		case e, ok := <-unitEvt:
			if !ok {
				return
			}
			ev := e
			a.post(func() { a.handleUnitLifecycleEvent(ev) })
		case e, ok := <-propEvt:
			if !ok {
				return
			}
			ev := e
			a.post(func() { a.handlePropertiesChanged(ev) })
		case e, ok := <-jobEvt:
			if !ok {
				return
			}
			ev := e
			a.post(func() { a.handleJobEvent(ev) })
		case <-ctx.Done():
			return
		}
	}
}

// handleControllerEnvelope dispatches one inbound Controller->Agent
// envelope. It runs on the event loop (posted there by readLoop).
func (a *AgentCore) handleControllerEnvelope(env *wire.Envelope) {
	if env.Path != "" {
		a.handleProxyEnvelope(env)
		return
	}

	switch env.Kind {
	case wire.KindStartUnit, wire.KindStopUnit, wire.KindRestartUnit, wire.KindReloadUnit:
		a.handleLifecycleRequest(env)
	case wire.KindGetUnitProp:
		a.handleGetUnitProperty(env)
	case wire.KindGetUnitProps:
		a.handleGetUnitProperties(env)
	case wire.KindSetUnitProps:
		a.handleSetUnitProperties(env)
	case wire.KindFreezeUnit:
		a.handleSimpleUnitOp(env, a.sysd.FreezeUnit)
	case wire.KindThawUnit:
		a.handleSimpleUnitOp(env, a.sysd.ThawUnit)
	case wire.KindEnableUnits:
		a.handleUnitFilesOp(env, true)
	case wire.KindDisableUnits:
		a.handleUnitFilesOp(env, false)
	case wire.KindReload:
		a.handleReload(env)
	case wire.KindListUnits:
		a.handleListUnits(env)
	case wire.KindListUnitFiles:
		a.handleListUnitFiles(env)
	case wire.KindSetLogLevel:
		a.handleSetLogLevel(env)
	case wire.KindSubscribe:
		a.handleSubscribe(env)
	case wire.KindUnsubscribe:
		a.handleUnsubscribe(env)
	case wire.KindStartDep:
		a.handleDep(env, true)
	case wire.KindStopDep:
		a.handleDep(env, false)
	case wire.KindEnableMetrics:
		a.mx.Enable()
	case wire.KindDisableMetrics:
		a.mx.Disable()
	case wire.KindJobCancel:
		a.handleJobCancel(env)
	}
}

func (a *AgentCore) reply(env *wire.Envelope, v interface{}, err *wire.Error) {
	if env.ID == 0 || a.peer == nil {
		return
	}
	_ = a.peer.Send(nil, wire.NewReply(env.ID, v, err))
}
