package agent

import (
	"context"
	"fmt"

	"github.com/bluechi-go/bluechi/internal/clientbus"
	"github.com/bluechi-go/bluechi/internal/wire"
)

// proxyPhase is the Agent-side ProxyService's initial-readiness state
// machine (spec §4.6 "Agent side"): WaitingReadiness holds the
// CreateProxy reply open until the target's first real transition
// settles it; Monitoring watches for a later failure to stop the
// local unit.
type proxyPhase int

const (
	proxyWaitingReadiness proxyPhase = iota
	proxyMonitoring
	proxyDone
)

// proxyService is one Agent-side ProxyService object, exported at
// Path and torn down by either a target failure or an explicit
// RemoveProxy.
type proxyService struct {
	Path         string
	LocalService string
	Node         string
	Unit         string

	phase proxyPhase

	sentProxyNew  bool
	dontStopProxy bool

	readyResult chan proxyReadiness
}

// proxyReadiness is delivered once to the CreateProxy caller: either
// success (target already/now active) or failure with a message.
type proxyReadiness struct {
	ok  bool
	msg string
}

func newProxyService(path, localService, node, unit string) *proxyService {
	return &proxyService{
		Path:         path,
		LocalService: localService,
		Node:         node,
		Unit:         unit,
		phase:        proxyWaitingReadiness,
		readyResult:  make(chan proxyReadiness, 1),
	}
}

// CreateProxy implements the §4.6 Agent-side entry point. It assigns
// an object path, registers the ProxyService, sends ProxyNew to the
// Controller, then blocks on the readiness channel -- the caller's
// ctx is honored for shutdown, but the protocol itself has no
// client-side timeout (proxy readiness may take arbitrarily long).
func (a *AgentCore) CreateProxy(ctx context.Context, localService, node, unit string) (string, error) {
	var ps *proxyService
	a.do(func() {
		a.nextProxyID++
		path := fmt.Sprintf("/org/bluechi/proxy/%d", a.nextProxyID)
		ps = newProxyService(path, localService, node, unit)
		a.proxies[path] = ps
		if a.peer != nil && a.connState == stateConnected {
			env := wire.NewSignal(wire.KindProxyNew, wire.ProxyNewArgs{Node: node, Unit: unit, Path: path})
			if err := a.peer.Send(nil, env); err == nil {
				ps.sentProxyNew = true
			}
		}
	})

	select {
	case res := <-ps.readyResult:
		if !res.ok {
			a.do(func() { a.teardownProxy(ps, false) })
			return "", fmt.Errorf("bluechi: proxy %s: %s", ps.Path, res.msg)
		}
		return ps.Path, nil
	case <-ctx.Done():
		a.do(func() { a.teardownProxy(ps, false) })
		return "", ctx.Err()
	}
}

// RemoveProxy tears down a ProxyService by path, the bluechi-proxy
// ExecStopPost counterpart to CreateProxy. An unknown path is not an
// error (SPEC_FULL.md Supplemented Features #4, Unsubscribe-style
// tolerant semantics) -- the bool return just tells the caller whether
// there was anything to tear down, for an informational, non-error
// reply.
func (a *AgentCore) RemoveProxy(path string) bool {
	var found bool
	a.do(func() {
		if ps, ok := a.proxies[path]; ok {
			found = true
			a.teardownProxy(ps, false)
		}
	})
	return found
}

// dispatchProxy runs bluechi-proxy's two host-local entry points on
// their own goroutine (see LocalAPI.onConnect), replying once
// CreateProxy/RemoveProxy return.
func (a *AgentCore) dispatchProxy(conn *clientbus.Conn, env *wire.Envelope) {
	reply := func(v interface{}, err error) {
		if env.ID == 0 {
			return
		}
		var wireErr *wire.Error
		if err != nil {
			var ok bool
			wireErr, ok = err.(*wire.Error)
			if !ok {
				wireErr = wire.NewError(wire.ErrFailed, "%v", err)
			}
		}
		conn.Send(wire.NewReply(env.ID, v, wireErr))
	}

	switch env.Kind {
	case wire.KindCreateProxy:
		var args wire.CreateProxyArgs
		if err := env.Decode(&args); err != nil {
			reply(nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		path, err := a.CreateProxy(context.Background(), args.LocalService, args.Node, args.Unit)
		reply(path, err)

	case wire.KindRemoveProxy:
		var args wire.RemoveProxyArgs
		if err := env.Decode(&args); err != nil {
			reply(nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		found := a.RemoveProxy(args.Path)
		if !found {
			reply("no such proxy", nil)
			return
		}
		reply(nil, nil)
	}
}

// handleProxyEnvelope dispatches a Target*/Error envelope addressed to
// one of our ProxyService objects by its Path.
func (a *AgentCore) handleProxyEnvelope(env *wire.Envelope) {
	ps, ok := a.proxies[env.Path]
	if !ok {
		return
	}
	switch env.Kind {
	case wire.KindTargetNew:
		// No readiness implication by itself; the following
		// TargetStateChanged carries the actual snapshot.
	case wire.KindTargetStateChanged:
		var args wire.TargetStateChangedArgs
		_ = env.Decode(&args)
		a.onTargetStateChanged(ps, args)
	case wire.KindTargetRemoved:
		var args wire.TargetRemovedArgs
		_ = env.Decode(&args)
		a.onTargetRemoved(ps, args)
	case wire.KindProxyError:
		var args wire.ProxyErrorArgs
		_ = env.Decode(&args)
		a.onProxyError(ps, args.Message)
	}
}

func (a *AgentCore) onTargetStateChanged(ps *proxyService, args wire.TargetStateChangedArgs) {
	switch ps.phase {
	case proxyWaitingReadiness:
		if args.Reason == wire.ReasonVirtual {
			// Reflects state at subscription creation, not a live
			// transition; ignored during the readiness wait.
			return
		}
		if args.Active == "active" {
			ps.phase = proxyMonitoring
			ps.readyResult <- proxyReadiness{ok: true}
			return
		}
		if args.Active == "failed" || args.Active == "inactive" {
			ps.readyResult <- proxyReadiness{ok: false, msg: fmt.Sprintf("target unit is %s", args.Active)}
			a.teardownProxy(ps, false)
		}
	case proxyMonitoring:
		if args.Reason != wire.ReasonReal {
			return
		}
		if args.Active == "failed" || args.Active == "inactive" {
			a.stopLocalProxyUnit(ps)
			a.teardownProxy(ps, true)
		}
	}
}

func (a *AgentCore) onTargetRemoved(ps *proxyService, args wire.TargetRemovedArgs) {
	if ps.phase == proxyWaitingReadiness {
		if args.Reason != wire.ReasonReal {
			// Not a live transition; ignored during the readiness wait,
			// as in onTargetStateChanged.
			return
		}
		ps.readyResult <- proxyReadiness{ok: false, msg: "target unit removed"}
	}
	a.teardownProxy(ps, false)
}

func (a *AgentCore) onProxyError(ps *proxyService, msg string) {
	if ps.phase == proxyWaitingReadiness {
		ps.readyResult <- proxyReadiness{ok: false, msg: msg}
	}
	a.teardownProxy(ps, false)
}

// stopLocalProxyUnit requests systemd stop the local service that
// depended on the now-failed target, engaging the dont_stop_proxy
// latch so the resulting teardown doesn't try to stop it a second time.
func (a *AgentCore) stopLocalProxyUnit(ps *proxyService) {
	ps.dontStopProxy = true
	ctx := context.Background()
	if _, err := a.sysd.StopUnit(ctx, ps.LocalService, "replace"); err != nil {
		a.log.Printf("proxy %s: stop local unit %s: %v", ps.Path, ps.LocalService, err)
	}
}

// teardownProxy unexports the ProxyService, notifies the Controller
// (only if ProxyNew was actually sent), and -- unless reached via the
// stop path's dont_stop_proxy latch -- stops the local unit if the
// proxy had achieved readiness (spec §4.6 "On teardown").
func (a *AgentCore) teardownProxy(ps *proxyService, fromStopPath bool) {
	if ps.phase == proxyDone {
		return
	}
	delete(a.proxies, ps.Path)
	hadReadiness := ps.phase == proxyMonitoring
	ps.phase = proxyDone

	if ps.sentProxyNew && a.peer != nil && a.connState == stateConnected {
		env := wire.NewSignal(wire.KindProxyGone, wire.ProxyRemovedArgs{Node: ps.Node, Unit: ps.Unit})
		_ = a.peer.Send(nil, env)
	}

	if hadReadiness && !fromStopPath && !ps.dontStopProxy {
		ctx := context.Background()
		if _, err := a.sysd.StopUnit(ctx, ps.LocalService, "replace"); err != nil {
			a.log.Printf("proxy %s: teardown stop of %s: %v", ps.Path, ps.LocalService, err)
		}
	}
}
