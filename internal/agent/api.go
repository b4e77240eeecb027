package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bluechi-go/bluechi/internal/clientbus"
	"github.com/bluechi-go/bluechi/internal/logging"
	"github.com/bluechi-go/bluechi/internal/wire"
)

// LocalAPI is the Agent's host-local client bus (spec §4.3 connection
// (b), §6 "Per-node public API"): a unix-domain clientbus.Server whose
// every connection is treated as an implicit wildcard subscriber,
// since a host-local client asking about "this node" has no reason to
// opt in per unit the way a remote Monitor subscription does.
type LocalAPI struct {
	core *AgentCore
	log  *logging.Logger
	srv  *clientbus.Server

	mu    sync.Mutex
	conns map[*clientbus.Conn]bool
}

func newLocalAPI(core *AgentCore, log *logging.Logger) *LocalAPI {
	l := &LocalAPI{core: core, log: log, conns: make(map[*clientbus.Conn]bool)}
	l.srv = clientbus.NewServer("", "/bluechi/agent", log)
	l.srv.OnConnect = l.onConnect
	return l
}

func (l *LocalAPI) onConnect(conn *clientbus.Conn) {
	l.mu.Lock()
	l.conns[conn] = true
	l.mu.Unlock()
	conn.OnClose = func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
	}
	conn.Handle = func(raw []byte) {
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		switch env.Kind {
		case wire.KindCreateProxy, wire.KindRemoveProxy:
			// CreateProxy blocks on the target's first readiness signal,
			// which itself only arrives via a later do()-wrapped dispatch
			// (onTargetStateChanged) -- running it inside core.do here,
			// like every other Kind below, would wedge the event loop
			// waiting on itself. CreateProxy/RemoveProxy already manage
			// their own do() calls internally for the state mutation.
			go l.dispatchProxy(conn, &env)
		default:
			l.core.do(func() { l.dispatch(conn, &env) })
		}
	}
}

// broadcast fans an Agent-originated signal out to every local client,
// unconditionally (see type doc). Called from AgentCore's event
// handlers alongside peerSignal.
func (l *LocalAPI) broadcast(env *wire.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.conns {
		c.Send(env)
	}
}

func (l *LocalAPI) reply(conn *clientbus.Conn, id uint64, v interface{}, err *wire.Error) {
	if id == 0 {
		return
	}
	conn.Send(wire.NewReply(id, v, err))
}

// dispatch runs the Per-node public API (spec §6) directly against the
// systemd Adapter, on the AgentCore event loop.
func (l *LocalAPI) dispatch(conn *clientbus.Conn, env *wire.Envelope) {
	a := l.core
	ctx := context.Background()
	switch env.Kind {
	case wire.KindListUnits:
		units, err := a.sysd.ListUnits(ctx)
		if err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrFailed, "%v", err))
			return
		}
		out := make([]wire.UnitInfo, 0, len(units))
		for _, u := range units {
			out = append(out, wire.UnitInfo{Unit: u.Name, ObjectPath: u.ObjectPath, Loaded: true, Active: u.ActiveState, Sub: u.SubState})
		}
		l.reply(conn, env.ID, out, nil)

	case wire.KindListUnitFiles:
		files, err := a.sysd.ListUnitFiles(ctx)
		if err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrFailed, "%v", err))
			return
		}
		out := make([]wire.UnitFileInfo, 0, len(files))
		for _, f := range files {
			out = append(out, wire.UnitFileInfo{Name: f.Name, State: f.State})
		}
		l.reply(conn, env.ID, out, nil)

	case wire.KindStartUnit, wire.KindStopUnit, wire.KindRestartUnit, wire.KindReloadUnit:
		var args wire.UnitLifecycleArgs
		if err := env.Decode(&args); err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		var jobPath string
		var err error
		switch env.Kind {
		case wire.KindStartUnit:
			jobPath, err = a.sysd.StartUnit(ctx, args.Unit, args.Mode)
		case wire.KindStopUnit:
			jobPath, err = a.sysd.StopUnit(ctx, args.Unit, args.Mode)
		case wire.KindRestartUnit:
			jobPath, err = a.sysd.RestartUnit(ctx, args.Unit, args.Mode)
		case wire.KindReloadUnit:
			jobPath, err = a.sysd.ReloadUnit(ctx, args.Unit, args.Mode)
		}
		if err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrFailed, "%v", err))
			return
		}
		l.reply(conn, env.ID, map[string]string{"job_path": jobPath}, nil)

	case wire.KindGetUnitProp:
		var args wire.GetUnitPropertyArgs
		if err := env.Decode(&args); err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		v, err := a.sysd.GetUnitProperty(ctx, args.Unit, args.Property)
		if err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrFailed, "%v", err))
			return
		}
		l.reply(conn, env.ID, v, nil)

	case wire.KindGetUnitProps:
		var args wire.GetUnitPropertyArgs
		if err := env.Decode(&args); err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		props, err := a.sysd.GetUnitProperties(ctx, args.Unit)
		if err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrFailed, "%v", err))
			return
		}
		l.reply(conn, env.ID, props, nil)

	case wire.KindSetUnitProps:
		var args wire.SetUnitPropertiesArgs
		if err := env.Decode(&args); err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		if err := a.sysd.SetUnitProperties(ctx, args.Unit, args.Properties); err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrFailed, "%v", err))
			return
		}
		l.reply(conn, env.ID, nil, nil)

	case wire.KindFreezeUnit, wire.KindThawUnit:
		var args wire.SubscribeArgs
		if err := env.Decode(&args); err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		op := a.sysd.FreezeUnit
		if env.Kind == wire.KindThawUnit {
			op = a.sysd.ThawUnit
		}
		if err := op(ctx, args.Unit); err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrFailed, "%v", err))
			return
		}
		l.reply(conn, env.ID, nil, nil)

	case wire.KindEnableUnits, wire.KindDisableUnits:
		var args wire.UnitFilesArgs
		if err := env.Decode(&args); err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		var err error
		if env.Kind == wire.KindEnableUnits {
			err = a.sysd.EnableUnitFiles(ctx, args.Units, args.Runtime, args.Force)
		} else {
			err = a.sysd.DisableUnitFiles(ctx, args.Units, args.Runtime)
		}
		if err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrFailed, "%v", err))
			return
		}
		l.reply(conn, env.ID, nil, nil)

	case wire.KindReload:
		if err := a.sysd.Reload(ctx); err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrFailed, "%v", err))
			return
		}
		l.reply(conn, env.ID, nil, nil)

	case wire.KindSetLogLevel:
		var args wire.SetLogLevelArgs
		if err := env.Decode(&args); err != nil {
			l.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		a.logLevel = args.Level
		l.reply(conn, env.ID, nil, nil)
	}
}
