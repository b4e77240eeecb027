package controller

import (
	"context"
	"encoding/json"

	"github.com/bluechi-go/bluechi/internal/clientbus"
	"github.com/bluechi-go/bluechi/internal/logging"
	"github.com/bluechi-go/bluechi/internal/wire"
)

// ClientAPI is the Controller's public fleet API (spec §4.1 "Three
// concurrent acceptors" connection (c), §6): a clientbus.Server on
// ClientListenTCP, the client-bus counterpart of internal/agent's
// LocalAPI -- a websocket frame decodes to a wire.Envelope, routes to
// a ControllerCore method, and replies (or, for Monitor subscriptions,
// keeps pushing MonitorEventArgs signals for the connection's
// lifetime).
type ClientAPI struct {
	core *ControllerCore
	log  *logging.Logger
	srv  *clientbus.Server
}

func newClientAPI(core *ControllerCore, log *logging.Logger) *ClientAPI {
	api := &ClientAPI{core: core, log: log}
	api.srv = clientbus.NewServer(core.cfg.ClientListenTCP, "/bluechi/client", log)
	api.srv.OnConnect = api.onConnect
	return api
}

// ListenAndServe runs the public API's HTTP/websocket listener; blocks
// until the server stops.
func (api *ClientAPI) ListenAndServe() error {
	return api.srv.ListenAndServe()
}

// Close stops the public API's listener.
func (api *ClientAPI) Close() error {
	return api.srv.Close()
}

func (api *ClientAPI) onConnect(conn *clientbus.Conn) {
	conn.OnClose = func() { api.core.OnOwnerDisconnect(conn) }
	conn.Handle = func(raw []byte) {
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		// Each request runs on its own goroutine: many of these calls
		// (ListUnits, lifecycle ops) suspend on callNode waiting for an
		// Agent reply, and must not block other clients' requests or
		// this connection's own read pump.
		go api.dispatch(conn, &env)
	}
}

func (api *ClientAPI) reply(conn *clientbus.Conn, id uint64, v interface{}, err error) {
	if id == 0 {
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
	conn.Send(wire.NewReply(id, v, wireErr))
}

func (api *ClientAPI) dispatch(conn *clientbus.Conn, env *wire.Envelope) {
	c := api.core
	ctx := context.Background()

	switch env.Kind {
	case wire.KindCListNodes:
		nodes := c.ListNodes()
		out := make([]wire.NodeSummaryInfo, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, wire.NodeSummaryInfo{Name: n.Name, Status: n.Status.String(), PeerIP: n.PeerIP})
		}
		api.reply(conn, env.ID, out, nil)

	case wire.KindCGetNode:
		var args wire.NodeArgs
		env.Decode(&args)
		path, err := c.GetNode(args.Node)
		api.reply(conn, env.ID, path, err)

	case wire.KindCStatus:
		api.reply(conn, env.ID, wire.StatusArgs{Status: string(c.Status())}, nil)

	case wire.KindListUnits:
		units, err := c.ListUnits(ctx)
		api.reply(conn, env.ID, units, err)

	case wire.KindListUnitFiles:
		files, err := c.ListUnitFiles(ctx)
		api.reply(conn, env.ID, files, err)

	case wire.KindStartUnit, wire.KindStopUnit, wire.KindRestartUnit, wire.KindReloadUnit:
		var args wire.ClientUnitLifecycleArgs
		if err := env.Decode(&args); err != nil {
			api.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		var jobType JobType
		switch env.Kind {
		case wire.KindStartUnit:
			jobType = JobStart
		case wire.KindStopUnit:
			jobType = JobStop
		case wire.KindRestartUnit:
			jobType = JobRestart
		case wire.KindReloadUnit:
			jobType = JobReload
		}
		jobID, path, err := c.lifecycleOp(ctx, args.Node, args.Unit, args.Mode, jobType, env.Kind)
		if err == nil {
			c.SetJobOwner(jobID, conn)
		}
		api.reply(conn, env.ID, path, err)

	case wire.KindGetUnitProp:
		var args wire.ClientUnitPropertyArgs
		if err := env.Decode(&args); err != nil {
			api.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		v, err := c.GetUnitProperty(ctx, args.Node, args.Unit, args.Property)
		api.reply(conn, env.ID, v, err)

	case wire.KindGetUnitProps:
		var args wire.ClientUnitPropertyArgs
		if err := env.Decode(&args); err != nil {
			api.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		props, err := c.GetUnitProperties(ctx, args.Node, args.Unit)
		api.reply(conn, env.ID, props, err)

	case wire.KindSetUnitProps:
		var args wire.ClientSetUnitPropertiesArgs
		if err := env.Decode(&args); err != nil {
			api.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		err := c.SetUnitProperties(ctx, args.Node, args.Unit, args.Properties)
		api.reply(conn, env.ID, nil, err)

	case wire.KindFreezeUnit, wire.KindThawUnit:
		var args wire.ClientSimpleUnitArgs
		if err := env.Decode(&args); err != nil {
			api.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		var err error
		if env.Kind == wire.KindFreezeUnit {
			err = c.FreezeUnit(ctx, args.Node, args.Unit)
		} else {
			err = c.ThawUnit(ctx, args.Node, args.Unit)
		}
		api.reply(conn, env.ID, nil, err)

	case wire.KindEnableUnits, wire.KindDisableUnits:
		var args wire.ClientUnitFilesArgs
		if err := env.Decode(&args); err != nil {
			api.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		var err error
		if env.Kind == wire.KindEnableUnits {
			err = c.EnableUnitFiles(ctx, args.Node, args.Units, args.Runtime, args.Force)
		} else {
			err = c.DisableUnitFiles(ctx, args.Node, args.Units, args.Runtime)
		}
		api.reply(conn, env.ID, nil, err)

	case wire.KindReload:
		var args wire.NodeArgs
		env.Decode(&args)
		err := c.Reload(ctx, args.Node)
		api.reply(conn, env.ID, nil, err)

	case wire.KindSetLogLevel:
		var args wire.SetLogLevelArgs
		if err := env.Decode(&args); err != nil {
			api.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		err := c.SetLogLevel(args.Level)
		api.reply(conn, env.ID, nil, err)

	case wire.KindCSetLogLevelAll:
		var args wire.SetLogLevelArgs
		if err := env.Decode(&args); err != nil {
			api.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
			return
		}
		results := c.SetLogLevelAll(ctx, args.Level)
		out := make(map[string]string, len(results))
		for name, err := range results {
			if err != nil {
				out[name] = err.Error()
			} else {
				out[name] = ""
			}
		}
		api.reply(conn, env.ID, wire.SetLogLevelAllReply{Results: out}, nil)

	case wire.KindEnableMetrics:
		c.EnableMetrics()
		api.reply(conn, env.ID, nil, nil)

	case wire.KindDisableMetrics:
		c.DisableMetrics()
		api.reply(conn, env.ID, nil, nil)

	case wire.KindCCancelJob:
		var args wire.CancelJobArgs
		env.Decode(&args)
		c.CancelJob(JobID(args.ID))
		api.reply(conn, env.ID, nil, nil)

	case wire.KindCCreateMonitor:
		id := c.CreateMonitor(conn)
		api.reply(conn, env.ID, wire.CreateMonitorReply{ID: uint64(id)}, nil)

	case wire.KindCCloseMonitor:
		var args wire.CloseMonitorArgs
		env.Decode(&args)
		c.CloseMonitor(MonitorID(args.Monitor))
		api.reply(conn, env.ID, nil, nil)

	case wire.KindCSubscribe:
		api.handleSubscribe(conn, env)

	case wire.KindCSubscribeList:
		api.handleSubscribe(conn, env)

	case wire.KindCUnsubscribe:
		var args wire.MonitorUnsubscribeArgs
		env.Decode(&args)
		c.Unsubscribe(SubscriptionID(args.ID))
		api.reply(conn, env.ID, nil, nil)

	case wire.KindCAddPeer:
		var args wire.MonitorAddPeerArgs
		env.Decode(&args)
		id, err := c.AddPeer(MonitorID(args.Monitor), conn)
		api.reply(conn, env.ID, wire.MonitorAddPeerReply{ID: id}, err)

	case wire.KindCRemovePeer:
		var args wire.MonitorRemovePeerArgs
		env.Decode(&args)
		c.RemovePeer(MonitorID(args.Monitor), args.PeerID, args.Reason)
		api.reply(conn, env.ID, nil, nil)

	default:
		api.log.Printf("client bus: unhandled request kind %s", env.Kind)
	}
}

// handleSubscribe implements Monitor.Subscribe/SubscribeList (spec
// §6): the callback vtable pushes a MonitorEventArgs signal to the
// owning Monitor (owner + peers) for every event the Subscription
// matches, since a remote client has no Go callback to register
// directly the way an in-process pkg/client caller would.
func (api *ClientAPI) handleSubscribe(conn *clientbus.Conn, env *wire.Envelope) {
	c := api.core
	var args wire.MonitorSubscribeArgs
	if err := env.Decode(&args); err != nil {
		api.reply(conn, env.ID, nil, wire.NewError(wire.ErrInvalidArgs, "%v", err))
		return
	}
	monitorID := MonitorID(args.Monitor)
	id, err := c.SubscribeList(monitorID, args.Node, args.Units, func(subID SubscriptionID) SubscriptionCallbacks {
		emit := func(kind string, node, unit, active, sub, iface string, props map[string]interface{}, reason wire.UnitEventReason) {
			c.emitMonitorEvent(monitorID, uint64(subID), kind, node, unit, active, sub, iface, props, reason)
		}
		return SubscriptionCallbacks{
			OnNew: func(node, unit string, reason wire.UnitEventReason) {
				emit("new", node, unit, "", "", "", nil, reason)
			},
			OnRemoved: func(node, unit string, reason wire.UnitEventReason) {
				emit("removed", node, unit, "", "", "", nil, reason)
			},
			OnStateChanged: func(node, unit, active, sub string, reason wire.UnitEventReason) {
				emit("state_changed", node, unit, active, sub, "", nil, reason)
			},
			OnPropertyChanged: func(node, unit, iface string, props map[string]interface{}) {
				emit("properties_changed", node, unit, "", "", iface, props, wire.ReasonReal)
			},
		}
	})
	if err != nil {
		api.reply(conn, env.ID, nil, err)
		return
	}
	api.reply(conn, env.ID, wire.MonitorSubscribeReply{ID: uint64(id)}, nil)
}

// emitMonitorEvent looks up the Monitor directly: every caller of this
// method runs on the ControllerCore event-loop goroutine already (it
// is only ever reached through a SubscriptionCallbacks invocation,
// which dispatchUnit*/deliverUnit* call synchronously from inside
// handleEnvelope/heartbeatTick), so routing through c.do here would
// deadlock the loop against itself.
func (c *ControllerCore) emitMonitorEvent(monitorID MonitorID, subID uint64, kind, node, unit, active, sub, iface string, props map[string]interface{}, reason wire.UnitEventReason) {
	mon, ok := c.monitors[monitorID]
	if !ok {
		return
	}
	mon.broadcast(wire.NewSignal(wire.KindMonitorEvent, wire.MonitorEventArgs{
		Monitor:      uint64(monitorID),
		Subscription: subID,
		EventKind:    kind,
		Node:         node,
		Unit:         unit,
		Active:       active,
		Sub:          sub,
		Interface:    iface,
		Properties:   props,
		Reason:       reason,
	}))
}
