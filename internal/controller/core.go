// Package controller implements ControllerCore and its owned
// registries (NodeHandle, Job, Monitor, Subscription, ProxyMonitor).
// ControllerCore.Run is a single goroutine that owns every mutation,
// the Go-idiomatic rendering of spec §5's "single-threaded cooperative
// event loop": instead of server/hub.go's dozen typed channels (one
// per operation), every mutation is submitted as a closure on one
// `commands` channel, drained strictly in order by Run -- closer to
// how topic.go's metaReq channel already generalizes "one request
// struct, many operation kinds" for anything that isn't a hot-path
// primitive.
package controller

import (
	"context"
	"time"

	"github.com/bluechi-go/bluechi/internal/clientbus"
	"github.com/bluechi-go/bluechi/internal/clock"
	"github.com/bluechi-go/bluechi/internal/config"
	"github.com/bluechi-go/bluechi/internal/logging"
	"github.com/bluechi-go/bluechi/internal/metrics"
	"github.com/bluechi-go/bluechi/internal/transport"
	"github.com/bluechi-go/bluechi/internal/wire"
)

// ControllerCore owns the node registry, job registry, and
// monitor/subscription registry, and exposes the public fleet API
// (spec §2 "ControllerCore").
type ControllerCore struct {
	cfg   *config.Controller
	clock clock.Clock
	log   *logging.Logger
	mx    *metrics.Registry

	ids idCounters

	nodesByName map[string]*NodeHandle
	anonymous   map[*NodeHandle]bool

	jobs          map[JobID]*Job
	monitors      map[MonitorID]*Monitor
	subscriptions map[SubscriptionID]*Subscription
	proxyMonitors map[SubscriptionID]*ProxyMonitor
	proxyDeps     proxyDepRefcounts

	onlineCount int
	lastStatus  FleetStatus

	commands chan func()
	done     chan struct{}

	clientAPI *ClientAPI
}

// New builds a ControllerCore from its configuration, pre-populating
// the node registry with every allowed name in the provisioned state
// (spec §3 "provisioned ... created from config listing allowed names").
func New(cfg *config.Controller, clk clock.Clock, log *logging.Logger, mx *metrics.Registry) *ControllerCore {
	c := &ControllerCore{
		cfg:           cfg,
		clock:         clk,
		log:           log,
		mx:            mx,
		nodesByName:   make(map[string]*NodeHandle),
		anonymous:     make(map[*NodeHandle]bool),
		jobs:          make(map[JobID]*Job),
		monitors:      make(map[MonitorID]*Monitor),
		subscriptions: make(map[SubscriptionID]*Subscription),
		proxyMonitors: make(map[SubscriptionID]*ProxyMonitor),
		proxyDeps:     make(proxyDepRefcounts),
		lastStatus:    FleetDown,
		commands:      make(chan func(), 256),
		done:          make(chan struct{}),
	}
	for _, n := range cfg.Nodes {
		node := newProvisionedNode(n.Name)
		node.SecurityContext = n.SecurityContext
		c.nodesByName[n.Name] = node
	}
	if cfg.MetricsEnabledAtStart {
		mx.Enable()
	}
	c.clientAPI = newClientAPI(c, log.With("clientapi"))
	return c
}

// do submits fn to the event loop and blocks until it has run,
// exactly once, in registry order relative to every other submission.
func (c *ControllerCore) do(fn func()) {
	result := make(chan struct{})
	c.commands <- func() {
		fn()
		close(result)
	}
	<-result
}

// post submits fn without waiting for it to run, used for events that
// don't need to report back to their originator (inbound signals).
func (c *ControllerCore) post(fn func()) {
	select {
	case c.commands <- fn:
	case <-c.done:
	}
}

// Run is the single event-loop goroutine; it returns when ctx is
// cancelled, having run the disconnect sweep over every online node.
func (c *ControllerCore) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case cmd := <-c.commands:
			cmd()
		case <-ticker.Chan():
			c.heartbeatTick()
		case <-ctx.Done():
			c.shutdownLocked()
			close(c.done)
			return ctx.Err()
		}
	}
}

func (c *ControllerCore) shutdownLocked() {
	for name, node := range c.nodesByName {
		if node.Online() {
			c.disconnectNodeLocked(node)
		}
		_ = name
	}
}

// heartbeatTick scans nodes for staleness (spec §5 "Heartbeat"). A
// threshold of 0 disables the check entirely (spec §8 boundary
// behavior "Heartbeat threshold set to 0: liveness check disabled").
func (c *ControllerCore) heartbeatTick() {
	if c.cfg.HeartbeatMissedThreshold <= 0 {
		return
	}
	limit := time.Duration(c.cfg.HeartbeatMissedThreshold) * c.cfg.HeartbeatInterval
	now := c.clock.Now()
	for _, node := range c.nodesByName {
		if !node.Online() {
			continue
		}
		if now.Sub(node.LastSeen) > limit {
			c.log.Printf("node %q missed heartbeat threshold, disconnecting", node.Name)
			c.disconnectNodeLocked(node)
		}
	}
}

// AcceptConn wraps an accepted net.Conn-backed peer as an anonymous
// NodeHandle and starts its read loop. Called from the listener
// goroutine(s) in listen.go.
func (c *ControllerCore) AcceptConn(peer *transport.Peer, peerIP string) {
	node := newAnonymousNode(peer, peerIP)
	c.post(func() { c.anonymous[node] = true })
	go c.readLoop(node)
}

func (c *ControllerCore) readLoop(node *NodeHandle) {
	codec := node.peer.Codec()
	for {
		env, err := codec.ReadEnvelope()
		if err != nil {
			c.post(func() { c.disconnectNodeLocked(node) })
			return
		}
		e := env
		c.post(func() { c.handleEnvelope(node, e) })
	}
}

func (c *ControllerCore) handleEnvelope(node *NodeHandle, env *wire.Envelope) {
	if env.IsReply() {
		node.resolveReply(env)
		return
	}
	switch env.Kind {
	case wire.KindRegister:
		c.handleRegister(node, env)
	case wire.KindHeartbeat:
		node.LastSeen = c.clock.Now()
	case wire.KindJobDone:
		c.handleJobDone(node, env)
	case wire.KindJobState:
		c.handleJobStateChanged(node, env)
	case wire.KindUnitNew:
		var args wire.UnitNewArgs
		env.Decode(&args)
		c.dispatchUnitNew(node.Name, args.Unit, args.Reason)
	case wire.KindUnitGone:
		var args wire.UnitRemovedArgs
		env.Decode(&args)
		c.dispatchUnitRemoved(node.Name, args.Unit, args.Reason)
	case wire.KindUnitState:
		var args wire.UnitStateChangedArgs
		env.Decode(&args)
		c.dispatchUnitStateChanged(node.Name, args.Unit, args.Active, args.Sub, args.Reason)
	case wire.KindUnitProps:
		var args wire.UnitPropertiesChangedArgs
		env.Decode(&args)
		c.dispatchUnitPropertiesChanged(node.Name, args.Unit, args.Interface, args.Properties)
	case wire.KindProxyNew:
		c.handleProxyNew(node, env)
	case wire.KindProxyGone:
		c.handleProxyRemoved(node, env)
	default:
		c.log.Printf("node %q: unhandled inbound kind %s", node.Name, env.Kind)
	}
}

// handleRegister implements spec §4.2's Register protocol.
func (c *ControllerCore) handleRegister(node *NodeHandle, env *wire.Envelope) {
	var args wire.RegisterArgs
	env.Decode(&args)

	reply := func(code wire.ErrorCode, format string, a ...interface{}) {
		var e *wire.Error
		if code != wire.NoErr {
			e = wire.NewError(code, format, a...)
		}
		node.peer.Send(nil, wire.NewReply(env.ID, nil, e))
	}

	if node.State != NodeAnonymous {
		reply(wire.ErrInvalidArgs, "node is already named")
		return
	}
	named, known := c.nodesByName[args.Name]
	if !known {
		reply(wire.ErrServiceUnknown, "unknown node name %q", args.Name)
		return
	}
	if named.Online() {
		reply(wire.ErrAddressInUse, "node %q is already online", args.Name)
		return
	}
	if !verifySecurityContext(named.SecurityContext, args.SecurityContext) {
		reply(wire.ErrServiceUnknown, "security context mismatch for %q", args.Name)
		return
	}

	// Migrate the transport handle from the anonymous record onto the
	// named record by promoting node itself in place (spec §4.2 step
	// 4): node is what readLoop's closure already holds, so every
	// subsequent inbound envelope on this connection keeps routing
	// correctly without readLoop needing to learn a new pointer.
	delete(c.anonymous, node)
	node.Name = args.Name
	node.State = NodeOnline
	node.SecurityContext = named.SecurityContext
	node.LastSeen = c.clock.Now()
	// Carry the per-unit subscription map and proxy-monitor list
	// forward across a reconnect, so subscriptions made before a
	// disconnect keep delivering events afterward instead of being
	// silently orphaned on the discarded connection object.
	if named != node {
		node.Units = named.Units
		node.ProxyMonitors = named.ProxyMonitors
	}
	c.nodesByName[args.Name] = node

	c.onlineCount++
	c.log.Printf("node %q registered from %s", args.Name, node.PeerIP)
	reply(wire.NoErr, "")

	if c.mx.Enabled() {
		node.signal(wire.NewSignal(wire.KindEnableMetrics, nil))
	}
	c.maybeEmitStatus()
	c.onNodeOnline(node)
}

// disconnectNodeLocked runs the full disconnect sweep (spec §4.5
// "Disconnect sweep", §4.4 "Failure semantics", §4.6 "Failure
// semantics"). Must only be called from the event loop goroutine.
func (c *ControllerCore) disconnectNodeLocked(node *NodeHandle) {
	if node.Name == "" {
		delete(c.anonymous, node)
		return
	}
	wasOnline := node.Online()
	node.State = NodeOffline
	node.cancelAllOutstanding()

	if wasOnline {
		c.onlineCount--
	}

	for unit, state := range node.Units {
		if !state.Loaded {
			continue
		}
		if state.Active != "inactive" {
			c.deliverUnitStateChanged(node.Name, unit, "inactive", "dead", wire.ReasonAgentOffline)
		}
		c.deliverUnitRemoved(node.Name, unit, wire.ReasonVirtual)
		state.Loaded = false
	}

	for id, job := range node.Jobs {
		c.finishJob(job, "cancelled due to shutdown")
		delete(node.Jobs, id)
	}

	for _, pm := range node.ProxyMonitors {
		c.tearDownProxyMonitor(pm, "target agent disconnected")
	}
	node.ProxyMonitors = nil

	c.log.Printf("node %q disconnected", node.Name)
	c.maybeEmitStatus()
}

// maybeEmitStatus recomputes fleet status and logs only on a boundary
// crossing (spec §4.1 "a change signal is emitted only on crossing
// boundaries").
func (c *ControllerCore) maybeEmitStatus() {
	status := deriveFleetStatus(c.onlineCount, len(c.nodesByName))
	if status != c.lastStatus {
		c.log.Printf("fleet status %s -> %s (%d/%d online)", c.lastStatus, status, c.onlineCount, len(c.nodesByName))
		c.lastStatus = status
		signal := wire.NewSignal(wire.KindFleetStatus, wire.StatusArgs{Status: string(status)})
		for _, mon := range c.monitors {
			mon.broadcast(signal)
		}
	}
}

// Status returns the current fleet status.
func (c *ControllerCore) Status() FleetStatus {
	var s FleetStatus
	c.do(func() { s = c.lastStatus })
	return s
}

// --- public fleet API (spec §4.1, §6) ---

// NodeSummary is one ListNodes row (spec §4.1).
type NodeSummary struct {
	Name   string
	Status NodeState
	PeerIP string
}

// ListNodes returns a synchronous snapshot of the in-memory registry.
func (c *ControllerCore) ListNodes() []NodeSummary {
	var out []NodeSummary
	c.do(func() {
		for name, n := range c.nodesByName {
			out = append(out, NodeSummary{Name: name, Status: n.State, PeerIP: n.PeerIP})
		}
	})
	return out
}

// GetNode returns the object path for a named node, or ErrServiceUnknown.
func (c *ControllerCore) GetNode(name string) (string, error) {
	var found bool
	c.do(func() { _, found = c.nodesByName[name] })
	if !found {
		return "", wire.NewError(wire.ErrServiceUnknown, "unknown node %q", name)
	}
	return "/org/bluechi/node/" + name, nil
}

// SetLogLevel validates and applies a new log level (spec §4.1, §4.2).
func (c *ControllerCore) SetLogLevel(level string) error {
	switch level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return wire.NewError(wire.ErrInvalidArgs, "invalid log level %q", level)
	}
	c.cfg.LogLevel = level
	return nil
}

// EnableMetrics turns on metrics recording fleet-wide and pushes the
// toggle to every online node (spec §4.2 step 5, §6 "EnableMetrics").
func (c *ControllerCore) EnableMetrics() {
	c.mx.Enable()
	c.do(func() {
		for _, n := range c.nodesByName {
			if n.Online() {
				n.signal(wire.NewSignal(wire.KindEnableMetrics, nil))
			}
		}
	})
}

// DisableMetrics turns off metrics recording fleet-wide.
func (c *ControllerCore) DisableMetrics() {
	c.mx.Disable()
	c.do(func() {
		for _, n := range c.nodesByName {
			if n.Online() {
				n.signal(wire.NewSignal(wire.KindDisableMetrics, nil))
			}
		}
	})
}

// callNode dispatches a request to the named node's agent and waits
// for the reply or ctx cancellation (spec §5 "Suspension points").
func (c *ControllerCore) callNode(ctx context.Context, name string, kind wire.Kind, args interface{}) (*wire.Envelope, error) {
	var req *AgentRequest
	var sendErr error
	c.do(func() {
		node, ok := c.nodesByName[name]
		if !ok {
			sendErr = wire.NewError(wire.ErrServiceUnknown, "unknown node %q", name)
			return
		}
		if !node.Online() {
			sendErr = wire.NewError(wire.ErrShutdown, "node %q is not online", name)
			return
		}
		req, sendErr = node.send(wire.NewRequest(kind, 0, args))
	})
	if sendErr != nil {
		return nil, sendErr
	}
	select {
	case env := <-req.reply:
		if env.Err != nil {
			return env, env.Err
		}
		return env, nil
	case <-ctx.Done():
		c.do(func() { req.cancel() })
		return nil, ctx.Err()
	}
}

// ListUnits fans out to every online node; per-node errors are
// surfaced only if every node fails (spec §4.1 "ListUnits").
func (c *ControllerCore) ListUnits(ctx context.Context) (map[string][]wire.UnitInfo, error) {
	names := c.onlineNodeNames()
	type result struct {
		name  string
		units []wire.UnitInfo
		err   error
	}
	resCh := make(chan result, len(names))
	for _, name := range names {
		go func(name string) {
			env, err := c.callNode(ctx, name, wire.KindListUnits, nil)
			if err != nil {
				resCh <- result{name: name, err: err}
				return
			}
			var units []wire.UnitInfo
			env.Decode(&units)
			resCh <- result{name: name, units: units}
		}(name)
	}
	out := make(map[string][]wire.UnitInfo, len(names))
	failures := 0
	for range names {
		r := <-resCh
		if r.err != nil {
			failures++
			continue
		}
		out[r.name] = r.units
	}
	if len(names) > 0 && failures == len(names) {
		return nil, wire.NewError(wire.ErrFailed, "ListUnits failed on every node")
	}
	return out, nil
}

// ListUnitFiles fans out the same way as ListUnits (spec §4.1).
func (c *ControllerCore) ListUnitFiles(ctx context.Context) (map[string][]wire.UnitFileInfo, error) {
	names := c.onlineNodeNames()
	type result struct {
		name  string
		files []wire.UnitFileInfo
		err   error
	}
	resCh := make(chan result, len(names))
	for _, name := range names {
		go func(name string) {
			env, err := c.callNode(ctx, name, wire.KindListUnitFiles, nil)
			if err != nil {
				resCh <- result{name: name, err: err}
				return
			}
			var files []wire.UnitFileInfo
			env.Decode(&files)
			resCh <- result{name: name, files: files}
		}(name)
	}
	out := make(map[string][]wire.UnitFileInfo, len(names))
	failures := 0
	for range names {
		r := <-resCh
		if r.err != nil {
			failures++
			continue
		}
		out[r.name] = r.files
	}
	if len(names) > 0 && failures == len(names) {
		return nil, wire.NewError(wire.ErrFailed, "ListUnitFiles failed on every node")
	}
	return out, nil
}

func (c *ControllerCore) onlineNodeNames() []string {
	var names []string
	c.do(func() {
		for name, n := range c.nodesByName {
			if n.Online() {
				names = append(names, name)
			}
		}
	})
	return names
}

// StartUnit/StopUnit/RestartUnit/ReloadUnit implement spec §4.2's
// "Lifecycle pass-through": create a Job, dispatch to the Agent, and
// on success add the Job to the registry and return its path.
func (c *ControllerCore) StartUnit(ctx context.Context, node, unit, mode string) (string, error) {
	_, path, err := c.lifecycleOp(ctx, node, unit, mode, JobStart, wire.KindStartUnit)
	return path, err
}

func (c *ControllerCore) StopUnit(ctx context.Context, node, unit, mode string) (string, error) {
	_, path, err := c.lifecycleOp(ctx, node, unit, mode, JobStop, wire.KindStopUnit)
	return path, err
}

func (c *ControllerCore) RestartUnit(ctx context.Context, node, unit, mode string) (string, error) {
	_, path, err := c.lifecycleOp(ctx, node, unit, mode, JobRestart, wire.KindRestartUnit)
	return path, err
}

func (c *ControllerCore) ReloadUnit(ctx context.Context, node, unit, mode string) (string, error) {
	_, path, err := c.lifecycleOp(ctx, node, unit, mode, JobReload, wire.KindReloadUnit)
	return path, err
}

// lifecycleOp also returns the allocated JobID (in addition to the
// bus path every exported wrapper above returns), which clientapi.go
// needs to call SetJobOwner without having to parse the id back out
// of the path string.
func (c *ControllerCore) lifecycleOp(ctx context.Context, nodeName, unit, mode string, typ JobType, kind wire.Kind) (JobID, string, error) {
	var jobID JobID
	c.do(func() { jobID = c.ids.allocJob() })

	args := wire.UnitLifecycleArgs{Unit: unit, Mode: mode, JobID: uint32(jobID)}
	env, err := c.callNode(ctx, nodeName, kind, args)
	if err != nil {
		// spec §4.4: error before the Job was added to the registry ->
		// client gets the error verbatim, the Job is discarded unused.
		return 0, "", err
	}
	_ = env

	var path string
	c.do(func() {
		job := newJob(jobID, nodeName, unit, typ, clock.MonotonicMicros(c.clock))
		c.jobs[jobID] = job
		if n, ok := c.nodesByName[nodeName]; ok {
			n.Jobs[jobID] = job
		}
		if c.mx.Enabled() {
			c.mx.JobsActive.Set(float64(len(c.jobs)))
		}
		path = job.ObjectPath()
	})
	return jobID, path, nil
}

// SetJobOwner records which client-bus connection should receive
// JobStateChanged/JobDone signals for id, best-effort: a Job that
// finishes in the narrow window between lifecycleOp returning and this
// call lands simply delivers no signal, the same as if the client had
// never subscribed (the job path and its terminal Job.State remain the
// authoritative record either way).
func (c *ControllerCore) SetJobOwner(id JobID, conn *clientbus.Conn) {
	c.do(func() {
		if job, ok := c.jobs[id]; ok {
			job.Owner = conn
		}
	})
}

func (c *ControllerCore) handleJobStateChanged(node *NodeHandle, env *wire.Envelope) {
	var args wire.JobStateChangedArgs
	env.Decode(&args)
	job, ok := c.jobs[JobID(args.ID)]
	if !ok {
		return
	}
	job.State = JobState(args.State)
	if job.Owner != nil {
		job.Owner.Send(wire.NewSignal(wire.KindJobEvent, wire.JobEventArgs{ID: args.ID, State: args.State}))
	}
}

func (c *ControllerCore) handleJobDone(node *NodeHandle, env *wire.Envelope) {
	var args wire.JobDoneArgs
	env.Decode(&args)
	job, ok := c.jobs[JobID(args.ID)]
	if !ok {
		return
	}
	delete(node.Jobs, job.ID)
	c.finishJob(job, args.Result)
}

// finishJob removes job from the registry and records its terminal
// result (spec §4.4 "controller_finish_job"). Must run on the event loop.
func (c *ControllerCore) finishJob(job *Job, result string) {
	job.State = JobDone
	job.EndMicros = clock.MonotonicMicros(c.clock)
	delete(c.jobs, job.ID)
	if c.mx.Enabled() {
		c.mx.JobsActive.Set(float64(len(c.jobs)))
		c.mx.ObserveJobDone(result, float64(job.EndMicros-job.StartMicros)/1e6)
	}
	if job.Owner != nil {
		job.Owner.Send(wire.NewSignal(wire.KindJobEvent, wire.JobEventArgs{ID: uint32(job.ID), Result: result, Done: true}))
	}
	c.log.Printf("job %d (%s %s on %s) finished: %s", job.ID, job.Type, job.Unit, job.Node, result)
}

// CancelJob forwards JobCancel to the Agent; the client gets an
// immediate ack regardless of the Agent's response (spec §4.4 "Cancel").
func (c *ControllerCore) CancelJob(id JobID) {
	var node *NodeHandle
	c.do(func() {
		job, ok := c.jobs[id]
		if !ok {
			return
		}
		node = c.nodesByName[job.Node]
	})
	if node == nil || !node.Online() {
		return
	}
	node.signal(wire.NewSignal(wire.KindJobCancel, wire.JobCancelArgs{ID: uint32(id)}))
}

// --- Monitor/Subscription public API (spec §4.5, §6) ---

// CreateMonitor creates a Monitor owned by conn.
func (c *ControllerCore) CreateMonitor(conn *clientbus.Conn) MonitorID {
	var id MonitorID
	c.do(func() {
		id = c.ids.allocMonitor()
		c.monitors[id] = newMonitor(id, conn)
	})
	return id
}

// CloseMonitor implements Monitor.Close (spec §3 "closed explicitly by
// Close or implicitly when the owner disconnects").
func (c *ControllerCore) CloseMonitor(id MonitorID) {
	c.do(func() { c.closeMonitorLocked(id) })
}

func (c *ControllerCore) closeMonitorLocked(id MonitorID) {
	mon, ok := c.monitors[id]
	if !ok || mon.closed {
		return
	}
	mon.closed = true
	for subID, sub := range mon.Subscriptions {
		c.removeSubscriptionLocked(subID, sub)
	}
	delete(c.monitors, id)
}

// OnOwnerDisconnect closes every Monitor owned by conn (spec §4.5
// "Owner disconnect").
func (c *ControllerCore) OnOwnerDisconnect(conn *clientbus.Conn) {
	c.post(func() {
		for id, mon := range c.monitors {
			if mon.Owner == conn {
				c.closeMonitorLocked(id)
			}
		}
	})
}

// SubscribeList adds a subscription for one or more units on node
// (spec §4.5 "Adding a subscription"). node may be WildcardNode.
// makeCB receives the newly allocated id, since a caller that wants to
// stamp its subscription id onto outgoing events (e.g. the client-bus
// dispatcher's MonitorEventArgs.Subscription) can't know it beforehand.
func (c *ControllerCore) SubscribeList(monitorID MonitorID, node string, units []string, makeCB func(SubscriptionID) SubscriptionCallbacks) (SubscriptionID, error) {
	var id SubscriptionID
	var subErr error
	c.do(func() {
		mon, ok := c.monitors[monitorID]
		if !ok {
			subErr = wire.NewError(wire.ErrNotFound, "unknown monitor")
			return
		}
		id = c.ids.allocSub()
		sub := newSubscription(id, monitorID, node, units)
		sub.Callbacks = makeCB(id)
		c.subscriptions[id] = sub
		mon.Subscriptions[id] = sub

		if node == WildcardNode {
			for name, n := range c.nodesByName {
				if n.Online() {
					c.indexSubscriptionOnNode(n, sub)
				}
				_ = name
			}
		} else if n, ok := c.nodesByName[node]; ok {
			c.indexSubscriptionOnNode(n, sub)
		} else {
			c.log.Printf("subscription %d targets unknown node %q", id, node)
		}
		if c.mx.Enabled() {
			c.mx.SubscriptionsLive.Set(float64(len(c.subscriptions)))
		}
	})
	return id, subErr
}

// Subscribe is SubscribeList for a single unit (spec §6 "Subscribe(node, unit) -> id").
func (c *ControllerCore) Subscribe(monitorID MonitorID, node, unit string) (SubscriptionID, error) {
	return c.SubscribeList(monitorID, node, []string{unit}, func(SubscriptionID) SubscriptionCallbacks { return SubscriptionCallbacks{} })
}

// indexSubscriptionOnNode wires sub into n's per-unit map, sending
// Subscribe(unit) to the agent the first time a unit entry is created,
// and synthesizing a late-subscribe snapshot if already known (spec
// §4.5 "Adding a subscription").
func (c *ControllerCore) indexSubscriptionOnNode(n *NodeHandle, sub *Subscription) {
	units := []string{}
	if sub.Units[WildcardUnit] {
		units = append(units, WildcardUnit)
	} else {
		for u := range sub.Units {
			units = append(units, u)
		}
	}
	for _, unit := range units {
		state, existed := n.Units[unit]
		if !existed {
			state = newUnitSubscriptionState()
			n.Units[unit] = state
			if n.Online() {
				n.signal(wire.NewSignal(wire.KindSubscribe, wire.SubscribeArgs{Unit: unit}))
			}
		}
		state.Subs[sub.ID] = true

		if existed && state.Loaded {
			c.invokeCallback(sub, n.Name, unit, func(cb SubscriptionCallbacks) {
				if cb.OnNew != nil {
					cb.OnNew(n.Name, unit, wire.ReasonVirtual)
				}
				if cb.OnStateChanged != nil {
					cb.OnStateChanged(n.Name, unit, state.Active, state.Sub, wire.ReasonVirtual)
				}
			})
		}
	}
}

// Unsubscribe removes a subscription; tolerant of an absent id (spec
// §9 "Unsubscribe is best-effort").
func (c *ControllerCore) Unsubscribe(id SubscriptionID) {
	c.do(func() {
		sub, ok := c.subscriptions[id]
		if !ok {
			return
		}
		if mon, ok := c.monitors[sub.Monitor]; ok {
			delete(mon.Subscriptions, id)
		}
		c.removeSubscriptionLocked(id, sub)
	})
}

func (c *ControllerCore) removeSubscriptionLocked(id SubscriptionID, sub *Subscription) {
	delete(c.subscriptions, id)
	if sub.Node == WildcardNode {
		for _, n := range c.nodesByName {
			c.unindexFromNode(n, sub)
		}
	} else if n, ok := c.nodesByName[sub.Node]; ok {
		c.unindexFromNode(n, sub)
	}
	if c.mx.Enabled() {
		c.mx.SubscriptionsLive.Set(float64(len(c.subscriptions)))
	}
}

func (c *ControllerCore) unindexFromNode(n *NodeHandle, sub *Subscription) {
	for unit := range sub.Units {
		state, ok := n.Units[unit]
		if !ok {
			continue
		}
		delete(state.Subs, sub.ID)
		if len(state.Subs) == 0 {
			if n.Online() {
				n.signal(wire.NewSignal(wire.KindUnsubscribe, wire.SubscribeArgs{Unit: unit}))
			}
			delete(n.Units, unit)
		}
	}
}

// onNodeOnline adds every wildcard-target subscription to the newly
// registered node (spec §4.5 "Wildcard node subscription ... to any
// future node on registration").
func (c *ControllerCore) onNodeOnline(n *NodeHandle) {
	for _, sub := range c.subscriptions {
		if sub.Node == WildcardNode {
			c.indexSubscriptionOnNode(n, sub)
		}
	}
}

// AddPeer implements the Monitor API's AddPeer (spec §4.5 "Monitor peers").
func (c *ControllerCore) AddPeer(monitorID MonitorID, conn *clientbus.Conn) (uint64, error) {
	var id uint64
	var err error
	c.do(func() {
		mon, ok := c.monitors[monitorID]
		if !ok {
			err = wire.NewError(wire.ErrNotFound, "unknown monitor")
			return
		}
		id, err = mon.addPeer(conn)
	})
	return id, err
}

// RemovePeer implements the Monitor API's RemovePeer.
func (c *ControllerCore) RemovePeer(monitorID MonitorID, peerID uint64, reason string) {
	c.do(func() {
		if mon, ok := c.monitors[monitorID]; ok {
			mon.removePeer(peerID, reason)
		}
	})
}

// --- inbound unit event dispatch (spec §4.5 "Events delivered", "Deduplication") ---

func (c *ControllerCore) dispatchUnitNew(node, unit string, reason wire.UnitEventReason) {
	n, ok := c.nodesByName[node]
	if !ok {
		return
	}
	if state, ok := n.Units[unit]; ok {
		state.Loaded = true
	}
	c.deliverUnitNew(node, unit, reason)
}

func (c *ControllerCore) dispatchUnitRemoved(node, unit string, reason wire.UnitEventReason) {
	n, ok := c.nodesByName[node]
	if ok {
		if state, ok := n.Units[unit]; ok {
			state.Loaded = false
		}
	}
	c.deliverUnitRemoved(node, unit, reason)
}

func (c *ControllerCore) dispatchUnitStateChanged(node, unit, active, sub string, reason wire.UnitEventReason) {
	n, ok := c.nodesByName[node]
	if ok {
		if state, ok := n.Units[unit]; ok {
			state.Active = active
			state.Sub = sub
		}
	}
	c.deliverUnitStateChanged(node, unit, active, sub, reason)
}

func (c *ControllerCore) dispatchUnitPropertiesChanged(node, unit, iface string, props map[string]interface{}) {
	n, ok := c.nodesByName[node]
	if !ok {
		return
	}
	for _, subID := range c.interestedMonitorSubs(n, unit) {
		sub := c.subscriptions[subID]
		if sub == nil || !sub.matchesUnit(unit) {
			continue
		}
		if sub.Callbacks.OnPropertyChanged != nil {
			sub.Callbacks.OnPropertyChanged(node, unit, iface, props)
		}
	}
}

func (c *ControllerCore) deliverUnitNew(node, unit string, reason wire.UnitEventReason) {
	c.forEachInterestedSub(node, unit, func(sub *Subscription) {
		if sub.Callbacks.OnNew != nil {
			sub.Callbacks.OnNew(node, unit, reason)
		}
	})
}

func (c *ControllerCore) deliverUnitRemoved(node, unit string, reason wire.UnitEventReason) {
	c.forEachInterestedSub(node, unit, func(sub *Subscription) {
		if sub.Callbacks.OnRemoved != nil {
			sub.Callbacks.OnRemoved(node, unit, reason)
		}
	})
}

func (c *ControllerCore) deliverUnitStateChanged(node, unit, active, sub string, reason wire.UnitEventReason) {
	c.forEachInterestedSub(node, unit, func(s *Subscription) {
		if s.Callbacks.OnStateChanged != nil {
			s.Callbacks.OnStateChanged(node, unit, active, sub, reason)
		}
	})
}

// forEachInterestedSub implements spec §4.5's "Deduplication": the
// union of subscriptions naming this unit directly and those naming
// the wildcard unit, deduplicated by owning Monitor so a monitor with
// overlapping subscriptions is invoked exactly once. A node with only
// wildcard-unit subscribers and no entry for this specific unit in
// n.Units must still deliver -- interestedMonitorSubs handles that, so
// this must not early-return merely because n.Units[unit] is absent.
func (c *ControllerCore) forEachInterestedSub(node, unit string, fn func(*Subscription)) {
	n, ok := c.nodesByName[node]
	if !ok {
		return
	}
	// Dedup key: subscriptions that belong to a real Monitor (Monitor !=
	// 0) dedup by owning monitor id, so one monitor with overlapping
	// subscriptions fires exactly once (spec §4.5 "Deduplication").
	// ProxyMonitor-installed subscriptions carry Monitor == 0 and are
	// never deduped against each other -- each proxy dependency is an
	// independent listener, not a client aggregating multiple
	// subscriptions.
	seenMonitors := make(map[MonitorID]bool)
	for _, subID := range c.interestedMonitorSubs(n, unit) {
		sub := c.subscriptions[subID]
		if sub == nil || !sub.matchesUnit(unit) {
			continue
		}
		if sub.Monitor != 0 {
			if seenMonitors[sub.Monitor] {
				continue
			}
			seenMonitors[sub.Monitor] = true
		}
		fn(sub)
	}
}

// interestedMonitorSubs is the Go analogue of the original
// node_compile_unique_subscriptions: the union of subscription ids
// indexed under unit itself and those indexed under WildcardUnit,
// deduplicated by id (a subscription naming both could otherwise be
// returned twice).
func (c *ControllerCore) interestedMonitorSubs(n *NodeHandle, unit string) []SubscriptionID {
	seen := make(map[SubscriptionID]bool)
	ids := make([]SubscriptionID, 0)
	if state, ok := n.Units[unit]; ok {
		for id := range state.Subs {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if unit != WildcardUnit {
		if state, ok := n.Units[WildcardUnit]; ok {
			for id := range state.Subs {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}

func (c *ControllerCore) invokeCallback(sub *Subscription, node, unit string, fn func(SubscriptionCallbacks)) {
	fn(sub.Callbacks)
}
