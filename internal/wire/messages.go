// Package wire defines the Agent<->Controller and client<->bus message
// shapes, modeled on server/datamodel.go's ClientComMessage/
// ServerComMessage: one envelope struct carrying optional payloads,
// dispatched by a type switch the way session.go's Session.dispatch
// switches on msg.Pub/msg.Sub/msg.Leave/....
package wire

import "encoding/json"

// Kind identifies which of the §6 operations/signals an Envelope carries.
type Kind string

// Agent -> Controller
const (
	KindRegister  Kind = "Register"
	KindHeartbeat Kind = "Heartbeat"
	KindJobDone   Kind = "JobDone"
	KindJobState  Kind = "JobStateChanged"
	KindUnitNew   Kind = "UnitNew"
	KindUnitGone  Kind = "UnitRemoved"
	KindUnitState Kind = "UnitStateChanged"
	KindUnitProps Kind = "UnitPropertiesChanged"
	KindProxyNew  Kind = "ProxyNew"
	KindProxyGone Kind = "ProxyRemoved"
)

// Controller -> Agent
const (
	KindStartUnit      Kind = "StartUnit"
	KindStopUnit       Kind = "StopUnit"
	KindRestartUnit    Kind = "RestartUnit"
	KindReloadUnit     Kind = "ReloadUnit"
	KindGetUnitProp    Kind = "GetUnitProperty"
	KindGetUnitProps   Kind = "GetUnitProperties"
	KindSetUnitProps   Kind = "SetUnitProperties"
	KindFreezeUnit     Kind = "FreezeUnit"
	KindThawUnit       Kind = "ThawUnit"
	KindEnableUnits    Kind = "EnableUnitFiles"
	KindDisableUnits   Kind = "DisableUnitFiles"
	KindReload         Kind = "Reload"
	KindListUnits      Kind = "ListUnits"
	KindListUnitFiles  Kind = "ListUnitFiles"
	KindSetLogLevel    Kind = "SetLogLevel"
	KindSubscribe      Kind = "Subscribe"
	KindUnsubscribe    Kind = "Unsubscribe"
	KindStartDep       Kind = "StartDep"
	KindStopDep        Kind = "StopDep"
	KindEnableMetrics  Kind = "EnableMetrics"
	KindDisableMetrics Kind = "DisableMetrics"
	KindJobCancel      Kind = "JobCancel"
)

// On the ProxyService object path, Controller -> Agent
const (
	KindTargetNew          Kind = "TargetNew"
	KindTargetStateChanged Kind = "TargetStateChanged"
	KindTargetRemoved      Kind = "TargetRemoved"
	KindProxyError         Kind = "Error"
)

// Host-local client -> Agent, bluechi-proxy's entry points (spec §4.6
// "Agent side"): these have no Controller-facing counterpart at all,
// since CreateProxy/RemoveProxy are purely local to the node running
// the proxied service.
const (
	KindCreateProxy Kind = "CreateProxy"
	KindRemoveProxy Kind = "RemoveProxy"
)

// Client -> Controller, the public fleet API (spec §6). Operations
// that already have an Agent-facing Kind above (ListUnits, StartUnit,
// GetUnitProperty, SetLogLevel, EnableMetrics, ...) reuse that same
// Kind here, with a Client*Args payload carrying the extra Node field
// a remote client must name explicitly; the Controller's client-bus
// dispatcher (clientapi.go) is a separate switch from the Agent-facing
// one in core.go; only the Monitor/Subscription/Job operations that
// have no Agent-facing counterpart at all get their own Kind below.
const (
	KindCListNodes      Kind = "ListNodes"
	KindCGetNode        Kind = "GetNode"
	KindCCreateMonitor  Kind = "CreateMonitor"
	KindCCloseMonitor   Kind = "CloseMonitor"
	KindCSubscribe      Kind = "MonitorSubscribe"
	KindCSubscribeList  Kind = "MonitorSubscribeList"
	KindCUnsubscribe    Kind = "MonitorUnsubscribe"
	KindCAddPeer        Kind = "MonitorAddPeer"
	KindCRemovePeer     Kind = "MonitorRemovePeer"
	KindCCancelJob       Kind = "CancelJob"
	KindCStatus          Kind = "Status"
	KindCSetLogLevelAll  Kind = "SetLogLevelAllNodes"
)

// Controller -> Client, pushed on a Monitor's owner/peer connections
// (spec §4.5 "Events delivered", §4.4 Job lifecycle on the public bus).
const (
	KindMonitorEvent Kind = "MonitorEvent"
	KindJobEvent     Kind = "JobEvent"
	KindFleetStatus  Kind = "FleetStatus"
)

// Envelope is one frame on the wire: either a method call (ID set,
// awaits a Reply envelope with matching ReplyTo), a fire-and-forget
// signal (ID unset), or a reply (ReplyTo set).
type Envelope struct {
	Kind    Kind            `json:"kind"`
	ID      uint64          `json:"id,omitempty"`
	ReplyTo uint64          `json:"reply_to,omitempty"`
	Path    string          `json:"path,omitempty"` // object path, e.g. a ProxyService or Job path
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     *Error          `json:"err,omitempty"`
}

// IsRequest reports whether this envelope expects a reply.
func (e *Envelope) IsRequest() bool { return e.ID != 0 && e.ReplyTo == 0 }

// IsReply reports whether this envelope is a response to an earlier request.
func (e *Envelope) IsReply() bool { return e.ReplyTo != 0 }

// Decode unmarshals the envelope's payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// NewSignal builds a fire-and-forget envelope carrying v as payload.
func NewSignal(kind Kind, v interface{}) *Envelope {
	raw, _ := json.Marshal(v)
	return &Envelope{Kind: kind, Payload: raw}
}

// NewRequest builds a method-call envelope awaiting a reply on id.
func NewRequest(kind Kind, id uint64, v interface{}) *Envelope {
	raw, _ := json.Marshal(v)
	return &Envelope{Kind: kind, ID: id, Payload: raw}
}

// NewReply builds a reply envelope to request id, with optional error.
func NewReply(id uint64, v interface{}, err *Error) *Envelope {
	raw, _ := json.Marshal(v)
	return &Envelope{ReplyTo: id, Payload: raw, Err: err}
}

// --- payload types, one per Kind above ---

// RegisterArgs is the Agent->Controller Register(name) call (spec §4.2).
// SecurityContext stands in for "the transport's reported credentials"
// (spec §4.2 step 3) since the wire format itself is abstracted away
// from any particular transport's peer-credential mechanism; a real
// TLS or SO_PEERCRED-backed transport would populate this from the
// handshake instead of trusting the caller.
type RegisterArgs struct {
	Name            string `json:"name"`
	SecurityContext string `json:"security_context,omitempty"`
}

// UnitLifecycleArgs covers StartUnit/StopUnit/RestartUnit/ReloadUnit
// (wire signature "ssu": unit, mode, job-id -- spec §6 table).
type UnitLifecycleArgs struct {
	Unit  string `json:"unit"`
	Mode  string `json:"mode"`
	JobID uint32 `json:"job_id"`
}

// JobDoneArgs is the Agent->Controller terminal job signal.
type JobDoneArgs struct {
	ID     uint32 `json:"id"`
	Result string `json:"result"`
}

// JobStateChangedArgs is the Agent->Controller mid-lifecycle signal.
type JobStateChangedArgs struct {
	ID    uint32 `json:"id"`
	State string `json:"state"`
}

// JobCancelArgs cancels a job by controller-assigned id.
type JobCancelArgs struct {
	ID uint32 `json:"id"`
}

// UnitEventReason distinguishes systemd-originated events from
// Controller/Agent-synthesized ones (spec §4.5 "Events delivered").
type UnitEventReason string

const (
	ReasonReal         UnitEventReason = "real"
	ReasonVirtual      UnitEventReason = "virtual"
	ReasonAgentOffline UnitEventReason = "agent-offline"
)

// UnitNewArgs/UnitRemovedArgs carry the unit name and an event reason.
// ObjectPath may be empty for a wildcard-subscription virtual event
// (spec §9 Open Questions: "fabricated empty object path").
type UnitNewArgs struct {
	Unit       string          `json:"unit"`
	ObjectPath string          `json:"object_path,omitempty"`
	Reason     UnitEventReason `json:"reason"`
}

type UnitRemovedArgs struct {
	Unit   string          `json:"unit"`
	Reason UnitEventReason `json:"reason"`
}

// UnitStateChangedArgs is the wire "ssss": unit, active, sub, reason.
type UnitStateChangedArgs struct {
	Unit   string          `json:"unit"`
	Active string          `json:"active"`
	Sub    string          `json:"sub"`
	Reason UnitEventReason `json:"reason"`
}

// UnitPropertiesChangedArgs is the wire "ssa{sv}": unit, interface, properties.
type UnitPropertiesChangedArgs struct {
	Unit       string                 `json:"unit"`
	Interface  string                 `json:"interface"`
	Properties map[string]interface{} `json:"properties"`
}

// SubscribeArgs/UnsubscribeArgs name a unit, or "*" for wildcard (spec §4.3).
type SubscribeArgs struct {
	Unit string `json:"unit"`
}

// DepArgs names the target unit for StartDep/StopDep (spec §4.3, §4.6).
type DepArgs struct {
	Unit string `json:"unit"`
}

// ProxyNewArgs is the wire "sso": node, unit, proxy object path.
type ProxyNewArgs struct {
	Node string `json:"node"`
	Unit string `json:"unit"`
	Path string `json:"path"`
}

// ProxyRemovedArgs is the wire "ss": node, unit.
type ProxyRemovedArgs struct {
	Node string `json:"node"`
	Unit string `json:"unit"`
}

// TargetStateChangedArgs is delivered Controller->Agent on the
// ProxyService object path (spec §4.6 state machine).
type TargetStateChangedArgs struct {
	Active string          `json:"active"`
	Sub    string          `json:"sub"`
	Reason UnitEventReason `json:"reason"`
}

type TargetRemovedArgs struct {
	Reason UnitEventReason `json:"reason"`
}

type ProxyErrorArgs struct {
	Message string `json:"message"`
}

// UnitInfo is one row of a ListUnits reply (spec §3 "UnitInfo").
type UnitInfo struct {
	Unit       string `json:"unit"`
	ObjectPath string `json:"object_path"`
	Loaded     bool   `json:"loaded"`
	Active     string `json:"active"`
	Sub        string `json:"sub"`
}

// UnitFileInfo is one row of a ListUnitFiles reply.
type UnitFileInfo struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// GetUnitPropertyArgs/SetUnitPropertiesArgs cover the pass-through
// property-access operations (spec §4.2 "Pass-through operations").
type GetUnitPropertyArgs struct {
	Unit     string `json:"unit"`
	Property string `json:"property"`
}

type SetUnitPropertiesArgs struct {
	Unit       string                 `json:"unit"`
	Properties map[string]interface{} `json:"properties"`
}

// UnitFilesArgs covers EnableUnitFiles/DisableUnitFiles.
type UnitFilesArgs struct {
	Units   []string `json:"units"`
	Runtime bool     `json:"runtime"`
	Force   bool     `json:"force"`
}

// SetLogLevelArgs carries the requested level string (spec §4.2).
type SetLogLevelArgs struct {
	Level string `json:"level"`
}

// --- Client -> Controller public fleet API payloads (spec §6) ---

// NodeArgs names the target node for a client op that otherwise
// carries no other arguments (e.g. GetNode, Reload).
type NodeArgs struct {
	Node string `json:"node"`
}

// NodeSummaryInfo is one ListNodes row.
type NodeSummaryInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	PeerIP string `json:"peer_ip,omitempty"`
}

// ClientUnitLifecycleArgs is StartUnit/StopUnit/RestartUnit/ReloadUnit
// as issued by a client, which (unlike an Agent op) must name the
// target node explicitly.
type ClientUnitLifecycleArgs struct {
	Node string `json:"node"`
	Unit string `json:"unit"`
	Mode string `json:"mode"`
}

// ClientUnitPropertyArgs/ClientSetUnitPropertiesArgs mirror
// GetUnitPropertyArgs/SetUnitPropertiesArgs with an added Node field.
type ClientUnitPropertyArgs struct {
	Node     string `json:"node"`
	Unit     string `json:"unit"`
	Property string `json:"property,omitempty"`
}

type ClientSetUnitPropertiesArgs struct {
	Node       string                 `json:"node"`
	Unit       string                 `json:"unit"`
	Properties map[string]interface{} `json:"properties"`
}

// ClientSimpleUnitArgs covers FreezeUnit/ThawUnit as issued by a client.
type ClientSimpleUnitArgs struct {
	Node string `json:"node"`
	Unit string `json:"unit"`
}

// ClientUnitFilesArgs mirrors UnitFilesArgs with an added Node field.
type ClientUnitFilesArgs struct {
	Node    string   `json:"node"`
	Units   []string `json:"units"`
	Runtime bool     `json:"runtime"`
	Force   bool     `json:"force"`
}

// CancelJobArgs names a Job by its controller-assigned id.
type CancelJobArgs struct {
	ID uint32 `json:"id"`
}

// CreateMonitorReply carries the newly allocated Monitor's bus-visible id.
type CreateMonitorReply struct {
	ID uint64 `json:"id"`
}

// CloseMonitorArgs/SubscribeArgs(client)/UnsubscribeArgs(client) name a
// Monitor and, where relevant, its target node/units.
type CloseMonitorArgs struct {
	Monitor uint64 `json:"monitor"`
}

// MonitorSubscribeArgs is Monitor.Subscribe/SubscribeList: Units with a
// single entry is Subscribe, more than one (or the wildcard) is
// SubscribeList (spec §6).
type MonitorSubscribeArgs struct {
	Monitor uint64   `json:"monitor"`
	Node    string   `json:"node"`
	Units   []string `json:"units"`
}

// MonitorSubscribeReply carries the new Subscription's bus-visible id.
type MonitorSubscribeReply struct {
	ID uint64 `json:"id"`
}

type MonitorUnsubscribeArgs struct {
	ID uint64 `json:"id"`
}

type MonitorAddPeerArgs struct {
	Monitor uint64 `json:"monitor"`
}

type MonitorAddPeerReply struct {
	ID uint64 `json:"id"`
}

type MonitorRemovePeerArgs struct {
	Monitor uint64 `json:"monitor"`
	PeerID  uint64 `json:"peer_id"`
	Reason  string `json:"reason,omitempty"`
}

// MonitorEventArgs is the signal shape delivered to a Monitor's owner
// and peers for OnNew/OnRemoved/OnStateChanged/OnPropertyChanged,
// distinguished by EventKind (spec §3 "Subscription" callback vtable,
// rendered onto the wire since a remote client has no Go callback to
// register -- it gets pushed signals on its websocket connection
// instead, one MonitorEvent per callback invocation).
type MonitorEventArgs struct {
	Monitor    uint64                 `json:"monitor"`
	Subscription uint64               `json:"subscription"`
	EventKind  string                 `json:"event"` // "new", "removed", "state_changed", "properties_changed"
	Node       string                 `json:"node"`
	Unit       string                 `json:"unit"`
	Active     string                 `json:"active,omitempty"`
	Sub        string                 `json:"sub,omitempty"`
	Interface  string                 `json:"interface,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Reason     UnitEventReason        `json:"reason,omitempty"`
}

// JobEventArgs is the signal shape delivered to a Job's owning client
// for JobStateChanged/JobDone on the public bus (spec §4.4).
type JobEventArgs struct {
	ID     uint32 `json:"id"`
	State  string `json:"state,omitempty"`
	Result string `json:"result,omitempty"`
	Done   bool   `json:"done"`
}

// StatusArgs is the fleet-wide status signal delivered on a boundary
// crossing (spec §4.1 "status derivation").
type StatusArgs struct {
	Status string `json:"status"`
}

// CreateProxyArgs/RemoveProxyArgs are bluechi-proxy's local-bus
// requests to its own Agent (spec §4.6).
type CreateProxyArgs struct {
	LocalService string `json:"local_service"`
	Node         string `json:"node"`
	Unit         string `json:"unit"`
}

type RemoveProxyArgs struct {
	Path string `json:"path"`
}

// SetLogLevelAllReply carries one result per node SetLogLevelAll fanned
// out to: each value is that node's error message, empty on success
// (SPEC_FULL.md Supplemented Features #2).
type SetLogLevelAllReply struct {
	Results map[string]string `json:"results"`
}
