// Package systemd abstracts the Agent's local systemd connection
// behind a small interface, so AgentCore can be driven by either the
// real coreos/go-systemd/v22/dbus client or an in-memory Fake in
// tests -- the teacher has no systemd-shaped file to ground this on
// (it talks to Postgres/Mongo/RethinkDB/Firebase instead), so the
// adapter interface itself is our own, but the underlying client is
// adopted wholesale from gravitational-teleport/go.mod, which
// requires coreos/go-systemd/v22 directly.
package systemd

import "context"

// UnitStatus mirrors the subset of go-systemd/dbus.UnitStatus that
// AgentCore's unit-info cache needs (spec §3 "UnitInfo", §4.3 "Unit
// cache and subscription").
type UnitStatus struct {
	Name        string
	ActiveState string
	SubState    string
	ObjectPath  string
}

// JobEvent is a systemd JobRemoved signal, carrying the job's object
// path and its terminal result (spec §4.3 "Job correlation table").
type JobEvent struct {
	JobPath string
	Result  string
}

// PropertiesChangedEvent is a systemd PropertiesChanged signal on a
// unit or job object path.
type PropertiesChangedEvent struct {
	ObjectPath string
	Interface  string
	Changed    map[string]interface{}
}

// UnitLifecycleEvent is a systemd UnitNew/UnitRemoved signal.
type UnitLifecycleEvent struct {
	ObjectPath string
	UnitName   string
	Removed    bool
}

// Adapter is everything AgentCore needs from the local systemd
// instance (spec §4.3's "(c) the systemd connection").
type Adapter interface {
	// ListUnits returns every currently loaded unit (spec §4.2 "ListUnits"
	// pass-through).
	ListUnits(ctx context.Context) ([]UnitStatus, error)
	// ListUnitFiles returns every known unit file and its enabled state.
	ListUnitFiles(ctx context.Context) ([]UnitFileStatus, error)

	// StartUnit/StopUnit/RestartUnit/ReloadUnit submit a systemd job and
	// return its object path immediately; completion arrives later on
	// the JobEvents channel (spec §4.3 "Job correlation table").
	StartUnit(ctx context.Context, name, mode string) (jobPath string, err error)
	StopUnit(ctx context.Context, name, mode string) (jobPath string, err error)
	RestartUnit(ctx context.Context, name, mode string) (jobPath string, err error)
	ReloadUnit(ctx context.Context, name, mode string) (jobPath string, err error)

	GetUnitProperty(ctx context.Context, name, property string) (interface{}, error)
	GetUnitProperties(ctx context.Context, name string) (map[string]interface{}, error)
	SetUnitProperties(ctx context.Context, name string, props map[string]interface{}) error

	FreezeUnit(ctx context.Context, name string) error
	ThawUnit(ctx context.Context, name string) error
	EnableUnitFiles(ctx context.Context, names []string, runtime, force bool) error
	DisableUnitFiles(ctx context.Context, names []string, runtime bool) error
	Reload(ctx context.Context) error

	// CancelJob asks systemd to cancel an in-flight job by the object
	// path StartUnit/StopUnit/RestartUnit/ReloadUnit returned (spec §4.4
	// "cancellation" -- Job.Cancel reaches systemd, not just a
	// controller-side bookkeeping ack).
	CancelJob(ctx context.Context, jobPath string) error

	// Subscribe arms the signal matches the Agent installs once at
	// startup (spec §4.3 "subscribes to systemd's unit/property/job
	// change signals via path-namespaced matches").
	Subscribe(ctx context.Context) error
	UnitEvents() <-chan UnitLifecycleEvent
	PropertiesChanged() <-chan PropertiesChangedEvent
	JobEvents() <-chan JobEvent

	Close() error
}

// UnitFileStatus is one ListUnitFiles row.
type UnitFileStatus struct {
	Name  string
	State string
}
