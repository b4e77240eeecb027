package systemd

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Adapter used by agent package tests, standing
// in for a real dbus connection the way the controller package's
// tests stand in an Agent with a net.Pipe()-backed fakeAgent.
type Fake struct {
	mu        sync.Mutex
	units     map[string]*UnitStatus
	files     map[string]string
	props     map[string]map[string]interface{}
	jobSeq    uint64
	unitEvt   chan UnitLifecycleEvent
	propEvt   chan PropertiesChangedEvent
	jobEvt    chan JobEvent
	autoStart bool // when true, StartUnit/etc immediately complete the job
}

// NewFake returns an empty Fake. Call Seed to preload units.
func NewFake() *Fake {
	return &Fake{
		units:   make(map[string]*UnitStatus),
		files:   make(map[string]string),
		props:   make(map[string]map[string]interface{}),
		unitEvt: make(chan UnitLifecycleEvent, 32),
		propEvt: make(chan PropertiesChangedEvent, 32),
		jobEvt:  make(chan JobEvent, 32),
	}
}

// Seed installs a loaded unit with the given active/sub state, firing
// a UnitNew event as a real systemd instance would on its own "new
// unit appeared" signal.
func (f *Fake) Seed(name, active, sub string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := "/org/freedesktop/systemd1/unit/" + name
	f.units[name] = &UnitStatus{Name: name, ActiveState: active, SubState: sub, ObjectPath: path}
	f.unitEvt <- UnitLifecycleEvent{ObjectPath: path, UnitName: name}
}

// SetAutoCompleteJobs makes Start/Stop/Restart/ReloadUnit synchronously
// deliver a JobEvent{Result: "done"} instead of requiring the test to
// call InjectJobEvent explicitly.
func (f *Fake) SetAutoCompleteJobs(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoStart = v
}

func (f *Fake) ListUnits(ctx context.Context) ([]UnitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]UnitStatus, 0, len(f.units))
	for _, u := range f.units {
		out = append(out, *u)
	}
	return out, nil
}

func (f *Fake) ListUnitFiles(ctx context.Context) ([]UnitFileStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]UnitFileStatus, 0, len(f.files))
	for n, s := range f.files {
		out = append(out, UnitFileStatus{Name: n, State: s})
	}
	return out, nil
}

func (f *Fake) submitJob(name string) string {
	f.mu.Lock()
	f.jobSeq++
	jobPath := fmt.Sprintf("/org/freedesktop/systemd1/job/%d", f.jobSeq)
	auto := f.autoStart
	f.mu.Unlock()
	if auto {
		f.jobEvt <- JobEvent{JobPath: jobPath, Result: "done"}
	}
	return jobPath
}

func (f *Fake) StartUnit(ctx context.Context, name, mode string) (string, error) {
	f.mu.Lock()
	u, ok := f.units[name]
	if !ok {
		u = &UnitStatus{Name: name, ObjectPath: "/org/freedesktop/systemd1/unit/" + name}
		f.units[name] = u
	}
	u.ActiveState, u.SubState = "active", "running"
	f.mu.Unlock()
	return f.submitJob(name), nil
}

func (f *Fake) StopUnit(ctx context.Context, name, mode string) (string, error) {
	f.mu.Lock()
	if u, ok := f.units[name]; ok {
		u.ActiveState, u.SubState = "inactive", "dead"
	}
	f.mu.Unlock()
	return f.submitJob(name), nil
}

func (f *Fake) RestartUnit(ctx context.Context, name, mode string) (string, error) {
	return f.submitJob(name), nil
}

func (f *Fake) ReloadUnit(ctx context.Context, name, mode string) (string, error) {
	return f.submitJob(name), nil
}

func (f *Fake) GetUnitProperty(ctx context.Context, name, property string) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.props[name]; ok {
		return p[property], nil
	}
	return nil, nil
}

func (f *Fake) GetUnitProperties(ctx context.Context, name string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]interface{})
	for k, v := range f.props[name] {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) SetUnitProperties(ctx context.Context, name string, props map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.props[name] == nil {
		f.props[name] = make(map[string]interface{})
	}
	for k, v := range props {
		f.props[name][k] = v
	}
	return nil
}

func (f *Fake) FreezeUnit(ctx context.Context, name string) error { return nil }
func (f *Fake) ThawUnit(ctx context.Context, name string) error   { return nil }

func (f *Fake) EnableUnitFiles(ctx context.Context, names []string, runtime, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.files[n] = "enabled"
	}
	return nil
}

func (f *Fake) DisableUnitFiles(ctx context.Context, names []string, runtime bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.files[n] = "disabled"
	}
	return nil
}

func (f *Fake) Reload(ctx context.Context) error { return nil }

// CancelJob delivers a JobEvent{Result: "canceled"} for jobPath, the
// way a real systemd CancelJob call eventually surfaces as a
// JobRemoved signal with a non-"done" result.
func (f *Fake) CancelJob(ctx context.Context, jobPath string) error {
	f.jobEvt <- JobEvent{JobPath: jobPath, Result: "canceled"}
	return nil
}

func (f *Fake) Subscribe(ctx context.Context) error { return nil }

func (f *Fake) UnitEvents() <-chan UnitLifecycleEvent        { return f.unitEvt }
func (f *Fake) PropertiesChanged() <-chan PropertiesChangedEvent { return f.propEvt }
func (f *Fake) JobEvents() <-chan JobEvent                   { return f.jobEvt }

// InjectJobEvent delivers a JobEvent as if systemd had emitted
// JobRemoved(path, result), for tests driving the job-tracker path.
func (f *Fake) InjectJobEvent(path, result string) {
	f.jobEvt <- JobEvent{JobPath: path, Result: result}
}

// RemoveUnit fires a UnitRemoved-shaped event for tests that exercise
// the GC sweep / UnitRemoved dispatch path.
func (f *Fake) RemoveUnit(name string) {
	f.mu.Lock()
	u, ok := f.units[name]
	if ok {
		delete(f.units, name)
	}
	f.mu.Unlock()
	if ok {
		f.unitEvt <- UnitLifecycleEvent{ObjectPath: u.ObjectPath, UnitName: name, Removed: true}
	}
}

func (f *Fake) Close() error { return nil }

var _ Adapter = (*Fake)(nil)
