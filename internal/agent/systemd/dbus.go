package systemd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	godbus "github.com/coreos/go-systemd/v22/dbus"
)

// DBusAdapter is the production Adapter, backed by coreos/go-systemd/v22/dbus
// (gravitational-teleport/go.mod's requirement), talking to the system
// systemd manager over D-Bus (spec §4.3 "(c) the systemd connection").
type DBusAdapter struct {
	conn *godbus.Conn

	unitEvt chan UnitLifecycleEvent
	propEvt chan PropertiesChangedEvent
	jobEvt  chan JobEvent

	subDone chan<- bool
	subErr  <-chan error
}

// Dial opens a system-bus connection to systemd's manager object.
func Dial(ctx context.Context) (*DBusAdapter, error) {
	conn, err := godbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("systemd: dial system bus: %w", err)
	}
	return &DBusAdapter{
		conn:    conn,
		unitEvt: make(chan UnitLifecycleEvent, 256),
		propEvt: make(chan PropertiesChangedEvent, 256),
		jobEvt:  make(chan JobEvent, 256),
	}, nil
}

func (a *DBusAdapter) ListUnits(ctx context.Context) ([]UnitStatus, error) {
	units, err := a.conn.ListUnitsContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]UnitStatus, 0, len(units))
	for _, u := range units {
		out = append(out, UnitStatus{
			Name:        u.Name,
			ActiveState: u.ActiveState,
			SubState:    u.SubState,
			ObjectPath:  string(u.Path),
		})
	}
	return out, nil
}

func (a *DBusAdapter) ListUnitFiles(ctx context.Context) ([]UnitFileStatus, error) {
	files, err := a.conn.ListUnitFilesContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]UnitFileStatus, 0, len(files))
	for _, f := range files {
		out = append(out, UnitFileStatus{Name: f.Path, State: f.Type})
	}
	return out, nil
}

func (a *DBusAdapter) StartUnit(ctx context.Context, name, mode string) (string, error) {
	ch := make(chan string, 1)
	_, jobPath, err := a.startLike(ctx, name, mode, ch, a.conn.StartUnitContext)
	return jobPath, err
}

func (a *DBusAdapter) StopUnit(ctx context.Context, name, mode string) (string, error) {
	ch := make(chan string, 1)
	_, jobPath, err := a.startLike(ctx, name, mode, ch, a.conn.StopUnitContext)
	return jobPath, err
}

func (a *DBusAdapter) RestartUnit(ctx context.Context, name, mode string) (string, error) {
	ch := make(chan string, 1)
	_, jobPath, err := a.startLike(ctx, name, mode, ch, a.conn.RestartUnitContext)
	return jobPath, err
}

func (a *DBusAdapter) ReloadUnit(ctx context.Context, name, mode string) (string, error) {
	ch := make(chan string, 1)
	_, jobPath, err := a.startLike(ctx, name, mode, ch, a.conn.ReloadOrRestartUnitContext)
	return jobPath, err
}

type jobStarter func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

// startLike submits a job via one of StartUnitContext/StopUnitContext/etc,
// which return a job id (int), not a path; go-systemd's job-id-to-path
// convention is "/org/freedesktop/systemd1/job/<id>" (spec §4.3 "Job
// correlation table" keys on this path). The per-call result channel is
// drained by a goroutine that republishes onto the adapter's single
// JobEvents stream, since AgentCore's jobtracker only wants to read from
// one channel regardless of how many jobs are outstanding.
func (a *DBusAdapter) startLike(ctx context.Context, name, mode string, ch chan string, starter jobStarter) (int, string, error) {
	id, err := starter(ctx, name, mode, ch)
	if err != nil {
		return 0, "", err
	}
	jobPath := fmt.Sprintf("/org/freedesktop/systemd1/job/%d", id)
	go func() {
		result, ok := <-ch
		if !ok {
			return
		}
		a.jobEvt <- JobEvent{JobPath: jobPath, Result: result}
	}()
	return id, jobPath, nil
}

func (a *DBusAdapter) GetUnitProperty(ctx context.Context, name, property string) (interface{}, error) {
	prop, err := a.conn.GetUnitPropertyContext(ctx, name, property)
	if err != nil {
		return nil, err
	}
	return prop.Value.Value(), nil
}

func (a *DBusAdapter) GetUnitProperties(ctx context.Context, name string) (map[string]interface{}, error) {
	return a.conn.GetUnitPropertiesContext(ctx, name)
}

func (a *DBusAdapter) SetUnitProperties(ctx context.Context, name string, props map[string]interface{}) error {
	properties := make([]godbus.Property, 0, len(props))
	for k, v := range props {
		properties = append(properties, godbus.PropGeneric(k, v))
	}
	return a.conn.SetUnitPropertiesContext(ctx, name, true, properties...)
}

func (a *DBusAdapter) FreezeUnit(ctx context.Context, name string) error {
	return a.conn.FreezeUnitContext(ctx, name)
}

func (a *DBusAdapter) ThawUnit(ctx context.Context, name string) error {
	return a.conn.ThawUnitContext(ctx, name)
}

func (a *DBusAdapter) EnableUnitFiles(ctx context.Context, names []string, runtime, force bool) error {
	_, _, err := a.conn.EnableUnitFilesContext(ctx, names, runtime, force)
	return err
}

func (a *DBusAdapter) DisableUnitFiles(ctx context.Context, names []string, runtime bool) error {
	_, err := a.conn.DisableUnitFilesContext(ctx, names, runtime)
	return err
}

func (a *DBusAdapter) Reload(ctx context.Context) error {
	return a.conn.ReloadContext(ctx)
}

// CancelJob parses the numeric job id out of jobPath (the inverse of
// startLike's path formatting) and asks systemd's Manager to cancel it.
func (a *DBusAdapter) CancelJob(ctx context.Context, jobPath string) error {
	id, err := jobIDFromPath(jobPath)
	if err != nil {
		return err
	}
	_, err = a.conn.CancelJobContext(ctx, id)
	return err
}

func jobIDFromPath(jobPath string) (uint32, error) {
	i := strings.LastIndex(jobPath, "/")
	if i < 0 {
		return 0, fmt.Errorf("systemd: malformed job path %q", jobPath)
	}
	n, err := strconv.ParseUint(jobPath[i+1:], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("systemd: malformed job path %q: %w", jobPath, err)
	}
	return uint32(n), nil
}

// Subscribe arms the connection's signal subscription once, then fans
// systemd's unit change stream into the unit-lifecycle and
// property-change channels AgentCore reads from; job events reach
// jobEvt from the job-starting calls, not from this stream.
func (a *DBusAdapter) Subscribe(ctx context.Context) error {
	if err := a.conn.Subscribe(); err != nil {
		return fmt.Errorf("systemd: subscribe: %w", err)
	}
	updates, errs := a.conn.SubscribeUnitsCustom(0, 0,
		func(u1, u2 *godbus.UnitStatus) bool { return true },
		nil)

	go func() {
		for {
			select {
			case changes, ok := <-updates:
				if !ok {
					return
				}
				for name, u := range changes {
					if u == nil {
						a.unitEvt <- UnitLifecycleEvent{UnitName: name, Removed: true}
						continue
					}
					a.unitEvt <- UnitLifecycleEvent{ObjectPath: string(u.Path), UnitName: name}
					a.propEvt <- PropertiesChangedEvent{
						ObjectPath: string(u.Path),
						Interface:  "org.freedesktop.systemd1.Unit",
						Changed: map[string]interface{}{
							"ActiveState": u.ActiveState,
							"SubState":    u.SubState,
						},
					}
				}
			case err, ok := <-errs:
				if !ok {
					return
				}
				if err != nil {
					// A transient watch error; the connection-level
					// health check (heartbeat) is what ultimately
					// decides whether to reconnect.
					continue
				}
			}
		}
	}()
	return nil
}

func (a *DBusAdapter) UnitEvents() <-chan UnitLifecycleEvent            { return a.unitEvt }
func (a *DBusAdapter) PropertiesChanged() <-chan PropertiesChangedEvent { return a.propEvt }
func (a *DBusAdapter) JobEvents() <-chan JobEvent                       { return a.jobEvt }

func (a *DBusAdapter) Close() error {
	a.conn.Close()
	return nil
}

var _ Adapter = (*DBusAdapter)(nil)
