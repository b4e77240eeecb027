package agent

import (
	"context"

	"github.com/bluechi-go/bluechi/internal/wire"
)

// handleLifecycleRequest runs the systemd call for
// Start/Stop/Restart/ReloadUnit, records a JobTracker row keyed by the
// returned systemd job path, and replies with (nothing) -- completion
// is reported later via JobDone/JobStateChanged, not in this reply
// (spec §4.3 "Job correlation table").
func (a *AgentCore) handleLifecycleRequest(env *wire.Envelope) {
	var args wire.UnitLifecycleArgs
	if err := env.Decode(&args); err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrInvalidArgs, "bad arguments: %v", err))
		return
	}

	var jobPath string
	var err error
	ctx := context.Background()
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
		a.reply(env, nil, wire.NewError(wire.ErrFailed, "%v", err))
		return
	}

	a.jobs.track(jobPath, &trackedJob{
		ControllerJobID: args.JobID,
		Method:          string(env.Kind),
		Unit:            args.Unit,
		StartedAt:       a.clock.Now(),
	})
	a.reply(env, nil, nil)
}

func (a *AgentCore) handleGetUnitProperty(env *wire.Envelope) {
	var args wire.GetUnitPropertyArgs
	if err := env.Decode(&args); err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrInvalidArgs, "bad arguments: %v", err))
		return
	}
	v, err := a.sysd.GetUnitProperty(context.Background(), args.Unit, args.Property)
	if err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrFailed, "%v", err))
		return
	}
	a.reply(env, v, nil)
}

func (a *AgentCore) handleGetUnitProperties(env *wire.Envelope) {
	var args wire.GetUnitPropertyArgs
	if err := env.Decode(&args); err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrInvalidArgs, "bad arguments: %v", err))
		return
	}
	props, err := a.sysd.GetUnitProperties(context.Background(), args.Unit)
	if err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrFailed, "%v", err))
		return
	}
	a.reply(env, props, nil)
}

func (a *AgentCore) handleSetUnitProperties(env *wire.Envelope) {
	var args wire.SetUnitPropertiesArgs
	if err := env.Decode(&args); err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrInvalidArgs, "bad arguments: %v", err))
		return
	}
	if err := a.sysd.SetUnitProperties(context.Background(), args.Unit, args.Properties); err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrFailed, "%v", err))
		return
	}
	a.reply(env, nil, nil)
}

// handleSimpleUnitOp covers FreezeUnit/ThawUnit: decode the unit name
// from a SubscribeArgs-shaped payload (just {unit}), call op, reply.
func (a *AgentCore) handleSimpleUnitOp(env *wire.Envelope, op func(context.Context, string) error) {
	var args wire.SubscribeArgs
	if err := env.Decode(&args); err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrInvalidArgs, "bad arguments: %v", err))
		return
	}
	if err := op(context.Background(), args.Unit); err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrFailed, "%v", err))
		return
	}
	a.reply(env, nil, nil)
}

func (a *AgentCore) handleUnitFilesOp(env *wire.Envelope, enable bool) {
	var args wire.UnitFilesArgs
	if err := env.Decode(&args); err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrInvalidArgs, "bad arguments: %v", err))
		return
	}
	var err error
	if enable {
		err = a.sysd.EnableUnitFiles(context.Background(), args.Units, args.Runtime, args.Force)
	} else {
		err = a.sysd.DisableUnitFiles(context.Background(), args.Units, args.Runtime)
	}
	if err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrFailed, "%v", err))
		return
	}
	a.reply(env, nil, nil)
}

func (a *AgentCore) handleReload(env *wire.Envelope) {
	if err := a.sysd.Reload(context.Background()); err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrFailed, "%v", err))
		return
	}
	a.reply(env, nil, nil)
}

func (a *AgentCore) handleListUnits(env *wire.Envelope) {
	units, err := a.sysd.ListUnits(context.Background())
	if err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrFailed, "%v", err))
		return
	}
	out := make([]wire.UnitInfo, 0, len(units))
	for _, u := range units {
		out = append(out, wire.UnitInfo{Unit: u.Name, ObjectPath: u.ObjectPath, Loaded: true, Active: u.ActiveState, Sub: u.SubState})
	}
	a.reply(env, out, nil)
}

func (a *AgentCore) handleListUnitFiles(env *wire.Envelope) {
	files, err := a.sysd.ListUnitFiles(context.Background())
	if err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrFailed, "%v", err))
		return
	}
	out := make([]wire.UnitFileInfo, 0, len(files))
	for _, f := range files {
		out = append(out, wire.UnitFileInfo{Name: f.Name, State: f.State})
	}
	a.reply(env, out, nil)
}

func (a *AgentCore) handleSetLogLevel(env *wire.Envelope) {
	var args wire.SetLogLevelArgs
	if err := env.Decode(&args); err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrInvalidArgs, "bad arguments: %v", err))
		return
	}
	a.logLevel = args.Level
	a.log.Printf("log level set to %s", args.Level)
	a.reply(env, nil, nil)
}

// handleSubscribe/handleUnsubscribe implement spec §4.3 "Wildcard
// subscription"/"Per-unit subscription": Subscribe("*") flips the
// wildcard flag; Subscribe(unit) marks the cache entry subscribed and,
// if already loaded, synthesizes a virtual UnitNew+UnitStateChanged so
// a late subscriber gets the current snapshot without polling.
func (a *AgentCore) handleSubscribe(env *wire.Envelope) {
	var args wire.SubscribeArgs
	if err := env.Decode(&args); err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrInvalidArgs, "bad arguments: %v", err))
		return
	}
	if args.Unit == wildcardUnit {
		if a.wildcardSubscriptionActive {
			a.reply(env, nil, wire.NewError(wire.ErrAlreadyWildcard, "already subscribed to *"))
			return
		}
		a.wildcardSubscriptionActive = true
		a.reply(env, nil, nil)
		return
	}

	u := a.ensureUnitInfo(args.Unit)
	u.Subscribed = true
	if u.Loaded {
		a.emitUnitNew(args.Unit, u.ObjectPath, wire.ReasonVirtual)
		a.emitUnitStateChanged(args.Unit, u.Active, u.Sub, wire.ReasonVirtual)
	}
	a.reply(env, nil, nil)
}

func (a *AgentCore) handleUnsubscribe(env *wire.Envelope) {
	var args wire.SubscribeArgs
	if err := env.Decode(&args); err != nil {
		a.reply(env, nil, wire.NewError(wire.ErrInvalidArgs, "bad arguments: %v", err))
		return
	}
	if args.Unit == wildcardUnit {
		a.wildcardSubscriptionActive = false
		a.reply(env, nil, nil)
		return
	}
	if u, ok := a.units[args.Unit]; ok {
		u.Subscribed = false
		a.gcUnitInfos()
	}
	a.reply(env, nil, nil)
}

const wildcardUnit = "*"

// handleDep covers StartDep/StopDep: replace-mode, fire-and-forget
// start/stop of the bluechi-dep@<unit> instantiated service (spec
// §4.3 "Dependency units").
func (a *AgentCore) handleDep(env *wire.Envelope, start bool) {
	var args wire.DepArgs
	if err := env.Decode(&args); err != nil {
		return
	}
	depUnit := "bluechi-dep@" + args.Unit + ".service"
	ctx := context.Background()
	if start {
		if _, err := a.sysd.StartUnit(ctx, depUnit, "replace"); err != nil {
			a.log.Printf("StartDep %s: %v", depUnit, err)
		}
		return
	}
	if _, err := a.sysd.StopUnit(ctx, depUnit, "replace"); err != nil {
		a.log.Printf("StopDep %s: %v", depUnit, err)
	}
}

func (a *AgentCore) handleJobCancel(env *wire.Envelope) {
	var args wire.JobCancelArgs
	if err := env.Decode(&args); err != nil {
		return
	}
	path, ok := a.jobs.pathForControllerJobID(args.ID)
	if !ok {
		// Already completed (or never ours); nothing to cancel.
		return
	}
	if err := a.sysd.CancelJob(context.Background(), path); err != nil {
		a.log.Printf("cancel job %d (%s): %v", args.ID, path, err)
	}
}
