package controller

import (
	"context"

	"github.com/bluechi-go/bluechi/internal/wire"
)

// GetUnitProperty/GetUnitProperties/SetUnitProperties/FreezeUnit/
// ThawUnit/EnableUnitFiles/DisableUnitFiles/Reload are the remaining
// spec §4.2 "Pass-through operations": each dispatches straight to the
// named node's Agent and returns its reply, with no Job or registry
// bookkeeping (unlike the lifecycle ops, these never outlive the call).

func (c *ControllerCore) GetUnitProperty(ctx context.Context, node, unit, property string) (interface{}, error) {
	env, err := c.callNode(ctx, node, wire.KindGetUnitProp, wire.GetUnitPropertyArgs{Unit: unit, Property: property})
	if err != nil {
		return nil, err
	}
	var v interface{}
	env.Decode(&v)
	return v, nil
}

func (c *ControllerCore) GetUnitProperties(ctx context.Context, node, unit string) (map[string]interface{}, error) {
	env, err := c.callNode(ctx, node, wire.KindGetUnitProps, wire.GetUnitPropertyArgs{Unit: unit})
	if err != nil {
		return nil, err
	}
	var props map[string]interface{}
	env.Decode(&props)
	return props, nil
}

func (c *ControllerCore) SetUnitProperties(ctx context.Context, node, unit string, props map[string]interface{}) error {
	_, err := c.callNode(ctx, node, wire.KindSetUnitProps, wire.SetUnitPropertiesArgs{Unit: unit, Properties: props})
	return err
}

func (c *ControllerCore) FreezeUnit(ctx context.Context, node, unit string) error {
	_, err := c.callNode(ctx, node, wire.KindFreezeUnit, wire.SubscribeArgs{Unit: unit})
	return err
}

func (c *ControllerCore) ThawUnit(ctx context.Context, node, unit string) error {
	_, err := c.callNode(ctx, node, wire.KindThawUnit, wire.SubscribeArgs{Unit: unit})
	return err
}

func (c *ControllerCore) EnableUnitFiles(ctx context.Context, node string, units []string, runtime, force bool) error {
	_, err := c.callNode(ctx, node, wire.KindEnableUnits, wire.UnitFilesArgs{Units: units, Runtime: runtime, Force: force})
	return err
}

func (c *ControllerCore) DisableUnitFiles(ctx context.Context, node string, units []string, runtime bool) error {
	_, err := c.callNode(ctx, node, wire.KindDisableUnits, wire.UnitFilesArgs{Units: units, Runtime: runtime})
	return err
}

func (c *ControllerCore) Reload(ctx context.Context, node string) error {
	_, err := c.callNode(ctx, node, wire.KindReload, nil)
	return err
}

// SetLogLevelAll fans SetLogLevel out across every online node the way
// ListUnits fans out (SPEC_FULL.md Supplemented Features #2, the
// original CLI's bulk log-level command): each node's error, if any,
// is reported individually rather than failing the whole call, since
// a partial fleet-wide log-level change is still useful information
// to the caller.
func (c *ControllerCore) SetLogLevelAll(ctx context.Context, level string) map[string]error {
	names := c.onlineNodeNames()
	type result struct {
		name string
		err  error
	}
	resCh := make(chan result, len(names))
	for _, name := range names {
		go func(name string) {
			_, err := c.callNode(ctx, name, wire.KindSetLogLevel, wire.SetLogLevelArgs{Level: level})
			resCh <- result{name: name, err: err}
		}(name)
	}
	out := make(map[string]error, len(names))
	for range names {
		r := <-resCh
		out[r.name] = r.err
	}
	return out
}
