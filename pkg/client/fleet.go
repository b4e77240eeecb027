package client

import (
	"context"
	"strconv"
	"strings"

	"github.com/bluechi-go/bluechi/internal/wire"
)

// ListNodes returns a summary of every node in the fleet (spec §6
// "Controller public API").
func (c *Client) ListNodes(ctx context.Context) ([]wire.NodeSummaryInfo, error) {
	var out []wire.NodeSummaryInfo
	err := c.call(ctx, wire.KindCListNodes, nil, &out)
	return out, err
}

// GetNode returns the bus path of the named node.
func (c *Client) GetNode(ctx context.Context, name string) (string, error) {
	var path string
	err := c.call(ctx, wire.KindCGetNode, wire.NodeArgs{Node: name}, &path)
	return path, err
}

// Status returns the fleet-wide status property.
func (c *Client) Status(ctx context.Context) (string, error) {
	var args wire.StatusArgs
	err := c.call(ctx, wire.KindCStatus, nil, &args)
	return args.Status, err
}

// ListUnits fans out ListUnits across the fleet, keyed by node name.
func (c *Client) ListUnits(ctx context.Context) (map[string][]wire.UnitInfo, error) {
	var out map[string][]wire.UnitInfo
	err := c.call(ctx, wire.KindListUnits, nil, &out)
	return out, err
}

// ListUnitFiles fans out ListUnitFiles across the fleet, keyed by node name.
func (c *Client) ListUnitFiles(ctx context.Context) (map[string][]wire.UnitFileInfo, error) {
	var out map[string][]wire.UnitFileInfo
	err := c.call(ctx, wire.KindListUnitFiles, nil, &out)
	return out, err
}

func (c *Client) lifecycle(ctx context.Context, kind wire.Kind, node, unit, mode string) (string, error) {
	var path string
	err := c.call(ctx, kind, wire.ClientUnitLifecycleArgs{Node: node, Unit: unit, Mode: mode}, &path)
	return path, err
}

// StartUnit/StopUnit/RestartUnit/ReloadUnit run a unit lifecycle
// operation on node and return the new Job's bus path (spec §6
// "Per-node public API"). Pass the path's trailing id to WatchJob (or
// JobIDFromPath) to observe its JobStateChanged/JobDone pushes.
func (c *Client) StartUnit(ctx context.Context, node, unit, mode string) (string, error) {
	return c.lifecycle(ctx, wire.KindStartUnit, node, unit, mode)
}

func (c *Client) StopUnit(ctx context.Context, node, unit, mode string) (string, error) {
	return c.lifecycle(ctx, wire.KindStopUnit, node, unit, mode)
}

func (c *Client) RestartUnit(ctx context.Context, node, unit, mode string) (string, error) {
	return c.lifecycle(ctx, wire.KindRestartUnit, node, unit, mode)
}

func (c *Client) ReloadUnit(ctx context.Context, node, unit, mode string) (string, error) {
	return c.lifecycle(ctx, wire.KindReloadUnit, node, unit, mode)
}

// JobIDFromPath extracts the numeric id from a Job's bus path
// ("/org/bluechi/Job/<id>"), for handing to WatchJob/CancelJob.
func JobIDFromPath(path string) (uint32, bool) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(path[i+1:], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// CancelJob requests cancellation of the Job with the given id
// (spec §4.4 "cancellation").
func (c *Client) CancelJob(ctx context.Context, id uint32) error {
	return c.call(ctx, wire.KindCCancelJob, wire.CancelJobArgs{ID: id}, nil)
}

func (c *Client) GetUnitProperty(ctx context.Context, node, unit, property string) (interface{}, error) {
	var v interface{}
	err := c.call(ctx, wire.KindGetUnitProp, wire.ClientUnitPropertyArgs{Node: node, Unit: unit, Property: property}, &v)
	return v, err
}

func (c *Client) GetUnitProperties(ctx context.Context, node, unit string) (map[string]interface{}, error) {
	var props map[string]interface{}
	err := c.call(ctx, wire.KindGetUnitProps, wire.ClientUnitPropertyArgs{Node: node, Unit: unit}, &props)
	return props, err
}

func (c *Client) SetUnitProperties(ctx context.Context, node, unit string, props map[string]interface{}) error {
	return c.call(ctx, wire.KindSetUnitProps, wire.ClientSetUnitPropertiesArgs{Node: node, Unit: unit, Properties: props}, nil)
}

func (c *Client) FreezeUnit(ctx context.Context, node, unit string) error {
	return c.call(ctx, wire.KindFreezeUnit, wire.ClientSimpleUnitArgs{Node: node, Unit: unit}, nil)
}

func (c *Client) ThawUnit(ctx context.Context, node, unit string) error {
	return c.call(ctx, wire.KindThawUnit, wire.ClientSimpleUnitArgs{Node: node, Unit: unit}, nil)
}

func (c *Client) EnableUnitFiles(ctx context.Context, node string, units []string, runtime, force bool) error {
	return c.call(ctx, wire.KindEnableUnits, wire.ClientUnitFilesArgs{Node: node, Units: units, Runtime: runtime, Force: force}, nil)
}

func (c *Client) DisableUnitFiles(ctx context.Context, node string, units []string, runtime bool) error {
	return c.call(ctx, wire.KindDisableUnits, wire.ClientUnitFilesArgs{Node: node, Units: units, Runtime: runtime}, nil)
}

func (c *Client) Reload(ctx context.Context, node string) error {
	return c.call(ctx, wire.KindReload, wire.NodeArgs{Node: node}, nil)
}

func (c *Client) SetLogLevel(ctx context.Context, level string) error {
	return c.call(ctx, wire.KindSetLogLevel, wire.SetLogLevelArgs{Level: level}, nil)
}

// SetLogLevelAll fans SetLogLevel out to every online node
// (SPEC_FULL.md Supplemented Features #2), returning each node's
// error message (empty on success) keyed by node name.
func (c *Client) SetLogLevelAll(ctx context.Context, level string) (map[string]string, error) {
	var reply wire.SetLogLevelAllReply
	err := c.call(ctx, wire.KindCSetLogLevelAll, wire.SetLogLevelArgs{Level: level}, &reply)
	return reply.Results, err
}

func (c *Client) EnableMetrics(ctx context.Context) error {
	return c.call(ctx, wire.KindEnableMetrics, nil, nil)
}

func (c *Client) DisableMetrics(ctx context.Context) error {
	return c.call(ctx, wire.KindDisableMetrics, nil, nil)
}
