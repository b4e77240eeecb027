package client

import (
	"context"

	"github.com/bluechi-go/bluechi/internal/wire"
)

// CreateProxy asks the local Agent to proxy node/unit's availability
// onto localService (spec §4.6 "Agent side"). Only meaningful on a
// Client dialed against an Agent's host-local bus, not a Controller's
// public fleet API.
func (c *Client) CreateProxy(ctx context.Context, localService, node, unit string) (string, error) {
	var path string
	err := c.call(ctx, wire.KindCreateProxy, wire.CreateProxyArgs{LocalService: localService, Node: node, Unit: unit}, &path)
	return path, err
}

// RemoveProxy tears down a previously created ProxyService by path.
// Removing an unknown path is not an error (SPEC_FULL.md Supplemented
// Features #4); the returned string carries the Agent's informational
// "no such proxy" message in that case, empty otherwise.
func (c *Client) RemoveProxy(ctx context.Context, path string) (string, error) {
	var info string
	err := c.call(ctx, wire.KindRemoveProxy, wire.RemoveProxyArgs{Path: path}, &info)
	return info, err
}
