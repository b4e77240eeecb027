package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadControllerDefaults(t *testing.T) {
	path := writeTemp(t, `{
		"listen_tcp": "0.0.0.0:8420",
		"client_listen_tcp": "0.0.0.0:8421",
		"nodes": [{"name": "node1"}, {"name": "node2"}]
	}`)

	c, err := LoadController(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.HeartbeatMissedThreshold)
	assert.Equal(t, "INFO", c.LogLevel)
	assert.Len(t, c.Nodes, 2)
}

func TestLoadControllerRejectsDuplicateNode(t *testing.T) {
	path := writeTemp(t, `{
		"listen_tcp": "0.0.0.0:8420",
		"client_listen_tcp": "0.0.0.0:8421",
		"nodes": [{"name": "node1"}, {"name": "node1"}]
	}`)

	_, err := LoadController(path)
	assert.Error(t, err)
}

func TestLoadControllerRequiresAListener(t *testing.T) {
	path := writeTemp(t, `{"client_listen_tcp": "0.0.0.0:8421"}`)

	_, err := LoadController(path)
	assert.Error(t, err)
}

func TestLoadAgentBackoffOrdering(t *testing.T) {
	path := writeTemp(t, `{
		"name": "node1",
		"controller_tcp": "127.0.0.1:8420",
		"client_listen_uds": "/run/bluechi/node1.sock",
		"reconnect_min_backoff": 10000000000,
		"reconnect_max_backoff": 1000000000
	}`)

	_, err := LoadAgent(path)
	assert.Error(t, err)
}

func TestLoadAgentDefaults(t *testing.T) {
	path := writeTemp(t, `{
		"name": "node1",
		"controller_uds": "/run/bluechi/controller.sock",
		"client_listen_uds": "/run/bluechi/node1.sock"
	}`)

	a, err := LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, "node1", a.Name)
	assert.Equal(t, "INFO", a.LogLevel)
}
