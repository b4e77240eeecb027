// Package config loads Controller and Agent configuration from JSON,
// in the style of server/auth/token/auth_token.go's Init(jsonconf
// string) — parse into a private struct, validate, reject zero values
// that have no sane default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// NodeConfig is one entry of the Controller's allowed-node list (spec
// §4.1 "fleet membership is fixed at Controller start from config").
type NodeConfig struct {
	Name string `json:"name"`
	// SecurityContext, if non-empty, must match the context the Agent
	// presents on Register (spec §4.2 "peer security-context check").
	SecurityContext string `json:"security_context,omitempty"`
}

// Controller is the Controller process's full configuration.
type Controller struct {
	// ListenTCP is "host:port" for the Agent-facing listener, empty to disable.
	ListenTCP string `json:"listen_tcp,omitempty"`
	// ListenUDS is a filesystem path for a unix-domain Agent-facing listener.
	ListenUDS string `json:"listen_uds,omitempty"`
	// ClientListenTCP is "host:port" for the public fleet API (pkg/client, bluechictl).
	ClientListenTCP string `json:"client_listen_tcp"`

	Nodes []NodeConfig `json:"nodes"`

	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// HeartbeatMissedThreshold is how many consecutive missed
	// heartbeats flip a node from "up" to "degraded" then "down"
	// (spec §4.1 "status derivation").
	HeartbeatMissedThreshold int `json:"heartbeat_missed_threshold"`

	MetricsEnabledAtStart bool `json:"metrics_enabled_at_start"`

	TCPKeepAlive       time.Duration `json:"tcp_keepalive"`
	TCPKeepAliveProbes int           `json:"tcp_keepalive_probes"`

	LogLevel string `json:"log_level"`
}

// Agent is the per-node Agent process's full configuration.
type Agent struct {
	Name             string `json:"name"`
	ControllerTCP    string `json:"controller_tcp,omitempty"`
	ControllerUDS    string `json:"controller_uds,omitempty"`
	SecurityContext  string `json:"security_context,omitempty"`
	ClientListenUDS  string `json:"client_listen_uds"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	// ReconnectMinBackoff/ReconnectMaxBackoff bound the Agent's
	// DISCONNECTED -> RETRY backoff (spec §4.1 is silent on jitter; the
	// original agent.c reconnects at a fixed heartbeat-interval cadence
	// with a logged retry counter and no randomised jitter -- see
	// SPEC_FULL.md's Supplemented Features -- but an operator running a
	// fleet of many agents benefits from spreading reconnect storms, so
	// this is our own addition layered on top, not a grounded original
	// behavior).
	ReconnectMinBackoff time.Duration `json:"reconnect_min_backoff"`
	ReconnectMaxBackoff time.Duration `json:"reconnect_max_backoff"`

	MetricsEnabledAtStart bool `json:"metrics_enabled_at_start"`

	LogLevel string `json:"log_level"`
}

// LoadController reads and validates a Controller config from path.
func LoadController(path string) (*Controller, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Controller
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

func (c *Controller) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.HeartbeatMissedThreshold == 0 {
		c.HeartbeatMissedThreshold = 3
	}
	if c.TCPKeepAlive == 0 {
		c.TCPKeepAlive = 30 * time.Second
	}
	if c.TCPKeepAliveProbes == 0 {
		c.TCPKeepAliveProbes = 3
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
}

func (c *Controller) validate() error {
	if c.ListenTCP == "" && c.ListenUDS == "" {
		return fmt.Errorf("at least one of listen_tcp/listen_uds must be set")
	}
	if c.ClientListenTCP == "" {
		return fmt.Errorf("client_listen_tcp is required")
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node entry with empty name")
		}
		if seen[n.Name] {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
	}
	if c.HeartbeatMissedThreshold < 1 {
		return fmt.Errorf("heartbeat_missed_threshold must be >= 1")
	}
	return nil
}

// LoadAgent reads and validates an Agent config from path.
func LoadAgent(path string) (*Agent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var a Agent
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	a.applyDefaults()
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &a, nil
}

func (a *Agent) applyDefaults() {
	if a.HeartbeatInterval == 0 {
		a.HeartbeatInterval = 2 * time.Second
	}
	if a.ReconnectMinBackoff == 0 {
		a.ReconnectMinBackoff = 500 * time.Millisecond
	}
	if a.ReconnectMaxBackoff == 0 {
		a.ReconnectMaxBackoff = 30 * time.Second
	}
	if a.LogLevel == "" {
		a.LogLevel = "INFO"
	}
}

func (a *Agent) validate() error {
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	if a.ControllerTCP == "" && a.ControllerUDS == "" {
		return fmt.Errorf("at least one of controller_tcp/controller_uds must be set")
	}
	if a.ReconnectMinBackoff > a.ReconnectMaxBackoff {
		return fmt.Errorf("reconnect_min_backoff must be <= reconnect_max_backoff")
	}
	return nil
}
