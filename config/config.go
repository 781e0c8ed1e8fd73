// Package config loads and validates the gateway configuration.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/picoscratch/mintgate/errors"
)

// Config represents the complete gateway configuration
type Config struct {
	Node      NodeConfig      `json:"node" yaml:"node"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	Directory DirectoryConfig `json:"directory" yaml:"directory"`
	Presence  PresenceConfig  `json:"presence" yaml:"presence"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
}

// NodeConfig identifies this gateway replica
type NodeConfig struct {
	ID            string `json:"id,omitempty" yaml:"id,omitempty"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string `json:"urls" yaml:"urls"`
	MaxReconnects int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	PingInterval  Duration `json:"ping_interval" yaml:"ping_interval"`
	DrainTimeout  Duration `json:"drain_timeout" yaml:"drain_timeout"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty"`
}

// DirectoryConfig defines the shared KV buckets and node heartbeat
type DirectoryConfig struct {
	Bucket            string   `json:"bucket" yaml:"bucket"`
	HeartbeatBucket   string   `json:"heartbeat_bucket" yaml:"heartbeat_bucket"`
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTTL      Duration `json:"heartbeat_ttl" yaml:"heartbeat_ttl"`
	OpTimeout         Duration `json:"op_timeout" yaml:"op_timeout"`
	PruneTimeout      Duration `json:"prune_timeout" yaml:"prune_timeout"`
}

// PresenceConfig defines the device liveness sweep
type PresenceConfig struct {
	DeviceTimeout Duration `json:"device_timeout" yaml:"device_timeout"`
	SweepInterval Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// GatewayConfig defines the listeners
type GatewayConfig struct {
	DeviceAddr     string  `json:"device_addr" yaml:"device_addr"`
	HTTPAddr       string  `json:"http_addr" yaml:"http_addr"`
	MaxFrameBytes  int     `json:"max_frame_bytes" yaml:"max_frame_bytes"`
	NewsletterRate float64 `json:"newsletter_rate" yaml:"newsletter_rate"`
	MDNS           bool    `json:"mdns" yaml:"mdns"`
}

// Default returns the configuration used when no file or override sets a value
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			SubjectPrefix: "mintgate.node",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Timeout:       Duration(5 * time.Second),
			PingInterval:  Duration(30 * time.Second),
			DrainTimeout:  Duration(10 * time.Second),
		},
		Directory: DirectoryConfig{
			Bucket:            "mintgate_directory",
			HeartbeatBucket:   "mintgate_nodes",
			HeartbeatInterval: Duration(60 * time.Second),
			HeartbeatTTL:      Duration(70 * time.Second),
			OpTimeout:         Duration(2 * time.Second),
			PruneTimeout:      Duration(30 * time.Second),
		},
		Presence: PresenceConfig{
			DeviceTimeout: Duration(10 * time.Second),
			SweepInterval: Duration(5 * time.Second),
		},
		Gateway: GatewayConfig{
			DeviceAddr:     ":2737",
			HTTPAddr:       ":8080",
			MaxFrameBytes:  64 << 10,
			NewsletterRate: 5,
		},
	}
}

// Validate checks the configuration and fills in a generated node id when
// none is set.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		c.Node.ID = GenerateNodeID()
	}
	if !isValidSubjectToken(c.Node.ID) {
		return invalid("node.id %q must be alphanumeric with dashes or underscores", c.Node.ID)
	}
	if c.Node.SubjectPrefix == "" {
		return invalid("node.subject_prefix is required")
	}
	for _, part := range strings.Split(c.Node.SubjectPrefix, ".") {
		if !isValidSubjectToken(part) {
			return invalid("node.subject_prefix %q is not a valid NATS subject", c.Node.SubjectPrefix)
		}
	}

	if len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required")
	}
	if c.NATS.Timeout.Duration() <= 0 {
		return invalid("nats.timeout must be positive")
	}
	if c.NATS.PingInterval.Duration() <= 0 || c.NATS.DrainTimeout.Duration() <= 0 {
		return invalid("nats.ping_interval and nats.drain_timeout must be positive")
	}

	if c.Directory.Bucket == "" || c.Directory.HeartbeatBucket == "" {
		return invalid("directory.bucket and directory.heartbeat_bucket are required")
	}
	if c.Directory.Bucket == c.Directory.HeartbeatBucket {
		return invalid("directory.heartbeat_bucket must differ from directory.bucket")
	}
	if c.Directory.HeartbeatInterval.Duration() <= 0 {
		return invalid("directory.heartbeat_interval must be positive")
	}
	if c.Directory.HeartbeatTTL <= c.Directory.HeartbeatInterval {
		return invalid("directory.heartbeat_ttl (%s) must exceed heartbeat_interval (%s)",
			c.Directory.HeartbeatTTL, c.Directory.HeartbeatInterval)
	}
	if c.Directory.OpTimeout.Duration() <= 0 {
		return invalid("directory.op_timeout must be positive")
	}
	if c.Directory.PruneTimeout < c.Directory.OpTimeout {
		return invalid("directory.prune_timeout (%s) must be at least op_timeout (%s)",
			c.Directory.PruneTimeout, c.Directory.OpTimeout)
	}

	if c.Presence.DeviceTimeout.Duration() <= 0 || c.Presence.SweepInterval.Duration() <= 0 {
		return invalid("presence.device_timeout and presence.sweep_interval must be positive")
	}
	if c.Presence.SweepInterval > c.Presence.DeviceTimeout/2 {
		return invalid("presence.sweep_interval (%s) must be at most half of device_timeout (%s)",
			c.Presence.SweepInterval, c.Presence.DeviceTimeout)
	}

	if c.Gateway.DeviceAddr == "" || c.Gateway.HTTPAddr == "" {
		return invalid("gateway.device_addr and gateway.http_addr are required")
	}
	if c.Gateway.MaxFrameBytes < 1024 {
		return invalid("gateway.max_frame_bytes must be at least 1024")
	}
	if c.Gateway.NewsletterRate <= 0 {
		return invalid("gateway.newsletter_rate must be positive")
	}

	return nil
}

// Subject returns the bus subject for a node
func (c *Config) Subject(node string) string {
	return c.Node.SubjectPrefix + "." + node
}

// String renders the configuration as JSON with credentials redacted
func (c *Config) String() string {
	redacted := *c
	redacted.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "[REDACTED]"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "[REDACTED]"
	}
	data, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf(format, args...), "Config", "Validate", "validate configuration")
}

// isValidSubjectToken accepts characters that are safe both in a NATS
// subject token and a KV key.
func isValidSubjectToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
