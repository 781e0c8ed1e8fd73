package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/picoscratch/mintgate/errors"
)

const maxConfigSize = 1 << 20

// EnvPrefix prefixes every environment override
const EnvPrefix = "MINTGATE"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer; later layers win
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load starts from Default, decodes each layer on top, applies environment
// overrides and validates.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		if err := l.loadFile(path, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadFile decodes path into cfg. Fields absent from the file keep their
// current values.
func (l *Loader) loadFile(path string, cfg *Config) error {
	data, err := safeReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode yaml: %w", err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .json, .yaml or .yml)", filepath.Ext(path))
	}
	return nil
}

func safeReadFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}
	return os.ReadFile(path)
}

// applyEnvOverrides reads MINTGATE_<SECTION>_<FIELD> variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"NODE_ID":                    &cfg.Node.ID,
		"NODE_SUBJECT_PREFIX":        &cfg.Node.SubjectPrefix,
		"NATS_USERNAME":              &cfg.NATS.Username,
		"NATS_PASSWORD":              &cfg.NATS.Password,
		"NATS_TOKEN":                 &cfg.NATS.Token,
		"DIRECTORY_BUCKET":           &cfg.Directory.Bucket,
		"DIRECTORY_HEARTBEAT_BUCKET": &cfg.Directory.HeartbeatBucket,
		"GATEWAY_DEVICE_ADDR":        &cfg.Gateway.DeviceAddr,
		"GATEWAY_HTTP_ADDR":          &cfg.Gateway.HTTPAddr,
	}
	for name, dst := range strs {
		if val, ok := l.env(name); ok {
			*dst = val
		}
	}

	if val, ok := l.env("NATS_URLS"); ok {
		cfg.NATS.URLs = splitList(val)
	}

	ints := map[string]*int{
		"NATS_MAX_RECONNECTS":     &cfg.NATS.MaxReconnects,
		"GATEWAY_MAX_FRAME_BYTES": &cfg.Gateway.MaxFrameBytes,
	}
	for name, dst := range ints {
		if val, ok := l.env(name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%s_%s: %w", l.envPrefix, name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"NATS_RECONNECT_WAIT":          &cfg.NATS.ReconnectWait,
		"NATS_TIMEOUT":                 &cfg.NATS.Timeout,
		"NATS_PING_INTERVAL":           &cfg.NATS.PingInterval,
		"NATS_DRAIN_TIMEOUT":           &cfg.NATS.DrainTimeout,
		"DIRECTORY_HEARTBEAT_INTERVAL": &cfg.Directory.HeartbeatInterval,
		"DIRECTORY_HEARTBEAT_TTL":      &cfg.Directory.HeartbeatTTL,
		"DIRECTORY_OP_TIMEOUT":         &cfg.Directory.OpTimeout,
		"DIRECTORY_PRUNE_TIMEOUT":      &cfg.Directory.PruneTimeout,
		"PRESENCE_DEVICE_TIMEOUT":      &cfg.Presence.DeviceTimeout,
		"PRESENCE_SWEEP_INTERVAL":      &cfg.Presence.SweepInterval,
	}
	for name, dst := range durations {
		if val, ok := l.env(name); ok {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%s_%s: %w", l.envPrefix, name, err)
			}
			*dst = Duration(d)
		}
	}

	if val, ok := l.env("GATEWAY_NEWSLETTER_RATE"); ok {
		rate, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("%s_GATEWAY_NEWSLETTER_RATE: %w", l.envPrefix, err)
		}
		cfg.Gateway.NewsletterRate = rate
	}
	if val, ok := l.env("GATEWAY_MDNS"); ok {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s_GATEWAY_MDNS: %w", l.envPrefix, err)
		}
		cfg.Gateway.MDNS = enabled
	}
	return nil
}

func (l *Loader) env(name string) (string, bool) {
	val, ok := l.lookupEnv(l.envPrefix + "_" + name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
