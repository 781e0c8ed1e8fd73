// Package presence times out idle devices and keeps this node's heartbeat
// alive in the directory.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/picoscratch/mintgate/errors"
	"github.com/picoscratch/mintgate/registry"
	"github.com/picoscratch/mintgate/router"
)

// Ender ends a device lifecycle. *router.Router implements it.
type Ender interface {
	EndDevice(ctx context.Context, serial string, conn registry.Conn, reason string) bool
}

// SweeperConfig configures the idle sweep
type SweeperConfig struct {
	Timeout  time.Duration
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Sweeper ends devices that have been silent for longer than Timeout
type Sweeper struct {
	ender    Ender
	reg      *registry.Registry
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper over the local registry
func NewSweeper(ender Ender, reg *registry.Registry, cfg SweeperConfig) (*Sweeper, error) {
	if ender == nil || reg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sweeper", "New", "router and registry required")
	}
	if cfg.Timeout <= 0 || cfg.Interval <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Sweeper", "New", "timeout and interval must be positive")
	}
	if cfg.Interval > cfg.Timeout/2 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Sweeper", "New", "interval exceeds half the timeout")
	}

	s := &Sweeper{
		ender:    ender,
		reg:      reg,
		timeout:  cfg.Timeout,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "presence")
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Run sweeps every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx, s.now())
		}
	}
}

// Sweep ends every device idle past the timeout at now and returns how many
// it ended.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) int {
	ended := 0
	for _, d := range s.reg.Expired(now, s.timeout) {
		if s.ender.EndDevice(ctx, d.Serial, d.Conn, router.ReasonTimeout) {
			ended++
			s.logger.Info("Device timed out", "serial", d.Serial, "idle", now.Sub(d.LastPacket))
		}
	}
	return ended
}
