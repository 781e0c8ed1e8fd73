package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/picoscratch/mintgate/errors"
	"github.com/picoscratch/mintgate/metric"
)

// Beater is the slice of the directory the heartbeat needs
type Beater interface {
	Heartbeat(ctx context.Context, node string, now time.Time) error
	PruneStale(ctx context.Context) (int, error)
}

// Reasserter rewrites this node's own directory entries after a beat.
// *router.Router implements it.
type Reasserter interface {
	Reassert(ctx context.Context) (devices, clients int)
}

const (
	defaultOpTimeout    = 2 * time.Second
	defaultPruneTimeout = 30 * time.Second
)

// HeartbeatConfig configures the node heartbeat
type HeartbeatConfig struct {
	Node         string
	Interval     time.Duration
	OpTimeout    time.Duration
	PruneTimeout time.Duration // one PruneStale pass scans the whole bucket
	Owner        Reasserter    // reasserted after every successful heartbeat
	Metrics      *metric.Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

// Heartbeat keeps this node marked alive and prunes entries of dead nodes
type Heartbeat struct {
	dir          Beater
	owner        Reasserter
	node         string
	interval     time.Duration
	opTimeout    time.Duration
	pruneTimeout time.Duration
	metrics      *metric.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewHeartbeat creates a heartbeat writer
func NewHeartbeat(dir Beater, cfg HeartbeatConfig) (*Heartbeat, error) {
	if dir == nil || cfg.Node == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Heartbeat", "New", "directory and node required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Heartbeat", "New", "interval must be positive")
	}

	h := &Heartbeat{
		dir:          dir,
		owner:        cfg.Owner,
		node:         cfg.Node,
		interval:     cfg.Interval,
		opTimeout:    cfg.OpTimeout,
		pruneTimeout: cfg.PruneTimeout,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
	if h.opTimeout <= 0 {
		h.opTimeout = defaultOpTimeout
	}
	if h.pruneTimeout <= 0 {
		h.pruneTimeout = defaultPruneTimeout
	}
	if h.logger == nil {
		h.logger = slog.Default().With("component", "heartbeat")
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h, nil
}

// Run beats immediately and then every interval until ctx is done
func (h *Heartbeat) Run(ctx context.Context) error {
	h.Beat(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Beat(ctx)
		}
	}
}

// Beat writes one heartbeat, reasserts this node's own entries and prunes
// entries of dead nodes. Failures are logged and retried on the next tick.
func (h *Heartbeat) Beat(ctx context.Context) {
	beatCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
	err := h.dir.Heartbeat(beatCtx, h.node, h.now())
	cancel()
	if err != nil {
		h.metrics.Heartbeat(false)
		h.metrics.DirectoryError("heartbeat")
		h.logger.Warn("Heartbeat write failed", "node", h.node, "error", err)
		return
	}
	h.metrics.Heartbeat(true)

	// a peer may have pruned this node while its heartbeat was missing
	if h.owner != nil {
		devices, clients := h.owner.Reassert(ctx)
		h.logger.Debug("Reasserted directory entries", "devices", devices, "clients", clients)
	}

	pruneCtx, cancel := context.WithTimeout(ctx, h.pruneTimeout)
	defer cancel()
	pruned, err := h.dir.PruneStale(pruneCtx)
	if err != nil {
		h.metrics.DirectoryError("prune_stale")
		h.logger.Warn("Pruning stale entries failed", "error", err)
		return
	}
	if pruned > 0 {
		h.logger.Info("Pruned entries of dead nodes", "nodes", pruned)
	}
}
