// Package router decides where packets go: to connections on this node, or
// through the bus to the node the directory names.
//
// Registry calls are the source of truth for this node. Directory writes are
// best effort: failures are logged and counted, never retried and never
// surfaced to peers. Directory reads that fail count as "absent".
package router

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/picoscratch/mintgate/bus"
	"github.com/picoscratch/mintgate/directory"
	"github.com/picoscratch/mintgate/errors"
	"github.com/picoscratch/mintgate/metric"
	"github.com/picoscratch/mintgate/registry"
)

// Reasons a device lifecycle ends
const (
	ReasonTimeout  = "timeout"
	ReasonClosed   = "closed"
	ReasonShutdown = "shutdown"
	ReasonEvicted  = "evicted"
)

const defaultOpTimeout = 2 * time.Second

// Publisher sends envelopes to other nodes. *bus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, node string, env bus.Envelope) error
}

// Deps holds the router's collaborators
type Deps struct {
	Node      string
	Registry  *registry.Registry
	Directory directory.Directory
	Publisher Publisher
	Metrics   *metric.Metrics
	Logger    *slog.Logger
	OpTimeout time.Duration
	Now       func() time.Time
}

// Router routes device and client packets within and across nodes
type Router struct {
	node      string
	reg       *registry.Registry
	dir       directory.Directory
	pub       Publisher
	metrics   *metric.Metrics
	logger    *slog.Logger
	opTimeout time.Duration
	now       func() time.Time
}

var _ bus.Handler = (*Router)(nil)

// New creates a router
func New(deps Deps) (*Router, error) {
	if deps.Node == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Router", "New", "node id required")
	}
	if deps.Registry == nil || deps.Directory == nil || deps.Publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Router", "New",
			"registry, directory and publisher required")
	}

	r := &Router{
		node:      deps.Node,
		reg:       deps.Registry,
		dir:       deps.Directory,
		pub:       deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		opTimeout: deps.OpTimeout,
		now:       deps.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "router")
	}
	if r.opTimeout <= 0 {
		r.opTimeout = defaultOpTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Node returns this node's id
func (r *Router) Node() string {
	return r.node
}

// dirCtx detaches directory calls from the caller so a closing transport
// does not abort them.
func (r *Router) dirCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.opTimeout)
}

func (r *Router) dirWriteFailed(op string, err error, attrs ...any) {
	r.metrics.DirectoryError(op)
	r.logger.Warn("Directory write failed",
		append([]any{"op", op, "class", errors.Classify(err).String(), "error", err}, attrs...)...)
}

func (r *Router) updateGauges() {
	r.metrics.SetConnections(r.reg.DeviceCount(), r.reg.ClientCount())
}

// ClaimDevice admits a device announcing serial on conn. It refuses serials
// that are not provisioned, and serials held by another local connection or
// by another node whose heartbeat is alive.
func (r *Router) ClaimDevice(ctx context.Context, serial string, conn registry.Conn) error {
	dctx, cancel := r.dirCtx(ctx)
	defer cancel()

	provisioned, err := r.dir.IsProvisioned(dctx, serial)
	if err != nil {
		r.logger.Warn("Provisioning lookup failed", "serial", serial, "error", err)
	}
	if !provisioned {
		return errors.WrapInvalid(errors.ErrUnauthorized, "Router", "ClaimDevice",
			fmt.Sprintf("serial %s not provisioned", serial))
	}

	if d, ok := r.reg.Device(serial); ok && d.Conn != conn {
		return errors.WrapInvalid(errors.ErrDeviceAlreadyConnected, "Router", "ClaimDevice",
			fmt.Sprintf("serial %s held locally by %s", serial, d.Conn.RemoteAddr()))
	}

	owner, found, err := r.dir.DeviceOwner(dctx, serial)
	if err != nil {
		r.logger.Debug("Owner lookup failed", "serial", serial, "error", err)
	}
	if found && owner != r.node {
		alive, err := r.dir.IsNodeAlive(dctx, owner)
		if err != nil {
			r.logger.Debug("Heartbeat lookup failed", "node", owner, "error", err)
		}
		if alive {
			return errors.WrapInvalid(errors.ErrDeviceAlreadyConnected, "Router", "ClaimDevice",
				fmt.Sprintf("serial %s owned by %s", serial, owner))
		}
		r.logger.Info("Taking over device from dead node", "serial", serial, "previous", owner)
	}

	return r.ConnectDevice(ctx, serial, conn)
}

// ConnectDevice registers serial on conn and publishes ownership
func (r *Router) ConnectDevice(ctx context.Context, serial string, conn registry.Conn) error {
	if err := r.reg.RegisterDevice(serial, conn); err != nil {
		return err
	}
	r.updateGauges()

	dctx, cancel := r.dirCtx(ctx)
	defer cancel()
	if err := r.dir.PublishDevice(dctx, serial, r.node); err != nil {
		r.dirWriteFailed("publish_device", err, "serial", serial)
	}

	r.logger.Info("Device connected", "serial", serial, "remote", conn.RemoteAddr())
	return nil
}

// IsDeviceConnected reports whether serial is connected here or anywhere
// the directory knows of.
func (r *Router) IsDeviceConnected(ctx context.Context, serial string) bool {
	if r.reg.HasDevice(serial) {
		return true
	}

	dctx, cancel := r.dirCtx(ctx)
	defer cancel()
	_, found, err := r.dir.DeviceOwner(dctx, serial)
	if err != nil {
		r.logger.Debug("Owner lookup failed", "serial", serial, "error", err)
		return false
	}
	return found
}

// SendPacketToDevice delivers packet to serial, locally or via its owner
func (r *Router) SendPacketToDevice(ctx context.Context, serial string, packet []byte) error {
	if r.reg.HasDevice(serial) {
		return r.DeliverToDevice(ctx, serial, packet)
	}

	dctx, cancel := r.dirCtx(ctx)
	owner, found, err := r.dir.DeviceOwner(dctx, serial)
	cancel()
	if err != nil {
		r.logger.Debug("Owner lookup failed", "serial", serial, "error", err)
	}
	if !found || owner == r.node {
		return errors.WrapInvalid(errors.ErrDeviceNotFound, "Router", "SendPacketToDevice",
			fmt.Sprintf("route to %s", serial))
	}

	if err := r.pub.Publish(ctx, owner, bus.ToDevice(serial, packet)); err != nil {
		return err
	}
	r.metrics.PacketDelivered(metric.PathRemoteDevice)
	return nil
}

// SendPacketToClients delivers packet to every subscriber of serial: local
// ones directly, remote ones with one envelope per node.
func (r *Router) SendPacketToClients(ctx context.Context, serial string, packet []byte) error {
	r.DeliverToClients(ctx, serial, packet)

	var errs []error
	for _, node := range r.remoteSubscriberNodes(ctx, serial) {
		if err := r.pub.Publish(ctx, node, bus.ToClient(serial, packet)); err != nil {
			r.logger.Warn("Forwarding to node failed", "serial", serial, "node", node, "error", err)
			errs = append(errs, err)
			continue
		}
		r.metrics.PacketDelivered(metric.PathRemoteClient)
	}
	return stderrors.Join(errs...)
}

// remoteSubscriberNodes returns the other nodes holding subscribers of
// serial, each once.
func (r *Router) remoteSubscriberNodes(ctx context.Context, serial string) []string {
	dctx, cancel := r.dirCtx(ctx)
	defer cancel()

	subs, err := r.dir.Subscribers(dctx, serial)
	if err != nil {
		r.logger.Debug("Subscriber lookup failed", "serial", serial, "error", err)
		return nil
	}

	seen := make(map[string]bool)
	var nodes []string
	for _, s := range subs {
		if s.Node == r.node || seen[s.Node] {
			continue
		}
		seen[s.Node] = true
		nodes = append(nodes, s.Node)
	}
	return nodes
}

// DisconnectClients closes every client subscribed to serial across the
// cluster and removes their directory subscriptions.
func (r *Router) DisconnectClients(ctx context.Context, serial string) {
	r.CloseClients(ctx, serial)

	for _, node := range r.remoteSubscriberNodes(ctx, serial) {
		if err := r.pub.Publish(ctx, node, bus.DisconnectClients(serial)); err != nil {
			r.logger.Warn("Disconnect broadcast failed", "serial", serial, "node", node, "error", err)
		}
	}

	dctx, cancel := r.dirCtx(ctx)
	defer cancel()
	if err := r.dir.RemoveSubscriptions(dctx, serial); err != nil {
		r.dirWriteFailed("remove_subscriptions", err, "serial", serial)
	}
}

// DeleteDevice evicts serial from this node, closing its transport, and
// removes its directory entry. It returns false when nothing was local.
func (r *Router) DeleteDevice(ctx context.Context, serial string) bool {
	d, removed := r.reg.RemoveDevice(serial)
	if removed {
		_ = d.Conn.Close()
		r.updateGauges()
		r.metrics.DeviceEnded(ReasonEvicted)
	}

	r.releaseOwnership(ctx, serial)
	return removed
}

// releaseOwnership deletes the directory entry unless another node has
// claimed serial since.
func (r *Router) releaseOwnership(ctx context.Context, serial string) {
	dctx, cancel := r.dirCtx(ctx)
	defer cancel()

	owner, found, err := r.dir.DeviceOwner(dctx, serial)
	if err == nil && found && owner != r.node {
		r.logger.Debug("Device now owned elsewhere, keeping entry", "serial", serial, "owner", owner)
		return
	}
	if err := r.dir.DeleteDevice(dctx, serial); err != nil {
		r.dirWriteFailed("delete_device", err, "serial", serial)
	}
}

// ResetLastPacket refreshes the idle timer of a local device
func (r *Router) ResetLastPacket(serial string) bool {
	return r.reg.Touch(serial, r.now())
}

// SerialFromConn returns the serial registered on a device connection
func (r *Router) SerialFromConn(conn registry.Conn) (string, bool) {
	return r.reg.SerialForConn(conn)
}

// EndDevice is the single cleanup path for timeouts, transport close and
// transport errors. Only the caller that unregisters the device runs it;
// it returns false for everyone else.
func (r *Router) EndDevice(ctx context.Context, serial string, conn registry.Conn, reason string) bool {
	if !r.reg.UnregisterDevice(serial, conn) {
		return false
	}
	r.updateGauges()

	if err := conn.Close(); err != nil {
		r.logger.Debug("Closing device transport", "serial", serial, "error", err)
	}
	r.DisconnectClients(ctx, serial)
	r.releaseOwnership(ctx, serial)

	r.metrics.DeviceEnded(reason)
	r.logger.Info("Device disconnected", "serial", serial, "reason", reason)
	return true
}

// RegisterClient adds a dashboard client and returns its id
func (r *Router) RegisterClient(ctx context.Context, conn registry.Conn) string {
	id := r.reg.RegisterClient(conn)
	r.updateGauges()

	dctx, cancel := r.dirCtx(ctx)
	defer cancel()
	if err := r.dir.RegisterClient(dctx, directory.ClientEntry{ID: id, Node: r.node}); err != nil {
		r.dirWriteFailed("register_client", err, "client", id)
	}

	r.logger.Debug("Client connected", "client", id, "remote", conn.RemoteAddr())
	return id
}

// AddSerialToClient subscribes conn to serial. The serial must be connected
// somewhere in the cluster.
func (r *Router) AddSerialToClient(ctx context.Context, conn registry.Conn, serial string) error {
	if _, ok := r.reg.ClientID(conn); !ok {
		return errors.WrapInvalid(errors.ErrClientNotFound, "Router", "AddSerialToClient", "lookup client")
	}
	if !r.IsDeviceConnected(ctx, serial) {
		return errors.WrapInvalid(errors.ErrDeviceNotConnected, "Router", "AddSerialToClient",
			fmt.Sprintf("subscribe to %s", serial))
	}

	id, err := r.reg.AddSubscription(conn, serial)
	if err != nil {
		return err
	}

	dctx, cancel := r.dirCtx(ctx)
	defer cancel()
	err = r.dir.AddSubscription(dctx, r.node, id, serial)
	if stderrors.Is(err, errors.ErrClientNotFound) {
		// the record was lost (write failure or pruned); rewrite it whole
		serials, _ := r.reg.Subscriptions(conn)
		err = r.dir.RegisterClient(dctx, directory.ClientEntry{ID: id, Node: r.node, Serials: serials})
	}
	if err != nil {
		r.dirWriteFailed("add_subscription", err, "client", id, "serial", serial)
	}
	return nil
}

// SerialsFromClient returns the serials conn is subscribed to
func (r *Router) SerialsFromClient(conn registry.Conn) ([]string, error) {
	return r.reg.Subscriptions(conn)
}

// RemoveClient forgets a dashboard client here and in the directory
func (r *Router) RemoveClient(ctx context.Context, conn registry.Conn) bool {
	c, ok := r.reg.RemoveClient(conn)
	if !ok {
		return false
	}
	r.updateGauges()

	dctx, cancel := r.dirCtx(ctx)
	defer cancel()
	if err := r.dir.RemoveClient(dctx, r.node, c.ID); err != nil {
		r.dirWriteFailed("remove_client", err, "client", c.ID)
	}

	r.logger.Debug("Client disconnected", "client", c.ID)
	return true
}

// DeliverToDevice writes packet to a device connected to this node. It is
// local only and never publishes.
func (r *Router) DeliverToDevice(_ context.Context, serial string, packet []byte) error {
	d, ok := r.reg.Device(serial)
	if !ok {
		return errors.WrapInvalid(errors.ErrDeviceNotFound, "Router", "DeliverToDevice",
			fmt.Sprintf("local device %s", serial))
	}
	if err := d.Conn.Send(packet); err != nil {
		return errors.WrapTransient(err, "Router", "DeliverToDevice", fmt.Sprintf("send to %s", serial))
	}
	r.metrics.PacketDelivered(metric.PathLocalDevice)
	return nil
}

// DeliverToClients writes packet to the local subscribers of serial and
// returns how many accepted it. It is local only and never publishes.
func (r *Router) DeliverToClients(_ context.Context, serial string, packet []byte) int {
	delivered := 0
	for _, c := range r.reg.Subscribers(serial) {
		if err := c.Conn.Send(packet); err != nil {
			r.logger.Debug("Client send failed", "client", c.ID, "serial", serial, "error", err)
			continue
		}
		delivered++
		r.metrics.PacketDelivered(metric.PathLocalClient)
	}
	return delivered
}

// CloseClients detaches serial from its local subscribers and closes their
// connections. It is local only and never publishes.
func (r *Router) CloseClients(_ context.Context, serial string) int {
	clients := r.reg.DropSubscriptions(serial)
	for _, c := range clients {
		if err := c.Conn.Close(); err != nil {
			r.logger.Debug("Closing client transport", "client", c.ID, "error", err)
		}
	}
	if len(clients) > 0 {
		r.logger.Debug("Closed subscribers", "serial", serial, "clients", len(clients))
	}
	return len(clients)
}

// Reassert rewrites this node's directory state from the registry: device
// ownership for every local device whose entry is missing or already names
// this node, and the record and index keys of every local client. It
// restores entries a peer pruned while this node's heartbeat was missing.
// It returns how many devices and clients were written.
func (r *Router) Reassert(ctx context.Context) (devices, clients int) {
	dctx, cancel := r.dirCtx(ctx)
	defer cancel()

	for _, d := range r.reg.Devices() {
		owner, found, err := r.dir.DeviceOwner(dctx, d.Serial)
		if err != nil {
			r.logger.Debug("Owner lookup failed", "serial", d.Serial, "error", err)
			continue
		}
		if found && owner != r.node {
			r.logger.Warn("Device owned elsewhere while connected here",
				"serial", d.Serial, "owner", owner)
			continue
		}
		if err := r.dir.PublishDevice(dctx, d.Serial, r.node); err != nil {
			r.dirWriteFailed("publish_device", err, "serial", d.Serial)
			continue
		}
		if !found {
			r.logger.Info("Restored device ownership", "serial", d.Serial)
		}
		devices++
	}

	for _, c := range r.reg.Clients() {
		entry := directory.ClientEntry{ID: c.ID, Node: r.node, Serials: c.Serials}
		if err := r.dir.RegisterClient(dctx, entry); err != nil {
			r.dirWriteFailed("register_client", err, "client", c.ID)
			continue
		}
		clients++
	}
	return devices, clients
}

// Shutdown ends every local device and client, then removes this node from
// the directory.
func (r *Router) Shutdown(ctx context.Context) error {
	for _, d := range r.reg.Devices() {
		r.EndDevice(ctx, d.Serial, d.Conn, ReasonShutdown)
	}
	for _, c := range r.reg.Clients() {
		_ = c.Conn.Close()
		r.RemoveClient(ctx, c.Conn)
	}

	dctx, cancel := r.dirCtx(ctx)
	defer cancel()
	if err := r.dir.RemoveNode(dctx, r.node); err != nil {
		r.dirWriteFailed("remove_node", err)
		return errors.WrapTransient(err, "Router", "Shutdown", "remove node from directory")
	}
	r.logger.Info("Router shut down", "node", r.node)
	return nil
}
