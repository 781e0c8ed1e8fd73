// Package bus forwards routing envelopes between gateway nodes. Every node
// subscribes to its own subject only; envelopes are delivered at most once
// and handled locally, never republished.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/picoscratch/mintgate/errors"
	"github.com/picoscratch/mintgate/metric"
)

// DefaultPrefix is the subject prefix for node subjects
const DefaultPrefix = "mintgate.node"

// Type tags an envelope
type Type string

// Envelope types
const (
	TypeToDevice          Type = "toDevice"
	TypeToClient          Type = "toClient"
	TypeDisconnectClients Type = "disconnectClients"
)

// Envelope is the unit forwarded between nodes
type Envelope struct {
	Type   Type            `json:"type"`
	Serial string          `json:"serial"`
	Packet json.RawMessage `json:"packet,omitempty"`
}

// ToDevice builds an envelope carrying a client packet to a device
func ToDevice(serial string, packet []byte) Envelope {
	return Envelope{Type: TypeToDevice, Serial: serial, Packet: packet}
}

// ToClient builds an envelope carrying a device packet to clients
func ToClient(serial string, packet []byte) Envelope {
	return Envelope{Type: TypeToClient, Serial: serial, Packet: packet}
}

// DisconnectClients builds an envelope closing a device's subscribers
func DisconnectClients(serial string) Envelope {
	return Envelope{Type: TypeDisconnectClients, Serial: serial}
}

// Encode writes the envelope with the packet bytes embedded as they are.
// json.Marshal would compact them.
func (e Envelope) Encode() ([]byte, error) {
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	serial, err := json.Marshal(e.Serial)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	buf.WriteString(`,"serial":`)
	buf.Write(serial)
	if e.Packet != nil {
		if !json.Valid(e.Packet) {
			return nil, errors.ErrMalformedPacket
		}
		buf.WriteString(`,"packet":`)
		buf.Write(e.Packet)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode parses and checks an envelope
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errors.ErrMalformedPacket, err)
	}
	if env.Serial == "" {
		return Envelope{}, fmt.Errorf("%w: missing serial", errors.ErrMalformedPacket)
	}
	switch env.Type {
	case TypeToDevice, TypeToClient:
		if len(env.Packet) == 0 {
			return Envelope{}, fmt.Errorf("%w: %s without packet", errors.ErrMalformedPacket, env.Type)
		}
	case TypeDisconnectClients:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", errors.ErrMalformedPacket, env.Type)
	}
	return env, nil
}

// Transport is the pub/sub surface of natsclient.Client
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Handler receives envelopes addressed to this node. Implementations act on
// local connections only.
type Handler interface {
	DeliverToDevice(ctx context.Context, serial string, packet []byte) error
	DeliverToClients(ctx context.Context, serial string, packet []byte) int
	CloseClients(ctx context.Context, serial string) int
}

// Bus publishes to peer nodes and dispatches envelopes for this node
type Bus struct {
	transport Transport
	node      string
	prefix    string
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// Option configures a Bus
type Option func(*Bus)

// WithPrefix sets the subject prefix
func WithPrefix(prefix string) Option {
	return func(b *Bus) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithMetrics records envelope counters
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a bus for node
func New(transport Transport, node string, opts ...Option) *Bus {
	b := &Bus{
		transport: transport,
		node:      node,
		prefix:    DefaultPrefix,
		logger:    slog.Default().With("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Node returns this node's id
func (b *Bus) Node() string {
	return b.node
}

// Subject returns the subject a node listens on
func (b *Bus) Subject(node string) string {
	return b.prefix + "." + node
}

// Publish sends env to node
func (b *Bus) Publish(ctx context.Context, node string, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "Bus", "Publish", fmt.Sprintf("encode %s", env.Type))
	}
	if err := b.transport.Publish(ctx, b.Subject(node), data); err != nil {
		return errors.WrapTransient(err, "Bus", "Publish", fmt.Sprintf("publish %s to %s", env.Type, node))
	}
	b.metrics.EnvelopePublished(string(env.Type))
	return nil
}

// Start subscribes to this node's subject and dispatches to h
func (b *Bus) Start(ctx context.Context, h Handler) error {
	subject := b.Subject(b.node)
	if err := b.transport.Subscribe(ctx, subject, func(msgCtx context.Context, data []byte) {
		b.dispatch(msgCtx, h, data)
	}); err != nil {
		return errors.WrapTransient(err, "Bus", "Start", fmt.Sprintf("subscribe %s", subject))
	}
	b.logger.Info("Listening for envelopes", "subject", subject)
	return nil
}

func (b *Bus) dispatch(ctx context.Context, h Handler, data []byte) {
	env, err := Decode(data)
	if err != nil {
		b.metrics.EnvelopeDropped()
		b.logger.Debug("Dropping envelope", "error", err, "size", len(data))
		return
	}
	b.metrics.EnvelopeReceived(string(env.Type))

	switch env.Type {
	case TypeToDevice:
		if err := h.DeliverToDevice(ctx, env.Serial, env.Packet); err != nil {
			b.logger.Debug("Envelope for device not delivered", "serial", env.Serial, "error", err)
		}
	case TypeToClient:
		h.DeliverToClients(ctx, env.Serial, env.Packet)
	case TypeDisconnectClients:
		h.CloseClients(ctx, env.Serial)
	}
}
