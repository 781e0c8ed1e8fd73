// Package registry holds the connections attached to this node: devices by
// serial and dashboard clients with their subscriptions.
//
// All state sits behind one mutex and no method performs I/O while holding
// it. Callers close transports and talk to the directory after the registry
// call returns.
package registry

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/picoscratch/mintgate/errors"
)

// Conn is a peer transport. Implementations must be comparable (pointer
// types) since connections are used as map keys.
type Conn interface {
	Send(data []byte) error
	Close() error
	RemoteAddr() string
}

// Device is a snapshot of a locally connected device
type Device struct {
	Serial     string
	Conn       Conn
	LastPacket time.Time
}

// Client is a snapshot of a locally connected dashboard client
type Client struct {
	ID      string
	Conn    Conn
	Serials []string
}

type clientEntry struct {
	id      string
	serials []string
}

// Registry is the node-local connection table
type Registry struct {
	mu           sync.Mutex
	devices      map[string]*Device
	deviceByConn map[Conn]string
	clients      map[Conn]*clientEntry
	subscribers  map[string]map[Conn]struct{}
	now          func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithClock replaces time.Now for registration timestamps
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		devices:      make(map[string]*Device),
		deviceByConn: make(map[Conn]string),
		clients:      make(map[Conn]*clientEntry),
		subscribers:  make(map[string]map[Conn]struct{}),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterDevice binds serial to conn. Registering the same pair again only
// refreshes the timestamp.
func (r *Registry) RegisterDevice(serial string, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.devices[serial]; ok && existing.Conn != conn {
		return errors.WrapInvalid(errors.ErrDeviceAlreadyConnected, "Registry", "RegisterDevice",
			fmt.Sprintf("register %s", serial))
	}
	if held, ok := r.deviceByConn[conn]; ok && held != serial {
		return errors.WrapInvalid(errors.ErrSerialMismatch, "Registry", "RegisterDevice",
			fmt.Sprintf("conn holds %s, got %s", held, serial))
	}

	r.devices[serial] = &Device{Serial: serial, Conn: conn, LastPacket: r.now()}
	r.deviceByConn[conn] = serial
	return nil
}

// UnregisterDevice removes serial only while it still belongs to conn. It
// returns true for exactly one caller per device lifecycle.
func (r *Registry) UnregisterDevice(serial string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[serial]
	if !ok || d.Conn != conn {
		return false
	}
	delete(r.devices, serial)
	delete(r.deviceByConn, conn)
	return true
}

// RemoveDevice evicts serial regardless of its connection
func (r *Registry) RemoveDevice(serial string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[serial]
	if !ok {
		return Device{}, false
	}
	delete(r.devices, serial)
	delete(r.deviceByConn, d.Conn)
	return *d, true
}

// Device returns the device registered under serial
func (r *Registry) Device(serial string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[serial]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// HasDevice reports whether serial is connected to this node
func (r *Registry) HasDevice(serial string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.devices[serial]
	return ok
}

// SerialForConn returns the serial a device connection registered as
func (r *Registry) SerialForConn(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	serial, ok := r.deviceByConn[conn]
	return serial, ok
}

// Touch refreshes the last-packet timestamp
func (r *Registry) Touch(serial string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[serial]
	if !ok {
		return false
	}
	d.LastPacket = now
	return true
}

// Expired returns devices whose last packet is older than timeout
func (r *Registry) Expired(now time.Time, timeout time.Duration) []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Device
	for _, d := range r.devices {
		if now.Sub(d.LastPacket) > timeout {
			out = append(out, *d)
		}
	}
	return out
}

// Devices returns a snapshot of all local devices
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// RegisterClient adds conn with a fresh UUID. Registering a known conn
// returns its existing id.
func (r *Registry) RegisterClient(conn Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[conn]; ok {
		return c.id
	}
	id := uuid.NewString()
	r.clients[conn] = &clientEntry{id: id}
	return id
}

// ClientID returns the id of a registered client
func (r *Registry) ClientID(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[conn]
	if !ok {
		return "", false
	}
	return c.id, true
}

// AddSubscription subscribes conn to serial. Subscribing twice is a no-op.
func (r *Registry) AddSubscription(conn Conn, serial string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[conn]
	if !ok {
		return "", errors.WrapInvalid(errors.ErrClientNotFound, "Registry", "AddSubscription",
			fmt.Sprintf("subscribe to %s", serial))
	}
	if slices.Contains(c.serials, serial) {
		return c.id, nil
	}

	c.serials = append(c.serials, serial)
	subs, ok := r.subscribers[serial]
	if !ok {
		subs = make(map[Conn]struct{})
		r.subscribers[serial] = subs
	}
	subs[conn] = struct{}{}
	return c.id, nil
}

// Subscriptions returns the serials conn is subscribed to
func (r *Registry) Subscriptions(conn Conn) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[conn]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrClientNotFound, "Registry", "Subscriptions", "lookup client")
	}
	return slices.Clone(c.serials), nil
}

// Subscribers returns the local clients subscribed to serial
func (r *Registry) Subscribers(serial string) []Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subscribers[serial]
	out := make([]Client, 0, len(subs))
	for conn := range subs {
		out = append(out, r.snapshot(conn))
	}
	return out
}

// DropSubscriptions detaches serial from every local client and returns
// the clients that held it.
func (r *Registry) DropSubscriptions(serial string) []Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subscribers[serial]
	delete(r.subscribers, serial)

	out := make([]Client, 0, len(subs))
	for conn := range subs {
		if c, ok := r.clients[conn]; ok {
			c.serials = slices.DeleteFunc(c.serials, func(s string) bool { return s == serial })
		}
		out = append(out, r.snapshot(conn))
	}
	return out
}

// RemoveClient forgets conn and all its subscriptions
func (r *Registry) RemoveClient(conn Conn) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[conn]
	if !ok {
		return Client{}, false
	}
	snap := r.snapshot(conn)
	for _, serial := range c.serials {
		if subs, ok := r.subscribers[serial]; ok {
			delete(subs, conn)
			if len(subs) == 0 {
				delete(r.subscribers, serial)
			}
		}
	}
	delete(r.clients, conn)
	return snap, true
}

// Clients returns a snapshot of all local clients
func (r *Registry) Clients() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Client, 0, len(r.clients))
	for conn := range r.clients {
		out = append(out, r.snapshot(conn))
	}
	return out
}

// DeviceCount returns the number of local devices
func (r *Registry) DeviceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// ClientCount returns the number of local clients
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// snapshot must be called with mu held
func (r *Registry) snapshot(conn Conn) Client {
	c, ok := r.clients[conn]
	if !ok {
		return Client{Conn: conn}
	}
	return Client{ID: c.id, Conn: conn, Serials: slices.Clone(c.serials)}
}
