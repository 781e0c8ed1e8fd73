// Package directory keeps the cluster-wide view of who owns which device and
// which clients are subscribed where, in a shared key-value store.
//
// Records in the directory bucket:
//
//	socket.<serial>          {"server": node}
//	client.<node>.<id>       {"id", "server", "serials"}
//	sub.<serial>.<node>.<id> {"id", "server"}
//	device.<serial>          provisioning record
//	newsletter               ["email", ...]
//
// and in the heartbeat bucket, whose TTL expires silent nodes:
//
//	server.<node>            {"lastPing": epoch-ms}
//
// A subscription is one CAS on the client record plus a Put of its index
// key, so concurrent subscribers never rewrite a shared document.
package directory

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/picoscratch/mintgate/errors"
	"github.com/picoscratch/mintgate/natsclient"
)

// Directory is the shared routing directory
type Directory interface {
	PublishDevice(ctx context.Context, serial, node string) error
	DeleteDevice(ctx context.Context, serial string) error
	DeviceOwner(ctx context.Context, serial string) (node string, found bool, err error)

	IsProvisioned(ctx context.Context, serial string) (bool, error)
	ProvisionDevice(ctx context.Context, serial string, meta map[string]string) error
	DeprovisionDevice(ctx context.Context, serial string) error

	RegisterClient(ctx context.Context, entry ClientEntry) error
	AddSubscription(ctx context.Context, node, id, serial string) error
	RemoveClient(ctx context.Context, node, id string) error
	Subscribers(ctx context.Context, serial string) ([]ClientEntry, error)
	RemoveSubscriptions(ctx context.Context, serial string) error

	Heartbeat(ctx context.Context, node string, now time.Time) error
	IsNodeAlive(ctx context.Context, node string) (bool, error)
	RemoveNode(ctx context.Context, node string) error
	PruneStale(ctx context.Context) (int, error)

	AppendNewsletter(ctx context.Context, email string) (bool, error)
}

// ClientEntry describes a dashboard client attached to some node
type ClientEntry struct {
	ID      string   `json:"id"`
	Node    string   `json:"server"`
	Serials []string `json:"serials,omitempty"`
}

// DeviceEntry names the node that owns a device connection
type DeviceEntry struct {
	Node string `json:"server"`
}

// Provision marks a serial as allowed to connect
type Provision struct {
	Serial        string            `json:"serial"`
	ProvisionedAt int64             `json:"provisionedAt"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// HeartbeatEntry is the value of a node's heartbeat key
type HeartbeatEntry struct {
	LastPing int64 `json:"lastPing"`
}

var (
	errRecordGone        = stderrors.New("record gone")
	errAlreadySubscribed = stderrors.New("already subscribed")
)

// KV implements Directory over two Stores: one for routing records and one,
// with a TTL, for node heartbeats.
type KV struct {
	records Store
	nodes   Store
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a KV directory
type Option func(*KV)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *KV) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock replaces time.Now for provisioning timestamps
func WithClock(now func() time.Time) Option {
	return func(d *KV) {
		d.now = now
	}
}

// NewKV creates a directory over the given stores
func NewKV(records, nodes Store, opts ...Option) *KV {
	d := &KV{
		records: records,
		nodes:   nodes,
		now:     time.Now,
		logger:  slog.Default().With("component", "directory"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PublishDevice records node as the owner of serial. Last writer wins.
func (d *KV) PublishDevice(ctx context.Context, serial, node string) error {
	data, err := json.Marshal(DeviceEntry{Node: node})
	if err != nil {
		return errors.WrapInvalid(err, "Directory", "PublishDevice", "encode device entry")
	}
	if _, err := d.records.Put(ctx, socketKey(serial), data); err != nil {
		return errors.WrapTransient(err, "Directory", "PublishDevice", fmt.Sprintf("put %s", serial))
	}
	return nil
}

// DeleteDevice removes the ownership record. Deleting twice is fine.
func (d *KV) DeleteDevice(ctx context.Context, serial string) error {
	if err := d.records.Delete(ctx, socketKey(serial)); err != nil {
		return errors.WrapTransient(err, "Directory", "DeleteDevice", fmt.Sprintf("delete %s", serial))
	}
	return nil
}

// DeviceOwner returns the node owning serial
func (d *KV) DeviceOwner(ctx context.Context, serial string) (string, bool, error) {
	entry, err := d.records.Get(ctx, socketKey(serial))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return "", false, nil
		}
		return "", false, errors.WrapTransient(err, "Directory", "DeviceOwner", fmt.Sprintf("get %s", serial))
	}

	var dev DeviceEntry
	if err := json.Unmarshal(entry.Value, &dev); err != nil || dev.Node == "" {
		d.logger.Warn("Ignoring malformed device entry", "serial", serial)
		return "", false, nil
	}
	return dev.Node, true, nil
}

// IsProvisioned reports whether serial may connect
func (d *KV) IsProvisioned(ctx context.Context, serial string) (bool, error) {
	ok, err := d.records.Exists(ctx, deviceKey(serial))
	if err != nil {
		return false, errors.WrapTransient(err, "Directory", "IsProvisioned", fmt.Sprintf("get %s", serial))
	}
	return ok, nil
}

// ProvisionDevice allows serial to connect
func (d *KV) ProvisionDevice(ctx context.Context, serial string, meta map[string]string) error {
	if serial == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Directory", "ProvisionDevice", "empty serial")
	}
	data, err := json.Marshal(Provision{Serial: serial, ProvisionedAt: d.now().UnixMilli(), Meta: meta})
	if err != nil {
		return errors.WrapInvalid(err, "Directory", "ProvisionDevice", "encode provision record")
	}
	if _, err := d.records.Put(ctx, deviceKey(serial), data); err != nil {
		return errors.WrapTransient(err, "Directory", "ProvisionDevice", fmt.Sprintf("put %s", serial))
	}
	return nil
}

// DeprovisionDevice revokes a provisioning record
func (d *KV) DeprovisionDevice(ctx context.Context, serial string) error {
	if err := d.records.Delete(ctx, deviceKey(serial)); err != nil {
		return errors.WrapTransient(err, "Directory", "DeprovisionDevice", fmt.Sprintf("delete %s", serial))
	}
	return nil
}

// RegisterClient writes the client record and an index key per serial
func (d *KV) RegisterClient(ctx context.Context, entry ClientEntry) error {
	if entry.Serials == nil {
		entry.Serials = []string{}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapInvalid(err, "Directory", "RegisterClient", "encode client entry")
	}
	if _, err := d.records.Put(ctx, clientKey(entry.Node, entry.ID), data); err != nil {
		return errors.WrapTransient(err, "Directory", "RegisterClient", fmt.Sprintf("put %s", entry.ID))
	}
	for _, serial := range entry.Serials {
		if err := d.putIndex(ctx, serial, entry.Node, entry.ID); err != nil {
			return errors.WrapTransient(err, "Directory", "RegisterClient", fmt.Sprintf("index %s", serial))
		}
	}
	return nil
}

// AddSubscription appends serial to the client's record with a CAS update,
// then writes the index key. Fails with ErrClientNotFound when the client
// has no record.
func (d *KV) AddSubscription(ctx context.Context, node, id, serial string) error {
	err := d.records.UpdateWithRetry(ctx, clientKey(node, id), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errors.ErrClientNotFound
		}
		var entry ClientEntry
		if err := json.Unmarshal(current, &entry); err != nil {
			return nil, fmt.Errorf("decode client entry: %w", err)
		}
		if slices.Contains(entry.Serials, serial) {
			return nil, errAlreadySubscribed
		}
		entry.Serials = append(entry.Serials, serial)
		return json.Marshal(entry)
	})
	switch {
	case err == nil, stderrors.Is(err, errAlreadySubscribed):
	case stderrors.Is(err, errors.ErrClientNotFound):
		return errors.WrapInvalid(err, "Directory", "AddSubscription", fmt.Sprintf("client %s", id))
	default:
		return errors.WrapTransient(err, "Directory", "AddSubscription", fmt.Sprintf("update client %s", id))
	}

	if err := d.putIndex(ctx, serial, node, id); err != nil {
		return errors.WrapTransient(err, "Directory", "AddSubscription", fmt.Sprintf("index %s", serial))
	}
	return nil
}

func (d *KV) putIndex(ctx context.Context, serial, node, id string) error {
	data, err := json.Marshal(ClientEntry{ID: id, Node: node})
	if err != nil {
		return err
	}
	_, err = d.records.Put(ctx, subKey(serial, node, id), data)
	return err
}

// RemoveClient deletes the client record and every index key pointing at it
func (d *KV) RemoveClient(ctx context.Context, node, id string) error {
	keys, err := d.records.Keys(ctx, prefixSub+".*."+node+"."+id)
	if err != nil {
		return errors.WrapTransient(err, "Directory", "RemoveClient", "list index keys")
	}

	var errs []error
	for _, key := range keys {
		if err := d.records.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.records.Delete(ctx, clientKey(node, id)); err != nil {
		errs = append(errs, err)
	}
	if err := stderrors.Join(errs...); err != nil {
		return errors.WrapTransient(err, "Directory", "RemoveClient", fmt.Sprintf("delete %s", id))
	}
	return nil
}

// Subscribers lists the clients subscribed to serial across all nodes
func (d *KV) Subscribers(ctx context.Context, serial string) ([]ClientEntry, error) {
	keys, err := d.records.Keys(ctx, prefixSub+"."+EncodeSerial(serial)+".>")
	if err != nil {
		return nil, errors.WrapTransient(err, "Directory", "Subscribers", fmt.Sprintf("list %s", serial))
	}

	out := make([]ClientEntry, 0, len(keys))
	for _, key := range keys {
		if _, node, id, ok := parseSubKey(key); ok {
			out = append(out, ClientEntry{ID: id, Node: node})
		}
	}
	return out, nil
}

// RemoveSubscriptions deletes every index key for serial and strips serial
// from the referenced client records.
func (d *KV) RemoveSubscriptions(ctx context.Context, serial string) error {
	keys, err := d.records.Keys(ctx, prefixSub+"."+EncodeSerial(serial)+".>")
	if err != nil {
		return errors.WrapTransient(err, "Directory", "RemoveSubscriptions", fmt.Sprintf("list %s", serial))
	}

	var errs []error
	for _, key := range keys {
		_, node, id, ok := parseSubKey(key)
		if !ok {
			continue
		}
		if err := d.records.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
		if err := d.stripSerial(ctx, node, id, serial); err != nil {
			errs = append(errs, err)
		}
	}
	if err := stderrors.Join(errs...); err != nil {
		return errors.WrapTransient(err, "Directory", "RemoveSubscriptions", fmt.Sprintf("clean %s", serial))
	}
	return nil
}

func (d *KV) stripSerial(ctx context.Context, node, id, serial string) error {
	err := d.records.UpdateWithRetry(ctx, clientKey(node, id), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errRecordGone
		}
		var entry ClientEntry
		if err := json.Unmarshal(current, &entry); err != nil {
			return nil, fmt.Errorf("decode client entry: %w", err)
		}
		if !slices.Contains(entry.Serials, serial) {
			return nil, errRecordGone
		}
		entry.Serials = slices.DeleteFunc(entry.Serials, func(s string) bool { return s == serial })
		return json.Marshal(entry)
	})
	if stderrors.Is(err, errRecordGone) {
		return nil
	}
	return err
}

// Heartbeat refreshes the node's heartbeat key
func (d *KV) Heartbeat(ctx context.Context, node string, now time.Time) error {
	data, err := json.Marshal(HeartbeatEntry{LastPing: now.UnixMilli()})
	if err != nil {
		return errors.WrapInvalid(err, "Directory", "Heartbeat", "encode heartbeat")
	}
	if _, err := d.nodes.Put(ctx, serverKey(node), data); err != nil {
		return errors.WrapTransient(err, "Directory", "Heartbeat", fmt.Sprintf("put %s", node))
	}
	return nil
}

// IsNodeAlive reports whether node's heartbeat key has not expired
func (d *KV) IsNodeAlive(ctx context.Context, node string) (bool, error) {
	ok, err := d.nodes.Exists(ctx, serverKey(node))
	if err != nil {
		return false, errors.WrapTransient(err, "Directory", "IsNodeAlive", fmt.Sprintf("get %s", node))
	}
	return ok, nil
}

// RemoveNode deletes the node's heartbeat and every record it owns
func (d *KV) RemoveNode(ctx context.Context, node string) error {
	var errs []error
	if err := d.nodes.Delete(ctx, serverKey(node)); err != nil {
		errs = append(errs, err)
	}
	if err := d.removeOwnedBy(ctx, map[string]bool{node: true}); err != nil {
		errs = append(errs, err)
	}
	if err := stderrors.Join(errs...); err != nil {
		return errors.WrapTransient(err, "Directory", "RemoveNode", fmt.Sprintf("remove %s", node))
	}
	return nil
}

// PruneStale removes records owned by nodes whose heartbeat has expired and
// returns how many such nodes it found.
func (d *KV) PruneStale(ctx context.Context) (int, error) {
	owners, err := d.owners(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "Directory", "PruneStale", "collect owners")
	}

	dead := make(map[string]bool)
	for node := range owners {
		alive, err := d.IsNodeAlive(ctx, node)
		if err != nil {
			return 0, err
		}
		if !alive {
			dead[node] = true
		}
	}
	if len(dead) == 0 {
		return 0, nil
	}

	d.logger.Info("Pruning records of dead nodes", "nodes", len(dead))
	if err := d.removeOwnedBy(ctx, dead); err != nil {
		return len(dead), errors.WrapTransient(err, "Directory", "PruneStale", "remove records")
	}
	return len(dead), nil
}

// owners returns every node referenced by a client, index or device record
func (d *KV) owners(ctx context.Context) (map[string]bool, error) {
	owners := make(map[string]bool)

	clientKeys, err := d.records.Keys(ctx, prefixClient+".>")
	if err != nil {
		return nil, err
	}
	for _, key := range clientKeys {
		if node, _, ok := parseClientKey(key); ok {
			owners[node] = true
		}
	}

	subKeys, err := d.records.Keys(ctx, prefixSub+".>")
	if err != nil {
		return nil, err
	}
	for _, key := range subKeys {
		if _, node, _, ok := parseSubKey(key); ok {
			owners[node] = true
		}
	}

	devices, err := d.deviceEntries(ctx)
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		owners[dev.node] = true
	}
	return owners, nil
}

type ownedDevice struct {
	key      string
	node     string
	revision uint64
}

func (d *KV) deviceEntries(ctx context.Context) ([]ownedDevice, error) {
	keys, err := d.records.Keys(ctx, prefixSocket+".>")
	if err != nil {
		return nil, err
	}

	out := make([]ownedDevice, 0, len(keys))
	for _, key := range keys {
		entry, err := d.records.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, err
		}
		var dev DeviceEntry
		if err := json.Unmarshal(entry.Value, &dev); err != nil || dev.Node == "" {
			continue
		}
		out = append(out, ownedDevice{key: key, node: dev.Node, revision: entry.Revision})
	}
	return out, nil
}

// removeOwnedBy deletes client, index and device records owned by nodes.
// Device records are deleted at the revision read, so an entry rewritten by
// a live node in the meantime survives.
func (d *KV) removeOwnedBy(ctx context.Context, nodes map[string]bool) error {
	var errs []error

	for node := range nodes {
		for _, filter := range []string{prefixSub + ".*." + node + ".*", prefixClient + "." + node + ".*"} {
			keys, err := d.records.Keys(ctx, filter)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, key := range keys {
				if err := d.records.Delete(ctx, key); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	devices, err := d.deviceEntries(ctx)
	if err != nil {
		return stderrors.Join(append(errs, err)...)
	}
	for _, dev := range devices {
		if !nodes[dev.node] {
			continue
		}
		err := d.records.DeleteRevision(ctx, dev.key, dev.revision)
		if err != nil && !stderrors.Is(err, natsclient.ErrKVRevisionMismatch) {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// AppendNewsletter adds email to the newsletter list. It returns false when
// the address was already present.
func (d *KV) AppendNewsletter(ctx context.Context, email string) (bool, error) {
	email = strings.TrimSpace(email)
	err := d.records.UpdateWithRetry(ctx, keyNewsletter, func(current []byte) ([]byte, error) {
		var list []string
		if current != nil {
			if err := json.Unmarshal(current, &list); err != nil {
				return nil, fmt.Errorf("decode newsletter list: %w", err)
			}
		}
		for _, existing := range list {
			if strings.EqualFold(existing, email) {
				return nil, errAlreadySubscribed
			}
		}
		return json.Marshal(append(list, email))
	})
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, errAlreadySubscribed):
		return false, nil
	default:
		return false, errors.WrapTransient(err, "Directory", "AppendNewsletter", "update newsletter list")
	}
}
