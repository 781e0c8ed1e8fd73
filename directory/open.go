package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/picoscratch/mintgate/natsclient"
)

// Buckets names the JetStream KV buckets backing a directory
type Buckets struct {
	Records      string
	Nodes        string
	HeartbeatTTL time.Duration
	OpTimeout    time.Duration
}

// Open creates or binds the directory buckets on client and returns a KV
// directory over them.
func Open(ctx context.Context, client *natsclient.Client, b Buckets, logger *slog.Logger) (*KV, error) {
	if logger == nil {
		logger = slog.Default().With("component", "directory")
	}

	records, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      b.Records,
		Description: "mintgate routing directory",
		History:     1,
	})
	if err != nil {
		return nil, err
	}

	nodes, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      b.Nodes,
		Description: "mintgate node heartbeats",
		History:     1,
		TTL:         b.HeartbeatTTL,
	})
	if err != nil {
		return nil, err
	}

	withTimeout := func(o *natsclient.KVOptions) {
		if b.OpTimeout > 0 {
			o.Timeout = b.OpTimeout
		}
	}

	return NewKV(
		natsclient.NewKVStore(records, logger, withTimeout),
		natsclient.NewKVStore(nodes, logger, withTimeout),
		WithLogger(logger),
	), nil
}
