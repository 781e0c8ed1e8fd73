package directory

import (
	"context"

	"github.com/picoscratch/mintgate/natsclient"
)

// Store is the key-value surface the directory needs. *natsclient.KVStore
// satisfies it against NATS JetStream; MemoryStore satisfies it in-process.
// Implementations report absent keys with natsclient.ErrKVKeyNotFound.
type Store interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) error
	Delete(ctx context.Context, key string) error
	DeleteRevision(ctx context.Context, key string, revision uint64) error
	Keys(ctx context.Context, filters ...string) ([]string, error)
}

var _ Store = (*natsclient.KVStore)(nil)
