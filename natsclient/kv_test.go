package natsclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEntry struct {
	jetstream.KeyValueEntry
	value    []byte
	revision uint64
}

func (e stubEntry) Value() []byte    { return e.value }
func (e stubEntry) Revision() uint64 { return e.revision }

// stubBucket serves one existing key and scripts the results of Get and
// Update. Methods not overridden panic through the nil embedded interface.
type stubBucket struct {
	jetstream.KeyValue

	mu         sync.Mutex
	getErr     error
	updateErrs []error
	gets       int
	updates    int
}

func (b *stubBucket) Bucket() string { return "stub" }

func (b *stubBucket) Get(_ context.Context, _ string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	if b.getErr != nil {
		return nil, b.getErr
	}
	return stubEntry{value: []byte(`[]`), revision: uint64(b.gets)}, nil
}

func (b *stubBucket) Update(_ context.Context, _ string, _ []byte, revision uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates++
	if len(b.updateErrs) > 0 {
		err := b.updateErrs[0]
		b.updateErrs = b.updateErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return revision + 1, nil
}

func fastRetries(o *KVOptions) {
	o.RetryDelay = time.Millisecond
	o.MaxRetryDelay = time.Millisecond
}

func identity(current []byte) ([]byte, error) { return current, nil }

func TestUpdateWithRetry_RetriesOnlyConflicts(t *testing.T) {
	tests := []struct {
		name        string
		bucket      *stubBucket
		wantErr     error
		wantGets    int
		wantUpdates int
	}{
		{
			name:        "conflicts then success",
			bucket:      &stubBucket{updateErrs: []error{jetstream.ErrKeyExists, jetstream.ErrKeyExists, nil}},
			wantGets:    3,
			wantUpdates: 3,
		},
		{
			name:        "write failure is not retried",
			bucket:      &stubBucket{updateErrs: []error{errors.New("nats: timeout")}},
			wantErr:     errors.New("nats: timeout"),
			wantGets:    1,
			wantUpdates: 1,
		},
		{
			name:        "read failure is not retried",
			bucket:      &stubBucket{getErr: errors.New("nats: no responders available for request")},
			wantErr:     errors.New("no responders"),
			wantGets:    1,
			wantUpdates: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := NewKVStore(tt.bucket, nil, fastRetries)

			err := kv.UpdateWithRetry(context.Background(), "newsletter", identity)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr.Error())
				assert.NotErrorIs(t, err, ErrKVMaxRetriesExceeded)
			}
			assert.Equal(t, tt.wantGets, tt.bucket.gets)
			assert.Equal(t, tt.wantUpdates, tt.bucket.updates)
		})
	}
}

func TestUpdateWithRetry_ConflictsExhausted(t *testing.T) {
	conflicts := make([]error, 20)
	for i := range conflicts {
		conflicts[i] = jetstream.ErrKeyExists
	}
	bucket := &stubBucket{updateErrs: conflicts}
	kv := NewKVStore(bucket, nil, fastRetries, func(o *KVOptions) { o.MaxRetries = 2 })

	err := kv.UpdateWithRetry(context.Background(), "newsletter", identity)
	assert.ErrorIs(t, err, ErrKVMaxRetriesExceeded)
	assert.Equal(t, 3, bucket.updates)
}
