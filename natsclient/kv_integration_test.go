//go:build integration

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

func TestKVStore_Integration(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	kv := tc.KVStore(t, jetstream.KeyValueConfig{Bucket: "kv-store-test", History: 5})
	ctx := context.Background()

	t.Run("put get delete", func(t *testing.T) {
		_, err := kv.Put(ctx, "socket.sensor-1", []byte(`{"server":"a"}`))
		require.NoError(t, err)

		entry, err := kv.Get(ctx, "socket.sensor-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"server":"a"}`, string(entry.Value))

		require.NoError(t, kv.Delete(ctx, "socket.sensor-1"))
		require.NoError(t, kv.Delete(ctx, "socket.sensor-1"), "second delete is a no-op")

		_, err = kv.Get(ctx, "socket.sensor-1")
		assert.ErrorIs(t, err, ErrKVKeyNotFound)

		exists, err := kv.Exists(ctx, "socket.sensor-1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("create conflicts on existing key", func(t *testing.T) {
		_, err := kv.Create(ctx, "device.abc", []byte("{}"))
		require.NoError(t, err)

		_, err = kv.Create(ctx, "device.abc", []byte("{}"))
		assert.ErrorIs(t, err, ErrKVKeyExists)
	})

	t.Run("update with retry creates missing key", func(t *testing.T) {
		err := kv.UpdateWithRetry(ctx, "newsletter", func(current []byte) ([]byte, error) {
			assert.Nil(t, current)
			return []byte(`["a@example.com"]`), nil
		})
		require.NoError(t, err)

		entry, err := kv.Get(ctx, "newsletter")
		require.NoError(t, err)
		assert.Equal(t, `["a@example.com"]`, string(entry.Value))
	})

	t.Run("update with retry resolves concurrent writers", func(t *testing.T) {
		key := "counter"
		_, err := kv.Put(ctx, key, []byte{0})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, kv.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
					return []byte{current[0] + 1}, nil
				}))
			}()
		}
		wg.Wait()

		entry, err := kv.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, byte(8), entry.Value[0])
	})

	t.Run("update function error aborts", func(t *testing.T) {
		sentinel := errors.New("record missing")
		calls := 0
		err := kv.UpdateWithRetry(ctx, "missing", func([]byte) ([]byte, error) {
			calls++
			return nil, sentinel
		})
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, calls)
	})

	t.Run("keys filtered by prefix", func(t *testing.T) {
		for _, key := range []string{"sub.s1.a.c1", "sub.s1.b.c2", "sub.s2.a.c3"} {
			_, err := kv.Put(ctx, key, []byte("{}"))
			require.NoError(t, err)
		}

		keys, err := kv.Keys(ctx, "sub.s1.>")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"sub.s1.a.c1", "sub.s1.b.c2"}, keys)

		keys, err = kv.Keys(ctx, "nothing.>")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestKVStore_BucketTTL(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	kv := tc.KVStore(t, jetstream.KeyValueConfig{Bucket: "ttl-test", TTL: time.Second})
	ctx := context.Background()

	_, err := kv.Put(ctx, "server.node-a", []byte(`{"lastPing":1}`))
	require.NoError(t, err)

	exists, err := kv.Exists(ctx, "server.node-a")
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Eventually(t, func() bool {
		exists, err := kv.Exists(ctx, "server.node-a")
		return err == nil && !exists
	}, 10*time.Second, 200*time.Millisecond)
}

func TestClient_PublishSubscribe_Integration(t *testing.T) {
	tc := NewTestClient(t)
	other := tc.NewClient(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, "mintgate.node.a", func(_ context.Context, data []byte) {
		received <- data
	}))
	require.NoError(t, tc.Client.GetConnection().Flush())

	require.NoError(t, other.Publish(ctx, "mintgate.node.a", []byte(`{"type":"toClient"}`)))

	select {
	case data := <-received:
		assert.JSONEq(t, `{"type":"toClient"}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}
