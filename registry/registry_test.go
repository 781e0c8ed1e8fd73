package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picoscratch/mintgate/errors"
	"github.com/picoscratch/mintgate/testutil"
)

func fixedClock(t0 time.Time) func() time.Time {
	return func() time.Time { return t0 }
}

func TestRegisterDevice(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	r := New(WithClock(fixedClock(t0)))
	conn := testutil.NewMockConn()

	require.NoError(t, r.RegisterDevice("sensor-1", conn))
	assert.True(t, r.HasDevice("sensor-1"))
	assert.Equal(t, 1, r.DeviceCount())

	d, ok := r.Device("sensor-1")
	require.True(t, ok)
	assert.Equal(t, t0, d.LastPacket)
	assert.Same(t, conn, d.Conn)

	serial, ok := r.SerialForConn(conn)
	require.True(t, ok)
	assert.Equal(t, "sensor-1", serial)

	require.NoError(t, r.RegisterDevice("sensor-1", conn), "same conn refreshes")

	err := r.RegisterDevice("sensor-1", testutil.NewMockConn())
	assert.ErrorIs(t, err, errors.ErrDeviceAlreadyConnected)

	err = r.RegisterDevice("sensor-2", conn)
	assert.ErrorIs(t, err, errors.ErrSerialMismatch)
}

func TestUnregisterDevice_Gate(t *testing.T) {
	r := New()
	conn := testutil.NewMockConn()
	require.NoError(t, r.RegisterDevice("sensor-1", conn))

	assert.False(t, r.UnregisterDevice("sensor-1", testutil.NewMockConn()), "foreign conn cannot remove")
	assert.True(t, r.UnregisterDevice("sensor-1", conn))
	assert.False(t, r.UnregisterDevice("sensor-1", conn), "second caller loses")

	_, ok := r.SerialForConn(conn)
	assert.False(t, ok)
}

func TestUnregisterDevice_ConcurrentExactlyOnce(t *testing.T) {
	r := New()
	conn := testutil.NewMockConn()
	require.NoError(t, r.RegisterDevice("sensor-1", conn))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.UnregisterDevice("sensor-1", conn) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestRemoveDevice(t *testing.T) {
	r := New()
	conn := testutil.NewMockConn()
	require.NoError(t, r.RegisterDevice("sensor-1", conn))

	d, ok := r.RemoveDevice("sensor-1")
	require.True(t, ok)
	assert.Same(t, conn, d.Conn)

	_, ok = r.RemoveDevice("sensor-1")
	assert.False(t, ok)
	assert.False(t, r.UnregisterDevice("sensor-1", conn))
}

func TestTouchAndExpired(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	r := New(WithClock(fixedClock(t0)))

	require.NoError(t, r.RegisterDevice("fresh", testutil.NewMockConn()))
	require.NoError(t, r.RegisterDevice("stale", testutil.NewMockConn()))

	assert.True(t, r.Touch("fresh", t0.Add(8*time.Second)))
	assert.False(t, r.Touch("unknown", t0))

	expired := r.Expired(t0.Add(11*time.Second), 10*time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].Serial)

	assert.Empty(t, r.Expired(t0.Add(10*time.Second), 10*time.Second), "exactly at timeout is alive")
	assert.Len(t, r.Devices(), 2)
}

func TestClientSubscriptions(t *testing.T) {
	r := New()
	a, b := testutil.NewMockConn(), testutil.NewMockConn()

	idA := r.RegisterClient(a)
	_, err := uuid.Parse(idA)
	require.NoError(t, err)
	assert.Equal(t, idA, r.RegisterClient(a), "re-register keeps id")

	r.RegisterClient(b)
	assert.Equal(t, 2, r.ClientCount())

	id, err := r.AddSubscription(a, "sensor-1")
	require.NoError(t, err)
	assert.Equal(t, idA, id)
	_, err = r.AddSubscription(a, "sensor-1")
	require.NoError(t, err)
	_, err = r.AddSubscription(a, "sensor-2")
	require.NoError(t, err)
	_, err = r.AddSubscription(b, "sensor-1")
	require.NoError(t, err)

	serials, err := r.Subscriptions(a)
	require.NoError(t, err)
	assert.Equal(t, []string{"sensor-1", "sensor-2"}, serials, "deduplicated, in order")

	subs := r.Subscribers("sensor-1")
	assert.Len(t, subs, 2)
	assert.Empty(t, r.Subscribers("sensor-9"))

	_, err = r.AddSubscription(testutil.NewMockConn(), "sensor-1")
	assert.ErrorIs(t, err, errors.ErrClientNotFound)
	_, err = r.Subscriptions(testutil.NewMockConn())
	assert.ErrorIs(t, err, errors.ErrClientNotFound)
}

func TestDropSubscriptions(t *testing.T) {
	r := New()
	a, b := testutil.NewMockConn(), testutil.NewMockConn()
	r.RegisterClient(a)
	r.RegisterClient(b)
	_, _ = r.AddSubscription(a, "sensor-1")
	_, _ = r.AddSubscription(a, "sensor-2")
	_, _ = r.AddSubscription(b, "sensor-1")

	dropped := r.DropSubscriptions("sensor-1")
	assert.Len(t, dropped, 2)
	for _, c := range dropped {
		assert.NotContains(t, c.Serials, "sensor-1")
	}

	assert.Empty(t, r.Subscribers("sensor-1"))
	serials, _ := r.Subscriptions(a)
	assert.Equal(t, []string{"sensor-2"}, serials)
	assert.Empty(t, r.DropSubscriptions("sensor-1"), "second drop is empty")
}

func TestRemoveClient(t *testing.T) {
	r := New()
	a := testutil.NewMockConn()
	id := r.RegisterClient(a)
	_, _ = r.AddSubscription(a, "sensor-1")

	c, ok := r.RemoveClient(a)
	require.True(t, ok)
	assert.Equal(t, id, c.ID)
	assert.Equal(t, []string{"sensor-1"}, c.Serials)

	_, ok = r.RemoveClient(a)
	assert.False(t, ok)
	assert.Empty(t, r.Subscribers("sensor-1"))
	assert.Equal(t, 0, r.ClientCount())

	_, ok = r.ClientID(a)
	assert.False(t, ok)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := testutil.NewMockConn()
			r.RegisterClient(conn)
			_, _ = r.AddSubscription(conn, "sensor-1")
			_ = r.Subscribers("sensor-1")
			r.RemoveClient(conn)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.ClientCount())
	assert.Len(t, r.Clients(), 0)
}
