package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mocks "github.com/picoscratch/mintgate/testutil"
)

func TestDevice_Unprovisioned(t *testing.T) {
	e := newEnv(t)
	l := e.startDevices(t)

	d := dialDevice(t, l)
	d.send(`{"serial":"sensor-1","temp":21.5}`)

	assert.JSONEq(t, `{"error":1,"message":"Unauthorized"}`, d.read())
	assert.True(t, d.closedByServer())
	assert.False(t, e.reg.HasDevice("sensor-1"))
}

func TestDevice_GenericBeforeSerial(t *testing.T) {
	e := newEnv(t)
	l := e.startDevices(t)

	d := dialDevice(t, l)
	d.send(`{"temp":21.5}`)

	assert.JSONEq(t, `{"error":1,"message":"Unauthorized"}`, d.read())
	assert.True(t, d.closedByServer())
}

func TestDevice_PacketReachesSubscriber(t *testing.T) {
	e := newEnv(t)
	e.provision(t, "sensor-1")
	l := e.startDevices(t)
	ctx := context.Background()

	d := dialDevice(t, l)
	d.send(`{"serial":"sensor-1","temp":21.0}`)
	require.Eventually(t, func() bool { return e.reg.HasDevice("sensor-1") }, 2*time.Second, 10*time.Millisecond)

	client := mocks.NewMockConn()
	e.router.RegisterClient(ctx, client)
	require.NoError(t, e.router.AddSerialToClient(ctx, client, "sensor-1"))

	packet := `{"serial":"sensor-1","temp":21.5}`
	d.send(packet)
	require.Eventually(t, func() bool { return len(client.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, packet, client.SentStrings()[0])

	d.send(`{"humidity":40}`)
	require.Eventually(t, func() bool { return len(client.Sent()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"humidity":40}`, client.SentStrings()[1])

	assert.Equal(t, 3.0, testutil.ToFloat64(e.metrics.PacketsReceived.WithLabelValues("device")))
}

func TestDevice_ErrorsKeepConnectionOpen(t *testing.T) {
	e := newEnv(t)
	e.provision(t, "sensor-1")
	l := e.startDevices(t)

	d := dialDevice(t, l)
	d.send(`{"serial":"sensor-1"}`)
	require.Eventually(t, func() bool { return e.reg.HasDevice("sensor-1") }, 2*time.Second, 10*time.Millisecond)

	d.send(`not json`)
	assert.JSONEq(t, `{"error":1,"message":"Invalid JSON"}`, d.read())

	d.send(`{"serial":"sensor-2"}`)
	assert.JSONEq(t, `{"error":1,"message":"Serial mismatch"}`, d.read())

	require.NoError(t, e.router.SendPacketToDevice(context.Background(), "sensor-1", []byte(`{"led":"on"}`)))
	assert.Equal(t, `{"led":"on"}`, d.read(), "still connected")
}

func TestDevice_AlreadyConnected(t *testing.T) {
	e := newEnv(t)
	e.provision(t, "sensor-1")
	l := e.startDevices(t)

	first := dialDevice(t, l)
	first.send(`{"serial":"sensor-1"}`)
	require.Eventually(t, func() bool { return e.reg.HasDevice("sensor-1") }, 2*time.Second, 10*time.Millisecond)

	second := dialDevice(t, l)
	second.send(`{"serial":"sensor-1"}`)
	assert.JSONEq(t, `{"error":1,"message":"Device already connected"}`, second.read())
	assert.True(t, second.closedByServer())
	assert.True(t, e.reg.HasDevice("sensor-1"))
}

func TestDevice_CloseEndsDevice(t *testing.T) {
	e := newEnv(t)
	e.provision(t, "sensor-1")
	l := e.startDevices(t)
	ctx := context.Background()

	d := dialDevice(t, l)
	d.send(`{"serial":"sensor-1"}`)
	require.Eventually(t, func() bool { return e.reg.HasDevice("sensor-1") }, 2*time.Second, 10*time.Millisecond)

	client := mocks.NewMockConn()
	e.router.RegisterClient(ctx, client)
	require.NoError(t, e.router.AddSerialToClient(ctx, client, "sensor-1"))

	require.NoError(t, d.conn.Close())

	require.Eventually(t, func() bool { return !e.router.IsDeviceConnected(ctx, "sensor-1") }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, client.IsClosed())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.DeviceDisconnects.WithLabelValues("closed")))
}

func TestDevice_OversizedFrame(t *testing.T) {
	e := newEnv(t)
	l := e.startDevices(t)

	d := dialDevice(t, l)
	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'a'
	}
	d.send(string(big))

	assert.True(t, d.closedByServer())
}

func TestDeviceListener_CloseIsIdempotent(t *testing.T) {
	e := newEnv(t)
	l := NewDeviceListener(e.router, DeviceListenerConfig{})
	require.NoError(t, l.Listen("127.0.0.1:0"))

	served := make(chan error, 1)
	go func() { served <- l.Serve(context.Background()) }()

	d := dialDevice(t, l)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.NoError(t, <-served)
	assert.True(t, d.closedByServer())
}
