package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mocks "github.com/picoscratch/mintgate/testutil"
)

func dialClient(t *testing.T, h *ClientHandler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestClient_SubscribeAndReceive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h := NewClientHandler(e.router, ClientHandlerConfig{Metrics: e.metrics})
	t.Cleanup(h.Close)

	dev := mocks.NewMockConn()
	require.NoError(t, e.router.ConnectDevice(ctx, "sensor-1", dev))

	conn := dialClient(t, h)
	require.Eventually(t, func() bool { return e.reg.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	writeFrame(t, conn, `{"type":"serial","serial":"sensor-1"}`)
	require.Eventually(t, func() bool { return len(e.reg.Subscribers("sensor-1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	packet := `{"serial":"sensor-1","temp":21.5}`
	require.NoError(t, e.router.SendPacketToClients(ctx, "sensor-1", []byte(packet)))
	assert.Equal(t, packet, readFrame(t, conn))

	writeFrame(t, conn, `{"led":"on"}`)
	require.Eventually(t, func() bool { return len(dev.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"led":"on"}`, dev.SentStrings()[0])
}

func TestClient_ErrorReplies(t *testing.T) {
	e := newEnv(t)
	h := NewClientHandler(e.router, ClientHandlerConfig{})
	t.Cleanup(h.Close)

	conn := dialClient(t, h)

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"invalid json", `{oops`, `{"type":"error","error":1,"message":"Invalid JSON"}`},
		{"not an object", `[1,2]`, `{"type":"error","error":1,"message":"Invalid JSON"}`},
		{"device not connected", `{"type":"serial","serial":"ghost"}`, `{"type":"error","error":1,"message":"Device not connected"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeFrame(t, conn, tt.frame)
			assert.JSONEq(t, tt.want, readFrame(t, conn))
		})
	}
}

func TestClient_GenericWithoutSubscriptions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h := NewClientHandler(e.router, ClientHandlerConfig{})
	t.Cleanup(h.Close)

	dev := mocks.NewMockConn()
	require.NoError(t, e.router.ConnectDevice(ctx, "sensor-1", dev))

	conn := dialClient(t, h)
	writeFrame(t, conn, `{"led":"on"}`)
	writeFrame(t, conn, `{"type":"serial","serial":"ghost"}`)
	readFrame(t, conn)

	assert.Empty(t, dev.Sent())
}

func TestClient_CloseRemovesClient(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h := NewClientHandler(e.router, ClientHandlerConfig{})
	t.Cleanup(h.Close)

	require.NoError(t, e.router.ConnectDevice(ctx, "sensor-1", mocks.NewMockConn()))

	conn := dialClient(t, h)
	writeFrame(t, conn, `{"type":"serial","serial":"sensor-1"}`)
	require.Eventually(t, func() bool { return len(e.reg.Subscribers("sensor-1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return e.reg.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	subs, err := e.dir.Subscribers(ctx, "sensor-1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestClient_DeviceEndClosesClient(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h := NewClientHandler(e.router, ClientHandlerConfig{})
	t.Cleanup(h.Close)

	dev := mocks.NewMockConn()
	require.NoError(t, e.router.ConnectDevice(ctx, "sensor-1", dev))

	conn := dialClient(t, h)
	writeFrame(t, conn, `{"type":"serial","serial":"sensor-1"}`)
	require.Eventually(t, func() bool { return len(e.reg.Subscribers("sensor-1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.True(t, e.router.EndDevice(ctx, "sensor-1", dev, "timeout"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestClient_PingKeepsAlive(t *testing.T) {
	e := newEnv(t)
	h := NewClientHandler(e.router, ClientHandlerConfig{
		PingInterval: 20 * time.Millisecond,
		ReadTimeout:  200 * time.Millisecond,
	})
	t.Cleanup(h.Close)

	conn := dialClient(t, h)
	pings := make(chan struct{}, 16)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	// the read loop must run for control frames to be processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, e.reg.ClientCount(), "pongs extend the read deadline")
}
