package gateway

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/picoscratch/mintgate/bus"
	"github.com/picoscratch/mintgate/directory"
	"github.com/picoscratch/mintgate/metric"
	"github.com/picoscratch/mintgate/registry"
	"github.com/picoscratch/mintgate/router"
	mocks "github.com/picoscratch/mintgate/testutil"
)

type env struct {
	dir     *directory.KV
	reg     *registry.Registry
	router  *router.Router
	metrics *metric.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		dir:     directory.NewMemory(time.Now, 70*time.Second),
		reg:     registry.New(),
		metrics: metric.NewMetrics(),
	}
	b := bus.New(mocks.NewMockNATSClient(), "node-a")
	r, err := router.New(router.Deps{
		Node:      "node-a",
		Registry:  e.reg,
		Directory: e.dir,
		Publisher: b,
		Metrics:   e.metrics,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background(), r))
	require.NoError(t, e.dir.Heartbeat(context.Background(), "node-a", time.Now()))
	e.router = r
	return e
}

func (e *env) provision(t *testing.T, serials ...string) {
	t.Helper()
	for _, s := range serials {
		require.NoError(t, e.dir.ProvisionDevice(context.Background(), s, nil))
	}
}

// startDevices runs a device listener on a loopback port
func (e *env) startDevices(t *testing.T) *DeviceListener {
	t.Helper()
	l := NewDeviceListener(e.router, DeviceListenerConfig{MaxFrameBytes: 1024, Metrics: e.metrics})
	require.NoError(t, l.Listen("127.0.0.1:0"))
	go func() { _ = l.Serve(context.Background()) }()
	t.Cleanup(func() { _ = l.Close() })
	return l
}

type deviceClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialDevice(t *testing.T, l *DeviceListener) *deviceClient {
	t.Helper()
	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &deviceClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (d *deviceClient) send(line string) {
	d.t.Helper()
	_, err := d.conn.Write([]byte(line + "\n"))
	require.NoError(d.t, err)
}

func (d *deviceClient) read() string {
	d.t.Helper()
	require.NoError(d.t, d.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := d.r.ReadString('\n')
	require.NoError(d.t, err)
	return strings.TrimSuffix(line, "\n")
}

// closedByServer drains the connection and reports whether the server
// closed it
func (d *deviceClient) closedByServer() bool {
	_ = d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.Copy(io.Discard, d.r)
	return err == nil || !isTimeout(err)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
