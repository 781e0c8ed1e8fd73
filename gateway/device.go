// Package gateway accepts device and dashboard connections and hands their
// packets to the router.
//
// Devices speak newline-delimited JSON over raw TCP. Dashboards speak JSON
// text frames over a WebSocket. Each connection has one reader goroutine;
// writes are serialized per connection so router deliveries from other
// goroutines never interleave frames.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/picoscratch/mintgate/errors"
	"github.com/picoscratch/mintgate/metric"
	"github.com/picoscratch/mintgate/packet"
	"github.com/picoscratch/mintgate/registry"
	"github.com/picoscratch/mintgate/router"
)

const (
	defaultMaxFrame = 64 << 10
	writeTimeout    = 10 * time.Second
)

// Router is the routing surface the gateway drives. *router.Router
// implements it.
type Router interface {
	ClaimDevice(ctx context.Context, serial string, conn registry.Conn) error
	SerialFromConn(conn registry.Conn) (string, bool)
	ResetLastPacket(serial string) bool
	SendPacketToClients(ctx context.Context, serial string, packet []byte) error
	EndDevice(ctx context.Context, serial string, conn registry.Conn, reason string) bool

	RegisterClient(ctx context.Context, conn registry.Conn) string
	AddSerialToClient(ctx context.Context, conn registry.Conn, serial string) error
	SerialsFromClient(conn registry.Conn) ([]string, error)
	SendPacketToDevice(ctx context.Context, serial string, packet []byte) error
	RemoveClient(ctx context.Context, conn registry.Conn) bool
}

var _ Router = (*router.Router)(nil)

// tcpConn is a device transport. Frames written to it get a trailing newline.
type tcpConn struct {
	conn      net.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *tcpConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	frame := make([]byte, 0, len(data)+1)
	frame = append(append(frame, data...), '\n')
	_, err := c.conn.Write(frame)
	return err
}

func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// DeviceListenerConfig configures the TCP device listener
type DeviceListenerConfig struct {
	MaxFrameBytes int
	Metrics       *metric.Metrics
	Logger        *slog.Logger
}

// DeviceListener accepts device connections on a TCP socket
type DeviceListener struct {
	router   Router
	maxFrame int
	metrics  *metric.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*tcpConn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewDeviceListener creates a device listener
func NewDeviceListener(r Router, cfg DeviceListenerConfig) *DeviceListener {
	l := &DeviceListener{
		router:   r,
		maxFrame: cfg.MaxFrameBytes,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		conns:    make(map[*tcpConn]struct{}),
	}
	if l.maxFrame <= 0 {
		l.maxFrame = defaultMaxFrame
	}
	if l.logger == nil {
		l.logger = slog.Default().With("component", "device_listener")
	}
	return l
}

// Listen binds addr. It must be called before Serve.
func (l *DeviceListener) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "DeviceListener", "Listen", "bind "+addr)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	return nil
}

// Addr returns the bound address, nil before Listen
func (l *DeviceListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve accepts connections until Close. It returns nil after Close.
func (l *DeviceListener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return errors.WrapFatal(errors.ErrNotStarted, "DeviceListener", "Serve", "listener not bound")
	}

	l.logger.Info("Device listener started", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return errors.WrapTransient(err, "DeviceListener", "Serve", "accept")
		}

		c := &tcpConn{conn: conn}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		l.conns[c] = struct{}{}
		l.wg.Add(1)
		l.mu.Unlock()

		go l.handle(ctx, c)
	}
}

// Close stops accepting, closes every device connection and waits for
// their readers to finish.
func (l *DeviceListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ln := l.listener
	conns := make([]*tcpConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	l.wg.Wait()
	return err
}

func (l *DeviceListener) handle(ctx context.Context, c *tcpConn) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		l.mu.Lock()
		delete(l.conns, c)
		l.mu.Unlock()
		l.wg.Done()
	}()

	l.logger.Debug("Device transport opened", "remote", c.RemoteAddr())

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), l.maxFrame)
	for scanner.Scan() {
		frame := bytes.TrimSpace(scanner.Bytes())
		if len(frame) == 0 {
			continue
		}
		if !l.handleFrame(ctx, c, frame) {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if stderrors.Is(err, bufio.ErrTooLong) {
			_ = c.Send(packet.DeviceError(errors.PeerMessage(errors.ErrMalformedPacket)))
		}
		l.logger.Debug("Device read ended", "remote", c.RemoteAddr(), "error", err)
	}

	if serial, ok := l.router.SerialFromConn(c); ok {
		l.router.EndDevice(ctx, serial, c, router.ReasonClosed)
	}
	_ = c.Close()
}

// handleFrame processes one device frame and reports whether the connection
// stays open.
func (l *DeviceListener) handleFrame(ctx context.Context, c *tcpConn, frame []byte) bool {
	pkt, err := packet.DecodeDevice(frame)
	if err != nil {
		l.reply(c, err)
		return true
	}

	serial, registered := l.router.SerialFromConn(c)
	switch p := pkt.(type) {
	case packet.Sensor:
		if !registered {
			if err := l.router.ClaimDevice(ctx, p.Serial, c); err != nil {
				l.logger.Info("Device refused", "serial", p.Serial, "remote", c.RemoteAddr(), "error", err)
				l.reply(c, err)
				return false
			}
			serial = p.Serial
		} else if p.Serial != serial {
			l.reply(c, errors.ErrSerialMismatch)
			return true
		}
	case packet.Generic:
		if !registered {
			l.reply(c, errors.ErrUnauthorized)
			return false
		}
	}

	l.metrics.PacketReceived("device")
	l.router.ResetLastPacket(serial)
	// forwarding failures are logged by the router
	_ = l.router.SendPacketToClients(ctx, serial, pkt.Bytes())
	return true
}

func (l *DeviceListener) reply(c *tcpConn, err error) {
	if sendErr := c.Send(packet.DeviceError(errors.PeerMessage(err))); sendErr != nil {
		l.logger.Debug("Device error reply failed", "remote", c.RemoteAddr(), "error", sendErr)
	}
}
