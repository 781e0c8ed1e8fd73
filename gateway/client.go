package gateway

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/picoscratch/mintgate/errors"
	"github.com/picoscratch/mintgate/metric"
	"github.com/picoscratch/mintgate/packet"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultReadTimeout  = 60 * time.Second
)

// wsConn is a dashboard transport
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, done: make(chan struct{})}
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// ClientHandlerConfig configures the WebSocket endpoint
type ClientHandlerConfig struct {
	MaxFrameBytes int
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	Metrics       *metric.Metrics
	Logger        *slog.Logger
}

// ClientHandler upgrades dashboard requests to WebSockets and serves them
type ClientHandler struct {
	router       Router
	upgrader     websocket.Upgrader
	maxFrame     int
	pingInterval time.Duration
	readTimeout  time.Duration
	metrics      *metric.Metrics
	logger       *slog.Logger

	mu    sync.Mutex
	conns map[*wsConn]struct{}
	wg    sync.WaitGroup
}

// NewClientHandler creates the WebSocket endpoint
func NewClientHandler(r Router, cfg ClientHandlerConfig) *ClientHandler {
	h := &ClientHandler{
		router: r,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		maxFrame:     cfg.MaxFrameBytes,
		pingInterval: cfg.PingInterval,
		readTimeout:  cfg.ReadTimeout,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		conns:        make(map[*wsConn]struct{}),
	}
	if h.maxFrame <= 0 {
		h.maxFrame = defaultMaxFrame
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	if h.readTimeout <= 0 {
		h.readTimeout = defaultReadTimeout
	}
	if h.logger == nil {
		h.logger = slog.Default().With("component", "websocket")
	}
	return h
}

// ServeHTTP upgrades the request and blocks until the client goes away
func (h *ClientHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newWSConn(conn)
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		h.wg.Done()
	}()

	h.serve(context.WithoutCancel(r.Context()), c)
}

func (h *ClientHandler) serve(ctx context.Context, c *wsConn) {
	id := h.router.RegisterClient(ctx, c)
	defer func() {
		_ = c.Close()
		h.router.RemoveClient(ctx, c)
	}()

	go h.keepAlive(c)

	c.conn.SetReadLimit(int64(h.maxFrame))
	_ = c.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Client read ended", "client", id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		h.handleFrame(ctx, c, data)
	}
}

// keepAlive pings the client until its connection closes
func (h *ClientHandler) keepAlive(c *wsConn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (h *ClientHandler) handleFrame(ctx context.Context, c *wsConn, data []byte) {
	pkt, err := packet.DecodeClient(data)
	if err != nil {
		h.reply(c, err)
		return
	}
	h.metrics.PacketReceived("client")

	switch p := pkt.(type) {
	case packet.Subscribe:
		if err := h.router.AddSerialToClient(ctx, c, p.Serial); err != nil {
			h.reply(c, err)
		}
	case packet.Generic:
		serials, err := h.router.SerialsFromClient(c)
		if err != nil {
			h.reply(c, err)
			return
		}
		for _, serial := range serials {
			err := h.router.SendPacketToDevice(ctx, serial, p.Raw)
			switch {
			case err == nil:
			case stderrors.Is(err, errors.ErrDeviceNotFound):
				h.logger.Debug("Skipping disconnected device", "serial", serial)
			default:
				h.logger.Warn("Forwarding to device failed", "serial", serial, "error", err)
			}
		}
	}
}

func (h *ClientHandler) reply(c *wsConn, err error) {
	if sendErr := c.Send(packet.ClientError(errors.PeerMessage(err))); sendErr != nil {
		h.logger.Debug("Client error reply failed", "remote", c.RemoteAddr(), "error", sendErr)
	}
}

// Close closes every open client connection and waits for their handlers
func (h *ClientHandler) Close() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	h.wg.Wait()
}
