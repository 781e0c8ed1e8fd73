package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/picoscratch/mintgate/errors"
	"github.com/picoscratch/mintgate/health"
	"github.com/picoscratch/mintgate/metric"
)

// Health component names reported by the server
const (
	HealthDeviceListener = "device_listener"
	HealthWebSocket      = "websocket"
)

// ServerConfig configures the gateway server
type ServerConfig struct {
	Node           string
	DeviceAddr     string
	HTTPAddr       string
	MaxFrameBytes  int
	NewsletterRate float64
	MDNS           bool
	Metrics        *metric.MetricsRegistry
	Health         *health.Monitor
	Logger         *slog.Logger
}

// Server runs the device listener and the HTTP surface: WebSocket clients
// at "/", the newsletter endpoint, /health and /metrics.
type Server struct {
	cfg        ServerConfig
	devices    *DeviceListener
	clients    *ClientHandler
	newsletter *NewsletterHandler
	advertiser *Advertiser
	health     *health.Monitor
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	http    *http.Server
	httpLn  net.Listener
	group   *errgroup.Group
}

// NewServer wires the gateway handlers to r and store
func NewServer(r Router, store NewsletterStore, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	monitor := cfg.Health
	if monitor == nil {
		monitor = health.NewMonitor()
	}
	core := cfg.Metrics.CoreMetrics()

	return &Server{
		cfg: cfg,
		devices: NewDeviceListener(r, DeviceListenerConfig{
			MaxFrameBytes: cfg.MaxFrameBytes,
			Metrics:       core,
			Logger:        logger.With("component", "device_listener"),
		}),
		clients: NewClientHandler(r, ClientHandlerConfig{
			MaxFrameBytes: cfg.MaxFrameBytes,
			Metrics:       core,
			Logger:        logger.With("component", "websocket"),
		}),
		newsletter: NewNewsletterHandler(store, cfg.NewsletterRate, core, logger.With("component", "newsletter")),
		advertiser: &Advertiser{},
		health:     monitor,
		logger:     logger.With("component", "gateway"),
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/{$}", s.clients)
	mux.Handle("/api/subNewsletter", s.newsletter)
	mux.Handle("GET /health", s.health.Handler("mintgate"))
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}
	return mux
}

// Start binds both listeners and serves them in the background. Listener
// failures after Start are reported through Wait.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "check running state")
	}

	if err := s.devices.Listen(s.cfg.DeviceAddr); err != nil {
		return err
	}
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		_ = s.devices.Close()
		return errors.WrapFatal(err, "Server", "Start", "bind "+s.cfg.HTTPAddr)
	}

	s.httpLn = httpLn
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.health.UpdateHealthy(HealthDeviceListener, "listening on "+s.devices.Addr().String())
		err := s.devices.Serve(gctx)
		if err != nil {
			s.health.UpdateFromError(HealthDeviceListener, err)
		}
		return err
	})
	g.Go(func() error {
		s.health.UpdateHealthy(HealthWebSocket, "listening on "+httpLn.Addr().String())
		err := s.http.Serve(httpLn)
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.health.UpdateFromError(HealthWebSocket, err)
		return errors.WrapTransient(err, "Server", "Start", "serve http")
	})
	s.group = g
	s.running = true

	if s.cfg.MDNS {
		if err := s.advertise(); err != nil {
			s.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	s.logger.Info("Gateway started",
		"device_addr", s.devices.Addr().String(),
		"http_addr", httpLn.Addr().String())
	return nil
}

func (s *Server) advertise() error {
	tcpAddr, ok := s.devices.Addr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("device listener address %v is not tcp", s.devices.Addr())
	}
	instance := "mintgate-" + s.cfg.Node
	return s.advertiser.Advertise(instance, tcpAddr.Port, []string{"node=" + s.cfg.Node})
}

// DeviceAddr returns the bound device listener address
func (s *Server) DeviceAddr() net.Addr {
	return s.devices.Addr()
}

// HTTPAddr returns the bound HTTP address, nil before Start
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Wait blocks until both listeners have stopped and returns the first
// listener error.
func (s *Server) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop stops accepting connections, closes open ones and waits up to
// timeout for the listeners to finish.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	server := s.http
	g := s.group
	s.mu.Unlock()

	s.advertiser.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown error", "error", err)
		errs = append(errs, err)
	}
	// hijacked connections are not tracked by Shutdown
	s.clients.Close()
	if err := s.devices.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, err)
		}
	case <-shutdownCtx.Done():
		s.logger.Warn("Gateway listeners did not exit within timeout", "timeout", timeout)
		errs = append(errs, errors.WrapTransient(shutdownCtx.Err(), "Server", "Stop", "wait for listeners"))
	}

	s.health.UpdateUnhealthy(HealthDeviceListener, "stopped")
	s.health.UpdateUnhealthy(HealthWebSocket, "stopped")
	s.logger.Info("Gateway stopped")
	return stderrors.Join(errs...)
}
