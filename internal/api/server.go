package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/devicelease/internal/audit"
	"github.com/nerrad567/devicelease/internal/device"
	"github.com/nerrad567/devicelease/internal/infrastructure/config"
	"github.com/nerrad567/devicelease/internal/infrastructure/logging"
	"github.com/nerrad567/devicelease/internal/inventory"
	"github.com/nerrad567/devicelease/internal/lease"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is implemented by the database, MQTT and InfluxDB clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Leases  *lease.Coordinator
	Monitor *lease.Monitor
	Catalog *device.Catalog

	// Optional.
	Details inventory.Details
	Journal audit.Repository
	Metrics http.Handler
	Checks  map[string]HealthChecker
	Hub     *Hub // created on Start if nil

	Version string
}

// Server is the HTTP API for lease holders.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	leases  *lease.Coordinator
	monitor *lease.Monitor
	catalog *device.Catalog
	details inventory.Details
	journal audit.Repository
	metrics http.Handler
	checks  map[string]HealthChecker
	version string

	hub     *Hub
	tickets *ticketStore
	server  *http.Server
	addr    net.Addr
	cancel  context.CancelFunc
	mu      sync.Mutex
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Leases == nil {
		return nil, fmt.Errorf("lease coordinator is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("device catalog is required")
	}
	if len(deps.Security.JWT.Secret) == 0 {
		return nil, fmt.Errorf("jwt secret is required")
	}

	return &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		secCfg:  deps.Security,
		logger:  deps.Logger,
		leases:  deps.Leases,
		monitor: deps.Monitor,
		catalog: deps.Catalog,
		details: deps.Details,
		journal: deps.Journal,
		metrics: deps.Metrics,
		checks:  deps.Checks,
		version: deps.Version,
		hub:     deps.Hub,
		tickets: newTicketStore(),
	}, nil
}

// Hub returns the WebSocket hub. It is nil before Start unless one was
// passed in Deps.
func (s *Server) Hub() *Hub { return s.hub }

// Start binds the listener and serves in a background goroutine. Binding
// happens synchronously so a port conflict is reported here.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}
	go s.tickets.cleanLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
