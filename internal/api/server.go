package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/homesync-core/internal/auth"
	"github.com/nerrad567/homesync-core/internal/device"
	"github.com/nerrad567/homesync-core/internal/infrastructure/config"
	"github.com/nerrad567/homesync-core/internal/infrastructure/eventlog"
	"github.com/nerrad567/homesync-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Commander runs commands and provisioning against the device registry.
// This interface is satisfied by *command.Dispatcher.
type Commander interface {
	Handler
	Provision(ctx context.Context, dev device.Device) (device.Device, error)
	Deprovision(ctx context.Context, id string, v device.Viewer) (device.Device, error)
	Update(ctx context.Context, id string, m device.Metadata, v device.Viewer) (device.Device, error)
}

// Authenticator issues and verifies access tokens.
// This interface is satisfied by *auth.Service.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, *auth.User, error)
	Verify(token string) (auth.Identity, error)
	TTL() time.Duration
}

// EventReader lists recent alert log entries, newest first.
// This interface is satisfied by *eventlog.Log.
type EventReader interface {
	Recent(ctx context.Context, n int64) ([]eventlog.Entry, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Registry *device.Registry
	Commands Commander
	Auth     Authenticator
	Users    auth.UserRepository
	Events   EventReader   // optional; GET /alerts returns an empty list without it
	Hub      *Hub          // optional; created from Registry when nil
	Now      func() time.Time
	Version  string
}

// Server is the HTTP API server for HomeSync Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	logger   *logging.Logger
	registry *device.Registry
	commands Commander
	auth     Authenticator
	users    auth.UserRepository
	events   EventReader
	hub      *Hub
	tickets  *ticketStore
	now      func() time.Time
	started  time.Time
	version  string

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	server *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("commands are required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if deps.Users == nil {
		return nil, fmt.Errorf("user repository is required")
	}

	s := &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		logger:   deps.Logger,
		registry: deps.Registry,
		commands: deps.Commands,
		auth:     deps.Auth,
		users:    deps.Users,
		events:   deps.Events,
		hub:      deps.Hub,
		tickets:  newTicketStore(),
		now:      deps.Now,
		version:  deps.Version,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Registry, deps.Logger)
	}
	s.started = s.now()
	return s, nil
}

// Hub returns the session hub. The dispatcher emits through it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// baseContext is the parent of every session context.
func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Start begins listening for HTTP connections.
//
// It starts the hub and ticket cleanup, builds the router and launches the
// listener in a background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	srvCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.ctx = srvCtx
	s.cancel = cancel
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", srv.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	// Stops the hub, which disconnects every session.
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
