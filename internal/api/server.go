package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/audit"
	"github.com/lwmqn/shepherd-sub001/internal/coordinator"
	"github.com/lwmqn/shepherd-sub001/internal/events"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/config"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/logging"
	"github.com/lwmqn/shepherd-sub001/internal/protocol"
	"github.com/lwmqn/shepherd-sub001/internal/registry"
	"github.com/lwmqn/shepherd-sub001/internal/shepherd"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// Shepherd is what the API needs from the server context.
// *shepherd.Shepherd implements it.
type Shepherd interface {
	Find(clientID string) (*registry.Device, bool)
	List() []*registry.Device
	Observations(clientID string) []coordinator.Observation
	Remove(ctx context.Context, clientID string) (*registry.Device, error)
	RequestWithTimeout(ctx context.Context, req coordinator.Request, timeout time.Duration) (coordinator.Result, error)
	CancelObserve(ctx context.Context, clientID string, path protocol.Path) error
	PermitJoin(d time.Duration) time.Time
	Stats() shepherd.Stats
	Events() *events.Bus
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Shepherd Shepherd
	Audit    audit.Repository // optional
	Version  string
}

// Server is the HTTP API server.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	shepherd Shepherd
	audit    audit.Repository
	version  string

	hub     *Hub
	tickets *ticketStore
	server  *http.Server
	cancel  context.CancelFunc
	detach  func()
}

// New creates a new API server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Shepherd == nil {
		return nil, fmt.Errorf("shepherd is required")
	}
	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		secCfg:   deps.Security,
		logger:   deps.Logger,
		shepherd: deps.Shepherd,
		audit:    deps.Audit,
		version:  deps.Version,
		hub:      NewHub(deps.WS, deps.Logger),
		tickets:  newTicketStore(),
	}, nil
}

// Start attaches the WebSocket hub to the event bus and begins listening
// in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.startBackground(ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// startBackground runs the hub and ticket cleanup until Close and feeds
// the hub from the event bus.
func (s *Server) startBackground(ctx context.Context) {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)
	s.detach = s.shepherd.Events().Subscribe(s.hub.BroadcastEvent)
}

// Close stops the hub and shuts the listener down, waiting up to ten
// seconds for in-flight requests.
func (s *Server) Close() error {
	if s.detach != nil {
		s.detach()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server was started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
