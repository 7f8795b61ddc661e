// Package api provides the HTTP REST API and WebSocket server for helvard.
//
// It exposes the discovered device and group registries, state history,
// and a real-time event stream to user interfaces and integrations.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/helvarnet/helvard/internal/helvarnet"
	"github.com/helvarnet/helvard/internal/history"
	"github.com/helvarnet/helvard/internal/infrastructure/config"
	"github.com/helvarnet/helvard/internal/infrastructure/logging"
	"github.com/helvarnet/helvard/internal/infrastructure/mqtt"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Router is the read surface of the lighting router the API serves from.
// *helvarnet.Router satisfies it.
type Router interface {
	Connected() bool
	Devices() []helvarnet.Device
	Device(addr helvarnet.Address) (helvarnet.Device, bool)
	Groups() []helvarnet.Group
	Group(id int) (helvarnet.Group, bool)
	GroupState(id int, colorModes map[string]helvarnet.ColorMode) (helvarnet.GroupState, error)
	MemberDevices(id int) []helvarnet.Device
	Stats() helvarnet.RouterStats
}

// StateSource receives the retained state stream the bridge publishes.
// *mqtt.Client satisfies it.
type StateSource interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Pinger verifies database liveness for the health endpoint.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config config.APIConfig
	WS     config.WebSocketConfig
	Logger *logging.Logger
	Router Router

	// MQTT is optional; without it the WebSocket stream carries no events.
	MQTT   StateSource
	Topics mqtt.Topics

	// History is optional; without it history endpoints return 503.
	History history.Store

	// DB is optional; without it the health endpoint omits the database check.
	DB Pinger

	// ColorModes configures per-device colour handling for group aggregation.
	ColorModes map[string]helvarnet.ColorMode

	Version string
}

// Server is the HTTP API server for helvard.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	logger     *logging.Logger
	router     Router
	mqtt       StateSource
	topics     mqtt.Topics
	history    history.Store
	db         Pinger
	colorModes map[string]helvarnet.ColorMode
	version    string
	server     *http.Server
	hub        *Hub
	cancel     context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("lighting router is required")
	}

	return &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		logger:     deps.Logger,
		router:     deps.Router,
		mqtt:       deps.MQTT,
		topics:     deps.Topics,
		history:    deps.History,
		db:         deps.DB,
		colorModes: deps.ColorModes,
		version:    deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the routes, starts the WebSocket hub, subscribes to the
// retained MQTT state stream for real-time WebSocket broadcast, and
// launches the HTTP listener in a background goroutine. The server can
// be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	if err := s.subscribeStateUpdates(); err != nil {
		s.logger.Warn("failed to subscribe to state updates for WebSocket", "error", err)
	}

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

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, state relay)
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

// HealthCheck verifies the API server is running.
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
