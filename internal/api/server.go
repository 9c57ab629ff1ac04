package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-persistence/internal/audit"
	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

// gracefulShutdownTimeout bounds waiting for in-flight requests on Close.
const gracefulShutdownTimeout = 10 * time.Second

// Pool is the database surface the admin server reports on;
// *database.DB satisfies it.
type Pool interface {
	HealthCheck(ctx context.Context) error
	Stats() sql.DBStats
}

// Broker is the MQTT surface the admin server reports on;
// *mqtt.Client satisfies it.
type Broker interface {
	HealthCheck(ctx context.Context) error
	IsConnected() bool
}

// ChangeLog is the history surface behind /api/v1/changes;
// *audit.Recorder satisfies it.
type ChangeLog interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// ObjectReader is the read surface of the persistence service;
// *persistence.Service satisfies it.
type ObjectReader interface {
	GetObjectByID(ctx context.Context, kind persistence.Kind, id int64) (persistence.Entity, bool)
	GetAllObjects(ctx context.Context, kind persistence.Kind) (map[int64]persistence.Entity, bool)
}

// Deps holds the dependencies of the admin server.
type Deps struct {
	Config   config.AdminConfig
	Logger   *logging.Logger
	DB       Pool
	Registry *persistence.Registry

	// MQTT is optional; leave it nil when change notifications are off.
	MQTT Broker

	// Objects is optional; without it the object routes answer 404.
	Objects ObjectReader

	// Changes is optional; without it /api/v1/changes answers 404.
	Changes ChangeLog

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Version string
}

// Server is the admin HTTP server.
type Server struct {
	cfg       config.AdminConfig
	logger    *logging.Logger
	db        Pool
	registry  *persistence.Registry
	mqtt      Broker
	changes   ChangeLog
	objects   ObjectReader
	gatherer  prometheus.Gatherer
	version   string
	startTime time.Time

	server   *http.Server
	listener net.Listener
}

// New creates an admin server. It does not listen until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("handler registry is required")
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		db:        deps.DB,
		registry:  deps.Registry,
		mqtt:      deps.MQTT,
		changes:   deps.Changes,
		objects:   deps.Objects,
		gatherer:  gatherer,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Start binds the listener and serves in the background. Binding errors
// (port in use) are returned; later serve errors are logged.
func (s *Server) Start(_ context.Context) error {
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
		s.server = nil
		return fmt.Errorf("listening on admin address: %w", err)
	}
	s.listener = ln

	s.logger.Info("admin server listening", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts the server down, waiting up to 10 seconds for in-flight
// requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("admin server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down admin server: %w", err)
	}
	return nil
}
