package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthCheckTimeout bounds the dependency checks behind /healthz.
const healthCheckTimeout = 3 * time.Second

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/kinds", s.handleKinds)
		r.Get("/status", s.handleStatus)
		r.Get("/changes", s.handleListChanges)
		r.Route("/objects/{kind}", func(r chi.Router) {
			r.Get("/", s.handleListObjects)
			r.Get("/{id}", s.handleGetObject)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	return r
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Version: s.version, Checks: map[string]string{}}
	status := http.StatusOK

	if err := s.db.HealthCheck(ctx); err != nil {
		s.logger.Warn("database health check failed", "error", err)
		resp.Checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		resp.Checks["database"] = "ok"
	}

	if s.mqtt != nil {
		if err := s.mqtt.HealthCheck(ctx); err != nil {
			resp.Checks["mqtt"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks["mqtt"] = "ok"
		}
	}

	if status != http.StatusOK {
		resp.Status = "unhealthy"
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleKinds(w http.ResponseWriter, _ *http.Request) {
	kinds := s.registry.Kinds()
	writeJSON(w, http.StatusOK, map[string]any{
		"kinds": kinds,
		"count": len(kinds),
	})
}

// StatusResponse is the /api/v1/status body.
type StatusResponse struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeStatus   `json:"runtime"`
	Database      DatabaseStatus  `json:"database"`
	MQTT          *MQTTConnStatus `json:"mqtt,omitempty"`
}

// RuntimeStatus contains Go runtime statistics.
type RuntimeStatus struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// DatabaseStatus contains connection pool statistics.
type DatabaseStatus struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	MaxIdleClosed   int64 `json:"max_idle_closed"`
}

// MQTTConnStatus reports the broker connection.
type MQTTConnStatus struct {
	Connected bool `json:"connected"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stats := s.db.Stats()

	resp := StatusResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeStatus{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
			NumGC:         mem.NumGC,
		},
		Database: DatabaseStatus{
			OpenConnections: stats.OpenConnections,
			InUse:           stats.InUse,
			Idle:            stats.Idle,
			WaitCount:       stats.WaitCount,
			MaxIdleClosed:   stats.MaxIdleClosed,
		},
	}
	if s.mqtt != nil {
		resp.MQTT = &MQTTConnStatus{Connected: s.mqtt.IsConnected()}
	}
	writeJSON(w, http.StatusOK, resp)
}
