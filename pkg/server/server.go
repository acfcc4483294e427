// Package server exposes the lifecycle surface over HTTP for the
// supervising control plane.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/stratumsix/fieldgate/pkg/catalog"
	"github.com/stratumsix/fieldgate/pkg/lifecycle"
	"github.com/stratumsix/fieldgate/pkg/model"
	"github.com/stratumsix/fieldgate/pkg/session"
)

// SessionManager is the lifecycle surface the server fronts.
// *lifecycle.Manager implements it.
type SessionManager interface {
	Start(ctx context.Context, taskID int64) (lifecycle.StartResult, error)
	Stop(ctx context.Context, sessionID int64) error
	Status(ctx context.Context, sessionID int64) (lifecycle.StatusDoc, error)
	TestConnection(ctx context.Context, device model.Device) lifecycle.ProbeResult
	AcquireOnce(ctx context.Context, taskID int64) (map[string][]model.Reading, error)
}

// Pinger checks backing-store connectivity for the readiness probe.
// *pgxpool.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Logger  *slog.Logger
	Manager SessionManager
	DB      Pinger

	CORSOrigins []string

	Version string
	Commit  string
	Date    string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Manager == nil {
		return errors.New("session manager is required")
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return nil
}

type Server struct {
	cfg Config
	log *slog.Logger

	// shuttingDown flips the readiness probe to 503 before the listener
	// drains.
	shuttingDown atomic.Bool
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, log: cfg.Logger}, nil
}

// SetShuttingDown makes /readyz fail so load balancers stop routing here.
func (s *Server) SetShuttingDown() {
	s.shuttingDown.Store(true)
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReadyz)
	r.Get("/api/version", s.handleVersion)

	r.Post("/api/sessions/start", s.handleStart)
	r.Post("/api/sessions/{id}/stop", s.handleStop)
	r.Get("/api/sessions/{id}", s.handleStatus)
	r.Post("/api/connections/test", s.handleTestConnection)
	r.Post("/api/tasks/{task_id}/acquire", s.handleAcquire)

	return r
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	if s.cfg.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.cfg.DB.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database connection failed: " + err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": s.cfg.Version,
		"commit":  s.cfg.Commit,
		"date":    s.cfg.Date,
	})
}

type startRequest struct {
	TaskID int64 `json:"task_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TaskID <= 0 {
		s.writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	result, err := s.cfg.Manager.Start(r.Context(), req.TaskID)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrValidationTimeout):
			s.writeError(w, http.StatusGatewayTimeout, err.Error())
		case errors.Is(err, lifecycle.ErrNoDeviceConnected),
			errors.Is(err, session.ErrAlreadyRunning):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, catalog.ErrTaskNotFound):
			s.writeError(w, http.StatusNotFound, err.Error())
		default:
			s.log.Error("server: start failed", "task", req.TaskID, "error", err)
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.cfg.Manager.Stop(r.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, lifecycle.ErrSessionNotRunning):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.log.Error("server: stop failed", "session", sessionID, "error", err)
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"session_id": sessionID, "status": "stopping"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	doc, err := s.cfg.Manager.Status(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("server: status failed", "session", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

type testConnectionRequest struct {
	Protocol     model.Protocol `json:"protocol"`
	DeviceConfig struct {
		Code     string            `json:"code"`
		Host     string            `json:"host"`
		Port     int               `json:"port"`
		Slave    int               `json:"slave"`
		Metadata map[string]string `json:"metadata"`
	} `json:"device_config"`
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Protocol == "" || req.DeviceConfig.Host == "" {
		s.writeError(w, http.StatusBadRequest, "protocol and device_config.host are required")
		return
	}

	device := model.Device{
		Code:     req.DeviceConfig.Code,
		Protocol: req.Protocol,
		Host:     req.DeviceConfig.Host,
		Port:     req.DeviceConfig.Port,
		Slave:    req.DeviceConfig.Slave,
		Metadata: req.DeviceConfig.Metadata,
	}
	if device.Code == "" {
		device.Code = "probe"
	}
	s.writeJSON(w, http.StatusOK, s.cfg.Manager.TestConnection(r.Context(), device))
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.pathID(w, r, "task_id")
	if !ok {
		return
	}
	readings, err := s.cfg.Manager.AcquireOnce(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, catalog.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("server: acquire failed", "task", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "readings": readings})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid "+param)
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
