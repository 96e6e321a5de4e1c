// Package web serves the local dashboard and the HTTP control API.
package web

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/standby"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/types"
)

//go:embed dashboard.html
var dashboardHTML []byte

// Monitor is the surface the API exposes. Implemented by monitor.Monitor.
type Monitor interface {
	Snapshot() types.Snapshot
	EnterStandby(source standby.TriggerSource) error
	ExitStandby(source standby.TriggerSource) error
	LatestFrameJPEG() ([]byte, error)
}

// Server is the dashboard HTTP server.
type Server struct {
	mon  Monitor
	http *http.Server
}

// NewServer creates the dashboard server on the given address.
func NewServer(addr string, mon Monitor) *Server {
	s := &Server{mon: mon}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/latest_frame.jpg", s.handleLatestFrame).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/standby/status", s.handleStandbyStatus).Methods(http.MethodGet)
	api.HandleFunc("/standby/enable", s.handleStandbyEnable).Methods(http.MethodPost)
	api.HandleFunc("/standby/disable", s.handleStandbyDisable).Methods(http.MethodPost)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("web server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(dashboardHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.mon.Snapshot()
	status := http.StatusOK
	if snap.Status == types.StatusError {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":           snap.Status,
		"stream_connected": snap.StreamConnected,
		"mqtt_connected":   snap.BrokerConnected,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mon.Snapshot())
}

func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	data, err := s.mon.LatestFrameJPEG()
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "no frame available",
		})
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func (s *Server) handleStandbyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mon.Snapshot().Standby)
}

func (s *Server) handleStandbyEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.mon.EnterStandby(standby.SourceManual); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "standby requested",
		"standby": s.mon.Snapshot().Standby,
	})
}

func (s *Server) handleStandbyDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.mon.ExitStandby(standby.SourceManual); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "resume requested",
		"standby": s.mon.Snapshot().Standby,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
