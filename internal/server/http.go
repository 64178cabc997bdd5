package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/skypro1111/lan-relay/internal/config"
	"github.com/skypro1111/lan-relay/internal/metrics"
)

const (
	serviceName    = "lan-relay"
	serviceVersion = "1.0.0"
)

// HTTPServer provides monitoring endpoints for the relay
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	config   *config.Config
	hub      *Hub
	control  *ControlServer
	media    *MediaRelay
	metrics  *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new monitoring API server
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, hub *Hub,
	control *ControlServer, media *MediaRelay, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    cfg,
		hub:       hub,
		control:   control,
		media:     media,
		metrics:   m,
		startTime: time.Now(),
	}

	h.server = &http.Server{
		Addr:         cfg.HTTP.ListenAddress(),
		Handler:      h.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// routes configures the monitoring API routes
func (h *HTTPServer) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(h.withMetrics)

	router.Get("/", h.handleRoot)
	router.Get("/health", h.handleHealth)
	router.Get("/stats", h.handleStats)
	router.Get("/participants", h.handleParticipants)
	router.Get("/participants/{identity}", h.handleParticipantDetail)
	router.Get("/files", h.handleFiles)
	router.Get("/config", h.handleConfig)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}))

	return router
}

// Handler returns the router, for serving without a listener
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics records request count, duration and errors per route pattern
func (h *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start binds the listener and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = listener

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound listener address
func (h *HTTPServer) Addr() net.Addr {
	return h.listener.Addr()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to write HTTP response", slog.String("error", err.Error()))
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	controlStats := h.control.GetStatistics()
	mediaStats := h.media.GetStatistics()

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]any{
			"control": map[string]any{
				"status":             "running",
				"active_connections": controlStats.ActiveConnections,
			},
			"media": map[string]any{
				"status":             "running",
				"datagrams_received": mediaStats.DatagramsReceived,
			},
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	room := h.hub.Snapshot()

	h.writeJSON(w, http.StatusOK, map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"control":   h.control.GetStatistics(),
		"media":     h.media.GetStatistics(),
		"room": map[string]any{
			"participants":  len(room.Participants),
			"presenter":     room.Presenter,
			"chat_messages": room.ChatMessages,
			"files":         len(room.Files),
			"file_bytes":    room.FileBytes,
		},
	})
}

// handleParticipants implements the /participants endpoint
func (h *HTTPServer) handleParticipants(w http.ResponseWriter, r *http.Request) {
	room := h.hub.Snapshot()

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total_participants": len(room.Participants),
		"presenter":          room.Presenter,
		"participants":       room.Participants,
		"timestamp":          time.Now().UTC(),
	})
}

// handleParticipantDetail implements the /participants/{identity} endpoint
func (h *HTTPServer) handleParticipantDetail(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	room := h.hub.Snapshot()

	info, found := lo.Find(room.Participants, func(p ParticipantInfo) bool {
		return p.Identity == identity
	})
	if !found {
		http.Error(w, "Participant not found", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"participant": info,
		"presenting":  room.Presenter != nil && *room.Presenter == identity,
	})
}

// handleFiles implements the /files endpoint
func (h *HTTPServer) handleFiles(w http.ResponseWriter, r *http.Request) {
	room := h.hub.Snapshot()

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total_files": len(room.Files),
		"total_bytes": room.FileBytes,
		"files":       room.Files,
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"bind_address": h.config.Server.BindAddress,
			"control_port": h.config.Server.ControlPort,
			"media_port":   h.config.Server.MediaPort,
		},
		"control": map[string]any{
			"max_frame_bytes":          h.config.Control.MaxFrameBytes,
			"send_timeout":             h.config.Control.SendTimeout,
			"register_timeout":         h.config.Control.RegisterTimeout,
			"enforce_presenter_frames": h.config.Control.EnforcePresenterFrames,
		},
		"media": map[string]any{
			"buffer_size":   h.config.Media.BufferSize,
			"verify_source": h.config.Media.VerifySource,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service": "LAN Conferencing Relay",
		"version": serviceVersion,
		"endpoints": map[string]any{
			"GET /":                        "API documentation",
			"GET /health":                  "Service health check",
			"GET /stats":                   "Control, media and room counters",
			"GET /participants":            "List registered participants",
			"GET /participants/{identity}": "Get one participant",
			"GET /files":                   "List uploaded files",
			"GET /config":                  "Get relay configuration",
			"GET /metrics":                 "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
