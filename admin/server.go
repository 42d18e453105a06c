// Package admin exposes a small HTTP API for inspecting a running
// client: live channel state, recent dispatch history, and Prometheus
// metrics. It is read-only; subscriptions are managed in code.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/journal"
	"github.com/civicstream/ripple/mux"
	"github.com/civicstream/ripple/telemetry"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1024

	shutdownTimeout = 5 * time.Second
)

// StatsSource provides the live channel table for /status.
type StatsSource interface {
	Stats() []mux.ChannelInfo
	ChannelStats() (openChannels int, activeConsumers int)
}

// JournalSource provides the recent dispatch history, when journaling is
// enabled.
type JournalSource interface {
	Recent(limit int) ([]journal.Entry, error)
	EntryCount() int
}

// Server serves the admin API for one client.
type Server struct {
	config   cfg.AdminConfiguration
	clientID uint64
	stats    StatsSource
	journal  JournalSource // nil when journaling is disabled

	listener   net.Listener
	httpServer *http.Server
}

// NewServer builds the admin server. journalSource may be nil.
func NewServer(config cfg.AdminConfiguration, clientID uint64, stats StatsSource, journalSource JournalSource) *Server {
	return &Server{
		config:   config,
		clientID: clientID,
		stats:    stats,
		journal:  journalSource,
	}
}

// Handler returns the admin routes for mounting into an existing server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authMiddleware)

	r.Get("/status", s.handleStatus)
	r.Get("/journal/recent", s.handleJournalRecent)
	r.Get("/metrics", s.handleMetrics)

	return r
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("Admin server failed")
		}
	}()

	log.Info().Str("addr", addr).Msg("Admin API listening")
	return nil
}

// Addr returns the bound listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

// authMiddleware validates the bearer token when one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		if parts[1] != s.config.AuthToken {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusResponse is the /status document.
type statusResponse struct {
	ClientID        uint64            `json:"client_id"`
	OpenChannels    int               `json:"open_channels"`
	ActiveConsumers int               `json:"active_consumers"`
	JournalEnabled  bool              `json:"journal_enabled"`
	JournalEntries  int               `json:"journal_entries,omitempty"`
	Channels        []mux.ChannelInfo `json:"channels"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	open, consumers := s.stats.ChannelStats()
	resp := statusResponse{
		ClientID:        s.clientID,
		OpenChannels:    open,
		ActiveConsumers: consumers,
		Channels:        s.stats.Stats(),
	}
	if s.journal != nil {
		resp.JournalEnabled = true
		resp.JournalEntries = s.journal.EntryCount()
	}

	writeJSONResponse(w, resp)
}

func (s *Server) handleJournalRecent(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeErrorResponse(w, http.StatusNotFound, "journal is not enabled")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.journal.Recent(limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]any{"entries": entries})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	handler := telemetry.GetMetricsHandler()
	if handler == nil {
		writeErrorResponse(w, http.StatusNotFound, "prometheus metrics are not enabled")
		return
	}
	handler.ServeHTTP(w, r)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses the limit query parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultRecentLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > maxRecentLimit {
		return 0, fmt.Errorf("limit cannot exceed %d", maxRecentLimit)
	}

	return limit, nil
}
