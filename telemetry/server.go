package telemetry

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Status is the JSON document served at /status
type Status struct {
	LastReceivedLSN  *string `json:"last_received_lsn"`
	LastProcessedLSN *string `json:"last_processed_lsn"`
	Buffered         int     `json:"buffered"`
	CatalogRelations int     `json:"catalog_relations"`
}

// CheckpointProvider exposes position log progress
type CheckpointProvider interface {
	LastSeq() uint64
	Cursors() map[string]uint64
	ProcessedLSN() (string, bool, error)
}

// Checkpoint is the JSON document served at /checkpoint
type Checkpoint struct {
	LastSeq      uint64            `json:"last_seq"`
	ProcessedLSN *string           `json:"processed_lsn"`
	Cursors      map[string]uint64 `json:"cursors"`
	Lag          map[string]uint64 `json:"lag"` // Records each sink is behind
}

// ServerConfig configures a telemetry Server. Providers may be nil.
type ServerConfig struct {
	Address     string
	Port        int
	AuthToken   string // Required by /status and /checkpoint when set
	Positions   PositionProvider
	Catalog     CatalogSizer
	Checkpoints CheckpointProvider
}

// Server exposes /metrics, /status and /checkpoint over HTTP
type Server struct {
	config   ServerConfig
	server   *http.Server
	listener net.Listener
}

// NewServer creates a telemetry server
func NewServer(config ServerConfig) *Server {
	s := &Server{config: config}
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Address, config.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the chi router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	if h := GetMetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.handleStatus)
		if s.config.Checkpoints != nil {
			r.Get("/checkpoint", s.handleCheckpoint)
		}
	})

	return r
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Telemetry server failed")
		}
	}()

	log.Info().Str("address", ln.Addr().String()).Msg("Telemetry endpoints enabled")
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{}
	if p := s.config.Positions; p != nil {
		if lsn, ok := p.LastReceivedLSN(); ok {
			status.LastReceivedLSN = &lsn
		}
		if lsn, ok := p.LastProcessedLSN(); ok {
			status.LastProcessedLSN = &lsn
		}
		status.Buffered = p.Buffered()
	}
	if s.config.Catalog != nil {
		status.CatalogRelations = s.config.Catalog.Len()
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	lsn, ok, err := s.config.Checkpoints.ProcessedLSN()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	checkpoint := Checkpoint{
		LastSeq: s.config.Checkpoints.LastSeq(),
		Cursors: s.config.Checkpoints.Cursors(),
		Lag:     make(map[string]uint64),
	}
	if ok {
		checkpoint.ProcessedLSN = &lsn
	}
	for sink, cursor := range checkpoint.Cursors {
		if cursor < checkpoint.LastSeq {
			checkpoint.Lag[sink] = checkpoint.LastSeq - cursor
		} else {
			checkpoint.Lag[sink] = 0
		}
	}

	writeJSON(w, http.StatusOK, checkpoint)
}

// authMiddleware checks the bearer token when one is configured
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing authentication header"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid authorization header format"})
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.config.AuthToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
