// Package control serves the node's local control endpoint. It is both the
// operator's diagnostics surface and the target of the partner node's
// reachability probe: /healthz is what the peer checker calls.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"clusterha-go/pkg/cloud"
	"clusterha-go/pkg/config"
	"clusterha-go/pkg/events"
	"clusterha-go/pkg/metrics"
	"clusterha-go/pkg/reconcile"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Source provides the state the control endpoint exposes.
type Source interface {
	Snapshot() reconcile.Snapshot
	Bindings() []cloud.Binding
	RecentEvents(n int) []events.Event
}

// Server is the control endpoint HTTP server.
type Server struct {
	cfg        *config.ControlConfig
	nodeID     string
	src        Source
	rec        metrics.Recorder
	logger     zerolog.Logger
	httpServer *http.Server
}

// NewServer creates the control endpoint server.
func NewServer(cfg *config.ControlConfig, nodeID string, src Source, rec metrics.Recorder, logger zerolog.Logger) *Server {
	if rec == nil {
		rec = metrics.NewNoopRecorder()
	}
	return &Server{
		cfg:    cfg,
		nodeID: nodeID,
		src:    src,
		rec:    rec,
		logger: logger.With().Str("component", "control").Logger(),
	}
}

// Handler builds the routed and wrapped handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	if h := s.rec.Handler(); h != nil {
		r.Handle("/metrics", h).Methods(http.MethodGet)
	}

	rl := newRateLimiter(s.logger, s.cfg.RateLimitEnabled, s.cfg.RateLimit, s.cfg.RateLimitBurst)
	return rl.Middleware(s.authMiddleware(r))
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	if s.cfg.Listen == "" {
		s.logger.Info().Msg("Control endpoint listen address not configured, server disabled")
		return nil
	}

	s.httpServer = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info().Str("addr", s.cfg.Listen).Msg("Starting control endpoint")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware verifies the cluster shared key against its bcrypt hash.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.SharedKeyHash != "" {
			key := r.Header.Get("X-Cluster-Key")
			if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.SharedKeyHash), []byte(key)); err != nil {
				s.logger.Warn().Str("remote", r.RemoteAddr).Msg("Rejected control request with bad cluster key")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// healthReport is the /healthz body consumed by the peer checker.
type healthReport struct {
	NodeID  string `json:"node_id"`
	Role    string `json:"role"`
	Phase   string `json:"phase"`
	Healthy bool   `json:"healthy"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.src.Snapshot()
	report := healthReport{
		NodeID: s.nodeID,
		Role:   snap.LocalRole,
		Phase:  snap.Phase,
		Healthy: (snap.LocalRole == "active" || snap.LocalRole == "standby") &&
			snap.Phase != reconcile.PhaseError.String(),
	}
	writeJSON(w, report)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"node_id":    s.nodeID,
		"reconciler": s.src.Snapshot(),
		"bindings":   s.src.Bindings(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	n := 0
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 {
			http.Error(w, "invalid n parameter", http.StatusBadRequest)
			return
		}
		n = v
	}
	writeJSON(w, s.src.RecentEvents(n))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
