// Package httpserver is the thin HTTP surface described in SPEC_FULL.md
// §6: a go-chi/chi router exposing live-event webhook paths (delegating
// to pkg/liveevent), a /health endpoint reporting orchestrator and
// action-manager liveness, and a /resync trigger endpoint that calls
// Orchestrator.TriggerResync. Routing business logic lives entirely in
// pkg/liveevent and pkg/orchestrator; this package owns only chi's
// middleware stack and request/response plumbing.
//
// Grounded on the pack's only chi+cors pairing, jordigilh-kubernaut's
// gateway CORS integration tests (router := chi.NewRouter(); router.Use
// (cors.Handler(...)); router.Get("/health", ...)), generalized from a
// Gomega-driven test harness to a production constructor. The teacher has
// no HTTP server to imitate, so the logging/recover middleware chain
// follows go-chi/chi's own documented middleware.RequestID/Recoverer
// convention instead.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/port-labs/ocean-core/pkg/entity"
	"github.com/port-labs/ocean-core/pkg/liveevent"
	"github.com/port-labs/ocean-core/pkg/obslog"
	"github.com/port-labs/ocean-core/pkg/orchestrator"
)

// ResyncRunner is the subset of pkg/orchestrator.Orchestrator the /resync
// endpoint needs.
type ResyncRunner interface {
	TriggerResync(ctx context.Context, trigger entity.TriggerType) error
	State() orchestrator.State
}

// ActionHealth is the subset of pkg/action.Manager the /health endpoint
// needs.
type ActionHealth interface {
	Healthy() bool
}

// Config configures a Server.
type Config struct {
	// AllowedOrigins is passed straight to go-chi/cors; a nil/empty slice
	// disables CORS entirely rather than defaulting to permissive, so a
	// caller must opt in (SPEC_FULL §6: "permissive-by-config").
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Server wires pkg/liveevent, pkg/orchestrator, and pkg/action behind a
// chi.Router. The zero value is not ready to use; construct with New.
type Server struct {
	Router chi.Router

	resync  ResyncRunner
	actions ActionHealth
	events  *liveevent.Runtime
	log     obslog.Logger
}

// New builds a Server and registers its routes. paths lists every live
// event path events should accept; each is wired to events.Enqueue.
func New(cfg Config, resync ResyncRunner, actions ActionHealth, events *liveevent.Runtime, paths []string, log obslog.Logger) *Server {
	s := &Server{resync: resync, actions: actions, events: events, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logging)

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: cfg.AllowedMethods,
			AllowedHeaders: cfg.AllowedHeaders,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Post("/resync", s.handleResync)
	for _, path := range paths {
		r.Post(path, s.handleLiveEvent(path))
	}

	s.Router = r
	return s
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type healthResponse struct {
	OrchestratorState orchestrator.State `json:"orchestratorState"`
	ActionsHealthy    bool               `json:"actionsHealthy"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		OrchestratorState: s.resync.State(),
		ActionsHealthy:    s.actions.Healthy(),
	}

	status := http.StatusOK
	if resp.OrchestratorState == orchestrator.StateFailed || !resp.ActionsHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if err := s.resync.TriggerResync(r.Context(), entity.TriggerManual); err != nil {
		s.log.Error().Err(err).Msg("resync trigger failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleLiveEvent(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		headers := make(map[string][]string, len(r.Header))
		for k, v := range r.Header {
			headers[k] = v
		}

		ev := &entity.LiveEvent{
			Path:    path,
			Method:  r.Method,
			Headers: headers,
			Payload: payload,
		}
		if err := s.events.Enqueue(ev); err != nil {
			s.log.Error().Err(err).Str("path", path).Msg("live event enqueue failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"eventId": ev.EventID})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
