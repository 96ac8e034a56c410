package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gobbyhq/gobby/pkg/autonomous"
	"github.com/gobbyhq/gobby/pkg/events"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var httpLog = logger.New("hooks:http")

// maxEventBody bounds one hook event payload.
const maxEventBody = 4 << 20

// Server is the daemon's hook ingress: hook adapters POST events here and
// get the merged decision back.
type Server struct {
	pipeline *Pipeline
	stops    *autonomous.StopRegistry
	version  string
}

// NewServer creates the ingress around a pipeline. stops may be nil, which
// disables the stop endpoint.
func NewServer(pipeline *Pipeline, stops *autonomous.StopRegistry, version string) *Server {
	return &Server{pipeline: pipeline, stops: stops, version: version}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks", s.handleHook)
	mux.HandleFunc("POST /sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// ListenAndServe runs the ingress on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	httpLog.Printf("Hook ingress listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	var ev events.HookEvent
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err := decoder.Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed hook event: " + err.Error()})
		return
	}
	if ev.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "session_id is required"})
		return
	}
	resp := s.pipeline.Dispatch(r.Context(), &ev)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.stops == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "stop signals are not enabled"})
		return
	}
	sessionID := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body)
	if body.Reason == "" {
		body.Reason = "stop requested"
	}
	sig := s.stops.Issue(r.Context(), sessionID, body.Reason, "api")
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": sessionID, "issued_at": sig.IssuedAt})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": s.version})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		httpLog.Printf("warn: response not written: %v", err)
	}
}
