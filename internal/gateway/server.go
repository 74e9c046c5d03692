// Package gateway exposes the REST and WebSocket surface of the
// process: agency management, agent operations, schedules, MCP
// servers, file storage, and the live UI event stream.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agencykit/agentd/internal/agency"
	"github.com/agencykit/agentd/internal/store"
)

// Error codes surfaced to clients.
const (
	codeValidation   = "validation_error"
	codeNotFound     = "not_found"
	codeConflict     = "conflict"
	codeUnauthorized = "unauthorized"
	codeForbidden    = "forbidden"
	codeInternal     = "internal_error"
)

// Config parameterizes the gateway.
type Config struct {
	Addr   string
	Secret string
}

// Server is the public HTTP surface over the agency manager.
type Server struct {
	cfg      Config
	manager  *agency.Manager
	log      *slog.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds the gateway. Call Start to serve.
func NewServer(cfg Config, manager *agency.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, manager: manager, log: log.With("component", "gateway")}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// CORS is wide open; the secret gate is the access control.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// Routes builds and caches the mux.
func (s *Server) Routes() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /agencies", s.auth(s.handleCreateAgency))
	mux.HandleFunc("GET /agencies", s.auth(s.handleListAgencies))
	mux.HandleFunc("DELETE /agency/{id}", s.auth(s.handleDeleteAgency))

	mux.HandleFunc("GET /agency/{id}/blueprints", s.auth(s.withAgency(s.handleListBlueprints)))
	mux.HandleFunc("POST /agency/{id}/blueprints", s.auth(s.withAgency(s.handlePutBlueprint)))
	mux.HandleFunc("DELETE /agency/{id}/blueprints/{name}", s.auth(s.withAgency(s.handleDeleteBlueprint)))

	mux.HandleFunc("GET /agency/{id}/agents", s.auth(s.withAgency(s.handleListAgents)))
	mux.HandleFunc("POST /agency/{id}/agents", s.auth(s.withAgency(s.handleSpawnAgent)))
	mux.HandleFunc("GET /agency/{id}/agents/tree", s.auth(s.withAgency(s.handleForest)))
	mux.HandleFunc("GET /agency/{id}/agents/{aid}/tree", s.auth(s.withAgency(s.handleTree)))
	mux.HandleFunc("DELETE /agency/{id}/agents/{aid}", s.auth(s.withAgency(s.handleDeleteAgent)))

	mux.HandleFunc("GET /agency/{id}/schedules", s.auth(s.withAgency(s.handleListSchedules)))
	mux.HandleFunc("POST /agency/{id}/schedules", s.auth(s.withAgency(s.handleCreateSchedule)))
	mux.HandleFunc("PATCH /agency/{id}/schedules/{sid}", s.auth(s.withAgency(s.handleUpdateSchedule)))
	mux.HandleFunc("POST /agency/{id}/schedules/{sid}/pause", s.auth(s.withAgency(s.handlePauseSchedule)))
	mux.HandleFunc("POST /agency/{id}/schedules/{sid}/resume", s.auth(s.withAgency(s.handleResumeSchedule)))
	mux.HandleFunc("POST /agency/{id}/schedules/{sid}/trigger", s.auth(s.withAgency(s.handleTriggerSchedule)))
	mux.HandleFunc("GET /agency/{id}/schedules/{sid}/runs", s.auth(s.withAgency(s.handleScheduleRuns)))

	mux.HandleFunc("GET /agency/{id}/vars", s.auth(s.withAgency(s.handleGetVars)))
	mux.HandleFunc("PUT /agency/{id}/vars", s.auth(s.withAgency(s.handlePutVars)))
	mux.HandleFunc("GET /agency/{id}/vars/{key}", s.auth(s.withAgency(s.handleGetVar)))
	mux.HandleFunc("PUT /agency/{id}/vars/{key}", s.auth(s.withAgency(s.handlePutVar)))
	mux.HandleFunc("DELETE /agency/{id}/vars/{key}", s.auth(s.withAgency(s.handleDeleteVar)))

	mux.HandleFunc("GET /agency/{id}/mcp", s.auth(s.withAgency(s.handleListMCP)))
	mux.HandleFunc("POST /agency/{id}/mcp", s.auth(s.withAgency(s.handleAddMCP)))
	mux.HandleFunc("POST /agency/{id}/mcp/{sid}/retry", s.auth(s.withAgency(s.handleRetryMCP)))
	mux.HandleFunc("DELETE /agency/{id}/mcp/{sid}", s.auth(s.withAgency(s.handleDeleteMCP)))
	mux.HandleFunc("GET /agency/{id}/mcp/tools", s.auth(s.withAgency(s.handleMCPTools)))
	mux.HandleFunc("POST /agency/{id}/mcp/call", s.auth(s.withAgency(s.handleMCPCall)))

	mux.HandleFunc("/agency/{id}/fs/{path...}", s.auth(s.withAgency(s.handleFS)))

	mux.HandleFunc("GET /agency/{id}/ws", s.handleWebSocket)

	mux.HandleFunc("POST /agency/{id}/agent/{aid}/invoke", s.auth(s.withAgent(s.handleInvoke)))
	mux.HandleFunc("POST /agency/{id}/agent/{aid}/action", s.auth(s.withAgent(s.handleAction)))
	mux.HandleFunc("GET /agency/{id}/agent/{aid}/state", s.auth(s.withAgent(s.handleState)))
	mux.HandleFunc("GET /agency/{id}/agent/{aid}/events", s.auth(s.withAgent(s.handleEvents)))
	mux.HandleFunc("GET /agency/{id}/agent/{aid}/projection", s.auth(s.withAgent(s.handleProjection)))
	mux.HandleFunc("GET /agency/{id}/agent/{aid}/export", s.auth(s.withAgent(s.handleExport)))
	mux.HandleFunc("POST /agency/{id}/agent/{aid}/fork", s.auth(s.withAgency(s.handleFork)))
	mux.HandleFunc("DELETE /agency/{id}/agent/{aid}/destroy", s.auth(s.withAgency(s.handleDeleteAgent)))

	s.mux = mux
	return mux
}

// Handler wraps the mux with CORS for the whole surface.
func (s *Server) Handler() http.Handler {
	return s.cors(s.Routes())
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("gateway.listening", "addr", s.cfg.Addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// cors answers preflights with 204 and stamps permissive headers on
// everything else.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auth enforces the process secret via X-SECRET header or key query
// parameter. Comparison is constant-time.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid or missing secret")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Secret == "" {
		return true
	}
	presented := r.Header.Get("X-SECRET")
	if presented == "" {
		presented = r.URL.Query().Get("key")
	}
	return secretEqual(presented, s.cfg.Secret)
}

func secretEqual(presented, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}

// withAgency resolves the {id} path segment to a live agency.
func (s *Server) withAgency(next func(http.ResponseWriter, *http.Request, *agency.Agency)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := s.manager.Agency(r.Context(), r.PathValue("id"))
		if err != nil {
			s.log.Error("gateway.open_agency_failed", "agency", r.PathValue("id"), "error", err)
			writeError(w, http.StatusInternalServerError, codeInternal, "failed to open agency")
			return
		}
		next(w, r, g)
	}
}

// withAgent additionally resolves {aid} to a running actor.
func (s *Server) withAgent(next agentHandler) http.HandlerFunc {
	return s.withAgency(func(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
		a, err := g.Agent(r.PathValue("aid"))
		if err != nil {
			writeError(w, http.StatusNotFound, codeNotFound, err.Error())
			return
		}
		next(w, r, g, a)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// writeStoreError maps storage errors onto the error taxonomy.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, agency.ErrAgentNotFound),
		errors.Is(err, agency.ErrBlueprintNotFound),
		errors.Is(err, agency.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return false
	}
	return true
}
