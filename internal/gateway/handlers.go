package gateway

import (
	"errors"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/agencykit/agentd/internal/agency"
	"github.com/agencykit/agentd/internal/agent"
	"github.com/agencykit/agentd/internal/files"
	"github.com/agencykit/agentd/internal/messages"
	"github.com/agencykit/agentd/internal/projection"
	"github.com/agencykit/agentd/internal/store"
)

type agentHandler func(http.ResponseWriter, *http.Request, *agency.Agency, *agent.Actor)

var agencyName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func (s *Server) handleCreateAgency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !agencyName.MatchString(req.Name) {
		writeError(w, http.StatusBadRequest, codeValidation, "agency name must match [A-Za-z0-9_-]+")
		return
	}
	for _, id := range s.manager.List() {
		if id == req.Name {
			writeError(w, http.StatusConflict, codeConflict, "agency already exists")
			return
		}
	}
	if _, err := s.manager.Agency(r.Context(), req.Name); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.Name})
}

func (s *Server) handleListAgencies(w http.ResponseWriter, r *http.Request) {
	ids := s.manager.List()
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]any{"agencies": ids})
}

func (s *Server) handleDeleteAgency(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListBlueprints(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	bps, err := g.ListBlueprints(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blueprints": bps})
}

func (s *Server) handlePutBlueprint(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	var bp store.Blueprint
	if !decodeBody(w, r, &bp) {
		return
	}
	saved, err := g.PutBlueprint(r.Context(), bp)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteBlueprint(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	if err := g.DeleteBlueprint(r.Context(), r.PathValue("name")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	records, err := g.ListAgents(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": records})
}

func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	var req struct {
		AgentType      string            `json:"agentType"`
		Input          string            `json:"input,omitempty"`
		Vars           map[string]any    `json:"vars,omitempty"`
		RelatedAgentID string            `json:"relatedAgentId,omitempty"`
		Metadata       map[string]string `json:"metadata,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentType == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "agentType is required")
		return
	}
	a, err := g.Spawn(r.Context(), agency.SpawnRequest{
		AgentType: req.AgentType,
		Message:   req.Input,
		Vars:      req.Vars,
		ParentID:  req.RelatedAgentID,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": a.ID(), "type": a.Type()})
}

func (s *Server) handleForest(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	forest, err := g.Forest(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": forest})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	tree, err := g.Tree(r.Context(), r.PathValue("aid"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	if err := g.DeleteAgent(r.Context(), r.PathValue("aid")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	schedules, err := g.Scheduler().List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	var sch store.Schedule
	if !decodeBody(w, r, &sch) {
		return
	}
	sch.ID = ""
	saved, err := g.Scheduler().Put(r.Context(), sch)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	existing, err := g.Scheduler().Get(r.Context(), r.PathValue("sid"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	patch := *existing
	if !decodeBody(w, r, &patch) {
		return
	}
	patch.ID = existing.ID
	saved, err := g.Scheduler().Put(r.Context(), patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	s.setScheduleStatus(w, r, g, store.SchedulePaused)
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	s.setScheduleStatus(w, r, g, store.ScheduleActive)
}

func (s *Server) setScheduleStatus(w http.ResponseWriter, r *http.Request, g *agency.Agency, status string) {
	saved, err := g.Scheduler().SetStatus(r.Context(), r.PathValue("sid"), status)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	run, err := g.Scheduler().TriggerNow(r.Context(), r.PathValue("sid"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleScheduleRuns(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := g.Scheduler().Runs(r.Context(), r.PathValue("sid"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetVars(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	vars, err := g.GetVars(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vars)
}

func (s *Server) handlePutVars(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	var vars map[string]any
	if !decodeBody(w, r, &vars) {
		return
	}
	for name, v := range vars {
		if err := g.SetVar(r.Context(), name, v); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetVar(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	vars, err := g.GetVars(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	v, ok := vars[r.PathValue("key")]
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "var not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": v})
}

func (s *Server) handlePutVar(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	var req struct {
		Value any `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := g.SetVar(r.Context(), r.PathValue("key"), req.Value); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteVar(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	if err := g.DeleteVar(r.Context(), r.PathValue("key")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListMCP(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	servers, err := g.Store().ListMCPServers(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"servers":     servers,
		"connections": g.MCP().Status(),
	})
}

func (s *Server) handleAddMCP(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	var srv store.MCPServer
	if !decodeBody(w, r, &srv) {
		return
	}
	if srv.ID == "" {
		srv.ID = srv.Name
	}
	saved, err := g.MCP().AddServer(r.Context(), srv)
	if err != nil && saved == nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleRetryMCP(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	if err := g.MCP().Reconnect(r.Context(), r.PathValue("sid")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteMCP(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	if err := g.MCP().RemoveServer(r.Context(), r.PathValue("sid")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleMCPTools(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": g.MCP().Tools()})
}

func (s *Server) handleMCPCall(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	var req struct {
		ServerID  string         `json:"serverId"`
		ToolName  string         `json:"toolName"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ServerID == "" || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "serverId and toolName are required")
		return
	}
	result, err := g.MCP().CallTool(r.Context(), req.ServerID, req.ToolName, req.Arguments)
	if err != nil {
		writeError(w, http.StatusBadGateway, "tool_execution_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// handleFS serves the agency file area. The caller's agent identity
// comes from the agentId query parameter; without one, only /shared is
// writable.
func (s *Server) handleFS(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	fs := g.Files()
	if fs == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "file storage is not configured")
		return
	}
	name := "/" + r.PathValue("path")
	agentID := r.URL.Query().Get("agentId")

	switch r.Method {
	case http.MethodGet:
		if strings.HasSuffix(r.URL.Path, "/") || r.URL.Query().Get("list") == "true" {
			entries, err := fs.List(r.Context(), agentID, strings.TrimSuffix(name, "/"))
			if err != nil {
				writeFSError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"files": entries})
			return
		}
		data, err := fs.Read(r.Context(), agentID, name)
		if err != nil {
			writeFSError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case http.MethodPut:
		data, err := readBody(r, 32<<20)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "read body: "+err.Error())
			return
		}
		if err := fs.Write(r.Context(), agentID, name, data); err != nil {
			writeFSError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case http.MethodDelete:
		if err := fs.Delete(r.Context(), agentID, name); err != nil {
			writeFSError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, codeValidation, "unsupported method")
	}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request, g *agency.Agency, a *agent.Actor) {
	var req struct {
		Message  string         `json:"message,omitempty"`
		Messages []string       `json:"messages,omitempty"`
		Vars     map[string]any `json:"vars,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	for name, v := range req.Vars {
		if err := a.SetVar(r.Context(), name, v); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	msgs := req.Messages
	if req.Message != "" {
		msgs = append(msgs, req.Message)
	}
	if len(msgs) == 0 {
		writeError(w, http.StatusBadRequest, codeValidation, "message is required")
		return
	}
	for _, m := range msgs {
		if err := a.Invoke(r.Context(), m); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "invoked"})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, g *agency.Agency, a *agent.Actor) {
	var req struct {
		Type              string              `json:"type"`
		Approved          *bool               `json:"approved,omitempty"`
		ModifiedToolCalls []messages.ToolCall `json:"modifiedToolCalls,omitempty"`
		Token             string              `json:"token,omitempty"`
		Status            string              `json:"status,omitempty"`
		Report            string              `json:"report,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	var err error
	switch req.Type {
	case "cancel":
		err = a.Cancel(ctx)
	case "approve":
		approved := req.Approved == nil || *req.Approved
		err = a.Approve(ctx, agent.ApproveRequest{
			Approved:          approved,
			ModifiedToolCalls: req.ModifiedToolCalls,
		})
	case "cancel_subagents":
		err = a.CancelSubagents(ctx)
	case "subagent_result":
		err = a.SubagentReport(ctx, req.Token, req.Status, req.Report)
	default:
		writeError(w, http.StatusBadRequest, codeValidation, "unknown action type")
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request, g *agency.Agency, a *agent.Actor) {
	st, err := a.State(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, g *agency.Agency, a *agent.Actor) {
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			after = n
		}
	}
	evs, err := a.Events(r.Context(), after)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleProjection(w http.ResponseWriter, r *http.Request, g *agency.Agency, a *agent.Actor) {
	legacy := r.URL.Query().Get("legacy") == "true"
	if raw := r.URL.Query().Get("at"); raw != "" {
		at, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || at < 0 {
			writeError(w, http.StatusBadRequest, codeValidation, "invalid at parameter")
			return
		}
		proj, err := a.StateAt(r.Context(), at)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if legacy {
			flat, err := flattenMessages(proj.Messages)
			if err != nil {
				writeError(w, http.StatusBadRequest, codeValidation, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, struct {
				*projection.Projection
				Messages []messages.Flat `json:"messages"`
			}{proj, flat})
			return
		}
		writeJSON(w, http.StatusOK, proj)
		return
	}
	st, err := a.State(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if legacy {
		flat, err := flattenMessages(st.Messages)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, struct {
			*agent.State
			Messages []messages.Flat `json:"messages"`
		}{st, flat})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// flattenMessages renders part-based history in the flat legacy shape
// for clients that predate message parts.
func flattenMessages(msgs []messages.Message) ([]messages.Flat, error) {
	out := make([]messages.Flat, 0, len(msgs))
	for _, m := range msgs {
		f, err := messages.FromParts(m)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, g *agency.Agency, a *agent.Actor) {
	evs, err := a.Export(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request, g *agency.Agency) {
	var req struct {
		At int64 `json:"at,omitempty"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	target, err := g.Fork(r.Context(), r.PathValue("aid"), req.At)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": target.ID()})
}

func writeFSError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, files.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, files.ErrForbidden):
		writeError(w, http.StatusForbidden, codeForbidden, err.Error())
	case errors.Is(err, files.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, limit))
}
