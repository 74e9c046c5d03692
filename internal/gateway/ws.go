package gateway

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agencykit/agentd/internal/agency"
	"github.com/agencykit/agentd/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 60 * time.Second
)

// wsCommand is one client-to-server control frame.
type wsCommand struct {
	Type     string   `json:"type"`
	AgentIDs []string `json:"agentIds,omitempty"`
}

// wsEvent is one relayed event, flattened for UI consumers.
type wsEvent struct {
	events.Event
	AgencyID  string `json:"agencyId"`
	AgentID   string `json:"agentId"`
	AgentType string `json:"agentType,omitempty"`
}

// handleWebSocket upgrades the connection and streams relay events.
// Authentication uses the auth-<base64(secret)> subprotocol; the key
// query parameter is accepted as a fallback for clients that cannot
// set subprotocols.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	selected, ok := s.wsAuthorized(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid or missing secret")
		return
	}

	g, err := s.manager.Agency(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to open agency")
		return
	}

	var header http.Header
	if selected != "" {
		header = http.Header{"Sec-WebSocket-Protocol": []string{selected}}
	}
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.log.Warn("gateway.ws_upgrade_failed", "error", err)
		return
	}

	sub := g.Relay().Subscribe(nil)
	defer sub.Close()
	defer conn.Close()

	s.log.Info("gateway.ws_connected", "agency", g.ID(), "remote", conn.RemoteAddr())

	done := make(chan struct{})
	go s.wsWriteLoop(conn, g, sub, done)
	s.wsReadLoop(conn, sub)
	close(done)
}

// wsAuthorized checks the subprotocol list, then the query fallback.
// It returns the subprotocol to echo back, if any.
func (s *Server) wsAuthorized(r *http.Request) (selected string, ok bool) {
	if s.cfg.Secret == "" {
		return "", true
	}
	for _, p := range websocket.Subprotocols(r) {
		if !strings.HasPrefix(p, "auth-") {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(p, "auth-"))
		if err != nil {
			continue
		}
		if secretEqual(string(raw), s.cfg.Secret) {
			return p, true
		}
	}
	if s.authorized(r) {
		return "", true
	}
	return "", false
}

func (s *Server) wsReadLoop(conn *websocket.Conn, sub *agency.Subscription) {
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		switch cmd.Type {
		case "subscribe":
			sub.SetFilter(cmd.AgentIDs)
		case "unsubscribe":
			if len(cmd.AgentIDs) > 0 {
				sub.Remove(cmd.AgentIDs)
			} else {
				sub.Mute()
			}
		}
	}
}

func (s *Server) wsWriteLoop(conn *websocket.Conn, g *agency.Agency, sub *agency.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			frame := wsEvent{
				Event:    env.Event,
				AgencyID: env.AgencyID,
				AgentID:  env.AgentID,
			}
			if a, err := g.Agent(env.AgentID); err == nil {
				frame.AgentType = a.Type()
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
