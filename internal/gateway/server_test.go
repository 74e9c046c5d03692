package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencykit/agentd/internal/agency"
	"github.com/agencykit/agentd/internal/messages"
	"github.com/agencykit/agentd/internal/providers"
	"github.com/agencykit/agentd/internal/store/sqlite"
	"github.com/agencykit/agentd/internal/tools"
)

const testSecret = "s3cret"

type testGateway struct {
	server  *httptest.Server
	manager *agency.Manager
}

func newTestGateway(t *testing.T, provider providers.Provider) *testGateway {
	t.Helper()
	factory := sqlite.NewFactory(t.TempDir())
	manager := agency.NewManager(agency.ManagerConfig{
		FilesDir: t.TempDir(),
	}, factory, provider, func(string) *tools.Registry {
		reg := tools.NewRegistry()
		reg.Register(tools.TaskTool())
		reg.Register(tools.MessageAgentTool())
		return reg
	}, nil)
	t.Cleanup(manager.Close)

	s := NewServer(Config{Secret: testSecret}, manager, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testGateway{server: ts, manager: manager}
}

// do issues an authenticated request and decodes the JSON response.
func (tg *testGateway) do(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, tg.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-SECRET", testSecret)
	resp, err := tg.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (tg *testGateway) createAgency(t *testing.T, name string) {
	t.Helper()
	resp := tg.do(t, http.MethodPost, "/agencies", map[string]string{"name": name}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (tg *testGateway) putBlueprint(t *testing.T, agencyID, name string, caps ...string) {
	t.Helper()
	resp := tg.do(t, http.MethodPost, "/agency/"+agencyID+"/blueprints", map[string]any{
		"name":         name,
		"prompt":       "You are " + name + ".",
		"capabilities": caps,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func (tg *testGateway) spawn(t *testing.T, agencyID, agentType, input string) string {
	t.Helper()
	var created struct {
		ID string `json:"id"`
	}
	resp := tg.do(t, http.MethodPost, "/agency/"+agencyID+"/agents", map[string]string{
		"agentType": agentType,
		"input":     input,
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, created.ID)
	return created.ID
}

func (tg *testGateway) waitCompleted(t *testing.T, agencyID, agentID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		var st struct {
			Status string `json:"status"`
		}
		resp := tg.do(t, http.MethodGet, "/agency/"+agencyID+"/agent/"+agentID+"/state", nil, &st)
		return resp.StatusCode == http.StatusOK && st.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSecretGate(t *testing.T) {
	tg := newTestGateway(t, providers.NewScripted())

	// No secret.
	resp, err := http.Get(tg.server.URL + "/agencies")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong secret.
	req, _ := http.NewRequest(http.MethodGet, tg.server.URL+"/agencies", nil)
	req.Header.Set("X-SECRET", "wrong")
	resp, err = tg.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Header.
	resp = tg.do(t, http.MethodGet, "/agencies", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Query parameter fallback.
	resp, err = http.Get(tg.server.URL + "/agencies?key=" + testSecret)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	tg := newTestGateway(t, providers.NewScripted())

	req, _ := http.NewRequest(http.MethodOptions, tg.server.URL+"/agencies", nil)
	req.Header.Set("Origin", "https://example.com")
	resp, err := tg.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestAgencyLifecycle(t *testing.T) {
	tg := newTestGateway(t, providers.NewScripted())

	resp := tg.do(t, http.MethodPost, "/agencies", map[string]string{"name": "bad name!"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tg.createAgency(t, "acme")

	resp = tg.do(t, http.MethodPost, "/agencies", map[string]string{"name": "acme"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var listed struct {
		Agencies []string `json:"agencies"`
	}
	tg.do(t, http.MethodGet, "/agencies", nil, &listed)
	assert.Equal(t, []string{"acme"}, listed.Agencies)

	resp = tg.do(t, http.MethodDelete, "/agency/acme", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	tg.do(t, http.MethodGet, "/agencies", nil, &listed)
	assert.Empty(t, listed.Agencies)
}

func TestBlueprintEndpoints(t *testing.T) {
	tg := newTestGateway(t, providers.NewScripted())
	tg.createAgency(t, "acme")

	resp := tg.do(t, http.MethodPost, "/agency/acme/blueprints", map[string]string{
		"name": "bad name!", "prompt": "p",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tg.putBlueprint(t, "acme", "writer")

	var listed struct {
		Blueprints []struct {
			Name string `json:"name"`
		} `json:"blueprints"`
	}
	tg.do(t, http.MethodGet, "/agency/acme/blueprints", nil, &listed)
	require.Len(t, listed.Blueprints, 1)
	assert.Equal(t, "writer", listed.Blueprints[0].Name)

	resp = tg.do(t, http.MethodDelete, "/agency/acme/blueprints/writer", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = tg.do(t, http.MethodDelete, "/agency/acme/blueprints/writer", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentRunThroughGateway(t *testing.T) {
	tg := newTestGateway(t, providers.NewScripted(
		assistantMessage("first answer"),
		assistantMessage("second answer"),
	))
	tg.createAgency(t, "acme")
	tg.putBlueprint(t, "acme", "worker")

	id := tg.spawn(t, "acme", "worker", "first question")
	tg.waitCompleted(t, "acme", id)

	// Events are queryable and ordered.
	var evs struct {
		Events []struct {
			Seq  int64  `json:"seq"`
			Type string `json:"type"`
		} `json:"events"`
	}
	tg.do(t, http.MethodGet, "/agency/acme/agent/"+id+"/events", nil, &evs)
	require.NotEmpty(t, evs.Events)
	assert.Equal(t, "agent.invoked", evs.Events[0].Type)
	last := evs.Events[len(evs.Events)-1]
	assert.Equal(t, "agent.completed", last.Type)

	// Time travel: projection at the first event shows no completion.
	var atStart struct {
		Status string `json:"status"`
	}
	resp := tg.do(t, http.MethodGet,
		fmt.Sprintf("/agency/acme/agent/%s/projection?at=%d", id, evs.Events[0].Seq), nil, &atStart)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, "completed", atStart.Status)

	// Second invoke through the forwarded endpoint.
	resp = tg.do(t, http.MethodPost, "/agency/acme/agent/"+id+"/invoke",
		map[string]string{"message": "second question"}, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	tg.waitCompleted(t, "acme", id)

	// Export returns the full log.
	var exported struct {
		Events []json.RawMessage `json:"events"`
	}
	tg.do(t, http.MethodGet, "/agency/acme/agent/"+id+"/export", nil, &exported)
	assert.GreaterOrEqual(t, len(exported.Events), len(evs.Events))
}

func TestProjectionLegacyParam(t *testing.T) {
	tg := newTestGateway(t, providers.NewScripted(assistantMessage("flat answer")))
	tg.createAgency(t, "acme")
	tg.putBlueprint(t, "acme", "worker")
	id := tg.spawn(t, "acme", "worker", "question")
	tg.waitCompleted(t, "acme", id)

	// legacy=true flattens message parts to the old single-content shape.
	var flat struct {
		Status   string `json:"status"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	resp := tg.do(t, http.MethodGet, "/agency/acme/agent/"+id+"/projection?legacy=true", nil, &flat)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", flat.Status)
	require.Len(t, flat.Messages, 2)
	assert.Equal(t, "user", flat.Messages[0].Role)
	assert.Equal(t, "question", flat.Messages[0].Content)
	assert.Equal(t, "flat answer", flat.Messages[1].Content)

	// Combined with time travel the same flattening applies.
	resp = tg.do(t, http.MethodGet, "/agency/acme/agent/"+id+"/projection?at=1000&legacy=true", nil, &flat)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, flat.Messages, 2)

	// Without the flag, messages keep their parts.
	var parts struct {
		Messages []struct {
			Parts []json.RawMessage `json:"parts"`
		} `json:"messages"`
	}
	resp = tg.do(t, http.MethodGet, "/agency/acme/agent/"+id+"/projection", nil, &parts)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, parts.Messages, 2)
	assert.NotEmpty(t, parts.Messages[0].Parts)
}

func TestForkEndpoint(t *testing.T) {
	tg := newTestGateway(t, providers.NewScripted(assistantMessage("done")))
	tg.createAgency(t, "acme")
	tg.putBlueprint(t, "acme", "worker")

	id := tg.spawn(t, "acme", "worker", "go")
	tg.waitCompleted(t, "acme", id)

	var forked struct {
		ID string `json:"id"`
	}
	resp := tg.do(t, http.MethodPost, "/agency/acme/agent/"+id+"/fork", nil, &forked)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, forked.ID)
	assert.NotEqual(t, id, forked.ID)

	tg.waitCompleted(t, "acme", forked.ID)
}

func TestActionEndpoint(t *testing.T) {
	tg := newTestGateway(t, providers.NewScripted(assistantMessage("ok")))
	tg.createAgency(t, "acme")
	tg.putBlueprint(t, "acme", "worker")
	id := tg.spawn(t, "acme", "worker", "go")
	tg.waitCompleted(t, "acme", id)

	resp := tg.do(t, http.MethodPost, "/agency/acme/agent/"+id+"/action",
		map[string]string{"type": "bogus"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = tg.do(t, http.MethodPost, "/agency/acme/agent/"+id+"/action",
		map[string]string{"type": "cancel"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestVarsEndpoints(t *testing.T) {
	tg := newTestGateway(t, providers.NewScripted())
	tg.createAgency(t, "acme")

	resp := tg.do(t, http.MethodPut, "/agency/acme/vars",
		map[string]any{"REGION": "us-east-1", "LIMIT": 3}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var all map[string]any
	tg.do(t, http.MethodGet, "/agency/acme/vars", nil, &all)
	assert.Equal(t, "us-east-1", all["REGION"])

	var one struct {
		Value any `json:"value"`
	}
	tg.do(t, http.MethodGet, "/agency/acme/vars/LIMIT", nil, &one)
	assert.Equal(t, float64(3), one.Value)

	resp = tg.do(t, http.MethodPut, "/agency/acme/vars/MODE",
		map[string]any{"value": "fast"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = tg.do(t, http.MethodDelete, "/agency/acme/vars/MODE", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = tg.do(t, http.MethodGet, "/agency/acme/vars/MODE", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduleEndpoints(t *testing.T) {
	tg := newTestGateway(t, providers.NewScripted())
	tg.createAgency(t, "acme")

	var sch struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	resp := tg.do(t, http.MethodPost, "/agency/acme/schedules", map[string]any{
		"name": "hourly", "agentType": "worker", "type": "cron", "cron": "0 * * * *",
	}, &sch)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, sch.ID)

	resp = tg.do(t, http.MethodPost, "/agency/acme/schedules", map[string]any{
		"name": "bad", "agentType": "worker", "type": "cron", "cron": "nope",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = tg.do(t, http.MethodPost, "/agency/acme/schedules/"+sch.ID+"/pause", nil, &sch)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paused", sch.Status)

	resp = tg.do(t, http.MethodPost, "/agency/acme/schedules/"+sch.ID+"/resume", nil, &sch)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", sch.Status)

	var runs struct {
		Runs []json.RawMessage `json:"runs"`
	}
	resp = tg.do(t, http.MethodGet, "/agency/acme/schedules/"+sch.ID+"/runs", nil, &runs)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, runs.Runs)
}

func TestFSEndpoints(t *testing.T) {
	tg := newTestGateway(t, providers.NewScripted())
	tg.createAgency(t, "acme")

	req, _ := http.NewRequest(http.MethodPut,
		tg.server.URL+"/agency/acme/fs/shared/report.txt",
		strings.NewReader("the report"))
	req.Header.Set("X-SECRET", testSecret)
	resp, err := tg.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet,
		tg.server.URL+"/agency/acme/fs/shared/report.txt", nil)
	req.Header.Set("X-SECRET", testSecret)
	resp, err = tg.server.Client().Do(req)
	require.NoError(t, err)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "the report", body.String())

	var listed struct {
		Files []struct {
			Path string `json:"path"`
		} `json:"files"`
	}
	tg.do(t, http.MethodGet, "/agency/acme/fs/shared?list=true", nil, &listed)
	require.Len(t, listed.Files, 1)
	assert.Equal(t, "/shared/report.txt", listed.Files[0].Path)

	// Foreign agent home is write-protected.
	req, _ = http.NewRequest(http.MethodPut,
		tg.server.URL+"/agency/acme/fs/agents/other/file.txt?agentId=me",
		strings.NewReader("x"))
	req.Header.Set("X-SECRET", testSecret)
	resp, err = tg.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketStream(t *testing.T) {
	tg := newTestGateway(t, providers.NewScripted(assistantMessage("live answer")))
	tg.createAgency(t, "acme")
	tg.putBlueprint(t, "acme", "worker")

	wsURL := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/agency/acme/ws"
	subprotocol := "auth-" + base64.StdEncoding.EncodeToString([]byte(testSecret))

	dialer := websocket.Dialer{Subprotocols: []string{subprotocol}}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	id := tg.spawn(t, "acme", "worker", "go")

	// Terminal event arrives on the stream with origin attached.
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var frame struct {
			Type      string `json:"type"`
			AgentID   string `json:"agentId"`
			AgencyID  string `json:"agencyId"`
			AgentType string `json:"agentType"`
		}
		require.NoError(t, conn.ReadJSON(&frame))
		assert.Equal(t, "acme", frame.AgencyID)
		if frame.Type == "agent.completed" {
			assert.Equal(t, id, frame.AgentID)
			assert.Equal(t, "worker", frame.AgentType)
			break
		}
	}
}

func TestWebSocketRejectsBadSecret(t *testing.T) {
	tg := newTestGateway(t, providers.NewScripted())
	tg.createAgency(t, "acme")

	wsURL := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/agency/acme/ws"
	dialer := websocket.Dialer{Subprotocols: []string{"auth-" + base64.StdEncoding.EncodeToString([]byte("wrong"))}}
	_, resp, err := dialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
}

func assistantMessage(text string) messages.Message {
	return messages.Message{Parts: []messages.Part{messages.TextPart(text)}}
}
