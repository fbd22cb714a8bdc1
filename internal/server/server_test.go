package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/memory/store"
	memsync "github.com/memnexus/memnexus/internal/memory/sync"
	"github.com/memnexus/memnexus/internal/orchestrator/engine"
	"github.com/memnexus/memnexus/internal/orchestrator/intervention"
	"github.com/memnexus/memnexus/internal/session"
	v1 "github.com/memnexus/memnexus/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router   *gin.Engine
	sessions *session.Manager
	engine   *engine.Engine
	store    store.Store
	bus      *memsync.Bus
	registry *intervention.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", nil, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := memsync.NewBus(logger.NewNop())
	t.Cleanup(bus.Close)

	registry := intervention.NewRegistry(logger.NewNop(), intervention.WithMonitorInterval(time.Hour))
	t.Cleanup(registry.Close)

	eng := engine.New(engine.Config{
		DependencyPoll: 5 * time.Millisecond,
	}, registry, logger.NewNop())
	sessions := session.NewManager(st, bus, eng, session.Config{}, logger.NewNop())

	h := NewHandlers(sessions, eng, st, bus, registry, logger.NewNop())
	return &testEnv{
		router:   NewRouter(h, logger.NewNop()),
		sessions: sessions,
		engine:   eng,
		store:    st,
		bus:      bus,
		registry: registry,
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	return resp
}

func (env *testEnv) createSession(t *testing.T, name string) string {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"name": name})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var sess v1.Session
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &sess))
	return sess.ID
}

// echoAgent satisfies engine.AgentRunner without a subprocess.
type echoAgent struct {
	name string
	role string
}

func (a *echoAgent) Name() string { return a.name }
func (a *echoAgent) Role() string { return a.role }
func (a *echoAgent) Run(_ context.Context, prompt string) (string, error) {
	return "done", nil
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "ok")
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	id := env.createSession(t, "api-session")

	resp := env.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "api-session")

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/start", nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/pause", nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"description": "no name"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAgentRegistration(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "s")

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/agents", gin.H{
		"name":    "dev-1",
		"role":    "dev",
		"command": []string{"cat"},
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/agents", gin.H{
		"name": "dev-1",
		"role": "dev",
	})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = env.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/agents", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "dev-1")

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/agents/ghost/launch", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestMemoryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "s")

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/memory", gin.H{
		"content": "the auth service uses JWT tokens",
		"source":  "dev-1",
		"type":    "conversation",
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	resp = env.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/memory?query=auth+tokens", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "JWT")

	resp = env.do(t, http.MethodGet, "/api/v1/memory/stats", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var stats store.Stats
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalRecords)

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/memory", gin.H{"source": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestPlanCreateExecuteProgress(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "s")
	require.NoError(t, env.engine.AddAgent(id, &echoAgent{name: "dev-1", role: "dev"}))

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/plan", v1.Plan{
		Strategy: v1.StrategySequential,
		Tasks: []*v1.Task{
			{ID: "build", Description: "build it", AgentRole: "dev", Prompt: "build"},
			{ID: "test", Description: "test it", AgentRole: "dev", Prompt: "test", DependsOn: []string{"build"}},
		},
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var created PlanResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	assert.Len(t, created.Tasks, 2)
	assert.NotEmpty(t, created.Phases)

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/plan/execute", nil)
	require.Equal(t, http.StatusAccepted, resp.Code)

	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/plan/progress", nil)
		if resp.Code != http.StatusOK {
			return false
		}
		var progress struct {
			Progress float64 `json:"progress"`
			Finished bool    `json:"finished"`
		}
		if err := json.Unmarshal(resp.Body.Bytes(), &progress); err != nil {
			return false
		}
		return progress.Finished && progress.Progress == 1.0
	}, 5*time.Second, 20*time.Millisecond)

	resp = env.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/plan", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"completed"`)
}

func TestPlanRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "s")

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/plan", v1.Plan{
		Tasks: []*v1.Task{
			{ID: "a", Description: "a", AgentRole: "dev", DependsOn: []string{"b"}},
			{ID: "b", Description: "b", AgentRole: "dev", DependsOn: []string{"a"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "cycle")
}

func TestPlanAcceptsYAML(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "s")

	doc := strings.Join([]string{
		"strategy: parallel",
		"tasks:",
		"  - id: build",
		"    description: build it",
		"    agent_role: dev",
		"    prompt: build",
	}, "\n")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+id+"/plan", strings.NewReader(doc))
	req.Header.Set("Content-Type", "application/yaml")
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.Contains(t, resp.Body.String(), `"parallel"`)
}

func TestPlanAnalyze(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "s")
	require.NoError(t, env.engine.AddAgent(id, &echoAgent{name: "dev-1", role: "dev"}))

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/plan", v1.Plan{
		Strategy: v1.StrategyParallel,
		Tasks: []*v1.Task{
			{ID: "a", Description: "a", AgentRole: "dev"},
			{ID: "b", Description: "b", AgentRole: "dev", DependsOn: []string{"a"}},
		},
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/plan/analyze", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Contains(t, resp.Body.String(), "schedule")
	assert.Contains(t, resp.Body.String(), "phases")
}

func TestInterventionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "s")

	point := env.registry.Request(id, "task-1", intervention.TypeApproval,
		"Approve deployment", "deploy to prod", map[string]any{"operation_type": "delete"}, 0)

	resp := env.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/interventions", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), point.ID)

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/interventions/%s/resolve", point.ID), gin.H{
		"action":  "approve",
		"comment": "go ahead",
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Contains(t, resp.Body.String(), string(intervention.StatusApproved))

	resp = env.do(t, http.MethodPost, "/api/v1/interventions/missing/resolve", gin.H{"action": "approve"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSyncWebSocketStreamsEvents(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "s")

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sync/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server loop a beat to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)

	cm, err := env.sessions.Context(id)
	require.NoError(t, err)
	_, err = cm.Capture(context.Background(), "shared note", "dev-1", "conversation", nil)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var evt memsync.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, memsync.EventMemoryAdded, evt.Type)
	assert.Equal(t, id, evt.SessionID)
	require.NotNil(t, evt.Memory)
	assert.Equal(t, "shared note", evt.Memory.Content)
}
