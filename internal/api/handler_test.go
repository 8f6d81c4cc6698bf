package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nidhogg/nuka-orchestrator/internal/notify"
	"github.com/nidhogg/nuka-orchestrator/internal/orchestrator"
	"github.com/nidhogg/nuka-orchestrator/internal/provider"
	"github.com/nidhogg/nuka-orchestrator/internal/registry"
	"go.uber.org/zap"
)

// echoProvider answers every chat with a fixed reply.
type echoProvider struct {
	reply string
}

func (p *echoProvider) ID() string   { return "echo" }
func (p *echoProvider) Name() string { return "Echo" }
func (p *echoProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{
		Model:   req.Model,
		Content: p.reply,
		Usage:   provider.Usage{TotalTokens: 12},
	}, nil
}
func (p *echoProvider) HealthCheck(context.Context) error { return nil }

type memCatalog struct {
	mu     sync.Mutex
	agents []string
	teams  []string
	skills []string
}

func (m *memCatalog) SaveAgent(_ context.Context, a registry.AgentDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = append(m.agents, a.ID)
	return nil
}

func (m *memCatalog) SaveTeam(_ context.Context, t registry.TeamDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teams = append(m.teams, t.ID)
	return nil
}

func (m *memCatalog) SaveSkill(_ context.Context, s registry.Skill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skills = append(m.skills, s.ID)
	return nil
}

// newTestHandler wires the builtin catalog to an in-process provider (no Postgres/Neo4j/Redis).
func newTestHandler(t *testing.T) (*Handler, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	router := provider.NewRouter(logger)
	router.Register(&echoProvider{reply: "done"})
	router.SetDefault("echo")

	reg := registry.New(logger)
	registry.RegisterBuiltins(reg)
	orch := orchestrator.New(reg, router, logger)

	h := NewHandler(orch, router, logger)
	h.SetMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics\n"))
	}))
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return h, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, 200)
	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["agents"].(float64) != 7 {
		t.Errorf("expected 7 builtin agents, got %v", body["agents"])
	}
}

func TestListProviders(t *testing.T) {
	_, ts := newTestHandler(t)

	var provs []providerInfo
	decodeJSON(t, getJSON(t, ts, "/api/providers"), &provs)
	if len(provs) != 1 || provs[0].ID != "echo" || !provs[0].Default {
		t.Errorf("providers = %+v", provs)
	}
}

func TestAgentQueries(t *testing.T) {
	_, ts := newTestHandler(t)

	var byRole []registry.AgentDescriptor
	decodeJSON(t, getJSON(t, ts, "/api/agents?role=reviewer"), &byRole)
	if len(byRole) != 1 || byRole[0].ID != "warden" {
		t.Errorf("reviewers = %+v", byRole)
	}

	var one struct {
		Agent registry.AgentDescriptor `json:"agent"`
	}
	resp := getJSON(t, ts, "/api/agents/forge")
	expectStatus(t, resp, 200)
	decodeJSON(t, resp, &one)
	if one.Agent.Role != registry.RoleExecutor {
		t.Errorf("agent = %+v", one.Agent)
	}

	resp = getJSON(t, ts, "/api/agents/nobody")
	expectStatus(t, resp, 404)
	resp.Body.Close()
}

func TestRegisterAgentPersists(t *testing.T) {
	h, ts := newTestHandler(t)
	cat := &memCatalog{}
	h.SetCatalogStore(cat)

	resp := postJSON(t, ts, "/api/agents", map[string]interface{}{
		"id": "pilot", "name": "Pilot", "role": "executor", "capabilities": []string{"text-generation"},
	})
	expectStatus(t, resp, 201)
	resp.Body.Close()
	if len(cat.agents) != 1 || cat.agents[0] != "pilot" {
		t.Errorf("persisted agents = %v", cat.agents)
	}
	if _, ok := h.registry.GetAgent("pilot"); !ok {
		t.Error("agent not registered")
	}

	resp = postJSON(t, ts, "/api/agents", map[string]string{"name": "no id"})
	expectStatus(t, resp, 400)
	resp.Body.Close()
}

func TestRegisterTeamValidatesMembers(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/teams", map[string]interface{}{
		"id": "duo", "pattern": "pipeline",
		"members": []map[string]string{{"agent_id": "ghost"}},
	})
	expectStatus(t, resp, 400)
	var body map[string]string
	decodeJSON(t, resp, &body)
	if !strings.Contains(body["error"], "ghost: agent not found") {
		t.Errorf("error = %q", body["error"])
	}

	resp = postJSON(t, ts, "/api/teams", map[string]interface{}{
		"id": "duo", "pattern": "pipeline",
		"members":    []map[string]string{{"agent_id": "forge"}},
		"escalation": map[string]string{"fallback_team_id": "nowhere"},
	})
	expectStatus(t, resp, 400)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/teams", map[string]interface{}{
		"id": "duo", "pattern": "pipeline",
		"members": []map[string]string{{"agent_id": "forge"}, {"agent_id": "quill"}},
	})
	expectStatus(t, resp, 201)
	resp.Body.Close()

	var got struct {
		Team registry.TeamDescriptor `json:"team"`
	}
	decodeJSON(t, getJSON(t, ts, "/api/teams/duo"), &got)
	if len(got.Team.Members) != 2 {
		t.Errorf("team = %+v", got.Team)
	}
}

func TestExecuteTask(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"task": map[string]interface{}{"id": "t-1", "name": "greet", "type": "generation"},
	})
	expectStatus(t, resp, 200)
	var res orchestrator.TaskResult
	decodeJSON(t, resp, &res)
	if res.Status != orchestrator.ResultSuccess || res.AgentID != "forge" || res.Output != "done" {
		t.Errorf("result = %+v", res)
	}

	var m orchestrator.Metrics
	decodeJSON(t, getJSON(t, ts, "/api/metrics"), &m)
	if m.TotalTasks != 1 || m.CompletedTasks != 1 || m.TotalTokens != 12 {
		t.Errorf("metrics = %+v", m)
	}

	resp = postJSON(t, ts, "/api/tasks", map[string]interface{}{"task": map[string]string{}})
	expectStatus(t, resp, 400)
	resp.Body.Close()
}

func TestExecuteTeam(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/teams/swarm/execute", map[string]interface{}{
		"tasks": []map[string]string{{"name": "a"}, {"name": "b"}, {"name": "c"}},
	})
	expectStatus(t, resp, 200)
	var res orchestrator.ExecutionResult
	decodeJSON(t, resp, &res)
	if !res.Success || len(res.Results) != 3 {
		t.Errorf("result = %+v", res)
	}

	resp = postJSON(t, ts, "/api/teams/nope/execute", map[string]interface{}{"tasks": []map[string]string{{"name": "a"}}})
	expectStatus(t, resp, 404)
	resp.Body.Close()
}

func TestSkillRoutes(t *testing.T) {
	_, ts := newTestHandler(t)

	var found []registry.Skill
	decodeJSON(t, getJSON(t, ts, "/api/skills?category=writing"), &found)
	if len(found) != 1 || found[0].ID != "summarize" {
		t.Errorf("skills = %+v", found)
	}

	resp := postJSON(t, ts, "/api/skills/summarize/execute", map[string]interface{}{"input": "long text"})
	expectStatus(t, resp, 200)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/skills/summarize/rating", map[string]float64{"rating": 4})
	expectStatus(t, resp, 200)
	var m registry.SkillMetrics
	decodeJSON(t, resp, &m)
	if m.TotalUses != 1 || m.AvgRating != 4 {
		t.Errorf("metrics = %+v", m)
	}

	resp = postJSON(t, ts, "/api/skills/summarize/rating", map[string]float64{"rating": 9})
	expectStatus(t, resp, 400)
	resp.Body.Close()
	resp = postJSON(t, ts, "/api/skills/missing/rating", map[string]float64{"rating": 3})
	expectStatus(t, resp, 404)
	resp.Body.Close()
}

func TestExecuteWorkflow(t *testing.T) {
	_, ts := newTestHandler(t)

	wf := map[string]interface{}{
		"id": "wf-1", "name": "two steps",
		"steps": []map[string]interface{}{
			{"id": "a", "type": "task", "config": map[string]interface{}{
				"task": map[string]string{"name": "draft", "type": "generation"}}},
			{"id": "b", "type": "task", "config": map[string]interface{}{
				"task": map[string]string{"name": "polish", "type": "generation"}},
				"inputs": []map[string]string{{"name": "draft", "source": "previous_step", "step_id": "a"}}},
		},
	}
	resp := postJSON(t, ts, "/api/workflows/execute", map[string]interface{}{"workflow": wf})
	expectStatus(t, resp, 200)
	var res orchestrator.ExecutionResult
	decodeJSON(t, resp, &res)
	if !res.Success || res.Metrics.StepsCompleted != 2 {
		t.Errorf("result = %+v errors = %+v", res.Metrics, res.Errors)
	}

	resp = postJSON(t, ts, "/api/workflows/execute", map[string]interface{}{"workflow": map[string]string{"id": "empty"}})
	expectStatus(t, resp, 400)
	resp.Body.Close()
}

func TestLogsAndClear(t *testing.T) {
	_, ts := newTestHandler(t)
	postJSON(t, ts, "/api/tasks", map[string]interface{}{"task": map[string]string{"name": "x"}}).Body.Close()

	var logs []orchestrator.LogEntry
	decodeJSON(t, getJSON(t, ts, "/api/logs"), &logs)
	if len(logs) == 0 {
		t.Fatal("expected log entries")
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/logs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, 204)
	resp.Body.Close()

	decodeJSON(t, getJSON(t, ts, "/api/logs"), &logs)
	if len(logs) != 0 {
		t.Errorf("logs after clear = %d", len(logs))
	}
}

func TestOptionalRoutesUnavailable(t *testing.T) {
	_, ts := newTestHandler(t)
	for _, path := range []string{"/api/executions", "/api/executions/x", "/api/agents/forge/history", "/api/notifications"} {
		resp := getJSON(t, ts, path)
		expectStatus(t, resp, 503)
		resp.Body.Close()
	}
}

type captureChannel struct {
	sent []*notify.Notification
}

func (c *captureChannel) Platform() string { return "slack" }
func (c *captureChannel) Send(_ context.Context, n *notify.Notification) error {
	c.sent = append(c.sent, n)
	return nil
}

func TestNotifications(t *testing.T) {
	h, ts := newTestHandler(t)
	b := notify.NewBroadcaster(zap.NewNop())
	ch := &captureChannel{}
	b.Register(ch)
	h.SetAnnouncer(b)

	resp := postJSON(t, ts, "/api/notifications", map[string]string{"title": "deploy at 5pm"})
	expectStatus(t, resp, 202)
	resp.Body.Close()
	if len(ch.sent) != 1 || ch.sent[0].Kind != notify.KindAnnouncement {
		t.Errorf("sent = %+v", ch.sent)
	}

	var hist []notify.Record
	decodeJSON(t, getJSON(t, ts, "/api/notifications"), &hist)
	if len(hist) != 1 {
		t.Errorf("history = %+v", hist)
	}
}

func TestPrometheusMount(t *testing.T) {
	_, ts := newTestHandler(t)
	resp := getJSON(t, ts, "/metrics")
	expectStatus(t, resp, 200)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	if !strings.HasPrefix(buf.String(), "# metrics") {
		t.Errorf("body = %q", buf.String())
	}
}
