package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/engine/auth"
	"agentline/internal/events"
	"agentline/internal/migrate"
)

const testSecret = "test-secret"

const serverTestConfig = `orchestrator:
  project: demo
  max_running: 4
  grace_seconds: 0.5
  io_wait_seconds: 0.5
agents:
  echo-worker:
    default_timeout_seconds: 5
    max_timeout_seconds: 30
    keywords: [echo]
    command: ["sh", "-c", "printf '%s\n' \"$AGENTLINE_TASK\""]
  lead:
    default_timeout_seconds: 5
    max_timeout_seconds: 10
    can_spawn_children: true
    command: ["true"]
`

type testServer struct {
	URL       string
	Engine    engine.Engine
	Workspace string
	client    *http.Client
	close     func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*config.Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg, err := config.FromYAML([]byte(serverTestConfig))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if mutate != nil {
		mutate(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret: testSecret,
		DevLogin:  true,
		Logger:    e.Logger,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:       "http://" + ln.Addr().String(),
		Engine:    e,
		Workspace: workspace,
		client:    &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			e.Shutdown(context.Background())
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, subject, sessionID string, scopes ...string) map[string]string {
	t.Helper()
	token, err := signDevToken(testSecret, subject, sessionID, scopes, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, target string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func spawnHTTP(t *testing.T, srv *testServer, headers map[string]string, body map[string]any) domain.SessionRecord {
	t.Helper()
	if _, ok := body["workspace_path"]; !ok {
		body["workspace_path"] = srv.Workspace
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", body, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("spawn status %d: %s", res.StatusCode, string(data))
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return rec
}

func TestHealthIsPublicAndAPIRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestSpawnAndReadSessions(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	h := bearer(t, "operator", "")

	rec := spawnHTTP(t, srv, h, map[string]any{"agent_type": "echo-worker", "task": "hello"})
	if rec.Status != domain.StatusSucceeded || rec.Output != "hello\n" || rec.CreatedBy != "operator" {
		t.Fatalf("unexpected session: %+v", rec)
	}
	if rec.Project != "demo" {
		t.Fatalf("expected configured project, got %q", rec.Project)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions/"+rec.ID, nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get session status %d: %s", res.StatusCode, string(data))
	}

	spawnHTTP(t, srv, h, map[string]any{"agent_type": "echo-worker", "task": "again"})
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions?limit=1", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedSessions
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("expected one item and a cursor, got %+v", page)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions?limit=1&cursor="+url.QueryEscape(page.NextCursor), nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list page 2 status %d: %s", res.StatusCode, string(data))
	}
	var page2 paginatedSessions
	_ = json.Unmarshal(data, &page2)
	if len(page2.Items) != 1 || page2.Items[0].ID == page.Items[0].ID || page2.NextCursor != "" {
		t.Fatalf("unexpected second page: %+v", page2)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stats/agents", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, string(data))
	}
	var stats statsList
	_ = json.Unmarshal(data, &stats)
	if len(stats.Items) != 1 || stats.Items[0].Total != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAsyncSpawnReturnsPending(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	h := bearer(t, "operator", "")

	rec := spawnHTTP(t, srv, h, map[string]any{"agent_type": "echo-worker", "task": "later", "wait": false})
	if rec.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := srv.Engine.GetSession(context.Background(), rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Terminal() {
			if got.Status != domain.StatusSucceeded {
				t.Fatalf("expected succeeded, got %s", got.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session still %s", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	h := bearer(t, "operator", "")
	client := srv.Client()

	cases := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"unknown agent", map[string]any{"agent_type": "ghost", "task": "x"}, http.StatusNotFound, "unknown_agent_type"},
		{"blank task", map[string]any{"agent_type": "echo-worker", "task": " "}, http.StatusBadRequest, "validation_failed"},
		{"missing parent", map[string]any{"agent_type": "echo-worker", "task": "x", "parent_session_id": "nope"}, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.body["workspace_path"] = srv.Workspace
			res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", tc.body, h)
			if res.StatusCode != tc.status || errorCode(t, data) != tc.code {
				t.Fatalf("expected %d %s, got %d: %s", tc.status, tc.code, res.StatusCode, string(data))
			}
		})
	}

	rec := spawnHTTP(t, srv, h, map[string]any{"agent_type": "echo-worker", "task": "done"})
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+rec.ID+"/cancel", nil, h)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_terminal" {
		t.Fatalf("expected 409 already_terminal, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDepthLimitOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *config.Config) { c.Orchestrator.MaxDepth = 1 })
	defer cleanup()
	h := bearer(t, "operator", "")

	root := spawnHTTP(t, srv, h, map[string]any{"agent_type": "lead", "task": "root"})
	child := spawnHTTP(t, srv, h, map[string]any{"agent_type": "lead", "task": "child", "parent_session_id": root.ID})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"agent_type": "lead", "task": "grandchild", "parent_session_id": child.ID, "workspace_path": srv.Workspace,
	}, h)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "max_depth_exceeded" {
		t.Fatalf("expected 422 max_depth_exceeded, got %d: %s", res.StatusCode, string(data))
	}
}

func TestWorkerTokenIsPinnedToItsSession(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	op := bearer(t, "operator", "")
	client := srv.Client()

	lead := spawnHTTP(t, srv, op, map[string]any{"agent_type": "lead", "task": "coordinate"})
	other := spawnHTTP(t, srv, op, map[string]any{"agent_type": "lead", "task": "other"})

	worker := bearer(t, lead.ID, lead.ID, auth.WorkerScopes(true)...)
	child := spawnHTTP(t, srv, worker, map[string]any{"agent_type": "echo-worker", "task": "sub", "parent_session_id": other.ID})
	if child.ParentID == nil || *child.ParentID != lead.ID {
		t.Fatalf("worker spawn must be parented to its own session, got %+v", child.ParentID)
	}

	readOnly := bearer(t, other.ID, other.ID, auth.WorkerScopes(false)...)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"agent_type": "echo-worker", "task": "x", "workspace_path": srv.Workspace,
	}, readOnly)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("expected 403 forbidden, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages", map[string]any{
		"from_session_id": other.ID, "to_session_id": lead.ID, "payload": "spoofed?",
	}, worker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post status %d: %s", res.StatusCode, string(data))
	}
	var msg domain.Message
	_ = json.Unmarshal(data, &msg)
	if msg.FromSessionID == nil || *msg.FromSessionID != lead.ID {
		t.Fatalf("sender must be the token session, got %+v", msg.FromSessionID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages?reader="+lead.ID, nil, readOnly)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("poll status %d: %s", res.StatusCode, string(data))
	}
	var polled messageList
	_ = json.Unmarshal(data, &polled)
	if len(polled.Items) != 0 {
		t.Fatalf("worker must only read its own inbox, got %+v", polled.Items)
	}
}

func TestMessagesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	h := bearer(t, "operator", "")
	client := srv.Client()

	a := spawnHTTP(t, srv, h, map[string]any{"agent_type": "lead", "task": "a"})
	b := spawnHTTP(t, srv, h, map[string]any{"agent_type": "lead", "task": "b"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages", map[string]any{
		"from_session_id": a.ID, "payload": "all hands",
	}, h)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("broadcast status %d: %s", res.StatusCode, string(data))
	}
	var broadcast domain.Message
	_ = json.Unmarshal(data, &broadcast)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages", map[string]any{
		"from_session_id": a.ID, "to_session_id": b.ID, "kind": "question", "payload": "status?",
	}, h)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("direct status %d: %s", res.StatusCode, string(data))
	}
	var question domain.Message
	_ = json.Unmarshal(data, &question)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages?reader="+b.ID+"&include_broadcasts=true", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("poll status %d: %s", res.StatusCode, string(data))
	}
	var polled messageList
	_ = json.Unmarshal(data, &polled)
	if len(polled.Items) != 2 || polled.Items[0].ID != broadcast.ID {
		t.Fatalf("expected broadcast then question, got %+v", polled.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages/"+question.ID+"/consume", map[string]any{"reader_id": a.ID}, h)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "not_recipient" {
		t.Fatalf("expected 403 not_recipient, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages/"+broadcast.ID+"/consume", map[string]any{"reader_id": b.ID}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("consume status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages/"+question.ID+"/reply", map[string]any{
		"from_session_id": b.ID, "payload": "fine",
	}, h)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("reply status %d: %s", res.StatusCode, string(data))
	}
	var reply domain.Message
	_ = json.Unmarshal(data, &reply)
	if reply.ToSessionID == nil || *reply.ToSessionID != a.ID {
		t.Fatalf("reply must go to the sender, got %+v", reply)
	}
}

func TestAPIKeyScopes(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	_, secret, err := srv.Engine.CreateAPIKey(context.Background(), "ci-bot", "ci", []string{auth.ScopeSessionsRead})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	h := map[string]string{"X-Api-Key": secret}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list with key status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events", nil, h)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without events scope, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"X-Api-Key": "agl_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "alice"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("no token: %v %s", err, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" || len(me.Scopes) != 1 || me.Scopes[0] != auth.ScopeAll || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestEventsAreListedNewestFirst(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	h := bearer(t, "operator", "")
	rec := spawnHTTP(t, srv, h, map[string]any{"agent_type": "echo-worker", "task": "hi"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?entity_id="+rec.ID, nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 3 || page.Items[0].Type != events.SessionFinished || page.Items[2].Type != events.SessionCreated {
		t.Fatalf("unexpected events: %+v", page.Items)
	}
	if page.Items[0].Payload["status"] != domain.StatusSucceeded {
		t.Fatalf("payload not decoded: %+v", page.Items[0].Payload)
	}
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookDelivery
		sigs     []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookDelivery
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-Agentline-Signature"))
		if r.Header.Get("X-Agentline-Signature") != "sha256="+signPayload("hook-secret", body) {
			sigs[len(sigs)-1] = "bad"
		}
		mu.Unlock()
	}))
	defer hook.Close()

	srv, cleanup := newTestServer(t, func(c *config.Config) {
		c.Webhooks = []config.WebhookConfig{{URL: hook.URL, Secret: "hook-secret", Events: []string{events.SessionFinished}}}
	})
	defer cleanup()
	ctx := context.Background()

	if _, err := srv.Engine.Spawn(ctx, engine.SpawnRequest{AgentType: "echo-worker", Task: "before", WorkspacePath: srv.Workspace}); err != nil {
		t.Fatal(err)
	}
	d := newWebhookDispatcher(srv.Engine)
	d.dispatchAll(ctx)
	mu.Lock()
	before := len(received)
	mu.Unlock()
	if before != 0 {
		t.Fatalf("events before startup must not be delivered, got %d", before)
	}

	rec, err := srv.Engine.Spawn(ctx, engine.SpawnRequest{AgentType: "echo-worker", Task: "after", WorkspacePath: srv.Workspace})
	if err != nil {
		t.Fatal(err)
	}
	d.dispatchAll(ctx)
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Type != events.SessionFinished || received[0].EntityID != rec.ID {
		t.Fatalf("unexpected deliveries: %+v", received)
	}
	if received[0].Session == nil || received[0].Session.Status != domain.StatusSucceeded {
		t.Fatalf("session snapshot missing: %+v", received[0].Session)
	}
	if sigs[0] == "bad" || sigs[0] == "" {
		t.Fatalf("signature missing or invalid: %q", sigs[0])
	}
}

func TestWebhookBacksOffAfterFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer hook.Close()

	srv, cleanup := newTestServer(t, func(c *config.Config) {
		c.Webhooks = []config.WebhookConfig{{URL: hook.URL}}
	})
	defer cleanup()
	ctx := context.Background()

	d := newWebhookDispatcher(srv.Engine)
	now := time.Now()
	d.now = func() time.Time { return now }
	d.dispatchAll(ctx)
	if _, err := srv.Engine.Spawn(ctx, engine.SpawnRequest{AgentType: "echo-worker", Task: "x", WorkspacePath: srv.Workspace}); err != nil {
		t.Fatal(err)
	}

	d.dispatchAll(ctx)
	target := d.targets[0]
	if target.failures != 1 || target.retryAt.IsZero() {
		t.Fatalf("expected one failure with a retry time, got %d %v", target.failures, target.retryAt)
	}
	cursor := target.cursor
	d.dispatchAll(ctx)
	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("target in backoff must not be called again, calls=%d", got)
	}
	now = target.retryAt.Add(time.Millisecond)
	d.dispatchAll(ctx)
	mu.Lock()
	got = calls
	mu.Unlock()
	if got != 2 || target.failures != 2 || target.cursor != cursor {
		t.Fatalf("expected a retry of the same event, calls=%d failures=%d cursor=%d/%d", got, target.failures, target.cursor, cursor)
	}
}
