package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"controlroom/internal/config"
	"controlroom/internal/db"
	"controlroom/internal/domain"
	"controlroom/internal/engine"
	"controlroom/internal/migrate"
	"controlroom/internal/server"
	"controlroom/internal/store"
)

const testJWTSecret = "unit-test-secret"

type testServer struct {
	*httptest.Server
	Engine engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("test-emitter"))
	handler, err := server.New(server.Config{
		Engine: eng,
		Auth: server.AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, Engine: eng}
}

// do sends a JSON request authenticated via the legacy actor header and
// decodes the response into out when non-nil.
func (ts *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	return ts.doWithHeaders(t, method, path, body, map[string]string{"X-Actor-Id": "tester"}, out)
}

func (ts *testServer) doWithHeaders(t *testing.T, method, path string, body any, headers map[string]string, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do %s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if out != nil && len(data) > 0 && res.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s: %v\n%s", method, path, err, data)
		}
	}
	return res.StatusCode
}

func submitBody(scope string) map[string]any {
	return map[string]any{
		"type":    "report.generate",
		"scope":   scope,
		"reason":  "unit test",
		"payload": map[string]any{"target": "nightly"},
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	res, err := http.Get(ts.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	ts := newTestServer(t)
	res, err := http.Get(ts.URL + "/v0/tasks")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "unauthorized" {
		t.Fatalf("code = %s", body.Error.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	ts := newTestServer(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatal(err)
	}
	status := ts.doWithHeaders(t, http.MethodGet, "/v0/tasks", nil, map[string]string{"Authorization": "Bearer " + token}, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}

	status = ts.doWithHeaders(t, http.MethodGet, "/v0/tasks", nil, map[string]string{"Authorization": "Bearer not-a-token"}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", status)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t)
	raw := "cr_live_unit_test"
	err := ts.Engine.Store.InsertAPIKey(context.Background(), domain.APIKey{
		ID:      "k1",
		ActorID: "bob",
		KeyHash: store.HashAPIKey(raw),
	})
	if err != nil {
		t.Fatal(err)
	}
	status := ts.doWithHeaders(t, http.MethodGet, "/v0/tasks", nil, map[string]string{"X-Api-Key": raw}, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	status = ts.doWithHeaders(t, http.MethodGet, "/v0/tasks", nil, map[string]string{"X-Api-Key": "wrong"}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", status)
	}
}

func TestSubmitIsIdempotentOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	var first, second struct {
		Task    server.TaskResponse `json:"task"`
		Created bool                `json:"created"`
	}
	if status := ts.do(t, http.MethodPost, "/v0/tasks", submitBody(""), &first); status != http.StatusCreated {
		t.Fatalf("first status = %d", status)
	}
	if !first.Created {
		t.Fatalf("first submission not created")
	}
	if status := ts.do(t, http.MethodPost, "/v0/tasks", submitBody(""), &second); status != http.StatusCreated {
		t.Fatalf("second status = %d", status)
	}
	if second.Created || second.Task.ID != first.Task.ID {
		t.Fatalf("resubmission: created=%v id=%s want id=%s", second.Created, second.Task.ID, first.Task.ID)
	}
}

func TestUnknownTaskIs404(t *testing.T) {
	ts := newTestServer(t)
	if status := ts.do(t, http.MethodGet, "/v0/tasks/no-such-task", nil, nil); status != http.StatusNotFound {
		t.Fatalf("status = %d", status)
	}
}

// TestApprovalWorkflow walks the whole dangerous-scope lifecycle over HTTP:
// submit, approve, work the run, finish, observe the task done.
func TestApprovalWorkflow(t *testing.T) {
	ts := newTestServer(t)

	var submitted struct {
		Task    server.TaskResponse `json:"task"`
		Created bool                `json:"created"`
	}
	if status := ts.do(t, http.MethodPost, "/v0/tasks", submitBody("deploy"), &submitted); status != http.StatusCreated {
		t.Fatalf("submit status = %d", status)
	}
	if submitted.Task.Status != "waiting_approval" {
		t.Fatalf("task status = %s", submitted.Task.Status)
	}
	taskID := submitted.Task.ID

	var pending server.ApprovalListResponse
	if status := ts.do(t, http.MethodGet, "/v0/approvals?status=requested", nil, &pending); status != http.StatusOK {
		t.Fatalf("list approvals status = %d", status)
	}
	if len(pending.Items) != 1 || pending.Items[0].TaskID != taskID {
		t.Fatalf("pending = %+v", pending.Items)
	}
	approvalID := pending.Items[0].ID

	var approved server.ApprovalResponse
	if status := ts.do(t, http.MethodPost, "/v0/approvals/"+approvalID+"/approve", map[string]any{"reason": "go ahead"}, &approved); status != http.StatusOK {
		t.Fatalf("approve status = %d", status)
	}
	if approved.Status != "approved" || approved.ResolvedBy == nil || *approved.ResolvedBy != "tester" {
		t.Fatalf("approval = %+v", approved)
	}

	// a repeat decision must conflict, not rewrite
	if status := ts.do(t, http.MethodPost, "/v0/approvals/"+approvalID+"/reject", map[string]any{"reason": "too late"}, nil); status != http.StatusConflict {
		t.Fatalf("double resolve status = %d", status)
	}

	var detail server.TaskDetailResponse
	if status := ts.do(t, http.MethodGet, "/v0/tasks/"+taskID, nil, &detail); status != http.StatusOK {
		t.Fatalf("get task status = %d", status)
	}
	if detail.Task.Status != "running" || len(detail.Runs) != 1 {
		t.Fatalf("detail = %+v", detail)
	}
	runID := detail.Runs[0].ID

	var step server.StepResponse
	if status := ts.do(t, http.MethodPost, "/v0/runs/"+runID+"/steps", map[string]any{"detail": "roll out"}, &step); status != http.StatusCreated {
		t.Fatalf("add step status = %d", status)
	}
	if step.Seq != 1 || step.State != "QUEUED" {
		t.Fatalf("step = %+v", step)
	}

	if status := ts.do(t, http.MethodPatch, "/v0/steps/"+step.ID, map[string]any{"state": "RUNNING"}, &step); status != http.StatusOK {
		t.Fatalf("step running status = %d", status)
	}

	var action server.ActionResponse
	if status := ts.do(t, http.MethodPost, "/v0/steps/"+step.ID+"/actions", map[string]any{
		"name": "rollout",
		"tool": "kubectl.apply",
		"args": map[string]any{"manifest": "deploy.yml", "token": "sk-secret"},
	}, &action); status != http.StatusCreated {
		t.Fatalf("record action status = %d", status)
	}
	if action.ArgsHash == "" {
		t.Fatalf("args hash missing: %+v", action)
	}

	if status := ts.do(t, http.MethodPatch, "/v0/actions/"+action.ID, map[string]any{"status": "running"}, &action); status != http.StatusOK {
		t.Fatalf("action running status = %d", status)
	}
	if status := ts.do(t, http.MethodPatch, "/v0/actions/"+action.ID, map[string]any{"status": "success", "result": map[string]any{"replicas": 3}}, &action); status != http.StatusOK {
		t.Fatalf("action success status = %d", status)
	}
	if action.ResultHash == "" {
		t.Fatalf("result hash missing: %+v", action)
	}

	var artifact server.ArtifactResponse
	if status := ts.do(t, http.MethodPost, "/v0/steps/"+step.ID+"/artifacts", map[string]any{
		"pointer":    "s3://deploys/release-42.log",
		"components": []string{"log"},
	}, &artifact); status != http.StatusCreated {
		t.Fatalf("artifact status = %d", status)
	}

	if status := ts.do(t, http.MethodPatch, "/v0/steps/"+step.ID, map[string]any{"state": "SUCCESS"}, &step); status != http.StatusOK {
		t.Fatalf("step success status = %d", status)
	}

	var run server.RunResponse
	if status := ts.do(t, http.MethodPost, "/v0/runs/"+runID+"/complete", map[string]any{"status": "succeeded", "final": true}, &run); status != http.StatusOK {
		t.Fatalf("complete status = %d", status)
	}
	if run.Status != "succeeded" || run.CompletedTS == nil {
		t.Fatalf("run = %+v", run)
	}

	if status := ts.do(t, http.MethodGet, "/v0/tasks/"+taskID, nil, &detail); status != http.StatusOK {
		t.Fatalf("final get status = %d", status)
	}
	if detail.Task.Status != "done" {
		t.Fatalf("final task status = %s", detail.Task.Status)
	}
}

func TestRejectFailsTaskOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	var submitted struct {
		Task server.TaskResponse `json:"task"`
	}
	ts.do(t, http.MethodPost, "/v0/tasks", submitBody("data.delete"), &submitted)

	var pending server.ApprovalListResponse
	ts.do(t, http.MethodGet, "/v0/approvals?task_id="+submitted.Task.ID, nil, &pending)
	if len(pending.Items) != 1 {
		t.Fatalf("pending = %+v", pending.Items)
	}
	if status := ts.do(t, http.MethodPost, "/v0/approvals/"+pending.Items[0].ID+"/reject", map[string]any{"reason": "no"}, nil); status != http.StatusOK {
		t.Fatalf("reject status = %d", status)
	}

	var detail server.TaskDetailResponse
	ts.do(t, http.MethodGet, "/v0/tasks/"+submitted.Task.ID, nil, &detail)
	if detail.Task.Status != "failed" || detail.Task.StatusReason != "approval_rejected" {
		t.Fatalf("task = %+v", detail.Task)
	}
}

func TestCancelOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	var submitted struct {
		Task server.TaskResponse `json:"task"`
	}
	ts.do(t, http.MethodPost, "/v0/tasks", submitBody(""), &submitted)

	var canceled server.TaskResponse
	if status := ts.do(t, http.MethodPost, "/v0/tasks/"+submitted.Task.ID+"/cancel", map[string]any{"reason": "plans changed"}, &canceled); status != http.StatusOK {
		t.Fatalf("cancel status = %d", status)
	}
	if canceled.Status != "running" || !canceled.CancelRequested {
		t.Fatalf("advisory cancel = %+v", canceled)
	}

	var detail server.TaskDetailResponse
	ts.do(t, http.MethodGet, "/v0/tasks/"+submitted.Task.ID, nil, &detail)
	var run server.RunResponse
	if status := ts.do(t, http.MethodPost, "/v0/runs/"+detail.Runs[0].ID+"/ack-cancel", nil, &run); status != http.StatusOK {
		t.Fatalf("ack status = %d", status)
	}
	if run.Status != "canceled" {
		t.Fatalf("run = %+v", run)
	}
}

func TestEventsAreRedacted(t *testing.T) {
	ts := newTestServer(t)
	body := submitBody("")
	body["payload"] = map[string]any{"target": "nightly", "api_key": "sk-leaky"}
	var submitted struct {
		Task server.TaskResponse `json:"task"`
	}
	ts.do(t, http.MethodPost, "/v0/tasks", body, &submitted)

	var events server.EventListResponse
	if status := ts.do(t, http.MethodGet, "/v0/events?correlation_id="+submitted.Task.ID, nil, &events); status != http.StatusOK {
		t.Fatalf("events status = %d", status)
	}
	if len(events.Items) == 0 {
		t.Fatalf("no events recorded")
	}
	for _, e := range events.Items {
		if strings.Contains(string(e.Payload), "sk-leaky") {
			t.Fatalf("secret leaked into %s: %s", e.Type, e.Payload)
		}
		if !e.Stored {
			t.Fatalf("durable event published with stored=false: %+v", e)
		}
	}
}

func TestEventCursorPaging(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v0/tasks", submitBody(""), nil)

	// no cursor means the "latest" read, newest first
	var latest server.EventListResponse
	ts.do(t, http.MethodGet, "/v0/events", nil, &latest)
	if len(latest.Items) < 2 {
		t.Fatalf("latest = %+v", latest.Items)
	}
	first := latest.Items[len(latest.Items)-1]

	var page server.EventListResponse
	ts.do(t, http.MethodGet, "/v0/events?after="+strconv.FormatInt(first.ID, 10), nil, &page)
	if len(page.Items) != len(latest.Items)-1 {
		t.Fatalf("cursor page = %d items, want %d", len(page.Items), len(latest.Items)-1)
	}
	for _, e := range page.Items {
		if e.ID <= first.ID {
			t.Fatalf("cursor not respected: %+v", e)
		}
	}
}

func TestListDegradesWhenStoreDown(t *testing.T) {
	ts := newTestServer(t)
	var submitted struct {
		Task server.TaskResponse `json:"task"`
	}
	ts.do(t, http.MethodPost, "/v0/tasks", submitBody(""), &submitted)
	var detail server.TaskDetailResponse
	ts.do(t, http.MethodGet, "/v0/tasks/"+submitted.Task.ID, nil, &detail)
	var step server.StepResponse
	ts.do(t, http.MethodPost, "/v0/runs/"+detail.Runs[0].ID+"/steps", map[string]any{"detail": "work"}, &step)

	if err := ts.Engine.DB.Close(); err != nil {
		t.Fatal(err)
	}

	var tasks server.TaskListResponse
	if status := ts.do(t, http.MethodGet, "/v0/tasks", nil, &tasks); status != http.StatusOK {
		t.Fatalf("tasks status = %d", status)
	}
	if tasks.Warning != "graph_unavailable" || len(tasks.Items) != 0 {
		t.Fatalf("tasks = %+v", tasks)
	}

	var approvals server.ApprovalListResponse
	if status := ts.do(t, http.MethodGet, "/v0/approvals", nil, &approvals); status != http.StatusOK {
		t.Fatalf("approvals status = %d", status)
	}
	if approvals.Warning != "graph_unavailable" {
		t.Fatalf("approvals = %+v", approvals)
	}

	// single-entity reads degrade the same way, without forging a task body
	var degraded server.TaskDetailResponse
	if status := ts.do(t, http.MethodGet, "/v0/tasks/"+submitted.Task.ID, nil, &degraded); status != http.StatusOK {
		t.Fatalf("get task status = %d", status)
	}
	if len(degraded.Warnings) != 1 || degraded.Warnings[0] != "graph_unavailable" {
		t.Fatalf("get task warnings = %+v", degraded.Warnings)
	}
	if degraded.Task.ID != "" {
		t.Fatalf("degraded read fabricated a task: %+v", degraded.Task)
	}

	var actions server.ActionListResponse
	if status := ts.do(t, http.MethodGet, "/v0/steps/"+step.ID+"/actions", nil, &actions); status != http.StatusOK {
		t.Fatalf("step actions status = %d", status)
	}
	if actions.Warning != "graph_unavailable" || len(actions.Items) != 0 {
		t.Fatalf("actions = %+v", actions)
	}

	// mutations fail closed instead of degrading
	if status := ts.do(t, http.MethodPost, "/v0/tasks", submitBody(""), nil); status != http.StatusServiceUnavailable {
		t.Fatalf("submit status = %d, want 503", status)
	}
}
