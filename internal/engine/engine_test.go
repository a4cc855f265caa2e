package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"controlroom/internal/config"
	"controlroom/internal/db"
	"controlroom/internal/engine"
	"controlroom/internal/migrate"
	"controlroom/internal/store"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-emitter")
	eng := engine.New(conn, cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), now: &now}
	clock := func() time.Time { return *env.now }
	eng.Now = clock
	eng.Gate.Now = clock
	eng.Events.Now = clock
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func submitOpts(scope string) engine.TaskSubmitOptions {
	return engine.TaskSubmitOptions{
		Type:      "report.generate",
		Priority:  "normal",
		Scope:     scope,
		Requester: "tester",
		Reason:    "unit test",
		Payload:   map[string]any{"target": "nightly"},
	}
}

func TestSubmitIdempotent(t *testing.T) {
	env := newTestEnv(t)
	t1, created, err := env.Engine.SubmitTask(env.Ctx, submitOpts(""))
	if err != nil || !created {
		t.Fatalf("first submit: created=%v err=%v", created, err)
	}
	t2, created, err := env.Engine.SubmitTask(env.Ctx, submitOpts(""))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if created {
		t.Fatalf("identical submission reported as created")
	}
	if t1.ID != t2.ID {
		t.Fatalf("ids differ: %s vs %s", t1.ID, t2.ID)
	}

	other := submitOpts("")
	other.Payload = map[string]any{"target": "weekly"}
	t3, created, err := env.Engine.SubmitTask(env.Ctx, other)
	if err != nil || !created {
		t.Fatalf("distinct submit: created=%v err=%v", created, err)
	}
	if t3.ID == t1.ID {
		t.Fatalf("distinct payloads collapsed to one task")
	}
}

func TestPlainTaskRunsImmediately(t *testing.T) {
	env := newTestEnv(t)
	task, _, err := env.Engine.SubmitTask(env.Ctx, submitOpts(""))
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != "running" {
		t.Fatalf("status = %s, want running", task.Status)
	}
	runs, err := env.Engine.Store.ListRunsByTask(env.Ctx, task.ID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %d err=%v", len(runs), err)
	}
	if runs[0].Status != "running" {
		t.Fatalf("run status = %s", runs[0].Status)
	}
}

func TestDangerousScopeWaitsForApproval(t *testing.T) {
	env := newTestEnv(t)
	task, _, err := env.Engine.SubmitTask(env.Ctx, submitOpts("deploy"))
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != "waiting_approval" {
		t.Fatalf("status = %s, want waiting_approval", task.Status)
	}
	approvals, err := env.Engine.Store.ListApprovals(env.Ctx, store.ApprovalFilters{TaskID: task.ID})
	if err != nil || len(approvals) != 1 {
		t.Fatalf("approvals = %d err=%v", len(approvals), err)
	}
	a := approvals[0]
	if a.Status != "requested" || a.Scope != "deploy" || a.PolicyID != "change.approval" {
		t.Fatalf("unexpected approval %+v", a)
	}
	if runs, _ := env.Engine.Store.ListRunsByTask(env.Ctx, task.ID); len(runs) != 0 {
		t.Fatalf("run spawned before approval")
	}
}

func TestResubmitWhileWaitingReusesApproval(t *testing.T) {
	env := newTestEnv(t)
	task, _, err := env.Engine.SubmitTask(env.Ctx, submitOpts("deploy"))
	if err != nil {
		t.Fatal(err)
	}
	_, created, err := env.Engine.SubmitTask(env.Ctx, submitOpts("deploy"))
	if err != nil || created {
		t.Fatalf("resubmit: created=%v err=%v", created, err)
	}
	approvals, _ := env.Engine.Store.ListApprovals(env.Ctx, store.ApprovalFilters{TaskID: task.ID})
	if len(approvals) != 1 {
		t.Fatalf("approvals = %d, want the single original request", len(approvals))
	}
}

func TestApproveSpawnsRun(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.SubmitTask(env.Ctx, submitOpts("deploy"))
	approvals, _ := env.Engine.Store.ListApprovals(env.Ctx, store.ApprovalFilters{TaskID: task.ID})
	a, err := env.Engine.ResolveApproval(env.Ctx, approvals[0].ID, "approved", "alice", "looks fine")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if a.Status != "approved" || a.ResolvedBy == nil || *a.ResolvedBy != "alice" {
		t.Fatalf("unexpected approval %+v", a)
	}
	got, _ := env.Engine.Store.GetTask(env.Ctx, task.ID)
	if got.Status != "running" {
		t.Fatalf("task status = %s", got.Status)
	}
	runs, _ := env.Engine.Store.ListRunsByTask(env.Ctx, task.ID)
	if len(runs) != 1 || runs[0].Status != "running" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestRejectFailsTask(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.SubmitTask(env.Ctx, submitOpts("deploy"))
	approvals, _ := env.Engine.Store.ListApprovals(env.Ctx, store.ApprovalFilters{TaskID: task.ID})
	if _, err := env.Engine.ResolveApproval(env.Ctx, approvals[0].ID, "rejected", "alice", "not now"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, _ := env.Engine.Store.GetTask(env.Ctx, task.ID)
	if got.Status != "failed" || got.StatusReason != "approval_rejected" {
		t.Fatalf("task = %+v", got)
	}
	if runs, _ := env.Engine.Store.ListRunsByTask(env.Ctx, task.ID); len(runs) != 0 {
		t.Fatalf("rejected task spawned a run")
	}
}

func TestResolveTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.SubmitTask(env.Ctx, submitOpts("deploy"))
	approvals, _ := env.Engine.Store.ListApprovals(env.Ctx, store.ApprovalFilters{TaskID: task.ID})
	if _, err := env.Engine.ResolveApproval(env.Ctx, approvals[0].ID, "approved", "alice", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err := env.Engine.ResolveApproval(env.Ctx, approvals[0].ID, "rejected", "bob", "changed my mind")
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	a, _ := env.Engine.Store.GetApproval(env.Ctx, approvals[0].ID)
	if a.Status != "approved" {
		t.Fatalf("resolution rewritten to %s", a.Status)
	}
}

func TestApprovalExpiry(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.SubmitTask(env.Ctx, submitOpts("deploy"))
	approvals, _ := env.Engine.Store.ListApprovals(env.Ctx, store.ApprovalFilters{TaskID: task.ID})

	// change.approval carries a 4h TTL in the default catalog.
	env.advance(5 * time.Hour)
	_, err := env.Engine.ResolveApproval(env.Ctx, approvals[0].ID, "approved", "alice", "")
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want conflict on lapsed approval", err)
	}
	a, _ := env.Engine.Store.GetApproval(env.Ctx, approvals[0].ID)
	if a.Status != "expired" {
		t.Fatalf("approval status = %s, want expired", a.Status)
	}
	got, _ := env.Engine.Store.GetTask(env.Ctx, task.ID)
	if got.Status != "waiting_approval" {
		t.Fatalf("task left waiting_approval: %s", got.Status)
	}
}

func TestResubmitAfterExpiryRefilesApproval(t *testing.T) {
	env := newTestEnv(t)
	task, _, err := env.Engine.SubmitTask(env.Ctx, submitOpts("deploy"))
	if err != nil {
		t.Fatal(err)
	}
	env.advance(5 * time.Hour)

	// The idempotent resubmission sweeps the lapsed request and files a
	// fresh one, so the task is not stuck behind a dead approval.
	got, created, err := env.Engine.SubmitTask(env.Ctx, submitOpts("deploy"))
	if err != nil || created {
		t.Fatalf("resubmit: created=%v err=%v", created, err)
	}
	if got.ID != task.ID || got.Status != "waiting_approval" {
		t.Fatalf("task = %+v", got)
	}
	approvals, _ := env.Engine.Store.ListApprovals(env.Ctx, store.ApprovalFilters{TaskID: task.ID})
	if len(approvals) != 2 {
		t.Fatalf("approvals = %d, want expired original plus fresh request", len(approvals))
	}
	var fresh, expired int
	var freshID string
	for _, a := range approvals {
		switch a.Status {
		case "requested":
			fresh++
			freshID = a.ID
		case "expired":
			expired++
		}
	}
	if fresh != 1 || expired != 1 {
		t.Fatalf("approvals = %+v", approvals)
	}

	if _, err := env.Engine.ResolveApproval(env.Ctx, freshID, "approved", "alice", ""); err != nil {
		t.Fatalf("approve fresh request: %v", err)
	}
	got, _ = env.Engine.Store.GetTask(env.Ctx, task.ID)
	if got.Status != "running" {
		t.Fatalf("task status = %s, want running", got.Status)
	}
}

func TestConcurrentSubmitCollapses(t *testing.T) {
	env := newTestEnv(t)
	const n = 8
	type result struct {
		id      string
		created bool
		err     error
	}
	results := make(chan result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, created, err := env.Engine.SubmitTask(env.Ctx, submitOpts("deploy"))
			results <- result{id: task.ID, created: created, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var createdCount int
	var id string
	for r := range results {
		if r.err != nil {
			t.Fatalf("submit: %v", r.err)
		}
		if r.created {
			createdCount++
		}
		if id == "" {
			id = r.id
		} else if r.id != id {
			t.Fatalf("ids diverged: %s vs %s", id, r.id)
		}
	}
	if createdCount != 1 {
		t.Fatalf("created = %d, want exactly one winner", createdCount)
	}

	approvals, _ := env.Engine.Store.ListApprovals(env.Ctx, store.ApprovalFilters{TaskID: id, Status: "requested"})
	if len(approvals) != 1 {
		t.Fatalf("requested approvals = %d", len(approvals))
	}
	createdEvents, _ := env.Engine.Store.EventsAfter(env.Ctx, 0, store.EventFilters{CorrelationID: id, Type: "control_room.task.created"})
	if len(createdEvents) != 1 {
		t.Fatalf("task.created events = %d", len(createdEvents))
	}
}

func TestRunningTransitionEmitsTaskUpdate(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.SubmitTask(env.Ctx, submitOpts(""))
	events, err := env.Engine.Store.EventsAfter(env.Ctx, 0, store.EventFilters{CorrelationID: task.ID, Type: "control_room.task.updated"})
	if err != nil || len(events) != 1 {
		t.Fatalf("task.updated events = %d err=%v", len(events), err)
	}
	if !strings.Contains(events[0].Payload, `"running"`) {
		t.Fatalf("payload = %s", events[0].Payload)
	}
}

func TestCancelWaitingTaskIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.SubmitTask(env.Ctx, submitOpts("deploy"))
	first, err := env.Engine.CancelTask(env.Ctx, task.ID, "tester", "no longer needed")
	if err != nil || first.Status != "canceled" {
		t.Fatalf("cancel: %+v err=%v", first, err)
	}
	second, err := env.Engine.CancelTask(env.Ctx, task.ID, "tester", "")
	if err != nil {
		t.Fatalf("repeat cancel raised: %v", err)
	}
	if second.Status != "canceled" {
		t.Fatalf("repeat cancel status = %s", second.Status)
	}
}

func TestCancelRunningIsAdvisory(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.SubmitTask(env.Ctx, submitOpts(""))
	got, err := env.Engine.CancelTask(env.Ctx, task.ID, "tester", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "running" || !got.CancelRequested {
		t.Fatalf("task = %+v", got)
	}
	runs, _ := env.Engine.Store.ListRunsByTask(env.Ctx, task.ID)
	r, err := env.Engine.AckCancel(env.Ctx, runs[0].ID, "runner")
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if r.Status != "canceled" {
		t.Fatalf("run status = %s", r.Status)
	}
	got, _ = env.Engine.Store.GetTask(env.Ctx, task.ID)
	if got.Status != "canceled" {
		t.Fatalf("task status = %s", got.Status)
	}
}

func TestCancelGraceForcesTermination(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.SubmitTask(env.Ctx, submitOpts(""))
	if _, err := env.Engine.CancelTask(env.Ctx, task.ID, "tester", ""); err != nil {
		t.Fatal(err)
	}
	// Inside the 30s grace window the repeat cancel is a no-op.
	got, err := env.Engine.CancelTask(env.Ctx, task.ID, "tester", "")
	if err != nil || got.Status != "running" {
		t.Fatalf("inside grace: %+v err=%v", got, err)
	}
	env.advance(time.Minute)
	got, err = env.Engine.CancelTask(env.Ctx, task.ID, "tester", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "canceled" {
		t.Fatalf("task status = %s, want canceled after grace", got.Status)
	}
	runs, _ := env.Engine.Store.ListRunsByTask(env.Ctx, task.ID)
	if runs[0].Status != "canceled" {
		t.Fatalf("run status = %s", runs[0].Status)
	}
}

func TestStepLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.SubmitTask(env.Ctx, submitOpts(""))
	runs, _ := env.Engine.Store.ListRunsByTask(env.Ctx, task.ID)
	runID := runs[0].ID

	s1, err := env.Engine.AddStep(env.Ctx, runID, "fetch data")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := env.Engine.AddStep(env.Ctx, runID, "render report")
	if err != nil {
		t.Fatal(err)
	}
	if s1.Seq != 1 || s2.Seq != 2 {
		t.Fatalf("seqs = %d, %d", s1.Seq, s2.Seq)
	}

	if _, err := env.Engine.UpdateStep(env.Ctx, s1.ID, "RUNNING", ""); err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.UpdateStep(env.Ctx, s1.ID, "SUCCESS", "")
	if err != nil || done.State != "SUCCESS" {
		t.Fatalf("to SUCCESS: %v", err)
	}
	// terminal states are frozen except STALE
	if _, err := env.Engine.UpdateStep(env.Ctx, s1.ID, "RUNNING", ""); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("reopen terminal step: err = %v", err)
	}

	r, err := env.Engine.CompleteRun(env.Ctx, runID, "succeeded", true)
	if err != nil || r.Status != "succeeded" {
		t.Fatalf("complete: %v", err)
	}
	// the never-started second step is superseded
	stale, _ := env.Engine.Store.GetStep(env.Ctx, s2.ID)
	if stale.State != "STALE" {
		t.Fatalf("leftover step state = %s", stale.State)
	}
	got, _ := env.Engine.Store.GetTask(env.Ctx, task.ID)
	if got.Status != "done" || got.CompletedAt == nil {
		t.Fatalf("task = %+v", got)
	}
}

func TestCompleteRunTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.SubmitTask(env.Ctx, submitOpts(""))
	runs, _ := env.Engine.Store.ListRunsByTask(env.Ctx, task.ID)
	if _, err := env.Engine.CompleteRun(env.Ctx, runs[0].ID, "succeeded", true); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CompleteRun(env.Ctx, runs[0].ID, "failed", true)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestActionsHashOnly(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.SubmitTask(env.Ctx, submitOpts(""))
	runs, _ := env.Engine.Store.ListRunsByTask(env.Ctx, task.ID)
	st, _ := env.Engine.AddStep(env.Ctx, runs[0].ID, "call tool")

	a, err := env.Engine.RecordAction(env.Ctx, st.ID, "fetch", "http.get", map[string]any{"url": "https://example.com", "token": "sk-topsecret"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != "pending" || a.Ord != 1 || a.ArgsHash == "" {
		t.Fatalf("action = %+v", a)
	}
	if strings.Contains(a.ArgsHash, "topsecret") {
		t.Fatalf("raw args leaked into hash field")
	}

	if _, err := env.Engine.UpdateAction(env.Ctx, a.ID, "success", nil); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("pending->success: err = %v", err)
	}
	if _, err := env.Engine.UpdateAction(env.Ctx, a.ID, "running", nil); err != nil {
		t.Fatal(err)
	}
	upd, err := env.Engine.UpdateAction(env.Ctx, a.ID, "success", map[string]any{"status": 200})
	if err != nil || upd.ResultHash == "" {
		t.Fatalf("to success: %+v err=%v", upd, err)
	}
}

func TestArtifactPointerOnly(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.SubmitTask(env.Ctx, submitOpts(""))
	runs, _ := env.Engine.Store.ListRunsByTask(env.Ctx, task.ID)
	st, _ := env.Engine.AddStep(env.Ctx, runs[0].ID, "produce report")

	a, err := env.Engine.AddArtifact(env.Ctx, st.ID, "s3://reports/nightly.pdf", []string{"summary", "charts"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Pointer != "s3://reports/nightly.pdf" {
		t.Fatalf("artifact = %+v", a)
	}
	items, err := env.Engine.Store.ListArtifactsByStep(env.Ctx, st.ID)
	if err != nil || len(items) != 1 || len(items[0].Components) != 2 {
		t.Fatalf("artifacts = %+v err=%v", items, err)
	}
}

func TestEventSequencePerTask(t *testing.T) {
	env := newTestEnv(t)
	task, _, _ := env.Engine.SubmitTask(env.Ctx, submitOpts("deploy"))
	approvals, _ := env.Engine.Store.ListApprovals(env.Ctx, store.ApprovalFilters{TaskID: task.ID})
	_, _ = env.Engine.ResolveApproval(env.Ctx, approvals[0].ID, "approved", "alice", "")
	runs, _ := env.Engine.Store.ListRunsByTask(env.Ctx, task.ID)
	_, _ = env.Engine.CompleteRun(env.Ctx, runs[0].ID, "succeeded", true)

	events, err := env.Engine.Store.EventsAfter(env.Ctx, 0, store.EventFilters{CorrelationID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) < 4 {
		t.Fatalf("events = %d, want the full transition trail", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("seq gap at %d: %+v", i, e)
		}
		if e.Channel != "control_room" {
			t.Fatalf("channel = %s", e.Channel)
		}
		if e.Emitter != "test-emitter" {
			t.Fatalf("emitter = %s", e.Emitter)
		}
	}
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	joined := strings.Join(types, ",")
	for _, want := range []string{"control_room.task.created", "control_room.approval.requested", "control_room.approval.approved", "control_room.task.updated", "control_room.run.spawned", "control_room.run.completed", "control_room.task.done"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %s in %s", want, joined)
		}
	}
}

func TestEventPayloadRedacted(t *testing.T) {
	env := newTestEnv(t)
	opts := submitOpts("")
	opts.Payload = map[string]any{"target": "nightly", "api_key": "sk-supersecret"}
	task, _, err := env.Engine.SubmitTask(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	events, _ := env.Engine.Store.EventsAfter(env.Ctx, 0, store.EventFilters{CorrelationID: task.ID})
	for _, e := range events {
		if strings.Contains(e.Payload, "sk-supersecret") {
			t.Fatalf("secret leaked into event %s: %s", e.Type, e.Payload)
		}
	}
}

func TestSubmitFailsClosedWhenStoreDown(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.DB.Close(); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.SubmitTask(env.Ctx, submitOpts("deploy"))
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("err = %v, want store unavailable", err)
	}
}

func TestValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.TaskSubmitOptions{
		{Requester: "x", Reason: "y"},                                // missing type
		{Type: "a", Reason: "y"},                                     // missing requester
		{Type: "a", Requester: "x"},                                  // missing reason
		{Type: "a", Requester: "x", Reason: "y", Priority: "urgent"}, // bad priority
	}
	for i, opts := range cases {
		if _, _, err := env.Engine.SubmitTask(env.Ctx, opts); !errors.Is(err, engine.ErrValidation) {
			t.Fatalf("case %d: err = %v", i, err)
		}
	}
}
