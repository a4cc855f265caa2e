// Package engine owns every state transition. Each operation runs in one
// transaction that carries both the row change and its event, so no
// committed transition is ever missing from the log.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"controlroom/internal/config"
	"controlroom/internal/domain"
	"controlroom/internal/events"
	"controlroom/internal/gate"
	"controlroom/internal/sanitize"
	"controlroom/internal/store"
)

// ErrValidation marks caller mistakes as opposed to store or state faults.
var ErrValidation = errors.New("validation_error")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

type Engine struct {
	DB     *sql.DB
	Store  store.Store
	Events *events.Emitter
	Gate   *gate.Gate
	Config *config.Config
	// Now is injectable for tests. Nil means time.Now.
	Now   func() time.Time
	locks *lockTable
}

func New(db *sql.DB, cfg *config.Config) Engine {
	st := store.Store{DB: db}
	em := &events.Emitter{
		Store: st,
		Bus:   events.NewBus(),
		ID:    cfg.Emitter.ID,
		Sanitizer: sanitize.Sanitizer{
			MaxStringLen: cfg.Sanitizer.MaxStringLen,
			MaxListLen:   cfg.Sanitizer.MaxListLen,
			ExtraDeny:    cfg.Sanitizer.DenyKeys,
		},
	}
	return Engine{
		DB:     db,
		Store:  st,
		Events: em,
		Gate:   &gate.Gate{Store: st, Events: em, Config: cfg},
		Config: cfg,
		Now:    time.Now,
		locks:  newLockTable(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// TaskSubmitOptions are parameters for submitting a task.
type TaskSubmitOptions struct {
	ConversationID string
	Type           string
	Priority       string
	Scope          string
	Requester      string
	Reason         string
	Payload        map[string]any
}

// DeriveTaskID computes the idempotency id for a submission. Identical
// submissions yield the same id; the insert collapses them to one row.
// Timestamps stay out of the derivation on purpose.
func DeriveTaskID(conversationID, taskType, priority, scope, requester, payloadHash string) string {
	key := strings.Join([]string{conversationID, taskType, priority, scope, requester, payloadHash}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// SubmitTask records a task exactly once. The payload is sanitized before
// anything touches the store; a dangerous scope parks the task behind the
// approval gate instead of queueing it. Returns created=false when an
// identical submission already exists.
func (e Engine) SubmitTask(ctx context.Context, opts TaskSubmitOptions) (domain.Task, bool, error) {
	if opts.Type == "" {
		return domain.Task{}, false, invalidf("type is required")
	}
	if opts.Requester == "" {
		return domain.Task{}, false, invalidf("requester is required")
	}
	if opts.Reason == "" {
		return domain.Task{}, false, invalidf("reason is required")
	}
	if opts.Priority == "" {
		opts.Priority = "normal"
	}
	switch opts.Priority {
	case "low", "normal", "high", "critical":
	default:
		return domain.Task{}, false, invalidf("unknown priority %q", opts.Priority)
	}

	sanitized := e.Events.Sanitizer.SanitizeMap(opts.Payload)
	id := DeriveTaskID(opts.ConversationID, opts.Type, opts.Priority, opts.Scope, opts.Requester, sanitized.Hash)

	unlock := e.locks.lock(id)
	defer unlock()

	tx, cancel, err := e.Store.Begin(ctx)
	if err != nil {
		return domain.Task{}, false, err
	}
	defer cancel()
	defer tx.Rollback()

	now := e.ts()
	status := "queued"
	_, dangerous := e.Config.DangerousScope(opts.Scope)
	if dangerous {
		status = "waiting_approval"
	}
	t := domain.Task{
		ID:             id,
		ConversationID: opts.ConversationID,
		Type:           opts.Type,
		Priority:       opts.Priority,
		Scope:          opts.Scope,
		Requester:      opts.Requester,
		Reason:         opts.Reason,
		PayloadHash:    sanitized.Hash,
		PayloadLength:  sanitized.Length,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	inserted, err := e.Store.InsertTaskTx(ctx, tx, t)
	if err != nil {
		return domain.Task{}, false, err
	}
	if !inserted {
		existing, err := e.Store.GetTaskTx(ctx, tx, id)
		if err != nil {
			return domain.Task{}, false, err
		}
		if dangerous && existing.Status == "waiting_approval" {
			// Re-running the gate sweeps a lapsed approval and files a
			// fresh request, so re-issuing the idempotent submission is
			// how a caller recovers from an expired approval.
			_, evts, err := e.Gate.Authorize(ctx, tx, existing, opts.Scope, nil, nil)
			if err != nil {
				return domain.Task{}, false, err
			}
			if err := tx.Commit(); err != nil {
				return domain.Task{}, false, store.ErrUnavailable
			}
			e.Events.Broadcast(evts...)
		}
		return existing, false, nil
	}

	var pending []domain.Event
	ev, err := e.Events.Append(ctx, tx, "control_room.task.created", t.ID, "", map[string]any{
		"task_id":      t.ID,
		"type":         t.Type,
		"priority":     t.Priority,
		"scope":        t.Scope,
		"requester":    t.Requester,
		"status":       t.Status,
		"payload_hash": t.PayloadHash,
		"payload":      sanitized.Payload,
	})
	if err != nil {
		return domain.Task{}, false, err
	}
	pending = append(pending, ev)

	if dangerous {
		_, evts, err := e.Gate.Authorize(ctx, tx, t, opts.Scope, nil, nil)
		if err != nil {
			return domain.Task{}, false, err
		}
		pending = append(pending, evts...)
	} else {
		// Nothing gates this task; it proceeds directly to running with
		// its first run spawned in the same transaction.
		t.Status = "running"
		t.UpdatedAt = now
		if err := e.Store.UpdateTaskTx(ctx, tx, t); err != nil {
			return domain.Task{}, false, err
		}
		sev, err := e.Events.Append(ctx, tx, "control_room.task.updated", t.ID, "", map[string]any{
			"task_id": t.ID,
			"status":  "running",
		})
		if err != nil {
			return domain.Task{}, false, err
		}
		pending = append(pending, sev)
		r := domain.Run{ID: uuid.NewString(), TaskID: t.ID, Status: "running", SpawnedTS: now}
		if err := e.Store.InsertRunTx(ctx, tx, r); err != nil {
			return domain.Task{}, false, err
		}
		ev, err := e.Events.Append(ctx, tx, "control_room.run.spawned", t.ID, "", map[string]any{
			"run_id":  r.ID,
			"task_id": t.ID,
		})
		if err != nil {
			return domain.Task{}, false, err
		}
		pending = append(pending, ev)
	}

	if err := tx.Commit(); err != nil {
		return domain.Task{}, false, store.ErrUnavailable
	}
	e.Events.Broadcast(pending...)
	return t, true, nil
}

// CancelTask requests cancellation. Before execution the task cancels
// immediately; once running the request is advisory until a run
// acknowledges it or the grace window lapses. Repeat calls are no-ops.
func (e Engine) CancelTask(ctx context.Context, id, actor, reason string) (domain.Task, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	tx, cancel, err := e.Store.Begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer cancel()
	defer tx.Rollback()

	t, err := e.Store.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}

	now := e.ts()
	var pending []domain.Event
	switch t.Status {
	case "canceled", "done", "failed":
		// Terminal; nothing to do.
		return t, nil
	case "queued", "waiting_approval":
		t.Status = "canceled"
		t.StatusReason = cancelReason(actor, reason)
		t.CancelRequested = true
		t.UpdatedAt = now
		t.CompletedAt = &now
		if err := e.Store.UpdateTaskTx(ctx, tx, t); err != nil {
			return domain.Task{}, err
		}
		ev, err := e.Events.Append(ctx, tx, "control_room.task.canceled", t.ID, "", map[string]any{
			"task_id":  t.ID,
			"actor":    actor,
			"status":   t.Status,
			"advisory": false,
		})
		if err != nil {
			return domain.Task{}, err
		}
		pending = append(pending, ev)
	case "running":
		if !t.CancelRequested {
			t.CancelRequested = true
			t.StatusReason = cancelReason(actor, reason)
			t.UpdatedAt = now
			if err := e.Store.UpdateTaskTx(ctx, tx, t); err != nil {
				return domain.Task{}, err
			}
			ev, err := e.Events.Append(ctx, tx, "control_room.task.cancel_requested", t.ID, "", map[string]any{
				"task_id":  t.ID,
				"actor":    actor,
				"advisory": true,
			})
			if err != nil {
				return domain.Task{}, err
			}
			pending = append(pending, ev)
			break
		}
		requested, perr := time.Parse(time.RFC3339, t.UpdatedAt)
		if perr != nil || e.now().UTC().Before(requested.Add(e.Config.CancelGrace())) {
			// Already requested and still inside the grace window.
			return t, nil
		}
		evts, err := e.forceCancelTx(ctx, tx, &t, actor, now)
		if err != nil {
			return domain.Task{}, err
		}
		pending = append(pending, evts...)
	default:
		return domain.Task{}, invalidf("unknown task status %q", t.Status)
	}

	if err := tx.Commit(); err != nil {
		return domain.Task{}, store.ErrUnavailable
	}
	e.Events.Broadcast(pending...)
	return t, nil
}

// forceCancelTx cancels a running task whose grace window has lapsed:
// every running run is closed out and the task goes terminal.
func (e Engine) forceCancelTx(ctx context.Context, tx *sql.Tx, t *domain.Task, actor, now string) ([]domain.Event, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM runs WHERE task_id=? AND status='running'`, t.ID)
	if err != nil {
		return nil, store.ErrUnavailable
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, store.ErrUnavailable
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, store.ErrUnavailable
	}

	var pending []domain.Event
	for _, runID := range runIDs {
		r := domain.Run{ID: runID, Status: "canceled", CompletedTS: &now}
		if err := e.Store.UpdateRunTx(ctx, tx, r); err != nil {
			return nil, err
		}
		if err := e.staleStepsTx(ctx, tx, runID, now); err != nil {
			return nil, err
		}
		ev, err := e.Events.Append(ctx, tx, "control_room.run.canceled", t.ID, "", map[string]any{
			"run_id":  runID,
			"task_id": t.ID,
			"forced":  true,
		})
		if err != nil {
			return nil, err
		}
		pending = append(pending, ev)
	}

	t.Status = "canceled"
	t.StatusReason = "cancel grace elapsed"
	t.UpdatedAt = now
	t.CompletedAt = &now
	if err := e.Store.UpdateTaskTx(ctx, tx, *t); err != nil {
		return nil, err
	}
	ev, err := e.Events.Append(ctx, tx, "control_room.task.canceled", t.ID, "", map[string]any{
		"task_id": t.ID,
		"actor":   actor,
		"forced":  true,
	})
	if err != nil {
		return nil, err
	}
	return append(pending, ev), nil
}

func cancelReason(actor, reason string) string {
	if reason != "" {
		return reason
	}
	if actor != "" {
		return "canceled by " + actor
	}
	return "canceled"
}

// ResolveApproval applies a human decision. Approval moves the task to
// running and spawns its run; rejection fails the task. The approval row
// itself is immutable once resolved.
func (e Engine) ResolveApproval(ctx context.Context, approvalID, status, resolvedBy, reason string) (domain.Approval, error) {
	switch status {
	case "approved", "rejected":
	default:
		return domain.Approval{}, invalidf("resolution must be approved or rejected, got %q", status)
	}
	if resolvedBy == "" {
		return domain.Approval{}, invalidf("resolved_by is required")
	}

	a, err := e.Store.GetApproval(ctx, approvalID)
	if err != nil {
		return domain.Approval{}, err
	}
	unlock := e.locks.lock(a.TaskID)
	defer unlock()

	tx, cancel, err := e.Store.Begin(ctx)
	if err != nil {
		return domain.Approval{}, err
	}
	defer cancel()
	defer tx.Rollback()

	a, pending, err := e.Gate.Resolve(ctx, tx, approvalID, status, resolvedBy, reason)
	if err != nil {
		// Expiry sweeps discovered during a losing resolve still need to
		// commit; conflicts surface either way.
		if err == store.ErrConflict && len(pending) > 0 {
			if cerr := tx.Commit(); cerr == nil {
				e.Events.Broadcast(pending...)
			}
		}
		return domain.Approval{}, err
	}

	t, err := e.Store.GetTaskTx(ctx, tx, a.TaskID)
	if err != nil {
		return domain.Approval{}, err
	}
	now := e.ts()
	if t.Status == "waiting_approval" {
		switch status {
		case "approved":
			if err := ensureTaskTransition(t.Status, "running"); err != nil {
				return domain.Approval{}, err
			}
			t.Status = "running"
			t.StatusReason = ""
			t.UpdatedAt = now
			if err := e.Store.UpdateTaskTx(ctx, tx, t); err != nil {
				return domain.Approval{}, err
			}
			sev, err := e.Events.Append(ctx, tx, "control_room.task.updated", t.ID, "", map[string]any{
				"task_id":     t.ID,
				"status":      "running",
				"approval_id": a.ID,
			})
			if err != nil {
				return domain.Approval{}, err
			}
			pending = append(pending, sev)
			r := domain.Run{ID: uuid.NewString(), TaskID: t.ID, Status: "running", SpawnedTS: now}
			if err := e.Store.InsertRunTx(ctx, tx, r); err != nil {
				return domain.Approval{}, err
			}
			ev, err := e.Events.Append(ctx, tx, "control_room.run.spawned", t.ID, "", map[string]any{
				"run_id":      r.ID,
				"task_id":     t.ID,
				"approval_id": a.ID,
			})
			if err != nil {
				return domain.Approval{}, err
			}
			pending = append(pending, ev)
		case "rejected":
			if err := ensureTaskTransition(t.Status, "failed"); err != nil {
				return domain.Approval{}, err
			}
			t.Status = "failed"
			t.StatusReason = "approval_rejected"
			t.UpdatedAt = now
			t.CompletedAt = &now
			if err := e.Store.UpdateTaskTx(ctx, tx, t); err != nil {
				return domain.Approval{}, err
			}
			ev, err := e.Events.Append(ctx, tx, "control_room.task.failed", t.ID, "", map[string]any{
				"task_id":     t.ID,
				"approval_id": a.ID,
				"reason":      "approval_rejected",
			})
			if err != nil {
				return domain.Approval{}, err
			}
			pending = append(pending, ev)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Approval{}, store.ErrUnavailable
	}
	e.Events.Broadcast(pending...)
	return a, nil
}

// AddStep appends a step to a running run at the next ordinal.
func (e Engine) AddStep(ctx context.Context, runID, detail string) (domain.Step, error) {
	tx, cancel, err := e.Store.Begin(ctx)
	if err != nil {
		return domain.Step{}, err
	}
	defer cancel()
	defer tx.Rollback()

	r, err := e.Store.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.Step{}, err
	}
	if r.Status != "running" {
		return domain.Step{}, store.ErrConflict
	}
	seq, err := e.Store.NextStepSeqTx(ctx, tx, runID)
	if err != nil {
		return domain.Step{}, err
	}
	now := e.ts()
	st := domain.Step{
		ID:        uuid.NewString(),
		RunID:     runID,
		Seq:       seq,
		State:     "QUEUED",
		Detail:    detail,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Store.InsertStepTx(ctx, tx, st); err != nil {
		return domain.Step{}, err
	}
	ev, err := e.Events.Append(ctx, tx, "control_room.step.added", r.TaskID, "", map[string]any{
		"step_id": st.ID,
		"run_id":  runID,
		"task_id": r.TaskID,
		"seq":     seq,
	})
	if err != nil {
		return domain.Step{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Step{}, store.ErrUnavailable
	}
	e.Events.Broadcast(ev)
	return st, nil
}

// UpdateStep advances a step through its machine. Terminal states are
// frozen except for the STALE supersede.
func (e Engine) UpdateStep(ctx context.Context, stepID, state, detail string) (domain.Step, error) {
	tx, cancel, err := e.Store.Begin(ctx)
	if err != nil {
		return domain.Step{}, err
	}
	defer cancel()
	defer tx.Rollback()

	st, err := e.Store.GetStepTx(ctx, tx, stepID)
	if err != nil {
		return domain.Step{}, err
	}
	if err := ensureStepTransition(st.State, state); err != nil {
		return domain.Step{}, err
	}
	r, err := e.Store.GetRunTx(ctx, tx, st.RunID)
	if err != nil {
		return domain.Step{}, err
	}
	st.State = state
	if detail != "" {
		st.Detail = detail
	}
	st.UpdatedAt = e.ts()
	if err := e.Store.UpdateStepTx(ctx, tx, st); err != nil {
		return domain.Step{}, err
	}
	ev, err := e.Events.Append(ctx, tx, "control_room.step.updated", r.TaskID, "", map[string]any{
		"step_id": st.ID,
		"run_id":  st.RunID,
		"task_id": r.TaskID,
		"state":   st.State,
	})
	if err != nil {
		return domain.Step{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Step{}, store.ErrUnavailable
	}
	e.Events.Broadcast(ev)
	return st, nil
}

// RecordAction registers a tool invocation under a step. Raw args never
// reach the store; only their hash does.
func (e Engine) RecordAction(ctx context.Context, stepID, name, tool string, args any) (domain.Action, error) {
	if name == "" {
		return domain.Action{}, invalidf("name is required")
	}
	if tool == "" {
		return domain.Action{}, invalidf("tool is required")
	}
	tx, cancel, err := e.Store.Begin(ctx)
	if err != nil {
		return domain.Action{}, err
	}
	defer cancel()
	defer tx.Rollback()

	st, err := e.Store.GetStepTx(ctx, tx, stepID)
	if err != nil {
		return domain.Action{}, err
	}
	r, err := e.Store.GetRunTx(ctx, tx, st.RunID)
	if err != nil {
		return domain.Action{}, err
	}
	ord, err := e.Store.NextActionOrdTx(ctx, tx, stepID)
	if err != nil {
		return domain.Action{}, err
	}
	now := e.ts()
	a := domain.Action{
		ID:        uuid.NewString(),
		StepID:    &stepID,
		Name:      name,
		Tool:      tool,
		Status:    "pending",
		Ord:       ord,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if args != nil {
		a.ArgsHash = sanitize.HashJSON(args)
	}
	if err := e.Store.InsertActionTx(ctx, tx, a); err != nil {
		return domain.Action{}, err
	}
	ev, err := e.Events.Append(ctx, tx, "control_room.action.recorded", r.TaskID, "", map[string]any{
		"action_id": a.ID,
		"step_id":   stepID,
		"task_id":   r.TaskID,
		"name":      name,
		"tool":      tool,
		"ord":       ord,
		"args_hash": a.ArgsHash,
	})
	if err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, store.ErrUnavailable
	}
	e.Events.Broadcast(ev)
	return a, nil
}

// UpdateAction advances an action and records the result hash.
func (e Engine) UpdateAction(ctx context.Context, actionID, status string, result any) (domain.Action, error) {
	tx, cancel, err := e.Store.Begin(ctx)
	if err != nil {
		return domain.Action{}, err
	}
	defer cancel()
	defer tx.Rollback()

	a, err := e.Store.GetActionTx(ctx, tx, actionID)
	if err != nil {
		return domain.Action{}, err
	}
	if err := ensureActionTransition(a.Status, status); err != nil {
		return domain.Action{}, err
	}
	a.Status = status
	if result != nil {
		a.ResultHash = sanitize.HashJSON(result)
	}
	a.UpdatedAt = e.ts()
	if err := e.Store.UpdateActionTx(ctx, tx, a); err != nil {
		return domain.Action{}, err
	}

	correlation := a.ID
	if a.StepID != nil {
		if st, err := e.Store.GetStepTx(ctx, tx, *a.StepID); err == nil {
			if r, err := e.Store.GetRunTx(ctx, tx, st.RunID); err == nil {
				correlation = r.TaskID
			}
		}
	}
	ev, err := e.Events.Append(ctx, tx, "control_room.action.updated", correlation, "", map[string]any{
		"action_id":   a.ID,
		"status":      a.Status,
		"result_hash": a.ResultHash,
	})
	if err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, store.ErrUnavailable
	}
	e.Events.Broadcast(ev)
	return a, nil
}

// AddArtifact records a pointer to produced output. Content stays wherever
// the runner put it; only the pointer and component names travel.
func (e Engine) AddArtifact(ctx context.Context, stepID, pointer string, components []string) (domain.Artifact, error) {
	if pointer == "" {
		return domain.Artifact{}, invalidf("pointer is required")
	}
	tx, cancel, err := e.Store.Begin(ctx)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer cancel()
	defer tx.Rollback()

	st, err := e.Store.GetStepTx(ctx, tx, stepID)
	if err != nil {
		return domain.Artifact{}, err
	}
	r, err := e.Store.GetRunTx(ctx, tx, st.RunID)
	if err != nil {
		return domain.Artifact{}, err
	}
	a := domain.Artifact{
		Pointer:    pointer,
		StepID:     stepID,
		Components: components,
		CreatedAt:  e.ts(),
	}
	if err := e.Store.UpsertArtifactTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, err
	}
	ev, err := e.Events.Append(ctx, tx, "control_room.artifact.recorded", r.TaskID, "", map[string]any{
		"pointer":    pointer,
		"step_id":    stepID,
		"task_id":    r.TaskID,
		"components": components,
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, store.ErrUnavailable
	}
	e.Events.Broadcast(ev)
	return a, nil
}

// CompleteRun closes a run. Unfinished steps go STALE. With final=true the
// run outcome folds into the task.
func (e Engine) CompleteRun(ctx context.Context, runID, status string, final bool) (domain.Run, error) {
	switch status {
	case "succeeded", "failed", "canceled":
	default:
		return domain.Run{}, invalidf("run outcome must be succeeded, failed, or canceled, got %q", status)
	}

	r, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	unlock := e.locks.lock(r.TaskID)
	defer unlock()

	tx, cancel, err := e.Store.Begin(ctx)
	if err != nil {
		return domain.Run{}, err
	}
	defer cancel()
	defer tx.Rollback()

	r, err = e.Store.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if r.Status != "running" {
		return domain.Run{}, store.ErrConflict
	}
	now := e.ts()
	r.Status = status
	r.CompletedTS = &now
	if err := e.Store.UpdateRunTx(ctx, tx, r); err != nil {
		return domain.Run{}, err
	}
	if err := e.staleStepsTx(ctx, tx, runID, now); err != nil {
		return domain.Run{}, err
	}
	ev, err := e.Events.Append(ctx, tx, "control_room.run.completed", r.TaskID, "", map[string]any{
		"run_id":  r.ID,
		"task_id": r.TaskID,
		"status":  status,
		"final":   final,
	})
	if err != nil {
		return domain.Run{}, err
	}
	pending := []domain.Event{ev}

	if final {
		t, err := e.Store.GetTaskTx(ctx, tx, r.TaskID)
		if err != nil {
			return domain.Run{}, err
		}
		if t.Status == "running" {
			target := map[string]string{"succeeded": "done", "failed": "failed", "canceled": "canceled"}[status]
			if err := ensureTaskTransition(t.Status, target); err != nil {
				return domain.Run{}, err
			}
			t.Status = target
			t.UpdatedAt = now
			t.CompletedAt = &now
			if err := e.Store.UpdateTaskTx(ctx, tx, t); err != nil {
				return domain.Run{}, err
			}
			tev, err := e.Events.Append(ctx, tx, "control_room.task."+target, t.ID, "", map[string]any{
				"task_id": t.ID,
				"run_id":  r.ID,
				"status":  target,
			})
			if err != nil {
				return domain.Run{}, err
			}
			pending = append(pending, tev)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Run{}, store.ErrUnavailable
	}
	e.Events.Broadcast(pending...)
	return r, nil
}

// AckCancel is the runner's acknowledgment of an advisory cancel: the run
// closes as canceled and the task goes terminal.
func (e Engine) AckCancel(ctx context.Context, runID, actor string) (domain.Run, error) {
	r, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	unlock := e.locks.lock(r.TaskID)
	defer unlock()

	tx, cancel, err := e.Store.Begin(ctx)
	if err != nil {
		return domain.Run{}, err
	}
	defer cancel()
	defer tx.Rollback()

	r, err = e.Store.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if r.Status != "running" {
		return domain.Run{}, store.ErrConflict
	}
	t, err := e.Store.GetTaskTx(ctx, tx, r.TaskID)
	if err != nil {
		return domain.Run{}, err
	}
	if !t.CancelRequested {
		return domain.Run{}, invalidf("no cancel pending for run %s", runID)
	}

	now := e.ts()
	r.Status = "canceled"
	r.CompletedTS = &now
	if err := e.Store.UpdateRunTx(ctx, tx, r); err != nil {
		return domain.Run{}, err
	}
	if err := e.staleStepsTx(ctx, tx, runID, now); err != nil {
		return domain.Run{}, err
	}
	ev, err := e.Events.Append(ctx, tx, "control_room.run.canceled", t.ID, "", map[string]any{
		"run_id":  r.ID,
		"task_id": t.ID,
		"actor":   actor,
	})
	if err != nil {
		return domain.Run{}, err
	}
	pending := []domain.Event{ev}

	if t.Status == "running" {
		t.Status = "canceled"
		t.UpdatedAt = now
		t.CompletedAt = &now
		if err := e.Store.UpdateTaskTx(ctx, tx, t); err != nil {
			return domain.Run{}, err
		}
		tev, err := e.Events.Append(ctx, tx, "control_room.task.canceled", t.ID, "", map[string]any{
			"task_id": t.ID,
			"run_id":  r.ID,
			"actor":   actor,
		})
		if err != nil {
			return domain.Run{}, err
		}
		pending = append(pending, tev)
	}

	if err := tx.Commit(); err != nil {
		return domain.Run{}, store.ErrUnavailable
	}
	e.Events.Broadcast(pending...)
	return r, nil
}

// staleStepsTx supersedes a closing run's unfinished steps.
func (e Engine) staleStepsTx(ctx context.Context, tx *sql.Tx, runID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE steps SET state='STALE', updated_at=? WHERE run_id=? AND state IN ('QUEUED','RUNNING')`, now, runID)
	if err != nil {
		return store.ErrUnavailable
	}
	return nil
}

func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "queued":
		if newStatus == "waiting_approval" || newStatus == "running" || newStatus == "canceled" || newStatus == "failed" {
			return nil
		}
	case "waiting_approval":
		if newStatus == "running" || newStatus == "failed" || newStatus == "canceled" {
			return nil
		}
	case "running":
		if newStatus == "done" || newStatus == "failed" || newStatus == "canceled" {
			return nil
		}
	}
	return fmt.Errorf("%w: invalid task status transition %s -> %s", store.ErrConflict, oldStatus, newStatus)
}

func ensureStepTransition(oldState, newState string) error {
	switch oldState {
	case "QUEUED":
		if newState == "RUNNING" || newState == "FAILED" || newState == "STALE" {
			return nil
		}
	case "RUNNING":
		if newState == "SUCCESS" || newState == "FAILED" || newState == "STALE" {
			return nil
		}
	case "SUCCESS", "FAILED":
		if newState == "STALE" {
			return nil
		}
	}
	return fmt.Errorf("%w: invalid step state transition %s -> %s", store.ErrConflict, oldState, newState)
}

func ensureActionTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "pending":
		if newStatus == "running" || newStatus == "failed" {
			return nil
		}
	case "running":
		if newStatus == "success" || newStatus == "failed" {
			return nil
		}
	}
	return fmt.Errorf("%w: invalid action status transition %s -> %s", store.ErrConflict, oldStatus, newStatus)
}
