// Package gate decides whether a dangerous scope may proceed. The gate
// fails closed: any doubt about approval state, including a store failure,
// denies the operation.
package gate

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"controlroom/internal/config"
	"controlroom/internal/domain"
	"controlroom/internal/events"
	"controlroom/internal/store"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allow      bool   `json:"allow"`
	Reason     string `json:"reason" enum:"approved,approval_requested,approval_pending,approval_rejected,approval_state_unavailable"`
	ApprovalID string `json:"approval_id,omitempty"`
}

type Gate struct {
	Store  store.Store
	Events *events.Emitter
	Config *config.Config
	// Now is injectable for tests. Nil means time.Now.
	Now func() time.Time
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Authorize checks the latest approval for (task, scope) inside the
// caller's transaction. With no live approval it files a request and
// denies; the caller retries after a human resolves it. Events appended
// here ride the caller's commit and must be broadcast by the caller.
func (g *Gate) Authorize(ctx context.Context, tx *sql.Tx, task domain.Task, scope string, runID, stepID *string) (Decision, []domain.Event, error) {
	a, err := g.Store.LatestApprovalTx(ctx, tx, task.ID, scope)
	if err != nil && err != store.ErrNotFound {
		return Decision{Reason: "approval_state_unavailable"}, nil, err
	}
	if err == store.ErrNotFound {
		return g.request(ctx, tx, task, scope, runID, stepID)
	}

	switch a.Status {
	case "approved":
		return Decision{Allow: true, Reason: "approved", ApprovalID: a.ID}, nil, nil
	case "rejected":
		return Decision{Reason: "approval_rejected", ApprovalID: a.ID}, nil, nil
	case "expired":
		return g.request(ctx, tx, task, scope, runID, stepID)
	}

	// Still requested: sweep it if the TTL has lapsed, then file a fresh
	// request so the caller is never stuck behind a dead approval.
	if expired, evts, err := g.expire(ctx, tx, a); err != nil {
		return Decision{Reason: "approval_state_unavailable"}, nil, err
	} else if expired {
		d, more, err := g.request(ctx, tx, task, scope, runID, stepID)
		return d, append(evts, more...), err
	}
	return Decision{Reason: "approval_pending", ApprovalID: a.ID}, nil, nil
}

// request files a new approval. The partial unique index makes this safe
// under concurrency: the losing caller reuses the surviving row.
func (g *Gate) request(ctx context.Context, tx *sql.Tx, task domain.Task, scope string, runID, stepID *string) (Decision, []domain.Event, error) {
	policyID, ok := g.Config.DangerousScope(scope)
	if !ok {
		// Scope left the policy map since submission. Still dangerous as
		// far as this task is concerned, so deny under the default policy.
		policyID = "default"
	}
	now := g.now().UTC()
	a := domain.Approval{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		PolicyID:    policyID,
		Scope:       scope,
		RunID:       runID,
		StepID:      stepID,
		Status:      "requested",
		RequestedAt: now.Format(time.RFC3339),
		ExpiresAt:   now.Add(g.Config.ApprovalTTL(policyID)).Format(time.RFC3339),
	}
	inserted, err := g.Store.InsertApprovalTx(ctx, tx, a)
	if err != nil {
		return Decision{Reason: "approval_state_unavailable"}, nil, err
	}
	if !inserted {
		existing, err := g.Store.LatestApprovalTx(ctx, tx, task.ID, scope)
		if err != nil {
			return Decision{Reason: "approval_state_unavailable"}, nil, err
		}
		return Decision{Reason: "approval_pending", ApprovalID: existing.ID}, nil, nil
	}
	e, err := g.Events.Append(ctx, tx, "control_room.approval.requested", task.ID, "", map[string]any{
		"approval_id": a.ID,
		"task_id":     task.ID,
		"policy_id":   a.PolicyID,
		"scope":       a.Scope,
		"expires_at":  a.ExpiresAt,
	})
	if err != nil {
		return Decision{Reason: "approval_state_unavailable"}, nil, err
	}
	return Decision{Reason: "approval_requested", ApprovalID: a.ID}, []domain.Event{e}, nil
}

// expire sweeps a requested approval past its TTL. Returns false when the
// approval is still live.
func (g *Gate) expire(ctx context.Context, tx *sql.Tx, a domain.Approval) (bool, []domain.Event, error) {
	expiresAt, err := time.Parse(time.RFC3339, a.ExpiresAt)
	if err != nil || !g.now().UTC().After(expiresAt) {
		return false, nil, nil
	}
	ts := g.now().UTC().Format(time.RFC3339)
	if err := g.Store.ResolveApprovalTx(ctx, tx, a.ID, "expired", "system:ttl", ts, "approval window elapsed"); err != nil {
		if err == store.ErrConflict {
			// Raced with a resolver; their resolution wins.
			return false, nil, nil
		}
		return false, nil, err
	}
	e, err := g.Events.Append(ctx, tx, "control_room.approval.expired", a.TaskID, "", map[string]any{
		"approval_id": a.ID,
		"task_id":     a.TaskID,
		"scope":       a.Scope,
	})
	if err != nil {
		return false, nil, err
	}
	return true, []domain.Event{e}, nil
}

// Resolve applies a human decision to a requested approval, exactly once.
// A lapsed TTL is swept first and makes the resolution a conflict. Task
// side effects belong to the caller.
func (g *Gate) Resolve(ctx context.Context, tx *sql.Tx, id, status, resolvedBy, reason string) (domain.Approval, []domain.Event, error) {
	a, err := g.Store.GetApprovalTx(ctx, tx, id)
	if err != nil {
		return domain.Approval{}, nil, err
	}
	if a.Status != "requested" {
		return a, nil, store.ErrConflict
	}
	if expired, evts, err := g.expire(ctx, tx, a); err != nil {
		return domain.Approval{}, nil, err
	} else if expired {
		return a, evts, store.ErrConflict
	}
	ts := g.now().UTC().Format(time.RFC3339)
	if err := g.Store.ResolveApprovalTx(ctx, tx, id, status, resolvedBy, ts, reason); err != nil {
		return domain.Approval{}, nil, err
	}
	a.Status = status
	a.ResolvedBy = &resolvedBy
	a.ResolvedTS = &ts
	if reason != "" {
		a.Reason = reason
	}
	e, err := g.Events.Append(ctx, tx, "control_room.approval."+status, a.TaskID, "", map[string]any{
		"approval_id": a.ID,
		"task_id":     a.TaskID,
		"scope":       a.Scope,
		"resolved_by": resolvedBy,
	})
	if err != nil {
		return domain.Approval{}, nil, err
	}
	return a, []domain.Event{e}, nil
}
