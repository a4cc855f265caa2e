package store

import (
	"context"
	"database/sql"
	"strings"

	"controlroom/internal/domain"
)

const approvalColumns = `id,task_id,policy_id,scope,run_id,step_id,status,reason,resolved_by,resolved_ts,requested_at,expires_at`

// InsertApprovalTx creates an approval request. The partial unique index on
// (task_id, scope) WHERE status='requested' makes this the single atomic
// point where concurrent gate checks collapse: only one caller inserts,
// everyone else sees false and re-reads the surviving row.
func (s Store) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.Approval) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO approvals(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(task_id,scope) WHERE status='requested' DO NOTHING`,
		a.ID, a.TaskID, a.PolicyID, a.Scope, nullableStringPtr(a.RunID), nullableStringPtr(a.StepID),
		a.Status, nullable(a.Reason), nullableStringPtr(a.ResolvedBy), nullableStringPtr(a.ResolvedTS),
		a.RequestedAt, a.ExpiresAt)
	if err != nil {
		return false, classify(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResolveApprovalTx applies a terminal resolution exactly once. A row that
// already left 'requested' is a conflict, never overwritten.
func (s Store) ResolveApprovalTx(ctx context.Context, tx *sql.Tx, id, status, resolvedBy, resolvedTS, reason string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, resolved_by=?, resolved_ts=?, reason=? WHERE id=? AND status='requested'`,
		status, nullable(resolvedBy), resolvedTS, nullable(reason), id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetApprovalTx(ctx, tx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func scanApproval(scan func(...any) error) (domain.Approval, error) {
	var a domain.Approval
	var runID, stepID, reason, resolvedBy, resolvedTS sql.NullString
	err := scan(&a.ID, &a.TaskID, &a.PolicyID, &a.Scope, &runID, &stepID, &a.Status,
		&reason, &resolvedBy, &resolvedTS, &a.RequestedAt, &a.ExpiresAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, classify(err)
	}
	if runID.Valid {
		a.RunID = &runID.String
	}
	if stepID.Valid {
		a.StepID = &stepID.String
	}
	if reason.Valid {
		a.Reason = reason.String
	}
	if resolvedBy.Valid {
		a.ResolvedBy = &resolvedBy.String
	}
	if resolvedTS.Valid {
		a.ResolvedTS = &resolvedTS.String
	}
	return a, nil
}

func (s Store) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	row := s.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id)
	return scanApproval(row.Scan)
}

func (s Store) GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Approval, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id)
	return scanApproval(row.Scan)
}

// LatestApprovalTx returns the most recent approval for (task, scope).
func (s Store) LatestApprovalTx(ctx context.Context, tx *sql.Tx, taskID, scope string) (domain.Approval, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE task_id=? AND scope=? ORDER BY requested_at DESC, id DESC LIMIT 1`, taskID, scope)
	return scanApproval(row.Scan)
}

type ApprovalFilters struct {
	TaskID string
	Status string
	Limit  int
}

func (s Store) ListApprovals(ctx context.Context, f ApprovalFilters) ([]domain.Approval, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals ` + where + ` ORDER BY requested_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(f.Limit))
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, classify(rows.Err())
}
