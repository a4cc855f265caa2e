// Package store is the only component that talks to the durable entity
// store. Writes surface ErrUnavailable so callers can fail closed; reads
// let callers degrade instead of failing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"controlroom/internal/domain"
)

// MaxListLimit bounds every filtered read.
const MaxListLimit = 100

const defaultTimeout = 5 * time.Second

type Store struct {
	DB *sql.DB
	// Timeout bounds every store call. Zero means the default.
	Timeout time.Duration
}

func (s Store) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	t := s.Timeout
	if t <= 0 {
		t = defaultTimeout
	}
	return context.WithTimeout(ctx, t)
}

// Begin opens a transaction under the store timeout.
func (s Store) Begin(ctx context.Context) (*sql.Tx, context.CancelFunc, error) {
	ctx, cancel := s.deadline(ctx)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		cancel()
		return nil, nil, classify(err)
	}
	return tx, cancel, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// --- tasks ---

// InsertTaskTx inserts a task if its derived id is not already present.
// Returns false when an identical submission already exists, which is how
// concurrent resubmissions collapse to one Task.
func (s Store) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,conversation_id,type,priority,scope,requester,reason,payload_hash,payload_length,status,status_reason,cancel_requested,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
		t.ID, nullable(t.ConversationID), t.Type, t.Priority, nullable(t.Scope), t.Requester, t.Reason,
		t.PayloadHash, t.PayloadLength, t.Status, nullable(t.StatusReason), boolInt(t.CancelRequested),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	if err != nil {
		return false, classify(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s Store) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, status_reason=?, cancel_requested=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Status, nullable(t.StatusReason), boolInt(t.CancelRequested), t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id,conversation_id,type,priority,scope,requester,reason,payload_hash,payload_length,status,status_reason,cancel_requested,created_at,updated_at,completed_at`

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var conversation, scope, statusReason, completedAt sql.NullString
	var cancelRequested int
	err := scan(&t.ID, &conversation, &t.Type, &t.Priority, &scope, &t.Requester, &t.Reason,
		&t.PayloadHash, &t.PayloadLength, &t.Status, &statusReason, &cancelRequested,
		&t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, classify(err)
	}
	if conversation.Valid {
		t.ConversationID = conversation.String
	}
	if scope.Valid {
		t.Scope = scope.String
	}
	if statusReason.Valid {
		t.StatusReason = statusReason.String
	}
	t.CancelRequested = cancelRequested != 0
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (s Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (s Store) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	Status string
	Type   string
	Limit  int
}

func (s Store) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(f.Limit))
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, classify(rows.Err())
}

// --- runs ---

func (s Store) InsertRunTx(ctx context.Context, tx *sql.Tx, r domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,task_id,status,spawned_ts,completed_ts) VALUES (?,?,?,?,?)`,
		r.ID, r.TaskID, r.Status, r.SpawnedTS, nullableStringPtr(r.CompletedTS))
	return classify(err)
}

func (s Store) UpdateRunTx(ctx context.Context, tx *sql.Tx, r domain.Run) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, completed_ts=? WHERE id=?`,
		r.Status, nullableStringPtr(r.CompletedTS), r.ID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRun(scan func(...any) error) (domain.Run, error) {
	var r domain.Run
	var completed sql.NullString
	err := scan(&r.ID, &r.TaskID, &r.Status, &r.SpawnedTS, &completed)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, classify(err)
	}
	if completed.Valid {
		r.CompletedTS = &completed.String
	}
	return r, nil
}

func (s Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	row := s.DB.QueryRowContext(ctx, `SELECT id,task_id,status,spawned_ts,completed_ts FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (s Store) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,task_id,status,spawned_ts,completed_ts FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (s Store) ListRunsByTask(ctx context.Context, taskID string) ([]domain.Run, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	rows, err := s.DB.QueryContext(ctx, `SELECT id,task_id,status,spawned_ts,completed_ts FROM runs WHERE task_id=? ORDER BY spawned_ts ASC, id ASC LIMIT ?`, taskID, MaxListLimit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, classify(rows.Err())
}

// --- steps ---

// NextStepSeqTx allocates the next ordinal within a run.
func (s Store) NextStepSeqTx(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM steps WHERE run_id=?`, runID).Scan(&seq)
	if err != nil {
		return 0, classify(err)
	}
	return seq, nil
}

func (s Store) InsertStepTx(ctx context.Context, tx *sql.Tx, st domain.Step) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO steps(id,run_id,seq,state,detail,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		st.ID, st.RunID, st.Seq, st.State, nullable(st.Detail), st.CreatedAt, st.UpdatedAt)
	return classify(err)
}

func (s Store) UpdateStepTx(ctx context.Context, tx *sql.Tx, st domain.Step) error {
	res, err := tx.ExecContext(ctx, `UPDATE steps SET state=?, detail=?, updated_at=? WHERE id=?`,
		st.State, nullable(st.Detail), st.UpdatedAt, st.ID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanStep(scan func(...any) error) (domain.Step, error) {
	var st domain.Step
	var detail sql.NullString
	err := scan(&st.ID, &st.RunID, &st.Seq, &st.State, &detail, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, classify(err)
	}
	if detail.Valid {
		st.Detail = detail.String
	}
	return st, nil
}

func (s Store) GetStep(ctx context.Context, id string) (domain.Step, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	row := s.DB.QueryRowContext(ctx, `SELECT id,run_id,seq,state,detail,created_at,updated_at FROM steps WHERE id=?`, id)
	return scanStep(row.Scan)
}

func (s Store) GetStepTx(ctx context.Context, tx *sql.Tx, id string) (domain.Step, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,run_id,seq,state,detail,created_at,updated_at FROM steps WHERE id=?`, id)
	return scanStep(row.Scan)
}

func (s Store) ListStepsByRun(ctx context.Context, runID string) ([]domain.Step, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	return s.listSteps(ctx, `SELECT id,run_id,seq,state,detail,created_at,updated_at FROM steps WHERE run_id=? ORDER BY seq ASC LIMIT ?`, runID)
}

// ListStepsByTask returns all steps across a task's runs, run order first.
func (s Store) ListStepsByTask(ctx context.Context, taskID string) ([]domain.Step, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	return s.listSteps(ctx, `SELECT s.id,s.run_id,s.seq,s.state,s.detail,s.created_at,s.updated_at
FROM steps s JOIN runs r ON r.id=s.run_id WHERE r.task_id=? ORDER BY r.spawned_ts ASC, s.seq ASC LIMIT ?`, taskID)
}

func (s Store) listSteps(ctx context.Context, query string, key string) ([]domain.Step, error) {
	rows, err := s.DB.QueryContext(ctx, query, key, MaxListLimit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, classify(rows.Err())
}

// ListStepsByRunTx is ListStepsByRun inside a transaction.
func (s Store) ListStepsByRunTx(ctx context.Context, tx *sql.Tx, runID string) ([]domain.Step, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,run_id,seq,state,detail,created_at,updated_at FROM steps WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, classify(rows.Err())
}

// --- actions ---

func (s Store) NextActionOrdTx(ctx context.Context, tx *sql.Tx, stepID string) (int, error) {
	var ord int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ord),0)+1 FROM actions WHERE step_id=?`, stepID).Scan(&ord)
	if err != nil {
		return 0, classify(err)
	}
	return ord, nil
}

func (s Store) InsertActionTx(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actions(id,step_id,name,tool,status,ord,args_hash,result_hash,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullableStringPtr(a.StepID), a.Name, a.Tool, a.Status, a.Ord,
		nullable(a.ArgsHash), nullable(a.ResultHash), a.CreatedAt, a.UpdatedAt)
	return classify(err)
}

func (s Store) UpdateActionTx(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	res, err := tx.ExecContext(ctx, `UPDATE actions SET status=?, result_hash=?, updated_at=? WHERE id=?`,
		a.Status, nullable(a.ResultHash), a.UpdatedAt, a.ID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAction(scan func(...any) error) (domain.Action, error) {
	var a domain.Action
	var stepID, argsHash, resultHash sql.NullString
	err := scan(&a.ID, &stepID, &a.Name, &a.Tool, &a.Status, &a.Ord, &argsHash, &resultHash, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, classify(err)
	}
	if stepID.Valid {
		a.StepID = &stepID.String
	}
	if argsHash.Valid {
		a.ArgsHash = argsHash.String
	}
	if resultHash.Valid {
		a.ResultHash = resultHash.String
	}
	return a, nil
}

func (s Store) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Action, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,step_id,name,tool,status,ord,args_hash,result_hash,created_at,updated_at FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

func (s Store) ListActionsByStep(ctx context.Context, stepID string) ([]domain.Action, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	rows, err := s.DB.QueryContext(ctx, `SELECT id,step_id,name,tool,status,ord,args_hash,result_hash,created_at,updated_at FROM actions WHERE step_id=? ORDER BY ord ASC LIMIT ?`, stepID, MaxListLimit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, classify(rows.Err())
}

// --- artifacts ---

func (s Store) UpsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	components, err := json.Marshal(a.Components)
	if err != nil {
		return classify(err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO artifacts(pointer,step_id,components_json,created_at) VALUES (?,?,?,?)
ON CONFLICT(pointer) DO UPDATE SET step_id=excluded.step_id, components_json=excluded.components_json`,
		a.Pointer, a.StepID, string(components), a.CreatedAt)
	return classify(err)
}

func (s Store) ListArtifactsByStep(ctx context.Context, stepID string) ([]domain.Artifact, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	rows, err := s.DB.QueryContext(ctx, `SELECT pointer,step_id,components_json,created_at FROM artifacts WHERE step_id=? ORDER BY created_at ASC LIMIT ?`, stepID, MaxListLimit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var components sql.NullString
		if err := rows.Scan(&a.Pointer, &a.StepID, &components, &a.CreatedAt); err != nil {
			return nil, classify(err)
		}
		if components.Valid {
			_ = json.Unmarshal([]byte(components.String), &a.Components)
		}
		res = append(res, a)
	}
	return res, classify(rows.Err())
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
