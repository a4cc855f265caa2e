package store

import (
	"context"
	"database/sql"
	"strings"

	"controlroom/internal/domain"
)

const eventColumns = `id,seq,ts,type,emitter,correlation_id,turn_id,channel,stored,payload_json`

// AppendEventTx writes one event, allocating the next seq within the
// event's correlation scope. The allocation and the insert share the
// caller's transaction, so a committed transition always carries a
// gap-free, in-order seq.
func (s Store) AppendEventTx(ctx context.Context, tx *sql.Tx, e *domain.Event) error {
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM events WHERE correlation_id=?`, e.CorrelationID).Scan(&e.Seq)
	if err != nil {
		return classify(err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(seq,ts,type,emitter,correlation_id,turn_id,channel,stored,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.Seq, e.TS, e.Type, e.Emitter, e.CorrelationID, nullable(e.TurnID), e.Channel, boolInt(e.Stored), e.Payload)
	if err != nil {
		return classify(err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func scanEvent(scan func(...any) error) (domain.Event, error) {
	var e domain.Event
	var turnID sql.NullString
	var stored int
	err := scan(&e.ID, &e.Seq, &e.TS, &e.Type, &e.Emitter, &e.CorrelationID, &turnID, &e.Channel, &stored, &e.Payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, classify(err)
	}
	if turnID.Valid {
		e.TurnID = turnID.String
	}
	e.Stored = stored != 0
	return e, nil
}

type EventFilters struct {
	CorrelationID string
	Channel       string
	Type          string
	Limit         int
}

// EventsAfter returns stored events with id > cursor in insertion order.
// This is the webhook and tail cursor read.
func (s Store) EventsAfter(ctx context.Context, cursor int64, f EventFilters) ([]domain.Event, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	clauses := []string{"id > ?", "stored = 1"}
	args := []any{cursor}
	clauses, args = appendEventFilters(clauses, args, f)
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, clampLimit(f.Limit))
	return s.listEvents(ctx, query, args)
}

// LatestEvents returns the most recent stored events, newest first.
func (s Store) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	clauses := []string{"stored = 1"}
	var args []any
	clauses, args = appendEventFilters(clauses, args, f)
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, clampLimit(f.Limit))
	return s.listEvents(ctx, query, args)
}

func appendEventFilters(clauses []string, args []any, f EventFilters) ([]string, []any) {
	if f.CorrelationID != "" {
		clauses = append(clauses, "correlation_id=?")
		args = append(args, f.CorrelationID)
	}
	if f.Channel != "" {
		clauses = append(clauses, "channel=?")
		args = append(args, f.Channel)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	return clauses, args
}

func (s Store) listEvents(ctx context.Context, query string, args []any) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, classify(rows.Err())
}

// LatestEventID returns the current high-water mark, 0 when empty.
func (s Store) LatestEventID(ctx context.Context) (int64, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	var id int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	if err != nil {
		return 0, classify(err)
	}
	return id, nil
}
