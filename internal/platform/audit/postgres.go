package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresStore appends events to the audit_events table. The chain head is
// locked with FOR UPDATE so concurrent writers cannot fork the chain.
// Snapshots are stored as text rather than jsonb so the hashed bytes
// survive a round trip.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func normalizeJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	var tmp any
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return []byte(`{}`)
	}
	return raw
}

func (s *PostgresStore) Append(ctx context.Context, e Event) (Event, error) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	// timestamptz keeps microseconds; hash what will be read back.
	e.RecordedAt = e.RecordedAt.UTC().Truncate(time.Microsecond)
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.RecordedAt
	}
	e.Before = normalizeJSON(e.Before)
	e.After = normalizeJSON(e.After)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	const lockQ = `
SELECT hash_curr
FROM audit_events
ORDER BY seq DESC
LIMIT 1
FOR UPDATE
`
	prev := genesis
	if err := tx.QueryRowContext(ctx, lockQ).Scan(&prev); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return Event{}, err
		}
	}
	e.HashPrev = prev
	e.HashCurr = ComputeHash(prev, e)

	const insQ = `
INSERT INTO audit_events (
  audit_id, occurred_at, recorded_at,
  actor_id, actor_type,
  object_type, object_id, action,
  before_state, after_state,
  result, reason,
  hash_prev, hash_curr
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (audit_id) DO NOTHING
`
	_, err = tx.ExecContext(ctx, insQ,
		e.AuditID,
		e.OccurredAt.UTC(),
		e.RecordedAt.UTC(),
		e.ActorID,
		e.ActorType,
		e.ObjectType,
		e.ObjectID,
		e.Action,
		string(e.Before),
		string(e.After),
		string(e.Result),
		e.Reason,
		e.HashPrev,
		e.HashCurr,
	)
	if err != nil {
		return Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Events loads the chain in append order. Limit <= 0 loads everything.
func (s *PostgresStore) Events(ctx context.Context, limit int) ([]Event, error) {
	q := `
SELECT audit_id, occurred_at, recorded_at, actor_id, actor_type,
       object_type, object_id, action, before_state, after_state,
       result, reason, hash_prev, hash_curr
FROM audit_events
ORDER BY seq ASC
`
	args := []any{}
	if limit > 0 {
		q += "LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		var before, after, result string
		if err := rows.Scan(
			&e.AuditID, &e.OccurredAt, &e.RecordedAt, &e.ActorID, &e.ActorType,
			&e.ObjectType, &e.ObjectID, &e.Action, &before, &after,
			&result, &e.Reason, &e.HashPrev, &e.HashCurr,
		); err != nil {
			return nil, err
		}
		e.Before = []byte(before)
		e.After = []byte(after)
		e.Result = Result(result)
		out = append(out, e)
	}
	return out, rows.Err()
}
