package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"regtech/pkg/platform/inbox"
	"regtech/pkg/platform/sentinel"
	txcontext "regtech/pkg/platform/tx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store implements inbox.Store on the inbox table. Writes join the transaction on ctx
// when there is one, so a journal update can commit with the handler's own writes.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL inbox store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `
	consumer, event_id, event_type, COALESCE(aggregate_id, ''), COALESCE(aggregate_type, ''),
	COALESCE(correlation_id, ''), COALESCE(causation_id, ''), payload, headers, status,
	retry_count, COALESCE(last_error, ''), next_retry_at, received_at, updated_at, processed_at
`

const insertMessage = `
	INSERT INTO inbox (
		consumer, event_id, event_type, aggregate_id, aggregate_type,
		correlation_id, causation_id, payload, headers, status, received_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	ON CONFLICT (consumer, event_id) DO NOTHING
`

const selectMessage = `SELECT ` + selectColumns + ` FROM inbox WHERE consumer = $1 AND event_id = $2`

func (s *Store) Receive(ctx context.Context, msg inbox.Message) (inbox.Message, bool, error) {
	exec := txcontext.Executor(ctx, s.db)
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return inbox.Message{}, false, fmt.Errorf("marshal inbox headers: %w", err)
	}
	status := msg.Status
	if status == "" {
		status = inbox.StatusReceived
	}
	res, err := exec.ExecContext(ctx, insertMessage,
		msg.Consumer,
		msg.EventID,
		msg.EventType,
		nullString(msg.AggregateID),
		nullString(msg.AggregateType),
		nullString(msg.CorrelationID),
		nullString(msg.CausationID),
		msg.Payload,
		string(headers),
		string(status),
		msg.ReceivedAt,
	)
	if err != nil {
		return inbox.Message{}, false, fmt.Errorf("insert inbox message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return inbox.Message{}, false, fmt.Errorf("insert inbox message: %w", err)
	}
	if n == 1 {
		msg.Status = status
		return msg, true, nil
	}

	stored, err := scanMessage(exec.QueryRowContext(ctx, selectMessage, msg.Consumer, msg.EventID))
	if err != nil {
		return inbox.Message{}, false, err
	}
	return stored, false, nil
}

// transition applies an update only from an allowed source state, so two racing
// processors cannot both move a message into PROCESSING.
const transition = `
	UPDATE inbox SET
		status = $3,
		updated_at = $4,
		retry_count = retry_count + CASE WHEN $5 THEN 1 ELSE 0 END,
		last_error = COALESCE(NULLIF($6, ''), last_error),
		next_retry_at = $7,
		processed_at = CASE
			WHEN $3 IN ('COMPLETED', 'SKIPPED', 'DEAD_LETTER') THEN $4
			WHEN $3 = 'PROCESSING' THEN NULL
			ELSE processed_at
		END
	WHERE consumer = $1 AND event_id = $2 AND status = ANY($8)
	RETURNING ` + selectColumns

func (s *Store) Transition(ctx context.Context, consumer, eventID string, u inbox.Update) (inbox.Message, error) {
	exec := txcontext.Executor(ctx, s.db)
	from := make([]string, 0, 6)
	for _, st := range inbox.AllowedFrom(u.To) {
		from = append(from, string(st))
	}
	var next sql.NullTime
	if u.NextRetryAt != nil {
		next = sql.NullTime{Time: *u.NextRetryAt, Valid: true}
	}

	msg, err := scanMessage(exec.QueryRowContext(ctx, transition,
		consumer, eventID, string(u.To), u.At, u.CountAttempt, u.LastError, next, pq.Array(from),
	))
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return inbox.Message{}, err
	}

	// Nothing updated: either the message is missing or its state forbids the move.
	current, getErr := scanMessage(exec.QueryRowContext(ctx, selectMessage, consumer, eventID))
	if getErr != nil {
		return inbox.Message{}, getErr
	}
	return inbox.Message{}, fmt.Errorf("inbox message %s/%s %s -> %s: %w",
		consumer, eventID, current.Status, u.To, sentinel.ErrInvalidState)
}

const selectRetryable = `
	SELECT ` + selectColumns + `
	FROM inbox
	WHERE consumer = $1 AND status = 'FAILED' AND (next_retry_at IS NULL OR next_retry_at <= $2)
	ORDER BY next_retry_at ASC NULLS FIRST
	LIMIT $3
`

func (s *Store) ListRetryable(ctx context.Context, consumer string, now time.Time, limit int) ([]inbox.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectRetryable, consumer, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable inbox messages: %w", err)
	}
	defer rows.Close()

	var out []inbox.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox messages: %w", err)
	}
	return out, nil
}

const selectStats = `
	SELECT
		COUNT(*) FILTER (WHERE status = 'RECEIVED'),
		COUNT(*) FILTER (WHERE status = 'PROCESSING'),
		COUNT(*) FILTER (WHERE status = 'COMPLETED'),
		COUNT(*) FILTER (WHERE status = 'SKIPPED'),
		COUNT(*) FILTER (WHERE status = 'FAILED'),
		COUNT(*) FILTER (WHERE status = 'DEAD_LETTER')
	FROM inbox
	WHERE consumer = $1
`

func (s *Store) Stats(ctx context.Context, consumer string) (inbox.Stats, error) {
	var st inbox.Stats
	if err := s.db.QueryRowContext(ctx, selectStats, consumer).Scan(
		&st.Received, &st.Processing, &st.Completed, &st.Skipped, &st.Failed, &st.DeadLetter,
	); err != nil {
		return inbox.Stats{}, fmt.Errorf("query inbox stats: %w", err)
	}
	return st, nil
}

const purgeProcessed = `
	DELETE FROM inbox
	WHERE status IN ('COMPLETED', 'SKIPPED') AND processed_at < $1
`

func (s *Store) PurgeProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, purgeProcessed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge inbox messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge inbox messages: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (inbox.Message, error) {
	var (
		m           inbox.Message
		status      string
		headers     []byte
		nextRetry   sql.NullTime
		processedAt sql.NullTime
	)
	err := row.Scan(
		&m.Consumer, &m.EventID, &m.EventType, &m.AggregateID, &m.AggregateType,
		&m.CorrelationID, &m.CausationID, &m.Payload, &headers, &status,
		&m.RetryCount, &m.LastError, &nextRetry, &m.ReceivedAt, &m.UpdatedAt, &processedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return inbox.Message{}, fmt.Errorf("inbox message: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return inbox.Message{}, fmt.Errorf("scan inbox message: %w", err)
	}
	m.Status = inbox.Status(status)
	if nextRetry.Valid {
		t := nextRetry.Time
		m.NextRetryAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		m.ProcessedAt = &t
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &m.Headers); err != nil {
			return inbox.Message{}, fmt.Errorf("decode inbox headers for %s: %w", m.EventID, err)
		}
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
