package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"regtech/pkg/platform/outbox"
	txcontext "regtech/pkg/platform/tx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store implements outbox.Store on the outbox table. Appends join the transaction on
// ctx; claims hold row locks and per-aggregate advisory locks for the life of the
// batch transaction.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL outbox store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const insertRecord = `
	INSERT INTO outbox (
		id, aggregate_id, aggregate_type, event_type, payload,
		correlation_id, causation_id, headers, status, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING
`

// Append writes records through the transaction on ctx, or autocommits when the
// caller has none.
func (s *Store) Append(ctx context.Context, records ...outbox.Record) error {
	exec := txcontext.Executor(ctx, s.db)
	for _, r := range records {
		headers, err := json.Marshal(r.Headers)
		if err != nil {
			return fmt.Errorf("marshal outbox headers: %w", err)
		}
		status := r.Status
		if status == "" {
			status = outbox.StatusPending
		}
		if _, err := exec.ExecContext(ctx, insertRecord,
			r.ID,
			r.AggregateID,
			r.AggregateType,
			r.EventType,
			r.Payload,
			nullString(r.CorrelationID),
			nullString(r.CausationID),
			string(headers),
			string(status),
			r.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert outbox record: %w", err)
		}
	}
	return nil
}

// claimPending locks the oldest pending rows. Rows locked by another publisher are
// skipped rather than waited on.
const claimPending = `
	SELECT id, aggregate_id, aggregate_type, event_type, payload,
	       COALESCE(correlation_id, ''), COALESCE(causation_id, ''), headers, status,
	       processed, processed_at, retry_count, COALESCE(last_error, ''), created_at
	FROM outbox
	WHERE processed = false
	  AND status = 'PENDING'
	ORDER BY created_at ASC, seq ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
`

// lockAggregate is held until the claim transaction ends, so two publishers never
// hold rows of one aggregate at the same time.
const lockAggregate = `SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`

// pendingBefore reports whether the aggregate of row $1 still has an earlier pending
// row. Such a row was skipped as locked by a publisher that has not taken the
// aggregate lock yet; publishing the later rows now would overtake it.
const pendingBefore = `
	SELECT EXISTS (
		SELECT 1
		FROM outbox o
		JOIN outbox f ON f.aggregate_id = o.aggregate_id AND f.aggregate_type = o.aggregate_type
		WHERE f.id = $1
		  AND o.processed = false
		  AND o.status = 'PENDING'
		  AND (o.created_at, o.seq) < (f.created_at, f.seq)
	)
`

func (s *Store) Claim(ctx context.Context, limit int) (outbox.Batch, error) {
	// The claim outlives ctx cancellation so marks made before a shutdown still commit.
	txCtx := context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin outbox claim: %w", err)
	}

	rows, err := tx.QueryContext(ctx, claimPending, limit)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("claim outbox records: %w", err)
	}
	candidates, err := scanRecords(rows)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	// Candidates are in publish order, so the first row seen per aggregate is its
	// earliest in this batch.
	admitted := make(map[string]bool)
	records := candidates[:0]
	for _, r := range candidates {
		key := r.AggregateKey()
		ok, seen := admitted[key]
		if !seen {
			if ok, err = admit(ctx, tx, key, r.ID); err != nil {
				_ = tx.Rollback()
				return nil, err
			}
			admitted[key] = ok
		}
		if ok {
			records = append(records, r)
		}
	}
	return &batch{tx: tx, ctx: txCtx, records: records}, nil
}

// admit takes the aggregate lock and confirms no earlier row of the aggregate is
// pending outside the batch.
func admit(ctx context.Context, tx *sql.Tx, key string, first uuid.UUID) (bool, error) {
	var locked bool
	if err := tx.QueryRowContext(ctx, lockAggregate, key).Scan(&locked); err != nil {
		return false, fmt.Errorf("lock outbox aggregate %s: %w", key, err)
	}
	if !locked {
		return false, nil
	}
	var blocked bool
	if err := tx.QueryRowContext(ctx, pendingBefore, first).Scan(&blocked); err != nil {
		return false, fmt.Errorf("check outbox aggregate %s order: %w", key, err)
	}
	return !blocked, nil
}

const selectStats = `
	SELECT
		COUNT(*) FILTER (WHERE status = 'PENDING'),
		COUNT(*) FILTER (WHERE status = 'PENDING' AND retry_count > 0),
		COUNT(*) FILTER (WHERE status = 'PUBLISHED'),
		COUNT(*) FILTER (WHERE status = 'DEAD_LETTER')
	FROM outbox
`

func (s *Store) Stats(ctx context.Context) (outbox.Stats, error) {
	var st outbox.Stats
	if err := s.db.QueryRowContext(ctx, selectStats).Scan(&st.Pending, &st.Failing, &st.Published, &st.DeadLetter); err != nil {
		return outbox.Stats{}, fmt.Errorf("query outbox stats: %w", err)
	}
	return st, nil
}

const selectByAggregate = `
	SELECT id, aggregate_id, aggregate_type, event_type, payload,
	       COALESCE(correlation_id, ''), COALESCE(causation_id, ''), headers, status,
	       processed, processed_at, retry_count, COALESCE(last_error, ''), created_at
	FROM outbox
	WHERE aggregate_id = $1 AND aggregate_type = $2
	ORDER BY created_at ASC, seq ASC
`

func (s *Store) ListByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]outbox.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectByAggregate, aggregateID, aggregateType)
	if err != nil {
		return nil, fmt.Errorf("list outbox records: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]outbox.Record, error) {
	defer rows.Close()

	var out []outbox.Record
	for rows.Next() {
		var (
			r           outbox.Record
			status      string
			headers     []byte
			processedAt sql.NullTime
		)
		if err := rows.Scan(
			&r.ID, &r.AggregateID, &r.AggregateType, &r.EventType, &r.Payload,
			&r.CorrelationID, &r.CausationID, &headers, &status,
			&r.Processed, &processedAt, &r.RetryCount, &r.LastError, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		r.Status = outbox.Status(status)
		if processedAt.Valid {
			at := processedAt.Time
			r.ProcessedAt = &at
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &r.Headers); err != nil {
				return nil, fmt.Errorf("decode outbox headers for %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox records: %w", err)
	}
	return out, nil
}

type batch struct {
	tx      *sql.Tx
	ctx     context.Context
	records []outbox.Record
	closed  bool
}

func (b *batch) Records() []outbox.Record {
	return b.records
}

const markPublished = `
	UPDATE outbox SET processed = true, processed_at = $2, status = 'PUBLISHED'
	WHERE id = $1
`

func (b *batch) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	return b.exec(markPublished, id, at)
}

const markFailed = `
	UPDATE outbox SET retry_count = retry_count + 1, last_error = $2
	WHERE id = $1
`

func (b *batch) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	return b.exec(markFailed, id, reason)
}

const markDeadLetter = `
	UPDATE outbox SET status = 'DEAD_LETTER', last_error = $2
	WHERE id = $1
`

func (b *batch) MarkDeadLetter(_ context.Context, id uuid.UUID, reason string) error {
	return b.exec(markDeadLetter, id, reason)
}

// exec runs on the claim's own context: a record published before shutdown must
// still be marked.
func (b *batch) exec(query string, id uuid.UUID, arg any) error {
	if b.closed {
		return outbox.ErrBatchClosed
	}
	if !slices.ContainsFunc(b.records, func(r outbox.Record) bool { return r.ID == id }) {
		return fmt.Errorf("%w: %s", outbox.ErrNotInBatch, id)
	}
	res, err := b.tx.ExecContext(b.ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("update outbox record %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrNotInBatch, id)
	}
	return nil
}

func (b *batch) Commit() error {
	if b.closed {
		return outbox.ErrBatchClosed
	}
	b.closed = true
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox claim: %w", err)
	}
	return nil
}

func (b *batch) Release() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("release outbox claim: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
