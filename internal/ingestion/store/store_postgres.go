package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"regtech/internal/ingestion/models"
	"regtech/pkg/platform/sentinel"
	txcontext "regtech/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore persists batches in ingestion_batches. Save joins the transaction on
// ctx so the outbox record commits with it.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, b models.Batch) error {
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, `
		INSERT INTO ingestion_batches (batch_id, bank_id, exposure_count, total_amount, ingested_at)
		VALUES ($1, $2, $3, $4, $5)
	`, b.BatchID, b.BankID, b.ExposureCount, b.TotalAmount, b.IngestedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("batch %s:%s: %w", b.BatchID, b.BankID, sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, batchID, bankID string) (models.Batch, error) {
	var b models.Batch
	err := txcontext.Executor(ctx, s.db).QueryRowContext(ctx, `
		SELECT batch_id, bank_id, exposure_count, total_amount, ingested_at
		FROM ingestion_batches WHERE batch_id = $1 AND bank_id = $2
	`, batchID, bankID).Scan(&b.BatchID, &b.BankID, &b.ExposureCount, &b.TotalAmount, &b.IngestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Batch{}, fmt.Errorf("batch %s:%s: %w", batchID, bankID, sentinel.ErrNotFound)
	}
	if err != nil {
		return models.Batch{}, fmt.Errorf("query batch: %w", err)
	}
	return b, nil
}
