package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"regtech/internal/dataquality/models"
	"regtech/pkg/platform/sentinel"
	txcontext "regtech/pkg/platform/tx"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, r models.Report) error {
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, `
		INSERT INTO quality_reports (batch_id, bank_id, score, passed, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.BatchID, r.BankID, r.Score, r.Passed, r.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("quality report %s:%s: %w", r.BatchID, r.BankID, sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert quality report: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, batchID, bankID string) (models.Report, error) {
	var r models.Report
	err := txcontext.Executor(ctx, s.db).QueryRowContext(ctx, `
		SELECT batch_id, bank_id, score, passed, created_at
		FROM quality_reports WHERE batch_id = $1 AND bank_id = $2
	`, batchID, bankID).Scan(&r.BatchID, &r.BankID, &r.Score, &r.Passed, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Report{}, fmt.Errorf("quality report %s:%s: %w", batchID, bankID, sentinel.ErrNotFound)
	}
	if err != nil {
		return models.Report{}, fmt.Errorf("query quality report: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Exists(ctx context.Context, batchID, bankID string) (bool, error) {
	var exists bool
	err := txcontext.Executor(ctx, s.db).QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM quality_reports WHERE batch_id = $1 AND bank_id = $2)
	`, batchID, bankID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check quality report: %w", err)
	}
	return exists, nil
}
