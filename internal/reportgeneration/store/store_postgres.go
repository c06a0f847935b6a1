package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"regtech/internal/reportgeneration/models"
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
		INSERT INTO regulatory_reports (id, batch_id, bank_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.BatchID, r.BankID, string(r.Status), r.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("report for %s:%s: %w", r.BatchID, r.BankID, sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByBatch(ctx context.Context, batchID, bankID string) (models.Report, error) {
	var (
		r      models.Report
		status string
	)
	err := txcontext.Executor(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, batch_id, bank_id, status, created_at
		FROM regulatory_reports WHERE batch_id = $1 AND bank_id = $2
	`, batchID, bankID).Scan(&r.ID, &r.BatchID, &r.BankID, &status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Report{}, fmt.Errorf("report for %s:%s: %w", batchID, bankID, sentinel.ErrNotFound)
	}
	if err != nil {
		return models.Report{}, fmt.Errorf("query report: %w", err)
	}
	r.Status = models.Status(status)
	return r, nil
}

func (s *PostgresStore) Exists(ctx context.Context, batchID, bankID string) (bool, error) {
	var exists bool
	err := txcontext.Executor(ctx, s.db).QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM regulatory_reports WHERE batch_id = $1 AND bank_id = $2)
	`, batchID, bankID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check report: %w", err)
	}
	return exists, nil
}
