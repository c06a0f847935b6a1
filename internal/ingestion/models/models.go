package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidBatch = errors.New("invalid batch")

// Exposure is one credit exposure line reported by a bank.
type Exposure struct {
	ID           string
	Counterparty string
	Amount       float64
}

// Batch is a bank's submission of exposures for one reporting run.
type Batch struct {
	BatchID       string
	BankID        string
	ExposureCount int
	TotalAmount   float64
	IngestedAt    time.Time
}

// NewBatch validates exposures and summarizes them into a batch.
func NewBatch(batchID, bankID string, exposures []Exposure, now time.Time) (Batch, error) {
	if err := validateID("batch id", batchID); err != nil {
		return Batch{}, err
	}
	if err := validateID("bank id", bankID); err != nil {
		return Batch{}, err
	}
	if len(exposures) == 0 {
		return Batch{}, fmt.Errorf("%w: no exposures", ErrInvalidBatch)
	}

	var total float64
	seen := make(map[string]bool, len(exposures))
	for _, e := range exposures {
		if e.ID == "" {
			return Batch{}, fmt.Errorf("%w: exposure without id", ErrInvalidBatch)
		}
		if seen[e.ID] {
			return Batch{}, fmt.Errorf("%w: duplicate exposure %s", ErrInvalidBatch, e.ID)
		}
		if e.Amount < 0 {
			return Batch{}, fmt.Errorf("%w: exposure %s has negative amount", ErrInvalidBatch, e.ID)
		}
		seen[e.ID] = true
		total += e.Amount
	}

	return Batch{
		BatchID:       batchID,
		BankID:        bankID,
		ExposureCount: len(exposures),
		TotalAmount:   total,
		IngestedAt:    now,
	}, nil
}

// ids end up in the colon-joined idempotency key of downstream consumers.
func validateID(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidBatch, name)
	}
	if strings.Contains(v, ":") {
		return fmt.Errorf("%w: %s must not contain ':'", ErrInvalidBatch, name)
	}
	return nil
}
