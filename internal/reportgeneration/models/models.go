package models

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusGenerated Status = "GENERATED"
	// StatusWithheld marks a batch that failed quality checks; no filing is produced.
	StatusWithheld Status = "WITHHELD"
)

// Report is the regulatory report produced for one batch.
type Report struct {
	ID        uuid.UUID
	BatchID   string
	BankID    string
	Status    Status
	CreatedAt time.Time
}

func NewReport(batchID, bankID string, qualityPassed bool, now time.Time) Report {
	status := StatusGenerated
	if !qualityPassed {
		status = StatusWithheld
	}
	return Report{
		ID:        uuid.New(),
		BatchID:   batchID,
		BankID:    bankID,
		Status:    status,
		CreatedAt: now,
	}
}
