package models

import "time"

// PassThreshold is the minimum score for a batch to be reportable.
const PassThreshold = 70.0

// Report is the quality assessment of one ingested batch.
type Report struct {
	BatchID   string
	BankID    string
	Score     float64
	Passed    bool
	CreatedAt time.Time
}

// Assess scores a batch from its summary. Only the summary is inspected: exposure
// level rules run in the ingestion pipeline.
func Assess(batchID, bankID string, exposureCount int, totalAmount float64, now time.Time) Report {
	score := 100.0
	if exposureCount == 0 {
		score = 0
	} else if totalAmount == 0 {
		score -= 50
	}
	return Report{
		BatchID:   batchID,
		BankID:    bankID,
		Score:     score,
		Passed:    score >= PassThreshold,
		CreatedAt: now,
	}
}
