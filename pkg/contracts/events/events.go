// Package events defines the integration events exchanged between bounded contexts.
// Payloads are JSON; field names are part of the contract.
package events

import "time"

const (
	TypeBatchIngested         = "BatchIngested"
	TypeBatchQualityCompleted = "BatchQualityCompleted"
	TypeReportGenerated       = "ReportGenerated"
)

// Aggregate types used as outbox ordering scopes.
const (
	AggregateBatch         = "ingestion.batch"
	AggregateQualityReport = "dataquality.report"
	AggregateReport        = "reportgeneration.report"
)

// BatchIngested is emitted once a bank's exposure batch is stored.
type BatchIngested struct {
	BatchID       string    `json:"batch_id"`
	BankID        string    `json:"bank_id"`
	ExposureCount int       `json:"exposure_count"`
	TotalAmount   float64   `json:"total_amount"`
	IngestedAt    time.Time `json:"ingested_at"`
}

// BatchQualityCompleted is emitted after a batch has been scored.
type BatchQualityCompleted struct {
	BatchID     string    `json:"batch_id"`
	BankID      string    `json:"bank_id"`
	Score       float64   `json:"score"`
	Passed      bool      `json:"passed"`
	CompletedAt time.Time `json:"completed_at"`
}

// ReportGenerated is emitted when a regulatory report exists for a batch.
type ReportGenerated struct {
	ReportID    string    `json:"report_id"`
	BatchID     string    `json:"batch_id"`
	BankID      string    `json:"bank_id"`
	Status      string    `json:"status"`
	GeneratedAt time.Time `json:"generated_at"`
}

// BatchKey is the business idempotency key shared by consumers of batch events.
func BatchKey(batchID, bankID string) string {
	return batchID + ":" + bankID
}
