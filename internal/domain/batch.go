package domain

import "time"

type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusCancelled BatchStatus = "cancelled"
	BatchStatusFailed    BatchStatus = "failed"
)

// Batch is a persisted group of items downloaded by one coordinator run.
type Batch struct {
	ID           string
	Status       BatchStatus
	SaveDir      string
	Quality      int
	Codecs       string
	Total        int
	SuccessCount int
	FailedCount  int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   *time.Time
	Items        []ItemRecord
}

// ItemRecord tracks one item of a batch.
type ItemRecord struct {
	ID             int64
	BatchID        string
	ItemID         string
	State          State
	Step           string
	OutputFile     string
	LogFile        string
	RemoteLocation string
	ErrorMessage   string
	UpdatedAt      time.Time
}
