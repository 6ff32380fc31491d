package models

import "time"

type Tracker struct {
	ID           int64     `json:"id" db:"id"`
	EntityID     int64     `json:"entity_id" db:"entity_id"`
	Pipeline     string    `json:"pipeline" db:"pipeline"`
	Stage        int       `json:"stage" db:"stage"`
	Status       Status    `json:"status" db:"status"`
	Batched      bool      `json:"batched" db:"batched"`
	BatchesCount int       `json:"batches_count" db:"batches_count"`
	JobID        string    `json:"job_id,omitempty" db:"job_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the tracker no longer blocks later stages.
func (t Tracker) IsTerminal() bool {
	return in(t.Status, StatusFinished, StatusFailed, StatusSkipped, StatusCanceled, StatusTimeout)
}

var TrackerNonTerminal = []Status{StatusCreated, StatusEnqueued, StatusStarted}

type BatchTracker struct {
	ID          int64     `json:"id" db:"id"`
	TrackerID   int64     `json:"tracker_id" db:"tracker_id"`
	BatchNumber int       `json:"batch_number" db:"batch_number"`
	Status      Status    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

func (b BatchTracker) IsTerminal() bool {
	return in(b.Status, StatusFinished, StatusFailed, StatusSkipped, StatusCanceled)
}

// InFlight reports whether the batch still counts against the concurrency cap.
func (b BatchTracker) InFlight() bool {
	return in(b.Status, StatusCreated, StatusStarted)
}

var BatchNonTerminal = []Status{StatusCreated, StatusStarted}

// Failure is the structured record every unrecoverable error leaves behind.
type Failure struct {
	ID               int64     `json:"id" db:"id"`
	BulkImportID     int64     `json:"bulk_import_id" db:"bulk_import_id"`
	EntityID         int64     `json:"entity_id" db:"entity_id"`
	PipelineClass    string    `json:"pipeline_class" db:"pipeline_class"`
	PipelineStep     string    `json:"pipeline_step" db:"pipeline_step"`
	ExceptionClass   string    `json:"exception_class" db:"exception_class"`
	ExceptionMessage string    `json:"exception_message" db:"exception_message"`
	CorrelationID    string    `json:"correlation_id" db:"correlation_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}
