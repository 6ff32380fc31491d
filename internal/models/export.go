package models

import (
	"encoding/json"
	"time"
)

// Export is the source-side record of one relation being exported for one portable.
type Export struct {
	ID                int64     `json:"id" db:"id"`
	PortableID        int64     `json:"portable_id" db:"portable_id"`
	Relation          string    `json:"relation" db:"relation"`
	Status            Status    `json:"status" db:"status"`
	Batched           bool      `json:"batched" db:"batched"`
	BatchesCount      int       `json:"batches_count" db:"batches_count"`
	TotalObjectsCount int       `json:"total_objects_count" db:"total_objects_count"`
	Error             string    `json:"error,omitempty" db:"error"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

func (e Export) IsTerminal() bool {
	return in(e.Status, StatusFinished, StatusFailed)
}

type ExportBatch struct {
	ID           int64     `json:"id" db:"id"`
	ExportID     int64     `json:"export_id" db:"export_id"`
	BatchNumber  int       `json:"batch_number" db:"batch_number"`
	Status       Status    `json:"status" db:"status"`
	ObjectsCount int       `json:"objects_count" db:"objects_count"`
	Error        string    `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

func (b ExportBatch) IsTerminal() bool {
	return in(b.Status, StatusFinished, StatusFailed)
}

type Portable struct {
	ID        int64      `json:"id" db:"id"`
	Type      SourceType `json:"type" db:"type"`
	FullPath  string     `json:"full_path" db:"full_path"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Record is one migrated object of a relation, keyed by its source iid.
type Record struct {
	ID         int64           `json:"id" db:"id"`
	PortableID int64           `json:"portable_id" db:"portable_id"`
	Relation   string          `json:"relation" db:"relation"`
	SourceIID  string          `json:"source_iid" db:"source_iid"`
	Body       string          `json:"body" db:"body"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}
