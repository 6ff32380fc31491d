package models

import (
	"strings"
	"time"
)

type BulkImport struct {
	ID            int64     `json:"id" db:"id"`
	SourceURL     string    `json:"source_url" db:"source_url"`
	SourceVersion string    `json:"source_version" db:"source_version"`
	Status        Status    `json:"status" db:"status"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

func (b BulkImport) IsTerminal() bool {
	return in(b.Status, StatusFinished, StatusFailed, StatusTimeout)
}

// BulkImportNonTerminal lists the statuses a sweeper may still time out.
var BulkImportNonTerminal = []Status{StatusCreated, StatusStarted}

type SourceType string

const (
	SourceTypeGroup   SourceType = "group"
	SourceTypeProject SourceType = "project"
)

// Resource is the path segment used by the export API for this source type.
func (t SourceType) Resource() string {
	if t == SourceTypeGroup {
		return "groups"
	}
	return "projects"
}

type Entity struct {
	ID                   int64      `json:"id" db:"id"`
	BulkImportID         int64      `json:"bulk_import_id" db:"bulk_import_id"`
	ParentID             *int64     `json:"parent_id,omitempty" db:"parent_id"`
	SourceType           SourceType `json:"source_type" db:"source_type"`
	SourceFullPath       string     `json:"source_full_path" db:"source_full_path"`
	SourceXID            *int64     `json:"source_xid,omitempty" db:"source_xid"`
	DestinationNamespace string     `json:"destination_namespace" db:"destination_namespace"`
	DestinationName      string     `json:"destination_name" db:"destination_name"`
	Status               Status     `json:"status" db:"status"`
	HasFailures          bool       `json:"has_failures" db:"has_failures"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

func (e Entity) IsTerminal() bool {
	return in(e.Status, StatusFinished, StatusFailed, StatusCanceled, StatusTimeout)
}

func (e Entity) DestinationFullPath() string {
	ns := strings.Trim(e.DestinationNamespace, "/")
	if ns == "" {
		return e.DestinationName
	}
	return ns + "/" + e.DestinationName
}

var EntityNonTerminal = []Status{StatusCreated, StatusStarted}
