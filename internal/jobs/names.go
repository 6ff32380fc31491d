package jobs

// Job names as registered with the queue.
const (
	EntityWorker                      = "EntityWorker"
	PipelineWorker                    = "PipelineWorker"
	PipelineBatchWorker               = "PipelineBatchWorker"
	FinishBatchedPipelineWorker       = "FinishBatchedPipelineWorker"
	ExportRequestWorker               = "ExportRequestWorker"
	TransformReferencesWorker         = "TransformReferencesWorker"
	StaleImportWorker                 = "StaleImportWorker"
	StuckImportWorker                 = "StuckImportWorker"
	RelationExportWorker              = "RelationExportWorker"
	RelationBatchExportWorker         = "RelationBatchExportWorker"
	FinishBatchedRelationExportWorker = "FinishBatchedRelationExportWorker"
)

type EntityArgs struct {
	EntityID int64 `json:"entity_id"`
}

type PipelineArgs struct {
	TrackerID int64 `json:"tracker_id"`
	Stage     int   `json:"stage"`
	EntityID  int64 `json:"entity_id"`
}

type BatchArgs struct {
	BatchID int64 `json:"batch_id"`
}

type TrackerArgs struct {
	TrackerID int64 `json:"tracker_id"`
	// Poll keeps the job rescheduling itself until the tracker settles.
	Poll bool `json:"poll,omitempty"`
}

type TransformReferencesArgs struct {
	TrackerID int64   `json:"tracker_id"`
	Relation  string  `json:"relation"`
	RecordIDs []int64 `json:"record_ids"`
}

type ExportArgs struct {
	ExportID int64 `json:"export_id"`
	Batched  bool  `json:"batched,omitempty"`
	// Poll keeps the finisher rescheduling itself until the export settles.
	Poll bool `json:"poll,omitempty"`
}

type ExportBatchArgs struct {
	BatchID int64 `json:"batch_id"`
}

type SweepArgs struct{}
