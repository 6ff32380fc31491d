package models

// Status is the persisted state of any row in the state store.
type Status string

const (
	StatusCreated  Status = "created"
	StatusEnqueued Status = "enqueued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusCanceled Status = "canceled"
	StatusTimeout  Status = "timeout"
)

// transitions maps a target status to the statuses it may be entered from.
type transitions map[Status][]Status

func (t transitions) allowed(from, to Status) bool {
	for _, s := range t[to] {
		if s == from {
			return true
		}
	}
	return false
}

func (t transitions) sources(to Status) []Status {
	return t[to]
}

var bulkImportTransitions = transitions{
	StatusStarted:  {StatusCreated},
	StatusFinished: {StatusCreated, StatusStarted},
	StatusFailed:   {StatusCreated, StatusStarted},
	StatusTimeout:  {StatusCreated, StatusStarted},
}

var entityTransitions = transitions{
	StatusStarted:  {StatusCreated},
	StatusFinished: {StatusStarted},
	StatusFailed:   {StatusCreated, StatusStarted},
	StatusCanceled: {StatusCreated, StatusStarted},
	StatusTimeout:  {StatusCreated, StatusStarted},
}

var trackerTransitions = transitions{
	StatusEnqueued: {StatusCreated},
	StatusStarted:  {StatusCreated, StatusEnqueued},
	StatusFinished: {StatusStarted},
	StatusFailed:   {StatusCreated, StatusEnqueued, StatusStarted},
	StatusSkipped:  {StatusCreated, StatusEnqueued, StatusStarted},
	StatusCanceled: {StatusCreated, StatusEnqueued, StatusStarted},
	StatusTimeout:  {StatusCreated, StatusEnqueued, StatusStarted},
}

var batchTransitions = transitions{
	StatusStarted:  {StatusCreated},
	StatusFinished: {StatusStarted},
	StatusFailed:   {StatusCreated, StatusStarted},
	StatusSkipped:  {StatusCreated, StatusStarted},
	StatusCanceled: {StatusCreated, StatusStarted},
}

var exportTransitions = transitions{
	StatusStarted:  {StatusFailed, StatusFinished},
	StatusFinished: {StatusStarted},
	StatusFailed:   {StatusStarted},
}

var exportBatchTransitions = transitions{
	StatusStarted:  {StatusCreated},
	StatusFinished: {StatusStarted},
	StatusFailed:   {StatusCreated, StatusStarted},
}

func CanTransitionBulkImport(from, to Status) bool  { return bulkImportTransitions.allowed(from, to) }
func CanTransitionEntity(from, to Status) bool      { return entityTransitions.allowed(from, to) }
func CanTransitionTracker(from, to Status) bool     { return trackerTransitions.allowed(from, to) }
func CanTransitionBatch(from, to Status) bool       { return batchTransitions.allowed(from, to) }
func CanTransitionExport(from, to Status) bool      { return exportTransitions.allowed(from, to) }
func CanTransitionExportBatch(from, to Status) bool { return exportBatchTransitions.allowed(from, to) }

// Source sets used by the repositories to guard UPDATEs.
func BulkImportSources(to Status) []Status  { return bulkImportTransitions.sources(to) }
func EntitySources(to Status) []Status      { return entityTransitions.sources(to) }
func TrackerSources(to Status) []Status     { return trackerTransitions.sources(to) }
func BatchSources(to Status) []Status       { return batchTransitions.sources(to) }
func ExportSources(to Status) []Status      { return exportTransitions.sources(to) }
func ExportBatchSources(to Status) []Status { return exportBatchTransitions.sources(to) }

// Strings converts a status set for pq.Array.
func Strings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func in(s Status, set ...Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
