package source

import (
	"net/url"
	"strconv"
	"time"

	"github.com/stanstork/stratum-transfer/internal/models"
)

// Target addresses a group or project on the source, by numeric id when known.
type Target struct {
	Type     models.SourceType
	ID       *int64
	FullPath string
}

func TargetFor(e models.Entity) Target {
	return Target{Type: e.SourceType, ID: e.SourceXID, FullPath: e.SourceFullPath}
}

func (t Target) Path() string {
	ref := url.PathEscape(t.FullPath)
	if t.ID != nil {
		ref = strconv.FormatInt(*t.ID, 10)
	}
	return "/api/v4/" + t.Type.Resource() + "/" + ref
}

// State is the importer's reading of one relation's export.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarted    State = "started"
	StateBatched    State = "batched"
	StateFinished   State = "finished"
	StateFailed     State = "failed"
	StateEmpty      State = "empty"
)

// ExportsReadyHeader is set on the export status response; it is "true" once every requested
// export of the entity has settled.
const ExportsReadyHeader = "X-Exports-Ready"

type BatchStatus struct {
	BatchNumber  int           `json:"batch_number"`
	Status       models.Status `json:"status"`
	ObjectsCount int           `json:"objects_count"`
	Error        string        `json:"error,omitempty"`
}

type RelationStatus struct {
	Relation          string        `json:"relation"`
	Status            models.Status `json:"status"`
	Error             string        `json:"error,omitempty"`
	Batched           bool          `json:"batched"`
	BatchesCount      int           `json:"batches_count"`
	TotalObjectsCount int           `json:"total_objects_count"`
	UpdatedAt         time.Time     `json:"updated_at"`
	Batches           []BatchStatus `json:"batches,omitempty"`
}

// State folds the raw status into the cases a pipeline has to handle. A nil status means
// the source has not registered the export yet.
func (s *RelationStatus) State() State {
	if s == nil {
		return StateNotStarted
	}
	switch s.Status {
	case models.StatusFailed:
		return StateFailed
	case models.StatusFinished:
		if s.TotalObjectsCount == 0 {
			return StateEmpty
		}
		if s.Batched && s.BatchesCount > 0 {
			return StateBatched
		}
		return StateFinished
	case models.StatusStarted:
		return StateStarted
	default:
		return StateNotStarted
	}
}

func FindRelation(statuses []RelationStatus, relation string) *RelationStatus {
	for i := range statuses {
		if statuses[i].Relation == relation {
			return &statuses[i]
		}
	}
	return nil
}

type Descendant struct {
	ID       int64             `json:"id"`
	Type     models.SourceType `json:"type"`
	FullPath string            `json:"full_path"`
}
