// Package pipelines holds the concrete import strategies and the stage tables that order them.
package pipelines

import (
	"context"
	"time"

	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/pipeline"
	"github.com/stanstork/stratum-transfer/internal/repository"
)

// Stable pipeline names. They are persisted on trackers, so renaming one orphans existing rows.
const (
	Namespace     = "namespace"
	Members       = "members"
	Labels        = "labels"
	Milestones    = "milestones"
	Issues        = "issues"
	MergeRequests = "merge_requests"
	Notes         = "notes"
	Descendants   = "descendants"
	References    = "references"
)

// EntityStarter creates an entity with its trackers and schedules it.
type EntityStarter interface {
	StartEntity(ctx context.Context, e *models.Entity) error
}

type Deps struct {
	Portables repository.PortableRepository
	Records   repository.RecordRepository
	Users     repository.UserRepository
	Entities  repository.EntityRepository
	Starter   EntityStarter
	Queue     jobs.Queue
	Cache     cache.Cache

	UsernameTTL         time.Duration
	ReferencesBatchSize int
}

// Register adds every pipeline to r and defines the group and project stage tables.
func Register(r *pipeline.Registry, d *Deps) error {
	if d.ReferencesBatchSize <= 0 {
		d.ReferencesBatchSize = 100
	}
	if d.UsernameTTL <= 0 {
		d.UsernameTTL = 24 * time.Hour
	}

	r.Register(&namespacePipeline{d: d})
	r.Register(newMembersPipeline(d))
	r.Register(newRelationPipeline(d, Labels))
	r.Register(newRelationPipeline(d, Milestones))
	r.Register(newRelationPipeline(d, Issues))
	r.Register(newRelationPipeline(d, MergeRequests))
	r.Register(newRelationPipeline(d, Notes))
	r.Register(&descendantsPipeline{d: d})
	r.Register(&referencesPipeline{d: d})

	if err := r.DefineStages(models.SourceTypeProject,
		pipeline.Stage{Number: 0, Pipelines: []string{Namespace}},
		pipeline.Stage{Number: 1, Pipelines: []string{Members, Labels, Milestones}},
		pipeline.Stage{Number: 2, Pipelines: []string{Issues, MergeRequests}},
		pipeline.Stage{Number: 3, Pipelines: []string{Notes}},
		pipeline.Stage{Number: 4, Pipelines: []string{References}},
	); err != nil {
		return err
	}
	return r.DefineStages(models.SourceTypeGroup,
		pipeline.Stage{Number: 0, Pipelines: []string{Namespace}},
		pipeline.Stage{Number: 1, Pipelines: []string{Members, Labels, Milestones, Descendants}},
		pipeline.Stage{Number: 2, Pipelines: []string{References}},
	)
}

// ExportableRelations lists what a source of typ can export, in export order.
func ExportableRelations(typ models.SourceType) []string {
	if typ == models.SourceTypeGroup {
		return []string{Labels, Milestones, Members}
	}
	return []string{Labels, Milestones, Members, Issues, MergeRequests, Notes}
}

// BodyField names the free-text attribute of a relation's objects, empty when it has none.
func BodyField(relation string) string {
	switch relation {
	case Labels, Milestones, Issues, MergeRequests:
		return "description"
	case Notes:
		return "note"
	}
	return ""
}
