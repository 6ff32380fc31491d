package pipelines

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/pipeline"
)

// referencesPipeline fans the imported free text out to TransformReferencesWorker jobs.
type referencesPipeline struct {
	d *Deps
}

func (p *referencesPipeline) Name() string { return References }

func (p *referencesPipeline) Run(ctx context.Context, pc *pipeline.Context) error {
	portable, err := p.d.Portables.GetByFullPath(ctx, pc.Entity.DestinationFullPath())
	if err != nil {
		return errors.Wrap(err, "failed to resolve destination portable")
	}

	var afterID int64
	jobsEnqueued := 0
	for {
		records, err := p.d.Records.ListWithText(ctx, portable.ID, afterID, p.d.ReferencesBatchSize)
		if err != nil {
			return errors.Wrap(err, "failed to list records")
		}
		if len(records) == 0 {
			break
		}

		byRelation := make(map[string][]int64)
		for _, rec := range records {
			byRelation[rec.Relation] = append(byRelation[rec.Relation], rec.ID)
		}
		relations := make([]string, 0, len(byRelation))
		for rel := range byRelation {
			relations = append(relations, rel)
		}
		sort.Strings(relations)

		for _, rel := range relations {
			args := jobs.TransformReferencesArgs{TrackerID: pc.Tracker.ID, Relation: rel, RecordIDs: byRelation[rel]}
			if _, err := p.d.Queue.Enqueue(ctx, jobs.TransformReferencesWorker, args); err != nil {
				return errors.Wrap(err, "failed to enqueue reference transform")
			}
			jobsEnqueued++
		}

		afterID = records[len(records)-1].ID
		if len(records) < p.d.ReferencesBatchSize {
			break
		}
	}

	pc.Logger.Info().Int("jobs", jobsEnqueued).Msg("Reference transforms enqueued")
	return nil
}
