package pipelines

import (
	"context"
	"path"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/pipeline"
)

// descendantsPipeline schedules an entity for every direct subgroup and project of a group.
type descendantsPipeline struct {
	d *Deps
}

func (p *descendantsPipeline) Name() string { return Descendants }

func (p *descendantsPipeline) Run(ctx context.Context, pc *pipeline.Context) error {
	descendants, err := pc.Source.ListDescendants(ctx, pc.Target())
	if err != nil {
		return errors.Wrap(err, "failed to list descendants")
	}

	existing, err := p.d.Entities.ListByBulkImport(ctx, pc.BulkImport.ID)
	if err != nil {
		return errors.Wrap(err, "failed to list entities")
	}
	known := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		known[string(e.SourceType)+":"+e.SourceFullPath] = struct{}{}
	}

	parentID := pc.Entity.ID
	started := 0
	for _, desc := range descendants {
		if path.Dir(desc.FullPath) != pc.Entity.SourceFullPath {
			continue
		}
		// A redelivered job must not schedule the same child twice.
		if _, ok := known[string(desc.Type)+":"+desc.FullPath]; ok {
			continue
		}
		xid := desc.ID
		child := &models.Entity{
			BulkImportID:         pc.BulkImport.ID,
			ParentID:             &parentID,
			SourceType:           desc.Type,
			SourceFullPath:       desc.FullPath,
			SourceXID:            &xid,
			DestinationNamespace: pc.Entity.DestinationFullPath(),
			DestinationName:      path.Base(desc.FullPath),
		}
		if err := p.d.Starter.StartEntity(ctx, child); err != nil {
			return errors.Wrapf(err, "failed to start %s", desc.FullPath)
		}
		started++
	}

	pc.Logger.Info().Int("descendants", started).Msg("Descendant entities scheduled")
	return nil
}
