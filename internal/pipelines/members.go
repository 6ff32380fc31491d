package pipelines

import (
	"context"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stanstork/stratum-transfer/internal/pipeline"
	"github.com/stanstork/stratum-transfer/internal/repository"
)

// newMembersPipeline imports members and maps each source username to the local user with the same email.
func newMembersPipeline(d *Deps) *relationPipeline {
	p := newRelationPipeline(d, Members)
	p.afterBatch = func(ctx context.Context, pc *pipeline.Context, objects []object) error {
		return mapUsernames(ctx, d, pc, objects)
	}
	return p
}

func mapUsernames(ctx context.Context, d *Deps, pc *pipeline.Context, objects []object) error {
	forward := make(map[string]string)
	backward := make(map[string]string)
	for _, obj := range objects {
		username, email := text(obj.fields["username"]), text(obj.fields["email"])
		if username == "" || email == "" {
			continue
		}
		user, err := d.Users.FindByEmail(ctx, email)
		if errors.Is(err, repository.ErrNotFound) {
			pc.Logger.Debug().Str("username", username).Msg("No local user for source member")
			continue
		}
		if err != nil {
			return errors.Wrap(err, "failed to look up member")
		}
		forward[username] = user.Username
		backward[user.Username] = username
	}

	bulkImportID := pc.BulkImport.ID
	if err := d.Cache.HashWrite(ctx, cache.UsernameMapKey(bulkImportID, cache.SourceToDestination), forward, d.UsernameTTL); err != nil {
		return errors.Wrap(err, "failed to store username map")
	}
	if err := d.Cache.HashWrite(ctx, cache.UsernameMapKey(bulkImportID, cache.DestinationToSource), backward, d.UsernameTTL); err != nil {
		return errors.Wrap(err, "failed to store username map")
	}
	pc.Logger.Info().Int("mapped", len(forward)).Int("members", len(objects)).Msg("Members mapped")
	return nil
}
