package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/source"
)

// Context is everything a pipeline run may read. It is rebuilt from the state store on every job.
type Context struct {
	BulkImport models.BulkImport
	Entity     models.Entity
	Tracker    models.Tracker
	Source     source.API
	Logger     zerolog.Logger
}

func (c *Context) Target() source.Target {
	return source.TargetFor(c.Entity)
}

// Pipeline imports one slice of an entity.
type Pipeline interface {
	Name() string
	Run(ctx context.Context, pc *Context) error
}

// FileExtraction pipelines wait for the source's export of Relation before running.
type FileExtraction interface {
	Relation() string
}

// BatchRunner pipelines can import one numbered batch of their relation.
type BatchRunner interface {
	RunBatch(ctx context.Context, pc *Context, batchNumber int) error
}

// Finisher pipelines run OnFinish exactly once, after the tracker is finished.
type Finisher interface {
	OnFinish(ctx context.Context, pc *Context) error
}

// Aborter pipelines fail their whole entity when they fail.
type Aborter interface {
	AbortOnFailure() bool
}

func RelationOf(p Pipeline) (string, bool) {
	fe, ok := p.(FileExtraction)
	if !ok {
		return "", false
	}
	return fe.Relation(), true
}

func AbortsOnFailure(p Pipeline) bool {
	a, ok := p.(Aborter)
	return ok && a.AbortOnFailure()
}

// Stage is one ordered group of pipelines; all of its trackers must be terminal before the next starts.
type Stage struct {
	Number    int
	Pipelines []string
}

// Registry maps stable pipeline names to strategies and holds the stage table per source type.
type Registry struct {
	pipelines map[string]Pipeline
	stages    map[models.SourceType][]Stage
}

func NewRegistry() *Registry {
	return &Registry{
		pipelines: make(map[string]Pipeline),
		stages:    make(map[models.SourceType][]Stage),
	}
}

func (r *Registry) Register(p Pipeline) {
	r.pipelines[p.Name()] = p
}

// DefineStages sets the stage table for typ. Every named pipeline must already be registered.
func (r *Registry) DefineStages(typ models.SourceType, stages ...Stage) error {
	for _, st := range stages {
		for _, name := range st.Pipelines {
			if _, ok := r.pipelines[name]; !ok {
				return fmt.Errorf("stage %d of %s references unknown pipeline %q", st.Number, typ, name)
			}
		}
	}
	sorted := append([]Stage(nil), stages...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	r.stages[typ] = sorted
	return nil
}

func (r *Registry) Get(name string) (Pipeline, error) {
	p, ok := r.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", name)
	}
	return p, nil
}

func (r *Registry) Stages(typ models.SourceType) []Stage {
	return r.stages[typ]
}
