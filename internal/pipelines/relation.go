package pipelines

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/pipeline"
	"github.com/stanstork/stratum-transfer/internal/source"
)

const maxLineSize = 16 << 20

type namespacePipeline struct {
	d *Deps
}

func (p *namespacePipeline) Name() string         { return Namespace }
func (p *namespacePipeline) AbortOnFailure() bool { return true }

// Run creates the destination portable every later pipeline writes into.
func (p *namespacePipeline) Run(ctx context.Context, pc *pipeline.Context) error {
	portable, err := p.d.Portables.Upsert(ctx, pc.Entity.SourceType, pc.Entity.DestinationFullPath())
	if err != nil {
		return errors.Wrap(err, "failed to create destination namespace")
	}
	pc.Logger.Info().Int64("portable_id", portable.ID).Str("full_path", portable.FullPath).Msg("Destination namespace ready")
	return nil
}

// object is one decoded NDJSON line.
type object struct {
	iid    string
	body   string
	fields map[string]json.RawMessage
	raw    json.RawMessage
}

type relationPipeline struct {
	d         *Deps
	relation  string
	bodyField string
	// afterBatch runs once per imported file with its decoded objects.
	afterBatch func(ctx context.Context, pc *pipeline.Context, objects []object) error
}

func newRelationPipeline(d *Deps, relation string) *relationPipeline {
	return &relationPipeline{d: d, relation: relation, bodyField: BodyField(relation)}
}

func (p *relationPipeline) Name() string     { return p.relation }
func (p *relationPipeline) Relation() string { return p.relation }

func (p *relationPipeline) Run(ctx context.Context, pc *pipeline.Context) error {
	return p.importFile(ctx, pc, 0)
}

func (p *relationPipeline) RunBatch(ctx context.Context, pc *pipeline.Context, batchNumber int) error {
	return p.importFile(ctx, pc, batchNumber)
}

func (p *relationPipeline) importFile(ctx context.Context, pc *pipeline.Context, batchNumber int) error {
	data, err := pc.Source.Download(ctx, pc.Target(), p.relation, batchNumber)
	if err != nil {
		if source.IsNotFound(err) {
			return &pipeline.FailedError{Message: "export file for " + p.relation + " is missing on the source"}
		}
		return errors.Wrapf(err, "failed to download %s", p.relation)
	}

	objects, err := p.decode(data)
	if err != nil {
		return &pipeline.FailedError{Message: err.Error()}
	}

	portable, err := p.d.Portables.Upsert(ctx, pc.Entity.SourceType, pc.Entity.DestinationFullPath())
	if err != nil {
		return errors.Wrap(err, "failed to resolve destination portable")
	}

	for _, obj := range objects {
		rec := &models.Record{
			PortableID: portable.ID,
			Relation:   p.relation,
			SourceIID:  obj.iid,
			Body:       obj.body,
			Payload:    obj.raw,
		}
		if err := p.d.Records.Upsert(ctx, rec); err != nil {
			return errors.Wrapf(err, "failed to save %s %s", p.relation, obj.iid)
		}
	}

	if p.afterBatch != nil {
		if err := p.afterBatch(ctx, pc, objects); err != nil {
			return err
		}
	}

	pc.Logger.Info().
		Str("relation", p.relation).
		Int("batch_number", batchNumber).
		Int("objects", len(objects)).
		Msg("Relation file imported")
	return nil
}

func (p *relationPipeline) decode(data []byte) ([]object, error) {
	var objects []object
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, errors.Wrapf(err, "invalid %s object on line %d", p.relation, line)
		}
		obj := object{
			iid:    scalar(fields["iid"]),
			fields: fields,
			raw:    append(json.RawMessage(nil), raw...),
		}
		if obj.iid == "" {
			obj.iid = scalar(fields["id"])
		}
		if obj.iid == "" {
			return nil, errors.Errorf("%s object on line %d has no id", p.relation, line)
		}
		if p.bodyField != "" {
			obj.body = text(fields[p.bodyField])
		}
		objects = append(objects, obj)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s file", p.relation)
	}
	return objects, nil
}

// scalar renders a JSON number or string without quotes.
func scalar(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return s
}

func text(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}
