package export

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/models"
)

// encode writes records as NDJSON. The stored payload is the base of each line; the current
// body wins over the payload's copy since reference rewriting only updates the body.
func encode(records []models.Record, bodyField string) ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range records {
		fields := map[string]json.RawMessage{}
		if len(rec.Payload) > 0 {
			if err := json.Unmarshal(rec.Payload, &fields); err != nil {
				return nil, errors.Wrapf(err, "record %d has a malformed payload", rec.ID)
			}
		}
		if _, ok := fields["iid"]; !ok {
			iid, _ := json.Marshal(rec.SourceIID)
			fields["iid"] = iid
		}
		if rec.Body != "" {
			body, _ := json.Marshal(rec.Body)
			fields[bodyField] = body
		}

		line, err := json.Marshal(fields)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode record %d", rec.ID)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
