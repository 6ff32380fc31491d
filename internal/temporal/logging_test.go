package temporal

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/log"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	buf.Reset()
	return line
}

func TestLoggerKeyvals(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	l.Warn("Job attempt failed", "job", "EntityWorker", 7, "seven", "dangling")

	line := decodeLine(t, &buf)
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "Job attempt failed", line["message"])
	assert.Equal(t, "temporal-sdk", line["component"])
	assert.Equal(t, "EntityWorker", line["job"])
	assert.Equal(t, "seven", line["7"])
	assert.Equal(t, missingValue, line["dangling"])
}

func TestLoggerErrorValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	l.Error("Exhaustion hook failed", "error", errors.New("boom"))

	assert.Equal(t, "boom", decodeLine(t, &buf)["error"])
}

func TestLoggerWithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(zerolog.New(&buf))

	scoped := log.With(base, "WorkflowID", "stratum-job-EntityWorker-1", "job_id", "1")
	scoped.Info("Job started")
	line := decodeLine(t, &buf)
	assert.Equal(t, "stratum-job-EntityWorker-1", line["WorkflowID"])
	assert.Equal(t, "1", line["job_id"])

	base.Info("Unscoped")
	_, ok := decodeLine(t, &buf)["job_id"]
	assert.False(t, ok, "With does not leak into the parent logger")
}

func TestLoggerWithoutFieldsReturnsSameLogger(t *testing.T) {
	l := NewLogger(zerolog.Nop())
	assert.Same(t, l, l.With())
}
