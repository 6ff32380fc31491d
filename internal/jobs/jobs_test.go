package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedHandler string

func (h namedHandler) Name() string                                   { return string(h) }
func (h namedHandler) Perform(context.Context, json.RawMessage) error { return nil }

type customError struct{}

func (customError) Error() string { return "custom" }

func TestRegistry(t *testing.T) {
	r := NewRegistry(namedHandler("b"), namedHandler("a"))
	r.Register(namedHandler("c"))

	h, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", h.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
}

func TestCorrelationID(t *testing.T) {
	assert.Empty(t, CorrelationID(context.Background()))
	ctx := WithCorrelationID(context.Background(), "job-1")
	assert.Equal(t, "job-1", CorrelationID(ctx))
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("boom")
	err := errors.Wrap(Permanent(base), "outer")
	assert.True(t, IsPermanent(err))
	assert.False(t, IsPermanent(base))
	assert.ErrorIs(t, err, base)
}

func TestErrorClassUsesRootCause(t *testing.T) {
	err := errors.Wrap(fmt.Errorf("ctx: %w", customError{}), "outer")
	// fmt wrapping hides the cause from pkg/errors, so the class is the fmt wrapper.
	assert.Equal(t, "fmt.wrapError", ErrorClass(err))

	err = errors.Wrap(Permanent(errors.WithStack(customError{})), "outer")
	assert.Equal(t, "jobs.customError", ErrorClass(err))
	assert.Empty(t, ErrorClass(nil))
}

func TestDecodeIsPermanentOnBadInput(t *testing.T) {
	var args struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, Decode(json.RawMessage(`{"id":4}`), &args))
	assert.Equal(t, int64(4), args.ID)

	err := Decode(json.RawMessage(`{"id":"x"}`), &args)
	assert.True(t, IsPermanent(err))
}
