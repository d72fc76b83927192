package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := Errorf(KindDecode, "descriptor.decode", "bad header")
	wrapped := fmt.Errorf("frame 3: %w", err)

	assert.ErrorIs(t, wrapped, ErrDecode)
	assert.NotErrorIs(t, wrapped, ErrMalformedVideo)
	assert.Equal(t, KindDecode, KindOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindIndexUnavailable, "index.search", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.Equal(t, "index.search: index unavailable: connection refused", err.Error())
	assert.Nil(t, Wrap(KindInternal, "noop", nil))
}

func TestPublicMessageHidesCause(t *testing.T) {
	inner := Errorf(KindDecode, "descriptor.decode", "image could not be decoded")
	outer := Wrap(KindRetrieval, "pipeline.query", fmt.Errorf("open /tmp/query-123: %w", inner))

	assert.Equal(t, KindRetrieval, KindOf(outer))
	assert.Equal(t, "decode error: image could not be decoded", PublicMessage(outer))
	assert.Equal(t, "internal error", PublicMessage(errors.New("plain")))
}

func TestSchemaCheckDimensions(t *testing.T) {
	s := Schema{Dimensions: 4, Metric: MetricCosine}
	assert.NoError(t, s.CheckDimensions("insert", make([]float32, 4)))
	assert.ErrorIs(t, s.CheckDimensions("insert", make([]float32, 3)), ErrDimensionMismatch)
	assert.NoError(t, s.Validate())
	assert.Error(t, Schema{Dimensions: 4, Metric: "manhattan"}.Validate())
	assert.Error(t, Schema{Metric: MetricDot}.Validate())
}
