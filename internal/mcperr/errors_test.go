package mcperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindCodes(t *testing.T) {
	cases := []struct {
		kind Kind
		code int
	}{
		{KindParseError, -32700},
		{KindInvalidRequest, -32600},
		{KindMethodNotFound, -32601},
		{KindInvalidParams, -32602},
		{KindInternal, -32603},
		{KindTimeout, -32000},
		{KindCancelled, -32000},
		{KindResourceNotFound, -32001},
		{KindResourceAccessDenied, -32002},
		{KindResourceUnavailable, -32003},
		{KindValidation, -32004},
		{KindExternalService, -32007},
		{KindRateLimited, -32008},
		{KindCircuitOpen, -32009},
		{KindSchemaValidation, -32010},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, tc.kind.Code(), string(tc.kind))
	}
	assert.Equal(t, -32603, Kind("made_up").Code(), "unknown kinds map to internal")
}

func TestKindTransient(t *testing.T) {
	assert.True(t, KindExternalService.Transient())
	assert.True(t, KindTimeout.Transient())
	assert.True(t, KindRateLimited.Transient())

	assert.False(t, KindCircuitOpen.Transient(), "breaker rejections must not be retried")
	assert.False(t, KindValidation.Transient())
	assert.False(t, KindCancelled.Transient())
	assert.False(t, KindInternal.Transient())
}

func TestErrorFormatting(t *testing.T) {
	plain := New(KindValidation, "field %s is bad", "source_ip")
	assert.Equal(t, "validation_error: field source_ip is bad", plain.Error())

	wrapped := Wrap(KindExternalService, errors.New("connection refused"), "elasticsearch query failed")
	assert.Equal(t, "external_service_error: elasticsearch query failed: connection refused", wrapped.Error())
	assert.EqualError(t, errors.Unwrap(wrapped), "connection refused")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindTimeout, KindOf(New(KindTimeout, "slow")))
	assert.Equal(t, KindInternal, KindOf(errors.New("untagged")))

	// Kinds survive fmt wrapping.
	deep := fmt.Errorf("outer: %w", New(KindRateLimited, "throttled"))
	assert.Equal(t, KindRateLimited, KindOf(deep))
	assert.True(t, IsKind(deep, KindRateLimited))
	assert.True(t, IsTransient(deep))
}

func TestChaining(t *testing.T) {
	err := New(KindExternalService, "lookup failed").
		WithData(map[string]interface{}{"indicator": "203.0.113.5"}).
		WithService("dshield")

	require.Equal(t, "dshield", err.Service)
	assert.Equal(t, "203.0.113.5", err.Data["indicator"])
	assert.Equal(t, -32007, err.Code())
}
