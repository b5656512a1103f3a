package mperrors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(TypeRateLimited, "throttled")))
	assert.True(t, IsRetryable(New(TypeServerError, "boom")))
	assert.True(t, IsRetryable(New(TypeTransportError, "dial failed")))
	assert.False(t, IsRetryable(New(TypeAuthenticationFailure, "bad creds")))
	assert.False(t, IsRetryable(New(TypeQueryError, "bad filter")))
	assert.False(t, IsRetryable(New(TypeProtocolError, "bad json")))
	assert.False(t, IsRetryable(assert.AnError))
}

func TestWrapKeepsMessageAndDetails(t *testing.T) {
	err := Wrap(assert.AnError, TypeTransportError, "request failed").
		WithDetail("endpoint", "/query/segmentation")
	assert.Contains(t, err.Error(), "request failed")
	assert.Equal(t, "/query/segmentation", err.Details["endpoint"])
}

func TestIsType(t *testing.T) {
	err := New(TypeTableExists, "table already present")
	assert.True(t, IsType(err, TypeTableExists))
	assert.False(t, IsType(err, TypeTableNotFound))
}
