package apperror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndError(t *testing.T) {
	err := New(CodeInvalidRequest, "bad shape")
	require.EqualError(t, err, "[INVALID_REQUEST] bad shape")
	assert.Equal(t, SeverityError, err.Severity)
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, CodeScrapeFailed, "scrape failed")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}

func TestIsAndGetCode(t *testing.T) {
	err := New(CodeNotFound, "no such pool")

	assert.True(t, Is(err, CodeNotFound))
	assert.False(t, Is(err, CodeInternal))
	assert.Equal(t, CodeNotFound, GetCode(err))

	plain := errors.New("plain")
	assert.Equal(t, CodeInternal, GetCode(plain))
	assert.False(t, Is(plain, CodeInternal))
}

func TestWarningSeverity(t *testing.T) {
	warn := NewWarning(CodeMissingMetric, "member missing cache_usage")
	assert.True(t, IsWarning(warn))

	err := New(CodeInternal, "x")
	assert.False(t, IsWarning(err))

	critical := New(CodeAuthFailed, "y").WithSeverity(SeverityCritical)
	assert.Equal(t, "critical", critical.Severity.String())
}
