package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("apply op: %w", Retryable(CodeVersionUnavailable, cause))

	assert.True(t, IsRetryable(err))
	assert.False(t, IsFatal(err))
	assert.Equal(t, CodeVersionUnavailable, CodeOf(err))
	assert.ErrorIs(t, err, cause)

	fatal := Fatal(CodeDeviceRevoked, "dispositivo revogado")
	assert.True(t, IsFatal(fatal))
	assert.ErrorIs(t, fmt.Errorf("push: %w", fatal), &Error{Code: CodeDeviceRevoked})
	assert.NotErrorIs(t, fatal, &Error{Code: CodeCursorRegression})
}

func TestUnclassifiedIsFatal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindFatal, KindOf(err))
	assert.Equal(t, "internal", CodeOf(err))
}
