package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(CodeSessionNotFound))
	assert.Equal(t, KindCapacity, KindOf(CodeSessionTooLarge))
	assert.Equal(t, KindWorkflow, KindOf(CodeSkippedPlanning))
	assert.Equal(t, KindGraph, KindOf(CodeCircularDependency))
	assert.Equal(t, KindPersistence, KindOf(CodePersistenceReadFailed))
	assert.Equal(t, KindInternal, KindOf("NOPE"))
}

func TestError_WrapAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, CodePersistenceWriteFailed, "save %s", "s1")

	assert.ErrorIs(t, err, cause)
	assert.True(t, err.Retryable())
	assert.Contains(t, err.Error(), "PERSISTENCE_WRITE_FAILED")
	assert.Contains(t, err.Error(), "disk full")

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, Is(wrapped, CodePersistenceWriteFailed))
	assert.Equal(t, CodePersistenceWriteFailed, CodeOf(wrapped))
}

func TestFrom_UnstructuredBecomesInternal(t *testing.T) {
	e := From(errors.New("nil map write in groups"))
	require.NotNil(t, e)
	assert.Equal(t, CodeInternal, e.Code)
	assert.Equal(t, "internal error", e.Message)
	assert.NotEmpty(t, e.CorrelationID)
	assert.Nil(t, From(nil))
}

func TestValidationErrorsCarrySuggestions(t *testing.T) {
	errs := []*Error{
		SessionNotFound("x"),
		SessionAlreadyExists("x"),
		InvalidSessionID("x", "bad"),
		InvalidStep(9, 3),
		TechniqueMismatch("s", "po", "triz"),
		InvalidArgument("missing %s", "problem"),
		SessionConflict("s", "persist"),
	}
	for _, e := range errs {
		assert.Equal(t, KindValidation, e.Kind, e.Code)
		assert.NotEmpty(t, e.Suggestions, e.Code)
	}
}

func TestCircularDependency_NamesCycle(t *testing.T) {
	e := CircularDependency([]string{"s2", "s3", "s2"})
	assert.Equal(t, KindGraph, e.Kind)
	assert.Contains(t, e.Message, "s2 -> s3 -> s2")
	assert.Equal(t, []string{"s2", "s3", "s2"}, e.Details["cycle"])
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"session-1", true},
		{"01HZX3V9Q6", true},
		{"a.b_c-d", true},
		{"", false},
		{"../etc/passwd", false},
		{"-leading-dash", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", MaxIDLength), true},
		{strings.Repeat("a", MaxIDLength+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateID(tt.id)
			if tt.valid {
				assert.Nil(t, err)
			} else {
				require.NotNil(t, err)
				assert.Equal(t, CodeInvalidSessionID, err.Code)
			}
		})
	}
}

func TestRequestTimeout(t *testing.T) {
	e := RequestTimeout("execute_thinking_step", context.DeadlineExceeded)
	assert.Equal(t, KindCapacity, e.Kind)
	assert.ErrorIs(t, e, context.DeadlineExceeded)
	assert.Equal(t, "execute_thinking_step", e.Details["operation"])
}
