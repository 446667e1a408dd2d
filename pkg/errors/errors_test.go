package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNotFoundMatchesEvaluationError(t *testing.T) {
	knf := NewKeyNotFoundError("missing")
	knf.URN = "reader"
	knf.Template = "${ m['missing'] }"

	wrapped := fmt.Errorf("outer: %w", knf)

	var evalErr *EvaluationError
	require.True(t, errors.As(wrapped, &evalErr))
	assert.Equal(t, "reader", evalErr.URN)
	assert.Equal(t, "${ m['missing'] }", evalErr.Template)

	assert.True(t, IsKeyNotFound(wrapped))
	assert.True(t, IsEvaluation(wrapped))
	assert.False(t, IsConfiguration(wrapped))
	assert.Contains(t, knf.Error(), "missing")
	assert.Contains(t, knf.Error(), "reader")
}

func TestEvaluationErrorIsNotKeyNotFound(t *testing.T) {
	err := NewEvaluationError("node", "${ 1 + }", errors.New("boom"))
	assert.True(t, IsEvaluation(err))
	assert.False(t, IsKeyNotFound(err))
	assert.Contains(t, err.Error(), "${ 1 + }")
	assert.Contains(t, err.Error(), "node")
}

func TestConfigurationErrorUnwrap(t *testing.T) {
	err := NewConfigurationError("frag", "cannot include", ErrCyclicReference)
	assert.ErrorIs(t, err, ErrCyclicReference)
	assert.Equal(t, "configuration error in frag: cannot include: cyclic mappings reference", err.Error())
}

func TestProcessingErrorCarriesMessage(t *testing.T) {
	err := NewProcessingError("csv", `{"n":2}`, errors.New("bad row"))
	assert.Contains(t, err.Error(), `{"n":2}`)
	assert.Contains(t, err.Error(), "csv")
	assert.True(t, IsProcessing(err))
}

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("x"), CodeUnknown},
		{"configuration", Configurationf("a", "bad %d", 1), CodeConfiguration},
		{"evaluation", NewEvaluationError("a", "t", errors.New("x")), CodeEvaluation},
		{"key not found in processing", NewProcessingError("a", "", NewKeyNotFoundError("k")), CodeKeyNotFound},
		{"processing", NewProcessingError("a", "", errors.New("x")), CodeProcessing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}
