package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_WarningsDoNotBlock(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[2]", ErrCodeValidation, "node is unreachable")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes", ErrCodeValidation, "workflow has no start node")
	r.AddError("edges[0].target", ErrCodeValidation, "edge targets unknown node")

	err := r.ToError()
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	e, ok := AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, "workflow has no start node (and 1 more)", e.Message)
	assert.Len(t, e.Details["errors"], 2)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")

	r2 := &ValidationResult{}
	r2.AddError("nodes[0]", ErrCodeValidation, "err2")
	r2.AddWarning("nodes[1]", ErrCodeValidation, "warn")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}
