package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_Valid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("flow[1].retry", ErrCodeValidation, "high retry count")
	assert.True(t, r.Valid(), "warnings do not invalidate")
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)

	r.AddError("flow[0].agent", ErrCodeAgentNotFound, "agent \"x\" is not registered")
	assert.False(t, r.Valid())
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
	assert.Equal(t, `flow[0].agent: agent "x" is not registered [AGENT_NOT_FOUND]`, r.Errors[0].String())
}

func TestValidationResult_Merge(t *testing.T) {
	a := &ValidationResult{}
	a.AddError("flow[0]", ErrCodeValidation, "one")
	b := &ValidationResult{}
	b.AddError("flow[1]", ErrCodeCycleDetected, "two")
	b.AddWarning("flow[2]", ErrCodeValidation, "three")

	a.Merge(b)
	a.Merge(nil)
	assert.Len(t, a.Errors, 2)
	assert.Len(t, a.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	tests := []struct {
		name     string
		build    func(*ValidationResult)
		wantNil  bool
		wantCode string
		wantNode string
		wantMsg  string
		count    int
	}{
		{
			name:    "warnings only",
			build:   func(r *ValidationResult) { r.AddWarning("flow", ErrCodeValidation, "meh") },
			wantNil: true,
		},
		{
			name:     "single error keeps its code and path",
			build:    func(r *ValidationResult) { r.AddError("flow[3]", ErrCodeCycleDetected, "a -> b -> a") },
			wantCode: ErrCodeCycleDetected,
			wantNode: "flow[3]",
			wantMsg:  "a -> b -> a",
			count:    1,
		},
		{
			name: "several errors collapse",
			build: func(r *ValidationResult) {
				r.AddError("flow[0]", ErrCodeValidation, "first")
				r.AddError("flow[1]", ErrCodeUnknownReference, "second")
			},
			wantCode: ErrCodeValidation,
			wantMsg:  "definition has 2 errors, first: flow[0]: first [VALIDATION_ERROR]",
			count:    2,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := &ValidationResult{}
			tc.build(r)
			err := r.ToError()
			if tc.wantNil {
				assert.NoError(t, err)
				return
			}
			var ee *EngineError
			require.True(t, errors.As(err, &ee))
			assert.Equal(t, tc.wantCode, ee.Code)
			assert.Equal(t, tc.wantNode, ee.Node)
			assert.Equal(t, tc.wantMsg, ee.Message)
			assert.Equal(t, tc.count, ee.Details["error_count"])
		})
	}
}
