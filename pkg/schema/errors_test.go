package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowErrorMessage(t *testing.T) {
	err := NewError(ErrCodeHandler, "boom")
	assert.Equal(t, "[HANDLER_ERROR] boom", err.Error())

	err = err.WithNode("node-1")
	assert.Equal(t, "[HANDLER_ERROR] node node-1: boom", err.Error())
}

func TestFlowErrorUnwrap(t *testing.T) {
	cause := errors.New("io failure")
	err := NewErrorf(ErrCodeHandler, "read failed: %v", cause).WithCause(cause)

	assert.ErrorIs(t, err, cause)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"direct", NewError(ErrCodeCancelled, "stopped"), ErrCodeCancelled},
		{"wrapped", fmt.Errorf("outer: %w", NewError(ErrCodeLoopLimit, "cap hit")), ErrCodeLoopLimit},
		{"foreign", errors.New("plain"), ErrCodeInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CodeOf(tc.err))
		})
	}
}

func TestAsFlowError(t *testing.T) {
	assert.Nil(t, AsFlowError(nil, ErrCodeHandler))

	fe := NewError(ErrCodeSubflow, "nested failed")
	assert.Same(t, fe, AsFlowError(fe, ErrCodeHandler))

	foreign := errors.New("disk full")
	wrapped := AsFlowError(foreign, ErrCodeHandler)
	require.NotNil(t, wrapped)
	assert.Equal(t, ErrCodeHandler, wrapped.Code)
	assert.Equal(t, "disk full", wrapped.Message)
	assert.ErrorIs(t, wrapped, foreign)
}

func TestIsAbsorbable(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{ErrCodeHandler, true},
		{ErrCodeSubflow, true},
		{ErrCodeLoopLimit, true},
		{ErrCodeCancelled, false},
		{ErrCodeValidation, false},
		{ErrCodeAlreadyRunning, false},
		{ErrCodeNotFound, false},
		{ErrCodeInternal, false},
	}
	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			assert.Equal(t, tc.want, IsAbsorbable(NewError(tc.code, "x")))
		})
	}
}

func TestWithDetails(t *testing.T) {
	err := NewError(ErrCodeValidation, "bad edge").
		WithDetails(map[string]any{"edge": "e7"})
	assert.Equal(t, "e7", err.Details["edge"])
}
