package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	cause := stderrors.New("dial tcp: refused")

	assert.Equal(t, "commit failed", NewError(CodeCommit, "commit failed", nil).Error())
	assert.Equal(t, "commit failed: dial tcp: refused", NewError(CodeCommit, "commit failed", cause).Error())
}

func TestHasCode(t *testing.T) {
	inner := NewError(CodeConfiguration, "bad batch size", nil)
	outer := NewError(CodeTransport, "fetch", inner)
	wrapped := fmt.Errorf("run: %w", outer)

	tests := []struct {
		name string
		err  error
		code int64
		want bool
	}{
		{name: "direct", err: inner, code: CodeConfiguration, want: true},
		{name: "wrapped outer", err: wrapped, code: CodeTransport, want: true},
		{name: "nested cause", err: wrapped, code: CodeConfiguration, want: true},
		{name: "missing code", err: wrapped, code: CodeHandler, want: false},
		{name: "plain error", err: stderrors.New("boom"), code: CodeHandler, want: false},
		{name: "nil", err: nil, code: CodeHandler, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasCode(tt.err, tt.code))
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewError(CodeCommit, "commit", nil).WithDetails(map[string]int{"attempts": 3}))

	assert.True(t, stderrors.Is(err, &Error{Code: CodeCommit}))
	assert.False(t, stderrors.Is(err, &Error{Code: CodeHandler}))

	var e *Error
	assert.True(t, stderrors.As(err, &e))
	assert.Equal(t, map[string]int{"attempts": 3}, e.GetDetails())
}
