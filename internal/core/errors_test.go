package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageWithCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindRPCTransient, "", "dial rpc", cause)
	assert.Contains(t, err.Error(), "rpc_transient")
	assert.Contains(t, err.Error(), "dial rpc")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := New(KindValidation, CodeMinAmount, "amount below minimum")
	assert.Equal(t, "validation (MIN_AMOUNT): amount below minimum", err.Error())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInternal, "", "save user", cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestIsKind(t *testing.T) {
	err := Validation(CodeUserBanned, "user is banned")
	assert.True(t, IsKind(err, KindValidation))
	assert.False(t, IsKind(err, KindConflict))
	assert.False(t, IsKind(errors.New("plain"), KindValidation))
}
