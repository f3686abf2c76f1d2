package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	err := NewError("GATEWAY", "request failed")
	assert.Equal(t, "GATEWAY: request failed", err.Error())

	wrapped := err.WithCause(errors.New("connection refused"))
	assert.Contains(t, wrapped.Error(), "connection refused")
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := ErrGateway.WithCause(cause)
	assert.ErrorIs(t, err, cause)
}

func TestSentinelClassification(t *testing.T) {
	assert.True(t, ErrGateway.IsRetryable())
	assert.True(t, ErrConnection.IsRetryable())
	assert.True(t, ErrStoreBusy.IsRetryable())

	assert.True(t, ErrAuth.IsFatal())
	assert.True(t, ErrConfig.IsFatal())
	assert.True(t, ErrDecrypt.IsFatal())
	assert.True(t, ErrDecode.IsFatal())
}

func TestWithCause_DoesNotMutateSentinel(t *testing.T) {
	derived := ErrGateway.WithCause(errors.New("boom"))
	assert.Nil(t, ErrGateway.Cause, "sentinels must stay pristine")
	assert.NotNil(t, derived.Cause)
}

func TestWithMessage_Formats(t *testing.T) {
	err := ErrGateway.WithMessage("status %d", 502)
	assert.Contains(t, err.Error(), "status 502")
	assert.True(t, IsGateway(err))
}

func TestPredicates_SeeThroughWrapping(t *testing.T) {
	inner := ErrAuth.WithMessage("rejected")
	outer := fmt.Errorf("delivering message: %w", inner)

	assert.True(t, IsAuth(outer))
	assert.False(t, IsGateway(outer))
}

func TestAsRetryableAndAsFatal(t *testing.T) {
	err := NewError("CUSTOM", "something").AsRetryable()
	assert.True(t, err.IsRetryable())
	assert.False(t, err.IsFatal())

	err = NewError("CUSTOM", "something").AsFatal()
	assert.False(t, err.IsRetryable())
	assert.True(t, err.IsFatal())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrGateway))

	cause := errors.New("io timeout")
	err := Wrap(cause, ErrConnection)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsConnection(err))
}

func TestRecoverPanic(t *testing.T) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = RecoverPanic(r)
			}
		}()
		panic("boom")
	}()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	var fatal FatalError
	require.ErrorAs(t, err, &fatal)
	assert.True(t, fatal.IsFatal())
}
