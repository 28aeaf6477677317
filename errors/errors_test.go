package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.class.String())
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"timeout sentinel", ErrConnectionTimeout, ErrorTransient},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
		{"overrun", ErrBufferOverrun, ErrorFatal},
		{"lost connection", fmt.Errorf("read: %w", ErrConnectionLost), ErrorFatal},
		{"bad type tag", ErrInvalidType, ErrorInvalid},
		{"cycle", ErrCycle, ErrorInvalid},
		{"unknown", fmt.Errorf("something odd"), ErrorTransient},
		{"classified invalid", WrapInvalid(fmt.Errorf("x"), "c", "m", "a"), ErrorInvalid},
		{"classified fatal", WrapFatal(fmt.Errorf("x"), "c", "m", "a"), ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))

	err := Wrap(ErrShortBuffer, "plotmsg", "Reader", "read sample")
	assert.Equal(t, "plotmsg.Reader: read sample failed: short buffer", err.Error())
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestWrapClassified_KeepsChain(t *testing.T) {
	err := WrapFatal(ErrBufferOverrun, "tcp-input", "receive", "ring write")

	var ce *ClassifiedError
	require.True(t, As(err, &ce))
	assert.Equal(t, ErrorFatal, ce.Class)
	assert.Equal(t, "tcp-input", ce.Component)
	assert.Equal(t, "receive", ce.Operation)
	assert.ErrorIs(t, err, ErrBufferOverrun)
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
}

func TestIsTransient_MessagePatterns(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("i/o timeout")))
	assert.True(t, IsTransient(fmt.Errorf("server busy")))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrInvalidData))
}
