package topicpoller

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err      error
		expected FailureKind
	}{
		{nil, FailNone},
		{fmt.Errorf("%w: bad json", ErrUnparseableMessage), FailUnparseable},
		{fmt.Errorf("%w for topic x", ErrUnroutableMessage), FailUnroutable},
		{fmt.Errorf("%w: schema", ErrInvalidMessagePayload), FailPayload},
		{fmt.Errorf("%w: boom", ErrHandler), FailHandlerError},
		{fmt.Errorf("%w: boom", ErrHandlerPanic), FailHandlerPanic},
		{fmt.Errorf("%w m-1: timeout", ErrDeleteFailed), FailDelete},
		{errors.New("rate limited"), FailMiddlewareError},
	}

	for _, tc := range tests {
		t.Run(tc.expected.String(), func(t *testing.T) {
			assert.Equal(t, tc.expected, KindOf(tc.err))
		})
	}
}

func TestFailureKind_String(t *testing.T) {
	assert.Equal(t, "handler_panic", FailHandlerPanic.String())
	assert.Equal(t, "unknown", FailureKind(99).String())
}
