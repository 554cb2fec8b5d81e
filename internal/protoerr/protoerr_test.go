package protoerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhouzirui/pairchat/internal/protoerr"
)

func TestErrorMatchesByKind(t *testing.T) {
	err := protoerr.Newf(protoerr.KindAlreadyClaimed, "token %s", "abcd")
	wrapped := fmt.Errorf("claim: %w", err)

	assert.True(t, errors.Is(wrapped, protoerr.ErrAlreadyClaimed))
	assert.False(t, errors.Is(wrapped, protoerr.ErrExpiredToken))
	assert.Equal(t, protoerr.KindAlreadyClaimed, protoerr.KindOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := protoerr.Wrap(protoerr.KindTransport, "dial relay", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, protoerr.ErrTransport)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, protoerr.Kind(""), protoerr.KindOf(errors.New("plain")))
	assert.Equal(t, protoerr.Kind(""), protoerr.KindOf(nil))
}
