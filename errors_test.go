package bindpack

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageError(t *testing.T) {
	cause := errors.New("exit status 101")
	err := error(newStageError(StageBuild, ErrCompileFailure, cause).forTarget("ios-arm64"))

	assert.EqualError(t, err, "build [ios-arm64]: compile failure: exit status 101")
	assert.ErrorIs(t, err, ErrCompileFailure)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCompileFailure, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsRetryable(err))
	assert.False(t, IsCancelled(err))

	var se *StageError
	require.ErrorAs(t, errors.Join(errors.New("other"), err), &se)
	assert.Equal(t, "ios-arm64", se.Target)
}

func TestStageErrorScope(t *testing.T) {
	testCases := []struct {
		err  *StageError
		want string
	}{
		{newStageError(StageToolchain, ErrToolchainUnavailable, nil), "toolchain: toolchain unavailable"},
		{newStageError(StageBindgen, ErrBindingGeneration, errors.New("crash")).forLanguage("swift"), "bindgen [swift]: binding generation failed: crash"},
		{newStageError(StagePublish, ErrPublishConflict, nil).forLanguage("python").forTarget("linux-x86_64"), "publish [python linux-x86_64]: publish conflict"},
	}
	for _, tc := range testCases {
		assert.EqualError(t, tc.err, tc.want)
	}
}

func TestErrorClassification(t *testing.T) {
	transient := newStageError(StagePublish, ErrTransientNetwork, errors.New("503"))
	assert.True(t, IsRetryable(transient))
	assert.True(t, IsRetryable(fmt.Errorf("HEAD: %w", ErrTransientNetwork)))

	cancelled := newStageError(StageBuild, context.Canceled, errors.New("killed"))
	assert.True(t, IsCancelled(cancelled))
	assert.True(t, IsCancelled(context.DeadlineExceeded))

	assert.Nil(t, KindOf(errors.New("plain")))
}
