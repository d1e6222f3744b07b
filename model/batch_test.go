package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBatch(n int) *TransitionBatch {
	b := &TransitionBatch{
		Observations: make([][]float32, n),
		Actions:      make([][]float32, n),
		LogProbs:     make([]float32, n),
		Rewards:      make([]float32, n),
		Dones:        make([]bool, n),
		Values:       make([]float32, n),
	}
	for i := 0; i < n; i++ {
		b.Observations[i] = []float32{float32(i)}
		b.Actions[i] = []float32{0}
	}
	return b
}

func TestTransitionBatch_Validate(t *testing.T) {
	b := newBatch(4)
	require.NoError(t, b.Validate())

	b.Values = b.Values[:3]
	err := b.Validate()
	require.Error(t, err)
	assert.Equal(t, ErrInvalidBatch, CodeOf(err))

	empty := &TransitionBatch{}
	assert.Error(t, empty.Validate())
}

func TestTransitionBatch_TargetsState(t *testing.T) {
	b := newBatch(3)

	_, ok := b.Targets()
	assert.False(t, ok, "targets must start uncomputed")

	// Partial targets are rejected, never cached.
	err := b.SetTargets(Targets{Advantages: []float32{1, 2, 3}})
	require.Error(t, err)
	_, ok = b.Targets()
	assert.False(t, ok)

	full := Targets{Advantages: []float32{1, 2, 3}, Returns: []float32{4, 5, 6}}
	require.NoError(t, b.SetTargets(full))
	got, ok := b.Targets()
	require.True(t, ok)
	assert.Equal(t, full, got)
}

func TestError_RetryableAndCode(t *testing.T) {
	base := NewError(ErrUnavailable, "replay unreachable").WithRetryable(true)
	assert.True(t, IsRetryable(base))
	assert.Equal(t, ErrUnavailable, CodeOf(base))

	wrapped := fmt.Errorf("sampling: %w", base)
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, ErrUnavailable, CodeOf(wrapped))

	cause := errors.New("boom")
	err := NewError(ErrShapeMismatch, "bad shapes").WithCause(cause)
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsRetryable(err))
	assert.False(t, IsRetryable(errors.New("plain")))
}
