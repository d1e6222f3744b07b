package replay

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/learner/model"
)

func floatBytes(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func validWire(obs, act []float32) wireTransition {
	return wireTransition{
		Observation: floatBytes(obs...),
		Action:      floatBytes(act...),
		Reward:      1.0,
		Done:        false,
		Metadata:    map[string]string{"log_prob": "-0.5", "value": "0.25"},
	}
}

func TestDecodeBatch_Valid(t *testing.T) {
	resp := &wireResponse{Transitions: []wireTransition{
		validWire([]float32{1, 2, 3}, []float32{0}),
		validWire([]float32{4, 5, 6}, []float32{1}),
	}}

	batch, err := decodeBatch(resp)
	require.NoError(t, err)
	require.NoError(t, batch.Validate())
	assert.Equal(t, 2, batch.Len())
	assert.Equal(t, []float32{1, 2, 3}, batch.Observations[0])
	assert.Equal(t, []float32{4, 5, 6}, batch.Observations[1])
	assert.InDelta(t, -0.5, float64(batch.LogProbs[0]), 1e-6)
	assert.InDelta(t, 0.25, float64(batch.Values[1]), 1e-6)
}

func TestDecodeBatch_ShapeMismatch(t *testing.T) {
	resp := &wireResponse{Transitions: []wireTransition{
		validWire([]float32{1, 2, 3}, []float32{0}),
		validWire([]float32{4, 5}, []float32{1}),
	}}

	batch, err := decodeBatch(resp)
	require.Error(t, err)
	assert.Nil(t, batch, "shape mismatch must not produce a partial batch")
	assert.Equal(t, model.ErrShapeMismatch, model.CodeOf(err))
}

func TestDecodeBatch_MissingMetadata(t *testing.T) {
	for _, key := range []string{"log_prob", "value"} {
		tr := validWire([]float32{1}, []float32{0})
		delete(tr.Metadata, key)
		resp := &wireResponse{Transitions: []wireTransition{tr}}

		batch, err := decodeBatch(resp)
		require.Error(t, err, "missing %s must reject the batch", key)
		assert.Nil(t, batch)
		assert.Equal(t, model.ErrMissingMetadata, model.CodeOf(err))
	}
}

func TestDecodeBatch_MalformedInput(t *testing.T) {
	t.Run("empty response", func(t *testing.T) {
		_, err := decodeBatch(&wireResponse{})
		require.Error(t, err)
		assert.Equal(t, model.ErrInvalidBatch, model.CodeOf(err))
	})

	t.Run("empty observation buffer", func(t *testing.T) {
		tr := validWire([]float32{1}, []float32{0})
		tr.Observation = nil
		_, err := decodeBatch(&wireResponse{Transitions: []wireTransition{tr}})
		require.Error(t, err)
		assert.Equal(t, model.ErrInvalidBatch, model.CodeOf(err))
	})

	t.Run("truncated buffer", func(t *testing.T) {
		tr := validWire([]float32{1}, []float32{0})
		tr.Action = []byte{1, 2, 3}
		_, err := decodeBatch(&wireResponse{Transitions: []wireTransition{tr}})
		require.Error(t, err)
		assert.Equal(t, model.ErrInvalidBatch, model.CodeOf(err))
	})

	t.Run("non-numeric metadata", func(t *testing.T) {
		tr := validWire([]float32{1}, []float32{0})
		tr.Metadata["value"] = "not-a-number"
		_, err := decodeBatch(&wireResponse{Transitions: []wireTransition{tr}})
		require.Error(t, err)
		assert.Equal(t, model.ErrInvalidBatch, model.CodeOf(err))
	})
}
