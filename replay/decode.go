package replay

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/cartridge/learner/model"
)

const (
	logProbKey = "log_prob"
	valueKey   = "value"
)

// wireTransition mirrors one transition in a sample response. Observation and
// action arrive as raw little-endian float32 buffers (base64 in JSON).
type wireTransition struct {
	Observation []byte            `json:"observation"`
	Action      []byte            `json:"action"`
	Reward      float64           `json:"reward"`
	Done        bool              `json:"done"`
	Metadata    map[string]string `json:"metadata"`
}

type wireResponse struct {
	Transitions []wireTransition `json:"transitions"`
}

type wireRequest struct {
	BatchSize int `json:"batch_size"`
}

// decodeBatch converts a sample response into a TransitionBatch.
//
// Every transition must decode to the same observation and action element
// counts; a mismatch is a data-integrity bug in the upstream producer and
// rejects the whole response. Missing log_prob/value metadata likewise
// rejects the response rather than zero-filling.
func decodeBatch(resp *wireResponse) (*model.TransitionBatch, error) {
	n := len(resp.Transitions)
	if n == 0 {
		return nil, model.NewError(model.ErrInvalidBatch, "sample response contained no transitions")
	}

	batch := &model.TransitionBatch{
		Observations: make([][]float32, 0, n),
		Actions:      make([][]float32, 0, n),
		LogProbs:     make([]float32, 0, n),
		Rewards:      make([]float32, 0, n),
		Dones:        make([]bool, 0, n),
		Values:       make([]float32, 0, n),
	}

	obsWidth, actWidth := -1, -1
	for i, tr := range resp.Transitions {
		obs, err := floatsFromBytes(tr.Observation, "observation")
		if err != nil {
			return nil, err
		}
		act, err := floatsFromBytes(tr.Action, "action")
		if err != nil {
			return nil, err
		}

		if obsWidth == -1 {
			obsWidth, actWidth = len(obs), len(act)
		} else if len(obs) != obsWidth || len(act) != actWidth {
			return nil, model.Errorf(model.ErrShapeMismatch,
				"transition %d decoded to %d/%d observation/action elements, want %d/%d",
				i, len(obs), len(act), obsWidth, actWidth)
		}

		logProb, err := metadataFloat(tr.Metadata, logProbKey)
		if err != nil {
			return nil, err
		}
		value, err := metadataFloat(tr.Metadata, valueKey)
		if err != nil {
			return nil, err
		}

		batch.Observations = append(batch.Observations, obs)
		batch.Actions = append(batch.Actions, act)
		batch.LogProbs = append(batch.LogProbs, logProb)
		batch.Rewards = append(batch.Rewards, float32(tr.Reward))
		batch.Dones = append(batch.Dones, tr.Done)
		batch.Values = append(batch.Values, value)
	}

	return batch, nil
}

// floatsFromBytes interprets blob as a little-endian float32 array.
func floatsFromBytes(blob []byte, field string) ([]float32, error) {
	if len(blob) == 0 {
		return nil, model.Errorf(model.ErrInvalidBatch, "transition field %q is empty", field)
	}
	if len(blob)%4 != 0 {
		return nil, model.Errorf(model.ErrInvalidBatch,
			"transition field %q has %d bytes, not a multiple of 4", field, len(blob))
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}

func metadataFloat(metadata map[string]string, key string) (float32, error) {
	raw, ok := metadata[key]
	if !ok {
		return 0, model.Errorf(model.ErrMissingMetadata, "transition metadata missing %q", key)
	}
	v, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return 0, model.Errorf(model.ErrInvalidBatch, "transition metadata %q is not a number", key).WithCause(err)
	}
	return float32(v), nil
}
