// Package model holds the domain records shared across the learner pipeline:
// transition batches, update results, and the structured error type.
package model

// Targets holds the training targets derived from a batch: per-transition
// advantage estimates and discounted returns. Both slices always have the
// same length as the batch they were computed for.
type Targets struct {
	Advantages []float32
	Returns    []float32
}

// TransitionBatch is a fixed-size collection of experience tuples sampled
// from the replay service, stored as parallel same-length sequences.
//
// A batch is created by the replay client, owned exclusively by the
// coordinator once dequeued, and discarded after a single update cycle.
// Targets are computed lazily on first use and cached in place.
type TransitionBatch struct {
	Observations [][]float32
	Actions      [][]float32
	LogProbs     []float32
	Rewards      []float32
	Dones        []bool
	Values       []float32
	Metadata     map[string]string

	targets    Targets
	hasTargets bool
}

// Len returns the batch size.
func (b *TransitionBatch) Len() int {
	return len(b.Rewards)
}

// Validate checks that all required sequences have equal length.
func (b *TransitionBatch) Validate() error {
	n := len(b.Rewards)
	if n == 0 {
		return NewError(ErrInvalidBatch, "batch contains no transitions")
	}
	if len(b.Observations) != n || len(b.Actions) != n ||
		len(b.LogProbs) != n || len(b.Dones) != n || len(b.Values) != n {
		return NewError(ErrInvalidBatch, "batch sequences have mismatched lengths")
	}
	return nil
}

// Targets returns the cached training targets and whether they have been
// computed yet.
func (b *TransitionBatch) Targets() (Targets, bool) {
	return b.targets, b.hasTargets
}

// SetTargets caches advantages and returns on the batch. Both sequences must
// be present and match the batch size; partial targets are rejected so the
// computed-or-not state stays binary.
func (b *TransitionBatch) SetTargets(t Targets) error {
	if len(t.Advantages) != b.Len() || len(t.Returns) != b.Len() {
		return NewError(ErrInvalidBatch, "targets do not match batch size")
	}
	b.targets = t
	b.hasTargets = true
	return nil
}

// UpdateResult is the immutable record of one learning-algorithm step.
// Step increases by exactly one per successful update.
type UpdateResult struct {
	Step       int64
	Loss       float64
	PolicyLoss float64
	ValueLoss  float64
	Entropy    float64
}
