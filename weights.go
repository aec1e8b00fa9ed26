package cellbalance

import (
	"fmt"
	"math"
)

// Weights holds the target fraction of the total work for each
// rank of a group. Until set, every rank has weight 1/P.
type Weights struct {
	w          []float64
	normalized bool
}

// NewWeights for a group of size n, initialized uniform.
func NewWeights(n int) (*Weights, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: size=%d", ErrInvalidGroupSize, n)
	}
	w := &Weights{w: make([]float64, n)}
	w.uniform()
	return w, nil
}

// Len is the number of ranks.
func (w *Weights) Len() int {
	return len(w.w)
}

// Set weight on every rank in [start, stop], inclusive.
func (w *Weights) Set(start, stop int, weight float64) error {
	if start < 0 || stop < start || stop >= len(w.w) {
		return fmt.Errorf("%w: [%d, %d] with size %d", ErrInvalidRankRange, start, stop, len(w.w))
	}
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidWeight, weight)
	}
	for i := start; i <= stop; i++ {
		w.w[i] = weight
	}
	w.normalized = false
	return nil
}

// Normalize the weights in place so they sum to one. Calling it
// again without an intervening Set leaves the weights unchanged.
// When every weight is zero the policy decides: ZeroSumReject
// returns ErrZeroWeightSum, ZeroSumUniform resets to 1/P.
func (w *Weights) Normalize(policy ZeroSumPolicy) error {
	if w.normalized {
		return nil
	}
	if w.zeroSum() {
		switch policy {
		case ZeroSumUniform:
			w.uniform()
			w.normalized = true
			return nil
		default:
			return ErrZeroWeightSum
		}
	}
	var sum float64
	for _, v := range w.w {
		sum += v
	}
	for i := range w.w {
		w.w[i] /= sum
	}
	w.normalized = true
	return nil
}

// Values returns a copy of the current weights.
func (w *Weights) Values() []float64 {
	out := make([]float64, len(w.w))
	copy(out, w.w)
	return out
}

func (w *Weights) zeroSum() bool {
	for _, v := range w.w {
		if v != 0 {
			return false
		}
	}
	return true
}

func (w *Weights) uniform() {
	for i := range w.w {
		w.w[i] = 1 / float64(len(w.w))
	}
}
