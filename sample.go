package gve

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/unixpickle/anyvec"
)

// sampleWord draws a word index from the categorical
// distribution defined by a row of logits.
// The distribution is normalized with a stabilized
// log-sum-exp so that extreme logits cannot overflow the
// exponentials.
func sampleWord(logits []float64, rng *rand.Rand) int {
	normalizer := logSumExp(logits)
	var p float64
	if rng == nil {
		p = rand.Float64()
	} else {
		p = rng.Float64()
	}

	best := 0
	var cumulative float64
	for i, x := range logits {
		if x > logits[best] {
			best = i
		}
		cumulative += math.Exp(x - normalizer)
		if p < cumulative {
			return i
		}
	}
	// Rounding left a sliver of probability unclaimed.
	return best
}

// logSumExp computes log(sum(exp(xs))) without
// overflowing, as max + log(sum(exp(x - max))).
func logSumExp(xs []float64) float64 {
	max := math.Inf(-1)
	for _, x := range xs {
		if x > max {
			max = x
		}
	}
	if math.IsInf(max, -1) {
		return max
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - max)
	}
	return max + math.Log(sum)
}

// vecTo64 extracts a vector's data as []float64.
func vecTo64(v anyvec.Vector) []float64 {
	switch d := v.Data().(type) {
	case []float64:
		return d
	case []float32:
		s := make([]float64, len(d))
		for i, x := range d {
			s[i] = float64(x)
		}
		return s
	default:
		panic(fmt.Sprintf("unsupported numeric type: %T", d))
	}
}
