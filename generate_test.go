package gve

import (
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec/anyvec32"
)

const (
	testStartWord = 2
	testEndWord   = 1
)

// biasOutput replaces the output projection bias so that
// one word's logit dominates every step.
func biasOutput(m *Model, word int, bias float64) {
	c := m.creator()
	data := make([]float64, m.VocabSize())
	data[word] = bias
	m.Out.Biases = anydiff.NewVar(c.MakeVectorData(c.MakeNumericList(data)))
}

func TestGenerateDeterministic(t *testing.T) {
	c := anyvec32.CurrentCreator()
	m := testModel(c)
	features := randomFeatures(c, 3, 3)
	labels := []int{0, 1, 2}

	out1 := m.Generate(features, labels, nil, testStartWord, testEndWord, nil, 10)
	out2 := m.Generate(features, labels, nil, testStartWord, testEndWord, nil, 10)
	for i, row := range out1 {
		for j, x := range row {
			if out2[i][j] != x {
				t.Fatalf("row %d word %d: %d vs %d", i, j, x, out2[i][j])
			}
		}
	}
}

func TestGenerateBounded(t *testing.T) {
	c := anyvec32.CurrentCreator()
	m := testModel(c)
	biasOutput(m, 3, 1e6)

	out := m.Generate(randomFeatures(c, 2, 3), []int{0, 1}, nil, testStartWord,
		testEndWord, nil, 6)
	for i, row := range out {
		if len(row) != 6 {
			t.Errorf("row %d: expected 6 words, but got %d", i, len(row))
		}
		for _, w := range row {
			if w != 3 {
				t.Errorf("row %d: expected word 3, but got %d", i, w)
			}
		}
	}
}

func TestGenerateEarlyStop(t *testing.T) {
	c := anyvec32.CurrentCreator()
	m := testModel(c)
	biasOutput(m, testEndWord, 1e6)

	out := m.Generate(randomFeatures(c, 2, 3), []int{0, 1}, nil, testStartWord,
		testEndWord, nil, 6)
	for i, row := range out {
		if len(row) != 1 || row[0] != testEndWord {
			t.Errorf("row %d: expected [%d], but got %v", i, testEndWord, row)
		}
	}
}

func TestSampleBookkeeping(t *testing.T) {
	c := anyvec32.CurrentCreator()
	m := NewModel(c, 3, 4, 5, 5, 3, 0.5, nil)
	features := randomFeatures(c, 4, 3)
	labels := []int{0, 1, 2, 0}
	rng := rand.New(rand.NewSource(7))

	const steps = 8
	tokens, logProbs, lengths := m.Sample(features, labels, nil, testStartWord,
		testEndWord, nil, steps, rng)

	ran := len(tokens[0])
	if ran > steps {
		t.Fatalf("ran %d steps with a bound of %d", ran, steps)
	}
	lp := vecTo64(logProbs.Output())
	if len(lp) != ran*len(tokens) {
		t.Fatalf("expected %d log-probs, but got %d", ran*len(tokens), len(lp))
	}

	for b, row := range tokens {
		end := ran
		for t, w := range row {
			if w == testEndWord {
				end = t
				break
			}
		}
		expectedLen := end + 1
		if end == ran {
			expectedLen = ran
		}
		if lengths[b] != expectedLen {
			t.Errorf("row %d: expected length %d, but got %d", b, expectedLen,
				lengths[b])
		}
		// The trace is packed timestep-major.
		for step := 0; step < ran; step++ {
			x := lp[step*len(tokens)+b]
			if step <= end {
				if x >= 0 || math.IsInf(x, 0) || math.IsNaN(x) {
					t.Errorf("row %d step %d: bad log-prob %f", b, step, x)
				}
			} else if x != 0 {
				t.Errorf("row %d step %d: expected frozen log-prob, got %f",
					b, step, x)
			}
		}
	}
}

func TestSampleGradients(t *testing.T) {
	c := anyvec32.CurrentCreator()
	m := testModel(c)
	features := randomFeatures(c, 2, 3)
	rng := rand.New(rand.NewSource(3))

	_, logProbs, _ := m.Sample(features, []int{0, 2}, nil, testStartWord,
		testEndWord, nil, 5, rng)

	g := anydiff.NewGrad(append([]*anydiff.Var{features}, m.Parameters()...)...)
	upstream := c.MakeVector(logProbs.Output().Len())
	upstream.AddScalar(c.MakeNumeric(1))
	logProbs.Propagate(upstream, g)

	pad := vecTo64(g[m.Embed.Weights])[:m.Embed.EmbedSize]
	for i, x := range pad {
		if x != 0 {
			t.Errorf("padding gradient %d should be 0, but got %f", i, x)
		}
	}
	var nonZero bool
	for v, vec := range g {
		for _, x := range vecTo64(vec) {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				t.Fatalf("bad gradient entry for %v", v)
			}
			if x != 0 {
				nonZero = true
			}
		}
	}
	if !nonZero {
		t.Error("all gradients are zero")
	}
}

func TestSampleSeeded(t *testing.T) {
	c := anyvec32.CurrentCreator()
	m := testModel(c)
	features := randomFeatures(c, 3, 3)
	labels := []int{0, 1, 2}

	out1, _, _ := m.Sample(features, labels, nil, testStartWord, testEndWord,
		nil, 10, rand.New(rand.NewSource(5)))
	out2, _, _ := m.Sample(features, labels, nil, testStartWord, testEndWord,
		nil, 10, rand.New(rand.NewSource(5)))
	for i, row := range out1 {
		for j, x := range row {
			if out2[i][j] != x {
				t.Fatalf("row %d word %d: %d vs %d", i, j, x, out2[i][j])
			}
		}
	}
}

func TestGenerateWithState(t *testing.T) {
	c := anyvec32.CurrentCreator()
	m := testModel(c)
	features := randomFeatures(c, 2, 3)
	labels := []int{0, 1}

	h1 := c.MakeVector(2 * 5)
	uniformInit(h1, 1)
	states := &GenState{
		LSTM1: &LSTMState{Hidden: h1, Cell: c.MakeVector(2 * 5)},
	}
	out := m.Generate(features, labels, nil, testStartWord, testEndWord,
		states, 4)
	base := m.Generate(features, labels, nil, testStartWord, testEndWord,
		nil, 4)
	if len(out) != len(base) {
		t.Fatalf("expected %d rows, but got %d", len(base), len(out))
	}
	var differs bool
	for i := range out {
		for j := range out[i] {
			if j < len(base[i]) && out[i][j] != base[i][j] {
				differs = true
			}
		}
	}
	if !differs {
		t.Error("seeded state did not influence the output")
	}
}
