package gve

import (
	"fmt"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A GenState optionally seeds the recurrent state of both
// decoder stages at the start of a generation pass.
// Nil states (or a nil GenState) mean the zero state.
type GenState struct {
	LSTM1 *LSTMState
	LSTM2 *LSTMState
}

// Generate produces one sentence per batch element by
// greedy decoding: at every step the arg-max word is fed
// back in as the next input.
//
// Decoding starts from startWord and runs until every
// element has produced endWord or maxLen steps have run
// (DefaultMaxLength if maxLen is 0 or less).
// Each result row has one word per executed step; words
// predicted after a row's first endWord are padding.
//
// Generation is deterministic and applies no dropout.
func (m *Model) Generate(features anydiff.Res, labels []int,
	labelsOneHot anyvec.Vector, startWord, endWord int, states *GenState,
	maxLen int) [][]int {
	tokens, _, _ := m.decode(features, labels, labelsOneHot, startWord, endWord,
		states, maxLen, false, nil)
	return tokens
}

// Sample produces one sentence per batch element by
// drawing each word from the categorical distribution
// over the softmax of the logits.
//
// Along with the words it returns the log-probabilities
// of the drawn words as a differentiable result, packed
// timestep-major with one value per (timestep, batch
// element) pair, and the number of words each element
// produced before reaching endWord.
// Log-probabilities of steps after an element's first
// endWord are exactly zero and its length stops growing,
// so the trace can be used directly for policy-gradient
// training.
//
// A nil rng uses the shared global source.
func (m *Model) Sample(features anydiff.Res, labels []int,
	labelsOneHot anyvec.Vector, startWord, endWord int, states *GenState,
	maxLen int, rng *rand.Rand) ([][]int, anydiff.Res, []int) {
	return m.decode(features, labels, labelsOneHot, startWord, endWord, states,
		maxLen, true, rng)
}

func (m *Model) decode(features anydiff.Res, labels []int,
	labelsOneHot anyvec.Vector, startWord, endWord int, states *GenState,
	maxLen int, sample bool, rng *rand.Rand) ([][]int, anydiff.Res, []int) {
	if features.Output().Len()%m.Project.InCount != 0 {
		panic(fmt.Sprintf("feature batch length %d not divisible by %d",
			features.Output().Len(), m.Project.InCount))
	}
	batch := features.Output().Len() / m.Project.InCount
	vocab := m.Out.OutCount
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}

	c := features.Output().Creator()
	oneHot := m.oneHotArg(labels, labelsOneHot, batch)

	res := &decodeRes{Creator: c}
	res.Fusion = m.fusion(features, oneHot, batch, false)
	res.FusionPool = anydiff.NewVar(res.Fusion.Output())

	s1 := m.startState(m.LSTM1, stateArg(states).LSTM1, batch)
	s2 := m.startState(m.LSTM2, stateArg(states).LSTM2, batch)

	emb := m.Embed.Lookup(repeatWord(startWord, batch))
	reached := make([]bool, batch)
	lengths := make([]int, batch)
	vs := anydiff.MergeVarSets(res.Fusion.Vars())

	var stepToks [][]int
	for i := 0; i < maxLen && !allTrue(reached); i++ {
		step := &decodeStep{N: batch, Emb: emb}
		step.L1 = m.LSTM1.Step(s1, emb.Output())
		step.MidPool = anydiff.NewVar(step.L1.Output())
		step.Mid = concatRows(res.FusionPool, step.MidPool, batch)
		step.L2 = m.LSTM2.Step(s2, step.Mid.Output())
		step.OutPool = anydiff.NewVar(step.L2.Output())
		logits := m.Out.Apply(step.OutPool, batch)

		predicted := make([]int, batch)
		if sample {
			rows := vecTo64(logits.Output())
			mask := make([]float64, batch)
			for b := 0; b < batch; b++ {
				predicted[b] = sampleWord(rows[b*vocab:(b+1)*vocab], rng)
				if !reached[b] {
					mask[b] = 1
					lengths[b]++
				}
			}
			logProbs := pickRows(anydiff.LogSoftmax(logits, vocab), batch, vocab,
				predicted)
			maskVec := c.MakeVectorData(c.MakeNumericList(mask))
			step.Head = anydiff.Mul(logProbs, anydiff.NewConst(maskVec))
		} else {
			out := logits.Output()
			for b := range predicted {
				predicted[b] = anyvec.MaxIndex(out.Slice(b*vocab, (b+1)*vocab))
			}
			step.Head = logits
		}
		for b, p := range predicted {
			if p == endWord {
				reached[b] = true
			}
		}

		vs = anydiff.MergeVarSets(vs, step.Emb.Vars(), step.L1.Vars(),
			step.L2.Vars(), step.Head.Vars())
		stepToks = append(stepToks, predicted)
		res.Steps = append(res.Steps, step)

		emb = m.Embed.Lookup(predicted)
		s1 = step.L1.State()
		s2 = step.L2.State()
	}

	tokens := make([][]int, batch)
	for b := range tokens {
		tokens[b] = make([]int, len(stepToks))
		for t, toks := range stepToks {
			tokens[b][t] = toks[b]
		}
	}
	if !sample {
		return tokens, nil, nil
	}

	outs := make([]anyvec.Vector, len(res.Steps))
	for i, step := range res.Steps {
		outs[i] = step.Head.Output()
	}
	vs.Del(res.FusionPool)
	for _, step := range res.Steps {
		vs.Del(step.MidPool)
		vs.Del(step.OutPool)
	}
	res.OutVec = c.Concat(outs...)
	res.V = vs
	return tokens, res, lengths
}

// startState validates a caller-supplied state or falls
// back to the zero state.
func (m *Model) startState(l *LSTM, s *LSTMState, batch int) *LSTMState {
	if s == nil {
		return l.Start(m.creator(), batch)
	}
	if s.Hidden.Len() != batch*l.StateCount {
		panic(fmt.Sprintf("state batch length should be %d, but got %d",
			batch*l.StateCount, s.Hidden.Len()))
	}
	return s
}

func stateArg(s *GenState) GenState {
	if s == nil {
		return GenState{}
	}
	return *s
}

// pickRows selects one entry per row of a packed batch,
// producing a vector with one value per row.
func pickRows(rows anydiff.Res, n, cols int, idxs []int) anydiff.Res {
	return anydiff.Pool(rows, func(rows anydiff.Res) anydiff.Res {
		var res []anydiff.Res
		for i, idx := range idxs {
			res = append(res, anydiff.Slice(rows, i*cols+idx, i*cols+idx+1))
		}
		return anydiff.Concat(res...)
	})
}

func repeatWord(w, n int) []int {
	res := make([]int, n)
	for i := range res {
		res[i] = w
	}
	return res
}

func allTrue(flags []bool) bool {
	for _, f := range flags {
		if !f {
			return false
		}
	}
	return true
}
