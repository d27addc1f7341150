package gve

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// Forward runs the teacher-forced training pass.
//
// The captions hold ground-truth word indices and
// lengths gives each caption's true length.
// Lengths must be sorted in non-increasing order; only
// the first lengths[i] words of captions[i] are read.
// A nil labelsOneHot is derived from labels.
//
// The result is the packed logits batch: timestep-major,
// one row of VocabSize values per valid (sequence,
// timestep) pair, sum(lengths) rows in total.
// Positions past a caption's length never influence the
// result or the gradients.
func (m *Model) Forward(features anydiff.Res, captions [][]int, lengths []int,
	labels []int, labelsOneHot anyvec.Vector) anydiff.Res {
	batch := len(captions)
	if batch == 0 || len(lengths) != batch {
		panic(fmt.Sprintf("caption batch size %d does not match %d lengths",
			batch, len(lengths)))
	}
	for i, l := range lengths {
		if l < 1 || l > len(captions[i]) {
			panic(fmt.Sprintf("invalid length %d for caption %d", l, i))
		}
		if i > 0 && l > lengths[i-1] {
			panic("lengths must be sorted in non-increasing order")
		}
	}

	c := features.Output().Creator()
	oneHot := m.oneHotArg(labels, labelsOneHot, batch)

	res := &decodeRes{Creator: c}
	res.Fusion = m.fusion(features, oneHot, batch, true)
	res.FusionPool = anydiff.NewVar(res.Fusion.Output())

	s1 := m.LSTM1.Start(c, batch)
	s2 := m.LSTM2.Start(c, batch)

	vs := anydiff.MergeVarSets(res.Fusion.Vars())
	var outs []anyvec.Vector
	for t := 0; t < lengths[0]; t++ {
		n := numActive(lengths, t)
		s1 = s1.reduce(n, m.LSTM1.StateCount)
		s2 = s2.reduce(n, m.LSTM2.StateCount)

		words := make([]int, n)
		for i := range words {
			words[i] = captions[i][t]
		}
		step := &decodeStep{N: n}
		step.Emb = m.Drop.Apply(m.Embed.Lookup(words), n)
		step.L1 = m.LSTM1.Step(s1, step.Emb.Output())
		step.MidPool = anydiff.NewVar(step.L1.Output())
		fused := anydiff.Slice(res.FusionPool, 0, n*m.fusionCols())
		step.Mid = m.Drop.Apply(concatRows(fused, step.MidPool, n), n)
		step.L2 = m.LSTM2.Step(s2, step.Mid.Output())
		step.OutPool = anydiff.NewVar(step.L2.Output())
		step.Head = m.Out.Apply(m.Drop.Apply(step.OutPool, n), n)

		vs = anydiff.MergeVarSets(vs, step.Emb.Vars(), step.L1.Vars(),
			step.L2.Vars(), step.Head.Vars())
		outs = append(outs, step.Head.Output())
		res.Steps = append(res.Steps, step)
		s1 = step.L1.State()
		s2 = step.L2.State()
	}
	vs.Del(res.FusionPool)
	for _, step := range res.Steps {
		vs.Del(step.MidPool)
		vs.Del(step.OutPool)
	}
	res.OutVec = c.Concat(outs...)
	res.V = vs
	return res
}

// numActive counts the sequences still running at
// timestep t, given non-increasing lengths.
func numActive(lengths []int, t int) int {
	n := 0
	for _, l := range lengths {
		if l > t {
			n++
		}
	}
	return n
}

// decodeStep records one timestep of the two-stage
// decoder so that gradients can be driven back through
// it.
//
// Emb is the (dropped-out) word embedding batch feeding
// stage one, Mid the fused conditioning+stage-one batch
// feeding stage two, and Head the vocabulary projection
// graph rooted at OutPool.
type decodeStep struct {
	N int

	Emb     anydiff.Res
	L1      *lstmRes
	MidPool *anydiff.Var
	Mid     anydiff.Res
	L2      *lstmRes
	OutPool *anydiff.Var
	Head    anydiff.Res
}

// propagate runs one backward timestep, pushing the
// upstream logit gradient u through the output head, both
// LSTM stages and the embedding lookup.
// The fusion contribution accumulates into g[fusionPool].
// The state gradients s1 and s2 come from the following
// timestep and may be nil.
func (d *decodeStep) propagate(u anyvec.Vector, s1, s2 *lstmStateGrad,
	g anydiff.Grad) (down1, down2 *lstmStateGrad) {
	c := u.Creator()

	g[d.OutPool] = c.MakeVector(d.OutPool.Vector.Len())
	d.Head.Propagate(u, g)
	uh2 := g[d.OutPool]
	delete(g, d.OutPool)

	mid, down2 := d.L2.Propagate(uh2, s2, g)
	g[d.MidPool] = c.MakeVector(d.MidPool.Vector.Len())
	d.Mid.Propagate(mid, g)
	uh1 := g[d.MidPool]
	delete(g, d.MidPool)

	embDown, down1 := d.L1.Propagate(uh1, s1, g)
	d.Emb.Propagate(embDown, g)
	return down1, down2
}

// decodeRes is the packed output batch of a decoding
// pass: per-timestep logits for the teacher-forced
// forward pass, per-timestep masked log-probabilities for
// sampled generation.
// Back-propagation walks the recorded steps in reverse,
// threading LSTM state gradients between them.
type decodeRes struct {
	Creator anyvec.Creator

	Fusion     anydiff.Res
	FusionPool *anydiff.Var
	Steps      []*decodeStep

	OutVec anyvec.Vector
	V      anydiff.VarSet
}

func (f *decodeRes) Output() anyvec.Vector {
	return f.OutVec
}

func (f *decodeRes) Vars() anydiff.VarSet {
	return f.V
}

func (f *decodeRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	c := f.Creator
	g[f.FusionPool] = c.MakeVector(f.FusionPool.Vector.Len())

	var s1, s2 *lstmStateGrad
	offset := u.Len()
	for t := len(f.Steps) - 1; t >= 0; t-- {
		step := f.Steps[t]
		stepLen := step.Head.Output().Len()
		stepU := u.Slice(offset-stepLen, offset)
		offset -= stepLen

		stateSize1 := step.L1.OutState.Hidden.Len() / step.N
		stateSize2 := step.L2.OutState.Hidden.Len() / step.N
		s1 = s1.expand(step.N, stateSize1)
		s2 = s2.expand(step.N, stateSize2)
		s1, s2 = step.propagate(stepU, s1, s2, g)
	}

	fusionU := g[f.FusionPool]
	delete(g, f.FusionPool)
	f.Fusion.Propagate(fusionU, g)
}
