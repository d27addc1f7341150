package gve

import (
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
)

func testModel(c anyvec.Creator) *Model {
	return NewModel(c, 3, 4, 5, 7, 3, 0.5, nil)
}

func randomFeatures(c anyvec.Creator, batch, inputSize int) *anydiff.Var {
	v := c.MakeVector(batch * inputSize)
	uniformInit(v, 1)
	return anydiff.NewVar(v)
}

func TestForwardOutputCount(t *testing.T) {
	c := anyvec32.CurrentCreator()
	m := testModel(c)

	captions := [][]int{
		{2, 3, 4, 1},
		{5, 1, 0, 0},
		{6, 0, 0, 0},
	}
	lengths := []int{4, 2, 1}
	labels := []int{0, 2, 1}

	out := m.Forward(randomFeatures(c, 3, 3), captions, lengths, labels, nil)
	if out.Output().Len() != 7*m.VocabSize() {
		t.Errorf("expected %d outputs, but got %d", 7*m.VocabSize(),
			out.Output().Len())
	}
}

func TestForwardPadding(t *testing.T) {
	c := anyvec32.CurrentCreator()
	m := testModel(c)
	m.Drop.Enabled = false

	features := randomFeatures(c, 2, 3)
	lengths := []int{3, 2}
	labels := []int{1, 0}

	out1 := m.Forward(features, [][]int{{2, 3, 4}, {5, 6, 0}}, lengths,
		labels, nil)
	out2 := m.Forward(features, [][]int{{2, 3, 4}, {5, 6, 3}}, lengths,
		labels, nil)

	a := vecTo64(out1.Output())
	b := vecTo64(out2.Output())
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("padded word changed output %d: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestForwardProp(t *testing.T) {
	c := anyvec64.CurrentCreator()
	m := testModel(c)
	m.Drop.Enabled = false

	features := randomFeatures(c, 3, 3)
	captions := [][]int{
		{2, 3, 4, 1},
		{5, 1, 0, 0},
		{6, 0, 0, 0},
	}
	lengths := []int{4, 2, 1}
	labels := []int{0, 2, 1}

	checker := &anydifftest.ResChecker{
		F: func() anydiff.Res {
			return m.Forward(features, captions, lengths, labels, nil)
		},
		V: append([]*anydiff.Var{features}, m.Parameters()...),
	}
	checker.FullCheck(t)
}

func TestOneHot(t *testing.T) {
	c := anyvec32.CurrentCreator()
	m := NewModel(c, 3, 4, 5, 7, 5, 0.5, nil)

	oneHot := vecTo64(m.OneHot([]int{2}))
	expected := []float64{0, 0, 1, 0, 0}
	if len(oneHot) != len(expected) {
		t.Fatalf("expected %d entries, but got %d", len(expected), len(oneHot))
	}
	for i, x := range expected {
		if oneHot[i] != x {
			t.Errorf("entry %d: expected %f but got %f", i, x, oneHot[i])
		}
	}
}

func TestForwardBadLengths(t *testing.T) {
	c := anyvec32.CurrentCreator()
	m := testModel(c)

	defer func() {
		if recover() == nil {
			t.Error("expected panic for unsorted lengths")
		}
	}()
	m.Forward(randomFeatures(c, 2, 3), [][]int{{1, 0}, {1, 2}}, []int{1, 2},
		[]int{0, 1}, nil)
}
