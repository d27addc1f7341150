package gve

import (
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

func init() {
	var g LSTMGate
	serializer.RegisterTypedDeserializer(g.SerializerType(), DeserializeLSTMGate)
	var l LSTM
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeLSTM)
}

// LSTM is a single-layer long short-term memory block
// which is stepped explicitly, one timestep at a time.
type LSTM struct {
	InCount    int
	StateCount int

	InValue  *LSTMGate
	In       *LSTMGate
	Remember *LSTMGate
	Output   *LSTMGate
}

// DeserializeLSTM deserializes an LSTM.
func DeserializeLSTM(d []byte) (*LSTM, error) {
	var inCount, stateCount serializer.Int
	var inVal, in, rem, out *LSTMGate
	err := serializer.DeserializeAny(d, &inCount, &stateCount, &inVal, &in, &rem, &out)
	if err != nil {
		return nil, err
	}
	return &LSTM{
		InCount:    int(inCount),
		StateCount: int(stateCount),
		InValue:    inVal,
		In:         in,
		Remember:   rem,
		Output:     out,
	}, nil
}

// NewLSTM creates a new, randomized LSTM.
// All gate parameters are drawn uniformly from
// [-1/sqrt(state), 1/sqrt(state)].
func NewLSTM(c anyvec.Creator, in, state int) *LSTM {
	scale := 1 / math.Sqrt(float64(state))
	return &LSTM{
		InCount:    in,
		StateCount: state,
		InValue:    NewLSTMGate(c, in, state, Tanh, scale),
		In:         NewLSTMGate(c, in, state, Sigmoid, scale),
		Remember:   NewLSTMGate(c, in, state, Sigmoid, scale),
		Output:     NewLSTMGate(c, in, state, Sigmoid, scale),
	}
}

// Start produces a zero start state for a batch of n
// sequences.
func (l *LSTM) Start(c anyvec.Creator, n int) *LSTMState {
	return &LSTMState{
		Hidden: c.MakeVector(n * l.StateCount),
		Cell:   c.MakeVector(n * l.StateCount),
	}
}

// Step applies the block for a single timestep.
//
// The input must contain one vector of length InCount per
// sequence in the state batch.
func (l *LSTM) Step(s *LSTMState, in anyvec.Vector) *lstmRes {
	n := s.Hidden.Len() / l.StateCount
	if in.Len() != n*l.InCount {
		panic(fmt.Sprintf("input length should be %d, but got %d",
			n*l.InCount, in.Len()))
	}
	res := &lstmRes{
		InPool:     anydiff.NewVar(in),
		HiddenPool: anydiff.NewVar(s.Hidden),
		CellPool:   anydiff.NewVar(s.Cell),
	}

	gate := func(g *LSTMGate) anydiff.Res {
		weighted := anydiff.Add(
			applyWeights(l.InCount, l.StateCount, g.InputWeights, res.InPool),
			applyWeights(l.StateCount, l.StateCount, g.StateWeights, res.HiddenPool),
		)
		return g.Activation.Apply(anydiff.AddRepeated(weighted, g.Biases), n)
	}

	cell := anydiff.Add(
		anydiff.Mul(gate(l.Remember), res.CellPool),
		anydiff.Mul(gate(l.In), gate(l.InValue)),
	)
	res.CellRes = cell
	res.CellVar = anydiff.NewVar(cell.Output())
	res.HiddenRes = anydiff.Mul(gate(l.Output), anydiff.Tanh(res.CellVar))

	res.OutState = &LSTMState{
		Hidden: res.HiddenRes.Output(),
		Cell:   res.CellRes.Output(),
	}
	res.V = anydiff.MergeVarSets(res.HiddenRes.Vars(), res.CellRes.Vars())
	for _, pool := range []*anydiff.Var{res.InPool, res.HiddenPool, res.CellPool,
		res.CellVar} {
		res.V.Del(pool)
	}
	return res
}

// Parameters returns the parameters of the block.
func (l *LSTM) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, g := range []*LSTMGate{l.InValue, l.In, l.Remember, l.Output} {
		res = append(res, g.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// an LSTM with the serializer package.
func (l *LSTM) SerializerType() string {
	return "github.com/visualexp/gve.LSTM"
}

// Serialize serializes the LSTM.
func (l *LSTM) Serialize() ([]byte, error) {
	return serializer.SerializeAny(serializer.Int(l.InCount),
		serializer.Int(l.StateCount), l.InValue, l.In, l.Remember, l.Output)
}

// An LSTMGate computes a value based on the input and the
// previous hidden state.
type LSTMGate struct {
	InputWeights *anydiff.Var
	StateWeights *anydiff.Var
	Biases       *anydiff.Var
	Activation   Activation
}

// DeserializeLSTMGate deserializes an LSTMGate.
func DeserializeLSTMGate(d []byte) (*LSTMGate, error) {
	var iw, sw, b *anyvecsave.S
	var a Activation
	if err := serializer.DeserializeAny(d, &iw, &sw, &b, &a); err != nil {
		return nil, err
	}
	return &LSTMGate{
		InputWeights: anydiff.NewVar(iw.Vector),
		StateWeights: anydiff.NewVar(sw.Vector),
		Biases:       anydiff.NewVar(b.Vector),
		Activation:   a,
	}, nil
}

// NewLSTMGate creates a randomized LSTM gate.
func NewLSTMGate(c anyvec.Creator, in, state int, activation Activation,
	scale float64) *LSTMGate {
	res := &LSTMGate{
		InputWeights: anydiff.NewVar(c.MakeVector(state * in)),
		StateWeights: anydiff.NewVar(c.MakeVector(state * state)),
		Biases:       anydiff.NewVar(c.MakeVector(state)),
		Activation:   activation,
	}
	uniformInit(res.InputWeights.Vector, scale)
	uniformInit(res.StateWeights.Vector, scale)
	uniformInit(res.Biases.Vector, scale)
	return res
}

// Parameters returns the parameters of the gate.
func (g *LSTMGate) Parameters() []*anydiff.Var {
	return []*anydiff.Var{g.InputWeights, g.StateWeights, g.Biases}
}

// SerializerType returns the unique ID used to serialize
// an LSTMGate with the serializer package.
func (g *LSTMGate) SerializerType() string {
	return "github.com/visualexp/gve.LSTMGate"
}

// Serialize serializes the gate.
func (g *LSTMGate) Serialize() ([]byte, error) {
	iw := &anyvecsave.S{Vector: g.InputWeights.Vector}
	sw := &anyvecsave.S{Vector: g.StateWeights.Vector}
	b := &anyvecsave.S{Vector: g.Biases.Vector}
	return serializer.SerializeAny(iw, sw, b, g.Activation)
}

// An LSTMState holds the hidden and cell vectors for a
// batch of sequences.
// It is owned by the caller driving the block; unrelated
// passes never share a state.
type LSTMState struct {
	Hidden anyvec.Vector
	Cell   anyvec.Vector
}

// reduce keeps the states of the first n sequences.
func (s *LSTMState) reduce(n, stateSize int) *LSTMState {
	if s.Hidden.Len() == n*stateSize {
		return s
	}
	return &LSTMState{
		Hidden: s.Hidden.Slice(0, n*stateSize),
		Cell:   s.Cell.Slice(0, n*stateSize),
	}
}

// lstmStateGrad is the upstream gradient for an
// LSTMState.
type lstmStateGrad struct {
	Hidden anyvec.Vector
	Cell   anyvec.Vector
}

// expand zero-pads the gradient batch to n sequences.
func (s *lstmStateGrad) expand(n, stateSize int) *lstmStateGrad {
	if s == nil || s.Hidden.Len() == n*stateSize {
		return s
	}
	c := s.Hidden.Creator()
	missing := n*stateSize - s.Hidden.Len()
	return &lstmStateGrad{
		Hidden: c.Concat(s.Hidden, c.MakeVector(missing)),
		Cell:   c.Concat(s.Cell, c.MakeVector(missing)),
	}
}

// lstmRes is the output of an LSTM step.
// The decoding controller threads these results forward
// during evaluation and drives Propagate backward through
// them, step by step, during back-propagation.
type lstmRes struct {
	InPool     *anydiff.Var
	HiddenPool *anydiff.Var
	CellPool   *anydiff.Var
	CellVar    *anydiff.Var

	CellRes   anydiff.Res
	HiddenRes anydiff.Res

	OutState *LSTMState
	V        anydiff.VarSet
}

// State returns the output state batch.
func (l *lstmRes) State() *LSTMState {
	return l.OutState
}

// Output returns the hidden vectors for the batch.
func (l *lstmRes) Output() anyvec.Vector {
	return l.HiddenRes.Output()
}

// Vars returns the parameters the output depends on,
// excluding the pooled step inputs.
func (l *lstmRes) Vars() anydiff.VarSet {
	return l.V
}

// Propagate back-propagates through the step.
// It takes an upstream vector for the hidden output and
// an optional upstream state gradient, and returns the
// downstream input vector along with the state gradient
// for the previous timestep.
//
// The upstream objects may be modified.
func (l *lstmRes) Propagate(u anyvec.Vector, s *lstmStateGrad,
	g anydiff.Grad) (anyvec.Vector, *lstmStateGrad) {
	c := u.Creator()
	if s != nil {
		u.Add(s.Hidden)
	}
	for _, pool := range []*anydiff.Var{l.InPool, l.HiddenPool, l.CellPool,
		l.CellVar} {
		g[pool] = c.MakeVector(pool.Vector.Len())
	}
	l.HiddenRes.Propagate(u, g)

	cellU := g[l.CellVar]
	delete(g, l.CellVar)
	if s != nil {
		cellU.Add(s.Cell)
	}
	l.CellRes.Propagate(cellU, g)

	inDown := g[l.InPool]
	down := &lstmStateGrad{Hidden: g[l.HiddenPool], Cell: g[l.CellPool]}
	for _, pool := range []*anydiff.Var{l.InPool, l.HiddenPool, l.CellPool} {
		delete(g, pool)
	}
	return inDown, down
}

func applyWeights(in, out int, weights anydiff.Res, batch anydiff.Res) anydiff.Res {
	weightMat := &anydiff.Matrix{Data: weights, Rows: out, Cols: in}
	inMat := &anydiff.Matrix{Data: batch, Rows: batch.Output().Len() / in, Cols: in}
	return anydiff.MatMul(false, true, inMat, weightMat).Data
}
