package gve

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var m Model
	serializer.RegisterTypedDeserializer(m.SerializerType(), DeserializeModel)
}

// DefaultMaxLength is the generation step bound used when
// no explicit maximum is given.
const DefaultMaxLength = 50

// A Model generates explanation sentences from image
// features and a class label.
//
// Word embeddings are fed through a first LSTM stage; its
// hidden output is concatenated with the projected image
// features and the one-hot class label, and refined by a
// second LSTM stage before projection onto the
// vocabulary.
type Model struct {
	Embed   *Embedding
	Project *FC
	LSTM1   *LSTM
	LSTM2   *LSTM
	Out     *FC
	Drop    *Dropout

	NumClasses int

	// Classifier is the sentence classifier used by
	// surrounding training code.
	// The model holds it by reference and never invokes it;
	// it is excluded from Parameters and from
	// serialization.
	Classifier Layer
}

// NewModel creates a randomized Model.
//
// The feature projection maps inputSize values to
// hiddenSize, the first stage consumes embedSize-wide
// word vectors, and the second stage consumes the fused
// 2*hiddenSize+numClasses representation.
// The dropout argument is the probability of dropping a
// value during training.
func NewModel(c anyvec.Creator, inputSize, embedSize, hiddenSize, vocabSize,
	numClasses int, dropout float64, classifier Layer) *Model {
	return &Model{
		Embed:      NewEmbedding(c, vocabSize, embedSize),
		Project:    NewFC(c, inputSize, hiddenSize),
		LSTM1:      NewLSTM(c, embedSize, hiddenSize),
		LSTM2:      NewLSTM(c, 2*hiddenSize+numClasses, hiddenSize),
		Out:        NewFC(c, hiddenSize, vocabSize),
		Drop:       &Dropout{Enabled: true, KeepProb: 1 - dropout},
		NumClasses: numClasses,
		Classifier: classifier,
	}
}

// DeserializeModel deserializes a Model.
// The Classifier field of the result is nil.
func DeserializeModel(d []byte) (*Model, error) {
	var m Model
	var numClasses serializer.Int
	err := serializer.DeserializeAny(d, &numClasses, &m.Embed, &m.Project,
		&m.LSTM1, &m.LSTM2, &m.Out, &m.Drop)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Model", err)
	}
	m.NumClasses = int(numClasses)
	return &m, nil
}

// InputSize returns the image feature dimensionality.
func (m *Model) InputSize() int {
	return m.Project.InCount
}

// VocabSize returns the vocabulary size.
func (m *Model) VocabSize() int {
	return m.Embed.VocabSize
}

// OneHot expands class labels into a packed batch of
// one-hot rows of width NumClasses.
// It panics if a label is out of range.
func (m *Model) OneHot(labels []int) anyvec.Vector {
	c := m.creator()
	data := make([]float64, len(labels)*m.NumClasses)
	for i, label := range labels {
		if label < 0 || label >= m.NumClasses {
			panic(fmt.Sprintf("class label out of range: %d", label))
		}
		data[i*m.NumClasses+label] = 1
	}
	return c.MakeVectorData(c.MakeNumericList(data))
}

// Parameters returns the parameters of every trainable
// component: the embedding table, the feature projection,
// both LSTM stages, and the output projection.
// The sentence classifier is not included.
func (m *Model) Parameters() []*anydiff.Var {
	return AllParameters(m.Embed, m.Project, m.LSTM1, m.LSTM2, m.Out)
}

// SerializerType returns the unique ID used to serialize
// a Model with the serializer package.
func (m *Model) SerializerType() string {
	return "github.com/visualexp/gve.Model"
}

// Serialize serializes the Model, excluding the sentence
// classifier.
func (m *Model) Serialize() ([]byte, error) {
	return serializer.SerializeAny(serializer.Int(m.NumClasses), m.Embed,
		m.Project, m.LSTM1, m.LSTM2, m.Out, m.Drop)
}

func (m *Model) creator() anyvec.Creator {
	return m.Embed.Weights.Vector.Creator()
}

// fusionCols is the width of one fused conditioning row.
func (m *Model) fusionCols() int {
	return m.Project.OutCount + m.NumClasses
}

// fusion projects the image features, applies the
// rectifier (plus dropout when train is set), and tacks
// the one-hot label onto every row.
// The result is constant across the timesteps of one
// pass.
func (m *Model) fusion(features anydiff.Res, oneHot anyvec.Vector, n int,
	train bool) anydiff.Res {
	if features.Output().Len() != n*m.Project.InCount {
		panic(fmt.Sprintf("feature batch length should be %d, but got %d",
			n*m.Project.InCount, features.Output().Len()))
	}
	if oneHot.Len() != n*m.NumClasses {
		panic(fmt.Sprintf("one-hot batch length should be %d, but got %d",
			n*m.NumClasses, oneHot.Len()))
	}
	proj := ReLU.Apply(m.Project.Apply(features, n), n)
	if train {
		proj = m.Drop.Apply(proj, n)
	}
	return concatRows(proj, anydiff.NewConst(oneHot), n)
}

// oneHotArg resolves the label arguments shared by the
// forward and generation entry points: an explicit
// one-hot batch wins, otherwise the labels are expanded.
func (m *Model) oneHotArg(labels []int, labelsOneHot anyvec.Vector,
	n int) anyvec.Vector {
	if labelsOneHot != nil {
		if labelsOneHot.Len() != n*m.NumClasses {
			panic(fmt.Sprintf("one-hot batch length should be %d, but got %d",
				n*m.NumClasses, labelsOneHot.Len()))
		}
		return labelsOneHot
	}
	if len(labels) != n {
		panic(fmt.Sprintf("label batch size should be %d, but got %d",
			n, len(labels)))
	}
	return m.OneHot(labels)
}

// concatRows concatenates two batches row by row, like
// [a[0], b[0], a[1], b[1], ...], where a[i] is the i-th
// row of the batch represented by a.
func concatRows(a, b anydiff.Res, n int) anydiff.Res {
	return anydiff.Pool(a, func(a anydiff.Res) anydiff.Res {
		return anydiff.Pool(b, func(b anydiff.Res) anydiff.Res {
			aLen := a.Output().Len() / n
			bLen := b.Output().Len() / n
			var res []anydiff.Res
			for i := 0; i < n; i++ {
				res = append(res, anydiff.Slice(a, i*aLen, (i+1)*aLen),
					anydiff.Slice(b, i*bLen, (i+1)*bLen))
			}
			return anydiff.Concat(res...)
		})
	})
}
