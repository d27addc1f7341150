package gve

import (
	"errors"
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var e Embedding
	serializer.RegisterTypedDeserializer(e.SerializerType(), DeserializeEmbedding)
}

// An Embedding maps word indices to dense vectors.
//
// Index 0 is the padding word: its row is the zero vector
// and it never receives gradient, so it stays zero across
// training updates.
type Embedding struct {
	VocabSize int
	EmbedSize int

	// Weights holds the table, one row per word.
	Weights *anydiff.Var
}

// DeserializeEmbedding deserializes an Embedding.
func DeserializeEmbedding(d []byte) (*Embedding, error) {
	var embedSize serializer.Int
	var weights *anyvecsave.S
	if err := serializer.DeserializeAny(d, &embedSize, &weights); err != nil {
		return nil, essentials.AddCtx("deserialize Embedding", err)
	}
	if embedSize <= 0 || weights.Vector.Len()%int(embedSize) != 0 {
		return nil, errors.New("deserialize Embedding: invalid table dimensions")
	}
	return &Embedding{
		VocabSize: weights.Vector.Len() / int(embedSize),
		EmbedSize: int(embedSize),
		Weights:   anydiff.NewVar(weights.Vector),
	}, nil
}

// NewEmbedding creates an Embedding with rows drawn
// uniformly from [-0.1, 0.1], except for the padding row,
// which is zero.
func NewEmbedding(c anyvec.Creator, vocab, embed int) *Embedding {
	table := c.MakeVector(vocab * embed)
	uniformInit(table, 0.1)
	table = c.Concat(c.MakeVector(embed), table.Slice(embed, vocab*embed))
	return &Embedding{
		VocabSize: vocab,
		EmbedSize: embed,
		Weights:   anydiff.NewVar(table),
	}
}

// Lookup fetches the rows for the given words.
// The result contains one row per word, in order.
//
// Lookup panics if any word is out of range.
func (e *Embedding) Lookup(words []int) anydiff.Res {
	table := make([]int, 0, len(words)*e.EmbedSize)
	for _, w := range words {
		if w < 0 || w >= e.VocabSize {
			panic(fmt.Sprintf("word index out of range: %d", w))
		}
		for j := 0; j < e.EmbedSize; j++ {
			table = append(table, w*e.EmbedSize+j)
		}
	}
	c := e.Weights.Vector.Creator()
	mapper := c.MakeMapper(e.VocabSize*e.EmbedSize, table)
	out := c.MakeVector(len(table))
	mapper.Map(e.Weights.Vector, out)
	return &embedRes{
		Embed:  e,
		Mapper: mapper,
		OutVec: out,
		V:      anydiff.NewVarSet(e.Weights),
	}
}

// Parameters returns the embedding table.
func (e *Embedding) Parameters() []*anydiff.Var {
	return []*anydiff.Var{e.Weights}
}

// SerializerType returns the unique ID used to serialize
// an Embedding with the serializer package.
func (e *Embedding) SerializerType() string {
	return "github.com/visualexp/gve.Embedding"
}

// Serialize serializes the Embedding.
func (e *Embedding) Serialize() ([]byte, error) {
	return serializer.SerializeAny(serializer.Int(e.EmbedSize),
		&anyvecsave.S{Vector: e.Weights.Vector})
}

type embedRes struct {
	Embed  *Embedding
	Mapper anyvec.Mapper
	OutVec anyvec.Vector
	V      anydiff.VarSet
}

func (e *embedRes) Output() anyvec.Vector {
	return e.OutVec
}

func (e *embedRes) Vars() anydiff.VarSet {
	return e.V
}

func (e *embedRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	dest, ok := g[e.Embed.Weights]
	if !ok {
		return
	}
	c := u.Creator()
	down := c.MakeVector(e.Mapper.InSize())
	e.Mapper.MapTranspose(u, down)

	// The padding row stays frozen.
	es := e.Embed.EmbedSize
	dest.Add(c.Concat(c.MakeVector(es), down.Slice(es, down.Len())))
}
