// Command generate runs a randomly initialized explanation
// model on random image features and prints the greedy and
// sampled sentences.
//
// With a trained model file the same pipeline would decode
// real explanations; run with -model to load one.
package main

import (
	"flag"
	"log"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/serializer"
	"github.com/visualexp/gve"
)

const (
	StartWord = 1
	EndWord   = 2
)

func main() {
	var modelPath string
	var inputSize, embedSize, hiddenSize, vocabSize, numClasses int
	var maxLen int
	var seed int64
	flag.StringVar(&modelPath, "model", "", "saved model file")
	flag.IntVar(&inputSize, "input", 64, "image feature size")
	flag.IntVar(&embedSize, "embed", 16, "word embedding size")
	flag.IntVar(&hiddenSize, "hidden", 32, "recurrent state size")
	flag.IntVar(&vocabSize, "vocab", 30, "vocabulary size")
	flag.IntVar(&numClasses, "classes", 5, "number of classes")
	flag.IntVar(&maxLen, "maxlen", 12, "maximum sentence length")
	flag.Int64Var(&seed, "seed", 1, "sampling seed")
	flag.Parse()

	c := anyvec32.CurrentCreator()

	var model *gve.Model
	if modelPath != "" {
		log.Println("Loading model...")
		if err := serializer.LoadAny(modelPath, &model); err != nil {
			log.Fatalln("load model:", err)
		}
	} else {
		log.Println("Creating random model...")
		model = gve.NewModel(c, inputSize, embedSize, hiddenSize, vocabSize,
			numClasses, 0.5, nil)
	}
	model.Drop.Enabled = false

	batch := 3
	features := randomFeatures(c, batch*model.InputSize())
	labels := make([]int, batch)
	for i := range labels {
		labels[i] = i % numClasses
	}

	log.Println("Greedy sentences:")
	for i, row := range model.Generate(features, labels, nil, StartWord,
		EndWord, nil, maxLen) {
		log.Printf("  class %d: %v", labels[i], trim(row))
	}

	rng := rand.New(rand.NewSource(seed))
	tokens, logProbs, lengths := model.Sample(features, labels, nil, StartWord,
		EndWord, nil, maxLen, rng)
	log.Println("Sampled sentences:")
	for i, row := range tokens {
		log.Printf("  class %d (%d words): %v", labels[i], lengths[i], trim(row))
	}
	log.Printf("Trace length: %d", logProbs.Output().Len())
}

func randomFeatures(c anyvec.Creator, n int) *anydiff.Var {
	v := c.MakeVector(n)
	anyvec.Rand(v, anyvec.Normal, nil)
	return anydiff.NewVar(v)
}

// trim cuts a sentence at its first end word.
func trim(row []int) []int {
	for i, w := range row {
		if w == EndWord {
			return row[:i+1]
		}
	}
	return row
}
