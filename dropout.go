package gve

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var d Dropout
	serializer.RegisterTypedDeserializer(d.SerializerType(), DeserializeDropout)
}

// A Dropout layer applies inverted dropout: while
// enabled, kept inputs are scaled up by 1/KeepProb so
// that the expected output matches the input.
// When disabled, the layer is the identity.
type Dropout struct {
	Enabled bool

	// The probability of keeping any given input.
	KeepProb float64
}

// DeserializeDropout deserializes a Dropout.
func DeserializeDropout(d []byte) (*Dropout, error) {
	var enabled serializer.Int
	var keepProb serializer.Float64
	if err := serializer.DeserializeAny(d, &enabled, &keepProb); err != nil {
		return nil, essentials.AddCtx("deserialize Dropout", err)
	}
	return &Dropout{
		Enabled:  enabled == 1,
		KeepProb: float64(keepProb),
	}, nil
}

// Apply applies the layer.
func (d *Dropout) Apply(in anydiff.Res, n int) anydiff.Res {
	if !d.Enabled {
		return in
	}
	c := in.Output().Creator()
	mask := c.MakeVector(in.Output().Len())
	anyvec.Rand(mask, anyvec.Uniform, nil)
	anyvec.LessThan(mask, c.MakeNumeric(d.KeepProb))
	mask.Scale(c.MakeNumeric(1 / d.KeepProb))
	return anydiff.Mul(in, anydiff.NewConst(mask))
}

// SerializerType returns the unique ID used to serialize
// a Dropout with the serializer package.
func (d *Dropout) SerializerType() string {
	return "github.com/visualexp/gve.Dropout"
}

// Serialize serializes the Dropout.
func (d *Dropout) Serialize() ([]byte, error) {
	enabledFlag := serializer.Int(0)
	if d.Enabled {
		enabledFlag = 1
	}
	return serializer.SerializeAny(enabledFlag, serializer.Float64(d.KeepProb))
}
