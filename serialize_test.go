package gve

import (
	"math"
	"testing"

	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/serializer"
)

func TestModelSerialize(t *testing.T) {
	c := anyvec32.CurrentCreator()
	m := testModel(c)
	m.Drop.Enabled = false

	data, err := serializer.SerializeWithType(m)
	if err != nil {
		t.Fatal(err)
	}
	obj, err := serializer.DeserializeWithType(data)
	if err != nil {
		t.Fatal(err)
	}
	m1, ok := obj.(*Model)
	if !ok {
		t.Fatalf("unexpected type: %T", obj)
	}

	if m1.NumClasses != m.NumClasses {
		t.Errorf("expected %d classes, but got %d", m.NumClasses, m1.NumClasses)
	}
	if m1.Drop.Enabled {
		t.Error("dropout should be disabled")
	}

	features := randomFeatures(c, 2, 3)
	captions := [][]int{{2, 3, 4}, {5, 1}}
	lengths := []int{3, 2}
	labels := []int{0, 2}

	out := vecTo64(m.Forward(features, captions, lengths, labels, nil).Output())
	out1 := vecTo64(m1.Forward(features, captions, lengths, labels, nil).Output())
	for i, x := range out {
		if math.Abs(x-out1[i]) > 1e-4 {
			t.Errorf("output %d: expected %f, but got %f", i, x, out1[i])
		}
	}
}

func TestLayerSerialize(t *testing.T) {
	c := anyvec32.CurrentCreator()
	net := Net{
		NewFC(c, 3, 4),
		Tanh,
		&Dropout{Enabled: false, KeepProb: 0.7},
	}
	data, err := serializer.SerializeWithType(net)
	if err != nil {
		t.Fatal(err)
	}
	obj, err := serializer.DeserializeWithType(data)
	if err != nil {
		t.Fatal(err)
	}
	net1, ok := obj.(Net)
	if !ok {
		t.Fatalf("unexpected type: %T", obj)
	}
	if len(net1) != 3 {
		t.Fatalf("expected 3 layers, but got %d", len(net1))
	}
	if _, ok := net1[0].(*FC); !ok {
		t.Errorf("layer 0 has type %T", net1[0])
	}
	if act, ok := net1[1].(Activation); !ok || act != Tanh {
		t.Errorf("unexpected layer 1: %v", net1[1])
	}
	if do, ok := net1[2].(*Dropout); !ok || do.KeepProb != 0.7 {
		t.Errorf("unexpected layer 2: %v", net1[2])
	}
}
