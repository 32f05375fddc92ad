package backbone

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/dustscope/core/model"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
)

var _ model.StateDicter = (*Net)(nil)

func weightKey(layer string) string { return layer + ".weight" }
func biasKey(layer string) string   { return layer + ".bias" }

// StateDict returns a deep copy of every parameter and the frozen layers.
func (n *Net) StateDict() *model.Snapshot {
	s := model.NewSnapshot(Arch, n.Classes())
	for _, l := range n.layers() {
		out, in := l.dims()
		w := model.NewTensor(out, in)
		for i := 0; i < out; i++ {
			copy(w.Data[i*in:(i+1)*in], l.weight.RawRowView(i))
		}
		s.Params[weightKey(l.name)] = w
		s.Params[biasKey(l.name)] = model.Tensor{
			Shape: []int{out},
			Data:  append([]float64(nil), l.bias...),
		}
		if l.frozen {
			s.Frozen[l.name] = true
		}
	}
	return s
}

type paramShape struct {
	key   string
	shape []int
}

// expected returns the parameter shapes of the current architecture in layer order.
func (n *Net) expected() []paramShape {
	var shapes []paramShape
	for _, l := range n.layers() {
		out, in := l.dims()
		shapes = append(shapes,
			paramShape{weightKey(l.name), []int{out, in}},
			paramShape{biasKey(l.name), []int{out}},
		)
	}
	return shapes
}

// LoadStateDict replaces every parameter with the snapshot's values.
//
// The snapshot must contain exactly the parameters of this architecture with
// identical shapes; otherwise a *errors.StateMismatchError is returned and
// the network is left unchanged.
func (n *Net) LoadStateDict(s *model.Snapshot) error {
	if s == nil {
		return errors.NewMissingLayerError("", "snapshot is nil")
	}
	if s.Arch != Arch {
		return errors.NewMissingLayerError("", "snapshot architecture is "+s.Arch+", want "+Arch)
	}
	known := make(map[string]bool)
	for _, p := range n.expected() {
		known[p.key] = true
		t, ok := s.Params[p.key]
		if !ok {
			return errors.NewMissingLayerError(p.key, "missing from snapshot")
		}
		if !sameShape(p.shape, t.Shape) || len(t.Data) != t.Numel() {
			return errors.NewStateMismatchError(p.key, p.shape, t.Shape)
		}
	}
	for _, key := range s.Keys() {
		if !known[key] {
			return errors.NewMissingLayerError(key, "unexpected in snapshot")
		}
	}

	for _, l := range n.layers() {
		w := s.Params[weightKey(l.name)]
		out, in := l.dims()
		l.weight = mat.NewDense(out, in, append([]float64(nil), w.Data...))
		l.bias = append([]float64(nil), s.Params[biasKey(l.name)].Data...)
		l.frozen = s.Frozen[l.name]
	}
	n.classes = n.Classes()
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
