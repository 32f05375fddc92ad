// Package backbone implements the image classification network trained by
// the pipeline and used by the prediction service.
//
// The network is deliberately small:
//
//	stem     fixed grid average pooling, no parameters
//	features Linear(channels·grid² → hidden) + ReLU
//	fc       Linear(hidden → classes)
//
// A freshly constructed Net has an ImageNet style 1000-way head. The base
// model stage freezes it and swaps the head for one sized to the target
// classes, after which only fc is updated by TrainStep.
//
// Inputs are batches of images flattened in CHW order, one image per row.
// A Net is safe for concurrent Forward and Predict calls; TrainStep,
// ReplaceHead, FreezeAll and LoadStateDict must not run concurrently with
// anything else.
package backbone

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/dustscope/metrics"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
)

// Arch identifies the architecture in persisted snapshots.
const Arch = "gridmlp"

// Layer names.
const (
	FeaturesLayer = "features"
	HeadLayer     = "fc"
)

// Defaults of New.
const (
	DefaultWidth    = 224
	DefaultHeight   = 224
	DefaultChannels = 3
	DefaultGrid     = 8
	DefaultHidden   = 64
	// DefaultClasses matches the ImageNet label count of a pretrained backbone.
	DefaultClasses = 1000
)

// Net is the classification network.
type Net struct {
	width, height, channels int
	grid, hidden, classes   int
	seed                    int64

	rng      *rand.Rand
	features *linear
	fc       *linear
}

// New builds a randomly initialized network.
func New(opts ...Option) *Net {
	n := &Net{
		width:    DefaultWidth,
		height:   DefaultHeight,
		channels: DefaultChannels,
		grid:     DefaultGrid,
		hidden:   DefaultHidden,
		classes:  DefaultClasses,
		seed:     1,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.rng = rand.New(rand.NewSource(n.seed))
	n.features = newLinear(FeaturesLayer, n.StemDim(), n.hidden, n.rng)
	n.fc = newLinear(HeadLayer, n.hidden, n.classes, n.rng)
	return n
}

// InputDim is the number of values of one flattened input image.
func (n *Net) InputDim() int {
	return n.channels * n.height * n.width
}

// StemDim is the number of pooled features produced by the stem.
func (n *Net) StemDim() int {
	return n.channels * n.grid * n.grid
}

// Classes returns the number of outputs of the head.
func (n *Net) Classes() int {
	out, _ := n.fc.dims()
	return out
}

func (n *Net) String() string {
	return fmt.Sprintf("%s(input=%dx%dx%d, grid=%d, hidden=%d, classes=%d)",
		Arch, n.width, n.height, n.channels, n.grid, n.hidden, n.Classes())
}

func (n *Net) layers() []*linear {
	return []*linear{n.features, n.fc}
}

// Frozen reports whether the named layer is excluded from gradient updates.
func (n *Net) Frozen(layer string) bool {
	for _, l := range n.layers() {
		if l.name == layer {
			return l.frozen
		}
	}
	return false
}

// TrainableLayers returns the names of the layers TrainStep updates.
func (n *Net) TrainableLayers() []string {
	var names []string
	for _, l := range n.layers() {
		if !l.frozen {
			names = append(names, l.name)
		}
	}
	return names
}

// FreezeAll marks every existing layer non-trainable.
func (n *Net) FreezeAll() {
	for _, l := range n.layers() {
		l.frozen = true
	}
}

// ReplaceHead swaps fc for a freshly initialized, trainable layer with the
// given number of outputs. Its input width is the features width.
func (n *Net) ReplaceHead(classes int) error {
	if classes < 1 {
		return errors.NewValueError("Net.ReplaceHead", "classes must be at least 1")
	}
	n.fc = newLinear(HeadLayer, n.hidden, classes, n.rng)
	n.classes = classes
	return nil
}

// stem はCHWで平坦化された画像を grid×grid のセルごとに平均プーリングする
func (n *Net) stem(x mat.Matrix) (*mat.Dense, error) {
	r, c := x.Dims()
	if r == 0 {
		return nil, errors.NewValueError("Net.Forward", "empty batch")
	}
	if c != n.InputDim() {
		return nil, errors.NewDimensionError("Net.Forward", n.InputDim(), c, 1)
	}

	g := n.grid
	out := mat.NewDense(r, n.StemDim(), nil)
	for i := 0; i < r; i++ {
		for ch := 0; ch < n.channels; ch++ {
			base := ch * n.height * n.width
			for gy := 0; gy < g; gy++ {
				y0, y1 := cell(gy, g, n.height)
				for gx := 0; gx < g; gx++ {
					x0, x1 := cell(gx, g, n.width)
					var sum float64
					for y := y0; y < y1; y++ {
						for xx := x0; xx < x1; xx++ {
							sum += x.At(i, base+y*n.width+xx)
						}
					}
					out.Set(i, (ch*g+gy)*g+gx, sum/float64((y1-y0)*(x1-x0)))
				}
			}
		}
	}
	return out, nil
}

// cell は長さsizeの軸をg分割したときのidx番目の区間 [lo, hi) を返す。区間は空にならない
func cell(idx, g, size int) (lo, hi int) {
	lo = idx * size / g
	hi = (idx + 1) * size / g
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

type activations struct {
	stem   *mat.Dense
	pre    *mat.Dense // features before ReLU
	hidden *mat.Dense
	logits *mat.Dense
}

func (n *Net) forward(x mat.Matrix) (*activations, error) {
	s, err := n.stem(x)
	if err != nil {
		return nil, err
	}
	a := &activations{stem: s}
	a.pre = n.features.forward(s)
	a.hidden = relu(a.pre)
	a.logits = n.fc.forward(a.hidden)
	return a, nil
}

// Forward returns the (batch × classes) logits of x. No state is modified.
func (n *Net) Forward(x mat.Matrix) (*mat.Dense, error) {
	a, err := n.forward(x)
	if err != nil {
		return nil, err
	}
	return a.logits, nil
}

// Predict returns the class index with the highest logit for every row of x.
func (n *Net) Predict(x mat.Matrix) ([]int, error) {
	logits, err := n.Forward(x)
	if err != nil {
		return nil, err
	}
	return metrics.Argmax(logits), nil
}

// TrainStep runs one step of stochastic gradient descent on the batch and
// returns the logits computed before the update together with the mean
// cross-entropy loss. Frozen layers are left untouched.
func (n *Net) TrainStep(x mat.Matrix, labels []int, lr float64) (*mat.Dense, float64, error) {
	a, err := n.forward(x)
	if err != nil {
		return nil, 0, err
	}
	loss, err := metrics.CrossEntropy(a.logits, labels)
	if err != nil {
		return nil, 0, err
	}

	// dL/dlogits = (softmax - onehot) / batch
	rows, _ := a.logits.Dims()
	grad := metrics.Softmax(a.logits)
	for i, label := range labels {
		grad.Set(i, label, grad.At(i, label)-1)
	}
	grad.Scale(1/float64(rows), grad)

	dWfc, dbfc := n.fc.grads(a.hidden, grad)
	if !n.features.frozen {
		// 更新前のfcの重みで逆伝播する
		var dHidden mat.Dense
		dHidden.Mul(grad, n.fc.weight)
		dHidden.Apply(func(i, j int, v float64) float64 {
			if a.pre.At(i, j) > 0 {
				return v
			}
			return 0
		}, &dHidden)
		dWf, dbf := n.features.grads(a.stem, &dHidden)
		n.features.step(dWf, dbf, lr)
	}
	n.fc.step(dWfc, dbfc, lr)

	return a.logits, loss, nil
}
