package backbone

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// linear は全結合層 y = x·Wᵀ + b
type linear struct {
	name   string
	weight *mat.Dense // (out × in)
	bias   []float64  // (out)
	frozen bool
}

// newLinear はPyTorchのnn.Linearと同じ一様分布 U(-1/√in, 1/√in) で初期化する
func newLinear(name string, in, out int, rng *rand.Rand) *linear {
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, out*in)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * bound
	}
	b := make([]float64, out)
	for i := range b {
		b[i] = (rng.Float64()*2 - 1) * bound
	}
	return &linear{name: name, weight: mat.NewDense(out, in, w), bias: b}
}

func (l *linear) dims() (out, in int) {
	return l.weight.Dims()
}

// forward は (n × in) の入力に対して (n × out) の出力を返す
func (l *linear) forward(x mat.Matrix) *mat.Dense {
	r, _ := x.Dims()
	out, _ := l.dims()
	y := mat.NewDense(r, out, nil)
	y.Mul(x, l.weight.T())
	for i := 0; i < r; i++ {
		row := y.RawRowView(i)
		for j := range row {
			row[j] += l.bias[j]
		}
	}
	return y
}

// grads はこの層の出力に対する勾配gradOut (n × out) と入力x (n × in) から
// 重みとバイアスの勾配を計算する
func (l *linear) grads(x, gradOut mat.Matrix) (*mat.Dense, []float64) {
	out, in := l.dims()
	dW := mat.NewDense(out, in, nil)
	dW.Mul(gradOut.T(), x)

	r, _ := gradOut.Dims()
	db := make([]float64, out)
	for i := 0; i < r; i++ {
		for j := 0; j < out; j++ {
			db[j] += gradOut.At(i, j)
		}
	}
	return dW, db
}

// step は勾配降下で重みを更新する（凍結されている場合は何もしない）
func (l *linear) step(dW *mat.Dense, db []float64, lr float64) {
	if l.frozen {
		return
	}
	dW.Scale(-lr, dW)
	l.weight.Add(l.weight, dW)
	for j := range l.bias {
		l.bias[j] -= lr * db[j]
	}
}

func relu(z *mat.Dense) *mat.Dense {
	r, c := z.Dims()
	a := mat.NewDense(r, c, nil)
	a.Apply(func(_, _ int, v float64) float64 {
		if v > 0 {
			return v
		}
		return 0
	}, z)
	return a
}
