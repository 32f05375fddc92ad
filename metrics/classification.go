// Package metrics provides the classification metrics reported by the
// training and evaluation stages.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/dustscope/pkg/errors"
)

// Accuracy は正解率（予測が正解ラベルと一致した割合）を計算する
func Accuracy(yTrue, yPred *mat.VecDense) (float64, error) {
	if yTrue == nil || yPred == nil || yTrue.Len() == 0 {
		return 0, errors.NewValueError("Accuracy", "empty vector")
	}
	n := yTrue.Len()
	if yPred.Len() != n {
		return 0, errors.NewDimensionError("Accuracy", n, yPred.Len(), 0)
	}

	correct := 0
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == yPred.AtVec(i) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

// ClassificationError は誤分類率（1 - Accuracy）を計算する
func ClassificationError(yTrue, yPred *mat.VecDense) (float64, error) {
	acc, err := Accuracy(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	return 1 - acc, nil
}

// Argmax は各行で最大のロジットを持つクラス番号を返す
func Argmax(logits mat.Matrix) []int {
	r, c := logits.Dims()
	out := make([]int, r)
	for i := 0; i < r; i++ {
		best := 0
		for j := 1; j < c; j++ {
			if logits.At(i, j) > logits.At(i, best) {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// Softmax は行ごとのソフトマックス確率を返す
func Softmax(logits mat.Matrix) *mat.Dense {
	r, c := logits.Dims()
	out := mat.NewDense(r, c, nil)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, logits)
		lse := floats.LogSumExp(row)
		for j, v := range row {
			out.Set(i, j, math.Exp(v-lse))
		}
	}
	return out
}

// CrossEntropy はバッチの平均交差エントロピー損失を計算する
//
// logitsは (サンプル数 × クラス数) の未正規化スコア、labelsは各サンプルの
// クラス番号。数値安定性のためlog-sum-expで計算する。
func CrossEntropy(logits mat.Matrix, labels []int) (float64, error) {
	r, c := logits.Dims()
	if r == 0 {
		return 0, errors.NewValueError("CrossEntropy", "empty batch")
	}
	if len(labels) != r {
		return 0, errors.NewDimensionError("CrossEntropy", r, len(labels), 0)
	}

	row := make([]float64, c)
	var sum float64
	for i, label := range labels {
		if label < 0 || label >= c {
			return 0, errors.NewValueError("CrossEntropy", "label out of range")
		}
		mat.Row(row, i, logits)
		sum += floats.LogSumExp(row) - row[label]
	}
	return sum / float64(r), nil
}

// Running はエポック単位で損失と正解率を集計する
//
// Loss はバッチ損失の平均、Accuracy は全サンプルに対する正解数の割合。
type Running struct {
	lossSum float64
	batches int
	correct int
	total   int
}

// Add は1バッチ分の損失と予測結果を加算する
func (r *Running) Add(loss float64, predicted, labels []int) {
	r.lossSum += loss
	r.batches++
	for i := range labels {
		if i < len(predicted) && predicted[i] == labels[i] {
			r.correct++
		}
	}
	r.total += len(labels)
}

// Loss はバッチ損失の平均を返す。バッチがなければ0
func (r *Running) Loss() float64 {
	return errors.SafeDivide(r.lossSum, float64(r.batches))
}

// Accuracy は正解率を返す。サンプルがなければ0
func (r *Running) Accuracy() float64 {
	return errors.SafeDivide(float64(r.correct), float64(r.total))
}

// Batches は集計したバッチ数を返す
func (r *Running) Batches() int { return r.batches }

// Total は集計したサンプル数を返す
func (r *Running) Total() int { return r.total }

// Reset は集計をクリアする
func (r *Running) Reset() { *r = Running{} }
