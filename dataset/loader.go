package dataset

import (
	"context"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/dustscope/core/parallel"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/preprocessing"
)

// Batch is a block of decoded samples, one flattened CHW image per row of X.
type Batch struct {
	X      *mat.Dense
	Labels []int
	Paths  []string
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	return len(b.Labels)
}

// Loader decodes and transforms samples into batches.
//
// Rand drives both the shuffling and the random transforms. With the same
// seed the order and the augmentation of every epoch are reproducible, even
// though the images of a batch are decoded in parallel.
type Loader struct {
	Samples   []Sample
	Transform *preprocessing.Pipeline
	BatchSize int
	Shuffle   bool
	Rand      *rand.Rand
	// Workers bounds the parallel decoding; <= 0 means one per CPU core.
	Workers int
}

// Len returns the number of batches of one pass.
func (l *Loader) Len() int {
	if l.BatchSize <= 0 {
		return 0
	}
	return (len(l.Samples) + l.BatchSize - 1) / l.BatchSize
}

// Each calls fn for every batch of one pass over the samples. The last batch
// may be smaller. The first error, from decoding or from fn, stops the pass.
func (l *Loader) Each(ctx context.Context, fn func(Batch) error) error {
	if l.BatchSize <= 0 {
		return errors.NewValueError("Loader.Each", "batch size must be positive")
	}
	if l.Transform == nil {
		return errors.NewValueError("Loader.Each", "transform is required")
	}

	order := make([]int, len(l.Samples))
	for i := range order {
		order[i] = i
	}
	if l.Shuffle {
		if l.Rand == nil {
			return errors.NewValueError("Loader.Each", "shuffle requires a random source")
		}
		order = l.Rand.Perm(len(l.Samples))
	}

	for start := 0; start < len(order); start += l.BatchSize {
		end := start + l.BatchSize
		if end > len(order) {
			end = len(order)
		}
		batch, err := l.load(ctx, order[start:end])
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) load(ctx context.Context, indices []int) (Batch, error) {
	n := len(indices)
	rows := make([][]float64, n)

	// 乱数は逐次に引いておき、並列デコードの順序に依存しないようにする
	var seeds []int64
	if l.Rand != nil && l.Transform.Randomized() {
		seeds = make([]int64, n)
		for i := range seeds {
			seeds[i] = l.Rand.Int63()
		}
	}

	err := parallel.ForEach(ctx, n, l.Workers, func(_ context.Context, i int) error {
		s := l.Samples[indices[i]]
		img, err := preprocessing.DecodeFile(s.Path)
		if err != nil {
			return err
		}
		var rng *rand.Rand
		if seeds != nil {
			rng = rand.New(rand.NewSource(seeds[i]))
		}
		tensor, err := l.Transform.Apply(img, rng)
		if err != nil {
			return errors.Wrapf(err, "transform %s", s.Path)
		}
		rows[i] = tensor
		return nil
	})
	if err != nil {
		return Batch{}, err
	}

	dim := len(rows[0])
	for i, row := range rows {
		if len(row) != dim {
			return Batch{}, errors.Wrapf(errors.NewDimensionError("Loader.Each", dim, len(row), 1),
				"image %s", l.Samples[indices[i]].Path)
		}
	}
	b := Batch{
		X:      mat.NewDense(n, dim, nil),
		Labels: make([]int, n),
		Paths:  make([]string, n),
	}
	for i, idx := range indices {
		b.X.SetRow(i, rows[i])
		b.Labels[i] = l.Samples[idx].Label
		b.Paths[i] = l.Samples[idx].Path
	}
	return b, nil
}
