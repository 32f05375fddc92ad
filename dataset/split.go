package dataset

import (
	"math/rand"
)

// Split partitions the indices [0, n) into a training and a validation subset.
//
// The result is a pure function of (n, fraction, seed): the validation subset
// holds int(n*fraction) indices and both subsets are drawn from the same seeded
// permutation. Running Split twice with equal arguments yields the same subsets,
// which is how the evaluation stage re-derives the validation data of training.
func Split(n int, fraction float64, seed int64) (train, val []int) {
	if n <= 0 {
		return nil, nil
	}
	valSize := int(float64(n) * fraction)
	if valSize < 0 {
		valSize = 0
	}
	if valSize > n {
		valSize = n
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return perm[:n-valSize], perm[n-valSize:]
}
