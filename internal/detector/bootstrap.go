package detector

import (
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// chiSquaredDivergence measures the distance between two leaf-count
// vectors over the same partition. Counts are Laplace-smoothed (one
// pseudo-count per cell) and normalized, then compared with a symmetric
// chi-squared-style distance:
//
//	0.5 * sum_i (p_i - q_i)^2 / (p_i + q_i)
//
// The statistic is 0 for identical distributions and approaches 1 as
// they become disjoint.
func chiSquaredDivergence(ref, test []int) float64 {
	k := len(ref)
	refTotal, testTotal := 0, 0
	for i := 0; i < k; i++ {
		refTotal += ref[i]
		testTotal += test[i]
	}
	refNorm := float64(refTotal + k)
	testNorm := float64(testTotal + k)

	sum := 0.0
	for i := 0; i < k; i++ {
		p := float64(ref[i]+1) / refNorm
		q := float64(test[i]+1) / testNorm
		d := p - q
		sum += d * d / (p + q)
	}
	return 0.5 * sum
}

// bootstrapThreshold estimates the critical value of the divergence
// statistic under the null hypothesis of no drift. The reference points'
// leaf assignments are repeatedly shuffled and split into two halves;
// the (1-alpha) quantile of the resulting divergences is the threshold.
// Assignments are precomputed by the caller, so resampling never touches
// the tree itself. Reproducible given a seeded rng.
func bootstrapThreshold(assignments []int, numLeaves, samples int, alpha float64, rng *rand.Rand) float64 {
	n := len(assignments)
	half := n / 2
	shuffled := make([]int, n)
	copy(shuffled, assignments)

	stats := make([]float64, 0, samples)
	countsA := make([]int, numLeaves)
	countsB := make([]int, numLeaves)

	for s := 0; s < samples; s++ {
		rng.Shuffle(n, func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		for i := range countsA {
			countsA[i] = 0
			countsB[i] = 0
		}
		for i, leaf := range shuffled {
			if i < half {
				countsA[leaf]++
			} else {
				countsB[leaf]++
			}
		}
		stats = append(stats, chiSquaredDivergence(countsA, countsB))
	}

	sort.Float64s(stats)
	return stat.Quantile(1-alpha, stat.Empirical, stats, nil)
}
