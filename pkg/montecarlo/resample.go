package montecarlo

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// Method redraws particle indices (with replacement) from a weight vector.
// Output length equals input length; every index lies in [0, n).
type Method func(weights []float64, rng *rand.Rand) ([]int, error)

// MethodByName resolves a configured resampling method name.
func MethodByName(name string) (Method, error) {
	switch name {
	case "multinomial":
		return Multinomial, nil
	case "systematic", "":
		return Systematic, nil
	case "stratified":
		return Stratified, nil
	}
	return nil, fmt.Errorf("montecarlo: unknown resampling method %q", name)
}

// EffectiveSampleSize computes 1/sum(w_i^2) for the normalized weight
// vector, the standard particle-filter degeneracy metric. Uniform weights
// give n, a one-hot vector gives 1.
func EffectiveSampleSize(weights []float64) float64 {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return 0
	}
	sumSq := 0.0
	for _, w := range weights {
		n := w / total
		sumSq += n * n
	}
	return 1 / sumSq
}

// NeedsResampling reports whether the effective sample size dropped to the
// threshold or below. A non-positive threshold defaults to n/2, so uniform
// weights never trigger and one-hot weights always do.
func NeedsResampling(weights []float64, threshold float64) bool {
	if threshold <= 0 {
		threshold = 0.5 * float64(len(weights))
	}
	return EffectiveSampleSize(weights) <= threshold
}

// cumulative builds the normalized cumulative weight ladder.
func cumulative(weights []float64) ([]float64, error) {
	total := 0.0
	for _, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("montecarlo: negative weight %g", w)
		}
		total += w
	}
	if total <= 0 {
		return nil, fmt.Errorf("montecarlo: weights sum to %g", total)
	}
	csw := make([]float64, len(weights))
	acc := 0.0
	for i, w := range weights {
		acc += w / total
		csw[i] = acc
	}
	csw[len(csw)-1] = 1
	return csw, nil
}

func searchAll(csw, points []float64) []int {
	idx := make([]int, len(points))
	for i, p := range points {
		j := sort.SearchFloat64s(csw, p)
		if j >= len(csw) {
			j = len(csw) - 1
		}
		idx[i] = j
	}
	return idx
}

// Multinomial searches the cumulative ladder with n independent uniforms.
func Multinomial(weights []float64, rng *rand.Rand) ([]int, error) {
	csw, err := cumulative(weights)
	if err != nil {
		return nil, err
	}
	points := make([]float64, len(weights))
	for i := range points {
		points[i] = rng.Float64()
	}
	return searchAll(csw, points), nil
}

// Systematic searches with a single uniform offset on an evenly spaced
// ladder; lowest variance of the three methods.
func Systematic(weights []float64, rng *rand.Rand) ([]int, error) {
	csw, err := cumulative(weights)
	if err != nil {
		return nil, err
	}
	n := len(weights)
	step := 1 / float64(n)
	offset := step * rng.Float64()
	points := make([]float64, n)
	for i := range points {
		points[i] = offset + step*float64(i)
	}
	return searchAll(csw, points), nil
}

// Stratified draws one uniform per stratum of an evenly spaced ladder.
func Stratified(weights []float64, rng *rand.Rand) ([]int, error) {
	csw, err := cumulative(weights)
	if err != nil {
		return nil, err
	}
	n := len(weights)
	step := 1 / float64(n)
	points := make([]float64, n)
	for i := range points {
		points[i] = step*float64(i) + step*rng.Float64()
	}
	return searchAll(csw, points), nil
}
