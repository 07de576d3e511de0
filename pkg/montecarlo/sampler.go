// Package montecarlo provides the random-variate sampling and particle
// resampling primitives behind the ensemble representation: every
// state/parameter/observation/random-output quantity is a fixed-length
// vector of Monte Carlo samples.
package montecarlo

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Distribution kind tags consumed from storage specs.
const (
	DistNormal      = "normal"
	DistGamma       = "gamma"
	DistBeta        = "beta"
	DistTruncNormal = "truncnorm"
	DistCategorical = "categorical"
)

// ErrUnknownDistribution indicates a spec carrying an unsupported kind tag.
var ErrUnknownDistribution = errors.New("montecarlo: unsupported distribution")

// DistSpec is the distribution mapping attached to stored quantity
// definitions: a kind tag, a spread field, kind-specific bounds and a flag
// deciding between sampling and constant broadcast. Mean switches the gamma
// parameterisation from anchoring the mode at the reference to anchoring the
// mean there; other kinds ignore it.
type DistSpec struct {
	Kind   string  `json:"distr_id"`
	Std    float64 `json:"std"`
	LB     float64 `json:"lb,omitempty"`
	UB     float64 `json:"ub,omitempty"`
	Mean   bool    `json:"mean,omitempty"`
	Sample bool    `json:"sample"`
}

// VariateSource draws i.i.d. samples around a reference value. Satisfied by
// *Sampler; accepted as an interface so curve sampling stays testable with
// deterministic fakes.
type VariateSource interface {
	Sample(reference float64, spec DistSpec, n int) ([]float64, error)
}

// Sampler draws i.i.d. samples from a small parametric-distribution family.
// Each worker must own its own instance: sharing one generator across
// workers correlates particle ensembles and invalidates the Monte Carlo
// approximation.
type Sampler struct {
	src rand.Source
	rng *rand.Rand
}

// NewSampler creates an independently seeded sampler.
func NewSampler(seed uint64) *Sampler {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &Sampler{src: src, rng: rand.New(src)}
}

// NewAutoSeededSampler creates a sampler seeded from the process generator,
// for callers without a reproducibility requirement.
func NewAutoSeededSampler() *Sampler {
	return NewSampler(rand.Uint64())
}

// Rand exposes the sampler's generator for uniform draws (resampling).
func (s *Sampler) Rand() *rand.Rand { return s.rng }

// Sample draws n values from the distribution described by spec, anchored
// at reference. How the reference is interpreted depends on the kind:
// normal and truncated-normal use it as mean, gamma as mode (as mean with
// spec.Mean set), beta as mean, categorical as the most probable integer
// category.
func (s *Sampler) Sample(reference float64, spec DistSpec, n int) ([]float64, error) {
	out := make([]float64, n)
	switch spec.Kind {
	case DistNormal:
		dist := distuv.Normal{Mu: reference, Sigma: spec.Std, Src: s.src}
		for i := range out {
			out[i] = dist.Rand()
		}
	case DistGamma:
		derive := GammaFromMode
		if spec.Mean {
			derive = GammaFromMean
		}
		shape, rate, err := derive(reference, spec.Std)
		if err != nil {
			return nil, err
		}
		dist := distuv.Gamma{Alpha: shape, Beta: rate, Src: s.src}
		for i := range out {
			out[i] = dist.Rand()
		}
	case DistBeta:
		alpha, beta, err := BetaFromMean(reference, spec.Std)
		if err != nil {
			return nil, err
		}
		dist := distuv.Beta{Alpha: alpha, Beta: beta, Src: s.src}
		for i := range out {
			out[i] = dist.Rand()
		}
	case DistTruncNormal:
		lo, hi := truncBounds(reference, spec.Std, spec.LB, spec.UB)
		unit := distuv.Normal{Mu: 0, Sigma: 1}
		cdfLo, cdfHi := unit.CDF(lo), unit.CDF(hi)
		if cdfHi <= cdfLo {
			return nil, fmt.Errorf("montecarlo: empty truncation interval [%g, %g]", spec.LB, spec.UB)
		}
		for i := range out {
			u := cdfLo + (cdfHi-cdfLo)*s.rng.Float64()
			out[i] = reference + spec.Std*unit.Quantile(u)
		}
	case DistCategorical:
		values, weights, err := categoricalSupport(reference, spec.Std, spec.LB, spec.UB)
		if err != nil {
			return nil, err
		}
		dist := distuv.NewCategorical(weights, s.src)
		for i := range out {
			out[i] = values[int(dist.Rand())]
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDistribution, spec.Kind)
	}
	return out, nil
}

// Perturb adds zero-mean Gaussian noise with per-particle standard
// deviations to an ensemble, returning a fresh slice. Used for process
// noise during propagation.
func (s *Sampler) Perturb(values, stds []float64) ([]float64, error) {
	if len(values) != len(stds) {
		return nil, fmt.Errorf("montecarlo: %d values but %d noise stds", len(values), len(stds))
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v + stds[i]*s.rng.NormFloat64()
	}
	return out, nil
}

// GammaFromMode derives shape and rate so the gamma's mode sits at m with
// spread sigma: a = (m^2 + m*sqrt(m^2+2s^2))/(2s^2) + 1,
// b = (m + sqrt(m^2+2s^2))/(2s^2).
func GammaFromMode(mode, std float64) (shape, rate float64, err error) {
	if std <= 0 {
		return 0, 0, fmt.Errorf("montecarlo: gamma requires std > 0, got %g", std)
	}
	twoVar := 2 * std * std
	root := math.Sqrt(mode*mode + twoVar)
	shape = (mode*mode+mode*root)/twoVar + 1
	rate = (mode + root) / twoVar
	return shape, rate, nil
}

// GammaFromMean derives shape and rate so the gamma's mean sits at m:
// a = m^2/s^2, b = m/s^2.
func GammaFromMean(mean, std float64) (shape, rate float64, err error) {
	if std <= 0 || mean <= 0 {
		return 0, 0, fmt.Errorf("montecarlo: gamma requires mean and std > 0, got mean %g std %g", mean, std)
	}
	return mean * mean / (std * std), mean / (std * std), nil
}

// BetaFromMean derives the shape parameters for a beta with the given mean
// and spread. Means near 0 or 1 with a wide spread have no valid beta; that
// degenerate region surfaces as an error rather than a panic downstream.
func BetaFromMean(mean, std float64) (alpha, beta float64, err error) {
	if std <= 0 {
		return 0, 0, fmt.Errorf("montecarlo: beta requires std > 0, got %g", std)
	}
	alpha = mean * ((1-mean)/(std*std) - 1)
	if mean != 0 {
		beta = alpha * (1 - mean) / mean
	}
	if alpha <= 0 || beta <= 0 {
		return 0, 0, fmt.Errorf("montecarlo: degenerate beta parameters for mean %g std %g", mean, std)
	}
	return alpha, beta, nil
}

// truncBounds normalizes truncation bounds to the unit normal.
func truncBounds(mean, std, lb, ub float64) (float64, float64) {
	return (lb - mean) / std, (ub - mean) / std
}

// categoricalSupport builds the integer support and triangular weights for
// a categorical draw: the reference gets peak weight 2k for neighbor count
// k, each step away loses one unit, and lb/ub clip the support before
// renormalization.
func categoricalSupport(reference, std, lb, ub float64) (values, weights []float64, err error) {
	k := int(std)
	if k < 1 {
		return nil, nil, fmt.Errorf("montecarlo: categorical needs at least one neighbor per side, got std %g", std)
	}
	center := math.Round(reference)
	peak := float64(2 * k)
	for d := -k; d <= k; d++ {
		v := center + float64(d)
		if v < lb || v > ub {
			continue
		}
		values = append(values, v)
		weights = append(weights, peak-math.Abs(float64(d)))
	}
	if len(values) == 0 {
		return nil, nil, fmt.Errorf("montecarlo: categorical support empty after clipping to [%g, %g]", lb, ub)
	}
	total := 0.0
	for _, w := range weights {
		total += w
	}
	for i := range weights {
		weights[i] /= total
	}
	return values, weights, nil
}
