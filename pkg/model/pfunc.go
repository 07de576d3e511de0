package model

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/interp"

	"cropcore/pkg/montecarlo"
)

// FunctionTypePiecewiseLinear is the only supported parameter-function
// shape: straight segments between ordered control points.
const FunctionTypePiecewiseLinear = "piecewise-linear"

// FunctionDef is the stored definition of a parameter function: paired
// control points plus optional per-point distribution specs. The field tags
// mirror the storage format.
type FunctionDef struct {
	Type    string               `json:"ftype"`
	XValues []float64            `json:"values-x"`
	YValues []float64            `json:"values-y"`
	XDist   *montecarlo.DistSpec `json:"distr-x,omitempty"`
	YDist   *montecarlo.DistSpec `json:"distr-y,omitempty"`
	Sample  bool                 `json:"sample"`
}

// PFunction is a sample-able, evaluable response curve usable as a
// quantity. Unsampled, a single shared curve interpolates every input;
// after SampleCurves each particle evaluates against its own perturbed copy
// of the control points.
type PFunction struct {
	def     FunctionDef
	shared  interp.PiecewiseLinear
	perPart []interp.PiecewiseLinear
	sampled bool
	current []float64
}

// NewPFunction validates a definition and fits the shared curve.
func NewPFunction(def FunctionDef) (*PFunction, error) {
	if def.Type != FunctionTypePiecewiseLinear {
		return nil, fmt.Errorf("model: unsupported function type %q", def.Type)
	}
	if len(def.XValues) != len(def.YValues) || len(def.XValues) < 2 {
		return nil, fmt.Errorf("model: function needs matching x/y control points, got %d/%d", len(def.XValues), len(def.YValues))
	}
	fn := &PFunction{def: def}
	if err := fn.shared.Fit(def.XValues, def.YValues); err != nil {
		return nil, fmt.Errorf("model: fit control points: %w", err)
	}
	return fn, nil
}

// Def returns the stored definition.
func (f *PFunction) Def() FunctionDef { return f.def }

// Sampled reports whether per-particle curves exist.
func (f *PFunction) Sampled() bool { return f.sampled }

// CurrentValues returns the output of the most recent Evaluate call, or nil.
func (f *PFunction) CurrentValues() []float64 { return f.current }

// SampleCurves draws n independently perturbed copies of the control points,
// one per particle, and flips evaluation to per-particle mode. Control
// points of each copy are re-sorted by x so the interpolant stays valid.
func (f *PFunction) SampleCurves(src montecarlo.VariateSource, n int) error {
	points := len(f.def.XValues)
	xs := make([][]float64, n)
	ys := make([][]float64, n)
	for i := range xs {
		xs[i] = make([]float64, points)
		copy(xs[i], f.def.XValues)
		ys[i] = make([]float64, points)
		copy(ys[i], f.def.YValues)
	}
	for p := 0; p < points; p++ {
		if f.def.XDist != nil {
			draws, err := src.Sample(f.def.XValues[p], *f.def.XDist, n)
			if err != nil {
				return fmt.Errorf("model: sample x control point %d: %w", p, err)
			}
			for i := range xs {
				xs[i][p] = draws[i]
			}
		}
		if f.def.YDist != nil {
			draws, err := src.Sample(f.def.YValues[p], *f.def.YDist, n)
			if err != nil {
				return fmt.Errorf("model: sample y control point %d: %w", p, err)
			}
			for i := range ys {
				ys[i][p] = draws[i]
			}
		}
	}
	f.perPart = make([]interp.PiecewiseLinear, n)
	for i := range xs {
		sortPoints(xs[i], ys[i])
		if err := f.perPart[i].Fit(xs[i], ys[i]); err != nil {
			return fmt.Errorf("model: fit sampled curve %d: %w", i, err)
		}
	}
	f.sampled = true
	return nil
}

// Evaluate interpolates. Unsampled, every input runs through the shared
// curve; sampled, input length must equal the sampled particle count and
// each input evaluates against its own curve. Inputs outside the control
// range clamp to the nearest endpoint.
func (f *PFunction) Evaluate(input []float64) ([]float64, error) {
	out := make([]float64, len(input))
	if !f.sampled {
		for i, x := range input {
			out[i] = f.shared.Predict(x)
		}
		f.current = out
		return out, nil
	}
	if len(input) != len(f.perPart) {
		return nil, fmt.Errorf("%w: function input has %d values, sampled for %d particles", ErrEnsembleLength, len(input), len(f.perPart))
	}
	for i, x := range input {
		out[i] = f.perPart[i].Predict(x)
	}
	f.current = out
	return out, nil
}

func sortPoints(xs, ys []float64) {
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })
	sx := make([]float64, len(xs))
	sy := make([]float64, len(ys))
	for i, j := range idx {
		sx[i] = xs[j]
		sy[i] = ys[j]
	}
	copy(xs, sx)
	copy(ys, sy)
}
