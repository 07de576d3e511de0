package model

import (
	"math"
	"time"
)

// Kind classifies a declared quantity.
type Kind string

// Quantity kinds. Every kind except deterministic-output is ensemble valued.
const (
	KindState               Kind = "state"
	KindParameter           Kind = "parameter"
	KindParameterFunction   Kind = "pfunction"
	KindObservation         Kind = "observation"
	KindRandomOutput        Kind = "random_output"
	KindDeterministicOutput Kind = "deterministic_output"
)

// Shape tags the distribution of a quantity as continuous or discrete. The
// tag travels with persisted ensembles so downstream summarisation can pick
// quantiles appropriate to the support.
type Shape string

// Distribution shapes.
const (
	ShapeContinuous Shape = "continuous"
	ShapeDiscrete   Shape = "discrete"
)

// Quantity is a declared slot on a model: metadata plus the current value.
// The value is an ensemble vector of length NParticles (state, parameter,
// observation, random-output), a scalar (deterministic-output) or a
// parameter function.
type Quantity struct {
	Name  string
	Kind  Kind
	Unit  Unit
	Shape Shape

	ensemble  []float64
	scalar    float64
	hasScalar bool
	fn        *PFunction

	// Observations carry the epoch of their last assignment so irregular
	// arrivals (satellite passes) can be detected.
	epoch    time.Time
	hasEpoch bool
}

// Ensemble returns the current ensemble and whether it is set.
func (q *Quantity) Ensemble() ([]float64, bool) {
	return q.ensemble, q.ensemble != nil
}

// Scalar returns the current scalar value and whether it is set.
func (q *Quantity) Scalar() (float64, bool) {
	return q.scalar, q.hasScalar
}

// Function returns the bound parameter function, or nil.
func (q *Quantity) Function() *PFunction {
	return q.fn
}

// Epoch returns the last-set epoch of an observation and whether one was
// ever assigned.
func (q *Quantity) Epoch() (time.Time, bool) {
	return q.epoch, q.hasEpoch
}

// IsSet reports whether any value has been assigned.
func (q *Quantity) IsSet() bool {
	return q.ensemble != nil || q.hasScalar || q.fn != nil
}

func (q *Quantity) setEnsemble(values []float64) {
	q.ensemble = values
	q.hasScalar = false
	q.fn = nil
}

func (q *Quantity) setScalar(value float64) {
	q.scalar = value
	q.hasScalar = true
	q.ensemble = nil
	q.fn = nil
}

func (q *Quantity) setFunction(fn *PFunction) {
	q.fn = fn
	q.ensemble = nil
	q.hasScalar = false
}

func (q *Quantity) stampEpoch(epoch time.Time) {
	q.epoch = epoch
	q.hasEpoch = true
}

// nanEnsemble builds the "unset" marker vector used by reset operations.
func nanEnsemble(n int) []float64 {
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = math.NaN()
	}
	return vals
}
