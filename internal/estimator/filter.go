package estimator

import (
	"context"
	"fmt"
	"math"
	"time"

	"cropcore/pkg/model"
	"cropcore/pkg/montecarlo"
)

// Filter drives one zone's propagation and update steps. Instances carry
// per-zone state (importance weights), so the estimator builds a fresh one
// per zone run.
type Filter interface {
	// Propagate runs the daily model updates and injects process noise.
	Propagate(ctx context.Context, run *ZoneRun, epoch time.Time) error
	// Update reweights the ensemble against fresh observations and
	// resamples on degeneracy. A no-op for propagation-only filtering.
	Update(ctx context.Context, run *ZoneRun, epoch time.Time) error
}

// FilterFactory builds a filter for a zone run with n particles.
type FilterFactory func(cfg Config, n int) (Filter, error)

// NewFilter is the default factory, dispatching on Config.Filter.
func NewFilter(cfg Config, n int) (Filter, error) {
	switch cfg.Filter {
	case FilterPropagation:
		return newPropagationFilter(cfg), nil
	case FilterBootstrap:
		return newBootstrapFilter(cfg, n)
	}
	return nil, fmt.Errorf("estimator: unknown filter %q", cfg.Filter)
}

type noiseKey struct {
	modelID string
	state   string
}

// propagationFilter adds Gaussian process noise to every set state and
// re-checks conditions. It never weighs or resamples.
type propagationFilter struct {
	overrides   map[noiseKey]float64
	defaultFrac float64
}

func newPropagationFilter(cfg Config) *propagationFilter {
	f := &propagationFilter{
		overrides:   make(map[noiseKey]float64, len(cfg.Noise)),
		defaultFrac: cfg.DefaultNoiseFraction,
	}
	for _, o := range cfg.Noise {
		f.overrides[noiseKey{o.ModelID, o.State}] = o.Std
	}
	return f
}

func (f *propagationFilter) Propagate(_ context.Context, run *ZoneRun, epoch time.Time) error {
	if err := run.Tree.UpdateAll(epoch); err != nil {
		return err
	}
	for _, m := range run.Tree.Models() {
		core := m.Core()
		for _, name := range core.Names(model.KindState) {
			q, err := core.Quantity(name)
			if err != nil {
				return err
			}
			values, ok := q.Ensemble()
			if !ok {
				// Unset states belong to a crop connected but not yet
				// initialized; noise on the sowing day would be wrong.
				continue
			}
			stds := f.stds(core.ID(), name, values)
			perturbed, err := run.Sampler.Perturb(values, stds)
			if err != nil {
				return err
			}
			if err := core.SetEnsemble(name, perturbed); err != nil {
				return err
			}
		}
	}
	return f.repairConditions(run)
}

func (f *propagationFilter) Update(context.Context, *ZoneRun, time.Time) error {
	return nil
}

func (f *propagationFilter) stds(modelID, state string, values []float64) []float64 {
	stds := make([]float64, len(values))
	if std, ok := f.overrides[noiseKey{modelID, state}]; ok {
		for i := range stds {
			stds[i] = std
		}
		return stds
	}
	for i, v := range values {
		stds[i] = math.Abs(v) * f.defaultFrac
	}
	return stds
}

// repairConditions runs the tree-wide invariant repairs. On the sowing
// epoch the connected crop tree is excluded: its states are sampled only at
// the end of that day.
func (f *propagationFilter) repairConditions(run *ZoneRun) error {
	if run.Rotation != nil && run.Rotation.CropSown() {
		return run.Tree.CheckConditionsLocal()
	}
	return run.Tree.CheckConditions()
}

// bootstrapFilter layers importance weighting and ESS-triggered resampling
// on top of the propagation behavior.
type bootstrapFilter struct {
	propagationFilter
	bindings  []ObservationBinding
	method    montecarlo.Method
	threshold float64
	weights   []float64

	onResample func()
}

func newBootstrapFilter(cfg Config, n int) (*bootstrapFilter, error) {
	method, err := montecarlo.MethodByName(cfg.Resampler)
	if err != nil {
		return nil, err
	}
	f := &bootstrapFilter{
		propagationFilter: *newPropagationFilter(cfg),
		bindings:          cfg.Observations,
		method:            method,
		threshold:         cfg.ESSFraction * float64(n),
		weights:           make([]float64, n),
	}
	f.resetWeights()
	return f, nil
}

func (f *bootstrapFilter) resetWeights() {
	uniform := 1 / float64(len(f.weights))
	for i := range f.weights {
		f.weights[i] = uniform
	}
}

// Weights returns the running importance weights.
func (f *bootstrapFilter) Weights() []float64 { return f.weights }

func (f *bootstrapFilter) Update(_ context.Context, run *ZoneRun, _ time.Time) error {
	updated := false
	for _, b := range f.bindings {
		obs, ok, err := bindingEnsemble(run.Tree, b.Name, b.ModelID)
		if err != nil {
			return err
		}
		if !ok {
			// No fresh observation for this epoch.
			continue
		}
		predCore, predQ, err := bindingQuantity(run.Tree, b.PredictedName, b.PredictedModelID)
		if err != nil {
			return err
		}
		pred, set := predQ.Ensemble()
		if !set {
			return fmt.Errorf("estimator: predicted %s at %s is unset while %s carries observations", b.PredictedName, predCore.ID(), b.Name)
		}
		obsQ, err := mustQuantity(run.Tree, b.Name, b.ModelID)
		if err != nil {
			return err
		}
		aligned, err := model.ConvertSlice(obs, obsQ.Unit, predQ.Unit)
		if err != nil {
			return err
		}
		if len(aligned) != len(pred) {
			return fmt.Errorf("%w: observation %s has %d values, prediction %d", model.ErrEnsembleLength, b.Name, len(aligned), len(pred))
		}
		for i := range f.weights {
			z := (aligned[i] - pred[i]) / b.Std
			f.weights[i] *= math.Exp(-0.5 * z * z)
		}
		updated = true
	}
	if !updated {
		return nil
	}
	if err := normalize(f.weights); err != nil {
		return err
	}
	if !montecarlo.NeedsResampling(f.weights, f.threshold) {
		return nil
	}
	return f.resample(run)
}

func (f *bootstrapFilter) resample(run *ZoneRun) error {
	indices, err := f.method(f.weights, run.Sampler.Rand())
	if err != nil {
		return err
	}
	f.resetWeights()
	for _, m := range run.Tree.Models() {
		core := m.Core()
		for _, name := range core.Names(model.KindState) {
			q, err := core.Quantity(name)
			if err != nil {
				return err
			}
			values, ok := q.Ensemble()
			if !ok {
				continue
			}
			redrawn := make([]float64, len(values))
			for i, j := range indices {
				redrawn[i] = values[j]
			}
			if err := core.SetEnsemble(name, redrawn); err != nil {
				return err
			}
		}
	}
	if f.onResample != nil {
		f.onResample()
	}
	return run.Tree.CheckConditions()
}

// bindingEnsemble fetches an observation ensemble, reporting ok=false when
// the quantity is unset or carries only NaN (stale) values. A missing model
// or name is still a fatal configuration error.
func bindingEnsemble(tree *model.Tree, name, id string) ([]float64, bool, error) {
	q, err := mustQuantity(tree, name, id)
	if err != nil {
		return nil, false, err
	}
	values, set := q.Ensemble()
	if !set || allNaN(values) {
		return nil, false, nil
	}
	return values, true, nil
}

func bindingQuantity(tree *model.Tree, name, id string) (*model.Base, *model.Quantity, error) {
	m, ok := tree.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", model.ErrUnknownModel, id)
	}
	q, err := m.Core().Quantity(name)
	if err != nil {
		return nil, nil, err
	}
	return m.Core(), q, nil
}

func mustQuantity(tree *model.Tree, name, id string) (*model.Quantity, error) {
	_, q, err := bindingQuantity(tree, name, id)
	return q, err
}

func allNaN(values []float64) bool {
	for _, v := range values {
		if !math.IsNaN(v) {
			return false
		}
	}
	return true
}

func normalize(weights []float64) error {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 || math.IsNaN(total) {
		return fmt.Errorf("estimator: importance weights collapsed (sum %g)", total)
	}
	for i := range weights {
		weights[i] /= total
	}
	return nil
}
