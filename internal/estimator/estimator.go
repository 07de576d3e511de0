package estimator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	blobcore "cropcore/internal/infra/blob/core"
	"cropcore/pkg/evaluation"
	"cropcore/pkg/model"
	"cropcore/pkg/montecarlo"
)

// ZoneRun is the per-zone working set: the zone tree, its rotation state and
// the worker-owned sampler. Filters receive it on every step.
type ZoneRun struct {
	Zone     evaluation.Zone
	Tree     *model.Tree
	Rotation *Rotation
	Sampler  *montecarlo.Sampler

	// sampledObs holds the epoch of each observation's last sampled
	// injection. Broadcast observations never enter; only sampled ones are
	// persisted.
	sampledObs map[obsRef]time.Time
}

type obsRef struct {
	name    string
	modelID string
}

// Estimator runs sequential Monte Carlo estimation for every zone of an
// evaluation: initial-condition sampling, observation injection, filter
// propagation and update, and per-epoch persistence.
type Estimator struct {
	store    evaluation.Store
	registry *model.Registry
	cfg      Config

	log       zerolog.Logger
	metrics   *Metrics
	archive   blobcore.Store
	newFilter FilterFactory
}

// Option customizes an Estimator.
type Option func(*Estimator)

// WithLogger attaches a structured logger. The default logger is disabled.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Estimator) { e.log = log }
}

// WithMetrics attaches engine counters.
func WithMetrics(m *Metrics) Option {
	return func(e *Estimator) { e.metrics = m }
}

// WithArchive mirrors persisted ensembles into a blob store as JSON
// documents, keyed by evaluation, zone, epoch and quantity.
func WithArchive(store blobcore.Store) Option {
	return func(e *Estimator) { e.archive = store }
}

// WithFilterFactory overrides the filter construction, mainly for tests.
func WithFilterFactory(factory FilterFactory) Option {
	return func(e *Estimator) { e.newFilter = factory }
}

// New validates the configuration and assembles an estimator.
func New(store evaluation.Store, registry *model.Registry, cfg Config, opts ...Option) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Estimator{
		store:     store,
		registry:  registry,
		cfg:       cfg,
		log:       zerolog.Nop(),
		newFilter: NewFilter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run executes the evaluation end to end. Zones run concurrently on
// Config.Workers workers, each with an independently seeded sampler so the
// particle streams stay uncorrelated. A failing zone does not stop the
// others; all zone errors are joined into the returned error.
func (e *Estimator) Run(ctx context.Context, evaluationID int64) error {
	eval, err := e.store.Evaluation(ctx, evaluationID)
	if err != nil {
		return fmt.Errorf("estimator: load evaluation %d: %w", evaluationID, err)
	}
	zones, err := e.store.Zones(ctx, evaluationID)
	if err != nil {
		return fmt.Errorf("estimator: load zones of evaluation %d: %w", evaluationID, err)
	}
	e.log.Info().
		Int64("evaluation", eval.ID).
		Time("epoch_start", eval.EpochStart).
		Time("epoch_end", eval.EpochEnd).
		Int("zones", len(zones)).
		Int("workers", e.cfg.Workers).
		Msg("starting evaluation run")

	type job struct {
		zone evaluation.Zone
		seed uint64
	}
	jobs := make(chan job)
	zoneErrs := make([]error, len(zones))

	var wg sync.WaitGroup
	for w := 0; w < e.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				err := e.runZone(ctx, eval, j.zone, montecarlo.NewSampler(j.seed))
				if err != nil {
					if e.metrics != nil {
						e.metrics.ZoneFailures.Inc()
					}
					e.log.Error().Err(err).Str("zone", j.zone.Name).Msg("zone run failed")
				}
				for i := range zones {
					if zones[i].ID == j.zone.ID {
						zoneErrs[i] = err
					}
				}
			}
		}()
	}
	for i, zone := range zones {
		jobs <- job{zone: zone, seed: e.cfg.Seed + uint64(i)}
	}
	close(jobs)
	wg.Wait()

	for i, zerr := range zoneErrs {
		if zerr != nil {
			zoneErrs[i] = fmt.Errorf("zone %s: %w", zones[i].Name, zerr)
		}
	}
	return errors.Join(zoneErrs...)
}

// runZone walks one zone through the full epoch range.
func (e *Estimator) runZone(ctx context.Context, eval evaluation.Evaluation, zone evaluation.Zone, sampler *montecarlo.Sampler) error {
	log := e.log.With().Int64("evaluation", eval.ID).Str("zone", zone.Name).Logger()

	tree := model.NewTree(eval.RootName, e.cfg.NParticles)
	if _, err := e.registry.Build(tree, eval.RootModel); err != nil {
		return err
	}
	attachZoneMetadata(tree, zone)

	entries, err := e.store.Rotation(ctx, zone.ID)
	if err != nil {
		return fmt.Errorf("load rotation: %w", err)
	}
	run := &ZoneRun{
		Zone:     zone,
		Tree:     tree,
		Rotation: NewRotation(e.registry, tree, entries),
		Sampler:  sampler,
	}
	filter, err := e.newFilter(e.cfg, e.cfg.NParticles)
	if err != nil {
		return err
	}
	if bf, ok := filter.(*bootstrapFilter); ok && e.metrics != nil {
		bf.onResample = func() { e.metrics.Resamples.WithLabelValues(zone.Name).Inc() }
	}

	// Initial conditions are defined one day before the first simulated
	// epoch, so the first daily update starts from a sampled state.
	epoch0 := eval.EpochStart.AddDate(0, 0, -1)
	if err := e.applyInitialConditions(ctx, eval, run, epoch0); err != nil {
		return fmt.Errorf("initial conditions: %w", err)
	}
	if err := tree.InitializeAll(epoch0); err != nil {
		return err
	}
	if err := tree.CheckConditions(); err != nil {
		return err
	}
	log.Info().Time("epoch", epoch0).Msg("zone initialized")

	for epoch := eval.EpochStart; !epoch.After(eval.EpochEnd); epoch = epoch.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		started := time.Now()

		if err := e.injectObservations(ctx, run, epoch); err != nil {
			return fmt.Errorf("epoch %s: observations: %w", epoch.Format(time.DateOnly), err)
		}
		if err := run.Rotation.Update(epoch); err != nil {
			return fmt.Errorf("epoch %s: rotation: %w", epoch.Format(time.DateOnly), err)
		}
		if err := filter.Propagate(ctx, run, epoch); err != nil {
			return fmt.Errorf("epoch %s: propagate: %w", epoch.Format(time.DateOnly), err)
		}
		if err := filter.Update(ctx, run, epoch); err != nil {
			return fmt.Errorf("epoch %s: update: %w", epoch.Format(time.DateOnly), err)
		}
		if err := e.persistEpoch(ctx, eval, run, epoch); err != nil {
			return fmt.Errorf("epoch %s: persist: %w", epoch.Format(time.DateOnly), err)
		}
		if run.Rotation.CropSown() {
			// The crop tree connected today: sample its initial conditions
			// and initialize it so tomorrow's update covers it.
			if err := e.applyInitialConditions(ctx, eval, run, epoch); err != nil {
				return fmt.Errorf("epoch %s: crop initial conditions: %w", epoch.Format(time.DateOnly), err)
			}
			if err := run.Rotation.CropTree().InitializeAll(epoch); err != nil {
				return err
			}
			if err := tree.CheckConditions(); err != nil {
				return err
			}
			log.Info().Time("epoch", epoch).Msg("crop sown")
		}

		if e.metrics != nil {
			e.metrics.DaysProcessed.WithLabelValues(zone.Name).Inc()
			e.metrics.DaySeconds.Observe(time.Since(started).Seconds())
		}
		log.Debug().Time("epoch", epoch).Dur("took", time.Since(started)).Msg("epoch done")
	}
	log.Info().Msg("zone finished")
	return nil
}

// attachZoneMetadata pushes zone coordinates into the root model where the
// root declares slots for them. Roots without those slots are left alone.
func attachZoneMetadata(tree *model.Tree, zone evaluation.Zone) {
	root, ok := tree.Root()
	if !ok {
		return
	}
	core := root.Core()
	if _, err := core.Quantity("latitude"); err == nil {
		_ = core.SetScalar("latitude", zone.Latitude)
	}
	if _, err := core.Quantity("height"); err == nil {
		_ = core.SetScalar("height", zone.Height)
	}
}

// applyInitialConditions loads the state, parameter and function definitions
// stored for an epoch and writes them into the tree, sampling where the spec
// asks for it and broadcasting the reference value otherwise. Definitions
// addressing crop models resolve through the connected crop tree. Sampled
// ensembles are persisted right away: they are estimation results, not
// reproducible from the definitions alone.
func (e *Estimator) applyInitialConditions(ctx context.Context, eval evaluation.Evaluation, run *ZoneRun, epoch time.Time) error {
	states, err := e.store.StateDefs(ctx, run.Zone.ID, epoch)
	if err != nil {
		return err
	}
	params, err := e.store.ParameterDefs(ctx, run.Zone.ID, epoch)
	if err != nil {
		return err
	}
	var records []evaluation.EnsembleRecord
	for _, def := range append(states, params...) {
		if err := e.applyQuantityDef(run, def); err != nil {
			return err
		}
		if !def.Spec.Sample {
			continue
		}
		m, _ := run.Tree.Get(def.ModelID)
		q, err := m.Core().Quantity(def.Name)
		if err != nil {
			return err
		}
		values, _ := q.Ensemble()
		records = append(records, evaluation.EnsembleRecord{
			ZoneID:   run.Zone.ID,
			Epoch:    epoch,
			Name:     def.Name,
			ModelID:  def.ModelID,
			Kind:     q.Kind,
			Discrete: q.Shape == model.ShapeDiscrete,
			Values:   values,
		})
	}
	if err := e.persistRecords(ctx, eval, run, epoch, records); err != nil {
		return err
	}

	functions, err := e.store.FunctionDefs(ctx, run.Zone.ID, epoch)
	if err != nil {
		return err
	}
	for _, def := range functions {
		if err := run.Tree.SetFunction(def.Name, def.ModelID, def.Def); err != nil {
			return err
		}
		if def.Def.Sample {
			m, _ := run.Tree.Get(def.ModelID)
			q, err := m.Core().Quantity(def.Name)
			if err != nil {
				return err
			}
			if err := q.Function().SampleCurves(run.Sampler, run.Tree.NParticles()); err != nil {
				return fmt.Errorf("function %s at %s: %w", def.Name, def.ModelID, err)
			}
		}
	}
	return nil
}

func (e *Estimator) applyQuantityDef(run *ZoneRun, def evaluation.QuantityDef) error {
	m, ok := run.Tree.Get(def.ModelID)
	if !ok {
		return fmt.Errorf("%w: %s (defines %s)", model.ErrUnknownModel, def.ModelID, def.Name)
	}
	core := m.Core()
	if def.Spec.Sample {
		return core.Sample(def.Name, run.Sampler, def.Value, def.Spec)
	}
	values := make([]float64, run.Tree.NParticles())
	for i := range values {
		values[i] = def.Value
	}
	return core.SetEnsemble(def.Name, values)
}

// injectObservations writes the epoch's stored observations into the tree,
// stamping the assignment epoch so downstream consumers can tell fresh
// observations from stale ones.
func (e *Estimator) injectObservations(ctx context.Context, run *ZoneRun, epoch time.Time) error {
	defs, err := e.store.ObservationDefs(ctx, run.Zone.ID, epoch)
	if err != nil {
		return err
	}
	for _, def := range defs {
		var values []float64
		if def.Spec.Sample {
			values, err = run.Sampler.Sample(def.Value, def.Spec, run.Tree.NParticles())
			if err != nil {
				return fmt.Errorf("observation %s at %s: %w", def.Name, def.ModelID, err)
			}
		} else {
			values = make([]float64, run.Tree.NParticles())
			for i := range values {
				values[i] = def.Value
			}
		}
		if err := run.Tree.SetObservation(def.Name, def.ModelID, values, model.UnitUndefined, epoch); err != nil {
			return err
		}
		if def.Spec.Sample {
			if run.sampledObs == nil {
				run.sampledObs = make(map[obsRef]time.Time)
			}
			run.sampledObs[obsRef{def.Name, def.ModelID}] = epoch
		}
	}
	return nil
}

// persistEpoch writes the epoch's estimation results: every set state and
// random-output ensemble, observations injected this epoch, and the current
// outputs of sampled parameter functions. Deterministic outputs and shared
// (unsampled) function curves are derivable from the definitions and are not
// persisted.
func (e *Estimator) persistEpoch(ctx context.Context, eval evaluation.Evaluation, run *ZoneRun, epoch time.Time) error {
	var records []evaluation.EnsembleRecord
	for _, m := range run.Tree.Models() {
		core := m.Core()
		for _, name := range core.QuantityNames() {
			q, err := core.Quantity(name)
			if err != nil {
				return err
			}
			values, ok := ensembleToPersist(run, core.ID(), q, epoch)
			if !ok {
				continue
			}
			records = append(records, evaluation.EnsembleRecord{
				ZoneID:   run.Zone.ID,
				Epoch:    epoch,
				Name:     name,
				ModelID:  core.ID(),
				Kind:     q.Kind,
				Discrete: q.Shape == model.ShapeDiscrete,
				Values:   values,
			})
		}
	}
	return e.persistRecords(ctx, eval, run, epoch, records)
}

// persistRecords writes ensemble records to the store and mirrors them into
// the archive when one is attached. An empty batch is a no-op.
func (e *Estimator) persistRecords(ctx context.Context, eval evaluation.Evaluation, run *ZoneRun, epoch time.Time, records []evaluation.EnsembleRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := e.store.WriteEnsembles(ctx, records); err != nil {
		return err
	}
	if e.archive != nil {
		return e.archiveRecords(ctx, eval, run, epoch, records)
	}
	return nil
}

// ensembleToPersist decides whether a quantity belongs in the epoch's
// persisted set and returns the values to store.
func ensembleToPersist(run *ZoneRun, modelID string, q *model.Quantity, epoch time.Time) ([]float64, bool) {
	switch q.Kind {
	case model.KindState, model.KindRandomOutput:
		values, set := q.Ensemble()
		if !set || allNaN(values) {
			return nil, false
		}
		return values, true
	case model.KindObservation:
		values, set := q.Ensemble()
		if !set {
			return nil, false
		}
		stamped, ok := q.Epoch()
		if !ok || !sameDay(stamped, epoch) {
			return nil, false
		}
		// Broadcast observations carry no estimation information beyond
		// their stored definition; only sampled ones are persisted.
		sampled, ok := run.sampledObs[obsRef{q.Name, modelID}]
		if !ok || !sameDay(sampled, epoch) {
			return nil, false
		}
		return values, true
	case model.KindParameterFunction:
		fn := q.Function()
		if fn == nil || !fn.Sampled() || fn.CurrentValues() == nil {
			return nil, false
		}
		return fn.CurrentValues(), true
	}
	return nil, false
}

func (e *Estimator) archiveRecords(ctx context.Context, eval evaluation.Evaluation, run *ZoneRun, epoch time.Time, records []evaluation.EnsembleRecord) error {
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("archive %s at %s: %w", rec.Name, rec.ModelID, err)
		}
		key := fmt.Sprintf("evaluations/%d/zones/%d/%s/%s.%s.json",
			eval.ID, run.Zone.ID, epoch.Format(time.DateOnly), rec.ModelID, rec.Name)
		_, err = e.archive.Put(ctx, key, bytes.NewReader(payload), blobcore.PutOptions{ContentType: "application/json"})
		if err != nil {
			return fmt.Errorf("archive %s: %w", key, err)
		}
	}
	return nil
}
