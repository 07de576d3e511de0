package estimator

import (
	"time"

	"cropcore/pkg/model"
)

// Fixture models: a field zone with one soil child whose moisture decays one
// percent per day, and a wheat crop accumulating biomass. Small enough to
// trace by hand, rich enough to exercise conditions, observations and the
// crop rotation.

type fieldModel struct {
	*model.Base
}

func newField(tree *model.Tree, name, id string) (model.Model, error) {
	m := &fieldModel{Base: model.NewBase(tree, name, id)}
	m.Declare("latitude", model.KindDeterministicOutput, model.UnitUndefined)
	m.Declare("height", model.KindDeterministicOutput, model.UnitMeter)
	if _, err := m.DeclareChild("soil", newSoilStub); err != nil {
		return nil, err
	}
	return m, nil
}

type soilStub struct {
	*model.Base
}

func newSoilStub(tree *model.Tree, name, id string) (model.Model, error) {
	m := &soilStub{Base: model.NewBase(tree, name, id)}
	m.Declare("moisture", model.KindState, model.UnitFraction)
	m.Declare("moisture_obs", model.KindObservation, model.UnitPercent)
	m.DeclareCondition("clip-moisture", func() error {
		values, err := m.Ensemble("moisture")
		if err != nil {
			return err
		}
		clipped := make([]float64, len(values))
		for i, v := range values {
			switch {
			case v < 0:
				clipped[i] = 0
			case v > 1:
				clipped[i] = 1
			default:
				clipped[i] = v
			}
		}
		return m.SetEnsemble("moisture", clipped)
	})
	return m, nil
}

func (m *soilStub) Update(epoch time.Time) error {
	if err := m.Base.Update(epoch); err != nil {
		return err
	}
	values, err := m.Ensemble("moisture")
	if err != nil {
		return err
	}
	next := make([]float64, len(values))
	for i, v := range values {
		next[i] = v * 0.99
	}
	return m.SetEnsemble("moisture", next)
}

type wheatModel struct {
	*model.Base
}

func newWheat(tree *model.Tree, name, id string) (model.Model, error) {
	m := &wheatModel{Base: model.NewBase(tree, name, id)}
	m.Declare("biomass", model.KindState, model.UnitGramPerSquareMeter)
	return m, nil
}

func (m *wheatModel) Update(epoch time.Time) error {
	if err := m.Base.Update(epoch); err != nil {
		return err
	}
	values, err := m.Ensemble("biomass")
	if err != nil {
		return err
	}
	next := make([]float64, len(values))
	for i, v := range values {
		next[i] = v + 10
	}
	return m.SetEnsemble("biomass", next)
}

func testRegistry() *model.Registry {
	registry := model.NewRegistry()
	registry.Register("field", newField)
	registry.Register("wheat", newWheat)
	return registry
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
