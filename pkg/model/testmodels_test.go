package model_test

import (
	"time"

	"cropcore/pkg/model"
)

// The fixture tree mirrors a minimal growing zone: a root with an atmosphere
// and a soil child, the soil carrying one layer, plus a detachable crop tree
// used by the connection tests.

type zoneModel struct {
	*model.Base
}

func newZone(tree *model.Tree, name, id string) (model.Model, error) {
	m := &zoneModel{Base: model.NewBase(tree, name, id)}
	m.Declare("latitude", model.KindDeterministicOutput, model.UnitUndefined)
	if _, err := m.DeclareChild("atmosphere", newAtmosphere); err != nil {
		return nil, err
	}
	if _, err := m.DeclareChild("soil", newSoil); err != nil {
		return nil, err
	}
	return m, nil
}

type atmosphereModel struct {
	*model.Base
}

func newAtmosphere(tree *model.Tree, name, id string) (model.Model, error) {
	m := &atmosphereModel{Base: model.NewBase(tree, name, id)}
	m.Declare("tair", model.KindState, model.UnitCelsius)
	m.Declare("radiation", model.KindRandomOutput, model.UnitMegajoulePerSquareMeterDay)
	return m, nil
}

type soilModel struct {
	*model.Base
}

func newSoil(tree *model.Tree, name, id string) (model.Model, error) {
	m := &soilModel{Base: model.NewBase(tree, name, id)}
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
	if _, err := m.DeclareChild("layer", newLayer); err != nil {
		return nil, err
	}
	return m, nil
}

type layerModel struct {
	*model.Base
}

func newLayer(tree *model.Tree, name, id string) (model.Model, error) {
	m := &layerModel{Base: model.NewBase(tree, name, id)}
	m.Declare("depth", model.KindState, model.UnitMillimeter)
	// Reads the parent soil's moisture in percent.
	if err := m.DeclareRequirement("soil_moisture", "moisture", ".__parent__", model.UnitPercent); err != nil {
		return nil, err
	}
	return m, nil
}

type cropModel struct {
	*model.Base
	updated []time.Time
}

func newCrop(tree *model.Tree, name, id string) (model.Model, error) {
	m := &cropModel{Base: model.NewBase(tree, name, id)}
	m.Declare("biomass", model.KindState, model.UnitGramPerSquareMeter)
	// Reaches across the tree connection into the zone's soil.
	if err := m.DeclareRequirement("soil_moisture", "moisture", "zone.soil", model.UnitFraction); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cropModel) Update(epoch time.Time) error {
	if err := m.Base.Update(epoch); err != nil {
		return err
	}
	m.updated = append(m.updated, epoch)
	return nil
}

func buildZoneTree(t interface{ Fatalf(string, ...any) }, n int) (*model.Tree, model.Model) {
	tree := model.NewTree("zone", n)
	root, err := newZone(tree, "zone", "zone")
	if err != nil {
		t.Fatalf("build zone: %v", err)
	}
	if err := tree.Register(root); err != nil {
		t.Fatalf("register zone: %v", err)
	}
	return tree, root
}

func buildCropTree(t interface{ Fatalf(string, ...any) }, n int) (*model.Tree, *cropModel) {
	tree := model.NewTree("crop", n)
	root, err := newCrop(tree, "crop", "crop")
	if err != nil {
		t.Fatalf("build crop: %v", err)
	}
	if err := tree.Register(root); err != nil {
		t.Fatalf("register crop: %v", err)
	}
	return tree, root.(*cropModel)
}
