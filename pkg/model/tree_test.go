package model_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"cropcore/pkg/model"
)

func TestTreeStructuralIDs(t *testing.T) {
	tree, _ := buildZoneTree(t, 3)

	want := []string{"zone", "zone.atmosphere", "zone.soil", "zone.soil.layer"}
	got := tree.IDs()
	if len(got) != len(want) {
		t.Fatalf("IDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("IDs()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	parent, ok := tree.ParentID("zone.soil.layer")
	if !ok || parent != "zone.soil" {
		t.Fatalf("ParentID(zone.soil.layer) = %q, %v", parent, ok)
	}
	if _, ok := tree.ParentID("zone"); ok {
		t.Fatal("root must have no parent")
	}
}

func TestTreeDuplicateChild(t *testing.T) {
	tree, _ := buildZoneTree(t, 3)
	if _, err := tree.Extend("zone", "soil"); !errors.Is(err, model.ErrDuplicateChild) {
		t.Fatalf("expected ErrDuplicateChild, got %v", err)
	}
	if _, err := tree.Extend("zone.missing", "x"); !errors.Is(err, model.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestTreeQuantityAccessWithConversion(t *testing.T) {
	tree, _ := buildZoneTree(t, 5)

	moisture := []float64{0.1, 0.2, 0.3, 0.4, 0.5}
	if err := tree.SetQuantity("moisture", "zone.soil", moisture, model.UnitFraction); err != nil {
		t.Fatalf("SetQuantity: %v", err)
	}
	perc, err := tree.GetQuantity("moisture", "zone.soil", model.UnitPercent)
	if err != nil {
		t.Fatalf("GetQuantity: %v", err)
	}
	for i, v := range perc {
		if math.Abs(v-moisture[i]*100) > 1e-12 {
			t.Fatalf("perc[%d] = %g, want %g", i, v, moisture[i]*100)
		}
	}

	// Writes convert from the supplied unit into the declared one.
	if err := tree.SetQuantity("moisture", "zone.soil", []float64{50, 50, 50, 50, 50}, model.UnitPercent); err != nil {
		t.Fatalf("SetQuantity in percent: %v", err)
	}
	frac, err := tree.GetQuantity("moisture", "zone.soil", model.UnitFraction)
	if err != nil {
		t.Fatalf("GetQuantity: %v", err)
	}
	for i, v := range frac {
		if v != 0.5 {
			t.Fatalf("frac[%d] = %g, want 0.5", i, v)
		}
	}

	if err := tree.SetQuantity("moisture", "zone.soil", []float64{1, 2}, model.UnitFraction); !errors.Is(err, model.ErrEnsembleLength) {
		t.Fatalf("expected ErrEnsembleLength, got %v", err)
	}
	if _, err := tree.GetQuantity("moisture", "zone.missing", model.UnitFraction); !errors.Is(err, model.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if _, err := tree.GetQuantity("porosity", "zone.soil", model.UnitFraction); !errors.Is(err, model.ErrUnknownQuantity) {
		t.Fatalf("expected ErrUnknownQuantity, got %v", err)
	}
}

func TestObservationEpochContract(t *testing.T) {
	tree, _ := buildZoneTree(t, 2)
	obs := []float64{40, 60}

	// Observations must go through SetObservation.
	if err := tree.SetQuantity("moisture_obs", "zone.soil", obs, model.UnitPercent); !errors.Is(err, model.ErrMissingEpoch) {
		t.Fatalf("expected ErrMissingEpoch, got %v", err)
	}

	epoch := time.Date(2021, 5, 12, 0, 0, 0, 0, time.UTC)
	if err := tree.SetObservation("moisture_obs", "zone.soil", obs, model.UnitPercent, epoch); err != nil {
		t.Fatalf("SetObservation: %v", err)
	}
	got, ok, err := tree.ObservationEpoch("moisture_obs", "zone.soil")
	if err != nil || !ok {
		t.Fatalf("ObservationEpoch: %v, %v", ok, err)
	}
	if !got.Equal(epoch) {
		t.Fatalf("epoch = %v, want %v", got, epoch)
	}
}

func TestRelativeRequirementPaths(t *testing.T) {
	tree, _ := buildZoneTree(t, 4)
	if err := tree.SetQuantity("moisture", "zone.soil", []float64{0.25, 0.25, 0.25, 0.25}, model.UnitFraction); err != nil {
		t.Fatalf("SetQuantity: %v", err)
	}

	layer, ok := tree.Get("zone.soil.layer")
	if !ok {
		t.Fatal("layer not found")
	}
	req, err := layer.Core().Require("soil_moisture")
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if req.OwnerID() != "zone.soil" {
		t.Fatalf("OwnerID = %s, want zone.soil", req.OwnerID())
	}
	values, err := req.Values()
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	for i, v := range values {
		if v != 25 {
			t.Fatalf("values[%d] = %g, want 25 (percent)", i, v)
		}
	}

	// Ascending past the root is a declaration error.
	if _, err := tree.ResolvePath("zone", ".__parent__.x"); !errors.Is(err, model.ErrBadPath) {
		t.Fatalf("expected ErrBadPath, got %v", err)
	}
	// Descend steps are not existence-checked at declaration.
	id, err := tree.ResolvePath("zone.soil", ".layer.future")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if id != "zone.soil.layer.future" {
		t.Fatalf("ResolvePath = %s", id)
	}
}

func TestConnectDisconnect(t *testing.T) {
	zoneTree, _ := buildZoneTree(t, 3)
	cropTree, crop := buildCropTree(t, 3)

	if err := zoneTree.SetQuantity("moisture", "zone.soil", []float64{0.5, 0.6, 0.7}, model.UnitFraction); err != nil {
		t.Fatalf("SetQuantity: %v", err)
	}

	// Before connection the crop's requirement cannot resolve.
	req, err := crop.Core().Require("soil_moisture")
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if _, err := req.Values(); !errors.Is(err, model.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel before connect, got %v", err)
	}

	zoneTree.Connect(cropTree)
	zoneTree.Connect(cropTree) // idempotent
	if !zoneTree.Connected("crop") || !cropTree.Connected("zone") {
		t.Fatal("connection must register on both sides")
	}

	values, err := req.Values()
	if err != nil {
		t.Fatalf("Values after connect: %v", err)
	}
	if values[2] != 0.7 {
		t.Fatalf("values[2] = %g, want 0.7", values[2])
	}

	// Lookups resolve across the connection in both directions.
	if _, ok := zoneTree.Get("crop"); !ok {
		t.Fatal("zone tree must resolve crop id while connected")
	}
	if _, ok := cropTree.Get("zone.soil"); !ok {
		t.Fatal("crop tree must resolve zone ids while connected")
	}

	zoneTree.Disconnect(cropTree)
	zoneTree.Disconnect(cropTree) // idempotent
	if zoneTree.Connected("crop") || cropTree.Connected("zone") {
		t.Fatal("disconnect must remove both sides")
	}
	if _, err := req.Values(); !errors.Is(err, model.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel after disconnect, got %v", err)
	}
}

func TestCheckConditionsRepairsAndOrder(t *testing.T) {
	tree, _ := buildZoneTree(t, 3)
	if err := tree.SetQuantity("moisture", "zone.soil", []float64{-0.2, 0.5, 1.4}, model.UnitFraction); err != nil {
		t.Fatalf("SetQuantity: %v", err)
	}
	if err := tree.CheckConditions(); err != nil {
		t.Fatalf("CheckConditions: %v", err)
	}
	values, err := tree.GetQuantity("moisture", "zone.soil", model.UnitFraction)
	if err != nil {
		t.Fatalf("GetQuantity: %v", err)
	}
	want := []float64{0, 0.5, 1}
	for i := range want {
		if values[i] != want[i] {
			t.Fatalf("moisture[%d] = %g, want %g", i, values[i], want[i])
		}
	}
}

func TestCheckConditionsLocalSkipsConnected(t *testing.T) {
	zoneTree, _ := buildZoneTree(t, 2)
	cropTree, crop := buildCropTree(t, 2)

	ran := false
	crop.DeclareCondition("probe", func() error {
		ran = true
		return nil
	})
	zoneTree.Connect(cropTree)
	if err := zoneTree.SetQuantity("moisture", "zone.soil", []float64{0.5, 0.5}, model.UnitFraction); err != nil {
		t.Fatalf("SetQuantity: %v", err)
	}

	if err := zoneTree.CheckConditionsLocal(); err != nil {
		t.Fatalf("CheckConditionsLocal: %v", err)
	}
	if ran {
		t.Fatal("local pass must not reach connected trees")
	}
	if err := zoneTree.CheckConditions(); err != nil {
		t.Fatalf("CheckConditions: %v", err)
	}
	if !ran {
		t.Fatal("full pass must reach connected trees")
	}
}

func TestUpdateAllSkipsUninitialized(t *testing.T) {
	zoneTree, _ := buildZoneTree(t, 2)
	cropTree, crop := buildCropTree(t, 2)
	zoneTree.Connect(cropTree)

	epoch := time.Date(2021, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := zoneTree.InitializeAll(epoch); err != nil {
		t.Fatalf("InitializeAll: %v", err)
	}
	if err := zoneTree.UpdateAll(epoch.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("UpdateAll: %v", err)
	}
	if len(crop.updated) != 0 {
		t.Fatal("uninitialized crop must be skipped")
	}

	if err := cropTree.InitializeAll(epoch.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("crop InitializeAll: %v", err)
	}
	if err := zoneTree.UpdateAll(epoch.AddDate(0, 0, 2)); err != nil {
		t.Fatalf("UpdateAll: %v", err)
	}
	if len(crop.updated) != 1 {
		t.Fatalf("crop updates = %d, want 1", len(crop.updated))
	}
}

func TestInitializeResetsRandomOutputs(t *testing.T) {
	tree, _ := buildZoneTree(t, 3)
	if err := tree.InitializeAll(time.Date(2021, 4, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("InitializeAll: %v", err)
	}
	values, err := tree.GetQuantity("radiation", "zone.atmosphere", model.UnitUndefined)
	if err != nil {
		t.Fatalf("GetQuantity: %v", err)
	}
	for i, v := range values {
		if !math.IsNaN(v) {
			t.Fatalf("radiation[%d] = %g, want NaN after init", i, v)
		}
	}
}

func TestConnectedTraversalSingleHop(t *testing.T) {
	zoneTree, _ := buildZoneTree(t, 2)
	cropTree, crop := buildCropTree(t, 2)
	zoneTree.Connect(cropTree)

	// The association is bidirectional, so traversal must stop after one
	// hop: each side lists its own models, then the peer's, exactly once.
	for _, tc := range []struct {
		name string
		tree *model.Tree
		want []string
	}{
		{"zone side", zoneTree, []string{"zone", "zone.atmosphere", "zone.soil", "zone.soil.layer", "crop"}},
		{"crop side", cropTree, []string{"crop", "zone", "zone.atmosphere", "zone.soil", "zone.soil.layer"}},
	} {
		models := tc.tree.Models()
		if len(models) != len(tc.want) {
			t.Fatalf("%s: Models() returned %d entries, want %d", tc.name, len(models), len(tc.want))
		}
		for i, m := range models {
			if m.Core().ID() != tc.want[i] {
				t.Fatalf("%s: Models()[%d] = %s, want %s", tc.name, i, m.Core().ID(), tc.want[i])
			}
		}
	}

	epoch := time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := zoneTree.InitializeAll(epoch); err != nil {
		t.Fatalf("zone InitializeAll: %v", err)
	}
	if err := cropTree.InitializeAll(epoch); err != nil {
		t.Fatalf("crop InitializeAll: %v", err)
	}
	if err := zoneTree.SetQuantity("moisture", "zone.soil", []float64{-0.5, 1.5}, model.UnitFraction); err != nil {
		t.Fatalf("SetQuantity: %v", err)
	}

	if err := zoneTree.UpdateAll(epoch.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("UpdateAll across the connection: %v", err)
	}
	if len(crop.updated) != 1 {
		t.Fatalf("crop updates through the zone tree = %d, want 1", len(crop.updated))
	}

	if err := zoneTree.CheckConditions(); err != nil {
		t.Fatalf("CheckConditions across the connection: %v", err)
	}
	values, err := zoneTree.GetQuantity("moisture", "zone.soil", model.UnitFraction)
	if err != nil {
		t.Fatalf("GetQuantity: %v", err)
	}
	for i, v := range values {
		if v < 0 || v > 1 {
			t.Fatalf("moisture[%d] = %g escaped the clipping condition", i, v)
		}
	}
}
