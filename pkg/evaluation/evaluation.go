// Package evaluation defines the storage contract the estimation engine
// consumes: evaluation and zone metadata, crop-rotation records, quantity
// definitions and the ensembles written back per epoch. Implementations live
// under internal/infra/persistence.
package evaluation

import (
	"context"
	"time"

	"cropcore/pkg/model"
	"cropcore/pkg/montecarlo"
)

// Evaluation is the run-level metadata: the epoch range and the registered
// type tag of the root model every zone tree is built from.
type Evaluation struct {
	ID         int64
	EpochStart time.Time
	EpochEnd   time.Time
	RootModel  string
	RootName   string
}

// Coordinate is one vertex of a zone's raster geometry reference.
type Coordinate struct {
	X float64
	Y float64
}

// Zone is the per-zone metadata attached to a tree at setup.
type Zone struct {
	ID           int64
	EvaluationID int64
	Name         string
	Latitude     float64
	Height       float64
	Geometry     []Coordinate
}

// RotationEntry is one crop period of a zone's rotation: the registered
// crop model type, the sowing epoch and the harvest (or mulching) epoch.
type RotationEntry struct {
	ZoneID     int64
	ModelType  string
	EpochStart time.Time
	EpochEnd   time.Time
}

// QuantityDef defines one state, parameter or observation at one epoch: a
// reference value plus the distribution spec deciding between sampling and
// constant broadcast.
type QuantityDef struct {
	ZoneID  int64
	Name    string
	ModelID string
	Epoch   time.Time
	Value   float64
	Spec    montecarlo.DistSpec
}

// FunctionDef defines one parameter function at one epoch.
type FunctionDef struct {
	ZoneID  int64
	Name    string
	ModelID string
	Epoch   time.Time
	Def     model.FunctionDef
}

// EnsembleRecord is one persisted ensemble, keyed by zone, epoch, quantity
// name and owning model id.
type EnsembleRecord struct {
	ZoneID   int64      `json:"zone_id"`
	Epoch    time.Time  `json:"epoch"`
	Name     string     `json:"name"`
	ModelID  string     `json:"model_id"`
	Kind     model.Kind `json:"kind"`
	Discrete bool       `json:"discrete"`
	Values   []float64  `json:"values"`
}

// Store is the persistence collaborator. Calls are synchronous and complete
// before the estimator takes its next step; errors surface to the daily
// loop and are not retried.
type Store interface {
	Evaluation(ctx context.Context, id int64) (Evaluation, error)
	Zones(ctx context.Context, evaluationID int64) ([]Zone, error)
	Rotation(ctx context.Context, zoneID int64) ([]RotationEntry, error)

	StateDefs(ctx context.Context, zoneID int64, epoch time.Time) ([]QuantityDef, error)
	ParameterDefs(ctx context.Context, zoneID int64, epoch time.Time) ([]QuantityDef, error)
	FunctionDefs(ctx context.Context, zoneID int64, epoch time.Time) ([]FunctionDef, error)
	ObservationDefs(ctx context.Context, zoneID int64, epoch time.Time) ([]QuantityDef, error)

	WriteEnsembles(ctx context.Context, records []EnsembleRecord) error
}
