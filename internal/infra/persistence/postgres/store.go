// Package postgres provides the Postgres-backed evaluation store for shared
// deployments, mirroring the SQLite schema with JSONB columns.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"cropcore/pkg/evaluation"
	"cropcore/pkg/model"
)

// Compile-time contract assertion.
var _ evaluation.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/cropcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

const (
	defState       = "state"
	defParameter   = "parameter"
	defObservation = "observation"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS evaluations (
		id BIGINT PRIMARY KEY,
		epoch_start DATE NOT NULL,
		epoch_end DATE NOT NULL,
		root_model TEXT NOT NULL,
		root_name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS zones (
		id BIGINT PRIMARY KEY,
		evaluation_id BIGINT NOT NULL REFERENCES evaluations(id),
		name TEXT NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		height DOUBLE PRECISION NOT NULL,
		geometry JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rotation (
		zone_id BIGINT NOT NULL REFERENCES zones(id),
		model_type TEXT NOT NULL,
		epoch_start DATE NOT NULL,
		epoch_end DATE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quantity_defs (
		zone_id BIGINT NOT NULL REFERENCES zones(id),
		def_kind TEXT NOT NULL,
		name TEXT NOT NULL,
		model_id TEXT NOT NULL,
		epoch DATE NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		spec JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS function_defs (
		zone_id BIGINT NOT NULL REFERENCES zones(id),
		name TEXT NOT NULL,
		model_id TEXT NOT NULL,
		epoch DATE NOT NULL,
		def JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ensembles (
		zone_id BIGINT NOT NULL REFERENCES zones(id),
		epoch DATE NOT NULL,
		name TEXT NOT NULL,
		model_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		discrete BOOLEAN NOT NULL,
		vals JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quantity_defs_lookup ON quantity_defs(zone_id, def_kind, epoch)`,
	`CREATE INDEX IF NOT EXISTS idx_ensembles_lookup ON ensembles(zone_id, epoch)`,
}

// Store implements evaluation.Store on Postgres.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN) and applies the schema.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func day(t time.Time) string { return t.UTC().Format(time.DateOnly) }

func asDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Evaluation loads run-level metadata by id.
func (s *Store) Evaluation(ctx context.Context, id int64) (evaluation.Evaluation, error) {
	var e evaluation.Evaluation
	row := s.db.QueryRowContext(ctx,
		`SELECT id, epoch_start, epoch_end, root_model, root_name FROM evaluations WHERE id = $1`, id)
	if err := row.Scan(&e.ID, &e.EpochStart, &e.EpochEnd, &e.RootModel, &e.RootName); err != nil {
		return evaluation.Evaluation{}, fmt.Errorf("select evaluation %d: %w", id, err)
	}
	e.EpochStart = asDay(e.EpochStart)
	e.EpochEnd = asDay(e.EpochEnd)
	return e, nil
}

// Zones lists the zones of an evaluation.
func (s *Store) Zones(ctx context.Context, evaluationID int64) ([]evaluation.Zone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, evaluation_id, name, latitude, height, geometry FROM zones WHERE evaluation_id = $1 ORDER BY id`, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("select zones: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var zones []evaluation.Zone
	for rows.Next() {
		var (
			z        evaluation.Zone
			geometry []byte
		)
		if err := rows.Scan(&z.ID, &z.EvaluationID, &z.Name, &z.Latitude, &z.Height, &geometry); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		if err := json.Unmarshal(geometry, &z.Geometry); err != nil {
			return nil, fmt.Errorf("decode geometry of zone %d: %w", z.ID, err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// Rotation lists a zone's crop periods ordered by sowing epoch.
func (s *Store) Rotation(ctx context.Context, zoneID int64) ([]evaluation.RotationEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT zone_id, model_type, epoch_start, epoch_end FROM rotation WHERE zone_id = $1 ORDER BY epoch_start`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("select rotation: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var entries []evaluation.RotationEntry
	for rows.Next() {
		var e evaluation.RotationEntry
		if err := rows.Scan(&e.ZoneID, &e.ModelType, &e.EpochStart, &e.EpochEnd); err != nil {
			return nil, fmt.Errorf("scan rotation: %w", err)
		}
		e.EpochStart = asDay(e.EpochStart)
		e.EpochEnd = asDay(e.EpochEnd)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// StateDefs lists state definitions for one zone and epoch.
func (s *Store) StateDefs(ctx context.Context, zoneID int64, epoch time.Time) ([]evaluation.QuantityDef, error) {
	return s.quantityDefs(ctx, zoneID, defState, epoch)
}

// ParameterDefs lists parameter definitions for one zone and epoch.
func (s *Store) ParameterDefs(ctx context.Context, zoneID int64, epoch time.Time) ([]evaluation.QuantityDef, error) {
	return s.quantityDefs(ctx, zoneID, defParameter, epoch)
}

// ObservationDefs lists observation definitions for one zone and epoch.
func (s *Store) ObservationDefs(ctx context.Context, zoneID int64, epoch time.Time) ([]evaluation.QuantityDef, error) {
	return s.quantityDefs(ctx, zoneID, defObservation, epoch)
}

func (s *Store) quantityDefs(ctx context.Context, zoneID int64, defKind string, epoch time.Time) ([]evaluation.QuantityDef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT zone_id, name, model_id, epoch, value, spec FROM quantity_defs
		 WHERE zone_id = $1 AND def_kind = $2 AND epoch = $3 ORDER BY model_id, name`,
		zoneID, defKind, day(epoch))
	if err != nil {
		return nil, fmt.Errorf("select %s defs: %w", defKind, err)
	}
	defer func() { _ = rows.Close() }()
	var defs []evaluation.QuantityDef
	for rows.Next() {
		var (
			d       evaluation.QuantityDef
			specRaw []byte
		)
		if err := rows.Scan(&d.ZoneID, &d.Name, &d.ModelID, &d.Epoch, &d.Value, &specRaw); err != nil {
			return nil, fmt.Errorf("scan %s def: %w", defKind, err)
		}
		d.Epoch = asDay(d.Epoch)
		if err := json.Unmarshal(specRaw, &d.Spec); err != nil {
			return nil, fmt.Errorf("decode spec of %s at %s: %w", d.Name, d.ModelID, err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// FunctionDefs lists parameter-function definitions for one zone and epoch.
func (s *Store) FunctionDefs(ctx context.Context, zoneID int64, epoch time.Time) ([]evaluation.FunctionDef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT zone_id, name, model_id, epoch, def FROM function_defs
		 WHERE zone_id = $1 AND epoch = $2 ORDER BY model_id, name`,
		zoneID, day(epoch))
	if err != nil {
		return nil, fmt.Errorf("select function defs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var defs []evaluation.FunctionDef
	for rows.Next() {
		var (
			d      evaluation.FunctionDef
			defRaw []byte
		)
		if err := rows.Scan(&d.ZoneID, &d.Name, &d.ModelID, &d.Epoch, &defRaw); err != nil {
			return nil, fmt.Errorf("scan function def: %w", err)
		}
		d.Epoch = asDay(d.Epoch)
		if err := json.Unmarshal(defRaw, &d.Def); err != nil {
			return nil, fmt.Errorf("decode function %s at %s: %w", d.Name, d.ModelID, err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// WriteEnsembles appends the epoch's estimation results in one transaction.
func (s *Store) WriteEnsembles(ctx context.Context, records []evaluation.EnsembleRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, rec := range records {
		vals, err := json.Marshal(rec.Values)
		if err != nil {
			return fmt.Errorf("encode %s at %s: %w", rec.Name, rec.ModelID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ensembles (zone_id, epoch, name, model_id, kind, discrete, vals) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ZoneID, day(rec.Epoch), rec.Name, rec.ModelID, string(rec.Kind), rec.Discrete, vals); err != nil {
			return fmt.Errorf("insert ensemble %s at %s: %w", rec.Name, rec.ModelID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Ensembles reads back persisted records for one zone and epoch.
func (s *Store) Ensembles(ctx context.Context, zoneID int64, epoch time.Time) ([]evaluation.EnsembleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT zone_id, epoch, name, model_id, kind, discrete, vals FROM ensembles
		 WHERE zone_id = $1 AND epoch = $2 ORDER BY model_id, name`,
		zoneID, day(epoch))
	if err != nil {
		return nil, fmt.Errorf("select ensembles: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var records []evaluation.EnsembleRecord
	for rows.Next() {
		var (
			rec     evaluation.EnsembleRecord
			kind    string
			valsRaw []byte
		)
		if err := rows.Scan(&rec.ZoneID, &rec.Epoch, &rec.Name, &rec.ModelID, &kind, &rec.Discrete, &valsRaw); err != nil {
			return nil, fmt.Errorf("scan ensemble: %w", err)
		}
		rec.Epoch = asDay(rec.Epoch)
		rec.Kind = model.Kind(kind)
		if err := json.Unmarshal(valsRaw, &rec.Values); err != nil {
			return nil, fmt.Errorf("decode values of %s at %s: %w", rec.Name, rec.ModelID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
