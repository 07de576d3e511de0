// Package sqlite provides the SQLite-backed evaluation store, the default
// backend for single-machine runs. Distribution specs, function definitions,
// zone geometry and ensemble vectors are stored as JSON columns; epochs are
// stored as ISO dates because every engine query is keyed by day.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"cropcore/pkg/evaluation"
	"cropcore/pkg/model"
)

// Compile-time contract assertion.
var _ evaluation.Store = (*Store)(nil)

// Quantity definition kinds stored in the quantity_defs table.
const (
	defState       = "state"
	defParameter   = "parameter"
	defObservation = "observation"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY,
		epoch_start TEXT NOT NULL,
		epoch_end TEXT NOT NULL,
		root_model TEXT NOT NULL,
		root_name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS zones (
		id INTEGER PRIMARY KEY,
		evaluation_id INTEGER NOT NULL REFERENCES evaluations(id),
		name TEXT NOT NULL,
		latitude REAL NOT NULL,
		height REAL NOT NULL,
		geometry TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rotation (
		zone_id INTEGER NOT NULL REFERENCES zones(id),
		model_type TEXT NOT NULL,
		epoch_start TEXT NOT NULL,
		epoch_end TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quantity_defs (
		zone_id INTEGER NOT NULL REFERENCES zones(id),
		def_kind TEXT NOT NULL,
		name TEXT NOT NULL,
		model_id TEXT NOT NULL,
		epoch TEXT NOT NULL,
		value REAL NOT NULL,
		spec TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS function_defs (
		zone_id INTEGER NOT NULL REFERENCES zones(id),
		name TEXT NOT NULL,
		model_id TEXT NOT NULL,
		epoch TEXT NOT NULL,
		def TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ensembles (
		zone_id INTEGER NOT NULL REFERENCES zones(id),
		epoch TEXT NOT NULL,
		name TEXT NOT NULL,
		model_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		discrete INTEGER NOT NULL,
		vals TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quantity_defs_lookup ON quantity_defs(zone_id, def_kind, epoch)`,
	`CREATE INDEX IF NOT EXISTS idx_ensembles_lookup ON ensembles(zone_id, epoch)`,
}

// Store implements evaluation.Store on SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at path and applies the schema.
// Pass ":memory:" for an ephemeral test database.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "cropcore.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
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

func parseDay(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse epoch %q: %w", s, err)
	}
	return t, nil
}

// Evaluation loads run-level metadata by id.
func (s *Store) Evaluation(ctx context.Context, id int64) (evaluation.Evaluation, error) {
	var (
		e          evaluation.Evaluation
		start, end string
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, epoch_start, epoch_end, root_model, root_name FROM evaluations WHERE id = ?`, id)
	if err := row.Scan(&e.ID, &start, &end, &e.RootModel, &e.RootName); err != nil {
		return evaluation.Evaluation{}, fmt.Errorf("select evaluation %d: %w", id, err)
	}
	var err error
	if e.EpochStart, err = parseDay(start); err != nil {
		return evaluation.Evaluation{}, err
	}
	if e.EpochEnd, err = parseDay(end); err != nil {
		return evaluation.Evaluation{}, err
	}
	return e, nil
}

// Zones lists the zones of an evaluation.
func (s *Store) Zones(ctx context.Context, evaluationID int64) ([]evaluation.Zone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, evaluation_id, name, latitude, height, geometry FROM zones WHERE evaluation_id = ? ORDER BY id`, evaluationID)
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
		`SELECT zone_id, model_type, epoch_start, epoch_end FROM rotation WHERE zone_id = ? ORDER BY epoch_start`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("select rotation: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var entries []evaluation.RotationEntry
	for rows.Next() {
		var (
			e          evaluation.RotationEntry
			start, end string
		)
		if err := rows.Scan(&e.ZoneID, &e.ModelType, &start, &end); err != nil {
			return nil, fmt.Errorf("scan rotation: %w", err)
		}
		if e.EpochStart, err = parseDay(start); err != nil {
			return nil, err
		}
		if e.EpochEnd, err = parseDay(end); err != nil {
			return nil, err
		}
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
		 WHERE zone_id = ? AND def_kind = ? AND epoch = ? ORDER BY model_id, name`,
		zoneID, defKind, day(epoch))
	if err != nil {
		return nil, fmt.Errorf("select %s defs: %w", defKind, err)
	}
	defer func() { _ = rows.Close() }()
	var defs []evaluation.QuantityDef
	for rows.Next() {
		var (
			d       evaluation.QuantityDef
			epochS  string
			specRaw []byte
		)
		if err := rows.Scan(&d.ZoneID, &d.Name, &d.ModelID, &epochS, &d.Value, &specRaw); err != nil {
			return nil, fmt.Errorf("scan %s def: %w", defKind, err)
		}
		if d.Epoch, err = parseDay(epochS); err != nil {
			return nil, err
		}
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
		 WHERE zone_id = ? AND epoch = ? ORDER BY model_id, name`,
		zoneID, day(epoch))
	if err != nil {
		return nil, fmt.Errorf("select function defs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var defs []evaluation.FunctionDef
	for rows.Next() {
		var (
			d      evaluation.FunctionDef
			epochS string
			defRaw []byte
		)
		if err := rows.Scan(&d.ZoneID, &d.Name, &d.ModelID, &epochS, &defRaw); err != nil {
			return nil, fmt.Errorf("scan function def: %w", err)
		}
		if d.Epoch, err = parseDay(epochS); err != nil {
			return nil, err
		}
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
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ensembles (zone_id, epoch, name, model_id, kind, discrete, vals) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, rec := range records {
		vals, err := json.Marshal(rec.Values)
		if err != nil {
			return fmt.Errorf("encode %s at %s: %w", rec.Name, rec.ModelID, err)
		}
		if _, err := stmt.ExecContext(ctx, rec.ZoneID, day(rec.Epoch), rec.Name, rec.ModelID, string(rec.Kind), rec.Discrete, vals); err != nil {
			return fmt.Errorf("insert ensemble %s at %s: %w", rec.Name, rec.ModelID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Ensembles reads back persisted records for one zone and epoch, mainly for
// summarisation tooling and tests.
func (s *Store) Ensembles(ctx context.Context, zoneID int64, epoch time.Time) ([]evaluation.EnsembleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT zone_id, epoch, name, model_id, kind, discrete, vals FROM ensembles
		 WHERE zone_id = ? AND epoch = ? ORDER BY model_id, name`,
		zoneID, day(epoch))
	if err != nil {
		return nil, fmt.Errorf("select ensembles: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var records []evaluation.EnsembleRecord
	for rows.Next() {
		var (
			rec     evaluation.EnsembleRecord
			epochS  string
			kind    string
			valsRaw []byte
		)
		if err := rows.Scan(&rec.ZoneID, &epochS, &rec.Name, &rec.ModelID, &kind, &rec.Discrete, &valsRaw); err != nil {
			return nil, fmt.Errorf("scan ensemble: %w", err)
		}
		if rec.Epoch, err = parseDay(epochS); err != nil {
			return nil, err
		}
		rec.Kind = model.Kind(kind)
		if err := json.Unmarshal(valsRaw, &rec.Values); err != nil {
			return nil, fmt.Errorf("decode values of %s at %s: %w", rec.Name, rec.ModelID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AddEvaluation inserts run metadata. Ingest helpers below serve the setup
// tooling and tests; the estimation engine itself only reads.
func (s *Store) AddEvaluation(ctx context.Context, e evaluation.Evaluation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluations (id, epoch_start, epoch_end, root_model, root_name) VALUES (?, ?, ?, ?, ?)`,
		e.ID, day(e.EpochStart), day(e.EpochEnd), e.RootModel, e.RootName)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// AddZone inserts a zone.
func (s *Store) AddZone(ctx context.Context, z evaluation.Zone) error {
	geometry, err := json.Marshal(z.Geometry)
	if err != nil {
		return fmt.Errorf("encode geometry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO zones (id, evaluation_id, name, latitude, height, geometry) VALUES (?, ?, ?, ?, ?, ?)`,
		z.ID, z.EvaluationID, z.Name, z.Latitude, z.Height, geometry)
	if err != nil {
		return fmt.Errorf("insert zone: %w", err)
	}
	return nil
}

// AddRotation inserts a crop period.
func (s *Store) AddRotation(ctx context.Context, e evaluation.RotationEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rotation (zone_id, model_type, epoch_start, epoch_end) VALUES (?, ?, ?, ?)`,
		e.ZoneID, e.ModelType, day(e.EpochStart), day(e.EpochEnd))
	if err != nil {
		return fmt.Errorf("insert rotation: %w", err)
	}
	return nil
}

// AddStateDef inserts a state definition.
func (s *Store) AddStateDef(ctx context.Context, d evaluation.QuantityDef) error {
	return s.addQuantityDef(ctx, defState, d)
}

// AddParameterDef inserts a parameter definition.
func (s *Store) AddParameterDef(ctx context.Context, d evaluation.QuantityDef) error {
	return s.addQuantityDef(ctx, defParameter, d)
}

// AddObservationDef inserts an observation definition.
func (s *Store) AddObservationDef(ctx context.Context, d evaluation.QuantityDef) error {
	return s.addQuantityDef(ctx, defObservation, d)
}

func (s *Store) addQuantityDef(ctx context.Context, defKind string, d evaluation.QuantityDef) error {
	spec, err := json.Marshal(d.Spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quantity_defs (zone_id, def_kind, name, model_id, epoch, value, spec) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ZoneID, defKind, d.Name, d.ModelID, day(d.Epoch), d.Value, spec)
	if err != nil {
		return fmt.Errorf("insert %s def: %w", defKind, err)
	}
	return nil
}

// AddFunctionDef inserts a parameter-function definition.
func (s *Store) AddFunctionDef(ctx context.Context, d evaluation.FunctionDef) error {
	def, err := json.Marshal(d.Def)
	if err != nil {
		return fmt.Errorf("encode function def: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO function_defs (zone_id, name, model_id, epoch, def) VALUES (?, ?, ?, ?, ?)`,
		d.ZoneID, d.Name, d.ModelID, day(d.Epoch), def)
	if err != nil {
		return fmt.Errorf("insert function def: %w", err)
	}
	return nil
}
