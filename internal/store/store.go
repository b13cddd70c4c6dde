// Package store is the durable layer: model snapshots and FNR counters
// as point lookups/upserts, decision records keyed by assessment, and an
// append-only outcome log scanned newest-first for coverage audits.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/propsure/decision-engine/internal/matrix"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS model_params (
	model_id      TEXT PRIMARY KEY,
	theta         BLOB NOT NULL,
	phi           BLOB NOT NULL,
	a_matrix      BLOB NOT NULL,
	b_matrix      BLOB NOT NULL,
	beta          REAL NOT NULL,
	gamma         REAL NOT NULL,
	lambda        REAL NOT NULL,
	n             INTEGER NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fnr_counters (
	stratum          TEXT PRIMARY KEY,
	false_negatives  INTEGER NOT NULL DEFAULT 0,
	total_automated  INTEGER NOT NULL DEFAULT 0,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	assessment_id    TEXT PRIMARY KEY,
	id               TEXT NOT NULL,
	experiment_id    TEXT NOT NULL,
	arm              TEXT NOT NULL,
	reason           TEXT,
	safety_ucb       REAL NOT NULL,
	reward_ucb       REAL NOT NULL,
	safety_threshold REAL NOT NULL,
	exploration      INTEGER NOT NULL DEFAULT 0,
	stratum          TEXT,
	context_vector   BLOB NOT NULL,
	predicted_set    TEXT,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
	id             TEXT PRIMARY KEY,
	experiment_id  TEXT NOT NULL,
	stratum        TEXT NOT NULL,
	assessment_id  TEXT,
	predicted_set  TEXT,
	true_class     TEXT NOT NULL,
	covered        INTEGER NOT NULL,
	validated_by   TEXT,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_experiment ON outcomes(experiment_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_outcomes_stratum ON outcomes(experiment_id, stratum, created_at DESC);
`

// #endregion schema

// #region store-struct

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	// Concurrent feedback writers back off instead of failing busy.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion constructor

// #region model-params

// GetModel loads a model snapshot by id. found=false means no snapshot
// has been persisted yet (cold start).
func (s *Store) GetModel(ctx context.Context, modelID string) (ModelSnapshot, bool, error) {
	var snap ModelSnapshot
	var theta, phi, aBlob, bBlob []byte
	var updatedStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT model_id, theta, phi, a_matrix, b_matrix, beta, gamma, lambda, n, updated_at
		 FROM model_params WHERE model_id = ?`, modelID,
	).Scan(&snap.ModelID, &theta, &phi, &aBlob, &bBlob,
		&snap.Beta, &snap.Gamma, &snap.Lambda, &snap.N, &updatedStr)
	if err == sql.ErrNoRows {
		return ModelSnapshot{}, false, nil
	}
	if err != nil {
		return ModelSnapshot{}, false, fmt.Errorf("get model %s: %w", modelID, err)
	}

	snap.Theta = decodeVector(theta)
	snap.Phi = decodeVector(phi)
	snap.A = decodeMatrix(aBlob)
	snap.B = decodeMatrix(bBlob)
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return snap, true, nil
}

// PutModel upserts a model snapshot.
func (s *Store) PutModel(ctx context.Context, snap ModelSnapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_params (model_id, theta, phi, a_matrix, b_matrix, beta, gamma, lambda, n, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model_id) DO UPDATE SET
			theta = excluded.theta, phi = excluded.phi,
			a_matrix = excluded.a_matrix, b_matrix = excluded.b_matrix,
			beta = excluded.beta, gamma = excluded.gamma, lambda = excluded.lambda,
			n = excluded.n, updated_at = excluded.updated_at`,
		snap.ModelID, encodeVector(snap.Theta), encodeVector(snap.Phi),
		encodeMatrix(snap.A), encodeMatrix(snap.B),
		snap.Beta, snap.Gamma, snap.Lambda, snap.N,
		snap.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put model %s: %w", snap.ModelID, err)
	}
	return nil
}

// #endregion model-params

// #region fnr-counters

// GetFNRCounters loads the counters for one stratum.
func (s *Store) GetFNRCounters(ctx context.Context, stratum string) (FNRCounters, bool, error) {
	var c FNRCounters
	var updatedStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT stratum, false_negatives, total_automated, updated_at
		 FROM fnr_counters WHERE stratum = ?`, stratum,
	).Scan(&c.Stratum, &c.FalseNegatives, &c.TotalAutomated, &updatedStr)
	if err == sql.ErrNoRows {
		return FNRCounters{Stratum: stratum}, false, nil
	}
	if err != nil {
		return FNRCounters{}, false, fmt.Errorf("get fnr %s: %w", stratum, err)
	}
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return c, true, nil
}

// IncrementFNR bumps the automate count for a stratum, and the
// false-negative count when the automated assessment actually carried a
// critical hazard.
func (s *Store) IncrementFNR(ctx context.Context, stratum string, falseNegative bool) error {
	fn := 0
	if falseNegative {
		fn = 1
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fnr_counters (stratum, false_negatives, total_automated, updated_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(stratum) DO UPDATE SET
			false_negatives = false_negatives + excluded.false_negatives,
			total_automated = total_automated + 1,
			updated_at = excluded.updated_at`,
		stratum, fn, now,
	)
	if err != nil {
		return fmt.Errorf("increment fnr %s: %w", stratum, err)
	}
	return nil
}

// ListFNRCounters returns every stratum's counters, busiest first.
func (s *Store) ListFNRCounters(ctx context.Context) ([]FNRCounters, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stratum, false_negatives, total_automated, updated_at
		 FROM fnr_counters ORDER BY total_automated DESC`)
	if err != nil {
		return nil, fmt.Errorf("list fnr: %w", err)
	}
	defer rows.Close()

	var out []FNRCounters
	for rows.Next() {
		var c FNRCounters
		var updatedStr string
		if err := rows.Scan(&c.Stratum, &c.FalseNegatives, &c.TotalAutomated, &updatedStr); err != nil {
			return nil, fmt.Errorf("scan fnr row: %w", err)
		}
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
		out = append(out, c)
	}
	return out, rows.Err()
}

// #endregion fnr-counters

// #region decisions

// PutDecision upserts the decision record for an assessment.
func (s *Store) PutDecision(ctx context.Context, rec DecisionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	setJSON, err := json.Marshal(rec.PredictedSet)
	if err != nil {
		return fmt.Errorf("marshal predicted set: %w", err)
	}
	exploration := 0
	if rec.Exploration {
		exploration = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (assessment_id, id, experiment_id, arm, reason, safety_ucb, reward_ucb,
			safety_threshold, exploration, stratum, context_vector, predicted_set, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(assessment_id) DO UPDATE SET
			id = excluded.id, experiment_id = excluded.experiment_id, arm = excluded.arm,
			reason = excluded.reason, safety_ucb = excluded.safety_ucb,
			reward_ucb = excluded.reward_ucb, safety_threshold = excluded.safety_threshold,
			exploration = excluded.exploration, stratum = excluded.stratum,
			context_vector = excluded.context_vector, predicted_set = excluded.predicted_set,
			created_at = excluded.created_at`,
		rec.AssessmentID, rec.ID, rec.ExperimentID, rec.Arm, rec.Reason,
		rec.SafetyUCB, rec.RewardUCB, rec.SafetyThreshold, exploration,
		rec.Stratum, encodeVector(rec.Context), string(setJSON),
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put decision %s: %w", rec.AssessmentID, err)
	}
	return nil
}

// GetDecision loads the decision record for an assessment.
func (s *Store) GetDecision(ctx context.Context, assessmentID string) (DecisionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT assessment_id, id, experiment_id, arm, reason, safety_ucb, reward_ucb,
			safety_threshold, exploration, stratum, context_vector, predicted_set, created_at
		 FROM decisions WHERE assessment_id = ?`, assessmentID)
	rec, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return DecisionRecord{}, false, nil
	}
	if err != nil {
		return DecisionRecord{}, false, fmt.Errorf("get decision %s: %w", assessmentID, err)
	}
	return rec, true, nil
}

// ListDecisions returns the most recent decision records.
func (s *Store) ListDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT assessment_id, id, experiment_id, arm, reason, safety_ucb, reward_ucb,
			safety_threshold, exploration, stratum, context_vector, predicted_set, created_at
		 FROM decisions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (DecisionRecord, error) {
	var rec DecisionRecord
	var reason, strat, setJSON sql.NullString
	var vecBlob []byte
	var exploration int
	var createdStr string

	err := row.Scan(&rec.AssessmentID, &rec.ID, &rec.ExperimentID, &rec.Arm, &reason,
		&rec.SafetyUCB, &rec.RewardUCB, &rec.SafetyThreshold, &exploration,
		&strat, &vecBlob, &setJSON, &createdStr)
	if err != nil {
		return DecisionRecord{}, err
	}
	rec.Reason = reason.String
	rec.Stratum = strat.String
	rec.Exploration = exploration != 0
	rec.Context = decodeVector(vecBlob)
	if setJSON.Valid && setJSON.String != "" {
		_ = json.Unmarshal([]byte(setJSON.String), &rec.PredictedSet)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

// #endregion decisions

// #region outcomes

// AppendOutcome writes one validated-outcome row.
func (s *Store) AppendOutcome(ctx context.Context, rec OutcomeRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	setJSON, err := json.Marshal(rec.PredictedSet)
	if err != nil {
		return fmt.Errorf("marshal predicted set: %w", err)
	}
	covered := 0
	if rec.Covered {
		covered = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outcomes (id, experiment_id, stratum, assessment_id, predicted_set,
			true_class, covered, validated_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ExperimentID, rec.Stratum, rec.AssessmentID, string(setJSON),
		rec.TrueClass, covered, rec.ValidatedBy,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

// RecentOutcomes returns up to limit newest rows for an experiment.
func (s *Store) RecentOutcomes(ctx context.Context, experimentID string, limit int) ([]OutcomeRecord, error) {
	return s.queryOutcomes(ctx,
		`SELECT id, experiment_id, stratum, assessment_id, predicted_set, true_class, covered, validated_by, created_at
		 FROM outcomes WHERE experiment_id = ? ORDER BY created_at DESC LIMIT ?`,
		experimentID, limit)
}

// RecentOutcomesByStratum returns up to limit newest rows for one
// stratum of an experiment.
func (s *Store) RecentOutcomesByStratum(ctx context.Context, experimentID, stratum string, limit int) ([]OutcomeRecord, error) {
	return s.queryOutcomes(ctx,
		`SELECT id, experiment_id, stratum, assessment_id, predicted_set, true_class, covered, validated_by, created_at
		 FROM outcomes WHERE experiment_id = ? AND stratum = ? ORDER BY created_at DESC LIMIT ?`,
		experimentID, stratum, limit)
}

func (s *Store) queryOutcomes(ctx context.Context, query string, args ...any) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var rec OutcomeRecord
		var assessment, setJSON, validatedBy sql.NullString
		var covered int
		var createdStr string
		if err := rows.Scan(&rec.ID, &rec.ExperimentID, &rec.Stratum, &assessment,
			&setJSON, &rec.TrueClass, &covered, &validatedBy, &createdStr); err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		rec.AssessmentID = assessment.String
		rec.ValidatedBy = validatedBy.String
		rec.Covered = covered != 0
		if setJSON.Valid && setJSON.String != "" {
			_ = json.Unmarshal([]byte(setJSON.String), &rec.PredictedSet)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion outcomes

// #region encoding

func encodeVector(v matrix.Vector) []byte {
	buf := make([]byte, matrix.Dim*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte) matrix.Vector {
	var v matrix.Vector
	for i := range v {
		if i*8+8 <= len(b) {
			v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
		}
	}
	return v
}

func encodeMatrix(m matrix.Matrix) []byte {
	buf := make([]byte, matrix.Dim*matrix.Dim*8)
	for i := 0; i < matrix.Dim; i++ {
		for j := 0; j < matrix.Dim; j++ {
			binary.LittleEndian.PutUint64(buf[(i*matrix.Dim+j)*8:], math.Float64bits(m[i][j]))
		}
	}
	return buf
}

func decodeMatrix(b []byte) matrix.Matrix {
	var m matrix.Matrix
	for i := 0; i < matrix.Dim; i++ {
		for j := 0; j < matrix.Dim; j++ {
			off := (i*matrix.Dim + j) * 8
			if off+8 <= len(b) {
				m[i][j] = math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
			}
		}
	}
	return m
}

// #endregion encoding
