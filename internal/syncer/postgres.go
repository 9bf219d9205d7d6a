package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"careline/internal/domain"
)

// PostgresStore is the production RemoteStore, backed by the district server's
// Postgres instance.
type PostgresStore struct {
	DB *sql.DB
}

func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open remote store: %w", err)
	}
	return &PostgresStore{DB: db}, nil
}

func (s *PostgresStore) Close() error { return s.DB.Close() }

// PushAssessment inserts the assessment keyed by its local id. The conditional
// insert makes resubmission a detectable no-op rather than a duplicate row.
func (s *PostgresStore) PushAssessment(ctx context.Context, oa domain.OfflineAssessment) error {
	payload, err := json.Marshal(oa.Assessment)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO synced_assessments (local_id, patient_id, worker_id, risk_level, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (local_id) DO NOTHING`,
		oa.LocalID, oa.PatientID, oa.WorkerID, string(oa.Assessment.RiskLevel), payload, oa.CreatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadySynced
	}
	return nil
}

func (s *PostgresStore) FetchPatientUpdates(ctx context.Context, region, since string) ([]domain.Patient, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, region, version, updated_at FROM patients
WHERE region = $1 AND updated_at > $2 ORDER BY updated_at ASC, id ASC`, region, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Patient
	for rows.Next() {
		var p domain.Patient
		if err := rows.Scan(&p.ID, &p.Name, &p.Region, &p.Version, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}
