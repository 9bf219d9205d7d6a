package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"careline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- sessions ---

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,patient_id,worker_id,language,state,question_count,created_at,last_activity,expires_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.PatientID, s.WorkerID, s.Language, string(s.State), s.QuestionCount, s.CreatedAt, s.LastActivity, s.ExpiresAt)
	return err
}

// GetSession loads the session row with its full message history and symptom
// set (symptoms in insertion order).
func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	var state string
	err := r.DB.QueryRowContext(ctx, `SELECT id,patient_id,worker_id,language,state,question_count,created_at,last_activity,expires_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.PatientID, &s.WorkerID, &s.Language, &state, &s.QuestionCount, &s.CreatedAt, &s.LastActivity, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.State = domain.SessionState(state)
	if s.Messages, err = r.ListMessages(ctx, id); err != nil {
		return s, err
	}
	if s.Symptoms, err = r.ListSymptoms(ctx, id); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) UpdateSessionState(ctx context.Context, tx *sql.Tx, id string, state domain.SessionState, questionCount int, lastActivity string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET state=?, question_count=?, last_activity=? WHERE id=?`,
		string(state), questionCount, lastActivity, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, sessionID string, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(session_id,role,text,ts) VALUES (?,?,?,?)`,
		sessionID, m.Role, m.Text, m.TS)
	return err
}

func (r Repo) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role,text,ts FROM messages WHERE session_id=? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.Role, &m.Text, &m.TS); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpsertSymptom inserts or updates in place: a restated symptom overwrites
// severity and duration without duplicating the name.
func (r Repo) UpsertSymptom(ctx context.Context, tx *sql.Tx, sessionID string, s domain.Symptom, position int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO symptoms(session_id,name,severity,duration,onset_at,position) VALUES (?,?,?,?,?,?)
ON CONFLICT(session_id,name) DO UPDATE SET severity=excluded.severity, duration=excluded.duration`,
		sessionID, s.Name, s.Severity, nullable(s.Duration), nullable(s.OnsetAt), position)
	return err
}

func (r Repo) ListSymptoms(ctx context.Context, sessionID string) ([]domain.Symptom, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,severity,duration,onset_at FROM symptoms WHERE session_id=? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Symptom
	for rows.Next() {
		var s domain.Symptom
		var duration, onset sql.NullString
		if err := rows.Scan(&s.Name, &s.Severity, &duration, &onset); err != nil {
			return nil, err
		}
		if duration.Valid {
			s.Duration = duration.String
		}
		if onset.Valid {
			s.OnsetAt = onset.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- assessments ---

func (r Repo) InsertAssessment(ctx context.Context, tx *sql.Tx, a domain.RiskAssessment) error {
	reasoning, err := json.Marshal(a.Reasoning)
	if err != nil {
		return err
	}
	recs, err := json.Marshal(a.Recommendations)
	if err != nil {
		return err
	}
	refs, err := json.Marshal(a.GuidelineRefs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO assessments(id,session_id,risk_level,confidence,reasoning_json,recommendations_json,referral_required,guideline_refs_json,guideline_degraded,clinical_outcome,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullable(a.SessionID), string(a.RiskLevel), a.ConfidenceScore, string(reasoning), string(recs),
		boolInt(a.ReferralRequired), string(refs), boolInt(a.GuidelineDegraded), nullable(a.ClinicalOutcome), a.CreatedAt)
	return err
}

func (r Repo) GetAssessmentBySession(ctx context.Context, sessionID string) (domain.RiskAssessment, error) {
	return r.scanAssessment(r.DB.QueryRowContext(ctx, `SELECT id,session_id,risk_level,confidence,reasoning_json,recommendations_json,referral_required,guideline_refs_json,guideline_degraded,clinical_outcome,created_at FROM assessments WHERE session_id=?`, sessionID))
}

func (r Repo) GetAssessment(ctx context.Context, id string) (domain.RiskAssessment, error) {
	return r.scanAssessment(r.DB.QueryRowContext(ctx, `SELECT id,session_id,risk_level,confidence,reasoning_json,recommendations_json,referral_required,guideline_refs_json,guideline_degraded,clinical_outcome,created_at FROM assessments WHERE id=?`, id))
}

func (r Repo) scanAssessment(row *sql.Row) (domain.RiskAssessment, error) {
	var a domain.RiskAssessment
	var sessionID, refsJSON, outcome sql.NullString
	var level string
	var reasoningJSON, recsJSON string
	var referral, degraded int
	err := row.Scan(&a.ID, &sessionID, &level, &a.ConfidenceScore, &reasoningJSON, &recsJSON, &referral, &refsJSON, &degraded, &outcome, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.RiskLevel = domain.RiskLevel(level)
	a.ReferralRequired = referral != 0
	a.GuidelineDegraded = degraded != 0
	if sessionID.Valid {
		a.SessionID = sessionID.String
	}
	if outcome.Valid {
		a.ClinicalOutcome = outcome.String
	}
	if err := json.Unmarshal([]byte(reasoningJSON), &a.Reasoning); err != nil {
		return a, fmt.Errorf("decode reasoning: %w", err)
	}
	if err := json.Unmarshal([]byte(recsJSON), &a.Recommendations); err != nil {
		return a, fmt.Errorf("decode recommendations: %w", err)
	}
	if refsJSON.Valid && refsJSON.String != "" {
		if err := json.Unmarshal([]byte(refsJSON.String), &a.GuidelineRefs); err != nil {
			return a, fmt.Errorf("decode guideline refs: %w", err)
		}
	}
	return a, nil
}

// SetClinicalOutcome appends the observed outcome to a completed assessment;
// it never touches the scored fields.
func (r Repo) SetClinicalOutcome(ctx context.Context, tx *sql.Tx, id, outcome string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assessments SET clinical_outcome=? WHERE id=?`, outcome, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- offline queue ---

func (r Repo) Enqueue(ctx context.Context, tx *sql.Tx, oa domain.OfflineAssessment) error {
	payload, err := json.Marshal(oa.Assessment)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO offline_queue(local_id,patient_id,worker_id,assessment_json,status,attempts,created_at) VALUES (?,?,?,?,?,?,?)`,
		oa.LocalID, oa.PatientID, oa.WorkerID, string(payload), string(domain.SyncPending), 0, oa.CreatedAt)
	return err
}

type QueueFilters struct {
	Status domain.SyncStatus
	Limit  int
}

func (r Repo) ListQueue(ctx context.Context, f QueueFilters) ([]domain.OfflineAssessment, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT local_id,patient_id,worker_id,assessment_json,status,attempts,created_at,synced_at FROM offline_queue ` + where + ` ORDER BY created_at ASC, local_id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OfflineAssessment
	for rows.Next() {
		var oa domain.OfflineAssessment
		var status, payload string
		var syncedAt sql.NullString
		if err := rows.Scan(&oa.LocalID, &oa.PatientID, &oa.WorkerID, &payload, &status, &oa.Attempts, &oa.CreatedAt, &syncedAt); err != nil {
			return nil, err
		}
		oa.Status = domain.SyncStatus(status)
		if syncedAt.Valid {
			oa.SyncedAt = syncedAt.String
		}
		if err := json.Unmarshal([]byte(payload), &oa.Assessment); err != nil {
			return nil, fmt.Errorf("decode queued assessment %s: %w", oa.LocalID, err)
		}
		res = append(res, oa)
	}
	return res, rows.Err()
}

// MarkSynced is the only transition into synced; there is no way back out.
func (r Repo) MarkSynced(ctx context.Context, localID, syncedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE offline_queue SET status=?, synced_at=? WHERE local_id=? AND status != ?`,
		string(domain.SyncSynced), syncedAt, localID, string(domain.SyncSynced))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already synced; idempotent.
		return nil
	}
	return nil
}

func (r Repo) MarkFailed(ctx context.Context, localID string, attempts int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE offline_queue SET status=?, attempts=? WHERE local_id=? AND status=?`,
		string(domain.SyncFailed), attempts, localID, string(domain.SyncPending))
	return err
}

// ResetFailed moves failed records back to pending for the next connectivity
// window; failed records are never dropped.
func (r Repo) ResetFailed(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE offline_queue SET status=? WHERE status=?`,
		string(domain.SyncPending), string(domain.SyncFailed))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r Repo) CountQueueByStatus(ctx context.Context) (map[domain.SyncStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM offline_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.SyncStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.SyncStatus(status)] = count
	}
	return res, rows.Err()
}

// --- patients ---

func (r Repo) GetPatient(ctx context.Context, id string) (domain.Patient, error) {
	var p domain.Patient
	var dirty int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,region,version,dirty,updated_at FROM patients WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Region, &p.Version, &dirty, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Dirty = dirty != 0
	return p, err
}

func (r Repo) ListPatients(ctx context.Context) ([]domain.Patient, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,region,version,dirty,updated_at FROM patients ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Patient
	for rows.Next() {
		var p domain.Patient
		var dirty int
		if err := rows.Scan(&p.ID, &p.Name, &p.Region, &p.Version, &dirty, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Dirty = dirty != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpsertPatient(ctx context.Context, p domain.Patient) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO patients(id,name,region,version,dirty,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, region=excluded.region, version=excluded.version, dirty=excluded.dirty, updated_at=excluded.updated_at`,
		p.ID, p.Name, p.Region, p.Version, boolInt(p.Dirty), p.UpdatedAt)
	return err
}

// ApplyPatientUpdate applies a downloaded record if its version is newer than
// the local copy. Re-applying the same version is a no-op, so a crashed
// download cycle replays safely. It reports whether the local copy carried an
// unsynced edit that the server version overwrote (server-wins).
func (r Repo) ApplyPatientUpdate(ctx context.Context, p domain.Patient) (applied, overwroteDirty bool, err error) {
	local, err := r.GetPatient(ctx, p.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, false, err
	}
	if err == nil {
		if p.Version <= local.Version {
			return false, false, nil
		}
		overwroteDirty = local.Dirty
	}
	p.Dirty = false
	if err := r.UpsertPatient(ctx, p); err != nil {
		return false, false, err
	}
	return true, overwroteDirty, nil
}

// --- sync watermark ---

func (r Repo) GetSyncWatermark(ctx context.Context, workerID string) (string, error) {
	var ts string
	err := r.DB.QueryRowContext(ctx, `SELECT last_sync_ts FROM sync_state WHERE worker_id=?`, workerID).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return ts, err
}

func (r Repo) SetSyncWatermark(ctx context.Context, workerID, ts string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sync_state(worker_id,last_sync_ts) VALUES (?,?)
ON CONFLICT(worker_id) DO UPDATE SET last_sync_ts=excluded.last_sync_ts`, workerID, ts)
	return err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
