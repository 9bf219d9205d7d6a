package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit records inside the caller's transaction so a mutation
// and its audit trail commit or roll back together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, action, workerID, patientID, entityKind, entityID string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_events(ts,worker_id,action,patient_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, workerID, action, nullable(patientID), entityKind, nullable(entityID), string(data))
	return err
}

// Record is one audit row, returned by tail queries.
type Record struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	WorkerID   string `json:"worker_id"`
	Action     string `json:"action"`
	PatientID  string `json:"patient_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// Tail returns the most recent audit records, newest first.
func (w Writer) Tail(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,worker_id,action,patient_id,entity_kind,entity_id,payload_json FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var r Record
		var patientID, entityID sql.NullString
		if err := rows.Scan(&r.ID, &r.TS, &r.WorkerID, &r.Action, &patientID, &r.EntityKind, &entityID, &r.Payload); err != nil {
			return nil, err
		}
		if patientID.Valid {
			r.PatientID = patientID.String
		}
		if entityID.Valid {
			r.EntityID = entityID.String
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
