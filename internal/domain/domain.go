package domain

// RiskLevel is one of the four ordered severity tiers.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders tiers so the ensemble can take the higher of two verdicts.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return -1
}

func (l RiskLevel) Valid() bool { return l.Rank() >= 0 }

// MaxRisk returns the more severe of two tiers; ties resolve to a.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type SessionState string

const (
	StateCollecting        SessionState = "collecting"
	StateComplete          SessionState = "complete"
	StateEmergencyComplete SessionState = "emergency_complete"
)

func (s SessionState) Terminal() bool {
	return s == StateComplete || s == StateEmergencyComplete
}

type Session struct {
	ID            string       `json:"id"`
	PatientID     string       `json:"patient_id"`
	WorkerID      string       `json:"worker_id"`
	Language      string       `json:"language"`
	State         SessionState `json:"state" enum:"collecting,complete,emergency_complete"`
	QuestionCount int          `json:"question_count"`
	Messages      []Message    `json:"messages,omitempty"`
	Symptoms      []Symptom    `json:"symptoms,omitempty"`
	CreatedAt     string       `json:"created_at" format:"date-time"`
	LastActivity  string       `json:"last_activity" format:"date-time"`
	ExpiresAt     string       `json:"expires_at" format:"date-time"`
}

type Message struct {
	Role string `json:"role" enum:"worker,assistant"`
	Text string `json:"text"`
	TS   string `json:"ts" format:"date-time"`
}

// Symptom severity is on a 1-10 scale. A restated symptom updates severity
// and duration in place; names never duplicate within a session.
type Symptom struct {
	Name     string `json:"name"`
	Severity int    `json:"severity" minimum:"1" maximum:"10"`
	Duration string `json:"duration,omitempty"`
	OnsetAt  string `json:"onset_at,omitempty" format:"date-time"`
}

type EmergencyVerdict struct {
	IsEmergency bool     `json:"is_emergency"`
	Type        string   `json:"type,omitempty"`
	Matched     string   `json:"matched,omitempty"`
	Actions     []string `json:"actions,omitempty"`
	FacilityID  string   `json:"facility_id,omitempty"`
}

type RiskAssessment struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id,omitempty"`
	RiskLevel         RiskLevel `json:"risk_level" enum:"low,medium,high,critical"`
	ConfidenceScore   float64   `json:"confidence_score" minimum:"0" maximum:"1"`
	Reasoning         []string  `json:"reasoning"`
	Recommendations   []string  `json:"recommendations"`
	ReferralRequired  bool      `json:"referral_required"`
	GuidelineRefs     []string  `json:"guideline_refs,omitempty"`
	GuidelineDegraded bool      `json:"guideline_degraded,omitempty"`
	ClinicalOutcome   string    `json:"clinical_outcome,omitempty"`
	CreatedAt         string    `json:"created_at" format:"date-time"`
}

type RiskFactor struct {
	Name        string `json:"name"`
	Tier        string `json:"tier" enum:"low,medium,high,critical"`
	Description string `json:"description"`
}

type MaternalRiskScore struct {
	Score           int          `json:"score" minimum:"0" maximum:"100"`
	RiskLevel       RiskLevel    `json:"risk_level" enum:"low,medium,high,critical"`
	Factors         []RiskFactor `json:"factors"`
	Recommendations []string     `json:"recommendations"`
	NextVisit       string       `json:"next_visit" format:"date"`
}

// MaternalData is the input to maternal scoring. Blood pressure in mmHg,
// hemoglobin in g/dL, gestational age in weeks since LMP.
type MaternalData struct {
	PatientID          string  `json:"patient_id"`
	Age                int     `json:"age"`
	GestationalWeeks   int     `json:"gestational_weeks"`
	BPSystolic         int     `json:"bp_systolic"`
	BPDiastolic        int     `json:"bp_diastolic"`
	Hemoglobin         float64 `json:"hemoglobin"`
	PriorComplications bool    `json:"prior_complications"`
	SymptomSeverity    int     `json:"symptom_severity,omitempty"`
}

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// OfflineAssessment is a locally durable assessment awaiting upload. LocalID
// is client-generated and globally unique; it is the idempotency key.
type OfflineAssessment struct {
	LocalID    string         `json:"local_id"`
	PatientID  string         `json:"patient_id"`
	WorkerID   string         `json:"worker_id"`
	Assessment RiskAssessment `json:"assessment"`
	Status     SyncStatus     `json:"status" enum:"pending,synced,failed"`
	Attempts   int            `json:"attempts"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	SyncedAt   string         `json:"synced_at,omitempty" format:"date-time"`
}

type ConflictKind string

const (
	ConflictPatientServerWins ConflictKind = "patient_server_wins"
	ConflictAlreadySynced     ConflictKind = "assessment_already_synced"
)

type ConflictInfo struct {
	LocalID    string       `json:"local_id"`
	Kind       ConflictKind `json:"kind"`
	Resolution string       `json:"resolution"`
}

type SyncResult struct {
	Uploaded  int            `json:"uploaded"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Conflicts []ConflictInfo `json:"conflicts,omitempty"`
}

// Patient is the local mirror of remote master data; Version comes from the
// server and drives idempotent apply on download.
type Patient struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Region    string `json:"region"`
	Version   int64  `json:"version"`
	Dirty     bool   `json:"dirty,omitempty"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// PatientHistory is the context slice handed to the risk stratifier.
type PatientHistory struct {
	Age               int      `json:"age,omitempty"`
	Pregnant          bool     `json:"pregnant,omitempty"`
	ChronicConditions []string `json:"chronic_conditions,omitempty"`
}

// GuidelineEvidence is one retrieved guideline passage; only entries at or
// above the configured relevance threshold count as usable evidence.
type GuidelineEvidence struct {
	GuidelineID    string  `json:"guideline_id"`
	Content        string  `json:"content"`
	Source         string  `json:"source"`
	RelevanceScore float64 `json:"relevance_score"`
	LastUpdated    string  `json:"last_updated,omitempty" format:"date-time"`
}
