package server

import (
	"careline/internal/domain"
)

type StartSessionRequest struct {
	PatientID string `json:"patient_id" example:"p-1042"`
	Language  string `json:"language,omitempty" example:"sw"`
}

type SessionResponse struct {
	ID            string           `json:"id"`
	PatientID     string           `json:"patient_id"`
	WorkerID      string           `json:"worker_id"`
	Language      string           `json:"language"`
	State         string           `json:"state" enum:"collecting,complete,emergency_complete"`
	QuestionCount int              `json:"question_count"`
	Messages      []domain.Message `json:"messages,omitempty"`
	Symptoms      []domain.Symptom `json:"symptoms,omitempty"`
	CreatedAt     string           `json:"created_at" format:"date-time"`
	ExpiresAt     string           `json:"expires_at" format:"date-time"`
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		ID:            s.ID,
		PatientID:     s.PatientID,
		WorkerID:      s.WorkerID,
		Language:      s.Language,
		State:         string(s.State),
		QuestionCount: s.QuestionCount,
		Messages:      s.Messages,
		Symptoms:      s.Symptoms,
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
	}
}

type TurnRequest struct {
	Text string `json:"text,omitempty" example:"she has had a fever for 3 days and a bad cough"`
	// Raw audio for server-side transcription, when a transcriber is wired.
	AudioBase64 string `json:"audio_base64,omitempty"`
}

type TurnResponse struct {
	Session   SessionResponse          `json:"session"`
	Reply     string                   `json:"reply"`
	Done      bool                     `json:"done"`
	Emergency *domain.EmergencyVerdict `json:"emergency,omitempty"`
}

type CompleteSessionRequest struct {
	History domain.PatientHistory `json:"history,omitempty"`
}

type CheckEmergencyRequest struct {
	Symptoms   []domain.Symptom `json:"symptoms,omitempty"`
	Utterances []string         `json:"utterances,omitempty"`
	Language   string           `json:"language,omitempty" example:"hi"`
}

type AssessRiskRequest struct {
	PatientID string                `json:"patient_id,omitempty"`
	Symptoms  []domain.Symptom      `json:"symptoms"`
	History   domain.PatientHistory `json:"history,omitempty"`
}

type RecordOutcomeRequest struct {
	Outcome string `json:"outcome" example:"referred; admitted for severe malaria"`
}

// SyncRunResponse is one sync cycle's outcome. A download failure after a
// clean upload is reported here rather than failing the whole request.
type SyncRunResponse struct {
	domain.SyncResult
	Downloaded    int    `json:"downloaded"`
	DownloadError string `json:"download_error,omitempty"`
}

type QueueStatusResponse struct {
	Pending int                        `json:"pending"`
	Synced  int                        `json:"synced"`
	Failed  int                        `json:"failed"`
	Items   []domain.OfflineAssessment `json:"items,omitempty"`
}
