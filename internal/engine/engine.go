package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"careline/internal/audit"
	"careline/internal/config"
	"careline/internal/domain"
	"careline/internal/repo"
	"careline/internal/triage"
)

var (
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionComplete = errors.New("session already complete")
)

// Engine drives assessment sessions against the local store. All writes for a
// turn happen in one transaction together with their audit record, and a
// per-session lock serializes concurrent turns on the same session.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Audit      audit.Writer
	Config     *config.Config
	Detector   triage.Detector
	Stratifier triage.Stratifier
	Guidelines triage.GuidelineRetriever
	Now        func() time.Time

	locks *sessionLocks
}

func New(cfg *config.Config, db *sql.DB) Engine {
	now := time.Now
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Audit:    audit.Writer{DB: db, Now: now},
		Config:   cfg,
		Detector: triage.NewDetector(cfg),
		Stratifier: triage.Stratifier{
			ModelTimeout:       cfg.ModelTimeout(),
			RelevanceThreshold: cfg.Thresholds.GuidelineRelevance,
			Now:                now,
		},
		Now:   now,
		locks: newSessionLocks(),
	}
}

type sessionLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{m: map[string]*sync.Mutex{}}
}

func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	m, ok := l.m[id]
	if !ok {
		m = &sync.Mutex{}
		l.m[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string { return e.now().UTC().Format(time.RFC3339) }

// StartSession opens a collecting session and poses the opening question. The
// opening question counts against the question budget.
func (e Engine) StartSession(ctx context.Context, patientID, workerID, language string) (domain.Session, error) {
	if language == "" {
		language = "en"
	}
	now := e.now().UTC()
	s := domain.Session{
		ID:            uuid.NewString(),
		PatientID:     patientID,
		WorkerID:      workerID,
		Language:      language,
		State:         domain.StateCollecting,
		QuestionCount: 1,
		CreatedAt:     now.Format(time.RFC3339),
		LastActivity:  now.Format(time.RFC3339),
		ExpiresAt:     now.Add(e.Config.SessionTTL()).Format(time.RFC3339),
	}
	opening := domain.Message{Role: "assistant", Text: openingQuestion, TS: s.CreatedAt}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, err
	}
	if err := e.Repo.InsertMessage(ctx, tx, s.ID, opening); err != nil {
		return domain.Session{}, err
	}
	if err := e.Audit.Append(ctx, tx, "session.start", workerID, patientID, "session", s.ID, nil); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	s.Messages = []domain.Message{opening}
	return s, nil
}

// TurnResult is the outcome of one worker utterance.
type TurnResult struct {
	Session   domain.Session
	Emergency *domain.EmergencyVerdict
	Reply     string
	Done      bool
}

// ProcessInput runs one conversational turn: record the utterance, fold any
// reported symptoms into the session, screen for emergencies, then either
// terminate, signal that enough has been gathered, or ask the next question.
func (e Engine) ProcessInput(ctx context.Context, sessionID, text string) (TurnResult, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	if err := e.checkActive(s); err != nil {
		return TurnResult{}, err
	}

	ex := extractSymptoms(text)
	merged, changedSymptoms := mergeSymptoms(s.Symptoms, ex)
	s.Symptoms = merged

	verdict := e.Detector.Detect(s.Symptoms, []string{text}, s.Language)

	ts := e.stamp()
	workerMsg := domain.Message{Role: "worker", Text: text, TS: ts}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TurnResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertMessage(ctx, tx, s.ID, workerMsg); err != nil {
		return TurnResult{}, err
	}
	positions := map[string]int{}
	for i, sym := range s.Symptoms {
		positions[sym.Name] = i
	}
	for _, sym := range changedSymptoms {
		if err := e.Repo.UpsertSymptom(ctx, tx, s.ID, sym, positions[sym.Name]); err != nil {
			return TurnResult{}, err
		}
	}
	s.Messages = append(s.Messages, workerMsg)

	if verdict.IsEmergency {
		return e.finishEmergency(ctx, tx, s, verdict)
	}

	asked := askedQuestions(s.Messages)
	reply, done, advance := e.chooseReply(s, ex, asked)

	if advance {
		s.QuestionCount++
	}
	if s.QuestionCount >= e.Config.Session.MaxQuestions {
		done = true
	}
	if done {
		// Enough gathered (or the cap hit): the session moves to complete and
		// accepts no further input, only CompleteSession.
		s.State = domain.StateComplete
	}

	assistantMsg := domain.Message{Role: "assistant", Text: reply, TS: ts}
	if err := e.Repo.InsertMessage(ctx, tx, s.ID, assistantMsg); err != nil {
		return TurnResult{}, err
	}
	s.LastActivity = ts
	if err := e.Repo.UpdateSessionState(ctx, tx, s.ID, s.State, s.QuestionCount, ts); err != nil {
		return TurnResult{}, err
	}
	if err := e.Audit.Append(ctx, tx, "session.turn", s.WorkerID, s.PatientID, "session", s.ID, audit.Payload{
		"question_count": s.QuestionCount,
		"symptoms":       len(s.Symptoms),
	}); err != nil {
		return TurnResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TurnResult{}, err
	}
	s.Messages = append(s.Messages, assistantMsg)
	return TurnResult{Session: s, Reply: reply, Done: done}, nil
}

// chooseReply applies the stopping heuristic and question selection. advance
// reports whether the reply consumes question budget: clarifications and
// closings do not.
func (e Engine) chooseReply(s domain.Session, ex extraction, asked map[string]bool) (reply string, done, advance bool) {
	noSignal := len(ex.Symptoms) == 0 && ex.Severity == 0 && ex.Duration == ""
	if noSignal {
		if prevTurnHadNoSignal(s.Messages) {
			if len(s.Symptoms) == 0 {
				return "No symptoms were recorded. Complete the session to close it out.", true, false
			}
			return closingReply(), true, false
		}
		return "I did not catch a symptom there. Can you describe what the patient is feeling, or give a severity from 1 to 10?", false, false
	}

	if s.QuestionCount >= e.Config.Session.MaxQuestions {
		return closingReply(), true, false
	}
	covered := categoriesCovered(s.Symptoms, asked)
	if len(covered) >= 4 && covered[catSeverity] {
		return closingReply(), true, false
	}

	q, _, ok := nextQuestion(s.Symptoms, asked)
	if !ok {
		return closingReply(), true, false
	}
	return q, false, true
}

func closingReply() string {
	return "I have enough information for an assessment. Complete the session to get the risk result."
}

// prevTurnHadNoSignal re-extracts the previous worker utterance; two quiet
// turns in a row mean the conversation has run dry.
func prevTurnHadNoSignal(messages []domain.Message) bool {
	// The last message is the current worker utterance; look for the one before.
	workerSeen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "worker" {
			continue
		}
		workerSeen++
		if workerSeen == 2 {
			prev := extractSymptoms(messages[i].Text)
			return len(prev.Symptoms) == 0 && prev.Severity == 0 && prev.Duration == ""
		}
	}
	return false
}

func (e Engine) finishEmergency(ctx context.Context, tx *sql.Tx, s domain.Session, verdict domain.EmergencyVerdict) (TurnResult, error) {
	ts := e.stamp()
	reply := fmt.Sprintf("EMERGENCY (%s) detected. Refer to %s now. %s",
		strings.ReplaceAll(verdict.Type, "_", " "), verdict.FacilityID, strings.Join(verdict.Actions, " "))
	msg := domain.Message{Role: "assistant", Text: reply, TS: ts}
	if err := e.Repo.InsertMessage(ctx, tx, s.ID, msg); err != nil {
		return TurnResult{}, err
	}
	s.State = domain.StateEmergencyComplete
	s.LastActivity = ts
	if err := e.Repo.UpdateSessionState(ctx, tx, s.ID, s.State, s.QuestionCount, ts); err != nil {
		return TurnResult{}, err
	}
	if err := e.Audit.Append(ctx, tx, "session.emergency", s.WorkerID, s.PatientID, "session", s.ID, audit.Payload{
		"type":     verdict.Type,
		"matched":  verdict.Matched,
		"facility": verdict.FacilityID,
	}); err != nil {
		return TurnResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TurnResult{}, err
	}
	s.Messages = append(s.Messages, msg)
	return TurnResult{Session: s, Emergency: &verdict, Reply: reply, Done: true}, nil
}

// CompleteSession closes a session and produces its risk assessment. Calling
// it again returns the stored assessment unchanged. The assessment is queued
// for upload in the same transaction that stores it.
func (e Engine) CompleteSession(ctx context.Context, sessionID string, history domain.PatientHistory) (domain.RiskAssessment, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	if existing, err := e.Repo.GetAssessmentBySession(ctx, sessionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.RiskAssessment{}, err
	}

	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	if e.expired(s) {
		return domain.RiskAssessment{}, ErrSessionExpired
	}

	var evidence []domain.GuidelineEvidence
	if e.Guidelines != nil {
		// Retrieval failures degrade the assessment; they never block it.
		if ev, err := e.Guidelines.Retrieve(ctx, s.Symptoms, history); err == nil {
			evidence = ev
		}
	}

	a := e.Stratifier.AssessGeneral(ctx, s.Symptoms, history, evidence)
	a.ID = uuid.NewString()
	a.SessionID = s.ID

	ts := e.stamp()
	queued := domain.OfflineAssessment{
		LocalID:    uuid.NewString(),
		PatientID:  s.PatientID,
		WorkerID:   s.WorkerID,
		Assessment: a,
		Status:     domain.SyncPending,
		CreatedAt:  ts,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssessment(ctx, tx, a); err != nil {
		return domain.RiskAssessment{}, err
	}
	if !s.State.Terminal() {
		if err := e.Repo.UpdateSessionState(ctx, tx, s.ID, domain.StateComplete, s.QuestionCount, ts); err != nil {
			return domain.RiskAssessment{}, err
		}
	}
	if err := e.Repo.Enqueue(ctx, tx, queued); err != nil {
		return domain.RiskAssessment{}, err
	}
	if err := e.Audit.Append(ctx, tx, "session.complete", s.WorkerID, s.PatientID, "assessment", a.ID, audit.Payload{
		"risk_level": string(a.RiskLevel),
		"referral":   a.ReferralRequired,
		"degraded":   a.GuidelineDegraded,
	}); err != nil {
		return domain.RiskAssessment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RiskAssessment{}, err
	}
	return a, nil
}

// CheckEmergency screens a symptom set without touching any session.
func (e Engine) CheckEmergency(symptoms []domain.Symptom, utterances []string, language string) domain.EmergencyVerdict {
	return e.Detector.Detect(symptoms, utterances, language)
}

// MaternalScore computes the maternal risk score and audits the request.
func (e Engine) MaternalScore(ctx context.Context, workerID string, data domain.MaternalData) (domain.MaternalRiskScore, error) {
	score := e.Stratifier.AssessMaternal(data)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MaternalRiskScore{}, err
	}
	defer tx.Rollback()
	if err := e.Audit.Append(ctx, tx, "maternal.score", workerID, data.PatientID, "maternal_score", "", audit.Payload{
		"score":      score.Score,
		"risk_level": string(score.RiskLevel),
	}); err != nil {
		return domain.MaternalRiskScore{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MaternalRiskScore{}, err
	}
	return score, nil
}

// AssessRisk stratifies an ad-hoc symptom set outside any session, for
// follow-up visits where no conversation is needed. Nothing is persisted
// beyond the audit record.
func (e Engine) AssessRisk(ctx context.Context, workerID, patientID string, symptoms []domain.Symptom, history domain.PatientHistory) (domain.RiskAssessment, error) {
	var evidence []domain.GuidelineEvidence
	if e.Guidelines != nil {
		if ev, err := e.Guidelines.Retrieve(ctx, symptoms, history); err == nil {
			evidence = ev
		}
	}
	a := e.Stratifier.AssessGeneral(ctx, symptoms, history, evidence)
	a.ID = uuid.NewString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	defer tx.Rollback()
	if err := e.Audit.Append(ctx, tx, "assessment.adhoc", workerID, patientID, "assessment", a.ID, audit.Payload{
		"risk_level": string(a.RiskLevel),
		"symptoms":   len(symptoms),
	}); err != nil {
		return domain.RiskAssessment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RiskAssessment{}, err
	}
	return a, nil
}

// RecordOutcome attaches the observed clinical outcome to an assessment for
// later calibration of the rule layer.
func (e Engine) RecordOutcome(ctx context.Context, workerID, assessmentID, outcome string) error {
	a, err := e.Repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetClinicalOutcome(ctx, tx, assessmentID, outcome); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, "assessment.outcome", workerID, "", "assessment", a.ID, audit.Payload{
		"outcome": outcome,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) checkActive(s domain.Session) error {
	if s.State.Terminal() {
		return ErrSessionComplete
	}
	if e.expired(s) {
		return ErrSessionExpired
	}
	return nil
}

// expired is evaluated lazily on access; nothing sweeps sessions in the
// background.
func (e Engine) expired(s domain.Session) bool {
	exp, err := time.Parse(time.RFC3339, s.ExpiresAt)
	if err != nil {
		return false
	}
	return e.now().UTC().After(exp)
}

// mergeSymptoms folds an extraction into the session's symptom list. New
// names append; restated names update severity and duration in place. An
// utterance that carries only a severity or duration applies it to the most
// recent symptom still missing that detail.
func mergeSymptoms(existing []domain.Symptom, ex extraction) (merged, changed []domain.Symptom) {
	merged = make([]domain.Symptom, len(existing))
	copy(merged, existing)
	index := map[string]int{}
	for i, s := range merged {
		index[s.Name] = i
	}

	for _, sym := range ex.Symptoms {
		if i, ok := index[sym.Name]; ok {
			updated := false
			if sym.Severity > 0 && sym.Severity != merged[i].Severity {
				merged[i].Severity = sym.Severity
				updated = true
			}
			if sym.Duration != "" && sym.Duration != merged[i].Duration {
				merged[i].Duration = sym.Duration
				updated = true
			}
			if updated {
				changed = append(changed, merged[i])
			}
			continue
		}
		index[sym.Name] = len(merged)
		merged = append(merged, sym)
		changed = append(changed, sym)
	}

	if len(ex.Symptoms) == 0 && (ex.Severity > 0 || ex.Duration != "") {
		for i := len(merged) - 1; i >= 0; i-- {
			target := &merged[i]
			updated := false
			if ex.Severity > 0 && target.Severity == 0 {
				target.Severity = ex.Severity
				updated = true
			}
			if ex.Duration != "" && target.Duration == "" {
				target.Duration = ex.Duration
				updated = true
			}
			if updated {
				changed = append(changed, *target)
				break
			}
		}
	}
	return merged, changed
}

func askedQuestions(messages []domain.Message) map[string]bool {
	asked := map[string]bool{}
	for _, m := range messages {
		if m.Role == "assistant" {
			asked[m.Text] = true
		}
	}
	return asked
}
