package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/migrate"
	"careline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Clock  *time.Time
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env := &testEnv{Clock: &now, Ctx: context.Background()}
	eng := engine.New(config.Default(), conn)
	eng.Now = func() time.Time { return *env.Clock }
	env.Engine = eng
	return env
}

func (env *testEnv) start(t *testing.T) domain.Session {
	t.Helper()
	s, err := env.Engine.StartSession(env.Ctx, "p-1", "w-1", "en")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s
}

func TestStartSessionOpensCollecting(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)
	if s.State != domain.StateCollecting {
		t.Fatalf("state = %s", s.State)
	}
	if s.QuestionCount != 1 {
		t.Fatalf("question count = %d, want 1 for the opening question", s.QuestionCount)
	}
	if len(s.Messages) != 1 || s.Messages[0].Role != "assistant" {
		t.Fatalf("messages = %+v", s.Messages)
	}
}

func TestFeverCoughScenario(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)

	res, err := env.Engine.ProcessInput(env.Ctx, s.ID, "she has had a fever for 3 days and a cough")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if res.Emergency != nil {
		t.Fatal("no emergency expected")
	}
	names := map[string]string{}
	for _, sym := range res.Session.Symptoms {
		names[sym.Name] = sym.Duration
	}
	if names["fever"] != "3 days" || names["cough"] != "3 days" {
		t.Fatalf("symptoms = %+v", res.Session.Symptoms)
	}
	if !strings.Contains(res.Reply, "1 to 10") {
		t.Fatalf("expected a severity question, got %q", res.Reply)
	}

	res, err = env.Engine.ProcessInput(env.Ctx, s.ID, "about 5 out of 10")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	var scored int
	for _, sym := range res.Session.Symptoms {
		if sym.Severity > 0 {
			scored++
		}
	}
	if scored == 0 {
		t.Fatal("stated severity was not applied to any symptom")
	}
}

func TestEmergencyInterruptsFirstTurn(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)
	res, err := env.Engine.ProcessInput(env.Ctx, s.ID, "she is bleeding heavily and pale")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Emergency == nil || res.Emergency.Type != "severe_bleeding" {
		t.Fatalf("emergency = %+v", res.Emergency)
	}
	if res.Session.State != domain.StateEmergencyComplete {
		t.Fatalf("state = %s", res.Session.State)
	}
	if !res.Done {
		t.Fatal("emergency must end the session")
	}
	if _, err := env.Engine.ProcessInput(env.Ctx, s.ID, "anything else"); !errors.Is(err, engine.ErrSessionComplete) {
		t.Fatalf("err = %v, want ErrSessionComplete", err)
	}
}

func TestHighSeverityJumpsToDangerSigns(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)
	res, err := env.Engine.ProcessInput(env.Ctx, s.ID, "severe headache since yesterday")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Emergency != nil {
		t.Fatalf("unexpected emergency: %+v", res.Emergency)
	}
	if !strings.Contains(res.Reply, "worst headache") {
		t.Fatalf("expected the danger-sign question first, got %q", res.Reply)
	}
}

func TestQuestionCapAndUniqueness(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)
	inputs := []string{
		"fever", "cough", "headache", "vomiting", "diarrhea", "dizzy",
		"rash", "swelling", "weakness", "chest pain", "stomach ache", "short of breath",
	}
	asked := map[string]int{}
	var last engine.TurnResult
	for _, text := range inputs {
		res, err := env.Engine.ProcessInput(env.Ctx, s.ID, text)
		if err != nil {
			t.Fatalf("input %q: %v", text, err)
		}
		if strings.HasSuffix(res.Reply, "?") {
			asked[res.Reply]++
		}
		last = res
		if res.Done {
			break
		}
	}
	if !last.Done {
		t.Fatal("session must report done at the question cap")
	}
	if last.Session.QuestionCount > 10 {
		t.Fatalf("question count = %d, want <= 10", last.Session.QuestionCount)
	}
	for q, n := range asked {
		if n > 1 {
			t.Fatalf("question asked %d times: %q", n, q)
		}
	}
	sess, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != domain.StateComplete {
		t.Fatalf("persisted state = %s, want complete at the cap", sess.State)
	}
	if _, err := env.Engine.ProcessInput(env.Ctx, s.ID, "one more thing"); !errors.Is(err, engine.ErrSessionComplete) {
		t.Fatalf("err = %v, want ErrSessionComplete after done", err)
	}
}

func TestClarificationDoesNotConsumeBudget(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)
	res, err := env.Engine.ProcessInput(env.Ctx, s.ID, "hmm let me see")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Done {
		t.Fatal("first quiet turn should only ask for clarification")
	}
	if res.Session.QuestionCount != 1 {
		t.Fatalf("question count = %d, clarification must not advance it", res.Session.QuestionCount)
	}
}

func TestTwoQuietTurnsEndQuestioning(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)
	if _, err := env.Engine.ProcessInput(env.Ctx, s.ID, "a mild fever"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ProcessInput(env.Ctx, s.ID, "that is everything"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.ProcessInput(env.Ctx, s.ID, "nothing more to add")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Done {
		t.Fatal("two quiet turns in a row should end questioning")
	}
	sess, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != domain.StateComplete {
		t.Fatalf("persisted state = %s, want complete", sess.State)
	}
	if _, err := env.Engine.CompleteSession(env.Ctx, s.ID, domain.PatientHistory{}); err != nil {
		t.Fatalf("complete after done: %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)
	*env.Clock = env.Clock.Add(25 * time.Hour)
	if _, err := env.Engine.ProcessInput(env.Ctx, s.ID, "fever"); !errors.Is(err, engine.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if _, err := env.Engine.CompleteSession(env.Ctx, s.ID, domain.PatientHistory{}); !errors.Is(err, engine.ErrSessionExpired) {
		t.Fatalf("complete err = %v, want ErrSessionExpired", err)
	}
}

func TestCompleteSessionIdempotentAndQueued(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)
	if _, err := env.Engine.ProcessInput(env.Ctx, s.ID, "fever for 2 days, about 4 out of 10"); err != nil {
		t.Fatal(err)
	}

	a1, err := env.Engine.CompleteSession(env.Ctx, s.ID, domain.PatientHistory{Age: 30})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !a1.RiskLevel.Valid() {
		t.Fatalf("risk = %q", a1.RiskLevel)
	}
	if !a1.GuidelineDegraded {
		t.Fatal("no retriever configured; assessment must be degraded")
	}

	a2, err := env.Engine.CompleteSession(env.Ctx, s.ID, domain.PatientHistory{Age: 30})
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if a2.ID != a1.ID {
		t.Fatalf("second completion produced a new assessment: %s vs %s", a2.ID, a1.ID)
	}

	queued, err := env.Engine.Repo.ListQueue(env.Ctx, repo.QueueFilters{Status: domain.SyncPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 {
		t.Fatalf("queue length = %d, want exactly 1", len(queued))
	}
	if queued[0].Assessment.ID != a1.ID {
		t.Fatalf("queued assessment %s, want %s", queued[0].Assessment.ID, a1.ID)
	}

	sess, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != domain.StateComplete {
		t.Fatalf("state = %s", sess.State)
	}
}

func TestRecordOutcome(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t)
	if _, err := env.Engine.ProcessInput(env.Ctx, s.ID, "cough for 1 day"); err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.CompleteSession(env.Ctx, s.ID, domain.PatientHistory{})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RecordOutcome(env.Ctx, "w-1", a.ID, "recovered at home"); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	got, err := env.Engine.Repo.GetAssessment(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ClinicalOutcome != "recovered at home" {
		t.Fatalf("outcome = %q", got.ClinicalOutcome)
	}
	recs, err := env.Engine.Audit.Tail(env.Ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	var audited bool
	for _, r := range recs {
		if r.Action == "assessment.outcome" && r.EntityID == a.ID {
			audited = true
		}
	}
	if !audited {
		t.Fatal("outcome write must carry an audit record")
	}
}

func TestHindiUtteranceExtractionAndEmergency(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.StartSession(env.Ctx, "p-2", "w-1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.ProcessInput(env.Ctx, s.ID, "bukhar aur khansi")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Session.Symptoms) != 2 {
		t.Fatalf("symptoms = %+v", res.Session.Symptoms)
	}
	res, err = env.Engine.ProcessInput(env.Ctx, s.ID, "ab saans nahi aa rahi")
	if err != nil {
		t.Fatal(err)
	}
	if res.Emergency == nil || res.Emergency.Type != "breathing_difficulty" {
		t.Fatalf("emergency = %+v", res.Emergency)
	}
}
