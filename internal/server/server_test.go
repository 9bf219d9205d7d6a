package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/migrate"
	"careline/internal/syncer"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) (*testServer, func()) {
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, mutate func(*Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(cfg, conn)
	scfg := Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}}
	if mutate != nil {
		mutate(&scfg)
	}
	handler, err := New(scfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func mintToken(t *testing.T, workerID string, regions []string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workerID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Regions: regions,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader([]byte(`{}`))
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/patients", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestOutOfAreaWorkerForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := mintToken(t, "w-1", []string{"district-77"})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions",
		StartSessionRequest{PatientID: "p-1"}, token)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "out_of_area" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestSessionFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := mintToken(t, "w-1", []string{srv.Engine.Config.Deployment.Region})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions",
		StartSessionRequest{PatientID: "p-1", Language: "en"}, token)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, data)
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/input",
		TurnRequest{Text: "fever for 3 days and a cough"}, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("input status %d: %s", res.StatusCode, data)
	}
	var turn TurnResponse
	if err := json.Unmarshal(data, &turn); err != nil {
		t.Fatalf("unmarshal turn: %v", err)
	}
	if turn.Reply == "" || turn.Emergency != nil {
		t.Fatalf("turn = %+v", turn)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/complete",
		CompleteSessionRequest{History: domain.PatientHistory{Age: 30}}, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, data)
	}
	var assessment domain.RiskAssessment
	if err := json.Unmarshal(data, &assessment); err != nil {
		t.Fatalf("unmarshal assessment: %v", err)
	}
	if !assessment.RiskLevel.Valid() {
		t.Fatalf("risk = %q", assessment.RiskLevel)
	}

	// Further input on a completed session conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/input",
		TurnRequest{Text: "more symptoms"}, token)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("post-complete input status %d: %s", res.StatusCode, data)
	}
}

func TestEmergencyCheckEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := mintToken(t, "w-1", []string{srv.Engine.Config.Deployment.Region})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/check",
		CheckEmergencyRequest{Utterances: []string{"patient is unconscious"}, Language: "en"}, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var verdict domain.EmergencyVerdict
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal verdict: %v", err)
	}
	if !verdict.IsEmergency || verdict.Type != "unconsciousness" {
		t.Fatalf("verdict = %+v", verdict)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := mintToken(t, "w-1", []string{srv.Engine.Config.Deployment.Region})
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions/nope", nil, token)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestOutOfAreaMaternalForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := mintToken(t, "w-1", []string{"district-77"})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/maternal", domain.MaternalData{
		PatientID: "p-1",
		Age:       25,
	}, token)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "out_of_area" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

type stubRemote struct {
	fetchErr error
}

func (s stubRemote) PushAssessment(ctx context.Context, oa domain.OfflineAssessment) error {
	return nil
}

func (s stubRemote) FetchPatientUpdates(ctx context.Context, region, since string) ([]domain.Patient, error) {
	return nil, s.fetchErr
}

func (s stubRemote) Ping(ctx context.Context) error { return nil }

func TestSyncRunReportsDownloadFailure(t *testing.T) {
	srv, cleanup := newTestServerWith(t, func(cfg *Config) {
		cfg.Syncer = syncer.NewCoordinator(cfg.Engine.Config, cfg.Engine.DB,
			stubRemote{fetchErr: errors.New("relation patients does not exist")}, "w-1")
	})
	defer cleanup()
	token := mintToken(t, "w-1", []string{srv.Engine.Config.Deployment.Region})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sync/run", nil, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var out SyncRunResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.DownloadError == "" {
		t.Fatal("download failure must be surfaced in the response")
	}
}

func TestAssessEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := mintToken(t, "w-1", []string{srv.Engine.Config.Deployment.Region})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/assess", AssessRiskRequest{
		PatientID: "p-1",
		Symptoms:  []domain.Symptom{{Name: "headache", Severity: 8}},
	}, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var a domain.RiskAssessment
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal assessment: %v", err)
	}
	if a.RiskLevel.Rank() < domain.RiskHigh.Rank() {
		t.Fatalf("assessment = %+v", a)
	}
	if len(a.Reasoning) == 0 {
		t.Fatal("reasoning must not be empty")
	}
}

type fakeTranscriber struct {
	text       string
	confidence float64
}

func (f fakeTranscriber) Transcribe(ctx context.Context, audio []byte, language string) (string, float64, error) {
	return f.text, f.confidence, nil
}

func TestAudioInputTranscribed(t *testing.T) {
	srv, cleanup := newTestServerWith(t, func(cfg *Config) {
		cfg.Transcriber = fakeTranscriber{text: "fever for 2 days", confidence: 0.92}
	})
	defer cleanup()
	token := mintToken(t, "w-1", []string{srv.Engine.Config.Deployment.Region})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions",
		StartSessionRequest{PatientID: "p-1", Language: "en"}, token)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, data)
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatal(err)
	}

	audio := base64.StdEncoding.EncodeToString([]byte("raw-pcm"))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/input",
		TurnRequest{AudioBase64: audio}, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("input status %d: %s", res.StatusCode, data)
	}
	var turn TurnResponse
	if err := json.Unmarshal(data, &turn); err != nil {
		t.Fatal(err)
	}
	var fever bool
	for _, sym := range turn.Session.Symptoms {
		if sym.Name == "fever" {
			fever = true
		}
	}
	if !fever {
		t.Fatalf("transcript was not processed: %+v", turn.Session.Symptoms)
	}
}

func TestLowConfidenceAudioAsksForRepeat(t *testing.T) {
	srv, cleanup := newTestServerWith(t, func(cfg *Config) {
		cfg.Transcriber = fakeTranscriber{text: "fever", confidence: 0.3}
	})
	defer cleanup()
	token := mintToken(t, "w-1", []string{srv.Engine.Config.Deployment.Region})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions",
		StartSessionRequest{PatientID: "p-1"}, token)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, data)
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatal(err)
	}

	audio := base64.StdEncoding.EncodeToString([]byte("static"))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/input",
		TurnRequest{AudioBase64: audio}, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("input status %d: %s", res.StatusCode, data)
	}
	var turn TurnResponse
	if err := json.Unmarshal(data, &turn); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(turn.Reply, "repeat") {
		t.Fatalf("reply = %q", turn.Reply)
	}
	if turn.Session.QuestionCount != session.QuestionCount {
		t.Fatalf("a repeat request must not consume a question: %d -> %d",
			session.QuestionCount, turn.Session.QuestionCount)
	}
}

func TestMaternalEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := mintToken(t, "w-1", []string{srv.Engine.Config.Deployment.Region})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/maternal", domain.MaternalData{
		PatientID:   "p-1",
		Age:         17,
		BPSystolic:  150,
		BPDiastolic: 100,
		Hemoglobin:  8,
	}, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var score domain.MaternalRiskScore
	if err := json.Unmarshal(data, &score); err != nil {
		t.Fatalf("unmarshal score: %v", err)
	}
	if score.RiskLevel.Rank() < domain.RiskMedium.Rank() {
		t.Fatalf("score = %+v", score)
	}
}
