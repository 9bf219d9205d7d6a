package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"careline/internal/audit"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/repo"
	"careline/internal/syncer"
)

// Config for the HTTP API handler. Transcriber and Translator are optional
// collaborators; without them /sessions/{id}/input accepts text only and
// replies stay in English.
type Config struct {
	Engine      engine.Engine
	Syncer      *syncer.Coordinator
	Transcriber Transcriber
	Translator  Translator
	BasePath    string
	Auth        AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"out_of_area"`
	Message string         `json:"message" example:"worker is not enrolled in this deployment region"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Careline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Careline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerSessions(group, cfg)
	registerChecks(group, cfg.Engine)
	registerAssess(group, cfg.Engine)
	registerMaternal(group, cfg.Engine)
	registerOutcomes(group, cfg.Engine)
	registerSync(group, cfg.Engine, cfg.Syncer)
	registerPatients(group, cfg.Engine)
	registerAudit(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionExpired):
		return newAPIError(http.StatusGone, "session_expired", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionComplete):
		return newAPIError(http.StatusConflict, "session_complete", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGone:
		return "session_expired"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerSessions(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start an assessment session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if input.Body.PatientID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "patient_id is required", nil)
		}
		workerID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRegion(ctx, e.Config.Deployment.Region); err != nil {
			return nil, err
		}
		s, err := e.StartSession(ctx, input.Body.PatientID, workerID, input.Body.Language)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if _, authErr := workerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-input",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/input",
		Summary:     "Process one worker utterance",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
		},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body TurnRequest `json:"body"`
	}) (*struct {
		Body TurnResponse `json:"body"`
	}, error) {
		if _, authErr := workerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		text := strings.TrimSpace(input.Body.Text)
		if text == "" && input.Body.AudioBase64 != "" && cfg.Transcriber != nil {
			audio, decErr := base64.StdEncoding.DecodeString(input.Body.AudioBase64)
			if decErr != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "audio_base64 is not valid base64", nil)
			}
			s, err := e.Repo.GetSession(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			transcript, confidence, trErr := cfg.Transcriber.Transcribe(ctx, audio, s.Language)
			if trErr != nil || confidence < e.Config.Thresholds.TranscriptionConfidence {
				// Low-confidence audio asks for a repeat without consuming a turn.
				reply := translateReply(ctx, cfg.Translator, "I could not hear that clearly. Please repeat.", s.Language)
				return &struct {
					Body TurnResponse `json:"body"`
				}{Body: TurnResponse{Session: sessionResponse(s), Reply: reply}}, nil
			}
			text = strings.TrimSpace(transcript)
		}
		if text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text or audio_base64 is required", nil)
		}
		res, err := e.ProcessInput(ctx, input.ID, text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TurnResponse `json:"body"`
		}{Body: TurnResponse{
			Session:   sessionResponse(res.Session),
			Reply:     translateReply(ctx, cfg.Translator, res.Reply, res.Session.Language),
			Done:      res.Done,
			Emergency: res.Emergency,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/complete",
		Summary:     "Complete a session and produce its assessment",
		Errors: []int{
			http.StatusNotFound,
			http.StatusGone,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body CompleteSessionRequest `json:"body"`
	}) (*struct {
		Body domain.RiskAssessment `json:"body"`
	}, error) {
		if _, authErr := workerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.CompleteSession(ctx, input.ID, input.Body.History)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RiskAssessment `json:"body"`
		}{Body: a}, nil
	})
}

func registerChecks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-emergency",
		Method:      http.MethodPost,
		Path:        "/check",
		Summary:     "Screen symptoms for an emergency without a session",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CheckEmergencyRequest `json:"body"`
	}) (*struct {
		Body domain.EmergencyVerdict `json:"body"`
	}, error) {
		if _, authErr := workerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Symptoms) == 0 && len(input.Body.Utterances) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "symptoms or utterances required", nil)
		}
		v := e.CheckEmergency(input.Body.Symptoms, input.Body.Utterances, input.Body.Language)
		return &struct {
			Body domain.EmergencyVerdict `json:"body"`
		}{Body: v}, nil
	})
}

func registerAssess(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assess-risk",
		Method:      http.MethodPost,
		Path:        "/assess",
		Summary:     "Stratify a symptom set without a session",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AssessRiskRequest `json:"body"`
	}) (*struct {
		Body domain.RiskAssessment `json:"body"`
	}, error) {
		workerID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRegion(ctx, e.Config.Deployment.Region); err != nil {
			return nil, err
		}
		if len(input.Body.Symptoms) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "symptoms are required", nil)
		}
		a, err := e.AssessRisk(ctx, workerID, input.Body.PatientID, input.Body.Symptoms, input.Body.History)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RiskAssessment `json:"body"`
		}{Body: a}, nil
	})
}

func registerMaternal(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "maternal-score",
		Method:      http.MethodPost,
		Path:        "/maternal",
		Summary:     "Compute the maternal risk score",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body domain.MaternalData `json:"body"`
	}) (*struct {
		Body domain.MaternalRiskScore `json:"body"`
	}, error) {
		workerID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRegion(ctx, e.Config.Deployment.Region); err != nil {
			return nil, err
		}
		if input.Body.Age <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "age is required", nil)
		}
		score, err := e.MaternalScore(ctx, workerID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MaternalRiskScore `json:"body"`
		}{Body: score}, nil
	})
}

func registerOutcomes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-outcome",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/outcome",
		Summary:     "Record the clinical outcome for an assessment",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body RecordOutcomeRequest `json:"body"`
	}) (*struct{}, error) {
		workerID, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRegion(ctx, e.Config.Deployment.Region); err != nil {
			return nil, err
		}
		if strings.TrimSpace(input.Body.Outcome) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "outcome is required", nil)
		}
		if err := e.RecordOutcome(ctx, workerID, input.ID, input.Body.Outcome); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSync(api huma.API, e engine.Engine, c *syncer.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "Offline queue status",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,synced,failed,"`
	}) (*struct {
		Body QueueStatusResponse `json:"body"`
	}, error) {
		if _, authErr := workerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		counts, err := e.Repo.CountQueueByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListQueue(ctx, repo.QueueFilters{Status: domain.SyncStatus(input.Status)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueStatusResponse `json:"body"`
		}{Body: QueueStatusResponse{
			Pending: counts[domain.SyncPending],
			Synced:  counts[domain.SyncSynced],
			Failed:  counts[domain.SyncFailed],
			Items:   items,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-sync",
		Method:      http.MethodPost,
		Path:        "/sync/run",
		Summary:     "Run one sync cycle now",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncRunResponse `json:"body"`
	}, error) {
		if _, authErr := workerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := requireRegion(ctx, e.Config.Deployment.Region); err != nil {
			return nil, err
		}
		if c == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "sync_unconfigured", "no remote store configured", nil)
		}
		if err := c.Remote.Ping(ctx); err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "remote_unreachable", "remote store unreachable", map[string]any{"error": err.Error()})
		}
		res, err := c.Drain(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := SyncRunResponse{SyncResult: res}
		applied, conflicts, dlErr := c.DownloadPatientUpdates(ctx)
		out.Downloaded = applied
		out.Conflicts = append(out.Conflicts, conflicts...)
		if dlErr != nil {
			out.DownloadError = dlErr.Error()
		}
		return &struct {
			Body SyncRunResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerPatients(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-patients",
		Method:      http.MethodGet,
		Path:        "/patients",
		Summary:     "List locally mirrored patients",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Patient `json:"body"`
	}, error) {
		if _, authErr := workerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListPatients(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Patient{}
		}
		return &struct {
			Body []domain.Patient `json:"body"`
		}{Body: items}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-tail",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Most recent audit records",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []audit.Record `json:"body"`
	}, error) {
		if _, authErr := workerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Audit.Tail(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []audit.Record{}
		}
		return &struct {
			Body []audit.Record `json:"body"`
		}{Body: items}, nil
	})
}
