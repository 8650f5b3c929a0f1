package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"deltasync/internal/domain"
	"deltasync/internal/engine"
	"deltasync/internal/repo"
	"deltasync/internal/syncerr"
)

// Triggerer requests an ingestion run without waiting for it.
type Triggerer interface {
	Trigger(ctx context.Context) (engine.TriggerResult, error)
}

// TaskReader exposes the persisted task log.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (domain.SyncTask, error)
	ListTasks(ctx context.Context, limit int, status string) ([]domain.SyncTask, error)
	GetRunning(ctx context.Context) (*domain.SyncTask, error)
	Watermark(ctx context.Context) (time.Time, error)
	Counts(ctx context.Context) (map[string]int, error)
	Events(ctx context.Context, limit int, evtType, entityID string) ([]domain.Event, error)
}

// Config for the HTTP control surface.
type Config struct {
	Trigger  Triggerer
	Tasks    TaskReader
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"ingest_in_progress"`
	Message string         `json:"message" example:"a sync task is already running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the control surface.
func New(cfg Config) (http.Handler, error) {
	if cfg.Trigger == nil || cfg.Tasks == nil {
		return nil, errors.New("server: trigger and task reader are required")
	}
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
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
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("deltasync API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	registerDocs(router, basePath)
	registerHealth(group)
	registerIngest(group, cfg.Trigger, logger)
	registerTasks(group, cfg.Tasks)
	registerWatermark(group, cfg.Tasks)
	registerEvents(group, cfg.Tasks)
	registerOpenAPI(router, api, basePath)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if syncerr.Is(err, syncerr.KindConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join("/", basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>deltasync API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

type ingestOutput struct {
	Status int
	Body   IngestResponse `json:"body"`
}

func registerIngest(api huma.API, t Triggerer, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest",
		Method:        http.MethodPost,
		Path:          "/ingest",
		Summary:       "Trigger an ingestion run",
		Description:   "Schedules a sync task and returns immediately. Progress is observed through the task endpoints.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*ingestOutput, error) {
		res, err := t.Trigger(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		by := "anonymous"
		if p, ok := principalFromContext(ctx); ok {
			by = p.Subject
		}
		logger.Info("ingest requested", "outcome", res.Outcome, "task", res.Task.ID, "by", by)
		switch res.Outcome {
		case engine.InProgress:
			details := map[string]any{"task_id": res.Task.ID}
			if res.Running != nil {
				details["running_task_id"] = res.Running.ID
			}
			return nil, newAPIError(http.StatusConflict, "ingest_in_progress", "a sync task is already running", details)
		case engine.AlreadyScheduled:
			return &ingestOutput{Status: http.StatusOK, Body: ingestResponse(res)}, nil
		}
		return &ingestOutput{Status: http.StatusAccepted, Body: ingestResponse(res)}, nil
	})
}

var taskStatuses = map[string]bool{
	domain.StatusScheduled: true,
	domain.StatusRunning:   true,
	domain.StatusSuccess:   true,
	domain.StatusFailed:    true,
}

func registerTasks(api huma.API, tasks TaskReader) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List sync tasks, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		if input.Status != "" && !taskStatuses[input.Status] {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": input.Status})
		}
		items, err := tasks.ListTasks(ctx, normalizeLimit(input.Limit), input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Items: nonNilTasks(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get sync task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.SyncTask `json:"body"`
	}, error) {
		t, err := tasks.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SyncTask `json:"body"`
		}{Body: t}, nil
	})
}

func registerWatermark(api huma.API, tasks TaskReader) {
	huma.Register(api, huma.Operation{
		OperationID: "watermark",
		Method:      http.MethodGet,
		Path:        "/watermark",
		Summary:     "Consumed watermark and task counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WatermarkResponse `json:"body"`
	}, error) {
		wm, err := tasks.Watermark(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		running, err := tasks.GetRunning(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := tasks.Counts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if counts == nil {
			counts = map[string]int{}
		}
		return &struct {
			Body WatermarkResponse `json:"body"`
		}{Body: WatermarkResponse{Watermark: wm, Running: running, Tasks: counts}}, nil
	})
}

func registerEvents(api huma.API, tasks TaskReader) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events, newest first",
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"100"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		evts, err := tasks.Events(ctx, normalizeLimit(input.Limit), input.Type, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: EventList{Items: nonNilEvents(evts)}}, nil
	})
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}
