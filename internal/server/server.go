package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/orchestrator"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Runner serves scan requests; nil builds one over Engine.
	Runner   *orchestrator.Runner
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid suggestion transition dismissed -> accepted"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Command Center API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	runner := cfg.Runner
	if runner == nil {
		runner = &orchestrator.Runner{Source: cfg.Engine, Sink: cfg.Engine, Scheduler: cfg.Engine.Scheduler, Logger: logger}
	}
	if err := runner.Validate(); err != nil {
		return nil, err
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation failures are client errors, not execution failures.
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
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Opsline Command Center API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSuggestions(group, cfg.Engine, runner, logger)
	registerModules(group, cfg.Engine, logger)
	registerTenant(group, cfg.Engine, logger)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)))
		})
	}
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

// handleError maps domain errors to the envelope. Unclassified errors are logged and answered
// with a bare internal_error so driver text never reaches the caller.
func handleError(logger *zap.Logger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"suggestion_id": te.SuggestionID, "from": te.From, "to": te.To,
		})
	}
	var ee *domain.ExecutionError
	if errors.As(err, &ee) {
		return newAPIError(http.StatusUnprocessableEntity, "execution_failed", err.Error(), map[string]any{
			"suggestion_id": ee.SuggestionID, "type": ee.Type,
		})
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, domain.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	logger.Error("request failed", zap.Error(err))
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
		return "invalid_transition"
	case http.StatusUnprocessableEntity:
		return "execution_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
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
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Opsline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
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
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type suggestionPath struct {
	ID string `path:"id"`
}

type suggestionOutput struct {
	Body domain.Suggestion `json:"body"`
}

func registerSuggestions(api huma.API, e engine.Engine, runner *orchestrator.Runner, logger *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-suggestions",
		Method:      http.MethodGet,
		Path:        "/suggestions",
		Summary:     "List suggestions, pending by default",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type         string `query:"type"`
		SourceModule string `query:"source_module"`
		Priority     string `query:"priority"`
		Status       string `query:"status" doc:"pending (default), accepted, dismissed, expired or any"`
		Limit        int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body SuggestionListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListSuggestions(ctx, p.TenantID, repoFilter(input.Type, input.SourceModule, input.Priority, input.Status, input.Limit))
		if err != nil {
			return nil, handleError(logger, err)
		}
		if items == nil {
			items = []domain.Suggestion{}
		}
		return &struct {
			Body SuggestionListResponse `json:"body"`
		}{Body: SuggestionListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "count-suggestions",
		Method:      http.MethodGet,
		Path:        "/suggestions/counts",
		Summary:     "Command Center summary counts",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.SuggestionCounts `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		counts, err := e.Counts(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(logger, err)
		}
		return &struct {
			Body domain.SuggestionCounts `json:"body"`
		}{Body: counts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-suggestion",
		Method:      http.MethodGet,
		Path:        "/suggestions/{id}",
		Summary:     "Get suggestion",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *suggestionPath) (*suggestionOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.GetSuggestion(ctx, p.TenantID, input.ID)
		if err != nil {
			return nil, handleError(logger, err)
		}
		return &suggestionOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-suggestion",
		Method:      http.MethodPost,
		Path:        "/suggestions/{id}/accept",
		Summary:     "Accept a suggestion and execute it in the target module",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *suggestionPath) (*suggestionOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Accept(ctx, p.TenantID, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(logger, err)
		}
		return &suggestionOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-suggestion",
		Method:      http.MethodPost,
		Path:        "/suggestions/{id}/dismiss",
		Summary:     "Dismiss a suggestion",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body *DismissRequest `json:"body,omitempty" required:"false"`
	}) (*suggestionOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		s, err := e.Dismiss(ctx, p.TenantID, input.ID, p.ActorID, reason)
		if err != nil {
			return nil, handleError(logger, err)
		}
		return &suggestionOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scan-suggestions",
		Method:      http.MethodPost,
		Path:        "/suggestions/scan",
		Summary:     "Run detectors now",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body *ScanRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var results []orchestrator.RunResult
		if input.Body != nil && input.Body.Handler != "" {
			if !orchestrator.IsDetectorHandler(input.Body.Handler) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown detector "+input.Body.Handler, nil)
			}
			res, err := runner.Run(ctx, p.TenantID, input.Body.Handler)
			if err != nil {
				return nil, handleError(logger, err)
			}
			results = []orchestrator.RunResult{res}
		} else {
			var err error
			if results, err = runner.ScanAll(ctx, p.TenantID); err != nil {
				return nil, handleError(logger, err)
			}
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: ScanResponse{Results: results}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-overdue",
		Method:      http.MethodPost,
		Path:        "/suggestions/expire-overdue",
		Summary:     "Expire pending suggestions whose need date passed",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ExpireResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		expired, err := e.ExpireOverdue(ctx, p.TenantID, p.ActorID)
		if err != nil {
			return nil, handleError(logger, err)
		}
		if expired == nil {
			expired = []domain.Suggestion{}
		}
		return &struct {
			Body ExpireResponse `json:"body"`
		}{Body: ExpireResponse{Expired: expired}}, nil
	})
}

func registerTenant(api huma.API, e engine.Engine, logger *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Effective config of the caller's tenant",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg, err := e.TenantConfig(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(logger, err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events of the caller's tenant, newest first",
	}, func(ctx context.Context, input *struct {
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evts, err := e.ListEvents(ctx, p.TenantID, input.EntityID, input.Limit)
		if err != nil {
			return nil, handleError(logger, err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: evts}}, nil
	})
}
