package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"steward/internal/app"
	"steward/internal/budget"
	"steward/internal/config"
	"steward/internal/engine"
	"steward/internal/policy"
	"steward/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// SweepInterval controls the background queue sweeper; zero disables it.
	SweepInterval time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"never_do"`
	Message string         `json:"message" example:"action \"delete_data\" is permanently prohibited and can never run"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Steward API and starts the
// background webhook dispatcher and queue sweeper.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Steward API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerProjects(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerConfig(group, cfg.Engine)
	registerExecute(group, cfg.Engine)
	registerQueue(group, cfg.Engine)
	registerTrust(group, cfg.Engine)
	registerBudget(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)
	if cfg.SweepInterval > 0 {
		go runSweeper(cfg.Engine, cfg.SweepInterval)
	}

	return router, nil
}

// runSweeper drives the hold queue on a fixed cadence. Claim guards make
// concurrent sweeps safe, so overlap with an operator-triggered process call
// is harmless.
func runSweeper(e engine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if _, err := e.ProcessQueue(context.Background()); err != nil {
			log.Printf("sweeper: %v", err)
		}
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrUnknownLevel) {
		return newAPIError(http.StatusBadRequest, "unknown_level", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already decided"):
		return newAPIError(http.StatusConflict, "already_decided", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
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
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Steward API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

func registerDevAuth(api huma.API, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a short-lived dev token",
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID string `json:"actor_id"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if !auth.DevLoginEnabled {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := issueDevToken(input.Body.ActorID, auth.JWTSecret, 12*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if _, _, err := app.ResolveProjectAndConfig(ctx, input.Body.ID, e.Repo); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.Body.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Autonomy status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountHeldActionsByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":       p.ID,
			"status":           p.Status,
			"autonomy_level":   e.Config.Autonomy.Level,
			"dry_run":          e.Config.Autonomy.DryRun,
			"queue_counts":     counts,
			"budget":           e.Budget.Snapshot(),
			"degradation_tier": e.Budget.DegradationTier(),
		}}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get autonomy config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":     input.ProjectID,
			"autonomy_level": cfg.Autonomy.Level,
			"boundaries":     cfg.Autonomy.Boundaries,
			"levels":         cfg.Autonomy.Levels,
			"graduation":     cfg.Graduation,
			"budget":         cfg.Budget,
			"retention_days": cfg.RetentionDays,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Import autonomy config",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      ImportConfigRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.YAML) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "yaml is required", nil)
		}
		cfg, err := config.FromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_config", err.Error(), nil)
		}
		cfg.Project.ID = input.ProjectID
		if err := e.Repo.UpsertProjectConfig(ctx, input.ProjectID, cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "imported"}}, nil
	})
}

func registerExecute(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-actions",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/execute",
		Summary:     "Gate and execute a batch of proposed actions",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      ExecuteRequest `json:"body"`
	}) (*struct {
		Body []engine.ExecutionResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Actions) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actions are required", nil)
		}
		inputs, err := actionInputs(input.ProjectID, input.Body.Actions)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
		}
		ec := engine.ExecConfig{
			Level:   policy.Level(input.Body.Level),
			DryRun:  input.Body.DryRun,
			ActorID: actorID,
		}
		if input.Body.HoldMinutes != nil {
			ec.HoldMinutes = *input.Body.HoldMinutes
		}
		results, err := e.ExecuteActions(ctx, inputs, ec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.ExecutionResult `json:"body"`
		}{Body: results}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-actions",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/preview",
		Summary:     "Classify a batch of proposed actions without side effects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      ExecuteRequest `json:"body"`
	}) (*struct {
		Body []engine.DryRunResult `json:"body"`
	}, error) {
		level := policy.Level(input.Body.Level)
		if !level.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "unknown_level", fmt.Sprintf("unknown autonomy level %q", input.Body.Level), nil)
		}
		inputs, err := actionInputs(input.ProjectID, input.Body.Actions)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
		}
		return &struct {
			Body []engine.DryRunResult `json:"body"`
		}{Body: e.PreviewActions(inputs, level)}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-held-actions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/queue",
		Summary:     "List held actions",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Status     string `query:"status"`
		ActionType string `query:"action_type"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []HeldActionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListHeldActions(ctx, repo.HeldActionFilters{
			ProjectID:  input.ProjectID,
			Status:     input.Status,
			ActionType: input.ActionType,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HeldActionResponse `json:"body"`
		}{Body: mapHeldActions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-held-action",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/queue/{action_id}",
		Summary:     "Get held action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ActionID  string `path:"action_id"`
	}) (*struct {
		Body HeldActionResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetHeldAction(ctx, input.ProjectID, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HeldActionResponse `json:"body"`
		}{Body: heldActionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-held-action",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/queue/{action_id}/approve",
		Summary:     "Approve a held action and execute it now",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ActionID  string `path:"action_id"`
	}) (*struct {
		Body HeldActionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, decided, err := e.ApproveAction(ctx, input.ProjectID, input.ActionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !decided {
			return nil, newAPIError(http.StatusConflict, "already_decided", fmt.Sprintf("action %s already decided (%s)", input.ActionID, a.Status), nil)
		}
		return &struct {
			Body HeldActionResponse `json:"body"`
		}{Body: heldActionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-held-action",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/queue/{action_id}/cancel",
		Summary:     "Cancel a held action",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		ActionID  string          `path:"action_id"`
		Body      DecisionRequest `json:"body"`
	}) (*struct {
		Body HeldActionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, decided, err := e.CancelAction(ctx, input.ProjectID, input.ActionID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !decided {
			return nil, newAPIError(http.StatusConflict, "already_decided", fmt.Sprintf("action %s already decided (%s)", input.ActionID, a.Status), nil)
		}
		return &struct {
			Body HeldActionResponse `json:"body"`
		}{Body: heldActionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-queue",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/queue/process",
		Summary:     "Execute all due held actions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body engine.ProcessReport `json:"body"`
	}, error) {
		report, err := e.ProcessQueue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ProcessReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerTrust(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-trust",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/trust",
		Summary:     "List trust tiers per action type",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []TrustStateResponse `json:"body"`
	}, error) {
		states, err := e.Repo.ListTrustStates(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TrustStateResponse, 0, len(states))
		for _, s := range states {
			out = append(out, trustStateResponse(s, e.Config))
		}
		return &struct {
			Body []TrustStateResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerBudget(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-budget",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/budget",
		Summary:     "Budget snapshot",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body budget.Status `json:"body"`
	}, error) {
		return &struct {
			Body budget.Status `json:"body"`
		}{Body: e.Budget.Snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-budget-usage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/budget/usage",
		Summary:     "Record incremental spend",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      RecordSpendRequest `json:"body"`
	}) (*struct {
		Body budget.Status `json:"body"`
	}, error) {
		if err := e.Budget.RecordUsage(ctx, input.Body.CostUSD); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body budget.Status `json:"body"`
		}{Body: e.Budget.Snapshot()}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Audit event log",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.ListEvents(ctx, input.ProjectID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
