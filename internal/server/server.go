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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"gameforge/internal/agent"
	"gameforge/internal/domain"
	"gameforge/internal/engine"
	"gameforge/internal/engine/auth"
	"gameforge/internal/logging"
	"gameforge/internal/pipeline"
	"gameforge/internal/project"
	"gameforge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Stages is the base stage configuration. Requests may change the level
	// count, toggle assets and answer asset reviews.
	Stages pipeline.StageOptions
	Logger *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"run_in_progress"`
	Message string         `json:"message" example:"project game-1: run already in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"project_id\":\"game-1\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	cfg    Config
	logger *slog.Logger
	// runs collapses concurrent POST /runs for the same project id.
	runs singleflight.Group
}

// New returns an HTTP handler exposing the gameforge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.Orchestrator == nil {
		return nil, errors.New("server: engine has no orchestrator")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	hcfg := huma.DefaultConfig("Gameforge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := &handlers{cfg: cfg, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerRuns(group)
	h.registerEvents(group)
	h.registerContext(group)
	registerMe(group)
	registerToken(group, cfg.Auth)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrRunInProgress) {
		return newAPIError(http.StatusConflict, "run_in_progress", err.Error(), nil)
	}
	if errors.Is(err, pipeline.ErrEmptyRequest) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
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
	case http.StatusUnauthorized:
		return "unauthorized"
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Gameforge API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; when the server has a JWT secret.
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

type runOutcome struct {
	run domain.Run
	res *pipeline.Result
	err error
}

func (h *handlers) registerRuns(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "create-run",
		Method:      http.MethodPost,
		Path:        "/runs",
		Summary:     "Run the pipeline for a game request",
		Description: "Runs synchronously. A pipeline failure is recorded and returned as a run with status failed.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*struct {
		Body RunResultResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRunsCreate); err != nil {
			return nil, handleError(err)
		}
		principal, _ := principalFromContext(ctx)
		in := input.Body
		if strings.TrimSpace(in.Request) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "request is required", nil)
		}
		projectID := in.ProjectID
		if projectID == "" {
			projectID = pipeline.NewProjectID(time.Now())
		}
		v, err, shared := h.runs.Do(projectID, func() (any, error) {
			run, res, runErr := h.cfg.Engine.StartRun(context.WithoutCancel(ctx), engine.RunOptions{
				ProjectID:      projectID,
				UserRequest:    in.Request,
				Genre:          in.Genre,
				TargetAudience: in.TargetAudience,
				Platforms:      in.Platforms,
				StyleGuide:     in.StyleGuide,
				ActorID:        principal.ActorID,
				Stages:         h.stagesFor(in),
			})
			return runOutcome{run: run, res: res, err: runErr}, nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := v.(runOutcome)
		if shared {
			h.logger.InfoContext(ctx, "joined in-flight run", slog.String("project_id", projectID))
		}
		if out.err != nil && out.run.Status != domain.RunFailed {
			// rejected before the pipeline started
			return nil, handleError(out.err)
		}
		return &struct {
			Body RunResultResponse `json:"body"`
		}{Body: runResult(out.run, out.res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs, newest first",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedRuns `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := h.cfg.Engine.Repo.ListRuns(ctx, repo.RunFilters{Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Run{}
		}
		return &struct {
			Body paginatedRuns `json:"body"`
		}{Body: paginatedRuns{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{project_id}",
		Summary:     "Latest run of a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		run, err := h.cfg.Engine.Repo.LatestRunForProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(fmt.Errorf("project %s: %w", input.ProjectID, err))
		}
		counts, err := h.cfg.Engine.Repo.CountEventsByType(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RunResponse{Run: run, EventCounts: counts}
		if run.Status == domain.RunCompleted {
			if report, err := h.cfg.Engine.QualityReport(run.ProjectID); err == nil {
				resp.Report = &report
			}
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// stagesFor returns nil when the request keeps the server's stage list.
func (h *handlers) stagesFor(in CreateRunRequest) []agent.Stage {
	if in.Levels == nil && in.Assets == nil && len(in.Review) == 0 {
		return nil
	}
	opts := h.cfg.Stages
	if in.Levels != nil {
		opts.Levels = *in.Levels
	}
	if in.Assets != nil {
		opts.Assets = *in.Assets
	}
	if len(in.Review) > 0 {
		decisions := make(map[string]agent.Verdict, len(in.Review))
		for id, d := range in.Review {
			decisions[id] = agent.Verdict{Approved: d.Approved, Feedback: d.Feedback}
		}
		opts.ReviewMode = agent.ReviewManual
		opts.Reviewer = &agent.ScriptedReviewer{Decisions: decisions, Default: agent.Verdict{Approved: true}}
	}
	return pipeline.DefaultStages(opts)()
}

func (h *handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/runs/{project_id}/events",
		Summary:     "List recent events of a project",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `query:"run_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.cfg.Engine.Repo.LatestEvents(ctx, repo.EventFilters{
			ProjectID: input.ProjectID,
			RunID:     input.RunID,
			Type:      input.Type,
			Cursor:    cursorID,
			Limit:     limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h *handlers) registerContext(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-context",
		Method:      http.MethodGet,
		Path:        "/runs/{project_id}/context",
		Summary:     "Last persisted project context",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body *project.ProjectContext `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermContextRead); err != nil {
			return nil, handleError(err)
		}
		pc, err := h.cfg.Engine.Context(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *project.ProjectContext `json:"body"`
		}{Body: pc}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(principal.Permissions),
			Source:      principal.Source,
		}}, nil
	})
}

// registerToken lets an admin mint tokens for other actors.
func registerToken(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-token",
		Method:      http.MethodPost,
		Path:        "/auth/token",
		Summary:     "Issue a bearer token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body TokenRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !hasRole(p.Roles, "admin") {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "admin role required", nil)
		}
		if strings.TrimSpace(authCfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "server has no jwt secret", nil)
		}
		token, err := auth.Issue(authCfg.JWTSecret, input.Body.Subject, input.Body.Roles, 24*time.Hour, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token}}, nil
	})
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
