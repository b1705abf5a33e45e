package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"worldline/internal/domain"
	"worldline/internal/engine"
	"worldline/internal/repo"
	"worldline/internal/seed"
	"worldline/internal/transfer"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"dependency_blocked"`
	Message string         `json:"message" example:"world UC_001 in LOCAL is required by UC_002"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}

// apiError models the error envelope every endpoint answers with.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

const actorHeader = "X-Actor-Id"

// New returns an HTTP handler exposing the World Manager API.
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
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		// Schema and request decoding failures are the caller's fault, not a domain rule.
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			logger.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Worldline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorlds(group, cfg.Engine)
	registerTransfers(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerBlobs(group, cfg.Engine)
	registerSeeds(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var verr *domain.ValidationError
	var perr *domain.PartialError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrDependencyBlocked):
		return newAPIError(http.StatusConflict, "dependency_blocked", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrUnsupportedSchema):
		return newAPIError(http.StatusUnprocessableEntity, "unsupported_schema", err.Error(), nil)
	case errors.As(err, &verr):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"issues": verr.Issues})
	case errors.As(err, &perr):
		return newAPIError(http.StatusMultiStatus, "partial_failure", err.Error(), map[string]any{"failed": perr.Failed})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
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
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Worldline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
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
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type worldPath struct {
	Environment string `path:"environment" example:"LOCAL"`
	ID          string `path:"id"`
}

func registerWorlds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-worlds",
		Method:      http.MethodGet,
		Path:        "/worlds",
		Summary:     "List worlds",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Environment string   `query:"environment"`
		Category    string   `query:"category"`
		Active      string   `query:"active"`
		Template    string   `query:"template"`
		Tags        []string `query:"tag"`
		Limit       int      `query:"limit" default:"50"`
	}) (*struct {
		Body WorldListResponse `json:"body"`
	}, error) {
		f := repo.WorldFilter{Tags: input.Tags, Limit: normalizeLimit(input.Limit)}
		if input.Environment != "" {
			env, err := domain.ParseEnvironment(input.Environment)
			if err != nil {
				return nil, handleError(err)
			}
			f.Environment = env
		}
		if input.Category != "" {
			c, err := domain.ParseCategory(input.Category)
			if err != nil {
				return nil, handleError(err)
			}
			f.Category = c
		}
		var err error
		if f.IsActive, err = optionalBool("active", input.Active); err != nil {
			return nil, err
		}
		if f.IsTemplate, err = optionalBool("template", input.Template); err != nil {
			return nil, err
		}
		items, err := e.ListWorlds(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorldListResponse `json:"body"`
		}{Body: WorldListResponse{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-world",
		Method:        http.MethodPost,
		Path:          "/worlds",
		Summary:       "Create world",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateWorldRequest `json:"body"`
	}) (*struct {
		Body domain.World `json:"body"`
	}, error) {
		opts := engine.CreateOptions{
			ID:                input.Body.ID,
			Name:              input.Body.Name,
			Description:       input.Body.Description,
			Tags:              input.Body.Tags,
			Dependencies:      input.Body.Dependencies,
			AutoCleanup:       input.Body.AutoCleanup,
			CleanupAfterHours: input.Body.CleanupAfterHours,
			IsTemplate:        input.Body.IsTemplate,
			ActorID:           actorFromRequest(ctx),
		}
		env, err := e.Environment(input.Body.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		opts.Environment = env
		if input.Body.Category != "" {
			if opts.Category, err = domain.ParseCategory(input.Body.Category); err != nil {
				return nil, handleError(err)
			}
		}
		w, err := e.CreateWorld(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.World `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-world",
		Method:      http.MethodGet,
		Path:        "/worlds/{environment}/{id}",
		Summary:     "Get world",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *worldPath) (*struct {
		Body domain.World `json:"body"`
	}, error) {
		env, err := domain.ParseEnvironment(input.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		w, err := e.GetWorld(ctx, input.ID, env)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.World `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-world",
		Method:      http.MethodPatch,
		Path:        "/worlds/{environment}/{id}",
		Summary:     "Update world",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Environment string             `path:"environment"`
		ID          string             `path:"id"`
		Body        UpdateWorldRequest `json:"body"`
	}) (*struct {
		Body domain.World `json:"body"`
	}, error) {
		env, err := domain.ParseEnvironment(input.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		patch, err := worldPatch(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.AutoCleanup != nil || input.Body.CleanupAfterHours != nil {
			current, err := e.GetWorld(ctx, input.ID, env)
			if err != nil {
				return nil, handleError(err)
			}
			settings := current.Settings
			if input.Body.AutoCleanup != nil {
				settings.AutoCleanup = *input.Body.AutoCleanup
			}
			if input.Body.CleanupAfterHours != nil {
				settings.CleanupAfterHours = *input.Body.CleanupAfterHours
			}
			patch.Settings = &settings
		}
		w, err := e.UpdateWorld(ctx, input.ID, env, patch, actorFromRequest(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.World `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "purge-world",
		Method:        http.MethodDelete,
		Path:          "/worlds/{environment}/{id}",
		Summary:       "Purge world",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *worldPath) (*struct{}, error) {
		env, err := domain.ParseEnvironment(input.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.PurgeWorld(ctx, input.ID, env, actorFromRequest(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "use-world",
		Method:      http.MethodPost,
		Path:        "/worlds/{environment}/{id}/usage",
		Summary:     "Record a use of the world",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *worldPath) (*struct {
		Body domain.World `json:"body"`
	}, error) {
		env, err := domain.ParseEnvironment(input.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		w, err := e.UseWorld(ctx, input.ID, env, actorFromRequest(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.World `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "seed-world",
		Method:      http.MethodPost,
		Path:        "/worlds/{environment}/{id}/seed",
		Summary:     "Populate the world with sample data",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *worldPath) (*struct {
		Body domain.World `json:"body"`
	}, error) {
		env, err := domain.ParseEnvironment(input.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		w, err := e.SeedWorld(ctx, input.ID, env, actorFromRequest(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.World `json:"body"`
		}{Body: w}, nil
	})
}

func registerTransfers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transfer-world",
		Method:      http.MethodPost,
		Path:        "/transfers",
		Summary:     "Copy a world into another environment",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body TransferRequest `json:"body"`
	}) (*struct {
		Body transfer.Descriptor `json:"body"`
	}, error) {
		src, err := domain.ParseEnvironment(input.Body.Source)
		if err != nil {
			return nil, handleError(err)
		}
		dst, err := domain.ParseEnvironment(input.Body.Target)
		if err != nil {
			return nil, handleError(err)
		}
		desc, err := e.Copy(ctx, transfer.Request{
			WorldID: input.Body.WorldID,
			Source:  src,
			Target:  dst,
			DryRun:  input.Body.DryRun,
			ActorID: actorFromRequest(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body transfer.Descriptor `json:"body"`
		}{Body: desc}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "cleanup-plan",
		Method:      http.MethodGet,
		Path:        "/lifecycle/plan",
		Summary:     "Preview TTL cleanup",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Environment string `query:"environment"`
	}) (*struct {
		Body CleanupResponse `json:"body"`
	}, error) {
		env, err := optionalEnvironment(input.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		plan, err := e.PlanCleanup(ctx, env)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CleanupResponse `json:"body"`
		}{Body: CleanupResponse{Plan: plan}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cleanup-apply",
		Method:      http.MethodPost,
		Path:        "/lifecycle/cleanup",
		Summary:     "Deactivate expired worlds",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CleanupRequest `json:"body"`
	}) (*struct {
		Status int
		Body   CleanupResponse `json:"body"`
	}, error) {
		env, err := optionalEnvironment(input.Body.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		plan, rep, err := e.Cleanup(ctx, env, input.Body.Confirm, actorFromRequest(ctx))
		status, err := partialStatus(err)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Status int
			Body   CleanupResponse `json:"body"`
		}{Status: status, Body: CleanupResponse{Confirmed: input.Body.Confirm, Plan: plan, Report: rep}}, nil
	})
}

func registerBlobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "detect-orphans",
		Method:      http.MethodGet,
		Path:        "/blobs/orphans",
		Summary:     "Compare stored blobs with referenced blobs",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Environment string `query:"environment"`
	}) (*struct {
		Body OrphanCleanupResponse `json:"body"`
	}, error) {
		env, err := optionalEnvironment(input.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		rep, err := e.DetectOrphans(ctx, env)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrphanCleanupResponse `json:"body"`
		}{Body: OrphanCleanupResponse{Audit: rep}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cleanup-orphans",
		Method:      http.MethodPost,
		Path:        "/blobs/orphans/cleanup",
		Summary:     "Delete orphaned blobs",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body OrphanCleanupRequest `json:"body"`
	}) (*struct {
		Status int
		Body   OrphanCleanupResponse `json:"body"`
	}, error) {
		env, err := optionalEnvironment(input.Body.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		rep, cleaned, err := e.CleanupOrphans(ctx, env)
		status, err := partialStatus(err)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Status int
			Body   OrphanCleanupResponse `json:"body"`
		}{Status: status, Body: OrphanCleanupResponse{Audit: rep, Cleanup: cleaned}}, nil
	})
}

func registerSeeds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-seeds",
		Method:      http.MethodGet,
		Path:        "/seeds",
		Summary:     "List seed bundles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SeedListResponse `json:"body"`
	}, error) {
		return &struct {
			Body SeedListResponse `json:"body"`
		}{Body: SeedListResponse{Dir: e.Config.Seeds.Dir, Items: nonNil(e.ListSeeds())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-seed",
		Method:      http.MethodPost,
		Path:        "/seeds/export",
		Summary:     "Export a world as a seed bundle",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ExportSeedRequest `json:"body"`
	}) (*struct {
		Status int
		Body   seed.ExportResult `json:"body"`
	}, error) {
		env, err := e.Environment(input.Body.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		out := ""
		if input.Body.OutputPath != "" {
			if out, err = e.ConfinedSeedPath(input.Body.OutputPath); err != nil {
				return nil, handleError(err)
			}
		}
		res, err := e.ExportSeed(ctx, input.Body.WorldID, seed.ExportOptions{
			Environment:  env,
			IncludeBlobs: input.Body.IncludeBlobs,
			OutputPath:   out,
		})
		status, err := partialStatus(err)
		if err != nil {
			return nil, handleError(err)
		}
		res.Blobs = nonNil(res.Blobs)
		return &struct {
			Status int
			Body   seed.ExportResult `json:"body"`
		}{Status: status, Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-seed",
		Method:      http.MethodPost,
		Path:        "/seeds/validate",
		Summary:     "Validate a seed bundle",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body SeedPathRequest `json:"body"`
	}) (*struct {
		Body ValidateSeedResponse `json:"body"`
	}, error) {
		path, err := e.ConfinedSeedPath(input.Body.Path)
		if err != nil {
			return nil, handleError(err)
		}
		b, err := e.ValidateSeed(path)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidateSeedResponse `json:"body"`
		}{Body: ValidateSeedResponse{Valid: true, Manifest: b.Manifest, Blobs: len(b.Blobs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analyze-seed",
		Method:      http.MethodPost,
		Path:        "/seeds/analyze",
		Summary:     "Report what an import would collide with",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body SeedPathRequest `json:"body"`
	}) (*struct {
		Body domain.ConflictReport `json:"body"`
	}, error) {
		env, err := optionalEnvironment(input.Body.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		path, err := e.ConfinedSeedPath(input.Body.Path)
		if err != nil {
			return nil, handleError(err)
		}
		rep, err := e.AnalyzeSeed(ctx, path, env)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ConflictReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-seed",
		Method:      http.MethodPost,
		Path:        "/seeds/import",
		Summary:     "Import a seed bundle",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ImportSeedRequest `json:"body"`
	}) (*struct {
		Body seed.ImportResult `json:"body"`
	}, error) {
		env, err := optionalEnvironment(input.Body.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		var sr StrategyRequest
		if input.Body.Strategy != nil {
			sr = *input.Body.Strategy
		}
		strategy, err := engine.ParseStrategy(sr.World, sr.Users, sr.Artifacts, sr.Chats, sr.Blobs)
		if err != nil {
			return nil, handleError(err)
		}
		path, err := e.ConfinedSeedPath(input.Body.Path)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ImportSeed(ctx, path, seed.ImportOptions{
			Environment: env,
			Strategy:    strategy,
			ActorID:     actorFromRequest(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		res.UploadedBlobs = nonNil(res.UploadedBlobs)
		res.Warnings = nonNil(res.Warnings)
		return &struct {
			Body seed.ImportResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		WorldID     string `query:"world_id"`
		Environment string `query:"environment"`
		Type        string `query:"type"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		env, err := optionalEnvironment(input.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Events(ctx, normalizeLimit(input.Limit), input.WorldID, env, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// partialStatus turns a batch that finished with failed items into a 207 so the
// per-item report still reaches the caller.
func partialStatus(err error) (int, error) {
	if err == nil {
		return http.StatusOK, nil
	}
	var perr *domain.PartialError
	if errors.As(err, &perr) {
		return http.StatusMultiStatus, nil
	}
	return 0, err
}

func optionalEnvironment(raw string) (domain.Environment, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return domain.ParseEnvironment(raw)
}

func optionalBool(name, raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("%s must be true or false", name), map[string]any{name: raw})
	}
	return &v, nil
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

func actorFromRequest(ctx context.Context) string {
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		if v := strings.TrimSpace(req.Header.Get(actorHeader)); v != "" {
			return v
		}
	}
	return "api"
}
