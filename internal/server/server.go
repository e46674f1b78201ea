package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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
	"github.com/google/uuid"

	"bastion/internal/config"
	"bastion/internal/domain"
	"bastion/internal/engine"
	"bastion/internal/ledger"
	"bastion/internal/progress"
	"bastion/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_resource"`
	Message string         `json:"message" example:"insufficient resource: food"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Bastion API.
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
	hcfg := huma.DefaultConfig("Bastion API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSessions(group, cfg.Engine)
	registerPlayers(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerTurns(group, cfg.Engine)
	registerResources(group, cfg.Engine)
	registerProject(group, cfg.Engine)
	registerGoals(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var abort *engine.AbortError
	if errors.As(err, &abort) {
		return newAPIError(http.StatusUnprocessableEntity, "resolution_aborted", abort.Error(), map[string]any{
			"action_id": abort.ActionID,
			"errors":    abort.Reasons,
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ledger.ErrInsufficientResource):
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_resource", err.Error(), nil)
	case errors.Is(err, ledger.ErrInvalidTransfer), errors.Is(err, ledger.ErrInvalidTransferTarget):
		return newAPIError(http.StatusBadRequest, "invalid_transfer", err.Error(), nil)
	case errors.Is(err, ledger.ErrInvalidTurn):
		return newAPIError(http.StatusBadRequest, "invalid_turn", err.Error(), nil)
	case errors.Is(err, engine.ErrConcurrentResolution):
		return newAPIError(http.StatusConflict, "concurrent_resolution", err.Error(), nil)
	case errors.Is(err, engine.ErrResolutionTimeout):
		return newAPIError(http.StatusGatewayTimeout, "resolution_timeout", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionCompleted):
		return newAPIError(http.StatusConflict, "session_completed", err.Error(), nil)
	case errors.Is(err, progress.ErrStageNotAdvanceable):
		return newAPIError(http.StatusUnprocessableEntity, "stage_not_advanceable", err.Error(), nil)
	case errors.Is(err, progress.ErrAlreadyCompleted):
		return newAPIError(http.StatusConflict, "already_completed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Bastion API Docs</title>
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
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type SessionPath struct {
	SessionID string `path:"session_id"`
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id := ""
		if input.Body.ID != nil {
			id = *input.Body.ID
		}
		s, err := e.InitSession(ctx, id, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Session `json:"body"`
	}, error) {
		items, err := e.Repo.ListSessions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Session `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-conditions",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/conditions",
		Summary:     "Evaluate end conditions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body domain.Verdict `json:"body"`
	}, error) {
		v, err := e.EvaluateConditions(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Verdict `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-config",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/config",
		Summary:     "Get pinned session catalog",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Repo.GetSessionConfig(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: *cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{session_id}",
		Summary:     "Delete session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *SessionPath) (*struct{}, error) {
		if authErr := requireGamemaster(ctx, e, input.SessionID); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerPlayers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "join-session",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/players",
		Summary:       "Join session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body JoinSessionRequest `json:"body"`
	}) (*struct {
		Body domain.Player `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.JoinOptions{
			SessionID: input.SessionID,
			Name:      input.Body.Name,
			Faction:   input.Body.Faction,
			ActorID:   actorID,
		}
		if input.Body.PlayerID != nil {
			opts.PlayerID = *input.Body.PlayerID
		}
		if input.Body.Role != nil {
			opts.Role = *input.Body.Role
		}
		p, err := e.JoinSession(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Player `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-players",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/players",
		Summary:     "List players",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body []domain.Player `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPlayers(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Player `json:"body"`
		}{Body: items}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-action",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/actions",
		Summary:       "Submit action",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body SubmitActionRequest `json:"body"`
	}) (*struct {
		Body domain.Action `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SubmitActionOptions{
			SessionID: input.SessionID,
			PlayerID:  input.Body.PlayerID,
			Type:      input.Body.Type,
			Data:      string(input.Body.Data),
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Turn != nil {
			opts.Turn = *input.Body.Turn
		}
		a, err := e.SubmitAction(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Action `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/actions",
		Summary:     "List actions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Turn     int    `query:"turn"`
		Status   string `query:"status" enum:"submitted,locked,resolved,failed,"`
		PlayerID string `query:"player_id"`
	}) (*struct {
		Body []domain.Action `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListActions(ctx, repo.ActionFilters{
			SessionID: input.SessionID,
			Turn:      input.Turn,
			Status:    input.Status,
			PlayerID:  input.PlayerID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Action `json:"body"`
		}{Body: items}, nil
	})
}

func registerTurns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "turn-readiness",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/readiness",
		Summary:     "Check turn readiness",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body engine.Readiness `json:"body"`
	}, error) {
		r, err := e.CheckTurnReadiness(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Readiness `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-turn",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/resolve",
		Summary:     "Resolve the current turn",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body ResolveTurnRequest `json:"body"`
	}) (*struct {
		Body engine.TurnResolutionResult `json:"body"`
	}, error) {
		if authErr := requireGamemaster(ctx, e, input.SessionID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ResolveOptions{
			ValidateOnly:        input.Body.ValidateOnly,
			AllowPartialFailure: true,
			AuditTrail:          input.Body.AuditTrail,
			ActorID:             actorID,
		}
		if input.Body.AllowPartialFailure != nil {
			opts.AllowPartialFailure = *input.Body.AllowPartialFailure
		}
		if input.Body.TimeoutMS > 0 {
			opts.Timeout = time.Duration(input.Body.TimeoutMS) * time.Millisecond
		}
		turn := 0
		if input.Body.Turn != nil {
			turn = *input.Body.Turn
		}
		res, err := e.ResolveTurn(ctx, input.SessionID, turn, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TurnResolutionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerResources(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-resources",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/resources",
		Summary:     "List resource balances",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionPath
		FactionID string `query:"faction_id"`
		Type      string `query:"type"`
		Turn      int    `query:"turn"`
	}) (*struct {
		Body []domain.Resource `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		turn := input.Turn
		if turn == 0 {
			turn = s.CurrentTurn
		}
		items, err := e.Ledger.Query(ctx, repo.ResourceFilters{
			SessionID: input.SessionID,
			FactionID: input.FactionID,
			Type:      input.Type,
			Turn:      turn,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Resource `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-resource",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/resources/adjust",
		Summary:     "Adjust a resource balance",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body AdjustResourceRequest `json:"body"`
	}) (*struct {
		Body ledger.AdjustResult `json:"body"`
	}, error) {
		if authErr := requireGamemaster(ctx, e, input.SessionID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.AdjustOptions{
			SessionID:     input.SessionID,
			FactionID:     input.Body.FactionID,
			ResourceType:  input.Body.ResourceType,
			Delta:         input.Body.Delta,
			AllowNegative: input.Body.AllowNegative,
			ActorID:       actorID,
		}
		if input.Body.Turn != nil {
			opts.Turn = *input.Body.Turn
		}
		if input.Body.Reason != nil {
			opts.Reason = *input.Body.Reason
		}
		res, err := e.AdjustResource(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ledger.AdjustResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transfer-resource",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/resources/transfer",
		Summary:     "Transfer resources between factions",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body TransferResourceRequest `json:"body"`
	}) (*struct {
		Body ledger.TransferResult `json:"body"`
	}, error) {
		if authErr := requireGamemaster(ctx, e, input.SessionID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TransferOptions{
			SessionID:    input.SessionID,
			From:         input.Body.From,
			To:           input.Body.To,
			ResourceType: input.Body.ResourceType,
			Amount:       input.Body.Amount,
			ActorID:      actorID,
		}
		if input.Body.Turn != nil {
			opts.Turn = *input.Body.Turn
		}
		if input.Body.Reason != nil {
			opts.Reason = *input.Body.Reason
		}
		res, err := e.TransferResource(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ledger.TransferResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/audit",
		Summary:     "List ledger audit entries",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionPath
		FactionID string `query:"faction_id"`
		Turn      int    `query:"turn"`
		Phase     string `query:"phase"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAudit(ctx, repo.AuditFilters{
			SessionID: input.SessionID,
			FactionID: input.FactionID,
			Turn:      input.Turn,
			Phase:     input.Phase,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: items}, nil
	})
}

func registerProject(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-project-progress",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/project",
		Summary:     "Get shared project progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body domain.ProjectProgress `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetSessionConfig(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProjectProgress(ctx, input.SessionID, cfg.Project.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectProgress `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "contribute-project",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/project/contribute",
		Summary:     "Contribute resources to the shared project",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body ContributeRequest `json:"body"`
	}) (*struct {
		Body domain.ProjectProgress `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ContributeToProject(ctx, engine.ContributeOptions{
			SessionID: input.SessionID,
			PlayerID:  input.Body.PlayerID,
			Resource:  input.Body.Resource,
			Amount:    input.Body.Amount,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectProgress `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-project-stage",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/project/advance",
		Summary:     "Advance the shared project stage",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body domain.ProjectProgress `json:"body"`
	}, error) {
		if authErr := requireGamemaster(ctx, e, input.SessionID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AdvanceProjectStage(ctx, input.SessionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectProgress `json:"body"`
		}{Body: p}, nil
	})
}

func registerGoals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/goals",
		Summary:     "List faction goals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionPath
		PlayerID string `query:"player_id"`
	}) (*struct {
		Body []domain.FactionGoal `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListFactionGoals(ctx, input.SessionID, input.PlayerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.FactionGoal `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/events",
		Summary:     "List session events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionPath
		Limit  int    `query:"limit"`
		Cursor int64  `query:"cursor"`
		Type   string `query:"type"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.SessionID, input.Type, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/auth/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, handleError(err)
		}
		secret := "bk_" + hex.EncodeToString(raw)
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if input.Body.Name != nil {
			key.Name = *input.Body.Name
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: secret, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/auth/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range items {
			items[i].KeyHash = ""
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/auth/keys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
