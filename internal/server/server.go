package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"agentline/internal/catalog"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/engine/auth"
	"agentline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"capacity_exceeded"`
	Message string         `json:"message" example:"capacity exceeded: 4 of 4 sessions active"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"limit\":4}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the agentline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.DevLogin && strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("dev login requires a jwt secret")
	}
	huma.DefaultArrayNullable = false
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Agentline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerAgents(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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
	msg := err.Error()
	var (
		forbidden    auth.ForbiddenError
		notRecipient repo.NotRecipientError
		unknown      catalog.UnknownAgentTypeError
		validation   engine.ValidationError
		depth        engine.MaxDepthExceededError
		workspace    engine.WorkspaceNotAllowedError
		capacity     engine.CapacityExceededError
		terminal     repo.AlreadyTerminalError
	)
	switch {
	case errors.As(err, &forbidden):
		return newAPIError(http.StatusForbidden, "forbidden", msg, map[string]any{"scope": forbidden.Scope})
	case errors.As(err, &notRecipient):
		return newAPIError(http.StatusForbidden, "not_recipient", msg, map[string]any{"message_id": notRecipient.MessageID})
	case errors.As(err, &unknown):
		return newAPIError(http.StatusNotFound, "unknown_agent_type", msg, map[string]any{"known": unknown.Known})
	case errors.Is(err, catalog.ErrNoRecommendation):
		return newAPIError(http.StatusNotFound, "no_recommendation", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.As(err, &validation):
		return newAPIError(http.StatusBadRequest, "validation_failed", msg, map[string]any{"field": validation.Field})
	case errors.As(err, &depth):
		return newAPIError(http.StatusUnprocessableEntity, "max_depth_exceeded", msg, map[string]any{"depth": depth.Depth, "max_depth": depth.MaxDepth})
	case errors.As(err, &workspace):
		return newAPIError(http.StatusUnprocessableEntity, "workspace_not_allowed", msg, map[string]any{"path": workspace.Path})
	case errors.As(err, &capacity):
		return newAPIError(http.StatusConflict, "capacity_exceeded", msg, map[string]any{"active": capacity.Active, "limit": capacity.Limit})
	case errors.As(err, &terminal):
		return newAPIError(http.StatusConflict, "already_terminal", msg, map[string]any{"status": terminal.Status})
	case errors.Is(err, engine.ErrNotAttached):
		return newAPIError(http.StatusConflict, "not_attached", msg, nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
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
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Agentline API Docs</title>
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
			ActorID:   principal.ActorID,
			Scopes:    nonNilSlice(principal.Scopes),
			SessionID: principal.SessionID,
			Project:   principal.Project,
			Source:    principal.Source,
		}}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agent types",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body agentList `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeAgentsRead); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body agentList `json:"body"`
		}{Body: agentList{Items: nonNilSlice(e.Agents())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{name}",
		Summary:     "Get agent type",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body domain.AgentSpec `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeAgentsRead); err != nil {
			return nil, handleError(err)
		}
		spec, err := e.Agent(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentSpec `json:"body"`
		}{Body: spec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recommend-agent",
		Method:      http.MethodPost,
		Path:        "/agents/recommend",
		Summary:     "Recommend an agent type for a task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RecommendRequest `json:"body"`
	}) (*struct {
		Body engine.Recommendation `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeAgentsRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Recommend(input.Body.Task)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Recommendation `json:"body"`
		}{Body: rec}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "spawn-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Spawn a worker session",
		Description:   "Runs the task to completion unless wait is false, in which case the pending session is returned immediately.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body SpawnRequest `json:"body"`
	}) (*struct {
		Body domain.SessionRecord `json:"body"`
	}, error) {
		principal, err := requireScope(ctx, auth.ScopeSessionsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		req := engine.SpawnRequest{
			AgentType:       input.Body.AgentType,
			Task:            input.Body.Task,
			WorkspacePath:   input.Body.WorkspacePath,
			ParentSessionID: input.Body.ParentSessionID,
			TimeoutSeconds:  input.Body.TimeoutSeconds,
			Project:         input.Body.Project,
			ActorID:         principal.ActorID,
		}
		if principal.SessionID != "" {
			// Workers may only spawn their own children.
			req.ParentSessionID = principal.SessionID
		}
		if principal.Project != "" {
			req.Project = principal.Project
		}
		var rec domain.SessionRecord
		if input.Body.Wait != nil && !*input.Body.Wait {
			rec, err = e.Start(ctx, req)
		} else {
			rec, err = e.Spawn(ctx, req)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SessionRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status" enum:"pending,running,succeeded,failed,timed_out,cancelled"`
		AgentType       string `query:"agent_type"`
		ParentID        string `query:"parent_id"`
		Project         string `query:"project"`
		RootsOnly       bool   `query:"roots_only"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body paginatedSessions `json:"body"`
	}, error) {
		principal, err := requireScope(ctx, auth.ScopeSessionsRead)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorStarted, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		project := input.Project
		if principal.Project != "" {
			project = principal.Project
		}
		items, err := e.ListSessions(ctx, repo.SessionFilters{
			Status:          input.Status,
			AgentType:       input.AgentType,
			ParentID:        input.ParentID,
			Project:         project,
			RootsOnly:       input.RootsOnly,
			IncludeArchived: input.IncludeArchived,
			Limit:           limit + 1,
			CursorStartedAt: cursorStarted,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedSessions{}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.StartedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = nonNilSlice(items)
		return &struct {
			Body paginatedSessions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-active-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions/active",
		Summary:     "List pending and running sessions",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body sessionList `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSessionsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListActive(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sessionList `json:"body"`
		}{Body: sessionList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.SessionRecord `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSessionsRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SessionRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-children",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/children",
		Summary:     "List direct children of a session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body sessionList `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSessionsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListChildren(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sessionList `json:"body"`
		}{Body: sessionList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/cancel",
		Summary:     "Cancel an active session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Force bool   `query:"force"`
	}) (*struct {
		Body domain.SessionRecord `json:"body"`
	}, error) {
		principal, err := requireScope(ctx, auth.ScopeSessionsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if principal.SessionID != "" {
			target, err := e.GetSession(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			if target.ParentID == nil || *target.ParentID != principal.SessionID {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "workers may only cancel their own children", nil)
			}
		}
		rec, err := e.Cancel(ctx, input.ID, engine.CancelOptions{Force: input.Force, ActorID: principal.ActorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SessionRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-sessions",
		Method:      http.MethodPost,
		Path:        "/sessions/archive",
		Summary:     "Archive terminal sessions older than a duration",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ArchiveRequest `json:"body"`
	}) (*struct {
		Body idList `json:"body"`
	}, error) {
		principal, err := requireScope(ctx, auth.ScopeAll)
		if err != nil {
			return nil, handleError(err)
		}
		olderThan, err := time.ParseDuration(input.Body.OlderThan)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid older_than duration", map[string]any{"older_than": input.Body.OlderThan})
		}
		ids, err := e.ArchiveSessions(ctx, olderThan, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body idList `json:"body"`
		}{Body: idList{IDs: nonNilSlice(ids)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reap-sessions",
		Method:      http.MethodPost,
		Path:        "/sessions/reap",
		Summary:     "Fail abandoned sessions past their deadline",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body idList `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeAll); err != nil {
			return nil, handleError(err)
		}
		ids, err := e.ReapStale(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body idList `json:"body"`
		}{Body: idList{IDs: nonNilSlice(ids)}}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "agent-stats",
		Method:      http.MethodGet,
		Path:        "/stats/agents",
		Summary:     "Outcome statistics per agent type",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AgentType string `query:"agent_type"`
		Days      int    `query:"days" minimum:"0"`
	}) (*struct {
		Body statsList `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSessionsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.AgentStats(ctx, input.AgentType, input.Days)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body statsList `json:"body"`
		}{Body: statsList{Items: nonNilSlice(items)}}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-message",
		Method:        http.MethodPost,
		Path:          "/messages",
		Summary:       "Post a message; omit to_session_id to broadcast",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body PostMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		principal, err := requireScope(ctx, auth.ScopeInboxWrite)
		if err != nil {
			return nil, handleError(err)
		}
		req := engine.PostRequest{
			Project:       input.Body.Project,
			FromSessionID: input.Body.FromSessionID,
			ToSessionID:   input.Body.ToSessionID,
			Kind:          input.Body.Kind,
			Payload:       input.Body.Payload,
			ReplyTo:       input.Body.ReplyTo,
			ActorID:       principal.ActorID,
		}
		pinWorker(principal, &req)
		msg, err := e.Post(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: msg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "poll-messages",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "Poll unconsumed messages, oldest first",
		Description: "Polling never consumes; acknowledge with the consume operation.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Reader            string `query:"reader"`
		Project           string `query:"project"`
		IncludeBroadcasts bool   `query:"include_broadcasts"`
		IncludeConsumed   bool   `query:"include_consumed" doc:"Also list acknowledged messages"`
		Kind              string `query:"kind" enum:"result,question,status,broadcast"`
		Limit             int    `query:"limit" default:"50"`
	}) (*struct {
		Body messageList `json:"body"`
	}, error) {
		principal, err := requireScope(ctx, auth.ScopeInboxRead)
		if err != nil {
			return nil, handleError(err)
		}
		req := engine.PollRequest{
			ReaderID:          input.Reader,
			Project:           input.Project,
			IncludeBroadcasts: input.IncludeBroadcasts,
			IncludeConsumed:   input.IncludeConsumed,
			Kind:              input.Kind,
			Limit:             normalizeLimit(input.Limit),
		}
		if principal.SessionID != "" {
			req.ReaderID = principal.SessionID
		}
		if principal.Project != "" {
			req.Project = principal.Project
		}
		items, err := e.Poll(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body messageList `json:"body"`
		}{Body: messageList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "consume-message",
		Method:      http.MethodPost,
		Path:        "/messages/{id}/consume",
		Summary:     "Mark a message consumed for a reader",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ConsumeRequest `json:"body"`
	}) (*struct {
		Body consumeResponse `json:"body"`
	}, error) {
		principal, err := requireScope(ctx, auth.ScopeInboxWrite)
		if err != nil {
			return nil, handleError(err)
		}
		reader := input.Body.ReaderID
		if principal.SessionID != "" {
			reader = principal.SessionID
		}
		res, err := e.MarkConsumed(ctx, input.ID, reader, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body consumeResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reply-message",
		Method:        http.MethodPost,
		Path:          "/messages/{id}/reply",
		Summary:       "Reply to the sender of a message",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ReplyRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		principal, err := requireScope(ctx, auth.ScopeInboxWrite)
		if err != nil {
			return nil, handleError(err)
		}
		req := engine.PostRequest{
			FromSessionID: input.Body.FromSessionID,
			Kind:          input.Body.Kind,
			Payload:       input.Body.Payload,
			ActorID:       principal.ActorID,
		}
		pinWorker(principal, &req)
		msg, err := e.Reply(ctx, input.ID, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: msg}, nil
	})
}

// pinWorker makes worker tokens post as their own session in their own project.
func pinWorker(p Principal, req *engine.PostRequest) {
	if p.SessionID != "" {
		req.FromSessionID = p.SessionID
	}
	if p.Project != "" {
		req.Project = p.Project
	}
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Project    string `query:"project"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"session,message,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeEventsRead); err != nil {
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
		items, err := e.LatestEvents(ctx, repo.EventFilters{
			Project:    input.Project,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
			Cursor:     cursorID,
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

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		ttl := time.Hour
		if input.Body.TTLMinutes > 0 {
			ttl = time.Duration(input.Body.TTLMinutes) * time.Minute
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.SessionID, input.Body.Scopes, ttl)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		authCfg.logger().Warn("dev token issued", "actor_id", actor, "scopes", input.Body.Scopes)
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
