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

	"paychat/internal/controller"
	"paychat/internal/repo"
	"paychat/internal/tabular"
	"paychat/internal/taskman"
)

// Config for the HTTP API handler.
type Config struct {
	Controller *controller.Controller
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"session not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the conversation API.
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
	hcfg := huma.DefaultConfig("Paychat API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg.Controller)
	registerSessions(group, cfg.Controller)
	registerTurns(group, cfg.Controller)
	registerDevAuth(group, cfg.Auth)

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
	var unexpected taskman.UnexpectedFileTypeError
	if errors.As(err, &unexpected) {
		return newAPIError(http.StatusUnprocessableEntity, "unexpected_file_type", err.Error(), map[string]any{"file_type": unexpected.FileType})
	}
	var incomplete taskman.IncompleteFilesError
	if errors.As(err, &incomplete) {
		return newAPIError(http.StatusUnprocessableEntity, "files_incomplete", err.Error(), map[string]any{"missing": incomplete.Missing})
	}
	if errors.Is(err, tabular.ErrNotTabular) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown task"):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
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

func registerTasks(api huma.API, c *controller.Controller) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List configured tasks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(c.Catalog.List())}, nil
	})
}

func registerSessions(api huma.API, c *controller.Controller) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionCreatedResponse `json:"body"`
	}, error) {
		sess, turn, err := c.NewSession(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionCreatedResponse `json:"body"`
		}{Body: SessionCreatedResponse{
			Session:  sessionResponse(sess),
			Messages: mapReplies(turn.Messages),
			State:    turn.State,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		items, err := c.Repo.ListSessions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: mapSessions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := c.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{session_id}",
		Summary:     "Delete session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct{}, error) {
		if err := c.Repo.DeleteSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-messages",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/messages",
		Summary:     "Conversation history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body []MessageResponse `json:"body"`
	}, error) {
		if _, err := c.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		msgs, err := c.Repo.ListMessages(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MessageResponse `json:"body"`
		}{Body: mapMessages(msgs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-files",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/files",
		Summary:     "Uploaded files",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body []UploadedFileResponse `json:"body"`
	}, error) {
		if _, err := c.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		files, err := c.Repo.ListUploadedFiles(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UploadedFileResponse `json:"body"`
		}{Body: mapUploadedFiles(files)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-runs",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/runs",
		Summary:     "Completed calculation runs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		if _, err := c.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		runs, err := c.Repo.ListCalculationRuns(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: mapRuns(runs)}, nil
	})
}

func registerTurns(api huma.API, c *controller.Controller) {
	huma.Register(api, huma.Operation{
		OperationID: "post-turn",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/turns",
		Summary:     "Send one user turn",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string      `path:"session_id"`
		Body      TurnRequest `json:"body"`
	}) (*struct {
		Body TurnResponse `json:"body"`
	}, error) {
		hasText := input.Body.Text != nil
		hasFile := input.Body.FileName != nil || input.Body.ContentBase64 != nil
		if hasText == hasFile {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "provide either text or file_name with content_base64", nil)
		}

		var (
			turn controller.Turn
			err  error
		)
		if hasText {
			turn, err = c.HandleText(ctx, input.SessionID, *input.Body.Text)
		} else {
			if input.Body.FileName == nil || input.Body.ContentBase64 == nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "file_name and content_base64 are both required", nil)
			}
			content, decErr := base64.StdEncoding.DecodeString(*input.Body.ContentBase64)
			if decErr != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "content_base64 is not valid base64", nil)
			}
			turn, err = c.HandleFile(ctx, input.SessionID, *input.Body.FileName, content)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TurnResponse `json:"body"`
		}{Body: turnResponse(turn)}, nil
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
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/auth/me",
		Summary:     "Describe the authenticated caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body IdentityResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body IdentityResponse `json:"body"`
		}{Body: IdentityResponse{ActorID: p.ActorID, Source: p.Source}}, nil
	})
}
