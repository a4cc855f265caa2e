// Package server exposes the orchestrator over HTTP. Mutations fail closed
// on store trouble; the query surface degrades with warnings instead of
// failing.
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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"controlroom/internal/engine"
	"controlroom/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"store_unavailable"`
	Message string         `json:"message" example:"store unavailable; transition not applied"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the Control Room API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Store))
	hcfg := huma.DefaultConfig("Control Room API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerSteps(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	switch {
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, store.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, store.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "store unavailable; transition not applied", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "validation_error", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "store_unavailable"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
    <title>Control Room API Docs</title>
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

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Submit task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitTaskRequest `json:"body"`
	}) (*struct {
		Body SubmitTaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		requester := input.Body.Requester
		if requester == "" {
			requester = actorID
		}
		t, created, err := e.SubmitTask(ctx, engine.TaskSubmitOptions{
			ConversationID: input.Body.ConversationID,
			Type:           input.Body.Type,
			Priority:       input.Body.Priority,
			Scope:          input.Body.Scope,
			Requester:      requester,
			Reason:         input.Body.Reason,
			Payload:        input.Body.Payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitTaskResponse `json:"body"`
		}{Body: SubmitTaskResponse{Task: taskResponse(t), Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"queued,waiting_approval,running,done,failed,canceled" required:"false"`
		Type   string `query:"type" required:"false"`
		Limit  int    `query:"limit" required:"false"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		items, err := e.Store.ListTasks(ctx, store.TaskFilters{Status: input.Status, Type: input.Type, Limit: input.Limit})
		if err != nil {
			if store.Degraded(err) {
				return &struct {
					Body TaskListResponse `json:"body"`
				}{Body: TaskListResponse{Items: []TaskResponse{}, Warning: "graph_unavailable"}}, nil
			}
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: mapTasks(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskDetailResponse `json:"body"`
	}, error) {
		t, err := e.Store.GetTask(ctx, input.TaskID)
		if err != nil {
			// Visibility degrades; only a genuine miss is a 404.
			if store.Degraded(err) {
				return &struct {
					Body TaskDetailResponse `json:"body"`
				}{Body: TaskDetailResponse{Warnings: []string{"graph_unavailable"}}}, nil
			}
			return nil, handleError(err)
		}
		out := TaskDetailResponse{Task: taskResponse(t)}
		if runs, err := e.Store.ListRunsByTask(ctx, t.ID); err != nil {
			out.Warnings = append(out.Warnings, "runs: graph_unavailable")
		} else {
			out.Runs = mapRuns(runs)
		}
		if steps, err := e.Store.ListStepsByTask(ctx, t.ID); err != nil {
			out.Warnings = append(out.Warnings, "steps: graph_unavailable")
		} else {
			out.Steps = mapSteps(steps)
		}
		if approvals, err := e.Store.ListApprovals(ctx, store.ApprovalFilters{TaskID: t.ID}); err != nil {
			out.Warnings = append(out.Warnings, "approvals: graph_unavailable")
		} else {
			out.Approvals = mapApprovals(approvals)
		}
		return &struct {
			Body TaskDetailResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel task",
		Errors: []int{
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   CancelTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CancelTask(ctx, input.TaskID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approvals",
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id" required:"false"`
		Status string `query:"status" enum:"requested,approved,rejected,expired" required:"false"`
		Limit  int    `query:"limit" required:"false"`
	}) (*struct {
		Body ApprovalListResponse `json:"body"`
	}, error) {
		items, err := e.Store.ListApprovals(ctx, store.ApprovalFilters{TaskID: input.TaskID, Status: input.Status, Limit: input.Limit})
		if err != nil {
			if store.Degraded(err) {
				return &struct {
					Body ApprovalListResponse `json:"body"`
				}{Body: ApprovalListResponse{Items: []ApprovalResponse{}, Warning: "graph_unavailable"}}, nil
			}
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalListResponse `json:"body"`
		}{Body: ApprovalListResponse{Items: mapApprovals(items)}}, nil
	})

	resolve := func(status string) func(ctx context.Context, input *struct {
		ApprovalID string                 `path:"approval_id"`
		Body       ResolveApprovalRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			ApprovalID string                 `path:"approval_id"`
			Body       ResolveApprovalRequest `json:"body"`
		}) (*struct {
			Body ApprovalResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			a, err := e.ResolveApproval(ctx, input.ApprovalID, status, actorID, input.Body.Reason)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ApprovalResponse `json:"body"`
			}{Body: approvalResponse(a)}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/approve",
		Summary:     "Approve",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, resolve("approved"))

	huma.Register(api, huma.Operation{
		OperationID: "reject-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/reject",
		Summary:     "Reject",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, resolve("rejected"))
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-step",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/steps",
		Summary:       "Add step",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		RunID string         `path:"run_id"`
		Body  AddStepRequest `json:"body"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		st, err := e.AddStep(ctx, input.RunID, input.Body.Detail)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/complete",
		Summary:     "Complete run",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		RunID string             `path:"run_id"`
		Body  CompleteRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		r, err := e.CompleteRun(ctx, input.RunID, input.Body.Status, input.Body.Final)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ack-cancel",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/ack-cancel",
		Summary:     "Acknowledge cancel",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.AckCancel(ctx, input.RunID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(r)}, nil
	})
}

func registerSteps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-step",
		Method:      http.MethodPatch,
		Path:        "/steps/{step_id}",
		Summary:     "Update step",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		StepID string            `path:"step_id"`
		Body   UpdateStepRequest `json:"body"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		st, err := e.UpdateStep(ctx, input.StepID, input.Body.State, input.Body.Detail)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-action",
		Method:        http.MethodPost,
		Path:          "/steps/{step_id}/actions",
		Summary:       "Record action",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		StepID string              `path:"step_id"`
		Body   RecordActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		var args any
		if input.Body.Args != nil {
			args = input.Body.Args
		}
		a, err := e.RecordAction(ctx, input.StepID, input.Body.Name, input.Body.Tool, args)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-artifact",
		Method:        http.MethodPost,
		Path:          "/steps/{step_id}/artifacts",
		Summary:       "Add artifact",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		StepID string             `path:"step_id"`
		Body   AddArtifactRequest `json:"body"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		a, err := e.AddArtifact(ctx, input.StepID, input.Body.Pointer, input.Body.Components)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: ArtifactResponse{
			Pointer:    a.Pointer,
			StepID:     a.StepID,
			Components: a.Components,
			CreatedAt:  a.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-step-actions",
		Method:      http.MethodGet,
		Path:        "/steps/{step_id}/actions",
		Summary:     "List step actions",
	}, func(ctx context.Context, input *struct {
		StepID string `path:"step_id"`
	}) (*struct {
		Body ActionListResponse `json:"body"`
	}, error) {
		items, err := e.Store.ListActionsByStep(ctx, input.StepID)
		if err != nil {
			if store.Degraded(err) {
				return &struct {
					Body ActionListResponse `json:"body"`
				}{Body: ActionListResponse{Items: []ActionResponse{}, Warning: "graph_unavailable"}}, nil
			}
			return nil, handleError(err)
		}
		return &struct {
			Body ActionListResponse `json:"body"`
		}{Body: ActionListResponse{Items: mapActions(items)}}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-action",
		Method:      http.MethodPatch,
		Path:        "/actions/{action_id}",
		Summary:     "Update action",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string              `path:"action_id"`
		Body     UpdateActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		var result any
		if input.Body.Result != nil {
			result = input.Body.Result
		}
		a, err := e.UpdateAction(ctx, input.ActionID, input.Body.Status, result)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		CorrelationID string `query:"correlation_id" required:"false"`
		Channel       string `query:"channel" required:"false"`
		Type          string `query:"type" required:"false"`
		After         int64  `query:"after" required:"false"`
		Limit         int    `query:"limit" required:"false"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		filters := store.EventFilters{
			CorrelationID: input.CorrelationID,
			Channel:       input.Channel,
			Type:          input.Type,
			Limit:         input.Limit,
		}
		var (
			items []EventResponse
			err   error
		)
		if input.After > 0 {
			raw, e2 := e.Store.EventsAfter(ctx, input.After, filters)
			err = e2
			items = mapEvents(raw)
		} else {
			raw, e2 := e.Store.LatestEvents(ctx, filters)
			err = e2
			items = mapEvents(raw)
		}
		if err != nil {
			if store.Degraded(err) {
				return &struct {
					Body EventListResponse `json:"body"`
				}{Body: EventListResponse{Items: []EventResponse{}, Warning: "graph_unavailable"}}, nil
			}
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
	})
}
