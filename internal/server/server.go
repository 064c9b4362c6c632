package server

import (
	"bytes"
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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"incidentline/internal/aggregate"
	"incidentline/internal/domain"
	"incidentline/internal/engine"
	"incidentline/internal/engine/auth"
	"incidentline/internal/ingest"
	"incidentline/internal/logging"
	"incidentline/internal/repo"
	"incidentline/internal/resolve"
	"incidentline/internal/stream"
	"incidentline/internal/ticket"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	// Gatherer backs /metrics; prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_input"`
	Message string         `json:"message" example:"row 3: level: unknown level \"LOUD\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"row\":3,\"field\":\"level\"}"`
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

// New returns an HTTP handler exposing the incidentline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logging.OrDefault(cfg.Logger)
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("incidentline API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Gatherer)
	registerHealth(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerStream(group, cfg.Engine)
	registerTickets(group, cfg.Engine)
	registerResolution(group, cfg.Engine)
	registerMe(group)
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
	var ve *ingest.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), map[string]any{
			"row":    ve.Row,
			"field":  ve.Field,
			"reason": ve.Reason,
		})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrEmptyInput):
		return newAPIError(http.StatusBadRequest, "empty_input", msg, nil)
	case errors.Is(err, ticket.ErrNotFound), errors.Is(err, repo.ErrNotFound), errors.Is(err, stream.ErrUnknownSession):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, ticket.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, resolve.ErrAlreadyRunning):
		return newAPIError(http.StatusConflict, "already_running", msg, nil)
	case errors.Is(err, resolve.ErrNotRunning):
		return newAPIError(http.StatusConflict, "not_running", msg, nil)
	case errors.Is(err, resolve.ErrNoRunbook):
		return newAPIError(http.StatusUnprocessableEntity, "no_runbook", msg, nil)
	case errors.Is(err, resolve.ErrShutdown), errors.Is(err, stream.ErrSessionClosed):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unsupported") || strings.Contains(lowered, "required"):
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

func requirePermission(ctx context.Context, perm string) error {
	principal, ok := principalFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return auth.Require(principal.Roles, principal.Permissions, perm)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerMetrics(r chi.Router, g prometheus.Gatherer) {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
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

// applyAuthSecurity marks every mutation as bearer-protected; reads stay open.
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Head} {
			if op != nil {
				op.Security = []map[string][]string{}
			}
		}
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = security
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>incidentline API Docs</title>
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
      Mutations require Authorization: Bearer &lt;token&gt; when the server runs with a JWT secret.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		counts := map[string]int{}
		for status, n := range e.TicketCounts() {
			counts[string(status)] = n
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{
			Status:       "ok",
			LiveSessions: len(e.Hub.Sessions()),
			Resolutions:  nonNilSlice(e.Resolver.Running()),
			Tickets:      counts,
		}}, nil
	})
}

func registerSessions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Upload a log batch and start an analysis session",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Dataset     string `query:"dataset" doc:"Dataset name; a content digest when empty"`
		Mode        string `query:"mode" enum:"auto,passthrough,fallback" default:"auto"`
		Format      string `query:"format" enum:"csv,ndjson" doc:"Overrides the Content-Type"`
		AutoResolve string `query:"auto_resolve" enum:"true,false"`
		ContentType string `header:"Content-Type"`
		RawBody     []byte `contentType:"text/csv"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermSessionsCreate); err != nil {
			return nil, handleError(err)
		}
		raw := input.RawBody
		if len(raw) == 0 {
			raw = bodyBytes(ctx)
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "request body required", nil)
		}
		mode, err := aggregate.ParseMode(input.Mode)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		in := engine.Input{
			Dataset: input.Dataset,
			Format:  formatFor(input.Format, input.ContentType),
			Raw:     raw,
			Mode:    mode,
		}
		if input.AutoResolve != "" {
			v, err := strconv.ParseBool(input.AutoResolve)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid auto_resolve", nil)
			}
			in.AutoResolve = &v
		}
		info, err := e.StartSession(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(info, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body SessionList `json:"body"`
	}, error) {
		resp := SessionList{Items: []SessionResponse{}}
		seen := map[string]bool{}
		for _, info := range e.Sessions() {
			_, live := e.Hub.Get(info.ID)
			resp.Items = append(resp.Items, sessionResponse(info, live))
			seen[info.ID] = true
		}
		if e.Repo != nil {
			stored, err := e.Repo.ListSessions(ctx, input.Limit)
			if err != nil {
				return nil, handleError(err)
			}
			for _, s := range stored {
				if !seen[s.ID] {
					resp.Items = append(resp.Items, storedSessionResponse(s))
				}
			}
		}
		if len(resp.Items) > input.Limit && input.Limit > 0 {
			resp.Items = resp.Items[:input.Limit]
		}
		return &struct {
			Body SessionList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-snapshot",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/snapshot",
		Summary:     "Tickets and reasoning steps of a session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		snap, err := e.Snapshot(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		snap.Tickets = nonNilSlice(snap.Tickets)
		return &struct {
			Body engine.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/close",
		Summary:     "Close a session and archive its transcript",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body CloseSessionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermSessionsClose); err != nil {
			return nil, handleError(err)
		}
		archive, err := e.CloseSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CloseSessionResponse `json:"body"`
		}{Body: CloseSessionResponse{SessionID: input.SessionID, Archived: archive != ""}}, nil
	})
}

func formatFor(format, contentType string) string {
	if format != "" {
		return format
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "ndjson"), strings.Contains(ct, "jsonl"), strings.Contains(ct, "json"):
		return "ndjson"
	default:
		return "csv"
	}
}

func registerTickets(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "List tickets, highest priority first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"Open,InProgress,Resolved,Failed"`
		Dataset   string `query:"dataset"`
		SessionID string `query:"session_id"`
	}) (*struct {
		Body TicketList `json:"body"`
	}, error) {
		items := e.Tickets.List(ticket.Filter{
			Status:    domain.TicketStatus(input.Status),
			Dataset:   input.Dataset,
			SessionID: input.SessionID,
		})
		ticket.SortByPriority(items)
		return &struct {
			Body TicketList `json:"body"`
		}{Body: TicketList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}",
		Summary:     "Get ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TicketID string `path:"ticket_id"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		t, err := e.Tickets.Get(input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ticket-events",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}/events",
		Summary:     "Audit journal of a ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TicketID string `path:"ticket_id"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		if _, err := e.Tickets.Get(input.TicketID); err != nil {
			return nil, handleError(err)
		}
		resp := EventList{Items: []EventResponse{}}
		if e.Repo != nil {
			items, err := e.Repo.TicketEvents(ctx, input.TicketID)
			if err != nil {
				return nil, handleError(err)
			}
			for _, evt := range items {
				resp.Items = append(resp.Items, eventResponse(evt))
			}
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerResolution(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "resolve-ticket",
		Method:        http.MethodPost,
		Path:          "/tickets/{ticket_id}/resolve",
		Summary:       "Start automated resolution of a ticket",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TicketID string `path:"ticket_id"`
		Body     *ResolveRequest `required:"false"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermTicketsResolve); err != nil {
			return nil, handleError(err)
		}
		var opts resolve.TriggerOptions
		if input.Body != nil {
			opts.Env = input.Body.Env
		}
		if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
			if opts.Env == nil {
				opts.Env = map[string]string{}
			}
			opts.Env["INCIDENTLINE_ACTOR"] = p.ActorID
		}
		t, err := e.Resolve(ctx, input.TicketID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-resolution",
		Method:      http.MethodPost,
		Path:        "/tickets/{ticket_id}/cancel",
		Summary:     "Cancel a running resolution",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TicketID string `path:"ticket_id"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermTicketsCancel); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Tickets.Get(input.TicketID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Cancel(input.TicketID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Tickets.Get(input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(auth.Permissions(principal.Roles, principal.Permissions)),
		}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
