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

	"backplane/internal/app"
	"backplane/internal/domain"
	"backplane/internal/escalation"
	"backplane/internal/ledger"
	"backplane/internal/registry"
	"backplane/internal/repo"
	"backplane/internal/router"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"duplicate_escalation"`
	Message string         `json:"message" example:"envelope already has an open escalation"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Backplane API.
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

	mux := chi.NewRouter()
	mux.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyData, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyData))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyData)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	mux.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Repo))
	hcfg := huma.DefaultConfig("Backplane API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(mux, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(mux, basePath)
	registerHealth(group)
	registerIngest(group, cfg.App)
	registerEnvelopes(group, cfg.App)
	registerEndpoints(group, cfg.App)
	registerRules(group, cfg.App)
	registerEscalations(group, cfg.App)
	registerAudit(group, cfg.App)
	registerOpenAPI(mux, api, basePath)

	return mux, nil
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
	var verr *router.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": verr.Field})
	}
	var terr *registry.InvalidTopicError
	if errors.As(err, &terr) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"topic": terr.Topic})
	}
	if errors.Is(err, registry.ErrNameConflict) {
		return newAPIError(http.StatusConflict, "name_conflict", err.Error(), nil)
	}
	var dup *escalation.DuplicateError
	if errors.As(err, &dup) {
		return newAPIError(http.StatusConflict, "duplicate_escalation", err.Error(), map[string]any{"open_item_id": dup.OpenItemID})
	}
	if errors.Is(err, escalation.ErrUnknownDecision) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ierr *ledger.IntegrityError
	if errors.As(err, &ierr) {
		return newAPIError(http.StatusServiceUnavailable, "ledger_integrity", err.Error(), map[string]any{"sequence": ierr.Sequence})
	}
	if errors.Is(err, ledger.ErrHalted) {
		return newAPIError(http.StatusServiceUnavailable, "ledger_integrity", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
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
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "unavailable"
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

func registerIngest(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest",
		Method:      http.MethodPost,
		Path:        "/ingest",
		Summary:     "Ingest an event envelope",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body IngestRequest `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		producer := input.Body.Producer
		if producer == "" {
			producer = actorID
		}
		env := domain.EventEnvelope{
			Topic:       input.Body.Topic,
			Payload:     []byte(input.Body.Payload),
			Producer:    producer,
			CausationID: input.Body.CausationID,
		}
		if input.Body.ID != nil {
			env.ID = *input.Body.ID
		}
		out, err := a.Router.Ingest(ctx, env)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: ingestResponse(out)}, nil
	})
}

func registerEnvelopes(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-envelope",
		Method:      http.MethodGet,
		Path:        "/envelopes/{envelope_id}",
		Summary:     "Get envelope",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EnvelopeID string `path:"envelope_id"`
	}) (*struct {
		Body EnvelopeResponse `json:"body"`
	}, error) {
		env, err := a.Repo.GetEnvelope(ctx, input.EnvelopeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnvelopeResponse `json:"body"`
		}{Body: envelopeResponse(env)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-envelope-receipts",
		Method:      http.MethodGet,
		Path:        "/envelopes/{envelope_id}/receipts",
		Summary:     "Per-subscriber delivery receipts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EnvelopeID string `path:"envelope_id"`
	}) (*struct {
		Body []domain.DeliveryReceipt `json:"body"`
	}, error) {
		if _, err := a.Repo.GetEnvelope(ctx, input.EnvelopeID); err != nil {
			return nil, handleError(err)
		}
		receipts, err := a.Router.Receipts(ctx, input.EnvelopeID)
		if err != nil {
			return nil, handleError(err)
		}
		if receipts == nil {
			receipts = []domain.DeliveryReceipt{}
		}
		return &struct {
			Body []domain.DeliveryReceipt `json:"body"`
		}{Body: receipts}, nil
	})
}

func registerEndpoints(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-endpoint",
		Method:        http.MethodPost,
		Path:          "/endpoints",
		Summary:       "Register or refresh a service endpoint",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterEndpointRequest `json:"body"`
	}) (*struct {
		Body EndpointResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if input.Body.Address == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "address is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ep, err := a.Registry.Register(ctx, domain.ServiceEndpoint{
			Name:    input.Body.Name,
			Topics:  input.Body.Topics,
			Address: input.Body.Address,
		}, input.Body.Refresh, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EndpointResponse `json:"body"`
		}{Body: endpointResponse(ep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-endpoints",
		Method:      http.MethodGet,
		Path:        "/endpoints",
		Summary:     "List endpoints, unhealthy included",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []EndpointResponse `json:"body"`
	}, error) {
		eps, err := a.Registry.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EndpointResponse `json:"body"`
		}{Body: mapEndpoints(eps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-endpoint",
		Method:      http.MethodGet,
		Path:        "/endpoints/{name}",
		Summary:     "Get endpoint",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body EndpointResponse `json:"body"`
	}, error) {
		ep, err := a.Registry.Get(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EndpointResponse `json:"body"`
		}{Body: endpointResponse(ep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deregister-endpoint",
		Method:        http.MethodDelete,
		Path:          "/endpoints/{name}",
		Summary:       "Deregister endpoint",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.Registry.Deregister(ctx, input.Name, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-probe",
		Method:      http.MethodPost,
		Path:        "/endpoints/{name}/probe",
		Summary:     "Report a health probe result",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Name string           `path:"name"`
		Body ProbeReportRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		var err error
		if input.Body.Healthy {
			err = a.Registry.MarkHealthy(ctx, input.Name)
		} else {
			err = a.Registry.MarkUnhealthy(ctx, input.Name)
		}
		if err != nil {
			return nil, handleError(err)
		}
		status := map[string]any{"name": input.Name}
		if ep, err := a.Registry.Get(ctx, input.Name); err == nil {
			status["health_status"] = ep.HealthStatus
			status["missed_probes"] = ep.MissedProbes
		} else {
			status["pruned"] = true
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-topic",
		Method:      http.MethodGet,
		Path:        "/resolve",
		Summary:     "Preview which subscribers a topic resolves to",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Topic string `query:"topic"`
	}) (*struct {
		Body []EndpointResponse `json:"body"`
	}, error) {
		eps, err := a.Registry.Resolve(input.Topic)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EndpointResponse `json:"body"`
		}{Body: mapEndpoints(eps)}, nil
	})
}

func registerRules(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "Active rule set",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RuleSetResponse `json:"body"`
	}, error) {
		rules := a.Gate.Rules()
		if rules == nil {
			rules = []domain.PolicyRule{}
		}
		return &struct {
			Body RuleSetResponse `json:"body"`
		}{Body: RuleSetResponse{Version: a.Gate.Version(), Rules: rules}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-rules",
		Method:      http.MethodPut,
		Path:        "/rules",
		Summary:     "Replace the active rule set",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body ImportRulesRequest `json:"body"`
	}) (*struct {
		Body RuleSetResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		version, err := a.ImportRules(ctx, input.Body.Rules)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleSetResponse `json:"body"`
		}{Body: RuleSetResponse{Version: version, Rules: a.Gate.Rules()}}, nil
	})
}

func registerEscalations(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalation items",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,approved,amended,rejected,expired"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.EscalationItem `json:"body"`
	}, error) {
		items, err := a.Queue.List(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.EscalationItem{}
		}
		return &struct {
			Body []domain.EscalationItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escalation",
		Method:      http.MethodGet,
		Path:        "/escalations/{item_id}",
		Summary:     "Get escalation item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.EscalationItem `json:"body"`
	}, error) {
		item, err := a.Queue.Get(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EscalationItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{item_id}/decision",
		Summary:     "Apply a reviewer decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string          `path:"item_id"`
		Body   DecisionRequest `json:"body"`
	}) (*struct {
		Body domain.EscalationItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reviewer := input.Body.Reviewer
		if reviewer == "" {
			reviewer = actorID
		}
		item, err := a.Queue.Decide(ctx, input.ItemID, input.Body.Decision, reviewer, input.Body.Comment, []byte(input.Body.Payload))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EscalationItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerAudit(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/audit/records",
		Summary:     "Audit records by envelope or sequence range",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EnvelopeID string `query:"envelope_id"`
		From       int64  `query:"from"`
		To         int64  `query:"to"`
	}) (*struct {
		Body []domain.AuditRecord `json:"body"`
	}, error) {
		var (
			recs []domain.AuditRecord
			err  error
		)
		switch {
		case input.EnvelopeID != "":
			recs, err = a.Ledger.Query(ctx, input.EnvelopeID)
		case input.To > 0:
			recs, err = a.Ledger.Range(ctx, input.From, input.To)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "envelope_id or from/to range required", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if recs == nil {
			recs = []domain.AuditRecord{}
		}
		return &struct {
			Body []domain.AuditRecord `json:"body"`
		}{Body: recs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit",
		Method:      http.MethodPost,
		Path:        "/audit/verify",
		Summary:     "Verify hash chain integrity",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body VerifyLedgerRequest `json:"body"`
	}) (*struct {
		Body VerifyLedgerResponse `json:"body"`
	}, error) {
		head, err := a.Ledger.Head(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		to := input.Body.ToSequence
		if to == 0 {
			to = head
		}
		res := VerifyLedgerResponse{Intact: true, HeadSequence: head}
		if head > 0 {
			ok, err := a.Ledger.Verify(ctx, input.Body.FromSequence, to)
			res.Intact = ok
			if err != nil {
				var ierr *ledger.IntegrityError
				if !errors.As(err, &ierr) {
					return nil, handleError(err)
				}
				res.Failure = ierr.Error()
			}
		}
		return &struct {
			Body VerifyLedgerResponse `json:"body"`
		}{Body: res}, nil
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Backplane API Docs</title>
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
