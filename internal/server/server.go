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
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/gateway"
	"escrowline/internal/money"
	"escrowline/internal/payout"
	"escrowline/internal/reconcile"
	"escrowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Reconciler *reconcile.Reconciler
	Dispatcher *payout.Dispatcher
	BasePath   string
	// CORSOrigins enables CORS for browser clients when not empty.
	CORSOrigins []string
	Auth        AuthConfig
	Logger      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"release requires HELD, contract is CREATED"`
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

// New returns an HTTP handler exposing the escrow API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Reconciler == nil || cfg.Dispatcher == nil {
		return nil, errors.New("server: reconciler and dispatcher are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
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
	router.Use(accessLog(logger))
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
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
	hcfg := huma.DefaultConfig("Escrowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerContracts(group, cfg.Engine)
	registerEscrow(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerWebhooks(group, cfg.Reconciler, cfg.Engine.Gateway)
	registerPayouts(group, cfg.Dispatcher)
	registerNotifications(group, cfg.Reconciler)
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
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrContractNotFound):
		return newAPIError(http.StatusNotFound, "contract_not_found", msg, nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", msg, nil)
	case errors.Is(err, domain.ErrDuplicate), errors.Is(err, repo.ErrPayoutRecorded):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, money.ErrInvalidAmount):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, money.ErrFeeOverrun):
		return newAPIError(http.StatusUnprocessableEntity, "fee_overrun", msg, nil)
	case errors.Is(err, domain.ErrAmountMismatch):
		return newAPIError(http.StatusUnprocessableEntity, "amount_mismatch", msg, nil)
	case errors.Is(err, domain.ErrUnresolvedReference):
		return newAPIError(http.StatusUnprocessableEntity, "unresolved_reference", msg, nil)
	case errors.Is(err, gateway.ErrSignatureInvalid):
		return newAPIError(http.StatusUnauthorized, "signature_invalid", msg, nil)
	case errors.Is(err, gateway.ErrProviderRejected):
		var pe *gateway.ProviderError
		var details map[string]any
		if errors.As(err, &pe) && pe.StatusCode > 0 {
			details = map[string]any{"provider_status": pe.StatusCode, "op": pe.Op}
		}
		return newAPIError(http.StatusBadGateway, "provider_rejected", msg, details)
	case errors.Is(err, gateway.ErrProviderUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "provider_unavailable", msg, nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			level := slog.LevelDebug
			if rec.status >= 500 {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request", "method", r.Method, "path", r.URL.Path,
				"status", rec.status, "duration", time.Since(start))
		})
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
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if publicPath(basePath, route) {
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
    <title>Escrowline API Docs</title>
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

type contractPath struct {
	ID string `path:"id"`
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-contract",
		Method:        http.MethodPost,
		Path:          "/contracts",
		Summary:       "Create contract from an accepted proposal",
		Tags:          []string{"contracts"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		gross, err := money.ParseAmount(input.Body.GrossAmount)
		if err != nil {
			return nil, handleError(err)
		}
		in := engine.ContractInput{
			ID:          input.Body.ID,
			ClientID:    input.Body.ClientID,
			WorkerID:    input.Body.WorkerID,
			Gross:       gross,
			Description: input.Body.Description,
			Currency:    input.Body.Currency,
			ActorID:     actorIDFromContext(ctx),
		}
		if input.Body.PlatformPct != nil {
			rate, err := money.ParseRate(*input.Body.PlatformPct)
			if err != nil {
				return nil, handleError(err)
			}
			in.FeeRate = &rate
		}
		c, err := e.CreateContract(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List contracts",
		Tags:        []string{"contracts"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" doc:"CREATED, HELD, RELEASED or REFUNDED"`
		ClientID string `query:"client_id"`
		WorkerID string `query:"worker_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ContractResponse `json:"body"`
	}, error) {
		items, err := e.ListContracts(ctx, repo.ContractFilters{
			Status:   domain.EscrowStatus(input.Status),
			ClientID: input.ClientID,
			WorkerID: input.WorkerID,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ContractResponse `json:"body"`
		}{Body: mapContracts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}",
		Summary:     "Get contract",
		Tags:        []string{"contracts"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *contractPath) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		c, err := e.GetContract(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ledger",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}/ledger",
		Summary:     "List ledger entries of a contract",
		Tags:        []string{"contracts"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *contractPath) (*struct {
		Body []LedgerEntryResponse `json:"body"`
	}, error) {
		entries, err := e.ListLedger(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]LedgerEntryResponse, 0, len(entries))
		for _, entry := range entries {
			out = append(out, entryResponse(entry))
		}
		return &struct {
			Body []LedgerEntryResponse `json:"body"`
		}{Body: out}, nil
	})
}

var escrowErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
}

func registerEscrow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "escrow-deposit",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/escrow/deposit",
		Summary:     "Create a checkout preference for the contract deposit",
		Tags:        []string{"escrow"},
		Errors:      escrowErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body *DepositRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body PreferenceResponse `json:"body"`
	}, error) {
		returnURL := ""
		if input.Body != nil {
			returnURL = input.Body.ReturnURL
		}
		pref, err := e.RequestDeposit(ctx, input.ID, returnURL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PreferenceResponse `json:"body"`
		}{Body: PreferenceResponse{
			PreferenceID:      pref.ID,
			InitPoint:         pref.InitPoint,
			SandboxInitPoint:  pref.SandboxInitPoint,
			ExternalReference: pref.ExternalReference,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escrow-release",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/escrow/release",
		Summary:     "Release held funds to the worker",
		Tags:        []string{"escrow"},
		Errors:      escrowErrors,
	}, func(ctx context.Context, input *contractPath) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		res, err := e.Release(ctx, input.ID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: releaseResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escrow-refund",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/escrow/refund",
		Summary:     "Refund held funds to the client",
		Tags:        []string{"escrow"},
		Errors:      escrowErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *RefundRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body RefundResponse `json:"body"`
	}, error) {
		txID := ""
		if input.Body != nil {
			txID = strings.TrimSpace(input.Body.ProviderTxID)
		}
		if txID == "" {
			// default to the deposit that funded the contract
			c, err := e.GetContract(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			txID = c.DepositProviderTxID
		}
		res, err := e.Refund(ctx, input.ID, txID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RefundResponse `json:"body"`
		}{Body: refundResponse(res)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contract-events",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}/events",
		Summary:     "List the audit trail of a contract",
		Tags:        []string{"contracts"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.GetContract(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListEvents(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerPayouts(api huma.API, d *payout.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "list-payouts",
		Method:      http.MethodGet,
		Path:        "/payouts",
		Summary:     "List payout jobs",
		Tags:        []string{"payouts"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"queued, in_flight, completed or dead"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []PayoutJobResponse `json:"body"`
	}, error) {
		jobs, err := d.ListJobs(ctx, domain.PayoutStatus(input.Status), normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PayoutJobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, jobResponse(j))
		}
		return &struct {
			Body []PayoutJobResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-payout",
		Method:      http.MethodPost,
		Path:        "/payouts/{entry_id}/requeue",
		Summary:     "Requeue a dead payout job",
		Tags:        []string{"payouts"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EntryID string `path:"entry_id"`
	}) (*struct {
		Body PayoutJobResponse `json:"body"`
	}, error) {
		job, err := d.Requeue(ctx, input.EntryID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PayoutJobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})
}

func registerNotifications(api huma.API, rec *reconcile.Reconciler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-unresolved-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications/unresolved",
		Summary:     "List provider notifications awaiting review",
		Tags:        []string{"notifications"},
	}, func(ctx context.Context, input *struct {
		IncludeResolved bool `query:"include_resolved"`
		Limit           int  `query:"limit" default:"50"`
	}) (*struct {
		Body []NotificationResponse `json:"body"`
	}, error) {
		items, err := rec.Repo.ListUnresolvedNotifications(ctx, input.IncludeResolved, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]NotificationResponse, 0, len(items))
		for _, n := range items {
			out = append(out, notificationResponse(n))
		}
		return &struct {
			Body []NotificationResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{id}/retry",
		Summary:     "Process a stored notification again",
		Tags:        []string{"notifications"},
		Errors:      escrowErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		out, err := rec.Retry(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookResponse `json:"body"`
		}{Body: webhookResponse(out)}, nil
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
