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
	"github.com/go-chi/chi/v5/middleware"

	"valeconecta/internal/attachments"
	"valeconecta/internal/domain"
	"valeconecta/internal/engine"
	"valeconecta/internal/engine/auth"
	"valeconecta/internal/metrics"
	"valeconecta/internal/realtime"
	"valeconecta/internal/receipt"
	"valeconecta/internal/repo"
)

// Config for the HTTP API handler. Hub, Attachments and Metrics are
// optional; their routes answer 404 or 503 when unset.
type Config struct {
	Engine      engine.Engine
	BasePath    string
	Auth        AuthConfig
	Hub         *realtime.Hub
	Attachments attachments.Store
	Receipts    receipt.Generator
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"Esta ação não está mais disponível para este serviço."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope; Message is always safe to show users.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type response[T any] struct {
	Body T
}

func reply[T any](v T) *response[T] { return &response[T]{Body: v} }

type taskPath struct {
	ID string `path:"id"`
}

// New returns an HTTP handler exposing the Vale Conecta API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Metrics == nil {
		cfg.Metrics = cfg.Engine.Metrics
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
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
	router.Use(middleware.RequestID, middleware.Recoverer, requestLogger(cfg.logger()))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Vale Conecta API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, e)
	registerTasks(group, e)
	registerProposals(group, e)
	registerLifecycle(group, e)
	registerChat(group, e)
	registerEscrow(group, e)
	registerProfessionals(group, e)
	registerClassify(group, e)
	registerEvents(group, e)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, e, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	router.Get(path.Join(basePath, "tasks/{id}/receipt.pdf"), receiptHandler(cfg))
	router.Post(path.Join(basePath, "tasks/{id}/attachments"), attachmentHandler(cfg))
	router.Get(path.Join(basePath, "tasks/{id}/chat/ws"), chatSocketHandler(cfg))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
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

// handleError maps engine errors onto the envelope. The message is the
// pt-BR user text; details carry the technical reason.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := domain.UserMessage(err)
	details := map[string]any{"reason": err.Error()}
	var ae *domain.AuthError
	if errors.As(err, &ae) {
		details["action"] = ae.Action
	}
	var te *domain.TransitionError
	if errors.As(err, &te) {
		details["from"] = te.From
		details["to"] = te.To
		details["from_label"] = domain.StatusLabel(te.From)
	}
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", msg, details)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrInvalidRating):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_rating", msg, details)
	case errors.Is(err, domain.ErrPreconditionFailed):
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", msg, details)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, details)
	case errors.Is(err, domain.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", msg, details)
	case errors.Is(err, domain.ErrPaymentCaptureFailed),
		errors.Is(err, domain.ErrPaymentReleaseFailed),
		errors.Is(err, domain.ErrPaymentRefundFailed):
		return newAPIError(http.StatusBadGateway, "payment_failed", msg, details)
	default:
		slog.Default().Error("request failed", "err", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", msg, nil)
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
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
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
<html lang="pt-BR">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Vale Conecta API</title>
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
	}, func(ctx context.Context, _ *struct{}) (*response[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Task counts per status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*response[[]StatusCount], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !caller.IsAdmin() {
			return nil, handleError(caller.Deny("read platform status"))
		}
		counts, err := e.StatusCounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]StatusCount, 0, len(domain.Statuses))
		for _, s := range domain.Statuses {
			out = append(out, StatusCount{Status: s, Label: domain.StatusLabel(s), Count: counts[s]})
		}
		return reply(out), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Publish a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest
	}) (*response[TaskResponse], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, caller, engine.TaskCreateOptions{
			ID:          input.Body.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Category:    input.Body.Category,
			Address:     input.Body.Address,
			ScheduledAt: input.Body.ScheduledAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks visible to the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status         string `query:"status" doc:"canonical status or pt-BR label"`
		Category       string `query:"category"`
		ClientID       string `query:"client_id"`
		ProfessionalID string `query:"professional_id"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*response[paginatedTasks], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.TaskFilters{
			Category:       input.Category,
			ClientID:       input.ClientID,
			ProfessionalID: input.ProfessionalID,
		}
		if input.Status != "" {
			s, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "Status inválido.", map[string]any{"status": input.Status})
			}
			f.Status = s
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "Cursor inválido.", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		f.CursorCreatedAt, f.CursorID, f.Limit = cursorTS, cursorID, limit+1
		items, err := e.ListTasks(ctx, caller, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = mapTasks(items)
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*response[TaskResponse], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Task(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-proposal",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/proposals",
		Summary:       "Quote a price for a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		taskPath
		Body SubmitProposalRequest
	}) (*response[domain.Proposal], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SubmitProposal(ctx, caller, input.ID, engine.ProposalOptions{
			PriceCents:     input.Body.PriceCents,
			MaterialsCents: input.Body.MaterialsCents,
			Message:        input.Body.Message,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/proposals",
		Summary:     "List proposals for a task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*response[[]domain.Proposal], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Proposals(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-proposal",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/proposals/{pid}/accept",
		Summary:     "Accept a proposal and hold payment in escrow",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		taskPath
		ProposalID string `path:"pid"`
	}) (*response[TaskResponse], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AcceptProposal(ctx, caller, input.ID, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})
}

// taskAction registers a POST /tasks/{id}/<verb> route whose body is B.
func taskAction[B any](api huma.API, id, verb, summary string, run func(ctx context.Context, caller domain.Caller, taskID string, body B) (domain.Task, error)) {
	huma.Register(api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/" + verb,
		Summary:     summary,
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		taskPath
		Body B
	}) (*response[TaskResponse], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := run(ctx, caller, input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})
}

type emptyBody struct{}

func registerLifecycle(api huma.API, e engine.Engine) {
	taskAction(api, "start-service", "start", "Professional starts the work",
		func(ctx context.Context, c domain.Caller, id string, _ *emptyBody) (domain.Task, error) {
			return e.StartService(ctx, c, id)
		})
	taskAction(api, "finish-service", "finish", "Professional finishes the work",
		func(ctx context.Context, c domain.Caller, id string, _ *emptyBody) (domain.Task, error) {
			return e.FinishService(ctx, c, id)
		})
	taskAction(api, "confirm-completion", "confirm", "Client confirms completion and releases payment",
		func(ctx context.Context, c domain.Caller, id string, _ *emptyBody) (domain.Task, error) {
			return e.ConfirmCompletion(ctx, c, id)
		})
	taskAction(api, "open-dispute", "dispute", "Open a dispute and freeze escrow",
		func(ctx context.Context, c domain.Caller, id string, body ReasonRequest) (domain.Task, error) {
			return e.OpenDispute(ctx, c, id, body.Reason)
		})
	taskAction(api, "cancel-task", "cancel", "Cancel a task before work starts",
		func(ctx context.Context, c domain.Caller, id string, body *ReasonRequest) (domain.Task, error) {
			reason := ""
			if body != nil {
				reason = body.Reason
			}
			return e.CancelTask(ctx, c, id, reason)
		})
	taskAction(api, "resolve-dispute", "resolve", "Support settles a dispute",
		func(ctx context.Context, c domain.Caller, id string, body ResolveRequest) (domain.Task, error) {
			outcome, err := engine.ParseResolution(body.Outcome)
			if err != nil {
				return domain.Task{}, err
			}
			return e.ResolveDispute(ctx, c, id, outcome, body.Note)
		})
	taskAction(api, "contact-support", "support", "Bring support into the task chat",
		func(ctx context.Context, c domain.Caller, id string, _ *emptyBody) (domain.Task, error) {
			return e.ContactSupport(ctx, c, id)
		})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-rating",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/rating",
		Summary:       "Client rates the professional",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		taskPath
		Body RatingRequest
	}) (*response[RatingResponse], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SubmitRating(ctx, caller, input.ID, input.Body.Rating, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(RatingResponse{
			Task:          taskResponse(res.Task),
			Review:        res.Review,
			Reputation:    reputationResponse(res.Reputation),
			Notifications: nonNilSlice(res.Notifications),
		}), nil
	})
}

func registerChat(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/messages",
		Summary:     "Task chat in posting order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*response[[]MessageResponse], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msgs, err := e.Messages(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]MessageResponse, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, messageResponse(m))
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "post-message",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/messages",
		Summary:       "Post to the task chat",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		taskPath
		Body MessageRequest
	}) (*response[MessageResponse], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SendMessage(ctx, caller, input.ID, input.Body.Text, input.Body.AttachmentURL)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(messageResponse(m)), nil
	})
}

func registerEscrow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-escrow",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/escrow",
		Summary:     "Escrow ledger entry for a task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*response[EscrowResponse], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Ledger(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(escrowResponse(entry)), nil
	})
}

func registerProfessionals(api huma.API, e engine.Engine) {
	type proPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-reputation",
		Method:      http.MethodGet,
		Path:        "/professionals/{id}/reputation",
		Summary:     "Professional rating and badges",
	}, func(ctx context.Context, input *proPath) (*response[ReputationResponse], error) {
		if _, authErr := callerFrom(ctx); authErr != nil {
			return nil, authErr
		}
		rep, err := e.ProfessionalReputation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(reputationResponse(rep)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/professionals/{id}/reviews",
		Summary:     "Latest reviews for a professional",
	}, func(ctx context.Context, input *struct {
		proPath
		Limit int `query:"limit" default:"20"`
	}) (*response[[]domain.Review], error) {
		if _, authErr := callerFrom(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Reviews(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-badge",
		Method:      http.MethodPost,
		Path:        "/professionals/{id}/badges",
		Summary:     "Grant a manual badge",
		Errors:      []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		proPath
		Body GrantBadgeRequest
	}) (*response[ReputationResponse], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.GrantBadge(ctx, caller, input.ID, input.Body.BadgeID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(reputationResponse(rep)), nil
	})
}

func registerClassify(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "classify",
		Method:      http.MethodPost,
		Path:        "/classify",
		Summary:     "Suggest a category for a task description",
	}, func(ctx context.Context, input *struct {
		Body ClassifyRequest
	}) (*response[ClassifyResponse], error) {
		if _, authErr := callerFrom(ctx); authErr != nil {
			return nil, authErr
		}
		return reply(ClassifyResponse{Suggestion: e.SuggestCategory(ctx, input.Body.Text)}), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,proposal,escrow,review,professional"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*response[paginatedEvents], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		f := repo.EventFilters{Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID, Limit: limit + 1}
		if input.Cursor != "" {
			before, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "Cursor inválido.", map[string]any{"cursor": input.Cursor})
			}
			f.Before = before
		}
		items, err := e.AuditLog(ctx, caller, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*response[WhoAmIResponse], error) {
		caller, authErr := callerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return reply(WhoAmIResponse{ActorID: caller.ActorID, Role: string(caller.Role)}), nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*response[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		role, err := domain.ParseRole(input.Body.Role)
		if actor == "" || err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id e role são obrigatórios.", nil)
		}
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		token, err := IssueToken(authCfg.JWTSecret, domain.Caller{ActorID: actor, Role: role}, authCfg.ttl(), now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func receiptHandler(cfg Config) http.HandlerFunc {
	e := cfg.Engine
	return func(w http.ResponseWriter, r *http.Request) {
		caller, authErr := callerFrom(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		taskID := chi.URLParam(r, "id")
		t, err := e.Task(r.Context(), caller, taskID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		entry, err := e.Ledger(r.Context(), caller, taskID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		platform := "Vale Conecta"
		if e.Config != nil && e.Config.Platform.Name != "" {
			platform = e.Config.Platform.Name
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="recibo-%s.pdf"`, t.ID))
		if err := cfg.Receipts.Write(w, receipt.Data{Platform: platform, Task: t, Entry: entry, IssuedAt: now}); err != nil {
			cfg.logger().Error("render receipt", "task_id", t.ID, "err", err)
		}
	}
}

func attachmentHandler(cfg Config) http.HandlerFunc {
	e := cfg.Engine
	return func(w http.ResponseWriter, r *http.Request) {
		caller, authErr := callerFrom(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		if cfg.Attachments == nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "attachments_disabled", "Envio de anexos indisponível.", nil))
			return
		}
		taskID := chi.URLParam(r, "id")
		t, err := e.Task(r.Context(), caller, taskID)
		if err == nil {
			err = auth.Authorize(caller, t, auth.PostMessage)
		}
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, attachments.MaxBytes+1<<20)
		file, header, err := r.FormFile("file")
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "Envie o arquivo no campo \"file\".", map[string]any{"reason": err.Error()}))
			return
		}
		defer file.Close()
		url, err := cfg.Attachments.Upload(r.Context(), t.ID, header.Filename, file)
		if errors.Is(err, attachments.ErrUnsupportedType) {
			respondStatusError(w, newAPIError(http.StatusUnsupportedMediaType, "unsupported_type", "Envie uma imagem (JPG, PNG, WEBP) ou PDF.", map[string]any{"reason": err.Error()}))
			return
		}
		if err != nil {
			cfg.logger().Error("upload attachment", "task_id", t.ID, "err", err)
			respondStatusError(w, newAPIError(http.StatusBadGateway, "upload_failed", "Não foi possível enviar o anexo, tente novamente.", nil))
			return
		}
		msg, err := e.SendMessage(r.Context(), caller, t.ID, r.FormValue("text"), url)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(messageResponse(msg))
	}
}

func chatSocketHandler(cfg Config) http.HandlerFunc {
	e := cfg.Engine
	return func(w http.ResponseWriter, r *http.Request) {
		caller, authErr := callerFrom(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		if cfg.Hub == nil {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "Chat ao vivo indisponível.", nil))
			return
		}
		taskID := chi.URLParam(r, "id")
		t, err := e.Task(r.Context(), caller, taskID)
		if err == nil {
			err = auth.Authorize(caller, t, auth.ViewChat)
		}
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		cfg.Hub.Serve(w, r, t.ID, caller.ActorID)
	}
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
