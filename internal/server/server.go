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
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"governor/internal/domain"
	"governor/internal/engine"
	"governor/internal/engine/auth"
	"governor/internal/layer"
	"governor/internal/ledger"
	"governor/internal/repo"
	"governor/internal/soul"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"policy_violation"`
	Message string         `json:"message" example:"layer 4 may not use send_email: not a customer-safe write"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"layer\":4}"`
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

// New returns an HTTP handler exposing the governance API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	hcfg := huma.DefaultConfig("Governor API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOrgs(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerSoul(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission, "org_id": fe.OrgID})
	}
	var pv layer.PolicyViolation
	if errors.As(err, &pv) {
		details := map[string]any{"layer": pv.Layer}
		if pv.Action != "" {
			details["action"] = pv.Action
		}
		return newAPIError(http.StatusForbidden, "policy_violation", err.Error(), details)
	}
	var ic soul.InvalidChangeError
	if errors.As(err, &ic) {
		return newAPIError(http.StatusBadRequest, "invalid_change", err.Error(), map[string]any{"field": ic.Field})
	}
	var te layer.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, soul.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, ledger.ErrEditUnsupported):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, layer.ErrNoUpstream):
		return newAPIError(http.StatusUnprocessableEntity, "no_upstream", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "inactive"):
		return newAPIError(http.StatusConflict, "inactive", msg, nil)
	case strings.Contains(lowered, "concurrently"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
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

// requirePermission passes when the token grants perm outright or the actor
// holds a role carrying perm on orgID or one of its ancestors.
func requirePermission(ctx context.Context, e engine.Engine, orgID, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if slices.Contains(principal.Permissions, perm) {
		return nil
	}
	if orgID == "" {
		return auth.ForbiddenError{Permission: perm}
	}
	return e.Auth.Require(ctx, nil, orgID, principal.ActorID, perm)
}

func requireAgentPermission(ctx context.Context, e engine.Engine, agentID, perm string) (domain.Agent, error) {
	a, err := e.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	return a, requirePermission(ctx, e, a.OrgID, perm)
}

// requireRecordPermission accepts perm on the approver org or on the org the
// record was raised in.
func requireRecordPermission(ctx context.Context, e engine.Engine, rec domain.ApprovalRecord, perm string) error {
	err := requirePermission(ctx, e, rec.ApproverOrgID, perm)
	var fe auth.ForbiddenError
	if errors.As(err, &fe) && rec.OrgID != rec.ApproverOrgID {
		return requirePermission(ctx, e, rec.OrgID, perm)
	}
	return err
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
    <title>Governor API Docs</title>
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

type orgPath struct {
	OrgID string `path:"org_id"`
}

type agentPath struct {
	AgentID string `path:"agent_id"`
}

func registerOrgs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-org",
		Method:      http.MethodPost,
		Path:        "/orgs",
		Summary:     "Create organization",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateOrgRequest `json:"body"`
	}) (*struct {
		Body domain.Organization `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.Body.ParentID, auth.PermOrgManage); err != nil {
			return nil, handleError(err)
		}
		o, err := e.CreateOrg(ctx, engine.OrgCreateOptions{
			ID:              input.Body.ID,
			Slug:            input.Body.Slug,
			Name:            input.Body.Name,
			ParentID:        input.Body.ParentID,
			Kind:            domain.OrgKind(input.Body.Kind),
			TrustTier:       domain.TrustTier(input.Body.TrustTier),
			ApprovalMode:    domain.ApprovalMode(input.Body.ApprovalMode),
			ApprovalRouting: domain.ApprovalRouting(input.Body.ApprovalRouting),
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Organization `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-org",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}",
		Summary:     "Get organization",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body domain.Organization `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.OrgID, auth.PermOrgManage); err != nil {
			return nil, handleError(err)
		}
		o, err := e.GetOrg(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Organization `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sub-orgs",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/children",
		Summary:     "List direct sub-organizations",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body []domain.Organization `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.OrgID, auth.PermOrgManage); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListOrgs(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Organization `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-org",
		Method:      http.MethodPatch,
		Path:        "/orgs/{org_id}",
		Summary:     "Update approval mode, trust tier or routing",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string           `path:"org_id"`
		Body  UpdateOrgRequest `json:"body"`
	}) (*struct {
		Body domain.Organization `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.OrgID, auth.PermOrgManage); err != nil {
			return nil, handleError(err)
		}
		o, err := e.UpdateOrgSettings(ctx, input.OrgID, domain.ApprovalMode(input.Body.ApprovalMode),
			domain.TrustTier(input.Body.TrustTier), domain.ApprovalRouting(input.Body.ApprovalRouting), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Organization `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-org",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/deactivate",
		Summary:     "Deactivate organization and its agents",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *orgPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.OrgID, auth.PermOrgManage); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeactivateOrg(ctx, input.OrgID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-agent",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/agents",
		Summary:     "Create agent",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string             `path:"org_id"`
		Body  CreateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.OrgID, auth.PermAgentManage); err != nil {
			return nil, handleError(err)
		}
		a, err := e.CreateAgent(ctx, engine.AgentCreateOptions{
			ID:       input.Body.ID,
			OrgID:    input.OrgID,
			Name:     input.Body.Name,
			Role:     domain.AgentRole(input.Body.Role),
			Autonomy: domain.AutonomyLevel(input.Body.Autonomy),
			Soul:     input.Body.Soul,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/agents",
		Summary:     "List agents",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.OrgID, auth.PermAgentManage); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListAgents(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := requireAgentPermission(ctx, e, input.AgentID, auth.PermAgentManage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-autonomy",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/autonomy",
		Summary:     "Set agent autonomy level",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string          `path:"agent_id"`
		Body    AutonomyRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := requireAgentPermission(ctx, e, input.AgentID, auth.PermAgentManage); err != nil {
			return nil, handleError(err)
		}
		a, err := e.SetAutonomy(ctx, input.AgentID, domain.AutonomyLevel(input.Body.Autonomy), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-policy-list",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/policy-lists",
		Summary:     "Add or remove an action on the allow or block list",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string            `path:"agent_id"`
		Body    PolicyListRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := requireAgentPermission(ctx, e, input.AgentID, auth.PermAgentManage); err != nil {
			return nil, handleError(err)
		}
		a, err := e.EditPolicyList(ctx, input.AgentID, engine.ListKind(input.Body.List), input.Body.Action, input.Body.Remove, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-action",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/actions",
		Summary:     "Submit an action for governance",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string              `path:"agent_id"`
		Body    SubmitActionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := requireAgentPermission(ctx, e, input.AgentID, auth.PermActionSubmit); err != nil {
			return nil, handleError(err)
		}
		payload, err := encodeMap(input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		dec, err := e.SubmitAction(ctx, engine.ActionRequest{
			AgentID:   input.AgentID,
			SessionID: input.Body.SessionID,
			Action:    input.Body.Action,
			Payload:   payload,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(dec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-history",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/history",
		Summary:     "Approval history for an agent",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		if _, err := requireAgentPermission(ctx, e, input.AgentID, auth.PermApprovalRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.GetHistory(ctx, input.AgentID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: mapApprovals(items)}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List pending approvals for an org or agent",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		OrgID   string `query:"org_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		switch {
		case input.OrgID != "":
			if err := requirePermission(ctx, e, input.OrgID, auth.PermApprovalRead); err != nil {
				return nil, handleError(err)
			}
		case input.AgentID != "":
			if _, err := requireAgentPermission(ctx, e, input.AgentID, auth.PermApprovalRead); err != nil {
				return nil, handleError(err)
			}
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "org_id or agent_id is required", nil)
		}
		items, err := e.ListPending(ctx, input.AgentID, input.OrgID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: mapApprovals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{approval_id}",
		Summary:     "Get approval record",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		rec, err := e.GetApproval(ctx, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireRecordPermission(ctx, e, rec, auth.PermApprovalRead); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/resolve",
		Summary:     "Approve, reject or edit a pending record",
		Description: "A record that is no longer pending returns applied=false; this is not an error.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApprovalID string                 `path:"approval_id"`
		Body       ResolveApprovalRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.GetApproval(ctx, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, rec.ApproverOrgID, auth.PermApprovalResolve); err != nil {
			return nil, handleError(err)
		}
		edited, err := encodeMap(input.Body.EditedPayload)
		if err != nil {
			return nil, handleError(err)
		}
		channel := input.Body.Channel
		if channel == "" {
			channel = "api"
		}
		tr, err := e.Resolve(ctx, engine.ResolveRequest{
			ID:            rec.ID,
			Outcome:       ledger.Outcome(input.Body.Outcome),
			Resolver:      actorID,
			Channel:       channel,
			AlwaysAllow:   input.Body.AlwaysAllow,
			EditedPayload: edited,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(tr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "annotate-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/annotations",
		Summary:     "Attach an execution note to a finished record",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApprovalID string                  `path:"approval_id"`
		Body       AnnotateApprovalRequest `json:"body"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.GetApproval(ctx, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, rec.ApproverOrgID, auth.PermApprovalResolve); err != nil {
			return nil, handleError(err)
		}
		note, err := encodeMap(input.Body.Note)
		if err != nil || note == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "note is required", nil)
		}
		ok, err := e.Annotate(ctx, rec.ID, note, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"applied": ok}}, nil
	})
}

func registerSoul(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "propose-soul-change",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/soul/proposals",
		Summary:     "Propose a change to the agent's own configuration",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string              `path:"agent_id"`
		Body    SoulProposalRequest `json:"body"`
	}) (*struct {
		Body SoulProposalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := requireAgentPermission(ctx, e, input.AgentID, auth.PermSoulPropose); err != nil {
			return nil, handleError(err)
		}
		res, err := e.ProposeSoulChange(ctx, soul.Proposal{
			AgentID:       input.AgentID,
			SessionID:     input.Body.SessionID,
			Field:         domain.SoulField(input.Body.Field),
			Operation:     domain.SoulOperation(input.Body.Operation),
			Value:         input.Body.Value,
			Justification: input.Body.Justification,
			Evidence:      input.Body.Evidence,
			Source:        input.Body.Source,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := SoulProposalResponse{Gated: res.Gated, Reason: res.Reason}
		if res.Approval != nil {
			a := approvalResponse(*res.Approval)
			out.Approval = &a
		}
		return &struct {
			Body SoulProposalResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "soul-versions",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/soul/versions",
		Summary:     "List configuration versions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []SoulVersionResponse `json:"body"`
	}, error) {
		if _, err := requireAgentPermission(ctx, e, input.AgentID, auth.PermApprovalRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.SoulHistory(ctx, input.AgentID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SoulVersionResponse, 0, len(items))
		for _, v := range items {
			out = append(out, soulVersionResponse(v))
		}
		return &struct {
			Body []SoulVersionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "soul-rollback",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/soul/rollback",
		Summary:     "Restore an earlier configuration as a new version",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string              `path:"agent_id"`
		Body    SoulRollbackRequest `json:"body"`
	}) (*struct {
		Body SoulVersionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := requireAgentPermission(ctx, e, input.AgentID, auth.PermSoulRollback); err != nil {
			return nil, handleError(err)
		}
		v, err := e.Rollback(ctx, input.AgentID, input.Body.Version, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SoulVersionResponse `json:"body"`
		}{Body: soulVersionResponse(v)}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	type messageBody struct {
		Body domain.Message `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "escalate",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/escalations",
		Summary:     "Escalate an issue upward",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string            `path:"agent_id"`
		Body    EscalationRequest `json:"body"`
	}) (*messageBody, error) {
		if _, err := requireAgentPermission(ctx, e, input.AgentID, auth.PermMessageSend); err != nil {
			return nil, handleError(err)
		}
		msg, err := e.Escalate(ctx, input.AgentID, input.Body.Summary, domain.Severity(input.Body.Severity))
		if err != nil {
			return nil, handleError(err)
		}
		return &messageBody{Body: msg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delegate",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/delegations",
		Summary:     "Delegate an instruction to a sub-organization",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string            `path:"agent_id"`
		Body    DelegationRequest `json:"body"`
	}) (*messageBody, error) {
		if _, err := requireAgentPermission(ctx, e, input.AgentID, auth.PermMessageSend); err != nil {
			return nil, handleError(err)
		}
		msg, err := e.Delegate(ctx, input.AgentID, input.Body.TargetSlug, input.Body.Instruction)
		if err != nil {
			return nil, handleError(err)
		}
		return &messageBody{Body: msg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "share-insight",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/insights",
		Summary:     "Share an insight one level up",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		AgentID string         `path:"agent_id"`
		Body    InsightRequest `json:"body"`
	}) (*messageBody, error) {
		if _, err := requireAgentPermission(ctx, e, input.AgentID, auth.PermMessageSend); err != nil {
			return nil, handleError(err)
		}
		msg, err := e.ShareInsight(ctx, input.AgentID, input.Body.Insight)
		if err != nil {
			return nil, handleError(err)
		}
		return &messageBody{Body: msg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/messages",
		Summary:     "List messages addressed to an org",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID  string `path:"org_id"`
		Kind   string `query:"kind" enum:"escalation,delegation,insight"`
		Status string `query:"status" enum:"pending,acknowledged,resolved,dismissed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.OrgID, auth.PermMessageRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListMessages(ctx, repo.MessageFilter{
			TargetOrgID: input.OrgID,
			Kind:        domain.MessageKind(input.Kind),
			Status:      domain.MessageStatus(input.Status),
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-message-status",
		Method:      http.MethodPost,
		Path:        "/messages/{message_id}/status",
		Summary:     "Acknowledge, resolve or dismiss a message",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MessageID string               `path:"message_id"`
		Body      MessageStatusRequest `json:"body"`
	}) (*messageBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msg, err := e.GetMessage(ctx, input.MessageID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, msg.TargetOrgID, auth.PermMessageUpdate); err != nil {
			return nil, handleError(err)
		}
		msg, err = e.UpdateMessage(ctx, msg.ID, domain.MessageStatus(input.Body.Status), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &messageBody{Body: msg}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events for an org",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID      string `query:"org_id" required:"true"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"approval,agent,org,message"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.OrgID, auth.PermEventsRead); err != nil {
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
		items, err := e.ListEvents(ctx, repo.EventFilter{
			OrgID:      input.OrgID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			AfterID:    cursorID,
			Limit:      limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		// Without a cursor the page is newest first; tailing continues after its head.
		switch {
		case len(items) == 0 && cursorID > 0:
			resp.NextCursor = input.Cursor
		case len(items) > 0 && cursorID == 0:
			resp.NextCursor = strconv.FormatInt(items[0].ID, 10)
		case len(items) > 0:
			resp.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		OrgID string `query:"org_id"`
	}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		if input.OrgID != "" {
			orgRoles, err := e.Auth.ActorRoles(ctx, nil, input.OrgID, principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			orgPerms, err := e.Auth.ActorPermissions(ctx, nil, input.OrgID, principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			roles = append(slices.Clone(roles), orgRoles...)
			perms = append(slices.Clone(perms), orgPerms...)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			OrgID:       input.OrgID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
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
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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
