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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"guildhall/internal/domain"
	"guildhall/internal/engine"
	"guildhall/internal/engine/auth"
	"guildhall/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_registered"`
	Message string         `json:"message" example:"already registered"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// bodyBytes returns the raw request body captured by the buffering
// middleware. Huma decodes an absent body into zero values, so PATCH
// handlers use this to tell "no body" apart from "all fields omitted".
func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Guildhall API.
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
			bodyData, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyData))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyData)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Guildhall API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMembers(group, cfg.Engine)
	registerFilms(group, cfg.Engine)
	registerCredits(group, cfg.Engine)
	registerSubjects(group, cfg.Engine)
	registerRegistrations(group, cfg.Engine)
	registerFlow(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ee engine.ExternalRegistrationError
	if errors.As(err, &ee) {
		return newAPIError(http.StatusConflict, "external_registration", err.Error(), map[string]any{"url": ee.URL})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrUnauthenticated):
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyRegistered):
		return newAPIError(http.StatusConflict, "already_registered", err.Error(), nil)
	case errors.Is(err, engine.ErrRegistrationClosed):
		return newAPIError(http.StatusConflict, "registration_closed", err.Error(), nil)
	case errors.Is(err, engine.ErrSubjectFull):
		return newAPIError(http.StatusConflict, "subject_full", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "cannot") || strings.Contains(lowered, "must"):
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

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

func requirePermission(ctx context.Context, e engine.Engine, perm string) (Principal, huma.StatusError) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return principal, nil
	}
	if err := e.Auth.Require(ctx, principal.MemberID, perm); err != nil {
		return Principal{}, handleError(err)
	}
	return principal, nil
}

// requireSelfOrPermission allows a member to act on their own resources
// while anyone holding the permission may act on everyone's.
func requireSelfOrPermission(ctx context.Context, e engine.Engine, memberID, perm string) (Principal, huma.StatusError) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if principal.MemberID == memberID {
		return principal, nil
	}
	return requirePermission(ctx, e, perm)
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
	openPaths := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
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
    <title>Guildhall API Docs</title>
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

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-member",
		Method:        http.MethodPost,
		Path:          "/members",
		Summary:       "Register a member",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RegisterMemberRequest `json:"body"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RegisterMember(ctx, engine.MemberRegisterOptions{
			Name:    input.Body.Name,
			Email:   input.Body.Email,
			Phone:   stringOrEmpty(input.Body.Phone),
			Bio:     stringOrEmpty(input.Body.Bio),
			ActorID: principal.MemberID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/members",
		Summary:     "List members",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,verified,suspended"`
		Limit  int    `query:"limit"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body struct {
			Items      []domain.Member `json:"items"`
			NextCursor string          `json:"next_cursor,omitempty"`
		} `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		items, err := e.Repo.ListMembers(ctx, input.Status, limit, ts, id)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items      []domain.Member `json:"items"`
				NextCursor string          `json:"next_cursor,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		if len(items) == limit {
			last := items[len(items)-1]
			out.Body.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-member",
		Method:      http.MethodGet,
		Path:        "/members/{member_id}",
		Summary:     "Get member",
	}, func(ctx context.Context, input *struct {
		MemberID string `path:"member_id"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.Repo.GetMember(ctx, input.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-member",
		Method:      http.MethodPatch,
		Path:        "/members/{member_id}",
		Summary:     "Update member profile",
	}, func(ctx context.Context, input *struct {
		MemberID string              `path:"member_id"`
		Body     UpdateMemberRequest `json:"body"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		principal, authErr := requireSelfOrPermission(ctx, e, input.MemberID, "member.update")
		if authErr != nil {
			return nil, authErr
		}
		if len(bytes.TrimSpace(bodyBytes(ctx))) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "request body required", nil)
		}
		m, err := e.UpdateMember(ctx, engine.MemberUpdateOptions{
			MemberID: input.MemberID,
			Name:     input.Body.Name,
			Email:    input.Body.Email,
			Phone:    input.Body.Phone,
			Bio:      input.Body.Bio,
			ActorID:  principal.MemberID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})

	registerMemberStatus := func(opID, pathSuffix, status, summary string) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/members/{member_id}/" + pathSuffix,
			Summary:     summary,
		}, func(ctx context.Context, input *struct {
			MemberID string `path:"member_id"`
		}) (*struct {
			Body domain.Member `json:"body"`
		}, error) {
			principal, authErr := requirePermission(ctx, e, "member.verify")
			if authErr != nil {
				return nil, authErr
			}
			m, err := e.SetMemberStatus(ctx, input.MemberID, status, principal.MemberID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Member `json:"body"`
			}{Body: m}, nil
		})
	}
	registerMemberStatus("verify-member", "verify", "verified", "Verify member")
	registerMemberStatus("suspend-member", "suspend", "suspended", "Suspend member")

	huma.Register(api, huma.Operation{
		OperationID:   "assign-member-role",
		Method:        http.MethodPut,
		Path:          "/members/{member_id}/roles/{role_id}",
		Summary:       "Assign role to member",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		MemberID string `path:"member_id"`
		RoleID   string `path:"role_id"`
	}) (*struct{}, error) {
		if _, authErr := requirePermission(ctx, e, "member.update"); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetMember(ctx, input.MemberID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.AssignRole(ctx, nil, input.MemberID, input.RoleID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-member-role",
		Method:        http.MethodDelete,
		Path:          "/members/{member_id}/roles/{role_id}",
		Summary:       "Revoke role from member",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		MemberID string `path:"member_id"`
		RoleID   string `path:"role_id"`
	}) (*struct{}, error) {
		if _, authErr := requirePermission(ctx, e, "member.update"); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.RevokeRole(ctx, input.MemberID, input.RoleID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerFilms(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-film",
		Method:        http.MethodPost,
		Path:          "/films",
		Summary:       "Create film",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateFilmRequest `json:"body"`
	}) (*struct {
		Body domain.Film `json:"body"`
	}, error) {
		principal, authErr := requirePermission(ctx, e, "film.create")
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.CreateFilm(ctx, engine.FilmCreateOptions{
			Title:    input.Body.Title,
			Year:     input.Body.Year,
			Synopsis: stringOrEmpty(input.Body.Synopsis),
			ActorID:  principal.MemberID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Film `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-films",
		Method:      http.MethodGet,
		Path:        "/films",
		Summary:     "List films",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body struct {
			Items []domain.Film `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListFilms(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Film `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-film",
		Method:      http.MethodGet,
		Path:        "/films/{film_id}",
		Summary:     "Get film",
	}, func(ctx context.Context, input *struct {
		FilmID string `path:"film_id"`
	}) (*struct {
		Body domain.Film `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		f, err := e.Repo.GetFilm(ctx, input.FilmID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Film `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-film",
		Method:      http.MethodPatch,
		Path:        "/films/{film_id}",
		Summary:     "Update film",
	}, func(ctx context.Context, input *struct {
		FilmID string            `path:"film_id"`
		Body   UpdateFilmRequest `json:"body"`
	}) (*struct {
		Body domain.Film `json:"body"`
	}, error) {
		principal, authErr := requirePermission(ctx, e, "film.update")
		if authErr != nil {
			return nil, authErr
		}
		if len(bytes.TrimSpace(bodyBytes(ctx))) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "request body required", nil)
		}
		f, err := e.UpdateFilm(ctx, engine.FilmUpdateOptions{
			FilmID:   input.FilmID,
			Title:    input.Body.Title,
			Year:     input.Body.Year,
			Synopsis: input.Body.Synopsis,
			ActorID:  principal.MemberID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Film `json:"body"`
		}{Body: f}, nil
	})
}

func registerCredits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "claim-credit",
		Method:        http.MethodPost,
		Path:          "/credits",
		Summary:       "Claim a film credit",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body ClaimCreditRequest `json:"body"`
	}) (*struct {
		Body domain.Credit `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		memberID := principal.MemberID
		if input.Body.MemberID != nil && *input.Body.MemberID != "" && *input.Body.MemberID != principal.MemberID {
			// Claiming on someone else's behalf needs certification rights.
			if _, authErr := requirePermission(ctx, e, "credit.certify"); authErr != nil {
				return nil, authErr
			}
			memberID = *input.Body.MemberID
		}
		c, err := e.ClaimCredit(ctx, engine.CreditClaimOptions{
			FilmID:   input.Body.FilmID,
			MemberID: memberID,
			Role:     input.Body.Role,
			ActorID:  principal.MemberID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Credit `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-member-credits",
		Method:      http.MethodGet,
		Path:        "/members/{member_id}/credits",
		Summary:     "List a member's credits",
	}, func(ctx context.Context, input *struct {
		MemberID string `path:"member_id"`
	}) (*struct {
		Body struct {
			Items []domain.Credit `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListCreditsByMember(ctx, input.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Credit `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-film-credits",
		Method:      http.MethodGet,
		Path:        "/films/{film_id}/credits",
		Summary:     "List a film's credits",
	}, func(ctx context.Context, input *struct {
		FilmID string `path:"film_id"`
	}) (*struct {
		Body struct {
			Items []domain.Credit `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListCreditsByFilm(ctx, input.FilmID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Credit `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		return out, nil
	})

	registerCreditResolve := func(opID, pathSuffix, status, summary string) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/credits/{credit_id}/" + pathSuffix,
			Summary:     summary,
		}, func(ctx context.Context, input *struct {
			CreditID string `path:"credit_id"`
		}) (*struct {
			Body domain.Credit `json:"body"`
		}, error) {
			principal, authErr := requirePermission(ctx, e, "credit.certify")
			if authErr != nil {
				return nil, authErr
			}
			c, err := e.ResolveCredit(ctx, input.CreditID, status, principal.MemberID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Credit `json:"body"`
			}{Body: c}, nil
		})
	}
	registerCreditResolve("certify-credit", "certify", "certified", "Certify credit")
	registerCreditResolve("reject-credit", "reject", "rejected", "Reject credit")
}

func registerSubjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-subject",
		Method:        http.MethodPost,
		Path:          "/subjects",
		Summary:       "Create event or project call",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateSubjectRequest `json:"body"`
	}) (*struct {
		Body domain.Subject `json:"body"`
	}, error) {
		principal, authErr := requirePermission(ctx, e, "subject.create")
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateSubject(ctx, engine.SubjectCreateOptions{
			Kind:        input.Body.Kind,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			StartsAt:    stringOrEmpty(input.Body.StartsAt),
			Capacity:    intOrZero(input.Body.Capacity),
			Channel:     stringOrEmpty(input.Body.Channel),
			ExternalURL: stringOrEmpty(input.Body.ExternalURL),
			ActorID:     principal.MemberID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subject `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subjects",
		Method:      http.MethodGet,
		Path:        "/subjects",
		Summary:     "List subjects",
	}, func(ctx context.Context, input *struct {
		Kind   string `query:"kind" enum:"event,project"`
		Status string `query:"status" enum:"draft,open,closed,archived"`
		Limit  int    `query:"limit"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body struct {
			Items      []domain.Subject `json:"items"`
			NextCursor string           `json:"next_cursor,omitempty"`
		} `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		items, err := e.Repo.ListSubjects(ctx, input.Kind, input.Status, limit, ts, id)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items      []domain.Subject `json:"items"`
				NextCursor string           `json:"next_cursor,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		if len(items) == limit {
			last := items[len(items)-1]
			out.Body.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-subject",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}",
		Summary:     "Get subject",
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*struct {
		Body domain.Subject `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSubject(ctx, input.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subject `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-subject",
		Method:      http.MethodPatch,
		Path:        "/subjects/{subject_id}",
		Summary:     "Update subject",
	}, func(ctx context.Context, input *struct {
		SubjectID string               `path:"subject_id"`
		Body      UpdateSubjectRequest `json:"body"`
	}) (*struct {
		Body domain.Subject `json:"body"`
	}, error) {
		principal, authErr := requirePermission(ctx, e, "subject.update")
		if authErr != nil {
			return nil, authErr
		}
		if len(bytes.TrimSpace(bodyBytes(ctx))) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "request body required", nil)
		}
		s, err := e.UpdateSubject(ctx, engine.SubjectUpdateOptions{
			SubjectID:   input.SubjectID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			StartsAt:    input.Body.StartsAt,
			Capacity:    input.Body.Capacity,
			Channel:     input.Body.Channel,
			ExternalURL: input.Body.ExternalURL,
			ActorID:     principal.MemberID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subject `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-subject-status",
		Method:      http.MethodPost,
		Path:        "/subjects/{subject_id}/status",
		Summary:     "Transition subject status",
	}, func(ctx context.Context, input *struct {
		SubjectID string               `path:"subject_id"`
		Body      SubjectStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Subject `json:"body"`
	}, error) {
		principal, authErr := requirePermission(ctx, e, "subject.update")
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetSubjectStatus(ctx, input.SubjectID, input.Body.Status, principal.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subject `json:"body"`
		}{Body: s}, nil
	})
}

func registrationFormFromRequest(body RegistrationFormRequest) engine.RegistrationForm {
	return engine.RegistrationForm{
		Name:                body.Name,
		Email:               body.Email,
		Phone:               body.Phone,
		Persons:             body.Persons,
		Organization:        stringOrEmpty(body.Organization),
		SpecialRequirements: stringOrEmpty(body.SpecialRequirements),
	}
}

func registerRegistrations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-registration",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/registration",
		Summary:     "Check own registration status",
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*struct {
		Body engine.RegistrationCheck `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		check, err := e.CheckRegistration(ctx, input.SubjectID, principal.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RegistrationCheck `json:"body"`
		}{Body: check}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-registration",
		Method:        http.MethodPut,
		Path:          "/subjects/{subject_id}/registration",
		Summary:       "Register for a subject",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		SubjectID string                  `path:"subject_id"`
		Body      RegistrationFormRequest `json:"body"`
	}) (*struct {
		Body domain.Registration `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reg, err := e.Register(ctx, input.SubjectID, principal.MemberID, registrationFormFromRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Registration `json:"body"`
		}{Body: reg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-registration",
		Method:      http.MethodDelete,
		Path:        "/subjects/{subject_id}/registration",
		Summary:     "Cancel own registration",
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*struct {
		Body CancelResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		canceled, err := e.CancelRegistration(ctx, input.SubjectID, principal.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CancelResponse `json:"body"`
		}{Body: CancelResponse{Canceled: canceled}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subject-registrations",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/registrations",
		Summary:     "List registrations for a subject",
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
		Limit     int    `query:"limit"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body struct {
			Items      []domain.Registration `json:"items"`
			NextCursor string                `json:"next_cursor,omitempty"`
		} `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, e, "registration.confirm"); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		items, err := e.Repo.ListRegistrationsBySubject(ctx, input.SubjectID, limit, ts, id)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items      []domain.Registration `json:"items"`
				NextCursor string                `json:"next_cursor,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		if len(items) == limit {
			last := items[len(items)-1]
			out.Body.NextCursor = composeCursor(last.RegisteredAt, last.ID)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-member-registrations",
		Method:      http.MethodGet,
		Path:        "/members/{member_id}/registrations",
		Summary:     "List a member's registrations",
	}, func(ctx context.Context, input *struct {
		MemberID string `path:"member_id"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body struct {
			Items []domain.Registration `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := requireSelfOrPermission(ctx, e, input.MemberID, "registration.confirm"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListRegistrationsByMember(ctx, input.MemberID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Registration `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-registration",
		Method:      http.MethodPost,
		Path:        "/registrations/{registration_id}/confirm",
		Summary:     "Confirm a registration",
	}, func(ctx context.Context, input *struct {
		RegistrationID string `path:"registration_id"`
	}) (*struct {
		Body domain.Registration `json:"body"`
	}, error) {
		principal, authErr := requirePermission(ctx, e, "registration.confirm")
		if authErr != nil {
			return nil, authErr
		}
		reg, err := e.ConfirmRegistration(ctx, input.RegistrationID, principal.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Registration `json:"body"`
		}{Body: reg}, nil
	})
}

// Flow endpoints are stateless on the wire: each call rebuilds the flow
// from the store, so clients can poll or resume without server sessions.
func registerFlow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "open-registration-flow",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/flow",
		Summary:     "Open the registration flow",
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*struct {
		Body engine.FlowState `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		flow := engine.NewFlow(e, input.SubjectID, principal.MemberID)
		state, err := flow.Open(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.FlowState `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-registration-flow",
		Method:      http.MethodPost,
		Path:        "/subjects/{subject_id}/flow",
		Summary:     "Submit the registration form",
	}, func(ctx context.Context, input *struct {
		SubjectID string                  `path:"subject_id"`
		Body      RegistrationFormRequest `json:"body"`
	}) (*struct {
		Body engine.FlowState `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		flow := engine.NewFlow(e, input.SubjectID, principal.MemberID)
		if _, err := flow.Open(ctx); err != nil {
			return nil, handleError(err)
		}
		state, err := flow.Submit(ctx, registrationFormFromRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.FlowState `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-registration-flow",
		Method:      http.MethodPost,
		Path:        "/subjects/{subject_id}/flow/cancel",
		Summary:     "Cancel via the registration flow",
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*struct {
		Body engine.FlowState `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		flow := engine.NewFlow(e, input.SubjectID, principal.MemberID)
		if _, err := flow.Open(ctx); err != nil {
			return nil, handleError(err)
		}
		state, err := flow.Cancel(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.FlowState `json:"body"`
		}{Body: state}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List event log entries",
	}, func(ctx context.Context, input *struct {
		Limit  int   `query:"limit"`
		Before int64 `query:"before"`
	}) (*struct {
		Body struct {
			Items []domain.Event `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListEvents(ctx, normalizeLimit(input.Limit), input.Before)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Event `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		return out, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key for self",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw := "gk_" + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			MemberID:  principal.MemberID,
			Name:      stringOrEmpty(input.Body.Name),
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:        key.ID,
			MemberID:  key.MemberID,
			Name:      key.Name,
			Key:       raw,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List own API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []domain.APIKey `json:"items"`
		} `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, principal.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.APIKey `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-apikey",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Delete API key",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, principal.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		owned := false
		for _, k := range keys {
			if k.ID == input.KeyID {
				owned = true
				break
			}
		}
		if !owned {
			if _, authErr := requirePermission(ctx, e, "apikey.manage"); authErr != nil {
				return nil, authErr
			}
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		if len(roles) == 0 {
			if dbRoles, err := e.Auth.MemberRoles(ctx, principal.MemberID); err == nil {
				roles = dbRoles
			}
		}
		if len(perms) == 0 {
			if dbPerms, err := e.Auth.MemberPermissions(ctx, principal.MemberID); err == nil {
				perms = dbPerms
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			MemberID:    principal.MemberID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		memberID := strings.TrimSpace(input.Body.MemberID)
		if memberID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "member_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, memberID, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
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
