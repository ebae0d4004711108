package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"careflow/application"
	"careflow/authz"
	"careflow/identity"
	"careflow/provider"
	"careflow/request"
)

// IdentityService is the slice of the identity package the HTTP layer uses.
type IdentityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.User, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*identity.User, error)
	SetVerificationStatus(ctx context.Context, actor identity.User, userID string, status identity.VerificationStatus) (identity.User, error)
	VerifyToken(tokenString string) (string, identity.Role, error)
}

// RequestService is the lifecycle engine surface exposed over HTTP.
type RequestService interface {
	Create(ctx context.Context, actor authz.Actor, params request.CreateParams) (request.Request, error)
	Get(ctx context.Context, actor authz.Actor, id string) (request.Request, error)
	List(ctx context.Context, actor authz.Actor, status request.Status, page, pageSize int) (request.ListResult, error)
	Accept(ctx context.Context, actor authz.Actor, id string) (request.Request, error)
	Start(ctx context.Context, actor authz.Actor, id string) (request.Request, error)
	ConfirmCompletion(ctx context.Context, actor authz.Actor, id string, side request.Side) (request.Request, error)
	Cancel(ctx context.Context, actor authz.Actor, id string, reason *string) (request.Request, error)
}

// ApplicationService is the bid ledger surface exposed over HTTP.
type ApplicationService interface {
	Submit(ctx context.Context, actor authz.Actor, params application.SubmitParams) (application.Application, error)
	Accept(ctx context.Context, actor authz.Actor, applicationID string) (application.Application, error)
	Reject(ctx context.Context, actor authz.Actor, applicationID string) (application.Application, error)
	Withdraw(ctx context.Context, actor authz.Actor, applicationID string) (application.Application, error)
	ListForRequest(ctx context.Context, actor authz.Actor, requestID string) ([]application.Application, error)
	ListForNurse(ctx context.Context, actor authz.Actor, nurseID string) ([]application.Application, error)
}

// ProviderService is the read-only nurse directory.
type ProviderService interface {
	GetByID(ctx context.Context, id string) (provider.Profile, error)
	List(ctx context.Context, limit int) ([]provider.Profile, error)
}

// Server wires the HTTP surface onto the domain services.
type Server struct {
	identity     IdentityService
	requests     RequestService
	applications ApplicationService
	providers    ProviderService
}

func NewServer(identitySvc IdentityService, requestSvc RequestService, applicationSvc ApplicationService, providerSvc ProviderService) *Server {
	return &Server{
		identity:     identitySvc,
		requests:     requestSvc,
		applications: applicationSvc,
		providers:    providerSvc,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/me", s.handleGetMe)

			r.Post("/requests", s.handleCreateRequest)
			r.Get("/requests", s.handleListRequests)
			r.Get("/requests/{id}", s.handleGetRequest)
			r.Patch("/requests/{id}/status", s.handlePatchRequestStatus)
			r.Post("/requests/{id}/complete/provider", s.handleCompleteProvider)
			r.Post("/requests/{id}/complete/patient", s.handleCompletePatient)

			r.Post("/applications", s.handleSubmitApplication)
			r.Get("/applications", s.handleListApplications)
			r.Patch("/applications/{id}/status", s.handlePatchApplicationStatus)
			r.Delete("/applications/{id}", s.handleWithdrawApplication)

			r.Get("/providers", s.handleListProviders)
			r.Get("/providers/{id}", s.handleGetProvider)

			r.Patch("/admin/users/{id}/verification", s.handleSetVerification)
		})
	})

	return r
}

type userKey struct{}

// authMiddleware validates the bearer token and loads the current account
// so verification status is always fresh, not frozen into the token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token", "authorization header required")
			return
		}

		userID, _, err := s.identity.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "token is invalid or expired")
			return
		}

		user, err := s.identity.GetUserByID(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "account no longer exists")
			return
		}

		ctx := context.WithValue(r.Context(), userKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) *identity.User {
	user, _ := ctx.Value(userKey{}).(*identity.User)
	return user
}

func actorFromContext(ctx context.Context) authz.Actor {
	user := userFromContext(ctx)
	if user == nil {
		return authz.Actor{}
	}
	return authz.Actor{ID: user.ID, Role: user.Role, Verified: user.Verified()}
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out any) error {
	decoder := json.NewDecoder(r.Body)
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeDomainError maps sentinel errors to HTTP statuses. Forbidden (403)
// and InvalidTransition (409) stay distinguishable end-to-end.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, request.ErrNotFound),
		errors.Is(err, application.ErrNotFound),
		errors.Is(err, provider.ErrNotFound),
		errors.Is(err, identity.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, application.ErrNotVerified):
		writeError(w, http.StatusForbidden, "not_verified", err.Error())
	case errors.Is(err, request.ErrForbidden),
		errors.Is(err, application.ErrForbidden),
		errors.Is(err, identity.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, request.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, application.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, application.ErrDuplicateApplication):
		writeError(w, http.StatusConflict, "duplicate_application", err.Error())
	case errors.Is(err, application.ErrRequestNotOpen):
		writeError(w, http.StatusConflict, "request_not_open", err.Error())
	case errors.Is(err, identity.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "duplicate_email", err.Error())
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
	case errors.Is(err, request.ErrInvalidInput),
		errors.Is(err, application.ErrInvalidInput),
		errors.Is(err, identity.ErrWeakPassword),
		errors.Is(err, identity.ErrInvalidRole),
		errors.Is(err, identity.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
