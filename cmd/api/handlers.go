package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"careflow/application"
	"careflow/identity"
	"careflow/provider"
	"careflow/request"
)

type userResponse struct {
	ID                 string  `json:"id"`
	Email              string  `json:"email"`
	FullName           string  `json:"fullName"`
	Role               string  `json:"role"`
	VerificationStatus string  `json:"verificationStatus"`
	Phone              *string `json:"phone,omitempty"`
	Address            *string `json:"address,omitempty"`
	LicenseNumber      *string `json:"licenseNumber,omitempty"`
	Rating             float64 `json:"rating"`
	CreatedAt          string  `json:"createdAt"`
}

func mapUser(user identity.User) userResponse {
	return userResponse{
		ID:                 user.ID,
		Email:              user.Email,
		FullName:           user.FullName,
		Role:               string(user.Role),
		VerificationStatus: string(user.VerificationStatus),
		Phone:              user.Phone,
		Address:            user.Address,
		LicenseNumber:      user.LicenseNumber,
		Rating:             user.Rating,
		CreatedAt:          user.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type requestResponse struct {
	ID                 string  `json:"id"`
	PatientID          string  `json:"patientId"`
	NurseID            *string `json:"nurseId,omitempty"`
	ServiceType        string  `json:"serviceType"`
	Description        string  `json:"description"`
	Address            string  `json:"address,omitempty"`
	ScheduledAt        *string `json:"scheduledAt,omitempty"`
	Budget             float64 `json:"budget"`
	Status             string  `json:"status"`
	NurseCompleted     bool    `json:"providerCompleted"`
	PatientCompleted   bool    `json:"patientCompleted"`
	CancellationReason *string `json:"cancellationReason,omitempty"`
	CreatedAt          string  `json:"createdAt"`
	CompletedAt        *string `json:"completedAt,omitempty"`
}

func mapRequest(req request.Request) requestResponse {
	return requestResponse{
		ID:                 req.ID,
		PatientID:          req.PatientID,
		NurseID:            req.NurseID,
		ServiceType:        req.ServiceType,
		Description:        req.Description,
		Address:            req.Address,
		ScheduledAt:        formatTimePtr(req.ScheduledAt),
		Budget:             req.Budget,
		Status:             string(req.Status),
		NurseCompleted:     req.NurseCompleted,
		PatientCompleted:   req.PatientCompleted,
		CancellationReason: req.CancelReason,
		CreatedAt:          req.CreatedAt.UTC().Format(time.RFC3339),
		CompletedAt:        formatTimePtr(req.CompletedAt),
	}
}

type applicationResponse struct {
	ID            string  `json:"id"`
	RequestID     string  `json:"requestId"`
	NurseID       string  `json:"nurseId"`
	Price         float64 `json:"price"`
	EstimatedTime string  `json:"estimatedTime,omitempty"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"createdAt"`
}

func mapApplication(app application.Application) applicationResponse {
	return applicationResponse{
		ID:            app.ID,
		RequestID:     app.RequestID,
		NurseID:       app.NurseID,
		Price:         app.Price,
		EstimatedTime: app.EstimatedTime,
		Status:        string(app.Status),
		CreatedAt:     app.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type providerResponse struct {
	ID        string  `json:"id"`
	FullName  string  `json:"fullName"`
	Rating    float64 `json:"rating"`
	Verified  bool    `json:"verified"`
	CreatedAt string  `json:"createdAt"`
}

func mapProvider(p provider.Profile) providerResponse {
	return providerResponse{
		ID:        p.ID,
		FullName:  p.FullName,
		Rating:    p.Rating,
		Verified:  p.Verified,
		CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	user, err := s.identity.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapUser(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req identity.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	result, err := s.identity.Login(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  mapUser(result.User),
	})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "missing_token", "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, mapUser(*user))
}

type createRequestBody struct {
	ServiceType string  `json:"serviceType"`
	Description string  `json:"description"`
	Address     string  `json:"address"`
	ScheduledAt *string `json:"scheduledAt"`
	Budget      float64 `json:"budget"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	params := request.CreateParams{
		ServiceType: body.ServiceType,
		Description: body.Description,
		Address:     body.Address,
		Budget:      body.Budget,
	}
	if body.ScheduledAt != nil {
		scheduled, err := time.Parse(time.RFC3339, *body.ScheduledAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "scheduledAt must be RFC 3339")
			return
		}
		params.ScheduledAt = &scheduled
	}

	created, err := s.requests.Create(r.Context(), actorFromContext(r.Context()), params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapRequest(created))
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("pageSize"))
	status := request.Status(query.Get("status"))

	result, err := s.requests.List(r.Context(), actorFromContext(r.Context()), status, page, pageSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]requestResponse, 0, len(result.Items))
	for _, req := range result.Items {
		items = append(items, mapRequest(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": result.Total,
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.requests.Get(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapRequest(req))
}

type patchStatusBody struct {
	Status             string  `json:"status"`
	CancellationReason *string `json:"cancellationReason"`
}

// handlePatchRequestStatus multiplexes the lifecycle transitions behind a
// single status field: accepted, in_progress, and cancelled drive accept,
// start, and cancel. Completion has its own endpoints.
func (s *Server) handlePatchRequestStatus(w http.ResponseWriter, r *http.Request) {
	var body patchStatusBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	actor := actorFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var (
		updated request.Request
		err     error
	)
	switch strings.TrimSpace(body.Status) {
	case string(request.StatusAccepted):
		updated, err = s.requests.Accept(r.Context(), actor, id)
	case string(request.StatusInProgress):
		updated, err = s.requests.Start(r.Context(), actor, id)
	case string(request.StatusCancelled):
		updated, err = s.requests.Cancel(r.Context(), actor, id, body.CancellationReason)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "status must be accepted, in_progress, or cancelled")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapRequest(updated))
}

func (s *Server) handleCompleteProvider(w http.ResponseWriter, r *http.Request) {
	s.handleComplete(w, r, request.SideNurse)
}

func (s *Server) handleCompletePatient(w http.ResponseWriter, r *http.Request) {
	s.handleComplete(w, r, request.SidePatient)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, side request.Side) {
	updated, err := s.requests.ConfirmCompletion(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"), side)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapRequest(updated))
}

type submitApplicationBody struct {
	RequestID     string  `json:"requestId"`
	Price         float64 `json:"price"`
	EstimatedTime string  `json:"estimatedTime"`
}

func (s *Server) handleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	var body submitApplicationBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	created, err := s.applications.Submit(r.Context(), actorFromContext(r.Context()), application.SubmitParams{
		RequestID:     body.RequestID,
		Price:         body.Price,
		EstimatedTime: body.EstimatedTime,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapApplication(created))
}

// handleListApplications serves two views: ?requestId= returns the bids
// on one request (owner or admin), without it a nurse sees their own bids.
func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())

	var (
		apps []application.Application
		err  error
	)
	if requestID := r.URL.Query().Get("requestId"); requestID != "" {
		apps, err = s.applications.ListForRequest(r.Context(), actor, requestID)
	} else {
		apps, err = s.applications.ListForNurse(r.Context(), actor, actor.ID)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]applicationResponse, 0, len(apps))
	for _, app := range apps {
		items = append(items, mapApplication(app))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type patchApplicationBody struct {
	Status string `json:"status"`
}

func (s *Server) handlePatchApplicationStatus(w http.ResponseWriter, r *http.Request) {
	var body patchApplicationBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	actor := actorFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var (
		updated application.Application
		err     error
	)
	switch strings.TrimSpace(body.Status) {
	case string(application.StatusAccepted):
		updated, err = s.applications.Accept(r.Context(), actor, id)
	case string(application.StatusRejected):
		updated, err = s.applications.Reject(r.Context(), actor, id)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "status must be accepted or rejected")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapApplication(updated))
}

func (s *Server) handleWithdrawApplication(w http.ResponseWriter, r *http.Request) {
	withdrawn, err := s.applications.Withdraw(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapApplication(withdrawn))
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	profiles, err := s.providers.List(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]providerResponse, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, mapProvider(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	profile, err := s.providers.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapProvider(profile))
}

type verificationBody struct {
	Status string `json:"status"`
}

func (s *Server) handleSetVerification(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "missing_token", "authentication required")
		return
	}

	var body verificationBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	updated, err := s.identity.SetVerificationStatus(r.Context(), *user, chi.URLParam(r, "id"), identity.VerificationStatus(body.Status))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapUser(updated))
}
