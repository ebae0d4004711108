package request

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"careflow/authz"
	"careflow/identity"
	"careflow/metrics"
	"careflow/notify"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service is the request lifecycle engine. Every mutation consults the
// authorization matrix, enforces the current-state precondition with a
// conditional update, appends an audit event in the same transaction, and
// invokes the notification collaborator only after commit.
type Service struct {
	pool     TxBeginner
	repo     Repository
	apps     ApplicationLedger
	notifier notify.Notifier
	idGen    func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, notifier notify.Notifier) *Service {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		notifier: notifier,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

// WithApplicationLedger wires the sibling-bid rejection performed when a
// request leaves pending.
func (s *Service) WithApplicationLedger(apps ApplicationLedger) *Service {
	s.apps = apps
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func view(req Request) authz.RequestView {
	return authz.RequestView{
		PatientID: req.PatientID,
		NurseID:   req.NurseID,
		Status:    string(req.Status),
	}
}

// authorize separates "illegal from this state" from "not allowed to you":
// state legality is checked first so callers can render distinct guidance.
func (s *Service) authorize(actor authz.Actor, req Request, t authz.Transition) error {
	if !authz.LegalFrom(string(req.Status), t) {
		return fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, t, req.Status)
	}
	if !authz.CanPerform(actor, view(req), t) {
		return ErrForbidden
	}
	return nil
}

// Create posts a new pending request owned by the acting patient.
func (s *Service) Create(ctx context.Context, actor authz.Actor, params CreateParams) (_ Request, err error) {
	defer func() { metrics.Observe(metrics.Transitions, "create", err) }()

	if !authz.CanPerform(actor, authz.RequestView{}, authz.TransitionCreate) {
		return Request{}, ErrForbidden
	}
	if strings.TrimSpace(params.ServiceType) == "" {
		return Request{}, fmt.Errorf("%w: service_type is required", ErrInvalidInput)
	}
	if strings.TrimSpace(params.Description) == "" {
		return Request{}, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	if params.Budget < 0 {
		return Request{}, fmt.Errorf("%w: budget must not be negative", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Request{
		ID:          s.idGen(),
		PatientID:   actor.ID,
		ServiceType: params.ServiceType,
		Description: params.Description,
		Address:     params.Address,
		ScheduledAt: params.ScheduledAt,
		Budget:      params.Budget,
	})
	if err != nil {
		return Request{}, err
	}

	payload := map[string]any{
		"service_type": created.ServiceType,
		"budget":       created.Budget,
	}
	if err := s.repo.AppendEvent(ctx, tx, created.ID, EventCreated, actor.ID, payload); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit create: %w", err)
	}

	return created, nil
}

// Get loads one request, enforcing the view rule (owner, assignee, admin).
func (s *Service) Get(ctx context.Context, actor authz.Actor, id string) (Request, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if !authz.CanPerform(actor, view(req), authz.TransitionView) {
		return Request{}, ErrForbidden
	}
	return req, nil
}

// ListResult pairs a page with the unpaged total.
type ListResult struct {
	Items []Request
	Total int
}

// List returns the role-filtered view: patients see their own requests,
// nurses see their assignments plus every pending request, admins see all.
func (s *Service) List(ctx context.Context, actor authz.Actor, status Status, page, pageSize int) (ListResult, error) {
	filters := Filters{Status: status, Page: page, PageSize: pageSize}
	switch {
	case actor.Role == identity.RoleAdmin:
		// unfiltered
	case actor.Role == identity.RoleNurse:
		filters.VisibleToNurseID = actor.ID
	default:
		filters.PatientID = actor.ID
	}

	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// Accept assigns the acting verified nurse to a pending request. Pending
// sibling bids are rejected in the same transaction.
func (s *Service) Accept(ctx context.Context, actor authz.Actor, id string) (_ Request, err error) {
	defer func() { metrics.Observe(metrics.Transitions, "accept", err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Request{}, err
	}
	if err := s.authorize(actor, req, authz.TransitionAccept); err != nil {
		return Request{}, err
	}

	updated, err := s.repo.AcceptAssign(ctx, tx, id, actor.ID)
	if err != nil {
		return Request{}, err
	}

	if s.apps != nil {
		if _, err := s.apps.RejectPendingForRequest(ctx, tx, id, ""); err != nil {
			return Request{}, err
		}
	}

	if err := s.repo.AppendEvent(ctx, tx, id, EventAccepted, actor.ID, map[string]any{"nurse_id": actor.ID}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit accept: %w", err)
	}

	notify.BestEffort(ctx, s.notifier, updated.PatientID, updated.ID, notify.KindRequestAccepted)
	return updated, nil
}

// Start moves an accepted request to in_progress. Assigned nurse only.
func (s *Service) Start(ctx context.Context, actor authz.Actor, id string) (_ Request, err error) {
	defer func() { metrics.Observe(metrics.Transitions, "start", err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Request{}, err
	}
	if err := s.authorize(actor, req, authz.TransitionStart); err != nil {
		return Request{}, err
	}

	updated, err := s.repo.MarkStarted(ctx, tx, id)
	if err != nil {
		return Request{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, id, EventStarted, actor.ID, nil); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit start: %w", err)
	}

	notify.BestEffort(ctx, s.notifier, updated.PatientID, updated.ID, notify.KindRequestStarted)
	return updated, nil
}

// ConfirmCompletion applies one side of the dual-completion protocol.
// Idempotent per actor: a repeat confirmation is a non-error no-op that
// never disturbs the sibling flag.
func (s *Service) ConfirmCompletion(ctx context.Context, actor authz.Actor, id string, side Side) (_ Request, err error) {
	defer func() { metrics.Observe(metrics.Transitions, "confirm_"+string(side), err) }()

	transition := authz.TransitionNurseComplete
	if side == SidePatient {
		transition = authz.TransitionPatientComplete
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Request{}, err
	}

	// Repeat confirmation after the request already completed: the
	// caller's flag is set and there is nothing left to transition.
	if req.Status == StatusCompleted {
		if side == SideNurse && req.NurseCompleted && authz.SameAssignee(actor.ID, req.NurseID) {
			return req, nil
		}
		if side == SidePatient && req.PatientCompleted && authz.SameActor(actor.ID, req.PatientID) {
			return req, nil
		}
	}

	if err := s.authorize(actor, req, transition); err != nil {
		return Request{}, err
	}

	// Repeat confirmation while still in progress.
	if (side == SideNurse && req.NurseCompleted) || (side == SidePatient && req.PatientCompleted) {
		return req, nil
	}

	updated, err := s.repo.ConfirmCompletion(ctx, tx, id, side)
	if err != nil {
		return Request{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, id, EventCompletionConfirmed, actor.ID, map[string]any{"side": string(side)}); err != nil {
		return Request{}, err
	}
	if updated.Status == StatusCompleted {
		if err := s.repo.AppendEvent(ctx, tx, id, EventCompleted, actor.ID, nil); err != nil {
			return Request{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit completion: %w", err)
	}

	if updated.Status == StatusCompleted {
		notify.BestEffort(ctx, s.notifier, updated.PatientID, updated.ID, notify.KindRequestCompleted)
		if updated.NurseID != nil {
			notify.BestEffort(ctx, s.notifier, *updated.NurseID, updated.ID, notify.KindRequestCompleted)
		}
	}
	return updated, nil
}

// Cancel terminates a request from any non-terminal state. The owning
// patient or an administrator may cancel; still-pending bids are rejected
// in the same transaction.
func (s *Service) Cancel(ctx context.Context, actor authz.Actor, id string, reason *string) (_ Request, err error) {
	defer func() { metrics.Observe(metrics.Transitions, "cancel", err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Request{}, err
	}
	if err := s.authorize(actor, req, authz.TransitionCancel); err != nil {
		return Request{}, err
	}

	var cancelReason *string
	if reason != nil {
		if trimmed := strings.TrimSpace(*reason); trimmed != "" {
			cancelReason = &trimmed
		}
	}
	if cancelReason == nil && actor.Role == identity.RoleAdmin {
		fallback := AdminCancelReason
		cancelReason = &fallback
	}

	updated, err := s.repo.Cancel(ctx, tx, id, cancelReason)
	if err != nil {
		return Request{}, err
	}

	if s.apps != nil {
		if _, err := s.apps.RejectPendingForRequest(ctx, tx, id, ""); err != nil {
			return Request{}, err
		}
	}

	payload := map[string]any{}
	if updated.CancelReason != nil {
		payload["reason"] = *updated.CancelReason
	}
	if err := s.repo.AppendEvent(ctx, tx, id, EventCancelled, actor.ID, payload); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit cancel: %w", err)
	}

	if actor.Role == identity.RoleAdmin {
		notify.BestEffort(ctx, s.notifier, updated.PatientID, updated.ID, notify.KindRequestCancelled)
	}
	if updated.NurseID != nil {
		notify.BestEffort(ctx, s.notifier, *updated.NurseID, updated.ID, notify.KindRequestCancelled)
	}
	return updated, nil
}
