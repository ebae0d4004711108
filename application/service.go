package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"careflow/authz"
	"careflow/identity"
	"careflow/metrics"
	"careflow/notify"
	"careflow/request"
)

// ErrInvalidInput signals malformed or missing bid fields.
var ErrInvalidInput = errors.New("application: invalid input")

// Event types appended to the request audit trail by bid operations.
const (
	EventSubmitted = "APPLICATION_SUBMITTED"
	EventAccepted  = "APPLICATION_ACCEPTED"
	EventRejected  = "APPLICATION_REJECTED"
	EventWithdrawn = "APPLICATION_WITHDRAWN"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RequestStore is the slice of the lifecycle engine the bid ledger needs:
// locking the target request, assigning the winner, and writing audit rows
// in the ledger's own transaction.
type RequestStore interface {
	Get(ctx context.Context, id string) (request.Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (request.Request, error)
	AcceptAssign(ctx context.Context, tx pgx.Tx, id, nurseID string) (request.Request, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, requestID, eventType, actorID string, payload map[string]any) error
}

// Directory resolves a user id to its current record. Acceptance re-checks
// the winning nurse's verification against it at decision time.
type Directory interface {
	GetUserByID(ctx context.Context, id string) (identity.User, error)
}

// Service is the bid ledger: nurses submit priced applications against
// pending requests, the owning patient settles them. Accepting one bid
// assigns the nurse, rejects every sibling, and advances the request in a
// single transaction.
type Service struct {
	pool     TxBeginner
	repo     Repository
	requests RequestStore
	users    Directory
	notifier notify.Notifier
	idGen    func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, requests RequestStore, users Directory, notifier notify.Notifier) *Service {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		requests: requests,
		users:    users,
		notifier: notifier,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Submit records a new pending bid by the acting nurse. The target request
// is locked so its status cannot change under the insert; only pending
// requests accept bids.
func (s *Service) Submit(ctx context.Context, actor authz.Actor, params SubmitParams) (_ Application, err error) {
	defer func() { metrics.Observe(metrics.Applications, "submit", err) }()

	if actor.Role != identity.RoleNurse {
		return Application{}, ErrForbidden
	}
	if !actor.Verified {
		return Application{}, ErrNotVerified
	}
	if strings.TrimSpace(params.RequestID) == "" {
		return Application{}, fmt.Errorf("%w: request_id is required", ErrInvalidInput)
	}
	if params.Price <= 0 {
		return Application{}, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return Application{}, err
	}
	if req.Status != request.StatusPending {
		return Application{}, fmt.Errorf("%w: request %s is %s", ErrRequestNotOpen, req.ID, req.Status)
	}

	created, err := s.repo.Insert(ctx, tx, Application{
		ID:            s.idGen(),
		RequestID:     req.ID,
		NurseID:       actor.ID,
		Price:         params.Price,
		EstimatedTime: params.EstimatedTime,
	})
	if err != nil {
		return Application{}, err
	}

	payload := map[string]any{
		"application_id": created.ID,
		"price":          created.Price,
	}
	if err := s.requests.AppendEvent(ctx, tx, req.ID, EventSubmitted, actor.ID, payload); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("application: commit submit: %w", err)
	}

	notify.BestEffort(ctx, s.notifier, req.PatientID, req.ID, notify.KindApplicationReceived)
	return created, nil
}

// Accept settles the bidding round in the winner's favor: the request moves
// to accepted with the winning nurse assigned, the winning bid is marked
// accepted, and every pending sibling is rejected, all in one transaction.
// Only the owning patient may accept.
//
// Lock order is request first, application second. Every writer that
// touches both tables takes locks in that order; inverting it here would
// cycle against sibling rejection under concurrent accepts.
func (s *Service) Accept(ctx context.Context, actor authz.Actor, applicationID string) (_ Application, err error) {
	defer func() { metrics.Observe(metrics.Applications, "accept", err) }()

	// Unlocked read to learn the request id before any lock is taken.
	target, err := s.repo.Get(ctx, applicationID)
	if err != nil {
		return Application{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, target.RequestID)
	if err != nil {
		return Application{}, err
	}
	app, err := s.repo.GetForUpdate(ctx, tx, applicationID)
	if err != nil {
		return Application{}, err
	}

	if !authz.SameActor(actor.ID, req.PatientID) {
		return Application{}, ErrForbidden
	}
	if app.Status != StatusPending {
		return Application{}, fmt.Errorf("%w: application %s is %s", ErrInvalidState, app.ID, app.Status)
	}

	// The nurse may have been suspended since bidding. Re-check at
	// decision time so a stale bid cannot assign an unverified provider.
	nurse, err := s.users.GetUserByID(ctx, app.NurseID)
	if err != nil {
		return Application{}, fmt.Errorf("application: load nurse: %w", err)
	}
	if !nurse.Verified() {
		return Application{}, ErrNotVerified
	}

	if _, err := s.requests.AcceptAssign(ctx, tx, req.ID, app.NurseID); err != nil {
		return Application{}, err
	}

	accepted, err := s.repo.UpdateStatus(ctx, tx, app.ID, StatusPending, StatusAccepted)
	if err != nil {
		return Application{}, err
	}

	if _, err := s.repo.RejectPendingForRequest(ctx, tx, req.ID, app.ID); err != nil {
		return Application{}, err
	}

	payload := map[string]any{
		"application_id": accepted.ID,
		"nurse_id":       accepted.NurseID,
		"price":          accepted.Price,
	}
	if err := s.requests.AppendEvent(ctx, tx, req.ID, EventAccepted, actor.ID, payload); err != nil {
		return Application{}, err
	}
	if err := s.requests.AppendEvent(ctx, tx, req.ID, request.EventAccepted, actor.ID, map[string]any{"nurse_id": accepted.NurseID}); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("application: commit accept: %w", err)
	}

	notify.BestEffort(ctx, s.notifier, accepted.NurseID, req.ID, notify.KindApplicationAccepted)
	notify.BestEffort(ctx, s.notifier, req.PatientID, req.ID, notify.KindRequestAccepted)
	return accepted, nil
}

// Reject declines one pending bid. The owning patient or an administrator
// may reject; the request itself is untouched. Locks are taken request
// first, application second, same as Accept.
func (s *Service) Reject(ctx context.Context, actor authz.Actor, applicationID string) (_ Application, err error) {
	defer func() { metrics.Observe(metrics.Applications, "reject", err) }()

	target, err := s.repo.Get(ctx, applicationID)
	if err != nil {
		return Application{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, target.RequestID)
	if err != nil {
		return Application{}, err
	}
	app, err := s.repo.GetForUpdate(ctx, tx, applicationID)
	if err != nil {
		return Application{}, err
	}

	if !authz.SameActor(actor.ID, req.PatientID) && actor.Role != identity.RoleAdmin {
		return Application{}, ErrForbidden
	}

	rejected, err := s.repo.UpdateStatus(ctx, tx, app.ID, StatusPending, StatusRejected)
	if err != nil {
		return Application{}, err
	}

	if err := s.requests.AppendEvent(ctx, tx, req.ID, EventRejected, actor.ID, map[string]any{"application_id": app.ID}); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("application: commit reject: %w", err)
	}

	notify.BestEffort(ctx, s.notifier, rejected.NurseID, req.ID, notify.KindApplicationRejected)
	return rejected, nil
}

// Withdraw retracts the acting nurse's own pending bid.
func (s *Service) Withdraw(ctx context.Context, actor authz.Actor, applicationID string) (_ Application, err error) {
	defer func() { metrics.Observe(metrics.Applications, "withdraw", err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	app, err := s.repo.GetForUpdate(ctx, tx, applicationID)
	if err != nil {
		return Application{}, err
	}
	if !authz.SameActor(actor.ID, app.NurseID) {
		return Application{}, ErrForbidden
	}

	withdrawn, err := s.repo.UpdateStatus(ctx, tx, app.ID, StatusPending, StatusWithdrawn)
	if err != nil {
		return Application{}, err
	}

	if err := s.requests.AppendEvent(ctx, tx, app.RequestID, EventWithdrawn, actor.ID, map[string]any{"application_id": app.ID}); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("application: commit withdraw: %w", err)
	}
	return withdrawn, nil
}

// ListForRequest returns every bid on a request. Visible to the owning
// patient and administrators.
func (s *Service) ListForRequest(ctx context.Context, actor authz.Actor, requestID string) ([]Application, error) {
	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !authz.SameActor(actor.ID, req.PatientID) && actor.Role != identity.RoleAdmin {
		return nil, ErrForbidden
	}
	return s.repo.ListForRequest(ctx, requestID)
}

// ListForNurse returns a nurse's own bids across requests.
func (s *Service) ListForNurse(ctx context.Context, actor authz.Actor, nurseID string) ([]Application, error) {
	if !authz.SameActor(actor.ID, nurseID) && actor.Role != identity.RoleAdmin {
		return nil, ErrForbidden
	}
	return s.repo.ListForNurse(ctx, nurseID)
}
