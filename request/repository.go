package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the request id is unknown.
	ErrNotFound = errors.New("request: not found")
	// ErrForbidden signals the actor is not entitled to the action on this request.
	ErrForbidden = errors.New("request: forbidden")
	// ErrInvalidTransition signals the action is not legal from the current
	// state, independent of the actor.
	ErrInvalidTransition = errors.New("request: invalid transition")
	// ErrInvalidInput signals malformed or missing request fields.
	ErrInvalidInput = errors.New("request: invalid input")
)

// Repository is the persistence surface of the lifecycle engine. Every
// state transition is a single conditional UPDATE so concurrent callers
// race on the WHERE clause, not on a read-modify-write window.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	List(ctx context.Context, filters Filters) ([]Request, int, error)
	AcceptAssign(ctx context.Context, tx pgx.Tx, id, nurseID string) (Request, error)
	MarkStarted(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	ConfirmCompletion(ctx context.Context, tx pgx.Tx, id string, side Side) (Request, error)
	Cancel(ctx context.Context, tx pgx.Tx, id string, reason *string) (Request, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, requestID, eventType, actorID string, payload map[string]any) error
}

// ApplicationLedger is the slice of the bid ledger the engine needs when a
// request leaves pending: rejecting still-open sibling bids inside the
// same transaction.
type ApplicationLedger interface {
	RejectPendingForRequest(ctx context.Context, tx pgx.Tx, requestID, exceptApplicationID string) (int64, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `id, patient_id, nurse_id, service_type, description, address, scheduled_at, budget,
	status, nurse_completed, nurse_completed_at, patient_completed, patient_completed_at,
	cancel_reason, created_at, accepted_at, completed_at, cancelled_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	query := `
		INSERT INTO requests (id, patient_id, service_type, description, address, scheduled_at, budget, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING ` + requestColumns

	row := tx.QueryRow(ctx, query,
		req.ID,
		req.PatientID,
		req.ServiceType,
		req.Description,
		req.Address,
		req.ScheduledAt,
		req.Budget,
	)
	created, err := scanRequest(row)
	if err != nil {
		return Request{}, fmt.Errorf("request: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`
	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get: %w", err)
	}
	return req, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1 FOR UPDATE`
	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get for update: %w", err)
	}
	return req, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	base := `SELECT ` + requestColumns + ` FROM requests`
	where := []string{"1=1"}
	args := []any{}

	if filters.PatientID != "" {
		where = append(where, fmt.Sprintf("patient_id=$%d", len(args)+1))
		args = append(args, filters.PatientID)
	}
	if filters.VisibleToNurseID != "" {
		where = append(where, fmt.Sprintf("(nurse_id=$%d OR status='pending')", len(args)+1))
		args = append(args, filters.VisibleToNurseID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`%s%s ORDER BY created_at DESC LIMIT %d OFFSET %d`, base, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("request: query list: %w", err)
	}
	defer rows.Close()

	list := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("request: iterate list: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM requests" + whereClause
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("request: count list: %w", err)
	}

	return list, total, nil
}

// AcceptAssign moves pending -> accepted and assigns the nurse in one
// conditional statement. The loser of a concurrent double-accept sees
// zero rows and gets ErrInvalidTransition.
func (r *PGRepository) AcceptAssign(ctx context.Context, tx pgx.Tx, id, nurseID string) (Request, error) {
	query := `
		UPDATE requests
		SET status = 'accepted',
		    nurse_id = $2,
		    accepted_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, nurseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fmt.Errorf("%w: request %s is no longer pending", ErrInvalidTransition, id)
		}
		return Request{}, fmt.Errorf("request: accept assign: %w", err)
	}
	return req, nil
}

func (r *PGRepository) MarkStarted(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	query := `
		UPDATE requests
		SET status = 'in_progress',
		    updated_at = now()
		WHERE id = $1 AND status = 'accepted'
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fmt.Errorf("%w: request %s is not accepted", ErrInvalidTransition, id)
		}
		return Request{}, fmt.Errorf("request: mark started: %w", err)
	}
	return req, nil
}

const nurseConfirmSQL = `
		UPDATE requests
		SET nurse_completed = TRUE,
		    nurse_completed_at = COALESCE(nurse_completed_at, now()),
		    status = CASE WHEN patient_completed THEN 'completed'::request_status ELSE status END,
		    completed_at = CASE WHEN patient_completed THEN COALESCE(completed_at, now()) ELSE completed_at END,
		    updated_at = now()
		WHERE id = $1 AND status = 'in_progress'
		RETURNING ` + requestColumns

const patientConfirmSQL = `
		UPDATE requests
		SET patient_completed = TRUE,
		    patient_completed_at = COALESCE(patient_completed_at, now()),
		    status = CASE WHEN nurse_completed THEN 'completed'::request_status ELSE status END,
		    completed_at = CASE WHEN nurse_completed THEN COALESCE(completed_at, now()) ELSE completed_at END,
		    updated_at = now()
		WHERE id = $1 AND status = 'in_progress'
		RETURNING ` + requestColumns

// ConfirmCompletion sets one party's flag and decides the completed
// transition from the sibling flag's prior value inside the same
// statement, so two concurrent confirmations can never both observe
// "not yet both" (the CASE reads the pre-update row).
func (r *PGRepository) ConfirmCompletion(ctx context.Context, tx pgx.Tx, id string, side Side) (Request, error) {
	query := nurseConfirmSQL
	if side == SidePatient {
		query = patientConfirmSQL
	}

	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fmt.Errorf("%w: request %s is not in progress", ErrInvalidTransition, id)
		}
		return Request{}, fmt.Errorf("request: confirm completion (%s): %w", side, err)
	}
	return req, nil
}

func (r *PGRepository) Cancel(ctx context.Context, tx pgx.Tx, id string, reason *string) (Request, error) {
	query := `
		UPDATE requests
		SET status = 'cancelled',
		    cancel_reason = $2,
		    cancelled_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'accepted', 'in_progress')
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fmt.Errorf("%w: request %s is already terminal", ErrInvalidTransition, id)
		}
		return Request{}, fmt.Errorf("request: cancel: %w", err)
	}
	return req, nil
}

// AppendEvent writes one append-only audit row in the caller's transaction.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, requestID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("request: marshal event payload: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const insertSQL = `
		INSERT INTO request_events (request_id, type, actor_id, payload)
		VALUES ($1, $2, $3::uuid, $4::jsonb)
	`
	if _, err := tx.Exec(ctx, insertSQL, requestID, eventType, actor, body); err != nil {
		return fmt.Errorf("request: insert event: %w", err)
	}
	return nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	return req, row.Scan(
		&req.ID,
		&req.PatientID,
		&req.NurseID,
		&req.ServiceType,
		&req.Description,
		&req.Address,
		&req.ScheduledAt,
		&req.Budget,
		&req.Status,
		&req.NurseCompleted,
		&req.NurseCompletedAt,
		&req.PatientCompleted,
		&req.PatientCompletedAt,
		&req.CancelReason,
		&req.CreatedAt,
		&req.AcceptedAt,
		&req.CompletedAt,
		&req.CancelledAt,
		&req.UpdatedAt,
	)
}
