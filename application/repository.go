package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the application id is unknown.
	ErrNotFound = errors.New("application: not found")
	// ErrForbidden signals the actor is not entitled to act on this bid.
	ErrForbidden = errors.New("application: forbidden")
	// ErrNotVerified signals the bidding provider is not a verified nurse.
	ErrNotVerified = errors.New("application: provider not verified")
	// ErrDuplicateApplication signals a still-pending bid already exists
	// for this (request, nurse) pair.
	ErrDuplicateApplication = errors.New("application: duplicate application")
	// ErrRequestNotOpen signals the target request is no longer pending.
	ErrRequestNotOpen = errors.New("application: request not open for bids")
	// ErrInvalidState signals the bid is not in a state that permits the
	// operation (e.g. withdrawing an already-rejected bid).
	ErrInvalidState = errors.New("application: invalid application state")
)

// Repository is the bid ledger's persistence surface.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, app Application) (Application, error)
	Get(ctx context.Context, id string) (Application, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Application, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) (Application, error)
	RejectPendingForRequest(ctx context.Context, tx pgx.Tx, requestID, exceptApplicationID string) (int64, error)
	ListForRequest(ctx context.Context, requestID string) ([]Application, error)
	ListForNurse(ctx context.Context, nurseID string) ([]Application, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const applicationColumns = `id, request_id, nurse_id, price, estimated_time, status, created_at, updated_at`

// Insert creates a pending bid. The partial unique index on
// (request_id, nurse_id) WHERE status='pending' turns a concurrent
// duplicate into a 23505, surfaced as ErrDuplicateApplication.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, app Application) (Application, error) {
	query := `
		INSERT INTO applications (id, request_id, nurse_id, price, estimated_time, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, 'pending')
		RETURNING ` + applicationColumns

	created, err := scanApplication(tx.QueryRow(ctx, query,
		app.ID,
		app.RequestID,
		app.NurseID,
		app.Price,
		app.EstimatedTime,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Application{}, ErrDuplicateApplication
		}
		return Application{}, fmt.Errorf("application: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	app, err := scanApplication(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		return Application{}, fmt.Errorf("application: get: %w", err)
	}
	return app, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1 FOR UPDATE`
	app, err := scanApplication(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		return Application{}, fmt.Errorf("application: get for update: %w", err)
	}
	return app, nil
}

// UpdateStatus transitions a bid conditionally on its current status so a
// concurrent sibling operation cannot double-settle the same bid.
func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) (Application, error) {
	query := `
		UPDATE applications
		SET status = $3,
		    updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING ` + applicationColumns

	app, err := scanApplication(tx.QueryRow(ctx, query, id, from, to))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, fmt.Errorf("%w: application %s is not %s", ErrInvalidState, id, from)
		}
		return Application{}, fmt.Errorf("application: update status: %w", err)
	}
	return app, nil
}

// RejectPendingForRequest settles every still-pending bid on a request,
// optionally sparing the one being accepted. Runs in the caller's
// transaction so acceptance and sibling rejection commit together.
func (r *PGRepository) RejectPendingForRequest(ctx context.Context, tx pgx.Tx, requestID, exceptApplicationID string) (int64, error) {
	const query = `
		UPDATE applications
		SET status = 'rejected',
		    updated_at = now()
		WHERE request_id = $1
		  AND status = 'pending'
		  AND ($2 = '' OR id <> $2::uuid)
	`
	tag, err := tx.Exec(ctx, query, requestID, exceptApplicationID)
	if err != nil {
		return 0, fmt.Errorf("application: reject pending for request: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGRepository) ListForRequest(ctx context.Context, requestID string) ([]Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE request_id = $1 ORDER BY created_at ASC`
	return r.list(ctx, query, requestID)
}

func (r *PGRepository) ListForNurse(ctx context.Context, nurseID string) ([]Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE nurse_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, nurseID)
}

func (r *PGRepository) list(ctx context.Context, query, arg string) ([]Application, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("application: list: %w", err)
	}
	defer rows.Close()

	apps := make([]Application, 0, 8)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("application: scan: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("application: iterate: %w", err)
	}
	return apps, nil
}

func scanApplication(row pgx.Row) (Application, error) {
	var app Application
	return app, row.Scan(
		&app.ID,
		&app.RequestID,
		&app.NurseID,
		&app.Price,
		&app.EstimatedTime,
		&app.Status,
		&app.CreatedAt,
		&app.UpdatedAt,
	)
}
