package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"careflow/application"
	"careflow/authz"
	"careflow/request"
)

// tolerable reports whether an error is an expected outcome of losing a
// race rather than a correctness failure.
func tolerable(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, request.ErrInvalidTransition),
		errors.Is(err, request.ErrForbidden),
		errors.Is(err, request.ErrNotFound):
		return true
	case errors.Is(err, application.ErrInvalidState),
		errors.Is(err, application.ErrRequestNotOpen),
		errors.Is(err, application.ErrDuplicateApplication),
		errors.Is(err, application.ErrForbidden),
		errors.Is(err, application.ErrNotFound):
		return true
	default:
		return false
	}
}

// Bidder repeatedly submits bids against one request. Duplicates and
// closed-request rejections are expected under contention.
func Bidder(ctx context.Context, svc *application.Service, actor authz.Actor, requestID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.Submit(ctx, actor, application.SubmitParams{
			RequestID:     requestID,
			Price:         50 + float64(rand.Intn(150)),
			EstimatedTime: "2h",
		})
		if !tolerable(err) {
			return fmt.Errorf("bidder %s: %w", actor.ID, err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// BidAcceptor plays the owning patient: it picks a pending bid and tries
// to accept it. Only one acceptance may ever win.
func BidAcceptor(ctx context.Context, pool *pgxpool.Pool, svc *application.Service, actor authz.Actor, requestID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var appID string
		err := pool.QueryRow(ctx, `SELECT id FROM applications WHERE request_id=$1 AND status='pending' LIMIT 1`, requestID).Scan(&appID)
		if err == nil {
			if _, err := svc.Accept(ctx, actor, appID); !tolerable(err) {
				return fmt.Errorf("bid acceptor: %w", err)
			}
		} else if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
			time.Sleep(50 * time.Millisecond)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// NurseLifecycle drives the provider half of one request: grab it, start
// it, confirm completion. Losing any step to a sibling nurse is expected.
func NurseLifecycle(ctx context.Context, svc *request.Service, actor authz.Actor, requestID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.Accept(ctx, actor, requestID); !tolerable(err) {
			return fmt.Errorf("nurse accept %s: %w", actor.ID, err)
		}
		if _, err := svc.Start(ctx, actor, requestID); !tolerable(err) {
			return fmt.Errorf("nurse start %s: %w", actor.ID, err)
		}
		if _, err := svc.ConfirmCompletion(ctx, actor, requestID, request.SideNurse); !tolerable(err) {
			return fmt.Errorf("nurse confirm %s: %w", actor.ID, err)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// PatientConfirmer repeatedly confirms the patient side of completion.
func PatientConfirmer(ctx context.Context, svc *request.Service, actor authz.Actor, requestID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.ConfirmCompletion(ctx, actor, requestID, request.SidePatient); !tolerable(err) {
			return fmt.Errorf("patient confirm: %w", err)
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Canceller occasionally tries to cancel; from a terminal state this must
// surface ErrInvalidTransition and nothing else.
func Canceller(ctx context.Context, svc *request.Service, actor authz.Actor, requestID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(10) == 0 {
			reason := "stress cancel"
			if _, err := svc.Cancel(ctx, actor, requestID, &reason); !tolerable(err) {
				return fmt.Errorf("canceller: %w", err)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// NotificationWorker drains the notifications outbox with SKIP LOCKED,
// marking rows delivered the way a real delivery worker would.
func NotificationWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM notifications WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			_, _ = tx.Exec(ctx, `UPDATE notifications SET status='delivered', delivered_at=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
