package test

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"careflow/application"
	"careflow/authz"
	"careflow/identity"
	"careflow/request"
	"careflow/test/infra"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	var (
		pgC *infra.PGContainer
		dsn string
		err error
	)
	if raw := getSharedDSN(); raw != "" {
		dsn = raw
		pgC = &infra.PGContainer{}
	} else if dockerAvailable(ctx) {
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	} else {
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Fatalf("init local database: %v", err)
		}
		pgC = &infra.PGContainer{}
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, getSharedDSN() != "")
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		_ = teardown(context.Background())
	})
	return pool
}

func getSharedDSN() string {
	if *flDSN != "" {
		return *flDSN
	}
	return os.Getenv("STRESS_TEST_PG_DSN")
}

func TestDoubleAcceptRace(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	patientID := seedUser(t, ctx, pool, "patient", "verified")
	nurseA := seedUser(t, ctx, pool, "nurse", "verified")
	nurseB := seedUser(t, ctx, pool, "nurse", "verified")
	requestID := seedRequest(t, ctx, pool, patientID)

	svc := request.NewService(pool, request.NewRepository(pool), nil).
		WithApplicationLedger(application.NewRepository(pool))

	var wins int64
	g, gctx := errgroup.WithContext(ctx)
	for _, nurseID := range []string{nurseA, nurseB} {
		actor := authz.Actor{ID: nurseID, Role: identity.RoleNurse, Verified: true}
		g.Go(func() error {
			_, err := svc.Accept(gctx, actor, requestID)
			if err == nil {
				atomic.AddInt64(&wins, 1)
				return nil
			}
			if errors.Is(err, request.ErrInvalidTransition) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected accept error: %v", err)
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning accept, got %d", wins)
	}

	var status string
	var nurseID *string
	if err := pool.QueryRow(ctx, `SELECT status, nurse_id FROM requests WHERE id=$1`, requestID).Scan(&status, &nurseID); err != nil {
		t.Fatalf("read request: %v", err)
	}
	if status != "accepted" || nurseID == nil {
		t.Fatalf("expected accepted request with a nurse, got status=%s nurse=%v", status, nurseID)
	}
}

func TestConcurrentDualCompletion(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	patientID := seedUser(t, ctx, pool, "patient", "verified")
	nurseID := seedUser(t, ctx, pool, "nurse", "verified")
	requestID := seedRequest(t, ctx, pool, patientID)

	svc := request.NewService(pool, request.NewRepository(pool), nil).
		WithApplicationLedger(application.NewRepository(pool))

	patient := authz.Actor{ID: patientID, Role: identity.RolePatient, Verified: true}
	nurse := authz.Actor{ID: nurseID, Role: identity.RoleNurse, Verified: true}

	if _, err := svc.Accept(ctx, nurse, requestID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.Start(ctx, nurse, requestID); err != nil {
		t.Fatalf("start: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := svc.ConfirmCompletion(gctx, nurse, requestID, request.SideNurse)
		return err
	})
	g.Go(func() error {
		_, err := svc.ConfirmCompletion(gctx, patient, requestID, request.SidePatient)
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent confirms: %v", err)
	}

	var status string
	var nurseDone, patientDone bool
	if err := pool.QueryRow(ctx,
		`SELECT status, nurse_completed, patient_completed FROM requests WHERE id=$1`, requestID,
	).Scan(&status, &nurseDone, &patientDone); err != nil {
		t.Fatalf("read request: %v", err)
	}
	if status != "completed" || !nurseDone || !patientDone {
		t.Fatalf("expected completed with both flags, got status=%s nurse=%v patient=%v", status, nurseDone, patientDone)
	}
}

func TestAcceptRejectsSiblingBidsAtomically(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	patientID := seedUser(t, ctx, pool, "patient", "verified")
	nurseA := seedUser(t, ctx, pool, "nurse", "verified")
	nurseB := seedUser(t, ctx, pool, "nurse", "verified")
	requestID := seedRequest(t, ctx, pool, patientID)

	requestRepo := request.NewRepository(pool)
	applicationRepo := application.NewRepository(pool)
	appSvc := application.NewService(pool, applicationRepo, requestRepo, identity.NewRepository(pool), nil)

	actorA := authz.Actor{ID: nurseA, Role: identity.RoleNurse, Verified: true}
	actorB := authz.Actor{ID: nurseB, Role: identity.RoleNurse, Verified: true}

	bidA, err := appSvc.Submit(ctx, actorA, application.SubmitParams{RequestID: requestID, Price: 80, EstimatedTime: "1h"})
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if _, err := appSvc.Submit(ctx, actorB, application.SubmitParams{RequestID: requestID, Price: 90, EstimatedTime: "2h"}); err != nil {
		t.Fatalf("submit B: %v", err)
	}

	patient := authz.Actor{ID: patientID, Role: identity.RolePatient, Verified: true}
	if _, err := appSvc.Accept(ctx, patient, bidA.ID); err != nil {
		t.Fatalf("accept bid: %v", err)
	}

	var accepted, pending, rejected int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status='accepted'),
		       COUNT(*) FILTER (WHERE status='pending'),
		       COUNT(*) FILTER (WHERE status='rejected')
		FROM applications WHERE request_id=$1`, requestID,
	).Scan(&accepted, &pending, &rejected); err != nil {
		t.Fatalf("count bids: %v", err)
	}
	if accepted != 1 || pending != 0 || rejected != 1 {
		t.Fatalf("expected 1 accepted, 0 pending, 1 rejected; got %d/%d/%d", accepted, pending, rejected)
	}

	var status string
	var assigned *string
	if err := pool.QueryRow(ctx, `SELECT status, nurse_id FROM requests WHERE id=$1`, requestID).Scan(&status, &assigned); err != nil {
		t.Fatalf("read request: %v", err)
	}
	if status != "accepted" || assigned == nil || *assigned != nurseA {
		t.Fatalf("expected request accepted by %s, got status=%s nurse=%v", nurseA, status, assigned)
	}
}

func TestConcurrentBidAcceptsSettleOnce(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	patientID := seedUser(t, ctx, pool, "patient", "verified")
	nurseA := seedUser(t, ctx, pool, "nurse", "verified")
	nurseB := seedUser(t, ctx, pool, "nurse", "verified")
	requestID := seedRequest(t, ctx, pool, patientID)

	requestRepo := request.NewRepository(pool)
	applicationRepo := application.NewRepository(pool)
	appSvc := application.NewService(pool, applicationRepo, requestRepo, identity.NewRepository(pool), nil)

	bidA, err := appSvc.Submit(ctx, authz.Actor{ID: nurseA, Role: identity.RoleNurse, Verified: true},
		application.SubmitParams{RequestID: requestID, Price: 80, EstimatedTime: "1h"})
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	bidB, err := appSvc.Submit(ctx, authz.Actor{ID: nurseB, Role: identity.RoleNurse, Verified: true},
		application.SubmitParams{RequestID: requestID, Price: 90, EstimatedTime: "2h"})
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}

	patient := authz.Actor{ID: patientID, Role: identity.RolePatient, Verified: true}

	// Both bids are accepted at once; exactly one may settle the round and
	// the loser must fail inside the error taxonomy, never with a
	// database deadlock.
	var wins int64
	g, gctx := errgroup.WithContext(ctx)
	for _, bidID := range []string{bidA.ID, bidB.ID} {
		g.Go(func() error {
			_, err := appSvc.Accept(gctx, patient, bidID)
			if err == nil {
				atomic.AddInt64(&wins, 1)
				return nil
			}
			if errors.Is(err, application.ErrInvalidState) || errors.Is(err, request.ErrInvalidTransition) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected accept error: %v", err)
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning accept, got %d", wins)
	}

	var accepted, pending int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status='accepted'),
		       COUNT(*) FILTER (WHERE status='pending')
		FROM applications WHERE request_id=$1`, requestID,
	).Scan(&accepted, &pending); err != nil {
		t.Fatalf("count bids: %v", err)
	}
	if accepted != 1 || pending != 0 {
		t.Fatalf("expected 1 accepted and 0 pending bids, got %d/%d", accepted, pending)
	}

	var status string
	var assigned *string
	if err := pool.QueryRow(ctx, `SELECT status, nurse_id FROM requests WHERE id=$1`, requestID).Scan(&status, &assigned); err != nil {
		t.Fatalf("read request: %v", err)
	}
	if status != "accepted" || assigned == nil {
		t.Fatalf("expected accepted request with a nurse, got status=%s nurse=%v", status, assigned)
	}
}
