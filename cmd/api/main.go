package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"careflow/application"
	"careflow/config"
	"careflow/db"
	"careflow/identity"
	"careflow/notify"
	"careflow/provider"
	"careflow/request"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	notifier := notify.NewOutboxNotifier(pool)

	identitySvc := identity.NewService(identity.NewRepository(pool), cfg.JWTSecret).
		WithNotifier(notifier)

	requestRepo := request.NewRepository(pool)
	applicationRepo := application.NewRepository(pool)

	requestSvc := request.NewService(pool, requestRepo, notifier).
		WithApplicationLedger(applicationRepo)
	applicationSvc := application.NewService(pool, applicationRepo, requestRepo, identityDirectory{identitySvc}, notifier)
	providerSvc := provider.NewService(provider.NewRepository(pool))

	server := NewServer(identitySvc, requestSvc, applicationSvc, providerSvc)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		log.Printf("api listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown http: %v", err)
	}
}

// identityDirectory adapts the identity service's pointer-returning lookup
// to the value-returning Directory the bid ledger expects.
type identityDirectory struct {
	svc *identity.Service
}

func (d identityDirectory) GetUserByID(ctx context.Context, id string) (identity.User, error) {
	user, err := d.svc.GetUserByID(ctx, id)
	if err != nil {
		return identity.User{}, err
	}
	return *user, nil
}
