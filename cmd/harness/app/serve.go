package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdiff/harness/internal/api"
	"github.com/agentdiff/harness/internal/auth"
	"github.com/agentdiff/harness/internal/config"
	"github.com/agentdiff/harness/internal/database"
	"github.com/agentdiff/harness/internal/dsl"
	"github.com/agentdiff/harness/internal/namespace"
	"github.com/agentdiff/harness/internal/orchestrator"
	"github.com/agentdiff/harness/internal/platlog"
	"github.com/agentdiff/harness/internal/pool"
	"github.com/agentdiff/harness/internal/replication"
	"github.com/agentdiff/harness/internal/snapshot"
	"github.com/agentdiff/harness/internal/template"
)

// NewServeCmd builds the "serve" subcommand, which starts the HTTP API,
// the replication worker and the pool's background refill loop, and
// runs until an interrupt or terminate signal arrives.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the harness HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	contextLogger := platlog.FromContext(ctx).WithName("serve")

	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db.DB); err != nil {
		return err
	}

	nsHandler := namespace.New(db.DB)
	templates := template.New(db)
	pools := pool.New(db, nsHandler, cfg.PoolTargetSize)
	differ := snapshot.New(db)

	replWriter := replication.NewChangeJournalWriter(db)
	replService := replication.NewService(cfg.Replication, replWriter)
	if err := replService.Start(ctx); err != nil {
		return err
	}
	defer replService.Stop()

	dslCompiler, err := dsl.New()
	if err != nil {
		return err
	}

	orch := orchestrator.New(db, differ, replService, dslCompiler)
	authClient := auth.New(cfg.ControlPlaneURL, cfg.ControlPlaneTimeout, cfg.IsDevelopment())

	if err := pools.StartBackgroundRefill(ctx, "@every "+cfg.PoolRefillInterval.String()); err != nil {
		return err
	}
	defer pools.StopBackgroundRefill()

	handlers := api.NewHandlers(db, templates, pools, nsHandler, orch, dslCompiler)
	router := api.NewRouter(handlers, authClient)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		contextLogger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		contextLogger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
