package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gbassaragh/APEX-sub002/internal/config"
	"github.com/gbassaragh/APEX-sub002/internal/logging"
	"github.com/gbassaragh/APEX-sub002/internal/repository"
	"github.com/gbassaragh/APEX-sub002/internal/service"
)

// runtime is what a command needs from the job store.
type runtime struct {
	manager   *service.JobManager
	costCodes repository.CostCodeRepository
	migrate   func(ctx context.Context) error
	close     func()
}

type opener func(ctx context.Context) (*runtime, error)

func newRootCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "jobsctl",
		Short:        "Operator tools for the estimation job engine",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newStaleCmd(open),
		newReconcileCmd(open),
		newPruneCmd(open),
		newMigrateCmd(open),
		newImportCostCodesCmd(open),
	)
	return cmd
}

// openRuntime connects to the configured database. The CLI only makes sense
// against durable storage, so DATABASE_URL is required.
func openRuntime(ctx context.Context) (*runtime, error) {
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	pool, err := repository.OpenPool(ctx, repository.PoolConfig{
		DSN:         cfg.DatabaseURL,
		MaxConns:    2,
		DialTimeout: cfg.DialTimeout(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("db connect failed: %w", err)
	}

	recorder := service.NewAuditRecorder(repository.NewPostgresAuditRepository(pool), logger)
	return &runtime{
		manager:   service.NewJobManager(repository.NewPostgresJobsRepository(pool), recorder, logger),
		costCodes: repository.NewPostgresCostCodeRepository(pool),
		migrate: func(ctx context.Context) error {
			return repository.Migrate(ctx, pool, logger)
		},
		close: pool.Close,
	}, nil
}
