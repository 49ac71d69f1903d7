package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/soldatov-s/dbpool/app"
	"github.com/soldatov-s/dbpool/httpsrv"
	"github.com/soldatov-s/dbpool/log"
	"github.com/soldatov-s/dbpool/provider"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serve(cmd *cobra.Command, settings []string) error {
	cfg, err := loadConfig(settings)
	if err != nil {
		return err
	}

	ctx := context.Background()
	logger, err := log.NewLoggerWithWriter(ctx, &cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return errors.Wrap(err, "new logger")
	}
	ctx = rootLogger(logger, "serve").WithContext(ctx)
	runner, ctx := errgroup.WithContext(ctx)

	pool, err := provider.NewProvider(ctx, "main", &cfg.Pool)
	if err != nil {
		return errors.Wrap(err, "new pool provider")
	}

	stats, err := httpsrv.NewEnity(ctx, "stats", &cfg.Stats)
	if err != nil {
		return errors.Wrap(err, "new stats server")
	}

	manager := app.NewManager(&app.ManagerDeps{
		Meta: &app.MetaDeps{
			Name:        "dbpool",
			Builded:     builded,
			Hash:        hash,
			Version:     version,
			Description: "database connection pool",
		},
		StatsHTTPEnityName: stats.GetFullName(),
		Logger:             logger,
		ErrorGroup:         runner,
	})
	logger.Zerolog().Info().Str("build", manager.Meta().BuildInfo()).Msg("starting")

	if err := manager.Add(ctx, pool); err != nil {
		return errors.Wrap(err, "add pool provider")
	}

	if err := manager.Add(ctx, stats); err != nil {
		return errors.Wrap(err, "add stats server")
	}

	if err := manager.Start(ctx); err != nil {
		return errors.Wrap(err, "start")
	}

	if err := manager.OSSignalWaiter(ctx); err != nil {
		return errors.Wrap(err, "wait signals")
	}

	return manager.Loop(ctx)
}
