package main

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/soldatov-s/dbpool/log"
	"github.com/soldatov-s/dbpool/pool"
	"github.com/soldatov-s/dbpool/provider"
	"github.com/spf13/cobra"
)

type checkResult struct {
	Database *provider.DatabaseInfo `json:"database"`
	Stats    pool.Stats             `json:"stats"`
}

// check configures the pool, round trips every idle connection and prints
// database info as JSON.
func check(cmd *cobra.Command, settings []string) error {
	cfg, err := loadConfig(settings)
	if err != nil {
		return err
	}

	ctx := context.Background()
	logger, err := log.NewLoggerWithWriter(ctx, &cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return errors.Wrap(err, "new logger")
	}
	ctx = rootLogger(logger, "check").WithContext(ctx)

	p, err := provider.NewProvider(ctx, "check", &cfg.Pool)
	if err != nil {
		return errors.Wrap(err, "new pool provider")
	}
	defer p.Stop(ctx)

	if err := p.Configure(ctx); err != nil {
		return errors.Wrap(err, "configure pool")
	}

	if err := p.ValidateConnections(ctx, pool.PingValidator{}); err != nil {
		return errors.Wrap(err, "validate connections")
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(checkResult{Database: p.DatabaseInfo(), Stats: p.Stats()}); err != nil {
		return errors.Wrap(err, "write result")
	}

	return nil
}
