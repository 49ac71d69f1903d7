package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/soldatov-s/dbpool/app"
	"github.com/soldatov-s/dbpool/log"
	"github.com/spf13/cobra"
)

// Filled by ldflags.
var (
	version = "0.0.0"
	builded = "unknown"
	hash    = "unknown"
)

const envPrefix = "DBPOOL"

func newRootCmd() *cobra.Command {
	var settings []string

	root := &cobra.Command{
		Use:           "dbpool",
		Short:         "database connection pool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringArrayVar(&settings, "set", nil,
		"pool setting in key=value form, e.g. connection.url=postgres://localhost/app, replaces "+envPrefix+"_POOL_* variables")

	root.AddCommand(
		app.CreateServeCmd(func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, settings)
		}),
		app.CreateCheckCmd(func(cmd *cobra.Command, _ []string) error {
			return check(cmd, settings)
		}),
	)

	return root
}

// rootLogger names every log line of a command with build info.
func rootLogger(logger *log.Logger, command string) *zerolog.Logger {
	return logger.GetLogger("dbpool",
		&log.Field{Name: "command", Value: command},
		&log.Field{Name: "version", Value: version},
	)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
