package app

import (
	"github.com/spf13/cobra"
)

type CmdHandler func(cmd *cobra.Command, args []string) error

// CreateServeCmd create serve command
func CreateServeCmd(handler CmdHandler) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "command for starting pool with HTTP stats server",
		RunE:  handler,
	}
}

// CreateCheckCmd create check command
func CreateCheckCmd(handler CmdHandler) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "command for configuring pool once, printing database info and stopping it",
		RunE:  handler,
	}
}
