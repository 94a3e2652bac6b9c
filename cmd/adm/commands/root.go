package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the adm command tree
func NewRootCommand(env *Env) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "adm",
		Short: "Field sync administration tool",
		Long: `Field sync administration tool

Operator commands for the on-device store, the sync queue and the ingest service.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Show help if no subcommand provided
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(DatabaseCommands(env))
	rootCmd.AddCommand(QueueCommands(env))
	rootCmd.AddCommand(ResponseCommands(env))
	rootCmd.AddCommand(TokenCommands(env))
	return rootCmd
}
