package commands

import (
	"fmt"

	"fieldsync/internal/database"
	contextutils "fieldsync/internal/utils"

	"github.com/spf13/cobra"
)

// DatabaseCommands returns the database management commands
func DatabaseCommands(env *Env) *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Database management commands for the local store and the ingest database.

Available commands:
  migrate local   - Apply migrations to the on-device store
  migrate ingest  - Apply migrations to the ingest database`,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded schema migrations",
	}
	migrateCmd.AddCommand(migrateLocalCmd(env))
	migrateCmd.AddCommand(migrateIngestCmd(env))

	dbCmd.AddCommand(migrateCmd)
	return dbCmd
}

func migrateLocalCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "local",
		Short: "Apply migrations to the on-device store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// OpenLocal migrates before returning
			db, err := database.NewManager(env.Logger).OpenLocal(env.Config.Database)
			if err != nil {
				return err
			}
			if err := db.Close(); err != nil {
				return contextutils.StorageError(err, "failed to close local store")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Local store at %s is up to date\n", env.Config.Database.Path)
			return nil
		},
	}
}

func migrateIngestCmd(env *Env) *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Apply migrations to the ingest database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				url = env.Config.Database.IngestURL
			}
			if url == "" {
				return contextutils.WrapError(contextutils.ErrInvalidInput, "ingest database URL is not configured")
			}

			if err := database.NewManager(env.Logger).MigrateIngest(cmd.Context(), url); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingest database %s is up to date\n", maskDatabaseURL(url))
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Ingest database URL (defaults to database.ingest_url)")
	return cmd
}
