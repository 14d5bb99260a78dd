package main

import (
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:         "db",
	Short:       "Database schema commands",
	Annotations: map[string]string{annotationNeedsApp: "true"},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Apply the schema for tasks, packages, subscriptions, downloads and the
generation queue. Safe to run repeatedly.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := svc.Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info().Msg("Schema applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
}
