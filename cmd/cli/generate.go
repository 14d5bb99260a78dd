package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fairdata/download-service/internal/generator"
)

var generatorCmd = &cobra.Command{
	Use:         "generator",
	Short:       "Package generation commands",
	Annotations: map[string]string{annotationNeedsApp: "true"},
}

var generatorRunCmd = &cobra.Command{
	Use:   "generate <task-id>",
	Short: "Build the package for a task in this process",
	Long: `Build the package for an existing task without going through the queue.
Useful for rebuilding a task that ended in RETRY or FAILED.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := svc.Store.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		pkg, err := svc.Generator.Generate(cmd.Context(), generator.Request{
			TaskID:    task.TaskID,
			DatasetID: task.DatasetID,
			ProjectID: task.ProjectID,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Generated %s (%s, %s)\n", pkg.Filename, formatBytes(pkg.SizeBytes), pkg.Checksum)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(generatorCmd)
	generatorCmd.AddCommand(generatorRunCmd)
}
