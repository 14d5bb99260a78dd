package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fairdata/download-service/internal/database"
	"github.com/fairdata/download-service/internal/taskqueue"
)

var (
	queueStatuses []string
	queueJSON     bool
)

var queueCmd = &cobra.Command{
	Use:         "queue",
	Short:       "Inspect and reload the generation queue",
	Annotations: map[string]string{annotationNeedsApp: "true"},
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List generation tasks by status",
	Example: `  download-service queue list
  download-service queue list --status new --status pending`,
	Args: cobra.NoArgs,
	RunE: runQueueList,
}

var queueReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Promote waiting tasks to the queue, one per dataset",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		promoted, err := svc.Coordinator.ReloadQueue(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Promoted %d tasks\n", promoted)
		return nil
	},
}

var queueShowCmd = &cobra.Command{
	Use:     "show <job-id>",
	Short:   "Show one generation job",
	Example: `  download-service queue show 3f2c1d9e-8a4b-4c8e-9f00-1b2a3c4d5e6f`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := svc.Queue.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if queueJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		}
		return printJob(cmd.OutOrStdout(), job)
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count tasks in each status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		counts, err := svc.Store.CountTasksByStatus(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, status := range database.AllStatuses {
			fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueReloadCmd, queueShowCmd, queueStatsCmd)

	queueListCmd.Flags().StringSliceVar(&queueStatuses, "status", nil,
		"Statuses to list (new, pending, started, success, failed, retry); defaults to all")
	queueListCmd.Flags().BoolVar(&queueJSON, "json", false, "Print tasks as JSON")
	queueShowCmd.Flags().BoolVar(&queueJSON, "json", false, "Print the job as JSON")
}

func runQueueList(cmd *cobra.Command, args []string) error {
	statuses, err := parseStatuses(queueStatuses)
	if err != nil {
		return err
	}

	taskList, err := svc.Store.ListTasksByStatus(cmd.Context(), statuses...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if queueJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(taskList)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tDATASET\tSTATUS\tPARTIAL\tINITIATED\tRETRIES\tPACKAGE")
	for _, t := range taskList {
		pkg := "-"
		if t.Package != nil {
			pkg = *t.Package
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%d\t%s\n",
			t.TaskID, t.DatasetID, t.Status, t.IsPartial,
			t.Initiated.UTC().Format(time.RFC3339), t.Retries, pkg)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d tasks\n", len(taskList))
	return nil
}

func parseStatuses(names []string) ([]database.TaskStatus, error) {
	if len(names) == 0 {
		return database.AllStatuses, nil
	}
	statuses := make([]database.TaskStatus, 0, len(names))
	for _, name := range names {
		status, ok := database.ParseTaskStatus(name)
		if !ok {
			valid := make([]string, len(database.AllStatuses))
			for i, s := range database.AllStatuses {
				valid[i] = strings.ToLower(string(s))
			}
			return nil, fmt.Errorf("invalid status: %s\nValid statuses: %s", name, strings.Join(valid, ", "))
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func printJob(out io.Writer, job *taskqueue.Job) error {
	optional := func(s *string) string {
		if s == nil {
			return "-"
		}
		return *s
	}
	at := func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.UTC().Format(time.RFC3339)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\t%s\n", job.ID)
	fmt.Fprintf(w, "TYPE\t%s\n", job.TaskType)
	fmt.Fprintf(w, "STATUS\t%s\n", job.Status)
	fmt.Fprintf(w, "PAYLOAD\t%s\n", job.Payload)
	fmt.Fprintf(w, "SCHEDULED\t%s\n", job.ScheduledFor.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "STARTED\t%s\n", at(job.StartedAt))
	fmt.Fprintf(w, "COMPLETED\t%s\n", at(job.CompletedAt))
	fmt.Fprintf(w, "FAILED\t%s\n", at(job.FailedAt))
	fmt.Fprintf(w, "WORKER\t%s\n", optional(job.WorkerID))
	fmt.Fprintf(w, "RETRIES\t%d/%d\n", job.RetryCount, job.MaxRetries)
	fmt.Fprintf(w, "ERROR\t%s\n", optional(job.ErrorMessage))
	return w.Flush()
}
