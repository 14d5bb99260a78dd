package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fairdata/download-service/config"
	"github.com/fairdata/download-service/internal/cache"
)

var (
	flushYes     bool
	reportOutput string
	statsJSON    bool
)

var cacheCmd = &cobra.Command{
	Use:         "cache",
	Short:       "Package cache maintenance",
	Annotations: map[string]string{annotationNeedsApp: "true"},
}

var cacheHousekeepCmd = &cobra.Command{
	Use:   "housekeep",
	Short: "Purge ghost files, drop invalid packages and clean up to the target size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reports, err := svc.Cache.Housekeep(cmd.Context())
		printReports(cmd.OutOrStdout(), reports...)
		return err
	},
}

var cacheValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Remove packages whose dataset changed after they were generated",
	Args:  cobra.NoArgs,
	RunE:  runCacheOperation(func(ctx context.Context, m *cache.Manager) (*cache.Report, error) { return m.Validate(ctx) }),
}

var cacheVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Remove packages whose file no longer matches its recorded checksum",
	Args:  cobra.NoArgs,
	RunE:  runCacheOperation(func(ctx context.Context, m *cache.Manager) (*cache.Report, error) { return m.Verify(ctx) }),
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict packages when the cache is over its purge threshold",
	Args:  cobra.NoArgs,
	RunE:  runCacheOperation(func(ctx context.Context, m *cache.Manager) (*cache.Report, error) { return m.Cleanup(ctx) }),
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete files in the cache directory that have no package record",
	Args:  cobra.NoArgs,
	RunE:  runCacheOperation(func(ctx context.Context, m *cache.Manager) (*cache.Report, error) { return m.PurgeGhostFiles(ctx) }),
}

var cacheFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Remove every package from the cache",
	Long: `Remove every package file and package record. Tasks that produced them are
removed with their packages. Asks for confirmation unless --yes is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !flushYes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Remove all packages from the cache?") {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
			return nil
		}
		report, err := svc.Cache.Flush(cmd.Context())
		if err != nil {
			return err
		}
		printReports(cmd.OutOrStdout(), *report)
		return nil
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show package count and cache usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := svc.Cache.Stats(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if statsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Packages:\t%d\n", stats.Packages)
		fmt.Fprintf(w, "Usage:\t%s\n", formatBytes(stats.UsageBytes))
		fmt.Fprintf(w, "Largest:\t%s\n", formatBytes(stats.LargestBytes))
		fmt.Fprintf(w, "Smallest:\t%s\n", formatBytes(stats.SmallestBytes))
		fmt.Fprintf(w, "Purge threshold:\t%s\n", formatBytes(svc.Config.Cache.PurgeThreshold))
		fmt.Fprintf(w, "Purge target:\t%s\n", formatBytes(svc.Config.Cache.PurgeTarget))
		return w.Flush()
	},
}

var cacheReportCmd = &cobra.Command{
	Use:     "report",
	Short:   "Write a spreadsheet of cached packages and their eviction scores",
	Example: `  download-service cache report --output cache.xlsx`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Create(reportOutput)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", reportOutput, err)
		}
		if err := svc.Cache.WriteUsageReport(cmd.Context(), f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		logger.Info().Str("output", reportOutput).Msg("Cache report written")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheHousekeepCmd, cacheValidateCmd, cacheVerifyCmd, cacheCleanupCmd,
		cachePurgeCmd, cacheFlushCmd, cacheStatsCmd, cacheReportCmd)

	cacheFlushCmd.Flags().BoolVarP(&flushYes, "yes", "y", false, "Do not ask for confirmation")
	cacheStatsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print stats as JSON")
	cacheReportCmd.Flags().StringVarP(&reportOutput, "output", "o", "cache-report.xlsx", "Output file")
}

func runCacheOperation(op func(context.Context, *cache.Manager) (*cache.Report, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		report, err := op(cmd.Context(), svc.Cache)
		if err != nil {
			return err
		}
		printReports(cmd.OutOrStdout(), *report)
		return nil
	}
}

func printReports(w io.Writer, reports ...cache.Report) {
	for _, r := range reports {
		fmt.Fprintf(w, "[%s] %s\n", r.Operation, r.String())
	}
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func formatBytes(n int64) string {
	if n >= config.GB {
		return fmt.Sprintf("%.2f GB", float64(n)/float64(config.GB))
	}
	const mb = 1 << 20
	if n >= mb {
		return fmt.Sprintf("%.2f MB", float64(n)/mb)
	}
	return fmt.Sprintf("%d B", n)
}
