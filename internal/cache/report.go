package cache

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/fairdata/download-service/internal/database"
)

const (
	summarySheet  = "Summary"
	packagesSheet = "Packages"
)

var packageColumns = []interface{}{
	"Filename", "Dataset", "Task", "Size (bytes)", "Checksum", "Generated",
	"Downloads", "Last downloaded", "Expired", "Score",
}

// WriteUsageReport writes an XLSX workbook of cache totals and every package
// with its eviction standing
func (m *Manager) WriteUsageReport(ctx context.Context, w io.Writer) error {
	stats, err := m.Stats(ctx)
	if err != nil {
		return err
	}
	active, err := m.store.ListActivePackages(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active packages: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if _, err := f.NewSheet(packagesSheet); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}

	summary := [][]interface{}{
		{"Packages", stats.Packages},
		{"Usage (bytes)", stats.UsageBytes},
		{"Largest package (bytes)", stats.LargestBytes},
		{"Smallest package (bytes)", stats.SmallestBytes},
		{"Purge threshold (bytes)", m.cfg.PurgeThreshold},
		{"Purge target (bytes)", m.cfg.PurgeTarget},
	}
	for i, row := range summary {
		if err := setRow(f, summarySheet, i+1, row); err != nil {
			return err
		}
	}

	if err := setRow(f, packagesSheet, 1, packageColumns); err != nil {
		return err
	}
	now := m.now()
	for i, p := range active {
		if err := setRow(f, packagesSheet, i+2, packageRow(now, p)); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func packageRow(now time.Time, p database.ActivePackage) []interface{} {
	lastDownloaded := ""
	score := ""
	if p.LastDownloaded != nil {
		lastDownloaded = p.LastDownloaded.Format(time.RFC3339)
		if p.Downloads > 0 {
			score = strconv.Itoa(scorePackage(now, p))
		}
	}
	return []interface{}{
		p.Filename,
		p.DatasetID,
		p.TaskID,
		p.SizeBytes,
		p.Checksum,
		p.GeneratedAt.Format(time.RFC3339),
		p.Downloads,
		lastDownloaded,
		isExpired(now, p),
		score,
	}
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}
