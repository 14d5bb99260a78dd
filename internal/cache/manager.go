// Package cache keeps the package directory consistent with the record store
// and within its size limits.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fairdata/download-service/config"
	"github.com/fairdata/download-service/internal/database"
	"github.com/fairdata/download-service/internal/metax"
	"github.com/fairdata/download-service/internal/metrics"
	"github.com/fairdata/download-service/internal/storage"
)

// GhostGracePeriod protects in-progress ".partial" files from the ghost
// purge while a generator is still writing them. Every other unreferenced
// file is deleted as soon as it is found.
const GhostGracePeriod = time.Hour

// Store is the part of the record store the cache needs
type Store interface {
	ListPackageFilenames(ctx context.Context) ([]string, error)
	ListActivePackages(ctx context.Context) ([]database.ActivePackage, error)
	DeletePackages(ctx context.Context, filenames []string) (int, error)
	DeleteAllPackages(ctx context.Context) (int, error)
	GetCacheStats(ctx context.Context) (database.CacheStats, error)
}

// Gateway reports dataset modification times
type Gateway interface {
	GetModified(ctx context.Context, datasetID string) (time.Time, error)
}

// Report describes the outcome of one housekeeping operation
type Report struct {
	Operation string   `json:"operation"`
	Message   string   `json:"message"`
	Removed   []string `json:"removed,omitempty"`
}

func (r Report) String() string {
	var b strings.Builder
	b.WriteString(r.Message)
	if len(r.Removed) > 0 {
		fmt.Fprintf(&b, "\nRemoved %d files: %s", len(r.Removed), strings.Join(r.Removed, ", "))
	}
	return b.String()
}

// Manager owns the package directory
type Manager struct {
	store   Store
	gateway Gateway
	files   storage.Storage
	cfg     config.CacheConfig
	metrics *metrics.Recorder
	logger  *zerolog.Logger
	now     func() time.Time
}

// NewManager creates a cache manager
func NewManager(store Store, gateway Gateway, files storage.Storage, cfg config.CacheConfig, rec *metrics.Recorder, logger *zerolog.Logger) *Manager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "cache").Logger()
	return &Manager{
		store:   store,
		gateway: gateway,
		files:   files,
		cfg:     cfg,
		metrics: rec,
		logger:  &l,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Housekeep purges ghost files, removes invalid packages and evicts packages
// while the cache is over its threshold. A failed purge is reported and the
// remaining steps still run; validation and cleanup stop at the first error.
func (m *Manager) Housekeep(ctx context.Context) ([]Report, error) {
	m.logger.Info().Msg("Performing package cache housekeeping")

	reports := make([]Report, 0, 3)
	purged, err := m.PurgeGhostFiles(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Ghost file purge failed")
		purged = &Report{Operation: "purge", Message: "Ghost file purge failed: " + err.Error()}
	}
	reports = append(reports, *purged)

	for _, step := range []func(context.Context) (*Report, error){m.Validate, m.Cleanup} {
		report, err := step(ctx)
		if err != nil {
			return reports, err
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

// PurgeGhostFiles deletes files that no package record refers to
func (m *Manager) PurgeGhostFiles(ctx context.Context) (*Report, error) {
	m.logger.Info().Msg("Purging ghost files from cache that cannot be found in the database")

	files, err := m.files.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}

	filenames, err := m.store.ListPackageFilenames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	known := make(map[string]bool, len(filenames))
	for _, name := range filenames {
		known[name] = true
	}

	now := m.now()
	removed := make([]string, 0)
	for _, f := range files {
		if known[f.Name] {
			continue
		}
		if strings.HasSuffix(f.Name, storage.PartialSuffix) && now.Sub(f.ModifiedAt) < GhostGracePeriod {
			continue
		}
		if err := m.files.Delete(ctx, f.Name); err != nil {
			m.logger.Error().Err(err).Str("filename", f.Name).Msg("Failed to remove ghost file")
			continue
		}
		removed = append(removed, f.Name)
	}

	m.metrics.RecordPackagesRemoved("ghost", len(removed))

	report := &Report{Operation: "purge", Removed: removed}
	if len(removed) == 0 {
		report.Message = "No ghost files found"
	} else {
		report.Message = fmt.Sprintf("Removed %d ghost files", len(removed))
		m.logger.Info().Strs("filenames", removed).Msg(report.Message)
	}
	return report, nil
}

// Validate removes packages whose file is missing or empty, or whose dataset
// was modified after generation or no longer exists
func (m *Manager) Validate(ctx context.Context) (*Report, error) {
	m.logger.Info().Msg("Performing package cache validation against dataset modification timestamps")

	active, err := m.store.ListActivePackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active packages: %w", err)
	}

	checker := &validityChecker{m: m, modified: make(map[string]modifiedResult)}
	invalid := make([]database.ActivePackage, 0)
	for _, p := range active {
		reason, ok := checker.check(ctx, p)
		if !ok {
			continue
		}
		m.logger.Info().
			Str("filename", p.Filename).
			Str("dataset_id", p.DatasetID).
			Str("task_id", p.TaskID).
			Str("reason", reason).
			Msg("Package is invalid")
		invalid = append(invalid, p)
	}

	report := &Report{Operation: "validate"}
	if len(invalid) == 0 {
		report.Message = "No invalid packages found"
		return report, nil
	}

	removed, err := m.remove(ctx, invalid, "invalid")
	if err != nil {
		return nil, err
	}
	report.Removed = removed
	report.Message = fmt.Sprintf("Removed %d invalid packages", len(removed))
	return report, nil
}

// Verify recomputes the checksum of every active package and removes those
// whose file no longer matches the recorded checksum. Missing files are left
// to Validate.
func (m *Manager) Verify(ctx context.Context) (*Report, error) {
	m.logger.Info().Msg("Verifying package checksums")

	active, err := m.store.ListActivePackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active packages: %w", err)
	}

	corrupt := make([]database.ActivePackage, 0)
	for _, p := range active {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.Checksum == "" {
			continue
		}
		sum, err := m.files.GetChecksum(ctx, p.Filename)
		if err != nil {
			if !errors.Is(err, storage.ErrNotExist) {
				m.logger.Error().Err(err).Str("filename", p.Filename).Msg("Failed to checksum package file")
			}
			continue
		}
		if sum != p.Checksum {
			m.logger.Warn().
				Str("filename", p.Filename).
				Str("expected", p.Checksum).
				Str("actual", sum).
				Msg("Package checksum mismatch")
			corrupt = append(corrupt, p)
		}
	}

	report := &Report{Operation: "verify"}
	if len(corrupt) == 0 {
		report.Message = fmt.Sprintf("Verified %d packages", len(active))
		return report, nil
	}

	removed, err := m.remove(ctx, corrupt, "corrupt")
	if err != nil {
		return nil, err
	}
	report.Removed = removed
	report.Message = fmt.Sprintf("Removed %d corrupt packages", len(removed))
	return report, nil
}

type modifiedResult struct {
	modified time.Time
	err      error
}

type validityChecker struct {
	m        *Manager
	modified map[string]modifiedResult
}

// check returns the reason a package is invalid. Errors that say nothing
// about the package itself are logged and the package is kept.
func (c *validityChecker) check(ctx context.Context, p database.ActivePackage) (string, bool) {
	if p.SizeBytes <= 0 {
		return "recorded size is zero", true
	}

	info, err := c.m.files.GetInfo(ctx, p.Filename)
	if errors.Is(err, storage.ErrNotExist) {
		return "file is missing", true
	}
	if err != nil {
		c.m.logger.Error().Err(err).Str("filename", p.Filename).Msg("Failed to check package file")
		return "", false
	}
	if info.Size <= 0 {
		return "file is empty", true
	}

	res, seen := c.modified[p.DatasetID]
	if !seen {
		res.modified, res.err = c.m.gateway.GetModified(ctx, p.DatasetID)
		c.modified[p.DatasetID] = res
	}
	if metax.IsNotFound(res.err) {
		return "dataset not found", true
	}
	if res.err != nil {
		c.m.logger.Warn().Err(res.err).
			Str("filename", p.Filename).
			Str("dataset_id", p.DatasetID).
			Msg("Error checking validity of package")
		return "", false
	}
	if p.GeneratedAt.Before(res.modified) {
		return fmt.Sprintf("generated %s before dataset was modified %s",
			p.GeneratedAt.Format(time.RFC3339), res.modified.Format(time.RFC3339)), true
	}
	return "", false
}

// Cleanup evicts packages when usage exceeds the purge threshold, until
// usage is brought down to the purge target
func (m *Manager) Cleanup(ctx context.Context) (*Report, error) {
	m.logger.Info().Msg("Performing package cache cleanup to increase available cache storage space")

	stats, err := m.store.GetCacheStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache stats: %w", err)
	}
	m.metrics.RecordCacheUsage(stats.Packages, stats.UsageBytes)

	report := &Report{Operation: "cleanup"}
	if stats.UsageBytes <= 0 || stats.UsageBytes <= m.cfg.PurgeThreshold {
		report.Message = "Cache storage consumption is acceptable"
		m.logger.Debug().Int64("usage_bytes", stats.UsageBytes).Msg(report.Message)
		return report, nil
	}

	clearSize := stats.UsageBytes - m.cfg.PurgeTarget
	active, err := m.store.ListActivePackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active packages: %w", err)
	}

	sel := SelectPackagesToBeRemoved(m.now(), clearSize, active)
	m.logger.Info().
		Int64("usage_bytes", stats.UsageBytes).
		Int64("clear_bytes", clearSize).
		Int("expired", len(sel.Expired)).
		Int("ranked", len(sel.Ranked)).
		Int("remove", len(sel.Remove)).
		Msg("Selected packages for eviction")

	if len(sel.Remove) == 0 {
		report.Message = "No packages needed to be removed from the cache"
		return report, nil
	}

	removed, err := m.remove(ctx, sel.Remove, "evicted")
	if err != nil {
		return nil, err
	}
	report.Removed = removed
	report.Message = fmt.Sprintf("Removed %d packages to free %d bytes", len(removed), clearSize)
	return report, nil
}

// Flush removes every package record and every file in the cache directory
func (m *Manager) Flush(ctx context.Context) (*Report, error) {
	m.logger.Warn().Msg("Flushing package cache")

	deleted, err := m.store.DeleteAllPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to delete package records: %w", err)
	}

	files, err := m.files.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}

	removed := make([]string, 0, len(files))
	for _, f := range files {
		if err := m.files.Delete(ctx, f.Name); err != nil {
			m.logger.Error().Err(err).Str("filename", f.Name).Msg("Failed to remove cache file")
			continue
		}
		removed = append(removed, f.Name)
	}

	m.metrics.RecordPackagesRemoved("flushed", deleted)
	m.metrics.RecordCacheUsage(0, 0)

	return &Report{
		Operation: "flush",
		Message:   fmt.Sprintf("Removed %d package records and %d files", deleted, len(removed)),
		Removed:   removed,
	}, nil
}

// Stats returns the package count, total bytes and size extremes
func (m *Manager) Stats(ctx context.Context) (database.CacheStats, error) {
	stats, err := m.store.GetCacheStats(ctx)
	if err != nil {
		return database.CacheStats{}, fmt.Errorf("failed to get cache stats: %w", err)
	}
	m.metrics.RecordCacheUsage(stats.Packages, stats.UsageBytes)
	return stats, nil
}

// remove deletes the package records, then the files. A file that cannot be
// deleted is left for the ghost purge.
func (m *Manager) remove(ctx context.Context, pkgs []database.ActivePackage, reason string) ([]string, error) {
	names := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		names = append(names, p.Filename)
	}

	if _, err := m.store.DeletePackages(ctx, names); err != nil {
		return nil, fmt.Errorf("failed to delete %s package records: %w", reason, err)
	}

	for _, name := range names {
		if err := m.files.Delete(ctx, name); err != nil {
			m.logger.Error().Err(err).Str("filename", name).Msg("Failed to remove package file")
		}
	}

	m.metrics.RecordPackagesRemoved(reason, len(names))
	m.logger.Info().Str("reason", reason).Strs("filenames", names).Msgf("Removed %d packages", len(names))
	return names, nil
}
