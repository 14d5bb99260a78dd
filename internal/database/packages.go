package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CompleteTaskWithPackage records the package and marks its task SUCCESS in
// one transaction, so a successful task always has a completion time
func (s *Store) CompleteTaskWithPackage(ctx context.Context, pkg Package) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO package (filename, size_bytes, checksum, generated_by)
			VALUES ($1, $2, $3, $4)
		`, pkg.Filename, pkg.SizeBytes, pkg.Checksum, pkg.GeneratedBy); err != nil {
			return fmt.Errorf("failed to insert package: %w", translate(err))
		}

		tag, err := tx.Exec(ctx, `
			UPDATE generate_task
			SET status = 'SUCCESS', date_done = NOW(), error_message = NULL
			WHERE task_id = $1
		`, pkg.GeneratedBy)
		if err != nil {
			return fmt.Errorf("failed to mark task successful: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetPackageForTask returns the package produced by a task
func (s *Store) GetPackageForTask(ctx context.Context, taskID string) (*Package, error) {
	var pkg Package
	err := s.pool.QueryRow(ctx, `
		SELECT filename, size_bytes, checksum, generated_by
		FROM package
		WHERE generated_by = $1
	`, taskID).Scan(&pkg.Filename, &pkg.SizeBytes, &pkg.Checksum, &pkg.GeneratedBy)
	if err != nil {
		return nil, translate(err)
	}
	return &pkg, nil
}

// ListPackageFilenames returns the filename of every package row
func (s *Store) ListPackageFilenames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT filename FROM package ORDER BY filename`)
	if err != nil {
		return nil, fmt.Errorf("failed to query package filenames: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan package filenames: %w", err)
	}
	return names, nil
}

// ListActivePackages returns every package with its generation time and
// successful download activity
func (s *Store) ListActivePackages(ctx context.Context) ([]ActivePackage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.filename, t.dataset_id, t.task_id, p.size_bytes, p.checksum,
		       COALESCE(t.date_done, t.initiated) AS generated_at,
		       COUNT(d.id) FILTER (WHERE d.status = 'SUCCESSFUL') AS downloads,
		       MAX(d.started) FILTER (WHERE d.status = 'SUCCESSFUL') AS last_downloaded
		FROM package p
		JOIN generate_task t ON t.task_id = p.generated_by
		LEFT JOIN download d ON d.package = p.filename
		GROUP BY p.filename, t.dataset_id, t.task_id, p.size_bytes, p.checksum, t.date_done, t.initiated
		ORDER BY p.filename
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active packages: %w", err)
	}
	defer rows.Close()

	packages := make([]ActivePackage, 0)
	for rows.Next() {
		var p ActivePackage
		if err := rows.Scan(
			&p.Filename, &p.DatasetID, &p.TaskID, &p.SizeBytes, &p.Checksum,
			&p.GeneratedAt, &p.Downloads, &p.LastDownloaded,
		); err != nil {
			return nil, fmt.Errorf("failed to scan active package: %w", err)
		}
		p.GeneratedAt = p.GeneratedAt.UTC()
		if p.LastDownloaded != nil {
			last := p.LastDownloaded.UTC()
			p.LastDownloaded = &last
		}
		packages = append(packages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active packages: %w", err)
	}
	return packages, nil
}

// DeletePackages removes the named packages together with their tasks. Scope,
// request, subscription, authorization and download rows go with them.
// Returns the number of packages deleted.
func (s *Store) DeletePackages(ctx context.Context, filenames []string) (int, error) {
	if len(filenames) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM generate_task
		WHERE task_id IN (SELECT generated_by FROM package WHERE filename = ANY($1))
	`, filenames)
	if err != nil {
		return 0, fmt.Errorf("failed to delete packages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteAllPackages removes every package and its task
func (s *Store) DeleteAllPackages(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM generate_task
		WHERE task_id IN (SELECT generated_by FROM package)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete packages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetCacheStats returns package count, total bytes and size extremes
func (s *Store) GetCacheStats(ctx context.Context) (CacheStats, error) {
	var stats CacheStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0)::BIGINT,
		       COALESCE(MAX(size_bytes), 0), COALESCE(MIN(size_bytes), 0)
		FROM package
	`).Scan(&stats.Packages, &stats.UsageBytes, &stats.LargestBytes, &stats.SmallestBytes)
	if err != nil {
		return CacheStats{}, fmt.Errorf("failed to query cache stats: %w", err)
	}
	return stats, nil
}
