package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"stagehand/internal/sqlitedb"
)

// DefaultStuckThreshold is the processing age after which GetHealthStatus reports a row.
const DefaultStuckThreshold = 10 * time.Minute

// DefaultCleanupDays is the retention window for Cleanup.
const DefaultCleanupDays = 30

// GetSummary counts rows per stage and status. Cancelled rows are excluded.
func (s *Store) GetSummary(ctx context.Context) (Summary, error) {
	rows, err := s.db.QueryContext(sqlitedb.EnsureContext(ctx),
		`SELECT type, status, COUNT(1) FROM stage_queue WHERE status != ? GROUP BY type, status`, StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("queue summary: %w", err)
	}
	defer rows.Close()

	summary := make(Summary, len(stageOrder))
	for _, stage := range stageOrder {
		summary[stage] = StageCounts{}
	}
	for rows.Next() {
		var (
			stage  string
			status string
			count  int
		)
		if err := rows.Scan(&stage, &status, &count); err != nil {
			return nil, err
		}
		counts := summary[Stage(stage)]
		switch Status(status) {
		case StatusWaiting:
			counts.Waiting += count
		case StatusProcessing:
			counts.Processing += count
		case StatusCompleted:
			counts.Completed += count
		case StatusFailed:
			counts.Failed += count
		}
		summary[Stage(stage)] = counts
	}
	return summary, rows.Err()
}

// GetHealthStatus lists rows processing for longer than threshold.
func (s *Store) GetHealthStatus(ctx context.Context, threshold time.Duration) (HealthStatus, error) {
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	cutoff := sqlitedb.FormatTime(s.now().Add(-threshold))
	rows, err := s.db.QueryContext(sqlitedb.EnsureContext(ctx),
		`SELECT `+recordColumns+` FROM stage_queue
		WHERE status = ? AND started_at < ?
		ORDER BY started_at`, StatusProcessing, cutoff)
	if err != nil {
		return HealthStatus{}, fmt.Errorf("health status: %w", err)
	}
	stuck, err := scanRecords(rows)
	if err != nil {
		return HealthStatus{}, err
	}
	return HealthStatus{Healthy: len(stuck) == 0, Threshold: threshold, Stuck: stuck}, nil
}

// Cleanup deletes completed and failed rows finished more than daysOld days
// ago. Waiting rows that follow an expiring failed stage of the same task are
// cancelled first, so they never run without their predecessor.
func (s *Store) Cleanup(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		daysOld = DefaultCleanupDays
	}
	ctx = sqlitedb.EnsureContext(ctx)
	now := s.now()
	nowStr := sqlitedb.FormatTime(now)
	cutoff := sqlitedb.FormatTime(now.AddDate(0, 0, -daysOld))

	var removed, orphaned int64
	err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		removed, orphaned = 0, 0
		n, err := cancelOrphanedTx(ctx, tx, cutoff, nowStr)
		if err != nil {
			return err
		}
		orphaned = n

		res, err := tx.ExecContext(ctx, `DELETE FROM stage_queue
			WHERE status IN (?, ?) AND completed_at < ?`, StatusCompleted, StatusFailed, cutoff)
		if err != nil {
			return err
		}
		if removed, err = res.RowsAffected(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM stage_attempt_log
			WHERE end_time IS NOT NULL AND end_time < ?
			  AND NOT EXISTS (SELECT 1 FROM stage_queue q WHERE q.task_id = stage_attempt_log.task_id AND q.type = stage_attempt_log.type)`,
			cutoff); err != nil {
			return fmt.Errorf("attempt log: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if orphaned > 0 {
		s.logger.Info("waiting rows behind expired failures cancelled", "count", orphaned)
	}
	if removed > 0 {
		s.logger.Info("old stage rows removed", "count", removed, "days_old", daysOld)
	}
	return removed, nil
}

// cancelOrphanedTx cancels waiting rows of stages after a failed row that
// Cleanup is about to delete.
func cancelOrphanedTx(ctx context.Context, tx *sql.Tx, cutoff, now string) (int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT task_id, type FROM stage_queue
		WHERE status = ? AND completed_at < ?`, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expiring failures: %w", err)
	}
	type failure struct {
		taskID string
		stage  Stage
	}
	var failures []failure
	for rows.Next() {
		var f failure
		var stage string
		if err := rows.Scan(&f.taskID, &stage); err != nil {
			rows.Close()
			return 0, err
		}
		f.stage = Stage(stage)
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	var total int64
	for _, f := range failures {
		later := f.stage.following()
		if len(later) == 0 {
			continue
		}
		args := []any{StatusCancelled, PredecessorFailedReason, now, f.taskID, StatusWaiting}
		args = append(args, stageArgs(later)...)
		res, err := tx.ExecContext(ctx, `UPDATE stage_queue SET status = ?, error = ?, completed_at = ?
			WHERE task_id = ? AND status = ? AND type IN (`+sqlitedb.Placeholders(len(later))+`)`, args...)
		if err != nil {
			return 0, fmt.Errorf("cancel waiting rows of %s: %w", f.taskID, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// ClearAll deletes every stage row and attempt log entry and frees every lock.
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	var removed int64
	err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM stage_queue`)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx, `DELETE FROM stage_attempt_log`); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE stage_lock SET holder_task_id = NULL, locked_at = NULL, holder_pid = NULL`)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return removed, nil
}

// CheckHealth returns diagnostic information about the queue database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}
	if s.path == "" {
		return health, errors.New("queue database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat queue database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("queue database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	connCtx, cancel := context.WithTimeout(sqlitedb.EnsureContext(ctx), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping queue database: %w", err)
	}
	health.DatabaseReadable = true

	for _, table := range requiredTables {
		var name string
		err := s.db.QueryRowContext(connCtx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			health.MissingTables = append(health.MissingTables, table)
		case err != nil:
			health.Error = err.Error()
			return health, fmt.Errorf("query table %s: %w", table, err)
		default:
			health.TablesPresent = append(health.TablesPresent, table)
		}
	}
	if len(health.MissingTables) > 0 {
		return health, nil
	}

	if err := s.db.QueryRowContext(connCtx, "SELECT version FROM schema_version LIMIT 1").Scan(&health.SchemaVersion); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}
	if err := s.db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM stage_queue").Scan(&health.TotalRows); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("count stage rows: %w", err)
	}

	var integrityResult string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrityResult); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrityResult, "ok")
	return health, nil
}
