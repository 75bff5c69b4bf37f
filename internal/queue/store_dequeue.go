package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"stagehand/internal/logging"
	"stagehand/internal/sqlitedb"
)

// stolenLock describes a stale holder displaced by Dequeue.
type stolenLock struct {
	owner    string
	lockedAt string
	pid      int64
	failed   bool
}

// Dequeue claims the oldest runnable waiting row of stage. It returns nil
// when the stage lock is held by a live owner or when nothing is runnable.
//
// A row is runnable when every earlier stage of the same task has completed.
// The lock check, the stale-lock steal, the row transition, the attempt log
// entry, and the lock acquisition happen in one immediate transaction.
func (s *Store) Dequeue(ctx context.Context, stage Stage) (*StageRecord, error) {
	if err := validateStage(stage, "dequeue"); err != nil {
		return nil, err
	}
	ctx = sqlitedb.EnsureContext(ctx)

	var (
		claimed  *StageRecord
		stolen   *stolenLock
		conflict bool
	)
	err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		claimed, stolen, conflict = nil, nil, false
		now := s.now()
		nowStr := sqlitedb.FormatTime(now)

		held, err := s.readLockTx(ctx, tx, stage)
		if err != nil {
			return err
		}
		if held != nil {
			if held.lockedAt >= s.staleCutoff(now) {
				conflict = true
				return nil
			}
			stolen = held
			if stolen.failed, err = s.expireHolderTx(ctx, tx, stage, held, nowStr); err != nil {
				return err
			}
		}

		rec, err := s.nextRunnableTx(ctx, tx, stage)
		if err != nil || rec == nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE stage_queue
			SET status = ?, started_at = ?, completed_at = NULL, error = NULL
			WHERE task_id = ? AND type = ? AND status = ?`,
			StatusProcessing, nowStr, rec.TaskID, string(stage), StatusWaiting)
		if err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}

		var previous int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM stage_attempt_log WHERE task_id = ? AND type = ?`,
			rec.TaskID, string(stage)).Scan(&previous); err != nil {
			return fmt.Errorf("count attempts: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_attempt_log (task_id, type, retry_count, start_time) VALUES (?, ?, ?, ?)`,
			rec.TaskID, string(stage), previous, nowStr); err != nil {
			return fmt.Errorf("append attempt log: %w", err)
		}

		res, err = tx.ExecContext(ctx, `UPDATE stage_lock
			SET holder_task_id = ?, locked_at = ?, holder_pid = ?
			WHERE type = ? AND (holder_task_id IS NULL OR locked_at IS NULL OR locked_at < ?)`,
			rec.TaskID, nowStr, sqlitedb.NullableInt(s.pid), string(stage), s.staleCutoff(now))
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return errLockRace
		}

		started := now
		rec.Status = StatusProcessing
		rec.StartedAt = &started
		rec.CompletedAt = nil
		rec.Error = ""
		claimed = rec
		return nil
	})
	if errors.Is(err, errLockRace) {
		conflict, claimed, err = true, nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", stage, err)
	}

	if stolen != nil {
		s.metrics.LockStolen(ctx, string(stage))
		logging.WarnWithContext(s.logger, "stale stage lock reclaimed", "lock_stolen",
			logging.Stage(string(stage)),
			logging.String("previous_owner", stolen.owner),
			logging.Int64("previous_pid", stolen.pid),
			logging.String("locked_at", stolen.lockedAt),
			logging.Bool("previous_row_failed", stolen.failed),
			logging.String(logging.FieldErrorHint, "the previous holder stopped refreshing its lock; check its worker log"),
			logging.String(logging.FieldImpact, "previous attempt marked failed; stage lock reassigned"),
		)
	}
	if conflict {
		s.metrics.LockConflict(ctx, string(stage))
		return nil, nil
	}
	if claimed != nil {
		s.metrics.StageDequeued(ctx, string(stage))
		s.logger.Debug("stage dequeued",
			logging.TaskID(claimed.TaskID),
			logging.Stage(string(stage)),
		)
	}
	return claimed, nil
}

var errLockRace = errors.New("stage lock changed during dequeue")

func (s *Store) readLockTx(ctx context.Context, tx *sql.Tx, stage Stage) (*stolenLock, error) {
	var (
		holder   sql.NullString
		lockedAt sql.NullString
		pid      sql.NullInt64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT holder_task_id, locked_at, holder_pid FROM stage_lock WHERE type = ?`, string(stage),
	).Scan(&holder, &lockedAt, &pid)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO stage_lock (type) VALUES (?)`, string(stage)); err != nil {
			return nil, fmt.Errorf("seed stage lock: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stage lock: %w", err)
	}
	if !holder.Valid || holder.String == "" {
		return nil, nil
	}
	return &stolenLock{owner: holder.String, lockedAt: lockedAt.String, pid: pid.Int64}, nil
}

// expireHolderTx fails the displaced holder's row if it is still processing,
// closes its attempt log, and clears the lock.
func (s *Store) expireHolderTx(ctx context.Context, tx *sql.Tx, stage Stage, held *stolenLock, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE stage_queue
		SET status = ?, error = ?, completed_at = ?
		WHERE task_id = ? AND type = ? AND status = ?`,
		StatusFailed, LockExpiredReason, now, held.owner, string(stage), StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("fail expired holder: %w", err)
	}
	failed, _ := res.RowsAffected()
	if err := closeAttemptTx(ctx, tx, held.owner, stage, now); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE stage_lock
		SET holder_task_id = NULL, locked_at = NULL, holder_pid = NULL
		WHERE type = ? AND holder_task_id = ?`, string(stage), held.owner); err != nil {
		return false, fmt.Errorf("clear expired lock: %w", err)
	}
	return failed == 1, nil
}

func (s *Store) nextRunnableTx(ctx context.Context, tx *sql.Tx, stage Stage) (*StageRecord, error) {
	query := `SELECT ` + prefixColumns("q") + ` FROM stage_queue q
		WHERE q.type = ? AND q.status = ?`
	args := []any{string(stage), StatusWaiting}
	if prev := stage.previous(); len(prev) > 0 {
		query += ` AND NOT EXISTS (
			SELECT 1 FROM stage_queue p
			WHERE p.task_id = q.task_id AND p.type IN (` + sqlitedb.Placeholders(len(prev)) + `) AND p.status != ?)`
		args = append(args, stageArgs(prev)...)
		args = append(args, StatusCompleted)
	}
	query += ` ORDER BY q.created_at ASC, q.rowid ASC LIMIT 1`

	rec, err := scanRecord(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next waiting row: %w", err)
	}
	return rec, nil
}

func closeAttemptTx(ctx context.Context, tx *sql.Tx, taskID string, stage Stage, now string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE stage_attempt_log SET end_time = ?
		WHERE task_id = ? AND type = ? AND end_time IS NULL`, now, taskID, string(stage)); err != nil {
		return fmt.Errorf("close attempt log: %w", err)
	}
	return nil
}

func prefixColumns(alias string) string {
	cols := strings.Split(recordColumns, ", ")
	for i, col := range cols {
		cols[i] = alias + "." + col
	}
	return strings.Join(cols, ", ")
}

// Attempts returns the attempt history for a stage row, oldest first.
func (s *Store) Attempts(ctx context.Context, taskID string, stage Stage) ([]AttemptLog, error) {
	rows, err := s.db.QueryContext(sqlitedb.EnsureContext(ctx), `SELECT id, task_id, type, retry_count, start_time, end_time
		FROM stage_attempt_log WHERE task_id = ? AND type = ? ORDER BY id`, taskID, string(stage))
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []AttemptLog
	for rows.Next() {
		var (
			entry    AttemptLog
			stageStr string
			startRaw string
			endRaw   sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.TaskID, &stageStr, &entry.RetryCount, &startRaw, &endRaw); err != nil {
			return nil, err
		}
		entry.Stage = Stage(stageStr)
		if t, err := sqlitedb.ParseTime(startRaw); err == nil {
			entry.StartTime = t
		}
		entry.EndTime = sqlitedb.ParseNullTime(endRaw)
		out = append(out, entry)
	}
	return out, rows.Err()
}
