package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stagehand/internal/sqlitedb"
)

// RecoveryOutcome lists what a recovery sweep changed.
type RecoveryOutcome struct {
	Recovered     []StageRef
	LocksReleased int
}

// RecoverProcessing fails processing rows whose owner is presumed dead and
// clears their locks, in one transaction.
//
// With olderThan == 0 (boot mode) every lock carrying a pid is cleared and
// every processing row is failed. With olderThan > 0 only locks not refreshed
// within the window are cleared, and only rows started before the window
// whose stage lock is not freshly held by the same task are failed.
func (s *Store) RecoverProcessing(ctx context.Context, olderThan time.Duration, reason string) (RecoveryOutcome, error) {
	var out RecoveryOutcome
	err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		out = RecoveryOutcome{}
		now := s.now()
		nowStr := sqlitedb.FormatTime(now)

		rowFilter := `status = ?`
		rowArgs := []any{StatusProcessing}
		lockFilter := `holder_pid IS NOT NULL`
		var lockArgs []any
		if olderThan > 0 {
			cutoff := sqlitedb.FormatTime(now.Add(-olderThan))
			rowFilter += ` AND (started_at IS NULL OR started_at < ?)
				AND NOT EXISTS (SELECT 1 FROM stage_lock l
					WHERE l.type = stage_queue.type AND l.holder_task_id = stage_queue.task_id AND l.locked_at >= ?)`
			rowArgs = append(rowArgs, cutoff, cutoff)
			lockFilter = `holder_task_id IS NOT NULL AND locked_at < ?`
			lockArgs = append(lockArgs, cutoff)
		}

		rows, err := tx.QueryContext(ctx, `SELECT task_id, type FROM stage_queue WHERE `+rowFilter+` ORDER BY started_at`, rowArgs...)
		if err != nil {
			return fmt.Errorf("select processing rows: %w", err)
		}
		for rows.Next() {
			var ref StageRef
			var stage string
			if err := rows.Scan(&ref.TaskID, &stage); err != nil {
				rows.Close()
				return err
			}
			ref.Stage = Stage(stage)
			out.Recovered = append(out.Recovered, ref)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE stage_lock
			SET holder_task_id = NULL, locked_at = NULL, holder_pid = NULL
			WHERE `+lockFilter, lockArgs...)
		if err != nil {
			return fmt.Errorf("clear locks: %w", err)
		}
		n, _ := res.RowsAffected()
		out.LocksReleased = int(n)

		for _, ref := range out.Recovered {
			if _, err := tx.ExecContext(ctx, `UPDATE stage_queue SET status = ?, error = ?, completed_at = ?
				WHERE task_id = ? AND type = ? AND status = ?`,
				StatusFailed, reason, nowStr, ref.TaskID, string(ref.Stage), StatusProcessing); err != nil {
				return fmt.Errorf("fail %s: %w", ref, err)
			}
			if err := closeAttemptTx(ctx, tx, ref.TaskID, ref.Stage, nowStr); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `UPDATE stage_lock
				SET holder_task_id = NULL, locked_at = NULL, holder_pid = NULL
				WHERE type = ? AND holder_task_id = ?`, string(ref.Stage), ref.TaskID)
			if err != nil {
				return fmt.Errorf("release lock for %s: %w", ref, err)
			}
			n, _ := res.RowsAffected()
			out.LocksReleased += int(n)
		}

		return nil
	})
	if err != nil {
		return RecoveryOutcome{}, fmt.Errorf("recover processing rows: %w", err)
	}
	return out, nil
}
