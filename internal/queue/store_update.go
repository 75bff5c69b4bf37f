package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"stagehand/internal/services"
	"stagehand/internal/sqlitedb"
)

// UpdateTask applies a partial update to one stage row. Moving a row to any
// status other than processing stamps completed_at for terminal statuses,
// closes the open attempt log entry, and releases the stage lock if this
// task holds it. Setting processing directly is rejected; only Dequeue may
// do that.
func (s *Store) UpdateTask(ctx context.Context, taskID string, stage Stage, upd TaskUpdate) error {
	if err := validateStage(stage, "update task"); err != nil {
		return err
	}
	if upd.Status != "" {
		if _, ok := ParseStatus(string(upd.Status)); !ok {
			return services.Wrap(services.ErrValidation, string(stage), "update task", fmt.Sprintf("unknown status %q", upd.Status), nil)
		}
		if upd.Status == StatusProcessing {
			return services.Wrap(services.ErrValidation, string(stage), "update task", "processing is set by dequeue only", nil)
		}
	}

	var (
		sets []string
		args []any
	)
	now := sqlitedb.FormatTime(s.now())
	if upd.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(upd.Status))
		if upd.Status.IsTerminal() {
			sets = append(sets, "completed_at = ?")
			args = append(args, now)
		} else {
			sets = append(sets, "completed_at = NULL", "started_at = NULL")
		}
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, sqlitedb.NullableString(*upd.Error))
	}
	if upd.Logs != nil {
		sets = append(sets, "logs = ?")
		args = append(args, sqlitedb.NullableString(*upd.Logs))
	}
	if upd.AppendLogs != "" {
		sets = append(sets, "logs = CASE WHEN logs IS NULL OR logs = '' THEN ? ELSE logs || char(10) || ? END")
		args = append(args, upd.AppendLogs, upd.AppendLogs)
	}
	if len(upd.Metadata) > 0 {
		metadata, err := nullableJSON(upd.Metadata)
		if err != nil {
			return services.Wrap(services.ErrValidation, string(stage), "update task", err.Error(), nil)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, taskID, string(stage))

	err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE stage_queue SET `+strings.Join(sets, ", ")+` WHERE task_id = ? AND type = ?`, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return services.Wrap(services.ErrNotFound, string(stage), "update task", "no row for task "+taskID, nil)
		}
		if upd.Status == "" {
			return nil
		}
		if err := closeAttemptTx(ctx, tx, taskID, stage, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE stage_lock
			SET holder_task_id = NULL, locked_at = NULL, holder_pid = NULL
			WHERE type = ? AND holder_task_id = ?`, string(stage), taskID); err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update task %s/%s: %w", taskID, stage, err)
	}
	return nil
}

// Cancel moves waiting rows of a task to cancelled. With a nil stage every
// waiting row of the task is cancelled. Rows in any other status are left alone.
func (s *Store) Cancel(ctx context.Context, taskID string, stage *Stage) (int64, error) {
	query := `UPDATE stage_queue SET status = ?, error = ?, completed_at = ?
		WHERE task_id = ? AND status = ?`
	args := []any{StatusCancelled, CancelledByUser, sqlitedb.FormatTime(s.now()), taskID, StatusWaiting}
	if stage != nil {
		if err := validateStage(*stage, "cancel"); err != nil {
			return 0, err
		}
		query += " AND type = ?"
		args = append(args, string(*stage))
	}
	res, err := sqlitedb.Exec(ctx, s.db, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cancel %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("stage rows cancelled", "task_id", taskID, "count", n)
	}
	return n, nil
}

// RetryFailed moves failed rows back to waiting and clears their error. An
// empty taskID retries every failed row; a nil stage matches all stages.
func (s *Store) RetryFailed(ctx context.Context, taskID string, stage *Stage) (int64, error) {
	query := `UPDATE stage_queue SET status = ?, error = NULL, started_at = NULL, completed_at = NULL
		WHERE status = ?`
	args := []any{StatusWaiting, StatusFailed}
	if taskID != "" {
		query += " AND task_id = ?"
		args = append(args, taskID)
	}
	if stage != nil {
		if err := validateStage(*stage, "retry"); err != nil {
			return 0, err
		}
		query += " AND type = ?"
		args = append(args, string(*stage))
	}
	res, err := sqlitedb.Exec(ctx, s.db, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry failed rows: %w", err)
	}
	return res.RowsAffected()
}
