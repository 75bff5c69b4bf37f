package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stagehand/internal/services"
	"stagehand/internal/sqlitedb"
)

func validateStage(stage Stage, op string) error {
	if !stage.Valid() {
		return services.Wrap(services.ErrValidation, string(stage), op, "unknown stage", nil)
	}
	return nil
}

// AcquireLock takes the lock for stage on behalf of ownerID. It succeeds when
// the lock is free or stale; a stale lock is stolen. The check and the write
// are a single conditional UPDATE, so concurrent acquirers cannot both win.
func (s *Store) AcquireLock(ctx context.Context, stage Stage, ownerID string, pid int) (bool, error) {
	if err := validateStage(stage, "acquire lock"); err != nil {
		return false, err
	}
	if ownerID == "" {
		return false, services.Wrap(services.ErrValidation, string(stage), "acquire lock", "owner is required", nil)
	}
	now := s.now()
	res, err := sqlitedb.Exec(ctx, s.db, `UPDATE stage_lock
		SET holder_task_id = ?, locked_at = ?, holder_pid = ?
		WHERE type = ? AND (holder_task_id IS NULL OR locked_at IS NULL OR locked_at < ?)`,
		ownerID, sqlitedb.FormatTime(now), sqlitedb.NullableInt(pid), string(stage), s.staleCutoff(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", stage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s rows affected: %w", stage, err)
	}
	return affected == 1, nil
}

// ReleaseLock clears the lock for stage only while ownerID holds it.
func (s *Store) ReleaseLock(ctx context.Context, stage Stage, ownerID string) (bool, error) {
	if err := validateStage(stage, "release lock"); err != nil {
		return false, err
	}
	res, err := sqlitedb.Exec(ctx, s.db, `UPDATE stage_lock
		SET holder_task_id = NULL, locked_at = NULL, holder_pid = NULL
		WHERE type = ? AND holder_task_id = ?`,
		string(stage), ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", stage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock %s rows affected: %w", stage, err)
	}
	return affected == 1, nil
}

// RefreshLock bumps locked_at while ownerID still holds a non-stale lock.
// A false result means the lock was released or stolen.
func (s *Store) RefreshLock(ctx context.Context, stage Stage, ownerID string) (bool, error) {
	if err := validateStage(stage, "refresh lock"); err != nil {
		return false, err
	}
	now := s.now()
	res, err := sqlitedb.Exec(ctx, s.db, `UPDATE stage_lock
		SET locked_at = ?
		WHERE type = ? AND holder_task_id = ? AND locked_at >= ?`,
		sqlitedb.FormatTime(now), string(stage), ownerID, s.staleCutoff(now),
	)
	if err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", stage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("refresh lock %s rows affected: %w", stage, err)
	}
	return affected == 1, nil
}

// CheckLock reports the current state of the lock for stage.
func (s *Store) CheckLock(ctx context.Context, stage Stage) (LockStatus, error) {
	if err := validateStage(stage, "check lock"); err != nil {
		return LockStatus{}, err
	}
	row := s.db.QueryRowContext(sqlitedb.EnsureContext(ctx),
		`SELECT type, holder_task_id, locked_at, holder_pid FROM stage_lock WHERE type = ?`, string(stage))
	status, err := s.scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LockStatus{Stage: stage}, nil
	}
	if err != nil {
		return LockStatus{}, fmt.Errorf("check lock %s: %w", stage, err)
	}
	return status, nil
}

// Locks lists every stage lock in pipeline order.
func (s *Store) Locks(ctx context.Context) ([]LockStatus, error) {
	rows, err := s.db.QueryContext(sqlitedb.EnsureContext(ctx),
		`SELECT type, holder_task_id, locked_at, holder_pid FROM stage_lock ORDER BY `+stageOrderSQL)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()
	var out []LockStatus
	for rows.Next() {
		status, err := s.scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, rows.Err()
}

// CleanupStaleLocks clears every lock held for longer than threshold.
func (s *Store) CleanupStaleLocks(ctx context.Context, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		threshold = s.lockTimeout
	}
	cutoff := sqlitedb.FormatTime(s.now().Add(-threshold))
	res, err := sqlitedb.Exec(ctx, s.db, `UPDATE stage_lock
		SET holder_task_id = NULL, locked_at = NULL, holder_pid = NULL
		WHERE holder_task_id IS NOT NULL AND locked_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale locks: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) scanLock(scanner rowScanner) (LockStatus, error) {
	var (
		stage    string
		holder   sql.NullString
		lockedAt sql.NullString
		pid      sql.NullInt64
	)
	if err := scanner.Scan(&stage, &holder, &lockedAt, &pid); err != nil {
		return LockStatus{}, err
	}
	status := LockStatus{
		Stage:    Stage(stage),
		Locked:   holder.Valid && holder.String != "",
		Owner:    holder.String,
		LockedAt: sqlitedb.ParseNullTime(lockedAt),
		PID:      int(pid.Int64),
	}
	if status.Locked && status.LockedAt != nil {
		status.Stale = s.now().Sub(*status.LockedAt) > s.lockTimeout
	}
	return status, nil
}
