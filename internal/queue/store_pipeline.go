package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stagehand/internal/services"
	"stagehand/internal/sqlitedb"
)

// upsertSQL inserts a waiting row. A retried create resets terminal or
// waiting rows but never touches a row that is currently processing.
const upsertSQL = `INSERT INTO stage_queue (task_id, type, status, created_at, owner_id, metadata)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(task_id, type) DO UPDATE SET
		status = excluded.status,
		owner_id = excluded.owner_id,
		metadata = excluded.metadata,
		started_at = NULL,
		completed_at = NULL,
		error = NULL
	WHERE stage_queue.status != 'processing'`

// NewTaskID returns "<unix-ms>_<8 hex chars>".
func (s *Store) NewTaskID() string {
	prefix, _, _ := strings.Cut(uuid.NewString(), "-")
	return fmt.Sprintf("%d_%s", s.now().UnixMilli(), prefix)
}

// CreatePipeline inserts one waiting row per stage for a task and returns its id.
func (s *Store) CreatePipeline(ctx context.Context, req PipelineRequest) (string, error) {
	metadata, err := nullableJSON(req.Metadata)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "", "create pipeline", err.Error(), nil)
	}
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		taskID = s.NewTaskID()
	}
	err = sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		created := sqlitedb.FormatTime(s.now())
		for _, stage := range stageOrder {
			if _, err := tx.ExecContext(ctx, upsertSQL,
				taskID, string(stage), StatusWaiting, created, sqlitedb.NullableString(req.OwnerID), metadata,
			); err != nil {
				return fmt.Errorf("insert %s row: %w", stage, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create pipeline %s: %w", taskID, err)
	}
	s.logger.Info("pipeline created",
		"task_id", taskID,
		"owner_id", req.OwnerID,
		"stages", len(stageOrder),
	)
	return taskID, nil
}

// Enqueue upserts a single waiting row.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*StageRecord, error) {
	if err := validateStage(req.Stage, "enqueue"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.TaskID) == "" {
		return nil, services.Wrap(services.ErrValidation, string(req.Stage), "enqueue", "task id is required", nil)
	}
	metadata, err := nullableJSON(req.Metadata)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, string(req.Stage), "enqueue", err.Error(), nil)
	}
	if _, err := sqlitedb.Exec(ctx, s.db, upsertSQL,
		req.TaskID, string(req.Stage), StatusWaiting, sqlitedb.FormatTime(s.now()), sqlitedb.NullableString(req.OwnerID), metadata,
	); err != nil {
		return nil, fmt.Errorf("enqueue %s/%s: %w", req.TaskID, req.Stage, err)
	}
	return s.GetTask(ctx, req.TaskID, req.Stage)
}

// GetTask fetches one stage row. It returns nil when the row does not exist.
func (s *Store) GetTask(ctx context.Context, taskID string, stage Stage) (*StageRecord, error) {
	row := s.db.QueryRowContext(sqlitedb.EnsureContext(ctx),
		`SELECT `+recordColumns+` FROM stage_queue WHERE task_id = ? AND type = ?`, taskID, string(stage))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s/%s: %w", taskID, stage, err)
	}
	return rec, nil
}

// GetPipeline returns every stage row of a task in pipeline order.
func (s *Store) GetPipeline(ctx context.Context, taskID string) ([]*StageRecord, error) {
	rows, err := s.db.QueryContext(sqlitedb.EnsureContext(ctx),
		`SELECT `+recordColumns+` FROM stage_queue WHERE task_id = ? ORDER BY `+stageOrderSQL, taskID)
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", taskID, err)
	}
	return scanRecords(rows)
}

// CurrentStage reports where a task stands: the processing row, else the
// first failed row, else the first waiting row, else the last completed row.
func (s *Store) CurrentStage(ctx context.Context, taskID string) (*StageRecord, error) {
	pipeline, err := s.GetPipeline(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, want := range []Status{StatusProcessing, StatusFailed, StatusWaiting} {
		for _, rec := range pipeline {
			if rec.Status == want {
				return rec, nil
			}
		}
	}
	var last *StageRecord
	for _, rec := range pipeline {
		if rec.Status == StatusCompleted {
			last = rec
		}
	}
	return last, nil
}

// List returns stage rows matching filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*StageRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Stage != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	query := `SELECT ` + recordColumns + ` FROM stage_queue`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}
	rows, err := s.db.QueryContext(sqlitedb.EnsureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stage rows: %w", err)
	}
	return scanRecords(rows)
}

// GetPosition counts waiting rows of the same stage created before this one.
// ok is false when the row is missing or not waiting.
func (s *Store) GetPosition(ctx context.Context, taskID string, stage Stage) (int, bool, error) {
	var position int
	err := s.db.QueryRowContext(sqlitedb.EnsureContext(ctx), `SELECT
		(SELECT COUNT(1) FROM stage_queue o
		 WHERE o.type = t.type AND o.status = t.status
		   AND (o.created_at < t.created_at OR (o.created_at = t.created_at AND o.rowid < t.rowid)))
		FROM stage_queue t
		WHERE t.task_id = ? AND t.type = ? AND t.status = ?`,
		taskID, string(stage), StatusWaiting,
	).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("queue position %s/%s: %w", taskID, stage, err)
	}
	return position, true, nil
}
