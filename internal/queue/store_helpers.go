package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"stagehand/internal/sqlitedb"
)

const recordColumns = "task_id, type, status, created_at, started_at, completed_at, owner_id, metadata, logs, error"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(scanner rowScanner) (*StageRecord, error) {
	var (
		taskID      string
		stage       string
		status      string
		createdRaw  string
		startedRaw  sql.NullString
		finishedRaw sql.NullString
		ownerID     sql.NullString
		metadata    sql.NullString
		logs        sql.NullString
		errMsg      sql.NullString
	)
	if err := scanner.Scan(&taskID, &stage, &status, &createdRaw, &startedRaw, &finishedRaw, &ownerID, &metadata, &logs, &errMsg); err != nil {
		return nil, err
	}
	created, err := sqlitedb.ParseTime(createdRaw)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s/%s: %w", taskID, stage, err)
	}
	rec := &StageRecord{
		TaskID:      taskID,
		Stage:       Stage(stage),
		Status:      Status(status),
		CreatedAt:   created,
		StartedAt:   sqlitedb.ParseNullTime(startedRaw),
		CompletedAt: sqlitedb.ParseNullTime(finishedRaw),
		OwnerID:     ownerID.String,
		Logs:        logs.String,
		Error:       errMsg.String,
	}
	if metadata.Valid && metadata.String != "" {
		rec.Metadata = json.RawMessage(metadata.String)
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]*StageRecord, error) {
	defer rows.Close()
	var out []*StageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("metadata is not valid JSON")
	}
	return string(raw), nil
}

func stageArgs(stages []Stage) []any {
	args := make([]any, len(stages))
	for i, stage := range stages {
		args[i] = string(stage)
	}
	return args
}

// stageOrderSQL sorts rows by pipeline position rather than by name.
const stageOrderSQL = `CASE type WHEN 'script' THEN 0 WHEN 'image' THEN 1 WHEN 'video' THEN 2 WHEN 'youtube' THEN 3 ELSE 4 END`
