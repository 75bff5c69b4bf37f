package queue

import (
	"encoding/json"
	"strings"
	"time"
)

// Stage is one phase of a pipeline. Every task has one row per stage.
type Stage string

const (
	StageScript  Stage = "script"
	StageImage   Stage = "image"
	StageVideo   Stage = "video"
	StageYouTube Stage = "youtube"
)

var stageOrder = []Stage{StageScript, StageImage, StageVideo, StageYouTube}

// Stages returns the stage kinds in execution order.
func Stages() []Stage {
	cp := make([]Stage, len(stageOrder))
	copy(cp, stageOrder)
	return cp
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	for _, stage := range stageOrder {
		if stage == normalized {
			return stage, true
		}
	}
	return "", false
}

// Index is the stage's position in the pipeline, or -1 for unknown stages.
func (s Stage) Index() int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// previous returns the stages that must complete before s may run.
func (s Stage) previous() []Stage {
	idx := s.Index()
	if idx <= 0 {
		return nil
	}
	return stageOrder[:idx]
}

// following returns the stages after s in pipeline order.
func (s Stage) following() []Stage {
	idx := s.Index()
	if idx < 0 || idx+1 >= len(stageOrder) {
		return nil
	}
	return stageOrder[idx+1:]
}

// Status represents the lifecycle of a stage row.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusWaiting,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// CancelledByUser is the error recorded on rows removed by Cancel.
const CancelledByUser = "cancelled by user"

// PredecessorFailedReason is recorded on waiting rows cancelled by Cleanup
// because an earlier stage of the task failed.
const PredecessorFailedReason = "earlier stage failed"

// LockExpiredReason is recorded on a processing row whose stale lock was stolen.
const LockExpiredReason = "lock expired"

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transition is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StageRecord is one (task, stage) row.
type StageRecord struct {
	TaskID      string          `json:"task_id" yaml:"task_id"`
	Stage       Stage           `json:"stage" yaml:"stage"`
	Status      Status          `json:"status" yaml:"status"`
	CreatedAt   time.Time       `json:"created_at" yaml:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	OwnerID     string          `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty" yaml:"-"`
	Logs        string          `json:"logs,omitempty" yaml:"logs,omitempty"`
	Error       string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// Ref returns the row's key.
func (r *StageRecord) Ref() StageRef {
	return StageRef{TaskID: r.TaskID, Stage: r.Stage}
}

// StageRef identifies a stage row.
type StageRef struct {
	TaskID string `json:"task_id" yaml:"task_id"`
	Stage  Stage  `json:"stage" yaml:"stage"`
}

func (r StageRef) String() string { return r.TaskID + "/" + string(r.Stage) }

// LockStatus describes one stage lock.
type LockStatus struct {
	Stage    Stage      `json:"stage" yaml:"stage"`
	Locked   bool       `json:"locked" yaml:"locked"`
	Owner    string     `json:"owner" yaml:"owner"`
	LockedAt *time.Time `json:"locked_at,omitempty" yaml:"locked_at,omitempty"`
	PID      int        `json:"pid" yaml:"pid"`
	Stale    bool       `json:"stale" yaml:"stale"`
}

// AttemptLog is one dequeue attempt.
type AttemptLog struct {
	ID         int64      `json:"id" yaml:"id"`
	TaskID     string     `json:"task_id" yaml:"task_id"`
	Stage      Stage      `json:"stage" yaml:"stage"`
	RetryCount int        `json:"retry_count" yaml:"retry_count"`
	StartTime  time.Time  `json:"start_time" yaml:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`
}

// StageCounts holds per-status counts for one stage. Cancelled rows are not counted.
type StageCounts struct {
	Waiting    int `json:"waiting" yaml:"waiting"`
	Processing int `json:"processing" yaml:"processing"`
	Completed  int `json:"completed" yaml:"completed"`
	Failed     int `json:"failed" yaml:"failed"`
}

// Total sums the counts.
func (c StageCounts) Total() int {
	return c.Waiting + c.Processing + c.Completed + c.Failed
}

// Summary aggregates counts per stage.
type Summary map[Stage]StageCounts

// HealthStatus lists rows stuck in processing beyond a threshold.
type HealthStatus struct {
	Healthy   bool           `json:"healthy" yaml:"healthy"`
	Threshold time.Duration  `json:"threshold" yaml:"threshold"`
	Stuck     []*StageRecord `json:"stuck" yaml:"stuck"`
}

// DatabaseHealth captures diagnostic information about the queue database.
type DatabaseHealth struct {
	DBPath           string   `json:"db_path" yaml:"db_path"`
	DatabaseExists   bool     `json:"database_exists" yaml:"database_exists"`
	DatabaseReadable bool     `json:"database_readable" yaml:"database_readable"`
	SchemaVersion    int      `json:"schema_version" yaml:"schema_version"`
	TablesPresent    []string `json:"tables_present" yaml:"tables_present"`
	MissingTables    []string `json:"missing_tables" yaml:"missing_tables"`
	IntegrityCheck   bool     `json:"integrity_check" yaml:"integrity_check"`
	TotalRows        int      `json:"total_rows" yaml:"total_rows"`
	Error            string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// PipelineRequest creates one waiting row per stage. TaskID is generated when empty.
type PipelineRequest struct {
	TaskID   string
	OwnerID  string
	Metadata json.RawMessage
}

// EnqueueRequest upserts a single waiting row.
type EnqueueRequest struct {
	TaskID   string
	Stage    Stage
	OwnerID  string
	Metadata json.RawMessage
}

// TaskUpdate is a partial update; nil or empty fields are left untouched.
type TaskUpdate struct {
	Status     Status
	Error      *string
	Logs       *string
	AppendLogs string
	Metadata   json.RawMessage
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	TaskID  string
	Stage   Stage
	Status  Status
	OwnerID string
	Limit   int
	Offset  int
}
