// Package workitems is the SQLite work-item tracker the spawn pool claims
// work from. It implements claims.Repository and adds the add, list,
// resolve, and reopen operations used by the CLI and by workers reporting
// completion.
package workitems

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"stagehand/internal/claims"
	"stagehand/internal/clock"
	"stagehand/internal/services"
	"stagehand/internal/sqlitedb"
)

//go:embed schema.sql
var schemaSQL string

// Priority orders open items; P0 is served first.
type Priority string

const (
	P0 Priority = "P0"
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
)

// ParsePriority normalizes "p1", "P1" and friends.
func ParsePriority(value string) (Priority, bool) {
	switch p := Priority(strings.ToUpper(strings.TrimSpace(value))); p {
	case P0, P1, P2, P3:
		return p, true
	case "":
		return P2, true
	default:
		return "", false
	}
}

const (
	TypeBug  = "bug"
	TypeSpec = "spec"
)

const itemColumns = `id, type, priority, title, summary, status, assigned_worker_kind, worker_pid,
	resolution, created_at, updated_at, resolved_at`

const priorityOrderSQL = `CASE priority WHEN 'P0' THEN 0 WHEN 'P1' THEN 1 WHEN 'P2' THEN 2 WHEN 'P3' THEN 3 ELSE 4 END`

// Item is a full work-item row.
type Item struct {
	claims.Claim
	Resolution string     `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}

// AddRequest describes a new work item.
type AddRequest struct {
	Type     string
	Priority Priority
	Title    string
	Summary  string
}

// Filter narrows List. A zero Filter lists open items.
type Filter struct {
	Status claims.Status
	All    bool
	Limit  int
}

// Store persists work items.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

var _ claims.Repository = (*Store)(nil)

// Open opens (and if needed creates) the work-item database at path.
func Open(path string, clk clock.Clock) (*Store, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, clock: clock.OrSystem(clk)}
	if err := sqlitedb.InTx(context.Background(), db, func(tx *sql.Tx) error {
		_, err := tx.Exec(schemaSQL)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init work item schema: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now() string { return sqlitedb.FormatTime(s.clock.Now()) }

// Add inserts an open item and returns it.
func (s *Store) Add(ctx context.Context, req AddRequest) (*Item, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, services.Wrap(services.ErrValidation, "workitems", "add", "title is required", nil)
	}
	itemType := strings.ToLower(strings.TrimSpace(req.Type))
	if itemType == "" {
		itemType = TypeBug
	}
	if itemType != TypeBug && itemType != TypeSpec {
		return nil, services.Wrap(services.ErrValidation, "workitems", "add", fmt.Sprintf("unknown type %q", req.Type), nil)
	}
	priority, ok := ParsePriority(string(req.Priority))
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "workitems", "add", fmt.Sprintf("unknown priority %q", req.Priority), nil)
	}
	now := s.now()
	res, err := sqlitedb.Exec(ctx, s.db, `INSERT INTO work_items (type, priority, title, summary, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		itemType, string(priority), title, sqlitedb.NullableString(req.Summary), string(claims.StatusOpen), now, now)
	if err != nil {
		return nil, wrapStore("add", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, wrapStore("add", err)
	}
	return s.GetItem(ctx, id)
}

// GetItem returns the full row or claims.ErrNotFound.
func (s *Store) GetItem(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(sqlitedb.EnsureContext(ctx), `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %d: %w", id, claims.ErrNotFound)
	}
	if err != nil {
		return nil, wrapStore("get", err)
	}
	return item, nil
}

// List returns items ordered by priority then age.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items`
	var args []any
	if !filter.All {
		status := filter.Status
		if status == "" {
			status = claims.StatusOpen
		}
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY ` + priorityOrderSQL + `, created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(sqlitedb.EnsureContext(ctx), query, args...)
	if err != nil {
		return nil, wrapStore("list", err)
	}
	defer rows.Close()
	var out []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, wrapStore("list", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Resolve marks an item resolved and clears its holder.
func (s *Store) Resolve(ctx context.Context, id int64, resolution string) (bool, error) {
	now := s.now()
	res, err := sqlitedb.Exec(ctx, s.db, `UPDATE work_items
		SET status = ?, assigned_worker_kind = NULL, worker_pid = NULL, resolution = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		string(claims.StatusResolved), sqlitedb.NullableString(resolution), now, now, id, string(claims.StatusResolved))
	if err != nil {
		return false, wrapStore("resolve", err)
	}
	return affectedOne(res, "resolve")
}

// Reopen returns any item to open and clears its holder.
func (s *Store) Reopen(ctx context.Context, id int64) (bool, error) {
	res, err := sqlitedb.Exec(ctx, s.db, `UPDATE work_items
		SET status = ?, assigned_worker_kind = NULL, worker_pid = NULL, resolved_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(claims.StatusOpen), s.now(), id)
	if err != nil {
		return false, wrapStore("reopen", err)
	}
	return affectedOne(res, "reopen")
}

// Get implements claims.Repository.
func (s *Store) Get(ctx context.Context, id int64) (*claims.Claim, error) {
	item, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return &item.Claim, nil
}

// NextOpen implements claims.Repository.
func (s *Store) NextOpen(ctx context.Context) (*claims.Claim, error) {
	items, err := s.List(ctx, Filter{Status: claims.StatusOpen, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, claims.ErrNotFound
	}
	return &items[0].Claim, nil
}

// ListInProgress implements claims.Repository.
func (s *Store) ListInProgress(ctx context.Context) ([]*claims.Claim, error) {
	items, err := s.List(ctx, Filter{Status: claims.StatusInProgress})
	if err != nil {
		return nil, err
	}
	out := make([]*claims.Claim, 0, len(items))
	for _, item := range items {
		out = append(out, &item.Claim)
	}
	return out, nil
}

// ClaimOpen implements claims.Repository.
func (s *Store) ClaimOpen(ctx context.Context, id int64, kind string, pid int) (bool, error) {
	res, err := sqlitedb.Exec(ctx, s.db, `UPDATE work_items
		SET status = ?, assigned_worker_kind = ?, worker_pid = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(claims.StatusInProgress), sqlitedb.NullableString(kind), sqlitedb.NullableInt(pid), s.now(),
		id, string(claims.StatusOpen))
	if err != nil {
		return false, wrapStore("claim", err)
	}
	return affectedOne(res, "claim")
}

// SwapHolder implements claims.Repository.
func (s *Store) SwapHolder(ctx context.Context, id int64, from, to claims.Holder) (bool, error) {
	res, err := sqlitedb.Exec(ctx, s.db, `UPDATE work_items
		SET assigned_worker_kind = ?, worker_pid = ?, updated_at = ?
		WHERE id = ? AND status = ?
		  AND COALESCE(assigned_worker_kind, '') = ? AND COALESCE(worker_pid, 0) = ?`,
		sqlitedb.NullableString(to.Kind), sqlitedb.NullableInt(to.PID), s.now(),
		id, string(claims.StatusInProgress), from.Kind, from.PID)
	if err != nil {
		return false, wrapStore("swap holder", err)
	}
	return affectedOne(res, "swap holder")
}

// Release implements claims.Repository.
func (s *Store) Release(ctx context.Context, id int64, expect claims.Holder) (bool, error) {
	query := `UPDATE work_items
		SET status = ?, assigned_worker_kind = NULL, worker_pid = NULL, updated_at = ?
		WHERE id = ? AND status = ?`
	args := []any{string(claims.StatusOpen), s.now(), id, string(claims.StatusInProgress)}
	if !expect.IsZero() {
		query += ` AND COALESCE(assigned_worker_kind, '') = ? AND COALESCE(worker_pid, 0) = ?`
		args = append(args, expect.Kind, expect.PID)
	}
	res, err := sqlitedb.Exec(ctx, s.db, query, args...)
	if err != nil {
		return false, wrapStore("release", err)
	}
	return affectedOne(res, "release")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(scanner rowScanner) (*Item, error) {
	var (
		item       Item
		status     string
		summary    sql.NullString
		kind       sql.NullString
		pid        sql.NullInt64
		resolution sql.NullString
		createdRaw string
		updatedRaw string
		resolved   sql.NullString
	)
	if err := scanner.Scan(&item.ID, &item.Type, &item.Priority, &item.Title, &summary, &status, &kind, &pid,
		&resolution, &createdRaw, &updatedRaw, &resolved); err != nil {
		return nil, err
	}
	item.Status = claims.Status(status)
	item.Summary = summary.String
	item.Kind = kind.String
	item.PID = int(pid.Int64)
	item.Resolution = resolution.String
	if t, err := sqlitedb.ParseTime(createdRaw); err == nil {
		item.CreatedAt = t
	}
	if t, err := sqlitedb.ParseTime(updatedRaw); err == nil {
		item.UpdatedAt = t
	}
	item.ResolvedAt = sqlitedb.ParseNullTime(resolved)
	return &item, nil
}

func affectedOne(res sql.Result, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStore(op, err)
	}
	return n == 1, nil
}

func wrapStore(op string, err error) error {
	return services.Wrap(services.ErrTransient, "workitems", op, "store failure", err)
}
