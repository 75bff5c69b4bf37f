package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"stagehand/internal/clock"
	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/sqlitedb"
	"stagehand/internal/telemetry"
)

// DefaultLockTimeout is the staleness window used when no timeout is configured.
const DefaultLockTimeout = 60 * time.Minute

// Store manages stage rows, stage locks, and attempt logs backed by SQLite.
// A Store holds no in-process coordination state; every exclusion guarantee
// comes from conditional updates, so any number of processes may open the
// same database.
type Store struct {
	db          *sql.DB
	path        string
	clock       clock.Clock
	lockTimeout time.Duration
	pid         int
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// Option customizes a Store.
type Option func(*Store)

// WithClock substitutes the time source used for timestamps and staleness.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = clock.OrSystem(c) }
}

// WithLockTimeout sets how long a lock may go without refresh before it is stale.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithPID overrides the pid recorded on locks acquired by Dequeue.
func WithPID(pid int) Option {
	return func(s *Store) {
		if pid > 0 {
			s.pid = pid
		}
	}
}

// WithLogger attaches a logger for stale-lock and recovery warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logging.NewComponentLogger(logger, "queue")
		}
	}
}

// WithMetrics attaches instruments for dequeue and lock activity.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Open initializes or connects to the queue database under the configured state directory.
func Open(cfg *config.Config, opts ...Option) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	opts = append([]Option{WithLockTimeout(cfg.LockTimeout())}, opts...)
	return OpenPath(cfg.QueueDBPath(), opts...)
}

// OpenPath opens the queue database at an explicit path.
func OpenPath(path string, opts ...Option) (*Store, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	store := &Store{
		db:          db,
		path:        path,
		clock:       clock.System{},
		lockTimeout: DefaultLockTimeout,
		pid:         os.Getpid(),
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// LockTimeout returns the configured lock staleness window.
func (s *Store) LockTimeout() time.Duration { return s.lockTimeout }

// DB exposes the connection for maintenance tooling that shares the file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

// staleCutoff is the locked_at value below which a lock counts as stale.
func (s *Store) staleCutoff(now time.Time) string {
	return sqlitedb.FormatTime(now.Add(-s.lockTimeout))
}
