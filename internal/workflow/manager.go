package workflow

import (
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/notifications"
	"stagehand/internal/queue"
)

// Manager coordinates stage lanes against the queue.
type Manager struct {
	cfg          *config.Config
	store        *queue.Store
	logger       *slog.Logger
	tracer       trace.Tracer
	notifier     notifications.Service
	pollInterval time.Duration
	errorRetry   time.Duration

	heartbeat *HeartbeatMonitor

	lanes     map[queue.Stage]*laneState
	laneOrder []queue.Stage

	mu       sync.RWMutex
	running  bool
	cancel   func()
	wg       sync.WaitGroup
	lastErr  error
	lastTask *queue.StageRecord
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	tracer            trace.Tracer
	notifier          notifications.Service
	pollInterval      time.Duration
	heartbeatInterval time.Duration
}

// WithTracer records one span per stage run.
func WithTracer(tracer trace.Tracer) ManagerOption {
	return func(o *managerOptions) { o.tracer = tracer }
}

// WithNotifier publishes stage failures and finished pipelines.
func WithNotifier(notifier notifications.Service) ManagerOption {
	return func(o *managerOptions) { o.notifier = notifier }
}

// WithPollInterval overrides the queue poll interval.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(o *managerOptions) { o.pollInterval = d }
}

// WithHeartbeatInterval overrides how often a running stage refreshes its lock.
func WithHeartbeatInterval(d time.Duration) ManagerOption {
	return func(o *managerOptions) { o.heartbeatInterval = d }
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, store *queue.Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	options := &managerOptions{
		pollInterval:      time.Duration(cfg.Queue.PollInterval) * time.Second,
		heartbeatInterval: time.Duration(cfg.Queue.HeartbeatInterval) * time.Second,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.tracer == nil {
		options.tracer = nooptrace.NewTracerProvider().Tracer("stagehand")
	}
	if options.notifier == nil {
		options.notifier = notifications.Noop()
	}
	if options.pollInterval <= 0 {
		options.pollInterval = time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	errorRetry := time.Duration(cfg.Queue.ErrorRetryInterval) * time.Second
	if errorRetry <= 0 {
		errorRetry = options.pollInterval
	}
	return &Manager{
		cfg:          cfg,
		store:        store,
		logger:       logger,
		tracer:       options.tracer,
		notifier:     options.notifier,
		pollInterval: options.pollInterval,
		errorRetry:   errorRetry,
		heartbeat:    NewHeartbeatMonitor(store, logger, options.heartbeatInterval),
		lanes:        make(map[queue.Stage]*laneState),
	}
}
