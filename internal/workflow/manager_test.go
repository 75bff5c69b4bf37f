package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"stagehand/internal/notifications"
	"stagehand/internal/queue"
	"stagehand/internal/services"
	"stagehand/internal/stage"
	"stagehand/internal/testsupport"
	"stagehand/internal/workflow"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(task *queue.StageRecord) {
	r.mu.Lock()
	r.order = append(r.order, task.TaskID+"/"+string(task.Stage))
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func newManager(t *testing.T, handlers map[queue.Stage]stage.Handler, opts ...workflow.ManagerOption) (*workflow.Manager, *queue.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	opts = append([]workflow.ManagerOption{
		workflow.WithPollInterval(10 * time.Millisecond),
		workflow.WithHeartbeatInterval(20 * time.Millisecond),
	}, opts...)
	mgr := workflow.NewManager(cfg, store, nil, opts...)
	mgr.ConfigureStages(handlers)
	return mgr, store
}

func start(t *testing.T, mgr *workflow.Manager) {
	t.Helper()
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(mgr.Stop)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func rowStatus(t *testing.T, store *queue.Store, taskID string, stg queue.Stage) *queue.StageRecord {
	t.Helper()
	rec, err := store.GetTask(context.Background(), taskID, stg)
	if err != nil {
		t.Fatalf("GetTask %s/%s: %v", taskID, stg, err)
	}
	return rec
}

func TestManagerRunsPipelineInStageOrder(t *testing.T) {
	rec := &recorder{}
	handlers := map[queue.Stage]stage.Handler{}
	for _, stg := range queue.Stages() {
		handlers[stg] = stage.HandlerFunc(func(_ context.Context, task *queue.StageRecord) (stage.Result, error) {
			rec.add(task)
			meta, _ := json.Marshal(map[string]string{"done": string(task.Stage)})
			return stage.Result{Logs: "ran " + string(task.Stage), Metadata: meta}, nil
		})
	}
	mgr, store := newManager(t, handlers)
	taskID := testsupport.MustCreatePipeline(t, store, "tester")
	start(t, mgr)

	waitFor(t, "youtube completion", func() bool {
		return rowStatus(t, store, taskID, queue.StageYouTube).Status == queue.StatusCompleted
	})

	want := []string{taskID + "/script", taskID + "/image", taskID + "/video", taskID + "/youtube"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("ran %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ran %v, want %v", got, want)
		}
	}

	script := rowStatus(t, store, taskID, queue.StageScript)
	if script.Logs != "ran script" {
		t.Fatalf("script logs = %q", script.Logs)
	}
	if string(script.Metadata) != `{"done":"script"}` {
		t.Fatalf("script metadata = %s", script.Metadata)
	}
	locks, err := store.Locks(context.Background())
	if err != nil {
		t.Fatalf("Locks: %v", err)
	}
	for _, l := range locks {
		if l.Locked {
			t.Fatalf("lock on %s still held after completion", l.Stage)
		}
	}
}

func TestManagerRecordsFailure(t *testing.T) {
	handlers := map[queue.Stage]stage.Handler{
		queue.StageScript: stage.HandlerFunc(func(context.Context, *queue.StageRecord) (stage.Result, error) {
			return stage.Result{Logs: "partial output"}, services.Wrap(services.ErrExternalTool, "script", "run", "generator crashed", nil)
		}),
		queue.StageImage: stage.HandlerFunc(func(context.Context, *queue.StageRecord) (stage.Result, error) {
			t.Error("image must not run after a failed script")
			return stage.Result{}, nil
		}),
	}
	mgr, store := newManager(t, handlers)
	taskID := testsupport.MustCreatePipeline(t, store, "tester")
	start(t, mgr)

	waitFor(t, "script failure", func() bool {
		return rowStatus(t, store, taskID, queue.StageScript).Status == queue.StatusFailed
	})
	script := rowStatus(t, store, taskID, queue.StageScript)
	if script.Error == "" || script.Logs != "partial output" {
		t.Fatalf("failure not recorded: error=%q logs=%q", script.Error, script.Logs)
	}
	if got := rowStatus(t, store, taskID, queue.StageImage).Status; got != queue.StatusWaiting {
		t.Fatalf("image status = %s, want waiting", got)
	}
	status := mgr.Status(context.Background())
	if status.LastError == "" || !status.Running {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Queue[queue.StageScript].Failed != 1 {
		t.Fatalf("summary = %+v", status.Queue)
	}
}

type captureNotifier struct {
	mu     sync.Mutex
	events []string
}

func (c *captureNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, string(event)+":"+payload["task_id"].(string))
	return nil
}

func (c *captureNotifier) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func TestManagerPublishesNotifications(t *testing.T) {
	notifier := &captureNotifier{}
	handlers := map[queue.Stage]stage.Handler{}
	for _, stg := range queue.Stages() {
		handlers[stg] = stage.HandlerFunc(func(_ context.Context, task *queue.StageRecord) (stage.Result, error) {
			if task.OwnerID == "broken" {
				return stage.Result{}, errors.New("boom")
			}
			return stage.Result{}, nil
		})
	}
	mgr, store := newManager(t, handlers, workflow.WithNotifier(notifier))
	okID := testsupport.MustCreatePipeline(t, store, "fine")
	badID := testsupport.MustCreatePipeline(t, store, "broken")
	start(t, mgr)

	waitFor(t, "both notifications", func() bool { return len(notifier.snapshot()) == 2 })
	got := strings.Join(notifier.snapshot(), ",")
	if !strings.Contains(got, "pipeline_completed:"+okID) || !strings.Contains(got, "stage_failed:"+badID) {
		t.Fatalf("events = %s", got)
	}
}

func TestManagerCancelsStageWhenLockLost(t *testing.T) {
	entered := make(chan string, 1)
	sawCancel := make(chan struct{})
	handlers := map[queue.Stage]stage.Handler{
		queue.StageScript: stage.HandlerFunc(func(ctx context.Context, task *queue.StageRecord) (stage.Result, error) {
			entered <- task.TaskID
			<-ctx.Done()
			close(sawCancel)
			return stage.Result{}, ctx.Err()
		}),
	}
	mgr, store := newManager(t, handlers)
	taskID := testsupport.MustCreatePipeline(t, store, "tester")
	start(t, mgr)

	if got := <-entered; got != taskID {
		t.Fatalf("entered for %s", got)
	}
	released, err := store.ReleaseLock(context.Background(), queue.StageScript, taskID)
	if err != nil || !released {
		t.Fatalf("ReleaseLock: %v %v", released, err)
	}

	select {
	case <-sawCancel:
	case <-time.After(5 * time.Second):
		t.Fatal("stage context was not cancelled after the lock was lost")
	}
	time.Sleep(50 * time.Millisecond)
	if got := rowStatus(t, store, taskID, queue.StageScript).Status; got != queue.StatusProcessing {
		t.Fatalf("status = %s, lane must not overwrite a row it no longer owns", got)
	}
	waitFor(t, "stale lock error", func() bool {
		return strings.Contains(mgr.Status(context.Background()).LastError, services.ErrStaleLock.Error())
	})
}

func TestManagerStopRequeuesRunningStage(t *testing.T) {
	entered := make(chan struct{})
	handlers := map[queue.Stage]stage.Handler{
		queue.StageScript: stage.HandlerFunc(func(ctx context.Context, _ *queue.StageRecord) (stage.Result, error) {
			close(entered)
			<-ctx.Done()
			return stage.Result{Logs: "interrupted"}, ctx.Err()
		}),
	}
	mgr, store := newManager(t, handlers)
	taskID := testsupport.MustCreatePipeline(t, store, "tester")
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered
	mgr.Stop()

	row := rowStatus(t, store, taskID, queue.StageScript)
	if row.Status != queue.StatusWaiting {
		t.Fatalf("status = %s, want waiting", row.Status)
	}
	lock, err := store.CheckLock(context.Background(), queue.StageScript)
	if err != nil {
		t.Fatalf("CheckLock: %v", err)
	}
	if lock.Locked {
		t.Fatal("lock still held after shutdown")
	}
	if mgr.Status(context.Background()).Running {
		t.Fatal("manager still running")
	}
}

func TestManagerStartRequiresStages(t *testing.T) {
	mgr, _ := newManager(t, nil)
	err := mgr.Start(context.Background())
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestManagerStartTwice(t *testing.T) {
	mgr, _ := newManager(t, map[queue.Stage]stage.Handler{
		queue.StageVideo: stage.HandlerFunc(func(context.Context, *queue.StageRecord) (stage.Result, error) {
			return stage.Result{}, nil
		}),
	})
	start(t, mgr)
	if err := mgr.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	if got := mgr.Stages(); len(got) != 1 || got[0] != queue.StageVideo {
		t.Fatalf("Stages = %v", got)
	}
}
