package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stagehand/internal/config"
)

const userAgent = "stagehand/0.1"

// Event names a notification kind.
type Event string

const (
	EventStageFailed       Event = "stage_failed"
	EventPipelineCompleted Event = "pipeline_completed"
	EventRecovery          Event = "recovery"
	EventKindDisabled      Event = "kind_disabled"
	EventTest              Event = "test"
)

// Payload carries event fields. Keys are event specific.
type Payload map[string]any

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds an ntfy-backed service, or a no-op when no topic is configured.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint:          topic,
		client:            &http.Client{Timeout: timeout},
		pipelineCompleted: cfg.Notifications.PipelineCompleted,
	}
}

// Noop returns a service that drops every event.
func Noop() Service { return noopService{} }

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint          string
	client            *http.Client
	pipelineCompleted bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := n.format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) format(event Event, payload Payload) (message, bool) {
	switch event {
	case EventStageFailed:
		body := fmt.Sprintf("%s/%s failed", payload.text("task_id"), payload.text("stage"))
		if errText := payload.text("error"); errText != "" {
			body += ": " + errText
		}
		return message{
			title:    "Stagehand - Stage Failed",
			body:     body,
			tags:     []string{"stagehand", "stage", "failed"},
			priority: "high",
		}, true
	case EventPipelineCompleted:
		if !n.pipelineCompleted {
			return message{}, false
		}
		return message{
			title: "Stagehand - Pipeline Complete",
			body:  fmt.Sprintf("Task %s finished every stage", payload.text("task_id")),
			tags:  []string{"stagehand", "pipeline", "completed"},
		}, true
	case EventRecovery:
		body := fmt.Sprintf("%s recovery failed %s processing rows and released %s locks",
			payload.text("mode"), payload.text("rows"), payload.text("locks"))
		if ids := payload.text("ids"); ids != "" {
			body += "\n" + ids
		}
		return message{
			title:    "Stagehand - Rows Recovered",
			body:     body,
			tags:     []string{"stagehand", "recovery", "warning"},
			priority: "high",
		}, true
	case EventKindDisabled:
		return message{
			title: "Stagehand - Worker Kind Disabled",
			body: fmt.Sprintf("%s failed %s times in a row; paused until %s",
				payload.text("kind"), payload.text("failures"), payload.text("until")),
			tags: []string{"stagehand", "pool", "breaker"},
		}, true
	case EventTest:
		return message{
			title:    "Stagehand - Test",
			body:     "Notification system test",
			tags:     []string{"stagehand", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p Payload) text(key string) string {
	value, ok := p[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case time.Time:
		return v.Local().Format("15:04:05")
	default:
		return fmt.Sprint(v)
	}
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
