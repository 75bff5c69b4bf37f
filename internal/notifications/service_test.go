package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"stagehand/internal/config"
	"stagehand/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventStageFailed, notifications.Payload{"task_id": "t1"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:  "stage failed",
			event: notifications.EventStageFailed,
			payload: notifications.Payload{
				"task_id": "t1",
				"stage":   "video",
				"error":   "exit status 2",
			},
			expectTitle:    "Stagehand - Stage Failed",
			expectMessage:  "t1/video failed: exit status 2",
			expectTags:     "stagehand,stage,failed",
			expectPriority: "high",
		},
		{
			name:          "pipeline completed",
			event:         notifications.EventPipelineCompleted,
			payload:       notifications.Payload{"task_id": "t1"},
			expectTitle:   "Stagehand - Pipeline Complete",
			expectMessage: "Task t1 finished every stage",
			expectTags:    "stagehand,pipeline,completed",
		},
		{
			name:  "recovery",
			event: notifications.EventRecovery,
			payload: notifications.Payload{
				"mode":  "boot",
				"rows":  2,
				"locks": 1,
				"ids":   "t1/script, t2/image",
			},
			expectTitle:    "Stagehand - Rows Recovered",
			expectMessage:  "boot recovery failed 2 processing rows and released 1 locks\nt1/script, t2/image",
			expectTags:     "stagehand,recovery,warning",
			expectPriority: "high",
		},
		{
			name:           "test",
			event:          notifications.EventTest,
			expectTitle:    "Stagehand - Test",
			expectMessage:  "Notification system test",
			expectTags:     "stagehand,test",
			expectPriority: "low",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Errorf("read body: %v", err)
				}
				captured.body = string(body)
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeoutSeconds = 5

			svc := notifications.NewService(&cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceSkipsSuppressedPipelineEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call for suppressed event: %s", r.URL.String())
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.PipelineCompleted = false

	svc := notifications.NewService(&cfg)
	for _, event := range []notifications.Event{notifications.EventPipelineCompleted, "unknown"} {
		if err := svc.Publish(context.Background(), event, notifications.Payload{"task_id": "t1"}); err != nil {
			t.Fatalf("expected no error for suppressed event %s, got %v", event, err)
		}
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL

	err := notifications.NewService(&cfg).Publish(context.Background(), notifications.EventTest, nil)
	if err == nil || !strings.Contains(err.Error(), "ntfy returned 403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
}
