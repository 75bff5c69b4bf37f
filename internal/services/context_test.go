package services_test

import (
	"context"
	"testing"

	"stagehand/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithTaskID(ctx, "1700000000000_ab12cd34")
	ctx = services.WithStage(ctx, "video")
	ctx = services.WithWorkerID(ctx, "claude-1-3")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.TaskIDFromContext(ctx); !ok || id != "1700000000000_ab12cd34" {
		t.Fatalf("unexpected task id: %v %v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "video" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if wid, ok := services.WorkerIDFromContext(ctx); !ok || wid != "claude-1-3" {
		t.Fatalf("unexpected worker id: %v %v", wid, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, "")
	ctx = services.WithTaskID(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
	if _, ok := services.TaskIDFromContext(ctx); ok {
		t.Fatal("expected no task id value")
	}
}
