package stage

import (
	"encoding/json"
	"errors"
	"testing"

	"stagehand/internal/queue"
	"stagehand/internal/services"
)

func TestDecodeMetadata(t *testing.T) {
	type scriptMeta struct {
		Topic string `json:"topic"`
	}
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "empty", raw: "", want: "keep"},
		{name: "valid", raw: `{"topic":"rivers"}`, want: "rivers"},
		{name: "wrong shape", raw: `["x"]`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task := &queue.StageRecord{TaskID: "t1", Stage: queue.StageScript, Metadata: json.RawMessage(tc.raw)}
			meta := scriptMeta{Topic: "keep"}
			err := DecodeMetadata(task, &meta)
			if tc.wantErr {
				if !errors.Is(err, services.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeMetadata: %v", err)
			}
			if meta.Topic != tc.want {
				t.Fatalf("topic = %q, want %q", meta.Topic, tc.want)
			}
		})
	}
}
