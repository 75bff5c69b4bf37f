package stage

import (
	"encoding/json"

	"stagehand/internal/queue"
	"stagehand/internal/services"
)

// DecodeMetadata unmarshals a row's metadata into v. Empty metadata leaves v untouched.
// On failure it returns a services.ErrValidation suitable for Execute.
func DecodeMetadata(task *queue.StageRecord, v any) error {
	if task == nil || len(task.Metadata) == 0 {
		return nil
	}
	if err := json.Unmarshal(task.Metadata, v); err != nil {
		return services.Wrap(services.ErrValidation, string(task.Stage), "decode metadata",
			"task metadata is not valid JSON for this stage", err)
	}
	return nil
}
