package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverridePurge is the task type for purging expired overrides.
	TaskOverridePurge = "override:purge"
)

// OverridePurgePayload describes the retention window for the purge job.
// Overrides whose valid_until fell out of the window are deleted.
type OverridePurgePayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewOverridePurgeTask constructs an Asynq task.
func NewOverridePurgeTask(payload OverridePurgePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverridePurge, data), nil
}
