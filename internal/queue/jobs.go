package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/driftbyte/mediaflow/internal/model"
)

const (
	// ProcessMediaTask is scheduled each time an upload lands or a
	// reprocess is requested.
	ProcessMediaTask = "media:process"
)

// Enqueuer wraps an asynq client behind the narrow interface the API
// handlers need, so tests can swap in a recorder.
type Enqueuer struct {
	client *asynq.Client
}

// NewEnqueuer wraps the client.
func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client}
}

// EnqueueProcess enqueues a pipeline run for the trigger record.
func (e *Enqueuer) EnqueueProcess(ctx context.Context, trigger model.ProcessTrigger) error {
	return EnqueueProcess(ctx, e.client, trigger)
}

// EnqueueProcess schedules a pipeline run on an explicit client.
func EnqueueProcess(ctx context.Context, client *asynq.Client, trigger model.ProcessTrigger) error {
	data, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	task := asynq.NewTask(ProcessMediaTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(3)); err != nil {
		return fmt.Errorf("enqueue process task: %w", err)
	}
	return nil
}
