package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TaskTypeGenerate = "melody:generate"

type generatePayload struct {
	JobID string `json:"jobId"`
}

// AsynqExecutor hands claimed jobs to an asynq queue so they can run on
// separate worker processes.
type AsynqExecutor struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

func NewAsynqExecutor(client *asynq.Client, queue string, timeout time.Duration) *AsynqExecutor {
	return &AsynqExecutor{client: client, queue: queue, timeout: timeout}
}

// Available always accepts; capacity is governed by the asynq servers'
// concurrency.
func (e *AsynqExecutor) Available() bool { return true }

// Submit enqueues the job once. The task id is the job id, so a duplicate
// submission is a no-op. Tasks are never retried: a failed run has already
// marked the job failed.
func (e *AsynqExecutor) Submit(ctx context.Context, jobID string) error {
	data, err := json.Marshal(generatePayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(e.queue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(0),
		asynq.Retention(24 * time.Hour),
	}
	if e.timeout > 0 {
		opts = append(opts, asynq.Timeout(e.timeout))
	}

	_, err = e.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeGenerate, data), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// GenerateHandler runs generate tasks on an asynq server.
type GenerateHandler struct {
	run JobFunc
}

func NewGenerateHandler(run JobFunc) *GenerateHandler {
	return &GenerateHandler{run: run}
}

// ProcessTask runs the job. Job failures are recorded on the job itself,
// so only malformed payloads are reported back to asynq.
func (h *GenerateHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p generatePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %w", err, asynq.SkipRetry)
	}
	if p.JobID == "" {
		return fmt.Errorf("task payload without job id: %w", asynq.SkipRetry)
	}
	h.run(ctx, p.JobID)
	return nil
}
