// Package worker consumes queued processing tasks and hands them to the
// pipeline.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/driftbyte/mediaflow/internal/model"
	"github.com/driftbyte/mediaflow/internal/queue"
)

// Runner is the pipeline surface the worker drives.
type Runner interface {
	Process(ctx context.Context, trigger model.ProcessTrigger) model.ProcessResult
}

// Processor handles queued media-processing tasks.
type Processor struct {
	pipe Runner
	log  *logrus.Logger
}

// New builds a Processor.
func New(pipe Runner, log *logrus.Logger) *Processor {
	return &Processor{pipe: pipe, log: log}
}

// Register attaches the task handlers to the mux.
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.ProcessMediaTask, p.HandleProcess)
}

// HandleProcess decodes a trigger and runs the pipeline. Transient
// failures were already retried inside the pipeline and the terminal
// outcome is recorded on the asset row, so a reported failure skips the
// queue's own retry rather than repeating a run that cannot succeed.
func (p *Processor) HandleProcess(ctx context.Context, task *asynq.Task) error {
	failure := func(err error) error {
		p.log.WithError(err).Error("process task failed")
		return err
	}

	var trigger model.ProcessTrigger
	if err := json.Unmarshal(task.Payload(), &trigger); err != nil {
		return failure(fmt.Errorf("decode trigger: %v: %w", err, asynq.SkipRetry))
	}

	log := p.log.WithField("media_id", trigger.MediaID)
	log.Info("processing media")

	res := p.pipe.Process(ctx, trigger)
	if !res.Success {
		return failure(fmt.Errorf("process media %s: %s: %w", trigger.MediaID, res.Error, asynq.SkipRetry))
	}
	if res.Warning != "" {
		log.WithField("warning", res.Warning).Warn("media processed with degradation")
		return nil
	}
	log.WithField("processed_path", res.ProcessedPath).Info("media processed")
	return nil
}
