package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bobarin/hookscale/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const dequeueTimeout = 5 * time.Second

// TaskSource yields run triggers.
type TaskSource interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Task, error)
}

// Runner executes one render run.
type Runner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

// Worker pulls run triggers off the queue and hands them to the orchestrator.
type Worker struct {
	queue  TaskSource
	runner Runner
}

func New(q TaskSource, runner Runner) *Worker {
	return &Worker{
		queue:  q,
		runner: runner,
	}
}

// Start consumes the render queue with the given number of loops and
// blocks until ctx is cancelled and in-flight runs return.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	log.Info().Int("concurrency", concurrency).Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.processQueue(ctx, queue.QueueRenderJob)
		}()
	}

	<-ctx.Done()
	log.Info().Msg("worker shutting down")
	wg.Wait()
}

func (w *Worker) processQueue(ctx context.Context, queueName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.queue.Dequeue(ctx, queueName, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("queue", queueName).Msg("error dequeuing")
			// avoid a hot loop while redis is unavailable
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if task == nil {
			continue // No task available, retry
		}

		w.handle(ctx, task)
	}
}

func (w *Worker) handle(ctx context.Context, task *queue.Task) {
	logger := log.With().Str("task_id", task.ID.String()).Str("job_id", task.JobID.String()).Logger()
	logger.Info().Str("type", task.Type).Msg("processing task")

	err := w.runner.Run(ctx, task.JobID)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		logger.Warn().Msg("job already running, dropping duplicate trigger")
	case err != nil:
		logger.Error().Err(err).Msg("render run failed")
	default:
		logger.Info().Msg("render run finished")
	}
}
