package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

// Enqueuer is the part of *asynq.Client the scheduler needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Scheduler enqueues delayed payment re-checks.
type Scheduler struct {
	Client   Enqueuer
	Queue    string
	MaxRetry int
}

// ScheduleRecheck enqueues a re-check of reference after delay. A re-check
// already pending for the same reference is kept and this call is a no-op.
func (s Scheduler) ScheduleRecheck(ctx context.Context, reference string, delay time.Duration) error {
	if s.Client == nil {
		return errors.New("jobs: asynq client not configured")
	}
	task, err := NewRecheckTask(reference)
	if err != nil {
		return err
	}
	if delay <= 0 {
		delay = time.Minute
	}
	opts := []asynq.Option{
		asynq.ProcessIn(delay),
		asynq.TaskID(recheckTaskID(reference)),
		asynq.MaxRetry(s.maxRetry()),
		asynq.Queue(s.queue()),
	}
	if _, err := s.Client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			JobsEnqueuedTotal.WithLabelValues(TypeTimeoutRecheck, "duplicate").Inc()
			return nil
		}
		JobsEnqueuedTotal.WithLabelValues(TypeTimeoutRecheck, "error").Inc()
		return err
	}
	JobsEnqueuedTotal.WithLabelValues(TypeTimeoutRecheck, "ok").Inc()
	return nil
}

func (s Scheduler) queue() string {
	if s.Queue == "" {
		return "default"
	}
	return s.Queue
}

func (s Scheduler) maxRetry() int {
	if s.MaxRetry <= 0 {
		return 8
	}
	return s.MaxRetry
}
