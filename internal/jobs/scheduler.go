package jobs

import (
	"fmt"

	"github.com/hibiken/asynq"
)

// Registrar is the part of *asynq.Scheduler used to install periodic tasks.
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// RegisterPeriodic installs the reconcile sweep on cronspec.
func RegisterPeriodic(s Registrar, cronspec, queue string, p ReconcilePayload) (string, error) {
	task, err := NewReconcileTask(p)
	if err != nil {
		return "", err
	}
	if queue == "" {
		queue = "default"
	}
	id, err := s.Register(cronspec, task, asynq.Queue(queue), asynq.MaxRetry(0))
	if err != nil {
		return "", fmt.Errorf("jobs: register %s: %w", TypeReconcileUnlinked, err)
	}
	return id, nil
}
