package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/basket/nanoclaw/internal/bus"
	"github.com/basket/nanoclaw/internal/store"
)

// TaskService is the task-management surface handed to plugins and channel
// commands. It satisfies the plugin package's Tasks interface.
type TaskService struct {
	sched *Scheduler
}

func (s *Scheduler) Service() *TaskService {
	return &TaskService{sched: s}
}

// Schedule persists a new task. The id and initial nextRun are filled in
// when absent.
func (t *TaskService) Schedule(ctx context.Context, task store.ScheduledTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.NextRun == nil {
		nextRun, err := t.sched.FirstRun(task.ScheduleType, task.ScheduleValue, time.Now())
		if err != nil {
			return err
		}
		task.NextRun = nextRun
	}
	if err := t.sched.store.CreateTask(ctx, task); err != nil {
		return err
	}
	if t.sched.bus != nil {
		t.sched.bus.Emit(ctx, bus.EventTaskCreated,
			bus.TaskEvent{TaskID: task.ID, JID: task.JID, Status: string(store.TaskStatusActive)})
	}
	return nil
}

func (t *TaskService) Pause(ctx context.Context, id string) error {
	t.sched.retries.cancel(id)
	return t.sched.store.SetTaskStatus(ctx, id, store.TaskStatusPaused)
}

// Resume reactivates a paused or errored task, recomputing nextRun when the
// stored one has already passed or was cleared.
func (t *TaskService) Resume(ctx context.Context, id string) error {
	task, err := t.sched.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := t.sched.store.SetTaskStatus(ctx, id, store.TaskStatusActive); err != nil {
		return err
	}
	if task.ScheduleType != store.ScheduleOnce &&
		(task.NextRun == nil || task.NextRun.Before(time.Now())) {
		nextRun, err := t.sched.NextRun(task.ScheduleType, task.ScheduleValue, time.Now())
		if err != nil {
			return err
		}
		return t.sched.store.SetNextRun(ctx, id, nextRun)
	}
	return nil
}

// Cancel deletes the task. Unknown ids are a no-op, making cancel
// idempotent.
func (t *TaskService) Cancel(ctx context.Context, id string) error {
	t.sched.retries.cancel(id)
	return t.sched.store.DeleteTask(ctx, id)
}

func (t *TaskService) List(ctx context.Context, folder string) ([]store.ScheduledTask, error) {
	return t.sched.store.ListTasks(ctx, folder)
}
