// Package scheduler is the scheduled task engine. A due-scan loop picks
// active tasks whose next run has arrived and submits each one through the
// owning chat's queue; failed runs are classified and either retried on a
// fixed backoff ladder or parked with a notification to the chat.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/nanoclaw/internal/bus"
	"github.com/basket/nanoclaw/internal/config"
	"github.com/basket/nanoclaw/internal/ipc"
	"github.com/basket/nanoclaw/internal/queue"
	"github.com/basket/nanoclaw/internal/runner"
	"github.com/basket/nanoclaw/internal/store"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// snapshotFile is the read-only task listing dropped into the chat's IPC dir
// before each scheduled run, so the agent's list_tasks tool sees coherent
// data.
const snapshotFile = "tasks_snapshot.json"

// Scheduler owns the task table. It submits work into the per-chat queues
// but never touches agent subprocesses directly.
type Scheduler struct {
	store  *store.Store
	queue  *queue.Manager
	cfg    config.Config
	send   queue.Sender
	bus    *bus.Bus
	logger *slog.Logger
	loc    *time.Location

	retries *retryTimers
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool
}

func New(st *store.Store, qm *queue.Manager, cfg config.Config, send queue.Sender, b *bus.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		queue:    qm,
		cfg:      cfg,
		send:     send,
		bus:      b,
		logger:   logger,
		loc:      cfg.Location(),
		retries:  newRetryTimers(),
		inFlight: make(map[string]bool),
	}
}

// Start begins the due-scan loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("task scheduler started",
		"poll_interval_seconds", s.cfg.Scheduler.PollIntervalSeconds,
		"timezone", s.loc.String())
}

// Stop halts the loop and pending retries.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.retries.stopAll()
	s.wg.Wait()
	s.logger.Info("task scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.Scheduler.PollIntervalSeconds) * time.Second)
	defer ticker.Stop()

	s.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// scan submits every due task in discovery order. Tasks for the same JID
// serialize through the queue; different JIDs run in parallel.
func (s *Scheduler) scan(ctx context.Context) {
	due, err := s.store.DueTasks(ctx, time.Now())
	if err != nil {
		s.logger.Error("due-task scan failed", "error", err)
		return
	}
	for _, task := range due {
		s.submit(ctx, task.ID)
	}
}

// submit re-reads the task and enqueues a run if it is still eligible.
func (s *Scheduler) submit(ctx context.Context, taskID string) {
	s.mu.Lock()
	if s.inFlight[taskID] {
		s.mu.Unlock()
		return
	}
	s.inFlight[taskID] = true
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.inFlight, taskID)
		s.mu.Unlock()
	}

	// The task may have been paused or cancelled since discovery.
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, store.ErrTaskNotFound) {
			s.logger.Warn("re-read before submit failed", "task", taskID, "error", err)
		}
		release()
		return
	}
	if task.Status != store.TaskStatusActive {
		release()
		return
	}

	chat, err := s.store.GetChatByFolder(ctx, task.Folder)
	if err != nil {
		release()
		if errors.Is(err, store.ErrChatNotFound) {
			s.recordFailure(ctx, task, time.Now(), 0, "group not found: "+task.Folder)
			return
		}
		s.logger.Warn("resolve chat failed", "task", taskID, "error", err)
		return
	}

	if err := s.writeSnapshot(ctx, task.Folder); err != nil {
		s.logger.Warn("task snapshot write failed", "task", taskID, "error", err)
	}

	sessionID := ""
	if task.ContextMode == store.ContextGroup {
		sessionID, err = s.store.GetSession(ctx, task.Folder)
		if err != nil {
			s.logger.Warn("load session for task failed", "task", taskID, "error", err)
		}
	}

	started := time.Now()
	s.queue.EnqueueTask(chat, queue.TaskSpec{
		TaskID: task.ID,
		Input: runner.Input{
			Prompt:          task.Prompt,
			SessionID:       sessionID,
			GroupFolder:     task.Folder,
			ChatJID:         task.JID,
			IsMain:          task.Folder == s.cfg.MainFolder,
			IsScheduledTask: true,
		},
		IdleTimeout: time.Duration(s.cfg.Scheduler.TaskIdleTimeoutSeconds) * time.Second,
		Done: func(res runner.RunResult, err error) {
			defer release()
			s.onRunFinished(ctx, task, started, res, err)
		},
	})
}

// writeSnapshot drops the full task set into the folder's IPC dir. The
// agent-side list tool filters to its own folder unless it is the main
// chat, which oversees everything.
func (s *Scheduler) writeSnapshot(ctx context.Context, folder string) error {
	tasks, err := s.store.ListTasks(ctx, "")
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	tr, err := ipc.NewTransport(filepath.Join(s.cfg.GroupsDir, folder, "ipc"), s.logger)
	if err != nil {
		return err
	}
	return tr.WriteFile(snapshotFile, data)
}

func (s *Scheduler) onRunFinished(ctx context.Context, task store.ScheduledTask, started time.Time, res runner.RunResult, runErr error) {
	runAt := started
	duration := time.Since(started)

	errMsg := ""
	switch {
	case runErr != nil:
		errMsg = runErr.Error()
	case res.LastError != "" && res.FinalResult == "":
		errMsg = res.LastError
	}

	if errMsg == "" {
		s.recordSuccess(ctx, task, runAt, duration, res.FinalResult)
		return
	}
	s.recordFailure(ctx, task, runAt, duration, errMsg)
}

func (s *Scheduler) recordSuccess(ctx context.Context, task store.ScheduledTask, runAt time.Time, duration time.Duration, result string) {
	nextRun, err := s.NextRun(task.ScheduleType, task.ScheduleValue, time.Now())
	if err != nil {
		s.logger.Warn("next-run computation failed", "task", task.ID, "error", err)
	}
	if err := s.store.AppendRunLog(ctx, store.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      runAt,
		DurationMs: duration.Milliseconds(),
		Status:     "success",
		Result:     result,
	}); err != nil {
		s.logger.Warn("append run log failed", "task", task.ID, "error", err)
	}
	if err := s.store.MarkRunSuccess(ctx, task.ID, runAt, nextRun, result); err != nil {
		s.logger.Warn("mark success failed", "task", task.ID, "error", err)
	}
	if s.bus != nil {
		s.bus.Emit(ctx, bus.EventTaskCompleted, bus.TaskEvent{
			TaskID: task.ID, JID: task.JID, Status: "success", Duration: duration,
		})
	}
}

func (s *Scheduler) recordFailure(ctx context.Context, task store.ScheduledTask, runAt time.Time, duration time.Duration, errMsg string) {
	recent, err := s.store.RecentRunLogs(ctx, task.ID, 5)
	if err != nil {
		s.logger.Warn("read run logs failed", "task", task.ID, "error", err)
	}
	diag := Diagnose(errMsg, recent)

	if err := s.store.AppendRunLog(ctx, store.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      runAt,
		DurationMs: duration.Milliseconds(),
		Status:     "error",
		Error:      errMsg,
	}); err != nil && !errors.Is(err, store.ErrTaskCompleted) {
		s.logger.Warn("append run log failed", "task", task.ID, "error", err)
	}
	if s.bus != nil {
		s.bus.Emit(ctx, bus.EventTaskCompleted, bus.TaskEvent{
			TaskID: task.ID, JID: task.JID, Status: "error", Duration: duration,
		})
	}

	s.logger.Warn("task run failed",
		"task", task.ID, "pattern", string(diag.Pattern), "error", errMsg)

	switch diag.Pattern {
	case PatternOrphaned:
		if err := s.store.SetTaskStatus(ctx, task.ID, store.TaskStatusCompleted); err != nil {
			s.logger.Warn("deactivate orphaned task failed", "task", task.ID, "error", err)
		}
		s.notify(ctx, task, diag, errMsg, "completed")
		return
	case PatternPersistent:
		if err := s.store.SetTaskStatus(ctx, task.ID, store.TaskStatusPaused); err != nil {
			s.logger.Warn("pause task failed", "task", task.ID, "error", err)
		}
		s.notify(ctx, task, diag, errMsg, "paused")
		return
	}

	// Retryable: rate-limited, timeout, transient, unknown.
	attempt := task.RetryCount + 1
	nextRun, nrErr := s.NextRun(task.ScheduleType, task.ScheduleValue, time.Now())
	if nrErr != nil {
		s.logger.Warn("next-run computation failed", "task", task.ID, "error", nrErr)
	}
	if err := s.store.MarkRunFailure(ctx, task.ID, runAt, nextRun, errMsg, attempt); err != nil {
		s.logger.Warn("mark failure failed", "task", task.ID, "error", err)
	}

	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.Scheduler.MaxRetries
	}
	if attempt > maxRetries {
		if err := s.store.SetTaskStatus(ctx, task.ID, store.TaskStatusError); err != nil {
			s.logger.Warn("mark task errored failed", "task", task.ID, "error", err)
		}
		s.notify(ctx, task, diag, errMsg, "error")
		return
	}

	delay := retryDelay(attempt, diag.Pattern)
	s.logger.Info("retry scheduled", "task", task.ID, "attempt", attempt, "delay", delay)
	s.retries.schedule(task.ID, delay, func() {
		// Re-check on fire: only still-eligible tasks are re-enqueued.
		cur, err := s.store.GetTask(ctx, task.ID)
		if err != nil {
			return
		}
		if cur.Status != store.TaskStatusActive && cur.Status != store.TaskStatusError {
			return
		}
		if cur.Status == store.TaskStatusError {
			if err := s.store.SetTaskStatus(ctx, task.ID, store.TaskStatusActive); err != nil {
				return
			}
		}
		s.submit(ctx, task.ID)
	})
}

// notify sends the structured failure notification to the task's chat:
// diagnosis, recommended action, raw error, and how to resume.
func (s *Scheduler) notify(ctx context.Context, task store.ScheduledTask, diag Diagnosis, errMsg, newStatus string) {
	if s.send == nil {
		return
	}
	text := fmt.Sprintf(
		"Scheduled task %q is now %s: %s.\nRecommendation: %s\nError: %s\nUse resume_task %s to reactivate it.",
		task.ID, newStatus, diag.Summary, diag.Recommendation, errMsg, task.ID)
	if err := s.send.Send(ctx, task.JID, text); err != nil {
		s.logger.Warn("task notification failed", "task", task.ID, "error", err)
	}
}

// NextRun computes the time a schedule fires next after from. Once tasks
// return nil: their single firing consumes nextRun.
func (s *Scheduler) NextRun(scheduleType store.ScheduleType, value string, from time.Time) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", value, err)
		}
		next := sched.Next(from.In(s.loc))
		return &next, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("interval %q is not a positive millisecond count", value)
		}
		next := from.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case store.ScheduleOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// FirstRun computes the initial nextRun for a newly created task. A once
// task scheduled in the past still fires on the next scan.
func (s *Scheduler) FirstRun(scheduleType store.ScheduleType, value string, from time.Time) (*time.Time, error) {
	if scheduleType == store.ScheduleOnce {
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("parse once time %q: %w", value, err)
		}
		return &at, nil
	}
	return s.NextRun(scheduleType, value, from)
}
