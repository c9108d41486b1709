package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrNoAccounts rejects a submission carrying an empty account selection.
	ErrNoAccounts = errors.New("no accounts selected")
	// ErrNotRunning is returned by Stop when the task has no live process
	// and no pending trigger, or does not exist at all.
	ErrNotRunning = errors.New("task is not running")
	// ErrTaskNotFound is returned by operations addressing an unknown task.
	ErrTaskNotFound = errors.New("task not found")
)

// Scheduler owns the task table. Every mutation of task state — submission,
// log appends, status transitions, timer arming, cancellation — goes through
// its single mutex, so a racing Stop always observes or is observed by the
// completion path, never interleaved with it.
type Scheduler struct {
	runner   Runner
	logger   *slog.Logger
	location *time.Location

	// patterns are advisory lowercase substrings; a cycle whose log lines
	// match any of them is marked failed even when every exit code was 0.
	patterns   []string
	onComplete func(TaskView)

	mu      sync.Mutex
	tasks   map[string]*Task
	order   []string
	entries map[string]cron.EntryID

	cron    *cron.Cron
	baseCtx context.Context
	wg      sync.WaitGroup

	// afterFunc indirection lets tests drive recurrence with a virtual clock.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// Option configures optional scheduler behavior.
type Option func(*Scheduler)

// WithFailurePatterns sets advisory log substrings that mark a cycle failed.
func WithFailurePatterns(patterns []string) Option {
	return func(s *Scheduler) {
		for _, p := range patterns {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				s.patterns = append(s.patterns, p)
			}
		}
	}
}

// WithCompletionHook registers a callback invoked (outside the lock) with a
// snapshot of the task each time an account sequence finishes.
func WithCompletionHook(hook func(TaskView)) Option {
	return func(s *Scheduler) { s.onComplete = hook }
}

// NewScheduler constructs a scheduler with the given runner.
func NewScheduler(runner Runner, logger *slog.Logger, location *time.Location, opts ...Option) *Scheduler {
	if location == nil {
		location = time.Local
	}
	s := &Scheduler{
		runner:    runner,
		logger:    logger,
		location:  location,
		tasks:     make(map[string]*Task),
		entries:   make(map[string]cron.EntryID),
		cron:      cron.New(cron.WithParser(cronParser), cron.WithLocation(location)),
		afterFunc: time.AfterFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins cron dispatch. ctx is the parent of every run; cancelling it
// terminates in-flight imapsync processes.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx = ctx
	s.cron.Start()
}

// Shutdown stops cron dispatch and returns a context that is done once the
// cron loop has drained.
func (s *Scheduler) Shutdown() context.Context {
	return s.cron.Stop()
}

// Drain waits for in-flight account sequences to finish or ctx to expire.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit creates a task for the selected accounts of a project and starts
// its first run immediately. interval is the recurrence in minutes; 0 means
// run once. Returns the new task ID.
func (s *Scheduler) Submit(project *Project, accounts []Account, interval int) (string, error) {
	if len(accounts) == 0 {
		return "", ErrNoAccounts
	}
	if interval < 0 {
		interval = 0
	}

	s.mu.Lock()
	task := s.newTaskLocked(project, accounts, interval)
	ctx := s.startCycleLocked(task)
	s.mu.Unlock()

	s.logger.Info("sync task submitted", "task_id", task.ID, "project", project.Name,
		"accounts", len(accounts), "interval_min", interval)
	s.wg.Add(1)
	go s.runSequence(task.ID, ctx)
	return task.ID, nil
}

// SubmitScheduled creates a task whose recurrence is driven by a 5-field
// cron expression instead of a fixed interval. The first run starts
// immediately; later runs fire on the schedule, skipping when the previous
// run is still in progress.
func (s *Scheduler) SubmitScheduled(project *Project, accounts []Account, schedule string) (string, error) {
	if len(accounts) == 0 {
		return "", ErrNoAccounts
	}
	parsed, err := ParseCron(schedule)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	task := s.newTaskLocked(project, accounts, 0)
	ctx := s.startCycleLocked(task)
	id := task.ID
	s.entries[id] = s.cron.Schedule(parsed, cron.FuncJob(func() { s.cronFired(id) }))
	s.mu.Unlock()

	s.logger.Info("scheduled sync task submitted", "task_id", id, "project", project.Name,
		"accounts", len(accounts), "schedule", schedule)
	s.wg.Add(1)
	go s.runSequence(id, ctx)
	return id, nil
}

// Stop cancels a task: the in-flight imapsync process (if any) is
// terminated, the recurrence trigger is disarmed, and the status becomes
// Stopped for good. ErrNotRunning is returned when there is nothing to stop.
func (s *Scheduler) Stop(taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return ErrNotRunning
	}

	hadTimer := task.timer != nil
	if hadTimer {
		task.timer.Stop()
		task.timer = nil
	}
	entryID, hadEntry := s.entries[taskID]
	if hadEntry {
		delete(s.entries, taskID)
	}
	if !task.inFlight && !hadTimer && !hadEntry {
		s.mu.Unlock()
		return ErrNotRunning
	}

	task.Status = TaskStatusStopped
	task.Logs = append(task.Logs, "sync stopped manually")
	cancel := task.cancelRun
	task.cancelRun = nil
	s.mu.Unlock()

	// Outside the lock: the cron run loop may itself be blocked on s.mu.
	if hadEntry {
		s.cron.Remove(entryID)
	}
	if cancel != nil {
		cancel()
	}
	s.logger.Info("sync task stopped", "task_id", taskID)
	return nil
}

// Task returns a snapshot of one task.
func (s *Scheduler) Task(taskID string) (TaskView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return TaskView{}, false
	}
	return task.view(), true
}

// Tasks returns snapshots of every task in submission order.
func (s *Scheduler) Tasks() []TaskView {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]TaskView, 0, len(s.order))
	for _, id := range s.order {
		views = append(views, s.tasks[id].view())
	}
	return views
}

// SetExpanded records the display expansion flag for a task.
func (s *Scheduler) SetExpanded(taskID string, expanded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	task.Expanded = expanded
	return nil
}

func (s *Scheduler) newTaskLocked(project *Project, accounts []Account, interval int) *Task {
	id := NewTaskID(project.Name)
	for _, exists := s.tasks[id]; exists; _, exists = s.tasks[id] {
		id = NewTaskID(project.Name)
	}
	accs := make([]Account, len(accounts))
	copy(accs, accounts)
	jobs := make([]Job, 0, len(accs))
	for _, acc := range accs {
		jobs = append(jobs, Job{
			ProjectName: project.Name,
			OldServer:   project.OldServer,
			NewServer:   project.NewServer,
			Options:     project.Options,
			Account:     acc,
		})
	}
	task := &Task{
		ID:          id,
		ProjectName: project.Name,
		Accounts:    accs,
		Interval:    interval,
		Status:      TaskStatusRunning,
		CreatedAt:   time.Now().UTC(),
		jobs:        jobs,
	}
	s.tasks[id] = task
	s.order = append(s.order, id)
	return task
}

// startCycleLocked marks the task running, records where this cycle's logs
// begin, and hands back the cancellation context for the run.
func (s *Scheduler) startCycleLocked(task *Task) context.Context {
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	task.Status = TaskStatusRunning
	task.inFlight = true
	task.cancelRun = cancel
	task.cycleStart = len(task.Logs)
	return ctx
}

// runSequence executes every job of the task strictly in order. Per-job
// failures are absorbed into the log and the aggregate status; only a Stop
// interrupts the sequence.
func (s *Scheduler) runSequence(taskID string, ctx context.Context) {
	defer s.wg.Done()

	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	jobs := task.jobs
	s.mu.Unlock()

	anyFailed := false
	for _, job := range jobs {
		if s.status(taskID) == TaskStatusStopped {
			break
		}
		out := s.runJob(ctx, taskID, job)
		target := job.Account.TargetEmail
		if target == "" {
			target = job.Account.SourceEmail
		}
		if out.Failed() {
			anyFailed = true
			s.appendLog(taskID, fmt.Sprintf("sync failed for %s -> %s (exit %d)",
				job.Account.SourceEmail, target, out.ExitCode))
		} else {
			s.appendLog(taskID, fmt.Sprintf("sync ok for %s -> %s",
				job.Account.SourceEmail, target))
		}
	}

	s.completeSequence(taskID, anyFailed)
}

// runJob shields the sequence from a panicking runner: the panic becomes a
// log line and a failed outcome for that one account.
func (s *Scheduler) runJob(ctx context.Context, taskID string, job Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("runner panic", "task_id", taskID, "account", job.Account.SourceEmail, "panic", r)
			s.appendLog(taskID, fmt.Sprintf("sync aborted by internal error: %v", r))
			out = Outcome{ExitCode: -1, Err: fmt.Errorf("runner panic: %v", r)}
		}
	}()
	return s.runner.Run(ctx, job, func(line string) { s.appendLog(taskID, line) })
}

// completeSequence evaluates the aggregate status exactly once per finished
// sequence and, still under the lock, decides whether to re-arm recurrence.
// A concurrently Stopped task is left untouched: Stopped is absorbing.
func (s *Scheduler) completeSequence(taskID string, anyFailed bool) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	task.inFlight = false
	task.cancelRun = nil
	if task.Status == TaskStatusStopped {
		s.mu.Unlock()
		return
	}

	if anyFailed || s.matchesFailurePattern(task.Logs[task.cycleStart:]) {
		task.Status = TaskStatusFailed
	} else {
		task.Status = TaskStatusCompleted
	}
	if task.Interval > 0 {
		s.armRecurrenceLocked(task)
	}
	view := task.view()
	s.mu.Unlock()

	s.logger.Info("sync sequence finished", "task_id", taskID, "status", view.Status)
	if s.onComplete != nil {
		s.onComplete(view)
	}
}

// armRecurrenceLocked replaces any pending timer with a fresh one-shot.
// At most one timer exists per task.
func (s *Scheduler) armRecurrenceLocked(task *Task) {
	if task.timer != nil {
		task.timer.Stop()
	}
	id := task.ID
	task.timer = s.afterFunc(time.Duration(task.Interval)*time.Minute, func() {
		s.recurrenceFired(id)
	})
}

func (s *Scheduler) recurrenceFired(taskID string) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	task.timer = nil
	if task.Status == TaskStatusStopped || task.inFlight {
		s.mu.Unlock()
		return
	}
	ctx := s.startCycleLocked(task)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runSequence(taskID, ctx)
}

func (s *Scheduler) cronFired(taskID string) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if task.Status == TaskStatusStopped {
		s.mu.Unlock()
		return
	}
	if task.inFlight {
		task.Logs = append(task.Logs, "scheduled run skipped: previous run still in progress")
		s.mu.Unlock()
		return
	}
	ctx := s.startCycleLocked(task)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runSequence(taskID, ctx)
}

func (s *Scheduler) appendLog(taskID string, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok {
		task.Logs = append(task.Logs, line)
	}
}

func (s *Scheduler) status(taskID string) TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok {
		return task.Status
	}
	return ""
}

func (s *Scheduler) matchesFailurePattern(lines []string) bool {
	if len(s.patterns) == 0 {
		return false
	}
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, p := range s.patterns {
			if strings.Contains(lower, p) {
				return true
			}
		}
	}
	return false
}
