// Package syncer runs the periodic reconciliation loop that detects remote
// status changes and deletions for mirrored tasks and applies them locally.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/tasklink/internal/bus"
	"github.com/basket/tasklink/internal/store"
	"github.com/basket/tasklink/internal/tracker"
)

// TaskReader is the tracker surface the engine needs.
type TaskReader interface {
	GetTask(ctx context.Context, id int64) (tracker.RemoteTask, error)
}

// Gateway delivers user-facing notifications. Implemented by the telegram
// channel; nil-safe via SetGateway being optional.
type Gateway interface {
	SendDirect(userID int64, text string) error
	SendChannelReply(chatID int64, messageID int, text string) error
}

// Config tunes the loop. Zero values fall back to the defaults.
type Config struct {
	Interval     time.Duration // between cycles, default 5m
	TaskDelay    time.Duration // between per-task remote reads, default 500ms
	FailurePause time.Duration // extra pause after a failed cycle, default 60s
	StartupDelay time.Duration // before the first cycle, default 30s
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.TaskDelay < 0 {
		c.TaskDelay = 500 * time.Millisecond
	}
	if c.FailurePause <= 0 {
		c.FailurePause = time.Minute
	}
	if c.StartupDelay < 0 {
		c.StartupDelay = 30 * time.Second
	}
}

// CycleResult summarizes one reconciliation pass.
type CycleResult struct {
	CycleID       string
	TasksChecked  int
	StatusChanges int
	Deletions     int
	Skipped       int
	Duration      time.Duration
}

type Engine struct {
	store   *store.Store
	tracker TaskReader
	bus     *bus.Bus // may be nil in tests
	logger  *slog.Logger
	cfg     Config

	gatewayMu sync.RWMutex
	gateway   Gateway

	cycleMu sync.Mutex // serializes cycles (loop vs manual trigger)

	startMu sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(st *store.Store, tr TaskReader, eventBus *bus.Bus, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Engine{
		store:   st,
		tracker: tr,
		bus:     eventBus,
		logger:  logger,
		cfg:     cfg,
	}
}

// SetGateway wires the notification channel after construction. The channel
// needs the engine for its /sync command, so the two cannot be built in one
// pass.
func (e *Engine) SetGateway(g Gateway) {
	e.gatewayMu.Lock()
	e.gateway = g
	e.gatewayMu.Unlock()
}

func (e *Engine) currentGateway() Gateway {
	e.gatewayMu.RLock()
	defer e.gatewayMu.RUnlock()
	return e.gateway
}

// Start launches the reconciliation loop. It returns immediately; the loop
// runs until Stop is called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.stop != nil {
		return errors.New("syncer: already started")
	}
	e.stop = make(chan struct{})

	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info("sync loop started",
		"interval", e.cfg.Interval,
		"task_delay", e.cfg.TaskDelay,
		"startup_delay", e.cfg.StartupDelay)
	return nil
}

// Stop signals the loop to exit and waits for it. An in-flight cycle runs
// to completion first.
func (e *Engine) Stop() {
	e.startMu.Lock()
	if e.stop == nil {
		e.startMu.Unlock()
		return
	}
	close(e.stop)
	e.stop = nil
	e.startMu.Unlock()

	e.wg.Wait()
	e.logger.Info("sync loop stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	if !e.sleep(ctx, e.cfg.StartupDelay) {
		return
	}

	for {
		pause := e.cfg.Interval
		if _, err := e.runCycleSafe(ctx); err != nil {
			pause += e.cfg.FailurePause
		}
		if !e.sleep(ctx, pause) {
			return
		}
	}
}

// sleep waits for d unless the loop is told to exit. It returns false when
// the loop should stop.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	e.startMu.Lock()
	stop := e.stop
	e.startMu.Unlock()
	if stop == nil {
		return false
	}

	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		default:
			return true
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

// runCycleSafe isolates the loop from panics inside a cycle. A panic is a
// failed cycle, not a dead loop.
func (e *Engine) runCycleSafe(ctx context.Context) (result CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync cycle panic: %v", r)
			e.logger.Error("sync cycle panicked", "panic", fmt.Sprint(r))
		}
	}()
	result, err = e.RunCycle(ctx)
	if err != nil {
		e.logger.Error("sync cycle failed", "cycle_id", result.CycleID, "error", err)
	}
	return result, err
}

// RunCycle performs one reconciliation pass over every active mirrored
// task. It is safe to call concurrently with the loop (cycles are
// serialized) and doubles as the synchronous operator trigger.
//
// Per-task remote failures are skipped; only a persistence failure aborts
// the cycle.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	result := CycleResult{CycleID: uuid.NewString()}
	log := e.logger.With("cycle_id", result.CycleID)

	tasks, err := e.store.ListActiveMirrored(ctx)
	if err != nil {
		return result, fmt.Errorf("load sync working set: %w", err)
	}
	log.Debug("sync cycle started", "tasks", len(tasks))

	for i, task := range tasks {
		if i > 0 && !e.pause(ctx) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		result.TasksChecked++

		if err := e.reconcileTask(ctx, log, task, &result); err != nil {
			result.Duration = time.Since(start)
			e.publishCycle(result)
			return result, err
		}
	}

	result.Duration = time.Since(start)
	e.publishCycle(result)
	log.Info("sync cycle complete",
		"tasks_checked", result.TasksChecked,
		"status_changes", result.StatusChanges,
		"deletions", result.Deletions,
		"skipped", result.Skipped,
		"duration", result.Duration)
	return result, nil
}

// reconcileTask compares one task against its remote twin. The returned
// error is non-nil only for local persistence failures, which abort the
// cycle.
func (e *Engine) reconcileTask(ctx context.Context, log *slog.Logger, task store.Task, result *CycleResult) error {
	trackerID := *task.TrackerTaskID
	remote, err := e.tracker.GetTask(ctx, trackerID)

	switch {
	case errors.Is(err, tracker.ErrNotFound):
		return e.handleDeletion(ctx, log, task, result)

	case tracker.IsTransient(err):
		log.Warn("tracker unavailable for task, will retry next cycle",
			"task_id", task.ID, "tracker_task_id", trackerID, "error", err)
		result.Skipped++
		return nil

	case err != nil:
		log.Error("tracker lookup failed for task",
			"task_id", task.ID, "tracker_task_id", trackerID, "error", err)
		result.Skipped++
		return nil
	}

	newStatus, known := MapRemoteStatus(remote.Status)
	if !known {
		log.Warn("unknown remote status code, skipping task",
			"task_id", task.ID, "tracker_task_id", trackerID, "status_code", remote.Status)
		result.Skipped++
		return nil
	}
	if newStatus == task.Status {
		return nil
	}

	// Persist before notifying.
	oldStatus, err := e.store.UpdateTaskStatus(ctx, task.ID, newStatus)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Warn("remote status change violates task lifecycle, skipping",
				"task_id", task.ID, "from", task.Status, "to", newStatus)
			result.Skipped++
			return nil
		}
		return fmt.Errorf("persist status change for task %d: %w", task.ID, err)
	}

	result.StatusChanges++
	log.Info("task status changed remotely",
		"task_id", task.ID, "tracker_task_id", trackerID,
		"from", oldStatus, "to", newStatus)

	e.notifyStatusChange(task, oldStatus, newStatus)
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
			TaskID:        task.ID,
			TrackerTaskID: trackerID,
			OldStatus:     string(oldStatus),
			NewStatus:     string(newStatus),
			CycleID:       result.CycleID,
		})
	}
	return nil
}

// handleDeletion closes out a task whose remote twin disappeared. The task
// goes terminal cancelled and exactly one channel notice is sent; the
// reporter gets no direct message for deletions.
func (e *Engine) handleDeletion(ctx context.Context, log *slog.Logger, task store.Task, result *CycleResult) error {
	trackerID := *task.TrackerTaskID

	if _, err := e.store.UpdateTaskStatus(ctx, task.ID, store.TaskStatusCancelled); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Already terminal; nothing to record or announce.
			return nil
		}
		return fmt.Errorf("persist deletion of task %d: %w", task.ID, err)
	}

	result.Deletions++
	log.Info("mirrored task deleted remotely",
		"task_id", task.ID, "tracker_task_id", trackerID)

	if gw := e.currentGateway(); gw != nil {
		text := fmt.Sprintf("Task #%d (%s) was deleted in the tracker and has been closed.", task.ID, task.Title)
		if err := gw.SendChannelReply(task.TelegramChatID, int(task.TelegramMessageID), text); err != nil {
			log.Warn("deletion notice not delivered", "task_id", task.ID, "error", err)
			e.publishNotifyError(task.ID, "deletion")
		}
	}

	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskDeleted, bus.TaskDeletedEvent{
			TaskID:        task.ID,
			TrackerTaskID: trackerID,
			CycleID:       result.CycleID,
		})
	}
	return nil
}

// notifyStatusChange announces a remote status change in the originating
// chat and directly to the reporter. Delivery failures are logged only.
func (e *Engine) notifyStatusChange(task store.Task, from, to store.TaskStatus) {
	gw := e.currentGateway()
	if gw == nil {
		return
	}

	text := fmt.Sprintf("Task #%d (%s): %s → %s", task.ID, task.Title, humanStatus(from), humanStatus(to))
	if err := gw.SendChannelReply(task.TelegramChatID, int(task.TelegramMessageID), text); err != nil {
		e.logger.Warn("status change notice not delivered to chat", "task_id", task.ID, "error", err)
		e.publishNotifyError(task.ID, "status_change_chat")
	}
	if err := gw.SendDirect(task.TelegramUserID, text); err != nil {
		e.logger.Warn("status change notice not delivered to reporter", "task_id", task.ID, "error", err)
		e.publishNotifyError(task.ID, "status_change_direct")
	}
}

func humanStatus(s store.TaskStatus) string {
	switch s {
	case store.TaskStatusNew:
		return "new"
	case store.TaskStatusInProgress:
		return "in progress"
	case store.TaskStatusCompleted:
		return "completed"
	case store.TaskStatusCancelled:
		return "cancelled"
	default:
		return string(s)
	}
}

// pause sleeps the inter-task delay, honoring cancellation.
func (e *Engine) pause(ctx context.Context) bool {
	if e.cfg.TaskDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(e.cfg.TaskDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine) publishCycle(result CycleResult) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicSyncCycle, bus.SyncCycleEvent{
		CycleID:      result.CycleID,
		TasksChecked: result.TasksChecked,
		Duration:     result.Duration,
	})
}

func (e *Engine) publishNotifyError(taskID int64, kind string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicNotifyError, bus.NotifyErrorEvent{TaskID: taskID, Kind: kind})
}
