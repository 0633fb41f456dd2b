package bus

import "time"

// Topic constants for events published on the bus. Subscribers may use a
// prefix to match a family of topics (e.g. "task." for all task events).
const (
	TopicSyncCycle         = "sync.cycle"
	TopicTaskStatusChanged = "task.status_changed"
	TopicTaskDeleted       = "task.deleted"
	TopicTaskMirrored      = "task.mirrored"
	TopicNotifyError       = "notify.error"
	TopicTrackerCall       = "tracker.call"
)

// SyncCycleEvent is published after every reconciliation cycle completes.
type SyncCycleEvent struct {
	CycleID      string
	TasksChecked int
	Duration     time.Duration
}

// TaskStatusChangedEvent is published when a remote status change has been
// applied to a mirrored task.
type TaskStatusChangedEvent struct {
	TaskID        int64
	TrackerTaskID int64
	OldStatus     string
	NewStatus     string
	CycleID       string
}

// TaskDeletedEvent is published when a mirrored task is found deleted on the
// remote tracker and has been closed out locally.
type TaskDeletedEvent struct {
	TaskID        int64
	TrackerTaskID int64
	CycleID       string
}

// TaskMirroredEvent is published when a local task gains its remote twin.
type TaskMirroredEvent struct {
	TaskID        int64
	TrackerTaskID int64
}

// NotifyErrorEvent is published when a notification delivery fails.
// Kind identifies the notification variant that failed.
type NotifyErrorEvent struct {
	TaskID int64
	Kind   string
}

// TrackerCallEvent is published for every outbound tracker API call.
type TrackerCallEvent struct {
	Method   string
	Duration time.Duration
	Failed   bool
}
