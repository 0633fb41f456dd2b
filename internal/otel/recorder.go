package otel

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/tasklink/internal/bus"
)

// Recorder translates bus events into metric instrument updates. It is the
// only bridge between the event bus and OpenTelemetry, so the rest of the
// code stays free of metric plumbing.
type Recorder struct {
	bus     *bus.Bus
	metrics *Metrics
	logger  *slog.Logger

	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder creates a Recorder feeding the given metrics.
func NewRecorder(b *bus.Bus, m *Metrics, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{bus: b, metrics: m, logger: logger}
}

// Start subscribes to all bus topics and begins recording.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.sub = r.bus.Subscribe("")
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop unsubscribes and waits for the recorder goroutine to exit.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sub != nil {
		r.bus.Unsubscribe(r.sub)
	}
	r.wg.Wait()
}

func (r *Recorder) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.sub.Ch():
			if !ok {
				return
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.SyncCycleEvent:
		r.metrics.CycleDuration.Record(ctx, p.Duration.Seconds())
		r.metrics.TasksChecked.Add(ctx, int64(p.TasksChecked))
	case bus.TaskStatusChangedEvent:
		r.metrics.StatusChanges.Add(ctx, 1,
			metric.WithAttributes(AttrNewStatus.String(p.NewStatus)))
	case bus.TaskDeletedEvent:
		r.metrics.TaskDeletions.Add(ctx, 1)
	case bus.TaskMirroredEvent:
		r.metrics.TasksMirrored.Add(ctx, 1)
	case bus.NotifyErrorEvent:
		r.metrics.NotifyErrors.Add(ctx, 1,
			metric.WithAttributes(AttrNotifyKind.String(p.Kind)))
	case bus.TrackerCallEvent:
		attrs := metric.WithAttributes(AttrTrackerMethod.String(p.Method))
		r.metrics.TrackerCallDuration.Record(ctx, p.Duration.Seconds(), attrs)
		if p.Failed {
			r.metrics.TrackerCallErrors.Add(ctx, 1, attrs)
		}
	default:
		r.logger.Debug("unrecognized bus event", "topic", ev.Topic)
	}
}

// Standard attribute keys for tasklink telemetry.
var (
	AttrCycleID       = attribute.Key("tasklink.cycle.id")
	AttrTaskID        = attribute.Key("tasklink.task.id")
	AttrNewStatus     = attribute.Key("tasklink.task.status")
	AttrNotifyKind    = attribute.Key("tasklink.notify.kind")
	AttrTrackerMethod = attribute.Key("tasklink.tracker.method")
)
