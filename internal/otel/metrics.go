package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all tasklink metric instruments.
type Metrics struct {
	CycleDuration       metric.Float64Histogram
	TasksChecked        metric.Int64Counter
	StatusChanges       metric.Int64Counter
	TaskDeletions       metric.Int64Counter
	TasksMirrored       metric.Int64Counter
	NotifyErrors        metric.Int64Counter
	TrackerCallDuration metric.Float64Histogram
	TrackerCallErrors   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CycleDuration, err = meter.Float64Histogram("tasklink.sync.cycle.duration",
		metric.WithDescription("Reconciliation cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksChecked, err = meter.Int64Counter("tasklink.sync.tasks.checked",
		metric.WithDescription("Mirrored tasks examined per cycle"),
	)
	if err != nil {
		return nil, err
	}

	m.StatusChanges, err = meter.Int64Counter("tasklink.sync.status.changes",
		metric.WithDescription("Remote status changes applied locally"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDeletions, err = meter.Int64Counter("tasklink.sync.task.deletions",
		metric.WithDescription("Remote task deletions detected"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksMirrored, err = meter.Int64Counter("tasklink.tasks.mirrored",
		metric.WithDescription("Tasks linked to a remote tracker task"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyErrors, err = meter.Int64Counter("tasklink.notify.errors",
		metric.WithDescription("Failed status-change notifications"),
	)
	if err != nil {
		return nil, err
	}

	m.TrackerCallDuration, err = meter.Float64Histogram("tasklink.tracker.call.duration",
		metric.WithDescription("Tracker REST call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TrackerCallErrors, err = meter.Int64Counter("tasklink.tracker.call.errors",
		metric.WithDescription("Tracker REST call failures"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
