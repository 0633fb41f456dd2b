package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/tasklink/internal/bus"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}

	ctx, span := p.Tracer.Start(context.Background(), "test.span")
	span.End()
	_ = ctx
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "magic-pixie-dust",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	// Noop instruments must accept records without panicking.
	m.CycleDuration.Record(context.Background(), 1.5)
	m.TasksChecked.Add(context.Background(), 3)
}

func TestRecorder_CountsBusEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := bus.New()
	r := NewRecorder(b, m, nil)
	r.Start(context.Background())
	defer r.Stop()

	b.Publish(bus.TopicSyncCycle, bus.SyncCycleEvent{
		CycleID:      "c1",
		TasksChecked: 4,
		Duration:     250 * time.Millisecond,
	})
	b.Publish(bus.TopicTaskDeleted, bus.TaskDeletedEvent{TaskID: 1, TrackerTaskID: 10})
	b.Publish(bus.TopicTaskDeleted, bus.TaskDeletedEvent{TaskID: 2, TrackerTaskID: 11})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := counterValue(t, reader, "tasklink.sync.task.deletions"); got == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for deletion counter")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := counterValue(t, reader, "tasklink.sync.tasks.checked"); got != 4 {
		t.Errorf("tasks checked = %d, want 4", got)
	}
}

// counterValue collects current metrics and sums the datapoints of the named
// Int64 counter, returning 0 when it has not been recorded yet.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}
