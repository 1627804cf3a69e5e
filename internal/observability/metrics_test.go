package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.EventsAppended.WithLabelValues("vehicles").Add(3)
	m.EventsShed.WithLabelValues("vehicles").Inc()
	m.Batches.WithLabelValues("vehicles", OutcomeCommitted).Inc()
	m.RowsPersisted.WithLabelValues("vehicles").Add(3)
	m.FlushDuration.WithLabelValues("vehicles", "ok").Observe(0.02)
	m.BatchSize.WithLabelValues("vehicles").Observe(3)
	m.FlushRetries.WithLabelValues("vehicles").Inc()
	m.DeadLettered.WithLabelValues("vehicles").Add(2)
	m.AckErrors.WithLabelValues("vehicles").Inc()
	m.AccumulatorDepth.WithLabelValues("vehicles").Set(5)
	m.InFlightEvents.WithLabelValues("vehicles").Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"stowage_events_appended_total",
		"stowage_events_shed_total",
		"stowage_batches_total",
		"stowage_rows_persisted_total",
		"stowage_flush_duration_seconds",
		"stowage_batch_size_events",
		"stowage_flush_retries_total",
		"stowage_deadlettered_events_total",
		"stowage_ack_errors_total",
		"stowage_accumulator_depth_events",
		"stowage_inflight_events",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("expected metric %s not found", name)
		}
	}
}

func TestMetrics_SetState(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	states := []string{"idle", "flushing", "retrying"}

	m.SetState("vehicles", "flushing", states)
	if got := testutil.ToFloat64(m.ControllerState.WithLabelValues("vehicles", "flushing")); got != 1 {
		t.Errorf("expected flushing=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.ControllerState.WithLabelValues("vehicles", "idle")); got != 0 {
		t.Errorf("expected idle=0, got %v", got)
	}

	m.SetState("vehicles", "retrying", states)
	if got := testutil.ToFloat64(m.ControllerState.WithLabelValues("vehicles", "flushing")); got != 0 {
		t.Errorf("expected flushing=0 after transition, got %v", got)
	}
}
