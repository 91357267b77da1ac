package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestDurationHistograms_UseTheirOwnBuckets(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.NegotiationDuration.Record(ctx, 0.3)
	m.NegotiationDuration.Record(ctx, 1.2)
	m.SessionDuration.Record(ctx, 45)

	rm := collect(t, reader)
	tests := []struct {
		name   string
		bounds []float64
		count  uint64
	}{
		{"parley.negotiation.duration", latencyBuckets, 2},
		{"parley.session.duration", sessionBuckets, 1},
	}
	for _, tt := range tests {
		met := findMetric(rm, tt.name)
		if met == nil {
			t.Fatalf("%s not recorded", tt.name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) != 1 {
			t.Fatalf("%s data = %+v, want one histogram point", tt.name, met.Data)
		}
		dp := hist.DataPoints[0]
		if dp.Count != tt.count {
			t.Errorf("%s count = %d, want %d", tt.name, dp.Count, tt.count)
		}
		if len(dp.Bounds) != len(tt.bounds) || dp.Bounds[0] != tt.bounds[0] {
			t.Errorf("%s bounds = %v, want %v", tt.name, dp.Bounds, tt.bounds)
		}
	}
}

// sumFor returns the value of the data point of counter name whose attribute
// key equals value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: data point %s=%s not found", name, key, value)
	return 0
}

func TestTurnsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "user")
	m.RecordTurn(ctx, "assistant")
	m.RecordTurn(ctx, "assistant")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "parley.turns", "role", "assistant"); got != 2 {
		t.Errorf("assistant turns = %d, want 2", got)
	}
	if got := sumFor(t, rm, "parley.turns", "role", "user"); got != 1 {
		t.Errorf("user turns = %d, want 1", got)
	}
}

func TestStatusCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionStart(ctx, "ok")
	m.RecordSessionStart(ctx, "error")
	m.RecordSessionStart(ctx, "ok")
	m.RecordUpstreamRequest(ctx, "error")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "parley.session.starts", "status", "ok"); got != 2 {
		t.Errorf("session starts ok = %d, want 2", got)
	}
	if got := sumFor(t, rm, "parley.upstream.requests", "status", "error"); got != 1 {
		t.Errorf("upstream errors = %d, want 1", got)
	}
}

func TestErrorCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStoreError(ctx, "append_message")
	m.RecordProtocolError(ctx, "")
	m.CaptureFramesDropped.Add(ctx, 3)
	m.PlaybackFragmentsDropped.Add(ctx, 1)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "parley.store.errors", "op", "append_message"); got != 1 {
		t.Errorf("store errors = %d, want 1", got)
	}
	if got := sumFor(t, rm, "parley.protocol.errors", "code", "unknown"); got != 1 {
		t.Errorf("protocol errors = %d, want 1", got)
	}
	if got := sumFor(t, rm, "parley.capture.frames_dropped", "", ""); got != 3 {
		t.Errorf("frames dropped = %d, want 3", got)
	}
	if got := sumFor(t, rm, "parley.playback.fragments_dropped", "", ""); got != 1 {
		t.Errorf("fragments dropped = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so a start/stop pair nets to zero.
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "parley.sessions.active", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestDefaultMetrics_IsShared(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics() built a second instance")
	}
}
