package observer

import (
	"context"
	"testing"

	flock "github.com/sorenkv/flock"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// meterInstruments backs the instruments with an in-memory reader so the
// test can assert what was recorded.
func meterInstruments(t *testing.T) (*Instruments, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s data = %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func histogramCount(t *testing.T, reader *sdkmetric.ManualReader, name string) uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("%s data = %T, want Histogram[float64]", name, m.Data)
			}
			for _, dp := range hist.DataPoints {
				total += dp.Count
			}
		}
	}
	return total
}

func TestMetricSinkRecordsRunLifecycle(t *testing.T) {
	inst, reader := meterInstruments(t)
	sink := NewMetricSink(inst)

	sink.Record(flock.ResponseChunk{Type: flock.ChunkStart, AgentType: "researcher"})
	sink.Record(flock.ResponseChunk{Type: flock.ChunkToolCall, ToolCall: &flock.ToolCall{Name: "read_web"}})
	sink.Record(flock.ResponseChunk{Type: flock.ChunkSubagentStart, AgentType: "summarizer"})
	sink.Record(flock.ResponseChunk{Type: flock.ChunkSubagentFinish, Credits: 5})
	sink.Record(flock.ResponseChunk{Type: flock.ChunkFinish, Credits: 12})

	if got := counterValue(t, reader, "agent.runs"); got != 1 {
		t.Errorf("agent.runs = %d, want 1", got)
	}
	if got := counterValue(t, reader, "tool.executions"); got != 1 {
		t.Errorf("tool.executions = %d, want 1", got)
	}
	if got := counterValue(t, reader, "agent.spawns"); got != 1 {
		t.Errorf("agent.spawns = %d, want 1", got)
	}
	// Subagent spend is already folded into the finish total; only the
	// finish chunk may add credits.
	if got := counterValue(t, reader, "credits.spent"); got != 12 {
		t.Errorf("credits.spent = %d, want 12", got)
	}
	if got := histogramCount(t, reader, "agent.run.duration"); got != 1 {
		t.Errorf("run duration samples = %d, want 1", got)
	}
}

func TestMetricSinkFinishWithoutStart(t *testing.T) {
	inst, reader := meterInstruments(t)
	sink := NewMetricSink(inst)

	sink.Record(flock.ResponseChunk{Type: flock.ChunkFinish, Credits: 3})

	if got := counterValue(t, reader, "credits.spent"); got != 3 {
		t.Errorf("credits.spent = %d, want 3", got)
	}
	if got := histogramCount(t, reader, "agent.run.duration"); got != 0 {
		t.Errorf("run duration samples = %d, want 0", got)
	}
}

func TestMetricSinkWrapForwards(t *testing.T) {
	inst, _ := meterInstruments(t)

	var got []flock.ChunkType
	sink := NewMetricSink(inst).Wrap(func(c flock.ResponseChunk) {
		got = append(got, c.Type)
	})
	sink(flock.ResponseChunk{Type: flock.ChunkStart})
	sink(flock.ResponseChunk{Type: flock.ChunkText, Text: "hi"})
	sink(flock.ResponseChunk{Type: flock.ChunkFinish})

	if len(got) != 3 || got[1] != flock.ChunkText {
		t.Errorf("forwarded chunks = %v", got)
	}
}

func TestMeteredTracerRecordsSteps(t *testing.T) {
	inst, reader := meterInstruments(t)
	tr := NewMeteredTracer(inst)

	for range 3 {
		_, span := tr.Start(context.Background(), "agent.step")
		span.End()
	}
	// Non-step spans must not count as steps.
	_, run := tr.Start(context.Background(), "agent.run")
	run.End()

	if got := counterValue(t, reader, "agent.steps"); got != 3 {
		t.Errorf("agent.steps = %d, want 3", got)
	}
	if got := histogramCount(t, reader, "agent.step.duration"); got != 3 {
		t.Errorf("step duration samples = %d, want 3", got)
	}
}
