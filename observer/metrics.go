package observer

import (
	"context"
	"sync"
	"time"

	flock "github.com/sorenkv/flock"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys for agent observability metrics.
var (
	AttrAgentType = attribute.Key("agent.type")
	AttrToolName  = attribute.Key("tool.name")
)

// MetricSink records run lifecycle metrics off the runtime's response
// stream: runs, tool executions, spawns, credit spend, and run duration.
// Wrap the frontend's sink so rendering is unaffected.
type MetricSink struct {
	inst *Instruments

	mu        sync.Mutex
	runStart  time.Time
	agentType string
}

// NewMetricSink creates a sink recording to inst.
func NewMetricSink(inst *Instruments) *MetricSink {
	return &MetricSink{inst: inst}
}

// Wrap returns a sink that records c and then forwards it to next.
func (m *MetricSink) Wrap(next flock.ChunkSink) flock.ChunkSink {
	return func(c flock.ResponseChunk) {
		m.Record(c)
		if next != nil {
			next(c)
		}
	}
}

// Record updates instruments for one chunk. Start and finish chunks are
// emitted for the top-level run only; subagent lifecycles arrive as
// subagent_start/subagent_finish and their spend is already folded into
// the finish chunk's total, so only the finish chunk adds credits.
func (m *MetricSink) Record(c flock.ResponseChunk) {
	ctx := context.Background()
	switch c.Type {
	case flock.ChunkStart:
		m.mu.Lock()
		m.runStart = time.Now()
		m.agentType = c.AgentType
		m.mu.Unlock()
		m.inst.AgentRuns.Add(ctx, 1, metric.WithAttributes(
			AttrAgentType.String(c.AgentType)))

	case flock.ChunkToolCall:
		name := ""
		if c.ToolCall != nil {
			name = c.ToolCall.Name
		}
		m.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(name)))

	case flock.ChunkSubagentStart:
		m.inst.AgentSpawns.Add(ctx, 1, metric.WithAttributes(
			AttrAgentType.String(c.AgentType)))

	case flock.ChunkFinish:
		m.mu.Lock()
		start := m.runStart
		agentType := m.agentType
		m.runStart = time.Time{}
		m.mu.Unlock()
		if !start.IsZero() {
			m.inst.RunDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(AttrAgentType.String(agentType)))
		}
		if c.Credits > 0 {
			m.inst.CreditsSpent.Add(ctx, int64(c.Credits), metric.WithAttributes(
				AttrAgentType.String(agentType)))
		}
	}
}
