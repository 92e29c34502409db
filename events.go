package flock

import "encoding/json"

// ChunkType identifies the kind of outbound response chunk.
type ChunkType string

const (
	// ChunkStart signals a run (or subagent run) has begun streaming.
	ChunkStart ChunkType = "start"
	// ChunkText carries an incremental text delta from the model.
	ChunkText ChunkType = "text"
	// ChunkReasoning carries an incremental reasoning delta.
	ChunkReasoning ChunkType = "reasoning_delta"
	// ChunkToolCall signals a tool is about to be invoked.
	ChunkToolCall ChunkType = "tool_call"
	// ChunkToolResult carries the result of a completed tool call.
	ChunkToolResult ChunkType = "tool_result"
	// ChunkSubagentStart signals a child agent run has started.
	ChunkSubagentStart ChunkType = "subagent_start"
	// ChunkSubagentFinish signals a child agent run has finished.
	ChunkSubagentFinish ChunkType = "subagent_finish"
	// ChunkError carries a recoverable error surfaced to consumers.
	ChunkError ChunkType = "error"
	// ChunkFinish signals the run is complete.
	ChunkFinish ChunkType = "finish"
)

// ResponseChunk is a typed event emitted to the outbound sink throughout a
// run. The sink is the only channel through which the host observes progress.
type ResponseChunk struct {
	Type    ChunkType `json:"type"`
	AgentID string    `json:"agent_id,omitempty"`
	RunID   string    `json:"run_id,omitempty"`
	// Text carries the delta for text/reasoning chunks and the message for
	// error chunks.
	Text string `json:"text,omitempty"`
	// ToolCall is set on tool_call chunks.
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	// ToolCallID and Result are set on tool_result chunks.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Result     string `json:"result,omitempty"`
	// AgentType is set on subagent_start/subagent_finish chunks.
	AgentType string `json:"agent_type,omitempty"`
	// Credits is set on subagent_finish and finish chunks: the total spend
	// of the finished (sub)run.
	Credits int `json:"credits,omitempty"`
	// Output is set on finish chunks.
	Output json.RawMessage `json:"output,omitempty"`
}

// ChunkSink receives outbound response chunks. Implementations must not
// block: a slow consumer should buffer internally. A nil sink disables
// emission.
type ChunkSink func(ResponseChunk)

// emit sends a chunk to the sink when one is configured.
func emit(sink ChunkSink, c ResponseChunk) {
	if sink != nil {
		sink(c)
	}
}
