package flock

import "context"

// ModelChunkType identifies the kind of model stream chunk.
type ModelChunkType string

const (
	// ModelChunkText carries an incremental text delta. Text deltas may
	// contain embedded tool-call markup, split at arbitrary boundaries;
	// the streaming interpreter reassembles it.
	ModelChunkText ModelChunkType = "text"
	// ModelChunkReasoning carries an incremental reasoning delta.
	ModelChunkReasoning ModelChunkType = "reasoning"
	// ModelChunkToolCall carries a natively parsed tool call (providers
	// with first-class tool calling bypass the text interpreter).
	ModelChunkToolCall ModelChunkType = "tool_call"
	// ModelChunkError carries a provider-side error message.
	ModelChunkError ModelChunkType = "error"
)

// ModelChunk is one element of a model response stream.
type ModelChunk struct {
	Type      ModelChunkType
	Text      string
	Reasoning string
	ToolCall  *ToolCall
	Err       string
}

// ModelRequest is one model call: the full message sequence, the tool
// definitions the model may use, and per-template provider options.
type ModelRequest struct {
	Model           string
	Messages        []Message
	Tools           []ToolDefinition
	ProviderOptions map[string]any
}

// ModelProvider abstracts the LLM backend. It is the only channel through
// which model output enters the runtime.
type ModelProvider interface {
	// Stream starts a model call and returns a channel of chunks. The
	// channel is closed when the response completes or ctx is cancelled.
	// onCost, when non-nil, is invoked with the credit cost of the call as
	// soon as the provider can compute it (typically once, at stream end).
	Stream(ctx context.Context, req ModelRequest, onCost func(credits int)) (<-chan ModelChunk, error)
	// Name returns the provider name.
	Name() string
}
