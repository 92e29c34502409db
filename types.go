package flock

import "encoding/json"

// --- Message history types ---

// Message roles. The model API requires a tool message to directly follow
// the assistant message that produced its tool call.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// MessageTTL governs when a message expires from an agent's history.
type MessageTTL string

const (
	// TTLAgentStep expires the message when the current agent step ends.
	TTLAgentStep MessageTTL = "agentStep"
	// TTLUserPrompt expires the message when a new user prompt arrives.
	TTLUserPrompt MessageTTL = "userPrompt"
)

// Message is one entry in an agent's message history. Histories are
// append-only and ordered; expiry (TimeToLive) removes entries wholesale
// at step or prompt boundaries, never mutates them in place.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ToolCalls is set on assistant messages that requested tool invocations.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID is set on tool messages and references a tool call emitted
	// in a strictly preceding assistant message of the same history.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Tags are semantic markers (not prescriptive). Consumers may filter on
	// them but the core never branches on tag values.
	Tags []string `json:"tags,omitempty"`
	// TimeToLive marks the message for expiry at a loop boundary.
	// Empty means the message lives for the whole run.
	TimeToLive MessageTTL `json:"time_to_live,omitempty"`
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ToolResultMessage builds a tool-role message answering callID.
func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Content: content}
}

// --- Tool types ---

// ToolCall is a structured request, embedded in model output, to invoke a
// named capability with arguments. IDs are unique per step.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolOutput is the outcome of a tool execution.
type ToolOutput struct {
	Content string `json:"content"`
	// Credits is the cost the handler consumed, folded into the calling
	// agent's direct credits by the executor.
	Credits int `json:"credits,omitempty"`
	// IsError signals that Content is an error message surfaced to the model
	// as feedback, not a failure of the run.
	IsError bool `json:"is_error,omitempty"`
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- Run output types ---

// OutputType classifies a finished run's output.
type OutputType string

const (
	OutputLastMessage      OutputType = "lastMessage"
	OutputAllMessages      OutputType = "allMessages"
	OutputStructuredOutput OutputType = "structuredOutput"
	OutputError            OutputType = "error"
)

// Output is the final result of a run, shaped by the template's OutputMode.
type Output struct {
	Type OutputType `json:"type"`
	// Value carries the output payload: the last assistant message text
	// (lastMessage), the full history (allMessages), or the structured
	// output object (structuredOutput).
	Value json.RawMessage `json:"value,omitempty"`
	// Message is set for error outputs.
	Message string `json:"message,omitempty"`
}

// ProjectFileContext is the pre-computed project environment handed to the
// runtime by the host. The core never scans the file system itself.
type ProjectFileContext struct {
	FileTree       string            `json:"file_tree"`
	GitChanges     string            `json:"git_changes"`
	SystemInfo     string            `json:"system_info"`
	KnowledgeFiles map[string]string `json:"knowledge_files,omitempty"`
}

// SessionState is the persisted-state shape surfaced to the host application
// after a run completes.
type SessionState struct {
	FileContext    *ProjectFileContext `json:"file_context,omitempty"`
	MainAgentState *AgentState         `json:"main_agent_state"`
}

// RunResult is what Runtime.Run returns to the host.
type RunResult struct {
	SessionState SessionState `json:"session_state"`
	Output       Output       `json:"output"`
}
