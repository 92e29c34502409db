package flock

import (
	"context"
	"encoding/json"
	"fmt"
)

// Built-in tool names.
const (
	toolNameSetOutput     = "set_output"
	toolNameEndTurn       = "end_turn"
	toolNameTaskCompleted = "task_completed" // legacy alias of end_turn
	toolNameSpawnAgents   = "spawn_agents"
	toolNameAddMessage    = "add_message"
	toolNameThink         = "think"
	toolNameReadWeb       = "read_web"
)

// ToolKind is the closed set of dispatchable tool variants. Every tool call
// is classified into exactly one kind and dispatched through a single
// exhaustive switch; ToolKindCustom covers MCP tools and host-delegated
// tools carrying dynamically supplied schemas.
type ToolKind int

const (
	ToolKindSetOutput ToolKind = iota
	ToolKindEndTurn
	ToolKindSpawnAgents
	ToolKindAddMessage
	ToolKindThink
	ToolKindReadWeb
	ToolKindCustom
)

// toolKindOf classifies a tool name.
func toolKindOf(name string) ToolKind {
	switch name {
	case toolNameSetOutput:
		return ToolKindSetOutput
	case toolNameEndTurn, toolNameTaskCompleted:
		return ToolKindEndTurn
	case toolNameSpawnAgents:
		return ToolKindSpawnAgents
	case toolNameAddMessage:
		return ToolKindAddMessage
	case toolNameThink:
		return ToolKindThink
	case toolNameReadWeb:
		return ToolKindReadWeb
	default:
		return ToolKindCustom
	}
}

// ToolCallHandler delegates a tool call to the host application. Tools whose
// implementations live outside the runtime (file I/O, shell, editors) are
// executed through this contract.
type ToolCallHandler interface {
	RequestToolCall(ctx context.Context, toolName string, input json.RawMessage) (ToolOutput, error)
}

// CustomToolSource supplies dynamically discovered tools (MCP servers).
type CustomToolSource interface {
	// HasTool reports whether the source provides the named tool.
	HasTool(name string) bool
	// ToolDefinitions lists the source's tools.
	ToolDefinitions() []ToolDefinition
	// CallTool invokes the named tool and returns its text result.
	CallTool(ctx context.Context, name string, input json.RawMessage) (string, error)
}

// WebReader fetches a URL and returns readable text. Implemented by
// tools/web.
type WebReader interface {
	Read(ctx context.Context, url string) (string, error)
}

// --- per-agent FIFO tool queue ---

// maxQueuedToolCalls bounds the tool queue buffer. A model that emits more
// pending calls than this blocks the stream reader until the worker catches
// up, which is the desired backpressure.
const maxQueuedToolCalls = 256

// toolQueue serializes tool executions for one agent turn: a single
// consumer goroutine pulls tasks in arrival order, so each call's execution
// and result append happen strictly after the previous call completes, even
// though calls are discovered while earlier ones are still running.
type toolQueue struct {
	tasks chan func()
	done  chan struct{}
}

func newToolQueue() *toolQueue {
	q := &toolQueue{
		tasks: make(chan func(), maxQueuedToolCalls),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(q.done)
		for fn := range q.tasks {
			fn()
		}
	}()
	return q
}

// Enqueue schedules fn behind every previously enqueued task.
func (q *toolQueue) Enqueue(fn func()) {
	q.tasks <- fn
}

// Drain closes the queue and blocks until every enqueued task has run.
func (q *toolQueue) Drain() {
	close(q.tasks)
	<-q.done
}

// --- step context ---

// stepContext carries the mutable per-step state shared between the stream
// reader and the tool-queue worker. The worker is the only writer while the
// queue is open; the reader only looks after Drain returns.
type stepContext struct {
	state    *AgentState
	template *AgentTemplate
	local    map[string]*AgentTemplate
	allowed  map[string]bool

	// results collects tool messages in execution order. They are appended
	// to history after the assistant message that requested them, keeping
	// the assistant→tool sequence the model API requires.
	results []Message
	// extra collects messages added by the add_message tool.
	extra []Message

	endTurn     bool
	resultCount int
	// fatalErr holds a payment-required failure raised by a spawned child;
	// the step loop re-raises it after the queue drains.
	fatalErr error
}

// allowedTools computes the effective allow-list for a template: its declared
// ToolNames, plus the built-ins its other declarations imply (spawn_agents
// when it can spawn, set_output when it declares an output schema).
func allowedTools(t *AgentTemplate) map[string]bool {
	allowed := make(map[string]bool, len(t.ToolNames)+2)
	for _, n := range t.ToolNames {
		allowed[n] = true
	}
	if len(t.SpawnableAgents) > 0 {
		allowed[toolNameSpawnAgents] = true
	}
	if len(t.OutputSchema) > 0 {
		allowed[toolNameSetOutput] = true
	}
	return allowed
}

// executeToolCall runs one tool call to completion: validate, permission
// check, dispatch, fold the result into history and credits. It never
// returns an error — validation and permission failures become error chunks
// the model can react to, so the step loop continues.
//
// exempt skips the allow-list check for programmatic invocations.
func (r *Runtime) executeToolCall(ctx context.Context, call ToolCall, sc *stepContext, exempt bool) {
	if ctx.Err() != nil {
		// Cancelled turn: skip remaining queued calls without failing.
		return
	}
	st := sc.state

	kind := toolKindOf(call.Name)

	if !exempt && !sc.allowed[call.Name] {
		r.emitToolError(st, call, fmt.Sprintf("tool %q is not allowed for agent %q", call.Name, st.AgentType))
		return
	}

	if schema := r.toolInputSchema(kind, call.Name, sc.template); schema != nil {
		if err := ValidateInput(schema, call.Input); err != nil {
			r.emitToolError(st, call, fmt.Sprintf("invalid input for %q: %v", call.Name, err))
			return
		}
	}

	// Observability: surface the call before it runs.
	emit(r.sink, ResponseChunk{Type: ChunkToolCall, AgentID: st.AgentID, RunID: st.RunID, ToolCall: &call})

	out := r.dispatchToolCall(ctx, kind, call, sc)

	sc.results = append(sc.results, ToolResultMessage(call.ID, out.Content))
	sc.resultCount++
	if out.Credits > 0 {
		st.AddDirectCredits(out.Credits)
	}
	emit(r.sink, ResponseChunk{
		Type:       ChunkToolResult,
		AgentID:    st.AgentID,
		RunID:      st.RunID,
		ToolCallID: call.ID,
		Result:     out.Content,
	})
}

// dispatchToolCall is the single exhaustive dispatch over tool kinds.
func (r *Runtime) dispatchToolCall(ctx context.Context, kind ToolKind, call ToolCall, sc *stepContext) ToolOutput {
	st := sc.state

	switch kind {
	case ToolKindSetOutput:
		if len(sc.template.OutputSchema) > 0 {
			if err := ValidateInput(sc.template.OutputSchema, call.Input); err != nil {
				return ToolOutput{Content: fmt.Sprintf("output rejected: %v", err), IsError: true}
			}
		}
		st.Output = append(json.RawMessage(nil), call.Input...)
		sc.endTurn = true
		return ToolOutput{Content: "output recorded"}

	case ToolKindEndTurn:
		sc.endTurn = true
		return ToolOutput{Content: "turn ended"}

	case ToolKindSpawnAgents:
		var params struct {
			Agents []SpawnRequest `json:"agents"`
		}
		if err := json.Unmarshal(call.Input, &params); err != nil {
			return ToolOutput{Content: "invalid spawn request: " + err.Error(), IsError: true}
		}
		reports, err := r.spawnAgents(ctx, params.Agents, st, sc.template, sc.local)
		if err != nil {
			// Payment required: recorded on the step context so the loop
			// can re-raise it once the queue drains.
			sc.fatalErr = err
		}
		data, _ := json.Marshal(reports)
		return ToolOutput{Content: string(data)}

	case ToolKindAddMessage:
		var params struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(call.Input, &params); err != nil || params.Content == "" {
			return ToolOutput{Content: "invalid add_message input", IsError: true}
		}
		if params.Role != RoleUser && params.Role != RoleAssistant {
			params.Role = RoleUser
		}
		sc.extra = append(sc.extra, Message{Role: params.Role, Content: params.Content})
		return ToolOutput{Content: "message added"}

	case ToolKindThink:
		// Thinking is its own reward: the value is the text the model wrote
		// into the call, nothing executes.
		return ToolOutput{Content: "noted"}

	case ToolKindReadWeb:
		if r.web == nil {
			return ToolOutput{Content: "read_web is not available", IsError: true}
		}
		var params struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(call.Input, &params); err != nil || params.URL == "" {
			return ToolOutput{Content: "invalid read_web input: url required", IsError: true}
		}
		content, err := r.web.Read(ctx, params.URL)
		if err != nil {
			return ToolOutput{Content: "fetch failed: " + err.Error(), IsError: true}
		}
		return ToolOutput{Content: content}

	case ToolKindCustom:
		if r.custom != nil && r.custom.HasTool(call.Name) {
			content, err := r.custom.CallTool(ctx, call.Name, call.Input)
			if err != nil {
				return ToolOutput{Content: fmt.Sprintf("%s failed: %v", call.Name, err), IsError: true}
			}
			return ToolOutput{Content: content}
		}
		if r.host != nil {
			out, err := r.host.RequestToolCall(ctx, call.Name, call.Input)
			if err != nil {
				return ToolOutput{Content: fmt.Sprintf("%s failed: %v", call.Name, err), IsError: true}
			}
			return out
		}
		return ToolOutput{Content: "unknown tool: " + call.Name, IsError: true}
	}

	return ToolOutput{Content: "unknown tool kind", IsError: true}
}

// emitToolError surfaces a validation or permission failure as an error
// chunk without mutating history — never as a Go error, so the step loop
// keeps running and the model gets the failure as feedback.
func (r *Runtime) emitToolError(st *AgentState, call ToolCall, msg string) {
	r.logger.Debug("tool call rejected", "agent", st.AgentType, "tool", call.Name, "reason", msg)
	emit(r.sink, ResponseChunk{
		Type:       ChunkError,
		AgentID:    st.AgentID,
		RunID:      st.RunID,
		ToolCallID: call.ID,
		Text:       msg,
	})
}

// toolInputSchema returns the input schema for a tool call, or nil when the
// tool validates its own input (built-ins with bespoke handling) or the
// schema is unknown (host tools).
func (r *Runtime) toolInputSchema(kind ToolKind, name string, t *AgentTemplate) json.RawMessage {
	switch kind {
	case ToolKindSpawnAgents:
		return spawnAgentsSchema
	case ToolKindAddMessage:
		return addMessageSchema
	case ToolKindReadWeb:
		return readWebSchema
	case ToolKindCustom:
		if r.custom != nil && r.custom.HasTool(name) {
			for _, d := range r.custom.ToolDefinitions() {
				if d.Name == name {
					return d.Parameters
				}
			}
		}
		return nil
	default:
		return nil
	}
}

// --- built-in tool schemas ---

type spawnAgentsParams struct {
	Agents []SpawnRequest `json:"agents" jsonschema:"required" jsonschema_description:"Agents to spawn, executed concurrently"`
}

type addMessageParams struct {
	Role    string `json:"role" jsonschema_description:"user or assistant"`
	Content string `json:"content" jsonschema:"required"`
}

type readWebParams struct {
	URL string `json:"url" jsonschema:"required" jsonschema_description:"URL to fetch and extract readable text from"`
}

type thinkParams struct {
	Thought string `json:"thought" jsonschema_description:"Your reasoning, recorded verbatim"`
}

var (
	spawnAgentsSchema = GenerateSchema[spawnAgentsParams]()
	addMessageSchema  = GenerateSchema[addMessageParams]()
	readWebSchema     = GenerateSchema[readWebParams]()
	thinkSchema       = GenerateSchema[thinkParams]()
)

// buildToolDefinitions assembles the definitions advertised to the model for
// one agent: allow-listed built-ins plus custom-source tools.
func (r *Runtime) buildToolDefinitions(t *AgentTemplate) []ToolDefinition {
	allowed := allowedTools(t)
	var defs []ToolDefinition

	add := func(name, desc string, params json.RawMessage) {
		if allowed[name] {
			defs = append(defs, ToolDefinition{Name: name, Description: desc, Parameters: params})
		}
	}

	add(toolNameEndTurn, "End your turn and yield control to your caller.", nil)
	add(toolNameTaskCompleted, "Mark the task completed and end your turn.", nil)
	add(toolNameThink, "Record reasoning without taking any action.", thinkSchema)
	add(toolNameAddMessage, "Append a message to your own conversation.", addMessageSchema)
	add(toolNameReadWeb, "Fetch a URL and extract its readable text.", readWebSchema)
	if allowed[toolNameSetOutput] {
		defs = append(defs, ToolDefinition{
			Name:        toolNameSetOutput,
			Description: "Store your final structured output. Must match the declared output schema.",
			Parameters:  t.OutputSchema,
		})
	}
	if allowed[toolNameSpawnAgents] {
		defs = append(defs, ToolDefinition{
			Name:        toolNameSpawnAgents,
			Description: "Spawn one or more subagents to work on delegated tasks.",
			Parameters:  spawnAgentsSchema,
		})
	}

	if r.custom != nil {
		for _, d := range r.custom.ToolDefinitions() {
			if allowed[d.Name] {
				defs = append(defs, d)
			}
		}
	}
	// Host tools: advertised by name only; the host owns their schemas.
	for _, n := range t.ToolNames {
		if toolKindOf(n) == ToolKindCustom && (r.custom == nil || !r.custom.HasTool(n)) {
			defs = append(defs, ToolDefinition{Name: n, Description: "Host-provided tool."})
		}
	}
	return defs
}
