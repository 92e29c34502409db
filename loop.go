package flock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// defaultMaxSteps is the per-turn step budget when neither the runtime nor
// the template overrides it. A hard ceiling against runaway loops.
const defaultMaxSteps = 20

// stepBudgetWarning is injected into history when an agent exhausts its step
// budget without ending its turn.
const stepBudgetWarning = "You have used all available steps for this turn. " +
	"Stop calling tools, summarize what you accomplished, and finish."

// Runtime drives trees of cooperating agents: it resolves templates, runs
// the per-agent step loop, routes tool calls, spawns subagents, and
// aggregates credit spend across the hierarchy. Construct once with New and
// share; all methods are safe for concurrent runs.
type Runtime struct {
	provider ModelProvider
	registry *TemplateRegistry
	local    map[string]*AgentTemplate
	store    RunStore
	host     ToolCallHandler
	custom   CustomToolSource
	web      WebReader
	tracker  Tracker
	tracer   Tracer
	logger   *slog.Logger
	sink     ChunkSink
	maxSteps int
	userID   string
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithRegistry sets the template registry. Defaults to a registry with no
// remote fetcher.
func WithRegistry(reg *TemplateRegistry) Option {
	return func(r *Runtime) { r.registry = reg }
}

// WithLocalTemplates sets the merged local template map (see
// MergeLocalTemplates). Local templates always win over cached and remote.
func WithLocalTemplates(local map[string]*AgentTemplate) Option {
	return func(r *Runtime) { r.local = local }
}

// WithStore sets the run persistence store. Store failures are logged and
// never affect run outcomes.
func WithStore(s RunStore) Option {
	return func(r *Runtime) { r.store = s }
}

// WithHostTools sets the host tool-call handler for tools implemented
// outside the runtime.
func WithHostTools(h ToolCallHandler) Option {
	return func(r *Runtime) { r.host = h }
}

// WithCustomTools sets the dynamic tool source (MCP servers).
func WithCustomTools(c CustomToolSource) Option {
	return func(r *Runtime) { r.custom = c }
}

// WithWebReader enables the built-in read_web tool.
func WithWebReader(w WebReader) Option {
	return func(r *Runtime) { r.web = w }
}

// WithTracker sets the analytics tracker. Fire-and-forget, never on the
// critical path.
func WithTracker(t Tracker) Option {
	return func(r *Runtime) { r.tracker = t }
}

// WithTracer sets the tracer. Use observer.NewTracer() for an OTEL-backed
// implementation.
func WithTracer(t Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// WithLogger sets the structured logger. If not set, output is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithSink sets the outbound response chunk sink.
func WithSink(s ChunkSink) Option {
	return func(r *Runtime) { r.sink = s }
}

// WithMaxSteps sets the default per-turn step budget.
func WithMaxSteps(n int) Option {
	return func(r *Runtime) { r.maxSteps = n }
}

// WithUserID sets the user id attached to analytics events.
func WithUserID(id string) Option {
	return func(r *Runtime) { r.userID = id }
}

// New creates a Runtime with the given model provider and options.
func New(provider ModelProvider, opts ...Option) *Runtime {
	r := &Runtime{
		provider: provider,
		logger:   nopLogger,
		maxSteps: defaultMaxSteps,
	}
	for _, o := range opts {
		o(r)
	}
	if r.registry == nil {
		r.registry = NewTemplateRegistry(nil)
	}
	return r
}

// RunInput is the host's request to run one top-level agent.
type RunInput struct {
	// AgentType names the template to run.
	AgentType string
	// Prompt is the user's task text.
	Prompt string
	// Params carries structured input matching the template's input schema.
	Params json.RawMessage
	// FileContext is the pre-computed project environment.
	FileContext *ProjectFileContext
	// History carries the prior session's messages when continuing a
	// conversation. Messages with TTLUserPrompt expire on entry.
	History []Message
}

// Run executes one top-level agent to completion and returns its result.
// It returns a non-nil error only when the template cannot be resolved or
// the account is out of credits; every other failure is folded into the
// result's Output with type "error" and partial content preserved.
func (r *Runtime) Run(ctx context.Context, input RunInput) (*RunResult, error) {
	tmpl := r.registry.Resolve(ctx, input.AgentType, r.local)
	if tmpl == nil {
		return nil, fmt.Errorf("agent template not found: %q", input.AgentType)
	}

	inherited := make([]Message, len(input.History))
	copy(inherited, input.History)
	inherited = expireTTL(inherited, TTLUserPrompt)

	emit(r.sink, ResponseChunk{Type: ChunkStart, AgentType: tmpl.ID})

	state, err := r.runAgent(ctx, nil, tmpl, input.Prompt, input.Params, inherited, input.FileContext)
	result := &RunResult{
		SessionState: SessionState{FileContext: input.FileContext, MainAgentState: state},
	}

	switch {
	case err == nil:
		result.Output = buildOutput(tmpl, state)
	case IsPaymentRequired(err):
		return result, err
	case isAbort(err):
		// Cancelled: partial content is retained, output assembled from it.
		result.Output = buildOutput(tmpl, state)
	default:
		result.Output = Output{Type: OutputError, Message: err.Error()}
	}

	emit(r.sink, ResponseChunk{
		Type:    ChunkFinish,
		AgentID: state.AgentID,
		RunID:   state.RunID,
		Credits: state.CreditsUsed(),
		Output:  result.Output.Value,
	})
	return result, nil
}

// runAgent owns one agent's entire lifetime: it assembles the system and
// instructions prompts once, builds the tool set, drives the step loop to an
// end-turn condition, handles cancellation and teardown, and reports final
// state. The returned state is always non-nil; once runAgent returns it must
// be treated as immutable.
func (r *Runtime) runAgent(ctx context.Context, parent *AgentState, tmpl *AgentTemplate, prompt string, params json.RawMessage, inherited []Message, fc *ProjectFileContext) (st *AgentState, err error) {
	state := NewAgentState(tmpl.ID, parent)
	state.fileContext = fc
	state.StepsRemaining = r.maxSteps
	if tmpl.MaxSteps > 0 {
		state.StepsRemaining = tmpl.MaxSteps
	}

	if r.tracer != nil {
		var span Span
		ctx, span = r.tracer.Start(ctx, "agent.run",
			StringAttr("agent.type", tmpl.ID),
			StringAttr("run.id", state.RunID))
		defer func() {
			if err != nil && !isAbort(err) {
				span.Error(err)
			}
			span.SetAttr(IntAttr("credits.total", state.CreditsUsed()),
				IntAttr("credits.direct", state.DirectCreditsUsed()))
			span.End()
		}()
	}

	r.startRun(ctx, state, tmpl, prompt, parent)
	track(r.tracker, "agent_run_started", r.userID, map[string]any{
		"agent_type": tmpl.ID, "run_id": state.RunID,
	})

	subs := fileContextSubstitutions(fc)
	subs[PlaceholderUserInput] = func() string { return prompt }
	subs[PlaceholderAgentName] = func() string { return tmpl.DisplayName }

	// System prompt: assembled once per run.
	sys := strings.TrimSpace(FormatPrompt(tmpl.SystemPrompt, subs))
	if tmpl.InheritParentSystemPrompt && parent != nil && parent.SystemPrompt != "" {
		if sys != "" {
			sys = parent.SystemPrompt + "\n\n" + sys
		} else {
			sys = parent.SystemPrompt
		}
	}
	state.SystemPrompt = sys
	if sys != "" {
		state.AppendMessage(SystemMessage(sys))
	}

	// Instructions prompt: substituted template text plus the spawnable
	// agents catalogue.
	if instr := BuildInstructionsPrompt(tmpl, r.spawnableTemplates(ctx, tmpl), subs, false); instr != "" {
		instrMsg := UserMessage(instr)
		instrMsg.Tags = []string{"instructions"}
		state.AppendMessage(instrMsg)
	}

	for _, m := range inherited {
		state.AppendMessage(m)
	}
	if prompt != "" {
		state.AppendMessage(UserMessage(prompt))
	}
	if len(params) > 0 {
		paramsMsg := UserMessage("Parameters:\n" + string(params))
		paramsMsg.Tags = []string{"params"}
		state.AppendMessage(paramsMsg)
	}

	defs := r.buildToolDefinitions(tmpl)
	allowed := allowedTools(tmpl)

	outputReminded := false
	for stepIndex := 0; ; stepIndex++ {
		if ctx.Err() != nil {
			r.finishRun(state, tmpl, RunStatusCancelled)
			r.logger.Info("agent run cancelled", "agent", tmpl.ID, "run_id", state.RunID, "step", stepIndex)
			return state, ctx.Err()
		}
		if state.StepsRemaining <= 0 {
			// Hard ceiling: force-end the turn regardless of template type.
			state.AppendMessage(UserMessage(stepBudgetWarning))
			r.logger.Warn("step budget exhausted", "agent", tmpl.ID, "run_id", state.RunID)
			break
		}

		ended, stepErr := r.runStep(ctx, state, tmpl, defs, allowed, subs, stepIndex)
		r.addStep(state, stepIndex)

		if stepErr != nil {
			switch {
			case IsPaymentRequired(stepErr):
				r.finishRun(state, tmpl, RunStatusFailed)
				return state, stepErr
			case isAbort(stepErr):
				r.finishRun(state, tmpl, RunStatusCancelled)
				r.logger.Info("agent run cancelled", "agent", tmpl.ID, "run_id", state.RunID, "step", stepIndex)
				return state, stepErr
			default:
				r.finishRun(state, tmpl, RunStatusFailed)
				r.logger.Error("agent run failed", "agent", tmpl.ID, "run_id", state.RunID, "error", stepErr)
				return state, &AgentError{State: state, Err: stepErr}
			}
		}

		if ended {
			// Ending without declared output: remind once, then allow the
			// turn to end anyway so a stubborn model cannot loop forever.
			if len(tmpl.OutputSchema) > 0 && state.Output == nil && !outputReminded {
				if instr := BuildInstructionsPrompt(tmpl, nil, subs, true); instr != "" {
					state.AppendMessage(UserMessage(instr))
				}
				outputReminded = true
				continue
			}
			break
		}
	}

	r.finishRun(state, tmpl, RunStatusCompleted)
	track(r.tracker, "agent_run_completed", r.userID, map[string]any{
		"agent_type": tmpl.ID, "run_id": state.RunID,
		"credits_used": state.CreditsUsed(),
	})
	return state, nil
}

// runStep executes one step: build the step prompt, stream the model
// response, execute tool calls in discovered order, and decide whether the
// turn ends.
func (r *Runtime) runStep(ctx context.Context, state *AgentState, tmpl *AgentTemplate, defs []ToolDefinition, allowed map[string]bool, subs Substitutions, stepIndex int) (ended bool, err error) {
	if r.tracer != nil {
		var span Span
		ctx, span = r.tracer.Start(ctx, "agent.step",
			StringAttr("run.id", state.RunID),
			IntAttr("step", stepIndex))
		defer span.End()
	}

	// Messages injected for the previous step have served their purpose.
	state.ExpireMessages(TTLAgentStep)

	subs[PlaceholderRemainingSteps] = func() string { return strconv.Itoa(state.StepsRemaining) }
	if sp := BuildStepPrompt(tmpl, subs); sp != "" {
		m := UserMessage(sp)
		m.TimeToLive = TTLAgentStep
		state.AppendMessage(m)
	}
	state.StepsRemaining--

	req := ModelRequest{
		Model:           tmpl.Model,
		Messages:        append([]Message(nil), state.Messages...),
		Tools:           defs,
		ProviderOptions: tmpl.ProviderOptions,
	}
	stream, err := r.provider.Stream(ctx, req, func(credits int) {
		state.AddDirectCredits(credits)
	})
	if err != nil {
		return false, err
	}

	sc := &stepContext{
		state:    state,
		template: tmpl,
		local:    r.local,
		allowed:  allowed,
	}
	queue := newToolQueue()
	parser := NewStreamParser()

	var text strings.Builder
	var calls []ToolCall
	var streamErr string

	handleCall := func(tc ToolCall) {
		if tc.ID == "" {
			tc.ID = NewID()
		}
		calls = append(calls, tc)
		// Execute immediately, in discovered order, while the stream is
		// still being read. The queue serializes completions.
		queue.Enqueue(func() { r.executeToolCall(ctx, tc, sc, false) })
	}
	handleParsed := func(events []ParsedEvent) {
		for _, ev := range events {
			if ev.ToolCall != nil {
				handleCall(*ev.ToolCall)
				continue
			}
			text.WriteString(ev.Text)
			emit(r.sink, ResponseChunk{Type: ChunkText, AgentID: state.AgentID, RunID: state.RunID, Text: ev.Text})
		}
	}

	for chunk := range stream {
		if ctx.Err() != nil {
			// Cancelled: stop consuming; content already accumulated is
			// retained, nothing further is appended.
			break
		}
		switch chunk.Type {
		case ModelChunkText:
			handleParsed(parser.Feed(chunk.Text))
		case ModelChunkReasoning:
			emit(r.sink, ResponseChunk{Type: ChunkReasoning, AgentID: state.AgentID, RunID: state.RunID, Text: chunk.Reasoning})
		case ModelChunkToolCall:
			if chunk.ToolCall != nil {
				handleCall(*chunk.ToolCall)
			}
		case ModelChunkError:
			streamErr = chunk.Err
			emit(r.sink, ResponseChunk{Type: ChunkError, AgentID: state.AgentID, RunID: state.RunID, Text: chunk.Err})
		}
	}
	handleParsed(parser.Flush())

	// Wait for every discovered tool call to finish, in order.
	queue.Drain()

	// History assembly: the assistant message first, then its tool results
	// in execution order, then any messages tools added. This keeps the
	// assistant→tool sequence the model API requires.
	if text.Len() > 0 || len(calls) > 0 {
		state.AppendMessage(Message{Role: RoleAssistant, Content: text.String(), ToolCalls: calls})
	}
	for _, m := range sc.results {
		state.AppendMessage(m)
	}
	for _, m := range sc.extra {
		state.AppendMessage(m)
	}

	if sc.fatalErr != nil {
		return false, sc.fatalErr
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if streamErr != "" && text.Len() == 0 && len(calls) == 0 {
		return false, fmt.Errorf("model stream failed: %s", streamErr)
	}

	// End-turn decision. Templates with an explicit completion tool must
	// call it; absence of tool calls alone does not end their turn.
	if sc.endTurn {
		return true, nil
	}
	if !tmpl.RequiresExplicitCompletion() && len(calls) == 0 && sc.resultCount == 0 {
		return true, nil
	}
	return false, nil
}

// spawnableTemplates resolves the templates a parent may spawn, for the
// instructions catalogue. Unresolvable entries are skipped.
func (r *Runtime) spawnableTemplates(ctx context.Context, tmpl *AgentTemplate) []*AgentTemplate {
	var out []*AgentTemplate
	for _, spec := range tmpl.SpawnableAgents {
		if t := r.registry.Resolve(ctx, spec, r.local); t != nil {
			out = append(out, t)
		}
	}
	return out
}

// buildOutput assembles a finished agent's output per its template's
// OutputMode.
func buildOutput(tmpl *AgentTemplate, state *AgentState) Output {
	switch tmpl.OutputMode {
	case OutputModeAllMessages:
		data, err := json.Marshal(state.Messages)
		if err != nil {
			return Output{Type: OutputError, Message: "marshal history: " + err.Error()}
		}
		return Output{Type: OutputAllMessages, Value: data}
	case OutputModeStructured:
		if state.Output == nil {
			return Output{Type: OutputError, Message: "agent finished without setting structured output"}
		}
		return Output{Type: OutputStructuredOutput, Value: state.Output}
	default:
		data, _ := json.Marshal(state.LastAssistantText())
		return Output{Type: OutputLastMessage, Value: data}
	}
}

// expireTTL filters messages with the given TTL out of a history copy.
func expireTTL(history []Message, ttl MessageTTL) []Message {
	kept := history[:0]
	for _, m := range history {
		if m.TimeToLive != ttl {
			kept = append(kept, m)
		}
	}
	return kept
}

// --- persistence helpers (best-effort, never on the critical path) ---

func (r *Runtime) startRun(ctx context.Context, state *AgentState, tmpl *AgentTemplate, prompt string, parent *AgentState) {
	if r.store == nil {
		return
	}
	rec := RunRecord{
		ID:        state.RunID,
		AgentID:   state.AgentID,
		AgentType: tmpl.ID,
		Prompt:    prompt,
		Status:    RunStatusRunning,
		CreatedAt: NowUnix(),
	}
	if parent != nil {
		rec.ParentRunID = parent.RunID
	}
	if err := r.store.StartRun(ctx, rec); err != nil {
		r.logger.Warn("store: start run failed", "run_id", state.RunID, "error", err)
	}
}

func (r *Runtime) addStep(state *AgentState, stepIndex int) {
	if r.store == nil {
		return
	}
	rec := StepRecord{
		ID:        NewID(),
		RunID:     state.RunID,
		StepIndex: stepIndex,
		Credits:   state.DirectCreditsUsed(),
		Messages:  len(state.Messages),
		CreatedAt: NowUnix(),
	}
	// Persistence happens after the step, off the stream path; a fresh
	// context so a cancelled run still records its final step.
	if err := r.store.AddStep(context.Background(), rec); err != nil {
		r.logger.Warn("store: add step failed", "run_id", state.RunID, "error", err)
	}
}

func (r *Runtime) finishRun(state *AgentState, tmpl *AgentTemplate, status RunStatus) {
	if r.store == nil {
		return
	}
	out := ""
	if status == RunStatusCompleted {
		if o := buildOutput(tmpl, state); o.Value != nil {
			out = string(o.Value)
		}
	}
	if err := r.store.FinishRun(context.Background(), state.RunID, status, out, state.CreditsUsed()); err != nil {
		r.logger.Warn("store: finish run failed", "run_id", state.RunID, "error", err)
	}
}
