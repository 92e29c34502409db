package flock

import (
	"encoding/json"
	"sync"
)

// AgentState is the mutable state of one running agent instance. It is
// created at spawn time, mutated by the owning run loop and its executor,
// and treated as immutable once the run loop returns.
//
// Credit invariant: CreditsUsed() >= DirectCreditsUsed() always. A parent's
// CreditsUsed equals its own direct spend plus the final CreditsUsed of
// every resolved child spawn (success or failure-with-partial-cost), each
// added exactly once.
type AgentState struct {
	AgentID        string   `json:"agent_id"`
	AgentType      string   `json:"agent_type"`
	RunID          string   `json:"run_id,omitempty"`
	ParentID       string   `json:"parent_id,omitempty"`
	AncestorRunIDs []string `json:"ancestor_run_ids,omitempty"`
	ChildRunIDs    []string `json:"child_run_ids,omitempty"`

	Messages          []Message `json:"messages"`
	StepsRemaining    int       `json:"steps_remaining"`
	ContextTokenCount int       `json:"context_token_count,omitempty"`
	SystemPrompt      string    `json:"system_prompt,omitempty"`

	// Output holds the object stored by the set_output tool, nil until set.
	Output json.RawMessage `json:"output,omitempty"`

	// fileContext is the project environment the run was started with,
	// shared unchanged down the agent tree.
	fileContext *ProjectFileContext

	mu                sync.Mutex
	creditsUsed       int
	directCreditsUsed int
}

// NewAgentState creates a fresh state for an agent of the given type.
// A retried spawn must call this again: credit counters always start at
// zero so an aggregator can never double-count a previous attempt.
func NewAgentState(agentType string, parent *AgentState) *AgentState {
	s := &AgentState{
		AgentID:   NewID(),
		AgentType: agentType,
		RunID:     NewID(),
	}
	if parent != nil {
		s.ParentID = parent.AgentID
		s.AncestorRunIDs = append(append([]string{}, parent.AncestorRunIDs...), parent.RunID)
	}
	return s
}

// AddDirectCredits records cost this agent itself incurred (a model call or
// a tool handler). Folds into both direct and total spend.
func (s *AgentState) AddDirectCredits(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.directCreditsUsed += n
	s.creditsUsed += n
	s.mu.Unlock()
}

// AddChildCredits records a resolved child's final total spend. Folds into
// total spend only, never into direct. Callers must pass each child's final
// CreditsUsed exactly once.
func (s *AgentState) AddChildCredits(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.creditsUsed += n
	s.mu.Unlock()
}

// CreditsUsed returns total spend including descendants.
func (s *AgentState) CreditsUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditsUsed
}

// DirectCreditsUsed returns this agent's own spend, excluding descendants.
func (s *AgentState) DirectCreditsUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directCreditsUsed
}

// AppendMessage appends to the history. The history is exclusively owned by
// this agent's run loop; parents never write into a child's history.
func (s *AgentState) AppendMessage(m Message) {
	s.Messages = append(s.Messages, m)
}

// AddChildRunID records a spawned child's run id. Append-only.
func (s *AgentState) AddChildRunID(runID string) {
	s.mu.Lock()
	s.ChildRunIDs = append(s.ChildRunIDs, runID)
	s.mu.Unlock()
}

// ExpireMessages removes every message whose TimeToLive matches ttl.
// Called at step boundaries (TTLAgentStep) and when a new user prompt
// arrives (TTLUserPrompt).
func (s *AgentState) ExpireMessages(ttl MessageTTL) {
	kept := s.Messages[:0]
	for _, m := range s.Messages {
		if m.TimeToLive != ttl {
			kept = append(kept, m)
		}
	}
	s.Messages = kept
}

// LastAssistantText returns the content of the most recent assistant message,
// or "" when none exists.
func (s *AgentState) LastAssistantText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant && s.Messages[i].Content != "" {
			return s.Messages[i].Content
		}
	}
	return ""
}

// MarshalJSON includes the credit counters, which live behind the mutex.
func (s *AgentState) MarshalJSON() ([]byte, error) {
	type alias AgentState // avoid recursion
	s.mu.Lock()
	out := struct {
		*alias
		CreditsUsed       int `json:"credits_used"`
		DirectCreditsUsed int `json:"direct_credits_used"`
	}{(*alias)(s), s.creditsUsed, s.directCreditsUsed}
	s.mu.Unlock()
	return json.Marshal(out)
}

// StripUnfinishedToolCalls returns a copy of history safe to hand to a
// subagent: assistant tool calls that never received a matching tool result
// are removed, and orphaned tool messages are dropped. An assistant message
// left with no content and no calls is dropped entirely.
func StripUnfinishedToolCalls(history []Message) []Message {
	answered := make(map[string]bool)
	for _, m := range history {
		if m.Role == RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	out := make([]Message, 0, len(history))
	valid := make(map[string]bool)
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			if len(m.ToolCalls) > 0 {
				kept := make([]ToolCall, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					if answered[tc.ID] {
						kept = append(kept, tc)
						valid[tc.ID] = true
					}
				}
				m.ToolCalls = kept
			}
			if m.Content == "" && len(m.ToolCalls) == 0 {
				continue
			}
			out = append(out, m)
		case RoleTool:
			if !valid[m.ToolCallID] {
				continue
			}
			out = append(out, m)
		default:
			out = append(out, m)
		}
	}
	return out
}
