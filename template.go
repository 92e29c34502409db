package flock

import (
	"encoding/json"
	"strings"
)

// OutputMode selects how a finished agent's output is assembled.
type OutputMode string

const (
	// OutputModeLastMessage returns the last assistant message text.
	OutputModeLastMessage OutputMode = "last_message"
	// OutputModeAllMessages returns the full message history.
	OutputModeAllMessages OutputMode = "all_messages"
	// OutputModeStructured returns the object the agent stored via set_output.
	OutputModeStructured OutputMode = "structured_output"
)

// MCPServerConfig describes how to launch one MCP server subprocess whose
// tools become available to the agent as custom tools.
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// InputSchema constrains the prompt and params accepted when spawning an
// agent from this template. Either field may be nil (unconstrained).
type InputSchema struct {
	Prompt json.RawMessage `json:"prompt,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// AgentTemplate is the immutable configuration of an agent role: its prompts,
// allowed tools, model, and spawn permissions. Templates are created by
// authors or fetched from a remote registry, never mutated after load, and
// cached by fully-qualified id.
type AgentTemplate struct {
	ID          string `json:"id"`
	Publisher   string `json:"publisher,omitempty"`
	Version     string `json:"version,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Model       string `json:"model"`

	ToolNames       []string                   `json:"tool_names,omitempty"`
	SpawnableAgents []string                   `json:"spawnable_agents,omitempty"`
	MCPServers      map[string]MCPServerConfig `json:"mcp_servers,omitempty"`

	SystemPrompt       string `json:"system_prompt,omitempty"`
	InstructionsPrompt string `json:"instructions_prompt,omitempty"`
	StepPrompt         string `json:"step_prompt,omitempty"`
	// SpawnerPrompt is the one-line description shown to parents that may
	// spawn this agent.
	SpawnerPrompt string `json:"spawner_prompt,omitempty"`

	InputSchema  *InputSchema    `json:"input_schema,omitempty"`
	OutputMode   OutputMode      `json:"output_mode,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	IncludeMessageHistory     bool `json:"include_message_history,omitempty"`
	InheritParentSystemPrompt bool `json:"inherit_parent_system_prompt,omitempty"`

	ProviderOptions map[string]any `json:"provider_options,omitempty"`

	// MaxSteps overrides the runtime default step budget when > 0.
	MaxSteps int `json:"max_steps,omitempty"`
}

// FullID returns the template's fully-qualified id (publisher/id@version with
// optional parts omitted).
func (t *AgentTemplate) FullID() string {
	return AgentID{Publisher: t.Publisher, Name: t.ID, Version: t.Version}.String()
}

// RequiresExplicitCompletion reports whether this template must call an
// ending tool (end_turn or set_output) to finish its turn. Templates that
// carry end_turn in their allow-list are never ended implicitly: a step with
// zero tool calls just gets another step.
func (t *AgentTemplate) RequiresExplicitCompletion() bool {
	for _, n := range t.ToolNames {
		if n == toolNameEndTurn || n == toolNameTaskCompleted {
			return true
		}
	}
	return false
}

// IsBase reports whether this template belongs to the distinguished "base"
// agent family, which may spawn any agent regardless of SpawnableAgents.
func (t *AgentTemplate) IsBase() bool {
	return t.ID == "base" || strings.HasPrefix(t.ID, "base-")
}

// AgentID is the parsed form of an agent identifier string:
// "[publisher/]name[@version]".
type AgentID struct {
	Publisher string
	Name      string
	Version   string
}

// String renders the id back to its canonical text form.
func (id AgentID) String() string {
	var b strings.Builder
	if id.Publisher != "" {
		b.WriteString(id.Publisher)
		b.WriteByte('/')
	}
	b.WriteString(id.Name)
	if id.Version != "" {
		b.WriteByte('@')
		b.WriteString(id.Version)
	}
	return b.String()
}

// Pinned reports whether the id names an exact version. Only pinned ids are
// cacheable; "latest" would go stale.
func (id AgentID) Pinned() bool {
	return id.Version != "" && id.Version != "latest"
}

// ParseAgentID parses "[publisher/]name[@version]". Malformed ids (more than
// one '@', more than one '/', empty components) return ok=false.
func ParseAgentID(s string) (AgentID, bool) {
	if s == "" {
		return AgentID{}, false
	}
	var id AgentID

	rest := s
	if i := strings.Index(rest, "@"); i >= 0 {
		if strings.Contains(rest[i+1:], "@") {
			return AgentID{}, false
		}
		id.Version = rest[i+1:]
		rest = rest[:i]
		if id.Version == "" {
			return AgentID{}, false
		}
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		if strings.Contains(rest[i+1:], "/") {
			return AgentID{}, false
		}
		id.Publisher = rest[:i]
		rest = rest[i+1:]
		if id.Publisher == "" {
			return AgentID{}, false
		}
	}
	if rest == "" {
		return AgentID{}, false
	}
	id.Name = rest
	return id, true
}

// matchesSpawnSpec reports whether a spawnable-agents entry permits spawning
// the requested id. Components the entry specifies must match exactly;
// omitted components match anything.
func matchesSpawnSpec(spec, requested AgentID) bool {
	if spec.Name != requested.Name {
		return false
	}
	if spec.Publisher != "" && spec.Publisher != requested.Publisher {
		return false
	}
	if spec.Version != "" && spec.Version != requested.Version {
		return false
	}
	return true
}
