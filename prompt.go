package flock

import (
	"sort"
	"strings"
)

// Placeholder tokens substituted into prompt templates. The vocabulary is
// closed: unknown {FLOCK_*} tokens pass through untouched so a template
// author notices the typo instead of silently losing context.
const (
	PlaceholderFileTree       = "{FLOCK_FILE_TREE}"
	PlaceholderGitChanges     = "{FLOCK_GIT_CHANGES}"
	PlaceholderSystemInfo     = "{FLOCK_SYSTEM_INFO}"
	PlaceholderKnowledgeFiles = "{FLOCK_KNOWLEDGE_FILES}"
	PlaceholderRemainingSteps = "{FLOCK_REMAINING_STEPS}"
	PlaceholderUserInput      = "{FLOCK_USER_INPUT}"
	PlaceholderAgentName      = "{FLOCK_AGENT_NAME}"
)

// placeholderOrder fixes the substitution sequence. Map iteration order
// would make the result depend on chance whenever a supplied value itself
// contains another token.
var placeholderOrder = []string{
	PlaceholderFileTree,
	PlaceholderGitChanges,
	PlaceholderSystemInfo,
	PlaceholderKnowledgeFiles,
	PlaceholderRemainingSteps,
	PlaceholderUserInput,
	PlaceholderAgentName,
}

// Substitutions maps placeholder tokens to supplier functions. Suppliers run
// lazily, only when their token occurs in the template, because some values
// (file tree, git diff) are expensive to render.
type Substitutions map[string]func() string

// FormatPrompt substitutes every occurrence of each known placeholder in
// tmpl, in placeholderOrder. Tokens without a supplier are left in place.
func FormatPrompt(tmpl string, subs Substitutions) string {
	if tmpl == "" {
		return ""
	}
	for _, token := range placeholderOrder {
		supply := subs[token]
		if supply == nil || !strings.Contains(tmpl, token) {
			continue
		}
		tmpl = strings.ReplaceAll(tmpl, token, supply())
	}
	return tmpl
}

// BuildInstructionsPrompt assembles a template's instructions prompt: the
// substituted template text, a catalogue of spawnable agents, and — when the
// template declares an output schema and the turn is about to end without
// output — an explicit reminder to call set_output.
//
// An empty result means "omit this message", not an error.
func BuildInstructionsPrompt(t *AgentTemplate, spawnable []*AgentTemplate, subs Substitutions, endingWithoutOutput bool) string {
	var b strings.Builder
	b.WriteString(FormatPrompt(t.InstructionsPrompt, subs))

	if len(spawnable) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Agents you can spawn:\n")
		for _, sp := range spawnable {
			b.WriteString("- ")
			b.WriteString(sp.FullID())
			if sp.SpawnerPrompt != "" {
				b.WriteString(": ")
				b.WriteString(sp.SpawnerPrompt)
			}
			b.WriteByte('\n')
		}
	}

	if len(t.OutputSchema) > 0 && endingWithoutOutput {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Before you finish, you must call the ")
		b.WriteString(toolNameSetOutput)
		b.WriteString(" tool with a value matching this schema:\n")
		b.Write(t.OutputSchema)
	}

	return strings.TrimSpace(b.String())
}

// BuildStepPrompt substitutes the template's per-step prompt. Empty means
// no step message is appended for this step.
func BuildStepPrompt(t *AgentTemplate, subs Substitutions) string {
	return strings.TrimSpace(FormatPrompt(t.StepPrompt, subs))
}

// fileContextSubstitutions derives suppliers from a pre-computed project
// file context. A nil context yields empty values for all file placeholders.
func fileContextSubstitutions(fc *ProjectFileContext) Substitutions {
	subs := Substitutions{}
	subs[PlaceholderFileTree] = func() string {
		if fc == nil {
			return ""
		}
		return fc.FileTree
	}
	subs[PlaceholderGitChanges] = func() string {
		if fc == nil {
			return ""
		}
		return fc.GitChanges
	}
	subs[PlaceholderSystemInfo] = func() string {
		if fc == nil {
			return ""
		}
		return fc.SystemInfo
	}
	subs[PlaceholderKnowledgeFiles] = func() string {
		if fc == nil || len(fc.KnowledgeFiles) == 0 {
			return ""
		}
		paths := make([]string, 0, len(fc.KnowledgeFiles))
		for path := range fc.KnowledgeFiles {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		var b strings.Builder
		for _, path := range paths {
			b.WriteString("## ")
			b.WriteString(path)
			b.WriteByte('\n')
			b.WriteString(fc.KnowledgeFiles[path])
			b.WriteByte('\n')
		}
		return b.String()
	}
	return subs
}
