package flock

import (
	"strings"
	"testing"
)

func TestFormatPromptLazySuppliers(t *testing.T) {
	invoked := false
	subs := Substitutions{
		PlaceholderUserInput: func() string { return "hello" },
		PlaceholderFileTree: func() string {
			invoked = true
			return "tree"
		},
	}

	got := FormatPrompt("Task: {FLOCK_USER_INPUT}", subs)
	if got != "Task: hello" {
		t.Errorf("got %q", got)
	}
	if invoked {
		t.Error("supplier ran for a token absent from the template")
	}
}

func TestFormatPromptUnknownTokenPassthrough(t *testing.T) {
	got := FormatPrompt("see {FLOCK_NOT_A_TOKEN} here", Substitutions{
		PlaceholderUserInput: func() string { return "x" },
	})
	if got != "see {FLOCK_NOT_A_TOKEN} here" {
		t.Errorf("got %q", got)
	}
}

func TestFormatPromptOrderIsFixed(t *testing.T) {
	// A supplied value containing another token must yield the same
	// result on every call: tokens are applied in a fixed order, so a
	// later token injected by an earlier value is substituted, and an
	// earlier token injected by a later value stays literal.
	subs := Substitutions{
		PlaceholderSystemInfo: func() string { return "os for {FLOCK_USER_INPUT}" },
		PlaceholderUserInput:  func() string { return "deploy {FLOCK_SYSTEM_INFO}" },
	}
	for range 50 {
		got := FormatPrompt("{FLOCK_SYSTEM_INFO}", subs)
		if got != "os for deploy {FLOCK_SYSTEM_INFO}" {
			t.Fatalf("got %q", got)
		}
		got = FormatPrompt("{FLOCK_USER_INPUT}", subs)
		if got != "deploy {FLOCK_SYSTEM_INFO}" {
			t.Fatalf("got %q", got)
		}
	}
}

func TestFormatPromptNilSupplier(t *testing.T) {
	got := FormatPrompt("{FLOCK_USER_INPUT}", Substitutions{PlaceholderUserInput: nil})
	if got != "{FLOCK_USER_INPUT}" {
		t.Errorf("got %q", got)
	}
}

func TestBuildInstructionsCatalogue(t *testing.T) {
	tmpl := &AgentTemplate{ID: "coordinator", InstructionsPrompt: "Delegate the work."}
	spawnable := []*AgentTemplate{
		{ID: "researcher", SpawnerPrompt: "Finds sources on the web."},
		{ID: "writer"},
	}

	got := BuildInstructionsPrompt(tmpl, spawnable, nil, false)
	if !strings.HasPrefix(got, "Delegate the work.") {
		t.Errorf("missing instructions text: %q", got)
	}
	if !strings.Contains(got, "Agents you can spawn:\n") {
		t.Errorf("missing catalogue header: %q", got)
	}
	if !strings.Contains(got, "- researcher: Finds sources on the web.") {
		t.Errorf("missing described entry: %q", got)
	}
	if !strings.Contains(got, "- writer") || strings.Contains(got, "- writer:") {
		t.Errorf("bare entry should have no description separator: %q", got)
	}
}

func TestBuildInstructionsEmpty(t *testing.T) {
	tmpl := &AgentTemplate{ID: "worker"}
	if got := BuildInstructionsPrompt(tmpl, nil, nil, false); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestBuildInstructionsOutputReminder(t *testing.T) {
	tmpl := &AgentTemplate{
		ID:           "extractor",
		OutputSchema: []byte(`{"type":"object"}`),
	}

	got := BuildInstructionsPrompt(tmpl, nil, nil, true)
	if !strings.Contains(got, "set_output") {
		t.Errorf("missing set_output reminder: %q", got)
	}
	if !strings.Contains(got, `{"type":"object"}`) {
		t.Errorf("missing schema text: %q", got)
	}

	// Not ending yet: no reminder.
	if got := BuildInstructionsPrompt(tmpl, nil, nil, false); got != "" {
		t.Errorf("premature reminder: %q", got)
	}
}

func TestBuildStepPrompt(t *testing.T) {
	tmpl := &AgentTemplate{
		ID:         "worker",
		StepPrompt: "Steps left: {FLOCK_REMAINING_STEPS}",
	}
	subs := Substitutions{
		PlaceholderRemainingSteps: func() string { return "7" },
	}
	if got := BuildStepPrompt(tmpl, subs); got != "Steps left: 7" {
		t.Errorf("got %q", got)
	}
	if got := BuildStepPrompt(&AgentTemplate{ID: "worker"}, subs); got != "" {
		t.Errorf("empty template yielded %q", got)
	}
}

func TestFileContextSubstitutions(t *testing.T) {
	fc := &ProjectFileContext{
		FileTree:   "src/\n  main.go",
		GitChanges: "M main.go",
		SystemInfo: "linux",
		KnowledgeFiles: map[string]string{
			"docs/b.md": "beta",
			"docs/a.md": "alpha",
		},
	}
	subs := fileContextSubstitutions(fc)

	if got := subs[PlaceholderFileTree](); got != "src/\n  main.go" {
		t.Errorf("file tree = %q", got)
	}
	knowledge := subs[PlaceholderKnowledgeFiles]()
	ia := strings.Index(knowledge, "docs/a.md")
	ib := strings.Index(knowledge, "docs/b.md")
	if ia < 0 || ib < 0 || ia > ib {
		t.Errorf("knowledge files not sorted: %q", knowledge)
	}
	if !strings.Contains(knowledge, "alpha") || !strings.Contains(knowledge, "beta") {
		t.Errorf("knowledge content missing: %q", knowledge)
	}
}

func TestFileContextSubstitutionsNil(t *testing.T) {
	subs := fileContextSubstitutions(nil)
	for _, token := range []string{PlaceholderFileTree, PlaceholderGitChanges, PlaceholderSystemInfo, PlaceholderKnowledgeFiles} {
		if got := subs[token](); got != "" {
			t.Errorf("%s = %q, want empty", token, got)
		}
	}
}
