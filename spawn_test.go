package flock

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func spawnFixture(p *scriptProvider, templates map[string]*AgentTemplate) (*Runtime, *AgentState, *AgentTemplate) {
	r := New(p, WithLocalTemplates(templates))
	parentTmpl := templates["coordinator"]
	parent := NewAgentState(parentTmpl.ID, nil)
	return r, parent, parentTmpl
}

func TestSpawnCreditAggregation(t *testing.T) {
	p := newScriptProvider()
	p.cost["model-w1"] = 50
	p.cost["model-w2"] = 75
	p.addScript("model-w1", textChunk("first result"))
	p.addScript("model-w2", textChunk("second result"))

	r, parent, parentTmpl := spawnFixture(p, map[string]*AgentTemplate{
		"coordinator": {ID: "coordinator", Model: "model-p", SpawnableAgents: []string{"alpha", "beta"}},
		"alpha":       {ID: "alpha", Model: "model-w1"},
		"beta":        {ID: "beta", Model: "model-w2"},
	})
	parent.AddDirectCredits(10)

	reports, err := r.spawnAgents(context.Background(), []SpawnRequest{
		{AgentType: "alpha", Prompt: "a"},
		{AgentType: "beta", Prompt: "b"},
	}, parent, parentTmpl, r.local)
	if err != nil {
		t.Fatal(err)
	}

	if !reports[0].Success || !reports[1].Success {
		t.Fatalf("reports = %+v", reports)
	}
	if reports[0].CreditsUsed != 50 || reports[1].CreditsUsed != 75 {
		t.Errorf("child credits = %d, %d", reports[0].CreditsUsed, reports[1].CreditsUsed)
	}
	if got := parent.CreditsUsed(); got != 135 {
		t.Errorf("parent total = %d, want 135", got)
	}
	if got := parent.DirectCreditsUsed(); got != 10 {
		t.Errorf("parent direct = %d, want 10", got)
	}
	if len(parent.ChildRunIDs) != 2 {
		t.Errorf("child run ids = %v", parent.ChildRunIDs)
	}
}

func TestSpawnReportOrder(t *testing.T) {
	p := newScriptProvider()
	p.addScript("model-w1", textChunk("one"))
	p.addScript("model-w2", textChunk("two"))

	r, parent, parentTmpl := spawnFixture(p, map[string]*AgentTemplate{
		"coordinator": {ID: "coordinator", Model: "model-p", SpawnableAgents: []string{"alpha", "beta"}},
		"alpha":       {ID: "alpha", Model: "model-w1"},
		"beta":        {ID: "beta", Model: "model-w2"},
	})

	reports, err := r.spawnAgents(context.Background(), []SpawnRequest{
		{AgentType: "beta", Prompt: "b"},
		{AgentType: "alpha", Prompt: "a"},
	}, parent, parentTmpl, r.local)
	if err != nil {
		t.Fatal(err)
	}
	if reports[0].AgentType != "beta" || reports[1].AgentType != "alpha" {
		t.Errorf("report order = %+v", reports)
	}
	var first, second string
	json.Unmarshal(reports[0].Value, &first)
	json.Unmarshal(reports[1].Value, &second)
	if first != "two" || second != "one" {
		t.Errorf("values = %q, %q", first, second)
	}
}

func TestSpawnInvalidRequestsIsolated(t *testing.T) {
	p := newScriptProvider()
	p.addScript("model-w1", textChunk("ok"))

	r, parent, parentTmpl := spawnFixture(p, map[string]*AgentTemplate{
		"coordinator": {ID: "coordinator", Model: "model-p", SpawnableAgents: []string{"alpha"}},
		"alpha":       {ID: "alpha", Model: "model-w1"},
	})

	reports, err := r.spawnAgents(context.Background(), []SpawnRequest{
		{AgentType: "a/b/c", Prompt: "x"},
		{AgentType: "ghost", Prompt: "x"},
		{AgentType: "alpha", Prompt: "x"},
	}, parent, parentTmpl, r.local)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(reports[0].Error, "malformed") {
		t.Errorf("report 0 = %+v", reports[0])
	}
	if !strings.Contains(reports[1].Error, "not found") {
		t.Errorf("report 1 = %+v", reports[1])
	}
	if !reports[2].Success {
		t.Errorf("valid sibling failed: %+v", reports[2])
	}
}

func TestSpawnPermissionDenied(t *testing.T) {
	p := newScriptProvider()
	r, parent, parentTmpl := spawnFixture(p, map[string]*AgentTemplate{
		"coordinator": {ID: "coordinator", Model: "model-p", SpawnableAgents: []string{"alpha"}},
		"alpha":       {ID: "alpha", Model: "model-w1"},
		"forbidden":   {ID: "forbidden", Model: "model-w2"},
	})

	reports, err := r.spawnAgents(context.Background(), []SpawnRequest{
		{AgentType: "forbidden", Prompt: "x"},
	}, parent, parentTmpl, r.local)
	if err != nil {
		t.Fatal(err)
	}
	if reports[0].Success || !strings.Contains(reports[0].Error, "not allowed to spawn") {
		t.Errorf("report = %+v", reports[0])
	}
	if p.callCount("model-w2") != 0 {
		t.Error("forbidden child still ran")
	}
}

func TestSpawnBaseSpawnsAnything(t *testing.T) {
	p := newScriptProvider()
	p.addScript("model-w1", textChunk("ok"))

	templates := map[string]*AgentTemplate{
		"base":  {ID: "base", Model: "model-p"},
		"alpha": {ID: "alpha", Model: "model-w1"},
	}
	r := New(p, WithLocalTemplates(templates))
	parent := NewAgentState("base", nil)

	reports, err := r.spawnAgents(context.Background(), []SpawnRequest{
		{AgentType: "alpha", Prompt: "x"},
	}, parent, templates["base"], r.local)
	if err != nil {
		t.Fatal(err)
	}
	if !reports[0].Success {
		t.Errorf("base spawn failed: %+v", reports[0])
	}
}

func TestSpawnInputValidation(t *testing.T) {
	p := newScriptProvider()
	r, parent, parentTmpl := spawnFixture(p, map[string]*AgentTemplate{
		"coordinator": {ID: "coordinator", Model: "model-p", SpawnableAgents: []string{"alpha"}},
		"alpha": {
			ID:    "alpha",
			Model: "model-w1",
			InputSchema: &InputSchema{
				Prompt: json.RawMessage(`{"type":"string"}`),
				Params: json.RawMessage(`{
					"type": "object",
					"properties": {"depth": {"type": "integer"}},
					"required": ["depth"]
				}`),
			},
		},
	})

	reports, err := r.spawnAgents(context.Background(), []SpawnRequest{
		{AgentType: "alpha"},
		{AgentType: "alpha", Prompt: "go", Params: json.RawMessage(`{}`)},
	}, parent, parentTmpl, r.local)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reports[0].Error, "requires a prompt") {
		t.Errorf("report 0 = %+v", reports[0])
	}
	if !strings.Contains(reports[1].Error, "missing required field") {
		t.Errorf("report 1 = %+v", reports[1])
	}
	if p.callCount("model-w1") != 0 {
		t.Error("invalid requests still ran")
	}
}

func TestSpawnFailureIsolation(t *testing.T) {
	p := newScriptProvider()
	p.addScript("model-w1", ModelChunk{Type: ModelChunkError, Err: "upstream exploded"})
	p.cost["model-w1"] = 5
	p.addScript("model-w2", textChunk("fine"))

	r, parent, parentTmpl := spawnFixture(p, map[string]*AgentTemplate{
		"coordinator": {ID: "coordinator", Model: "model-p", SpawnableAgents: []string{"alpha", "beta"}},
		"alpha":       {ID: "alpha", Model: "model-w1"},
		"beta":        {ID: "beta", Model: "model-w2"},
	})

	reports, err := r.spawnAgents(context.Background(), []SpawnRequest{
		{AgentType: "alpha", Prompt: "a"},
		{AgentType: "beta", Prompt: "b"},
	}, parent, parentTmpl, r.local)
	if err != nil {
		t.Fatal(err)
	}

	if reports[0].Success || !strings.Contains(reports[0].Error, "upstream exploded") {
		t.Errorf("failed child report = %+v", reports[0])
	}
	if !reports[1].Success {
		t.Errorf("sibling dragged down: %+v", reports[1])
	}
	// The failed child's partial spend still reaches the parent.
	if parent.CreditsUsed() != 5 {
		t.Errorf("parent total = %d, want 5", parent.CreditsUsed())
	}
}

func TestSpawnPaymentRequiredPropagates(t *testing.T) {
	p := newScriptProvider()
	p.err = &ErrPaymentRequired{}

	r, parent, parentTmpl := spawnFixture(p, map[string]*AgentTemplate{
		"coordinator": {ID: "coordinator", Model: "model-p", SpawnableAgents: []string{"alpha"}},
		"alpha":       {ID: "alpha", Model: "model-w1"},
	})

	_, err := r.spawnAgents(context.Background(), []SpawnRequest{
		{AgentType: "alpha", Prompt: "a"},
	}, parent, parentTmpl, r.local)
	if !IsPaymentRequired(err) {
		t.Fatalf("err = %v, want payment required", err)
	}
}

func TestSpawnInheritsHistory(t *testing.T) {
	p := newScriptProvider()
	p.addScript("model-w1", textChunk("ok"))

	r, parent, parentTmpl := spawnFixture(p, map[string]*AgentTemplate{
		"coordinator": {ID: "coordinator", Model: "model-p", SpawnableAgents: []string{"alpha"}},
		"alpha":       {ID: "alpha", Model: "model-w1", IncludeMessageHistory: true},
	})
	parent.AppendMessage(UserMessage("parent context"))
	parent.AppendMessage(Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "pending", Name: "think"}}})

	_, err := r.spawnAgents(context.Background(), []SpawnRequest{
		{AgentType: "alpha", Prompt: "go"},
	}, parent, parentTmpl, r.local)
	if err != nil {
		t.Fatal(err)
	}

	reqs := p.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	var inherited, leaked bool
	for _, m := range reqs[0].Messages {
		if m.Content == "parent context" {
			inherited = true
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == "pending" {
				leaked = true
			}
		}
	}
	if !inherited {
		t.Error("parent history not inherited")
	}
	if leaked {
		t.Error("unfinished tool call leaked to the child")
	}
}
