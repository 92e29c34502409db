package flock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// SpawnRequest names one child agent to run, with its task input.
type SpawnRequest struct {
	AgentType string          `json:"agent_type" jsonschema:"required" jsonschema_description:"Agent id to spawn"`
	Prompt    string          `json:"prompt,omitempty" jsonschema_description:"Task description for the child"`
	Params    json.RawMessage `json:"params,omitempty" jsonschema_description:"Structured parameters matching the child's input schema"`
}

// SpawnReport is the per-request entry of a spawn_agents tool result:
// a success value or an error message, one per request, in request order.
type SpawnReport struct {
	AgentType   string          `json:"agent_type"`
	Success     bool            `json:"success"`
	RunID       string          `json:"run_id,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreditsUsed int             `json:"credits_used,omitempty"`
}

// maxParallelSpawns caps concurrently running sibling children.
const maxParallelSpawns = 5

// spawnAgents validates and runs every requested child agent. Requests are
// pre-validated so invalid entries are reported without aborting valid
// siblings; valid children run concurrently with settle-all semantics (one
// child's failure never cancels the others, they share only the parent's
// cancellation context). Each resolved child's final total spend is added
// to the parent exactly once.
// The returned error is non-nil only for the payment-required case, which
// must propagate uncaught to the top-level caller instead of becoming a
// report entry.
func (r *Runtime) spawnAgents(ctx context.Context, reqs []SpawnRequest, parent *AgentState, parentTmpl *AgentTemplate, local map[string]*AgentTemplate) ([]SpawnReport, error) {
	reports := make([]SpawnReport, len(reqs))

	type job struct {
		idx  int
		tmpl *AgentTemplate
		req  SpawnRequest
	}
	var jobs []job

	for i, req := range reqs {
		reports[i].AgentType = req.AgentType

		id, ok := ParseAgentID(req.AgentType)
		if !ok {
			reports[i].Error = fmt.Sprintf("malformed agent id %q", req.AgentType)
			continue
		}
		tmpl := r.registry.Resolve(ctx, req.AgentType, local)
		if tmpl == nil {
			reports[i].Error = fmt.Sprintf("agent %q not found", req.AgentType)
			continue
		}
		if !canSpawn(parentTmpl, id) {
			reports[i].Error = fmt.Sprintf("agent %q is not allowed to spawn %q", parentTmpl.ID, req.AgentType)
			continue
		}
		if err := validateSpawnInput(tmpl, req); err != nil {
			reports[i].Error = err.Error()
			continue
		}
		jobs = append(jobs, job{idx: i, tmpl: tmpl, req: req})
	}

	if len(jobs) == 0 {
		return reports, nil
	}

	workCh := make(chan job, len(jobs))
	for _, j := range jobs {
		workCh <- j
	}
	close(workCh)

	var mu sync.Mutex
	var fatal error

	numWorkers := min(len(jobs), maxParallelSpawns)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for j := range workCh {
				report, err := r.runChild(ctx, j.tmpl, j.req, parent)
				reports[j.idx] = report
				if err != nil {
					mu.Lock()
					if fatal == nil {
						fatal = err
					}
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	return reports, fatal
}

// runChild executes one spawned child to completion and folds its cost back
// into the parent. Partial cost on failure is aggregated too: a failed
// child's error carries its state precisely so this fold can happen.
// A payment-required failure is returned as the second value after its
// partial cost has been folded.
func (r *Runtime) runChild(ctx context.Context, tmpl *AgentTemplate, req SpawnRequest, parent *AgentState) (SpawnReport, error) {
	report := SpawnReport{AgentType: req.AgentType}

	var inherited []Message
	if tmpl.IncludeMessageHistory {
		inherited = StripUnfinishedToolCalls(parent.Messages)
	}

	emit(r.sink, ResponseChunk{Type: ChunkSubagentStart, AgentID: parent.AgentID, RunID: parent.RunID, AgentType: req.AgentType})

	child, err := r.runAgent(ctx, parent, tmpl, req.Prompt, req.Params, inherited, parent.fileContext)

	if child != nil {
		report.RunID = child.RunID
		report.CreditsUsed = child.CreditsUsed()
		parent.AddChildCredits(child.CreditsUsed())
		parent.AddChildRunID(child.RunID)
	}

	if err != nil {
		report.Error = err.Error()
		emit(r.sink, ResponseChunk{Type: ChunkSubagentFinish, AgentID: parent.AgentID, RunID: parent.RunID, AgentType: req.AgentType, Credits: report.CreditsUsed})
		if IsPaymentRequired(err) {
			return report, err
		}
		return report, nil
	}

	out := buildOutput(tmpl, child)
	if out.Type == OutputError {
		report.Error = out.Message
	} else {
		report.Success = true
		report.Value = out.Value
	}
	emit(r.sink, ResponseChunk{Type: ChunkSubagentFinish, AgentID: parent.AgentID, RunID: parent.RunID, AgentType: req.AgentType, Credits: report.CreditsUsed})
	return report, nil
}

// canSpawn checks spawn permission: the base agent family may spawn
// anything; everyone else needs a matching entry in their own
// SpawnableAgents, matched by the most specific components the entry
// carries (omitted publisher/version match wildcardly).
func canSpawn(parent *AgentTemplate, requested AgentID) bool {
	if parent.IsBase() {
		return true
	}
	for _, spec := range parent.SpawnableAgents {
		specID, ok := ParseAgentID(spec)
		if !ok {
			continue
		}
		if matchesSpawnSpec(specID, requested) {
			return true
		}
	}
	return false
}

// validateSpawnInput checks a spawn request against the child template's
// input schema.
func validateSpawnInput(tmpl *AgentTemplate, req SpawnRequest) error {
	if tmpl.InputSchema == nil {
		return nil
	}
	if len(tmpl.InputSchema.Prompt) > 0 && req.Prompt == "" {
		return fmt.Errorf("agent %q requires a prompt", tmpl.ID)
	}
	if len(tmpl.InputSchema.Params) > 0 {
		if err := ValidateInput(tmpl.InputSchema.Params, req.Params); err != nil {
			return fmt.Errorf("agent %q params: %w", tmpl.ID, err)
		}
	}
	return nil
}
