package flock

import (
	"context"
	"sync"
)

// scriptProvider plays back scripted chunk sequences, one per Stream call,
// keyed by the request's model so concurrent agents get their own scripts.
// Within one model, scripts are consumed in call order.
type scriptProvider struct {
	mu      sync.Mutex
	scripts map[string][][]ModelChunk
	calls   map[string]int
	cost    map[string]int
	reqs    []ModelRequest
	err     error
}

func newScriptProvider() *scriptProvider {
	return &scriptProvider{
		scripts: make(map[string][][]ModelChunk),
		calls:   make(map[string]int),
		cost:    make(map[string]int),
	}
}

func (p *scriptProvider) addScript(model string, chunks ...ModelChunk) {
	p.scripts[model] = append(p.scripts[model], chunks)
}

func (p *scriptProvider) callCount(model string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[model]
}

func (p *scriptProvider) requests() []ModelRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ModelRequest(nil), p.reqs...)
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Stream(ctx context.Context, req ModelRequest, onCost func(int)) (<-chan ModelChunk, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.mu.Lock()
	idx := p.calls[req.Model]
	p.calls[req.Model]++
	p.reqs = append(p.reqs, req)
	var chunks []ModelChunk
	if scripts := p.scripts[req.Model]; idx < len(scripts) {
		chunks = scripts[idx]
	}
	cost := p.cost[req.Model]
	p.mu.Unlock()

	if cost > 0 && onCost != nil {
		onCost(cost)
	}

	ch := make(chan ModelChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func textChunk(s string) ModelChunk {
	return ModelChunk{Type: ModelChunkText, Text: s}
}

func callChunk(name, input string) ModelChunk {
	return ModelChunk{Type: ModelChunkToolCall, ToolCall: &ToolCall{
		ID:    NewID(),
		Name:  name,
		Input: []byte(input),
	}}
}

// chunkRecorder is a thread-safe ChunkSink.
type chunkRecorder struct {
	mu     sync.Mutex
	chunks []ResponseChunk
}

func (r *chunkRecorder) sink(c ResponseChunk) {
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	r.mu.Unlock()
}

func (r *chunkRecorder) ofType(t ChunkType) []ResponseChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ResponseChunk
	for _, c := range r.chunks {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}
