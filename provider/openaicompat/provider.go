package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	flock "github.com/sorenkv/flock"
)

// CreditFunc converts model token usage to credits. The observer package's
// CreditTable.Credits satisfies this signature.
type CreditFunc func(model string, inputTokens, outputTokens int) int

// Provider implements flock.ModelProvider for any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	name    string
	credits CreditFunc
}

var _ flock.ModelProvider = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithCredits sets the token-to-credit conversion used for the cost
// callback. Without it, runs report zero direct model cost.
func WithCredits(f CreditFunc) ProviderOption {
	return func(p *Provider) { p.credits = f }
}

// New creates an OpenAI-compatible streaming provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func New(apiKey, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Stream starts a streaming chat completion and returns a channel of model
// chunks. Accumulated tool calls are emitted as tool_call chunks at stream
// end; onCost fires once when the usage chunk arrives.
func (p *Provider) Stream(ctx context.Context, req flock.ModelRequest, onCost func(credits int)) (<-chan flock.ModelChunk, error) {
	body := buildBody(req)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode == http.StatusPaymentRequired {
			return nil, &flock.ErrPaymentRequired{Message: string(errBody)}
		}
		return nil, &flock.ErrHTTP{Status: resp.StatusCode, Body: string(errBody)}
	}

	ch := make(chan flock.ModelChunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		p.readSSE(ctx, resp.Body, req.Model, ch, onCost)
	}()
	return ch, nil
}

// buildBody assembles the wire request from a flock.ModelRequest. Recognized
// ProviderOptions keys: temperature (float), top_p (float), max_tokens (int),
// stop ([]string).
func buildBody(req flock.ModelRequest) chatRequest {
	body := chatRequest{
		Model:         req.Model,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	for _, m := range req.Messages {
		wire := message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wire.ToolCalls = append(wire.ToolCalls, toolCallRequest{
				ID:   tc.ID,
				Type: "function",
				Function: functionCall{
					Name:      tc.Name,
					Arguments: string(tc.Input),
				},
			})
		}
		body.Messages = append(body.Messages, wire)
	}

	for _, d := range req.Tools {
		params := d.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		body.Tools = append(body.Tools, tool{
			Type: "function",
			Function: function{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}

	if v, ok := req.ProviderOptions["temperature"].(float64); ok {
		body.Temperature = &v
	}
	if v, ok := req.ProviderOptions["top_p"].(float64); ok {
		body.TopP = &v
	}
	switch v := req.ProviderOptions["max_tokens"].(type) {
	case int:
		body.MaxTokens = v
	case float64:
		body.MaxTokens = int(v)
	}

	return body
}

// readSSE consumes the SSE stream: text and reasoning deltas are forwarded
// as they arrive, tool call fragments are accumulated by index and emitted
// complete at stream end.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func (p *Provider) readSSE(ctx context.Context, body io.Reader, model string, ch chan<- flock.ModelChunk, onCost func(credits int)) {
	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	// Pointers: strings.Builder must not be copied once written to,
	// and growing the slice would copy it.
	var toolCalls []*partialToolCall
	var inputTokens, outputTokens int

	send := func(c flock.ModelChunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			inputTokens = chunk.Usage.PromptTokens
			outputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			if !send(flock.ModelChunk{Type: flock.ModelChunkText, Text: delta.Content}) {
				return
			}
		}
		if delta.ReasoningContent != "" {
			if !send(flock.ModelChunk{Type: flock.ModelChunkReasoning, Reasoning: delta.ReasoningContent}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, &partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(flock.ModelChunk{Type: flock.ModelChunkError, Err: err.Error()})
		return
	}

	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		if !send(flock.ModelChunk{Type: flock.ModelChunkToolCall, ToolCall: &flock.ToolCall{
			ID:    tc.ID,
			Name:  tc.Name,
			Input: args,
		}}) {
			return
		}
	}

	if p.credits != nil && onCost != nil {
		if c := p.credits(model, inputTokens, outputTokens); c > 0 {
			onCost(c)
		}
	}
}
