// Package flock is a multi-agent orchestration runtime for Go.
//
// It runs trees of cooperating agents defined by declarative templates:
// each agent streams a model response, executes tool calls in discovered
// order while the response is still streaming, optionally spawns subagents
// that run concurrently, and reports structured output and credit spend
// back to its parent.
//
// # Quick Start
//
// Create a Runtime with a model provider and run a template:
//
//	rt := flock.New(provider,
//		flock.WithLocalTemplates(templates),
//		flock.WithLogger(logger),
//		flock.WithSink(func(c flock.ResponseChunk) { render(c) }),
//	)
//
//	result, err := rt.Run(ctx, flock.RunInput{
//		AgentType: "reviewer",
//		Prompt:    "Review the pending changes.",
//	})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [ModelProvider] — LLM backend (streaming, cost reporting)
//   - [ToolCallHandler] — host-implemented tools (file I/O, shell)
//   - [CustomToolSource] — dynamically discovered tools (MCP servers)
//   - [RunStore] — run and step persistence
//   - [Tracer] — span-based tracing
//   - [Tracker] — fire-and-forget analytics
//
// # Included Implementations
//
// Storage: store/sqlite (local), store/postgres (pgx pool).
// Tools: tools/web (readability extraction), tools/mcp (MCP client).
// Observability: observer (OTEL tracing and cost accounting).
//
// See the cmd/flock directory for a complete reference application.
package flock
