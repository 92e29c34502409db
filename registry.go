package flock

import (
	"context"
	"log/slog"
	"sync"
)

// TemplateFetcher is the remote template lookup contract. Implementations
// talk to the template database; the registry only cares about the result.
// A nil template with a nil error means "not found".
type TemplateFetcher interface {
	FetchTemplate(ctx context.Context, id AgentID) (*AgentTemplate, error)
}

// TemplateFetcherFunc adapts a function to the TemplateFetcher interface.
type TemplateFetcherFunc func(ctx context.Context, id AgentID) (*AgentTemplate, error)

func (f TemplateFetcherFunc) FetchTemplate(ctx context.Context, id AgentID) (*AgentTemplate, error) {
	return f(ctx, id)
}

// TemplateRegistry resolves agent ids to templates, merging three sources in
// priority order: caller-supplied local templates, the process-wide cache,
// and the remote fetcher. It is constructed once at startup and passed by
// handle to every consumer; there is no ambient singleton.
//
// The cache is append-only: entries are written once per fully-qualified id
// and never mutated, so concurrent reads need no coordination beyond the
// mutex, and a concurrent double-write of the same pinned id is idempotent.
type TemplateRegistry struct {
	mu      sync.RWMutex
	cache   map[string]*AgentTemplate
	fetcher TemplateFetcher
	logger  *slog.Logger
}

// RegistryOption configures a TemplateRegistry.
type RegistryOption func(*TemplateRegistry)

// WithRegistryLogger sets the registry's structured logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *TemplateRegistry) { r.logger = l }
}

// NewTemplateRegistry creates a registry. fetcher may be nil, in which case
// resolution stops at the cache.
func NewTemplateRegistry(fetcher TemplateFetcher, opts ...RegistryOption) *TemplateRegistry {
	r := &TemplateRegistry{
		cache:   make(map[string]*AgentTemplate),
		fetcher: fetcher,
		logger:  nopLogger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the template for agentID, or nil when it cannot be found.
// It never returns an error: callers surface a descriptive message themselves.
//
// Priority, first match wins:
//  1. local[agentID] — statically bundled, user-dynamic, and team templates,
//     pre-merged by MergeLocalTemplates.
//  2. the in-memory cache, keyed by fully-qualified id.
//  3. the remote fetcher. Only pinned (non-"latest") versions are cached.
func (r *TemplateRegistry) Resolve(ctx context.Context, agentID string, local map[string]*AgentTemplate) *AgentTemplate {
	if t, ok := local[agentID]; ok {
		return t
	}

	id, ok := ParseAgentID(agentID)
	if !ok {
		r.logger.Warn("malformed agent id", "agent_id", agentID)
		return nil
	}

	key := id.String()
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	if r.fetcher == nil {
		return nil
	}
	t, err := r.fetcher.FetchTemplate(ctx, id)
	if err != nil {
		r.logger.Warn("remote template fetch failed", "agent_id", key, "error", err)
		return nil
	}
	if t == nil {
		return nil
	}
	if id.Pinned() {
		r.mu.Lock()
		r.cache[key] = t
		r.mu.Unlock()
	}
	return t
}

// Clear empties the cache. Exposed for tests and for hosts that reload
// template sources.
func (r *TemplateRegistry) Clear() {
	r.mu.Lock()
	r.cache = make(map[string]*AgentTemplate)
	r.mu.Unlock()
}

// MergeLocalTemplates flattens the three local template sources into one
// lookup map. Later sources win id collisions: team templates override
// statically bundled ones, and user-dynamic templates override both.
func MergeLocalTemplates(static, team, dynamic map[string]*AgentTemplate) map[string]*AgentTemplate {
	merged := make(map[string]*AgentTemplate, len(static)+len(team)+len(dynamic))
	for id, t := range static {
		merged[id] = t
	}
	for id, t := range team {
		merged[id] = t
	}
	for id, t := range dynamic {
		merged[id] = t
	}
	return merged
}
