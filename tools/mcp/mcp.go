// Package mcp connects to Model Context Protocol servers and exposes their
// tools as a flock.CustomToolSource. Each configured server runs as a
// subprocess speaking MCP over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	flock "github.com/sorenkv/flock"
)

// Source implements flock.CustomToolSource over one or more MCP servers.
// Tool names are flat: when two servers export the same tool name, the
// first configured server wins and the collision is logged.
type Source struct {
	logger  *slog.Logger
	clients []*client
	tools   map[string]*remoteTool
	defs    []flock.ToolDefinition
}

var _ flock.CustomToolSource = (*Source)(nil)

type client struct {
	name string
	cmd  *exec.Cmd
	conn *mcpsdk.ClientSession
}

type remoteTool struct {
	client *client
	name   string
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithLogger sets a structured logger. If not set, output is discarded.
func WithLogger(l *slog.Logger) SourceOption {
	return func(s *Source) { s.logger = l }
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open starts every configured MCP server, connects, and discovers its
// tools. A server that fails to start fails the whole Open; callers must
// Close the returned Source on application exit.
func Open(ctx context.Context, servers map[string]flock.MCPServerConfig, opts ...SourceOption) (*Source, error) {
	s := &Source{
		logger: nopLogger,
		tools:  make(map[string]*remoteTool),
	}
	for _, o := range opts {
		o(s)
	}

	for name, cfg := range servers {
		if err := s.connect(ctx, name, cfg); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Source) connect(ctx context.Context, name string, cfg flock.MCPServerConfig) error {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	mc := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "flock", Version: "v1.0.0"}, nil)
	conn, err := mc.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		return fmt.Errorf("connect to MCP server %q: %w", name, err)
	}
	c := &client{name: name, cmd: cmd, conn: conn}
	s.clients = append(s.clients, c)

	// Discover tools, following pagination.
	params := &mcpsdk.ListToolsParams{}
	count := 0
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			return fmt.Errorf("list tools from MCP server %q: %w", name, err)
		}
		for _, t := range list.Tools {
			if _, taken := s.tools[t.Name]; taken {
				s.logger.Warn("mcp: duplicate tool name, keeping first", "tool", t.Name, "server", name)
				continue
			}
			schema, _ := json.Marshal(t.InputSchema)
			s.tools[t.Name] = &remoteTool{client: c, name: t.Name}
			s.defs = append(s.defs, flock.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			})
			count++
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	s.logger.Info("mcp: server connected", "server", name, "tools", count)
	return nil
}

// HasTool reports whether any connected server provides the named tool.
func (s *Source) HasTool(name string) bool {
	_, ok := s.tools[name]
	return ok
}

// ToolDefinitions lists every discovered tool.
func (s *Source) ToolDefinitions() []flock.ToolDefinition {
	return s.defs
}

// CallTool invokes the named tool on its server and concatenates the text
// content of the result.
func (s *Source) CallTool(ctx context.Context, name string, input json.RawMessage) (string, error) {
	t, ok := s.tools[name]
	if !ok {
		return "", fmt.Errorf("unknown MCP tool %q", name)
	}

	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("tool %q: invalid arguments: %w", name, err)
		}
	}

	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("call tool %q on %q: %w", name, t.client.name, err)
	}

	var b strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool %q: %s", name, b.String())
	}
	return b.String(), nil
}

// Close terminates every server subprocess.
func (s *Source) Close() {
	for _, c := range s.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	}
	s.clients = nil
}
