package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	flock "github.com/sorenkv/flock"
	"github.com/sorenkv/flock/frontend/cli"
	"github.com/sorenkv/flock/internal/config"
	"github.com/sorenkv/flock/observer"
	"github.com/sorenkv/flock/provider/openaicompat"
	"github.com/sorenkv/flock/store/postgres"
	"github.com/sorenkv/flock/store/sqlite"
	mcptools "github.com/sorenkv/flock/tools/mcp"
	webtool "github.com/sorenkv/flock/tools/web"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg := config.Load(os.Getenv("FLOCK_CONFIG"))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// 2. Observer (optional)
	var tracer flock.Tracer
	var metrics *observer.MetricSink
	credits := observer.NewCreditTable(observerRates(cfg))
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, observerRates(cfg))
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
		tracer = observer.NewMeteredTracer(inst)
		metrics = observer.NewMetricSink(inst)
	}

	// 3. Provider
	provider := openaicompat.New(
		cfg.LLM.APIKey,
		providerBaseURL(cfg.LLM.Provider),
		openaicompat.WithName(cfg.LLM.Provider),
		openaicompat.WithCredits(credits.Credits),
	)

	// 4. Run store
	store := openStore(ctx, cfg, logger)
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}

	// 5. Local templates + registry
	local := loadTemplates(cfg.Templates.Dir, logger)
	registry := flock.NewTemplateRegistry(remoteFetcher(cfg.Registry.URL), flock.WithRegistryLogger(logger))

	// 6. Tool sources
	opts := []flock.Option{
		flock.WithRegistry(registry),
		flock.WithLocalTemplates(local),
		flock.WithStore(store),
		flock.WithLogger(logger),
		flock.WithMaxSteps(cfg.Runtime.MaxSteps),
		flock.WithUserID(cfg.Runtime.UserID),
	}
	if tracer != nil {
		opts = append(opts, flock.WithTracer(tracer))
	}
	if cfg.Web.Enabled {
		opts = append(opts, flock.WithWebReader(webtool.New()))
	}
	if servers := collectMCPServers(local); len(servers) > 0 {
		source, err := mcptools.Open(ctx, servers, mcptools.WithLogger(logger))
		if err != nil {
			log.Fatalf("mcp: %v", err)
		}
		defer source.Close()
		opts = append(opts, flock.WithCustomTools(source))
	}

	// 7. Runtime + coordinator + chunk sink
	var coord *cli.Coordinator
	agentType := firstArg(os.Args, "base")

	sink := flock.ChunkSink(func(c flock.ResponseChunk) {
		switch c.Type {
		case flock.ChunkText:
			coord.MarkStreaming()
			fmt.Print(c.Text)
		case flock.ChunkToolCall:
			fmt.Printf("\n[tool: %s]\n", c.ToolCall.Name)
		case flock.ChunkSubagentStart:
			fmt.Printf("\n[spawning %s]\n", c.AgentType)
		case flock.ChunkError:
			fmt.Fprintf(os.Stderr, "\n[error: %s]\n", c.Text)
		}
	})
	if metrics != nil {
		sink = metrics.Wrap(sink)
	}

	rt := flock.New(provider, append(opts, flock.WithSink(sink))...)

	coord = cli.NewCoordinator(func(runCtx context.Context, msg cli.QueuedMessage) error {
		result, err := rt.Run(runCtx, flock.RunInput{
			AgentType: agentType,
			Prompt:    msg.Content,
		})
		if err != nil {
			return err
		}
		if result.Output.Type == flock.OutputError {
			fmt.Fprintf(os.Stderr, "\nrun failed: %s\n", result.Output.Message)
			return nil
		}
		var text string
		if json.Unmarshal(result.Output.Value, &text) != nil {
			text = string(result.Output.Value)
		}
		fmt.Println("\n" + cli.RenderMarkdown(text))
		return nil
	}, cli.WithCoordinatorLogger(logger))

	// 8. REPL
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if coord.Cancel() == cli.CancelNone {
				os.Exit(0)
			}
		}
	}()

	fmt.Printf("flock ready (agent: %s). Type a task, Ctrl-C to cancel.\n", agentType)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		coord.Enqueue(cli.QueuedMessage{Content: line})
	}
}

// firstArg returns the first CLI argument or a default.
func firstArg(args []string, def string) string {
	if len(args) > 1 {
		return args[1]
	}
	return def
}

// providerBaseURL maps a provider name to its OpenAI-compatible endpoint.
func providerBaseURL(name string) string {
	switch name {
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

// openStore picks the run store backend from config.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) flock.RunStore {
	if cfg.Database.Driver == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		return postgres.New(pool)
	}
	return sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
}

// loadTemplates reads every *.json agent template in dir. A missing dir is
// fine; malformed files are skipped with a warning.
func loadTemplates(dir string, logger *slog.Logger) map[string]*flock.AgentTemplate {
	local := make(map[string]*flock.AgentTemplate)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return local
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var t flock.AgentTemplate
		if err := json.Unmarshal(data, &t); err != nil || t.ID == "" {
			logger.Warn("skipping malformed template", "file", e.Name())
			continue
		}
		local[t.FullID()] = &t
	}
	logger.Info("templates loaded", "dir", dir, "count", len(local))
	return local
}

// collectMCPServers merges MCP server declarations across local templates.
func collectMCPServers(local map[string]*flock.AgentTemplate) map[string]flock.MCPServerConfig {
	servers := make(map[string]flock.MCPServerConfig)
	for _, t := range local {
		for name, cfg := range t.MCPServers {
			if _, ok := servers[name]; !ok {
				servers[name] = cfg
			}
		}
	}
	return servers
}

// remoteFetcher returns a TemplateFetcher for the registry URL, or nil when
// remote fetch is disabled.
func remoteFetcher(url string) flock.TemplateFetcher {
	if url == "" {
		return nil
	}
	client := &http.Client{}
	return flock.TemplateFetcherFunc(func(ctx context.Context, id flock.AgentID) (*flock.AgentTemplate, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", url+"/agents/"+id.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &flock.ErrHTTP{Status: resp.StatusCode, Body: "registry fetch"}
		}
		var t flock.AgentTemplate
		if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
			return nil, err
		}
		return &t, nil
	})
}

// observerRates converts config rates to the observer's type.
func observerRates(cfg config.Config) map[string]observer.ModelRate {
	rates := make(map[string]observer.ModelRate, len(cfg.Observer.Rates))
	for model, r := range cfg.Observer.Rates {
		rates[model] = observer.ModelRate{InputPerMillion: r.Input, OutputPerMillion: r.Output}
	}
	return rates
}
