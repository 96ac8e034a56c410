// Package cli implements the gobby commands: daemon assembly and serving,
// project initialization, and status and task inspection.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sourcegraph/conc/pool"

	"github.com/gobbyhq/gobby/pkg/autonomous"
	"github.com/gobbyhq/gobby/pkg/config"
	"github.com/gobbyhq/gobby/pkg/console"
	"github.com/gobbyhq/gobby/pkg/constants"
	"github.com/gobbyhq/gobby/pkg/expr"
	"github.com/gobbyhq/gobby/pkg/hooks"
	"github.com/gobbyhq/gobby/pkg/llm"
	"github.com/gobbyhq/gobby/pkg/logger"
	"github.com/gobbyhq/gobby/pkg/mcpproxy"
	"github.com/gobbyhq/gobby/pkg/session"
	"github.com/gobbyhq/gobby/pkg/storage"
	"github.com/gobbyhq/gobby/pkg/workflow"
)

var serveLog = logger.New("cli:serve")

// Daemon is the assembled gobby daemon: storage, workflow engine, MCP proxy,
// hook ingress and the background loops.
type Daemon struct {
	Config    *config.Config
	Store     *storage.Store
	Engine    *workflow.Engine
	Proxy     *mcpproxy.Manager
	Hooks     *hooks.Server
	Stops     *autonomous.StopRegistry
	Exporter  *storage.Exporter
	Lifecycle *session.Manager

	projectDir string
	version    string
}

// BuildDaemon loads configuration and wires every daemon component for a
// project directory.
func BuildDaemon(ctx context.Context, projectDir, version string) (*Daemon, error) {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}
	for _, finding := range config.AuditSecrets(projectDir) {
		fmt.Fprintln(os.Stderr, console.FormatWarningMessage(finding))
	}

	store, err := storage.Open(ctx, storage.Options{ProjectDir: projectDir})
	if err != nil {
		return nil, err
	}

	eval := expr.New()
	userWorkflows := cfg.Workflows.UserDir
	if userWorkflows == "" && config.UserDir() != "" {
		userWorkflows = filepath.Join(config.UserDir(), constants.WorkflowsDirName)
	}
	projectWorkflows := filepath.Join(constants.ProjectGobbyDir(projectDir), constants.WorkflowsDirName)
	loader := workflow.NewLoader(userWorkflows, projectWorkflows, eval)
	loader.SyncRules(ctx, cfg.Workflows.Enabled, store.Rules())
	states := workflow.NewStateManager(store.WorkflowStates())

	provider := buildProvider(cfg)

	stops := autonomous.NewStopRegistry(store.Stops())
	if err := stops.Rehydrate(ctx); err != nil {
		serveLog.Printf("warn: stop signals not rehydrated: %v", err)
	}

	proxy := mcpproxy.NewManager()
	proxy.AddInternal(mcpproxy.NewTasksServer(store))
	proxy.AddInternal(mcpproxy.NewSessionsServer(store))
	proxy.AddInternal(mcpproxy.NewWorkflowsServer(loader, states, store.Rules()))
	proxy.AddInternal(mcpproxy.NewMemoryServer(store))
	if config.UserDir() != "" {
		proxy.AddInternal(mcpproxy.NewSkillsServer(filepath.Join(config.UserDir(), constants.SkillsDirName)))
	}
	proxy.AddInternal(mcpproxy.NewGitHubServer())
	for _, upstream := range cfg.MCP.Servers {
		if err := proxy.AddUpstream(upstream); err != nil {
			serveLog.Printf("warn: upstream %s not added: %v", upstream.Name, err)
		}
	}

	engine := workflow.NewEngine(loader, states, store, workflow.EngineOptions{
		Evaluator: eval,
		Provider:  provider,
		MCP:       proxy,
		Spawner:   &autonomous.Chainer{},
		Stops:     stops,
		Workflows: cfg.Workflows.Enabled,
	})

	pipeline := hooks.NewPipeline(store, engine)
	exporter := storage.NewExporter(store, cfg.Export.Debounce())

	return &Daemon{
		Config:   cfg,
		Store:    store,
		Engine:   engine,
		Proxy:    proxy,
		Hooks:    hooks.NewServer(pipeline, stops, version),
		Stops:    stops,
		Exporter: exporter,
		Lifecycle: session.NewManager(store, session.Options{
			Provider: provider,
			Exporter: exporter,
			Model:    cfg.LLM.Model,
		}),
		projectDir: projectDir,
		version:    version,
	}, nil
}

// Run serves the hook ingress and MCP proxy and drives the background loops
// until ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintln(os.Stderr, console.FormatInfoMessage(
		fmt.Sprintf("gobby %s serving hooks on %s, mcp on %s", d.version, d.Config.Daemon.HookAddr, d.Config.Daemon.MCPAddr)))

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return d.Hooks.ListenAndServe(ctx, d.Config.Daemon.HookAddr)
	})
	p.Go(func(ctx context.Context) error {
		return d.Proxy.ServeHTTP(ctx, d.Config.Daemon.MCPAddr, d.version)
	})
	p.Go(func(ctx context.Context) error {
		d.Exporter.Run(ctx)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		d.Lifecycle.Run(ctx)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		return config.Watch(ctx, d.projectDir, func(cfg *config.Config) {
			// Workflow enablement and upstreams apply to new sessions after a
			// restart; only note the change here.
			serveLog.Print("Config change detected; restart to apply daemon settings")
		})
	})

	err := p.Wait()
	if closeErr := d.Close(); closeErr != nil {
		serveLog.Printf("warn: shutdown: %v", closeErr)
	}
	return err
}

// Close releases the daemon's resources.
func (d *Daemon) Close() error {
	if err := d.Proxy.Close(); err != nil {
		serveLog.Printf("warn: proxy close: %v", err)
	}
	return d.Store.Close()
}

// RunServe builds and runs the daemon for a project directory.
func RunServe(ctx context.Context, projectDir, version string) error {
	d, err := BuildDaemon(ctx, projectDir, version)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// RunMCPStdio builds the daemon's MCP surface and serves it over stdio, for
// CLIs that spawn their MCP servers as child processes.
func RunMCPStdio(ctx context.Context, projectDir, version string) error {
	d, err := BuildDaemon(ctx, projectDir, version)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Proxy.RunStdio(ctx, version)
}

// buildProvider creates the configured completion provider, or nil with a
// warning when no credential is available. The daemon degrades gracefully:
// titles, summaries and LLM actions are skipped without a provider.
func buildProvider(cfg *config.Config) llm.Provider {
	switch cfg.LLM.Provider {
	case "", "anthropic":
		if cfg.LLM.AnthropicAPIKey == "" {
			serveLog.Print("warn: no Anthropic API key; LLM features disabled")
			return nil
		}
		provider, err := llm.NewAnthropic(cfg.LLM.AnthropicAPIKey, cfg.LLM.Model)
		if err != nil {
			serveLog.Printf("warn: anthropic provider not built: %v", err)
			return nil
		}
		return provider
	case "openai":
		if cfg.LLM.OpenAIAPIKey == "" {
			serveLog.Print("warn: no OpenAI API key; LLM features disabled")
			return nil
		}
		provider, err := llm.NewOpenAI(cfg.LLM.OpenAIAPIKey, cfg.LLM.Model)
		if err != nil {
			serveLog.Printf("warn: openai provider not built: %v", err)
			return nil
		}
		return provider
	default:
		serveLog.Printf("warn: unknown llm provider %q; LLM features disabled", cfg.LLM.Provider)
		return nil
	}
}
