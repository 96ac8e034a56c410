package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string, mode os.FileMode) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, UserConfigName)
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	return path
}

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestLoadDefaults(t *testing.T) {
	isolateHome(t)
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7777", cfg.Daemon.HookAddr)
	require.Equal(t, []string{"plan-execute", "session-handoff"}, cfg.Workflows.Enabled)
	require.Equal(t, "anthropic", cfg.LLM.Provider)
}

func TestProjectTierOverridesUserTier(t *testing.T) {
	home := isolateHome(t)
	writeConfig(t, filepath.Join(home, ".gobby"), `
daemon:
  hook_addr: 127.0.0.1:9100
llm:
  provider: openai
`, 0o600)

	project := t.TempDir()
	writeConfig(t, filepath.Join(project, ".gobby"), `
daemon:
  hook_addr: 127.0.0.1:9200
workflows:
  enabled: [auto-task]
`, 0o600)

	cfg, err := Load(project)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9200", cfg.Daemon.HookAddr)
	require.Equal(t, "openai", cfg.LLM.Provider)
	require.Equal(t, []string{"auto-task"}, cfg.Workflows.Enabled)
}

func TestEnvInterpolation(t *testing.T) {
	home := isolateHome(t)
	t.Setenv("GOBBY_TEST_KEY", "sk-live")
	writeConfig(t, filepath.Join(home, ".gobby"), `
llm:
  anthropic_api_key: ${GOBBY_TEST_KEY}
  model: ${GOBBY_TEST_MODEL:-claude-sonnet-4-5}
mcp:
  servers:
    - name: docs
      url: ${GOBBY_TEST_DOCS_URL:-http://localhost:3100/mcp}
`, 0o600)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "sk-live", cfg.LLM.AnthropicAPIKey)
	require.Equal(t, "claude-sonnet-4-5", cfg.LLM.Model)
	require.Len(t, cfg.MCP.Servers, 1)
	require.Equal(t, "http://localhost:3100/mcp", cfg.MCP.Servers[0].URL)
}

func TestMalformedConfigIsRejected(t *testing.T) {
	home := isolateHome(t)
	writeConfig(t, filepath.Join(home, ".gobby"), "daemon: [not a map", 0o600)

	_, err := Load(t.TempDir())
	require.Error(t, err)
}

func TestAuditSecretsFlagsLooseModes(t *testing.T) {
	home := isolateHome(t)
	project := t.TempDir()

	// Literal key, world-readable: flagged.
	writeConfig(t, filepath.Join(home, ".gobby"), "llm:\n  anthropic_api_key: sk-literal\n", 0o644)
	findings := AuditSecrets(project)
	require.Len(t, findings, 1)
	require.Contains(t, findings[0], "600")

	// Tighten it: clean.
	require.NoError(t, os.Chmod(filepath.Join(home, ".gobby", UserConfigName), 0o600))
	require.Empty(t, AuditSecrets(project))

	// Env reference is fine at any mode.
	writeConfig(t, filepath.Join(project, ".gobby"), "llm:\n  openai_api_key: ${OPENAI_API_KEY}\n", 0o644)
	require.Empty(t, AuditSecrets(project))
}

func TestWatchReloadsOnChange(t *testing.T) {
	home := isolateHome(t)
	writeConfig(t, filepath.Join(home, ".gobby"), "daemon:\n  hook_addr: 127.0.0.1:9100\n", 0o600)
	project := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, project, func(cfg *Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	// Let the watcher attach before mutating.
	time.Sleep(200 * time.Millisecond)
	writeConfig(t, filepath.Join(home, ".gobby"), "daemon:\n  hook_addr: 127.0.0.1:9300\n", 0o600)

	select {
	case cfg := <-reloaded:
		require.Equal(t, "127.0.0.1:9300", cfg.Daemon.HookAddr)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	<-done
}
