// Package config loads the daemon configuration: bundled defaults overlaid
// by the user file (~/.gobby/config.yaml) and then the project file
// (.gobby/config.yaml). String values support ${VAR} and ${VAR:-default}
// interpolation from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/gobbyhq/gobby/pkg/constants"
	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/logger"
	"github.com/gobbyhq/gobby/pkg/mcpproxy"
	"github.com/gobbyhq/gobby/pkg/stringutil"
)

var configLog = logger.New("config:config")

// UserConfigName is the file name in both the user and project tier.
const UserConfigName = constants.ConfigFileName

// Config is the assembled daemon configuration.
type Config struct {
	Daemon    DaemonConfig              `yaml:"daemon"`
	Workflows WorkflowsConfig           `yaml:"workflows"`
	LLM       LLMConfig                 `yaml:"llm"`
	MCP       MCPConfig                 `yaml:"mcp"`
	Export    ExportConfig              `yaml:"export"`
	Autonomy  AutonomyConfig            `yaml:"autonomy"`
	Extra     map[string]map[string]any `yaml:"-"`
}

// DaemonConfig covers the daemon's listen surfaces.
type DaemonConfig struct {
	HookAddr string `yaml:"hook_addr"`
	MCPAddr  string `yaml:"mcp_addr"`
	Debug    string `yaml:"debug,omitempty"`
}

// WorkflowsConfig selects the workflows enabled for new sessions.
type WorkflowsConfig struct {
	Enabled []string `yaml:"enabled"`
	UserDir string   `yaml:"user_dir,omitempty"`
}

// LLMConfig selects and authenticates the completion provider.
type LLMConfig struct {
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model,omitempty"`
	AnthropicAPIKey string `yaml:"anthropic_api_key,omitempty"`
	OpenAIAPIKey    string `yaml:"openai_api_key,omitempty"`
}

// MCPConfig lists upstream MCP servers to proxy.
type MCPConfig struct {
	Servers []mcpproxy.UpstreamConfig `yaml:"servers,omitempty"`
}

// ExportConfig tunes the JSONL ledger export.
type ExportConfig struct {
	DebounceSeconds int `yaml:"debounce_seconds,omitempty"`
}

// Debounce returns the configured debounce as a duration, 0 meaning default.
func (e ExportConfig) Debounce() time.Duration {
	return time.Duration(e.DebounceSeconds) * time.Second
}

// AutonomyConfig tunes autonomous-session supervision.
type AutonomyConfig struct {
	StagnationMinutes int `yaml:"stagnation_minutes,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HookAddr: constants.DefaultHookAddr,
			MCPAddr:  constants.DefaultMCPAddr,
		},
		Workflows: WorkflowsConfig{
			Enabled: []string{"plan-execute", "session-handoff"},
		},
		LLM: LLMConfig{
			Provider:        "anthropic",
			AnthropicAPIKey: "${ANTHROPIC_API_KEY:-}",
			OpenAIAPIKey:    "${OPENAI_API_KEY:-}",
		},
	}
}

// UserDir returns the user tier directory, ~/.gobby.
func UserDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, constants.GobbyDirName)
}

// Load assembles the configuration for a project directory: defaults, then
// the user file, then the project file. Missing files are fine; malformed
// files are not.
func Load(projectDir string) (*Config, error) {
	cfg := Default()
	paths := []string{}
	if userDir := UserDir(); userDir != "" {
		paths = append(paths, filepath.Join(userDir, UserConfigName))
	}
	if projectDir != "" {
		paths = append(paths, filepath.Join(constants.ProjectGobbyDir(projectDir), UserConfigName))
	}
	for _, path := range paths {
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
	}
	interpolate(cfg)
	return cfg, nil
}

// Paths returns the tier file paths for a project, existing or not. Useful
// for watching.
func Paths(projectDir string) []string {
	var paths []string
	if userDir := UserDir(); userDir != "" {
		paths = append(paths, filepath.Join(userDir, UserConfigName))
	}
	if projectDir != "" {
		paths = append(paths, filepath.Join(constants.ProjectGobbyDir(projectDir), UserConfigName))
	}
	return paths
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errkind.Wrap(errkind.InvalidInput, err, fmt.Sprintf("read config %s", path))
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errkind.Wrap(errkind.InvalidInput, err, fmt.Sprintf("parse config %s", path))
	}
	configLog.Printf("Loaded config tier %s", path)
	return nil
}

var interpolatePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expand resolves ${VAR} and ${VAR:-default} against the environment.
func expand(s string) string {
	return interpolatePattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := interpolatePattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(parts[1]); ok {
			return value
		}
		if parts[2] != "" {
			return parts[3]
		}
		return match
	})
}

// interpolate applies env expansion to every string that can carry secrets
// or machine-specific paths.
func interpolate(cfg *Config) {
	cfg.Daemon.HookAddr = expand(cfg.Daemon.HookAddr)
	cfg.Daemon.MCPAddr = expand(cfg.Daemon.MCPAddr)
	cfg.Workflows.UserDir = expand(cfg.Workflows.UserDir)
	cfg.LLM.AnthropicAPIKey = expand(cfg.LLM.AnthropicAPIKey)
	cfg.LLM.OpenAIAPIKey = expand(cfg.LLM.OpenAIAPIKey)
	cfg.LLM.Model = expand(cfg.LLM.Model)
	for i := range cfg.MCP.Servers {
		srv := &cfg.MCP.Servers[i]
		srv.Command = expand(srv.Command)
		srv.URL = expand(srv.URL)
		for j := range srv.Args {
			srv.Args[j] = expand(srv.Args[j])
		}
		for k, v := range srv.Env {
			srv.Env[k] = expand(v)
		}
		for k, v := range srv.Headers {
			srv.Headers[k] = expand(v)
		}
	}
}

// AuditSecrets warns about config files that hold literal secrets with
// permissive modes. Returns one message per finding.
func AuditSecrets(projectDir string) []string {
	var findings []string
	for _, path := range Paths(projectDir) {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if !looksLikeSecretBearing(string(data)) {
			continue
		}
		if info.Mode().Perm()&0o077 != 0 {
			findings = append(findings,
				fmt.Sprintf("%s holds credentials but is mode %o; tighten it to 600", path, info.Mode().Perm()))
		}
	}
	return findings
}

var secretKeyPattern = regexp.MustCompile(`(?m)^\s*\w*(api_key|token|secret)\w*\s*:\s*(\S.*)$`)

// looksLikeSecretBearing reports whether a config file carries a literal
// credential value. Env references are fine; so are values that do not look
// like credentials under a non-secret key.
func looksLikeSecretBearing(content string) bool {
	for _, match := range secretKeyPattern.FindAllStringSubmatch(content, -1) {
		value := strings.Trim(match[2], `"' `)
		if strings.Contains(value, "${") {
			continue
		}
		return true
	}
	// Token-format values leak regardless of the key they sit under.
	for _, line := range strings.Split(content, "\n") {
		if _, value, ok := strings.Cut(line, ":"); ok {
			if stringutil.LooksLikeCredential(strings.Trim(value, `"' `)) {
				return true
			}
		}
	}
	return false
}
