// Package constants holds the names, addresses and limits shared across the
// gobby CLI and daemon.
package constants

import (
	"path/filepath"
	"time"
)

// CommandPrefix is the user-facing name of the CLI, used when printing
// example invocations.
type CommandPrefix string

// String returns the prefix as a plain string.
func (c CommandPrefix) String() string {
	return string(c)
}

// CLIName is the binary name shown in help output.
const CLIName CommandPrefix = "gobby"

// Version represents a software version string. Distinguishing versions from
// arbitrary strings keeps version requirements explicit in signatures.
type Version string

// String returns the string representation of the version.
func (v Version) String() string {
	return string(v)
}

// Directory and file names.
const (
	// GobbyDirName is the per-project state directory.
	GobbyDirName = ".gobby"

	// ConfigFileName is the config file name in both the user and project tier.
	ConfigFileName = "config.yaml"

	// WorkflowsDirName holds workflow YAML definitions inside a tier directory.
	WorkflowsDirName = "workflows"

	// SkillsDirName holds exportable skill directories inside the user tier.
	SkillsDirName = "skills"
)

// Default listen addresses. Loopback only: the daemon trusts its callers.
const (
	DefaultHookAddr = "127.0.0.1:7777"
	DefaultMCPAddr  = "127.0.0.1:7778"
)

// Environment variables.
const (
	// EnvDebug enables debug logging when it matches a logger name.
	EnvDebug = "DEBUG"

	// EnvAnthropicAPIKey is the default source for the Anthropic credential.
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"

	// EnvOpenAIAPIKey is the default source for the OpenAI credential.
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
)

// Timeouts.
const (
	// DefaultLLMTimeout bounds one completion call.
	DefaultLLMTimeout = 30 * time.Second

	// DefaultShutdownTimeout bounds graceful daemon shutdown.
	DefaultShutdownTimeout = 5 * time.Second
)

// ProjectGobbyDir returns the project-tier state directory for a project.
func ProjectGobbyDir(projectDir string) string {
	return filepath.Join(projectDir, GobbyDirName)
}
