package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gobbyhq/gobby/pkg/console"
	"github.com/gobbyhq/gobby/pkg/constants"
	"github.com/gobbyhq/gobby/pkg/fileutil"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var initLog = logger.New("cli:init")

const sampleConfig = `# gobby project configuration. Project settings override ~/.gobby/config.yaml.
#
# daemon:
#   hook_addr: 127.0.0.1:7777
#   mcp_addr: 127.0.0.1:7778
#
# workflows:
#   enabled: [plan-execute, session-handoff]
#
# llm:
#   provider: anthropic
#   anthropic_api_key: ${ANTHROPIC_API_KEY}
#
# mcp:
#   servers:
#     - name: docs
#       url: ${DOCS_MCP_URL:-http://localhost:3100/mcp}
`

const gitignoreEntries = `gobby.db
gobby.db-wal
gobby.db-shm
`

// RunInit seeds the project tier: the .gobby directory, a commented config,
// a workflows directory and a .gitignore for the database files.
func RunInit(projectDir string, force bool) error {
	gobbyDir := constants.ProjectGobbyDir(projectDir)
	configPath := filepath.Join(gobbyDir, constants.ConfigFileName)

	if fileutil.FileExists(configPath) && !force {
		overwrite, err := console.ConfirmAction(
			fmt.Sprintf("%s already exists. Overwrite?", console.ToRelativePath(configPath)),
			"Overwrite", "Keep")
		if err != nil || !overwrite {
			fmt.Println(console.FormatInfoMessage("Keeping existing configuration"))
			return err
		}
	}

	if err := fileutil.EnsureDir(filepath.Join(gobbyDir, constants.WorkflowsDirName)); err != nil {
		return err
	}
	if err := os.WriteFile(configPath, []byte(sampleConfig), 0o600); err != nil {
		return err
	}
	gitignorePath := filepath.Join(gobbyDir, ".gitignore")
	if !fileutil.FileExists(gitignorePath) {
		if err := os.WriteFile(gitignorePath, []byte(gitignoreEntries), 0o644); err != nil {
			return err
		}
	}
	initLog.Printf("Initialized project tier at %s", gobbyDir)

	fmt.Println(console.FormatSuccessMessage("Initialized " + console.ToRelativePath(gobbyDir)))
	fmt.Println(console.FormatListItem("config: " + console.ToRelativePath(configPath)))
	fmt.Println(console.FormatListItem("workflows: " + console.ToRelativePath(filepath.Join(gobbyDir, constants.WorkflowsDirName))))
	fmt.Println(console.FormatInfoMessage(fmt.Sprintf("Run '%s serve' to start the daemon", constants.CLIName)))
	return nil
}
