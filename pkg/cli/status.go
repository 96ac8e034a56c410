package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gobbyhq/gobby/pkg/config"
	"github.com/gobbyhq/gobby/pkg/console"
	"github.com/gobbyhq/gobby/pkg/constants"
	"github.com/gobbyhq/gobby/pkg/fileutil"
	"github.com/gobbyhq/gobby/pkg/storage"
)

// RunStatus reports daemon health and project counters.
func RunStatus(ctx context.Context, projectDir string, jsonOut bool) error {
	if !fileutil.DirExists(constants.ProjectGobbyDir(projectDir)) {
		return fmt.Errorf("no %s directory here; run '%s init' first", constants.GobbyDirName, constants.CLIName)
	}
	cfg, err := config.Load(projectDir)
	if err != nil {
		return err
	}

	daemonStatus, daemonVersion := probeDaemon(ctx, cfg.Daemon.HookAddr)

	store, err := storage.Open(ctx, storage.Options{ProjectDir: projectDir})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	active, _ := store.Sessions().ListByStatus(ctx, storage.SessionActive)
	handoff, _ := store.Sessions().ListByStatus(ctx, storage.SessionHandoffReady)
	ready, _ := store.Tasks().ListReady(ctx)
	open, _ := store.Tasks().List(ctx, storage.TaskFilter{Status: storage.TaskOpen})

	table := console.TableConfig{
		Title:   "gobby status",
		Headers: []string{"Item", "Value"},
		Rows: [][]string{
			{"daemon", daemonStatus},
			{"daemon version", daemonVersion},
			{"hook address", cfg.Daemon.HookAddr},
			{"mcp address", cfg.Daemon.MCPAddr},
			{"active sessions", strconv.Itoa(len(active))},
			{"handoff-ready sessions", strconv.Itoa(len(handoff))},
			{"open tasks", strconv.Itoa(len(open))},
			{"ready tasks", strconv.Itoa(len(ready))},
			{"mcp upstreams", strconv.Itoa(len(cfg.MCP.Servers))},
		},
	}

	if jsonOut {
		out, err := console.RenderTableAsJSON(table)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(console.RenderTable(table))
	return nil
}

// probeDaemon hits the hook ingress health endpoint.
func probeDaemon(ctx context.Context, hookAddr string) (status, version string) {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+hookAddr+"/healthz", nil)
	if err != nil {
		return "unreachable", "-"
	}
	res, err := client.Do(req)
	if err != nil {
		return "not running", "-"
	}
	defer res.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil || body.Status == "" {
		return "unhealthy", "-"
	}
	return "running", body.Version
}
