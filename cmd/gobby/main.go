package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gobbyhq/gobby/pkg/cli"
	"github.com/gobbyhq/gobby/pkg/console"
	"github.com/gobbyhq/gobby/pkg/constants"
)

// Build-time variable set by the release pipeline.
var version = "dev"

var bannerFlag bool

var rootCmd = &cobra.Command{
	Use:     constants.CLIName.String(),
	Short:   "Local daemon between AI coding CLIs and their tools",
	Version: version,
	Long: `gobby sits between AI coding CLIs (Claude, Gemini, Codex) and their tools:
it enforces YAML-defined workflows over hook events, proxies MCP servers,
tracks tasks and sessions in SQLite, and hands context across sessions.

Common Tasks:
  gobby init                  # Set up a project
  gobby serve                 # Run the daemon
  gobby status                # Check daemon and project state
  gobby tasks --tree          # Inspect the task hierarchy
  gobby stop <session-id>     # Stop an autonomous session

For detailed help on any command, use:
  gobby [command] --help`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if bannerFlag {
			console.PrintBanner()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gobby daemon for the current project",
	Long: `Run the daemon: the hook ingress for CLI adapters, the MCP proxy with
the internal registries, and the background session lifecycle and export
loops. Stops cleanly on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, err := projectDirFlag(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return cli.RunServe(ctx, projectDir, version)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP proxy over stdio",
	Long: `Serve the aggregated MCP surface (internal registries plus configured
upstreams) over stdio, for CLIs that spawn MCP servers as child processes
instead of connecting over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, err := projectDirFlag(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return cli.RunMCPStdio(ctx, projectDir, version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the .gobby directory for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, err := projectDirFlag(cmd)
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		return cli.RunInit(projectDir, force)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and project counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, err := projectDirFlag(cmd)
		if err != nil {
			return err
		}
		jsonOut, _ := cmd.Flags().GetBool("json")
		return cli.RunStatus(cmd.Context(), projectDir, jsonOut)
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List the project's tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, err := projectDirFlag(cmd)
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		tree, _ := cmd.Flags().GetBool("tree")
		jsonOut, _ := cmd.Flags().GetBool("json")
		return cli.RunTasks(cmd.Context(), projectDir, cli.TasksOptions{
			Status: status,
			Tree:   tree,
			JSON:   jsonOut,
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop an autonomous session at its next safe checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, err := projectDirFlag(cmd)
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		return cli.RunStop(cmd.Context(), projectDir, args[0], reason)
	},
}

func projectDirFlag(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&bannerFlag, "banner", false, "Print the ASCII banner")
	rootCmd.PersistentFlags().String("dir", "", "Project directory (default: working directory)")

	initCmd.Flags().Bool("force", false, "Overwrite an existing configuration")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	tasksCmd.Flags().String("status", "", "Filter by status (open, in_progress, closed, escalated)")
	tasksCmd.Flags().Bool("tree", false, "Render the parent/child hierarchy")
	tasksCmd.Flags().Bool("json", false, "Output as JSON")
	stopCmd.Flags().String("reason", "stop requested", "Reason recorded with the stop signal")

	rootCmd.AddCommand(serveCmd, mcpCmd, initCmd, statusCmd, tasksCmd, stopCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, console.FormatErrorMessage(err.Error()))
		os.Exit(1)
	}
}
