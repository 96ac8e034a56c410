package mcpproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	gh "github.com/cli/go-gh/v2"

	"github.com/gobbyhq/gobby/pkg/fileutil"
	"github.com/gobbyhq/gobby/pkg/storage"
	"github.com/gobbyhq/gobby/pkg/workflow"
)

// NewTasksServer serves the gobby-tasks registry against storage.
func NewTasksServer(store *storage.Store) *InternalServer {
	s := NewInternalServer("gobby-tasks")

	s.Add(InternalTool{
		Name:        "create_task",
		Description: "Create a task. Args: title, description, parent_task_id, priority, task_type, labels.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			task, err := store.Tasks().Create(ctx, storage.TaskInput{
				Title:        argString(args, "title"),
				Description:  argString(args, "description"),
				ParentTaskID: argString(args, "parent_task_id"),
				Priority:     argInt(args, "priority"),
				TaskType:     argString(args, "task_type"),
				Labels:       argStrings(args, "labels"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": task}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "get_task",
		Description: "Fetch one task by id.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			task, err := store.Tasks().Get(ctx, argString(args, "task_id"))
			if err != nil {
				return nil, err
			}
			deps, err := store.Tasks().Dependencies(ctx, task.ID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": task, "dependencies": deps}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "list_tasks",
		Description: "List tasks. Args: status, task_type, parent_task_id, label, limit.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			tasks, err := store.Tasks().List(ctx, storage.TaskFilter{
				Status:   argString(args, "status"),
				TaskType: argString(args, "task_type"),
				Parent:   argString(args, "parent_task_id"),
				Label:    argString(args, "label"),
				Limit:    argInt(args, "limit"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "list_ready_tasks",
		Description: "List open tasks with no unresolved blocking dependencies, highest priority first.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			tasks, err := store.Tasks().ListReady(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "claim_task",
		Description: "Claim a task: moves it to in_progress.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			task, err := store.Tasks().SetStatus(ctx, argString(args, "task_id"), storage.TaskInProgress, false)
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": task}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "update_task",
		Description: "Update task fields. Args: task_id plus title, description, priority, labels, status.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id := argString(args, "task_id")
			if status := argString(args, "status"); status != "" {
				task, err := store.Tasks().SetStatus(ctx, id, status, argBool(args, "skip_validation"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"task": task}, nil
			}
			fields := map[string]any{}
			for _, key := range []string{"title", "description", "priority", "labels", "task_type", "external_url"} {
				if v, ok := args[key]; ok {
					fields[key] = v
				}
			}
			task, err := store.Tasks().Update(ctx, id, fields)
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": task}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "close_task",
		Description: "Close a task with a reason.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			reason := argString(args, "reason")
			if reason == "" {
				reason = "completed"
			}
			task, err := store.Tasks().Close(ctx, argString(args, "task_id"), reason, argBool(args, "skip_validation"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": task}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "record_commit",
		Description: "Attach a commit sha to a task.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, store.Tasks().RecordCommit(ctx, argString(args, "task_id"), argString(args, "sha"))
		},
	})

	s.Add(InternalTool{
		Name:        "record_validation",
		Description: "Record a validation attempt. Args: task_id, passed, summary.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, store.Tasks().RecordValidation(ctx, argString(args, "task_id"), storage.ValidationEntry{
				Passed:  argBool(args, "passed"),
				Summary: argString(args, "summary"),
			})
		},
	})

	s.Add(InternalTool{
		Name:        "add_dependency",
		Description: "Add a dependency edge. Args: task_id, depends_on, dep_type (blocks|related|discovered-from).",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			depType := argString(args, "dep_type")
			if depType == "" {
				depType = storage.DepBlocks
			}
			return nil, store.Tasks().AddDependency(ctx, argString(args, "task_id"), argString(args, "depends_on"), depType)
		},
	})

	s.Add(InternalTool{
		Name:        "remove_dependency",
		Description: "Remove a dependency edge.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			depType := argString(args, "dep_type")
			if depType == "" {
				depType = storage.DepBlocks
			}
			return nil, store.Tasks().RemoveDependency(ctx, argString(args, "task_id"), argString(args, "depends_on"), depType)
		},
	})

	s.Add(InternalTool{
		Name:        "task_tree_complete",
		Description: "Report whether a task and all of its descendants are closed.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			done, err := store.Tasks().TreeComplete(ctx, argString(args, "task_id"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"complete": done}, nil
		},
	})

	return s
}

// NewSessionsServer serves the gobby-sessions registry.
func NewSessionsServer(store *storage.Store) *InternalServer {
	s := NewInternalServer("gobby-sessions")

	s.Add(InternalTool{
		Name:        "get_session",
		Description: "Fetch one session by id.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			sess, err := store.Sessions().Get(ctx, argString(args, "session_id"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"session": sess}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "list_sessions",
		Description: "List sessions by status.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			sessions, err := store.Sessions().ListByStatus(ctx, argString(args, "status"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"sessions": sessions, "count": len(sessions)}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "set_session_title",
		Description: "Set a session title. Write-once: a second title is rejected.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, store.Sessions().SetTitle(ctx, argString(args, "session_id"), argString(args, "title"))
		},
	})

	return s
}

// NewWorkflowsServer serves the gobby-workflows registry.
func NewWorkflowsServer(loader *workflow.Loader, states *workflow.StateManager, rules *storage.RuleManager) *InternalServer {
	s := NewInternalServer("gobby-workflows")

	s.Add(InternalTool{
		Name:        "list_workflows",
		Description: "List workflow names across all tiers.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"workflows": loader.List()}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "get_workflow",
		Description: "Load a workflow definition by name.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			def, err := loader.Load(argString(args, "name"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"workflow": def}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "get_workflow_state",
		Description: "Fetch the workflow state for a session.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			st, err := states.Get(ctx, argString(args, "session_id"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"state": st}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "list_rules",
		Description: "List the named rules synced from the enabled workflows, project tier first.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			stored, err := rules.List(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"rules": stored, "count": len(stored)}, nil
		},
	})

	return s
}

// NewMemoryServer serves the gobby-memory registry.
func NewMemoryServer(store *storage.Store) *InternalServer {
	s := NewInternalServer("gobby-memory")

	s.Add(InternalTool{
		Name:        "add_memory",
		Description: "Store a memory. Args: content, tags.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			mem, err := store.Memories().Create(ctx, argString(args, "content"), argStrings(args, "tags"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"memory": mem}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "list_memories",
		Description: "List memories, optionally filtered by tag.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			memories, err := store.Memories().List(ctx, argString(args, "tag"), argInt(args, "limit"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"memories": memories, "count": len(memories)}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "delete_memory",
		Description: "Delete a memory by id.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, store.Memories().Delete(ctx, argString(args, "memory_id"))
		},
	})

	s.Add(InternalTool{
		Name:        "search_artifacts",
		Description: "Full-text search over captured session artifacts.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			artifacts, err := store.Artifacts().Search(ctx, argString(args, "query"), argInt(args, "limit"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"artifacts": artifacts, "count": len(artifacts)}, nil
		},
	})

	return s
}

// NewSkillsServer serves the gobby-skills registry: skills live as
// directories under skillsDir, and export copies one into the client-native
// .claude/skills layout.
func NewSkillsServer(skillsDir string) *InternalServer {
	s := NewInternalServer("gobby-skills")

	s.Add(InternalTool{
		Name:        "list_skills",
		Description: "List installed skills.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			entries, err := os.ReadDir(skillsDir)
			if os.IsNotExist(err) {
				return map[string]any{"skills": []string{}}, nil
			}
			if err != nil {
				return nil, err
			}
			var skills []string
			for _, e := range entries {
				if e.IsDir() {
					skills = append(skills, e.Name())
				}
			}
			return map[string]any{"skills": skills}, nil
		},
	})

	s.Add(InternalTool{
		Name:        "export_skill",
		Description: "Copy a skill into <target>/.claude/skills/<name>/ for the CLI to pick up.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			name := argString(args, "name")
			target := argString(args, "target_dir")
			if name == "" || target == "" {
				return nil, fmt.Errorf("export_skill requires name and target_dir")
			}
			src := filepath.Join(skillsDir, name)
			if _, err := os.Stat(src); err != nil {
				return nil, fmt.Errorf("skill %q not installed", name)
			}
			dst := filepath.Join(target, ".claude", "skills", name)
			if err := copyTree(src, dst); err != nil {
				return nil, err
			}
			return map[string]any{"exported_to": dst}, nil
		},
	})

	return s
}

// NewGitHubServer serves the gobby-github registry through the gh CLI.
func NewGitHubServer() *InternalServer {
	s := NewInternalServer("gobby-github")

	run := func(args ...string) (any, error) {
		stdout, stderr, err := gh.Exec(args...)
		if err != nil {
			msg := stderr.String()
			if msg == "" {
				msg = err.Error()
			}
			return nil, fmt.Errorf("gh %s: %s", args[0], msg)
		}
		var decoded any
		if jsonErr := json.Unmarshal(stdout.Bytes(), &decoded); jsonErr == nil {
			return map[string]any{"data": decoded}, nil
		}
		return map[string]any{"output": stdout.String()}, nil
	}

	s.Add(InternalTool{
		Name:        "list_issues",
		Description: "List open issues in the current repository.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			limit := argInt(args, "limit")
			if limit == 0 {
				limit = 20
			}
			return run("issue", "list", "--json", "number,title,labels,url",
				"--limit", fmt.Sprintf("%d", limit))
		},
	})

	s.Add(InternalTool{
		Name:        "get_issue",
		Description: "Fetch one issue by number.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return run("issue", "view", fmt.Sprintf("%d", argInt(args, "number")),
				"--json", "number,title,body,labels,state,url")
		},
	})

	s.Add(InternalTool{
		Name:        "list_pull_requests",
		Description: "List open pull requests in the current repository.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			limit := argInt(args, "limit")
			if limit == 0 {
				limit = 20
			}
			return run("pr", "list", "--json", "number,title,headRefName,url",
				"--limit", fmt.Sprintf("%d", limit))
		},
	})

	s.Add(InternalTool{
		Name:        "create_issue",
		Description: "Open a new issue. Args: title, body.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			title := argString(args, "title")
			if title == "" {
				return nil, fmt.Errorf("create_issue requires a title")
			}
			return run("issue", "create", "--title", title, "--body", argString(args, "body"))
		},
	})

	return s
}

// copyTree copies a directory recursively. Regular files only; skills carry
// no symlinks.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return fileutil.EnsureDir(target)
		}
		return fileutil.CopyFile(path, target)
	})
}
