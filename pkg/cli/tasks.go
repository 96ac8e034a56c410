package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gobbyhq/gobby/pkg/console"
	"github.com/gobbyhq/gobby/pkg/storage"
	"github.com/gobbyhq/gobby/pkg/stringutil"
)

// TasksOptions filters and shapes task listing output.
type TasksOptions struct {
	Status string
	Tree   bool
	JSON   bool
}

// RunTasks lists the project's tasks as a table or a hierarchy.
func RunTasks(ctx context.Context, projectDir string, opts TasksOptions) error {
	store, err := storage.Open(ctx, storage.Options{ProjectDir: projectDir})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tasks, err := store.Tasks().List(ctx, storage.TaskFilter{Status: opts.Status})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println(console.FormatInfoMessage("No tasks"))
		return nil
	}

	if opts.Tree {
		for _, root := range taskForest(tasks) {
			fmt.Print(console.RenderTree(root))
		}
		return nil
	}

	table := console.TableConfig{
		Headers: []string{"ID", "Status", "Priority", "Type", "Title"},
	}
	for _, task := range tasks {
		table.Rows = append(table.Rows, []string{
			task.ID,
			task.Status,
			strconv.Itoa(task.Priority),
			task.TaskType,
			stringutil.Truncate(task.Title, 60),
		})
	}

	if opts.JSON {
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

// taskForest arranges tasks into parent/child trees. Tasks whose parent is
// missing from the listing become roots.
func taskForest(tasks []*storage.Task) []console.TreeNode {
	byID := make(map[string]*storage.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}
	children := map[string][]*storage.Task{}
	var roots []*storage.Task
	for _, task := range tasks {
		if task.ParentTaskID != "" && byID[task.ParentTaskID] != nil {
			children[task.ParentTaskID] = append(children[task.ParentTaskID], task)
		} else {
			roots = append(roots, task)
		}
	}

	var build func(task *storage.Task) console.TreeNode
	build = func(task *storage.Task) console.TreeNode {
		node := console.TreeNode{
			Value: fmt.Sprintf("%s [%s] %s", task.ID, task.Status, stringutil.Truncate(task.Title, 60)),
		}
		for _, child := range children[task.ID] {
			node.Children = append(node.Children, build(child))
		}
		return node
	}

	nodes := make([]console.TreeNode, 0, len(roots))
	for _, root := range roots {
		nodes = append(nodes, build(root))
	}
	return nodes
}
