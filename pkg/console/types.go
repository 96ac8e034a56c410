package console

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TableConfig holds the data for table rendering.
type TableConfig struct {
	Headers []string
	Rows    [][]string
	Title   string
}

// TreeNode is one node in a hierarchical tree, such as a task tree.
type TreeNode struct {
	Value    string
	Children []TreeNode
}

// ToRelativePath converts an absolute path to one relative to the working
// directory. Paths that would escape upward stay absolute for clarity.
func ToRelativePath(path string) string {
	if !filepath.IsAbs(path) {
		return path
	}
	wd, err := os.Getwd()
	if err != nil {
		return path
	}
	relPath, err := filepath.Rel(wd, path)
	if err != nil || strings.Contains(relPath, "..") {
		return path
	}
	return relPath
}

// RenderTableAsJSON renders a table configuration as a JSON array, keyed by
// snake_cased headers. Used by --json output modes.
func RenderTableAsJSON(config TableConfig) (string, error) {
	if len(config.Headers) == 0 {
		return "[]", nil
	}
	var result []map[string]string
	for _, row := range config.Rows {
		obj := make(map[string]string)
		for i, cell := range row {
			if i < len(config.Headers) {
				key := strings.ToLower(strings.ReplaceAll(config.Headers[i], " ", "_"))
				obj[key] = cell
			}
		}
		result = append(result, obj)
	}
	jsonBytes, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal table to JSON: %w", err)
	}
	return string(jsonBytes), nil
}

// renderTreeSimple renders a plain text tree without styling.
func renderTreeSimple(root TreeNode, prefix string, isLast bool) string {
	var output strings.Builder
	output.WriteString(prefix + root.Value + "\n")
	for i, child := range root.Children {
		output.WriteString(renderTreeBranch(child, prefix, i == len(root.Children)-1))
	}
	return output.String()
}

func renderTreeBranch(node TreeNode, prefix string, isLast bool) string {
	var output strings.Builder

	connector := "├── "
	childPrefix := prefix + "│   "
	if isLast {
		connector = "└── "
		childPrefix = prefix + "    "
	}
	output.WriteString(prefix + connector + node.Value + "\n")

	for i, child := range node.Children {
		output.WriteString(renderTreeBranch(child, childPrefix, i == len(node.Children)-1))
	}
	return output.String()
}
