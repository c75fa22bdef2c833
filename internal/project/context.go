// Package project carries the host-supplied project file context used for
// prompt templating and custom tool definitions. The runtime never reads
// files itself.
package project

import (
	"sort"
	"strings"

	"github.com/haasonsaas/relay/internal/tools"
)

// FileNode is one entry in the project file tree.
type FileNode struct {
	Path     string     `json:"path"`
	Dir      bool       `json:"dir,omitempty"`
	Children []FileNode `json:"children,omitempty"`
}

// FileContext is the injected view of the host project.
type FileContext struct {
	// Root is the project root path, used only for display.
	Root string

	// Tree is the project file tree.
	Tree []FileNode

	// KnowledgeFiles maps path to content for knowledge files the host
	// wants surfaced in prompts.
	KnowledgeFiles map[string]string

	// CustomTools are host-defined tool definitions merged into the
	// agent's tool bundle.
	CustomTools []tools.Definition
}

// Knowledge returns the content of a knowledge file, if present.
func (c *FileContext) Knowledge(path string) (string, bool) {
	if c == nil || c.KnowledgeFiles == nil {
		return "", false
	}
	content, ok := c.KnowledgeFiles[path]
	return content, ok
}

// TreeSummary renders a compact indented listing of the file tree for
// prompt templating.
func (c *FileContext) TreeSummary() string {
	if c == nil || len(c.Tree) == 0 {
		return ""
	}
	var b strings.Builder
	var walk func(nodes []FileNode, depth int)
	walk = func(nodes []FileNode, depth int) {
		sorted := append([]FileNode(nil), nodes...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
		for _, n := range sorted {
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString(n.Path)
			if n.Dir {
				b.WriteByte('/')
			}
			b.WriteByte('\n')
			walk(n.Children, depth+1)
		}
	}
	walk(c.Tree, 0)
	return b.String()
}
