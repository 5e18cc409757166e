// Package artifacts reads the state the external graphbus CLI leaves on
// disk. Everything here is read-only from graphdeck's perspective: the
// CLI writes, we load what exists and tolerate the absence of any part.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the artifact directory the CLI maintains under the
// session's working directory.
const DirName = ".graphbus"

// Well-known files inside the artifact directory.
const (
	graphFile         = "graph.json"
	buildFile         = "build.json"
	conversationFile  = "conversation.json"
	negotiationFile   = "negotiation.json"
	modifiedFilesFile = "modified_files.json"
)

// Graph is the CLI's description of the built system: named nodes and
// directed, type-labeled dependency edges.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is one unit of work discovered by the build.
type Node struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Topics      []string `json:"topics,omitempty"`
}

// Edge is one directed dependency between nodes.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// BuildSummary mirrors the CLI's build report.
type BuildSummary struct {
	Success     bool   `json:"success"`
	Command     string `json:"command,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// ConversationEntry is one line of a prior conversation snapshot.
type ConversationEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NegotiationEntry is one record of the CLI's code-mutation negotiation
// log. The core only carries it; the semantics belong to the CLI.
type NegotiationEntry struct {
	Node   string `json:"node"`
	Method string `json:"method,omitempty"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Artifacts is everything found in the artifact directory. Absent
// documents stay nil.
type Artifacts struct {
	Graph         *Graph
	Build         *BuildSummary
	Conversation  []ConversationEntry
	Negotiation   []NegotiationEntry
	ModifiedFiles []string
}

// Probe reports whether prior build artifacts exist under workDir.
func Probe(workDir string) bool {
	info, err := os.Stat(filepath.Join(workDir, DirName, graphFile))
	return err == nil && !info.IsDir()
}

// Dir returns the artifact directory path for workDir.
func Dir(workDir string) string {
	return filepath.Join(workDir, DirName)
}

// Load reads whatever artifacts exist under workDir. A missing artifact
// directory yields empty Artifacts, not an error; a present-but-corrupt
// document is an error so the caller can surface it instead of silently
// showing stale state.
func Load(workDir string) (*Artifacts, error) {
	dir := Dir(workDir)
	out := &Artifacts{}

	if _, err := os.Stat(dir); err != nil {
		return out, nil
	}

	if err := loadJSON(filepath.Join(dir, graphFile), &out.Graph); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, buildFile), &out.Build); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, conversationFile), &out.Conversation); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, negotiationFile), &out.Negotiation); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, modifiedFilesFile), &out.ModifiedFiles); err != nil {
		return nil, err
	}

	return out, nil
}

// loadJSON decodes path into v when the file exists; absence is fine.
func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// NodeNames lists the graph's node names in file order.
func (a *Artifacts) NodeNames() []string {
	if a.Graph == nil {
		return nil
	}
	names := make([]string, 0, len(a.Graph.Nodes))
	for _, n := range a.Graph.Nodes {
		names = append(names, n.Name)
	}
	return names
}
