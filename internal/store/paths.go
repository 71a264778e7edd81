package store

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	networksFileName = "agent_networks.json"
	memoryFileName   = "memory.json"
)

// DefaultRoot resolves the application storage root, ~/.agentmesh.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentmesh"
	}
	return filepath.Join(home, ".agentmesh")
}

// EncodeProjectPath flattens an absolute project path into a single
// directory name by replacing path separators with dashes.
func EncodeProjectPath(project string) string {
	cleaned := filepath.Clean(project)
	cleaned = strings.ReplaceAll(cleaned, string(filepath.Separator), "-")
	return strings.ReplaceAll(cleaned, "/", "-")
}

// ProjectDir is the per-project storage directory used by the terminal UI.
func ProjectDir(root, project string) string {
	return filepath.Join(root, "projects", EncodeProjectPath(project))
}

// APIProjectDir is the parallel per-project directory used by the HTTP
// service, isolated from the terminal UI's files.
func APIProjectDir(root, project string) string {
	return filepath.Join(root, "api", "projects", EncodeProjectPath(project))
}
