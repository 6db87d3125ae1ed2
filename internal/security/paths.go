package security

import (
	"regexp"
	"strings"
)

// Safe read-only shell commands that bypass the approval flow. A command
// matches when, after trimming, it equals an entry or begins with the entry
// followed by a space.
var safeCommands = []string{
	"nvidia-smi",
	"df",
	"free",
	"uptime",
	"whoami",
	"hostname",
	"cat /proc/cpuinfo",
	"cat /proc/meminfo",
	"ps",
	"top -bn1",
	"ls",
	"pwd",
	"date",
	"which",
	"echo",
	"git status",
	"git log",
	"git diff",
}

// IsSafeCommand reports whether a shell command is on the read-only whitelist.
func IsSafeCommand(command string) bool {
	trimmed := strings.TrimSpace(command)
	for _, safe := range safeCommands {
		if trimmed == safe || strings.HasPrefix(trimmed, safe+" ") {
			return true
		}
	}
	return false
}

var (
	absolutePathRE = regexp.MustCompile(`(?:^|[\s='"])(/[A-Za-z0-9._~/-]+)`)
	relativePathRE = regexp.MustCompile(`(?:^|[\s='"])(\.{1,2}/[A-Za-z0-9._~/-]+)`)
)

// ExtractShellPaths pulls absolute and relative filesystem paths out of
// free-form shell text. The extraction is heuristic: it is defense in depth
// on top of the per-tool file_path/path checks, not a sound parser.
func ExtractShellPaths(command string) []string {
	var paths []string
	seen := make(map[string]bool)

	for _, re := range []*regexp.Regexp{absolutePathRE, relativePathRE} {
		for _, match := range re.FindAllStringSubmatch(command, -1) {
			p := match[1]
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	return paths
}

// ExtractToolPaths returns the filesystem paths a tool call would touch.
// Tools with no path arguments return nil and are allowed by default.
func ExtractToolPaths(toolName string, input map[string]any) []string {
	switch toolName {
	case "Read", "Write", "Edit", "NotebookEdit":
		if p, ok := input["file_path"].(string); ok && p != "" {
			return []string{p}
		}
	case "Bash":
		if cmd, ok := input["command"].(string); ok {
			return ExtractShellPaths(cmd)
		}
	case "Glob", "Grep":
		if p, ok := input["path"].(string); ok && p != "" {
			return []string{p}
		}
	}
	return nil
}
