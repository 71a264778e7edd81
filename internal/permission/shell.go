package permission

import (
	"path/filepath"
	"strings"
)

// SplitPipeline decomposes a shell command into its sub-commands, splitting
// on &&, ||, ; and | outside single/double quotes. Every sub-command must be
// allowed individually or the whole call is rejected.
func SplitPipeline(command string) []string {
	var (
		parts    []string
		current  strings.Builder
		inSingle bool
		inDouble bool
	)

	flush := func() {
		part := strings.TrimSpace(current.String())
		if part != "" {
			parts = append(parts, part)
		}
		current.Reset()
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteRune(r)
		case r == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteRune(r)
		case inSingle || inDouble:
			current.WriteRune(r)
		case r == '&' && i+1 < len(runes) && runes[i+1] == '&':
			flush()
			i++
		case r == '|' && i+1 < len(runes) && runes[i+1] == '|':
			flush()
			i++
		case r == '|', r == ';':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return parts
}

// IsSafeChdir reports whether the sub-command is a `cd` staying inside the
// worktree. Such sub-commands need no allow rule.
func IsSafeChdir(subCommand, worktree string) bool {
	fields := strings.Fields(subCommand)
	if len(fields) == 0 || fields[0] != "cd" {
		return false
	}
	if worktree == "" {
		return false
	}
	if len(fields) == 1 {
		// bare `cd` goes to $HOME, outside the worktree
		return false
	}

	target := strings.Trim(fields[1], `"'`)
	if !filepath.IsAbs(target) {
		target = filepath.Join(worktree, target)
	}
	target = filepath.Clean(target)
	worktree = filepath.Clean(worktree)
	return target == worktree || strings.HasPrefix(target, worktree+string(filepath.Separator))
}

// ShellAllowed reports whether every sub-command of a shell invocation is
// covered by an allow rule or is a safe chdir within the worktree.
func ShellAllowed(rules []Rule, command, worktree string) bool {
	subs := SplitPipeline(command)
	if len(subs) == 0 {
		return false
	}
	for _, sub := range subs {
		if IsSafeChdir(sub, worktree) {
			continue
		}
		if !MatchesAny(rules, "Bash", sub) {
			return false
		}
	}
	return true
}
