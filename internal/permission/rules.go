package permission

import (
	"net/url"
	"regexp"
	"strings"
)

// Rule is one allow/deny pattern of the form `ToolName` or `ToolName(argGlob)`.
// The bare form matches every invocation of the tool; the parenthesized form
// additionally matches the tool's primary parameter against the glob.
type Rule struct {
	Tool    string
	ArgGlob string // empty means match any args
}

// ParseRule splits a pattern string into its tool name and arg glob.
func ParseRule(pattern string) Rule {
	pattern = strings.TrimSpace(pattern)
	open := strings.IndexByte(pattern, '(')
	if open < 0 || !strings.HasSuffix(pattern, ")") {
		return Rule{Tool: pattern}
	}
	return Rule{
		Tool:    pattern[:open],
		ArgGlob: pattern[open+1 : len(pattern)-1],
	}
}

// ParseRules parses a pattern list, skipping empty entries.
func ParseRules(patterns []string) []Rule {
	rules := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		rules = append(rules, ParseRule(p))
	}
	return rules
}

// String renders the rule back to its pattern form.
func (r Rule) String() string {
	if r.ArgGlob == "" {
		return r.Tool
	}
	return r.Tool + "(" + r.ArgGlob + ")"
}

// Matches reports whether the rule covers the invocation. The primary
// argument is the tool's main parameter: the shell command for Bash, the
// file path for file tools, the URL for web tools.
func (r Rule) Matches(toolName, primaryArg string) bool {
	if r.Tool != toolName {
		return false
	}
	if r.ArgGlob == "" {
		return true
	}

	// domain:<glob> patterns match the host of a URL argument.
	if host, ok := strings.CutPrefix(r.ArgGlob, "domain:"); ok {
		return globMatch(host, urlHost(primaryArg))
	}

	// <prefix>:* is command-prefix syntax used for shell rules.
	if prefix, ok := strings.CutSuffix(r.ArgGlob, ":*"); ok {
		return primaryArg == prefix || strings.HasPrefix(primaryArg, prefix+" ")
	}

	return globMatch(r.ArgGlob, primaryArg)
}

// MatchesAny reports whether any rule in the list covers the invocation.
func MatchesAny(rules []Rule, toolName, primaryArg string) bool {
	for _, r := range rules {
		if r.Matches(toolName, primaryArg) {
			return true
		}
	}
	return false
}

// PrimaryArg extracts the tool's primary parameter from its input map.
func PrimaryArg(toolName string, parameters map[string]any) string {
	// Parameter key priority mirrors the tools' own schemas.
	for _, key := range []string{"command", "file_path", "path", "url", "pattern", "query"} {
		if v, ok := parameters[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// DeriveRule builds the rule string persisted for an allow decision when the
// responder did not name one explicitly.
func DeriveRule(req Request) string {
	arg := PrimaryArg(req.ToolName, req.Parameters)
	if arg == "" {
		return req.ToolName
	}
	switch req.ToolName {
	case "WebFetch", "WebSearch":
		if host := urlHost(arg); host != "" {
			return req.ToolName + "(domain:" + host + ")"
		}
	case "Bash":
		return req.ToolName + "(" + arg + ")"
	}
	return req.ToolName + "(" + arg + ")"
}

// globMatch matches s against a glob where * matches any run of characters
// and ? matches one character.
func globMatch(glob, s string) bool {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// urlHost returns the host of a URL-ish argument, or the argument itself
// when it is already a bare host.
func urlHost(arg string) string {
	if arg == "" {
		return ""
	}
	if !strings.Contains(arg, "://") {
		if i := strings.IndexAny(arg, "/?"); i >= 0 {
			return arg[:i]
		}
		return arg
	}
	u, err := url.Parse(arg)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
