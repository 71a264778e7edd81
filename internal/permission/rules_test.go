package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	tests := []struct {
		pattern string
		want    Rule
	}{
		{"Bash", Rule{Tool: "Bash"}},
		{"Bash(git status)", Rule{Tool: "Bash", ArgGlob: "git status"}},
		{"Bash(npm run:*)", Rule{Tool: "Bash", ArgGlob: "npm run:*"}},
		{"WebFetch(domain:docs.example.com)", Rule{Tool: "WebFetch", ArgGlob: "domain:docs.example.com"}},
		{"Read(/etc/*)", Rule{Tool: "Read", ArgGlob: "/etc/*"}},
		{"  Glob  ", Rule{Tool: "Glob"}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRule(tt.pattern))
		})
	}
}

func TestRuleRoundTrip(t *testing.T) {
	for _, pattern := range []string{"Bash", "Bash(git status)", "WebFetch(domain:example.com)"} {
		assert.Equal(t, pattern, ParseRule(pattern).String())
	}
}

func TestRuleMatches(t *testing.T) {
	tests := []struct {
		name    string
		rule    string
		tool    string
		arg     string
		matches bool
	}{
		{"bare tool matches any args", "Bash", "Bash", "rm -rf /", true},
		{"bare tool rejects other tool", "Bash", "Write", "", false},
		{"exact command", "Bash(git status)", "Bash", "git status", true},
		{"exact command mismatch", "Bash(git status)", "Bash", "git push", false},
		{"prefix matches command with args", "Bash(npm run:*)", "Bash", "npm run build", true},
		{"prefix matches bare command", "Bash(npm run:*)", "Bash", "npm run", true},
		{"prefix requires word boundary", "Bash(npm run:*)", "Bash", "npm runx", false},
		{"glob on path", "Read(/etc/*)", "Read", "/etc/hosts", true},
		{"glob rejects outside path", "Read(/etc/*)", "Read", "/var/log/syslog", false},
		{"domain matches url host", "WebFetch(domain:docs.example.com)", "WebFetch", "https://docs.example.com/page?q=1", true},
		{"domain rejects other host", "WebFetch(domain:docs.example.com)", "WebFetch", "https://evil.example.com/", false},
		{"domain glob", "WebFetch(domain:*.example.com)", "WebFetch", "https://api.example.com/v1", true},
		{"domain matches bare host arg", "WebFetch(domain:example.com)", "WebFetch", "example.com/path", true},
		{"question mark glob", "Read(file?.txt)", "Read", "file1.txt", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ParseRule(tt.rule)
			assert.Equal(t, tt.matches, r.Matches(tt.tool, tt.arg))
		})
	}
}

func TestPrimaryArg(t *testing.T) {
	assert.Equal(t, "git status", PrimaryArg("Bash", map[string]any{"command": "git status"}))
	assert.Equal(t, "/tmp/a.go", PrimaryArg("Write", map[string]any{"file_path": "/tmp/a.go", "content": "x"}))
	assert.Equal(t, "https://example.com", PrimaryArg("WebFetch", map[string]any{"url": "https://example.com"}))
	assert.Equal(t, "", PrimaryArg("Bash", nil))
	// command takes priority over other keys
	assert.Equal(t, "ls", PrimaryArg("Bash", map[string]any{"command": "ls", "path": "/tmp"}))
}

func TestDeriveRule(t *testing.T) {
	req := NewRequest("WebFetch", map[string]any{"url": "https://docs.example.com/guide"}, "agent-1", "/wt")
	assert.Equal(t, "WebFetch(domain:docs.example.com)", DeriveRule(req))

	req = NewRequest("Bash", map[string]any{"command": "git status"}, "agent-1", "/wt")
	assert.Equal(t, "Bash(git status)", DeriveRule(req))

	req = NewRequest("Glob", map[string]any{}, "agent-1", "/wt")
	assert.Equal(t, "Glob", DeriveRule(req))
}

func TestNewRequestAssignsID(t *testing.T) {
	a := NewRequest("Bash", nil, "agent-1", "/wt")
	b := NewRequest("Bash", nil, "agent-1", "/wt")
	require.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}
