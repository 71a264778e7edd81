package conversation

import "strings"

// entityReplacer decodes the five core HTML entities. strings.Replacer
// performs a single left-to-right pass, so already-decoded text is never
// decoded again (&amp;lt; yields &lt;, not <).
var entityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

// DecodeEntities decodes the five core HTML entities in one pass.
func DecodeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return entityReplacer.Replace(s)
}
