package references

import (
	"regexp"
	"strings"
)

// mentionPattern captures the character before the @ so mentions inside emails or paths are left alone.
var mentionPattern = regexp.MustCompile(`(^|[^A-Za-z0-9_.\-/@+])@([A-Za-z0-9_](?:[A-Za-z0-9_.\-]*[A-Za-z0-9_\-])?)`)

// Rewriter maps references to the source entity onto the destination entity.
type Rewriter struct {
	sourcePrefix string
	destPrefix   string
	usernames    map[string]string
	destNames    map[string]struct{}
}

// NewRewriter builds a rewriter for URLs under sourcePrefix and for the given source->destination
// username table.
func NewRewriter(sourcePrefix, destPrefix string, usernames map[string]string) *Rewriter {
	destNames := make(map[string]struct{}, len(usernames))
	for _, dest := range usernames {
		destNames[dest] = struct{}{}
	}
	return &Rewriter{
		sourcePrefix: strings.TrimRight(sourcePrefix, "/"),
		destPrefix:   strings.TrimRight(destPrefix, "/"),
		usernames:    usernames,
		destNames:    destNames,
	}
}

// Prefix joins an instance URL and a full path.
func Prefix(instanceURL, fullPath string) string {
	return strings.TrimRight(instanceURL, "/") + "/" + strings.Trim(fullPath, "/")
}

// Rewrite returns the rewritten text and whether anything changed.
func (r *Rewriter) Rewrite(text string) (string, bool) {
	out := r.rewriteURLs(text)
	out = r.rewriteMentions(out)
	return out, out != text
}

func (r *Rewriter) rewriteURLs(text string) string {
	if r.sourcePrefix == "" || r.sourcePrefix == r.destPrefix || !strings.Contains(text, r.sourcePrefix) {
		return text
	}

	// Already rewritten URLs are copied through. The longer prefix is matched first so a move
	// into a parent or a child path resolves to the right one.
	prefixes := []struct{ match, replace string }{
		{r.destPrefix, r.destPrefix},
		{r.sourcePrefix, r.destPrefix},
	}
	if len(r.sourcePrefix) > len(r.destPrefix) {
		prefixes[0], prefixes[1] = prefixes[1], prefixes[0]
	}

	var b strings.Builder
	i := 0
scan:
	for i < len(text) {
		rest := text[i:]
		for _, p := range prefixes {
			if hasPrefixAt(rest, p.match) {
				b.WriteString(p.replace)
				i += len(p.match)
				continue scan
			}
		}
		b.WriteByte(text[i])
		i++
	}
	return b.String()
}

// hasPrefixAt reports whether s starts with prefix followed by a path boundary.
func hasPrefixAt(s, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(s, prefix) {
		return false
	}
	return isBoundary(s, len(prefix))
}

func isBoundary(s string, j int) bool {
	if j >= len(s) {
		return true
	}
	c := s[j]
	if c == '.' {
		// A trailing period ends a sentence, any other one continues the path segment.
		return j+1 >= len(s) || !isSegmentChar(s[j+1])
	}
	return !isSegmentChar(c)
}

func isSegmentChar(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func (r *Rewriter) rewriteMentions(text string) string {
	if len(r.usernames) == 0 || !strings.Contains(text, "@") {
		return text
	}
	return mentionPattern.ReplaceAllStringFunc(text, func(match string) string {
		at := strings.IndexByte(match, '@')
		lead, name := match[:at], match[at+1:]

		// Already a destination username: rewriting it again would not be idempotent.
		if _, ok := r.destNames[name]; ok {
			return match
		}
		dest, ok := r.usernames[name]
		if !ok {
			return match
		}
		return lead + "@" + dest
	})
}
