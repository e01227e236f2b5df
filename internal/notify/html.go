package notify

import (
	"html"
	"regexp"
	"strings"
)

var (
	brTags    = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockEnds = regexp.MustCompile(`(?i)</(p|div|li|tr|h[1-6])>`)
	anyTag    = regexp.MustCompile(`<[^>]*>`)
	blankRuns = regexp.MustCompile(`\n{3,}`)
)

// CleanHTML turns the HTML Planfix stores in comments into plain chat
// text: block boundaries become newlines, every other tag is dropped,
// entities are unescaped and whitespace is tidied.
func CleanHTML(s string) string {
	s = brTags.ReplaceAllString(s, "\n")
	s = blockEnds.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
