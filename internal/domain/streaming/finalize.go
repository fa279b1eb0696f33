package streaming

import (
	"regexp"
	"strings"
)

var (
	// 【4:0†source】 style markers emitted by file-search models.
	bracketCitation = regexp.MustCompile(`【[^】]*】`)
	// [1], [1, 2], [^3], [doc2], [source: notes.pdf]
	inlineCitation  = regexp.MustCompile(`[ \t]*\[(?:\^?\d+(?:\s*,\s*\d+)*|doc\d+|source:[^\]]*)\]`)
	trailingSources = regexp.MustCompile(`(?i)\n+[ \t]*(?:#+[ \t]*)?(?:sources|references|citations)[ \t]*:?[ \t]*\n(?:[ \t]*(?:[-*]|\d+\.|\[\d+\]).*\n?)*\s*$`)
	horizontalSpace = regexp.MustCompile(`[ \t]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// Finalize strips citation artifacts and normalizes whitespace in a completed reply.
func Finalize(content string) string {
	out := strings.ReplaceAll(content, "\r\n", "\n")
	out = trailingSources.ReplaceAllString(out, "")
	out = bracketCitation.ReplaceAllString(out, "")
	out = inlineCitation.ReplaceAllString(out, "")

	lines := strings.Split(out, "\n")
	for i, line := range lines {
		body := strings.TrimLeft(line, " \t")
		if body == "" {
			lines[i] = ""
			continue
		}
		indent := line[:len(line)-len(body)]
		lines[i] = indent + strings.TrimRight(horizontalSpace.ReplaceAllString(body, " "), " ")
	}
	out = strings.Join(lines, "\n")
	out = blankLines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
