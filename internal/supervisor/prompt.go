package supervisor

import (
	"regexp"
	"strings"
)

// Prompt detection is a best-effort heuristic layer, not a grammar.
// A line of ordinary output that happens to end in '?' will fire it
// (false positive); a real prompt phrased outside these patterns will
// not (false negative). Both are accepted: the point is to give a human
// a chance to intervene mid-run, not to parse the tool's UI.

const promptTailLines = 5

var (
	// "Select one:", "Choose a node:", "Enter value:", ...
	imperativePrompt = regexp.MustCompile(`(?i)^(select|choose|enter|pick|answer)\b[^:]*:`)
	// "[y/n]", "(yes/no)", "y/n?" style confirmations.
	yesNoPrompt = regexp.MustCompile(`(?i)(\[y(es)?/no?\]|\(y(es)?/no?\)|\by/n\s*\??$)`)
)

// promptDetector keeps a rolling tail of recent stdout lines and matches
// the heuristics against each new line. A match returns the accumulated
// tail and resets the buffer so the same text cannot re-trigger.
type promptDetector struct {
	tail []string
}

func newPromptDetector() *promptDetector {
	return &promptDetector{}
}

func (d *promptDetector) observe(line string) (string, bool) {
	d.tail = append(d.tail, line)
	if len(d.tail) > promptTailLines {
		d.tail = d.tail[len(d.tail)-promptTailLines:]
	}

	if !looksLikePrompt(line) {
		return "", false
	}

	matched := strings.Join(d.tail, "\n")
	d.tail = nil
	return matched, true
}

func looksLikePrompt(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	if imperativePrompt.MatchString(trimmed) {
		return true
	}
	return yesNoPrompt.MatchString(trimmed)
}
