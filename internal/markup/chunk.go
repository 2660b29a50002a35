package markup

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageRunes keeps each sent part safely under Telegram's 4096
// character message limit.
const MaxMessageRunes = 4000

const fence = "```"

// Split breaks Markdown text into parts of at most max runes, cutting at line
// boundaries where possible. A fenced code block cut in two is closed at the
// end of one part and reopened at the start of the next, so every part can
// be sanitized on its own.
func Split(text string, max int) []string {
	if max <= 2*len(fence)+2 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var (
		parts   []string
		cur     strings.Builder
		curLen  int
		inFence bool
	)
	// Room for a closing fence that may have to be appended on flush.
	budget := max - len(fence) - 1

	flush := func() {
		if curLen == 0 {
			return
		}
		part := cur.String()
		if inFence {
			part = strings.TrimRight(part, "\n") + "\n" + fence
		}
		parts = append(parts, part)
		cur.Reset()
		curLen = 0
		if inFence {
			cur.WriteString(fence + "\n")
			curLen = len(fence) + 1
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		n := utf8.RuneCountInString(line)
		if curLen+n > budget {
			flush()
		}
		for n > budget-curLen {
			// A single line longer than the budget is cut by runes.
			room := budget - curLen
			head, tail := splitRunes(line, room)
			cur.WriteString(head)
			curLen += room
			flush()
			line = tail
			n = utf8.RuneCountInString(line)
		}
		if line == "" {
			continue
		}
		cur.WriteString(line)
		curLen += n
		if strings.HasPrefix(strings.TrimSpace(line), fence) {
			inFence = !inFence
		}
	}
	if rest := cur.String(); curLen > 0 && rest != fence+"\n" {
		parts = append(parts, rest)
	}
	return parts
}

func splitRunes(s string, n int) (string, string) {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], s[pos:]
		}
		i++
	}
	return s, ""
}
