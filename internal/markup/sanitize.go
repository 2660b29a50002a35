// Package markup converts model-generated Markdown into the HTML subset
// accepted by Telegram's HTML parse mode.
//
// Only b, i, s, code and pre are ever emitted, always balanced. Telegram
// rejects a whole message when its markup does not parse, so Sanitize never
// fails and never returns unbalanced tags.
package markup

import (
	"regexp"
	"strconv"
	"strings"
)

// htmlElements are the tag names stripped even without attributes. Anything
// else that looks like a tag is kept as text unless it carries a name=value
// attribute, so comparisons and generics survive.
const htmlElements = `a|abbr|audio|b|big|blockquote|body|br|button|center|code|del|details|div|em|embed|` +
	`font|footer|form|h[1-6]|head|header|hr|html|i|iframe|img|input|ins|kbd|li|link|mark|meta|nav|` +
	`object|ol|p|pre|q|s|script|section|small|source|span|strike|strong|style|sub|summary|sup|svg|` +
	`table|tbody|td|textarea|tfoot|th|thead|title|tr|tt|tg-emoji|tg-spoiler|u|ul|var|video`

const tagAttr = `\s+[a-zA-Z_:][a-zA-Z0-9_:.-]*\s*=\s*(?:"[^"<>]*"|'[^'<>]*'|[^\s"'<>=` + "`" + `]+)`

// ltMark stands in for a literal '<' between stripping and escaping, so the
// only real '<' left in the text are tags the sanitizer emitted itself.
const ltMark = "\x01"

var (
	literalTagRe = regexp.MustCompile(`(?i)</?(?:` + htmlElements + `)(?:` + tagAttr + `)*\s*/?>` +
		`|<[a-zA-Z][a-zA-Z0-9-]*(?:` + tagAttr + `)+\s*/?>`)

	fencedCodeRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+.#-]*[ \t]*\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")

	bulletRe     = regexp.MustCompile(`(?m)^[ \t]*[-*+][ \t]+`)
	blockquoteRe = regexp.MustCompile(`(?m)^>[ \t]?`)

	tripleEmphasisRe = regexp.MustCompile(`\*\*\*([^\s*](?:[^\n]*?[^\s*])?)\*\*\*`)
	boldStarRe       = regexp.MustCompile(`\*\*([^\s*](?:[^\n]*?[^\s*])?)\*\*`)
	boldUnderRe      = regexp.MustCompile(`__([^\s_](?:[^\n]*?[^\s_])?)__`)
	italicStarRe     = regexp.MustCompile(`\*([^\s*](?:[^*\n]*[^\s*])?)\*`)
	italicUnderRe    = regexp.MustCompile(`(^|[^\w])_([^\s_](?:[^_\n]*[^\s_])?)_($|[^\w])`)
	strikeRe         = regexp.MustCompile(`~~([^~\n]+?)~~`)
	headerRe         = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+?)(?:[ \t]+#+)?[ \t]*$`)

	placeholderRe = regexp.MustCompile("\x00([0-9]+)\x00")
	knownTagRe    = regexp.MustCompile(`^</?(?:b|i|s|code|pre)>`)

	controlMarks = strings.NewReplacer("\x00", "", ltMark, "")
)

// Sanitize renders Markdown text as Telegram-safe HTML.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}

	// Placeholder and ltMark bytes are reserved below.
	text = controlMarks.Replace(text)
	text = literalTagRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "<", ltMark)

	var protected []string
	protect := func(rendered string) string {
		protected = append(protected, rendered)
		return "\x00" + strconv.Itoa(len(protected)-1) + "\x00"
	}
	text = fencedCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		body := fencedCodeRe.FindStringSubmatch(m)[1]
		return protect("<pre>" + strings.TrimSuffix(body, "\n") + "</pre>")
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		return protect("<code>" + inlineCodeRe.FindStringSubmatch(m)[1] + "</code>")
	})

	text = bulletRe.ReplaceAllString(text, "• ")
	text = blockquoteRe.ReplaceAllString(text, "")

	text = tripleEmphasisRe.ReplaceAllString(text, "<b><i>$1</i></b>")
	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldUnderRe.ReplaceAllString(text, "<b>$1</b>")
	text = italicStarRe.ReplaceAllString(text, "<i>$1</i>")
	// Adjacent spans share a boundary character, which one pass consumes.
	for {
		next := italicUnderRe.ReplaceAllString(text, "${1}<i>${2}</i>${3}")
		if next == text {
			break
		}
		text = next
	}
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = headerRe.ReplaceAllString(text, "<b>$1</b>")

	text = placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		idx, err := strconv.Atoi(placeholderRe.FindStringSubmatch(m)[1])
		if err != nil || idx >= len(protected) {
			return ""
		}
		return protected[idx]
	})
	text = strings.ReplaceAll(text, "\x00", "")

	return escapeText(Balance(text))
}

// Balance drops closing tags that do not match the innermost open tag and
// closes every tag left open at the end of the input, innermost first.
// Only tags in the allowed set are tracked; everything else is copied as is.
func Balance(text string) string {
	var out strings.Builder
	out.Grow(len(text))
	var stack []string

	for i := 0; i < len(text); {
		if text[i] != '<' {
			out.WriteByte(text[i])
			i++
			continue
		}
		tag := knownTagRe.FindString(text[i:])
		if tag == "" {
			out.WriteByte(text[i])
			i++
			continue
		}
		i += len(tag)

		if name, closing := tagName(tag); !closing {
			stack = append(stack, name)
			out.WriteString(tag)
		} else if len(stack) > 0 && stack[len(stack)-1] == name {
			stack = stack[:len(stack)-1]
			out.WriteString(tag)
		}
	}

	for j := len(stack) - 1; j >= 0; j-- {
		out.WriteString("</" + stack[j] + ">")
	}
	return out.String()
}

// Balanced reports whether text contains only allowed tags, properly nested
// and fully closed.
func Balanced(text string) bool {
	var stack []string
	for i := 0; i < len(text); i++ {
		if text[i] != '<' {
			continue
		}
		tag := knownTagRe.FindString(text[i:])
		if tag == "" {
			return false
		}
		name, closing := tagName(tag)
		if !closing {
			stack = append(stack, name)
		} else {
			if len(stack) == 0 || stack[len(stack)-1] != name {
				return false
			}
			stack = stack[:len(stack)-1]
		}
		i += len(tag) - 1
	}
	return len(stack) == 0
}

func tagName(tag string) (name string, closing bool) {
	name = strings.Trim(tag, "</>")
	return name, strings.HasPrefix(tag, "</")
}

// escapeText entity-encodes <, > and & everywhere except inside the allowed
// tag spellings. Text that already looks like an entity is encoded again so
// it renders literally.
func escapeText(text string) string {
	var out strings.Builder
	out.Grow(len(text))

	for i := 0; i < len(text); {
		switch text[i] {
		case '<':
			if tag := knownTagRe.FindString(text[i:]); tag != "" {
				out.WriteString(tag)
				i += len(tag)
				continue
			}
			out.WriteString("&lt;")
		case ltMark[0]:
			out.WriteString("&lt;")
		case '>':
			out.WriteString("&gt;")
		case '&':
			out.WriteString("&amp;")
		default:
			out.WriteByte(text[i])
		}
		i++
	}
	return out.String()
}
