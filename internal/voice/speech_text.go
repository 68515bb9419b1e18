package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern     = regexp.MustCompile(`https?://\S+`)
	speechMarkdownLink   = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	speechBracketedAside = regexp.MustCompile(`\[\[[^\]]*\]\]`)
	speechMarkupReplacer = strings.NewReplacer("*", " ", "_", " ", "\\", " ", "|", " ", "#", " ", "~", " ", "<", " ", ">", " ", "`", " ")
	speechAbbrevReplacer = strings.NewReplacer("&", " and ", "%", " percent", "@", " at ")
)

// SpeakableText strips markup, links and symbol noise from oracle text so the
// synthesized line sounds like speech. Leftover [[...]] control markers are dropped.
func SpeakableText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechBracketedAside.ReplaceAllString(raw, " ")
	raw = speechMarkdownLink.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = speechMarkupReplacer.Replace(raw)
	raw = speechAbbrevReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r), r == '\u200d', r == '\ufe0f':
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			// emoji and symbols read badly over the phone
		case isSpeechSafePunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')':
		return true
	default:
		return false
	}
}
