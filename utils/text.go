package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const DefaultSuffix = "..."

// OneLine collapses every run of whitespace, newlines included, into a single
// space.
func OneLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// DisplayWidth counts wide (CJK, fullwidth) runes as 2 columns and every
// other printable rune as 1.
func DisplayWidth(text string) int {
	width := 0
	for _, r := range text {
		width += runeWidth(r)
	}
	return width
}

// Truncate shortens text to at most width display columns, appending "..."
// when anything was cut. The suffix counts against the width.
func Truncate(text string, width int) string {
	if DisplayWidth(text) <= width {
		return text
	}
	quota := width - len(DefaultSuffix)
	if quota <= 0 {
		return DefaultSuffix[:max(width, 0)]
	}
	var b strings.Builder
	for _, r := range text {
		w := runeWidth(r)
		if w > quota {
			break
		}
		b.WriteRune(r)
		quota -= w
	}
	return strings.TrimRightFunc(b.String(), unicode.IsSpace) + DefaultSuffix
}

// GetOneline normalizes a title or description into a single line preview.
func GetOneline(text string, width int) string {
	return Truncate(OneLine(text), width)
}

// TruncateRunes cuts text to n runes without a suffix, used where a
// transport caps payload size.
func TruncateRunes(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n])
}

func runeWidth(r rune) int {
	switch {
	case r < 0x20 || r == 0x7f:
		return 0
	case unicode.Is(unicode.Han, r),
		unicode.Is(unicode.Hangul, r),
		unicode.Is(unicode.Hiragana, r),
		unicode.Is(unicode.Katakana, r),
		r >= 0xFF00 && r <= 0xFF60,
		r >= 0x3000 && r <= 0x303F:
		return 2
	default:
		return 1
	}
}
