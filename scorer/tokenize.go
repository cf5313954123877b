package scorer

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonTokenChars = regexp.MustCompile(`[^\pL\pN\s]+`)

// Splits free-form text in to lower-case tokens, with unicode normalization and diacritics removed, so "Café!" and "cafe" produce the same token. Emoji are kept as tokens of their own, after the word tokens.
func TokenizeText(text string) []string {
	// transformers are stateful, so the chain is built per call
	normFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	bare := strings.ToLower(nonTokenChars.ReplaceAllString(text, " "))
	normed, _, err := transform.String(normFunc, bare)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		normed = bare
	}
	return append(strings.Fields(normed), emojiTokens(text)...)
}

// Distinct emoji grapheme clusters in s, in order of first appearance.
func emojiTokens(s string) []string {
	var ret []string
	seen := make(map[string]bool)
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		// check if this grapheme cluster starts with an emoji rune
		first := gr.Runes()[0]
		if (first >= 0x1F000 && first <= 0x1FFFF) || (first >= 0x2600 && first <= 0x26FF) {
			emoji := gr.Str()
			if !seen[emoji] {
				ret = append(ret, emoji)
				seen[emoji] = true
			}
		}
	}
	return ret
}
