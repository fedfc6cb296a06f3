package render

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// PlainText returns the text content of an HTML or Markdown fragment with
// every tag removed. Script and style bodies are dropped.
func PlainText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a tokenizer error; either way the text so far is all there is
			return b.String()
		case html.StartTagToken:
			if name, _ := z.TagName(); isRawTextTag(name) {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			if name, _ := z.TagName(); isRawTextTag(name) && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isRawTextTag(name []byte) bool {
	switch string(name) {
	case "script", "style":
		return true
	}
	return false
}

// CountWords counts runs of letters, apostrophes and hyphens that contain at
// least one letter. Digits and punctuation separate words.
func CountWords(s string) int {
	count := 0
	inWord, hasLetter := false, false
	flush := func() {
		if inWord && hasLetter {
			count++
		}
		inWord, hasLetter = false, false
	}
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			inWord, hasLetter = true, true
		case r == '\'' || r == '-':
			inWord = true
		default:
			flush()
		}
	}
	flush()
	return count
}

// EstimateTokens approximates the LLM token count of words words.
func EstimateTokens(words int, multiplier float64) int {
	if words <= 0 || multiplier <= 0 {
		return 0
	}
	return int(math.Ceil(float64(words) * multiplier))
}
