package render

import (
	"regexp"
	"strings"
)

var (
	inlineStyleRe    = regexp.MustCompile(`(?i)\s+style="[^"]*"`)
	emptyParagraphRe = regexp.MustCompile(`(?i)<p>\s*</p>`)
	preBlockRe       = regexp.MustCompile(`(?is)<pre\b[^>]*>.*?</pre>`)
	spanTagRe        = regexp.MustCompile(`(?i)</?span[^>]*>`)
	nodeNameRe       = regexp.MustCompile(`^[a-z][a-z0-9:_-]*$`)
	nodeSeparatorRe  = regexp.MustCompile(`[\s,]+`)
)

// shortcodeStripper removes [name ...] and [name]...[/name] markup for the
// configured shortcode names.
type shortcodeStripper struct {
	enclosing   []*regexp.Regexp
	selfClosing []*regexp.Regexp
}

func newShortcodeStripper(names []string) shortcodeStripper {
	var s shortcodeStripper
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		q := regexp.QuoteMeta(name)
		s.enclosing = append(s.enclosing, regexp.MustCompile(`(?s)\[`+q+`(?:\s[^\]]*)?\].*?\[/`+q+`\]`))
		s.selfClosing = append(s.selfClosing, regexp.MustCompile(`\[`+q+`(?:\s[^\]]*)?/?\]`))
	}
	return s
}

func (s shortcodeStripper) strip(html string) string {
	if !strings.Contains(html, "[") {
		return html
	}
	for _, re := range s.enclosing {
		html = re.ReplaceAllString(html, "")
	}
	for _, re := range s.selfClosing {
		html = re.ReplaceAllString(html, "")
	}
	return html
}

// cleanHTML strips shortcodes, inline styles, empty paragraphs and
// highlighter spans inside <pre> blocks, then runs the CleanHTML hook.
func (r *Renderer) cleanHTML(html string) string {
	html = r.shortcodes.strip(html)
	html = inlineStyleRe.ReplaceAllString(html, "")
	html = emptyParagraphRe.ReplaceAllString(html, "")
	html = cleanCodeBlocks(html)
	if r.opts.CleanHTML != nil {
		html = r.opts.CleanHTML(html)
	}
	return html
}

func cleanCodeBlocks(html string) string {
	if !strings.Contains(strings.ToLower(html), "<pre") {
		return html
	}
	return preBlockRe.ReplaceAllStringFunc(html, func(block string) string {
		if !strings.Contains(strings.ToLower(block), "<span") {
			return block
		}
		return spanTagRe.ReplaceAllString(block, "")
	})
}

// NormalizeRemoveNodes turns configured node names into a clean list of tag
// names: entries are split on whitespace and commas, lowercased, filtered to
// DOM-like names and de-duplicated in order.
func NormalizeRemoveNodes(nodes []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, raw := range nodes {
		for _, name := range nodeSeparatorRe.Split(raw, -1) {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" || !nodeNameRe.MatchString(name) || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
