// Package render turns content entities into Markdown documents with a YAML
// frontmatter header.
package render

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.trai.ch/zerr"
	"golang.org/x/net/html"

	"github.com/briangreenhill/kibble/internal/content"
)

// DefaultTokenMultiplier approximates tokens per English word.
const DefaultTokenMultiplier = 1.3

// Options configures a Renderer. The hook fields are optional extension
// points for the embedding program.
type Options struct {
	// Converter defaults to an HTMLConverter built from RemoveNodes.
	Converter       Converter
	RemoveNodes     []string
	Shortcodes      []string
	TokenMultiplier float64

	// CleanHTML runs after the built-in HTML cleanup.
	CleanHTML func(html string) string
	// Body runs on "# Title\n\n<markdown>" before words are counted.
	Body func(body string, e *content.Entity) string
	// Frontmatter may add, change or drop fields.
	Frontmatter func(fm Frontmatter, e *content.Entity) Frontmatter
	// Output runs on the complete document.
	Output func(doc string, e *content.Entity) string
}

// Renderer is safe for concurrent use.
type Renderer struct {
	opts       Options
	conv       Converter
	shortcodes shortcodeStripper
}

func New(opts Options) *Renderer {
	if opts.TokenMultiplier <= 0 {
		opts.TokenMultiplier = DefaultTokenMultiplier
	}
	conv := opts.Converter
	if conv == nil {
		conv = NewHTMLConverter(opts.RemoveNodes...)
	}
	return &Renderer{
		opts:       opts,
		conv:       conv,
		shortcodes: newShortcodeStripper(opts.Shortcodes),
	}
}

// Body is the converted entity content without title or frontmatter.
type Body struct {
	Markdown string
}

// Document is a fully rendered Markdown document.
type Document struct {
	Markdown  string
	WordCount int
	CharCount int
	Tokens    int
}

// RenderBody cleans the entity's HTML and converts it. Words are counted on
// the finished document by Render.
func (r *Renderer) RenderBody(e *content.Entity) (Body, error) {
	out, err := r.conv.Convert(r.cleanHTML(e.HTML))
	if err != nil {
		return Body{}, zerr.With(err, "entity_id", e.ID)
	}
	return Body{Markdown: out}, nil
}

// Render produces the complete document for e: frontmatter, a level one
// title heading and the converted body.
func (r *Renderer) Render(ctx context.Context, e *content.Entity) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := r.RenderBody(e)
	if err != nil {
		return nil, err
	}

	title := html.UnescapeString(e.Title)
	body := "# " + title + "\n\n" + strings.TrimSpace(b.Markdown)
	if r.opts.Body != nil {
		body = r.opts.Body(body, e)
	}

	words := CountWords(PlainText(body))
	tokens := EstimateTokens(words, r.opts.TokenMultiplier)
	chars := utf8.RuneCountInString(body)

	fm := r.frontmatter(e, title, words, chars, tokens)
	if r.opts.Frontmatter != nil {
		fm = r.opts.Frontmatter(fm, e)
	}
	header, err := fm.Encode()
	if err != nil {
		return nil, zerr.With(err, "entity_id", e.ID)
	}

	doc := header + "\n" + body + "\n"
	if r.opts.Output != nil {
		doc = r.opts.Output(doc, e)
	}

	return &Document{
		Markdown:  doc,
		WordCount: words,
		CharCount: chars,
		Tokens:    tokens,
	}, nil
}

func (r *Renderer) frontmatter(e *content.Entity, title string, words, chars, tokens int) Frontmatter {
	fm := Frontmatter{
		{Key: "title", Value: title},
		{Key: "date", Value: e.PublishedAt.Format(time.RFC3339)},
		{Key: "type", Value: e.Type},
		{Key: "word_count", Value: words},
		{Key: "char_count", Value: chars},
		{Key: "tokens", Value: tokens},
	}

	// terms only exist on posts
	if e.Type == "post" {
		if len(e.Categories) > 0 {
			fm = fm.Set("categories", unescapeAll(e.Categories))
		}
		if len(e.Tags) > 0 {
			fm = fm.Set("tags", unescapeAll(e.Tags))
		}
	}
	return fm
}

func unescapeAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = html.UnescapeString(s)
	}
	return out
}
