package render

import (
	md "github.com/JohannesKaufmann/html-to-markdown"
	"go.trai.ch/zerr"
)

// Converter turns cleaned HTML into Markdown.
type Converter interface {
	Convert(html string) (string, error)
}

// HTMLConverter is the default Converter.
type HTMLConverter struct {
	conv *md.Converter
}

var _ Converter = (*HTMLConverter)(nil)

// NewHTMLConverter builds a converter that drops the given node types
// entirely. Names are normalized with NormalizeRemoveNodes.
func NewHTMLConverter(removeNodes ...string) *HTMLConverter {
	conv := md.NewConverter("", true, &md.Options{
		HeadingStyle:     "atx",
		HorizontalRule:   "---",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
		Fence:            "```",
		EmDelimiter:      "_",
		StrongDelimiter:  "**",
		LinkStyle:        "inlined",
	})
	if nodes := NormalizeRemoveNodes(removeNodes); len(nodes) > 0 {
		conv.Remove(nodes...)
	}
	return &HTMLConverter{conv: conv}
}

func (c *HTMLConverter) Convert(html string) (string, error) {
	out, err := c.conv.ConvertString(html)
	if err != nil {
		return "", zerr.Wrap(err, "convert html to markdown")
	}
	return out, nil
}
